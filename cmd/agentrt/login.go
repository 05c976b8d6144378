// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/llxprt/agentrt"
)

func newLoginCmd() *cobra.Command {
	var (
		sessionName string
		apiKey      string
		project     string
	)
	cmd := &cobra.Command{
		Use:   "login <provider>",
		Short: "Authenticate a provider session",
		Long: `Authenticate a provider session.

With --api-key the key is stored directly. Otherwise the provider's OAuth
flow runs: Anthropic prints a URL and asks for the pasted code, OpenAI and
Gemini listen on a local callback port.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if apiKey != "" {
				name, err := rt.CreateSession(cmd.Context(), agentrt.SessionParams{
					Provider: provider,
					AuthType: agentrt.AuthTypeAPIKey,
					Name:     sessionName,
					APIKey:   apiKey,
				})
				if err != nil {
					return err
				}
				fmt.Printf("stored api key session %q for %s\n", name, provider)
				return nil
			}
			return oauthLogin(cmd.Context(), rt, provider, sessionName, project)
		},
	}
	cmd.Flags().StringVar(&sessionName, "name", "", "session name (default \"default\")")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "store an API key instead of running OAuth")
	cmd.Flags().StringVar(&project, "project", "", "GCP project for Gemini OAuth (default: discovered)")
	return cmd
}

func oauthLogin(ctx context.Context, rt *agentrt.Runtime, provider agentrt.Provider, sessionName, project string) error {
	pending, err := rt.BeginAuthorization(provider)
	if err != nil {
		return err
	}

	fmt.Println("Open this URL in your browser:")
	fmt.Println()
	fmt.Println("  " + pending.URL)
	fmt.Println()

	var code string
	if provider == agentrt.ProviderAnthropic {
		// Anthropic shows a code#state string to paste back.
		fmt.Print("Paste the authorization code: ")
		code, err = readLine()
	} else {
		code, err = awaitCallback(ctx, pending)
	}
	if err != nil {
		return err
	}

	name, err := rt.CreateSession(ctx, agentrt.SessionParams{
		Provider: provider,
		AuthType: agentrt.AuthTypeOAuth,
		Name:     sessionName,
		Pending:  pending,
		AuthCode: code,
		Project:  project,
	})
	if err != nil {
		return err
	}
	fmt.Printf("stored oauth session %q for %s\n", name, provider)
	return nil
}

func readLine() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// awaitCallback serves the pending authorization's redirect URI on
// localhost and waits for the provider to deliver the code.
func awaitCallback(ctx context.Context, pending *agentrt.PendingAuthorization) (string, error) {
	u, err := url.Parse(pending.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri: %w", err)
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", u.Host, err)
	}

	type callback struct {
		code string
		err  error
	}
	result := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(u.Path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errMsg := q.Get("error"); errMsg != "" {
			http.Error(w, "authorization failed: "+errMsg, http.StatusBadRequest)
			result <- callback{err: fmt.Errorf("authorization failed: %s", errMsg)}
			return
		}
		if state := q.Get("state"); state != "" && state != pending.State {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			result <- callback{err: errors.New("authorization state mismatch")}
			return
		}
		_, _ = fmt.Fprintln(w, "Login complete. You can close this tab.")
		result <- callback{code: q.Get("code")}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Println("Waiting for the browser callback ...")
	select {
	case cb := <-result:
		return cb.code, cb.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
