// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Command agentrt is a thin CLI over the agent runtime: provider logins,
// session management, and one-shot turns with a builtin shell tool.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/llxprt/agentrt"
)

var (
	storePath  string
	passphrase string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "agentrt",
		Short:         "Provider-agnostic agent turn runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&storePath, "store", defaultStorePath(),
		"credential store path")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", os.Getenv("AGENTRT_PASSPHRASE"),
		"credential encryption passphrase (env AGENTRT_PASSPHRASE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newRunCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentrt.db"
	}
	return filepath.Join(home, ".agentrt", "credentials.db")
}

// newRuntime builds the runtime shared by all subcommands.
func newRuntime(ctx context.Context) (*agentrt.Runtime, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("a passphrase is required; set --passphrase or AGENTRT_PASSPHRASE")
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return agentrt.New(ctx, agentrt.Config{
		StorePath:  storePath,
		Passphrase: passphrase,
		Logger:     logger,
	})
}

// parseProvider maps the CLI spelling onto the provider enum.
func parseProvider(s string) (agentrt.Provider, error) {
	switch s {
	case "openai", "openai_responses":
		return agentrt.ProviderOpenAIResponses, nil
	case "openai_chat":
		return agentrt.ProviderOpenAIChat, nil
	case "anthropic":
		return agentrt.ProviderAnthropic, nil
	case "gemini":
		return agentrt.ProviderGemini, nil
	default:
		return "", fmt.Errorf("unknown provider %q (openai, openai_chat, anthropic, gemini)", s)
	}
}
