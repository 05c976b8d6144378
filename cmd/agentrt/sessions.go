// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/llxprt/agentrt"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored credential sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsDeleteCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			sessions, err := rt.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions stored")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tAUTH\tNAME\tEXPIRES\tSTATUS")
			for _, s := range sessions {
				expires := "-"
				if s.ExpiresAt != nil {
					expires = s.ExpiresAt.Local().Format("2006-01-02 15:04")
				}
				status := "ok"
				if s.RequiresReauth {
					status = "requires re-auth"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Provider, s.AuthType, s.Name, expires, status)
			}
			return w.Flush()
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	var authType string
	cmd := &cobra.Command{
		Use:   "delete <provider> <name>",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(2),
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

			if err := rt.DeleteSession(cmd.Context(), provider, agentrt.AuthType(authType), args[1]); err != nil {
				return err
			}
			fmt.Printf("deleted %s session %q\n", provider, args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&authType, "auth", "oauth", "auth type of the session (oauth or api_key)")
	return cmd
}
