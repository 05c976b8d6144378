// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/llxprt/agentrt"
)

func newRunCmd() *cobra.Command {
	var (
		providerFlag string
		model        string
		sessionName  string
		webSearch    bool
		parallel     bool
		noShell      bool
	)
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one agent turn",
		Example: `  agentrt run -p anthropic -m claude-sonnet-4-5 "summarize the README"
  agentrt run -p openai -m gpt-5 --web-search "what changed in Go 1.24?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := parseProvider(providerFlag)
			if err != nil {
				return err
			}
			if model == "" {
				return fmt.Errorf("--model / -m is required")
			}

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if !noShell {
				if err := registerShellTool(rt); err != nil {
					return err
				}
			}

			events, results := rt.StreamChat(cmd.Context(), agentrt.TurnParams{
				Provider: provider,
				Session:  sessionName,
				Model:    model,
				Messages: []agentrt.Message{agentrt.UserText(args[0])},
				Options: agentrt.TurnOptions{
					FirstTurn:         true,
					WebSearchEnabled:  webSearch,
					ParallelToolCalls: parallel,
				},
			})

			for ev := range events {
				switch {
				case ev.OfContent != nil:
					fmt.Print(ev.OfContent.Text)
				case ev.OfThought != nil:
					fmt.Fprint(os.Stderr, ev.OfThought.Text)
				case ev.OfFunctionCall != nil:
					for _, call := range ev.OfFunctionCall.Calls {
						fmt.Fprintf(os.Stderr, "\n[tool] %s %s\n", call.Name, call.Arguments)
					}
				case ev.OfError != nil:
					fmt.Fprintf(os.Stderr, "\n[stream error] %s\n", ev.OfError.Reason)
				}
			}
			fmt.Println()

			res := <-results
			if res != nil && res.Usage.TotalTokens > 0 {
				fmt.Fprintf(os.Stderr, "[%d tokens, %d tool calls]\n",
					res.Usage.TotalTokens, len(res.ToolsUsed))
			}
			if res != nil && res.Partial {
				return fmt.Errorf("turn ended early")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerFlag, "provider", "p", "", "provider (openai, openai_chat, anthropic, gemini)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model identifier")
	cmd.Flags().StringVar(&sessionName, "name", "", "session name (default \"default\")")
	cmd.Flags().BoolVar(&webSearch, "web-search", false, "enable the hosted web_search tool (Responses)")
	cmd.Flags().BoolVar(&parallel, "parallel-tools", false, "run tool calls in parallel")
	cmd.Flags().BoolVar(&noShell, "no-shell", false, "do not register the run_shell_command tool")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

// registerShellTool wires the builtin run_shell_command executor.
func registerShellTool(rt *agentrt.Runtime) error {
	return rt.RegisterTool(agentrt.Tool{
		Name:        "run_shell_command",
		Description: "Run a shell command and return its combined output.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
			},
			"required": []string{"command"},
		},
	}, runShellCommand)
}

func runShellCommand(ctx context.Context, args map[string]any) (*agentrt.ToolResult, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command must be a non-empty string")
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		exitCode = exitErr.ExitCode()
	}
	return &agentrt.ToolResult{
		Output:   string(output),
		ExitCode: exitCode,
		Duration: elapsed,
	}, nil
}
