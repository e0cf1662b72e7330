package main

import (
	"ai-browser-control/internal/bootstrap"
	"ai-browser-control/internal/entity"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// flagEnv maps persistent flags onto the environment variables config reads.
var flagEnv = map[string]string{
	"provider":        "AGENT_PROVIDER",
	"driver":          "BROWSER_DRIVER",
	"start-url":       "AGENT_START_URL",
	"headless":        "BROWSER_HEADLESS",
	"allow-sensitive": "AGENT_ALLOW_SENSITIVE",
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agent",
		Short:         "Drive a live browser page with plain-language instructions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			for flag, env := range flagEnv {
				if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
					if err := os.Setenv(env, f.Value.String()); err != nil {
						return err
					}
				}
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return bootstrap.RunConsole(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("provider", "", "plan provider: remote or local")
	flags.String("driver", "", "browser driver: playwright or chromedp")
	flags.String("start-url", "", "page to open after the browser starts")
	flags.Bool("headless", false, "run the browser without a window")
	flags.Bool("allow-sensitive", false, "allow clicks on payment-like controls")

	rootCmd.AddCommand(newRunCmd())

	return rootCmd
}

func newRunCmd() *cobra.Command {
	var asJSON bool

	runCmd := &cobra.Command{
		Use:   "run <instruction>",
		Short: "Run a single instruction against the page and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := bootstrap.RunOnce(cmd.Context(), strings.Join(args, " "))
			if run == nil {
				return err
			}

			if asJSON {
				if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(run); encErr != nil {
					return encErr
				}
			} else {
				printRun(cmd.OutOrStdout(), run)
			}

			return err
		},
	}

	runCmd.Flags().BoolVar(&asJSON, "json", false, "print the run as JSON")

	return runCmd
}

func printRun(w io.Writer, run *entity.Run) {
	fmt.Fprintf(w, "run %s: %s (provider %s)\n", run.ID, run.State, run.Provider)

	for _, s := range run.Steps {
		fmt.Fprintf(w, "  %d. %s\n", s.Index+1, s.Summary)
	}

	switch {
	case run.Question != "":
		fmt.Fprintf(w, "question: %s\n", run.Question)
	case run.Summary != "":
		fmt.Fprintf(w, "summary: %s\n", run.Summary)
	case run.BlockedTerm != "":
		fmt.Fprintf(w, "blocked on sensitive term %q\n", run.BlockedTerm)
	}
}
