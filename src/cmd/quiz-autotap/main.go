package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return runWithArgs(newApp(os.Stdin, os.Stdout, os.Stderr), normalizeLegacyArgs(os.Args))
}

func runWithArgs(a *app, args []string) error {
	if len(args) == 0 {
		args = []string{"quiz-autotap"}
	}
	cmd := newRootCmd(a)
	cmd.SetArgs(args[1:])
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	return cmd.Execute()
}

// globalOptions are shared by every subcommand.
type globalOptions struct {
	apiKeyPath string
	envPath    string
	verbose    bool
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "quiz-autotap",
		Short:         "Answer on-screen multiple-choice quizzes automatically",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&a.global.apiKeyPath, "api-key-path", "", "Path to API key file (highest precedence)")
	cmd.PersistentFlags().StringVar(&a.global.envPath, "env", "", "Path to a .env file (overrides the lookup order)")
	cmd.PersistentFlags().BoolVarP(&a.global.verbose, "verbose", "v", false, "Verbose output to stderr")

	cmd.AddCommand(
		newRunCmd(a),
		newReplayCmd(a),
		newSolveCmd(a),
		newParseCmd(a),
	)
	return cmd
}

// legacyFlags may be written with a single dash, as older scripts did.
var legacyFlags = []string{
	"file", "json", "verbose", "api-key-path", "env", "dir", "mode", "dry-run", "tap", "token",
}

func normalizeLegacyArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}

	normalized := make([]string, len(args))
	copy(normalized, args)

	for i := 1; i < len(normalized); i++ {
		arg := normalized[i]
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") || strings.HasPrefix(arg, "--") {
			continue
		}
		for _, name := range legacyFlags {
			switch {
			case arg == "-"+name:
				normalized[i] = "--" + name
			case strings.HasPrefix(arg, "-"+name+"="):
				normalized[i] = "-" + arg
			}
		}
	}

	return normalized
}

func (a *app) verbosef(format string, args ...any) {
	if a.global.verbose {
		fmt.Fprintf(a.stderr, "[verbose] "+format+"\n", args...)
	}
}
