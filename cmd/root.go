package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "codeagent",
		Short: "Coding assistant backend for Gemini and OpenRouter models",
		Long: `codeagent streams code generation from Gemini or OpenRouter, remembers the
selected provider, model and API keys between runs, and keeps an in-memory
project tree that generated code can be applied to.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to YAML configuration file (optional)")

	root.AddCommand(
		newServeCommand(),
		newChatCommand(),
		newModelsCommand(),
	)
	return root
}
