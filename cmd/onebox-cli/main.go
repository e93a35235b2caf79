package main

import (
	"fmt"
	"os"

	"github.com/mikey/mail-onebox/internal/di"
	"github.com/spf13/cobra"
	"go.uber.org/dig"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	flags := &di.CLIFlags{}

	root := &cobra.Command{
		Use:           "onebox-cli",
		Short:         "Classify, draft and manage reply knowledge from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.ConfigFile, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&flags.Provider, "provider", "", "LLM provider (openai, gemini, bedrock)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")

	root.AddCommand(
		classifyCmd(flags),
		draftCmd(flags),
		knowledgeCmd(flags),
		secretCmd(flags),
	)
	return root
}

// invoke builds the CLI container and runs fn with its dependencies injected
func invoke(flags *di.CLIFlags, fn interface{}) error {
	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		return fmt.Errorf("failed to build dependency container: %w", err)
	}
	if err := container.Invoke(fn); err != nil {
		return dig.RootCause(err)
	}
	return nil
}
