package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	opts := newCommonOptions()

	cmd := &cobra.Command{
		Use:           "tarscan [OPTIONS] COMMAND",
		Short:         "Inspect tar archives with a streaming parser.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging()
		},
	}
	opts.installFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newListCommand(opts),
		newCatCommand(opts),
		newDetectCommand(),
	)
	return cmd
}

func main() {
	logrus.SetOutput(os.Stderr)

	cmd := newRootCommand()
	cmd.SetOut(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
