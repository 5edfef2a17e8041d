package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewCommand returns the root command of the session server
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "session-server",
		Short:         "Serve client sessions on top of a Raft core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCommand(), newConfigCommand())
	return cmd
}
