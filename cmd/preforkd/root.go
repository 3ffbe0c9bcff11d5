package main

import (
	"fmt"

	"github.com/axondata/go-prefork"
	"github.com/spf13/cobra"
)

// newRootCmd creates the root preforkd command with all subcommands attached.
func newRootCmd() *cobra.Command {
	v := prefork.GetVersion()
	cmd := &cobra.Command{
		Use:           "preforkd",
		Short:         "Prefork worker pool demo server",
		Long:          "preforkd supervises a pool of worker processes that call back into the manager\nfor jobs and deliver a final summary before exiting.",
		Version:       fmt.Sprintf("%s (protocol %s)", v.Version, v.Protocol),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("preforkd {{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newCheckCmd(),
	)

	return cmd
}
