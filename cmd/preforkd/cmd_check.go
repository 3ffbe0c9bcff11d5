package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/axondata/go-prefork"
	"github.com/axondata/go-prefork/internal/config"
	"github.com/spf13/cobra"
)

// newCheckCmd creates the "check" subcommand that validates a config file.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <config>",
		Short: "Validate a config file and print the effective settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			table, err := prefork.ParseSignalTable(cfg.Signals)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workers:              %d\n", cfg.Workers)
			fmt.Fprintf(out, "spawn_interval:       %s\n", time.Duration(cfg.SpawnInterval))
			fmt.Fprintf(out, "err_respawn_interval: %s\n", time.Duration(cfg.ErrRespawnInterval))
			fmt.Fprintf(out, "call_timeout:         %s\n", time.Duration(cfg.CallTimeout))
			fmt.Fprintf(out, "shutdown_timeout:     %s\n", time.Duration(cfg.ShutdownTimeout))
			fmt.Fprintf(out, "stop_signal:          %s\n", cfg.StopSignal)

			names := make([]string, 0, len(table))
			actions := make(map[string]string, len(table))
			for sig, action := range table {
				name := prefork.SignalName(sig)
				names = append(names, name)
				actions[name] = action.String()
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "signal %-6s        %s\n", name, actions[name])
			}
			return nil
		},
	}
}
