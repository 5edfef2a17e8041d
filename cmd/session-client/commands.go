package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"raft-session-protocol/internal/raft/client"
	"raft-session-protocol/internal/raft/operation"
)

func newRegisterCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Open a session and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withSession(cmd.Context(), func(_ context.Context, c *client.Client) error {
				fmt.Fprintf(cmd.OutOrStdout(), "client %s registered session %d\n", c.ID(), c.Session())
				return nil
			})
		},
	}
}

func newCommandCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "command <payload>...",
		Short: "Submit commands in order, for example \"SET x=1\"",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withSession(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				for _, payload := range args {
					result, err := c.Submit(ctx, []byte(payload))
					if err != nil {
						return fmt.Errorf("%s: %w", payload, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (index %d)\n", payload, result, c.LastIndex())
				}
				return nil
			})
		},
	}
}

func newQueryCommand(flags *globalFlags) *cobra.Command {
	var consistency string

	cmd := &cobra.Command{
		Use:   "query <payload>",
		Short: "Run a read, for example \"GET x\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := operation.ParseConsistency(strings.ToUpper(consistency))
			if err != nil {
				return err
			}
			return flags.withSession(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				value, err := c.Query(ctx, level, []byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (index %d)\n", value, c.LastIndex())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&consistency, "consistency", "linearizable",
		"one of "+strings.Join(consistencyNames(), ", "))
	return cmd
}

func consistencyNames() []string {
	levels := []operation.ConsistencyLevel{operation.Causal, operation.Sequential,
		operation.BoundedLinearizable, operation.Linearizable}
	names := make([]string, 0, len(levels))
	for _, level := range levels {
		names = append(names, strings.ToLower(level.String()))
	}
	return names
}
