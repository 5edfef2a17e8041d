package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"raft-session-protocol/internal/logger"
	"raft-session-protocol/internal/raft/client"
	"raft-session-protocol/internal/raft/metrics"
	"raft-session-protocol/internal/raft/operation"
)

type benchFlags struct {
	clients     int
	operations  int
	consistency string
	output      string
}

func newBenchCommand(flags *globalFlags) *cobra.Command {
	bench := &benchFlags{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive concurrent sessions against a server and report latencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bench.clients < 1 || bench.operations < 1 {
				return fmt.Errorf("--clients and --operations must be positive")
			}
			level, err := operation.ParseConsistency(strings.ToUpper(bench.consistency))
			if err != nil {
				return err
			}
			return runBench(cmd, flags, bench, level)
		},
	}
	cmd.Flags().IntVar(&bench.clients, "clients", 4, "number of concurrent sessions")
	cmd.Flags().IntVar(&bench.operations, "operations", 100, "commands, and as many queries, per session")
	cmd.Flags().StringVar(&bench.consistency, "consistency", "linearizable", "consistency level of the queries")
	cmd.Flags().StringVar(&bench.output, "output", "", "file the JSON report is written to")
	return cmd
}

func runBench(cmd *cobra.Command, flags *globalFlags, bench *benchFlags, level operation.ConsistencyLevel) error {
	recorder := metrics.NewMetrics()
	started := time.Now()

	g, ctx := errgroup.WithContext(cmd.Context())
	for i := 0; i < bench.clients; i++ {
		i := i
		g.Go(func() error {
			return flags.withSession(ctx, func(ctx context.Context, c *client.Client) error {
				key := fmt.Sprintf("bench-%d", i)
				for n := 0; n < bench.operations; n++ {
					if _, err := c.Submit(ctx, []byte(fmt.Sprintf("SET %s=%d", key, n))); err != nil {
						return err
					}
					if _, err := c.Query(ctx, level, []byte("GET "+key)); err != nil {
						return err
					}
				}
				logger.FromContext(ctx).Debug("Session finished", zap.String("client", c.ID()),
					zap.Uint64("session", c.Session()), zap.Uint64("index", c.LastIndex()))
				return nil
			}, client.WithRecorder(recorder))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("benchmark aborted after %s: %w", time.Since(started), err)
	}

	report := recorder.GetReport(bench.clients, level)
	report.PrintReport(cmd.OutOrStdout())
	if bench.output != "" {
		return report.SaveJSON(bench.output)
	}
	return nil
}
