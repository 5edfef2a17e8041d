package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raft-session-protocol/internal/logger"
	"raft-session-protocol/internal/raft/client"
)

func main() {
	if err := NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	addr     string
	timeout  time.Duration
	logLevel string
}

// NewCommand returns the root command of the session client
func NewCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "session-client",
		Short:         "Talk to a session server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.addr, "addr", "localhost:50051", "address of the server to connect to")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "deadline of the whole invocation")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level")

	cmd.AddCommand(
		newRegisterCommand(flags),
		newCommandCommand(flags),
		newQueryCommand(flags),
		newBenchCommand(flags),
	)
	return cmd
}

func (f *globalFlags) logger() (*zap.Logger, error) {
	level, err := logger.ParseLevel(f.logLevel)
	if err != nil {
		return nil, err
	}
	return logger.New(os.Stderr, level), nil
}

// withSession opens a session, hands it to fn and closes it afterwards
func (f *globalFlags) withSession(ctx context.Context, fn func(context.Context, *client.Client) error,
	opts ...client.Option) (err error) {
	log, err := f.logger()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(logger.NewContext(ctx, log), f.timeout)
	defer cancel()

	c, err := client.Dial(f.addr, append(opts, client.WithLogger(log))...)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.Close(ctx)) }()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.Register(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}
