package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raft-session-protocol/internal/logger"
	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/metrics"
	"raft-session-protocol/internal/raft/protocol"
	"raft-session-protocol/internal/raft/server"
	"raft-session-protocol/internal/raft/state_machine"
	"raft-session-protocol/internal/raft/storage"
	"raft-session-protocol/internal/raft/transport"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a session server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := server.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = server.LoadConfig(configPath); err != nil {
					return err
				}
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML configuration file")
	return cmd
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(server.DefaultConfig())
		},
	}
}

func run(ctx context.Context, cfg server.Config) (err error) {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, level)
	defer func() { _ = log.Sync() }()

	role, err := server.ParseRole(cfg.Server.Role)
	if err != nil {
		return err
	}
	if cfg.Server.ID == "" {
		cfg.Server.ID = uuid.New().String()
	}
	id := core.ServerID(cfg.Server.ID)

	peers := transport.NewPeers(transport.WithPeersLogger(log))
	peerIDs := make([]core.ServerID, 0, len(cfg.Server.Peers))
	for _, peer := range cfg.Server.Peers {
		peerIDs = append(peerIDs, core.ServerID(peer.ID))
	}
	prober := core.NewQuorumProber(peerIDs, probePeer(peers, uuid.New()), time.Duration(cfg.Query.ProbeTimeout), log)

	c := core.NewMemoryCore(id, role, state_machine.NewKVStateMachine(log),
		core.WithLogger(log), core.WithProber(prober.Probe))
	if role == core.Follower && cfg.Server.Leader != "" {
		c.SetRole(core.Follower, core.ServerID(cfg.Server.Leader))
	}

	m := metrics.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	opts := []server.Option{server.WithLogger(log), server.WithMetrics(m), server.WithPeers(peers)}
	var store *storage.BboltStore
	if cfg.Session.StorePath != "" {
		if store, err = storage.NewBboltStore(cfg.Session.StorePath); err != nil {
			return err
		}
		opts = append(opts, server.WithStore(store))
	}

	srv, err := server.NewServer(cfg, c, opts...)
	if err != nil {
		if store != nil {
			err = multierr.Append(err, store.Close())
		}
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()

	var metricsServer *http.Server
	if cfg.Metrics.BindAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.BindAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
	}

	log.Info("Session server started", zap.String("id", cfg.Server.ID),
		zap.String("address", cfg.Server.BindAddress), zap.Stringer("role", role))

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err = <-errCh:
		log.Error("Server stopped", zap.Error(err))
	}

	err = multierr.Append(err, srv.GracefulShutdown())
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, metricsServer.Shutdown(shutdownCtx))
	}
	return err
}

// probePeer treats a successful Connect round trip as a peer acknowledging this server. Connect carries no term and no
// leader hint, so a reachable peer that follows another leader still counts as an acknowledgement. The probe proves
// that a majority of peers is reachable, not that this server is still their leader; a partitioned stale leader can
// pass it and serve a stale linearizable read until it learns of the newer term.
func probePeer(peers *transport.Peers, self uuid.UUID) core.PeerProbe {
	req := &protocol.ConnectRequest{ClientID: self.String()}
	return func(ctx context.Context, peer core.ServerID) error {
		return peers.Call(ctx, peer, func(ctx context.Context, client *transport.SessionClient) error {
			resp := &protocol.ConnectResponse{}
			if err := client.Connect(ctx, req, resp); err != nil {
				return err
			}
			return resp.Err()
		})
	}
}
