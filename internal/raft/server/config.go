package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"raft-session-protocol/internal/raft/batcher"
	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/router"
	"raft-session-protocol/internal/raft/session"
	itoml "raft-session-protocol/internal/toml"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the configuration of a session server, as read from a TOML file
type Config struct {
	Server  NodeConfig    `toml:"server"`
	Query   QueryConfig   `toml:"query"`
	Session SessionConfig `toml:"session"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// NodeConfig identifies the server and the rest of the cluster
type NodeConfig struct {
	ID          string `toml:"id"`
	BindAddress string `toml:"bind-address"`
	// Role the in-process core starts in: "leader" or "follower"
	Role string `toml:"role"`
	// Leader hint for a follower
	Leader string       `toml:"leader"`
	Peers  []PeerConfig `toml:"peers"`
}

type PeerConfig struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
}

// QueryConfig tunes the read path
type QueryConfig struct {
	MaxForwardHops int            `toml:"max-forward-hops"`
	SealDelay      itoml.Duration `toml:"seal-delay"`
	ProbeTimeout   itoml.Duration `toml:"probe-timeout"`
	// How long a query may wait for the local state machine to catch up. Zero waits until the client gives up.
	MaxQueryWait itoml.Duration `toml:"max-query-wait"`
}

// SessionConfig tunes session handling
type SessionConfig struct {
	DefaultTimeout      itoml.Duration `toml:"default-timeout"`
	MinTimeout          itoml.Duration `toml:"min-timeout"`
	MaxTimeout          itoml.Duration `toml:"max-timeout"`
	StrictOrdering      bool           `toml:"strict-ordering"`
	MaxBufferedCommands int            `toml:"max-buffered-commands"`
	ExpiryInterval      itoml.Duration `toml:"expiry-interval"`
	// Path of the bbolt file sessions are persisted to. Empty keeps sessions in memory only.
	StorePath string `toml:"store-path"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

type MetricsConfig struct {
	// Address the Prometheus handler listens on. Empty disables it.
	BindAddress string `toml:"bind-address"`
}

// DefaultConfig returns a configuration for a single node leader
func DefaultConfig() Config {
	sessions := session.DefaultConfig()
	batching := batcher.DefaultConfig()

	return Config{
		Server: NodeConfig{
			BindAddress: "localhost:50051",
			Role:        "leader",
		},
		Query: QueryConfig{
			MaxForwardHops: router.DefaultMaxForwardHops,
			SealDelay:      itoml.Duration(batching.SealDelay),
			ProbeTimeout:   itoml.Duration(batching.ProbeTimeout),
			MaxQueryWait:   itoml.Duration(5 * time.Second),
		},
		Session: SessionConfig{
			DefaultTimeout:      itoml.Duration(sessions.DefaultTimeout),
			MinTimeout:          itoml.Duration(sessions.MinTimeout),
			MaxTimeout:          itoml.Duration(sessions.MaxTimeout),
			StrictOrdering:      sessions.StrictOrdering,
			MaxBufferedCommands: sessions.MaxBufferedCommands,
			ExpiryInterval:      itoml.Duration(time.Second),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads a TOML file on top of the defaults
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return cfg, validateConfig(&cfg)
}

func validateConfig(config *Config) error {
	if config.Server.BindAddress == "" {
		return fmt.Errorf("%w: server.bind-address is required", ErrInvalidConfig)
	}
	if _, err := ParseRole(config.Server.Role); err != nil {
		return err
	}
	for i, peer := range config.Server.Peers {
		if peer.ID == "" || peer.Address == "" {
			return fmt.Errorf("%w: server.peers[%d] needs an id and an address", ErrInvalidConfig, i)
		}
	}
	if config.Query.MaxForwardHops < 0 {
		return fmt.Errorf("%w: query.max-forward-hops must not be negative", ErrInvalidConfig)
	}
	if config.Query.SealDelay < 0 || config.Query.ProbeTimeout < 0 || config.Query.MaxQueryWait < 0 {
		return fmt.Errorf("%w: query durations must not be negative", ErrInvalidConfig)
	}
	s := config.Session
	if s.MinTimeout <= 0 || s.MaxTimeout < s.MinTimeout {
		return fmt.Errorf("%w: session timeouts need 0 < min-timeout <= max-timeout", ErrInvalidConfig)
	}
	if s.DefaultTimeout < s.MinTimeout || s.DefaultTimeout > s.MaxTimeout {
		return fmt.Errorf("%w: session.default-timeout must be within [min-timeout, max-timeout]", ErrInvalidConfig)
	}
	if s.ExpiryInterval <= 0 {
		return fmt.Errorf("%w: session.expiry-interval must be positive", ErrInvalidConfig)
	}
	if s.MaxBufferedCommands < 0 {
		return fmt.Errorf("%w: session.max-buffered-commands must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ParseRole turns a configured role into a core.Role. An empty role means leader.
func ParseRole(role string) (core.Role, error) {
	switch strings.ToLower(role) {
	case "", "leader":
		return core.Leader, nil
	case "follower":
		return core.Follower, nil
	default:
		return core.Follower, fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, role)
	}
}

// SessionPolicy returns the session tracker configuration
func (c Config) SessionPolicy() session.Config {
	return session.Config{
		DefaultTimeout:      time.Duration(c.Session.DefaultTimeout),
		MinTimeout:          time.Duration(c.Session.MinTimeout),
		MaxTimeout:          time.Duration(c.Session.MaxTimeout),
		StrictOrdering:      c.Session.StrictOrdering,
		MaxBufferedCommands: c.Session.MaxBufferedCommands,
	}
}

// BatchPolicy returns the query batcher configuration
func (c Config) BatchPolicy() batcher.Config {
	return batcher.Config{
		SealDelay:    time.Duration(c.Query.SealDelay),
		ProbeTimeout: time.Duration(c.Query.ProbeTimeout),
	}
}
