package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/gong8/willow/pkg/graph"
)

// Environment overrides applied by [ApplyEnv].
const (
	EnvMaintenanceThreshold = "MAINTENANCE_THRESHOLD"
	EnvLogLevel             = "LOG_LEVEL"
)

// Load reads the YAML configuration at path, fills defaults, applies
// environment overrides, and validates. A missing file is not an error —
// the defaults plus environment are used.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			ApplyEnv(cfg)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses YAML configuration from r, fills defaults, applies
// environment overrides, and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	// Cleared so fillDerivedDefaults derives it from the decoded snapshot
	// path unless the file sets it explicitly.
	cfg.Conversations.SQLitePath = ""
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	fillDerivedDefaults(cfg)
	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDerivedDefaults recomputes defaults that depend on other fields the
// file may have changed.
func fillDerivedDefaults(cfg *Config) {
	if cfg.Graph.SnapshotPath == "" {
		cfg.Graph.SnapshotPath = graph.DefaultSnapshotPath()
	}
	if cfg.Conversations.SQLitePath == "" {
		cfg.Conversations.SQLitePath = filepath.Join(filepath.Dir(cfg.Graph.SnapshotPath), "conversations.db")
	}
}

// ApplyEnv overrides cfg from the process environment. Environment always
// wins over the file.
func ApplyEnv(cfg *Config) {
	if p := os.Getenv(graph.EnvGraphPath); p != "" {
		cfg.Graph.SnapshotPath = p
	}
	if v := os.Getenv(EnvMaintenanceThreshold); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Maintenance.Threshold = n
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// Validate checks cfg for contradictions the engine cannot start with.
func (c *Config) Validate() error {
	if !c.Server.LogLevel.IsValid() {
		return fmt.Errorf("config: unknown log level %q", c.Server.LogLevel)
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr must not be empty")
	}
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("config: agent.command must name an executable")
	}
	if c.Agent.MCPBinary == "" {
		return fmt.Errorf("config: agent.mcp_binary must not be empty")
	}
	if c.Maintenance.Threshold <= 0 {
		return fmt.Errorf("config: maintenance.threshold must be positive")
	}
	switch c.Conversations.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Conversations.SQLitePath == "" {
			return fmt.Errorf("config: conversations.sqlite_path must not be empty")
		}
	case BackendPostgres:
		if c.Conversations.PostgresDSN == "" {
			return fmt.Errorf("config: conversations.postgres_dsn required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown conversations backend %q", c.Conversations.Backend)
	}
	return nil
}
