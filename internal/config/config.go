// Package config provides the configuration schema and loader for the Willow
// memory engine.
package config

import (
	"log/slog"
	"path/filepath"

	"github.com/gong8/willow/pkg/graph"
)

// Config is the root configuration structure for Willow.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// a missing file yields pure defaults, and a handful of environment
// variables override the file (see ApplyEnv).
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Graph         GraphConfig         `yaml:"graph"`
	Agent         AgentConfig         `yaml:"agent"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP/SSE server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// GraphConfig locates the on-disk snapshot.
type GraphConfig struct {
	// SnapshotPath is the graph snapshot file. Defaults to
	// $WILLOW_GRAPH_PATH, falling back to $HOME/.willow/graph.json.
	SnapshotPath string `yaml:"snapshot_path"`
}

// AgentConfig describes how sub-agent processes are spawned.
type AgentConfig struct {
	// Command is the agent CLI argv prefix (executable plus fixed flags)
	// used for every sub-agent.
	Command []string `yaml:"command"`

	// MCPBinary is the willow-mcp tool server executable handed to
	// sub-agent sessions. Resolved via PATH when not absolute.
	MCPBinary string `yaml:"mcp_binary"`

	// MaxTurns caps each sub-agent's tool-use loop.
	MaxTurns int `yaml:"max_turns"`
}

// ConversationsConfig selects the conversation persistence backend.
type ConversationsConfig struct {
	// Backend is one of "memory", "sqlite", or "postgres".
	Backend string `yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend. Defaults to
	// conversations.db beside the graph snapshot.
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MaintenanceConfig tunes the background enrichment pipeline.
type MaintenanceConfig struct {
	// Threshold is the number of conversations between automatic
	// maintenance runs.
	Threshold int `yaml:"threshold"`
}

// Conversation backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// LogLevel is a configuration-friendly wrapper around slog levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// IsValid reports whether l is a known level. The empty string is valid and
// means "use the default".
func (l LogLevel) IsValid() bool {
	switch l {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level], defaulting to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	snapshot := graph.DefaultSnapshotPath()
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8765",
			LogLevel:   LevelInfo,
		},
		Graph: GraphConfig{SnapshotPath: snapshot},
		Agent: AgentConfig{
			Command:   []string{"claude"},
			MCPBinary: "willow-mcp",
			MaxTurns:  12,
		},
		Conversations: ConversationsConfig{
			Backend:    BackendSQLite,
			SQLitePath: filepath.Join(filepath.Dir(snapshot), "conversations.db"),
		},
		Maintenance: MaintenanceConfig{Threshold: 5},
	}
}
