// Package agentrunner spawns sub-agents as isolated child processes and
// re-emits their streaming output as engine events.
//
// A sub-agent shares no memory with the engine. Its only couplings are the
// on-disk graph snapshot (reached through its own MCP tool server), the
// event-bus socket, and the disallow-list the runner passes on the command
// line. All failure modes are absorbed: spawn failure, nonzero exit, and
// malformed streams resolve with whatever partial output was parsed.
package agentrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gong8/willow/internal/event"
	"github.com/gong8/willow/internal/observe"
)

// defaultMaxTurns caps a sub-agent's tool-use loop when the config leaves it
// unset.
const defaultMaxTurns = 12

// systemPromptSuffix is appended to every sub-agent system prompt.
const systemPromptSuffix = "\n\nUse only the MCP tools configured for this session. " +
	"Prefer issuing independent tool calls in parallel."

// MCPServer describes one MCP server entry in the child's tool config.
type MCPServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Config describes one sub-agent invocation.
type Config struct {
	// Name is the agent's role label ("search", "indexer", …). It prefixes
	// every tool id the agent emits.
	Name string

	// Command is the agent CLI argv prefix (executable + fixed args).
	Command []string

	// SystemPrompt is written to the scratch directory and passed to the
	// child. The MCP-only / parallel-call constraints are appended.
	SystemPrompt string

	// MaxTurns caps the child's agentic loop. Zero means defaultMaxTurns.
	MaxTurns int

	// DisallowedTools is the authoritative scoping list for this role. It is
	// always enforced, regardless of what the prompt says.
	DisallowedTools []string

	// MCPServers is written to the scratch tool config; it names the graph
	// tool server the child may talk to.
	MCPServers map[string]MCPServer

	// Env holds extra environment entries (e.g. the event-bus socket path).
	Env []string
}

// Result is a completed (or absorbed-failed) sub-agent run.
type Result struct {
	// Text is the agent's accumulated assistant text.
	Text string

	// ToolCalls lists every tool invocation the agent made, in order.
	ToolCalls []ToolCall
}

// Runner executes sub-agent processes for one Config.
type Runner struct {
	cfg Config
}

// New returns a Runner for cfg.
func New(cfg Config) *Runner {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	return &Runner{cfg: cfg}
}

// Run spawns the sub-agent with prompt, parses its event stream, forwards
// events to emitter, and blocks until the child exits or ctx is cancelled.
//
// Run never returns an error: sub-agent failures are absorbed by design and
// resolve with partial output. The caller decides what an empty Result means.
func (r *Runner) Run(ctx context.Context, prompt string, emitter event.Emitter) Result {
	started := time.Now()
	defer func() {
		observe.DefaultMetrics().AgentRunDuration.Record(context.Background(),
			time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("agent", r.cfg.Name)))
	}()

	p := newParser(r.cfg.Name, emitter)

	scratch, err := os.MkdirTemp("", "willow-agent-"+r.cfg.Name+"-*")
	if err != nil {
		slog.Warn("agentrunner: scratch dir", "agent", r.cfg.Name, "err", err)
		return p.result()
	}
	defer os.RemoveAll(scratch)

	args, err := r.buildArgs(scratch, prompt)
	if err != nil {
		slog.Warn("agentrunner: prepare invocation", "agent", r.cfg.Name, "err", err)
		return p.result()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Dir = scratch
	// Give the child a chance to flush on abort before the hard kill.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		slog.Warn("agentrunner: stdout pipe", "agent", r.cfg.Name, "err", err)
		return p.result()
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		slog.Warn("agentrunner: spawn failed", "agent", r.cfg.Name, "err", err)
		return p.result()
	}
	slog.Debug("agentrunner: spawned", "agent", r.cfg.Name, "pid", cmd.Process.Pid)

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		p.handleLine(sc.Bytes())
	}
	if err := sc.Err(); err != nil {
		slog.Warn("agentrunner: stream read", "agent", r.cfg.Name, "err", err)
	}

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		slog.Warn("agentrunner: child exit", "agent", r.cfg.Name, "err", err)
	}
	res := p.result()
	slog.Debug("agentrunner: finished",
		"agent", r.cfg.Name,
		"text_len", len(res.Text),
		"tool_calls", len(res.ToolCalls),
	)
	return res
}

// buildArgs writes the scratch files and assembles the child argv.
func (r *Runner) buildArgs(scratch, prompt string) ([]string, error) {
	if len(r.cfg.Command) == 0 {
		return nil, fmt.Errorf("agentrunner: empty agent command")
	}

	promptPath := filepath.Join(scratch, "system-prompt.md")
	if err := os.WriteFile(promptPath, []byte(r.cfg.SystemPrompt+systemPromptSuffix), 0o644); err != nil {
		return nil, fmt.Errorf("agentrunner: write system prompt: %w", err)
	}

	mcpPath := filepath.Join(scratch, "mcp-config.json")
	mcpDoc, err := json.MarshalIndent(map[string]any{"mcpServers": r.cfg.MCPServers}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("agentrunner: encode tool config: %w", err)
	}
	if err := os.WriteFile(mcpPath, mcpDoc, 0o644); err != nil {
		return nil, fmt.Errorf("agentrunner: write tool config: %w", err)
	}

	args := append([]string{}, r.cfg.Command...)
	args = append(args,
		"--output-format", "stream-json",
		"--max-turns", strconv.Itoa(r.cfg.MaxTurns),
		"--mcp-config", mcpPath,
		"--strict-mcp-config",
		"--system-prompt-file", promptPath,
	)
	if len(r.cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(r.cfg.DisallowedTools, ","))
	}
	args = append(args, prompt)
	return args, nil
}
