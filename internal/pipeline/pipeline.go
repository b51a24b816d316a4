// Package pipeline orchestrates one user turn: chat agent (with memory
// search via the coordinator tool), indexer agent, and the closing commit.
//
// The pipeline writes its event stream as SSE bytes; the stream manager
// consumes that on the other end of a pipe and handles buffering, fan-out,
// and finalisation. Sub-agent failures are absorbed — the user's chat never
// hard-fails because an auxiliary agent died.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gong8/willow/internal/agentrunner"
	"github.com/gong8/willow/internal/bus"
	"github.com/gong8/willow/internal/event"
	"github.com/gong8/willow/internal/mcp/graphtools"
	"github.com/gong8/willow/internal/observe"
	"github.com/gong8/willow/pkg/graph/vcs"
)

// summaryLimit is how much of the user message lands in the commit summary.
const summaryLimit = 100

// chatSystemPrompt steers the chat agent.
const chatSystemPrompt = `You are Willow, a personal assistant with long-term memory.

Everything the user has told you in past conversations lives in a knowledge
graph you can query with the search_memories tool. Before answering anything
that could touch stored knowledge — names, places, dates, preferences,
history — call search_memories first and ground your answer in what comes
back. Answer naturally; never mention the graph or the tools.`

// indexerSystemPrompt steers the indexer agent.
const indexerSystemPrompt = `You are a memory indexer for a personal knowledge graph.

Given one exchange between the user and the assistant, record the durable
facts the user revealed. Work atomically: one fact per node, placed under the
most specific fitting category (create intermediate categories or collections
when needed), with metadata source_type=conversation. Cross-link facts that
belong together using canonical relations. Update or correct existing nodes
instead of duplicating them; use search_nodes and get_context to check what
is already stored. Do not record the assistant's own statements, pleasantries,
or anything transient.`

// runnerFunc spawns one sub-agent. Swappable in tests.
type runnerFunc func(ctx context.Context, cfg agentrunner.Config, prompt string, emitter event.Emitter) agentrunner.Result

// Config wires a [Pipeline].
type Config struct {
	// AgentCommand is the agent CLI argv prefix for all sub-agents.
	AgentCommand []string

	// MCPBinary is the path to the willow-mcp tool server binary.
	MCPBinary string

	// GraphPath is the snapshot path shared with sub-agent processes.
	GraphPath string

	// MaxTurns caps each sub-agent's loop. Zero uses the runner default.
	MaxTurns int
}

// Pipeline runs one user turn per [Pipeline.Run] invocation.
type Pipeline struct {
	cfg Config
	vcs *vcs.VCS
	run runnerFunc
}

// New returns a Pipeline committing through v.
func New(cfg Config, v *vcs.VCS) *Pipeline {
	return &Pipeline{
		cfg: cfg,
		vcs: v,
		run: func(ctx context.Context, rc agentrunner.Config, prompt string, emitter event.Emitter) agentrunner.Result {
			return agentrunner.New(rc).Run(ctx, prompt, emitter)
		},
	}
}

// Run executes the turn for userMessage and streams SSE events to w. It
// blocks until the turn completes or ctx is cancelled; the final event
// written is always done.
func (p *Pipeline) Run(ctx context.Context, conversationID, userMessage string, w io.Writer) error {
	started := time.Now()
	defer func() {
		observe.DefaultMetrics().TurnDuration.Record(context.Background(), time.Since(started).Seconds())
	}()

	var (
		encMu sync.Mutex
		enc   = event.NewEncoder(w)
	)
	emit := event.EmitterFunc(func(ev event.Event) {
		encMu.Lock()
		defer encMu.Unlock()
		if err := enc.Encode(ev); err != nil {
			slog.Debug("pipeline: emit failed", "event", ev.Name, "err", err)
		}
	})

	// The bus carries tool events from grandchildren (the search agent the
	// coordinator spawns inside the chat agent's session).
	busServer, err := bus.NewServer()
	if err != nil {
		emit(event.New(event.Error, event.ErrorData{Message: "event bus unavailable"}))
		emit(event.New(event.Done, nil))
		return fmt.Errorf("pipeline: %w", err)
	}
	defer busServer.Close()
	busServer.OnEvent(func(ev event.Event) { emit(ev) })

	// ── Chat phase ────────────────────────────────────────────────────────────
	chatRes := p.run(ctx, agentrunner.Config{
		Name:            "chat",
		Command:         p.cfg.AgentCommand,
		SystemPrompt:    chatSystemPrompt,
		MaxTurns:        p.cfg.MaxTurns,
		DisallowedTools: graphtools.ChatDisallowedTools(),
		MCPServers: map[string]agentrunner.MCPServer{
			"willow": {
				Command: p.cfg.MCPBinary,
				Args: []string{
					"--role", "coordinator",
					"--graph", p.cfg.GraphPath,
					"--agent-cmd", strings.Join(p.cfg.AgentCommand, " "),
				},
			},
		},
		Env: []string{bus.EnvSocket + "=" + busServer.Path()},
	}, userMessage, emit)

	if ctx.Err() != nil {
		emit(event.New(event.Error, event.ErrorData{Message: "turn cancelled"}))
		emit(event.New(event.Done, nil))
		return ctx.Err()
	}

	// ── Indexer phase ─────────────────────────────────────────────────────────
	if strings.TrimSpace(chatRes.Text) != "" {
		emit(event.New(event.IndexerPhase, event.PhaseData{Status: "start"}))
		p.run(ctx, agentrunner.Config{
			Name:            "indexer",
			Command:         p.cfg.AgentCommand,
			SystemPrompt:    indexerSystemPrompt,
			MaxTurns:        p.cfg.MaxTurns,
			DisallowedTools: graphtools.DisallowedTools(graphtools.RoleIndexer),
			MCPServers: map[string]agentrunner.MCPServer{
				"willow-graph": {
					Command: p.cfg.MCPBinary,
					Args:    []string{"--role", string(graphtools.RoleIndexer), "--graph", p.cfg.GraphPath},
				},
			},
		}, indexerPrompt(userMessage, chatRes.Text), emit)
		emit(event.New(event.IndexerPhase, event.PhaseData{Status: "end"}))
	} else {
		slog.Debug("pipeline: empty chat response, skipping indexer", "conversation", conversationID)
	}

	// ── Commit ────────────────────────────────────────────────────────────────
	// Sub-agents wrote the snapshot file directly; pick up whatever landed.
	// Commit failure is non-fatal for the turn.
	if err := p.vcs.Init(); err != nil {
		slog.Warn("pipeline: vcs init", "err", err)
	} else if hash, err := p.vcs.CommitExternalChanges(vcs.CommitMeta{
		Message:        "Conversation turn",
		Source:         vcs.SourceConversation,
		ConversationID: conversationID,
		Summary:        truncate(userMessage, summaryLimit),
	}); err != nil {
		slog.Warn("pipeline: commit", "conversation", conversationID, "err", err)
	} else if hash != "" {
		slog.Info("pipeline: committed turn", "conversation", conversationID, "commit", hash[:8])
		observe.DefaultMetrics().Commits.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("source", string(vcs.SourceConversation))))
	}

	emit(event.New(event.Done, nil))
	return nil
}

// indexerPrompt renders the exchange handed to the indexer agent.
func indexerPrompt(userMessage, assistantReply string) string {
	return fmt.Sprintf("User message:\n%s\n\nAssistant reply:\n%s\n\nRecord the durable facts from this exchange.",
		userMessage, assistantReply)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
