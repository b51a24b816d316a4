// Package coordinator implements the search_memories tool handed to the chat
// agent.
//
// The tool runs inside the chat agent's MCP server process, not the engine:
// when invoked it spawns a search sub-agent (a grandchild of the engine),
// brackets the run with search_phase markers, and streams the sub-agent's
// tool events back to the end user through the event-bus socket — the only
// channel a grandchild has to the user's stream.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gong8/willow/internal/agentrunner"
	"github.com/gong8/willow/internal/bus"
	"github.com/gong8/willow/internal/event"
	"github.com/gong8/willow/internal/mcp/graphtools"
)

// ToolName is the coordinator tool's MCP name.
const ToolName = "search_memories"

// searchSystemPrompt steers the search sub-agent. The disallow-list, not
// this text, is what actually fences the agent in.
const searchSystemPrompt = `You are a memory search agent for a personal knowledge graph.

The graph is a tree: broad categories at the top, specific facts below,
with typed cross-links between related facts. Navigate it with walk_graph:
start at the root, descend into the categories most relevant to the query,
follow promising cross-links, and stop as soon as you have what you need.
Use search_nodes when you already know a good keyword.

When you are done, reply with only the relevant facts you found, stated
plainly, one per line. Reply with "No relevant memories." if nothing fits.`

// searchMemoriesArgs is the JSON-decoded input for the tool.
type searchMemoriesArgs struct {
	// Query describes what to look for in the user's memory graph.
	Query string `json:"query"`
}

// Config wires the coordinator to the search sub-agent it spawns.
type Config struct {
	// AgentCommand is the agent CLI argv prefix for the search sub-agent.
	AgentCommand []string

	// SelfPath is this binary's own path, reused as the search agent's graph
	// tool server.
	SelfPath string

	// GraphPath is the snapshot path forwarded to the tool server.
	GraphPath string

	// MaxTurns caps the search sub-agent's loop.
	MaxTurns int
}

// Tool returns the search_memories tool definition.
func Tool(cfg Config) graphtools.Tool {
	return graphtools.Tool{
		Name:        ToolName,
		Description: "Search the user's long-term memory graph. A navigation agent explores the graph and returns the relevant facts wrapped in <memory_context> tags. Call this before answering anything that might touch stored knowledge.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for, phrased as a focused question or topic.",
				},
			},
			"required": []string{"query"},
		},
		Handler: makeHandler(cfg),
	}
}

// makeHandler builds the tool handler for cfg.
func makeHandler(cfg Config) graphtools.Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var a searchMemoriesArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("search_memories: failed to parse arguments: %w", err)
		}
		if strings.TrimSpace(a.Query) == "" {
			return "", fmt.Errorf("search_memories: query must not be empty")
		}

		// Best effort: without a bus the search still runs, just unstreamed.
		client, err := bus.DialFromEnv()
		if err != nil {
			slog.Warn("coordinator: event bus unavailable", "err", err)
		}
		emit := event.EmitterFunc(func(ev event.Event) {
			if client == nil {
				return
			}
			if err := client.Send(ev); err != nil {
				slog.Debug("coordinator: bus send failed", "event", ev.Name, "err", err)
			}
		})
		if client != nil {
			defer client.Close()
		}

		emit(event.New(event.SearchPhase, event.PhaseData{Status: "start"}))
		defer emit(event.New(event.SearchPhase, event.PhaseData{Status: "end"}))

		runner := agentrunner.New(agentrunner.Config{
			Name:            "search",
			Command:         cfg.AgentCommand,
			SystemPrompt:    searchSystemPrompt,
			MaxTurns:        cfg.MaxTurns,
			DisallowedTools: graphtools.DisallowedTools(graphtools.RoleSearch),
			MCPServers: map[string]agentrunner.MCPServer{
				"willow-graph": {
					Command: cfg.SelfPath,
					Args:    []string{"--role", string(graphtools.RoleSearch), "--graph", cfg.GraphPath},
				},
			},
		})
		res := runner.Run(ctx, a.Query, emit)

		text := strings.TrimSpace(res.Text)
		if text == "" {
			text = "No relevant memories."
		}
		return "<memory_context>\n" + text + "\n</memory_context>", nil
	}
}
