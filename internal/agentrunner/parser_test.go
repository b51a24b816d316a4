package agentrunner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gong8/willow/internal/event"
)

// collect gathers emitted events for assertions.
type collect struct {
	events []event.Event
}

func (c *collect) Emit(ev event.Event) { c.events = append(c.events, ev) }

func (c *collect) names() []string {
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Name
	}
	return out
}

func feed(p *parser, lines ...string) {
	for _, l := range lines {
		p.handleLine([]byte(l))
	}
}

func TestParserTextDeltas(t *testing.T) {
	t.Parallel()

	var sink collect
	p := newParser("chat", &sink)
	feed(p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
		`{"type":"content_block_stop","index":0}`,
	)

	res := p.result()
	if res.Text != "Hello world" {
		t.Fatalf("Text = %q", res.Text)
	}
	if got := sink.names(); len(got) != 2 || got[0] != event.Content || got[1] != event.Content {
		t.Fatalf("events = %v", got)
	}
}

func TestParserToolUseAccumulation(t *testing.T) {
	t.Parallel()

	var sink collect
	p := newParser("search", &sink)
	// Two tool blocks with interleaved input_json_delta fragments; keyed
	// accumulation must keep them apart and emit args only on stop.
	feed(p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"walk_graph"}}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t2","name":"search_nodes"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"action\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":\"acme\"}"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"start\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`,
	)

	res := p.result()
	if len(res.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(res.ToolCalls))
	}
	// Completion order, not start order.
	if res.ToolCalls[0].ID != "search__t2" || res.ToolCalls[1].ID != "search__t1" {
		t.Fatalf("tool call ids = %q, %q", res.ToolCalls[0].ID, res.ToolCalls[1].ID)
	}
	var args struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(res.ToolCalls[1].Args, &args); err != nil || args.Action != "start" {
		t.Fatalf("accumulated args = %s (err %v)", res.ToolCalls[1].Args, err)
	}

	// tool_call_start for an id precedes its tool_call_args; results carry
	// the prefix too.
	names := sink.names()
	want := []string{
		event.ToolCallStart, event.ToolCallStart,
		event.ToolCallArgs, event.ToolCallArgs,
		event.ToolResult,
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (%v)", i, names[i], want[i], names)
		}
	}
	var tr event.ToolResultData
	if err := json.Unmarshal(sink.events[4].Data, &tr); err != nil || tr.ID != "search__t1" {
		t.Fatalf("tool result = %+v (err %v)", tr, err)
	}
}

func TestParserToolResultBlocks(t *testing.T) {
	t.Parallel()

	var sink collect
	p := newParser("indexer", &sink)
	feed(p, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t9","content":[{"type":"text","text":"created "},{"type":"text","text":"node"}]}]}}`)

	var tr event.ToolResultData
	if err := json.Unmarshal(sink.events[0].Data, &tr); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if tr.Content != "created node" {
		t.Fatalf("Content = %q", tr.Content)
	}
}

func TestParserIgnoresGarbage(t *testing.T) {
	t.Parallel()

	var sink collect
	p := newParser("chat", &sink)
	feed(p,
		"",
		"not json at all",
		`{"type":"mystery_event"}`,
		`{"type":"content_block_delta","index":7,"delta":{"type":"text_delta","text":"orphan"}}`,
	)
	if len(sink.events) != 0 {
		t.Fatalf("garbage produced events: %v", sink.names())
	}
	if res := p.result(); res.Text != "" || len(res.ToolCalls) != 0 {
		t.Fatalf("garbage produced result: %+v", res)
	}
}

func TestParserInvalidAccumulatedArgs(t *testing.T) {
	t.Parallel()

	var sink collect
	p := newParser("chat", &sink)
	feed(p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"create_node"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"trunc"}}`,
		`{"type":"content_block_stop","index":0}`,
	)
	res := p.result()
	if len(res.ToolCalls) != 1 || string(res.ToolCalls[0].Args) != "{}" {
		t.Fatalf("truncated args not sanitised: %+v", res.ToolCalls)
	}
}

func TestRunAbsorbsSpawnFailure(t *testing.T) {
	t.Parallel()

	r := New(Config{
		Name:    "search",
		Command: []string{"/nonexistent/willow-agent-binary"},
	})
	var sink collect
	res := r.Run(context.Background(), "find things", &sink)
	if res.Text != "" || len(res.ToolCalls) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	r := New(Config{
		Name:            "indexer",
		Command:         []string{"agent-cli", "--model", "fast"},
		SystemPrompt:    "You index memories.",
		MaxTurns:        15,
		DisallowedTools: []string{"walk_graph"},
		MCPServers: map[string]MCPServer{
			"willow": {Command: "willow-mcp", Args: []string{"--role", "indexer"}},
		},
	})
	scratch := t.TempDir()
	args, err := r.buildArgs(scratch, "index this turn")
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"agent-cli --model fast",
		"--output-format stream-json",
		"--max-turns 15",
		"--strict-mcp-config",
		"--disallowed-tools walk_graph",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("argv missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "index this turn" {
		t.Fatalf("prompt not last arg: %v", args)
	}

	prompt, err := os.ReadFile(filepath.Join(scratch, "system-prompt.md"))
	if err != nil {
		t.Fatalf("system prompt not written: %v", err)
	}
	if !strings.Contains(string(prompt), "You index memories.") || !strings.Contains(string(prompt), "MCP tools") {
		t.Fatalf("system prompt content: %q", prompt)
	}

	var cfg struct {
		MCPServers map[string]MCPServer `json:"mcpServers"`
	}
	data, err := os.ReadFile(filepath.Join(scratch, "mcp-config.json"))
	if err != nil {
		t.Fatalf("tool config not written: %v", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("tool config parse: %v", err)
	}
	if cfg.MCPServers["willow"].Command != "willow-mcp" {
		t.Fatalf("tool config content: %+v", cfg)
	}
}
