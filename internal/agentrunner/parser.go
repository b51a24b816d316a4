package agentrunner

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/gong8/willow/internal/event"
)

// rawEvent is the union of the child's streaming JSON records. The child
// interleaves content-block lifecycle events with top-level user messages
// carrying tool results.
type rawEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock *contentBlock `json:"content_block"`
	Delta        *blockDelta   `json:"delta"`
	Message      *userMessage  `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"` // "text" | "tool_use" | "thinking"
	ID   string `json:"id"`
	Name string `json:"name"`
}

type blockDelta struct {
	Type        string `json:"type"` // "text_delta" | "input_json_delta" | "thinking_delta"
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	Thinking    string `json:"thinking"`
}

type userMessage struct {
	Content []userContent `json:"content"`
}

type userContent struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// blockState accumulates one content block, keyed by the child's block index.
// Keyed accumulation is what guarantees tool_call_start < tool_call_args even
// when the child interleaves deltas across blocks.
type blockState struct {
	kind     string
	toolID   string
	toolName string
	args     strings.Builder
	text     strings.Builder
}

// ToolCall is one recorded tool invocation from a sub-agent run.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// parser converts the child's stdout records into engine events, prefixing
// every tool id with "<agent name>__" so calls stay attributable when several
// agents stream through one bus.
type parser struct {
	name    string
	emitter event.Emitter

	blocks    map[int]*blockState
	text      strings.Builder
	toolCalls []ToolCall
}

func newParser(name string, emitter event.Emitter) *parser {
	return &parser{
		name:    name,
		emitter: emitter,
		blocks:  map[int]*blockState{},
	}
}

// prefix namespaces a child-local tool id.
func (p *parser) prefix(id string) string {
	return p.name + "__" + id
}

// handleLine processes one stdout line. Non-JSON lines and unknown record
// types are ignored; a sub-agent's stray prints must not kill the stream.
func (p *parser) handleLine(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || trimmed[0] != '{' {
		return
	}
	var ev rawEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		slog.Debug("agentrunner: unparseable stream line", "agent", p.name, "err", err)
		return
	}

	switch ev.Type {
	case "content_block_start":
		p.startBlock(ev)
	case "content_block_delta":
		p.deltaBlock(ev)
	case "content_block_stop":
		p.stopBlock(ev)
	case "user":
		p.userMessage(ev)
	}
}

func (p *parser) startBlock(ev rawEvent) {
	if ev.ContentBlock == nil {
		return
	}
	st := &blockState{kind: ev.ContentBlock.Type}
	p.blocks[ev.Index] = st

	switch st.kind {
	case "tool_use":
		st.toolID = p.prefix(ev.ContentBlock.ID)
		st.toolName = ev.ContentBlock.Name
		p.emitter.Emit(event.New(event.ToolCallStart, event.ToolCallStartData{
			ID:   st.toolID,
			Name: st.toolName,
		}))
	case "thinking":
		p.emitter.Emit(event.New(event.ThinkingStart, nil))
	}
}

func (p *parser) deltaBlock(ev rawEvent) {
	st, ok := p.blocks[ev.Index]
	if !ok || ev.Delta == nil {
		return
	}
	switch ev.Delta.Type {
	case "text_delta":
		st.text.WriteString(ev.Delta.Text)
		p.text.WriteString(ev.Delta.Text)
		p.emitter.Emit(event.New(event.Content, event.ContentData{Text: ev.Delta.Text}))
	case "input_json_delta":
		st.args.WriteString(ev.Delta.PartialJSON)
	case "thinking_delta":
		p.emitter.Emit(event.New(event.ThinkingDelta, event.ContentData{Text: ev.Delta.Thinking}))
	}
}

func (p *parser) stopBlock(ev rawEvent) {
	st, ok := p.blocks[ev.Index]
	if !ok {
		return
	}
	delete(p.blocks, ev.Index)

	if st.kind != "tool_use" {
		return
	}
	args := st.args.String()
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	raw := json.RawMessage(args)
	if !json.Valid(raw) {
		// Truncated partials from an aborted child; keep the call record but
		// don't forward garbage.
		raw = json.RawMessage("{}")
	}
	p.toolCalls = append(p.toolCalls, ToolCall{ID: st.toolID, Name: st.toolName, Args: raw})
	p.emitter.Emit(event.New(event.ToolCallArgs, event.ToolCallArgsData{ID: st.toolID, Args: raw}))
}

func (p *parser) userMessage(ev rawEvent) {
	if ev.Message == nil {
		return
	}
	for _, c := range ev.Message.Content {
		if c.Type != "tool_result" {
			continue
		}
		p.emitter.Emit(event.New(event.ToolResult, event.ToolResultData{
			ID:      p.prefix(c.ToolUseID),
			Content: flattenToolResult(c.Content),
			IsError: c.IsError,
		}))
	}
}

// flattenToolResult renders a tool_result payload as plain text. The child
// sends either a bare string or a list of {type: "text", text: …} blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// result returns the accumulated text and tool calls after the stream ends.
func (p *parser) result() Result {
	return Result{Text: p.text.String(), ToolCalls: p.toolCalls}
}
