package stream_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gong8/willow/internal/convstore"
	"github.com/gong8/willow/internal/event"
	"github.com/gong8/willow/internal/stream"
)

// sseDoc renders events as the SSE byte stream the pipeline would produce.
func sseDoc(t *testing.T, events ...event.Event) string {
	t.Helper()
	var b strings.Builder
	enc := event.NewEncoder(&b)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	return b.String()
}

// recorder is a concurrency-safe event sink.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) add(ev event.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func seedConversation(t *testing.T, conv convstore.Store, id, userMsg string) {
	t.Helper()
	ctx := context.Background()
	if _, err := conv.EnsureConversation(ctx, id); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if _, err := conv.AppendMessage(ctx, convstore.Message{
		ConversationID: id,
		Role:           convstore.RoleUser,
		Content:        userMsg,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
}

func turnEvents() []event.Event {
	return []event.Event{
		event.New(event.SearchPhase, event.PhaseData{Status: "start"}),
		event.New(event.ToolCallStart, event.ToolCallStartData{ID: "search__t1", Name: "walk_graph"}),
		event.New(event.ToolCallArgs, event.ToolCallArgsData{ID: "search__t1", Args: []byte(`{"action":"start"}`)}),
		event.New(event.ToolResult, event.ToolResultData{ID: "search__t1", Content: "view"}),
		event.New(event.SearchPhase, event.PhaseData{Status: "end"}),
		event.New(event.Content, event.ContentData{Text: "You worked at "}),
		event.New(event.Content, event.ContentData{Text: "Acme Corp."}),
		event.New(event.IndexerPhase, event.PhaseData{Status: "start"}),
		event.New(event.ToolCallStart, event.ToolCallStartData{ID: "indexer__t1", Name: "create_node"}),
		event.New(event.IndexerPhase, event.PhaseData{Status: "end"}),
		event.New(event.Done, nil),
	}
}

func TestStreamLifecycle(t *testing.T) {
	t.Parallel()

	conv := convstore.NewMemStore()
	seedConversation(t, conv, "c1", "Where did I work in 2022?")
	m := stream.NewManager(conv, stream.WithLinger(time.Minute))

	s := m.Start("c1", strings.NewReader(sseDoc(t, turnEvents()...)))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}

	if s.Status() != stream.StatusComplete {
		t.Fatalf("status = %q", s.Status())
	}
	if got := s.Content(); got != "You worked at Acme Corp." {
		t.Fatalf("content = %q", got)
	}

	// Tool calls tagged with their phase.
	calls := s.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("tool calls = %+v", calls)
	}
	if calls[0].Phase != stream.PhaseSearch || calls[1].Phase != stream.PhaseIndexer {
		t.Fatalf("phases = %q, %q", calls[0].Phase, calls[1].Phase)
	}
	if !strings.Contains(string(calls[0].Args), "start") || calls[0].Result != "view" {
		t.Fatalf("call record = %+v", calls[0])
	}

	// Assistant message persisted; title derived from first user message.
	msgs, err := conv.Messages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Role != convstore.RoleAssistant || msgs[1].Content != "You worked at Acme Corp." {
		t.Fatalf("messages = %+v", msgs)
	}
	c, _ := conv.GetConversation(context.Background(), "c1")
	if c.Title != "Where did I work in 2022?" {
		t.Fatalf("title = %q", c.Title)
	}
}

func TestIdempotentStart(t *testing.T) {
	t.Parallel()

	conv := convstore.NewMemStore()
	seedConversation(t, conv, "c1", "hi")
	m := stream.NewManager(conv)

	// A source that never finishes keeps the stream in streaming state.
	pr, pw := io.Pipe()
	defer pw.Close()

	first := m.Start("c1", pr)
	second := m.Start("c1", strings.NewReader(sseDoc(t, turnEvents()...)))
	if first != second {
		t.Fatal("second Start while streaming returned a different stream")
	}
}

func TestReplayFidelity(t *testing.T) {
	t.Parallel()

	conv := convstore.NewMemStore()
	seedConversation(t, conv, "c1", "hello")
	m := stream.NewManager(conv)

	pr, pw := io.Pipe()
	s := m.Start("c1", pr)

	enc := event.NewEncoder(pw)
	writeEv := func(ev event.Event) {
		if err := enc.Encode(ev); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	var early recorder
	sub1 := m.Subscribe("c1", early.add)
	if sub1 == nil {
		t.Fatal("Subscribe returned nil for live stream")
	}

	e1 := event.New(event.Content, event.ContentData{Text: "e1 "})
	e2 := event.New(event.Content, event.ContentData{Text: "e2 "})
	writeEv(e1)
	writeEv(e2)

	// Wait for both events to land in the buffer before the late join.
	deadline := time.Now().Add(2 * time.Second)
	for len(early.names()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("events not delivered: %v", early.names())
		}
		time.Sleep(5 * time.Millisecond)
	}

	var late recorder
	sub2 := m.Subscribe("c1", late.add)
	if sub2 == nil {
		t.Fatal("late Subscribe returned nil")
	}
	// Late joiner's first deliveries are the full prefix, in order.
	if got := late.names(); len(got) != 2 || got[0] != event.Content || got[1] != event.Content {
		t.Fatalf("late replay = %v", got)
	}

	e3 := event.New(event.Content, event.ContentData{Text: "e3"})
	writeEv(e3)
	writeEv(event.New(event.Done, nil))
	pw.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}

	// Both subscribers saw e1, e2, e3 exactly once, then title + done.
	for name, r := range map[string]*recorder{"early": &early, "late": &late} {
		names := r.names()
		wantPrefix := []string{event.Content, event.Content, event.Content, event.Title, event.Done}
		if len(names) != len(wantPrefix) {
			t.Fatalf("%s subscriber events = %v", name, names)
		}
		for i, want := range wantPrefix {
			if names[i] != want {
				t.Fatalf("%s subscriber event[%d] = %q, want %q", name, i, names[i], want)
			}
		}
	}
}

func TestSubscribeAfterCompletion(t *testing.T) {
	t.Parallel()

	conv := convstore.NewMemStore()
	seedConversation(t, conv, "c1", "hello there")
	m := stream.NewManager(conv, stream.WithLinger(time.Minute))

	s := m.Start("c1", strings.NewReader(sseDoc(t, turnEvents()...)))
	<-s.Done()

	var r recorder
	sub := m.Subscribe("c1", r.add)
	if sub == nil {
		t.Fatal("Subscribe after completion returned nil during linger window")
	}
	names := r.names()
	if len(names) == 0 || names[len(names)-1] != event.Done {
		t.Fatalf("replay after completion = %v, want done last", names)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("completed stream's subscription not signalled done")
	}
}

func TestLingerCleanup(t *testing.T) {
	t.Parallel()

	conv := convstore.NewMemStore()
	seedConversation(t, conv, "c1", "hi")
	m := stream.NewManager(conv, stream.WithLinger(30*time.Millisecond))

	s := m.Start("c1", strings.NewReader(sseDoc(t, turnEvents()...)))
	<-s.Done()

	deadline := time.Now().Add(2 * time.Second)
	for m.Get("c1") != nil {
		if time.Now().After(deadline) {
			t.Fatal("stream not removed after linger")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sub := m.Subscribe("c1", func(event.Event) {}); sub != nil {
		t.Fatal("Subscribe after cleanup should return nil")
	}
}

func TestSourceErrorFinalizesWithError(t *testing.T) {
	t.Parallel()

	conv := convstore.NewMemStore()
	seedConversation(t, conv, "c1", "hi")
	m := stream.NewManager(conv)

	// EOF without a done event.
	doc := sseDoc(t, event.New(event.Content, event.ContentData{Text: "partial"}))
	s := m.Start("c1", strings.NewReader(doc))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
	if s.Status() != stream.StatusError {
		t.Fatalf("status = %q, want error", s.Status())
	}

	var r recorder
	if sub := m.Subscribe("c1", r.add); sub == nil {
		t.Fatal("Subscribe returned nil")
	}
	names := r.names()
	if len(names) < 2 || names[len(names)-2] != event.Error || names[len(names)-1] != event.Done {
		t.Fatalf("events = %v, want … error done", names)
	}
}

func TestToolCallXMLStripped(t *testing.T) {
	t.Parallel()

	conv := convstore.NewMemStore()
	seedConversation(t, conv, "c1", "hi")
	m := stream.NewManager(conv)

	doc := sseDoc(t,
		event.New(event.Content, event.ContentData{Text: "Before <tool_call id=\"t1\">{}</tool_call> after"}),
		event.New(event.Done, nil),
	)
	s := m.Start("c1", strings.NewReader(doc))
	<-s.Done()

	msgs, _ := conv.Messages(context.Background(), "c1")
	got := msgs[len(msgs)-1].Content
	if got != "Before  after" {
		t.Fatalf("persisted content = %q", got)
	}
}
