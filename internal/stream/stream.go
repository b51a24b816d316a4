// Package stream broadcasts an in-flight generation to any number of
// subscribers.
//
// For each conversation at most one [ActiveStream] exists. The stream
// consumes SSE-formatted bytes produced by the agentic pipeline, buffers
// every event for the stream's lifetime, and fans events out to subscribers.
// A subscriber that joins late is replayed the entire buffer first, then
// attached live — so reconnecting clients see exactly the same event
// sequence with no duplicates and no gaps.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gong8/willow/internal/convstore"
	"github.com/gong8/willow/internal/event"
	"github.com/gong8/willow/internal/observe"
)

// Status of an [ActiveStream].
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Phase labels for tool-call attribution. The empty current phase maps to
// the chat phase.
const (
	PhaseSearch  = "search"
	PhaseChat    = "chat"
	PhaseIndexer = "indexer"
)

// defaultLinger is how long a finished stream stays in the registry so that
// clients catching up after the fact still get a final replay.
const defaultLinger = 60 * time.Second

// toolCallXML matches inline tool-call markup that must be stripped from
// assistant text before persistence.
var toolCallXML = regexp.MustCompile(`(?s)<tool_call\b[^>]*>.*?</tool_call>|<tool_call\b[^>]*/>`)

// ToolCallRecord is one tool invocation observed on the stream, tagged with
// the phase that was active when it started.
type ToolCallRecord struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Phase   string          `json:"phase"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ActiveStream is the per-conversation broadcast context.
type ActiveStream struct {
	conversationID string

	mu           sync.Mutex
	buffer       []event.Event
	status       Status
	content      strings.Builder
	toolCalls    []*ToolCallRecord
	currentPhase string
	subscribers  map[int]func(event.Event)
	nextSub      int
	done         chan struct{}
}

// ConversationID returns the owning conversation's id.
func (s *ActiveStream) ConversationID() string { return s.conversationID }

// Status returns the stream's current status.
func (s *ActiveStream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Content returns the accumulated assistant text so far, with tool-call
// markup stripped.
func (s *ActiveStream) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(toolCallXML.ReplaceAllString(s.content.String(), ""))
}

// ToolCalls returns a copy of the recorded tool calls.
func (s *ActiveStream) ToolCalls() []ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolCallRecord, len(s.toolCalls))
	for i, tc := range s.toolCalls {
		out[i] = *tc
	}
	return out
}

// Done is closed when the stream reaches a terminal status.
func (s *ActiveStream) Done() <-chan struct{} { return s.done }

// Subscription is a live attachment to an [ActiveStream].
type Subscription struct {
	stream *ActiveStream
	id     int
}

// Done is closed when the subscribed stream finishes.
func (sub *Subscription) Done() <-chan struct{} { return sub.stream.done }

// Cancel detaches the subscriber. Events already delivered are unaffected.
func (sub *Subscription) Cancel() {
	sub.stream.mu.Lock()
	delete(sub.stream.subscribers, sub.id)
	sub.stream.mu.Unlock()
}

// appendLocked records ev in the buffer and fans it out to every subscriber, in
// enqueue order. Caller must hold s.mu.
func (s *ActiveStream) appendLocked(ev event.Event) {
	s.buffer = append(s.buffer, ev)
	for _, cb := range s.subscribers {
		cb(ev)
	}
}

// applyLocked updates stream state for ev (phases, content, tool-call records).
// Caller must hold s.mu.
func (s *ActiveStream) applyLocked(ev event.Event) {
	switch ev.Name {
	case event.SearchPhase, event.IndexerPhase:
		var pd event.PhaseData
		_ = json.Unmarshal(ev.Data, &pd)
		phase := PhaseSearch
		if ev.Name == event.IndexerPhase {
			phase = PhaseIndexer
		}
		if pd.Status == "start" {
			s.currentPhase = phase
		} else {
			s.currentPhase = ""
		}
	case event.Content:
		var cd event.ContentData
		_ = json.Unmarshal(ev.Data, &cd)
		s.content.WriteString(cd.Text)
	case event.ToolCallStart:
		var td event.ToolCallStartData
		_ = json.Unmarshal(ev.Data, &td)
		phase := s.currentPhase
		if phase == "" {
			phase = PhaseChat
		}
		s.toolCalls = append(s.toolCalls, &ToolCallRecord{ID: td.ID, Name: td.Name, Phase: phase})
	case event.ToolCallArgs:
		var td event.ToolCallArgsData
		_ = json.Unmarshal(ev.Data, &td)
		if tc := s.findToolCallLocked(td.ID); tc != nil {
			tc.Args = td.Args
		}
	case event.ToolResult:
		var td event.ToolResultData
		_ = json.Unmarshal(ev.Data, &td)
		if tc := s.findToolCallLocked(td.ID); tc != nil {
			tc.Result = td.Content
			tc.IsError = td.IsError
		}
	}
}

func (s *ActiveStream) findToolCallLocked(id string) *ToolCallRecord {
	for i := len(s.toolCalls) - 1; i >= 0; i-- {
		if s.toolCalls[i].ID == id {
			return s.toolCalls[i]
		}
	}
	return nil
}

// Manager is the process-wide registry of active streams.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*ActiveStream

	conv   convstore.Store
	linger time.Duration
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithLinger overrides how long finished streams stay subscribable.
func WithLinger(d time.Duration) ManagerOption {
	return func(m *Manager) { m.linger = d }
}

// NewManager returns a Manager persisting finalized messages to conv.
func NewManager(conv convstore.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		streams: make(map[string]*ActiveStream),
		conv:    conv,
		linger:  defaultLinger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins consuming source as the event stream for conversationID.
// If an ActiveStream for the conversation already exists and is streaming,
// it is returned unchanged and source is drained and discarded — start is
// idempotent per conversation.
func (m *Manager) Start(conversationID string, source io.Reader) *ActiveStream {
	m.mu.Lock()
	if existing, ok := m.streams[conversationID]; ok && existing.Status() == StatusStreaming {
		m.mu.Unlock()
		go io.Copy(io.Discard, source)
		return existing
	}
	s := &ActiveStream{
		conversationID: conversationID,
		status:         StatusStreaming,
		subscribers:    make(map[int]func(event.Event)),
		done:           make(chan struct{}),
	}
	m.streams[conversationID] = s
	m.mu.Unlock()

	observe.DefaultMetrics().ActiveStreams.Add(context.Background(), 1)
	go m.consume(s, source)
	return s
}

// Get returns the ActiveStream for conversationID, or nil.
func (m *Manager) Get(conversationID string) *ActiveStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[conversationID]
}

// Subscribe attaches cb to the conversation's stream. The entire buffered
// log is replayed to cb synchronously first; cb then receives any newer
// events exactly once. Returns nil when no stream exists.
func (m *Manager) Subscribe(conversationID string, cb func(event.Event)) *Subscription {
	m.mu.Lock()
	s, ok := m.streams[conversationID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.buffer {
		cb(ev)
	}
	sub := &Subscription{stream: s, id: s.nextSub}
	s.nextSub++
	if s.status == StatusStreaming {
		s.subscribers[sub.id] = cb
	}
	return sub
}

// consume drains the pipeline's SSE source into the stream.
func (m *Manager) consume(s *ActiveStream, source io.Reader) {
	dec := event.NewDecoder(source)
	for {
		ev, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("stream: source read failed", "conversation", s.conversationID, "err", err)
				m.finish(s, StatusError, err)
				return
			}
			// EOF without a done event: the pipeline died mid-flight.
			if s.Status() == StatusStreaming {
				m.finish(s, StatusError, errors.New("stream ended unexpectedly"))
			}
			return
		}

		if ev.Name == event.Done {
			m.finish(s, StatusComplete, nil)
			// Drain anything after done (there should be nothing).
			continue
		}

		s.mu.Lock()
		if s.status != StatusStreaming {
			s.mu.Unlock()
			continue
		}
		s.applyLocked(ev)
		s.appendLocked(ev)
		phase := s.currentPhase
		s.mu.Unlock()

		met := observe.DefaultMetrics()
		met.StreamEvents.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("event", ev.Name)))
		if ev.Name == event.ToolCallStart {
			if phase == "" {
				phase = PhaseChat
			}
			met.ToolCalls.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("phase", phase)))
		}
	}
}

// finish finalizes the stream: persist the assistant message, emit title and
// done (or error and done), mark terminal status, and schedule removal from
// the registry.
func (m *Manager) finish(s *ActiveStream, status Status, cause error) {
	s.mu.Lock()
	if s.status != StatusStreaming {
		s.mu.Unlock()
		return
	}

	title := m.finalize(s)

	if status == StatusError {
		msg := "generation failed"
		if cause != nil {
			msg = cause.Error()
		}
		s.appendLocked(event.New(event.Error, event.ErrorData{Message: msg}))
	} else if title != "" {
		s.appendLocked(event.New(event.Title, event.TitleData{Title: title}))
	}
	s.appendLocked(event.New(event.Done, nil))

	s.status = status
	s.subscribers = make(map[int]func(event.Event))
	close(s.done)
	s.mu.Unlock()

	observe.DefaultMetrics().ActiveStreams.Add(context.Background(), -1)

	time.AfterFunc(m.linger, func() {
		m.mu.Lock()
		if current, ok := m.streams[s.conversationID]; ok && current == s {
			delete(m.streams, s.conversationID)
		}
		m.mu.Unlock()
	})
}

// finalize persists the assistant message and conversation metadata, and
// returns the conversation title to announce. Caller holds s.mu.
func (m *Manager) finalize(s *ActiveStream) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	content := strings.TrimSpace(toolCallXML.ReplaceAllString(s.content.String(), ""))
	if content != "" {
		var toolCalls json.RawMessage
		if len(s.toolCalls) > 0 {
			toolCalls, _ = json.Marshal(s.toolCalls)
		}
		if _, err := m.conv.AppendMessage(ctx, convstore.Message{
			ConversationID: s.conversationID,
			Role:           convstore.RoleAssistant,
			Content:        content,
			ToolCalls:      toolCalls,
		}); err != nil {
			slog.Warn("stream: persist assistant message", "conversation", s.conversationID, "err", err)
		}
	}

	conv, err := m.conv.GetConversation(ctx, s.conversationID)
	if err != nil {
		slog.Warn("stream: load conversation", "conversation", s.conversationID, "err", err)
		return ""
	}
	if conv.Title != "" {
		return conv.Title
	}

	msgs, err := m.conv.Messages(ctx, s.conversationID)
	if err != nil {
		return ""
	}
	for _, msg := range msgs {
		if msg.Role == convstore.RoleUser {
			title := convstore.DeriveTitle(msg.Content)
			if err := m.conv.SetTitle(ctx, s.conversationID, title); err != nil {
				slog.Warn("stream: set title", "conversation", s.conversationID, "err", err)
			}
			return title
		}
	}
	return ""
}
