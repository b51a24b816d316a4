// Package server is the HTTP edge of the memory engine: message submission,
// SSE streaming with reconnect-replay, graph introspection, maintenance
// triggering, and the Prometheus scrape endpoint.
//
// The web UI itself lives elsewhere; this package only speaks the protocols
// the engine owns.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gong8/willow/internal/convstore"
	"github.com/gong8/willow/internal/enrich"
	"github.com/gong8/willow/internal/event"
	"github.com/gong8/willow/internal/stream"
	"github.com/gong8/willow/pkg/graph"
	"github.com/gong8/willow/pkg/graph/vcs"
)

// TurnRunner executes one agentic turn, writing its SSE event stream to w.
// Satisfied by *pipeline.Pipeline.
type TurnRunner interface {
	Run(ctx context.Context, conversationID, userMessage string, w io.Writer) error
}

// Server wires the engine's components behind an [http.Handler].
type Server struct {
	conv      convstore.Store
	streams   *stream.Manager
	pipeline  TurnRunner
	store     *graph.Store
	vcs       *vcs.VCS
	scheduler *enrich.Scheduler

	mux *http.ServeMux
}

// New assembles the HTTP surface. metricsHandler may be nil to omit /metrics.
func New(
	conv convstore.Store,
	streams *stream.Manager,
	pl TurnRunner,
	store *graph.Store,
	v *vcs.VCS,
	scheduler *enrich.Scheduler,
	metricsHandler http.Handler,
) *Server {
	s := &Server{
		conv:      conv,
		streams:   streams,
		pipeline:  pl,
		store:     store,
		vcs:       v,
		scheduler: scheduler,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("GET /api/conversations/{id}/stream", s.handleReconnect)
	s.mux.HandleFunc("GET /api/graph/stats", s.handleGraphStats)
	s.mux.HandleFunc("GET /api/graph/log", s.handleGraphLog)
	s.mux.HandleFunc("POST /api/maintenance", s.handleTriggerMaintenance)
	s.mux.HandleFunc("GET /api/maintenance", s.handleMaintenanceStatus)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.conv.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.conv.Messages(r.Context(), r.PathValue("id"))
	if errors.Is(err, convstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessageRequest is the POST body for a new user turn.
type sendMessageRequest struct {
	Content string `json:"content"`
}

// handleSendMessage persists the user message, starts the agentic pipeline
// for the turn, and streams the generation back as SSE.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {\"content\": \"...\"}"))
		return
	}

	if active := s.streams.Get(conversationID); active != nil && active.Status() == stream.StatusStreaming {
		writeError(w, http.StatusConflict, fmt.Errorf("a generation is already streaming for this conversation"))
		return
	}

	ctx := r.Context()
	if _, err := s.conv.EnsureConversation(ctx, conversationID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.conv.AppendMessage(ctx, convstore.Message{
		ConversationID: conversationID,
		Role:           convstore.RoleUser,
		Content:        req.Content,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// The pipeline writes SSE into the pipe; the stream manager consumes it
	// and owns buffering/finalisation. The turn must outlive this HTTP
	// request — a dropped connection is just a subscriber going away.
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		if err := s.pipeline.Run(context.WithoutCancel(ctx), conversationID, req.Content, pw); err != nil {
			slog.Warn("server: pipeline run", "conversation", conversationID, "err", err)
		}
		if s.scheduler != nil {
			s.scheduler.RecordConversation()
		}
	}()
	s.streams.Start(conversationID, pr)

	s.streamToClient(w, r, conversationID)
}

// handleReconnect re-attaches a client to an in-flight (or recently
// finished) generation: the buffered log replays first, then live events.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.streamToClient(w, r, r.PathValue("id"))
}

// streamToClient subscribes the HTTP connection to the conversation's stream.
func (s *Server) streamToClient(w http.ResponseWriter, r *http.Request, conversationID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	var (
		mu  sync.Mutex
		enc = event.NewEncoder(w)
	)
	deliver := func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(ev); err != nil {
			return
		}
		flusher.Flush()
	}

	// Headers must be decided before the replay starts writing.
	sub := s.streams.Get(conversationID)
	if sub == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no active stream for conversation %q", conversationID))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	subscription := s.streams.Subscribe(conversationID, deliver)
	if subscription == nil {
		return
	}
	defer subscription.Cancel()

	select {
	case <-subscription.Done():
	case <-r.Context().Done():
	}
}

func (s *Server) handleGraphStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.store.Stats()
	branch, err := s.vcs.CurrentBranch()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending, err := s.vcs.HasPendingChanges()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":           stats.Nodes,
		"links":           stats.Links,
		"by_type":         stats.ByType,
		"branch":          branch,
		"pending_changes": pending,
	})
}

func (s *Server) handleGraphLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.vcs.Log(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleTriggerMaintenance(w http.ResponseWriter, r *http.Request) {
	job := s.scheduler.Trigger(context.WithoutCancel(r.Context()), "manual")
	if job == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("maintenance already running"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, _ *http.Request) {
	job := s.scheduler.Running()
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  true,
		"progress": job.Progress(),
	})
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
