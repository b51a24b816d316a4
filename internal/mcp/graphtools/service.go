// Package graphtools exposes the graph memory engine to sub-agents as MCP
// tools: search_nodes, get_context, walk_graph, and the mutation tools.
//
// Tool inputs are validated at this boundary — node types, canonical link
// relations, result and depth bounds, walk actions — so agent improvisation
// cannot reach the store with malformed requests. Validation failures come
// back as tool errors, never as protocol failures.
//
// The package is transport-agnostic: [Service.Tools] returns a closed table
// of tool definitions that cmd/willow-mcp serves over stdio to sub-agent
// processes.
package graphtools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gong8/willow/pkg/graph"
)

// Service binds the tool table to a graph store. persist, when non-nil, is
// invoked after every successful mutation; in the sub-agent tool server it
// writes the snapshot back to disk so the parent can pick the changes up via
// commit_external_changes.
type Service struct {
	store   *graph.Store
	persist func() error

	// walk is the per-session navigation cursor. One tool server serves one
	// sub-agent process, so a single cursor suffices.
	walk struct {
		mu      sync.Mutex
		started bool
		current string
	}
}

// NewService returns a Service over store. persist may be nil for read-only
// roles.
func NewService(store *graph.Store, persist func() error) *Service {
	return &Service{store: store, persist: persist}
}

// persistAfterMutation writes the snapshot when a persist hook is configured.
func (s *Service) persistAfterMutation() error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist(); err != nil {
		return fmt.Errorf("graphtools: persist snapshot: %w", err)
	}
	return nil
}

// Handler is a tool implementation: JSON-encoded arguments in, textual
// response out. A returned error is surfaced to the agent as a tool error
// (isError), not a protocol failure.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Name        string
	Description string

	// InputSchema is the JSON-schema properties/required table rendered into
	// the MCP tool declaration.
	InputSchema map[string]any

	Handler Handler
}

// marshalResult JSON-encodes v for a tool response.
func marshalResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("graphtools: encode result: %w", err)
	}
	return string(data), nil
}
