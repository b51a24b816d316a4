package graphtools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gong8/willow/pkg/graph"
)

// ─────────────────────────────────────────────────────────────────────────────
// Argument types
// ─────────────────────────────────────────────────────────────────────────────

// searchNodesArgs is the JSON-decoded input for the "search_nodes" tool.
type searchNodesArgs struct {
	// Query is the case-insensitive substring matched against node content
	// and metadata values.
	Query string `json:"query"`

	// MaxResults caps the result list. Defaults to 10; at most 50.
	MaxResults int `json:"maxResults,omitempty"`
}

// getContextArgs is the JSON-decoded input for the "get_context" tool.
type getContextArgs struct {
	NodeID string `json:"nodeId"`

	// Depth bounds the descendant expansion. Defaults to 2; at most 10.
	Depth *int `json:"depth,omitempty"`
}

// createNodeArgs is the JSON-decoded input for the "create_node" tool.
type createNodeArgs struct {
	ParentID string            `json:"parentId"`
	NodeType string            `json:"nodeType"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Temporal *graph.Temporal   `json:"temporal,omitempty"`
}

// updateNodeArgs is the JSON-decoded input for the "update_node" tool.
type updateNodeArgs struct {
	NodeID   string            `json:"nodeId"`
	Content  *string           `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Temporal *graph.Temporal   `json:"temporal,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// deleteNodeArgs is the JSON-decoded input for the "delete_node" tool.
type deleteNodeArgs struct {
	NodeID string `json:"nodeId"`
}

// addLinkArgs is the JSON-decoded input for the "add_link" tool.
type addLinkArgs struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	Relation      string  `json:"relation"`
	Bidirectional bool    `json:"bidirectional,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// deleteLinkArgs is the JSON-decoded input for the "delete_link" tool.
type deleteLinkArgs struct {
	LinkID string `json:"linkId"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────────────────────────────────────

func (s *Service) handleSearchNodes(_ context.Context, args json.RawMessage) (string, error) {
	var a searchNodesArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("search_nodes: failed to parse arguments: %w", err)
	}
	if a.Query == "" {
		return "", fmt.Errorf("search_nodes: query must not be empty")
	}
	if a.MaxResults < 0 || a.MaxResults > graph.MaxSearchResults {
		return "", fmt.Errorf("search_nodes: maxResults must be between 1 and %d", graph.MaxSearchResults)
	}
	if a.MaxResults == 0 {
		a.MaxResults = graph.DefaultSearchResults
	}
	return marshalResult(s.store.SearchNodes(a.Query, a.MaxResults))
}

func (s *Service) handleGetContext(_ context.Context, args json.RawMessage) (string, error) {
	var a getContextArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("get_context: failed to parse arguments: %w", err)
	}
	if a.NodeID == "" {
		return "", fmt.Errorf("get_context: nodeId must not be empty")
	}
	depth := graph.DefaultContextDepth
	if a.Depth != nil {
		depth = *a.Depth
	}
	if depth < 0 || depth > graph.MaxContextDepth {
		return "", fmt.Errorf("get_context: depth must be between 0 and %d", graph.MaxContextDepth)
	}
	ctxView, err := s.store.GetContext(a.NodeID, depth)
	if err != nil {
		return "", fmt.Errorf("get_context: %w", err)
	}
	return marshalResult(ctxView)
}

func (s *Service) handleCreateNode(_ context.Context, args json.RawMessage) (string, error) {
	var a createNodeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("create_node: failed to parse arguments: %w", err)
	}
	if a.ParentID == "" {
		return "", fmt.Errorf("create_node: parentId must not be empty")
	}
	nodeType := graph.NodeType(a.NodeType)
	if !nodeType.IsValid() {
		return "", fmt.Errorf("create_node: nodeType %q is not one of %v", a.NodeType, graph.NodeTypes)
	}
	if a.Content == "" {
		return "", fmt.Errorf("create_node: content must not be empty")
	}

	n, err := s.store.CreateNode(a.ParentID, nodeType, a.Content, a.Metadata, a.Temporal)
	if err != nil {
		return "", fmt.Errorf("create_node: %w", err)
	}
	if err := s.persistAfterMutation(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Created %s node %s under %s", n.Type, n.ID, a.ParentID), nil
}

func (s *Service) handleUpdateNode(_ context.Context, args json.RawMessage) (string, error) {
	var a updateNodeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("update_node: failed to parse arguments: %w", err)
	}
	if a.NodeID == "" {
		return "", fmt.Errorf("update_node: nodeId must not be empty")
	}
	if a.Content == nil && len(a.Metadata) == 0 && a.Temporal == nil {
		return "", fmt.Errorf("update_node: nothing to update")
	}

	n, err := s.store.UpdateNode(a.NodeID, graph.NodeUpdate{
		Content:  a.Content,
		Metadata: a.Metadata,
		Temporal: a.Temporal,
		Reason:   a.Reason,
	})
	if err != nil {
		return "", fmt.Errorf("update_node: %w", err)
	}
	if err := s.persistAfterMutation(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Updated node %s", n.ID), nil
}

func (s *Service) handleDeleteNode(_ context.Context, args json.RawMessage) (string, error) {
	var a deleteNodeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("delete_node: failed to parse arguments: %w", err)
	}
	if a.NodeID == "" {
		return "", fmt.Errorf("delete_node: nodeId must not be empty")
	}
	count, err := s.store.DeleteNode(a.NodeID)
	if err != nil {
		return "", fmt.Errorf("delete_node: %w", err)
	}
	if err := s.persistAfterMutation(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted node %s and %d dependent records", a.NodeID, count-1), nil
}

func (s *Service) handleAddLink(_ context.Context, args json.RawMessage) (string, error) {
	var a addLinkArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("add_link: failed to parse arguments: %w", err)
	}
	if a.From == "" || a.To == "" {
		return "", fmt.Errorf("add_link: from and to must not be empty")
	}
	relation := graph.Relation(a.Relation)
	if !relation.IsValid() {
		return "", fmt.Errorf("add_link: relation %q is not in the canonical set %v", a.Relation, graph.CanonicalRelations)
	}

	l, err := s.store.AddLink(a.From, a.To, relation, a.Bidirectional, a.Confidence)
	if err != nil {
		return "", fmt.Errorf("add_link: %w", err)
	}
	if err := s.persistAfterMutation(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Added %s link %s from %s to %s", l.Relation, l.ID, l.FromNode, l.ToNode), nil
}

func (s *Service) handleDeleteLink(_ context.Context, args json.RawMessage) (string, error) {
	var a deleteLinkArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("delete_link: failed to parse arguments: %w", err)
	}
	if a.LinkID == "" {
		return "", fmt.Errorf("delete_link: linkId must not be empty")
	}
	if err := s.store.DeleteLink(a.LinkID); err != nil {
		return "", fmt.Errorf("delete_link: %w", err)
	}
	if err := s.persistAfterMutation(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted link %s", a.LinkID), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Tool table
// ─────────────────────────────────────────────────────────────────────────────

// nodeTypeNames lists the node types for the create_node schema enum.
func nodeTypeNames() []string {
	out := make([]string, len(graph.NodeTypes))
	for i, t := range graph.NodeTypes {
		out[i] = string(t)
	}
	return out
}

// relationNames lists the canonical relations for the add_link schema enum.
func relationNames() []string {
	out := make([]string, len(graph.CanonicalRelations))
	for i, r := range graph.CanonicalRelations {
		out[i] = string(r)
	}
	return out
}

// temporalSchema is the shared schema fragment for temporal windows.
func temporalSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Validity window for the fact. Values may be ISO-8601 dates or free strings.",
		"properties": map[string]any{
			"valid_from":  map[string]any{"type": "string"},
			"valid_until": map[string]any{"type": "string"},
			"label":       map[string]any{"type": "string"},
		},
	}
}

// Tools returns the tool table for role. Tools outside the role's set are
// simply not registered — a stronger guarantee than the CLI disallow-list,
// which additionally fences off the agent runtime's built-in tools.
func (s *Service) Tools(role Role) []Tool {
	all := map[string]Tool{
		"search_nodes": {
			Name:        "search_nodes",
			Description: "Search the knowledge graph for nodes whose content or metadata contains the query (case-insensitive). Results are ranked by node type, then depth, then brevity, and include the path from the root.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Substring to search for in node content and metadata values.",
					},
					"maxResults": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results. Defaults to 10.",
						"minimum":     1,
						"maximum":     50,
					},
				},
				"required": []string{"query"},
			},
			Handler: s.handleSearchNodes,
		},
		"get_context": {
			Name:        "get_context",
			Description: "Retrieve a node together with its ancestor chain, its descendants down to the given depth, and every link touching it.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nodeId": map[string]any{
						"type":        "string",
						"description": "The node to inspect.",
					},
					"depth": map[string]any{
						"type":        "integer",
						"description": "Descendant depth to expand. Defaults to 2.",
						"minimum":     0,
						"maximum":     10,
					},
				},
				"required": []string{"nodeId"},
			},
			Handler: s.handleGetContext,
		},
		"walk_graph": {
			Name:        "walk_graph",
			Description: "Navigate the knowledge graph step by step. Actions: start (go to the root), down (descend to a child), up (return to an ancestor), follow_link (traverse an outgoing or bidirectional link), done (finish the walk). Each step returns your position, the path from the root, children with a one-level preview, and incident links.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []string{"start", "down", "up", "follow_link", "done"},
					},
					"nodeId": map[string]any{
						"type":        "string",
						"description": "Target node. Required for down, up, and follow_link.",
					},
					"linkId": map[string]any{
						"type":        "string",
						"description": "Link to traverse. Required for follow_link.",
					},
				},
				"required": []string{"action"},
			},
			Handler: s.handleWalkGraph,
		},
		"create_node": {
			Name:        "create_node",
			Description: "Create a new node as a child of an existing node. Content should be one atomic fact.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"parentId": map[string]any{
						"type":        "string",
						"description": "The parent node id. Use the root for new top-level categories.",
					},
					"nodeType": map[string]any{
						"type": "string",
						"enum": nodeTypeNames(),
					},
					"content": map[string]any{
						"type":        "string",
						"description": "The atomic fact this node records.",
					},
					"metadata": map[string]any{
						"type":        "object",
						"description": "Short key/value annotations (source_type, source_id, confidence).",
						"additionalProperties": map[string]any{"type": "string"},
					},
					"temporal": temporalSchema(),
				},
				"required": []string{"parentId", "nodeType", "content"},
			},
			Handler: s.handleCreateNode,
		},
		"update_node": {
			Name:        "update_node",
			Description: "Update a node's content, metadata, or temporal window. Superseded content is preserved in the node's history with the given reason.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nodeId":  map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
					"metadata": map[string]any{
						"type":                 "object",
						"additionalProperties": map[string]any{"type": "string"},
					},
					"temporal": temporalSchema(),
					"reason": map[string]any{
						"type":        "string",
						"description": "Why the content changed; recorded in the node history.",
					},
				},
				"required": []string{"nodeId"},
			},
			Handler: s.handleUpdateNode,
		},
		"delete_node": {
			Name:        "delete_node",
			Description: "Delete a node, all of its descendants, and every link touching them. The root cannot be deleted.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nodeId": map[string]any{"type": "string"},
				},
				"required": []string{"nodeId"},
			},
			Handler: s.handleDeleteNode,
		},
		"add_link": {
			Name:        "add_link",
			Description: "Create a typed cross-link between two existing nodes. The relation must come from the canonical set.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"from": map[string]any{"type": "string"},
					"to":   map[string]any{"type": "string"},
					"relation": map[string]any{
						"type": "string",
						"enum": relationNames(),
					},
					"bidirectional": map[string]any{"type": "boolean"},
					"confidence": map[string]any{
						"type":    "number",
						"minimum": 0,
						"maximum": 1,
					},
				},
				"required": []string{"from", "to", "relation"},
			},
			Handler: s.handleAddLink,
		},
		"delete_link": {
			Name:        "delete_link",
			Description: "Delete a link by id.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"linkId": map[string]any{"type": "string"},
				},
				"required": []string{"linkId"},
			},
			Handler: s.handleDeleteLink,
		},
	}

	var out []Tool
	for _, name := range ToolsForRole(role) {
		out = append(out, all[name])
	}
	return out
}
