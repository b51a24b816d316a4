// Package graph defines the typed, versioned knowledge graph at the heart of
// Willow: a tree of [Node] records cross-linked by [Link] edges.
//
// The shape is deliberately a tree-with-cross-links rather than a free graph:
//   - Every node except the root has exactly one parent, and the parent lists
//     the node in its ordered Children slice.
//   - Links are typed cross-edges independent of the tree; their Relation is
//     restricted to the canonical set so agents cannot improvise new edge
//     vocabularies.
//
// Nodes and links are arena-allocated in maps keyed by id; all edges are id
// references, never pointers, so views can be cloned cheaply and the on-disk
// snapshot is a direct serialisation of the in-memory state.
//
// The mutable store over this model lives in [Store]; the on-disk snapshot
// format and its atomic persistence live in snapshot.go.
package graph

import (
	"time"
)

// NodeType classifies a node's position in the knowledge hierarchy, from the
// broad (category) to the fine-grained (detail).
type NodeType string

// The six node types, in decreasing order of abstraction. Search ranking
// prefers broader types when relevance ties.
const (
	NodeCategory   NodeType = "category"
	NodeCollection NodeType = "collection"
	NodeEntity     NodeType = "entity"
	NodeAttribute  NodeType = "attribute"
	NodeEvent      NodeType = "event"
	NodeDetail     NodeType = "detail"
)

// NodeTypes lists all valid node types.
var NodeTypes = []NodeType{
	NodeCategory, NodeCollection, NodeEntity, NodeAttribute, NodeEvent, NodeDetail,
}

// IsValid reports whether t is one of the six known node types.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeCategory, NodeCollection, NodeEntity, NodeAttribute, NodeEvent, NodeDetail:
		return true
	}
	return false
}

// typeRank returns the search-ranking priority of t. Lower is better.
func (t NodeType) typeRank() int {
	switch t {
	case NodeCategory:
		return 0
	case NodeCollection:
		return 1
	case NodeEntity:
		return 2
	case NodeAttribute:
		return 3
	case NodeEvent:
		return 4
	case NodeDetail:
		return 5
	}
	return 6
}

// Relation is the semantic label of a cross-link. Only the canonical set
// below is accepted at the mutation boundary.
type Relation string

// The canonical relation set. Keeping this closed prevents uncontrolled
// vocabulary growth when agents invent edges.
const (
	RelRelatedTo   Relation = "related_to"
	RelContradicts Relation = "contradicts"
	RelCausedBy    Relation = "caused_by"
	RelLeadsTo     Relation = "leads_to"
	RelDependsOn   Relation = "depends_on"
	RelSimilarTo   Relation = "similar_to"
	RelPartOf      Relation = "part_of"
	RelExampleOf   Relation = "example_of"
	RelDerivedFrom Relation = "derived_from"
)

// CanonicalRelations lists every relation a link may carry.
var CanonicalRelations = []Relation{
	RelRelatedTo, RelContradicts, RelCausedBy, RelLeadsTo, RelDependsOn,
	RelSimilarTo, RelPartOf, RelExampleOf, RelDerivedFrom,
}

// IsValid reports whether r belongs to the canonical relation set.
func (r Relation) IsValid() bool {
	switch r {
	case RelRelatedTo, RelContradicts, RelCausedBy, RelLeadsTo, RelDependsOn,
		RelSimilarTo, RelPartOf, RelExampleOf, RelDerivedFrom:
		return true
	}
	return false
}

// Temporal bounds a fact's validity window. Values may be ISO-8601 timestamps,
// bare dates, or free strings ("childhood", "while at Acme"); ordering is only
// enforced when both ends parse as instants.
type Temporal struct {
	// ValidFrom is the start of the validity window. Empty means unbounded.
	ValidFrom string `json:"valid_from,omitempty"`

	// ValidUntil is the end of the validity window. Empty means unbounded.
	ValidUntil string `json:"valid_until,omitempty"`

	// Label is a human-readable description of the window (e.g. "2020–2023").
	Label string `json:"label,omitempty"`
}

// temporalLayouts are the timestamp layouts accepted when interpreting
// Temporal bounds, tried in order.
var temporalLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseInstant interprets s as a point in time. ok is false when s is empty
// or not an ISO-8601-ish timestamp (free-string labels are legal Temporal
// values and simply do not participate in ordering checks).
func ParseInstant(s string) (t time.Time, ok bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range temporalLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Inverted reports whether both bounds parse as instants and ValidFrom is
// after ValidUntil. Such a window is rejected at the mutation boundary.
func (tp *Temporal) Inverted() bool {
	if tp == nil {
		return false
	}
	from, okFrom := ParseInstant(tp.ValidFrom)
	until, okUntil := ParseInstant(tp.ValidUntil)
	return okFrom && okUntil && from.After(until)
}

// ExpiredAt reports whether ValidUntil parses as an instant strictly before
// now. Expired nodes are flagged by maintenance pre-scan, never auto-deleted.
func (tp *Temporal) ExpiredAt(now time.Time) bool {
	if tp == nil {
		return false
	}
	until, ok := ParseInstant(tp.ValidUntil)
	return ok && until.Before(now)
}

// Revision is one entry in a node's append-only content history, recorded
// when UpdateNode replaces content.
type Revision struct {
	// Content is the superseded content text.
	Content string `json:"content"`

	// Reason is the free-text justification supplied by the mutating agent.
	Reason string `json:"reason,omitempty"`

	// Timestamp is when the content was replaced.
	Timestamp time.Time `json:"timestamp"`
}

// Node is a typed vertex in the knowledge tree. Content holds one atomic
// fact; structure (parent, children) and cross-links carry everything else.
type Node struct {
	// ID is the stable unique identifier of this node.
	ID string `json:"id"`

	// Type classifies the node.
	Type NodeType `json:"node_type"`

	// Content is the free-text atomic fact this node records.
	Content string `json:"content"`

	// ParentID names the parent node. Only the root has an empty ParentID.
	ParentID string `json:"parent_id,omitempty"`

	// Children lists this node's direct children, in insertion order.
	Children []string `json:"children"`

	// Metadata maps short string keys to short string values. By convention
	// it carries source_type, source_id, and confidence.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Temporal optionally bounds the validity of the fact.
	Temporal *Temporal `json:"temporal,omitempty"`

	// History is the append-only log of superseded content.
	History []Revision `json:"history,omitempty"`

	// CreatedAt is when the node was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the node was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Children = append([]string(nil), n.Children...)
	if n.Metadata != nil {
		cp.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
	}
	if n.Temporal != nil {
		t := *n.Temporal
		cp.Temporal = &t
	}
	cp.History = append([]Revision(nil), n.History...)
	return &cp
}

// IsRoot reports whether n is the tree root.
func (n *Node) IsRoot() bool { return n.ParentID == "" }

// Link is a typed cross-edge between two nodes, independent of the tree.
// Links carry no history; they are added and removed outright.
type Link struct {
	// ID is the stable unique identifier of this link.
	ID string `json:"id"`

	// FromNode and ToNode are the endpoint node ids. They must differ.
	FromNode string `json:"from_node"`
	ToNode   string `json:"to_node"`

	// Relation is the canonical semantic label of the edge.
	Relation Relation `json:"relation"`

	// Bidirectional marks the edge as navigable in both directions.
	Bidirectional bool `json:"bidirectional,omitempty"`

	// Confidence is the asserting agent's confidence in the fact (0.0–1.0).
	// Zero means unstated.
	Confidence float64 `json:"confidence,omitempty"`

	// CreatedAt is when the link was added.
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy of l.
func (l *Link) Clone() *Link {
	cp := *l
	return &cp
}

// Touches reports whether either endpoint of l is nodeID.
func (l *Link) Touches(nodeID string) bool {
	return l.FromNode == nodeID || l.ToNode == nodeID
}

// Graph is the complete knowledge graph: the root id plus arenas of nodes
// and links keyed by id.
type Graph struct {
	RootID string           `json:"root_id"`
	Nodes  map[string]*Node `json:"nodes"`
	Links  map[string]*Link `json:"links"`
}

// NewGraph returns a graph containing only a fresh root node.
func NewGraph(now time.Time) *Graph {
	root := &Node{
		ID:        RootID,
		Type:      NodeCategory,
		Content:   "Root",
		Children:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &Graph{
		RootID: root.ID,
		Nodes:  map[string]*Node{root.ID: root},
		Links:  map[string]*Link{},
	}
}

// RootID is the well-known id of the tree root.
const RootID = "root"

// Clone returns a deep copy of g.
func (g *Graph) Clone() *Graph {
	cp := &Graph{
		RootID: g.RootID,
		Nodes:  make(map[string]*Node, len(g.Nodes)),
		Links:  make(map[string]*Link, len(g.Links)),
	}
	for id, n := range g.Nodes {
		cp.Nodes[id] = n.Clone()
	}
	for id, l := range g.Links {
		cp.Links[id] = l.Clone()
	}
	return cp
}

// Depth returns the number of edges between the root and nodeID, or -1 when
// nodeID is missing or detached from the root.
func (g *Graph) Depth(nodeID string) int {
	depth := 0
	for id := nodeID; ; depth++ {
		n, ok := g.Nodes[id]
		if !ok {
			return -1
		}
		if n.IsRoot() {
			if id != g.RootID {
				return -1
			}
			return depth
		}
		id = n.ParentID
		if depth > len(g.Nodes) {
			// Parent chain cycle; treat as detached.
			return -1
		}
	}
}

// Ancestors returns the chain of nodes from the root down to nodeID,
// inclusive. It returns nil when nodeID is missing or detached.
func (g *Graph) Ancestors(nodeID string) []*Node {
	var chain []*Node
	for id := nodeID; ; {
		n, ok := g.Nodes[id]
		if !ok {
			return nil
		}
		chain = append(chain, n)
		if n.IsRoot() {
			break
		}
		id = n.ParentID
		if len(chain) > len(g.Nodes) {
			return nil
		}
	}
	// Reverse into root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// LinksTouching returns all links with nodeID as either endpoint.
func (g *Graph) LinksTouching(nodeID string) []*Link {
	var out []*Link
	for _, l := range g.Links {
		if l.Touches(nodeID) {
			out = append(out, l)
		}
	}
	return out
}
