package graph

import (
	"fmt"
	"sort"
)

// lookaheadLimit caps the grandchild previews embedded in a walk view.
const lookaheadLimit = 80

// Position is the walker's current location.
type Position struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Type    NodeType `json:"type"`
}

// PathStep is one ancestor entry on the root-to-target path.
type PathStep struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Type    NodeType `json:"type"`
}

// ChildView annotates a direct child of the walk target with a one-level
// preview of its own children, so agents can decide whether a descent is
// worthwhile without taking the step.
type ChildView struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Type    NodeType `json:"type"`

	// Grandchildren previews each grandchild's content, truncated.
	Grandchildren []string `json:"grandchildren,omitempty"`
}

// LinkDirection orients an incident link relative to the walk target.
type LinkDirection string

const (
	DirectionOutgoing LinkDirection = "outgoing"
	DirectionIncoming LinkDirection = "incoming"
	DirectionBoth     LinkDirection = "both"
)

// LinkView annotates a link incident on the walk target.
type LinkView struct {
	ID        string        `json:"id"`
	Relation  Relation      `json:"relation"`
	Direction LinkDirection `json:"direction"`

	// OtherID and OtherContent describe the far endpoint.
	OtherID      string `json:"other_id"`
	OtherContent string `json:"other_content"`

	// CanFollow is true for outgoing or bidirectional links — the only ones
	// the walk tool will traverse.
	CanFollow bool `json:"can_follow"`
}

// WalkView is the per-step structure served to navigating agents: where the
// walker stands, how it got there, what lies one and two levels below, and
// which cross-links leave from here.
type WalkView struct {
	Position Position    `json:"position"`
	Path     []PathStep  `json:"path"`
	Children []ChildView `json:"children"`
	Links    []LinkView  `json:"links"`
}

// WalkViewOf builds the walk view centred on target.
func (s *Store) WalkViewOf(target string) (*WalkView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.graph.Nodes[target]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, target)
	}

	view := &WalkView{
		Position: Position{ID: n.ID, Content: n.Content, Type: n.Type},
	}

	for _, a := range s.graph.Ancestors(target) {
		view.Path = append(view.Path, PathStep{ID: a.ID, Content: a.Content, Type: a.Type})
	}

	for _, childID := range n.Children {
		child, ok := s.graph.Nodes[childID]
		if !ok {
			continue
		}
		cv := ChildView{ID: child.ID, Content: child.Content, Type: child.Type}
		for _, gcID := range child.Children {
			if gc, ok := s.graph.Nodes[gcID]; ok {
				cv.Grandchildren = append(cv.Grandchildren, truncate(gc.Content, lookaheadLimit))
			}
		}
		view.Children = append(view.Children, cv)
	}

	for _, l := range s.graph.LinksTouching(target) {
		lv := LinkView{ID: l.ID, Relation: l.Relation}
		switch {
		case l.Bidirectional:
			lv.Direction = DirectionBoth
		case l.FromNode == target:
			lv.Direction = DirectionOutgoing
		default:
			lv.Direction = DirectionIncoming
		}
		otherID := l.ToNode
		if otherID == target {
			otherID = l.FromNode
		}
		lv.OtherID = otherID
		if other, ok := s.graph.Nodes[otherID]; ok {
			lv.OtherContent = truncate(other.Content, lookaheadLimit)
		}
		lv.CanFollow = l.Bidirectional || l.FromNode == target
		view.Links = append(view.Links, lv)
	}
	sort.Slice(view.Links, func(i, j int) bool { return view.Links[i].ID < view.Links[j].ID })
	return view, nil
}

// truncate shortens s to at most n runes, appending an ellipsis when cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
