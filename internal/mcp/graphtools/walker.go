package graphtools

import (
	"context"
	"encoding/json"
	"fmt"
)

// walkGraphArgs is the JSON-decoded input for the "walk_graph" tool.
type walkGraphArgs struct {
	Action string `json:"action"`
	NodeID string `json:"nodeId,omitempty"`
	LinkID string `json:"linkId,omitempty"`
}

// Walk actions.
const (
	walkStart      = "start"
	walkDown       = "down"
	walkUp         = "up"
	walkFollowLink = "follow_link"
	walkDone       = "done"
)

// handleWalkGraph advances the session's navigation cursor. The cursor is
// stateful across calls within one sub-agent session; every step returns the
// walk view at the new position.
func (s *Service) handleWalkGraph(_ context.Context, args json.RawMessage) (string, error) {
	var a walkGraphArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("walk_graph: failed to parse arguments: %w", err)
	}

	s.walk.mu.Lock()
	defer s.walk.mu.Unlock()

	switch a.Action {
	case walkStart:
		s.walk.current = s.store.RootID()
		s.walk.started = true
		return s.walkViewLocked()

	case walkDown:
		if err := s.requireWalkArgsLocked(a, false); err != nil {
			return "", err
		}
		view, err := s.store.WalkViewOf(s.walk.current)
		if err != nil {
			return "", fmt.Errorf("walk_graph: %w", err)
		}
		for _, child := range view.Children {
			if child.ID == a.NodeID {
				s.walk.current = a.NodeID
				return s.walkViewLocked()
			}
		}
		return "", fmt.Errorf("walk_graph: %q is not a child of the current position %q", a.NodeID, s.walk.current)

	case walkUp:
		if err := s.requireWalkArgsLocked(a, false); err != nil {
			return "", err
		}
		view, err := s.store.WalkViewOf(s.walk.current)
		if err != nil {
			return "", fmt.Errorf("walk_graph: %w", err)
		}
		for _, step := range view.Path[:max(len(view.Path)-1, 0)] {
			if step.ID == a.NodeID {
				s.walk.current = a.NodeID
				return s.walkViewLocked()
			}
		}
		return "", fmt.Errorf("walk_graph: %q is not an ancestor of the current position %q", a.NodeID, s.walk.current)

	case walkFollowLink:
		if err := s.requireWalkArgsLocked(a, true); err != nil {
			return "", err
		}
		view, err := s.store.WalkViewOf(s.walk.current)
		if err != nil {
			return "", fmt.Errorf("walk_graph: %w", err)
		}
		for _, lv := range view.Links {
			if lv.ID != a.LinkID {
				continue
			}
			if !lv.CanFollow {
				return "", fmt.Errorf("walk_graph: link %q is incoming only and cannot be followed", a.LinkID)
			}
			if lv.OtherID != a.NodeID {
				return "", fmt.Errorf("walk_graph: link %q leads to %q, not %q", a.LinkID, lv.OtherID, a.NodeID)
			}
			s.walk.current = a.NodeID
			return s.walkViewLocked()
		}
		return "", fmt.Errorf("walk_graph: link %q does not touch the current position %q", a.LinkID, s.walk.current)

	case walkDone:
		if !s.walk.started {
			return "", fmt.Errorf("walk_graph: walk not started")
		}
		position := s.walk.current
		s.walk.started = false
		s.walk.current = ""
		return marshalResult(map[string]string{"status": "done", "finalPosition": position})

	default:
		return "", fmt.Errorf("walk_graph: unknown action %q (expected start, down, up, follow_link, or done)", a.Action)
	}
}

// requireWalkArgsLocked validates the common preconditions of the movement
// actions. Caller holds walk.mu.
func (s *Service) requireWalkArgsLocked(a walkGraphArgs, needLink bool) error {
	if !s.walk.started {
		return fmt.Errorf("walk_graph: walk not started (call {\"action\": \"start\"} first)")
	}
	if a.NodeID == "" {
		return fmt.Errorf("walk_graph: nodeId is required for action %q", a.Action)
	}
	if needLink && a.LinkID == "" {
		return fmt.Errorf("walk_graph: linkId is required for action %q", a.Action)
	}
	return nil
}

// walkViewLocked renders the view at the cursor. Caller holds walk.mu.
func (s *Service) walkViewLocked() (string, error) {
	view, err := s.store.WalkViewOf(s.walk.current)
	if err != nil {
		return "", fmt.Errorf("walk_graph: %w", err)
	}
	return marshalResult(view)
}
