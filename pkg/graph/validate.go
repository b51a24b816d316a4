package graph

import "fmt"

// Validate checks every structural invariant of g:
//
//   - exactly one root, and it is g.RootID;
//   - every non-root node's parent exists and lists the node as a child;
//   - the child relation forms a tree (no cycles, every node reachable);
//   - every link references two distinct existing nodes;
//   - every link relation is canonical;
//   - temporal windows are not inverted.
//
// It returns a wrapped [ErrCorruptSnapshot] naming the first violation found.
func Validate(g *Graph) error {
	if g == nil {
		return fmt.Errorf("%w: nil graph", ErrCorruptSnapshot)
	}

	root, ok := g.Nodes[g.RootID]
	if !ok {
		return fmt.Errorf("%w: root %q missing from node map", ErrCorruptSnapshot, g.RootID)
	}
	if !root.IsRoot() {
		return fmt.Errorf("%w: root %q has parent %q", ErrCorruptSnapshot, g.RootID, root.ParentID)
	}

	for id, n := range g.Nodes {
		if n.ID != id {
			return fmt.Errorf("%w: node keyed %q carries id %q", ErrCorruptSnapshot, id, n.ID)
		}
		if !n.Type.IsValid() {
			return fmt.Errorf("%w: node %q has invalid type %q", ErrCorruptSnapshot, id, n.Type)
		}
		if n.Temporal.Inverted() {
			return fmt.Errorf("%w: node %q temporal window inverted", ErrCorruptSnapshot, id)
		}
		if n.IsRoot() {
			if id != g.RootID {
				return fmt.Errorf("%w: second root %q", ErrCorruptSnapshot, id)
			}
			continue
		}
		parent, ok := g.Nodes[n.ParentID]
		if !ok {
			return fmt.Errorf("%w: node %q has missing parent %q", ErrCorruptSnapshot, id, n.ParentID)
		}
		if !containsID(parent.Children, id) {
			return fmt.Errorf("%w: parent %q does not list child %q", ErrCorruptSnapshot, n.ParentID, id)
		}
	}

	// Reachability walk from the root; combined with the single-parent checks
	// above this rules out cycles.
	seen := map[string]bool{}
	queue := []string{g.RootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			return fmt.Errorf("%w: node %q reached twice (cycle or duplicate child entry)", ErrCorruptSnapshot, id)
		}
		seen[id] = true
		n, ok := g.Nodes[id]
		if !ok {
			return fmt.Errorf("%w: child reference to missing node %q", ErrCorruptSnapshot, id)
		}
		queue = append(queue, n.Children...)
	}
	if len(seen) != len(g.Nodes) {
		return fmt.Errorf("%w: %d of %d nodes unreachable from root", ErrCorruptSnapshot, len(g.Nodes)-len(seen), len(g.Nodes))
	}

	for id, l := range g.Links {
		if l.ID != id {
			return fmt.Errorf("%w: link keyed %q carries id %q", ErrCorruptSnapshot, id, l.ID)
		}
		if l.FromNode == l.ToNode {
			return fmt.Errorf("%w: link %q is a self-link on %q", ErrCorruptSnapshot, id, l.FromNode)
		}
		if _, ok := g.Nodes[l.FromNode]; !ok {
			return fmt.Errorf("%w: link %q references missing from_node %q", ErrCorruptSnapshot, id, l.FromNode)
		}
		if _, ok := g.Nodes[l.ToNode]; !ok {
			return fmt.Errorf("%w: link %q references missing to_node %q", ErrCorruptSnapshot, id, l.ToNode)
		}
		if !l.Relation.IsValid() {
			return fmt.Errorf("%w: link %q has non-canonical relation %q", ErrCorruptSnapshot, id, l.Relation)
		}
	}
	return nil
}

// containsID reports whether ids contains target.
func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
