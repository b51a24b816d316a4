package vcs

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/gong8/willow/pkg/graph"
)

// ChangeSet describes what changed between two graph states, at node-id and
// link-id granularity. Merge eligibility is decided purely on these id sets.
type ChangeSet struct {
	NodesAdded    []string `json:"nodes_added,omitempty"`
	NodesModified []string `json:"nodes_modified,omitempty"`
	NodesRemoved  []string `json:"nodes_removed,omitempty"`
	LinksAdded    []string `json:"links_added,omitempty"`
	LinksModified []string `json:"links_modified,omitempty"`
	LinksRemoved  []string `json:"links_removed,omitempty"`
}

// Empty reports whether the change set contains no changes at all.
func (c ChangeSet) Empty() bool {
	return len(c.NodesAdded) == 0 && len(c.NodesModified) == 0 && len(c.NodesRemoved) == 0 &&
		len(c.LinksAdded) == 0 && len(c.LinksModified) == 0 && len(c.LinksRemoved) == 0
}

// Size returns the total number of touched ids.
func (c ChangeSet) Size() int {
	return len(c.NodesAdded) + len(c.NodesModified) + len(c.NodesRemoved) +
		len(c.LinksAdded) + len(c.LinksModified) + len(c.LinksRemoved)
}

// touchedIDs returns the union of all node and link ids in the change set.
// Node and link ids are disambiguated by a kind prefix so an (unlikely) id
// collision across the two arenas cannot mask a conflict.
func (c ChangeSet) touchedIDs() map[string]bool {
	ids := make(map[string]bool, c.Size())
	for _, groups := range [][]string{c.NodesAdded, c.NodesModified, c.NodesRemoved} {
		for _, id := range groups {
			ids["n:"+id] = true
		}
	}
	for _, groups := range [][]string{c.LinksAdded, c.LinksModified, c.LinksRemoved} {
		for _, id := range groups {
			ids["l:"+id] = true
		}
	}
	return ids
}

// Disjoint reports whether c and other touch no common node or link id.
func (c ChangeSet) Disjoint(other ChangeSet) bool {
	mine := c.touchedIDs()
	for id := range other.touchedIDs() {
		if mine[id] {
			return false
		}
	}
	return true
}

// Diff compares two graph states and returns what changed from old to new.
func Diff(old, new *graph.Graph) ChangeSet {
	var c ChangeSet

	for id, newNode := range new.Nodes {
		oldNode, exists := old.Nodes[id]
		if !exists {
			c.NodesAdded = append(c.NodesAdded, id)
			continue
		}
		if !nodesEqual(oldNode, newNode) {
			c.NodesModified = append(c.NodesModified, id)
		}
	}
	for id := range old.Nodes {
		if _, exists := new.Nodes[id]; !exists {
			c.NodesRemoved = append(c.NodesRemoved, id)
		}
	}

	for id, newLink := range new.Links {
		oldLink, exists := old.Links[id]
		if !exists {
			c.LinksAdded = append(c.LinksAdded, id)
			continue
		}
		if !linksEqual(oldLink, newLink) {
			c.LinksModified = append(c.LinksModified, id)
		}
	}
	for id := range old.Links {
		if _, exists := new.Links[id]; !exists {
			c.LinksRemoved = append(c.LinksRemoved, id)
		}
	}
	return c
}

// nodesEqual compares two nodes ignoring their Children order/membership and
// their UpdatedAt stamp. A child addition or removal already shows up as its
// own added/removed entry; counting the parent's children echo as a
// modification would make any two branches that add siblings under the same
// parent conflict forever.
func nodesEqual(a, b *graph.Node) bool {
	ac, bc := a.Clone(), b.Clone()
	ac.Children, bc.Children = nil, nil
	ac.UpdatedAt, bc.UpdatedAt = time.Time{}, time.Time{}
	return jsonEqual(ac, bc)
}

// linksEqual compares two links by canonical JSON encoding.
func linksEqual(a, b *graph.Link) bool {
	return jsonEqual(a, b)
}

func jsonEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
