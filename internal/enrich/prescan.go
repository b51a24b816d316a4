package enrich

import (
	"fmt"
	"sort"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/gong8/willow/pkg/graph"
)

// duplicateThreshold is the Jaro-Winkler similarity above which two sibling
// nodes are flagged as near-duplicates.
const duplicateThreshold = 0.93

// Prescan inspects g for structural damage without any model involvement.
// Finding ids are assigned PRE-001, PRE-002, … in a deterministic order
// (kind by kind, ids sorted within each kind) so repeated scans of the same
// graph produce identical output.
func Prescan(g *graph.Graph, now time.Time) []Finding {
	var findings []Finding
	findings = append(findings, scanBrokenLinks(g)...)
	findings = append(findings, scanOrphans(g)...)
	findings = append(findings, scanBrokenParents(g)...)
	findings = append(findings, scanExpiredTemporal(g, now)...)
	findings = append(findings, scanNearDuplicates(g)...)

	for i := range findings {
		findings[i].ID = preID(i + 1)
	}
	return findings
}

// scanBrokenLinks flags links with a missing endpoint or identical endpoints.
func scanBrokenLinks(g *graph.Graph) []Finding {
	var out []Finding
	for _, id := range sortedLinkIDs(g) {
		l := g.Links[id]
		_, fromOK := g.Nodes[l.FromNode]
		_, toOK := g.Nodes[l.ToNode]
		switch {
		case l.FromNode == l.ToNode:
			out = append(out, Finding{
				Kind:            KindBrokenLink,
				Severity:        SeverityCritical,
				Description:     fmt.Sprintf("link %s is a self-link on node %s", id, l.FromNode),
				LinkIDs:         []string{id},
				SuggestedAction: fmt.Sprintf("Delete link %s", id),
			})
		case !fromOK || !toOK:
			missing := l.FromNode
			if fromOK {
				missing = l.ToNode
			}
			out = append(out, Finding{
				Kind:            KindBrokenLink,
				Severity:        SeverityCritical,
				Description:     fmt.Sprintf("link %s references missing node %s", id, missing),
				LinkIDs:         []string{id},
				SuggestedAction: fmt.Sprintf("Delete link %s", id),
			})
		}
	}
	return out
}

// scanOrphans flags nodes unreachable from the root via children.
func scanOrphans(g *graph.Graph) []Finding {
	reachable := map[string]bool{}
	queue := []string{g.RootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		if n, ok := g.Nodes[id]; ok {
			queue = append(queue, n.Children...)
		}
	}

	var out []Finding
	for _, id := range sortedNodeIDs(g) {
		if reachable[id] {
			continue
		}
		n := g.Nodes[id]
		out = append(out, Finding{
			Kind:            KindOrphanNode,
			Severity:        SeverityWarning,
			Description:     fmt.Sprintf("node %s (%q) is unreachable from the root", id, snippet(n.Content)),
			NodeIDs:         []string{id},
			SuggestedAction: fmt.Sprintf("Reattach node %s under an appropriate category or delete it", id),
		})
	}
	return out
}

// scanBrokenParents flags nodes whose parent pointer and the parent's child
// list disagree.
func scanBrokenParents(g *graph.Graph) []Finding {
	var out []Finding
	for _, id := range sortedNodeIDs(g) {
		n := g.Nodes[id]
		if n.IsRoot() {
			continue
		}
		parent, ok := g.Nodes[n.ParentID]
		if !ok {
			out = append(out, Finding{
				Kind:            KindBrokenParent,
				Severity:        SeverityCritical,
				Description:     fmt.Sprintf("node %s names missing parent %s", id, n.ParentID),
				NodeIDs:         []string{id},
				SuggestedAction: fmt.Sprintf("Repair the parent linkage of node %s", id),
			})
			continue
		}
		if !containsString(parent.Children, id) {
			out = append(out, Finding{
				Kind:            KindBrokenParent,
				Severity:        SeverityCritical,
				Description:     fmt.Sprintf("parent %s does not list node %s as a child", n.ParentID, id),
				NodeIDs:         []string{id, n.ParentID},
				SuggestedAction: fmt.Sprintf("Repair the parent linkage of node %s", id),
			})
		}
	}
	return out
}

// scanExpiredTemporal flags nodes whose validity window has closed. Expired
// nodes are never auto-deleted; the crawlers and resolver decide.
func scanExpiredTemporal(g *graph.Graph, now time.Time) []Finding {
	var out []Finding
	for _, id := range sortedNodeIDs(g) {
		n := g.Nodes[id]
		if !n.Temporal.ExpiredAt(now) {
			continue
		}
		out = append(out, Finding{
			Kind:            KindExpiredTemporal,
			Severity:        SeverityWarning,
			Description:     fmt.Sprintf("node %s (%q) expired at %s", id, snippet(n.Content), n.Temporal.ValidUntil),
			NodeIDs:         []string{id},
			SuggestedAction: fmt.Sprintf("Review node %s: mark it historical or delete it", id),
		})
	}
	return out
}

// scanNearDuplicates flags sibling pairs with near-identical content using
// Jaro-Winkler string distance. Suggestion severity only; merging facts is a
// judgement call left to the crawlers and resolver.
func scanNearDuplicates(g *graph.Graph) []Finding {
	var out []Finding
	for _, parentID := range sortedNodeIDs(g) {
		parent := g.Nodes[parentID]
		for i := 0; i < len(parent.Children); i++ {
			a, ok := g.Nodes[parent.Children[i]]
			if !ok {
				continue
			}
			for j := i + 1; j < len(parent.Children); j++ {
				b, ok := g.Nodes[parent.Children[j]]
				if !ok {
					continue
				}
				if matchr.JaroWinkler(a.Content, b.Content, true) < duplicateThreshold {
					continue
				}
				out = append(out, Finding{
					Kind:     KindNearDuplicate,
					Severity: SeveritySuggestion,
					Description: fmt.Sprintf("nodes %s (%q) and %s (%q) under %s look like duplicates",
						a.ID, snippet(a.Content), b.ID, snippet(b.Content), parentID),
					NodeIDs:         []string{a.ID, b.ID},
					SuggestedAction: fmt.Sprintf("Merge nodes %s and %s if they record the same fact", a.ID, b.ID),
				})
			}
		}
	}
	return out
}

// snippet shortens content for finding descriptions.
func snippet(s string) string {
	runes := []rune(s)
	if len(runes) <= 40 {
		return s
	}
	return string(runes[:40]) + "…"
}

func sortedNodeIDs(g *graph.Graph) []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedLinkIDs(g *graph.Graph) []string {
	ids := make([]string, 0, len(g.Links))
	for id := range g.Links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}
