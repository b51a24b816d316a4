package enrich

import (
	"strings"
	"testing"
	"time"

	"github.com/gong8/willow/pkg/graph"
)

// brokenGraph hand-builds graphs the validated store would refuse, which is
// exactly what the pre-scan exists to inspect.
func emptyGraph() *graph.Graph {
	return graph.NewGraph(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func addNode(g *graph.Graph, id, parentID, content string, t graph.NodeType) *graph.Node {
	n := &graph.Node{ID: id, Type: t, Content: content, ParentID: parentID, Children: []string{}}
	g.Nodes[id] = n
	if parent, ok := g.Nodes[parentID]; ok {
		parent.Children = append(parent.Children, id)
	}
	return n
}

func TestPrescanCleanGraph(t *testing.T) {
	t.Parallel()

	g := emptyGraph()
	addNode(g, "a", g.RootID, "Work", graph.NodeCategory)
	addNode(g, "b", "a", "Acme Corp", graph.NodeEntity)

	if findings := Prescan(g, time.Now()); len(findings) != 0 {
		t.Fatalf("clean graph produced findings: %+v", findings)
	}
}

func TestPrescanBrokenLink(t *testing.T) {
	t.Parallel()

	t.Run("dangling endpoint", func(t *testing.T) {
		t.Parallel()
		g := emptyGraph()
		addNode(g, "x", g.RootID, "X", graph.NodeEntity)
		g.Links["L"] = &graph.Link{ID: "L", FromNode: "x", ToNode: "ghost", Relation: graph.RelRelatedTo}

		findings := Prescan(g, time.Now())
		if len(findings) != 1 {
			t.Fatalf("findings = %+v, want exactly one", findings)
		}
		f := findings[0]
		if f.ID != "PRE-001" || f.Kind != KindBrokenLink || f.Severity != SeverityCritical {
			t.Fatalf("finding = %+v", f)
		}
		if len(f.LinkIDs) != 1 || f.LinkIDs[0] != "L" {
			t.Fatalf("linkIds = %v", f.LinkIDs)
		}
		if !strings.Contains(f.SuggestedAction, "Delete link L") {
			t.Fatalf("suggestedAction = %q", f.SuggestedAction)
		}
	})

	t.Run("self link", func(t *testing.T) {
		t.Parallel()
		g := emptyGraph()
		addNode(g, "x", g.RootID, "X", graph.NodeEntity)
		g.Links["L"] = &graph.Link{ID: "L", FromNode: "x", ToNode: "x", Relation: graph.RelRelatedTo}

		findings := Prescan(g, time.Now())
		if len(findings) != 1 || findings[0].Kind != KindBrokenLink {
			t.Fatalf("findings = %+v", findings)
		}
	})
}

func TestPrescanOrphanNode(t *testing.T) {
	t.Parallel()

	g := emptyGraph()
	// Node with a valid parent pointer that the parent does not list —
	// unreachable from the root.
	g.Nodes["stray"] = &graph.Node{ID: "stray", Type: graph.NodeDetail, Content: "floating fact", ParentID: g.RootID, Children: []string{}}

	findings := Prescan(g, time.Now())
	var kinds []string
	for _, f := range findings {
		kinds = append(kinds, f.Kind)
	}
	// The same damage shows up both as an orphan and as a broken parent
	// linkage; ids stay sequential.
	if len(findings) != 2 || kinds[0] != KindOrphanNode || kinds[1] != KindBrokenParent {
		t.Fatalf("findings = %v", kinds)
	}
	if findings[0].ID != "PRE-001" || findings[1].ID != "PRE-002" {
		t.Fatalf("ids = %s, %s", findings[0].ID, findings[1].ID)
	}
}

func TestPrescanBrokenParent(t *testing.T) {
	t.Parallel()

	g := emptyGraph()
	// Parent pointer names a missing node; the node is also orphaned.
	g.Nodes["x"] = &graph.Node{ID: "x", Type: graph.NodeEntity, Content: "X", ParentID: "ghost", Children: []string{}}

	findings := Prescan(g, time.Now())
	var broken *Finding
	for i := range findings {
		if findings[i].Kind == KindBrokenParent {
			broken = &findings[i]
		}
	}
	if broken == nil {
		t.Fatalf("no broken_parent finding in %+v", findings)
	}
	if broken.Severity != SeverityCritical || !strings.Contains(broken.Description, "ghost") {
		t.Fatalf("finding = %+v", broken)
	}
}

func TestPrescanExpiredTemporal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	g := emptyGraph()
	n := addNode(g, "job", g.RootID, "Acme Corp contract", graph.NodeEvent)
	n.Temporal = &graph.Temporal{ValidFrom: "2020-01-01", ValidUntil: "2023-06-30"}
	current := addNode(g, "home", g.RootID, "Lives in London", graph.NodeEntity)
	current.Temporal = &graph.Temporal{ValidFrom: "2024-01-01"}

	findings := Prescan(g, now)
	if len(findings) != 1 {
		t.Fatalf("findings = %+v", findings)
	}
	f := findings[0]
	if f.Kind != KindExpiredTemporal || f.Severity != SeverityWarning || f.NodeIDs[0] != "job" {
		t.Fatalf("finding = %+v", f)
	}
}

func TestPrescanNearDuplicates(t *testing.T) {
	t.Parallel()

	g := emptyGraph()
	cat := addNode(g, "people", g.RootID, "People", graph.NodeCategory)
	addNode(g, "a", cat.ID, "Alice works at Acme Corp", graph.NodeEntity)
	addNode(g, "b", cat.ID, "Alice works at Acme Corp.", graph.NodeEntity)
	addNode(g, "c", cat.ID, "Bob plays the trombone", graph.NodeEntity)

	findings := Prescan(g, time.Now())
	if len(findings) != 1 {
		t.Fatalf("findings = %+v", findings)
	}
	f := findings[0]
	if f.Kind != KindNearDuplicate || f.Severity != SeveritySuggestion {
		t.Fatalf("finding = %+v", f)
	}
	if len(f.NodeIDs) != 2 {
		t.Fatalf("nodeIds = %v", f.NodeIDs)
	}
}

func TestPrescanDeterministicIDs(t *testing.T) {
	t.Parallel()

	g := emptyGraph()
	addNode(g, "x", g.RootID, "X", graph.NodeEntity)
	g.Links["L1"] = &graph.Link{ID: "L1", FromNode: "x", ToNode: "ghost1", Relation: graph.RelRelatedTo}
	g.Links["L2"] = &graph.Link{ID: "L2", FromNode: "x", ToNode: "ghost2", Relation: graph.RelRelatedTo}

	first := Prescan(g, time.Now())
	second := Prescan(g, time.Now())
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("findings = %+v / %+v", first, second)
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].LinkIDs[0] != second[i].LinkIDs[0] {
			t.Fatalf("scan not deterministic: %+v vs %+v", first[i], second[i])
		}
	}
}
