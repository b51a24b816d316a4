package enrich

import (
	"testing"

	"github.com/gong8/willow/pkg/graph"
)

func TestTopLevelSubtrees(t *testing.T) {
	t.Parallel()

	g := emptyGraph()
	work := addNode(g, "work", g.RootID, "Work", graph.NodeCategory)
	addNode(g, "jobs", work.ID, "Jobs", graph.NodeCollection)
	addNode(g, "acme", "jobs", "Acme Corp", graph.NodeEntity)
	addNode(g, "people", g.RootID, "People", graph.NodeCategory)

	subtrees := TopLevelSubtrees(g)
	if len(subtrees) != 2 {
		t.Fatalf("subtrees = %+v", subtrees)
	}
	sizes := map[string]int{}
	for _, st := range subtrees {
		sizes[st.Content] = st.Size
	}
	if sizes["Work"] != 3 || sizes["People"] != 1 {
		t.Fatalf("sizes = %v", sizes)
	}
}

func TestPartition(t *testing.T) {
	t.Parallel()

	t.Run("fewer subtrees than crawlers", func(t *testing.T) {
		t.Parallel()
		subtrees := []Subtree{
			{RootNodeID: "a", Size: 10},
			{RootNodeID: "b", Size: 3},
		}
		groups := Partition(subtrees, 8)
		if len(groups) != 2 {
			t.Fatalf("groups = %+v", groups)
		}
	})

	t.Run("smallest combined when over the limit", func(t *testing.T) {
		t.Parallel()
		subtrees := []Subtree{
			{RootNodeID: "a", Size: 100},
			{RootNodeID: "b", Size: 90},
			{RootNodeID: "c", Size: 5},
			{RootNodeID: "d", Size: 4},
			{RootNodeID: "e", Size: 3},
		}
		groups := Partition(subtrees, 2)
		if len(groups) != 2 {
			t.Fatalf("groups = %+v", groups)
		}
		total := 0
		for _, group := range groups {
			total += len(group)
		}
		if total != 5 {
			t.Fatalf("subtrees lost in partition: %+v", groups)
		}
		// The small trees all land beside the 90 (100 alone outweighs them).
		for _, group := range groups {
			if len(group) == 1 && group[0].RootNodeID != "a" {
				t.Fatalf("expected the largest subtree isolated: %+v", groups)
			}
		}
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		if groups := Partition(nil, 8); groups != nil {
			t.Fatalf("groups = %+v", groups)
		}
	})
}
