package enrich

import (
	"sort"

	"github.com/gong8/willow/pkg/graph"
)

// maxCrawlers caps how many crawler sub-agents run per maintenance job.
const maxCrawlers = 8

// Subtree describes one top-level category assigned to a crawler.
type Subtree struct {
	RootNodeID string `json:"rootNodeId"`
	Content    string `json:"content"`

	// Size is the number of nodes in the subtree, the category included.
	Size int `json:"size"`
}

// TopLevelSubtrees lists the root's direct children with their subtree sizes.
func TopLevelSubtrees(g *graph.Graph) []Subtree {
	root, ok := g.Nodes[g.RootID]
	if !ok {
		return nil
	}
	out := make([]Subtree, 0, len(root.Children))
	for _, id := range root.Children {
		n, ok := g.Nodes[id]
		if !ok {
			continue
		}
		out = append(out, Subtree{
			RootNodeID: id,
			Content:    n.Content,
			Size:       subtreeSize(g, id),
		})
	}
	return out
}

// subtreeSize counts the nodes reachable from id via children.
func subtreeSize(g *graph.Graph, id string) int {
	seen := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if n, ok := g.Nodes[cur]; ok {
			queue = append(queue, n.Children...)
		}
	}
	return len(seen)
}

// Partition groups subtrees into at most limit crawler assignments. Each
// subtree goes whole to one crawler; when there are more subtrees than
// crawlers, the smallest are combined (largest-first greedy into the
// currently lightest bucket).
func Partition(subtrees []Subtree, limit int) [][]Subtree {
	if limit <= 0 {
		limit = maxCrawlers
	}
	if len(subtrees) == 0 {
		return nil
	}

	sorted := append([]Subtree(nil), subtrees...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size > sorted[j].Size
		}
		return sorted[i].RootNodeID < sorted[j].RootNodeID
	})

	buckets := min(limit, len(sorted))
	out := make([][]Subtree, buckets)
	weights := make([]int, buckets)
	for _, st := range sorted {
		lightest := 0
		for i := 1; i < buckets; i++ {
			if weights[i] < weights[lightest] {
				lightest = i
			}
		}
		out[lightest] = append(out[lightest], st)
		weights[lightest] += st.Size
	}
	return out
}
