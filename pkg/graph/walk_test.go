package graph_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/gong8/willow/pkg/graph"
)

func TestWalkViewOf(t *testing.T) {
	t.Parallel()

	t.Run("path and children with lookahead", func(t *testing.T) {
		t.Parallel()
		s, ids := buildSampleGraph(t)
		view, err := s.WalkViewOf(ids["work"])
		if err != nil {
			t.Fatalf("WalkViewOf: %v", err)
		}
		if view.Position.ID != ids["work"] || view.Position.Content != "Work" {
			t.Fatalf("Position = %+v", view.Position)
		}
		if len(view.Path) != 2 || view.Path[0].ID != s.RootID() || view.Path[1].ID != ids["work"] {
			t.Fatalf("Path = %+v, want root → Work inclusive", view.Path)
		}
		if len(view.Children) != 1 || view.Children[0].ID != ids["jobs"] {
			t.Fatalf("Children = %+v", view.Children)
		}
		if len(view.Children[0].Grandchildren) != 1 || !strings.Contains(view.Children[0].Grandchildren[0], "Acme") {
			t.Fatalf("Grandchildren = %+v", view.Children[0].Grandchildren)
		}
	})

	t.Run("lookahead truncation", func(t *testing.T) {
		t.Parallel()
		s := graph.NewStore()
		a, _ := s.CreateNode(s.RootID(), graph.NodeCategory, "A", nil, nil)
		_, _ = s.CreateNode(a.ID, graph.NodeDetail, strings.Repeat("x", 200), nil, nil)
		view, err := s.WalkViewOf(s.RootID())
		if err != nil {
			t.Fatalf("WalkViewOf: %v", err)
		}
		gc := view.Children[0].Grandchildren[0]
		if len([]rune(gc)) != 81 { // 80 runes + ellipsis
			t.Fatalf("grandchild preview length = %d runes, want 81", len([]rune(gc)))
		}
	})

	t.Run("link directions and canFollow", func(t *testing.T) {
		t.Parallel()
		s := graph.NewStore()
		a, _ := s.CreateNode(s.RootID(), graph.NodeEntity, "A", nil, nil)
		b, _ := s.CreateNode(s.RootID(), graph.NodeEntity, "B", nil, nil)
		c, _ := s.CreateNode(s.RootID(), graph.NodeEntity, "C", nil, nil)
		out, _ := s.AddLink(a.ID, b.ID, graph.RelLeadsTo, false, 0)
		in, _ := s.AddLink(c.ID, a.ID, graph.RelCausedBy, false, 0)
		both, _ := s.AddLink(a.ID, c.ID, graph.RelSimilarTo, true, 0)

		view, err := s.WalkViewOf(a.ID)
		if err != nil {
			t.Fatalf("WalkViewOf: %v", err)
		}
		byID := map[string]graph.LinkView{}
		for _, lv := range view.Links {
			byID[lv.ID] = lv
		}
		if lv := byID[out.ID]; lv.Direction != graph.DirectionOutgoing || !lv.CanFollow || lv.OtherID != b.ID {
			t.Fatalf("outgoing link view = %+v", lv)
		}
		if lv := byID[in.ID]; lv.Direction != graph.DirectionIncoming || lv.CanFollow {
			t.Fatalf("incoming link view = %+v", lv)
		}
		if lv := byID[both.ID]; lv.Direction != graph.DirectionBoth || !lv.CanFollow {
			t.Fatalf("bidirectional link view = %+v", lv)
		}
	})

	t.Run("missing node", func(t *testing.T) {
		t.Parallel()
		s := graph.NewStore()
		if _, err := s.WalkViewOf("ghost"); !errors.Is(err, graph.ErrNodeNotFound) {
			t.Fatalf("expected ErrNodeNotFound, got %v", err)
		}
	})
}
