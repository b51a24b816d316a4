package graphtools_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/gong8/willow/internal/mcp/graphtools"
	"github.com/gong8/willow/pkg/graph"
)

// callTool finds a tool by name in the role's table and invokes it.
func callTool(t *testing.T, svc *graphtools.Service, role graphtools.Role, name, args string) (string, error) {
	t.Helper()
	for _, tool := range svc.Tools(role) {
		if tool.Name == name {
			return tool.Handler(context.Background(), json.RawMessage(args))
		}
	}
	t.Fatalf("tool %q not registered for role %q", name, role)
	return "", nil
}

// newSampleService builds a service over root → Work → Jobs → "Acme Corp"
// plus People → Alice, with a link Alice → Acme.
func newSampleService(t *testing.T) (*graphtools.Service, map[string]string) {
	t.Helper()
	store := graph.NewStore()
	ids := map[string]string{}

	work, _ := store.CreateNode(store.RootID(), graph.NodeCategory, "Work", nil, nil)
	jobs, _ := store.CreateNode(work.ID, graph.NodeCollection, "Jobs", nil, nil)
	acme, _ := store.CreateNode(jobs.ID, graph.NodeEntity, "Acme Corp (2020–2023)", nil, nil)
	people, _ := store.CreateNode(store.RootID(), graph.NodeCategory, "People", nil, nil)
	alice, _ := store.CreateNode(people.ID, graph.NodeEntity, "Alice", nil, nil)
	link, _ := store.AddLink(alice.ID, acme.ID, graph.RelRelatedTo, false, 0.9)

	ids["root"] = store.RootID()
	ids["work"], ids["jobs"], ids["acme"], ids["people"], ids["alice"], ids["link"] =
		work.ID, jobs.ID, acme.ID, people.ID, alice.ID, link.ID
	return graphtools.NewService(store, nil), ids
}

func TestRoleScoping(t *testing.T) {
	t.Parallel()

	svc, _ := newSampleService(t)

	names := func(role graphtools.Role) map[string]bool {
		out := map[string]bool{}
		for _, tool := range svc.Tools(role) {
			out[tool.Name] = true
		}
		return out
	}

	search := names(graphtools.RoleSearch)
	if !search["walk_graph"] || search["create_node"] || search["delete_node"] {
		t.Fatalf("search tool set = %v", search)
	}
	indexer := names(graphtools.RoleIndexer)
	if indexer["walk_graph"] || !indexer["create_node"] || !indexer["add_link"] {
		t.Fatalf("indexer tool set = %v", indexer)
	}
	resolver := names(graphtools.RoleResolver)
	if len(resolver) != 8 {
		t.Fatalf("resolver tool set = %v", resolver)
	}

	// The disallow lists mirror the scoping.
	disallowed := strings.Join(graphtools.DisallowedTools(graphtools.RoleSearch), ",")
	if !strings.Contains(disallowed, "create_node") || !strings.Contains(disallowed, "Bash") {
		t.Fatalf("search disallow list = %q", disallowed)
	}
	if !strings.Contains(strings.Join(graphtools.DisallowedTools(graphtools.RoleIndexer), ","), "walk_graph") {
		t.Fatal("indexer disallow list missing walk_graph")
	}
}

func TestSearchNodesTool(t *testing.T) {
	t.Parallel()

	svc, _ := newSampleService(t)

	t.Run("valid query", func(t *testing.T) {
		t.Parallel()
		out, err := callTool(t, svc, graphtools.RoleSearch, "search_nodes", `{"query":"acme"}`)
		if err != nil {
			t.Fatalf("search_nodes: %v", err)
		}
		if !strings.Contains(out, "Acme Corp") {
			t.Fatalf("result = %s", out)
		}
	})

	t.Run("empty query rejected", func(t *testing.T) {
		t.Parallel()
		if _, err := callTool(t, svc, graphtools.RoleSearch, "search_nodes", `{"query":""}`); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("maxResults bounds", func(t *testing.T) {
		t.Parallel()
		if _, err := callTool(t, svc, graphtools.RoleSearch, "search_nodes", `{"query":"a","maxResults":51}`); err == nil {
			t.Fatal("expected validation error for maxResults 51")
		}
	})
}

func TestGetContextTool(t *testing.T) {
	t.Parallel()

	svc, ids := newSampleService(t)

	out, err := callTool(t, svc, graphtools.RoleSearch, "get_context", `{"nodeId":"`+ids["alice"]+`"}`)
	if err != nil {
		t.Fatalf("get_context: %v", err)
	}
	if !strings.Contains(out, "Alice") || !strings.Contains(out, "related_to") {
		t.Fatalf("result = %s", out)
	}

	if _, err := callTool(t, svc, graphtools.RoleSearch, "get_context", `{"nodeId":"`+ids["alice"]+`","depth":11}`); err == nil {
		t.Fatal("expected validation error for depth 11")
	}
	if _, err := callTool(t, svc, graphtools.RoleSearch, "get_context", `{"nodeId":"ghost"}`); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestMutationTools(t *testing.T) {
	t.Parallel()

	t.Run("create update delete", func(t *testing.T) {
		t.Parallel()
		svc, ids := newSampleService(t)

		out, err := callTool(t, svc, graphtools.RoleIndexer, "create_node",
			`{"parentId":"`+ids["people"]+`","nodeType":"entity","content":"Bob","metadata":{"source_type":"conversation"}}`)
		if err != nil {
			t.Fatalf("create_node: %v", err)
		}
		if !strings.Contains(out, "Created entity node") {
			t.Fatalf("ack = %q", out)
		}

		// Recover the new node id through search.
		res, err := callTool(t, svc, graphtools.RoleIndexer, "search_nodes", `{"query":"Bob"}`)
		if err != nil {
			t.Fatalf("search_nodes: %v", err)
		}
		var rows []graph.Summary
		if err := json.Unmarshal([]byte(res), &rows); err != nil || len(rows) != 1 {
			t.Fatalf("rows = %s (err %v)", res, err)
		}
		bobID := rows[0].ID

		if _, err := callTool(t, svc, graphtools.RoleIndexer, "update_node",
			`{"nodeId":"`+bobID+`","content":"Bob (brother)","reason":"clarified"}`); err != nil {
			t.Fatalf("update_node: %v", err)
		}
		out, err = callTool(t, svc, graphtools.RoleIndexer, "delete_node", `{"nodeId":"`+bobID+`"}`)
		if err != nil {
			t.Fatalf("delete_node: %v", err)
		}
		if !strings.Contains(out, "Deleted node") {
			t.Fatalf("ack = %q", out)
		}
	})

	t.Run("invalid node type", func(t *testing.T) {
		t.Parallel()
		svc, ids := newSampleService(t)
		if _, err := callTool(t, svc, graphtools.RoleIndexer, "create_node",
			`{"parentId":"`+ids["root"]+`","nodeType":"widget","content":"x"}`); err == nil {
			t.Fatal("expected nodeType validation error")
		}
	})

	t.Run("non-canonical relation", func(t *testing.T) {
		t.Parallel()
		svc, ids := newSampleService(t)
		if _, err := callTool(t, svc, graphtools.RoleIndexer, "add_link",
			`{"from":"`+ids["alice"]+`","to":"`+ids["acme"]+`","relation":"admires"}`); err == nil {
			t.Fatal("expected relation validation error")
		}
	})

	t.Run("update with nothing to do", func(t *testing.T) {
		t.Parallel()
		svc, ids := newSampleService(t)
		if _, err := callTool(t, svc, graphtools.RoleIndexer, "update_node",
			`{"nodeId":"`+ids["alice"]+`"}`); err == nil {
			t.Fatal("expected validation error")
		}
	})
}

func TestWalkGraphTool(t *testing.T) {
	t.Parallel()

	t.Run("start down down done", func(t *testing.T) {
		t.Parallel()
		svc, ids := newSampleService(t)

		out, err := callTool(t, svc, graphtools.RoleSearch, "walk_graph", `{"action":"start"}`)
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		var view graph.WalkView
		if err := json.Unmarshal([]byte(out), &view); err != nil {
			t.Fatalf("view parse: %v", err)
		}
		if view.Position.ID != ids["root"] || len(view.Children) != 2 {
			t.Fatalf("root view = %+v", view.Position)
		}

		out, err = callTool(t, svc, graphtools.RoleSearch, "walk_graph", `{"action":"down","nodeId":"`+ids["work"]+`"}`)
		if err != nil {
			t.Fatalf("down Work: %v", err)
		}
		if err := json.Unmarshal([]byte(out), &view); err != nil {
			t.Fatalf("view parse: %v", err)
		}
		// One-level lookahead shows Acme under Jobs.
		if len(view.Children) != 1 || !strings.Contains(strings.Join(view.Children[0].Grandchildren, " "), "Acme") {
			t.Fatalf("Work view children = %+v", view.Children)
		}

		if _, err := callTool(t, svc, graphtools.RoleSearch, "walk_graph", `{"action":"down","nodeId":"`+ids["jobs"]+`"}`); err != nil {
			t.Fatalf("down Jobs: %v", err)
		}
		out, err = callTool(t, svc, graphtools.RoleSearch, "walk_graph", `{"action":"done"}`)
		if err != nil {
			t.Fatalf("done: %v", err)
		}
		if !strings.Contains(out, ids["jobs"]) {
			t.Fatalf("done result = %s", out)
		}
	})

	t.Run("down to non-child rejected", func(t *testing.T) {
		t.Parallel()
		svc, ids := newSampleService(t)
		if _, err := callTool(t, svc, graphtools.RoleSearch, "walk_graph", `{"action":"start"}`); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := callTool(t, svc, graphtools.RoleSearch, "walk_graph", `{"action":"down","nodeId":"`+ids["acme"]+`"}`); err == nil {
			t.Fatal("expected error descending to a grandchild")
		}
	})

	t.Run("follow_link honours direction", func(t *testing.T) {
		t.Parallel()
		svc, ids := newSampleService(t)
		mustWalk := func(args string) {
			t.Helper()
			if _, err := callTool(t, svc, graphtools.RoleSearch, "walk_graph", args); err != nil {
				t.Fatalf("walk %s: %v", args, err)
			}
		}
		mustWalk(`{"action":"start"}`)
		mustWalk(`{"action":"down","nodeId":"` + ids["people"] + `"}`)
		mustWalk(`{"action":"down","nodeId":"` + ids["alice"] + `"}`)
		// Outgoing link Alice → Acme is followable.
		mustWalk(`{"action":"follow_link","nodeId":"` + ids["acme"] + `","linkId":"` + ids["link"] + `"}`)

		// From Acme the same link is incoming-only.
		if _, err := callTool(t, svc, graphtools.RoleSearch, "walk_graph",
			`{"action":"follow_link","nodeId":"`+ids["alice"]+`","linkId":"`+ids["link"]+`"}`); err == nil {
			t.Fatal("expected error following an incoming link")
		}
	})

	t.Run("movement before start rejected", func(t *testing.T) {
		t.Parallel()
		svc, ids := newSampleService(t)
		if _, err := callTool(t, svc, graphtools.RoleSearch, "walk_graph", `{"action":"down","nodeId":"`+ids["work"]+`"}`); err == nil {
			t.Fatal("expected walk-not-started error")
		}
	})

	t.Run("missing nodeId rejected", func(t *testing.T) {
		t.Parallel()
		svc, _ := newSampleService(t)
		if _, err := callTool(t, svc, graphtools.RoleSearch, "walk_graph", `{"action":"start"}`); err != nil {
			t.Fatal("start failed")
		}
		if _, err := callTool(t, svc, graphtools.RoleSearch, "walk_graph", `{"action":"up"}`); err == nil {
			t.Fatal("expected nodeId-required error")
		}
	})
}

func TestPersistHookRunsOnMutation(t *testing.T) {
	t.Parallel()

	store := graph.NewStore()
	persisted := 0
	svc := graphtools.NewService(store, func() error { persisted++; return nil })

	if _, err := callTool(t, svc, graphtools.RoleIndexer, "create_node",
		`{"parentId":"`+store.RootID()+`","nodeType":"category","content":"People"}`); err != nil {
		t.Fatalf("create_node: %v", err)
	}
	if persisted != 1 {
		t.Fatalf("persist hook ran %d times, want 1", persisted)
	}

	// Reads never persist.
	if _, err := callTool(t, svc, graphtools.RoleIndexer, "search_nodes", `{"query":"People"}`); err != nil {
		t.Fatalf("search_nodes: %v", err)
	}
	if persisted != 1 {
		t.Fatalf("persist hook ran %d times after read, want 1", persisted)
	}
}
