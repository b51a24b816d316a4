package graphtools

import "fmt"

// Role scopes a sub-agent's tool access. Two mechanisms enforce it: only the
// role's tools are registered on its MCP server, and [DisallowedTools] is
// passed to the agent runtime to fence off its built-ins. The disallow-list
// is authoritative — prompt wording never widens access.
type Role string

const (
	// RoleSearch navigates and reads; it can never mutate.
	RoleSearch Role = "search"

	// RoleIndexer records new facts after a turn. It reads via search and
	// context only — no graph walking, no filesystem.
	RoleIndexer Role = "indexer"

	// RoleCrawler explores one subtree during maintenance and reports
	// findings; it can never mutate.
	RoleCrawler Role = "crawler"

	// RoleResolver executes the maintenance actions judged safe. Full tool
	// access.
	RoleResolver Role = "resolver"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSearch, RoleIndexer, RoleCrawler, RoleResolver:
		return Role(s), nil
	}
	return "", fmt.Errorf("graphtools: unknown role %q", s)
}

// mutationTools are the tools that change the graph.
var mutationTools = []string{"create_node", "update_node", "delete_node", "add_link", "delete_link"}

// builtinFilesystemTools are the agent runtime's own filesystem/shell tools,
// disallowed for roles that must stay inside the graph.
var builtinFilesystemTools = []string{"Read", "Write", "Edit", "Bash"}

// ToolsForRole lists the graph tools registered on a role's MCP server.
func ToolsForRole(role Role) []string {
	switch role {
	case RoleSearch, RoleCrawler:
		return []string{"walk_graph", "search_nodes", "get_context"}
	case RoleIndexer:
		return append([]string{"search_nodes", "get_context"}, mutationTools...)
	case RoleResolver:
		return append([]string{"walk_graph", "search_nodes", "get_context"}, mutationTools...)
	}
	return nil
}

// DisallowedTools lists the tool names passed to the agent runtime's
// disallow flag for a role.
func DisallowedTools(role Role) []string {
	switch role {
	case RoleSearch, RoleCrawler:
		return append(append([]string{}, mutationTools...), builtinFilesystemTools...)
	case RoleIndexer:
		return append([]string{"walk_graph"}, builtinFilesystemTools...)
	case RoleResolver:
		return append([]string{}, builtinFilesystemTools...)
	}
	return nil
}

// ChatDisallowedTools fences the chat agent, which reaches the graph only
// through the coordinator's search_memories tool.
func ChatDisallowedTools() []string {
	return append(append([]string{"walk_graph"}, mutationTools...), builtinFilesystemTools...)
}

// WritesGraph reports whether the role is allowed to mutate the graph and
// therefore needs a persist hook on its tool server.
func (r Role) WritesGraph() bool {
	return r == RoleIndexer || r == RoleResolver
}
