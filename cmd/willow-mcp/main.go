// Command willow-mcp is the MCP tool server spawned inside sub-agent
// sessions. It is the only bridge between a sub-agent process and the graph:
// the agent runtime launches it over stdio, it loads the snapshot from disk,
// and writer roles persist every mutation straight back to the snapshot file
// (the parent engine picks the delta up via commit-external-changes).
//
// Two modes:
//
//	willow-mcp --role search|indexer|crawler|resolver --graph <path>
//	    serve the role's graph tools over the given snapshot.
//
//	willow-mcp --role coordinator --graph <path> --agent-cmd "<argv>"
//	    serve the chat agent's search_memories tool, which spawns the
//	    search sub-agent itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gong8/willow/internal/mcp/coordinator"
	"github.com/gong8/willow/internal/mcp/graphtools"
	"github.com/gong8/willow/internal/mcp/mcpserve"
	"github.com/gong8/willow/pkg/graph"
)

func main() {
	os.Exit(run())
}

func run() int {
	role := flag.String("role", "", "tool server role: search, indexer, crawler, resolver, or coordinator")
	graphPath := flag.String("graph", graph.DefaultSnapshotPath(), "path to the graph snapshot")
	agentCmd := flag.String("agent-cmd", "", "agent CLI command for coordinator mode (space-separated)")
	maxTurns := flag.Int("max-turns", 0, "max turns for sub-agents spawned in coordinator mode")
	flag.Parse()

	// Logs go to stderr; stdout belongs to the MCP transport.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *role == "coordinator" {
		return runCoordinator(ctx, *graphPath, *agentCmd, *maxTurns)
	}

	parsed, err := graphtools.ParseRole(*role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "willow-mcp: %v\n", err)
		return 2
	}

	g, err := graph.LoadSnapshot(*graphPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "willow-mcp: %v\n", err)
		return 1
	}
	store, err := graph.NewStoreFromGraph(g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "willow-mcp: %v\n", err)
		return 1
	}

	var persist func() error
	if parsed.WritesGraph() {
		persist = func() error {
			return graph.SaveSnapshot(*graphPath, store.Snapshot())
		}
	}
	svc := graphtools.NewService(store, persist)

	if err := mcpserve.Serve(ctx, "willow-graph", svc.Tools(parsed)); err != nil && ctx.Err() == nil {
		slog.Error("tool server failed", "role", *role, "err", err)
		return 1
	}
	return 0
}

// runCoordinator serves the chat agent's search_memories tool.
func runCoordinator(ctx context.Context, graphPath, agentCmd string, maxTurns int) int {
	if strings.TrimSpace(agentCmd) == "" {
		fmt.Fprintln(os.Stderr, "willow-mcp: coordinator mode requires --agent-cmd")
		return 2
	}
	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "willow-mcp: resolve executable: %v\n", err)
		return 1
	}

	tool := coordinator.Tool(coordinator.Config{
		AgentCommand: strings.Fields(agentCmd),
		SelfPath:     self,
		GraphPath:    graphPath,
		MaxTurns:     maxTurns,
	})
	if err := mcpserve.Serve(ctx, "willow-coordinator", []graphtools.Tool{tool}); err != nil && ctx.Err() == nil {
		slog.Error("coordinator server failed", "err", err)
		return 1
	}
	return 0
}
