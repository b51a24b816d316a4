// Package app wires the Willow memory engine together: graph store, version
// control, conversation persistence, stream manager, agentic pipeline,
// maintenance scheduler, and the HTTP edge.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gong8/willow/internal/config"
	"github.com/gong8/willow/internal/convstore"
	"github.com/gong8/willow/internal/enrich"
	"github.com/gong8/willow/internal/observe"
	"github.com/gong8/willow/internal/pipeline"
	"github.com/gong8/willow/internal/server"
	"github.com/gong8/willow/internal/stream"
	"github.com/gong8/willow/pkg/graph"
	"github.com/gong8/willow/pkg/graph/vcs"
)

// App owns the engine's long-lived components.
type App struct {
	cfg *config.Config

	store     *graph.Store
	vcs       *vcs.VCS
	conv      convstore.Store
	streams   *stream.Manager
	scheduler *enrich.Scheduler

	httpServer *http.Server
}

// New builds the engine from cfg. A snapshot that fails invariant validation
// is fatal — the engine refuses to start and mutate on corrupt state.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	g, err := graph.LoadSnapshot(cfg.Graph.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	store, err := graph.NewStoreFromGraph(g)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	v := vcs.New(store, cfg.Graph.SnapshotPath)
	if err := v.Init(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	conv, err := openConversationStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	streams := stream.NewManager(conv)

	pl := pipeline.New(pipeline.Config{
		AgentCommand: cfg.Agent.Command,
		MCPBinary:    cfg.Agent.MCPBinary,
		GraphPath:    cfg.Graph.SnapshotPath,
		MaxTurns:     cfg.Agent.MaxTurns,
	}, v)

	scheduler := enrich.NewScheduler(enrich.Options{
		VCS:          v,
		AgentCommand: cfg.Agent.Command,
		MCPBinary:    cfg.Agent.MCPBinary,
		MaxTurns:     cfg.Agent.MaxTurns,
		OnProgress: func(p enrich.Progress) {
			slog.Info("maintenance progress",
				"job", p.JobID,
				"phase", p.Phase,
				"crawlers", fmt.Sprintf("%d/%d", p.CrawlersDone, p.CrawlersTotal),
				"findings", p.Findings,
			)
		},
	}, enrich.WithThreshold(cfg.Maintenance.Threshold))

	srv := server.New(conv, streams, pl, store, v, scheduler, observe.MetricsHandler())

	return &App{
		cfg:       cfg,
		store:     store,
		vcs:       v,
		conv:      conv,
		streams:   streams,
		scheduler: scheduler,
		httpServer: &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// openConversationStore builds the configured conversation backend.
func openConversationStore(ctx context.Context, cfg *config.Config) (convstore.Store, error) {
	switch cfg.Conversations.Backend {
	case config.BackendMemory:
		return convstore.NewMemStore(), nil
	case config.BackendSQLite:
		s, err := convstore.OpenSQLite(cfg.Conversations.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return s, nil
	case config.BackendPostgres:
		s, err := convstore.OpenPostgres(ctx, cfg.Conversations.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("app: unknown conversations backend %q", cfg.Conversations.Backend)
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
		errCh <- a.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the HTTP server and closes backend resources.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := a.conv.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
