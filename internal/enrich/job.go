package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/gong8/willow/internal/agentrunner"
	"github.com/gong8/willow/internal/event"
	"github.com/gong8/willow/internal/mcp/graphtools"
	"github.com/gong8/willow/internal/observe"
	"github.com/gong8/willow/pkg/graph"
	"github.com/gong8/willow/pkg/graph/vcs"
)

// Maintenance phases reported through the progress callback.
const (
	PhaseBranching = "branching"
	PhasePrescan   = "prescan"
	PhaseCrawling  = "crawling"
	PhaseResolving = "resolving"
	PhaseMerging   = "merging"
	PhaseDone      = "done"
	PhaseFailed    = "failed"
)

// Progress is a live snapshot of a running maintenance job.
type Progress struct {
	JobID         string `json:"job_id"`
	Phase         string `json:"phase"`
	CrawlersDone  int    `json:"crawlers_done"`
	CrawlersTotal int    `json:"crawlers_total"`
	Findings      int    `json:"findings"`
}

// crawlerSystemPrompt steers one crawler over its assigned subtrees.
const crawlerSystemPrompt = `You are a maintenance crawler for a personal knowledge graph.

Explore only the subtrees assigned to you, using walk_graph and get_context.
Look for: duplicate nodes, contradictory facts, misnamed or missing or
redundant links, misplaced nodes, vague content, overcrowded categories, and
structures worth reorganising.

Reply with ONLY a JSON array of findings, each object shaped as
{"kind": "...", "severity": "critical"|"warning"|"suggestion",
 "description": "...", "nodeIds": [...], "linkIds": [...],
 "suggestedAction": "..."}.
Reply with [] if the subtrees are healthy.`

// resolverSystemPrompt steers the resolver.
const resolverSystemPrompt = `You are a maintenance resolver for a personal knowledge graph.

You receive findings from a structural pre-scan and from crawler agents.
Execute the repairs you judge safe, using the mutation tools: delete broken
links, reattach or remove orphans, merge true duplicates (keep the richer
node, move links, delete the other), and fix clearly misplaced nodes.
Skip anything ambiguous — it is better to leave a finding unresolved than to
destroy a fact the user told us. Do not invent new facts.`

// runnerFunc spawns one sub-agent. Swappable in tests.
type runnerFunc func(ctx context.Context, cfg agentrunner.Config, prompt string, emitter event.Emitter) agentrunner.Result

// Options wires a maintenance [Job].
type Options struct {
	// VCS manages the maintenance branch, its worktree, and the final merge.
	VCS *vcs.VCS

	// AgentCommand is the agent CLI argv prefix for crawler/resolver agents.
	AgentCommand []string

	// MCPBinary is the path to the willow-mcp tool server binary.
	MCPBinary string

	// MaxTurns caps each sub-agent's loop. Zero uses the runner default.
	MaxTurns int

	// OnProgress, when non-nil, receives phase transitions and counters.
	OnProgress func(Progress)
}

// Job is one maintenance run.
type Job struct {
	ID      string
	Trigger string

	opts Options
	run  runnerFunc

	progressMu sync.Mutex
	progress   Progress
}

// newJob builds a job; the run function is injectable for tests.
func newJob(trigger string, opts Options, run runnerFunc) *Job {
	if run == nil {
		run = func(ctx context.Context, cfg agentrunner.Config, prompt string, emitter event.Emitter) agentrunner.Result {
			return agentrunner.New(cfg).Run(ctx, prompt, emitter)
		}
	}
	id := uuid.NewString()
	return &Job{
		ID:      id,
		Trigger: trigger,
		opts:    opts,
		run:     run,
		progress: Progress{
			JobID: id,
			Phase: PhaseBranching,
		},
	}
}

// report publishes a progress update. Crawler goroutines report
// concurrently, so the snapshot is taken under the lock.
func (j *Job) report(mutate func(*Progress)) {
	j.progressMu.Lock()
	mutate(&j.progress)
	snapshot := j.progress
	j.progressMu.Unlock()
	if j.opts.OnProgress != nil {
		j.opts.OnProgress(snapshot)
	}
}

// Progress returns the job's latest progress snapshot.
func (j *Job) Progress() Progress {
	j.progressMu.Lock()
	defer j.progressMu.Unlock()
	return j.progress
}

// Run executes the maintenance flow inside an isolated branch worktree:
// conversation turns keep committing on the checked-out branch while the
// job's sub-agents read and write the worktree snapshot. Any mid-flight
// failure drops the worktree and the maintenance branch; the main line is
// never left half-repaired.
func (j *Job) Run(ctx context.Context) (err error) {
	v := j.opts.VCS
	if err := v.Init(); err != nil {
		return fmt.Errorf("enrich: %w", err)
	}

	branch, err := v.CreateMaintenanceBranch(j.ID)
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	wt, err := v.Worktree(branch)
	if err != nil {
		_ = v.DeleteBranch(branch)
		return fmt.Errorf("enrich: %w", err)
	}

	defer func() {
		if rerr := wt.Remove(); rerr != nil {
			slog.Warn("enrich: remove worktree", "job", j.ID, "err", rerr)
		}
		if err == nil {
			return
		}
		if derr := v.DeleteBranch(branch); derr != nil {
			slog.Warn("enrich: delete branch after failure", "job", j.ID, "err", derr)
		}
		j.report(func(p *Progress) { p.Phase = PhaseFailed })
	}()

	// ── Pre-scan ──────────────────────────────────────────────────────────────
	j.report(func(p *Progress) { p.Phase = PhasePrescan })
	g, err := graph.LoadSnapshotUnchecked(wt.Path())
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	findings := Prescan(g, time.Now().UTC())
	j.report(func(p *Progress) { p.Findings = len(findings) })
	slog.Info("enrich: pre-scan complete", "job", j.ID, "findings", len(findings))
	for _, f := range findings {
		observe.DefaultMetrics().MaintenanceFindings.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", f.Kind)))
	}

	// ── Crawlers ──────────────────────────────────────────────────────────────
	assignments := Partition(TopLevelSubtrees(g), maxCrawlers)
	j.report(func(p *Progress) {
		p.Phase = PhaseCrawling
		p.CrawlersTotal = len(assignments)
	})

	crawlFindings, err := j.runCrawlers(ctx, wt.Path(), g, assignments, findings)
	if err != nil {
		return err
	}
	findings = append(findings, crawlFindings...)
	j.report(func(p *Progress) { p.Findings = len(findings) })

	// ── Resolver ──────────────────────────────────────────────────────────────
	actions := 0
	if len(findings) > 0 {
		j.report(func(p *Progress) { p.Phase = PhaseResolving })
		actions = j.runResolver(ctx, wt.Path(), findings)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("enrich: %w", ctx.Err())
	}

	// ── Commit & merge ────────────────────────────────────────────────────────
	j.report(func(p *Progress) { p.Phase = PhaseMerging })
	if _, err := wt.CommitExternalChanges(vcs.CommitMeta{
		Message: fmt.Sprintf("Maintenance: %s enrichment (%d actions)", j.Trigger, actions),
		Source:  vcs.SourceMaintenance,
		JobID:   j.ID,
	}); err != nil {
		return fmt.Errorf("enrich: commit: %w", err)
	}
	observe.DefaultMetrics().Commits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", string(vcs.SourceMaintenance))))
	if _, err := v.MergeBranch(branch); err != nil {
		// The changes stay on the side branch for manual review.
		slog.Warn("enrich: merge failed, leaving maintenance branch", "job", j.ID, "branch", branch, "err", err)
		j.report(func(p *Progress) { p.Phase = PhaseDone })
		return nil
	}
	if err := v.DeleteBranch(branch); err != nil {
		slog.Warn("enrich: delete merged branch", "job", j.ID, "err", err)
	}
	j.report(func(p *Progress) { p.Phase = PhaseDone })
	slog.Info("enrich: complete", "job", j.ID, "trigger", j.Trigger, "findings", len(findings), "actions", actions)
	return nil
}

// runCrawlers fans the assignments out over parallel crawler sub-agents.
// Individual crawler failures are absorbed; a context abort is not.
func (j *Job) runCrawlers(ctx context.Context, snapshotPath string, g *graph.Graph, assignments [][]Subtree, prescan []Finding) ([]Finding, error) {
	var (
		eg, egCtx = errgroup.WithContext(ctx)
		results   = make([][]Finding, len(assignments))
	)
	for i, assigned := range assignments {
		eg.Go(func() error {
			res := j.run(egCtx, agentrunner.Config{
				Name:            fmt.Sprintf("crawler-%d", i+1),
				Command:         j.opts.AgentCommand,
				SystemPrompt:    crawlerSystemPrompt,
				MaxTurns:        j.opts.MaxTurns,
				DisallowedTools: graphtools.DisallowedTools(graphtools.RoleCrawler),
				MCPServers: map[string]agentrunner.MCPServer{
					"willow-graph": {
						Command: j.opts.MCPBinary,
						Args:    []string{"--role", string(graphtools.RoleCrawler), "--graph", snapshotPath},
					},
				},
			}, crawlerPrompt(g, assigned, relevantFindings(g, prescan, assigned)), event.EmitterFunc(func(event.Event) {}))

			results[i] = parseCrawlerFindings(res.Text)
			j.report(func(p *Progress) {
				p.CrawlersDone++
				p.Findings += len(results[i])
			})
			return egCtx.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("enrich: crawlers aborted: %w", err)
	}

	var out []Finding
	for _, fs := range results {
		for _, f := range fs {
			f.ID = crawlID(len(out) + 1)
			out = append(out, f)
		}
	}
	return out, nil
}

// runResolver hands all findings to the resolver agent and returns the
// number of mutations it executed.
func (j *Job) runResolver(ctx context.Context, snapshotPath string, findings []Finding) int {
	doc, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return 0
	}
	res := j.run(ctx, agentrunner.Config{
		Name:            "resolver",
		Command:         j.opts.AgentCommand,
		SystemPrompt:    resolverSystemPrompt,
		MaxTurns:        j.opts.MaxTurns,
		DisallowedTools: graphtools.DisallowedTools(graphtools.RoleResolver),
		MCPServers: map[string]agentrunner.MCPServer{
			"willow-graph": {
				Command: j.opts.MCPBinary,
				Args:    []string{"--role", string(graphtools.RoleResolver), "--graph", snapshotPath},
			},
		},
	}, "Findings to triage and repair:\n"+string(doc), event.EmitterFunc(func(event.Event) {}))

	actions := 0
	for _, call := range res.ToolCalls {
		switch call.Name {
		case "create_node", "update_node", "delete_node", "add_link", "delete_link":
			actions++
		}
	}
	return actions
}

// crawlerPrompt renders one crawler's assignment.
func crawlerPrompt(g *graph.Graph, assigned []Subtree, findings []Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The graph holds %d nodes and %d links.\n\n", len(g.Nodes), len(g.Links))
	b.WriteString("Your assigned subtrees:\n")
	for _, st := range assigned {
		fmt.Fprintf(&b, "- %s (node %s, %d nodes)\n", st.Content, st.RootNodeID, st.Size)
	}
	if len(findings) > 0 {
		b.WriteString("\nPre-scan findings touching your subtrees:\n")
		doc, _ := json.MarshalIndent(findings, "", "  ")
		b.Write(doc)
		b.WriteString("\n")
	}
	b.WriteString("\nExplore these subtrees and report your findings.")
	return b.String()
}

// relevantFindings filters pre-scan findings to those anchored inside the
// assigned subtrees. Findings with no node anchor (e.g. broken links) go to
// every crawler.
func relevantFindings(g *graph.Graph, findings []Finding, assigned []Subtree) []Finding {
	roots := make([]string, 0, len(assigned))
	for _, st := range assigned {
		roots = append(roots, st.RootNodeID)
	}
	inSubtree := func(nodeID string) bool {
		for hops := 0; hops <= len(g.Nodes); hops++ {
			if containsString(roots, nodeID) {
				return true
			}
			n, ok := g.Nodes[nodeID]
			if !ok || n.IsRoot() {
				return false
			}
			nodeID = n.ParentID
		}
		return false
	}
	var out []Finding
	for _, f := range findings {
		if len(f.NodeIDs) == 0 {
			out = append(out, f)
			continue
		}
		for _, id := range f.NodeIDs {
			if inSubtree(id) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// parseCrawlerFindings extracts the JSON findings array from a crawler's
// reply, tolerating prose around it. Unparseable output yields no findings.
func parseCrawlerFindings(text string) []Finding {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	var findings []Finding
	if err := json.Unmarshal([]byte(text[start:end+1]), &findings); err != nil {
		slog.Debug("enrich: unparseable crawler output", "err", err)
		return nil
	}
	var out []Finding
	for _, f := range findings {
		if f.Kind == "" || f.Description == "" {
			continue
		}
		if f.Severity != SeverityCritical && f.Severity != SeverityWarning && f.Severity != SeveritySuggestion {
			f.Severity = SeveritySuggestion
		}
		out = append(out, f)
	}
	return out
}
