// Package vcs layers branch/commit semantics over the graph snapshot.
//
// The model is deliberately small: single writer per branch, last-writer-wins
// on file state, full graph state embedded in every commit. Commits are
// content-addressed (SHA-256 over parent hash, attribution, and state) and
// chained per branch. Metadata lives in a vcs/ directory alongside the
// snapshot file:
//
//	<snapshot dir>/vcs/refs.json        — current branch + branch heads
//	<snapshot dir>/vcs/commits/<hash>.json
//
// The key primitive is [VCS.CommitExternalChanges]: sub-agents run as
// separate processes and write the snapshot file directly, so the parent
// re-reads disk state, adopts it into the in-memory store, and commits the
// delta against the branch head.
package vcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gong8/willow/pkg/graph"
)

// Source attributes a commit to the actor that produced it.
type Source string

const (
	SourceConversation Source = "conversation"
	SourceMaintenance  Source = "maintenance"
	SourceManual       Source = "manual"
)

// IsValid reports whether s is a known commit source.
func (s Source) IsValid() bool {
	switch s {
	case SourceConversation, SourceMaintenance, SourceManual:
		return true
	}
	return false
}

// MainBranch is the branch created by [VCS.Init].
const MainBranch = "main"

// maintenancePrefix reserves the maintenance branch namespace for the
// enrichment pipeline.
const maintenancePrefix = "maintenance/"

// Sentinel errors. Wrapped with context; test with errors.Is.
var (
	ErrNotInitialized = errors.New("vcs: not initialized")
	ErrBranchNotFound = errors.New("vcs: branch not found")
	ErrBranchExists   = errors.New("vcs: branch already exists")
	ErrBranchReserved = errors.New("vcs: branch name reserved for maintenance")
	ErrBranchCurrent  = errors.New("vcs: cannot delete the current branch")
	ErrMergeConflict  = errors.New("vcs: merge conflict, diff sets overlap")
	ErrCommitNotFound = errors.New("vcs: commit not found")
	ErrInvalidSource  = errors.New("vcs: invalid commit source")
	ErrInvalidBranch  = errors.New("vcs: invalid branch name")
)

// CommitMeta is the attribution tuple carried by every commit.
type CommitMeta struct {
	// Message is the human-readable commit message.
	Message string `json:"message"`

	// Source attributes the commit to conversation, maintenance, or manual.
	Source Source `json:"source"`

	// ConversationID names the conversation for conversation-sourced commits.
	ConversationID string `json:"conversation_id,omitempty"`

	// JobID names the maintenance job for maintenance-sourced commits.
	JobID string `json:"job_id,omitempty"`

	// ToolName optionally names the tool that produced the mutation.
	ToolName string `json:"tool_name,omitempty"`

	// Summary is a short description of the change (e.g. the first 100
	// characters of the triggering user message).
	Summary string `json:"summary,omitempty"`
}

// Commit is one node in a branch's commit chain.
type Commit struct {
	Hash      string     `json:"hash"`
	Parent    string     `json:"parent,omitempty"`
	Meta      CommitMeta `json:"meta"`
	CreatedAt time.Time  `json:"created_at"`

	// Changes summarises the delta against the parent commit.
	Changes ChangeSet `json:"changes"`
}

// commitFile is the on-disk form of a commit: the [Commit] plus the full
// graph state at that commit.
type commitFile struct {
	Commit
	State json.RawMessage `json:"state"`
}

// branchRef tracks one branch's head and the commit it diverged from.
type branchRef struct {
	// Head is the hash of the branch's latest commit.
	Head string `json:"head"`

	// Base is the commit the branch was created from; merges diff both
	// sides against it.
	Base string `json:"base"`
}

// refsFile is the on-disk form of the branch table.
type refsFile struct {
	Current  string               `json:"current"`
	Branches map[string]branchRef `json:"branches"`
}

// VCS owns the snapshot file and its version metadata. The in-memory working
// state lives in the wrapped [graph.Store]; VCS keeps store and snapshot file
// in lockstep across commits, branch switches, and discards.
//
// All methods are safe for concurrent use.
type VCS struct {
	mu           sync.Mutex
	store        *graph.Store
	snapshotPath string
	dir          string
	refs         refsFile
	initialized  bool

	now func() time.Time
}

// New returns a VCS over store whose snapshot lives at snapshotPath.
// Call [VCS.Init] before any other method.
func New(store *graph.Store, snapshotPath string) *VCS {
	return &VCS{
		store:        store,
		snapshotPath: snapshotPath,
		dir:          filepath.Join(filepath.Dir(snapshotPath), "vcs"),
		now:          time.Now,
	}
}

// Init loads existing metadata, or creates the main branch with a commit of
// the current store state. It is idempotent.
func (v *VCS) Init() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.initialized {
		return nil
	}

	refsPath := filepath.Join(v.dir, "refs.json")
	data, err := os.ReadFile(refsPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &v.refs); err != nil {
			return fmt.Errorf("vcs: parse refs: %w", err)
		}
		v.initialized = true
		return nil
	case errors.Is(err, fs.ErrNotExist):
		// Fresh repository below.
	default:
		return fmt.Errorf("vcs: read refs: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(v.dir, "commits"), 0o755); err != nil {
		return fmt.Errorf("vcs: create metadata dir: %w", err)
	}

	state := v.store.Snapshot()
	if err := graph.SaveSnapshot(v.snapshotPath, state); err != nil {
		return err
	}

	c, err := v.writeCommit("", CommitMeta{Message: "Initial commit", Source: SourceManual}, state, Diff(graph.NewGraph(time.Time{}), state))
	if err != nil {
		return err
	}
	v.refs = refsFile{
		Current:  MainBranch,
		Branches: map[string]branchRef{MainBranch: {Head: c.Hash, Base: c.Hash}},
	}
	v.initialized = true
	return v.saveRefsLocked()
}

// CurrentBranch returns the checked-out branch name.
func (v *VCS) CurrentBranch() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return "", ErrNotInitialized
	}
	return v.refs.Current, nil
}

// Branches lists all branch names.
func (v *VCS) Branches() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return nil, ErrNotInitialized
	}
	names := make([]string, 0, len(v.refs.Branches))
	for name := range v.refs.Branches {
		names = append(names, name)
	}
	return names, nil
}

// CreateBranch creates a branch at the current branch's head. Names in the
// maintenance/ namespace are reserved; use [VCS.CreateMaintenanceBranch].
func (v *VCS) CreateBranch(name string) error {
	if strings.HasPrefix(name, maintenancePrefix) {
		return fmt.Errorf("%w: %q", ErrBranchReserved, name)
	}
	return v.createBranch(name)
}

// CreateMaintenanceBranch creates the reserved maintenance branch for jobID
// (first eight characters) and returns its full name.
func (v *VCS) CreateMaintenanceBranch(jobID string) (string, error) {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	name := maintenancePrefix + short
	if err := v.createBranch(name); err != nil {
		return "", err
	}
	return name, nil
}

func (v *VCS) createBranch(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidBranch, name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return ErrNotInitialized
	}
	if _, exists := v.refs.Branches[name]; exists {
		return fmt.Errorf("%w: %q", ErrBranchExists, name)
	}
	head := v.refs.Branches[v.refs.Current].Head
	v.refs.Branches[name] = branchRef{Head: head, Base: head}
	return v.saveRefsLocked()
}

// SwitchBranch checks out name: the branch head state becomes both the
// in-memory working graph and the on-disk snapshot. Uncommitted changes on
// the departing branch are discarded (single-writer, last-writer-wins).
func (v *VCS) SwitchBranch(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return ErrNotInitialized
	}
	ref, ok := v.refs.Branches[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrBranchNotFound, name)
	}
	state, err := v.loadState(ref.Head)
	if err != nil {
		return err
	}
	if err := v.store.Replace(state); err != nil {
		return err
	}
	if err := graph.SaveSnapshot(v.snapshotPath, state); err != nil {
		return err
	}
	v.refs.Current = name
	return v.saveRefsLocked()
}

// DeleteBranch removes a branch. The current branch cannot be deleted;
// commits remain on disk (they may be shared with other branches).
func (v *VCS) DeleteBranch(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return ErrNotInitialized
	}
	if name == v.refs.Current {
		return fmt.Errorf("%w: %q", ErrBranchCurrent, name)
	}
	if _, ok := v.refs.Branches[name]; !ok {
		return fmt.Errorf("%w: %q", ErrBranchNotFound, name)
	}
	delete(v.refs.Branches, name)
	return v.saveRefsLocked()
}

// HasPendingChanges reports whether the in-memory graph differs from the
// current branch head.
func (v *VCS) HasPendingChanges() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return false, ErrNotInitialized
	}
	head, err := v.loadState(v.refs.Branches[v.refs.Current].Head)
	if err != nil {
		return false, err
	}
	return !Diff(head, v.store.Snapshot()).Empty(), nil
}

// Commit writes a new commit on the current branch when the working graph
// differs from the branch head, persists the working state to the snapshot
// file, and returns the commit hash. It returns "" (and no error) when there
// is nothing to commit.
func (v *VCS) Commit(meta CommitMeta) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return "", ErrNotInitialized
	}
	return v.commitLocked(meta, v.store.Snapshot())
}

// CommitExternalChanges re-reads the snapshot file — which a sub-agent
// process may have rewritten — adopts it into the in-memory store, and
// commits the delta against the current branch head. Returns "" when the
// disk state matches the head.
func (v *VCS) CommitExternalChanges(meta CommitMeta) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return "", ErrNotInitialized
	}

	state, err := graph.LoadSnapshot(v.snapshotPath)
	if err != nil {
		return "", err
	}
	if err := v.store.Replace(state); err != nil {
		return "", err
	}
	return v.commitLocked(meta, state)
}

// commitLocked writes state as a commit on the current branch. Caller holds mu.
func (v *VCS) commitLocked(meta CommitMeta, state *graph.Graph) (string, error) {
	if meta.Source == "" {
		meta.Source = SourceManual
	}
	if !meta.Source.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, meta.Source)
	}

	ref := v.refs.Branches[v.refs.Current]
	head, err := v.loadState(ref.Head)
	if err != nil {
		return "", err
	}
	changes := Diff(head, state)
	if changes.Empty() {
		return "", nil
	}

	if err := graph.SaveSnapshot(v.snapshotPath, state); err != nil {
		return "", err
	}
	c, err := v.writeCommit(ref.Head, meta, state, changes)
	if err != nil {
		return "", err
	}
	ref.Head = c.Hash
	v.refs.Branches[v.refs.Current] = ref
	if err := v.saveRefsLocked(); err != nil {
		return "", err
	}
	return c.Hash, nil
}

// DiscardChanges resets the working graph and snapshot file to the current
// branch head.
func (v *VCS) DiscardChanges() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return ErrNotInitialized
	}
	head, err := v.loadState(v.refs.Branches[v.refs.Current].Head)
	if err != nil {
		return err
	}
	if err := v.store.Replace(head); err != nil {
		return err
	}
	return graph.SaveSnapshot(v.snapshotPath, head)
}

// MergeBranch merges name into the current branch. The merge succeeds only
// when the two branches' change sets against the merge base are disjoint at
// node-id and link-id granularity; otherwise [ErrMergeConflict] is returned
// and both branches remain intact. On success the merged state is committed
// on the current branch and its hash returned.
func (v *VCS) MergeBranch(name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return "", ErrNotInitialized
	}
	otherRef, ok := v.refs.Branches[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBranchNotFound, name)
	}
	currentRef := v.refs.Branches[v.refs.Current]

	base, err := v.loadState(otherRef.Base)
	if err != nil {
		return "", err
	}
	ours, err := v.loadState(currentRef.Head)
	if err != nil {
		return "", err
	}
	theirs, err := v.loadState(otherRef.Head)
	if err != nil {
		return "", err
	}

	ourChanges := Diff(base, ours)
	theirChanges := Diff(base, theirs)
	if theirChanges.Empty() {
		return "", nil
	}
	if !ourChanges.Disjoint(theirChanges) {
		return "", fmt.Errorf("%w: merging %q into %q", ErrMergeConflict, name, v.refs.Current)
	}

	merged := applyChanges(ours, theirs, theirChanges)
	if err := graph.Validate(merged); err != nil {
		// Disjoint edits can still collide structurally (e.g. one side
		// deleted the parent the other side added a child under).
		return "", fmt.Errorf("%w: %v", ErrMergeConflict, err)
	}

	source := SourceManual
	if strings.HasPrefix(name, maintenancePrefix) {
		source = SourceMaintenance
	}
	if err := v.store.Replace(merged); err != nil {
		return "", err
	}
	return v.commitLocked(CommitMeta{
		Message: fmt.Sprintf("Merge branch %q", name),
		Source:  source,
	}, merged)
}

// applyChanges overlays theirs' change set onto a clone of ours.
//
// Children lists are reconciled rather than copied: the diff deliberately
// ignores children membership (see nodesEqual), so the merge reattaches
// added and reparented nodes explicitly and strips removed ones.
func applyChanges(ours, theirs *graph.Graph, changes ChangeSet) *graph.Graph {
	merged := ours.Clone()

	detach := func(parentID, childID string) {
		if parent, ok := merged.Nodes[parentID]; ok {
			parent.Children = slices.DeleteFunc(parent.Children, func(c string) bool { return c == childID })
		}
	}
	attach := func(parentID, childID string) {
		parent, ok := merged.Nodes[parentID]
		if !ok {
			return
		}
		if !slices.Contains(parent.Children, childID) {
			parent.Children = append(parent.Children, childID)
		}
	}

	for _, id := range sortedIDs(changes.NodesRemoved) {
		if n, ok := merged.Nodes[id]; ok {
			detach(n.ParentID, id)
			delete(merged.Nodes, id)
		}
	}
	for _, id := range sortedIDs(changes.NodesModified) {
		incoming := theirs.Nodes[id].Clone()
		if current, ok := merged.Nodes[id]; ok {
			// Keep our side's children; reparent when theirs moved the node.
			incoming.Children = current.Children
			if incoming.ParentID != current.ParentID {
				detach(current.ParentID, id)
				attach(incoming.ParentID, id)
			}
		}
		merged.Nodes[id] = incoming
	}
	for _, id := range sortedIDs(changes.NodesAdded) {
		merged.Nodes[id] = theirs.Nodes[id].Clone()
	}
	for _, id := range sortedIDs(changes.NodesAdded) {
		attach(merged.Nodes[id].ParentID, id)
	}

	for _, groups := range [][]string{changes.LinksAdded, changes.LinksModified} {
		for _, id := range groups {
			merged.Links[id] = theirs.Links[id].Clone()
		}
	}
	for _, id := range changes.LinksRemoved {
		delete(merged.Links, id)
	}
	return merged
}

// sortedIDs returns a sorted copy for deterministic merge application.
func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// Log returns the current branch's commit chain, newest first, capped at
// limit (0 means no cap).
func (v *VCS) Log(limit int) ([]Commit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return nil, ErrNotInitialized
	}

	var out []Commit
	hash := v.refs.Branches[v.refs.Current].Head
	for hash != "" {
		cf, err := v.loadCommit(hash)
		if err != nil {
			return nil, err
		}
		out = append(out, cf.Commit)
		if limit > 0 && len(out) >= limit {
			break
		}
		hash = cf.Parent
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Persistence helpers
// ─────────────────────────────────────────────────────────────────────────────

// writeCommit persists state as a new commit with the given parent.
func (v *VCS) writeCommit(parent string, meta CommitMeta, state *graph.Graph, changes ChangeSet) (*commitFile, error) {
	encoded, err := graph.EncodeSnapshot(state)
	if err != nil {
		return nil, err
	}

	createdAt := v.now().UTC()
	h := sha256.New()
	h.Write([]byte(parent))
	h.Write(encoded)
	fmt.Fprintf(h, "%s|%s|%s|%s", meta.Message, meta.Source, meta.ConversationID, meta.JobID)
	fmt.Fprint(h, createdAt.UnixNano())

	cf := &commitFile{
		Commit: Commit{
			Hash:      hex.EncodeToString(h.Sum(nil)),
			Parent:    parent,
			Meta:      meta,
			CreatedAt: createdAt,
			Changes:   changes,
		},
		State: encoded,
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("vcs: encode commit: %w", err)
	}
	path := filepath.Join(v.dir, "commits", cf.Hash+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("vcs: write commit %s: %w", cf.Hash[:8], err)
	}
	return cf, nil
}

// loadCommit reads the commit file for hash.
func (v *VCS) loadCommit(hash string) (*commitFile, error) {
	data, err := os.ReadFile(filepath.Join(v.dir, "commits", hash+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, hash)
		}
		return nil, fmt.Errorf("vcs: read commit %s: %w", hash, err)
	}
	var cf commitFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("vcs: parse commit %s: %w", hash, err)
	}
	return &cf, nil
}

// loadState reads and decodes the graph state embedded in a commit.
func (v *VCS) loadState(hash string) (*graph.Graph, error) {
	cf, err := v.loadCommit(hash)
	if err != nil {
		return nil, err
	}
	return graph.DecodeSnapshot(cf.State)
}

// saveRefsLocked persists the branch table. Caller holds mu.
func (v *VCS) saveRefsLocked() error {
	data, err := json.MarshalIndent(v.refs, "", "  ")
	if err != nil {
		return fmt.Errorf("vcs: encode refs: %w", err)
	}
	if err := os.MkdirAll(v.dir, 0o755); err != nil {
		return fmt.Errorf("vcs: create metadata dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(v.dir, "refs.json"), data, 0o644); err != nil {
		return fmt.Errorf("vcs: write refs: %w", err)
	}
	return nil
}
