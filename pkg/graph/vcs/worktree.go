package vcs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gong8/willow/pkg/graph"
)

// Worktree is an isolated working copy of one branch: its own snapshot file
// materialised from the branch head, committed back onto that branch without
// ever touching the checked-out branch's store or snapshot.
//
// This is how maintenance achieves isolation: the enrichment job's
// sub-agents read and write the worktree snapshot while conversation turns
// keep committing on the current branch. The two lines meet again only at
// merge time.
type Worktree struct {
	v      *VCS
	branch string
	dir    string
	path   string
}

// Worktree materialises branch's head state under the VCS metadata
// directory and returns a handle for committing onto that branch.
func (v *VCS) Worktree(branch string) (*Worktree, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.initialized {
		return nil, ErrNotInitialized
	}
	ref, ok := v.refs.Branches[branch]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBranchNotFound, branch)
	}
	state, err := v.loadState(ref.Head)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(v.dir, "worktrees", sanitizeBranch(branch))
	path := filepath.Join(dir, "graph.json")
	if err := graph.SaveSnapshot(path, state); err != nil {
		return nil, err
	}
	return &Worktree{v: v, branch: branch, dir: dir, path: path}, nil
}

// Branch returns the branch this worktree commits onto.
func (w *Worktree) Branch() string { return w.branch }

// Path returns the worktree's snapshot file, handed to sub-agent processes.
func (w *Worktree) Path() string { return w.path }

// CommitExternalChanges re-reads the worktree snapshot and commits the delta
// onto the worktree's branch. The checked-out branch is untouched. Returns
// "" when the worktree matches the branch head.
func (w *Worktree) CommitExternalChanges(meta CommitMeta) (string, error) {
	if meta.Source == "" {
		meta.Source = SourceManual
	}
	if !meta.Source.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, meta.Source)
	}

	state, err := graph.LoadSnapshot(w.path)
	if err != nil {
		return "", err
	}

	v := w.v
	v.mu.Lock()
	defer v.mu.Unlock()
	ref, ok := v.refs.Branches[w.branch]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBranchNotFound, w.branch)
	}
	head, err := v.loadState(ref.Head)
	if err != nil {
		return "", err
	}
	changes := Diff(head, state)
	if changes.Empty() {
		return "", nil
	}
	c, err := v.writeCommit(ref.Head, meta, state, changes)
	if err != nil {
		return "", err
	}
	ref.Head = c.Hash
	v.refs.Branches[w.branch] = ref
	if err := v.saveRefsLocked(); err != nil {
		return "", err
	}
	return c.Hash, nil
}

// Remove deletes the worktree directory. The branch and its commits remain.
func (w *Worktree) Remove() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("vcs: remove worktree %q: %w", w.branch, err)
	}
	return nil
}

// sanitizeBranch flattens a branch name into a directory component.
func sanitizeBranch(name string) string {
	return strings.ReplaceAll(name, "/", "__")
}
