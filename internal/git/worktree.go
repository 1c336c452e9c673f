// Package git handles git worktree operations for isolated task execution
package git

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// worktreeRoot is where isolated trees live, relative to the trunk workspace.
const worktreeRoot = ".outrider/worktrees"

// Merging mutates the shared trunk workspace. The scheduler never runs two
// merges concurrently, but the mutex keeps multi-manager setups from
// corrupting the git index.
var mergeMutex sync.Mutex

// Manager creates and reconciles per-agent git worktrees. Each agent gets one
// canonical worktree path and branch name per workspace, so creating a new
// tree always supersedes any stale one left by a crash.
type Manager struct {
	agent   string
	verbose bool
}

// Worktree is a live isolated tree bound to one task branch.
type Worktree struct {
	Path      string
	Branch    string
	Workspace string
}

// MergeOutcome classifies the result of reconciling a task branch into trunk.
type MergeOutcome int

const (
	// MergeMerged means the branch landed on trunk and was pushed.
	MergeMerged MergeOutcome = iota
	// MergeNotPushed means the merge succeeded locally but the push failed.
	// This is not a conflict and must not trigger the rebase fallback.
	MergeNotPushed
	// MergeConflict means both the direct merge and the rebase fallback
	// conflicted. Trunk is left unchanged; a human has to resolve it.
	MergeConflict
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeMerged:
		return "merged"
	case MergeNotPushed:
		return "merged-not-pushed"
	case MergeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// MergeResult reports how a reconciliation went.
type MergeResult struct {
	Outcome MergeOutcome
	Rebased bool
	Stashed bool
}

// NewManager creates a worktree manager for the given agent identity.
func NewManager(agent string) *Manager {
	return &Manager{agent: agent}
}

// SetVerbose enables or disables verbose logging
func (m *Manager) SetVerbose(v bool) {
	m.verbose = v
}

// BranchName returns the canonical task branch name for this agent.
func (m *Manager) BranchName(taskID string) string {
	return fmt.Sprintf("task-%s-%s", taskID, m.agent)
}

// Create makes a fresh worktree for a task. Returns (nil, nil) when the
// workspace is not a git repository, which callers treat as "run without
// isolation". Any stale worktree or branch at the canonical names is
// force-removed first.
func (m *Manager) Create(workspace, taskID string) (*Worktree, error) {
	if !isRepo(workspace) {
		if m.verbose {
			log.Printf("📁 %s is not a git repository, skipping worktree isolation", workspace)
		}
		return nil, nil
	}

	treeRoot := filepath.Join(workspace, worktreeRoot)
	if err := os.MkdirAll(treeRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree directory: %w", err)
	}
	m.ensureExcluded(workspace)

	path := filepath.Join(treeRoot, m.agent)
	branch := m.BranchName(taskID)

	// Stale entries from an interrupted run: remove the tree, prune
	// registrations, then delete whatever task branches this agent left
	// behind. The stale branch carries the PREVIOUS task's ID, so it has to
	// be found by pattern rather than name.
	_, _ = run(workspace, "worktree", "remove", "--force", path)
	_ = os.RemoveAll(path)
	_, _ = run(workspace, "worktree", "prune")
	m.deleteTaskBranches(workspace)

	if out, err := run(workspace, "worktree", "add", "-b", branch, path); err != nil {
		return nil, fmt.Errorf("creating worktree: %w\n%s", err, out)
	}

	if m.verbose {
		log.Printf("🌲 Created worktree %s on branch %s", path, branch)
	}
	return &Worktree{Path: path, Branch: branch, Workspace: workspace}, nil
}

// Commit commits all changes in the worktree.
// Returns (hasChanges, error) - hasChanges is true if changes were committed.
func (m *Manager) Commit(wt *Worktree, message string) (bool, error) {
	out, err := run(wt.Path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return false, nil
	}

	if out, err := run(wt.Path, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging changes: %w\n%s", err, out)
	}
	if out, err := run(wt.Path, "commit", "-m", message); err != nil {
		if strings.Contains(out, "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("committing: %w\n%s", err, out)
	}
	return true, nil
}

// Merge reconciles a task branch into the trunk workspace:
//
//  1. Stash any uncommitted trunk changes (best-effort).
//  2. Fast-forward-pull trunk; fall back to a regular pull; proceed either way.
//  3. Direct merge. Success → push (a push failure is reported as
//     merged-not-pushed, never as a conflict). Conflict → abort and try 4.
//  4. Rebase the task branch onto trunk head in its own worktree. A rebase
//     conflict is aborted and reported as a true conflict with trunk
//     untouched; a clean rebase fast-forwards into trunk and pushes.
//
// Most conflicts come from other agents advancing trunk mid-task, which the
// rebase resolves; a genuine content conflict is never silently forced.
func (m *Manager) Merge(workspace, branch string) (*MergeResult, error) {
	mergeMutex.Lock()
	defer mergeMutex.Unlock()

	res := &MergeResult{}
	res.Stashed = m.stash(workspace)
	defer m.restoreStash(workspace, res.Stashed)

	m.updateTrunk(workspace)

	message := fmt.Sprintf("outrider: merge %s", branch)
	if out, err := run(workspace, "merge", "--no-ff", branch, "-m", message); err == nil {
		res.Outcome = m.push(workspace)
		return res, nil
	} else if m.verbose {
		log.Printf("🔀 Direct merge of %s conflicted, trying rebase fallback:\n%s", branch, out)
	}
	_, _ = run(workspace, "merge", "--abort")

	wtPath, ok := m.worktreeFor(workspace, branch)
	if !ok {
		res.Outcome = MergeConflict
		return res, nil
	}

	trunk, err := currentBranch(workspace)
	if err != nil {
		res.Outcome = MergeConflict
		return res, nil
	}

	if out, err := run(wtPath, "rebase", trunk); err != nil {
		// Fallback exhausted. Leave trunk exactly as it was.
		_, _ = run(wtPath, "rebase", "--abort")
		if m.verbose {
			log.Printf("⛔ Rebase of %s onto %s also conflicted:\n%s", branch, trunk, out)
		}
		res.Outcome = MergeConflict
		return res, nil
	}
	res.Rebased = true

	if out, err := run(workspace, "merge", "--ff-only", branch); err != nil {
		log.Printf("⛔ Fast-forward after clean rebase of %s failed unexpectedly:\n%s", branch, out)
		res.Outcome = MergeConflict
		return res, nil
	}

	res.Outcome = m.push(workspace)
	return res, nil
}

// Cleanup removes a worktree and its branch, best-effort. Already-clean state
// is a success condition, not an error.
func (m *Manager) Cleanup(workspace, branch string) {
	path := filepath.Join(workspace, worktreeRoot, m.agent)
	_, _ = run(workspace, "worktree", "remove", "--force", path)
	if _, err := os.Stat(path); err == nil {
		_ = os.RemoveAll(path)
	}
	_, _ = run(workspace, "branch", "-D", branch)
	_, _ = run(workspace, "worktree", "prune")
}

// List returns the isolated trees currently present in the workspace, one per
// agent slot.
func (m *Manager) List(workspace string) ([]Worktree, error) {
	treeRoot := filepath.Join(workspace, worktreeRoot)
	entries, err := os.ReadDir(treeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading worktree directory: %w", err)
	}

	var trees []Worktree
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(treeRoot, entry.Name())
		branch := ""
		if out, err := run(path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
			branch = strings.TrimSpace(out)
		}
		trees = append(trees, Worktree{Path: path, Branch: branch, Workspace: workspace})
	}
	return trees, nil
}

// PruneStale erases every trace of a prior run: dangling worktree
// registrations plus all directory entries under the isolated-trees root.
func (m *Manager) PruneStale(workspace string) {
	if !isRepo(workspace) {
		return
	}
	_, _ = run(workspace, "worktree", "prune")

	treeRoot := filepath.Join(workspace, worktreeRoot)
	entries, err := os.ReadDir(treeRoot)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(treeRoot, entry.Name())
		_, _ = run(workspace, "worktree", "remove", "--force", path)
		_ = os.RemoveAll(path)
		if m.verbose {
			log.Printf("🗑️  Pruned stale worktree %s", path)
		}
	}
	_, _ = run(workspace, "worktree", "prune")
}

// deleteTaskBranches force-deletes every task branch belonging to this agent.
// By the time this runs the worktree holding them is gone, so -D cannot hit a
// checked-out branch.
func (m *Manager) deleteTaskBranches(workspace string) {
	out, err := run(workspace, "branch", "--list", "task-*-"+m.agent, "--format", "%(refname:short)")
	if err != nil {
		return
	}
	for _, name := range strings.Fields(out) {
		_, _ = run(workspace, "branch", "-D", name)
	}
}

// stash saves uncommitted trunk changes, reporting whether anything was
// actually stashed.
func (m *Manager) stash(workspace string) bool {
	out, err := run(workspace, "stash", "push", "--include-untracked", "-m", "outrider-automerge")
	if err != nil {
		return false
	}
	return !strings.Contains(out, "No local changes")
}

func (m *Manager) restoreStash(workspace string, stashed bool) {
	if !stashed {
		return
	}
	if out, err := run(workspace, "stash", "pop"); err != nil {
		log.Printf("⚠️  Could not restore stashed trunk changes:\n%s", out)
	}
}

// updateTrunk brings trunk up to date with upstream. All failures are
// tolerated: the merge may still succeed against a slightly stale trunk.
func (m *Manager) updateTrunk(workspace string) {
	if _, err := run(workspace, "pull", "--ff-only"); err == nil {
		return
	}
	if _, err := run(workspace, "pull", "--no-rebase"); err != nil && m.verbose {
		log.Printf("⚠️  Could not update trunk in %s, merging against local head", workspace)
	}
}

// push pushes trunk, classifying failure as merged-not-pushed.
func (m *Manager) push(workspace string) MergeOutcome {
	if out, err := run(workspace, "push"); err != nil {
		log.Printf("⚠️  Merge succeeded but push failed:\n%s", out)
		return MergeNotPushed
	}
	return MergeMerged
}

// worktreeFor locates the worktree directory currently holding a branch.
func (m *Manager) worktreeFor(workspace, branch string) (string, bool) {
	out, err := run(workspace, "worktree", "list", "--porcelain")
	if err != nil {
		return "", false
	}

	var path string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			path = p
			continue
		}
		if ref, ok := strings.CutPrefix(line, "branch "); ok && ref == "refs/heads/"+branch {
			return path, true
		}
	}
	return "", false
}

// ensureExcluded keeps the isolated-trees directory out of version control
// without touching the repository's own .gitignore.
func (m *Manager) ensureExcluded(workspace string) {
	exclude := filepath.Join(workspace, ".git", "info", "exclude")
	data, err := os.ReadFile(exclude)
	if err == nil && strings.Contains(string(data), ".outrider/") {
		return
	}
	if err := os.MkdirAll(filepath.Dir(exclude), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(exclude, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(".outrider/\n")
}

func currentBranch(workspace string) (string, error) {
	out, err := run(workspace, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving trunk branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func isRepo(workspace string) bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = workspace
	return cmd.Run() == nil
}

func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
