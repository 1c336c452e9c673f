// Package scheduler drives the single-task work loop: claim, isolate,
// execute, reconcile, repeat.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cloud-shuttle/outrider/internal/agent"
	"github.com/cloud-shuttle/outrider/internal/approval"
	"github.com/cloud-shuttle/outrider/internal/events"
	"github.com/cloud-shuttle/outrider/internal/git"
	"github.com/cloud-shuttle/outrider/internal/tracker"
	"github.com/cloud-shuttle/outrider/pkg/types"
)

// TaskSource is the slice of the tracker store the scheduler needs.
type TaskSource interface {
	ListByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error)
	Get(ctx context.Context, id string) (*types.Task, error)
	SetStatus(ctx context.Context, id string, status types.TaskStatus) error
	AddComment(ctx context.Context, id, body string) error
	Complete(ctx context.Context, id string, report *types.Report) (*tracker.CompleteResult, error)
	Fail(ctx context.Context, id, reason string) error
}

// WorktreeManager isolates task execution and reconciles results into trunk.
type WorktreeManager interface {
	Create(workspace, taskID string) (*git.Worktree, error)
	Commit(wt *git.Worktree, message string) (bool, error)
	Merge(workspace, branch string) (*git.MergeResult, error)
	Cleanup(workspace, branch string)
	PruneStale(workspace string)
}

// AgentRunner executes the coding agent against a directory.
type AgentRunner interface {
	Run(ctx context.Context, dir string, task *types.Task) *agent.Result
	Kill()
}

// Approver gates execution behind a human decision. A nil Approver
// auto-approves.
type Approver interface {
	RequestApproval(ctx context.Context, task *types.Task) (approval.Decision, error)
}

// Recoverer runs the crash and staleness scans.
type Recoverer interface {
	StartupScan(ctx context.Context) error
	RuntimeScan(ctx context.Context) error
}

// Options tunes the work loop.
type Options struct {
	Agent           string
	Workspace       string
	PollInterval    time.Duration
	RequireApproval bool
	// RuntimeScanSpec is a cron expression for the stale-task sweep.
	RuntimeScanSpec string
	Verbose         bool
}

// Scheduler runs one task at a time for one agent identity.
type Scheduler struct {
	store    TaskSource
	trees    WorktreeManager
	runner   AgentRunner
	recovery Recoverer
	approver Approver
	bus      *events.Bus
	opts     Options

	sleep sleeper
	busy  atomic.Bool
	inbox chan *events.Event
}

// New creates a scheduler. bus, approver and recovery may be nil.
func New(store TaskSource, trees WorktreeManager, runner AgentRunner, recovery Recoverer, approver Approver, bus *events.Bus, opts Options) *Scheduler {
	if opts.PollInterval == 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.RuntimeScanSpec == "" {
		opts.RuntimeScanSpec = "@every 1m"
	}
	return &Scheduler{
		store:    store,
		trees:    trees,
		runner:   runner,
		recovery: recovery,
		approver: approver,
		bus:      bus,
		opts:     opts,
	}
}

// Run executes the work loop until ctx is cancelled. On entry it recovers
// tasks orphaned by a prior crash and prunes their worktrees; while running,
// a cron sweep resets tasks that went stale under this process.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.checkApprovalWiring(); err != nil {
		return err
	}
	if s.recovery != nil {
		if err := s.recovery.StartupScan(ctx); err != nil {
			log.Printf("⚠️  Startup recovery scan: %v", err)
		}
	}
	s.trees.PruneStale(s.opts.Workspace)

	c := cron.New()
	if s.recovery != nil {
		if _, err := c.AddFunc(s.opts.RuntimeScanSpec, func() {
			if err := s.recovery.RuntimeScan(ctx); err != nil {
				log.Printf("⚠️  Runtime recovery scan: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid runtime scan spec %q: %w", s.opts.RuntimeScanSpec, err)
		}
	}
	c.Start()
	defer c.Stop()

	if s.bus != nil {
		s.inbox = s.bus.Subscribe("scheduler")
		defer s.bus.Unsubscribe(s.inbox)
	}

	log.Printf("🚜 Scheduler running as %s (poll %s)", s.opts.Agent, s.opts.PollInterval)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.drainInbox()
		worked, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("⚠️  Work cycle failed: %v", err)
		}
		if worked {
			// More work may be queued behind the one we just finished.
			continue
		}
		if s.sleep.sleep(ctx, s.opts.PollInterval) && s.opts.Verbose {
			log.Printf("🔔 Woken early by push notification")
		}
	}
}

// drainInbox consumes every queued notification before a claim is attempted,
// so a burst of wakes never produces more than one extra cycle.
func (s *Scheduler) drainInbox() {
	if s.inbox == nil {
		return
	}
	for {
		select {
		case ev, ok := <-s.inbox:
			if !ok {
				s.inbox = nil
				return
			}
			if s.opts.Verbose {
				log.Printf("📨 Drained %s for task %s", ev.Type, ev.TaskID)
			}
		default:
			return
		}
	}
}

// Wake interrupts the idle pause so the next cycle starts immediately.
func (s *Scheduler) Wake() {
	s.sleep.Wake()
}

// Kill forcibly terminates the in-flight agent. This is the second shutdown
// signal: the first cancels ctx and lets the agent wind down gracefully.
func (s *Scheduler) Kill() {
	s.runner.Kill()
}

// RunOnce claims and executes at most one task, reporting whether it did any
// work. Overlapping cycles are rejected: a wake that lands mid-execution is
// simply absorbed.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	if err := s.checkApprovalWiring(); err != nil {
		return false, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer s.busy.Store(false)

	task, err := s.claimNext(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, s.execute(ctx, task)
}

// claimNext picks the most urgent claimable task: lowest priority number
// first, oldest first within a priority.
func (s *Scheduler) claimNext(ctx context.Context) (*types.Task, error) {
	tasks, err := s.store.ListByStatus(ctx, types.TaskStatusAssigned)
	if err != nil {
		return nil, fmt.Errorf("listing assigned tasks: %w", err)
	}

	var mine []*types.Task
	for _, t := range tasks {
		if t.Assignee == s.opts.Agent {
			mine = append(mine, t)
		}
	}
	if len(mine) == 0 {
		return nil, nil
	}

	sort.Slice(mine, func(i, j int) bool {
		if mine[i].Priority != mine[j].Priority {
			return mine[i].Priority < mine[j].Priority
		}
		return mine[i].UpdatedAt.Before(mine[j].UpdatedAt)
	})
	return mine[0], nil
}

// checkApprovalWiring refuses a configuration where the human gate is
// demanded but nobody can answer it: silently auto-approving would run every
// task with zero gating.
func (s *Scheduler) checkApprovalWiring() error {
	if s.opts.RequireApproval && s.approver == nil {
		return fmt.Errorf("approval is required but no approval channel is configured")
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, task *types.Task) error {
	log.Printf("🎯 Claimed task %s (priority %d): %s", task.ID, task.Priority, task.Title)

	// Listings carry only the record fields; the plan the approver judges and
	// the agent executes lives in the comment history, so resolve the task in
	// full before anyone reads it.
	if resolved, err := s.store.Get(ctx, task.ID); err != nil {
		log.Printf("⚠️  Could not resolve task %s in full, proceeding without its plan: %v", task.ID, err)
	} else {
		task = resolved
	}

	if s.opts.RequireApproval {
		approved, err := s.gateApproval(ctx, task)
		if err != nil || !approved {
			return err
		}
	}

	if err := s.store.SetStatus(ctx, task.ID, types.TaskStatusInProgress); err != nil {
		return fmt.Errorf("claiming task %s: %w", task.ID, err)
	}
	s.publish(ctx, events.EventTaskClaimed, task.ID, nil)

	wt, err := s.trees.Create(s.opts.Workspace, task.ID)
	if err != nil {
		reason := fmt.Sprintf("could not prepare an isolated worktree: %v", err)
		s.fail(ctx, task, reason)
		return nil
	}

	// A nil worktree means the workspace is not a git repository; the agent
	// runs directly in it with no isolation and no merge step.
	dir := s.opts.Workspace
	if wt != nil {
		dir = wt.Path
	}

	res := s.runner.Run(ctx, dir, task)
	if !res.Success {
		reason := fmt.Sprintf("agent failed (exit %d after %s): %v", res.ExitCode, res.Duration.Round(time.Second), res.Err)
		s.fail(ctx, task, reason)
		if wt != nil {
			s.trees.Cleanup(s.opts.Workspace, wt.Branch)
		}
		return nil
	}

	if wt == nil {
		s.complete(ctx, task, res)
		return nil
	}

	if _, err := s.trees.Commit(wt, fmt.Sprintf("outrider: task %s: %s", task.ID, task.Title)); err != nil {
		s.fail(ctx, task, fmt.Sprintf("could not commit agent changes: %v", err))
		s.trees.Cleanup(s.opts.Workspace, wt.Branch)
		return nil
	}

	merge, err := s.trees.Merge(s.opts.Workspace, wt.Branch)
	if err != nil {
		s.fail(ctx, task, fmt.Sprintf("merge failed: %v", err))
		s.trees.Cleanup(s.opts.Workspace, wt.Branch)
		return nil
	}

	switch merge.Outcome {
	case git.MergeConflict:
		// The branch stays for a human; only the registration is pruned on
		// the next startup.
		s.publish(ctx, events.EventMergeConflict, task.ID, map[string]any{"branch": wt.Branch})
		s.fail(ctx, task, fmt.Sprintf(
			"merge conflict with trunk; branch %s is left in place for manual resolution", wt.Branch))
		return nil
	case git.MergeNotPushed:
		s.comment(ctx, task.ID, "Merged into trunk locally, but the push failed; push manually.")
	}

	s.publish(ctx, events.EventMergeCompleted, task.ID, map[string]any{
		"branch":  wt.Branch,
		"rebased": merge.Rebased,
	})
	s.complete(ctx, task, res)
	s.trees.Cleanup(s.opts.Workspace, wt.Branch)
	return nil
}

// gateApproval asks the human channel before running anything. A rejection
// (explicit or by timeout) sends the task back to draft for replanning.
func (s *Scheduler) gateApproval(ctx context.Context, task *types.Task) (bool, error) {
	decision, err := s.approver.RequestApproval(ctx, task)
	if err != nil {
		return false, fmt.Errorf("approval request for %s: %w", task.ID, err)
	}
	if decision != approval.Approved {
		log.Printf("🚫 Task %s was not approved, returning to draft", task.ID)
		s.comment(ctx, task.ID, "Plan was not approved; task returned to draft for replanning.")
		if err := s.store.SetStatus(ctx, task.ID, types.TaskStatusDraft); err != nil {
			return false, fmt.Errorf("returning %s to draft: %w", task.ID, err)
		}
		return false, nil
	}
	s.publish(ctx, events.EventTaskApproved, task.ID, nil)
	return true, nil
}

func (s *Scheduler) complete(ctx context.Context, task *types.Task, res *agent.Result) {
	report := &types.Report{Summary: summarize(res.Output)}
	result, err := s.store.Complete(ctx, task.ID, report)
	if err != nil {
		log.Printf("⛔ Completing task %s: %v", task.ID, err)
		return
	}
	log.Printf("✅ Task %s completed in %s (unblocked %d)", task.ID, res.Duration.Round(time.Second), len(result.Unblocked))
	s.publish(ctx, events.EventTaskCompleted, task.ID, map[string]any{"unblocked": result.Unblocked})
	for _, id := range result.Unblocked {
		s.publish(ctx, events.EventTaskUnblocked, id, nil)
	}
}

func (s *Scheduler) fail(ctx context.Context, task *types.Task, reason string) {
	log.Printf("❌ Task %s failed: %s", task.ID, reason)
	if err := s.store.Fail(ctx, task.ID, reason); err != nil {
		log.Printf("⛔ Recording failure of %s: %v", task.ID, err)
	}
	s.publish(ctx, events.EventTaskFailed, task.ID, map[string]any{"reason": reason})
}

func (s *Scheduler) comment(ctx context.Context, id, body string) {
	if err := s.store.AddComment(ctx, id, body); err != nil {
		log.Printf("⚠️  Could not comment on task %s: %v", id, err)
	}
}

func (s *Scheduler) publish(ctx context.Context, typ events.EventType, taskID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, events.NewEvent(typ, taskID, s.opts.Agent, data))
}

// summarize trims agent output down to a report-sized tail.
func summarize(output string) string {
	const max = 4000
	output = strings.TrimSpace(output)
	if len(output) <= max {
		return output
	}
	return "…" + output[len(output)-max:]
}
