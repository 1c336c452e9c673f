package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/outrider/internal/agent"
	"github.com/cloud-shuttle/outrider/internal/approval"
	"github.com/cloud-shuttle/outrider/internal/git"
	"github.com/cloud-shuttle/outrider/internal/tracker"
	"github.com/cloud-shuttle/outrider/pkg/types"
)

type fakeSource struct {
	tasks     []*types.Task
	plans     map[string]*types.Plan
	statuses  map[string]types.TaskStatus
	comments  map[string][]string
	completed []string
	failed    map[string]string
}

func newFakeSource(tasks ...*types.Task) *fakeSource {
	return &fakeSource{
		tasks:    tasks,
		plans:    make(map[string]*types.Plan),
		statuses: make(map[string]types.TaskStatus),
		comments: make(map[string][]string),
		failed:   make(map[string]string),
	}
}

// Get resolves the plan from the comment history, which listings never carry.
func (f *fakeSource) Get(_ context.Context, id string) (*types.Task, error) {
	for _, t := range f.tasks {
		if t.ID == id {
			full := *t
			full.Plan = f.plans[id]
			return &full, nil
		}
	}
	return nil, fmt.Errorf("task %s not found", id)
}

func (f *fakeSource) ListByStatus(_ context.Context, status types.TaskStatus) ([]*types.Task, error) {
	var out []*types.Task
	for _, t := range f.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeSource) SetStatus(_ context.Context, id string, status types.TaskStatus) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeSource) AddComment(_ context.Context, id, body string) error {
	f.comments[id] = append(f.comments[id], body)
	return nil
}

func (f *fakeSource) Complete(_ context.Context, id string, _ *types.Report) (*tracker.CompleteResult, error) {
	f.completed = append(f.completed, id)
	return &tracker.CompleteResult{}, nil
}

func (f *fakeSource) Fail(_ context.Context, id, reason string) error {
	f.failed[id] = reason
	return nil
}

type fakeTrees struct {
	worktree  *git.Worktree // nil means "not a repo"
	mergeRes  *git.MergeResult
	committed []string
	cleanedUp []string
	pruned    int
}

func (f *fakeTrees) Create(workspace, taskID string) (*git.Worktree, error) {
	return f.worktree, nil
}

func (f *fakeTrees) Commit(wt *git.Worktree, message string) (bool, error) {
	f.committed = append(f.committed, message)
	return true, nil
}

func (f *fakeTrees) Merge(workspace, branch string) (*git.MergeResult, error) {
	if f.mergeRes == nil {
		return &git.MergeResult{Outcome: git.MergeMerged}, nil
	}
	return f.mergeRes, nil
}

func (f *fakeTrees) Cleanup(workspace, branch string) {
	f.cleanedUp = append(f.cleanedUp, branch)
}

func (f *fakeTrees) PruneStale(workspace string) { f.pruned++ }

type fakeRunner struct {
	result   *agent.Result
	ran      []string
	ranPlans []*types.Plan
	killed   bool
}

func (f *fakeRunner) Run(_ context.Context, dir string, task *types.Task) *agent.Result {
	f.ran = append(f.ran, task.ID)
	f.ranPlans = append(f.ranPlans, task.Plan)
	if f.result == nil {
		return &agent.Result{Success: true, Output: "done"}
	}
	return f.result
}

func (f *fakeRunner) Kill() { f.killed = true }

type fakeApprover struct {
	decision   approval.Decision
	asked      []string
	askedPlans []*types.Plan
}

func (f *fakeApprover) RequestApproval(_ context.Context, task *types.Task) (approval.Decision, error) {
	f.asked = append(f.asked, task.ID)
	f.askedPlans = append(f.askedPlans, task.Plan)
	return f.decision, nil
}

func assignedTask(id string, priority int, age time.Duration) *types.Task {
	return &types.Task{
		ID:        id,
		Title:     "task " + id,
		Status:    types.TaskStatusAssigned,
		Assignee:  "agent-1",
		Priority:  priority,
		UpdatedAt: time.Now().Add(-age),
	}
}

func newTestScheduler(src TaskSource, trees WorktreeManager, runner AgentRunner, approver Approver, requireApproval bool) *Scheduler {
	return New(src, trees, runner, nil, approver, nil, Options{
		Agent:           "agent-1",
		Workspace:       "/srv/repo",
		RequireApproval: requireApproval,
	})
}

func TestRunOnce_ClaimsByPriority(t *testing.T) {
	low := assignedTask("T-low", 3, time.Hour)
	high := assignedTask("T-high", 1, time.Minute)
	foreign := assignedTask("T-foreign", 0, time.Hour)
	foreign.Assignee = "someone-else"

	src := newFakeSource(low, high, foreign)
	runner := &fakeRunner{}
	trees := &fakeTrees{worktree: &git.Worktree{Path: "/srv/repo/.outrider/worktrees/agent-1", Branch: "task-T-high-agent-1"}}

	s := newTestScheduler(src, trees, runner, nil, false)
	worked, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !worked {
		t.Fatal("Expected work to happen")
	}
	if len(runner.ran) != 1 || runner.ran[0] != "T-high" {
		t.Errorf("Expected T-high to run, got %v", runner.ran)
	}
	if src.statuses["T-high"] != types.TaskStatusInProgress {
		t.Errorf("Claimed task not moved to in-progress: %v", src.statuses)
	}
	if len(src.completed) != 1 || src.completed[0] != "T-high" {
		t.Errorf("Expected completion of T-high, got %v", src.completed)
	}
	if len(trees.cleanedUp) != 1 {
		t.Errorf("Worktree not cleaned up after success: %v", trees.cleanedUp)
	}
}

func TestRunOnce_NothingToDo(t *testing.T) {
	s := newTestScheduler(newFakeSource(), &fakeTrees{}, &fakeRunner{}, nil, false)
	worked, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if worked {
		t.Error("Expected no work on an empty queue")
	}
}

func TestRunOnce_RejectsOverlap(t *testing.T) {
	src := newFakeSource(assignedTask("T-1", 1, time.Minute))
	runner := &fakeRunner{}
	s := newTestScheduler(src, &fakeTrees{}, runner, nil, false)

	s.busy.Store(true)
	worked, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if worked || len(runner.ran) != 0 {
		t.Error("An overlapping cycle must be rejected")
	}
}

func TestRunOnce_RejectionReturnsToDraft(t *testing.T) {
	src := newFakeSource(assignedTask("T-1", 1, time.Minute))
	runner := &fakeRunner{}
	approver := &fakeApprover{decision: approval.Rejected}

	s := newTestScheduler(src, &fakeTrees{}, runner, approver, true)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(runner.ran) != 0 {
		t.Error("Rejected task must not run")
	}
	if src.statuses["T-1"] != types.TaskStatusDraft {
		t.Errorf("Rejected task should go to draft, got %v", src.statuses["T-1"])
	}
	if len(src.comments["T-1"]) == 0 {
		t.Error("Rejection should leave an audit comment")
	}
}

func TestRunOnce_ResolvesPlanForApproverAndAgent(t *testing.T) {
	src := newFakeSource(assignedTask("T-1", 1, time.Minute))
	src.plans["T-1"] = &types.Plan{Goals: []string{"split the parser"}}
	runner := &fakeRunner{}
	approver := &fakeApprover{decision: approval.Approved}
	trees := &fakeTrees{worktree: &git.Worktree{Path: "/wt", Branch: "task-T-1-agent-1"}}

	s := newTestScheduler(src, trees, runner, approver, true)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// The listing carries no plan; both the approver and the agent must see
	// the fully resolved task.
	if len(approver.askedPlans) != 1 || approver.askedPlans[0] == nil {
		t.Fatal("Approver was asked to judge a task without its plan")
	}
	if approver.askedPlans[0].Goals[0] != "split the parser" {
		t.Errorf("Approver saw the wrong plan: %+v", approver.askedPlans[0])
	}
	if len(runner.ranPlans) != 1 || runner.ranPlans[0] == nil {
		t.Fatal("Agent ran without the approved plan")
	}
}

func TestRunOnce_RefusesApprovalWithoutChannel(t *testing.T) {
	src := newFakeSource(assignedTask("T-1", 1, time.Minute))
	runner := &fakeRunner{}

	s := newTestScheduler(src, &fakeTrees{}, runner, nil, true)
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("Expected an error with approval required and no approver")
	}
	if len(runner.ran) != 0 {
		t.Error("No task may run when the approval gate cannot be answered")
	}
}

func TestRunOnce_ApprovedTaskRuns(t *testing.T) {
	src := newFakeSource(assignedTask("T-1", 1, time.Minute))
	runner := &fakeRunner{}
	approver := &fakeApprover{decision: approval.Approved}
	trees := &fakeTrees{worktree: &git.Worktree{Path: "/wt", Branch: "task-T-1-agent-1"}}

	s := newTestScheduler(src, trees, runner, approver, true)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(approver.asked) != 1 || len(runner.ran) != 1 {
		t.Errorf("Approved task did not run: asked=%v ran=%v", approver.asked, runner.ran)
	}
}

func TestRunOnce_AgentFailure(t *testing.T) {
	src := newFakeSource(assignedTask("T-1", 1, time.Minute))
	runner := &fakeRunner{result: &agent.Result{Success: false, ExitCode: 2}}
	trees := &fakeTrees{worktree: &git.Worktree{Path: "/wt", Branch: "task-T-1-agent-1"}}

	s := newTestScheduler(src, trees, runner, nil, false)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if _, ok := src.failed["T-1"]; !ok {
		t.Error("Agent failure must fail the task")
	}
	if len(src.completed) != 0 {
		t.Error("Failed task must not be completed")
	}
	if len(trees.cleanedUp) != 1 {
		t.Error("Worktree should be cleaned up after a failure")
	}
}

func TestRunOnce_MergeConflictKeepsBranch(t *testing.T) {
	src := newFakeSource(assignedTask("T-1", 1, time.Minute))
	trees := &fakeTrees{
		worktree: &git.Worktree{Path: "/wt", Branch: "task-T-1-agent-1"},
		mergeRes: &git.MergeResult{Outcome: git.MergeConflict},
	}

	s := newTestScheduler(src, trees, &fakeRunner{}, nil, false)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	reason, ok := src.failed["T-1"]
	if !ok || !strings.Contains(reason, "task-T-1-agent-1") {
		t.Errorf("Conflict failure should name the branch, got %q", reason)
	}
	if len(trees.cleanedUp) != 0 {
		t.Error("A conflicted branch must be left in place for a human")
	}
}

func TestRunOnce_NonRepoRunsWithoutIsolation(t *testing.T) {
	src := newFakeSource(assignedTask("T-1", 1, time.Minute))
	trees := &fakeTrees{worktree: nil}
	runner := &fakeRunner{}

	s := newTestScheduler(src, trees, runner, nil, false)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(src.completed) != 1 {
		t.Error("Task should complete without a worktree")
	}
	if len(trees.committed) != 0 {
		t.Error("No commit should happen without a worktree")
	}
}

func TestSleeper_WakeInterrupts(t *testing.T) {
	var s sleeper

	done := make(chan bool, 1)
	go func() {
		done <- s.sleep(context.Background(), 30*time.Second)
	}()

	// Let the sleep start before waking it.
	time.Sleep(50 * time.Millisecond)
	s.Wake()

	select {
	case woken := <-done:
		if !woken {
			t.Error("Expected the sleep to report an early wake")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep was not interrupted")
	}
}

func TestSleeper_WakeWithoutSleepIsNoop(t *testing.T) {
	var s sleeper
	s.Wake()
	s.Wake()

	if s.sleep(context.Background(), 10*time.Millisecond) {
		t.Error("A wake before the sleep started must not count")
	}
}

func TestSleeper_ContextCancel(t *testing.T) {
	var s sleeper
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if s.sleep(ctx, 30*time.Second) {
		t.Error("Context cancellation is not a wake")
	}
}
