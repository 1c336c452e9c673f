package recovery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/outrider/internal/events"
	"github.com/cloud-shuttle/outrider/internal/tracker"
	"github.com/cloud-shuttle/outrider/pkg/types"
)

type fakeStore struct {
	tasks    map[string]*types.Task
	comments map[string][]string
}

func newFakeStore(tasks ...*types.Task) *fakeStore {
	f := &fakeStore{
		tasks:    make(map[string]*types.Task),
		comments: make(map[string][]string),
	}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeStore) ListByAssignee(_ context.Context, assignee string) ([]*types.Task, error) {
	var out []*types.Task
	for _, t := range f.tasks {
		if t.Assignee == assignee {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) SetStatus(_ context.Context, id string, status types.TaskStatus) error {
	f.tasks[id].Status = status
	return nil
}

func (f *fakeStore) AddComment(_ context.Context, id, body string) error {
	f.comments[id] = append(f.comments[id], body)
	return nil
}

func (f *fakeStore) PatchMetadata(_ context.Context, id string, mutate func(*tracker.Metadata)) (tracker.Metadata, error) {
	t := f.tasks[id]
	md := tracker.Metadata{Workspace: t.Workspace, DependsOn: t.DependsOn, Retries: t.Retries}
	mutate(&md)
	t.Retries = md.Retries
	t.Workspace = md.Workspace
	return md, nil
}

type fakePruner struct {
	pruned []string
}

func (p *fakePruner) PruneStale(workspace string) {
	p.pruned = append(p.pruned, workspace)
}

type fakeNotifier struct {
	notices []string
}

func (n *fakeNotifier) Notify(_ context.Context, text string) error {
	n.notices = append(n.notices, text)
	return nil
}

func stuckTask(id string, retries int, age time.Duration, now time.Time) *types.Task {
	return &types.Task{
		ID:        id,
		Status:    types.TaskStatusInProgress,
		Assignee:  "agent-1",
		Workspace: "/srv/repo",
		Retries:   retries,
		UpdatedAt: now.Add(-age),
	}
}

func newTestService(store TaskStore, pruner WorktreePruner, notifier Notifier, now time.Time) *Service {
	svc := NewService(store, pruner, notifier, "agent-1", DefaultConfig())
	svc.now = func() time.Time { return now }
	return svc
}

func TestStartupScan_RetriesBelowCeiling(t *testing.T) {
	now := time.Now()
	store := newFakeStore(stuckTask("T-1", 2, 10*time.Minute, now))
	pruner := &fakePruner{}
	notifier := &fakeNotifier{}

	svc := newTestService(store, pruner, notifier, now)
	require.NoError(t, svc.StartupScan(context.Background()))

	task := store.tasks["T-1"]
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
	assert.Equal(t, 3, task.Retries)
	require.Len(t, store.comments["T-1"], 1)
	assert.Contains(t, store.comments["T-1"][0], "retry 3 of 3")
	assert.Equal(t, []string{"/srv/repo"}, pruner.pruned)
	assert.Len(t, notifier.notices, 1)
}

func TestStartupScan_PublishesRecoveredEvent(t *testing.T) {
	now := time.Now()
	store := newFakeStore(stuckTask("T-1", 0, 10*time.Minute, now))

	bus := events.NewBus()
	defer bus.Close()
	eventCh := bus.Subscribe("test")

	svc := newTestService(store, &fakePruner{}, nil, now)
	svc.SetEventBus(bus)
	require.NoError(t, svc.StartupScan(context.Background()))

	select {
	case ev := <-eventCh:
		assert.Equal(t, events.EventTaskRecovered, ev.Type)
		assert.Equal(t, "T-1", ev.TaskID)
		assert.Equal(t, 1, ev.Data["retries"])
	case <-time.After(time.Second):
		t.Fatal("Recovered event never published")
	}
}

func TestStartupScan_FailsAtCeiling(t *testing.T) {
	now := time.Now()
	store := newFakeStore(stuckTask("T-1", 3, 10*time.Minute, now))
	pruner := &fakePruner{}
	notifier := &fakeNotifier{}

	svc := newTestService(store, pruner, notifier, now)
	require.NoError(t, svc.StartupScan(context.Background()))

	task := store.tasks["T-1"]
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Equal(t, 3, task.Retries, "the exhausted branch must not bump the counter")
	require.Len(t, store.comments["T-1"], 1)
	assert.Contains(t, store.comments["T-1"][0], "retries used")
}

func TestStartupScan_SkipsRecentlyActive(t *testing.T) {
	now := time.Now()
	store := newFakeStore(stuckTask("T-1", 0, 30*time.Second, now))

	svc := newTestService(store, &fakePruner{}, nil, now)
	require.NoError(t, svc.StartupScan(context.Background()))

	assert.Equal(t, types.TaskStatusInProgress, store.tasks["T-1"].Status)
	assert.Empty(t, store.comments["T-1"])
}

func TestStartupScan_IgnoresOtherStatusesAndAgents(t *testing.T) {
	now := time.Now()
	assigned := stuckTask("T-1", 0, time.Hour, now)
	assigned.Status = types.TaskStatusAssigned
	foreign := stuckTask("T-2", 0, time.Hour, now)
	foreign.Assignee = "someone-else"

	store := newFakeStore(assigned, foreign)
	svc := newTestService(store, &fakePruner{}, nil, now)
	require.NoError(t, svc.StartupScan(context.Background()))

	assert.Equal(t, types.TaskStatusAssigned, store.tasks["T-1"].Status)
	assert.Equal(t, types.TaskStatusInProgress, store.tasks["T-2"].Status)
}

func TestRuntimeScan_ResetsStaleWithoutRetryCost(t *testing.T) {
	now := time.Now()
	store := newFakeStore(
		stuckTask("T-old", 1, 6*time.Minute, now),
		stuckTask("T-fresh", 1, time.Minute, now),
	)

	svc := newTestService(store, &fakePruner{}, nil, now)
	require.NoError(t, svc.RuntimeScan(context.Background()))

	old := store.tasks["T-old"]
	assert.Equal(t, types.TaskStatusAssigned, old.Status)
	assert.Equal(t, 1, old.Retries, "runtime scan must not consume a retry slot")
	require.Len(t, store.comments["T-old"], 1)
	assert.True(t, strings.Contains(store.comments["T-old"][0], "reset to assigned"))

	assert.Equal(t, types.TaskStatusInProgress, store.tasks["T-fresh"].Status)
}

func TestRuntimeScan_ExhaustedTaskStillReset(t *testing.T) {
	// Unlike the startup scan, the runtime scan has no ceiling: it targets
	// tasks stuck in the current run.
	now := time.Now()
	store := newFakeStore(stuckTask("T-1", 3, 10*time.Minute, now))

	svc := newTestService(store, &fakePruner{}, nil, now)
	require.NoError(t, svc.RuntimeScan(context.Background()))

	assert.Equal(t, types.TaskStatusAssigned, store.tasks["T-1"].Status)
	assert.Equal(t, 3, store.tasks["T-1"].Retries)
}
