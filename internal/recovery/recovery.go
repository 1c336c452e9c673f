// Package recovery detects tasks abandoned mid-execution and either retries
// them within a bounded budget or marks them permanently failed.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloud-shuttle/outrider/internal/events"
	"github.com/cloud-shuttle/outrider/internal/tracker"
	"github.com/cloud-shuttle/outrider/pkg/types"
)

// TaskStore is the slice of the tracker store the recovery scans need.
type TaskStore interface {
	ListByAssignee(ctx context.Context, assignee string) ([]*types.Task, error)
	SetStatus(ctx context.Context, id string, status types.TaskStatus) error
	AddComment(ctx context.Context, id, body string) error
	PatchMetadata(ctx context.Context, id string, mutate func(*tracker.Metadata)) (tracker.Metadata, error)
}

// WorktreePruner erases stale isolated trees for a workspace.
type WorktreePruner interface {
	PruneStale(workspace string)
}

// Notifier delivers best-effort external notifications. May be nil.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// RetryExhaustedError marks a task whose crash-recovery budget is used up.
// The task is failed permanently and never retried again by this core.
type RetryExhaustedError struct {
	TaskID  string
	Retries int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s exhausted its %d recovery retries", e.TaskID, e.Retries)
}

// Config holds the recovery thresholds.
type Config struct {
	// GraceWindow protects tasks that are likely still legitimately active
	// from the startup scan.
	GraceWindow time.Duration
	// StaleThreshold is how long an in-progress task may sit untouched
	// before the runtime scan resets it.
	StaleThreshold time.Duration
	// MaxRetries is the crash-recovery retry ceiling.
	MaxRetries int
	// DefaultWorkspace is pruned when a task carries no workspace hint.
	DefaultWorkspace string
}

// DefaultConfig returns the standard recovery thresholds.
func DefaultConfig() Config {
	return Config{
		GraceWindow:    90 * time.Second,
		StaleThreshold: 5 * time.Minute,
		MaxRetries:     3,
	}
}

// Service runs the startup and periodic abandonment scans.
type Service struct {
	store    TaskStore
	trees    WorktreePruner
	notifier Notifier
	agent    string
	cfg      Config
	bus      *events.Bus
	verbose  bool

	now func() time.Time
}

// NewService creates a recovery service for the given worker identity.
func NewService(store TaskStore, trees WorktreePruner, notifier Notifier, agent string, cfg Config) *Service {
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Service{
		store:    store,
		trees:    trees,
		notifier: notifier,
		agent:    agent,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetVerbose enables or disables verbose logging
func (s *Service) SetVerbose(v bool) {
	s.verbose = v
}

// SetEventBus attaches a lifecycle event bus. May be nil.
func (s *Service) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// StartupScan recovers tasks abandoned by a crashed prior run. Tasks updated
// within the grace window are left alone; the rest are retried with an
// incremented retry counter or failed permanently once the ceiling is hit.
func (s *Service) StartupScan(ctx context.Context) error {
	stuck, err := s.listStuck(ctx, s.cfg.GraceWindow)
	if err != nil {
		return err
	}

	var errs []error
	for _, task := range stuck {
		if task.Retries < s.cfg.MaxRetries {
			errs = append(errs, s.retryTask(ctx, task))
		} else {
			errs = append(errs, s.failTask(ctx, task))
		}
	}
	return errors.Join(errs...)
}

// RuntimeScan resets tasks stuck in the current run. It does not consume a
// retry slot: it targets tasks this process claimed and then lost track of,
// not tasks recovered from a prior crash.
func (s *Service) RuntimeScan(ctx context.Context) error {
	stuck, err := s.listStuck(ctx, s.cfg.StaleThreshold)
	if err != nil {
		return err
	}

	var errs []error
	for _, task := range stuck {
		age := s.now().Sub(task.UpdatedAt).Round(time.Second)
		log.Printf("🔁 Task %s stale for %s, resetting to assigned", task.ID, age)

		if err := s.store.SetStatus(ctx, task.ID, types.TaskStatusAssigned); err != nil {
			errs = append(errs, fmt.Errorf("resetting stale task %s: %w", task.ID, err))
			continue
		}
		s.comment(ctx, task.ID, fmt.Sprintf(
			"Automatic recovery: task sat in-progress for %s with no update; reset to assigned for another attempt.", age))
	}
	return errors.Join(errs...)
}

// listStuck returns this agent's in-progress tasks whose last update is older
// than the given window.
func (s *Service) listStuck(ctx context.Context, window time.Duration) ([]*types.Task, error) {
	tasks, err := s.store.ListByAssignee(ctx, s.agent)
	if err != nil {
		return nil, fmt.Errorf("listing tasks for %s: %w", s.agent, err)
	}

	cutoff := s.now().Add(-window)
	var stuck []*types.Task
	for _, task := range tasks {
		if task.Status != types.TaskStatusInProgress {
			continue
		}
		if task.UpdatedAt.After(cutoff) {
			if s.verbose {
				log.Printf("⏱️  Task %s updated recently, leaving it alone", task.ID)
			}
			continue
		}
		stuck = append(stuck, task)
	}
	return stuck, nil
}

func (s *Service) retryTask(ctx context.Context, task *types.Task) error {
	md, err := s.store.PatchMetadata(ctx, task.ID, func(md *tracker.Metadata) {
		md.Retries++
	})
	if err != nil {
		return fmt.Errorf("bumping retry counter for %s: %w", task.ID, err)
	}
	if err := s.store.SetStatus(ctx, task.ID, types.TaskStatusAssigned); err != nil {
		return fmt.Errorf("reassigning crashed task %s: %w", task.ID, err)
	}

	log.Printf("🔄 Recovered crashed task %s (attempt %d of %d)", task.ID, md.Retries, s.cfg.MaxRetries)
	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.NewEvent(events.EventTaskRecovered, task.ID, s.agent,
			map[string]any{"retries": md.Retries}))
	}
	s.comment(ctx, task.ID, fmt.Sprintf(
		"Automatic recovery: found in-progress after a worker restart. Reset to assigned, retry %d of %d.",
		md.Retries, s.cfg.MaxRetries))

	s.cleanupTraces(ctx, task, fmt.Sprintf("Recovered task %s for retry %d of %d", task.ID, md.Retries, s.cfg.MaxRetries))
	return nil
}

func (s *Service) failTask(ctx context.Context, task *types.Task) error {
	exhausted := &RetryExhaustedError{TaskID: task.ID, Retries: task.Retries}
	log.Printf("❌ %v, marking failed", exhausted)

	if err := s.store.SetStatus(ctx, task.ID, types.TaskStatusFailed); err != nil {
		return fmt.Errorf("failing exhausted task %s: %w", task.ID, err)
	}
	s.comment(ctx, task.ID, fmt.Sprintf(
		"Automatic recovery: found in-progress after a worker restart with all %d retries used. Marked failed; reassign manually to retry.",
		task.Retries))

	s.cleanupTraces(ctx, task, fmt.Sprintf("Task %s failed permanently after %d retries", task.ID, task.Retries))
	return nil
}

// cleanupTraces prunes the task's worktrees and notifies the operator
// channel. Both are side effects that must never fail the scan.
func (s *Service) cleanupTraces(ctx context.Context, task *types.Task, notice string) {
	workspace := task.Workspace
	if workspace == "" {
		workspace = s.cfg.DefaultWorkspace
	}
	if workspace != "" && s.trees != nil {
		s.trees.PruneStale(workspace)
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, notice); err != nil {
			log.Printf("⚠️  Recovery notification failed: %v", err)
		}
	}
}

func (s *Service) comment(ctx context.Context, id, body string) {
	if err := s.store.AddComment(ctx, id, body); err != nil {
		log.Printf("⚠️  Could not attach audit comment to task %s: %v", id, err)
	}
}
