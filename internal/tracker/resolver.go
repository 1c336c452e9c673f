package tracker

import (
	"context"
	"fmt"
	"log"

	"github.com/cloud-shuttle/outrider/pkg/types"
)

// Resolver computes unblock eligibility from the dependency graph. It holds
// no state of its own: satisfaction is checked synchronously against the
// tracker at unblock time, never via persisted ready-counts.
type Resolver struct {
	store *Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// UnblockDependents promotes blocked tasks whose entire dependency set is now
// closed, after completedID has closed. A dependency check that errors is
// treated conservatively as not yet satisfied, leaving the candidate blocked.
// Returns the IDs that transitioned to assigned.
func (r *Resolver) UnblockDependents(ctx context.Context, completedID string) ([]string, error) {
	blocked, err := r.store.ListByStatus(ctx, types.TaskStatusBlocked)
	if err != nil {
		return nil, fmt.Errorf("listing blocked tasks: %w", err)
	}

	var unblocked []string
	for _, task := range blocked {
		if !contains(task.DependsOn, completedID) {
			continue
		}
		if !r.satisfied(ctx, task, completedID) {
			continue
		}
		if err := r.store.SetStatus(ctx, task.ID, types.TaskStatusAssigned); err != nil {
			log.Printf("⚠️  Could not unblock task %s: %v", task.ID, err)
			continue
		}
		unblocked = append(unblocked, task.ID)
	}
	return unblocked, nil
}

// satisfied reports whether every dependency of the task other than the one
// that just completed is in a closed state.
func (r *Resolver) satisfied(ctx context.Context, task *types.Task, completedID string) bool {
	for _, dep := range task.DependsOn {
		if dep == completedID {
			continue
		}
		rec, err := r.store.getRecord(ctx, dep)
		if err != nil {
			// Unreachable dependency: assume unsatisfied, stay blocked.
			log.Printf("⚠️  Dependency %s of task %s unreachable, keeping it blocked: %v", dep, task.ID, err)
			return false
		}
		if types.RecordState(rec.State) != types.RecordClosed {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
