package tracker

import (
	"context"
	"fmt"
	"log"

	"github.com/cloud-shuttle/outrider/pkg/types"
)

// InconsistentStateError reports a task left in a state the state machine
// forbids, e.g. labeled completed while the record failed to close. Where the
// protocol could compensate, Reverted says whether the compensation took.
type InconsistentStateError struct {
	TaskID   string
	Reverted bool
	Err      error
}

func (e *InconsistentStateError) Error() string {
	if e.Reverted {
		return fmt.Sprintf("task %s: close failed after status swap, status reverted to in-progress: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("task %s: close failed after status swap AND revert failed, task is labeled completed but open: %v", e.TaskID, e.Err)
}

func (e *InconsistentStateError) Unwrap() error {
	return e.Err
}

// CompleteResult records which steps of the completion protocol ran, so
// callers can tell partial from full success.
type CompleteResult struct {
	AlreadyCompleted bool
	ReportPosted     bool
	StatusSwapped    bool
	RecordClosed     bool
	StatusReverted   bool
	Unblocked        []string
	UnblockErr       error
}

// Complete runs the idempotent multi-step completion protocol:
//
//  1. Idempotency guard: already-completed tasks return immediately with zero
//     additional writes.
//  2. Post the completion report. Failure aborts everything.
//  3. Swap the status label to completed (one retry).
//  4. Close the record (one retry). If both attempts fail, revert the label
//     back to in-progress so the task is never observed completed-but-open.
//  5. Unblock dependents; errors here are logged only, since any later
//     completion scan can catch dependents up.
func (s *Store) Complete(ctx context.Context, id string, report *types.Report) (*CompleteResult, error) {
	res := &CompleteResult{}

	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return res, err
	}
	if status, ok := StatusFromLabels(rec.Labels); ok && status == types.TaskStatusCompleted {
		res.AlreadyCompleted = true
		res.ReportPosted = true
		res.StatusSwapped = true
		res.RecordClosed = true
		return res, nil
	}

	body, err := RenderReport(report)
	if err != nil {
		return res, err
	}
	if err := s.AddComment(ctx, id, body); err != nil {
		return res, fmt.Errorf("posting completion report: %w", err)
	}
	res.ReportPosted = true

	if err := withOneRetry(func() error { return s.swapStatusLabel(ctx, id, types.TaskStatusCompleted) }); err != nil {
		// The report exists but the task is not closed; the caller has to
		// handle the recorded inconsistency.
		return res, fmt.Errorf("swapping status to completed: %w", err)
	}
	res.StatusSwapped = true

	if err := withOneRetry(func() error { return s.closeRecord(ctx, id) }); err != nil {
		revertErr := s.swapStatusLabel(ctx, id, types.TaskStatusInProgress)
		res.StatusReverted = revertErr == nil
		if revertErr != nil {
			log.Printf("❌ Task %s: revert after failed close also failed: %v", id, revertErr)
		}
		return res, &InconsistentStateError{TaskID: id, Reverted: res.StatusReverted, Err: err}
	}
	res.RecordClosed = true

	unblocked, err := s.resolver.UnblockDependents(ctx, id)
	res.Unblocked = unblocked
	if err != nil {
		res.UnblockErr = err
		log.Printf("⚠️  Unblock cascade for task %s failed (will catch up on a later completion): %v", id, err)
	}
	return res, nil
}

// Fail marks a task permanently failed and leaves a human-readable audit
// comment, so an operator can reconstruct the failure from the tracker alone.
// A task already in a terminal state is left untouched: the scheduler and the
// recovery scans may both observe the same breakage, and only the first
// report should land.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	if rec, err := s.getRecord(ctx, id); err == nil {
		if status, ok := StatusFromLabels(rec.Labels); ok && status.Terminal() {
			if s.verbose {
				log.Printf("ℹ️  Task %s is already %s, not failing again", id, status)
			}
			return nil
		}
	}

	if err := s.AddComment(ctx, id, "Task failed: "+reason); err != nil {
		log.Printf("⚠️  Could not attach failure comment to task %s: %v", id, err)
	}
	return s.SetStatus(ctx, id, types.TaskStatusFailed)
}

// withOneRetry runs f, retrying exactly once on failure. The remote client
// already absorbs transient HTTP failures; this is the protocol-level retry
// the completion steps specify on top of that.
func withOneRetry(f func() error) error {
	if err := f(); err != nil {
		return f()
	}
	return nil
}
