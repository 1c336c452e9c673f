// Package tracker implements the task store and its state machine on top of
// the remote tracker API. Task state lives in two channels that must stay
// consistent: a label set (status, priority) plus assignee/open-closed fields,
// and a versioned metadata block embedded in the task body (workspace,
// dependencies, retry count).
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/cloud-shuttle/outrider/internal/remote"
	"github.com/cloud-shuttle/outrider/pkg/types"
)

// taskRecord is the wire shape of a task on the tracker API.
type taskRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Assignee  string    `json:"assignee,omitempty"`
	Labels    []string  `json:"labels"`
	UpdatedAt time.Time `json:"updated_at"`
}

type commentRecord struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides CRUD and state-machine operations over tasks.
type Store struct {
	client   *remote.Client
	resolver *Resolver
	verbose  bool
}

// NewStore creates a task store backed by the given tracker client.
func NewStore(client *remote.Client, verbose bool) *Store {
	s := &Store{client: client, verbose: verbose}
	s.resolver = NewResolver(s)
	return s
}

// Resolver returns the dependency resolver bound to this store.
func (s *Store) Resolver() *Resolver {
	return s.resolver
}

// Create creates a new task. Initial status is blocked when dependencies are
// given, assigned otherwise; dependencies are persisted in the metadata block.
func (s *Store) Create(ctx context.Context, title, assignee string, priority int, dependsOn []string, workspace string) (*types.Task, error) {
	status := types.TaskStatusAssigned
	if len(dependsOn) > 0 {
		status = types.TaskStatusBlocked
	}

	statusLabel, err := StatusLabel(status)
	if err != nil {
		return nil, err
	}
	labels := []string{statusLabel}
	if priority > 0 {
		labels = append(labels, PriorityLabel(priority))
	}

	body, err := RenderMetadata("", Metadata{Workspace: workspace, DependsOn: dependsOn})
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, http.MethodPost, "/tasks", map[string]any{
		"title":    title,
		"body":     body,
		"assignee": assignee,
		"labels":   labels,
	})
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	rec, err := decodeRecord(resp.Body)
	if err != nil {
		return nil, err
	}
	return s.recordToTask(rec), nil
}

// Get fetches a task and resolves its latest plan and report from the comment
// history. Scanning is newest-first; the first matching record of each kind
// wins.
func (s *Store) Get(ctx context.Context, id string) (*types.Task, error) {
	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	task := s.recordToTask(rec)

	comments, err := s.Comments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	for _, c := range comments {
		if task.Plan == nil {
			if p, ok := ParsePlan(c.Body); ok {
				task.Plan = p
			}
		}
		if task.Report == nil {
			if r, ok := ParseReport(c.Body); ok {
				task.Report = r
			}
		}
		if task.Plan != nil && task.Report != nil {
			break
		}
	}
	return task, nil
}

// ListByStatus lists all tasks carrying the given status label.
func (s *Store) ListByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	label, err := StatusLabel(status)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, url.Values{"label": {label}})
}

// ListByAssignee lists all open tasks assigned to the given worker identity.
func (s *Store) ListByAssignee(ctx context.Context, assignee string) ([]*types.Task, error) {
	return s.list(ctx, url.Values{"assignee": {assignee}, "state": {string(types.RecordOpen)}})
}

func (s *Store) list(ctx context.Context, query url.Values) ([]*types.Task, error) {
	var recs []taskRecord
	if err := s.client.Get(ctx, "/tasks?"+query.Encode(), &recs); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	tasks := make([]*types.Task, 0, len(recs))
	for i := range recs {
		tasks = append(tasks, s.recordToTask(&recs[i]))
	}
	return tasks, nil
}

// Comments returns a task's comment history, newest first.
func (s *Store) Comments(ctx context.Context, id string) ([]types.Comment, error) {
	var recs []commentRecord
	if err := s.client.Get(ctx, "/tasks/"+id+"/comments", &recs); err != nil {
		return nil, fmt.Errorf("listing comments: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })

	comments := make([]types.Comment, 0, len(recs))
	for _, r := range recs {
		comments = append(comments, types.Comment{ID: r.ID, Body: r.Body, Author: r.Author, CreatedAt: r.CreatedAt})
	}
	return comments, nil
}

// AddComment appends a comment to a task.
func (s *Store) AddComment(ctx context.Context, id, body string) error {
	_, err := s.client.Do(ctx, http.MethodPost, "/tasks/"+id+"/comments", map[string]string{"body": body})
	if err != nil {
		return fmt.Errorf("commenting on task %s: %w", id, err)
	}
	return nil
}

// SavePlan appends a plan record to the task's history. It does not change
// status; callers transition to planned separately.
func (s *Store) SavePlan(ctx context.Context, id string, plan *types.Plan) error {
	body, err := RenderPlan(plan)
	if err != nil {
		return err
	}
	return s.AddComment(ctx, id, body)
}

// PatchMetadata mutates the task's embedded metadata via a read-merge-write
// cycle: the current block is always re-read before merging, so concurrent
// writers cannot lose each other's fields.
func (s *Store) PatchMetadata(ctx context.Context, id string, mutate func(*Metadata)) (Metadata, error) {
	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return Metadata{}, err
	}

	md, _ := ParseMetadata(rec.Body)
	mutate(&md)

	body, err := RenderMetadata(rec.Body, md)
	if err != nil {
		return Metadata{}, err
	}
	if err := s.patch(ctx, id, map[string]any{"body": body}); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

// SetStatus atomically replaces the status label, preserving all other
// labels. Completing a task additionally closes the underlying record and
// triggers the unblock cascade; cascade errors are logged, not surfaced.
func (s *Store) SetStatus(ctx context.Context, id string, status types.TaskStatus) error {
	if err := s.swapStatusLabel(ctx, id, status); err != nil {
		return err
	}

	if status == types.TaskStatusCompleted {
		if err := s.closeRecord(ctx, id); err != nil {
			return err
		}
		if unblocked, err := s.resolver.UnblockDependents(ctx, id); err != nil {
			log.Printf("⚠️  Unblock cascade for task %s failed (will catch up on a later completion): %v", id, err)
		} else if len(unblocked) > 0 && s.verbose {
			log.Printf("🔓 Unblocked %d dependent task(s) of %s", len(unblocked), id)
		}
	}
	return nil
}

func (s *Store) swapStatusLabel(ctx context.Context, id string, status types.TaskStatus) error {
	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	labels, err := ReplaceStatusLabel(rec.Labels, status)
	if err != nil {
		return err
	}
	return s.patch(ctx, id, map[string]any{"labels": labels})
}

func (s *Store) closeRecord(ctx context.Context, id string) error {
	return s.patch(ctx, id, map[string]any{"state": string(types.RecordClosed)})
}

func (s *Store) patch(ctx context.Context, id string, fields map[string]any) error {
	_, err := s.client.Do(ctx, http.MethodPatch, "/tasks/"+id, fields)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	return nil
}

func (s *Store) getRecord(ctx context.Context, id string) (*taskRecord, error) {
	var rec taskRecord
	if err := s.client.Get(ctx, "/tasks/"+id, &rec); err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", id, err)
	}
	return &rec, nil
}

func decodeRecord(data []byte) (*taskRecord, error) {
	var rec taskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding task record: %w", err)
	}
	return &rec, nil
}

func (s *Store) recordToTask(rec *taskRecord) *types.Task {
	status, ok := StatusFromLabels(rec.Labels)
	if !ok {
		// A record without a status label is label drift. Surface it loudly
		// but keep the task usable for triage.
		log.Printf("⚠️  Task %s carries no status label, treating as draft", rec.ID)
		status = types.TaskStatusDraft
	}

	md, _ := ParseMetadata(rec.Body)

	return &types.Task{
		ID:        rec.ID,
		Title:     rec.Title,
		Body:      rec.Body,
		Status:    status,
		State:     types.RecordState(rec.State),
		Assignee:  rec.Assignee,
		Priority:  PriorityFromLabels(rec.Labels),
		Workspace: md.Workspace,
		DependsOn: md.DependsOn,
		Retries:   md.Retries,
		UpdatedAt: rec.UpdatedAt,
	}
}
