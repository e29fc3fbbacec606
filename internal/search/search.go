package search

import (
	"context"
	"time"

	"collabboard/api/internal/store"
)

const (
	DefaultLimit = 20
	MaxLimit     = 50
)

// Query describes a task search. BoardIDs must name the boards the caller
// may read; an empty list matches nothing.
type Query struct {
	BoardIDs   []string
	ListID     string
	AssigneeID string
	Priority   store.Priority
	Text       string
	Page       int
	Limit      int
}

// Response is the envelope returned by the task search endpoint.
type Response struct {
	Tasks       []store.Task `json:"tasks"`
	TotalCount  int          `json:"totalCount"`
	TotalPages  int          `json:"totalPages"`
	CurrentPage int          `json:"currentPage"`
}

// Engine is an external full-text index over tasks.
type Engine interface {
	Healthy() bool
	Search(q Query) ([]store.Task, int, error)
	IndexTasks(tasks []TaskRecord) error
	DeleteTask(id string) error
	// DeleteWhere removes every task whose field equals value.
	DeleteWhere(field, value string) error
}

// TaskFinder is the store query used when the engine is unavailable.
type TaskFinder interface {
	FindTasks(ctx context.Context, filter store.TaskFilter) ([]store.Task, int, error)
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string   `json:"id"`
	BoardID     string   `json:"boardId"`
	ListID      string   `json:"listId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Position    float64  `json:"position"`
	Assignees   []string `json:"assignees"`
	CreatedBy   string   `json:"createdBy"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

func RecordFromTask(t store.Task) TaskRecord {
	assignees := t.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	return TaskRecord{
		ID:          t.ID,
		BoardID:     t.BoardID,
		ListID:      t.ListID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Position:    t.Position,
		Assignees:   assignees,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt.UnixMilli(),
		UpdatedAt:   t.UpdatedAt.UnixMilli(),
	}
}

func (r TaskRecord) Task() store.Task {
	return store.Task{
		ID:          r.ID,
		BoardID:     r.BoardID,
		ListID:      r.ListID,
		Title:       r.Title,
		Description: r.Description,
		Priority:    store.Priority(r.Priority),
		Position:    r.Position,
		Assignees:   r.Assignees,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

// normalize clamps paging: page starts at 1, limit defaults to DefaultLimit
// and never exceeds MaxLimit.
func (q Query) normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

func (q Query) offset() int {
	return (q.Page - 1) * q.Limit
}
