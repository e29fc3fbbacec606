// Package activity is the append-only audit trail of board mutations.
//
// Appends happen after the owning transaction commits. A failed append is
// logged and swallowed: the mutation it describes has already happened and
// must not be reported as failed.
package activity

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"collabboard/api/internal/store"
	"collabboard/api/internal/util"
)

const (
	BoardCreated   = "BOARD_CREATED"
	BoardRenamed   = "BOARD_RENAMED"
	MemberInvited  = "MEMBER_INVITED"
	ListCreated    = "LIST_CREATED"
	ListRenamed    = "LIST_RENAMED"
	ListDeleted    = "LIST_DELETED"
	TaskCreated    = "TASK_CREATED"
	TaskUpdated    = "TASK_UPDATED"
	TaskMoved      = "TASK_MOVED"
	TaskAssigned   = "TASK_ASSIGNED"
	TaskUnassigned = "TASK_UNASSIGNED"
	TaskDeleted    = "TASK_DELETED"
)

const (
	TargetBoard = "Board"
	TargetList  = "List"
	TargetTask  = "Task"
	TargetUser  = "User"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 50
)

var actions = map[string]bool{
	BoardCreated: true, BoardRenamed: true, MemberInvited: true,
	ListCreated: true, ListRenamed: true, ListDeleted: true,
	TaskCreated: true, TaskUpdated: true, TaskMoved: true,
	TaskAssigned: true, TaskUnassigned: true, TaskDeleted: true,
}

// ValidAction reports whether action belongs to the closed action set.
func ValidAction(action string) bool {
	return actions[action]
}

type Store interface {
	AppendActivity(ctx context.Context, activity store.Activity) (store.Activity, error)
	ListActivities(ctx context.Context, boardID string, offset, limit int) ([]store.Activity, int, error)
	ListUsers(ctx context.Context, ids []string) ([]store.User, error)
}

type Entry struct {
	BoardID string
	ActorID string
	Action  string
	// Details is the human-readable summary shown in the feed.
	Details    string
	TargetType string
	TargetID   string
	Metadata   map[string]string
}

// Item is an activity with its actor's profile attached.
type Item struct {
	store.Activity
	Actor store.User `json:"actor"`
}

type Page struct {
	Activities  []Item `json:"activities"`
	TotalCount  int    `json:"totalCount"`
	TotalPages  int    `json:"totalPages"`
	CurrentPage int    `json:"currentPage"`
	PageSize    int    `json:"pageSize"`
}

type Log struct {
	store   Store
	logger  *log.Logger
	timeout time.Duration
	now     func() time.Time
}

func New(s Store, logger *log.Logger) *Log {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Log{
		store:   s,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Record appends one entry and returns the stored activity, or nil when the
// append failed. The append survives cancellation of ctx.
func (l *Log) Record(ctx context.Context, e Entry) *store.Activity {
	fields := log.Fields{
		"board_id": e.BoardID,
		"actor_id": e.ActorID,
		"action":   e.Action,
	}
	if !ValidAction(e.Action) {
		l.logger.WithFields(fields).Error("activity append skipped: unknown action")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	saved, err := l.store.AppendActivity(ctx, store.Activity{
		ID:         util.NewID("act"),
		BoardID:    e.BoardID,
		ActorID:    e.ActorID,
		Action:     e.Action,
		Details:    e.Details,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Metadata:   e.Metadata,
		CreatedAt:  l.now().UTC(),
	})
	if err != nil {
		l.logger.WithFields(fields).WithError(err).Error("activity append failed")
		return nil
	}
	return &saved
}

// List returns one page of a board's feed, newest first.
func (l *Log) List(ctx context.Context, boardID string, page, pageSize int) (Page, error) {
	page, pageSize = NormalizePage(page, pageSize)

	activities, total, err := l.store.ListActivities(ctx, boardID, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list activities: %w", err)
	}

	actors, err := l.actors(ctx, activities)
	if err != nil {
		return Page{}, err
	}

	items := make([]Item, 0, len(activities))
	for _, a := range activities {
		actor, ok := actors[a.ActorID]
		if !ok {
			actor = store.User{ID: a.ActorID}
		}
		items = append(items, Item{Activity: a, Actor: actor})
	}

	return Page{
		Activities:  items,
		TotalCount:  total,
		TotalPages:  TotalPages(total, pageSize),
		CurrentPage: page,
		PageSize:    pageSize,
	}, nil
}

func (l *Log) actors(ctx context.Context, activities []store.Activity) (map[string]store.User, error) {
	seen := make(map[string]bool, len(activities))
	ids := make([]string, 0, len(activities))
	for _, a := range activities {
		if a.ActorID != "" && !seen[a.ActorID] {
			seen[a.ActorID] = true
			ids = append(ids, a.ActorID)
		}
	}
	if len(ids) == 0 {
		return map[string]store.User{}, nil
	}
	users, err := l.store.ListUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load activity actors: %w", err)
	}
	byID := make(map[string]store.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return byID, nil
}

// NormalizePage clamps paging input: page starts at 1, size defaults to
// DefaultPageSize and never exceeds MaxPageSize.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
