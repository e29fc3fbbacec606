package store

import (
	"context"
	"time"
)

// Repository is the typed entity store used by the board services. Get
// methods return ErrNotFound for missing rows; inserts that would violate a
// uniqueness rule return ErrDuplicate.
type Repository interface {
	UpsertUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, ids []string) ([]User, error)

	InsertBoard(ctx context.Context, board Board) error
	GetBoard(ctx context.Context, id string) (Board, error)
	UpdateBoardTitle(ctx context.Context, id, title string, at time.Time) error
	DeleteBoard(ctx context.Context, id string) error
	ListBoardsForUser(ctx context.Context, userID string) ([]BoardSummary, error)

	InsertList(ctx context.Context, list List) error
	GetList(ctx context.Context, id string) (List, error)
	ListLists(ctx context.Context, boardID string) ([]List, error)
	UpdateListTitle(ctx context.Context, id, title string, at time.Time) error
	DeleteList(ctx context.Context, id string) error
	DeleteListsByBoard(ctx context.Context, boardID string) (int64, error)
	NextListPosition(ctx context.Context, boardID string) (float64, error)

	InsertTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, id string) error
	DeleteTasksByList(ctx context.Context, listID string) (int64, error)
	DeleteTasksByBoard(ctx context.Context, boardID string) (int64, error)
	FindTasks(ctx context.Context, filter TaskFilter) ([]Task, int, error)
	NextTaskPosition(ctx context.Context, listID string) (float64, error)

	InsertMembership(ctx context.Context, membership Membership) error
	GetMembership(ctx context.Context, boardID, userID string) (Membership, error)
	ListMemberships(ctx context.Context, boardID string) ([]Membership, error)
	CountMemberships(ctx context.Context, boardID string, userIDs []string) (int, error)
	DeleteMembershipsByBoard(ctx context.Context, boardID string) (int64, error)

	AppendActivity(ctx context.Context, activity Activity) (Activity, error)
	// ListActivities returns one page newest first plus the board total.
	ListActivities(ctx context.Context, boardID string, offset, limit int) ([]Activity, int, error)
	DeleteActivitiesByBoard(ctx context.Context, boardID string) (int64, error)
}

// Store is a Repository that can run a group of writes atomically.
type Store interface {
	Repository
	// WithTx runs fn inside a transaction. The Repository handed to fn must
	// be used for every read and write that belongs to the transaction; it
	// commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
	Ping(ctx context.Context) error
	Close() error
}
