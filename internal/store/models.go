package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrDuplicate  = errors.New("duplicate")
	ErrConstraint = errors.New("constraint violation")
)

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

func ValidPriority(p Priority) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

type User struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Email     string    `json:"email" bson:"email"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

type Board struct {
	ID        string    `json:"id" bson:"_id"`
	Title     string    `json:"title" bson:"title"`
	OwnerID   string    `json:"ownerId" bson:"ownerId"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// BoardSummary is a board as seen by one member.
type BoardSummary struct {
	Board `bson:",inline"`
	Role  string `json:"role" bson:"role"`
}

type List struct {
	ID        string    `json:"id" bson:"_id"`
	BoardID   string    `json:"boardId" bson:"boardId"`
	Title     string    `json:"title" bson:"title"`
	Position  float64   `json:"position" bson:"position"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

type Task struct {
	ID          string    `json:"id" bson:"_id"`
	BoardID     string    `json:"boardId" bson:"boardId"`
	ListID      string    `json:"listId" bson:"listId"`
	Title       string    `json:"title" bson:"title"`
	Description string    `json:"description" bson:"description"`
	Priority    Priority  `json:"priority" bson:"priority"`
	Position    float64   `json:"position" bson:"position"`
	Assignees   []string  `json:"assignees" bson:"assignees"`
	CreatedBy   string    `json:"createdBy" bson:"createdBy"`
	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" bson:"updatedAt"`
}

func (t Task) clone() Task {
	t.Assignees = append([]string{}, t.Assignees...)
	return t
}

type Membership struct {
	BoardID string `json:"boardId" bson:"boardId"`
	UserID  string `json:"userId" bson:"userId"`
	Role    string `json:"role" bson:"role"`
	// InvitedBy is empty for the owner membership created with the board.
	InvitedBy string    `json:"invitedBy,omitempty" bson:"invitedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

// Activity is an immutable audit record. Seq orders records that share a
// timestamp; it is assigned by the store on append.
type Activity struct {
	ID         string            `json:"id" bson:"_id"`
	Seq        int64             `json:"seq" bson:"seq"`
	BoardID    string            `json:"boardId" bson:"boardId"`
	ActorID    string            `json:"actorId" bson:"actorId"`
	Action     string            `json:"action" bson:"action"`
	Details    string            `json:"details" bson:"details"`
	TargetType string            `json:"targetType" bson:"targetType"`
	TargetID   string            `json:"targetId" bson:"targetId"`
	Metadata   map[string]string `json:"metadata" bson:"metadata"`
	CreatedAt  time.Time         `json:"createdAt" bson:"createdAt"`
}

type TaskSort int

const (
	// SortByPosition orders by list, then position within the list.
	SortByPosition TaskSort = iota
	SortByUpdatedDesc
)

type TaskFilter struct {
	BoardIDs   []string
	ListID     string
	AssigneeID string
	Priority   Priority
	// Text is a free-text query over title and description.
	Text   string
	Sort   TaskSort
	Offset int
	// Limit of zero returns every match.
	Limit int
}
