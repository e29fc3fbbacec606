package activity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"collabboard/api/internal/store"
)

func seedBoard(t *testing.T) (*store.MemoryStore, store.User) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	owner, err := s.UpsertUser(ctx, store.User{ID: "usr_owner", Name: "Owner", Email: "owner@example.com"})
	if err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	now := time.Now().UTC()
	if err := s.InsertBoard(ctx, store.Board{ID: "brd_1", Title: "Launch", OwnerID: owner.ID, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("InsertBoard() error = %v", err)
	}
	return s, owner
}

func TestRecordAppendsActivity(t *testing.T) {
	s, owner := seedBoard(t)
	logger, hook := test.NewNullLogger()
	l := New(s, logger)

	got := l.Record(context.Background(), Entry{
		BoardID:    "brd_1",
		ActorID:    owner.ID,
		Action:     TaskMoved,
		TargetType: TargetTask,
		TargetID:   "tsk_1",
		Metadata:   map[string]string{"fromList": "lst_a", "toList": "lst_b"},
	})
	if got == nil {
		t.Fatal("Record() returned nil")
	}
	if got.Seq == 0 || got.ID == "" || got.CreatedAt.IsZero() {
		t.Fatalf("Record() = %+v, want id, seq and timestamp", got)
	}
	if got.Metadata["toList"] != "lst_b" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("unexpected log entries: %d", len(hook.AllEntries()))
	}
}

func TestRecordSurvivesCancelledContext(t *testing.T) {
	s, owner := seedBoard(t)
	logger, _ := test.NewNullLogger()
	l := New(s, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := l.Record(ctx, Entry{BoardID: "brd_1", ActorID: owner.ID, Action: BoardRenamed, TargetType: TargetBoard, TargetID: "brd_1"}); got == nil {
		t.Fatal("Record() with a cancelled request context returned nil")
	}
}

type failingStore struct {
	store.Repository
	err error
}

func (f failingStore) AppendActivity(context.Context, store.Activity) (store.Activity, error) {
	return store.Activity{}, f.err
}

func TestRecordSwallowsAppendFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := New(failingStore{err: errors.New("disk full")}, logger)

	got := l.Record(context.Background(), Entry{BoardID: "brd_1", ActorID: "usr_1", Action: TaskDeleted, TargetType: TargetTask, TargetID: "tsk_1"})
	if got != nil {
		t.Fatalf("Record() = %+v, want nil", got)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected an error log entry, got %+v", entry)
	}
	if entry.Data["board_id"] != "brd_1" || entry.Data["action"] != TaskDeleted {
		t.Fatalf("log fields = %v", entry.Data)
	}
}

func TestRecordRejectsUnknownAction(t *testing.T) {
	s, owner := seedBoard(t)
	logger, hook := test.NewNullLogger()
	l := New(s, logger)

	if got := l.Record(context.Background(), Entry{BoardID: "brd_1", ActorID: owner.ID, Action: "BOARD_EXPLODED"}); got != nil {
		t.Fatalf("Record() = %+v, want nil", got)
	}
	if len(hook.AllEntries()) != 1 {
		t.Fatalf("log entries = %d, want 1", len(hook.AllEntries()))
	}
	_, total, err := s.ListActivities(context.Background(), "brd_1", 0, 10)
	if err != nil || total != 0 {
		t.Fatalf("ListActivities() total = %d, err = %v; want 0", total, err)
	}
}

func TestListPagesNewestFirstWithActors(t *testing.T) {
	s, owner := seedBoard(t)
	logger, _ := test.NewNullLogger()
	l := New(s, logger)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if l.Record(ctx, Entry{BoardID: "brd_1", ActorID: owner.ID, Action: TaskCreated, TargetType: TargetTask, TargetID: fmt.Sprintf("tsk_%d", i)}) == nil {
			t.Fatalf("Record(%d) returned nil", i)
		}
	}
	l.Record(ctx, Entry{BoardID: "brd_1", ActorID: "usr_gone", Action: TaskDeleted, TargetType: TargetTask, TargetID: "tsk_0"})

	page, err := l.List(ctx, "brd_1", 1, 4)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.TotalCount != 6 || page.TotalPages != 2 || page.CurrentPage != 1 || page.PageSize != 4 {
		t.Fatalf("page meta = %+v", page)
	}
	if len(page.Activities) != 4 {
		t.Fatalf("len(activities) = %d, want 4", len(page.Activities))
	}
	if page.Activities[0].Action != TaskDeleted || page.Activities[0].Actor.ID != "usr_gone" {
		t.Fatalf("first activity = %+v", page.Activities[0])
	}
	if page.Activities[1].Actor.Name != "Owner" || page.Activities[1].TargetID != "tsk_4" {
		t.Fatalf("second activity = %+v", page.Activities[1])
	}
	for i := 1; i < len(page.Activities); i++ {
		if page.Activities[i-1].Seq <= page.Activities[i].Seq {
			t.Fatalf("activities not newest first: %d then %d", page.Activities[i-1].Seq, page.Activities[i].Seq)
		}
	}

	second, err := l.List(ctx, "brd_1", 2, 4)
	if err != nil {
		t.Fatalf("List(page 2) error = %v", err)
	}
	if len(second.Activities) != 2 || second.Activities[1].TargetID != "tsk_0" {
		t.Fatalf("page 2 = %+v", second.Activities)
	}
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 1, DefaultPageSize},
		{-3, 10, 1, 10},
		{2, 51, 2, MaxPageSize},
		{4, 50, 4, 50},
	}
	for _, tt := range tests {
		gotPage, gotSize := NormalizePage(tt.page, tt.size)
		if gotPage != tt.wantPage || gotSize != tt.wantSize {
			t.Fatalf("NormalizePage(%d, %d) = (%d, %d), want (%d, %d)", tt.page, tt.size, gotPage, gotSize, tt.wantPage, tt.wantSize)
		}
	}
}

func TestTotalPages(t *testing.T) {
	if got := TotalPages(0, 20); got != 0 {
		t.Fatalf("TotalPages(0) = %d", got)
	}
	if got := TotalPages(41, 20); got != 3 {
		t.Fatalf("TotalPages(41, 20) = %d, want 3", got)
	}
}
