package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"collabboard/api/internal/store"
)

type fakeEngine struct {
	healthy     bool
	searchFn    func(q Query) ([]store.Task, int, error)
	mu          sync.Mutex
	indexed     []TaskRecord
	deleted     []string
	deleteWhere []string
	calls       chan string
	// gate, when set, holds every IndexTasks call until it is closed.
	gate chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{healthy: true, calls: make(chan string, 16)}
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) Search(q Query) ([]store.Task, int, error) {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return nil, 0, nil
}

func (f *fakeEngine) IndexTasks(tasks []TaskRecord) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.indexed = append(f.indexed, tasks...)
	f.mu.Unlock()
	f.calls <- "index"
	return nil
}

func (f *fakeEngine) DeleteTask(id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	f.calls <- "delete"
	return nil
}

func (f *fakeEngine) DeleteWhere(field, value string) error {
	f.mu.Lock()
	f.deleteWhere = append(f.deleteWhere, field+"="+value)
	f.mu.Unlock()
	f.calls <- "deleteWhere"
	return nil
}

func (f *fakeEngine) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.calls:
		if got != want {
			t.Fatalf("engine call = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now().UTC()
	if _, err := s.UpsertUser(ctx, store.User{ID: "usr_1", Name: "Ada"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	for _, b := range []string{"brd_1", "brd_2"} {
		if err := s.InsertBoard(ctx, store.Board{ID: b, Title: b, OwnerID: "usr_1", CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("InsertBoard() error = %v", err)
		}
		if err := s.InsertList(ctx, store.List{ID: "lst_" + b, BoardID: b, Title: "Todo", CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("InsertList() error = %v", err)
		}
	}
	tasks := []store.Task{
		{ID: "tsk_a", BoardID: "brd_1", ListID: "lst_brd_1", Title: "Write invoice", Priority: store.PriorityHigh, Assignees: []string{"usr_1"}},
		{ID: "tsk_b", BoardID: "brd_1", ListID: "lst_brd_1", Title: "Call supplier", Priority: store.PriorityLow, Position: 1},
		{ID: "tsk_c", BoardID: "brd_2", ListID: "lst_brd_2", Title: "Invoice archive", Priority: store.PriorityMedium},
	}
	for i, task := range tasks {
		task.CreatedBy = "usr_1"
		task.CreatedAt = now
		task.UpdatedAt = now.Add(time.Duration(i) * time.Second)
		if err := s.InsertTask(ctx, task); err != nil {
			t.Fatalf("InsertTask(%s) error = %v", task.ID, err)
		}
	}
	return s
}

func TestSearchFallsBackToStoreWithoutEngine(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc := NewService(nil, seededStore(t), logger)

	resp, err := svc.Search(context.Background(), Query{BoardIDs: []string{"brd_1"}, Text: "invoice"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.TotalCount != 1 || len(resp.Tasks) != 1 || resp.Tasks[0].ID != "tsk_a" {
		t.Fatalf("Search() = %+v", resp)
	}
	if resp.CurrentPage != 1 || resp.TotalPages != 1 {
		t.Fatalf("paging = %+v", resp)
	}
}

func TestSearchFiltersAndPages(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc := NewService(nil, seededStore(t), logger)
	ctx := context.Background()

	resp, err := svc.Search(ctx, Query{BoardIDs: []string{"brd_1", "brd_2"}, Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.TotalCount != 3 || resp.TotalPages != 2 || resp.CurrentPage != 2 || len(resp.Tasks) != 1 {
		t.Fatalf("page 2 = %+v", resp)
	}
	if resp.Tasks[0].ID != "tsk_a" {
		t.Fatalf("oldest update should be last, got %s", resp.Tasks[0].ID)
	}

	resp, err = svc.Search(ctx, Query{BoardIDs: []string{"brd_1"}, AssigneeID: "usr_1"})
	if err != nil || resp.TotalCount != 1 {
		t.Fatalf("assignee filter = %+v, %v", resp, err)
	}
	resp, err = svc.Search(ctx, Query{BoardIDs: []string{"brd_1"}, Priority: store.PriorityLow})
	if err != nil || resp.TotalCount != 1 || resp.Tasks[0].ID != "tsk_b" {
		t.Fatalf("priority filter = %+v, %v", resp, err)
	}
}

func TestSearchWithoutBoardsMatchesNothing(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc := NewService(nil, seededStore(t), logger)

	resp, err := svc.Search(context.Background(), Query{Text: "invoice"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.TotalCount != 0 || len(resp.Tasks) != 0 || resp.Tasks == nil {
		t.Fatalf("Search() = %+v", resp)
	}
}

func TestSearchPrefersHealthyEngine(t *testing.T) {
	logger, _ := test.NewNullLogger()
	engine := newFakeEngine()
	var got Query
	engine.searchFn = func(q Query) ([]store.Task, int, error) {
		got = q
		return []store.Task{{ID: "tsk_from_engine"}}, 1, nil
	}
	svc := NewService(engine, seededStore(t), logger)

	resp, err := svc.Search(context.Background(), Query{BoardIDs: []string{"brd_1"}, Text: "invoice", Limit: 500})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "tsk_from_engine" {
		t.Fatalf("Search() = %+v", resp)
	}
	if got.Limit != MaxLimit || got.Page != 1 {
		t.Fatalf("engine query = %+v, want limit capped at %d", got, MaxLimit)
	}
}

func TestSearchFallsBackWhenEngineFails(t *testing.T) {
	logger, hook := test.NewNullLogger()
	engine := newFakeEngine()
	engine.searchFn = func(Query) ([]store.Task, int, error) {
		return nil, 0, errors.New("boom")
	}
	svc := NewService(engine, seededStore(t), logger)

	resp, err := svc.Search(context.Background(), Query{BoardIDs: []string{"brd_2"}, Text: "invoice"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.TotalCount != 1 || resp.Tasks[0].ID != "tsk_c" {
		t.Fatalf("Search() = %+v", resp)
	}
	if hook.LastEntry() == nil {
		t.Fatal("expected fallback to be logged")
	}
}

func TestIndexMaintenanceIsForwarded(t *testing.T) {
	logger, _ := test.NewNullLogger()
	engine := newFakeEngine()
	svc := NewService(engine, seededStore(t), logger)

	svc.IndexTask(store.Task{ID: "tsk_new", BoardID: "brd_1", ListID: "lst_brd_1", Title: "New"})
	engine.wait(t, "index")
	svc.DeleteTask("tsk_new")
	engine.wait(t, "delete")
	svc.DeleteList("lst_brd_1")
	engine.wait(t, "deleteWhere")
	svc.DeleteBoard("brd_2")
	engine.wait(t, "deleteWhere")

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.indexed) != 1 || engine.indexed[0].ID != "tsk_new" || engine.indexed[0].Assignees == nil {
		t.Fatalf("indexed = %+v", engine.indexed)
	}
	if len(engine.deleteWhere) != 2 || engine.deleteWhere[0] != "listId=lst_brd_1" || engine.deleteWhere[1] != "boardId=brd_2" {
		t.Fatalf("deleteWhere = %v", engine.deleteWhere)
	}
}

func TestIndexWritesReachEngineInOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	svc := NewService(engine, seededStore(t), logger)
	defer svc.Close()

	svc.IndexTask(store.Task{ID: "tsk_new", BoardID: "brd_1", ListID: "lst_brd_1", Title: "New"})
	svc.DeleteTask("tsk_new")
	svc.DeleteBoard("brd_1")

	select {
	case call := <-engine.calls:
		t.Fatalf("%q ran while the index write was still pending", call)
	case <-time.After(50 * time.Millisecond):
	}
	close(engine.gate)
	engine.wait(t, "index")
	engine.wait(t, "delete")
	engine.wait(t, "deleteWhere")
}

func TestCloseFlushesQueuedIndexWrites(t *testing.T) {
	logger, _ := test.NewNullLogger()
	engine := newFakeEngine()
	svc := NewService(engine, seededStore(t), logger)

	for _, id := range []string{"tsk_1", "tsk_2", "tsk_3"} {
		svc.IndexTask(store.Task{ID: id, BoardID: "brd_1"})
	}
	svc.Close()
	svc.Close()

	engine.mu.Lock()
	got := len(engine.indexed)
	engine.mu.Unlock()
	if got != 3 {
		t.Fatalf("indexed %d tasks before close returned, want 3", got)
	}

	svc.IndexTask(store.Task{ID: "tsk_late"})
	time.Sleep(20 * time.Millisecond)
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.indexed) != 3 {
		t.Fatalf("write after close reached the engine: %+v", engine.indexed)
	}
}

func TestCloseWithoutEngineReturns(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc := NewService(nil, seededStore(t), logger)
	svc.IndexTask(store.Task{ID: "tsk_1"})
	svc.Close()
}

func TestUnhealthyEngineIsSkipped(t *testing.T) {
	logger, _ := test.NewNullLogger()
	engine := newFakeEngine()
	engine.healthy = false
	engine.searchFn = func(Query) ([]store.Task, int, error) {
		t.Fatal("unhealthy engine must not be queried")
		return nil, 0, nil
	}
	svc := NewService(engine, seededStore(t), logger)

	svc.IndexTask(store.Task{ID: "tsk_x"})
	if _, err := svc.Search(context.Background(), Query{BoardIDs: []string{"brd_1"}, Text: "call"}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	select {
	case call := <-engine.calls:
		t.Fatalf("unexpected engine call %q", call)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReindexAllPushesEveryTask(t *testing.T) {
	logger, _ := test.NewNullLogger()
	engine := newFakeEngine()
	svc := NewService(engine, seededStore(t), logger)

	if err := svc.ReindexAll(context.Background()); err != nil {
		t.Fatalf("ReindexAll() error = %v", err)
	}
	engine.wait(t, "index")
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.indexed) != 3 {
		t.Fatalf("indexed %d tasks, want 3", len(engine.indexed))
	}
}

func TestTaskRecordRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := store.Task{ID: "tsk_1", BoardID: "brd_1", ListID: "lst_1", Title: "T", Priority: store.PriorityHigh, Assignees: []string{"usr_1"}, CreatedAt: now, UpdatedAt: now}
	got := RecordFromTask(task).Task()
	if got.ID != task.ID || got.Priority != task.Priority || !got.UpdatedAt.Equal(now) || len(got.Assignees) != 1 {
		t.Fatalf("round trip = %+v", got)
	}
}
