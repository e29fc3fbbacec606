package search

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

type fakeMeili struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
}

func (f *fakeMeili) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.bodies[r.Method+" "+r.URL.Path] = string(body)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		_, _ = io.WriteString(w, `{"status":"available"}`)
	case r.Method == http.MethodPost && r.URL.Path == "/multi-search":
		_, _ = io.WriteString(w, `{"results":[{"indexUid":"collab_tasks","hits":[
			{"id":"tsk_1","boardId":"brd_1","listId":"lst_1","title":"Write invoice","description":"","priority":"High","position":0,"assignees":["usr_1"],"createdBy":"usr_1","createdAt":1767225600000,"updatedAt":1767225600000}
		],"query":"invoice","limit":20,"offset":0,"estimatedTotalHits":1,"processingTimeMs":1}]}`)
	default:
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"taskUid":1,"indexUid":"collab_tasks","status":"enqueued","type":"documentAdditionOrUpdate","enqueuedAt":"2026-01-01T00:00:00Z"}`)
	}
}

func (f *fakeMeili) saw(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeMeili) body(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func TestMeiliSearchDecodesHitsAndSendsFilters(t *testing.T) {
	fake := &fakeMeili{bodies: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	m := NewMeili(srv.URL, "key", logger)
	defer m.Close()

	if !m.Healthy() {
		t.Fatal("expected healthy engine")
	}
	if !fake.saw("POST /indexes") {
		t.Fatal("expected task index to be created")
	}

	tasks, total, err := m.Search(Query{BoardIDs: []string{"brd_1"}, Text: "invoice", AssigneeID: "usr_1"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 1 || len(tasks) != 1 {
		t.Fatalf("Search() = %d tasks, total %d", len(tasks), total)
	}
	if tasks[0].ID != "tsk_1" || tasks[0].Priority != "High" || tasks[0].Assignees[0] != "usr_1" {
		t.Fatalf("task = %+v", tasks[0])
	}

	body := fake.body("POST /multi-search")
	for _, want := range []string{`boardId IN [\"brd_1\"]`, `assignees = \"usr_1\"`, `"q":"invoice"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("multi-search body %s missing %s", body, want)
		}
	}
}

func TestMeiliIndexAndDelete(t *testing.T) {
	fake := &fakeMeili{bodies: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	m := NewMeili(srv.URL, "key", logger)
	defer m.Close()

	if err := m.IndexTasks([]TaskRecord{{ID: "tsk_1", BoardID: "brd_1"}}); err != nil {
		t.Fatalf("IndexTasks() error = %v", err)
	}
	if err := m.DeleteTask("tsk_1"); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if err := m.DeleteWhere("boardId", "brd_1"); err != nil {
		t.Fatalf("DeleteWhere() error = %v", err)
	}

	if !fake.saw("POST /indexes/collab_tasks/documents") {
		t.Fatal("expected documents to be added")
	}
	if !fake.saw("DELETE /indexes/collab_tasks/documents/tsk_1") {
		t.Fatal("expected document delete")
	}
	if !strings.Contains(fake.body("POST /indexes/collab_tasks/documents/delete"), `boardId = \"brd_1\"`) {
		t.Fatal("expected delete by filter")
	}
}

func TestMeiliUnreachableIsUnhealthy(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewMeili("http://127.0.0.1:1", "key", logger)
	defer m.Close()

	if m.Healthy() {
		t.Fatal("expected unhealthy engine")
	}
	if _, _, err := m.Search(Query{BoardIDs: []string{"brd_1"}, Text: "x"}); err == nil {
		t.Fatal("expected error from unhealthy engine")
	}
}
