package archive

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"collabboard/api/internal/store"
)

type fakeObjects struct {
	mu   sync.Mutex
	puts map[string][]byte
	err  error
}

func (f *fakeObjects) PutObject(_ context.Context, key, contentType string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	if contentType != "application/json" {
		return errors.New("unexpected content type " + contentType)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = body
	return nil
}

func (f *fakeObjects) GetObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.puts[key]
	if !ok {
		return nil, errors.New("no such key " + key)
	}
	return body, nil
}

func sampleSnapshot(at time.Time) Snapshot {
	return Snapshot{
		Board:   store.Board{ID: "brd_1", Title: "Launch", OwnerID: "usr_1"},
		Members: []store.Membership{{BoardID: "brd_1", UserID: "usr_1", Role: "owner"}},
		Lists: []ListSnapshot{{
			List:  store.List{ID: "lst_1", BoardID: "brd_1", Title: "Todo"},
			Tasks: []store.Task{{ID: "tsk_1", BoardID: "brd_1", ListID: "lst_1", Title: "Ship"}},
		}},
		Activities: []store.Activity{{ID: "act_1", Seq: 1, BoardID: "brd_1", Action: "BOARD_CREATED"}},
		ArchivedBy: "usr_1",
		ArchivedAt: at,
	}
}

func TestSaveUploadsSnapshot(t *testing.T) {
	objects := &fakeObjects{puts: map[string][]byte{}}
	logger, _ := test.NewNullLogger()
	a := New(objects, logger)

	at := time.Unix(1767225600, 0).UTC()
	a.Save(sampleSnapshot(at))
	a.Wait()

	body, ok := objects.puts["boards/brd_1/1767225600.json"]
	if !ok {
		t.Fatalf("missing archive object, have %v", objects.puts)
	}
	var got Snapshot
	if err := sonic.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if got.Board.Title != "Launch" || len(got.Lists) != 1 || got.Lists[0].Tasks[0].ID != "tsk_1" || len(got.Activities) != 1 {
		t.Fatalf("archive = %+v", got)
	}
}

func TestSaveFailureIsLogged(t *testing.T) {
	objects := &fakeObjects{puts: map[string][]byte{}, err: errors.New("bucket gone")}
	logger, hook := test.NewNullLogger()
	a := New(objects, logger)

	a.Save(sampleSnapshot(time.Now()))
	a.Wait()

	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel || entry.Data["board_id"] != "brd_1" {
		t.Fatalf("expected error log, got %+v", entry)
	}
}

func TestDisabledArchiverIsNoop(t *testing.T) {
	a := New(nil, nil)
	if a.Enabled() {
		t.Fatal("archiver without object store should be disabled")
	}
	a.Save(sampleSnapshot(time.Now()))
	a.Wait()

	var nilArchiver *Archiver
	if nilArchiver.Enabled() {
		t.Fatal("nil archiver should be disabled")
	}
	nilArchiver.Wait()
}

func TestLoadReadsSavedSnapshot(t *testing.T) {
	objects := &fakeObjects{puts: map[string][]byte{}}
	logger, _ := test.NewNullLogger()
	a := New(objects, logger)
	ctx := context.Background()

	at := time.Unix(1767225600, 0).UTC()
	a.Save(sampleSnapshot(at))
	a.Wait()

	snap, err := a.Load(ctx, Key("brd_1", at))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap.Board.Title != "Launch" || len(snap.Lists) != 1 || snap.Lists[0].Tasks[0].ID != "tsk_1" || !snap.ArchivedAt.Equal(at) {
		t.Fatalf("Load() = %+v", snap)
	}

	if _, err := a.Load(ctx, Key("brd_missing", at)); err == nil {
		t.Fatal("Load() of a missing key should fail")
	}
	objects.puts["boards/brd_bad/1.json"] = []byte("{not json")
	if _, err := a.Load(ctx, "boards/brd_bad/1.json"); err == nil {
		t.Fatal("Load() of a corrupt object should fail")
	}
	if _, err := New(nil, logger).Load(ctx, Key("brd_1", at)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Load() error = %v, want ErrDisabled", err)
	}
}

func TestMinioRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	endpoint := strings.TrimSpace(os.Getenv("COLLAB_TEST_MINIO_ENDPOINT"))
	if endpoint == "" {
		t.Skip("COLLAB_TEST_MINIO_ENDPOINT is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := NewMinio(ctx, MinioOptions{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("COLLAB_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("COLLAB_TEST_MINIO_SECRET_KEY"),
		Bucket:    "collab-archive-test",
	})
	if err != nil {
		t.Fatalf("NewMinio() error = %v", err)
	}
	key := Key("brd_it", time.Now())
	if err := m.PutObject(ctx, key, "application/json", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	got, err := m.GetObject(ctx, key)
	if err != nil || string(got) != `{"ok":true}` {
		t.Fatalf("GetObject() = %q, %v", got, err)
	}

	logger, _ := test.NewNullLogger()
	a := New(m, logger)
	at := time.Now().UTC().Truncate(time.Second)
	a.Save(sampleSnapshot(at))
	a.Wait()
	snap, err := a.Load(ctx, Key("brd_1", at))
	if err != nil || snap.Board.ID != "brd_1" {
		t.Fatalf("Load() = %+v, %v", snap, err)
	}
}
