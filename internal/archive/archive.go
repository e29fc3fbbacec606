// Package archive keeps a JSON snapshot of every deleted board in object
// storage. Archiving is best effort: failures are logged, never returned to
// the caller deleting the board.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"collabboard/api/internal/store"
)

type ListSnapshot struct {
	store.List
	Tasks []store.Task `json:"tasks"`
}

type Snapshot struct {
	Board      store.Board        `json:"board"`
	Members    []store.Membership `json:"members"`
	Lists      []ListSnapshot     `json:"lists"`
	Activities []store.Activity   `json:"activities"`
	ArchivedBy string             `json:"archivedBy"`
	ArchivedAt time.Time          `json:"archivedAt"`
}

// ErrDisabled is returned by reads on an archiver without an object store.
var ErrDisabled = errors.New("board archive is disabled")

// ObjectStore is what the archiver needs from a bucket.
type ObjectStore interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
}

type Archiver struct {
	objects ObjectStore
	logger  *log.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// New returns an archiver. A nil objects store yields an archiver that
// discards snapshots.
func New(objects ObjectStore, logger *log.Logger) *Archiver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Archiver{objects: objects, logger: logger, timeout: 30 * time.Second}
}

func (a *Archiver) Enabled() bool {
	return a != nil && a.objects != nil
}

func Key(boardID string, at time.Time) string {
	return fmt.Sprintf("boards/%s/%d.json", boardID, at.Unix())
}

// Save uploads snap in the background.
func (a *Archiver) Save(snap Snapshot) {
	if !a.Enabled() {
		return
	}
	body, err := sonic.Marshal(snap)
	if err != nil {
		a.logger.WithError(err).WithField("board_id", snap.Board.ID).Error("encode board archive")
		return
	}
	key := Key(snap.Board.ID, snap.ArchivedAt)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		fields := log.Fields{"board_id": snap.Board.ID, "key": key}
		if err := a.objects.PutObject(ctx, key, "application/json", body); err != nil {
			a.logger.WithFields(fields).WithError(err).Error("upload board archive")
			return
		}
		a.logger.WithFields(fields).Info("board archived")
	}()
}

// Load fetches and decodes the snapshot stored under key.
func (a *Archiver) Load(ctx context.Context, key string) (Snapshot, error) {
	if !a.Enabled() {
		return Snapshot{}, ErrDisabled
	}
	body, err := a.objects.GetObject(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.Unmarshal(body, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode board archive %s: %w", key, err)
	}
	return snap, nil
}

// Wait blocks until in-flight uploads finish.
func (a *Archiver) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore writes archive objects to an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinio connects and creates the bucket when it is missing.
func NewMinio(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: opts.Bucket}, nil
}

func (m *MinioStore) PutObject(ctx context.Context, key, contentType string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (m *MinioStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}
