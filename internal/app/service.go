package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"collabboard/api/internal/activity"
	"collabboard/api/internal/archive"
	"collabboard/api/internal/auth"
	"collabboard/api/internal/keylock"
	"collabboard/api/internal/rbac"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/search"
	"collabboard/api/internal/store"
)

const tracerName = "collabboard/api/internal/app"

type Dependencies struct {
	Store    store.Store
	Activity *activity.Log
	Hub      *realtime.Hub
	Search   *search.Service
	Archive  *archive.Archiver
	Logger   *log.Logger
}

// Service is the Membership Authority and the Board Aggregate Manager.
// Every mutation of a board runs under that board's lock: authorisation,
// the store transaction, the activity append and the broadcast happen in
// that order before the lock is released, so same-board mutations and
// their notifications are totally ordered.
type Service struct {
	store    store.Store
	locks    *keylock.Set
	activity *activity.Log
	hub      *realtime.Hub
	search   *search.Service
	archive  *archive.Archiver
	logger   *log.Logger
	now      func() time.Time
}

func New(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	activities := deps.Activity
	if activities == nil {
		activities = activity.New(deps.Store, logger)
	}
	hub := deps.Hub
	if hub == nil {
		hub = realtime.NewHub(0, logger)
	}
	searcher := deps.Search
	if searcher == nil {
		searcher = search.NewService(nil, deps.Store, logger)
	}
	return &Service{
		store:    deps.Store,
		locks:    keylock.New(),
		activity: activities,
		hub:      hub,
		search:   searcher,
		archive:  deps.Archive,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

// change is what a committed mutation must announce.
type change struct {
	boardID  string
	activity *activity.Entry
	// event is the board broadcast kind; empty means nothing changed.
	event      string
	data       any
	identities []string
	direct     realtime.Event
	after      []func()
}

type mutation func(ctx context.Context, tx store.Repository, membership store.Membership) (*change, error)

// withBoard runs fn in one transaction under the board's lock, after
// checking that identity holds at least required on the board.
func (s *Service) withBoard(ctx context.Context, op string, identity auth.Identity, boardID string, required rbac.Role, fn mutation) (err error) {
	ctx, span := startSpan(ctx, op, identity, boardID)
	defer func() { endSpan(span, err) }()

	unlock, err := s.locks.Lock(ctx, boardID)
	if err != nil {
		return fmt.Errorf("lock board %s: %w", boardID, err)
	}
	defer unlock()

	var result *change
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		membership, err := authorize(ctx, tx, identity.ID, boardID, required)
		if err != nil {
			return err
		}
		result, err = fn(ctx, tx, membership)
		return err
	})
	if err != nil {
		return err
	}
	s.announce(ctx, result)
	return nil
}

// announce records the activity and publishes the broadcast of a committed
// change. Neither can fail the mutation.
func (s *Service) announce(ctx context.Context, c *change) {
	if c == nil {
		return
	}
	var recorded *store.Activity
	if c.activity != nil {
		recorded = s.activity.Record(ctx, *c.activity)
	}
	if c.event != "" {
		s.hub.Publish(c.boardID, realtime.Event{Kind: c.event, BoardID: c.boardID, Activity: recorded, Data: c.data})
	}
	for _, id := range c.identities {
		s.hub.PublishToIdentity(id, c.direct)
	}
	for _, fn := range c.after {
		fn()
	}
}

// readBoard runs a read under the board lock so it never interleaves with a
// cascade on this instance, inside a transaction for a single snapshot.
func (s *Service) readBoard(ctx context.Context, op string, identity auth.Identity, boardID string, fn func(ctx context.Context, tx store.Repository, membership store.Membership) error) (err error) {
	ctx, span := startSpan(ctx, op, identity, boardID)
	defer func() { endSpan(span, err) }()

	unlock, err := s.locks.Lock(ctx, boardID)
	if err != nil {
		return fmt.Errorf("lock board %s: %w", boardID, err)
	}
	defer unlock()

	return s.store.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		membership, err := authorize(ctx, tx, identity.ID, boardID, rbac.RoleViewer)
		if err != nil {
			return err
		}
		return fn(ctx, tx, membership)
	})
}

func startSpan(ctx context.Context, op string, identity auth.Identity, boardID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("actor.id", identity.ID)}
	if boardID != "" {
		attrs = append(attrs, attribute.String("board.id", boardID))
	}
	return otel.Tracer(tracerName).Start(ctx, "board."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// lookup converts a store miss into a NotFound domain error.
func lookup(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(what)
	}
	return err
}
