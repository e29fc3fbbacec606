package search

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"collabboard/api/internal/store"
)

// indexQueueSize bounds pending index writes before they are dropped.
const indexQueueSize = 1024

// Service tries the engine for free-text queries and falls back to the
// store's own indexed query. Index writes go through one queue drained by a
// single worker, so they reach the engine in the order they were made.
type Service struct {
	engine Engine
	finder TaskFinder
	logger *log.Logger

	queue     chan indexOp
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type indexOp struct {
	name   string
	fields log.Fields
	run    func() error
}

// NewService creates a search service. engine may be nil when no external
// index is configured; the index worker only runs when it is not.
func NewService(engine Engine, finder TaskFinder, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Service{
		engine: engine,
		finder: finder,
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if engine == nil {
		close(s.done)
		return s
	}
	s.queue = make(chan indexOp, indexQueueSize)
	go s.indexLoop()
	return s
}

// Close flushes queued index writes and stops the worker.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Service) indexLoop() {
	defer close(s.done)
	for {
		select {
		case op := <-s.queue:
			s.apply(op)
		case <-s.quit:
			for {
				select {
				case op := <-s.queue:
					s.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) apply(op indexOp) {
	if err := op.run(); err != nil {
		s.logger.WithError(err).WithFields(op.fields).Warn(op.name)
	}
}

func (s *Service) enqueue(op indexOp) {
	if !s.engineUp() {
		return
	}
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.queue <- op:
	default:
		s.logger.WithFields(op.fields).Warn("search index queue full, dropping " + op.name)
	}
}

func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	q = q.normalize()
	if len(q.BoardIDs) == 0 {
		return Response{Tasks: []store.Task{}, CurrentPage: q.Page}, nil
	}

	if q.Text != "" && s.engineUp() {
		tasks, total, err := s.engine.Search(q)
		if err == nil {
			return response(tasks, total, q), nil
		}
		s.logger.WithError(err).Warn("search engine error, falling back to store query")
	}

	tasks, total, err := s.finder.FindTasks(ctx, store.TaskFilter{
		BoardIDs:   q.BoardIDs,
		ListID:     q.ListID,
		AssigneeID: q.AssigneeID,
		Priority:   q.Priority,
		Text:       q.Text,
		Sort:       store.SortByUpdatedDesc,
		Offset:     q.offset(),
		Limit:      q.Limit,
	})
	if err != nil {
		return Response{}, fmt.Errorf("find tasks: %w", err)
	}
	return response(tasks, total, q), nil
}

func response(tasks []store.Task, total int, q Query) Response {
	if tasks == nil {
		tasks = []store.Task{}
	}
	pages := 0
	if total > 0 {
		pages = (total + q.Limit - 1) / q.Limit
	}
	return Response{Tasks: tasks, TotalCount: total, TotalPages: pages, CurrentPage: q.Page}
}

func (s *Service) engineUp() bool {
	return s.engine != nil && s.engine.Healthy()
}

func (s *Service) IndexTask(t store.Task) {
	rec := RecordFromTask(t)
	s.enqueue(indexOp{
		name:   "index task",
		fields: log.Fields{"task_id": rec.ID},
		run:    func() error { return s.engine.IndexTasks([]TaskRecord{rec}) },
	})
}

func (s *Service) DeleteTask(id string) {
	s.enqueue(indexOp{
		name:   "delete task from index",
		fields: log.Fields{"task_id": id},
		run:    func() error { return s.engine.DeleteTask(id) },
	})
}

// DeleteList purges every indexed task of a list.
func (s *Service) DeleteList(listID string) {
	s.deleteWhere("listId", listID)
}

// DeleteBoard purges every indexed task of a board.
func (s *Service) DeleteBoard(boardID string) {
	s.deleteWhere("boardId", boardID)
}

func (s *Service) deleteWhere(field, value string) {
	s.enqueue(indexOp{
		name:   "purge tasks from index",
		fields: log.Fields{field: value},
		run:    func() error { return s.engine.DeleteWhere(field, value) },
	})
}

// ReindexAll pushes every stored task to the engine in batches.
func (s *Service) ReindexAll(ctx context.Context) error {
	if !s.engineUp() {
		return nil
	}
	const batch = 500
	for offset := 0; ; offset += batch {
		tasks, _, err := s.finder.FindTasks(ctx, store.TaskFilter{Offset: offset, Limit: batch})
		if err != nil {
			return fmt.Errorf("load tasks for reindex: %w", err)
		}
		if len(tasks) == 0 {
			return nil
		}
		records := make([]TaskRecord, 0, len(tasks))
		for _, t := range tasks {
			records = append(records, RecordFromTask(t))
		}
		if err := s.engine.IndexTasks(records); err != nil {
			return fmt.Errorf("reindex tasks: %w", err)
		}
		if len(tasks) < batch {
			return nil
		}
	}
}
