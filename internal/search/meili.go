package search

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	meili "github.com/meilisearch/meilisearch-go"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"collabboard/api/internal/store"
)

const idxTasks = "collab_tasks"

// Meili implements Engine via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
	healthy atomic.Bool
	done    chan struct{}
	every   time.Duration
}

// NewMeili creates a Meilisearch client and configures the task index.
// An unreachable server is not an error: the engine reports unhealthy and
// the health loop picks it up once it appears.
func NewMeili(url, apiKey string, logger *log.Logger) *Meili {
	if logger == nil {
		logger = log.StandardLogger()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
		every:  10 * time.Second,
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "meilisearch",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})

	if _, err := m.client.Health(); err != nil {
		logger.WithError(err).WithField("url", url).Warn("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxTasks,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.WithError(err).WithField("index", idxTasks).Debug("create index (may already exist)")
	}

	index := m.client.Index(idxTasks)
	filterable := []interface{}{"boardId", "listId", "assignees", "priority"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.WithError(err).WithField("index", idxTasks).Warn("update filterable attributes")
	}
	searchable := []string{"title", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.WithError(err).WithField("index", idxTasks).Warn("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring task index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load() && m.breaker.State() != gobreaker.StateOpen
}

func (m *Meili) Search(q Query) ([]store.Task, int, error) {
	if !m.Healthy() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	q = q.normalize()

	out, err := m.breaker.Execute(func() (interface{}, error) {
		return m.client.MultiSearch(&meili.MultiSearchRequest{
			Queries: []*meili.SearchRequest{{
				IndexUID: idxTasks,
				Query:    q.Text,
				Limit:    int64(q.Limit),
				Offset:   int64(q.offset()),
				Filter:   filterFor(q),
			}},
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}
	resp := out.(*meili.MultiSearchResponse)

	var tasks []store.Task
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			task, err := hitToTask(hit)
			if err != nil {
				m.logger.WithError(err).Warn("skip undecodable search hit")
				continue
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, total, nil
}

func filterFor(q Query) []string {
	quoted := make([]string, 0, len(q.BoardIDs))
	for _, id := range q.BoardIDs {
		quoted = append(quoted, fmt.Sprintf("%q", id))
	}
	filters := []string{"boardId IN [" + strings.Join(quoted, ", ") + "]"}
	if q.ListID != "" {
		filters = append(filters, fmt.Sprintf("listId = %q", q.ListID))
	}
	if q.AssigneeID != "" {
		filters = append(filters, fmt.Sprintf("assignees = %q", q.AssigneeID))
	}
	if q.Priority != "" {
		filters = append(filters, fmt.Sprintf("priority = %q", string(q.Priority)))
	}
	return filters
}

func hitToTask(hit meili.Hit) (store.Task, error) {
	raw, err := sonic.Marshal(hit)
	if err != nil {
		return store.Task{}, err
	}
	var rec TaskRecord
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return store.Task{}, err
	}
	if rec.ID == "" {
		return store.Task{}, fmt.Errorf("hit has no id")
	}
	return rec.Task(), nil
}

func (m *Meili) IndexTasks(tasks []TaskRecord) error {
	if len(tasks) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTasks).AddDocuments(tasks, nil)
	return err
}

func (m *Meili) DeleteTask(id string) error {
	_, err := m.client.Index(idxTasks).DeleteDocument(id, nil)
	return err
}

func (m *Meili) DeleteWhere(field, value string) error {
	_, err := m.client.Index(idxTasks).DeleteDocumentsByFilter(fmt.Sprintf("%s = %q", field, value), nil)
	return err
}
