package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps every collection in process. Transactions work on a
// copy of the data that replaces the live copy on commit, so a failed
// transaction leaves no trace. Writes outside a transaction are serialised
// with transactions.
type MemoryStore struct {
	memRepo
	txMu sync.Mutex
	mu   sync.RWMutex
}

type memData struct {
	users       map[string]User
	boards      map[string]Board
	lists       map[string]List
	tasks       map[string]Task
	memberships map[string]Membership
	activities  []Activity
	activitySeq int64
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.memRepo = memRepo{
		data: &memData{
			users:       map[string]User{},
			boards:      map[string]Board{},
			lists:       map[string]List{},
			tasks:       map[string]Task{},
			memberships: map[string]Membership{},
		},
		store: s,
	}
	return s
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	working := s.data.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memRepo{data: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = working
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (d *memData) clone() *memData {
	out := &memData{
		users:       make(map[string]User, len(d.users)),
		boards:      make(map[string]Board, len(d.boards)),
		lists:       make(map[string]List, len(d.lists)),
		tasks:       make(map[string]Task, len(d.tasks)),
		memberships: make(map[string]Membership, len(d.memberships)),
		activities:  make([]Activity, len(d.activities)),
		activitySeq: d.activitySeq,
	}
	for k, v := range d.users {
		out.users[k] = v
	}
	for k, v := range d.boards {
		out.boards[k] = v
	}
	for k, v := range d.lists {
		out.lists[k] = v
	}
	for k, v := range d.tasks {
		out.tasks[k] = v.clone()
	}
	for k, v := range d.memberships {
		out.memberships[k] = v
	}
	copy(out.activities, d.activities)
	return out
}

// memRepo implements Repository over one memData. When store is nil the
// repo belongs to a transaction and the caller already holds txMu.
type memRepo struct {
	data  *memData
	store *MemoryStore
}

func (r *memRepo) read() func() {
	if r.store == nil {
		return func() {}
	}
	r.store.mu.RLock()
	return r.store.mu.RUnlock
}

func (r *memRepo) write() func() {
	if r.store == nil {
		return func() {}
	}
	r.store.txMu.Lock()
	r.store.mu.Lock()
	return func() {
		r.store.mu.Unlock()
		r.store.txMu.Unlock()
	}
}

func membershipKey(boardID, userID string) string {
	return boardID + "\x00" + userID
}

func (r *memRepo) UpsertUser(_ context.Context, user User) (User, error) {
	defer r.write()()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Email != "" {
		for _, existing := range r.data.users {
			if existing.ID != user.ID && existing.Email == user.Email {
				return User{}, ErrDuplicate
			}
		}
	}
	if existing, ok := r.data.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
		if user.Name == "" {
			user.Name = existing.Name
		}
		if user.Email == "" {
			user.Email = existing.Email
		}
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	r.data.users[user.ID] = user
	return user, nil
}

func (r *memRepo) GetUser(_ context.Context, id string) (User, error) {
	defer r.read()()
	user, ok := r.data.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (r *memRepo) GetUserByEmail(_ context.Context, email string) (User, error) {
	defer r.read()()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range r.data.users {
		if email != "" && user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *memRepo) ListUsers(_ context.Context, ids []string) ([]User, error) {
	defer r.read()()
	out := make([]User, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if user, ok := r.data.users[id]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}

func (r *memRepo) InsertBoard(_ context.Context, board Board) error {
	defer r.write()()
	if _, ok := r.data.boards[board.ID]; ok {
		return ErrDuplicate
	}
	r.data.boards[board.ID] = board
	return nil
}

func (r *memRepo) GetBoard(_ context.Context, id string) (Board, error) {
	defer r.read()()
	board, ok := r.data.boards[id]
	if !ok {
		return Board{}, ErrNotFound
	}
	return board, nil
}

func (r *memRepo) UpdateBoardTitle(_ context.Context, id, title string, at time.Time) error {
	defer r.write()()
	board, ok := r.data.boards[id]
	if !ok {
		return ErrNotFound
	}
	board.Title = title
	board.UpdatedAt = at
	r.data.boards[id] = board
	return nil
}

func (r *memRepo) DeleteBoard(_ context.Context, id string) error {
	defer r.write()()
	if _, ok := r.data.boards[id]; !ok {
		return ErrNotFound
	}
	for _, list := range r.data.lists {
		if list.BoardID == id {
			return ErrConstraint
		}
	}
	for _, m := range r.data.memberships {
		if m.BoardID == id {
			return ErrConstraint
		}
	}
	for _, a := range r.data.activities {
		if a.BoardID == id {
			return ErrConstraint
		}
	}
	delete(r.data.boards, id)
	return nil
}

func (r *memRepo) ListBoardsForUser(_ context.Context, userID string) ([]BoardSummary, error) {
	defer r.read()()
	var out []BoardSummary
	for _, m := range r.data.memberships {
		if m.UserID != userID {
			continue
		}
		if board, ok := r.data.boards[m.BoardID]; ok {
			out = append(out, BoardSummary{Board: board, Role: m.Role})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memRepo) InsertList(_ context.Context, list List) error {
	defer r.write()()
	if _, ok := r.data.boards[list.BoardID]; !ok {
		return ErrConstraint
	}
	if _, ok := r.data.lists[list.ID]; ok {
		return ErrDuplicate
	}
	r.data.lists[list.ID] = list
	return nil
}

func (r *memRepo) GetList(_ context.Context, id string) (List, error) {
	defer r.read()()
	list, ok := r.data.lists[id]
	if !ok {
		return List{}, ErrNotFound
	}
	return list, nil
}

func (r *memRepo) ListLists(_ context.Context, boardID string) ([]List, error) {
	defer r.read()()
	var out []List
	for _, list := range r.data.lists {
		if list.BoardID == boardID {
			out = append(out, list)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memRepo) UpdateListTitle(_ context.Context, id, title string, at time.Time) error {
	defer r.write()()
	list, ok := r.data.lists[id]
	if !ok {
		return ErrNotFound
	}
	list.Title = title
	list.UpdatedAt = at
	r.data.lists[id] = list
	return nil
}

func (r *memRepo) DeleteList(_ context.Context, id string) error {
	defer r.write()()
	if _, ok := r.data.lists[id]; !ok {
		return ErrNotFound
	}
	for _, task := range r.data.tasks {
		if task.ListID == id {
			return ErrConstraint
		}
	}
	delete(r.data.lists, id)
	return nil
}

func (r *memRepo) DeleteListsByBoard(_ context.Context, boardID string) (int64, error) {
	defer r.write()()
	for _, task := range r.data.tasks {
		if task.BoardID == boardID {
			return 0, ErrConstraint
		}
	}
	var n int64
	for id, list := range r.data.lists {
		if list.BoardID == boardID {
			delete(r.data.lists, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) NextListPosition(_ context.Context, boardID string) (float64, error) {
	defer r.read()()
	next := 0.0
	for _, list := range r.data.lists {
		if list.BoardID == boardID && list.Position+1 > next {
			next = list.Position + 1
		}
	}
	return next, nil
}

func (r *memRepo) InsertTask(_ context.Context, task Task) error {
	defer r.write()()
	list, ok := r.data.lists[task.ListID]
	if !ok || list.BoardID != task.BoardID {
		return ErrConstraint
	}
	if _, ok := r.data.tasks[task.ID]; ok {
		return ErrDuplicate
	}
	r.data.tasks[task.ID] = task.clone()
	return nil
}

func (r *memRepo) GetTask(_ context.Context, id string) (Task, error) {
	defer r.read()()
	task, ok := r.data.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task.clone(), nil
}

func (r *memRepo) UpdateTask(_ context.Context, task Task) error {
	defer r.write()()
	if _, ok := r.data.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	list, ok := r.data.lists[task.ListID]
	if !ok || list.BoardID != task.BoardID {
		return ErrConstraint
	}
	r.data.tasks[task.ID] = task.clone()
	return nil
}

func (r *memRepo) DeleteTask(_ context.Context, id string) error {
	defer r.write()()
	if _, ok := r.data.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(r.data.tasks, id)
	return nil
}

func (r *memRepo) DeleteTasksByList(_ context.Context, listID string) (int64, error) {
	defer r.write()()
	var n int64
	for id, task := range r.data.tasks {
		if task.ListID == listID {
			delete(r.data.tasks, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) DeleteTasksByBoard(_ context.Context, boardID string) (int64, error) {
	defer r.write()()
	var n int64
	for id, task := range r.data.tasks {
		if task.BoardID == boardID {
			delete(r.data.tasks, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) FindTasks(_ context.Context, filter TaskFilter) ([]Task, int, error) {
	defer r.read()()
	boards := map[string]struct{}{}
	for _, id := range filter.BoardIDs {
		boards[id] = struct{}{}
	}
	text := strings.ToLower(strings.TrimSpace(filter.Text))

	var matches []Task
	for _, task := range r.data.tasks {
		if _, ok := boards[task.BoardID]; len(boards) > 0 && !ok {
			continue
		}
		if filter.ListID != "" && task.ListID != filter.ListID {
			continue
		}
		if filter.Priority != "" && task.Priority != filter.Priority {
			continue
		}
		if filter.AssigneeID != "" && !containsString(task.Assignees, filter.AssigneeID) {
			continue
		}
		if text != "" && !matchesText(task, text) {
			continue
		}
		matches = append(matches, task.clone())
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if filter.Sort == SortByUpdatedDesc {
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
			return a.ID < b.ID
		}
		if a.ListID != b.ListID {
			return a.ListID < b.ListID
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	total := len(matches)
	return page(matches, filter.Offset, filter.Limit), total, nil
}

func matchesText(task Task, text string) bool {
	haystack := strings.ToLower(task.Title + " " + task.Description)
	for _, word := range strings.Fields(text) {
		if !strings.Contains(haystack, word) {
			return false
		}
	}
	return true
}

func (r *memRepo) NextTaskPosition(_ context.Context, listID string) (float64, error) {
	defer r.read()()
	next := 0.0
	for _, task := range r.data.tasks {
		if task.ListID == listID && task.Position+1 > next {
			next = task.Position + 1
		}
	}
	return next, nil
}

func (r *memRepo) InsertMembership(_ context.Context, m Membership) error {
	defer r.write()()
	if _, ok := r.data.boards[m.BoardID]; !ok {
		return ErrConstraint
	}
	key := membershipKey(m.BoardID, m.UserID)
	if _, ok := r.data.memberships[key]; ok {
		return ErrDuplicate
	}
	if m.Role == "owner" {
		for _, existing := range r.data.memberships {
			if existing.BoardID == m.BoardID && existing.Role == "owner" {
				return ErrDuplicate
			}
		}
	}
	r.data.memberships[key] = m
	return nil
}

func (r *memRepo) GetMembership(_ context.Context, boardID, userID string) (Membership, error) {
	defer r.read()()
	m, ok := r.data.memberships[membershipKey(boardID, userID)]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return m, nil
}

func (r *memRepo) ListMemberships(_ context.Context, boardID string) ([]Membership, error) {
	defer r.read()()
	var out []Membership
	for _, m := range r.data.memberships {
		if m.BoardID == boardID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (r *memRepo) CountMemberships(_ context.Context, boardID string, userIDs []string) (int, error) {
	defer r.read()()
	n := 0
	seen := map[string]struct{}{}
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.data.memberships[membershipKey(boardID, id)]; ok {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) DeleteMembershipsByBoard(_ context.Context, boardID string) (int64, error) {
	defer r.write()()
	var n int64
	for key, m := range r.data.memberships {
		if m.BoardID == boardID {
			delete(r.data.memberships, key)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) AppendActivity(_ context.Context, activity Activity) (Activity, error) {
	defer r.write()()
	if _, ok := r.data.boards[activity.BoardID]; !ok {
		return Activity{}, ErrConstraint
	}
	r.data.activitySeq++
	activity.Seq = r.data.activitySeq
	activity.Metadata = copyMetadata(activity.Metadata)
	r.data.activities = append(r.data.activities, activity)
	return activity, nil
}

func (r *memRepo) ListActivities(_ context.Context, boardID string, offset, limit int) ([]Activity, int, error) {
	defer r.read()()
	var matches []Activity
	for i := len(r.data.activities) - 1; i >= 0; i-- {
		a := r.data.activities[i]
		if a.BoardID == boardID {
			a.Metadata = copyMetadata(a.Metadata)
			matches = append(matches, a)
		}
	}
	return page(matches, offset, limit), len(matches), nil
}

func (r *memRepo) DeleteActivitiesByBoard(_ context.Context, boardID string) (int64, error) {
	defer r.write()()
	kept := r.data.activities[:0:0]
	var n int64
	for _, a := range r.data.activities {
		if a.BoardID == boardID {
			n++
			continue
		}
		kept = append(kept, a)
	}
	r.data.activities = kept
	return n, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
