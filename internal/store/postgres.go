package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  queryer
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &PostgresStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23503", "23001", "23514":
			return fmt.Errorf("%w: %s", ErrConstraint, pgErr.Message)
		}
	}
	return err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) (User, error) {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	var out User
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name = '' THEN users.name ELSE EXCLUDED.name END,
			email = CASE WHEN EXCLUDED.email = '' THEN users.email ELSE EXCLUDED.email END
		RETURNING id, name, email, created_at
	`, user.ID, user.Name, email).Scan(&out.ID, &out.Name, &out.Email, &out.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", classify(err))
	}
	return out, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	err := s.q.QueryRowContext(ctx, `SELECT id, name, email, created_at FROM users WHERE id=$1`, id).
		Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, classify(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return User{}, ErrNotFound
	}
	var user User
	err := s.q.QueryRowContext(ctx, `SELECT id, name, email, created_at FROM users WHERE LOWER(email)=$1`, email).
		Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, classify(err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, email, created_at FROM users WHERE id IN (`+placeholders(1, len(ids))+`) ORDER BY id`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertBoard(ctx context.Context, board Board) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO boards (id, title, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, board.ID, board.Title, board.OwnerID, board.CreatedAt, board.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert board: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, id string) (Board, error) {
	var board Board
	err := s.q.QueryRowContext(ctx, `SELECT id, title, owner_id, created_at, updated_at FROM boards WHERE id=$1`, id).
		Scan(&board.ID, &board.Title, &board.OwnerID, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, classify(err)
	}
	return board, nil
}

func (s *PostgresStore) UpdateBoardTitle(ctx context.Context, id, title string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE boards SET title=$2, updated_at=$3 WHERE id=$1`, id, title, at)
	if err != nil {
		return fmt.Errorf("update board: %w", classify(err))
	}
	return requireAffected(res)
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete board: %w", classify(err))
	}
	return requireAffected(res)
}

func (s *PostgresStore) ListBoardsForUser(ctx context.Context, userID string) ([]BoardSummary, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT b.id, b.title, b.owner_id, b.created_at, b.updated_at, m.role
		FROM board_memberships m
		JOIN boards b ON b.id = m.board_id
		WHERE m.user_id = $1
		ORDER BY b.updated_at DESC, b.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	var out []BoardSummary
	for rows.Next() {
		var item BoardSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt, &item.Role); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertList(ctx context.Context, list List) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO lists (id, board_id, title, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, list.ID, list.BoardID, list.Title, list.Position, list.CreatedAt, list.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert list: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) GetList(ctx context.Context, id string) (List, error) {
	var list List
	err := s.q.QueryRowContext(ctx, `SELECT id, board_id, title, position, created_at, updated_at FROM lists WHERE id=$1`, id).
		Scan(&list.ID, &list.BoardID, &list.Title, &list.Position, &list.CreatedAt, &list.UpdatedAt)
	if err != nil {
		return List{}, classify(err)
	}
	return list, nil
}

func (s *PostgresStore) ListLists(ctx context.Context, boardID string) ([]List, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, board_id, title, position, created_at, updated_at
		FROM lists
		WHERE board_id = $1
		ORDER BY position, created_at
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	defer rows.Close()

	var out []List
	for rows.Next() {
		var list List
		if err := rows.Scan(&list.ID, &list.BoardID, &list.Title, &list.Position, &list.CreatedAt, &list.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan list: %w", err)
		}
		out = append(out, list)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateListTitle(ctx context.Context, id, title string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE lists SET title=$2, updated_at=$3 WHERE id=$1`, id, title, at)
	if err != nil {
		return fmt.Errorf("update list: %w", classify(err))
	}
	return requireAffected(res)
}

func (s *PostgresStore) DeleteList(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM lists WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete list: %w", classify(err))
	}
	return requireAffected(res)
}

func (s *PostgresStore) DeleteListsByBoard(ctx context.Context, boardID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM lists WHERE board_id=$1`, boardID)
	if err != nil {
		return 0, fmt.Errorf("delete lists: %w", classify(err))
	}
	return res.RowsAffected()
}

func (s *PostgresStore) NextListPosition(ctx context.Context, boardID string) (float64, error) {
	var next float64
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM lists WHERE board_id=$1`, boardID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next list position: %w", err)
	}
	return next, nil
}

const taskColumns = `id, board_id, list_id, title, description, priority, position, assignee_ids, created_by, created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (Task, error) {
	var (
		task      Task
		priority  string
		assignees []byte
	)
	if err := scanner.Scan(&task.ID, &task.BoardID, &task.ListID, &task.Title, &task.Description, &priority,
		&task.Position, &assignees, &task.CreatedBy, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return Task{}, err
	}
	task.Priority = Priority(priority)
	task.Assignees = []string{}
	if len(assignees) > 0 {
		if err := json.Unmarshal(assignees, &task.Assignees); err != nil {
			return Task{}, fmt.Errorf("decode assignees: %w", err)
		}
	}
	return task, nil
}

func encodeAssignees(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode assignees: %w", err)
	}
	return string(raw), nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	assignees, err := encodeAssignees(task.Assignees)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, board_id, list_id, title, description, priority, position, assignee_ids, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)
	`, task.ID, task.BoardID, task.ListID, task.Title, task.Description, string(task.Priority), task.Position,
		assignees, task.CreatedBy, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	task, err := scanTask(s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		return Task{}, classify(err)
	}
	return task, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) error {
	assignees, err := encodeAssignees(task.Assignees)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks
		SET board_id=$2, list_id=$3, title=$4, description=$5, priority=$6, position=$7, assignee_ids=$8::jsonb, updated_at=$9
		WHERE id=$1
	`, task.ID, task.BoardID, task.ListID, task.Title, task.Description, string(task.Priority), task.Position, assignees, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", classify(err))
	}
	return requireAffected(res)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", classify(err))
	}
	return requireAffected(res)
}

func (s *PostgresStore) DeleteTasksByList(ctx context.Context, listID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE list_id=$1`, listID)
	if err != nil {
		return 0, fmt.Errorf("delete tasks by list: %w", classify(err))
	}
	return res.RowsAffected()
}

func (s *PostgresStore) DeleteTasksByBoard(ctx context.Context, boardID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE board_id=$1`, boardID)
	if err != nil {
		return 0, fmt.Errorf("delete tasks by board: %w", classify(err))
	}
	return res.RowsAffected()
}

func (s *PostgresStore) FindTasks(ctx context.Context, filter TaskFilter) ([]Task, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.BoardIDs) > 0 {
		where = append(where, "board_id IN ("+placeholders(len(args)+1, len(filter.BoardIDs))+")")
		args = append(args, stringArgs(filter.BoardIDs)...)
	}
	if filter.ListID != "" {
		where = append(where, "list_id = "+arg(filter.ListID))
	}
	if filter.Priority != "" {
		where = append(where, "priority = "+arg(string(filter.Priority)))
	}
	if filter.AssigneeID != "" {
		where = append(where, "assignee_ids ? "+arg(filter.AssigneeID))
	}
	if text := strings.TrimSpace(filter.Text); text != "" {
		where = append(where, "fts @@ plainto_tsquery('english', "+arg(text)+")")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	order := " ORDER BY list_id, position, created_at"
	if filter.Sort == SortByUpdatedDesc {
		order = " ORDER BY updated_at DESC, id"
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + clause + order
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("find tasks: %w", err)
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) NextTaskPosition(ctx context.Context, listID string) (float64, error) {
	var next float64
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM tasks WHERE list_id=$1`, listID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next task position: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) InsertMembership(ctx context.Context, m Membership) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO board_memberships (board_id, user_id, role, invited_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.BoardID, m.UserID, m.Role, m.InvitedBy, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert membership: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, boardID, userID string) (Membership, error) {
	var m Membership
	err := s.q.QueryRowContext(ctx, `
		SELECT board_id, user_id, role, invited_by, created_at FROM board_memberships WHERE board_id=$1 AND user_id=$2
	`, boardID, userID).Scan(&m.BoardID, &m.UserID, &m.Role, &m.InvitedBy, &m.CreatedAt)
	if err != nil {
		return Membership{}, classify(err)
	}
	return m, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, boardID string) ([]Membership, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT board_id, user_id, role, invited_by, created_at
		FROM board_memberships
		WHERE board_id=$1
		ORDER BY created_at, user_id
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.BoardID, &m.UserID, &m.Role, &m.InvitedBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountMemberships(ctx context.Context, boardID string, userIDs []string) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	args := append([]any{boardID}, stringArgs(userIDs)...)
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM board_memberships WHERE board_id=$1 AND user_id IN (`+placeholders(2, len(userIDs))+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memberships: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteMembershipsByBoard(ctx context.Context, boardID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM board_memberships WHERE board_id=$1`, boardID)
	if err != nil {
		return 0, fmt.Errorf("delete memberships: %w", classify(err))
	}
	return res.RowsAffected()
}

func (s *PostgresStore) AppendActivity(ctx context.Context, activity Activity) (Activity, error) {
	metadata := activity.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return Activity{}, fmt.Errorf("encode metadata: %w", err)
	}
	err = s.q.QueryRowContext(ctx, `
		INSERT INTO activities (id, board_id, actor_id, action, details, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		RETURNING seq
	`, activity.ID, activity.BoardID, activity.ActorID, activity.Action, activity.Details, activity.TargetType, activity.TargetID,
		string(raw), activity.CreatedAt).Scan(&activity.Seq)
	if err != nil {
		return Activity{}, fmt.Errorf("insert activity: %w", classify(err))
	}
	activity.Metadata = metadata
	return activity, nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, boardID string, offset, limit int) ([]Activity, int, error) {
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE board_id=$1`, boardID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count activities: %w", err)
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, seq, board_id, actor_id, action, details, target_type, target_id, metadata, created_at
		FROM activities
		WHERE board_id=$1
		ORDER BY seq DESC
		OFFSET $2`
	args := []any{boardID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	out := []Activity{}
	for rows.Next() {
		var (
			a   Activity
			raw []byte
		)
		if err := rows.Scan(&a.ID, &a.Seq, &a.BoardID, &a.ActorID, &a.Action, &a.Details, &a.TargetType, &a.TargetID, &raw, &a.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan activity: %w", err)
		}
		a.Metadata = map[string]string{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) DeleteActivitiesByBoard(ctx context.Context, boardID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM activities WHERE board_id=$1`, boardID)
	if err != nil {
		return 0, fmt.Errorf("delete activities: %w", classify(err))
	}
	return res.RowsAffected()
}
