package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"collabboard/api/internal/activity"
	"collabboard/api/internal/auth"
	"collabboard/api/internal/rbac"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/search"
	"collabboard/api/internal/store"
	"collabboard/api/internal/util"
)

const maxDescriptionLength = 5000

type CreateTaskInput struct {
	ListID string `json:"listId"`
	// BoardID is optional; when present it must match the list's board.
	BoardID     string   `json:"boardId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Assignees   []string `json:"assignees"`
}

// UpdateTaskInput carries only the fields being changed.
type UpdateTaskInput struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Priority    *string  `json:"priority"`
	Position    *float64 `json:"position"`
	ListID      *string  `json:"listId"`
}

type MoveTaskInput struct {
	ListID   string   `json:"listId"`
	Position *float64 `json:"position"`
}

type AssignTaskInput struct {
	Assignees []string `json:"assignees"`
}

type TaskQuery struct {
	BoardID    string
	ListID     string
	AssigneeID string
	Priority   string
	Text       string
	Page       int
	Limit      int
}

// MyTask is an assigned task with the title of its board.
type MyTask struct {
	store.Task
	BoardTitle string `json:"boardTitle"`
}

func parsePriority(raw string) (store.Priority, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return store.PriorityMedium, nil
	}
	for _, p := range []store.Priority{store.PriorityLow, store.PriorityMedium, store.PriorityHigh} {
		if strings.EqualFold(raw, string(p)) {
			return p, nil
		}
	}
	return "", validation("priority must be Low, Medium or High", map[string]any{"field": "priority"})
}

func cleanDescription(description string) (string, error) {
	description = strings.TrimSpace(description)
	if len(description) > maxDescriptionLength {
		return "", validation(fmt.Sprintf("Task description must be at most %d characters", maxDescriptionLength), map[string]any{"field": "description"})
	}
	return description, nil
}

// distinct drops blanks and duplicates, keeping first-seen order.
func distinct(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// checkAssignees fails unless every id holds a membership on boardID.
func checkAssignees(ctx context.Context, tx store.Repository, boardID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	n, err := tx.CountMemberships(ctx, boardID, ids)
	if err != nil {
		return fmt.Errorf("count memberships: %w", err)
	}
	if n != len(ids) {
		return validation("All assignees must be members of the board", map[string]any{"field": "assignees"})
	}
	return nil
}

func (s *Service) CreateTask(ctx context.Context, actor auth.Identity, input CreateTaskInput) (store.Task, error) {
	listID := strings.TrimSpace(input.ListID)
	if listID == "" {
		return store.Task{}, validation("listId is required", map[string]any{"field": "listId"})
	}
	title, err := cleanTitle(input.Title, "Task title")
	if err != nil {
		return store.Task{}, err
	}
	description, err := cleanDescription(input.Description)
	if err != nil {
		return store.Task{}, err
	}
	priority, err := parsePriority(input.Priority)
	if err != nil {
		return store.Task{}, err
	}
	assignees := distinct(input.Assignees)

	boardID, err := s.boardOfList(ctx, listID)
	if err != nil {
		return store.Task{}, err
	}
	if claimed := strings.TrimSpace(input.BoardID); claimed != "" && claimed != boardID {
		return store.Task{}, validation("boardId does not match the list's board", map[string]any{"field": "boardId"})
	}

	var task store.Task
	err = s.withBoard(ctx, "CreateTask", actor, boardID, rbac.RoleMember, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		list, err := tx.GetList(ctx, listID)
		if err != nil {
			return nil, lookup(err, "List")
		}
		if err := checkAssignees(ctx, tx, boardID, assignees); err != nil {
			return nil, err
		}
		position, err := tx.NextTaskPosition(ctx, listID)
		if err != nil {
			return nil, fmt.Errorf("next task position: %w", err)
		}
		now := s.now()
		task = store.Task{
			ID:          util.NewID("tsk"),
			BoardID:     list.BoardID,
			ListID:      listID,
			Title:       title,
			Description: description,
			Priority:    priority,
			Position:    position,
			Assignees:   assignees,
			CreatedBy:   actor.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertTask(ctx, task); err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		indexed := task
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     activity.TaskCreated,
				Details:    fmt.Sprintf("Created task %q in %q", title, list.Title),
				TargetType: activity.TargetTask,
				TargetID:   task.ID,
				Metadata:   map[string]string{"listId": listID, "priority": string(priority)},
			},
			event: realtime.KindBoardChanged,
			after: []func(){func() { s.search.IndexTask(indexed) }},
		}, nil
	})
	if err != nil {
		return store.Task{}, err
	}
	return task, nil
}

// boardOfTask finds the board a task belongs to so its lock can be taken.
func (s *Service) boardOfTask(ctx context.Context, taskID string) (string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", lookup(err, "Task")
	}
	return task.BoardID, nil
}

// UpdateTask edits task fields. A listId different from the task's list
// turns the call into a move.
func (s *Service) UpdateTask(ctx context.Context, actor auth.Identity, taskID string, input UpdateTaskInput) (store.Task, error) {
	if input.ListID != nil && strings.TrimSpace(*input.ListID) != "" {
		current, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return store.Task{}, lookup(err, "Task")
		}
		if target := strings.TrimSpace(*input.ListID); target != current.ListID {
			if input.Title != nil || input.Description != nil || input.Priority != nil {
				if _, err := s.UpdateTask(ctx, actor, taskID, UpdateTaskInput{Title: input.Title, Description: input.Description, Priority: input.Priority}); err != nil {
					return store.Task{}, err
				}
			}
			return s.MoveTask(ctx, actor, taskID, MoveTaskInput{ListID: target, Position: input.Position})
		}
	}

	var (
		title, description *string
		priority           *store.Priority
	)
	if input.Title != nil {
		v, err := cleanTitle(*input.Title, "Task title")
		if err != nil {
			return store.Task{}, err
		}
		title = &v
	}
	if input.Description != nil {
		v, err := cleanDescription(*input.Description)
		if err != nil {
			return store.Task{}, err
		}
		description = &v
	}
	if input.Priority != nil {
		if strings.TrimSpace(*input.Priority) == "" {
			return store.Task{}, validation("priority must be Low, Medium or High", map[string]any{"field": "priority"})
		}
		v, err := parsePriority(*input.Priority)
		if err != nil {
			return store.Task{}, err
		}
		priority = &v
	}

	boardID, err := s.boardOfTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}

	var task store.Task
	err = s.withBoard(ctx, "UpdateTask", actor, boardID, rbac.RoleMember, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return nil, lookup(err, "Task")
		}
		task = current
		metadata := map[string]string{}
		var changed []string
		if title != nil && *title != current.Title {
			task.Title = *title
			changed = append(changed, "title")
		}
		if description != nil && *description != current.Description {
			task.Description = *description
			changed = append(changed, "description")
		}
		if priority != nil && *priority != current.Priority {
			task.Priority = *priority
			metadata["oldPriority"] = string(current.Priority)
			metadata["newPriority"] = string(*priority)
			changed = append(changed, "priority")
		}
		if input.Position != nil && *input.Position != current.Position {
			task.Position = *input.Position
			changed = append(changed, "position")
		}
		if len(changed) == 0 {
			return nil, nil
		}
		metadata["fields"] = strings.Join(changed, ",")
		task.UpdatedAt = s.now()
		if err := tx.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
		indexed := task
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     activity.TaskUpdated,
				Details:    fmt.Sprintf("Updated task %q", task.Title),
				TargetType: activity.TargetTask,
				TargetID:   taskID,
				Metadata:   metadata,
			},
			event: realtime.KindBoardChanged,
			after: []func(){func() { s.search.IndexTask(indexed) }},
		}, nil
	})
	if err != nil {
		return store.Task{}, err
	}
	return task, nil
}

// MoveTask changes the task's list. The task row holds its only list
// reference, so a move is one row update and the task is never in two
// lists or none.
func (s *Service) MoveTask(ctx context.Context, actor auth.Identity, taskID string, input MoveTaskInput) (store.Task, error) {
	target := strings.TrimSpace(input.ListID)
	if target == "" {
		return store.Task{}, validation("listId is required", map[string]any{"field": "listId"})
	}
	boardID, err := s.boardOfTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}

	var task store.Task
	err = s.withBoard(ctx, "MoveTask", actor, boardID, rbac.RoleMember, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return nil, lookup(err, "Task")
		}
		task = current
		if current.ListID == target {
			return nil, nil
		}
		from, err := tx.GetList(ctx, current.ListID)
		if err != nil {
			return nil, fmt.Errorf("load source list: %w", err)
		}
		to, err := tx.GetList(ctx, target)
		if err != nil {
			return nil, lookup(err, "List")
		}
		if to.BoardID != current.BoardID {
			return nil, validation("Tasks can only move between lists of the same board", map[string]any{"field": "listId"})
		}

		position := 0.0
		if input.Position != nil {
			position = *input.Position
		} else if position, err = tx.NextTaskPosition(ctx, target); err != nil {
			return nil, fmt.Errorf("next task position: %w", err)
		}
		task.ListID = target
		task.Position = position
		task.UpdatedAt = s.now()
		if err := tx.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("move task: %w", err)
		}
		indexed := task
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     activity.TaskMoved,
				Details:    fmt.Sprintf("Moved task %q from %q to %q", task.Title, from.Title, to.Title),
				TargetType: activity.TargetTask,
				TargetID:   taskID,
				Metadata:   map[string]string{"fromList": from.ID, "toList": to.ID},
			},
			event: realtime.KindBoardChanged,
			after: []func(){func() { s.search.IndexTask(indexed) }},
		}, nil
	})
	if err != nil {
		return store.Task{}, err
	}
	return task, nil
}

// AssignTask replaces the task's whole assignee set. Either every assignee
// is a board member or nothing changes.
func (s *Service) AssignTask(ctx context.Context, actor auth.Identity, taskID string, input AssignTaskInput) (store.Task, error) {
	if input.Assignees == nil {
		return store.Task{}, validation("assignees is required", map[string]any{"field": "assignees"})
	}
	assignees := distinct(input.Assignees)
	boardID, err := s.boardOfTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}

	var task store.Task
	err = s.withBoard(ctx, "AssignTask", actor, boardID, rbac.RoleMember, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return nil, lookup(err, "Task")
		}
		task = current
		if err := checkAssignees(ctx, tx, boardID, assignees); err != nil {
			return nil, err
		}
		if sameSet(current.Assignees, assignees) {
			return nil, nil
		}
		task.Assignees = assignees
		task.UpdatedAt = s.now()
		if err := tx.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("assign task: %w", err)
		}

		action, details := activity.TaskAssigned, fmt.Sprintf("Assigned task %q", task.Title)
		if len(assignees) == 0 {
			action, details = activity.TaskUnassigned, fmt.Sprintf("Unassigned everyone from task %q", task.Title)
		}
		indexed := task
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     action,
				Details:    details,
				TargetType: activity.TargetTask,
				TargetID:   taskID,
				Metadata: map[string]string{
					"assignees":         strings.Join(assignees, ","),
					"previousAssignees": strings.Join(current.Assignees, ","),
				},
			},
			event: realtime.KindBoardChanged,
			after: []func(){func() { s.search.IndexTask(indexed) }},
		}, nil
	})
	if err != nil {
		return store.Task{}, err
	}
	return task, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string{}, a...)
	y := append([]string{}, b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func (s *Service) DeleteTask(ctx context.Context, actor auth.Identity, taskID string) error {
	boardID, err := s.boardOfTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.withBoard(ctx, "DeleteTask", actor, boardID, rbac.RoleMember, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return nil, lookup(err, "Task")
		}
		if err := tx.DeleteTask(ctx, taskID); err != nil {
			return nil, fmt.Errorf("delete task: %w", err)
		}
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     activity.TaskDeleted,
				Details:    fmt.Sprintf("Deleted task %q", task.Title),
				TargetType: activity.TargetTask,
				TargetID:   taskID,
				Metadata:   map[string]string{"listId": task.ListID, "title": task.Title},
			},
			event: realtime.KindBoardChanged,
			after: []func(){func() { s.search.DeleteTask(taskID) }},
		}, nil
	})
}

// SearchTasks searches one board, or every board of the caller when
// BoardID is empty.
func (s *Service) SearchTasks(ctx context.Context, actor auth.Identity, q TaskQuery) (resp search.Response, err error) {
	ctx, span := startSpan(ctx, "SearchTasks", actor, q.BoardID)
	defer func() { endSpan(span, err) }()

	var priority store.Priority
	if strings.TrimSpace(q.Priority) != "" {
		if priority, err = parsePriority(q.Priority); err != nil {
			return search.Response{}, err
		}
	}

	var boards []string
	if q.BoardID != "" {
		if _, err := authorize(ctx, s.store, actor.ID, q.BoardID, rbac.RoleViewer); err != nil {
			return search.Response{}, err
		}
		boards = []string{q.BoardID}
	} else {
		summaries, err := s.store.ListBoardsForUser(ctx, actor.ID)
		if err != nil {
			return search.Response{}, fmt.Errorf("list boards: %w", err)
		}
		for _, b := range summaries {
			boards = append(boards, b.ID)
		}
	}

	return s.search.Search(ctx, search.Query{
		BoardIDs:   boards,
		ListID:     q.ListID,
		AssigneeID: q.AssigneeID,
		Priority:   priority,
		Text:       strings.TrimSpace(q.Text),
		Page:       q.Page,
		Limit:      q.Limit,
	})
}

// MyTasks lists tasks assigned to the caller on boards they belong to,
// most recently updated first.
func (s *Service) MyTasks(ctx context.Context, actor auth.Identity) (tasks []MyTask, err error) {
	ctx, span := startSpan(ctx, "MyTasks", actor, "")
	defer func() { endSpan(span, err) }()

	summaries, err := s.store.ListBoardsForUser(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	tasks = []MyTask{}
	if len(summaries) == 0 {
		return tasks, nil
	}
	titles := make(map[string]string, len(summaries))
	boards := make([]string, 0, len(summaries))
	for _, b := range summaries {
		titles[b.ID] = b.Title
		boards = append(boards, b.ID)
	}
	found, _, err := s.store.FindTasks(ctx, store.TaskFilter{BoardIDs: boards, AssigneeID: actor.ID, Sort: store.SortByUpdatedDesc})
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	for _, t := range found {
		tasks = append(tasks, MyTask{Task: t, BoardTitle: titles[t.BoardID]})
	}
	return tasks, nil
}
