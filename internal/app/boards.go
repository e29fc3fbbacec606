package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"collabboard/api/internal/activity"
	"collabboard/api/internal/archive"
	"collabboard/api/internal/auth"
	"collabboard/api/internal/rbac"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/store"
	"collabboard/api/internal/util"
)

const maxTitleLength = 200

type BoardInput struct {
	Title string `json:"title"`
}

type Dashboard struct {
	OwnedBoards  []store.BoardSummary `json:"ownedBoards"`
	SharedBoards []store.BoardSummary `json:"sharedBoards"`
}

// TaskView is a task with its assignees' profiles attached.
type TaskView struct {
	store.Task
	AssigneeUsers []store.User `json:"assigneeUsers"`
}

type ListView struct {
	store.List
	Tasks []TaskView `json:"tasks"`
}

type BoardView struct {
	store.Board
	Role    string     `json:"role"`
	Members []Member   `json:"members"`
	Lists   []ListView `json:"lists"`
}

func cleanTitle(title, field string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", validation(field+" is required", map[string]any{"field": "title"})
	}
	if len(title) > maxTitleLength {
		return "", validation(fmt.Sprintf("%s must be at most %d characters", field, maxTitleLength), map[string]any{"field": "title"})
	}
	return title, nil
}

func (s *Service) CreateBoard(ctx context.Context, actor auth.Identity, input BoardInput) (board store.Board, err error) {
	title, err := cleanTitle(input.Title, "Board title")
	if err != nil {
		return store.Board{}, err
	}

	now := s.now()
	board = store.Board{
		ID:        util.NewID("brd"),
		Title:     title,
		OwnerID:   actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx, span := startSpan(ctx, "CreateBoard", actor, board.ID)
	defer func() { endSpan(span, err) }()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		if err := tx.InsertBoard(ctx, board); err != nil {
			return fmt.Errorf("insert board: %w", err)
		}
		return tx.InsertMembership(ctx, store.Membership{
			BoardID:   board.ID,
			UserID:    actor.ID,
			Role:      string(rbac.RoleOwner),
			CreatedAt: now,
		})
	})
	if err != nil {
		return store.Board{}, err
	}

	s.announce(ctx, &change{
		boardID: board.ID,
		activity: &activity.Entry{
			BoardID:    board.ID,
			ActorID:    actor.ID,
			Action:     activity.BoardCreated,
			Details:    fmt.Sprintf("Created board %q", board.Title),
			TargetType: activity.TargetBoard,
			TargetID:   board.ID,
		},
		event:      realtime.KindBoardChanged,
		identities: []string{actor.ID},
		direct: realtime.Event{
			Kind:    realtime.KindBoardInvited,
			BoardID: board.ID,
			Data:    store.BoardSummary{Board: board, Role: string(rbac.RoleOwner)},
		},
	})
	return board, nil
}

func (s *Service) RenameBoard(ctx context.Context, actor auth.Identity, boardID string, input BoardInput) (store.Board, error) {
	title, err := cleanTitle(input.Title, "Board title")
	if err != nil {
		return store.Board{}, err
	}

	var board store.Board
	err = s.withBoard(ctx, "RenameBoard", actor, boardID, rbac.RoleMember, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		current, err := tx.GetBoard(ctx, boardID)
		if err != nil {
			return nil, lookup(err, "Board")
		}
		if current.Title == title {
			board = current
			return nil, nil
		}
		if err := tx.UpdateBoardTitle(ctx, boardID, title, s.now()); err != nil {
			return nil, fmt.Errorf("rename board: %w", err)
		}
		if board, err = tx.GetBoard(ctx, boardID); err != nil {
			return nil, fmt.Errorf("reload board: %w", err)
		}
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     activity.BoardRenamed,
				Details:    fmt.Sprintf("Renamed board from %q to %q", current.Title, title),
				TargetType: activity.TargetBoard,
				TargetID:   boardID,
				Metadata:   map[string]string{"oldTitle": current.Title, "newTitle": title},
			},
			event: realtime.KindBoardChanged,
		}, nil
	})
	if err != nil {
		return store.Board{}, err
	}
	return board, nil
}

// DeleteBoard removes the board and everything scoped to it, deepest
// children first, in one transaction. Nothing is appended to the activity
// log because the board's log is part of what gets deleted; members learn
// about the deletion from the board_deleted event on their identity channel.
func (s *Service) DeleteBoard(ctx context.Context, actor auth.Identity, boardID string) error {
	return s.withBoard(ctx, "DeleteBoard", actor, boardID, rbac.RoleOwner, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		snap, err := s.snapshot(ctx, tx, boardID, actor.ID)
		if err != nil {
			return nil, err
		}

		steps := []struct {
			name string
			run  func() (int64, error)
		}{
			{"tasks", func() (int64, error) { return tx.DeleteTasksByBoard(ctx, boardID) }},
			{"lists", func() (int64, error) { return tx.DeleteListsByBoard(ctx, boardID) }},
			{"memberships", func() (int64, error) { return tx.DeleteMembershipsByBoard(ctx, boardID) }},
			{"activities", func() (int64, error) { return tx.DeleteActivitiesByBoard(ctx, boardID) }},
			{"board", func() (int64, error) { return 1, tx.DeleteBoard(ctx, boardID) }},
		}
		removed := map[string]int64{}
		for _, step := range steps {
			n, err := step.run()
			if err != nil {
				s.logger.WithError(err).WithFields(log.Fields{
					"board_id": boardID,
					"actor_id": actor.ID,
					"step":     step.name,
					"severity": "cascade",
				}).Error("board cascade failed")
				return nil, cascadeFailed(boardID)
			}
			removed[step.name] = n
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int64("cascade.tasks", removed["tasks"]),
			attribute.Int64("cascade.lists", removed["lists"]),
			attribute.Int64("cascade.memberships", removed["memberships"]),
			attribute.Int64("cascade.activities", removed["activities"]),
		)

		members := make([]string, 0, len(snap.Members))
		for _, m := range snap.Members {
			members = append(members, m.UserID)
		}
		deleted := realtime.Event{Kind: realtime.KindBoardDeleted, BoardID: boardID}
		return &change{
			boardID:    boardID,
			event:      realtime.KindBoardDeleted,
			identities: members,
			direct:     deleted,
			after: []func(){
				func() { s.hub.Close(boardID) },
				func() { s.search.DeleteBoard(boardID) },
				func() { s.archive.Save(snap) },
			},
		}, nil
	})
}

func (s *Service) snapshot(ctx context.Context, tx store.Repository, boardID, actorID string) (archive.Snapshot, error) {
	board, err := tx.GetBoard(ctx, boardID)
	if err != nil {
		return archive.Snapshot{}, lookup(err, "Board")
	}
	members, err := tx.ListMemberships(ctx, boardID)
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("list memberships: %w", err)
	}
	snap := archive.Snapshot{Board: board, Members: members, ArchivedBy: actorID, ArchivedAt: s.now()}
	if !s.archive.Enabled() {
		return snap, nil
	}

	lists, err := tx.ListLists(ctx, boardID)
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("list lists: %w", err)
	}
	tasks, _, err := tx.FindTasks(ctx, store.TaskFilter{BoardIDs: []string{boardID}, Sort: store.SortByPosition})
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("list tasks: %w", err)
	}
	byList := map[string][]store.Task{}
	for _, t := range tasks {
		byList[t.ListID] = append(byList[t.ListID], t)
	}
	for _, l := range lists {
		snap.Lists = append(snap.Lists, archive.ListSnapshot{List: l, Tasks: byList[l.ID]})
	}
	if snap.Activities, _, err = tx.ListActivities(ctx, boardID, 0, 0); err != nil {
		return archive.Snapshot{}, fmt.Errorf("list activities: %w", err)
	}
	return snap, nil
}

func (s *Service) ListBoards(ctx context.Context, actor auth.Identity) (dash Dashboard, err error) {
	ctx, span := startSpan(ctx, "ListBoards", actor, "")
	defer func() { endSpan(span, err) }()

	summaries, err := s.store.ListBoardsForUser(ctx, actor.ID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list boards: %w", err)
	}
	dash = Dashboard{OwnedBoards: []store.BoardSummary{}, SharedBoards: []store.BoardSummary{}}
	for _, b := range summaries {
		if b.Role == string(rbac.RoleOwner) {
			dash.OwnedBoards = append(dash.OwnedBoards, b)
		} else {
			dash.SharedBoards = append(dash.SharedBoards, b)
		}
	}
	return dash, nil
}

// GetBoard returns the full nested board as one consistent snapshot.
func (s *Service) GetBoard(ctx context.Context, actor auth.Identity, boardID string) (BoardView, error) {
	var view BoardView
	err := s.readBoard(ctx, "GetBoard", actor, boardID, func(ctx context.Context, tx store.Repository, membership store.Membership) error {
		board, err := tx.GetBoard(ctx, boardID)
		if err != nil {
			return lookup(err, "Board")
		}
		members, err := loadMembers(ctx, tx, boardID)
		if err != nil {
			return err
		}
		lists, err := tx.ListLists(ctx, boardID)
		if err != nil {
			return fmt.Errorf("list lists: %w", err)
		}
		tasks, _, err := tx.FindTasks(ctx, store.TaskFilter{BoardIDs: []string{boardID}, Sort: store.SortByPosition})
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		views, err := taskViews(ctx, tx, tasks)
		if err != nil {
			return err
		}

		byList := make(map[string][]TaskView, len(lists))
		for _, t := range views {
			byList[t.ListID] = append(byList[t.ListID], t)
		}
		view = BoardView{Board: board, Role: membership.Role, Members: members, Lists: make([]ListView, 0, len(lists))}
		for _, l := range lists {
			listTasks := byList[l.ID]
			if listTasks == nil {
				listTasks = []TaskView{}
			}
			view.Lists = append(view.Lists, ListView{List: l, Tasks: listTasks})
		}
		return nil
	})
	if err != nil {
		return BoardView{}, err
	}
	return view, nil
}

func taskViews(ctx context.Context, repo store.Repository, tasks []store.Task) ([]TaskView, error) {
	var ids []string
	for _, t := range tasks {
		ids = append(ids, t.Assignees...)
	}
	users, err := profiles(ctx, repo, ids)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		if t.Assignees == nil {
			t.Assignees = []string{}
		}
		v := TaskView{Task: t, AssigneeUsers: make([]store.User, 0, len(t.Assignees))}
		for _, id := range t.Assignees {
			v.AssigneeUsers = append(v.AssigneeUsers, users[id])
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) ListActivities(ctx context.Context, actor auth.Identity, boardID string, page, pageSize int) (activity.Page, error) {
	var result activity.Page
	err := s.readBoard(ctx, "ListActivities", actor, boardID, func(ctx context.Context, _ store.Repository, _ store.Membership) error {
		var err error
		result, err = s.activity.List(ctx, boardID, page, pageSize)
		return err
	})
	if err != nil {
		return activity.Page{}, err
	}
	return result, nil
}
