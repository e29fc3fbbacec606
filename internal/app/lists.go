package app

import (
	"context"
	"fmt"
	"strings"

	"collabboard/api/internal/activity"
	"collabboard/api/internal/auth"
	"collabboard/api/internal/rbac"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/store"
	"collabboard/api/internal/util"
)

type ListInput struct {
	BoardID string `json:"boardId"`
	Title   string `json:"title"`
}

func (s *Service) CreateList(ctx context.Context, actor auth.Identity, input ListInput) (store.List, error) {
	boardID := strings.TrimSpace(input.BoardID)
	if boardID == "" {
		return store.List{}, validation("boardId is required", map[string]any{"field": "boardId"})
	}
	title, err := cleanTitle(input.Title, "List title")
	if err != nil {
		return store.List{}, err
	}

	var list store.List
	err = s.withBoard(ctx, "CreateList", actor, boardID, rbac.RoleMember, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		position, err := tx.NextListPosition(ctx, boardID)
		if err != nil {
			return nil, fmt.Errorf("next list position: %w", err)
		}
		now := s.now()
		list = store.List{
			ID:        util.NewID("lst"),
			BoardID:   boardID,
			Title:     title,
			Position:  position,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertList(ctx, list); err != nil {
			return nil, fmt.Errorf("insert list: %w", err)
		}
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     activity.ListCreated,
				Details:    fmt.Sprintf("Created list %q", title),
				TargetType: activity.TargetList,
				TargetID:   list.ID,
			},
			event: realtime.KindBoardChanged,
		}, nil
	})
	if err != nil {
		return store.List{}, err
	}
	return list, nil
}

// boardOfList finds the board a list belongs to so its lock can be taken.
// Callers re-read the list inside the transaction.
func (s *Service) boardOfList(ctx context.Context, listID string) (string, error) {
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		return "", lookup(err, "List")
	}
	return list.BoardID, nil
}

func (s *Service) RenameList(ctx context.Context, actor auth.Identity, listID string, input ListInput) (store.List, error) {
	title, err := cleanTitle(input.Title, "List title")
	if err != nil {
		return store.List{}, err
	}
	boardID, err := s.boardOfList(ctx, listID)
	if err != nil {
		return store.List{}, err
	}

	var list store.List
	err = s.withBoard(ctx, "RenameList", actor, boardID, rbac.RoleMember, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		current, err := tx.GetList(ctx, listID)
		if err != nil {
			return nil, lookup(err, "List")
		}
		if current.Title == title {
			list = current
			return nil, nil
		}
		if err := tx.UpdateListTitle(ctx, listID, title, s.now()); err != nil {
			return nil, fmt.Errorf("rename list: %w", err)
		}
		if list, err = tx.GetList(ctx, listID); err != nil {
			return nil, fmt.Errorf("reload list: %w", err)
		}
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     activity.ListRenamed,
				Details:    fmt.Sprintf("Renamed list from %q to %q", current.Title, title),
				TargetType: activity.TargetList,
				TargetID:   listID,
				Metadata:   map[string]string{"oldTitle": current.Title, "newTitle": title},
			},
			event: realtime.KindBoardChanged,
		}, nil
	})
	if err != nil {
		return store.List{}, err
	}
	return list, nil
}

// DeleteList removes the list and its tasks as one unit.
func (s *Service) DeleteList(ctx context.Context, actor auth.Identity, listID string) error {
	boardID, err := s.boardOfList(ctx, listID)
	if err != nil {
		return err
	}
	return s.withBoard(ctx, "DeleteList", actor, boardID, rbac.RoleMember, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		list, err := tx.GetList(ctx, listID)
		if err != nil {
			return nil, lookup(err, "List")
		}
		removed, err := tx.DeleteTasksByList(ctx, listID)
		if err != nil {
			return nil, fmt.Errorf("delete list tasks: %w", err)
		}
		if err := tx.DeleteList(ctx, listID); err != nil {
			return nil, fmt.Errorf("delete list: %w", err)
		}
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     activity.ListDeleted,
				Details:    fmt.Sprintf("Deleted list %q", list.Title),
				TargetType: activity.TargetList,
				TargetID:   listID,
				Metadata:   map[string]string{"title": list.Title, "deletedTasks": fmt.Sprint(removed)},
			},
			event: realtime.KindBoardChanged,
			after: []func(){func() { s.search.DeleteList(listID) }},
		}, nil
	})
}
