package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"collabboard/api/internal/activity"
	"collabboard/api/internal/auth"
	"collabboard/api/internal/rbac"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/store"
)

type InviteInput struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Member is a membership with the member's profile attached.
type Member struct {
	store.Membership
	User store.User `json:"user"`
}

// authorize grants access when identity holds a membership on boardID with
// at least the required role.
func authorize(ctx context.Context, repo store.Repository, identityID, boardID string, required rbac.Role) (store.Membership, error) {
	if _, err := repo.GetBoard(ctx, boardID); err != nil {
		return store.Membership{}, lookup(err, "Board")
	}
	membership, err := repo.GetMembership(ctx, boardID, identityID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Membership{}, forbidden("You are not a member of this board")
	}
	if err != nil {
		return store.Membership{}, fmt.Errorf("load membership: %w", err)
	}
	if !rbac.AtLeast(rbac.Role(membership.Role), required) {
		return store.Membership{}, forbidden(fmt.Sprintf("This action requires the %s role", required))
	}
	return membership, nil
}

// Authorize is used by the real-time transports before joining a board.
func (s *Service) Authorize(ctx context.Context, identity auth.Identity, boardID string, required rbac.Role) (store.Membership, error) {
	return authorize(ctx, s.store, identity.ID, boardID, required)
}

// EnsureUser records the caller's profile so that invites by e-mail resolve.
func (s *Service) EnsureUser(ctx context.Context, identity auth.Identity) (store.User, error) {
	if strings.TrimSpace(identity.ID) == "" {
		return store.User{}, auth.ErrInvalidToken
	}
	user, err := s.store.UpsertUser(ctx, store.User{ID: identity.ID, Name: identity.Name, Email: identity.Email})
	if errors.Is(err, store.ErrDuplicate) {
		// another identity already claims this e-mail; keep the profile without it
		user, err = s.store.UpsertUser(ctx, store.User{ID: identity.ID, Name: identity.Name})
	}
	if err != nil {
		return store.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return user, nil
}

func (s *Service) InviteMember(ctx context.Context, actor auth.Identity, boardID string, input InviteInput) (Member, error) {
	role := rbac.Role(strings.ToLower(strings.TrimSpace(input.Role)))
	if role == "" {
		role = rbac.RoleMember
	}
	userID := strings.TrimSpace(input.UserID)
	email := strings.TrimSpace(input.Email)

	var result Member
	// Input is checked only once the actor is known to own the board.
	err := s.withBoard(ctx, "InviteMember", actor, boardID, rbac.RoleOwner, func(ctx context.Context, tx store.Repository, _ store.Membership) (*change, error) {
		if role != rbac.RoleMember && role != rbac.RoleViewer {
			return nil, validation("role must be member or viewer", map[string]any{"field": "role"})
		}
		if userID == "" && email == "" {
			return nil, validation("userId or email is required", map[string]any{"field": "email"})
		}
		invitee, err := resolveUser(ctx, tx, userID, email)
		if err != nil {
			return nil, err
		}
		if _, err := tx.GetMembership(ctx, boardID, invitee.ID); err == nil {
			return nil, alreadyMember()
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("check membership: %w", err)
		}

		membership := store.Membership{
			BoardID:   boardID,
			UserID:    invitee.ID,
			Role:      string(role),
			InvitedBy: actor.ID,
			CreatedAt: s.now(),
		}
		if err := tx.InsertMembership(ctx, membership); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return nil, alreadyMember()
			}
			return nil, fmt.Errorf("insert membership: %w", err)
		}
		result = Member{Membership: membership, User: invitee}

		board, err := tx.GetBoard(ctx, boardID)
		if err != nil {
			return nil, fmt.Errorf("load board: %w", err)
		}
		return &change{
			boardID: boardID,
			activity: &activity.Entry{
				BoardID:    boardID,
				ActorID:    actor.ID,
				Action:     activity.MemberInvited,
				Details:    fmt.Sprintf("Invited %s as %s", displayName(invitee), role),
				TargetType: activity.TargetUser,
				TargetID:   invitee.ID,
				Metadata:   map[string]string{"invitedEmail": invitee.Email, "role": string(role)},
			},
			event:      realtime.KindBoardChanged,
			identities: []string{invitee.ID},
			direct: realtime.Event{
				Kind:    realtime.KindBoardInvited,
				BoardID: boardID,
				Data:    store.BoardSummary{Board: board, Role: string(role)},
			},
		}, nil
	})
	if err != nil {
		return Member{}, err
	}
	return result, nil
}

func resolveUser(ctx context.Context, repo store.Repository, userID, email string) (store.User, error) {
	var (
		user store.User
		err  error
	)
	if userID != "" {
		user, err = repo.GetUser(ctx, userID)
	} else {
		user, err = repo.GetUserByEmail(ctx, email)
	}
	if err != nil {
		return store.User{}, lookup(err, "User")
	}
	return user, nil
}

func (s *Service) ListMembers(ctx context.Context, actor auth.Identity, boardID string) ([]Member, error) {
	var members []Member
	err := s.readBoard(ctx, "ListMembers", actor, boardID, func(ctx context.Context, tx store.Repository, _ store.Membership) error {
		var err error
		members, err = loadMembers(ctx, tx, boardID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func loadMembers(ctx context.Context, repo store.Repository, boardID string) ([]Member, error) {
	memberships, err := repo.ListMemberships(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.UserID)
	}
	users, err := profiles(ctx, repo, ids)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(memberships))
	for _, m := range memberships {
		members = append(members, Member{Membership: m, User: users[m.UserID]})
	}
	return members, nil
}

// profiles loads users by id. Unknown ids map to a profile carrying only the id.
func profiles(ctx context.Context, repo store.Repository, ids []string) (map[string]store.User, error) {
	out := make(map[string]store.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	users, err := repo.ListUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for _, u := range users {
		out[u.ID] = u
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			out[id] = store.User{ID: id}
		}
	}
	return out, nil
}

func displayName(u store.User) string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	default:
		return u.ID
	}
}
