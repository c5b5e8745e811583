// Package matrix wraps the mautrix client behind a small normalized surface.
// The sync engine never sees homeserver response shapes, only the DTOs here.
package matrix

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lcarv/commdash/internal/config"
)

// RoomDetails is a normalized room snapshot. MemberCount is -1 when the
// member enumeration was skipped.
type RoomDetails struct {
	Name        string
	Topic       string
	MemberCount int
	IsDirect    bool
}

// Member is a normalized room member.
type Member struct {
	DisplayName string
	AvatarURL   string
}

// Adapter wraps the mautrix client and manages the homeserver connection.
type Adapter struct {
	client *mautrix.Client
	logger *zap.Logger
}

// NewAdapter creates a new Matrix adapter from the homeserver settings.
func NewAdapter(cfg config.MatrixConfig, logger *zap.Logger) (*Adapter, error) {
	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		client: client,
		logger: logger,
	}, nil
}

// WhoAmI verifies the access token against the homeserver.
func (a *Adapter) WhoAmI(ctx context.Context) (string, error) {
	resp, err := a.client.Whoami(ctx)
	if err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	return resp.UserID.String(), nil
}

// ListJoinedRooms returns the ids of all rooms the account has joined.
func (a *Adapter) ListJoinedRooms(ctx context.Context) ([]string, error) {
	resp, err := a.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}
	ids := make([]string, 0, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		ids = append(ids, roomID.String())
	}
	return ids, nil
}

// RoomDetails fetches a room's name, topic and member count. With
// skipMemberCount set the expensive member enumeration is avoided entirely
// and MemberCount is -1.
func (a *Adapter) RoomDetails(ctx context.Context, roomID string, skipMemberCount bool) (*RoomDetails, error) {
	rid := id.RoomID(roomID)
	details := &RoomDetails{MemberCount: -1}

	var name event.RoomNameEventContent
	err := a.client.StateEvent(ctx, rid, event.StateRoomName, "", &name)
	if err != nil {
		if !errors.Is(err, mautrix.MNotFound) {
			return nil, fmt.Errorf("room name %s: %w", roomID, err)
		}
		a.logger.Debug("room has no name state", zap.String("room_id", roomID))
	}
	details.Name = name.Name

	var topic event.TopicEventContent
	err = a.client.StateEvent(ctx, rid, event.StateTopic, "", &topic)
	if err != nil {
		if !errors.Is(err, mautrix.MNotFound) {
			return nil, fmt.Errorf("room topic %s: %w", roomID, err)
		}
		a.logger.Debug("room has no topic state", zap.String("room_id", roomID))
	}
	details.Topic = topic.Topic

	if !skipMemberCount {
		members, err := a.client.JoinedMembers(ctx, rid)
		if err != nil {
			return nil, fmt.Errorf("joined members %s: %w", roomID, err)
		}
		details.MemberCount = len(members.Joined)
		// Nameless two-party rooms are treated as direct chats.
		details.IsDirect = details.Name == "" && details.MemberCount == 2
	}

	return details, nil
}

// RoomMembers returns the joined members of a room keyed by user id.
func (a *Adapter) RoomMembers(ctx context.Context, roomID string) (map[string]Member, error) {
	resp, err := a.client.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, fmt.Errorf("room members %s: %w", roomID, err)
	}
	members := make(map[string]Member, len(resp.Joined))
	for userID, m := range resp.Joined {
		members[userID.String()] = Member{
			DisplayName: m.DisplayName,
			AvatarURL:   string(m.AvatarURL),
		}
	}
	return members, nil
}

// SendMessage sends a plain-text message to a room.
func (a *Adapter) SendMessage(ctx context.Context, roomID, body string) error {
	_, err := a.client.SendText(ctx, id.RoomID(roomID), body)
	if err != nil {
		return fmt.Errorf("send message %s: %w", roomID, err)
	}
	return nil
}

// InviteUser invites a user to a room.
func (a *Adapter) InviteUser(ctx context.Context, roomID, userID string) error {
	_, err := a.client.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{
		UserID: id.UserID(userID),
	})
	if err != nil {
		return fmt.Errorf("invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// RemoveUser kicks a user from a room with the given reason.
func (a *Adapter) RemoveUser(ctx context.Context, roomID, userID, reason string) error {
	_, err := a.client.KickUser(ctx, id.RoomID(roomID), &mautrix.ReqKickUser{
		UserID: id.UserID(userID),
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", userID, roomID, err)
	}
	return nil
}
