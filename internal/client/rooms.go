package client

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/relay-chat/internal/api"
	"github.com/alexjbarnes/relay-chat/internal/chatsync"
	"github.com/alexjbarnes/relay-chat/internal/models"
)

// RoomStore remembers the room of each counterparty across restarts.
// *state.State satisfies this interface.
type RoomStore interface {
	RoomFor(userID int64) (int64, bool)
	SetRoom(userID, roomID int64) error
}

// roomCache records every resolved room and falls back to the last
// known one when the relay is briefly unreachable.
type roomCache struct {
	chatsync.Collaborator

	store  RoomStore
	logger *slog.Logger
}

func (r *roomCache) Room(ctx context.Context, userID int64) (*models.Room, error) {
	room, err := r.Collaborator.Room(ctx, userID)
	if err == nil {
		if err := r.store.SetRoom(userID, room.RoomID); err != nil {
			r.logger.Warn("caching room", slog.Int64("user_id", userID), slog.String("error", err.Error()))
		}

		return room, nil
	}

	if !api.IsTransient(err) {
		return nil, err
	}

	roomID, ok := r.store.RoomFor(userID)
	if !ok {
		return nil, err
	}

	r.logger.Info("using cached room",
		slog.Int64("user_id", userID),
		slog.Int64("room_id", roomID),
		slog.String("error", err.Error()),
	)

	return &models.Room{RoomID: roomID, ParticipantID: userID}, nil
}
