package chatsync

//go:generate mockgen -source=deps.go -destination=mock_deps_test.go -package=chatsync

import (
	"context"

	"github.com/alexjbarnes/relay-chat/internal/models"
)

// Publisher sends a payload to a relay destination without blocking.
// *transport.Manager satisfies this interface.
type Publisher interface {
	PublishJSON(destination string, v any) error
}

// Collaborator is the REST side of the relay. *api.Client satisfies
// this interface.
type Collaborator interface {
	Counterparts(ctx context.Context) ([]models.Counterparty, error)
	Room(ctx context.Context, userID int64) (*models.Room, error)
	History(ctx context.Context, roomID int64, page, size int) (*models.MessagePage, error)
	MarkRead(ctx context.Context, roomID int64) error
}

// AckStore persists acknowledged message ids per room so a restart
// does not acknowledge the same message again. *state.State satisfies
// this interface.
type AckStore interface {
	AckedIDs(roomID int64) ([]int64, error)
	RecordAcks(roomID int64, ids []int64, limit int) error
	ForgetRoom(roomID int64) error
}
