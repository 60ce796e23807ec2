package call

import (
	"context"

	"github.com/alexjbarnes/relay-chat/internal/models"
	"github.com/pion/webrtc/v4"
)

//go:generate mockgen -source=deps.go -destination=mock_deps_test.go -package=call

// PeerState is the connection state reported by a PeerConnection.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}

	return "unknown"
}

// PeerEvents receives asynchronous notifications from a PeerConnection.
// Callbacks may run on any goroutine.
type PeerEvents struct {
	OnICECandidate func(models.ICECandidate)
	OnStateChange  func(PeerState)
	OnRemoteTrack  func(kind string)
}

// PeerConnection negotiates one call.
type PeerConnection interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (models.SessionDescription, error)
	// CreateAnswer applies a remote offer, then creates an answer and
	// applies it as the local description.
	CreateAnswer(offer models.SessionDescription) (models.SessionDescription, error)
	// SetAnswer applies the remote answer to an outstanding offer.
	SetAnswer(answer models.SessionDescription) error
	AddICECandidate(c models.ICECandidate) error
	Close() error
}

// PeerFactory creates peer connections that send the given local media.
type PeerFactory interface {
	NewPeer(local Media, events PeerEvents) (PeerConnection, error)
}

// Media is an acquired set of local tracks.
type Media interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	Stop()
}

// MediaSource acquires local media for a call.
type MediaSource interface {
	Acquire(ctx context.Context, mode models.CallMode) (Media, error)
}
