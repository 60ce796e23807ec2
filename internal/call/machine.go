// Package call runs the signaling state machine for one audio or video
// call at a time. Offers, answers and ICE candidates travel over the
// relay; media flows over a peer connection.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/models"
	"github.com/alexjbarnes/relay-chat/internal/transport"

	apperrors "github.com/alexjbarnes/relay-chat/internal/errors"
)

// State is the phase of the call session.
type State int

const (
	StateIdle State = iota
	StateIncoming
	StateOutgoing
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIncoming:
		return "incoming"
	case StateOutgoing:
		return "outgoing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	}

	return "unknown"
}

// Snapshot is a copy of the call session.
type Snapshot struct {
	State       State
	Mode        models.CallMode
	Remote      string
	Muted       bool
	Elapsed     int
	RemoteMedia bool
}

// Publisher sends a JSON payload to a relay destination.
type Publisher interface {
	PublishJSON(destination string, v any) error
}

// Options configures a Machine. Nil checks are skipped.
type Options struct {
	// Self returns the signed-in user's email.
	Self func() string
	// Online reports whether the user with the given email is online.
	Online func(email string) bool
	// Connected reports whether the relay connection is up.
	Connected func() bool

	// OnChange and OnError are called outside the machine's lock.
	OnChange func(Snapshot)
	OnError  func(error)
}

var errSuperseded = fmt.Errorf("%w: call ended during setup", apperrors.ErrNoCall)

// Machine owns the single call session.
//
// Every transition into idle releases the peer connection and local
// media and bumps epoch, so resumptions of an earlier attempt see a
// different epoch and back off without touching the session.
type Machine struct {
	pub    Publisher
	media  MediaSource
	peers  PeerFactory
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	epoch       uint64
	state       State
	mode        models.CallMode
	remote      string
	incoming    *models.Signal
	peer        PeerConnection
	local       Media
	muted       bool
	elapsed     int
	remoteMedia bool

	offered   bool // a local offer awaits its answer
	remoteSet bool // the remote description has been applied
	signaled  bool // our offer or answer has been published
	localICE  []models.ICECandidate
	remoteICE []models.ICECandidate

	tickStop chan struct{}
}

// NewMachine creates an idle Machine.
func NewMachine(pub Publisher, media MediaSource, peers PeerFactory, opts Options, logger *slog.Logger) *Machine {
	return &Machine{
		pub:    pub,
		media:  media,
		peers:  peers,
		opts:   opts,
		logger: logger,
		mode:   models.CallAudio,
	}
}

// Snapshot returns the current call session.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	remote := m.remote
	if remote == "" && m.incoming != nil {
		remote = m.incoming.From
	}

	return Snapshot{
		State:       m.state,
		Mode:        m.mode,
		Remote:      remote,
		Muted:       m.muted,
		Elapsed:     m.elapsed,
		RemoteMedia: m.remoteMedia,
	}
}

func (m *Machine) emit(s Snapshot) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(s)
	}
}

func modeOf(mode models.CallMode) models.CallMode {
	if strings.EqualFold(string(mode), string(models.CallVideo)) {
		return models.CallVideo
	}

	return models.CallAudio
}

// StartCall calls the user with the given email. It returns once the
// offer has been published; the call becomes active when the answer
// arrives.
func (m *Machine) StartCall(ctx context.Context, to string, mode models.CallMode) error {
	to = strings.TrimSpace(to)
	mode = modeOf(mode)

	if to == "" {
		return fmt.Errorf("%w: no call target", apperrors.ErrNoCall)
	}

	if m.opts.Self != nil && strings.EqualFold(to, m.opts.Self()) {
		return apperrors.ErrSelfCall
	}

	if m.opts.Online != nil && !m.opts.Online(to) {
		return apperrors.ErrPeerOffline
	}

	if m.opts.Connected != nil && !m.opts.Connected() {
		return apperrors.ErrNotConnected
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return apperrors.ErrCallBusy
	}

	m.epoch++
	epoch := m.epoch
	m.state = StateOutgoing
	m.mode = mode
	m.remote = to
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)

	local, err := m.media.Acquire(ctx, mode)

	peer, err := m.attach(epoch, local, err)
	if err != nil {
		return err
	}

	offer, err := peer.CreateOffer()

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return errSuperseded
	}

	if err != nil {
		return m.abort(fmt.Errorf("%w: creating offer: %w", apperrors.ErrNegotiation, err))
	}

	err = m.pub.PublishJSON(transport.DestCallOffer, models.Signal{
		Type: models.SignalOffer,
		To:   to,
		Data: models.SignalData{SDP: &offer, CallMode: mode},
	})
	if err != nil {
		return m.abort(fmt.Errorf("sending offer: %w", err))
	}

	m.offered = true
	m.flushLocalICELocked()
	m.mu.Unlock()

	m.logger.Info("call offered", slog.String("to", to), slog.String("mode", string(mode)))

	return nil
}

// attach stores freshly acquired media and creates the peer connection
// for attempt epoch.
func (m *Machine) attach(epoch uint64, local Media, acquireErr error) (PeerConnection, error) {
	m.mu.Lock()

	if epoch != m.epoch {
		m.mu.Unlock()

		if local != nil {
			local.Stop()
		}

		return nil, errSuperseded
	}

	if acquireErr != nil {
		return nil, m.abort(fmt.Errorf("%w: %w", apperrors.ErrNoMedia, acquireErr))
	}

	m.local = local

	peer, err := m.peers.NewPeer(local, m.events(epoch))
	if err != nil {
		return nil, m.abort(fmt.Errorf("%w: creating peer connection: %w", apperrors.ErrNegotiation, err))
	}

	m.peer = peer
	m.mu.Unlock()

	return peer, nil
}

// AcceptIncomingCall answers the pending incoming call.
func (m *Machine) AcceptIncomingCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIncoming || m.incoming == nil {
		m.mu.Unlock()
		return apperrors.ErrNoCall
	}

	offer := *m.incoming
	m.incoming = nil
	m.state = StateConnecting
	m.remote = offer.From
	m.mode = modeOf(offer.Data.CallMode)
	epoch := m.epoch
	mode := m.mode
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)

	local, err := m.media.Acquire(ctx, mode)

	peer, err := m.attach(epoch, local, err)
	if err != nil {
		return err
	}

	answer, err := peer.CreateAnswer(*offer.Data.SDP)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return errSuperseded
	}

	if err != nil {
		return m.abort(fmt.Errorf("%w: creating answer: %w", apperrors.ErrNegotiation, err))
	}

	m.remoteSet = true
	m.flushRemoteICELocked()

	err = m.pub.PublishJSON(transport.DestCallAns, models.Signal{
		Type: models.SignalAnswer,
		To:   offer.From,
		Data: models.SignalData{SDP: &answer},
	})
	if err != nil {
		return m.abort(fmt.Errorf("sending answer: %w", err))
	}

	m.flushLocalICELocked()
	m.mu.Unlock()

	m.logger.Info("call accepted", slog.String("from", offer.From))

	return nil
}

// RejectIncomingCall declines the pending incoming call.
func (m *Machine) RejectIncomingCall() error {
	m.mu.Lock()
	if m.state != StateIncoming || m.incoming == nil {
		m.mu.Unlock()
		return apperrors.ErrNoCall
	}

	m.sendEndLocked(m.incoming.From, models.EndReasonRejected)
	m.teardownLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)

	return nil
}

// EndCall hangs up. The remote party is told when one was established.
// Ending with no call is a no-op.
func (m *Machine) EndCall() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}

	if m.remote != "" {
		m.sendEndLocked(m.remote, models.EndReasonEnded)
	}

	m.teardownLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)
}

// ToggleMute flips the local audio tracks and returns the new muted
// state.
func (m *Machine) ToggleMute() (bool, error) {
	m.mu.Lock()
	if m.local == nil {
		m.mu.Unlock()
		return false, apperrors.ErrNoMedia
	}

	m.muted = !m.muted
	m.local.SetAudioEnabled(!m.muted)
	muted := m.muted
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)

	return muted, nil
}

// HandleSignal is the router handler for the call queue.
func (m *Machine) HandleSignal(body []byte) {
	var sig models.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		m.logger.Warn("decoding call signal", slog.String("error", err.Error()))
		return
	}

	m.OnSignal(sig)
}

// OnSignal applies one inbound signaling envelope.
func (m *Machine) OnSignal(sig models.Signal) {
	switch models.SignalType(strings.ToUpper(string(sig.Type))) {
	case models.SignalOffer:
		m.onOffer(sig)
	case models.SignalAnswer:
		m.onAnswer(sig)
	case models.SignalICE:
		m.onICE(sig)
	case models.SignalEnd:
		m.onEnd(sig)
	default:
		m.logger.Debug("ignoring call signal", slog.String("type", string(sig.Type)))
	}
}

func (m *Machine) onOffer(sig models.Signal) {
	m.mu.Lock()

	if m.state != StateIdle {
		if sig.From != "" {
			m.sendEndLocked(sig.From, models.EndReasonBusy)
		}

		m.mu.Unlock()
		m.logger.Info("rejected call while busy", slog.String("from", sig.From))

		return
	}

	if sig.From == "" || sig.Data.SDP == nil {
		m.mu.Unlock()
		m.logger.Warn("dropping offer without caller or sdp")

		return
	}

	m.epoch++
	m.state = StateIncoming
	m.mode = modeOf(sig.Data.CallMode)
	m.incoming = &sig
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)
}

func (m *Machine) onAnswer(sig models.Signal) {
	m.mu.Lock()

	if m.peer == nil || !m.offered || sig.Data.SDP == nil || !m.fromPartyLocked(sig.From) {
		m.mu.Unlock()
		return
	}

	peer, epoch := m.peer, m.epoch
	m.offered = false
	m.mu.Unlock()

	err := peer.SetAnswer(*sig.Data.SDP)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	if err != nil {
		_ = m.abort(fmt.Errorf("%w: applying answer: %w", apperrors.ErrNegotiation, err))
		return
	}

	m.remoteSet = true
	m.flushRemoteICELocked()
	m.state = StateActive
	m.startTimerLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)
}

func (m *Machine) onICE(sig models.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle || sig.Data.Candidate == nil || !m.fromPartyLocked(sig.From) {
		return
	}

	// Candidates can outrun the offer being accepted or the answer
	// being applied.
	if m.peer == nil || !m.remoteSet {
		m.remoteICE = append(m.remoteICE, *sig.Data.Candidate)
		return
	}

	if err := m.peer.AddICECandidate(*sig.Data.Candidate); err != nil {
		m.logger.Warn("adding remote candidate", slog.String("error", err.Error()))
	}
}

func (m *Machine) onEnd(sig models.Signal) {
	m.mu.Lock()

	if m.state == StateIdle || !m.fromPartyLocked(sig.From) {
		m.mu.Unlock()
		return
	}

	m.teardownLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("call ended by remote",
		slog.String("from", sig.From),
		slog.String("reason", sig.Data.Reason),
	)
	m.emit(snap)
}

// fromPartyLocked reports whether from is the other side of the
// current call.
func (m *Machine) fromPartyLocked(from string) bool {
	party := m.remote
	if party == "" && m.incoming != nil {
		party = m.incoming.From
	}

	return party != "" && strings.EqualFold(strings.TrimSpace(from), party)
}

func (m *Machine) events(epoch uint64) PeerEvents {
	return PeerEvents{
		OnICECandidate: func(c models.ICECandidate) { m.localCandidate(epoch, c) },
		OnStateChange:  func(s PeerState) { m.peerStateChanged(epoch, s) },
		OnRemoteTrack:  func(kind string) { m.remoteTrack(epoch, kind) },
	}
}

func (m *Machine) localCandidate(epoch uint64, c models.ICECandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.remote == "" {
		return
	}

	if !m.signaled {
		m.localICE = append(m.localICE, c)
		return
	}

	m.sendICELocked(c)
}

func (m *Machine) peerStateChanged(epoch uint64, s PeerState) {
	m.mu.Lock()

	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	switch s {
	case PeerConnected:
		m.state = StateActive
		m.startTimerLocked()
	case PeerFailed, PeerDisconnected, PeerClosed:
		m.logger.Info("peer connection lost", slog.String("state", s.String()))
		m.teardownLocked()
	default:
		m.mu.Unlock()
		return
	}

	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)
}

func (m *Machine) remoteTrack(epoch uint64, kind string) {
	m.mu.Lock()

	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	m.remoteMedia = true
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Debug("remote track", slog.String("kind", kind))
	m.emit(snap)
}

// flushLocalICELocked marks our description as published and sends the
// candidates gathered before it.
func (m *Machine) flushLocalICELocked() {
	m.signaled = true

	for _, c := range m.localICE {
		m.sendICELocked(c)
	}

	m.localICE = nil
}

func (m *Machine) flushRemoteICELocked() {
	for _, c := range m.remoteICE {
		if err := m.peer.AddICECandidate(c); err != nil {
			m.logger.Warn("adding buffered candidate", slog.String("error", err.Error()))
		}
	}

	m.remoteICE = nil
}

func (m *Machine) sendICELocked(c models.ICECandidate) {
	err := m.pub.PublishJSON(transport.DestCallICE, models.Signal{
		Type: models.SignalICE,
		To:   m.remote,
		Data: models.SignalData{Candidate: &c},
	})
	if err != nil {
		m.logger.Debug("candidate not sent", slog.String("error", err.Error()))
	}
}

func (m *Machine) sendEndLocked(to, reason string) {
	err := m.pub.PublishJSON(transport.DestCallEnd, models.Signal{
		Type: models.SignalEnd,
		To:   to,
		Data: models.SignalData{Reason: reason},
	})
	if err != nil {
		m.logger.Debug("end signal not sent",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Machine) startTimerLocked() {
	if m.tickStop != nil {
		return
	}

	stop := make(chan struct{})
	m.tickStop = stop
	epoch := m.epoch

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.tick(epoch)
			}
		}
	}()
}

func (m *Machine) tick(epoch uint64) {
	m.mu.Lock()

	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	m.elapsed++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)
}

// abort tears the call down after a failure, telling the remote party
// when it is waiting on us. It is called with mu held and releases it.
func (m *Machine) abort(err error) error {
	if m.remote != "" && (m.signaled || m.state == StateConnecting) {
		m.sendEndLocked(m.remote, models.EndReasonEnded)
	}

	m.teardownLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Warn("call failed", slog.String("error", err.Error()))
	m.emit(snap)

	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}

	return err
}

// teardownLocked releases the timer, peer connection and local media
// and returns to idle.
func (m *Machine) teardownLocked() {
	m.epoch++

	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}

	if m.peer != nil {
		if err := m.peer.Close(); err != nil {
			m.logger.Debug("closing peer connection", slog.String("error", err.Error()))
		}

		m.peer = nil
	}

	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}

	m.state = StateIdle
	m.remote = ""
	m.incoming = nil
	m.muted = false
	m.elapsed = 0
	m.remoteMedia = false
	m.offered = false
	m.remoteSet = false
	m.signaled = false
	m.localICE = nil
	m.remoteICE = nil
}
