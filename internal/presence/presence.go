// Package presence sends debounced typing pulses for the open
// conversation and tracks who is typing and who is online.
package presence

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/models"
	"github.com/alexjbarnes/relay-chat/internal/transport"
)

// DefaultTypingIdle is how long after the last edit typing-false is sent.
const DefaultTypingIdle = 450 * time.Millisecond

// Publisher sends a JSON payload to a relay destination.
type Publisher interface {
	PublishJSON(destination string, v any) error
}

// Conversations is the part of the sync engine the notifier reads and
// updates.
type Conversations interface {
	Active() (roomID, counterpartyID int64, ok bool)
	SetPresence(userID int64, online bool)
}

// Options configures a Notifier.
type Options struct {
	TypingIdle time.Duration

	// OnTyping is called outside any lock when the displayed typer
	// starts or stops typing.
	OnTyping func(userID int64, typing bool)

	// OnPresence is called outside any lock for every presence event.
	OnPresence func(models.PresenceEvent)
}

// Notifier owns outbound typing pulses and inbound typing and presence
// state.
type Notifier struct {
	pub    Publisher
	convs  Conversations
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64
	pending models.TypingEvent
	typer   int64
	online  map[int64]bool
	byEmail map[string]bool
}

// NewNotifier creates a Notifier.
func NewNotifier(pub Publisher, convs Conversations, opts Options, logger *slog.Logger) *Notifier {
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}

	return &Notifier{
		pub:     pub,
		convs:   convs,
		opts:    opts,
		logger:  logger,
		online:  make(map[int64]bool),
		byEmail: make(map[string]bool),
	}
}

// Edit reports a change to the draft of the open conversation. A
// non-blank draft sends typing-true at once and (re)arms the trailing
// typing-false pulse.
func (n *Notifier) Edit(draft string) {
	if strings.TrimSpace(draft) == "" {
		return
	}

	roomID, receiverID, ok := n.convs.Active()
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.publishLocked(models.TypingEvent{RoomID: roomID, ReceiverID: receiverID, Typing: true})

	if n.timer != nil {
		n.timer.Stop()
	}

	n.seq++
	seq := n.seq
	n.pending = models.TypingEvent{RoomID: roomID, ReceiverID: receiverID}
	n.timer = time.AfterFunc(n.opts.TypingIdle, func() { n.idle(seq) })
}

func (n *Notifier) idle(seq uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if seq != n.seq || n.timer == nil {
		return
	}

	n.timer = nil
	n.publishLocked(n.pending)
}

// Stop sends the trailing typing-false immediately, as after a send.
// It does nothing when no pulse is pending.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.timer == nil {
		return
	}

	n.timer.Stop()
	n.timer = nil
	n.seq++
	n.publishLocked(n.pending)
}

// Reset cancels any pending pulse without sending it and forgets all
// typing and presence state.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}

	n.seq++
	n.typer = 0
	n.online = make(map[int64]bool)
	n.byEmail = make(map[string]bool)
}

func (n *Notifier) publishLocked(ev models.TypingEvent) {
	if err := n.pub.PublishJSON(transport.DestTyping, ev); err != nil {
		n.logger.Debug("typing pulse not sent",
			slog.Bool("typing", ev.Typing),
			slog.String("error", err.Error()),
		)
	}
}

// HandleTyping is the router handler for the typing queue. Typing-true
// counts only when it comes from the counterparty of the open
// conversation; typing-false clears only the displayed typer.
func (n *Notifier) HandleTyping(body []byte) {
	var ev models.TypingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		n.logger.Warn("decoding typing event", slog.String("error", err.Error()))
		return
	}

	if ev.SenderID == 0 {
		return
	}

	roomID, counterparty, ok := n.convs.Active()

	n.mu.Lock()

	changed := false

	switch {
	case ev.Typing && ok && ev.SenderID == counterparty && ev.RoomID == roomID:
		changed = n.typer != ev.SenderID
		n.typer = ev.SenderID
	case !ev.Typing && n.typer == ev.SenderID:
		changed = true
		n.typer = 0
	}

	notify := n.opts.OnTyping
	n.mu.Unlock()

	if changed && notify != nil {
		notify(ev.SenderID, ev.Typing)
	}
}

// Typing returns the user shown as typing, if that user is still the
// counterparty of the open conversation.
func (n *Notifier) Typing() (int64, bool) {
	_, counterparty, ok := n.convs.Active()

	n.mu.Lock()
	defer n.mu.Unlock()

	if !ok || n.typer == 0 || n.typer != counterparty {
		return 0, false
	}

	return n.typer, true
}

// HandlePresence is the router handler for the presence topic.
func (n *Notifier) HandlePresence(body []byte) {
	var ev models.PresenceEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		n.logger.Warn("decoding presence event", slog.String("error", err.Error()))
		return
	}

	if ev.UserID == 0 {
		return
	}

	n.mu.Lock()
	n.online[ev.UserID] = ev.Online

	if ev.Email != "" {
		n.byEmail[normalizeEmail(ev.Email)] = ev.Online
	}

	notify := n.opts.OnPresence
	n.mu.Unlock()

	n.convs.SetPresence(ev.UserID, ev.Online)

	if notify != nil {
		notify(ev)
	}
}

// Seed records the online flags of a counterparty listing. Later
// presence events override them.
func (n *Notifier) Seed(list []models.Counterparty) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, cp := range list {
		n.online[cp.UserID] = cp.Online

		if cp.Email != "" {
			n.byEmail[normalizeEmail(cp.Email)] = cp.Online
		}
	}
}

// Online reports whether the user is known to be online.
func (n *Notifier) Online(userID int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.online[userID]
}

// OnlineEmail reports whether the user with the given email is known
// to be online.
func (n *Notifier) OnlineEmail(email string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.byEmail[normalizeEmail(email)]
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
