// Package chatsync keeps the local view of every conversation in step
// with the relay: optimistic sends, reconciliation of echoes and
// replays, forward-only delivery status, and acknowledgements.
package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/models"
	"github.com/alexjbarnes/relay-chat/internal/transport"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/alexjbarnes/relay-chat/internal/errors"
)

const (
	defaultPageSize = 30

	// defaultAckLimit bounds the acknowledged ids remembered per room.
	defaultAckLimit = 512
)

// Options configures an Engine. Zero values take the defaults.
type Options struct {
	PageSize int
	AckLimit int

	// OnMessage is called, outside any lock, for every new message from
	// the counterparty.
	OnMessage func(models.Message)
}

// Engine owns all conversations of the signed-in user.
//
// Lock order: Engine.mu is taken before the Publisher's own lock, never
// after. Handlers run on the router's dispatch goroutine; REST calls
// are made without holding mu.
type Engine struct {
	pub    Publisher
	api    Collaborator
	store  AckStore
	logger *slog.Logger
	opts   Options

	opening singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	selfID       int64
	epoch        uint64
	rooms        map[int64]*conversation
	counterparts map[int64]*models.Counterparty
	activeUser   int64
	activeRoom   int64
	acks         map[int64]*ackSet

	now func() time.Time
}

// NewEngine creates an Engine. store may be nil, in which case
// acknowledgements are remembered for the life of the process only.
func NewEngine(pub Publisher, api Collaborator, store AckStore, opts Options, logger *slog.Logger) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}

	if opts.AckLimit <= 0 {
		opts.AckLimit = defaultAckLimit
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		pub:          pub,
		api:          api,
		store:        store,
		logger:       logger,
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		rooms:        make(map[int64]*conversation),
		counterparts: make(map[int64]*models.Counterparty),
		acks:         make(map[int64]*ackSet),
		now:          time.Now,
	}
}

// SetSelf sets the signed-in user. Changing user drops all local state.
func (e *Engine) SetSelf(userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.selfID == userID {
		return
	}

	e.resetLocked()
	e.selfID = userID
}

// Self returns the signed-in user id, or 0.
func (e *Engine) Self() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.selfID
}

// Reset drops every conversation and the counterparty projection, as on
// logout. Persisted acknowledgements are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetLocked()
	e.selfID = 0
}

func (e *Engine) resetLocked() {
	e.epoch++
	e.rooms = make(map[int64]*conversation)
	e.counterparts = make(map[int64]*models.Counterparty)
	e.acks = make(map[int64]*ackSet)
	e.activeUser = 0
	e.activeRoom = 0
}

// Shutdown stops background acknowledgements and waits for them.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) conversationLocked(roomID, counterpartyID int64) *conversation {
	c, ok := e.rooms[roomID]
	if !ok {
		c = &conversation{roomID: roomID, counterpartyID: counterpartyID}
		e.rooms[roomID] = c
	}

	if c.counterpartyID == 0 {
		c.counterpartyID = counterpartyID
	}

	return c
}

func (e *Engine) ackSetLocked(roomID int64) *ackSet {
	if a, ok := e.acks[roomID]; ok {
		return a
	}

	var ids []int64

	if e.store != nil {
		stored, err := e.store.AckedIDs(roomID)
		if err != nil {
			e.logger.Warn("loading acknowledged ids",
				slog.Int64("room_id", roomID),
				slog.String("error", err.Error()),
			)
		}

		ids = stored
	}

	a := newAckSet(e.opts.AckLimit, ids)
	e.acks[roomID] = a

	return a
}

// persistAcks writes acknowledged ids to the store. It must be called
// without mu held: a bbolt update syncs to disk.
func (e *Engine) persistAcks(roomID int64, ids ...int64) {
	if e.store == nil || len(ids) == 0 {
		return
	}

	if err := e.store.RecordAcks(roomID, ids, e.opts.AckLimit); err != nil {
		e.logger.Warn("persisting acknowledgements",
			slog.Int64("room_id", roomID),
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()),
		)
	}
}

// Submit publishes a new message and appends it optimistically with
// status SENT. It returns the generated client message id. Nothing is
// appended when the publish fails. roomID must be the resolved room of
// the conversation, see ResolveRoom.
func (e *Engine) Submit(content string, roomID, receiverID int64) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperrors.ErrEmptyMessage
	}

	if roomID <= 0 {
		return "", apperrors.ErrNoRoom
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.selfID == 0 {
		return "", apperrors.ErrNoSession
	}

	id := uuid.NewString()

	// Published under mu so the relay's echo, handled on the dispatch
	// goroutine, always finds the optimistic entry.
	err := e.pub.PublishJSON(transport.DestSend, models.SendRequest{
		RoomID:          roomID,
		ReceiverID:      receiverID,
		Content:         content,
		ClientMessageID: id,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrNotSent, err)
	}

	now := models.At(e.now())
	msg := models.Message{
		ClientMessageID: id,
		RoomID:          roomID,
		SenderID:        e.selfID,
		ReceiverID:      receiverID,
		Content:         content,
		Status:          models.StatusSent,
		Timestamp:       now,
		Own:             true,
	}

	c := e.conversationLocked(roomID, receiverID)
	c.insert(msg)
	c.lastActivity = now.Time
	e.touchCounterpartyLocked(receiverID, roomID, content, now, false)

	e.logger.Debug("message submitted",
		slog.String("client_message_id", id),
		slog.Int64("room_id", roomID),
	)

	return id, nil
}

// HandleEnvelope is the router handler for the personal message queue,
// which carries both messages and status updates. An explicit type
// field wins; otherwise a payload with content is a message and one
// with only an id and status is a status update.
func (e *Engine) HandleEnvelope(body []byte) {
	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		e.logger.Warn("dropping malformed message envelope")
		return
	}

	kind := strings.ToUpper(res.Get("type").String())

	isStatus := strings.Contains(kind, "STATUS") ||
		(kind == "" && !res.Get("content").Exists() && res.Get("id").Exists() && res.Get("status").Exists())

	if isStatus {
		var ev models.StatusEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			e.logger.Warn("decoding status event", slog.String("error", err.Error()))
			return
		}

		e.OnStatusEvent(ev)

		return
	}

	var msg models.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		e.logger.Warn("decoding message", slog.String("error", err.Error()))
		return
	}

	e.OnInboundMessage(msg)
}

// HandleReceipt is the router handler for the read-receipt queue.
func (e *Engine) HandleReceipt(body []byte) {
	var r models.ReadReceipt
	if err := json.Unmarshal(body, &r); err != nil {
		e.logger.Warn("decoding read receipt", slog.String("error", err.Error()))
		return
	}

	e.OnReadReceipt(r)
}

// OnInboundMessage reconciles a message from the relay, which may be
// the echo of our own send, a new message from the counterparty, or a
// replay of either.
func (e *Engine) OnInboundMessage(msg models.Message) {
	if msg.RoomID == 0 {
		return
	}

	if msg.ID == 0 && msg.ClientMessageID == "" {
		e.logger.Warn("dropping message without server or client id",
			slog.Int64("room_id", msg.RoomID),
			slog.Int64("sender_id", msg.SenderID),
		)

		return
	}

	e.mu.Lock()

	if e.selfID == 0 {
		e.mu.Unlock()
		return
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = models.At(e.now())
	}

	msg.Own = msg.SenderID == e.selfID

	counterparty := msg.SenderID
	if msg.Own {
		counterparty = msg.ReceiverID
	}

	c := e.conversationLocked(msg.RoomID, counterparty)

	result := c.reconcile(msg)
	if result == mergeDuplicate {
		e.mu.Unlock()
		e.logger.Debug("duplicate message discarded", slog.Int64("message_id", msg.ID))

		return
	}

	c.lastActivity = msg.Timestamp.Time
	e.touchCounterpartyLocked(counterparty, msg.RoomID, msg.Content, msg.Timestamp, !msg.Own && result == mergeAppended)

	if !msg.Own && msg.ID != 0 {
		if e.isActiveLocked(counterparty, msg.RoomID) {
			if e.ackSetLocked(msg.RoomID).reserve(msg.ID) {
				e.readAckAsync(e.epoch, msg)
			}
		} else if err := e.pub.PublishJSON(transport.DestDelivered, models.DeliveryAck{MessageID: msg.ID}); err != nil {
			e.logger.Debug("delivery ack not sent",
				slog.Int64("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	notify := e.opts.OnMessage
	e.mu.Unlock()

	if notify != nil && !msg.Own && result == mergeAppended {
		notify(msg)
	}
}

func (e *Engine) isActiveLocked(counterparty, roomID int64) bool {
	return e.activeUser != 0 && e.activeUser == counterparty && e.activeRoom == roomID
}

// readAckAsync marks the room read and then publishes the read
// acknowledgement for msg. The caller has reserved msg.ID.
func (e *Engine) readAckAsync(epoch uint64, msg models.Message) {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		err := e.api.MarkRead(e.ctx, msg.RoomID)
		if err == nil {
			e.mu.Lock()
			if epoch == e.epoch {
				err = e.pub.PublishJSON(transport.DestRead, models.ReadAck{
					MessageID:  msg.ID,
					SenderID:   msg.SenderID,
					ReceiverID: msg.ReceiverID,
				})
			}
			e.mu.Unlock()
		}

		e.mu.Lock()
		if epoch != e.epoch {
			e.mu.Unlock()
			return
		}

		if err != nil {
			e.ackSetLocked(msg.RoomID).release(msg.ID)
			e.mu.Unlock()
			e.logger.Warn("read acknowledgement failed",
				slog.Int64("message_id", msg.ID),
				slog.String("error", err.Error()),
			)

			return
		}

		e.ackSetLocked(msg.RoomID).add(msg.ID)
		e.mu.Unlock()

		e.persistAcks(msg.RoomID, msg.ID)
	}()
}

// OnStatusEvent advances the status of the message with the given
// server id in whichever conversation holds it. Status never regresses.
func (e *Engine) OnStatusEvent(ev models.StatusEvent) {
	if ev.ID == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.rooms {
		for i := range c.messages {
			m := &c.messages[i]
			if m.ID != ev.ID {
				continue
			}

			m.Status = m.Status.Advance(ev.Status)

			if ev.DeliveredAt != nil {
				m.DeliveredAt = ev.DeliveredAt
			}

			if ev.ReadAt != nil {
				m.ReadAt = ev.ReadAt
			}
		}
	}
}

// OnReadReceipt marks every own message in the room READ.
func (e *Engine) OnReadReceipt(r models.ReadReceipt) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.rooms[r.RoomID]
	if !ok {
		return
	}

	readAt := r.ReadAt
	if readAt.IsZero() {
		readAt = models.At(e.now())
	}

	for i := range c.messages {
		m := &c.messages[i]
		if !m.Own {
			continue
		}

		if m.Status != models.StatusRead {
			m.Status = models.StatusRead
		}

		if m.ReadAt == nil {
			m.ReadAt = &readAt
		}
	}
}

// ResolveRoom returns the room of the conversation with
// counterpartyID, asking the collaborator to create it when none is
// known yet. It does not change the active conversation.
func (e *Engine) ResolveRoom(ctx context.Context, counterpartyID int64) (int64, error) {
	e.mu.Lock()
	if e.selfID == 0 {
		e.mu.Unlock()
		return 0, apperrors.ErrNoSession
	}

	if cp, ok := e.counterparts[counterpartyID]; ok && cp.RoomID > 0 {
		roomID := cp.RoomID
		e.mu.Unlock()

		return roomID, nil
	}

	epoch := e.epoch
	e.mu.Unlock()

	v, err, _ := e.opening.Do("room:"+strconv.FormatInt(counterpartyID, 10), func() (any, error) {
		return e.api.Room(ctx, counterpartyID)
	})
	if err != nil {
		return 0, fmt.Errorf("resolving room: %w", err)
	}

	room, _ := v.(*models.Room)
	if room == nil || room.RoomID <= 0 {
		return 0, apperrors.ErrNoRoom
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch {
		return 0, apperrors.ErrNoSession
	}

	e.conversationLocked(room.RoomID, counterpartyID)

	cp := e.counterpartyLocked(counterpartyID)
	cp.RoomID = room.RoomID

	if cp.Name == "" {
		cp.Name = room.ParticipantName
	}

	if cp.Email == "" {
		cp.Email = room.ParticipantEmail
	}

	return room.RoomID, nil
}

// Open makes the conversation with counterpartyID the active one: it
// resolves the room, resets the unread count, loads the newest history
// page, marks the room read and acknowledges anything not yet read.
// Concurrent calls for the same counterparty share one execution.
func (e *Engine) Open(ctx context.Context, counterpartyID int64) (*models.Room, error) {
	v, err, _ := e.opening.Do(strconv.FormatInt(counterpartyID, 10), func() (any, error) {
		return e.open(ctx, counterpartyID)
	})
	if err != nil {
		return nil, err
	}

	room, _ := v.(*models.Room)

	return room, nil
}

func (e *Engine) open(ctx context.Context, counterpartyID int64) (*models.Room, error) {
	e.mu.Lock()
	if e.selfID == 0 {
		e.mu.Unlock()
		return nil, apperrors.ErrNoSession
	}

	epoch := e.epoch
	e.activeUser = counterpartyID
	e.activeRoom = 0

	if cp, ok := e.counterparts[counterpartyID]; ok {
		cp.UnreadCount = 0
	}
	e.mu.Unlock()

	room, err := e.api.Room(ctx, counterpartyID)
	if err != nil {
		return nil, fmt.Errorf("opening conversation: %w", err)
	}

	e.mu.Lock()
	if epoch != e.epoch || e.activeUser != counterpartyID {
		e.mu.Unlock()
		return room, nil
	}

	e.activeRoom = room.RoomID
	e.conversationLocked(room.RoomID, counterpartyID)

	cp := e.counterpartyLocked(counterpartyID)
	cp.RoomID = room.RoomID
	cp.UnreadCount = 0

	if cp.Name == "" {
		cp.Name = room.ParticipantName
	}

	if cp.Email == "" {
		cp.Email = room.ParticipantEmail
	}
	e.mu.Unlock()

	page, err := e.api.History(ctx, room.RoomID, 0, e.opts.PageSize)
	if err != nil {
		return room, fmt.Errorf("loading history: %w", err)
	}

	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return room, nil
	}

	c := e.conversationLocked(room.RoomID, counterpartyID)
	c.replace(e.ownedLocked(page.Messages))
	c.nextPage = 1
	c.last = page.Last
	c.loaded = true
	e.mu.Unlock()

	if err := e.api.MarkRead(ctx, room.RoomID); err != nil {
		return room, fmt.Errorf("marking conversation read: %w", err)
	}

	e.ackUnread(epoch, room.RoomID, counterpartyID)

	return room, nil
}

// ackUnread publishes read acknowledgements for every counterparty
// message in the room that is neither READ nor already acknowledged.
func (e *Engine) ackUnread(epoch uint64, roomID, counterpartyID int64) {
	var acked []int64

	defer func() { e.persistAcks(roomID, acked...) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch || !e.isActiveLocked(counterpartyID, roomID) {
		return
	}

	c, ok := e.rooms[roomID]
	if !ok {
		return
	}

	acks := e.ackSetLocked(roomID)

	for _, m := range c.messages {
		if m.Own || m.ID == 0 || m.Status == models.StatusRead {
			continue
		}

		if !acks.reserve(m.ID) {
			continue
		}

		err := e.pub.PublishJSON(transport.DestRead, models.ReadAck{
			MessageID:  m.ID,
			SenderID:   m.SenderID,
			ReceiverID: e.selfID,
		})
		if err != nil {
			acks.release(m.ID)
			e.logger.Debug("read ack not sent",
				slog.Int64("message_id", m.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		acks.add(m.ID)
		acked = append(acked, m.ID)
	}
}

// ownedLocked marks own messages in a history page and drops entries
// that carry neither a server nor a client id.
func (e *Engine) ownedLocked(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == 0 && m.ClientMessageID == "" {
			e.logger.Warn("dropping history entry without server or client id",
				slog.Int64("room_id", m.RoomID),
			)

			continue
		}

		m.Own = m.SenderID == e.selfID
		if m.Timestamp.IsZero() {
			m.Timestamp = models.At(e.now())
		}

		out = append(out, m)
	}

	return out
}

// Close deactivates the open conversation.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.activeUser = 0
	e.activeRoom = 0
}

// Active returns the open conversation. ok is false when none is open
// or its room is still being resolved.
func (e *Engine) Active() (roomID, counterpartyID int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.activeRoom, e.activeUser, e.activeRoom != 0
}

// LoadOlder fetches the next history page of a room and merges it in
// front of the loaded messages. It reports whether more pages remain.
func (e *Engine) LoadOlder(ctx context.Context, roomID int64) (bool, error) {
	e.mu.Lock()

	c, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return false, fmt.Errorf("room %d is not open", roomID)
	}

	if c.loaded && c.last {
		e.mu.Unlock()
		return false, nil
	}

	epoch := e.epoch
	pageNo := c.nextPage
	e.mu.Unlock()

	page, err := e.api.History(ctx, roomID, pageNo, e.opts.PageSize)
	if err != nil {
		return true, fmt.Errorf("loading older messages: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch || e.rooms[roomID] != c {
		return false, nil
	}

	// Another load of the same page won the race.
	if c.nextPage != pageNo {
		return !c.last, nil
	}

	if pageNo == 0 {
		c.replace(e.ownedLocked(page.Messages))
	} else {
		c.prepend(e.ownedLocked(page.Messages))
	}

	c.nextPage = pageNo + 1
	c.last = page.Last
	c.loaded = true

	return !c.last, nil
}

// Messages returns a copy of the room's messages in display order.
func (e *Engine) Messages(roomID int64) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.rooms[roomID]
	if !ok {
		return nil
	}

	return append([]models.Message(nil), c.messages...)
}

// Forget drops a conversation and its acknowledgement history.
func (e *Engine) Forget(roomID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.rooms, roomID)
	delete(e.acks, roomID)

	if e.activeRoom == roomID {
		e.activeRoom = 0
		e.activeUser = 0
	}

	if e.store == nil {
		return nil
	}

	if err := e.store.ForgetRoom(roomID); err != nil {
		return fmt.Errorf("forgetting room %d: %w", roomID, err)
	}

	return nil
}
