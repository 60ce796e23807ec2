// Package transport owns the realtime connection to the relay: dialing,
// the STOMP session on top of the websocket, reconnection with backoff,
// fatal-error classification and topic routing.
package transport

//go:generate mockgen -source=manager.go -destination=mock_wsconn_test.go -package=transport -mock_names=wsConn=MockWSConn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/stomp"
	"github.com/coder/websocket"

	apperrors "github.com/alexjbarnes/relay-chat/internal/errors"
)

const (
	// defaultHeartBeat is the STOMP heart-beat interval offered in both
	// directions.
	defaultHeartBeat = 10 * time.Second

	// heartBeatMisses is how many negotiated inbound intervals may pass
	// without any traffic before the connection is considered dead.
	heartBeatMisses = 3

	// defaultConnectTimeout bounds dial plus the CONNECT/CONNECTED exchange.
	defaultConnectTimeout = 15 * time.Second

	// outboundQueueSize is the per-connection publish buffer. Publish
	// rejects instead of blocking when it is full.
	outboundQueueSize = 256

	// wsReadLimit caps a single inbound websocket message.
	wsReadLimit = 1 << 20

	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 15 * time.Second
	defaultMaxAttempts = 5
)

// State is the lifecycle state of the session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	// StateFatal is terminal until Retry or a new credential.
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFatal:
		return "fatally-disconnected"
	default:
		return "idle"
	}
}

var errSuperseded = errors.New("connect attempt superseded")

// ProtocolError is an ERROR frame received from the relay.
type ProtocolError struct {
	Message string
	Body    string
}

func (e *ProtocolError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stomp error: %s: %s", e.Message, e.Body)
	}

	return "stomp error: " + e.Message
}

// wsConn abstracts the WebSocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// DialFunc opens the websocket. The default uses websocket.Dial.
type DialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func dialWebsocket(ctx context.Context, u string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	URL            string
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	HeartBeat      time.Duration
	ConnectTimeout time.Duration

	// OnAuthError is called at most once per session when the relay
	// rejects the credential.
	OnAuthError func()

	Dial DialFunc
}

// Manager owns the realtime session.
//
// All session fields are guarded by mu. Each connect attempt bumps
// epoch; reader and writer goroutines, and scheduled reconnects, carry
// the epoch they were started under and do nothing once it is stale.
type Manager struct {
	opts   Options
	router *Router
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	token            string
	state            State
	epoch            uint64
	attempt          int
	reconnectEnabled bool
	fatal            bool
	authNotified     bool
	manualClose      bool
	closed           bool
	conn             wsConn
	connCancel       context.CancelFunc
	out              chan []byte
	timer            *time.Timer
	watchers         map[int]chan bool
	nextWatcher      int

	lastRead atomic.Int64
}

// NewManager creates a Manager routing inbound frames through router.
// No connection is made until SetCredential is called.
func NewManager(opts Options, router *Router, logger *slog.Logger) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}

	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	if opts.HeartBeat <= 0 {
		opts.HeartBeat = defaultHeartBeat
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	if opts.Dial == nil {
		opts.Dial = dialWebsocket
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		opts:     opts,
		router:   router,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[int]chan bool),
	}
}

// SetCredential replaces the session credential. A non-empty token
// creates a fresh session and starts connecting in the background; an
// empty token destroys the session.
func (m *Manager) SetCredential(token string) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}

	m.token = token
	m.attempt = 0
	m.fatal = false
	m.authNotified = false
	m.reconnectEnabled = token != ""
	m.stopTimerLocked()
	m.epoch++
	conn := m.teardownLocked(true)

	if token == "" {
		m.state = StateIdle
		m.mu.Unlock()
		m.closeConn(conn, websocket.StatusNormalClosure, "logout")
		m.logger.Info("session ended")

		return
	}

	m.state = StateIdle
	m.mu.Unlock()
	m.closeConn(conn, websocket.StatusNormalClosure, "credential changed")

	go func() {
		_ = m.Connect(m.ctx)
	}()
}

// Logout destroys the session. Equivalent to SetCredential("").
func (m *Manager) Logout() {
	m.SetCredential("")
}

// Retry re-arms a session that reached the terminal state, either by
// exhausting reconnect attempts or by a fatal error, and connects again.
func (m *Manager) Retry() error {
	m.mu.Lock()

	if m.token == "" || m.closed {
		m.mu.Unlock()
		return apperrors.ErrNoSession
	}

	m.reconnectEnabled = true
	m.fatal = false
	m.attempt = 0

	if m.state == StateFatal {
		m.state = StateIdle
	}

	m.mu.Unlock()

	go func() {
		_ = m.Connect(m.ctx)
	}()

	return nil
}

// Connect makes one connection attempt with the current credential. It
// is a no-op when already connected or connecting. On failure the error
// is classified and a reconnect scheduled when appropriate.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()

	if m.token == "" || m.closed {
		m.mu.Unlock()
		return apperrors.ErrNoSession
	}

	if !m.reconnectEnabled || m.fatal {
		m.mu.Unlock()
		return fmt.Errorf("%w: session is %s", apperrors.ErrNotConnected, m.state)
	}

	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}

	m.stopTimerLocked()
	m.epoch++
	epoch := m.epoch
	token := m.token
	m.state = StateConnecting
	m.manualClose = false
	m.mu.Unlock()

	m.logger.Debug("connecting", slog.String("url", m.opts.URL), slog.Uint64("epoch", epoch))

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, hb, err := m.dial(dialCtx, token)

	cancel()

	m.mu.Lock()

	if epoch != m.epoch || m.closed {
		m.mu.Unlock()
		m.closeConn(conn, websocket.StatusNormalClosure, "superseded")

		return errSuperseded
	}

	if err != nil {
		m.state = StateIdle
		notify := m.handleFailureLocked(err)
		m.mu.Unlock()
		m.closeConn(conn, websocket.StatusNormalClosure, "connect failed")

		if notify != nil {
			notify()
		}

		return fmt.Errorf("connecting: %w", err)
	}

	m.startLocked(conn, epoch, hb)
	m.mu.Unlock()

	m.logger.Info("connected",
		slog.String("url", m.opts.URL),
		slog.Duration("heartbeat_send", hb.send),
		slog.Duration("heartbeat_recv", hb.recv),
	)

	return nil
}

// heartBeat is the negotiated heart-beat for one connection. Zero
// disables the direction.
type heartBeat struct {
	send time.Duration
	recv time.Duration
}

// negotiateHeartBeat combines the interval we offered with the
// CONNECTED heart-beat header "sx,sy".
func negotiateHeartBeat(local time.Duration, header string) heartBeat {
	sxs, sys, ok := strings.Cut(header, ",")
	if !ok {
		return heartBeat{}
	}

	sx, err1 := strconv.Atoi(strings.TrimSpace(sxs))
	sy, err2 := strconv.Atoi(strings.TrimSpace(sys))

	if err1 != nil || err2 != nil || local <= 0 {
		return heartBeat{}
	}

	var hb heartBeat
	if sy > 0 {
		hb.send = max(local, time.Duration(sy)*time.Millisecond)
	}

	if sx > 0 {
		hb.recv = max(local, time.Duration(sx)*time.Millisecond)
	}

	return hb
}

// dial opens the websocket and performs the STOMP CONNECT exchange.
func (m *Manager) dial(ctx context.Context, token string) (wsConn, heartBeat, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := m.opts.Dial(ctx, m.opts.URL, header)
	if err != nil {
		return nil, heartBeat{}, fmt.Errorf("dialing websocket: %w", err)
	}

	hb, err := m.handshake(ctx, conn, token)
	if err != nil {
		return conn, heartBeat{}, err
	}

	return conn, hb, nil
}

// handshake sends CONNECT and waits for CONNECTED or ERROR. Extracted
// from dial so it can be tested with a mock wsConn.
func (m *Manager) handshake(ctx context.Context, conn wsConn, token string) (heartBeat, error) {
	conn.SetReadLimit(wsReadLimit)

	host := ""
	if u, err := url.Parse(m.opts.URL); err == nil {
		host = u.Hostname()
	}

	hb := fmt.Sprintf("%d,%d", m.opts.HeartBeat.Milliseconds(), m.opts.HeartBeat.Milliseconds())
	connect := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrHost, host,
		stomp.HdrHeartBeat, hb,
		stomp.HdrAuthorization, "Bearer "+token,
	)

	if err := conn.Write(ctx, websocket.MessageText, connect.Encode()); err != nil {
		return heartBeat{}, fmt.Errorf("sending connect: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return heartBeat{}, fmt.Errorf("reading connected: %w", err)
		}

		f, err := stomp.Decode(data)
		if err != nil {
			return heartBeat{}, fmt.Errorf("decoding connected: %w", err)
		}

		if f == nil {
			continue
		}

		switch f.Command {
		case stomp.CmdConnected:
			return negotiateHeartBeat(m.opts.HeartBeat, f.Get(stomp.HdrHeartBeat)), nil
		case stomp.CmdError:
			return heartBeat{}, &ProtocolError{Message: f.Get(stomp.HdrMessage), Body: string(f.Body)}
		default:
			m.logger.Debug("unexpected frame before connected", slog.String("command", f.Command))
		}
	}
}

// startLocked makes conn the live connection: starts reader and writer,
// installs subscriptions and notifies watchers.
func (m *Manager) startLocked(conn wsConn, epoch uint64, hb heartBeat) {
	// Independent of m.ctx so the writer can flush after Close.
	connCtx, connCancel := context.WithCancel(context.Background())
	out := make(chan []byte, outboundQueueSize)

	m.conn = conn
	m.connCancel = connCancel
	m.out = out
	m.state = StateConnected
	m.attempt = 0
	m.fatal = false
	m.lastRead.Store(time.Now().UnixNano())

	go m.readLoop(connCtx, conn, epoch)
	go m.writeLoop(connCtx, connCancel, conn, out, epoch, hb)

	m.router.install(m.enqueueLocked)
	m.broadcastLocked(true)
}

// teardownLocked detaches the live connection. With graceful set,
// subscriptions are unsubscribed and DISCONNECT is queued ahead of the
// close, and the writer closes the socket after draining. Otherwise the
// connection is returned for the caller to close outside the lock.
func (m *Manager) teardownLocked(graceful bool) wsConn {
	if m.conn == nil {
		return nil
	}

	conn := m.conn
	wasConnected := m.state == StateConnected

	if graceful && m.out != nil {
		m.router.teardown(m.enqueueLocked)
		_ = m.enqueueLocked(stomp.New(stomp.CmdDisconnect))
		close(m.out)
		conn = nil
	} else {
		m.router.teardown(nil)
		m.connCancel()
	}

	m.conn = nil
	m.out = nil
	m.connCancel = nil

	if wasConnected {
		m.broadcastLocked(false)
	}

	return conn
}

// Disconnect closes the connection without scheduling a reconnect. The
// session and credential survive; Connect or Retry reopens it.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.epoch++
	m.stopTimerLocked()
	conn := m.teardownLocked(true)

	if m.state != StateFatal {
		m.state = StateIdle
	}

	m.mu.Unlock()

	m.closeConn(conn, websocket.StatusNormalClosure, "bye")
}

// Close destroys the session and stops all background work. The Manager
// cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	m.manualClose = true
	m.reconnectEnabled = false
	m.epoch++
	m.stopTimerLocked()
	conn := m.teardownLocked(true)
	m.state = StateIdle

	for id, ch := range m.watchers {
		close(ch)
		delete(m.watchers, id)
	}

	m.mu.Unlock()

	m.cancel()
	m.closeConn(conn, websocket.StatusNormalClosure, "bye")
}

// connectionLost handles an unexpected end of the connection started
// under epoch.
func (m *Manager) connectionLost(epoch uint64, cause error) {
	m.mu.Lock()

	if epoch != m.epoch || m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	m.logger.Warn("connection lost", slog.String("error", cause.Error()))

	conn := m.teardownLocked(false)
	m.state = StateIdle

	var notify func()
	if !m.manualClose {
		notify = m.handleFailureLocked(cause)
	}

	m.mu.Unlock()

	m.closeConn(conn, websocket.StatusGoingAway, "connection lost")

	if notify != nil {
		notify()
	}
}

// handleFailureLocked applies the classifier. It returns the auth-error
// callback when it must be invoked, which the caller does after
// releasing the lock.
func (m *Manager) handleFailureLocked(err error) func() {
	class := ClassifyError(err)

	switch class {
	case ClassFatalAuth, ClassFatalServer:
		m.reconnectEnabled = false
		m.fatal = true
		m.state = StateFatal
		m.stopTimerLocked()
		m.logger.Error("fatal connection error, reconnect disabled",
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)

		if class == ClassFatalAuth && !m.authNotified && m.opts.OnAuthError != nil {
			m.authNotified = true
			return m.opts.OnAuthError
		}

		return nil
	}

	m.scheduleReconnectLocked()

	return nil
}

func (m *Manager) scheduleReconnectLocked() {
	if !m.reconnectEnabled || m.fatal || m.token == "" || m.closed {
		return
	}

	if m.attempt >= m.opts.MaxAttempts {
		m.reconnectEnabled = false
		m.state = StateFatal
		m.logger.Error("reconnect attempts exhausted",
			slog.Int("attempts", m.attempt),
		)

		return
	}

	m.attempt++
	delay := ReconnectDelay(m.attempt, m.opts.BaseDelay, m.opts.MaxDelay)
	epoch := m.epoch

	m.stopTimerLocked()
	m.timer = time.AfterFunc(delay, func() {
		m.reconnectFired(epoch)
	})

	m.logger.Info("reconnect scheduled",
		slog.Int("attempt", m.attempt),
		slog.Duration("delay", delay),
	)
}

func (m *Manager) reconnectFired(epoch uint64) {
	m.mu.Lock()

	if epoch != m.epoch || m.closed {
		m.mu.Unlock()
		m.logger.Debug("stale reconnect ignored", slog.Uint64("epoch", epoch))

		return
	}

	m.timer = nil
	m.mu.Unlock()

	_ = m.Connect(m.ctx)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) closeConn(conn wsConn, code websocket.StatusCode, reason string) {
	if conn == nil {
		return
	}

	if err := conn.Close(code, reason); err != nil {
		m.logger.Debug("closing websocket", slog.String("error", err.Error()))
	}
}

// readLoop reads frames until the connection fails. conn is captured by
// value so a stale reader can never touch a newer connection.
func (m *Manager) readLoop(ctx context.Context, conn wsConn, epoch uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.connectionLost(epoch, fmt.Errorf("reading frame: %w", err))
			}

			return
		}

		m.lastRead.Store(time.Now().UnixNano())

		f, err := stomp.Decode(data)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}

		if f == nil {
			continue
		}

		switch f.Command {
		case stomp.CmdMessage:
			m.router.dispatch(f)
		case stomp.CmdError:
			m.connectionLost(epoch, &ProtocolError{Message: f.Get(stomp.HdrMessage), Body: string(f.Body)})
			return
		case stomp.CmdReceipt:
		default:
			m.logger.Debug("ignoring frame", slog.String("command", f.Command))
		}
	}
}

// writeLoop owns all writes to conn after the handshake. It drains out,
// sends heart-beats and watches for inbound silence. A closed out
// channel means graceful shutdown: pending frames are flushed and the
// socket is closed.
func (m *Manager) writeLoop(ctx context.Context, cancel context.CancelFunc, conn wsConn, out <-chan []byte, epoch uint64, hb heartBeat) {
	interval := hb.send
	if interval == 0 || (hb.recv > 0 && hb.recv < interval) {
		interval = hb.recv
	}

	var tick <-chan time.Time

	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	silence := time.Duration(heartBeatMisses) * hb.recv

	for {
		select {
		case data, ok := <-out:
			if !ok {
				cancel()
				m.closeConn(conn, websocket.StatusNormalClosure, "bye")

				return
			}

			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					m.connectionLost(epoch, fmt.Errorf("writing frame: %w", err))
				}

				return
			}

		case <-tick:
			if hb.recv > 0 && time.Since(time.Unix(0, m.lastRead.Load())) > silence {
				m.connectionLost(epoch, errors.New("heartbeat timeout"))
				return
			}

			if hb.send == 0 {
				continue
			}

			if err := conn.Write(ctx, websocket.MessageText, stomp.HeartBeat); err != nil {
				if ctx.Err() == nil {
					m.connectionLost(epoch, fmt.Errorf("sending heartbeat: %w", err))
				}

				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// enqueueLocked queues a frame for the writer without blocking.
func (m *Manager) enqueueLocked(f *stomp.Frame) error {
	if m.out == nil {
		return apperrors.ErrNotConnected
	}

	select {
	case m.out <- f.Encode():
		return nil
	default:
		return apperrors.ErrPublishRejected
	}
}

// Publish queues body for destination. It never blocks: it fails with
// ErrNotConnected when there is no live connection and with
// ErrPublishRejected when the outbound queue is full.
func (m *Manager) Publish(destination string, body []byte) error {
	f := stomp.New(stomp.CmdSend,
		stomp.HdrDestination, destination,
		stomp.HdrContentType, "application/json",
	)
	f.Body = body

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected {
		return apperrors.ErrNotConnected
	}

	return m.enqueueLocked(f)
}

// PublishJSON marshals v and publishes it.
func (m *Manager) PublishJSON(destination string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}

	return m.Publish(destination, data)
}

// Connected reports whether the session is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state == StateConnected
}

// State returns the session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Attempt returns the current reconnect attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attempt
}

// Watch returns a channel that receives the connected flag on every
// change. Only the latest value is buffered; a slow reader misses
// intermediate flips but always sees the current state. The returned
// func unregisters the watcher.
func (m *Manager) Watch() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan bool, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = ch
	ch <- m.state == StateConnected

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if c, ok := m.watchers[id]; ok {
			close(c)
			delete(m.watchers, id)
		}
	}
}

func (m *Manager) broadcastLocked(connected bool) {
	for _, ch := range m.watchers {
		select {
		case <-ch:
		default:
		}

		ch <- connected
	}
}
