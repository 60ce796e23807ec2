// Package client wires the realtime components into one signed-in
// chat client: the connection manager and its router, the sync engine,
// the presence notifier and the call machine.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/api"
	"github.com/alexjbarnes/relay-chat/internal/call"
	"github.com/alexjbarnes/relay-chat/internal/chatsync"
	"github.com/alexjbarnes/relay-chat/internal/config"
	"github.com/alexjbarnes/relay-chat/internal/credential"
	"github.com/alexjbarnes/relay-chat/internal/models"
	"github.com/alexjbarnes/relay-chat/internal/presence"
	"github.com/alexjbarnes/relay-chat/internal/state"
	"github.com/alexjbarnes/relay-chat/internal/transport"

	apperrors "github.com/alexjbarnes/relay-chat/internal/errors"
)

const refreshTimeout = 15 * time.Second

// Options carries the callbacks a front end uses to follow the client.
// All are optional and called outside the client's locks.
type Options struct {
	OnConnection func(connected bool)
	OnMessage    func(models.Message)
	OnTyping     func(userID int64, typing bool)
	OnPresence   func(models.PresenceEvent)
	OnCall       func(call.Snapshot)
	OnCallError  func(error)

	// OnLoggedOut is called when the session ends without the user
	// asking: the relay rejected the credential, it expired, or the
	// token file was removed.
	OnLoggedOut func(reason string)
}

// Client is the composition root of one chat client process.
type Client struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	state    *state.State
	api      *api.Client
	router   *transport.Router
	conn     *transport.Manager
	chat     *chatsync.Engine
	presence *presence.Notifier
	calls    *call.Machine

	mu     sync.Mutex
	token  string
	email  string
	gen    uint64
	expiry *time.Timer
	closed bool
}

// New builds a client from cfg. Nothing connects until a credential is
// set, either by Run or by SetToken.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Client, error) {
	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	peers, err := call.NewPionPeers(cfg.ICEServers, logger.With(slog.String("component", "call")))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating peer factory: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		state:  st,
		api:    api.NewClient(cfg.APIURL, nil),
		router: transport.NewRouter(logger.With(slog.String("component", "router"))),
	}

	c.conn = transport.NewManager(transport.Options{
		URL:         cfg.WSURL,
		BaseDelay:   cfg.ReconnectBase,
		MaxDelay:    cfg.ReconnectCap,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		OnAuthError: func() { c.endSession("credential rejected") },
	}, c.router, logger.With(slog.String("component", "transport")))

	c.chat = chatsync.NewEngine(c.conn, &roomCache{
		Collaborator: c.api,
		store:        st,
		logger:       logger,
	}, st, chatsync.Options{
		PageSize:  cfg.PageSize,
		OnMessage: opts.OnMessage,
	}, logger.With(slog.String("component", "chat")))

	c.presence = presence.NewNotifier(c.conn, c.chat, presence.Options{
		TypingIdle: cfg.TypingIdle,
		OnTyping:   opts.OnTyping,
		OnPresence: opts.OnPresence,
	}, logger.With(slog.String("component", "presence")))

	c.calls = call.NewMachine(c.conn, call.NewTrackSource(logger), peers, call.Options{
		Self:      c.Email,
		Online:    c.presence.OnlineEmail,
		Connected: c.conn.Connected,
		OnChange:  opts.OnCall,
		OnError:   opts.OnCallError,
	}, logger.With(slog.String("component", "call")))

	c.router.Handle(transport.TopicMessages, c.chat.HandleEnvelope)
	c.router.Handle(transport.TopicReadReceipts, c.chat.HandleReceipt)
	c.router.Handle(transport.TopicTyping, c.presence.HandleTyping)
	c.router.Handle(transport.TopicPresence, c.presence.HandlePresence)
	c.router.Handle(transport.TopicCall, c.calls.HandleSignal)

	return c, nil
}

// Chat returns the sync engine.
func (c *Client) Chat() *chatsync.Engine { return c.chat }

// Calls returns the call machine.
func (c *Client) Calls() *call.Machine { return c.calls }

// Presence returns the typing and presence notifier.
func (c *Client) Presence() *presence.Notifier { return c.presence }

// Conn returns the connection manager.
func (c *Client) Conn() *transport.Manager { return c.conn }

// Connected reports whether the realtime connection is up.
func (c *Client) Connected() bool { return c.conn.Connected() }

// Email returns the signed-in user's email, or "".
func (c *Client) Email() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.email
}

// Run applies the configured credential and keeps the client running
// until ctx is cancelled. With a token file configured, the file is
// watched and every change replaces the session.
func (c *Client) Run(ctx context.Context) error {
	watch, stop := c.conn.Watch()
	defer stop()

	go c.follow(ctx, watch)

	switch {
	case c.cfg.Token != "":
		if err := c.SetToken(ctx, c.cfg.Token); err != nil {
			c.logger.Warn("configured credential unusable", slog.String("error", err.Error()))
		}
	case c.cfg.TokenFile != "":
		err := credential.Watch(ctx, c.cfg.TokenFile, func(token string) {
			if err := c.SetToken(ctx, token); err != nil {
				c.logger.Warn("applying token from file", slog.String("error", err.Error()))
			}
		}, c.logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	default:
		if cached := c.state.Token(); cached != "" {
			c.logger.Info("using cached credential")

			if err := c.SetToken(ctx, cached); err != nil {
				c.logger.Warn("cached credential unusable", slog.String("error", err.Error()))
			}
		} else {
			c.logger.Info("no credential configured, waiting for login")
		}
	}

	<-ctx.Done()

	return nil
}

// follow refreshes the counterparty listing on every connect and
// forwards connection changes to the front end.
func (c *Client) follow(ctx context.Context, watch <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case connected, ok := <-watch:
			if !ok {
				return
			}

			if connected {
				go c.refresh(ctx)
			}

			if c.opts.OnConnection != nil {
				c.opts.OnConnection(connected)
			}
		}
	}
}

// refresh reloads the counterparty listing and seeds presence from it.
func (c *Client) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	if err := c.chat.LoadCounterparts(ctx); err != nil {
		c.logger.Warn("refreshing counterparts", slog.String("error", err.Error()))

		if errors.Is(err, apperrors.ErrUnauthorized) {
			c.endSession("credential rejected")
		}

		return
	}

	c.presence.Seed(c.chat.Summaries())
}

// SetToken replaces the credential. An empty token logs out. The
// signed-in identity is read from the token's claims, or fetched from
// the relay when the token does not carry it.
func (c *Client) SetToken(ctx context.Context, token string) error {
	if token == "" {
		c.Logout()
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrNoSession
	}

	if token == c.token {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	claims, err := credential.Parse(token)
	if err != nil {
		c.logger.Debug("credential is not a readable JWT", slog.String("error", err.Error()))
	}

	if claims.Expired(time.Now()) {
		c.endSession("credential expired")
		return fmt.Errorf("%w: expired at %s", apperrors.ErrInvalidToken, claims.ExpiresAt.Format(time.RFC3339))
	}

	c.api.SetToken(token)

	userID, email := claims.UserID, claims.Email
	if userID == 0 || email == "" {
		me, err := c.api.Me(ctx)
		if err != nil {
			if errors.Is(err, apperrors.ErrUnauthorized) {
				c.endSession("credential rejected")
			}

			return fmt.Errorf("resolving signed-in user: %w", err)
		}

		userID, email = me.UserID, me.Email
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrNoSession
	}

	changed := c.email != "" && c.email != email
	c.gen++
	gen := c.gen
	c.token = token
	c.email = email
	c.stopExpiryLocked()

	if !claims.ExpiresAt.IsZero() {
		c.expiry = time.AfterFunc(time.Until(claims.ExpiresAt), func() { c.expired(gen) })
	}
	c.mu.Unlock()

	if changed {
		c.calls.EndCall()
		c.presence.Reset()
	}

	c.chat.SetSelf(userID)

	if err := c.state.SetToken(token); err != nil {
		c.logger.Warn("saving credential", slog.String("error", err.Error()))
	}

	c.logger.Info("signed in",
		slog.Int64("user_id", userID),
		slog.String("email", email),
	)

	c.conn.SetCredential(token)

	return nil
}

func (c *Client) expired(gen uint64) {
	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()

	if current {
		c.endSession("credential expired")
	}
}

// endSession logs out on the relay's or the clock's behalf and tells
// the front end why.
func (c *Client) endSession(reason string) {
	c.mu.Lock()
	active := c.token != "" && !c.closed
	c.mu.Unlock()

	c.logger.Warn("session ended", slog.String("reason", reason))
	c.Logout()

	if active && c.opts.OnLoggedOut != nil {
		c.opts.OnLoggedOut(reason)
	}
}

// Logout destroys the session: the call ends, typing and presence are
// forgotten, all conversations are dropped and the cached credential is
// removed.
func (c *Client) Logout() {
	c.mu.Lock()
	c.gen++
	c.token = ""
	c.email = ""
	c.stopExpiryLocked()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}

	c.conn.Logout()
	c.calls.EndCall()
	c.presence.Reset()
	c.chat.Reset()
	c.api.SetToken("")

	if err := c.state.SetToken(""); err != nil {
		c.logger.Warn("clearing cached credential", slog.String("error", err.Error()))
	}
}

func (c *Client) stopExpiryLocked() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
}

// Send submits content to the conversation with receiverID and clears
// the typing indicator. The room is resolved first when the
// conversation has never been opened.
func (c *Client) Send(ctx context.Context, receiverID int64, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", apperrors.ErrEmptyMessage
	}

	roomID, err := c.chat.ResolveRoom(ctx, receiverID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnauthorized) {
			c.endSession("credential rejected")
		}

		return "", err
	}

	id, err := c.chat.Submit(content, roomID, receiverID)
	if err != nil {
		return "", err
	}

	c.presence.Stop()

	return id, nil
}

// UploadAvatar replaces the signed-in user's profile image with the
// file at path.
func (c *Client) UploadAvatar(ctx context.Context, path string) (*models.Profile, error) {
	c.mu.Lock()
	signedIn := c.token != "" && !c.closed
	c.mu.Unlock()

	if !signedIn {
		return nil, apperrors.ErrNoSession
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile image: %w", err)
	}

	p, err := c.api.UploadProfileImage(ctx, path, image)
	if errors.Is(err, apperrors.ErrUnauthorized) {
		c.endSession("credential rejected")
	}

	return p, err
}

// Close ends any call, closes the connection and releases the state
// database. The cached credential is kept for the next start.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.stopExpiryLocked()
	c.mu.Unlock()

	c.calls.EndCall()
	c.presence.Reset()
	c.conn.Close()
	c.router.Close()
	c.chat.Shutdown()

	if err := c.state.Close(); err != nil {
		return fmt.Errorf("closing state: %w", err)
	}

	return nil
}
