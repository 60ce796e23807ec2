package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/client"
	"github.com/alexjbarnes/relay-chat/internal/config"
	"github.com/alexjbarnes/relay-chat/internal/logging"
	"github.com/alexjbarnes/relay-chat/internal/models"
	"github.com/alexjbarnes/relay-chat/internal/stomp"
	"github.com/alexjbarnes/relay-chat/internal/transport"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	selfID    = 1
	selfEmail = "alice@example.com"
	peerID    = 2
	peerEmail = "bob@example.com"
	roomID    = 20

	waitFor = 5 * time.Second
)

// frame is a SEND the relay received from the client.
type frame struct {
	dest string
	body []byte
}

// relay is an in-process stand-in for the chat relay: STOMP over a
// websocket at /ws and the REST API under /api.
type relay struct {
	URL   string
	token string

	received chan frame

	mu     sync.Mutex
	wmu    sync.Mutex
	conn   *websocket.Conn
	subs   map[string]string // destination -> subscription id
	nextID int64
}

func newRelay(t *testing.T, token string) *relay {
	t.Helper()

	r := &relay{
		token:    token,
		received: make(chan frame, 256),
		subs:     make(map[string]string),
		nextID:   1000,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWS)
	mux.HandleFunc("GET /api/users/me", r.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, models.Profile{UserID: selfID, Name: "Alice", Email: selfEmail})
	}))
	mux.HandleFunc("GET /api/chat/users", r.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []models.Counterparty{
			{UserID: selfID, Name: "Alice", Email: selfEmail, Online: true},
			{UserID: peerID, Name: "Bob", Email: peerEmail, Online: true},
		})
	}))
	mux.HandleFunc("POST /api/chat/rooms/{user}", r.authed(func(w http.ResponseWriter, req *http.Request) {
		if req.PathValue("user") != strconv.Itoa(peerID) {
			http.NotFound(w, req)
			return
		}

		writeJSON(w, models.Room{RoomID: roomID, ParticipantID: peerID, ParticipantName: "Bob", ParticipantEmail: peerEmail})
	}))
	mux.HandleFunc("GET /api/chat/rooms/{room}/messages", r.authed(func(w http.ResponseWriter, _ *http.Request) {
		ts, _ := models.ParseTime("2024-05-01T10:00:00")
		writeJSON(w, models.MessagePage{
			Messages: []models.Message{{
				ID: 50, RoomID: roomID, SenderID: peerID, ReceiverID: selfID,
				Content: "earlier", Status: models.StatusRead, Timestamp: ts,
			}},
			Last: true,
		})
	}))
	mux.HandleFunc("POST /api/chat/rooms/{room}/read", r.authed(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	r.URL = srv.URL

	return r
}

func (r *relay) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer "+r.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		h(w, req)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (r *relay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := req.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		f, err := stomp.Decode(data)
		if err != nil || f == nil {
			continue
		}

		switch f.Command {
		case stomp.CmdConnect:
			if f.Get(stomp.HdrAuthorization) != "Bearer "+r.token {
				r.write(ctx, conn, stomp.New(stomp.CmdError, stomp.HdrMessage, "Unauthorized"))
				conn.Close(websocket.StatusPolicyViolation, "unauthorized")

				return
			}

			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()

			r.write(ctx, conn, stomp.New(stomp.CmdConnected, "version", "1.2", stomp.HdrHeartBeat, "0,0"))

		case stomp.CmdSubscribe:
			r.mu.Lock()
			r.subs[f.Get(stomp.HdrDestination)] = f.Get(stomp.HdrID)
			r.mu.Unlock()

		case stomp.CmdSend:
			dest := f.Get(stomp.HdrDestination)
			r.received <- frame{dest: dest, body: f.Body}

			if dest == transport.DestSend {
				r.echo(f.Body)
			}

		case stomp.CmdDisconnect:
			return
		}
	}
}

func (r *relay) write(ctx context.Context, conn *websocket.Conn, f *stomp.Frame) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	_ = conn.Write(ctx, websocket.MessageText, f.Encode())
}

// echo returns a sent message to its sender the way the relay does:
// with a server id and the client id preserved.
func (r *relay) echo(body []byte) {
	var in models.SendRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	if in.RoomID == 0 {
		in.RoomID = roomID
	}

	r.push(transport.TopicMessages, models.Message{
		ID:              id,
		ClientMessageID: in.ClientMessageID,
		RoomID:          in.RoomID,
		SenderID:        selfID,
		ReceiverID:      in.ReceiverID,
		Content:         in.Content,
		Status:          models.StatusSent,
		Timestamp:       models.At(time.Now()),
	})
}

// push delivers v to the client's subscription for destination.
func (r *relay) push(destination string, v any) bool {
	body, err := json.Marshal(v)
	if err != nil {
		return false
	}

	r.mu.Lock()
	conn := r.conn
	sub, ok := r.subs[destination]
	r.nextID++
	msgID := r.nextID
	r.mu.Unlock()

	if conn == nil || !ok {
		return false
	}

	f := stomp.New(stomp.CmdMessage,
		stomp.HdrDestination, destination,
		stomp.HdrSubscription, sub,
		"message-id", strconv.FormatInt(msgID, 10),
		stomp.HdrContentType, "application/json",
	)
	f.Body = body

	r.write(context.Background(), conn, f)

	return true
}

func (r *relay) subscribed(destinations ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range destinations {
		if _, ok := r.subs[d]; !ok {
			return false
		}
	}

	return true
}

// expectSend waits for a SEND to dest, skipping frames for other
// destinations.
func (r *relay) expectSend(t *testing.T, dest string) []byte {
	t.Helper()

	deadline := time.After(waitFor)

	for {
		select {
		case f := <-r.received:
			if f.dest == dest {
				return f.body
			}
		case <-deadline:
			t.Fatalf("timed out waiting for SEND to %s", dest)
			return nil
		}
	}
}

// signedToken returns a relay-style JWT for the signed-in user.
func signedToken(t *testing.T) string {
	t.Helper()

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    selfEmail,
		"userId": selfID,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("relay-secret"))
	require.NoError(t, err)

	return s
}

// startClient runs a client against r until the test ends.
func startClient(t *testing.T, r *relay, token string, opts client.Options) *client.Client {
	t.Helper()

	cfg := &config.Config{
		WSURL:                "ws" + strings.TrimPrefix(r.URL, "http") + "/ws",
		APIURL:               r.URL + "/api",
		Token:                token,
		StatePath:            filepath.Join(t.TempDir(), "state.db"),
		ReconnectBase:        50 * time.Millisecond,
		ReconnectCap:         200 * time.Millisecond,
		ReconnectMaxAttempts: 3,
		TypingIdle:           100 * time.Millisecond,
		PageSize:             30,
		ICEServers:           []string{},
		EnableConsole:        true,
	}

	c, err := client.New(cfg, opts, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		_ = c.Close()
	})

	return c
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
