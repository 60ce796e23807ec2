package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/relay-chat/internal/errors"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/api/", srv.Client())
	c.SetToken("tok")

	return c
}

// --- do() internals ---

func TestDo_SendsBearerAndAccept(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`[]`))
	})

	_, err := c.Counterparts(context.Background())
	require.NoError(t, err)
}

func TestDo_NoTokenNoAuthorization(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	})
	c.SetToken("")

	_, err := c.Counterparts(context.Background())
	require.NoError(t, err)
}

func TestDo_UnauthorizedMapsToSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"status":401,"error":"Unauthorized","message":"token expired"}`))
	})

	_, err := c.Me(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Contains(t, err.Error(), "token expired")
	assert.False(t, IsTransient(err))
}

func TestDo_ServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream\x00down"))
	})

	err := c.MarkRead(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
	assert.Contains(t, err.Error(), "upstream?down")
}

func TestDo_ClientErrorIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":404,"message":"Chat room not found"}`))
	})

	_, err := c.History(context.Background(), 1, 0, 30)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
	assert.Contains(t, err.Error(), "Chat room not found")
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.Counterparts(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
}

func TestDo_MalformedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})

	_, err := c.Me(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
}

func TestDo_RespectsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Me(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || IsTransient(err))
}

// --- endpoints ---

func TestCounterparts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chat/users", r.URL.Path)
		w.Write([]byte(`[{"userId":2,"name":"Bob","email":"bob@example.com","online":true,"unreadCount":3,
			"lastMessagePreview":"hi","lastMessageAt":"2024-05-01T10:00:00","chatRoomId":7}]`))
	})

	users, err := c.Counterparts(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(2), users[0].UserID)
	assert.Equal(t, 3, users[0].UnreadCount)
	assert.Equal(t, int64(7), users[0].RoomID)
	require.NotNil(t, users[0].LastMessageAt)
	assert.Equal(t, 2024, users[0].LastMessageAt.Year())
}

func TestRoom(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/rooms/42", r.URL.Path)
		w.Write([]byte(`{"chatRoomId":9,"participantId":42,"participantName":"Ann","participantEmail":"ann@example.com"}`))
	})

	room, err := c.Room(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(9), room.RoomID)
	assert.Equal(t, "ann@example.com", room.ParticipantEmail)
}

func TestHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/rooms/9/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "30", r.URL.Query().Get("size"))
		w.Write([]byte(`{"messages":[{"id":1,"chatRoomId":9,"senderId":2,"receiverId":1,"content":"a","status":"READ","timestamp":"2024-05-01T10:00:00"}],
			"page":2,"size":30,"totalElements":61,"totalPages":3,"last":true}`))
	})

	page, err := c.History(context.Background(), 9, 2, 30)
	require.NoError(t, err)
	assert.True(t, page.Last)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "a", page.Messages[0].Content)
}

func TestMarkRead(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/rooms/9/read", r.URL.Path)
		w.Write([]byte(`{"message":"2 messages marked as read"}`))
	})

	require.NoError(t, c.MarkRead(context.Background(), 9))
}

func TestMe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/me", r.URL.Path)
		w.Write([]byte(`{"id":1,"name":"Me","email":"me@example.com"}`))
	})

	p, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.UserID)
	assert.Equal(t, "me@example.com", p.Email)
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestUploadProfileImage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/upload-profile", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()

		assert.Equal(t, "avatar.png", hdr.Filename)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))

		data, _ := io.ReadAll(f)
		assert.Equal(t, pngHeader, data)

		w.Write([]byte(`{"id":1,"name":"Me","email":"me@example.com","profileImageUrl":"/uploads/profile/1.png"}`))
	})

	p, err := c.UploadProfileImage(context.Background(), "/tmp/avatar.png", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "/uploads/profile/1.png", p.ProfileImageURL)
}

func TestUploadProfileImage_RejectsLocally(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	})

	_, err := c.UploadProfileImage(context.Background(), "a.txt", []byte("plain text"))
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)

	_, err = c.UploadProfileImage(context.Background(), "a.png", nil)
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)

	big := append(append([]byte{}, pngHeader...), make([]byte, maxProfileImageBytes)...)
	_, err = c.UploadProfileImage(context.Background(), "a.png", big)
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
}

// --- helpers ---

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://relay.example.com/a", nil)
	same, _ := http.NewRequest(http.MethodGet, "https://relay.example.com/b", nil)
	other, _ := http.NewRequest(http.MethodGet, "https://evil.example.com/b", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))

	via := make([]*http.Request, maxRedirects)
	for i := range via {
		via[i] = orig
	}
	assert.Error(t, sameHostRedirectPolicy(same, via))
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x01b")))
	assert.Equal(t, "ok\n", sanitizeResponseBody([]byte("ok\n")))
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
}
