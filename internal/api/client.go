// Package api is the REST client for the relay's chat and profile
// endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/relay-chat/internal/models"

	apperrors "github.com/alexjbarnes/relay-chat/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads.
	maxAPIResponseBytes = 1024 * 1024

	// maxProfileImageBytes is the largest avatar the relay accepts.
	maxProfileImageBytes = 5 * 1024 * 1024
)

// apiError is the relay's JSON error body.
type apiError struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the relay REST API on behalf of one user.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	token string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaves
// the relay.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client rooted at baseURL. If httpClient is
// nil, a client with a 30-second timeout and same-host redirect policy
// is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetToken sets the bearer credential sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// do sends a request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", apperrors.ErrAPIRequest, err)
	}

	req.Header.Set("Accept", "application/json")

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrAPIRequest, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrAPIRequest, endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := sanitizeResponseBody(respBody)

		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && (ae.Message != "" || ae.Error != "") {
			detail = ae.Message
			if detail == "" {
				detail = ae.Error
			}
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s %s: %s", apperrors.ErrUnauthorized, method, endpoint, detail)
		case isTransientStatus(resp.StatusCode):
			return &TransientError{Err: fmt.Errorf("%w: %s %s returned status %d: %s", apperrors.ErrAPIResponse, method, endpoint, resp.StatusCode, detail)}
		default:
			return fmt.Errorf("%w: %s %s returned status %d: %s", apperrors.ErrAPIResponse, method, endpoint, resp.StatusCode, detail)
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, result any) error {
	return c.do(ctx, http.MethodGet, endpoint, "", nil, result)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, result any) error {
	var r io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshalling request body: %w", apperrors.ErrAPIRequest, err)
		}

		r = bytes.NewReader(payload)
	}

	return c.do(ctx, http.MethodPost, endpoint, "application/json", r, result)
}

// Counterparts lists every other user with their conversation summary.
func (c *Client) Counterparts(ctx context.Context) ([]models.Counterparty, error) {
	var out []models.Counterparty
	if err := c.getJSON(ctx, "/chat/users", &out); err != nil {
		return nil, fmt.Errorf("listing counterparts: %w", err)
	}

	return out, nil
}

// Room returns the room shared with userID, creating it if needed.
func (c *Client) Room(ctx context.Context, userID int64) (*models.Room, error) {
	var room models.Room

	endpoint := "/chat/rooms/" + strconv.FormatInt(userID, 10)
	if err := c.postJSON(ctx, endpoint, nil, &room); err != nil {
		return nil, fmt.Errorf("opening room with user %d: %w", userID, err)
	}

	return &room, nil
}

// History fetches one page of a room's messages. Page 0 is the newest.
func (c *Client) History(ctx context.Context, roomID int64, page, size int) (*models.MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var out models.MessagePage

	endpoint := "/chat/rooms/" + strconv.FormatInt(roomID, 10) + "/messages?" + q.Encode()
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("loading history of room %d page %d: %w", roomID, page, err)
	}

	return &out, nil
}

// MarkRead marks every message in a room addressed to the caller as read.
func (c *Client) MarkRead(ctx context.Context, roomID int64) error {
	endpoint := "/chat/rooms/" + strconv.FormatInt(roomID, 10) + "/read"
	if err := c.postJSON(ctx, endpoint, nil, nil); err != nil {
		return fmt.Errorf("marking room %d read: %w", roomID, err)
	}

	return nil
}

// Me returns the signed-in user's profile.
func (c *Client) Me(ctx context.Context) (*models.Profile, error) {
	var p models.Profile
	if err := c.getJSON(ctx, "/users/me", &p); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	return &p, nil
}

// UploadProfileImage replaces the caller's avatar. Only JPEG and PNG
// images up to 5MB are accepted.
func (c *Client) UploadProfileImage(ctx context.Context, filename string, image []byte) (*models.Profile, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: profile image is empty", apperrors.ErrAPIRequest)
	}

	if len(image) > maxProfileImageBytes {
		return nil, fmt.Errorf("%w: profile image exceeds 5MB", apperrors.ErrAPIRequest)
	}

	contentType := http.DetectContentType(image)
	if contentType != "image/jpeg" && contentType != "image/png" {
		return nil, fmt.Errorf("%w: unsupported image type %s", apperrors.ErrAPIRequest, contentType)
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(filename)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("%w: building upload: %w", apperrors.ErrAPIRequest, err)
	}

	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("%w: building upload: %w", apperrors.ErrAPIRequest, err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%w: building upload: %w", apperrors.ErrAPIRequest, err)
	}

	var p models.Profile
	if err := c.do(ctx, http.MethodPost, "/users/upload-profile", mw.FormDataContentType(), &buf, &p); err != nil {
		return nil, fmt.Errorf("uploading profile image: %w", err)
	}

	return &p, nil
}
