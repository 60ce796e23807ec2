// Package stomp encodes and decodes STOMP 1.2 frames carried one per
// websocket text message.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Client and server commands.
const (
	CmdConnect     = "CONNECT"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"

	CmdConnected = "CONNECTED"
	CmdMessage   = "MESSAGE"
	CmdReceipt   = "RECEIPT"
	CmdError     = "ERROR"
)

// Common header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrAuthorization = "Authorization"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
)

// maxFrameBytes bounds a single decoded frame.
const maxFrameBytes = 1 << 20

var (
	// ErrMalformed is returned for frames that cannot be parsed.
	ErrMalformed = errors.New("malformed stomp frame")

	// HeartBeat is the wire form of a heart-beat: a single EOL.
	HeartBeat = []byte{'\n'}
)

// Header is one header line. Frames keep headers in order because STOMP
// gives the first occurrence of a repeated header precedence.
type Header struct {
	Key   string
	Value string
}

// Frame is a decoded STOMP frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// New builds a frame from alternating key, value pairs.
func New(command string, kv ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}

	return f
}

// Get returns the first value for key, or "".
func (f *Frame) Get(key string) string {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value
		}
	}

	return ""
}

// Set replaces every occurrence of key with a single header.
func (f *Frame) Set(key, value string) {
	out := f.Headers[:0]
	for _, h := range f.Headers {
		if h.Key != key {
			out = append(out, h)
		}
	}

	f.Headers = append(out, Header{Key: key, Value: value})
}

// escapes reports whether header escaping applies. CONNECT and CONNECTED
// frames are exempt for compatibility with 1.0 peers.
func escapes(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

// Encode serializes the frame. A content-length header is added when the
// frame has a body and none was set.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer

	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	esc := escapes(f.Command)
	hasLength := false

	for _, h := range f.Headers {
		if h.Key == HdrContentLength {
			hasLength = true
		}

		k, v := h.Key, h.Value
		if esc {
			k, v = headerEscaper.Replace(k), headerEscaper.Replace(v)
		}

		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}

	if len(f.Body) > 0 && !hasLength {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)

	return buf.Bytes()
}

// Decode parses a single frame. Leading EOLs are heart-beats; a message
// made only of EOLs decodes to (nil, nil).
func Decode(data []byte) (*Frame, error) {
	if len(data) > maxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformed, len(data))
	}

	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, nil
	}

	line, rest, ok := cutLine(data)
	if !ok {
		return nil, fmt.Errorf("%w: missing command terminator", ErrMalformed)
	}

	f := &Frame{Command: line}
	if f.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrMalformed)
	}

	esc := escapes(f.Command)

	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated headers", ErrMalformed)
		}

		if line == "" {
			break
		}

		k, v, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: header without colon", ErrMalformed)
		}

		if esc {
			var err error
			if k, err = unescape(k); err != nil {
				return nil, err
			}

			if v, err = unescape(v); err != nil {
				return nil, err
			}
		}

		f.Headers = append(f.Headers, Header{Key: k, Value: v})
	}

	if cl := f.Get(HdrContentLength); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n >= len(rest) || rest[n] != 0 {
			return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformed, cl)
		}

		f.Body = rest[:n]

		return f, nil
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformed)
	}

	f.Body = rest[:end]

	return f, nil
}

// cutLine splits at the first LF, dropping an optional preceding CR.
func cutLine(b []byte) (string, []byte, bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return "", nil, false
	}

	line := b[:i]
	line = bytes.TrimSuffix(line, []byte{'\r'})

	return string(line), b[i+1:], true
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}

	var sb strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}

		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformed)
		}

		i++
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 'c':
			sb.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformed, s[i])
		}
	}

	return sb.String(), nil
}
