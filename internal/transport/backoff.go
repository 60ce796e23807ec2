package transport

import (
	"errors"
	"regexp"
	"time"

	"github.com/coder/websocket"
)

// ErrorClass is the retry decision for a transport or protocol failure.
type ErrorClass int

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient ErrorClass = iota
	// ClassFatalAuth failures disable reconnection and notify the
	// auth-error callback once per session.
	ClassFatalAuth
	// ClassFatalServer failures disable reconnection silently.
	ClassFatalServer
)

func (c ErrorClass) String() string {
	switch c {
	case ClassFatalAuth:
		return "fatal-auth"
	case ClassFatalServer:
		return "fatal-server"
	default:
		return "transient"
	}
}

var (
	authPattern   = regexp.MustCompile(`(?i)\b40[13]\b|unauthori[sz]|forbidden`)
	serverPattern = regexp.MustCompile(`(?i)\b500\b|internal server error`)
)

// Classify maps a raw error description to a retry decision. Auth
// patterns win over server patterns when both appear.
func Classify(desc string) ErrorClass {
	switch {
	case authPattern.MatchString(desc):
		return ClassFatalAuth
	case serverPattern.MatchString(desc):
		return ClassFatalServer
	default:
		return ClassTransient
	}
}

// ClassifyError classifies err. A websocket close with status 1011
// (internal error) is fatal-server regardless of its reason text.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	if c := Classify(err.Error()); c != ClassTransient {
		return c
	}

	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusInternalError {
		return ClassFatalServer
	}

	return ClassTransient
}

// maxBackoffShift caps the exponent so the shift cannot overflow
// time.Duration for large attempt numbers.
const maxBackoffShift = 20

// ReconnectDelay returns min(base * 2^(attempt-1), limit). Attempt counts
// from 1; values below 1 are treated as 1.
func ReconnectDelay(attempt int, base, limit time.Duration) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}

	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	return min(base*time.Duration(1<<shift), limit)
}
