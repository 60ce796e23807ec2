// Package credential reads the bearer token the relay issues and keeps
// it in step with a token file on disk.
package credential

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/alexjbarnes/relay-chat/internal/errors"
)

// Claims are the parts of a relay token the client relies on. The
// signature is the relay's business; the client only reads identity
// and expiry.
type Claims struct {
	Subject   string
	Email     string
	UserID    int64
	ExpiresAt time.Time
}

// Parse decodes token without verifying its signature.
func Parse(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty token", apperrors.ErrInvalidToken)
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
	}

	var c Claims

	if sub, err := mc.GetSubject(); err == nil {
		c.Subject = sub
	}

	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}

	if email, ok := mc["email"].(string); ok {
		c.Email = email
	} else if strings.Contains(c.Subject, "@") {
		c.Email = c.Subject
	}

	for _, key := range []string{"userId", "uid", "id"} {
		if id, ok := numericClaim(mc[key]); ok {
			c.UserID = id
			break
		}
	}

	return c, nil
}

func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil
	}

	return 0, false
}

// Expired reports whether the token has expired at now. Tokens without
// an expiry never expire.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
