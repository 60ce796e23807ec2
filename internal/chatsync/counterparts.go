package chatsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/alexjbarnes/relay-chat/internal/models"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// previewRunes is the longest preview kept before truncation.
const previewRunes = 60

// Preview normalizes content to NFC and shortens it to 60 runes
// followed by "...".
func Preview(content string) string {
	s := norm.NFC.String(content)

	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}

	return string(r[:previewRunes]) + "..."
}

func (e *Engine) counterpartyLocked(userID int64) *models.Counterparty {
	cp, ok := e.counterparts[userID]
	if !ok {
		cp = &models.Counterparty{UserID: userID}
		e.counterparts[userID] = cp
	}

	return cp
}

// touchCounterpartyLocked updates the projection for a message in the
// conversation with userID. inbound counts toward unread unless the
// conversation is open.
func (e *Engine) touchCounterpartyLocked(userID, roomID int64, content string, at models.Time, inbound bool) {
	cp := e.counterpartyLocked(userID)
	if roomID > 0 {
		cp.RoomID = roomID
	}

	cp.LastPreview = Preview(content)
	cp.LastMessageAt = &at

	if inbound && !e.isActiveLocked(userID, roomID) {
		cp.UnreadCount++
	}
}

// LoadCounterparts replaces the projection with the relay's view. The
// open conversation keeps an unread count of zero, and a newer local
// preview survives a stale listing.
func (e *Engine) LoadCounterparts(ctx context.Context) error {
	list, err := e.api.Counterparts(ctx)
	if err != nil {
		return fmt.Errorf("loading counterparts: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[int64]*models.Counterparty, len(list))

	for i := range list {
		cp := list[i]
		if cp.UserID == e.selfID {
			continue
		}

		if prev, ok := e.counterparts[cp.UserID]; ok {
			if prev.LastMessageAt != nil && (cp.LastMessageAt == nil || prev.LastMessageAt.After(cp.LastMessageAt.Time)) {
				cp.LastMessageAt = prev.LastMessageAt
				cp.LastPreview = prev.LastPreview
			}
		}

		cp.LastPreview = Preview(cp.LastPreview)

		if cp.UserID == e.activeUser {
			cp.UnreadCount = 0
		}

		next[cp.UserID] = &cp
	}

	e.counterparts = next

	return nil
}

// SetPresence records a counterparty going online or offline.
func (e *Engine) SetPresence(userID int64, online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cp, ok := e.counterparts[userID]; ok {
		cp.Online = online
	}
}

// Counterparty returns the projection for one user.
func (e *Engine) Counterparty(userID int64) (models.Counterparty, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.counterparts[userID]
	if !ok {
		return models.Counterparty{}, false
	}

	return *cp, true
}

// Summaries returns every counterparty, most recent conversation first.
// Users without messages follow, ordered by name.
func (e *Engine) Summaries() []models.Counterparty {
	e.mu.Lock()
	out := make([]models.Counterparty, 0, len(e.counterparts))

	for _, cp := range e.counterparts {
		out = append(out, *cp)
	}
	e.mu.Unlock()

	col := collate.New(language.Und, collate.IgnoreCase)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			if c := col.CompareString(out[i].Name, out[j].Name); c != 0 {
				return c < 0
			}

			return out[i].UserID < out[j].UserID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(b.Time):
			return a.After(b.Time)
		default:
			return out[i].UserID < out[j].UserID
		}
	})

	return out
}
