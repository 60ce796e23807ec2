package chatsync

import (
	"time"

	"github.com/alexjbarnes/relay-chat/internal/models"
)

// conversation is the local copy of one room. messages is kept in
// timestamp order with ties in arrival order, and holds at most one
// entry per Message.Key.
type conversation struct {
	roomID         int64
	counterpartyID int64
	messages       []models.Message

	// History cursor. nextPage is the next page LoadOlder fetches.
	nextPage int
	last     bool
	loaded   bool

	lastActivity time.Time
}

// mergeResult says what reconcile did with an inbound message.
type mergeResult int

const (
	mergeAppended mergeResult = iota
	mergeReplaced
	mergeDuplicate
)

// reconcile folds an inbound message into the conversation. A message
// carrying the clientMessageId of an optimistic entry replaces it in
// place; one whose server id is already present is a duplicate; any
// other message is inserted in timestamp order.
func (c *conversation) reconcile(msg models.Message) mergeResult {
	if msg.ClientMessageID != "" {
		for i := range c.messages {
			if c.messages[i].ClientMessageID == msg.ClientMessageID {
				c.messages[i] = advanced(c.messages[i], msg)
				c.messages = dedupe(c.messages)

				return mergeReplaced
			}
		}
	}

	if msg.ID != 0 {
		for i := range c.messages {
			if c.messages[i].ID == msg.ID {
				c.messages[i] = advanced(c.messages[i], msg)
				return mergeDuplicate
			}
		}
	}

	c.insert(msg)
	c.messages = dedupe(c.messages)

	return mergeAppended
}

// insert places msg after every message with a timestamp not later
// than its own.
func (c *conversation) insert(msg models.Message) {
	i := len(c.messages)
	for i > 0 && c.messages[i-1].Timestamp.After(msg.Timestamp.Time) {
		i--
	}

	c.messages = append(c.messages, models.Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg
}

// prepend merges an older history page in front of the current list.
func (c *conversation) prepend(page []models.Message) {
	merged := make([]models.Message, 0, len(page)+len(c.messages))
	merged = append(merged, sortedByTime(page)...)
	merged = append(merged, c.messages...)
	c.messages = dedupe(merged)
}

// replace swaps in the newest history page, keeping optimistic and
// live entries the page does not know about yet.
func (c *conversation) replace(page []models.Message) {
	fresh := sortedByTime(page)

	prior := make(map[string]models.Message, len(c.messages))
	for _, m := range c.messages {
		prior[m.Key()] = m
	}

	for i, m := range fresh {
		cur, ok := prior[m.Key()]
		if !ok && m.ClientMessageID != "" {
			cur, ok = prior["client:"+m.ClientMessageID]
		}

		if ok {
			fresh[i] = advanced(cur, m)
		}
	}

	known := make(map[string]struct{}, len(fresh))
	for _, m := range fresh {
		known[m.Key()] = struct{}{}
		if m.ClientMessageID != "" {
			known["client:"+m.ClientMessageID] = struct{}{}
		}
	}

	kept := fresh
	for _, m := range c.messages {
		if _, ok := known[m.Key()]; ok {
			continue
		}

		if m.ClientMessageID != "" {
			if _, ok := known["client:"+m.ClientMessageID]; ok {
				continue
			}
		}

		if len(fresh) > 0 && m.Timestamp.Before(fresh[0].Timestamp.Time) {
			continue
		}

		kept = append(kept, m)
	}

	c.messages = dedupe(kept)
}

// dedupe keeps the first entry for each key. Later duplicates only
// contribute status progress.
func dedupe(msgs []models.Message) []models.Message {
	seen := make(map[string]int, len(msgs))
	out := msgs[:0]

	for _, m := range msgs {
		if i, ok := seen[m.Key()]; ok {
			out[i] = advanced(out[i], m)
			continue
		}

		seen[m.Key()] = len(out)
		out = append(out, m)
	}

	return out
}

// advanced returns next with status and receipt times never moving
// backwards relative to cur.
func advanced(cur, next models.Message) models.Message {
	merged := next
	merged.Own = cur.Own || next.Own
	merged.Status = cur.Status.Advance(next.Status)

	if merged.ID == 0 {
		merged.ID = cur.ID
	}

	if merged.ClientMessageID == "" {
		merged.ClientMessageID = cur.ClientMessageID
	}

	if merged.DeliveredAt == nil {
		merged.DeliveredAt = cur.DeliveredAt
	}

	if merged.ReadAt == nil {
		merged.ReadAt = cur.ReadAt
	}

	if merged.Timestamp.IsZero() {
		merged.Timestamp = cur.Timestamp
	}

	return merged
}

// sortedByTime returns a stable timestamp-ordered copy of msgs.
func sortedByTime(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		i := len(out)
		for i > 0 && out[i-1].Timestamp.After(m.Timestamp.Time) {
			i--
		}

		out = append(out, models.Message{})
		copy(out[i+1:], out[i:])
		out[i] = m
	}

	return out
}
