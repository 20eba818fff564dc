package models

import "time"

// Message is one ordered entry in a session's history. Negotiation and
// quick-action outputs are ordinary messages with a conventional text
// body, not a distinct type.
type Message struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	AuthorIsSelf bool      `json:"author_is_self"`
	Body         string    `json:"body"`
	SentAt       time.Time `json:"sent_at"`

	// Provisional marks a locally inserted copy of a sent message that
	// has not yet been observed on a poll. Never set by the store.
	Provisional bool `json:"provisional,omitempty"`
}

// Before reports whether m sorts ahead of other: sent time ascending,
// ties broken by id so the order is stable across polls.
func (m Message) Before(other Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	return m.ID < other.ID
}
