package store

import (
	"context"

	"dealtalk/internal/models"
)

// Store is the typed surface of the messaging store. It holds no logic
// of its own; dedup, ordering and read-model maintenance live with the
// callers.
//
// CreateSession must be tolerant of duplicate calls: issuing it twice
// for the same (owner, contact key) yields one usable session, though a
// racing pair may transiently observe two (see internal/resolver).
type Store interface {
	// ListSessions returns the owner's sessions ordered by recency.
	ListSessions(ctx context.Context, ownerID int64) ([]models.Session, error)

	// ListMessages returns the full ordered message list of a session.
	ListMessages(ctx context.Context, ownerID int64, sessionID string) ([]models.Message, error)

	// CreateSession opens a session toward the counterpart and returns
	// it. If one already exists for the contact key it is returned
	// instead of a duplicate.
	CreateSession(ctx context.Context, ownerID int64, contactKey, displayName string) (*models.Session, error)

	// SendMessage persists a message authored by the owner. It returns
	// only after the store acknowledges persistence.
	SendMessage(ctx context.Context, ownerID int64, sessionID, body string) (*models.Message, error)

	// DeleteSession permanently removes the session and, by cascade,
	// all of its messages.
	DeleteSession(ctx context.Context, ownerID int64, sessionID string) error
}
