package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"dealtalk/internal/models"
)

const previewLen = 80

// SQLStore is the embedded implementation of the messaging store over
// database/sql (sqlite3 or mysql; see internal/storage for the DDL).
// It is the reference implementation of the Store contract: session
// creation deduplicates on the (owner, contact key) unique index and
// deletion cascades to messages.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an opened, migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// ListSessions returns the owner's sessions, most recently active first.
func (s *SQLStore) ListSessions(ctx context.Context, ownerID int64) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, counterpart_name, counterpart_key, provider_listing,
			last_preview, last_activity_at, unread_count, created_at
		 FROM sessions WHERE owner_id = ? ORDER BY last_activity_at DESC, id`,
		ownerID,
	)
	if err != nil {
		return nil, &TransportError{Op: "list sessions", Err: err}
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		se, err := scanSession(rows)
		if err != nil {
			return nil, &TransportError{Op: "scan session", Err: err}
		}
		sessions = append(sessions, se)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Op: "list sessions", Err: err}
	}
	return sessions, nil
}

// CreateSession opens a session toward the counterpart. A second call
// for the same contact key returns the existing session; two racing
// calls collapse on the unique index and the loser re-reads the winner.
func (s *SQLStore) CreateSession(ctx context.Context, ownerID int64, contactKey, displayName string) (*models.Session, error) {
	if displayName == "" {
		return nil, &ValidationError{Reason: "counterpart display name required"}
	}

	if contactKey != "" {
		if se, err := s.findByKey(ctx, ownerID, contactKey); err != nil {
			return nil, err
		} else if se != nil {
			return se, nil
		}
	}

	now := time.Now().UTC()
	se := models.Session{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		CounterpartName: displayName,
		CounterpartKey:  contactKey,
		LastActivityAt:  now,
		CreatedAt:       now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, counterpart_name, counterpart_key, provider_listing,
			last_preview, last_activity_at, unread_count, created_at)
		 VALUES (?, ?, ?, ?, 0, '', ?, 0, ?)`,
		se.ID, ownerID, displayName, nullableKey(contactKey), now, now,
	)
	if err != nil {
		// Likely lost a creation race on the unique index; prefer the
		// surviving row over surfacing the conflict.
		if contactKey != "" {
			if existing, lookupErr := s.findByKey(ctx, ownerID, contactKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, &TransportError{Op: "create session", Err: err}
	}
	return &se, nil
}

// ListMessages returns the session's full history in sent order. The
// owner has now seen everything, so the unread counter resets.
func (s *SQLStore) ListMessages(ctx context.Context, ownerID int64, sessionID string) ([]models.Message, error) {
	if err := s.requireSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, author_is_self, body, sent_at
		 FROM messages WHERE session_id = ? ORDER BY sent_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, &TransportError{Op: "list messages", Err: err}
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.AuthorIsSelf, &m.Body, &m.SentAt); err != nil {
			return nil, &TransportError{Op: "scan message", Err: err}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Op: "list messages", Err: err}
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET unread_count = 0 WHERE id = ?`, sessionID); err != nil {
		return nil, &TransportError{Op: "reset unread", Err: err}
	}
	return msgs, nil
}

// SendMessage persists a message authored by the owner and refreshes
// the session's preview and activity timestamp.
func (s *SQLStore) SendMessage(ctx context.Context, ownerID int64, sessionID, body string) (*models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &ValidationError{Reason: "message body is empty"}
	}
	if err := s.requireSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	return s.insertMessage(ctx, sessionID, body, true)
}

// ReceiveMessage records an inbound counterpart message. Delivery
// webhooks and tests land counterpart traffic here; the owner's unread
// counter is bumped.
func (s *SQLStore) ReceiveMessage(ctx context.Context, sessionID, body string) (*models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &ValidationError{Reason: "message body is empty"}
	}
	return s.insertMessage(ctx, sessionID, body, false)
}

// DeleteSession permanently removes the session; messages go with it
// via the foreign key cascade.
func (s *SQLStore) DeleteSession(ctx context.Context, ownerID int64, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID)
	if err != nil {
		return &TransportError{Op: "delete session", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &TransportError{Op: "delete session", Err: err}
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProviderListing caches the resolved counterpart-is-provider tag on
// the session record so it is derived once, not per render.
func (s *SQLStore) SetProviderListing(ctx context.Context, ownerID int64, sessionID string, listed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET provider_listing = ? WHERE id = ? AND owner_id = ?`,
		listed, sessionID, ownerID)
	if err != nil {
		return &TransportError{Op: "tag session", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &TransportError{Op: "tag session", Err: err}
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) insertMessage(ctx context.Context, sessionID, body string, self bool) (*models.Message, error) {
	m := models.Message{
		ID:           ulid.Make().String(),
		SessionID:    sessionID,
		AuthorIsSelf: self,
		Body:         body,
		SentAt:       time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, author_is_self, body, sent_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.AuthorIsSelf, m.Body, m.SentAt,
	); err != nil {
		return nil, &TransportError{Op: "send message", Err: err}
	}

	unreadDelta := 0
	if !self {
		unreadDelta = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_preview = ?, last_activity_at = ?, unread_count = unread_count + ?
		 WHERE id = ?`,
		preview(body), m.SentAt, unreadDelta, sessionID,
	); err != nil {
		return nil, &TransportError{Op: "update session preview", Err: err}
	}
	return &m, nil
}

func (s *SQLStore) findByKey(ctx context.Context, ownerID int64, contactKey string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, counterpart_name, counterpart_key, provider_listing,
			last_preview, last_activity_at, unread_count, created_at
		 FROM sessions WHERE owner_id = ? AND counterpart_key = ?
		 ORDER BY created_at, id LIMIT 1`,
		ownerID, contactKey,
	)
	se, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &TransportError{Op: "find session", Err: err}
	}
	return &se, nil
}

func (s *SQLStore) requireSession(ctx context.Context, ownerID int64, sessionID string) error {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return &TransportError{Op: "find session", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var se models.Session
	var key sql.NullString
	err := row.Scan(&se.ID, &se.OwnerID, &se.CounterpartName, &key, &se.ProviderListing,
		&se.LastMessagePreview, &se.LastActivityAt, &se.UnreadCount, &se.CreatedAt)
	if err != nil {
		return models.Session{}, err
	}
	se.CounterpartKey = key.String
	return se, nil
}

func nullableKey(key string) any {
	if key == "" {
		return nil
	}
	return key
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewLen {
		return body
	}
	return string(r[:previewLen])
}
