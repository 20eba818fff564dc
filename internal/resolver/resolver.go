package resolver

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"dealtalk/internal/models"
	"dealtalk/internal/store"
)

// Resolver converges every chat entry point — listing card, booking
// handoff, direct message action — on one session per counterpart.
type Resolver struct {
	store store.Store
}

// New constructs a resolver over the given store.
func New(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// ResolveOrCreate finds the owner's session for the counterpart or
// creates one. An exact contact-key match wins over a case-insensitive
// display-name match; either is enough, since some entry points know
// only one of the two.
//
// Creation is race-tolerant: after a create the session list is
// re-read, and if a concurrent caller produced a duplicate the
// earliest-created session wins. When the store is unreachable the
// caller must not assume a session was or was not created.
func (r *Resolver) ResolveOrCreate(ctx context.Context, ownerID int64, contactKey, displayName string) (string, error) {
	if contactKey == "" && displayName == "" {
		return "", &store.ValidationError{Reason: "counterpart contact key or display name required"}
	}

	sessions, err := r.store.ListSessions(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if se := match(sessions, contactKey, displayName); se != nil {
		return se.ID, nil
	}

	created, err := r.store.CreateSession(ctx, ownerID, contactKey, displayName)
	if err != nil {
		return "", err
	}

	// Re-read and self-heal: a racing create may have left a transient
	// duplicate that the store has not collapsed yet.
	sessions, err = r.store.ListSessions(ctx, ownerID)
	if err != nil {
		// The create landed; the stale list is the next poll's problem.
		zap.S().Warnw("session re-read after create failed", "owner", ownerID, "error", err)
		return created.ID, nil
	}

	winner := earliestMatch(sessions, contactKey, displayName)
	if winner == nil {
		return created.ID, nil
	}
	if winner.ID != created.ID {
		zap.S().Infow("duplicate session healed",
			"owner", ownerID, "kept", winner.ID, "discarded", created.ID)
	}
	return winner.ID, nil
}

// match applies the tie-break policy: a contact-key match takes
// priority over a display-name match when both appear across different
// candidates.
func match(sessions []models.Session, contactKey, displayName string) *models.Session {
	var byName *models.Session
	for i := range sessions {
		se := &sessions[i]
		if contactKey != "" && se.CounterpartKey == contactKey {
			return se
		}
		if byName == nil && displayName != "" && strings.EqualFold(se.CounterpartName, displayName) {
			byName = se
		}
	}
	return byName
}

// earliestMatch returns the oldest session matching the counterpart,
// preferring key matches over name matches.
func earliestMatch(sessions []models.Session, contactKey, displayName string) *models.Session {
	var winner *models.Session
	winnerByKey := false
	for i := range sessions {
		se := &sessions[i]
		keyMatch := contactKey != "" && se.CounterpartKey == contactKey
		nameMatch := displayName != "" && strings.EqualFold(se.CounterpartName, displayName)
		if !keyMatch && !nameMatch {
			continue
		}
		switch {
		case winner == nil:
			winner, winnerByKey = se, keyMatch
		case keyMatch && !winnerByKey:
			winner, winnerByKey = se, true
		case keyMatch == winnerByKey && olderThan(se, winner):
			winner = se
		}
	}
	return winner
}

func olderThan(a, b *models.Session) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
