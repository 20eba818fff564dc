package view

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dealtalk/internal/catalog"
	"dealtalk/internal/models"
	"dealtalk/internal/negotiate"
	"dealtalk/internal/store"
)

// Snapshot returns a consistent copy of the session list and view
// state.
func (v *View) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := v.do(func() {
		snap.Sessions = append([]models.Session(nil), v.sessions...)
		snap.State = v.state
		snap.SelectedID = v.selected
		snap.Degraded = v.degraded()
	})
	return snap, err
}

// Messages returns the merged ordered history of the selected session.
func (v *View) Messages() ([]models.Message, error) {
	var msgs []models.Message
	var opErr error
	err := v.do(func() {
		if v.selected == "" {
			opErr = ErrNoSelection
			return
		}
		msgs = append([]models.Message(nil), v.messages...)
	})
	if err != nil {
		return nil, err
	}
	return msgs, opErr
}

// RoleContext returns the capability flags for the selected session.
func (v *View) RoleContext() (models.RoleContext, error) {
	var rc models.RoleContext
	var opErr error
	err := v.do(func() {
		if v.selected == "" {
			opErr = ErrNoSelection
			return
		}
		rc = models.RoleContext{
			SelfRole:            v.role,
			CounterpartIsListed: v.providerTags[v.selected],
		}
	})
	if err != nil {
		return models.RoleContext{}, err
	}
	return rc, opErr
}

// Select makes the session the active one and starts the message loop.
// A deleted session can never be re-selected. The counterpart's
// provider tag is resolved once here, cached on the view, and persisted
// on the session record when the store supports it.
func (v *View) Select(ctx context.Context, sessionID string) error {
	var target *models.Session
	var opErr error
	if err := v.do(func() {
		if _, gone := v.tombstones[sessionID]; gone {
			opErr = store.ErrNotFound
			return
		}
		if se := v.findSession(sessionID); se != nil {
			copied := *se
			target = &copied
		}
	}); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	if target == nil {
		// A just-resolved session may not be in the cached list yet;
		// refresh once before giving up.
		sessions, err := v.store.ListSessions(ctx, v.ownerID)
		if err != nil {
			return err
		}
		if err := v.do(func() {
			v.mergeSessions(sessions)
			v.listFailures = 0
			if se := v.findSession(sessionID); se != nil {
				copied := *se
				target = &copied
			}
		}); err != nil {
			return err
		}
		if target == nil {
			return store.ErrNotFound
		}
	}

	listed := v.resolveProviderTag(ctx, target)

	return v.do(func() {
		if _, gone := v.tombstones[sessionID]; gone {
			return
		}
		if v.selected != sessionID {
			v.clearSelectionLocked()
			v.selected = sessionID
		}
		v.state = SessionActive
		v.providerTags[sessionID] = listed
		if se := v.findSession(sessionID); se != nil {
			se.ProviderListing = listed
		}
		v.msgTicker.Reset(v.opts.MessageInterval)
		v.startMessagePoll()
	})
}

func (v *View) resolveProviderTag(ctx context.Context, se *models.Session) bool {
	listed := false
	_, err := v.catalog.FindListingByProvider(ctx, se.CounterpartName)
	switch {
	case err == nil:
		listed = true
	case errors.Is(err, catalog.ErrNoListing):
	default:
		zap.S().Warnw("provider tag lookup failed, treating counterpart as unlisted",
			"session", se.ID, "counterpart", se.CounterpartName, "error", err)
	}

	if tagger, ok := v.store.(listingTagger); ok {
		if err := tagger.SetProviderListing(ctx, v.ownerID, se.ID, listed); err != nil {
			zap.S().Debugw("persisting provider tag failed", "session", se.ID, "error", err)
		}
	}
	return listed
}

// Deselect drops the active session and stops the message loop.
func (v *View) Deselect() error {
	return v.do(func() {
		v.clearSelectionLocked()
	})
}

// RequestDelete moves the active session to DeletionPending. Nothing is
// mutated server-side until the deletion is confirmed.
func (v *View) RequestDelete() error {
	var opErr error
	err := v.do(func() {
		if v.state != SessionActive {
			opErr = ErrNoSelection
			return
		}
		v.state = DeletionPending
	})
	if err != nil {
		return err
	}
	return opErr
}

// CancelDelete returns a pending deletion to SessionActive.
func (v *View) CancelDelete() error {
	var opErr error
	err := v.do(func() {
		if v.state != DeletionPending {
			opErr = errors.New("no deletion pending")
			return
		}
		v.state = SessionActive
	})
	if err != nil {
		return err
	}
	return opErr
}

// ConfirmDelete issues the delete. On success the session is
// tombstoned — it never reappears in snapshots and can never be
// re-selected — and the view returns to NoSessionSelected. On failure
// the session stays selectable and the error is surfaced.
func (v *View) ConfirmDelete(ctx context.Context) error {
	var sessionID string
	var opErr error
	if err := v.do(func() {
		if v.state != DeletionPending {
			opErr = errors.New("no deletion pending")
			return
		}
		sessionID = v.selected
	}); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	if err := v.store.DeleteSession(ctx, v.ownerID, sessionID); err != nil {
		_ = v.do(func() {
			if v.selected == sessionID && v.state == DeletionPending {
				v.state = SessionActive
			}
		})
		return err
	}

	if err := v.do(func() {
		v.applyDeleted(sessionID)
	}); err != nil {
		return err
	}
	if v.onDeleted != nil {
		v.onDeleted(sessionID)
	}
	return nil
}

// Invalidate tombstones a session deleted elsewhere (another instance
// or device of the same user).
func (v *View) Invalidate(sessionID string) {
	_ = v.do(func() {
		v.applyDeleted(sessionID)
	})
}

func (v *View) applyDeleted(sessionID string) {
	v.tombstones[sessionID] = struct{}{}
	delete(v.providerTags, sessionID)
	kept := v.sessions[:0]
	for _, se := range v.sessions {
		if se.ID != sessionID {
			kept = append(kept, se)
		}
	}
	v.sessions = kept
	if v.selected == sessionID {
		v.clearSelectionLocked()
	}
}

// Send persists a message in the active session. The provisional copy
// is visible immediately and is replaced, never duplicated, when a poll
// returns the authoritative one.
func (v *View) Send(ctx context.Context, body string) (*models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &store.ValidationError{Reason: "message body is empty"}
	}

	var sessionID, provID string
	var opErr error
	if err := v.do(func() {
		if v.state != SessionActive {
			opErr = ErrNoSelection
			return
		}
		sessionID = v.selected
		provID = uuid.NewString()
		m := models.Message{
			ID:           provID,
			SessionID:    sessionID,
			AuthorIsSelf: true,
			Body:         body,
			SentAt:       time.Now().UTC(),
			Provisional:  true,
		}
		v.provisional[provID] = provisionalEntry{msg: m}
		v.rebuildMessages()
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}

	sent, err := v.store.SendMessage(ctx, v.ownerID, sessionID, body)
	if err != nil {
		_ = v.do(func() {
			delete(v.provisional, provID)
			v.rebuildMessages()
		})
		return nil, err
	}

	_ = v.do(func() {
		v.ackProvisional(provID, sent)
	})
	return sent, nil
}

// ackProvisional swaps the optimistic copy's local id for the
// authoritative one so the next poll reconciles by id.
func (v *View) ackProvisional(provID string, sent *models.Message) {
	entry, ok := v.provisional[provID]
	if !ok {
		// Selection changed while the send was in flight; the message
		// is persisted and will show up on a future poll.
		return
	}
	entry.ackID = sent.ID
	entry.msg.ID = sent.ID
	entry.msg.SentAt = sent.SentAt
	v.provisional[provID] = entry
	v.reconcileProvisionals()
	v.rebuildMessages()
}

// insertAcked records a store-acknowledged message (negotiation or
// quick action) as a provisional copy pending poll confirmation.
func (v *View) insertAcked(sessionID string, sent *models.Message) {
	if v.selected != sessionID {
		return
	}
	m := *sent
	m.Provisional = true
	v.provisional[sent.ID] = provisionalEntry{msg: m, ackID: sent.ID}
	v.rebuildMessages()
}

func (v *View) findSession(sessionID string) *models.Session {
	for i := range v.sessions {
		if v.sessions[i].ID == sessionID {
			return &v.sessions[i]
		}
	}
	return nil
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}

// OpenNegotiation seeds a draft for the active session from the
// counterpart's listing.
func (v *View) OpenNegotiation(ctx context.Context) (*negotiate.Draft, error) {
	var target *models.Session
	var opErr error
	if err := v.do(func() {
		if v.state != SessionActive {
			opErr = ErrNoSelection
			return
		}
		if se := v.findSession(v.selected); se != nil {
			copied := *se
			target = &copied
		} else {
			copied := models.Session{ID: v.selected}
			target = &copied
		}
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}

	draft := v.engine.Open(ctx, target)

	var out negotiate.Draft
	if err := v.do(func() {
		if v.selected != draft.SessionID || v.state != SessionActive {
			opErr = ErrNoSelection
			return
		}
		v.draft = draft
		out = *draft
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return &out, nil
}

// AdjustNegotiation moves the open draft by the given steps.
func (v *View) AdjustNegotiation(steps int) (*negotiate.Draft, error) {
	var out negotiate.Draft
	var opErr error
	if err := v.do(func() {
		if v.draft == nil {
			opErr = &store.ValidationError{Reason: "no negotiation in progress"}
			return
		}
		v.engine.Adjust(v.draft, steps)
		out = *v.draft
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return &out, nil
}

// SubmitNegotiation validates the draft against the role gate, sends
// the proposal message, and discards the draft.
func (v *View) SubmitNegotiation(ctx context.Context) (*models.Message, error) {
	var draft *negotiate.Draft
	var rc models.RoleContext
	var opErr error
	if err := v.do(func() {
		if v.draft == nil {
			opErr = &store.ValidationError{Reason: "no negotiation in progress"}
			return
		}
		copied := *v.draft
		draft = &copied
		rc = models.RoleContext{
			SelfRole:            v.role,
			CounterpartIsListed: v.providerTags[v.selected],
		}
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}

	sent, err := v.engine.Submit(ctx, v.ownerID, rc, draft)
	if err != nil {
		return nil, err
	}

	_ = v.do(func() {
		v.draft = nil
		v.insertAcked(draft.SessionID, sent)
	})
	return sent, nil
}

// CancelNegotiation discards the open draft.
func (v *View) CancelNegotiation() error {
	return v.do(func() {
		v.draft = nil
	})
}

// Draft returns a copy of the open draft, if any.
func (v *View) Draft() (*negotiate.Draft, error) {
	var out *negotiate.Draft
	err := v.do(func() {
		if v.draft != nil {
			copied := *v.draft
			out = &copied
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QuickAction sends a canned message in the active session, subject to
// the role gate.
func (v *View) QuickAction(ctx context.Context, action negotiate.QuickAction) (*models.Message, error) {
	var sessionID string
	var rc models.RoleContext
	var opErr error
	if err := v.do(func() {
		if v.state != SessionActive {
			opErr = ErrNoSelection
			return
		}
		sessionID = v.selected
		rc = models.RoleContext{
			SelfRole:            v.role,
			CounterpartIsListed: v.providerTags[sessionID],
		}
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}

	sent, err := v.engine.SendQuickAction(ctx, v.ownerID, rc, sessionID, action)
	if err != nil {
		return nil, err
	}

	_ = v.do(func() {
		v.insertAcked(sessionID, sent)
	})
	return sent, nil
}
