package view

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"dealtalk/internal/catalog"
	"dealtalk/internal/models"
	"dealtalk/internal/negotiate"
	"dealtalk/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// memStore is a thread-safe in-memory Store; the view's poll goroutines
// hit it concurrently with test mutations.
type memStore struct {
	mu       sync.Mutex
	sessions []models.Session
	messages map[string][]models.Message
	nextMsg  int

	listErr error
	msgErr  error
	sendErr error
}

func newMemStore(sessions ...models.Session) *memStore {
	return &memStore{sessions: sessions, messages: make(map[string][]models.Message)}
}

func (s *memStore) ListSessions(ctx context.Context, ownerID int64) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]models.Session(nil), s.sessions...), nil
}

func (s *memStore) ListMessages(ctx context.Context, ownerID int64, sessionID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgErr != nil {
		return nil, s.msgErr
	}
	return append([]models.Message(nil), s.messages[sessionID]...), nil
}

func (s *memStore) CreateSession(ctx context.Context, ownerID int64, contactKey, displayName string) (*models.Session, error) {
	return nil, errors.New("not implemented")
}

func (s *memStore) SendMessage(ctx context.Context, ownerID int64, sessionID, body string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.nextMsg++
	m := models.Message{
		ID:           fmt.Sprintf("m%03d", s.nextMsg),
		SessionID:    sessionID,
		AuthorIsSelf: true,
		Body:         body,
		SentAt:       time.Now().UTC(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], m)
	return &m, nil
}

func (s *memStore) DeleteSession(ctx context.Context, ownerID int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sessions[:0]
	for _, se := range s.sessions {
		if se.ID != sessionID {
			kept = append(kept, se)
		}
	}
	s.sessions = kept
	delete(s.messages, sessionID)
	return nil
}

func (s *memStore) setMessages(sessionID string, msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = msgs
}

func (s *memStore) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

type memCatalog struct {
	listings map[string]int64
}

func (c *memCatalog) FindListingByProvider(ctx context.Context, name string) (*models.Listing, error) {
	price, ok := c.listings[strings.ToLower(name)]
	if !ok {
		return nil, catalog.ErrNoListing
	}
	return &models.Listing{Provider: name, Price: price}, nil
}

func (c *memCatalog) ListProviders(ctx context.Context) ([]models.Listing, error) {
	return nil, nil
}

func fastOpts() Options {
	return Options{SessionListInterval: 10 * time.Millisecond, MessageInterval: 10 * time.Millisecond}
}

func newTestView(t *testing.T, role models.Role, st store.Store, cat catalog.Catalog) *View {
	t.Helper()
	if cat == nil {
		cat = &memCatalog{}
	}
	eng := negotiate.NewEngine(cat, st, 100)
	v := New(1, role, st, cat, eng, fastOpts())
	t.Cleanup(v.Close)
	return v
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func session(id, name string) models.Session {
	return models.Session{ID: id, OwnerID: 1, CounterpartName: name, CreatedAt: time.Now().UTC()}
}

func TestViewPollsSessionList(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	v := newTestView(t, models.RoleRequester, st, nil)

	waitFor(t, func() bool {
		snap, err := v.Snapshot()
		return err == nil && len(snap.Sessions) == 1 && snap.Sessions[0].ID == "s1"
	}, "session list to arrive")

	snap, err := v.Snapshot()
	if err != nil {
		t.Fatalf("snapshot error: %v", err)
	}
	if snap.State != NoSessionSelected || snap.SelectedID != "" || snap.Degraded {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}
}

func TestViewMessageOrderIndependentOfArrival(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	m1 := models.Message{ID: "a", SessionID: "s1", Body: "first", SentAt: base}
	m2 := models.Message{ID: "b", SessionID: "s1", Body: "second", SentAt: base.Add(time.Minute)}
	m3 := models.Message{ID: "c", SessionID: "s1", Body: "third", SentAt: base.Add(2 * time.Minute)}

	for _, arrival := range [][]models.Message{
		{m2, m1, m3},
		{m3, m1, m2},
	} {
		st := newMemStore(session("s1", "Jane Doe"))
		st.setMessages("s1", arrival)
		v := newTestView(t, models.RoleRequester, st, nil)

		if err := v.Select(context.Background(), "s1"); err != nil {
			t.Fatalf("select error: %v", err)
		}
		waitFor(t, func() bool {
			msgs, err := v.Messages()
			return err == nil && len(msgs) == 3
		}, "messages to arrive")

		msgs, _ := v.Messages()
		if msgs[0].ID != "a" || msgs[1].ID != "b" || msgs[2].ID != "c" {
			t.Fatalf("arrival order leaked into view: %v %v %v", msgs[0].ID, msgs[1].ID, msgs[2].ID)
		}
		v.Close()
	}
}

func TestViewTiesBreakOnID(t *testing.T) {
	at := time.Now().UTC().Add(-time.Hour)
	st := newMemStore(session("s1", "Jane Doe"))
	st.setMessages("s1", []models.Message{
		{ID: "zz", SessionID: "s1", Body: "later id", SentAt: at},
		{ID: "aa", SessionID: "s1", Body: "earlier id", SentAt: at},
	})
	v := newTestView(t, models.RoleRequester, st, nil)

	if err := v.Select(context.Background(), "s1"); err != nil {
		t.Fatalf("select error: %v", err)
	}
	waitFor(t, func() bool {
		msgs, err := v.Messages()
		return err == nil && len(msgs) == 2
	}, "messages to arrive")

	msgs, _ := v.Messages()
	if msgs[0].ID != "aa" || msgs[1].ID != "zz" {
		t.Fatalf("equal timestamps must order by id, got %v then %v", msgs[0].ID, msgs[1].ID)
	}
}

func TestViewSendShowsProvisionalThenReconciles(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	v := newTestView(t, models.RoleRequester, st, nil)

	if err := v.Select(context.Background(), "s1"); err != nil {
		t.Fatalf("select error: %v", err)
	}

	sent, err := v.Send(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if !sent.AuthorIsSelf {
		t.Fatalf("sent message not attributed to self: %+v", sent)
	}

	// The committed copy arrives on a later poll; the view must end up
	// with exactly one non-provisional copy, never a duplicate.
	waitFor(t, func() bool {
		msgs, err := v.Messages()
		if err != nil || len(msgs) != 1 {
			return false
		}
		return !msgs[0].Provisional && msgs[0].ID == sent.ID
	}, "provisional copy to reconcile")

	msgs, _ := v.Messages()
	if len(msgs) != 1 || msgs[0].Body != "hello there" {
		t.Fatalf("unexpected history after reconcile: %+v", msgs)
	}
}

func TestViewSendFailureRollsBackProvisional(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	st.sendErr = &store.TransportError{Op: "send", Err: errors.New("down")}
	v := newTestView(t, models.RoleRequester, st, nil)

	if err := v.Select(context.Background(), "s1"); err != nil {
		t.Fatalf("select error: %v", err)
	}
	if _, err := v.Send(context.Background(), "lost"); !store.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}

	msgs, err := v.Messages()
	if err != nil {
		t.Fatalf("messages error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("failed send left a provisional behind: %+v", msgs)
	}
}

func TestViewSendValidation(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	v := newTestView(t, models.RoleRequester, st, nil)

	if _, err := v.Send(context.Background(), "  "); !store.IsValidation(err) {
		t.Fatalf("expected validation error for blank body, got %v", err)
	}
	if _, err := v.Send(context.Background(), "no target"); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
}

func TestViewDegradedAfterConsecutiveFailures(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	v := newTestView(t, models.RoleRequester, st, nil)

	waitFor(t, func() bool {
		snap, err := v.Snapshot()
		return err == nil && len(snap.Sessions) == 1
	}, "initial session list")

	st.setListErr(&store.TransportError{Op: "list", Err: errors.New("down")})
	waitFor(t, func() bool {
		snap, err := v.Snapshot()
		return err == nil && snap.Degraded
	}, "degraded indicator")

	// The last good list survives the outage.
	snap, _ := v.Snapshot()
	if len(snap.Sessions) != 1 {
		t.Fatalf("outage dropped the cached list: %+v", snap)
	}

	st.setListErr(nil)
	waitFor(t, func() bool {
		snap, err := v.Snapshot()
		return err == nil && !snap.Degraded
	}, "recovery from degraded")
}

func TestViewLifecycleTransitions(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	v := newTestView(t, models.RoleRequester, st, nil)
	ctx := context.Background()

	if err := v.RequestDelete(); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("delete without selection must fail, got %v", err)
	}

	if err := v.Select(ctx, "s1"); err != nil {
		t.Fatalf("select error: %v", err)
	}
	snap, _ := v.Snapshot()
	if snap.State != SessionActive || snap.SelectedID != "s1" {
		t.Fatalf("expected active selection, got %+v", snap)
	}

	if err := v.RequestDelete(); err != nil {
		t.Fatalf("request delete error: %v", err)
	}
	snap, _ = v.Snapshot()
	if snap.State != DeletionPending {
		t.Fatalf("expected deletion pending, got %v", snap.State)
	}

	if err := v.CancelDelete(); err != nil {
		t.Fatalf("cancel delete error: %v", err)
	}
	snap, _ = v.Snapshot()
	if snap.State != SessionActive {
		t.Fatalf("cancel must restore the active state, got %v", snap.State)
	}

	if err := v.Deselect(); err != nil {
		t.Fatalf("deselect error: %v", err)
	}
	snap, _ = v.Snapshot()
	if snap.State != NoSessionSelected || snap.SelectedID != "" {
		t.Fatalf("expected cleared selection, got %+v", snap)
	}
	if _, err := v.Messages(); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("messages without selection must fail, got %v", err)
	}
}

func TestViewDeleteIsFinal(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"), session("s2", "Bob"))
	v := newTestView(t, models.RoleRequester, st, nil)
	ctx := context.Background()

	if err := v.Select(ctx, "s1"); err != nil {
		t.Fatalf("select error: %v", err)
	}
	if err := v.RequestDelete(); err != nil {
		t.Fatalf("request delete error: %v", err)
	}
	if err := v.ConfirmDelete(ctx); err != nil {
		t.Fatalf("confirm delete error: %v", err)
	}

	snap, _ := v.Snapshot()
	if snap.State != NoSessionSelected {
		t.Fatalf("expected cleared selection after delete, got %v", snap.State)
	}
	for _, se := range snap.Sessions {
		if se.ID == "s1" {
			t.Fatalf("deleted session still in snapshot")
		}
	}

	if err := v.Select(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted session must not be re-selectable, got %v", err)
	}

	// Even if a stale store copy resurfaces it, the tombstone holds.
	st.mu.Lock()
	st.sessions = append(st.sessions, session("s1", "Jane Doe"))
	st.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	snap, _ = v.Snapshot()
	for _, se := range snap.Sessions {
		if se.ID == "s1" {
			t.Fatalf("tombstoned session resurfaced from a stale poll")
		}
	}
}

func TestViewInvalidateFromAnotherInstance(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	v := newTestView(t, models.RoleRequester, st, nil)

	if err := v.Select(context.Background(), "s1"); err != nil {
		t.Fatalf("select error: %v", err)
	}
	v.Invalidate("s1")

	snap, _ := v.Snapshot()
	if snap.State != NoSessionSelected || len(snap.Sessions) != 0 {
		t.Fatalf("invalidation must tombstone and deselect, got %+v", snap)
	}
}

func TestViewNegotiationFlow(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	cat := &memCatalog{listings: map[string]int64{"jane doe": 1000}}
	v := newTestView(t, models.RoleRequester, st, cat)
	ctx := context.Background()

	if err := v.Select(ctx, "s1"); err != nil {
		t.Fatalf("select error: %v", err)
	}
	rc, err := v.RoleContext()
	if err != nil {
		t.Fatalf("role context error: %v", err)
	}
	if !rc.CanNegotiate() {
		t.Fatalf("requester toward listed provider must be able to negotiate: %+v", rc)
	}

	draft, err := v.OpenNegotiation(ctx)
	if err != nil {
		t.Fatalf("open negotiation error: %v", err)
	}
	if draft.BasePrice != 1000 || !draft.ListingResolved {
		t.Fatalf("unexpected draft: %+v", draft)
	}

	draft, err = v.AdjustNegotiation(2)
	if err != nil {
		t.Fatalf("adjust error: %v", err)
	}
	if draft.Proposed != 1200 {
		t.Fatalf("expected 1200, got %d", draft.Proposed)
	}

	sent, err := v.SubmitNegotiation(ctx)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	if !strings.Contains(sent.Body, "₹1200") || !strings.Contains(sent.Body, "+₹200") {
		t.Fatalf("unexpected proposal body: %q", sent.Body)
	}

	// The draft is gone and the proposal is immediately visible.
	if d, err := v.Draft(); err != nil || d != nil {
		t.Fatalf("draft must be discarded after submit, got %+v (%v)", d, err)
	}
	msgs, err := v.Messages()
	if err != nil {
		t.Fatalf("messages error: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.ID == sent.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("submitted proposal not visible in history: %+v", msgs)
	}
}

func TestViewNegotiationGate(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	cat := &memCatalog{listings: map[string]int64{"jane doe": 1000}}
	v := newTestView(t, models.RoleProvider, st, cat)
	ctx := context.Background()

	if err := v.Select(ctx, "s1"); err != nil {
		t.Fatalf("select error: %v", err)
	}
	if _, err := v.OpenNegotiation(ctx); err != nil {
		t.Fatalf("open is allowed, only submit is gated: %v", err)
	}
	if _, err := v.AdjustNegotiation(-1); err != nil {
		t.Fatalf("adjust error: %v", err)
	}
	if _, err := v.SubmitNegotiation(ctx); !store.IsValidation(err) {
		t.Fatalf("provider submit must be rejected, got %v", err)
	}
}

func TestViewNegotiationNoDraft(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	v := newTestView(t, models.RoleRequester, st, nil)

	if _, err := v.AdjustNegotiation(1); !store.IsValidation(err) {
		t.Fatalf("adjust without draft must fail, got %v", err)
	}
	if _, err := v.SubmitNegotiation(context.Background()); !store.IsValidation(err) {
		t.Fatalf("submit without draft must fail, got %v", err)
	}
	if err := v.CancelNegotiation(); err != nil {
		t.Fatalf("cancel is always safe: %v", err)
	}
}

func TestViewQuickAction(t *testing.T) {
	st := newMemStore(session("s1", "Jane Doe"))
	cat := &memCatalog{listings: map[string]int64{"jane doe": 1000}}
	v := newTestView(t, models.RoleRequester, st, cat)
	ctx := context.Background()

	if err := v.Select(ctx, "s1"); err != nil {
		t.Fatalf("select error: %v", err)
	}
	sent, err := v.QuickAction(ctx, negotiate.ActionRequestQuote)
	if err != nil {
		t.Fatalf("quick action error: %v", err)
	}
	if sent.Body == "" {
		t.Fatalf("expected canned body")
	}

	msgs, err := v.Messages()
	if err != nil {
		t.Fatalf("messages error: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatalf("quick action not visible in history")
	}
}

func TestViewClosed(t *testing.T) {
	st := newMemStore()
	v := newTestView(t, models.RoleRequester, st, nil)
	v.Close()

	if _, err := v.Snapshot(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := v.Deselect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
