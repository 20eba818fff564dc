package view

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dealtalk/internal/catalog"
	"dealtalk/internal/models"
	"dealtalk/internal/negotiate"
	"dealtalk/internal/store"
)

// State is the lifecycle state of the chat view.
type State int

const (
	NoSessionSelected State = iota
	SessionActive
	DeletionPending
)

func (s State) String() string {
	switch s {
	case SessionActive:
		return "session_active"
	case DeletionPending:
		return "deletion_pending"
	default:
		return "no_session_selected"
	}
}

// ErrClosed is returned for operations on a stopped view.
var ErrClosed = errors.New("chat view closed")

// ErrNoSelection is returned when an operation needs an active session.
var ErrNoSelection = errors.New("no session selected")

const (
	degradedThreshold = 3
	pollTimeout       = 8 * time.Second

	// provisionalSkew bounds how far back an authoritative timestamp may
	// sit and still reconcile an optimistic copy that has not been
	// acknowledged yet.
	provisionalSkew = 30 * time.Second
)

// Options carries the synchronizer intervals.
type Options struct {
	SessionListInterval time.Duration
	MessageInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.SessionListInterval <= 0 {
		o.SessionListInterval = 3 * time.Second
	}
	if o.MessageInterval <= 0 {
		o.MessageInterval = 2 * time.Second
	}
	return o
}

// Snapshot is a consistent copy of the view's session list and state.
type Snapshot struct {
	Sessions   []models.Session `json:"sessions"`
	State      State            `json:"-"`
	SelectedID string           `json:"selected_id,omitempty"`
	Degraded   bool             `json:"degraded"`
}

type pollKind int

const (
	pollSessions pollKind = iota
	pollMessages
)

type pollResult struct {
	kind     pollKind
	epoch    uint64
	sessions []models.Session
	messages []models.Message
	err      error
}

type provisionalEntry struct {
	msg   models.Message
	ackID string
}

// listingTagger is the optional store capability to persist the
// resolved counterpart-is-provider tag on the session record.
type listingTagger interface {
	SetProviderListing(ctx context.Context, ownerID int64, sessionID string, listed bool) error
}

// View is the chat view of one authenticated user: an actor goroutine
// that owns the merged session/message read model, runs the two polling
// loops, and executes the lifecycle and negotiation state machines. No
// other component mutates the read model; writers issue store requests
// and observe their effect on a later poll tick.
type View struct {
	ownerID int64
	role    models.Role
	store   store.Store
	catalog catalog.Catalog
	engine  *negotiate.Engine
	opts    Options

	// onDeleted, when set, is invoked after a confirmed delete so the
	// manager can fan the invalidation out to other instances.
	onDeleted func(sessionID string)

	cmdCh    chan func()
	resultCh chan pollResult
	stopCh   chan struct{}
	stopOnce sync.Once

	// Everything below is owned by run() and touched only from there.
	listTicker *time.Ticker
	msgTicker  *time.Ticker

	sessions     []models.Session
	tombstones   map[string]struct{}
	providerTags map[string]bool

	state        State
	selected     string
	authMessages []models.Message
	provisional  map[string]provisionalEntry
	messages     []models.Message
	draft        *negotiate.Draft

	epoch        uint64
	listFailures int
	msgFailures  int
	listInFlight bool
	msgInFlight  bool
}

// New starts a view actor for the owner.
func New(ownerID int64, role models.Role, st store.Store, cat catalog.Catalog, eng *negotiate.Engine, opts Options) *View {
	v := &View{
		ownerID:      ownerID,
		role:         role,
		store:        st,
		catalog:      cat,
		engine:       eng,
		opts:         opts.withDefaults(),
		cmdCh:        make(chan func()),
		resultCh:     make(chan pollResult, 4),
		stopCh:       make(chan struct{}),
		tombstones:   make(map[string]struct{}),
		providerTags: make(map[string]bool),
		provisional:  make(map[string]provisionalEntry),
	}
	go v.run()
	return v
}

// Close stops both polling loops and the actor. In-flight ticks finish
// and are discarded.
func (v *View) Close() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

func (v *View) run() {
	v.listTicker = time.NewTicker(v.opts.SessionListInterval)
	defer v.listTicker.Stop()
	v.msgTicker = time.NewTicker(v.opts.MessageInterval)
	v.msgTicker.Stop()
	defer v.msgTicker.Stop()

	// First list fetch happens now, not one interval from now.
	v.startSessionPoll()

	for {
		select {
		case <-v.stopCh:
			return
		case fn := <-v.cmdCh:
			fn()
		case <-v.listTicker.C:
			v.startSessionPoll()
		case <-v.msgTicker.C:
			v.startMessagePoll()
		case res := <-v.resultCh:
			v.applyPoll(res)
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (v *View) do(fn func()) error {
	done := make(chan struct{})
	select {
	case v.cmdCh <- func() { fn(); close(done) }:
	case <-v.stopCh:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-v.stopCh:
		return ErrClosed
	}
}

// ---- polling ----

func (v *View) startSessionPoll() {
	if v.listInFlight {
		return
	}
	v.listInFlight = true
	epoch := v.epoch
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
		defer cancel()
		sessions, err := v.store.ListSessions(ctx, v.ownerID)
		v.deliver(pollResult{kind: pollSessions, epoch: epoch, sessions: sessions, err: err})
	}()
}

func (v *View) startMessagePoll() {
	if v.msgInFlight || v.selected == "" {
		return
	}
	v.msgInFlight = true
	epoch := v.epoch
	sessionID := v.selected
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
		defer cancel()
		messages, err := v.store.ListMessages(ctx, v.ownerID, sessionID)
		v.deliver(pollResult{kind: pollMessages, epoch: epoch, messages: messages, err: err})
	}()
}

func (v *View) deliver(res pollResult) {
	select {
	case v.resultCh <- res:
	case <-v.stopCh:
	}
}

func (v *View) applyPoll(res pollResult) {
	switch res.kind {
	case pollSessions:
		v.listInFlight = false
		if res.err != nil {
			v.listFailures++
			v.logPollFailure("session list", v.listFailures, res.err)
			return
		}
		v.listFailures = 0
		v.mergeSessions(res.sessions)
	case pollMessages:
		v.msgInFlight = false
		if res.epoch != v.epoch {
			// Selection changed while the tick was in flight; discard.
			return
		}
		if res.err != nil {
			v.msgFailures++
			v.logPollFailure("messages", v.msgFailures, res.err)
			return
		}
		v.msgFailures = 0
		v.mergeMessages(res.messages)
	}
}

func (v *View) logPollFailure(loop string, failures int, err error) {
	if failures == degradedThreshold {
		zap.S().Warnw("polling degraded", "loop", loop, "owner", v.ownerID, "error", err)
		return
	}
	zap.S().Debugw("poll tick failed", "loop", loop, "owner", v.ownerID, "failures", failures, "error", err)
}

func (v *View) degraded() bool {
	return v.listFailures >= degradedThreshold || v.msgFailures >= degradedThreshold
}

// mergeSessions replaces the cached list with the authoritative one,
// keeping tombstoned sessions out and re-applying resolved provider
// tags.
func (v *View) mergeSessions(sessions []models.Session) {
	merged := sessions[:0:0]
	for _, se := range sessions {
		if _, gone := v.tombstones[se.ID]; gone {
			continue
		}
		if tag, ok := v.providerTags[se.ID]; ok {
			se.ProviderListing = tag
		}
		merged = append(merged, se)
	}
	v.sessions = merged
}

// mergeMessages reconciles the authoritative list against outstanding
// provisional copies and rebuilds the ordered view. The result is a
// union by id: an in-flight poll can never clobber a message sent after
// it was issued.
func (v *View) mergeMessages(auth []models.Message) {
	sortMessages(auth)
	v.authMessages = auth
	v.reconcileProvisionals()
	v.rebuildMessages()
}

func (v *View) reconcileProvisionals() {
	claimed := make(map[int]bool)
	for key, entry := range v.provisional {
		if entry.ackID != "" {
			for i := range v.authMessages {
				if v.authMessages[i].ID == entry.ackID {
					delete(v.provisional, key)
					break
				}
			}
			continue
		}
		// Not yet acknowledged: an authoritative self-message with the
		// same body and a compatible timestamp is the committed copy.
		for i := range v.authMessages {
			m := v.authMessages[i]
			if claimed[i] || !m.AuthorIsSelf || m.Body != entry.msg.Body {
				continue
			}
			if m.SentAt.Before(entry.msg.SentAt.Add(-provisionalSkew)) {
				continue
			}
			claimed[i] = true
			delete(v.provisional, key)
			break
		}
	}
}

func (v *View) rebuildMessages() {
	merged := make([]models.Message, 0, len(v.authMessages)+len(v.provisional))
	merged = append(merged, v.authMessages...)
	for _, entry := range v.provisional {
		merged = append(merged, entry.msg)
	}
	sortMessages(merged)
	v.messages = merged
}

func (v *View) clearSelectionLocked() {
	v.selected = ""
	v.state = NoSessionSelected
	v.authMessages = nil
	v.provisional = make(map[string]provisionalEntry)
	v.messages = nil
	v.draft = nil
	v.msgFailures = 0
	v.epoch++
	v.msgTicker.Stop()
}
