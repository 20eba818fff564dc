package view

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dealtalk/internal/catalog"
	"dealtalk/internal/models"
	"dealtalk/internal/negotiate"
	"dealtalk/internal/redis"
	"dealtalk/internal/store"
)

const invalidateChannel = "dealtalk:session-invalidate"

type invalidateMessage struct {
	Origin    string `json:"origin"`
	OwnerID   int64  `json:"owner_id"`
	SessionID string `json:"session_id"`
}

// Manager lazily spawns one view actor per authenticated user and fans
// session-delete invalidations out to peer instances over redis
// pub/sub.
type Manager struct {
	store    store.Store
	catalog  catalog.Catalog
	engine   *negotiate.Engine
	opts     Options
	cache    *redis.Client
	instance string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	views map[int64]*View
}

// NewManager constructs the manager. cache may be nil; invalidation
// fan-out is then skipped and views work standalone.
func NewManager(st store.Store, cat catalog.Catalog, eng *negotiate.Engine, opts Options, cache *redis.Client) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    st,
		catalog:  cat,
		engine:   eng,
		opts:     opts,
		cache:    cache,
		instance: uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		views:    make(map[int64]*View),
	}
	m.startInvalidationListener()
	return m
}

// Ensure returns the user's view, spawning it on first use.
func (m *Manager) Ensure(ownerID int64, role models.Role) *View {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.views[ownerID]; ok {
		return v
	}
	v := New(ownerID, role, m.store, m.catalog, m.engine, m.opts)
	v.onDeleted = func(sessionID string) {
		m.publishInvalidation(ownerID, sessionID)
	}
	m.views[ownerID] = v
	return v
}

// Stop shuts down one user's view, typically on logout.
func (m *Manager) Stop(ownerID int64) {
	m.mu.Lock()
	v, ok := m.views[ownerID]
	if ok {
		delete(m.views, ownerID)
	}
	m.mu.Unlock()
	if ok {
		v.Close()
	}
}

// Shutdown stops every view and the invalidation listener.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	views := m.views
	m.views = make(map[int64]*View)
	m.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
}

func (m *Manager) get(ownerID int64) *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.views[ownerID]
}

func (m *Manager) publishInvalidation(ownerID int64, sessionID string) {
	if m.cache == nil {
		return
	}
	payload, err := json.Marshal(invalidateMessage{
		Origin:    m.instance,
		OwnerID:   ownerID,
		SessionID: sessionID,
	})
	if err != nil {
		zap.S().Errorw("marshal invalidation failed", "error", err)
		return
	}
	if err := m.cache.Publish(m.ctx, invalidateChannel, payload); err != nil {
		zap.S().Warnw("publish invalidation failed", "session", sessionID, "error", err)
	}
}

func (m *Manager) startInvalidationListener() {
	if m.cache == nil {
		return
	}
	ch := m.cache.Subscribe(m.ctx, invalidateChannel)
	if ch == nil {
		return
	}
	go func() {
		for msg := range ch {
			var inv invalidateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				zap.S().Warnw("invalidation decode failed", "error", err)
				continue
			}
			if inv.Origin == m.instance {
				continue
			}
			if v := m.get(inv.OwnerID); v != nil {
				v.Invalidate(inv.SessionID)
			}
		}
	}()
}
