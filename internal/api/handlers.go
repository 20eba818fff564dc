package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dealtalk/internal/catalog"
	"dealtalk/internal/identity"
	"dealtalk/internal/negotiate"
	"dealtalk/internal/resolver"
	"dealtalk/internal/store"
	"dealtalk/internal/view"
)

// Handler wires HTTP routes to the per-user chat views. Handlers never
// touch the read model directly; every read and mutation goes through
// the view actor.
type Handler struct {
	manager  *view.Manager
	verifier *identity.Verifier
	resolver *resolver.Resolver
	catalog  catalog.Catalog
}

// NewHandler constructs a Handler instance.
func NewHandler(manager *view.Manager, verifier *identity.Verifier, res *resolver.Resolver, cat catalog.Catalog) *Handler {
	return &Handler{
		manager:  manager,
		verifier: verifier,
		resolver: res,
		catalog:  cat,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(h.verifier.Middleware())

	api.GET("/providers", h.listProviders)
	api.POST("/logout", h.logout)

	api.GET("/chats", h.listChats)
	api.POST("/chats/resolve", h.resolveChat)
	api.POST("/chats/deselect", h.deselectChat)
	api.POST("/chats/:id/select", h.selectChat)
	api.GET("/chats/:id/messages", h.listMessages)
	api.POST("/chats/:id/messages", h.sendMessage)
	api.POST("/chats/:id/delete", h.requestDelete)
	api.POST("/chats/:id/delete/confirm", h.confirmDelete)
	api.POST("/chats/:id/delete/cancel", h.cancelDelete)
	api.POST("/chats/:id/quick-action", h.quickAction)

	api.POST("/negotiation/open", h.openNegotiation)
	api.POST("/negotiation/adjust", h.adjustNegotiation)
	api.POST("/negotiation/submit", h.submitNegotiation)
	api.POST("/negotiation/cancel", h.cancelNegotiation)
}

func (h *Handler) viewFor(c *gin.Context) (*view.View, bool) {
	claims, ok := identity.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return nil, false
	}
	return h.manager.Ensure(claims.UserID, claims.Role), true
}

func (h *Handler) listChats(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	snap, err := v.Snapshot()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":    snap.Sessions,
		"state":       snap.State.String(),
		"selected_id": snap.SelectedID,
		"degraded":    snap.Degraded,
	})
}

type resolveRequest struct {
	ContactKey  string `json:"contact_key"`
	DisplayName string `json:"display_name"`
}

func (h *Handler) resolveChat(c *gin.Context) {
	claims, ok := identity.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sessionID, err := h.resolver.ResolveOrCreate(c.Request.Context(), claims.UserID, req.ContactKey, req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}

	v := h.manager.Ensure(claims.UserID, claims.Role)
	if err := v.Select(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	rc, err := v.RoleContext()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "role_context": rc})
}

func (h *Handler) selectChat(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	if err := v.Select(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	rc, err := v.RoleContext()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "role_context": rc})
}

func (h *Handler) deselectChat(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	if err := v.Deselect(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listMessages(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	if err := h.requireSelected(c, v); err != nil {
		return
	}
	msgs, err := v.Messages()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type sendRequest struct {
	Body string `json:"body"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	if err := h.requireSelected(c, v); err != nil {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := v.Send(c.Request.Context(), req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) requestDelete(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	if err := h.requireSelected(c, v); err != nil {
		return
	}
	if err := v.RequestDelete(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": view.DeletionPending.String()})
}

func (h *Handler) confirmDelete(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	if err := h.requireSelected(c, v); err != nil {
		return
	}
	if err := v.ConfirmDelete(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": view.NoSessionSelected.String()})
}

func (h *Handler) cancelDelete(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	if err := v.CancelDelete(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": view.SessionActive.String()})
}

func (h *Handler) openNegotiation(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	draft, err := v.OpenNegotiation(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

type adjustRequest struct {
	Steps int `json:"steps"`
}

func (h *Handler) adjustNegotiation(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	draft, err := v.AdjustNegotiation(req.Steps)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (h *Handler) submitNegotiation(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	msg, err := v.SubmitNegotiation(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) cancelNegotiation(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	if err := v.CancelNegotiation(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type quickActionRequest struct {
	Action string `json:"action"`
}

func (h *Handler) quickAction(c *gin.Context) {
	v, ok := h.viewFor(c)
	if !ok {
		return
	}
	if err := h.requireSelected(c, v); err != nil {
		return
	}
	var req quickActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := v.QuickAction(c.Request.Context(), negotiate.QuickAction(req.Action))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) listProviders(c *gin.Context) {
	listings, err := h.catalog.ListProviders(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings})
}

func (h *Handler) logout(c *gin.Context) {
	claims, ok := identity.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	h.manager.Stop(claims.UserID)
	c.Status(http.StatusNoContent)
}

// requireSelected rejects session-scoped calls whose path id does not
// match the view's selection, so a stale tab cannot act on the wrong
// session.
func (h *Handler) requireSelected(c *gin.Context, v *view.View) error {
	snap, err := v.Snapshot()
	if err != nil {
		writeError(c, err)
		return err
	}
	if snap.SelectedID != c.Param("id") {
		err := view.ErrNoSelection
		c.JSON(http.StatusConflict, gin.H{"error": "session is not selected"})
		return err
	}
	return nil
}

func writeError(c *gin.Context, err error) {
	switch {
	case store.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, view.ErrNoSelection):
		c.JSON(http.StatusConflict, gin.H{"error": "no session selected"})
	case errors.Is(err, view.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat view closed"})
	case store.IsTransport(err):
		zap.S().Warnw("store unreachable", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "messaging store unreachable"})
	default:
		zap.S().Errorw("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
