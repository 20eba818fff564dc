package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dealtalk/internal/store"
)

// StoreServer exposes the embedded messaging store over the REST
// contract that HTTPStore consumes, letting one deployment act as the
// store for others. Callers authenticate with the shared service
// token; the acting owner travels in the path.
type StoreServer struct {
	store *store.SQLStore
	token string
}

// NewStoreServer wraps the embedded store.
func NewStoreServer(st *store.SQLStore, token string) *StoreServer {
	return &StoreServer{store: st, token: token}
}

// RegisterRoutes attaches the store endpoints to the router.
func (s *StoreServer) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	v1.Use(s.requireServiceToken())

	owners := v1.Group("/owners/:owner")
	owners.GET("/sessions", s.listSessions)
	owners.POST("/sessions", s.createSession)
	owners.DELETE("/sessions/:id", s.deleteSession)
	owners.GET("/sessions/:id/messages", s.listMessages)
	owners.POST("/sessions/:id/messages", s.sendMessage)
	owners.POST("/sessions/:id/deliver", s.deliverMessage)
}

func (s *StoreServer) requireServiceToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" || c.GetHeader("Authorization") != "Bearer "+s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "service token required"})
		}
	}
}

func ownerParam(c *gin.Context) (int64, bool) {
	ownerID, err := strconv.ParseInt(c.Param("owner"), 10, 64)
	if err != nil || ownerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
		return 0, false
	}
	return ownerID, true
}

func (s *StoreServer) listSessions(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}
	sessions, err := s.store.ListSessions(c.Request.Context(), ownerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type createSessionRequest struct {
	ContactKey  string `json:"contact_key"`
	DisplayName string `json:"display_name"`
}

func (s *StoreServer) createSession(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	se, err := s.store.CreateSession(c.Request.Context(), ownerID, req.ContactKey, req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, se)
}

func (s *StoreServer) deleteSession(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}
	if err := s.store.DeleteSession(c.Request.Context(), ownerID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *StoreServer) listMessages(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type messageRequest struct {
	Body string `json:"body"`
}

func (s *StoreServer) sendMessage(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := s.store.SendMessage(c.Request.Context(), ownerID, c.Param("id"), req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// deliverMessage accepts an inbound counterpart message, the landing
// point for delivery webhooks.
func (s *StoreServer) deliverMessage(c *gin.Context) {
	if _, ok := ownerParam(c); !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := s.store.ReceiveMessage(c.Request.Context(), c.Param("id"), req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
