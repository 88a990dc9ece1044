// Package http exposes the session manager's operations over a gin HTTP
// surface.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codewithdpk/ClaudeWire/internal/domain/process"
	"github.com/codewithdpk/ClaudeWire/internal/domain/session"
	"github.com/codewithdpk/ClaudeWire/internal/shared/errs"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	sessions *session.Manager
	version  string
}

// NewHandlers creates a new handler set.
func NewHandlers(sessions *session.Manager, version string) *Handlers {
	return &Handlers{sessions: sessions, version: version}
}

// Root handles health check.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "ClaudeWire",
		"version": h.version,
	})
}

// Health handles detailed health check.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

type createRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	UserName string `json:"user_name"`
	Channel  string `json:"channel" binding:"required"`
	Thread   string `json:"thread"`
	Path     string `json:"path"`
}

// CreateSession starts a session for a user.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.sessions.CreateSession(c.Request.Context(), session.CreateOptions{
		UserID:        req.UserID,
		UserName:      req.UserName,
		Channel:       req.Channel,
		Thread:        req.Thread,
		RequestedPath: req.Path,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// GetSession returns the user's session state.
func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.sessions.GetSessionStatus(c.Request.Context(), c.Param("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type inputRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendInput forwards a line of input to the user's subprocess.
func (h *Handlers) SendInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.sessions.SendInput(c.Request.Context(), c.Param("userID"), req.Text); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

type controlRequest struct {
	Key string `json:"key" binding:"required"`
}

// SendControl forwards a control key to the user's subprocess.
func (h *Handlers) SendControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := process.ControlKey(req.Key)
	if !key.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown control key"})
		return
	}

	if err := h.sessions.SendControl(c.Request.Context(), c.Param("userID"), key); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// TerminateSession stops the user's session.
func (h *Handlers) TerminateSession(c *gin.Context) {
	terminated, err := h.sessions.TerminateSession(c.Request.Context(), c.Param("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminated": terminated})
}

// respondError maps the error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind, tagged := errs.KindOf(err)
	if tagged {
		switch kind {
		case errs.KindNoSession:
			status = http.StatusNotFound
		case errs.KindSessionExists:
			status = http.StatusConflict
		case errs.KindSpawn:
			status = http.StatusBadGateway
		case errs.KindStorage:
			status = http.StatusInternalServerError
		}
	}

	body := gin.H{"error": err.Error()}
	if tagged {
		body["kind"] = kind.String()
	}
	c.JSON(status, body)
}
