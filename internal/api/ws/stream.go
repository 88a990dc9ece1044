// Package ws streams session lifecycle notifications over WebSocket.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codewithdpk/ClaudeWire/internal/domain/session"
	"github.com/codewithdpk/ClaudeWire/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced upstream
	},
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// frame is the wire form of one notification.
type frame struct {
	Kind      session.EventKind `json:"kind"`
	Session   session.Session   `json:"session"`
	Text      string            `json:"text,omitempty"`
	ExitCode  int               `json:"exit_code,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Handler fans the manager's lifecycle notifications out to every connected
// WebSocket client. A client that cannot keep up is dropped rather than
// allowed to stall the rest.
type Handler struct {
	logger *logging.Logger

	mu    sync.Mutex
	conns map[*client]struct{}
}

type client struct {
	send chan frame
}

// NewHandler creates the stream handler and subscribes it to the manager.
func NewHandler(sessions *session.Manager, logger *logging.Logger) *Handler {
	h := &Handler{
		logger: logger,
		conns:  make(map[*client]struct{}),
	}
	sessions.Subscribe(h.broadcast)
	return h
}

// HandleConnection upgrades the request and streams notifications until the
// client disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	cl := &client{send: make(chan frame, sendBufferSize)}
	h.mu.Lock()
	h.conns[cl] = struct{}{}
	h.mu.Unlock()
	defer h.drop(cl)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain control frames; client messages carry no meaning here.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case fr, ok := <-cl.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(fr); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// ClientCount returns the number of connected stream clients.
func (h *Handler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Handler) broadcast(ev session.Event) {
	fr := frame{
		Kind:      ev.Kind,
		Session:   ev.Session,
		Text:      ev.Text,
		ExitCode:  ev.ExitCode,
		Timestamp: time.Now().Unix(),
	}

	h.mu.Lock()
	var slow []*client
	for cl := range h.conns {
		select {
		case cl.send <- fr:
		default:
			slow = append(slow, cl)
		}
	}
	for _, cl := range slow {
		delete(h.conns, cl)
		close(cl.send)
	}
	h.mu.Unlock()

	if len(slow) > 0 {
		h.logger.Warn("dropped slow stream clients", zap.Int("count", len(slow)))
	}
}

func (h *Handler) drop(cl *client) {
	h.mu.Lock()
	if _, ok := h.conns[cl]; ok {
		delete(h.conns, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}
