// Package websocket serves live report updates to browser viewers.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/couchcryptid/crop-report-service/internal/hub"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Transport writes hub events to one WebSocket connection as JSON text frames.
type Transport struct {
	conn *websocket.Conn
}

// NewTransport wraps an upgraded connection.
func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

// Send writes ev, bounded by the write timeout or ctx's deadline if sooner.
func (t *Transport) Send(ctx context.Context, ev hub.Event) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteJSON(ev)
}

// Close sends a close frame and closes the underlying connection.
func (t *Transport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Handler upgrades requests to WebSocket and subscribes each connection to the hub.
type Handler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	buffer   int
	logger   *slog.Logger
}

// NewHandler creates a Handler. An empty allowedOrigins accepts any origin.
func NewHandler(h *hub.Hub, buffer int, allowedOrigins []string, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    h,
		buffer: buffer,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	session := h.hub.NewSession(NewTransport(conn), h.buffer)
	if err := h.hub.Subscribe(session); err != nil {
		h.logger.Info("websocket rejected", "remote_addr", r.RemoteAddr, "error", err)
		_ = session.Close()
		return
	}
	h.logger.Info("viewer connected", "session_id", session.ID(), "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := session.Run(ctx); err != nil {
			h.logger.Debug("websocket session ended", "session_id", session.ID(), "error", err)
		}
	}()
	go keepalive(conn, session)

	readPump(conn, h.logger)
	_ = session.Close()
	h.logger.Info("viewer disconnected", "session_id", session.ID())
}

// readPump discards viewer messages and returns once the peer is gone or
// stops answering pings.
func readPump(conn *websocket.Conn, logger *slog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func keepalive(conn *websocket.Conn, session *hub.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = session.Close()
				return
			}
		}
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(allowed) == 0 || origin == "" {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}
