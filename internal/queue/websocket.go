package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
)

// WSConn adapts a websocket to Conn. Writes are serialized; reads belong to
// the goroutine running Serve.
type WSConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws, done: make(chan struct{})}
}

// Send writes one text frame.
func (c *WSConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Serve attaches ws to pool as sessionID and relays its messages until the
// socket closes. Actor calls outlive ctx cancellation so the disconnect is
// always recorded.
func (s *Service) Serve(ctx context.Context, pool, sessionID string, ws *websocket.Conn) error {
	conn := NewWSConn(ws)
	ctx = context.WithoutCancel(ctx)

	if err := s.Connect(ctx, pool, sessionID, conn); err != nil {
		_ = conn.Close()
		return err
	}
	slog.Info("worker connected", "pool", pool, "session_id", sessionID)

	defer func() {
		if err := s.Disconnect(ctx, pool, sessionID, conn); err != nil {
			slog.Error("recording worker disconnect failed", "pool", pool, "session_id", sessionID, "error", err)
		}
		_ = conn.Close()
		slog.Info("worker disconnected", "pool", pool, "session_id", sessionID)
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go conn.keepalive()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				slog.Warn("worker connection error", "pool", pool, "session_id", sessionID, "error", err)
			}
			return nil
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		if err := s.Receive(ctx, pool, sessionID, conn, data); err != nil {
			slog.Error("handling worker message failed", "pool", pool, "session_id", sessionID, "error", err)
		}
	}
}
