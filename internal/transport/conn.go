// Package transport owns the WebSocket socket for a single connected
// agent: framing, heartbeats, and the single-writer discipline that keeps
// a JSON header and its paired binary frame from ever interleaving with
// another goroutine's write. It knows nothing about agent identity or
// command correlation — that's the Agent Registry's job.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kandev/controlplane/internal/common/logger"
	"go.uber.org/zap"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// maxMessageSize is the largest inbound frame accepted from a peer.
	maxMessageSize = 4 * 1024 * 1024 // 4MB, generous enough for a binary stream frame
)

// item is one queued outbound write: either a JSON text frame or a binary
// frame. Items are written to the socket strictly in enqueue order by the
// single writer goroutine, which is what gives header/binary pairs their
// atomicity guarantee.
type item struct {
	messageType int
	data        []byte
}

// Conn wraps a single *websocket.Conn with a buffered outbound queue and a
// dedicated writer goroutine (the single-writer discipline required by
// the concurrency model: outbound writes on one connection must never
// interleave).
type Conn struct {
	ws     *websocket.Conn
	send   chan item
	log    *logger.Logger
	pairMu sync.Mutex // held across a header+binary pair's two enqueues

	mu     sync.Mutex
	closed bool
}

// NewConn wraps an already-upgraded WebSocket connection.
func NewConn(ws *websocket.Conn, log *logger.Logger) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan item, 256),
		log:  log,
	}
}

// SendJSON enqueues a single JSON text frame.
func (c *Conn) SendJSON(data []byte) bool {
	return c.enqueue(item{messageType: websocket.TextMessage, data: data})
}

// SendPair enqueues a JSON header frame immediately followed by a binary
// frame, holding pairMu across both enqueues so no other goroutine's
// frame can be interleaved between them by the writer.
func (c *Conn) SendPair(header, binary []byte) bool {
	c.pairMu.Lock()
	defer c.pairMu.Unlock()
	if !c.enqueue(item{messageType: websocket.TextMessage, data: header}) {
		return false
	}
	return c.enqueue(item{messageType: websocket.BinaryMessage, data: binary})
}

func (c *Conn) enqueue(it item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- it:
		return true
	default:
		c.log.Warn("connection send buffer full, dropping frame")
		return false
	}
}

// Close marks the connection closed and stops its writer goroutine. Safe
// to call multiple times.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadLoop reads frames until the socket errors or closes, invoking
// onMessage for each one. It blocks until the connection ends.
func (c *Conn) ReadLoop(onMessage func(messageType int, data []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		onMessage(messageType, data)
	}
}

// WritePump drains the send queue to the socket, pinging at pingPeriod.
// Runs until the send channel is closed or a write fails; closes the
// underlying socket on exit.
func (c *Conn) WritePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case it, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(it.messageType, it.data); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// CloseWithCode sends a close frame with the given status code and reason,
// then closes the underlying socket. Used for the protocol's documented
// close codes (1000, 4000, 4001, 1008, 1001).
func (c *Conn) CloseWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.ws.Close()
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
