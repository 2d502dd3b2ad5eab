package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codedeck/ecpd/internal/domain/auth"
	"github.com/codedeck/ecpd/internal/domain/middleware"
	"github.com/codedeck/ecpd/pkg/ecp"
)

// Close codes used on top of the RFC 6455 registered range.
const (
	CloseAuthTimeout  = 4000
	CloseAuthRejected = 4001
)

const (
	// sendBufferSize is the per-connection outbound queue depth. A full
	// queue drops the frame rather than blocking the producer.
	sendBufferSize = 256

	// maxMessageSize caps a single inbound frame.
	maxMessageSize = 1 << 20

	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second
)

// frame is one queued outbound WebSocket message.
type frame struct {
	messageType int
	data        []byte
}

// Conn is the server-side record for one WebSocket connection. The read
// loop is the only writer of the auth state; everything else reads it
// under the lock. All outbound traffic funnels through the send queue
// consumed by a single writer goroutine, so wire writes never race.
type Conn struct {
	id     uint64
	ws     *websocket.Conn
	remote string
	logger *slog.Logger

	send chan frame
	done chan struct{}

	closeOnce sync.Once

	connectedAt  time.Time
	lastActivity atomic.Int64

	mu            sync.RWMutex
	state         auth.State
	sessionID     string
	clientID      string
	clientName    string
	clientVersion string
	caller        middleware.Caller

	// handshakeTimer fires when the connection stays Pending past the
	// deadline. Stopped on the state flip, under mu.
	handshakeTimer *time.Timer
}

func newConn(id uint64, ws *websocket.Conn, logger *slog.Logger) *Conn {
	c := &Conn{
		id:          id,
		ws:          ws,
		remote:      ws.RemoteAddr().String(),
		logger:      logger,
		send:        make(chan frame, sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		state:       auth.StatePending,
		caller:      middleware.Caller{Type: middleware.CallerHuman},
	}
	c.touch()
	return c
}

// touch records inbound activity for staleness tracking.
func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the connection has been silent.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// State returns the current auth state.
func (c *Conn) State() auth.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID returns the session id, empty until authenticated.
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ClientID returns the client id, empty until authenticated.
func (c *Conn) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Caller returns the identity asserted at handshake time.
func (c *Conn) Caller() middleware.Caller {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// setAuthenticated flips Pending to Authenticated and cancels the
// handshake timer atomically with the state change. Returns false when
// the connection already left Pending.
func (c *Conn) setAuthenticated(sessionID, clientID string, info clientInfo, caller middleware.Caller) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != auth.StatePending {
		return false
	}
	c.state = auth.StateAuthenticated
	c.sessionID = sessionID
	c.clientID = clientID
	c.clientName = info.Name
	c.clientVersion = info.Version
	c.caller = caller
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	return true
}

// setRejected flips Pending to Rejected. Returns false when the
// connection already left Pending.
func (c *Conn) setRejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != auth.StatePending {
		return false
	}
	c.state = auth.StateRejected
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	return true
}

func (c *Conn) armHandshakeTimer(d time.Duration, onExpire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakeTimer = time.AfterFunc(d, onExpire)
}

// enqueue queues an outbound frame. Returns false when the connection
// is closed or the queue is full; the frame is dropped either way.
func (c *Conn) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		c.logger.Warn("send buffer full, dropping frame", "conn_id", c.id)
		return false
	}
}

// sendJSON marshals v and queues it as a text frame.
func (c *Conn) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal outbound message", "conn_id", c.id, "error", err)
		return false
	}
	return c.enqueue(frame{messageType: websocket.TextMessage, data: data})
}

// sendResponse queues a JSON-RPC response.
func (c *Conn) sendResponse(resp *ecp.Response) bool {
	return c.sendJSON(resp)
}

// sendNotification queues a server-initiated notification.
func (c *Conn) sendNotification(method string, params any) bool {
	return c.sendJSON(ecp.NewNotification(method, params))
}

// sendPing queues a WebSocket ping control frame.
func (c *Conn) sendPing() bool {
	return c.enqueue(frame{messageType: websocket.PingMessage})
}

// closeWith queues a close frame with the given status code, then tears
// the connection down. Safe to call more than once; only the first call
// wins.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		select {
		case c.send <- frame{messageType: websocket.CloseMessage, data: msg}:
		default:
			// Writer is wedged or the queue is full; close the socket
			// directly so the read loop unblocks.
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		close(c.done)
	})
}

// writePump is the single writer for the connection. It exits after a
// close frame is written or the socket errors; the deferred Close
// unblocks the read loop.
func (c *Conn) writePump() {
	defer func() {
		_ = c.ws.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
			if f.messageType == websocket.CloseMessage {
				return
			}
		case <-c.done:
			// Drain anything queued before the close frame raced in.
			for {
				select {
				case f := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
						return
					}
					if f.messageType == websocket.CloseMessage {
						return
					}
				default:
					return
				}
			}
		}
	}
}
