package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duetapp/duet-rtc/internal/metrics"
	"github.com/duetapp/duet-rtc/internal/protocol"
	"github.com/duetapp/duet-rtc/internal/ratelimit"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Outbound queue depth per connection. Signaling traffic is a handful of
	// messages per call setup; a full queue means the reader is gone.
	sendQueueDepth = 32
)

// Client wraps a single signaling WebSocket connection.
//
// The hub goroutine owns userID/roomID after registration; the read and write
// pumps own the conn. There is at most one reader and one writer per
// connection, following the gorilla contract.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger

	// connID distinguishes connections when one user reconnects and the stale
	// connection is still draining.
	connID string

	// send carries outbound envelopes to the write pump. Closed via
	// closeSend by the hub on unregister; the mutex keeps the read pump's
	// error reporting from racing that close.
	mu         sync.Mutex
	send       chan protocol.Envelope
	sendClosed bool
	closeCode  int

	limiter *ratelimit.MessageLimiter

	maxMessageBytes int64
	idleTimeout     time.Duration
	pingInterval    time.Duration

	// Hub-owned after the join-room handshake.
	userID string
	roomID string
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	return &Client{
		hub:    s.Hub,
		conn:   conn,
		log:    s.logger(),
		connID: uuid.NewString(),
		send:   make(chan protocol.Envelope, sendQueueDepth),
		limiter: ratelimit.NewMessageLimiter(ratelimit.RealClock{}, s.maxMessagesPerSecond()),
		maxMessageBytes: s.maxMessageBytes(),
		idleTimeout:     s.idleTimeout(),
		pingInterval:    s.pingInterval(),
	}
}

// readPump pumps envelopes from the connection to the hub. It terminates on
// read error, protocol violation, or rate-limit breach; the deferred
// unregister is what removes the client from its room.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("signaling read failed", "conn_id", c.connID, "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

		// Apply the rate limit *after* reading so bytes already in the TCP
		// receive buffer are consumed. Closing with unread data pending can
		// turn into an abortive close (RST) and the client never observes the
		// close code.
		if !c.limiter.Allow() {
			c.hub.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData)
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			c.hub.metrics.Inc(metrics.DropReasonBadMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation)
			return
		}
		if !inboundKind(env) {
			c.fail("bad_message", "message type not accepted from clients", websocket.ClosePolicyViolation)
			return
		}

		select {
		case c.hub.inbound <- inboundEnvelope{client: c, env: env}:
		case <-c.hub.done:
			return
		}
	}
}

// inboundKind reports whether env is something a client may send to the
// relay. Membership notifications and sender-tagged signals are relay-origin
// only.
func inboundKind(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.KindJoinRoom, protocol.KindBroadcast:
		return env.SenderID == ""
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate:
		return env.TargetUserID != ""
	default:
		return false
	}
}

// writePump pumps envelopes from the send queue to the connection and keeps
// the connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Queue drained and closed; say goodbye properly.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.currentCloseCode(), ""))
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error("marshal outbound envelope", "err", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands env to the write pump without blocking the hub. A full queue
// means the connection stopped draining; the envelope is dropped and the
// caller decides whether to evict the client.
func (c *Client) enqueue(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound queue down, which makes the write pump send a
// close frame and exit. Idempotent.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// fail reports a protocol failure to the client and shuts the outbound queue
// down. The write pump drains the error envelope first and then sends a
// close frame with the given code, so the client always sees the reason
// before the close.
func (c *Client) fail(code, message string, closeCode int) {
	c.enqueue(protocol.Error(code, message))
	c.mu.Lock()
	c.closeCode = closeCode
	c.mu.Unlock()
	c.closeSend()
}

func (c *Client) currentCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode != 0 {
		return c.closeCode
	}
	return websocket.CloseNormalClosure
}
