// Package signalclient maintains a client connection to the signaling relay
// and fans inbound envelopes out to typed subscribers.
//
// This is the only surface the call coordinator needs from the transport: it
// never sees WebSocket frames, only parsed envelopes.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/duetapp/duet-rtc/internal/protocol"
)

const writeWait = 10 * time.Second

var ErrClosed = errors.New("signalclient: connection closed")

type Options struct {
	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// Client is a connection to the signaling relay. Construct with New, then
// Connect and JoinRoom. Safe for concurrent use.
type Client struct {
	url    string
	log    *slog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[*subscription]struct{}
	err    error
	done   chan struct{}
	closed bool
}

type subscription struct {
	kinds map[protocol.Kind]struct{}
	ch    chan protocol.Envelope
}

func New(url string, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		url:    url,
		log:    log,
		dialer: dialer,
		subs:   make(map[*subscription]struct{}),
		done:   make(chan struct{}),
	}
}

// Connect dials the relay. Calling it again on a live connection is a no-op,
// so UI code can call it on every "start call" tap without bookkeeping.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial signaling relay: %w", err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return nil
}

// JoinRoom announces identity to the relay. The partner-joined notification
// arrives through subscriptions once both members are present.
func (c *Client) JoinRoom(roomID, userID string) error {
	return c.send(protocol.JoinRoom(roomID, userID))
}

func (c *Client) SendOffer(targetUserID string, sdp webrtc.SessionDescription) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	return c.send(protocol.Envelope{Type: protocol.KindOffer, TargetUserID: targetUserID, Offer: raw})
}

func (c *Client) SendAnswer(targetUserID string, sdp webrtc.SessionDescription) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	return c.send(protocol.Envelope{Type: protocol.KindAnswer, TargetUserID: targetUserID, Answer: raw})
}

func (c *Client) SendCandidate(targetUserID string, candidate webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	return c.send(protocol.Envelope{Type: protocol.KindCandidate, TargetUserID: targetUserID, Candidate: raw})
}

// Broadcast sends an application payload to everyone else in the room.
func (c *Client) Broadcast(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	return c.send(protocol.Envelope{Type: protocol.KindBroadcast, Payload: raw})
}

func (c *Client) send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.conn == nil {
		return errors.New("signalclient: not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// Subscribe returns a channel receiving envelopes of the given kinds, or all
// kinds when none are named. The channel closes when the connection ends;
// cancel releases the subscription early.
func (c *Client) Subscribe(kinds ...protocol.Kind) (<-chan protocol.Envelope, func()) {
	sub := &subscription{ch: make(chan protocol.Envelope, 16)}
	if len(kinds) > 0 {
		sub.kinds = make(map[protocol.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	c.mu.Lock()
	if c.err != nil || c.closed {
		c.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[sub]; ok {
				delete(c.subs, sub)
				close(sub.ch)
			}
			c.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Done closes when the connection terminates for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. Nil while live; ErrClosed after a
// local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	c.fail(ErrClosed)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				c.fail(ErrClosed)
			} else {
				c.fail(fmt.Errorf("signaling connection lost: %w", err))
			}
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			// The relay never sends malformed envelopes; treat this as a
			// broken connection rather than skipping messages.
			_ = conn.Close()
			c.fail(fmt.Errorf("malformed envelope from relay: %w", err))
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[env.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- env:
		default:
			// A stalled subscriber must not block the rest; candidates are
			// regenerated by ICE restarts, so dropping beats deadlocking.
			c.log.Warn("signal subscriber queue full, dropping", "type", env.Type)
		}
	}
}

// fail records the terminal error once and closes every subscription.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	for sub := range c.subs {
		close(sub.ch)
	}
	c.subs = make(map[*subscription]struct{})
	close(c.done)
}
