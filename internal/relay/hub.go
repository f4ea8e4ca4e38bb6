package relay

import (
	"log/slog"

	"github.com/duetapp/duet-rtc/internal/metrics"
	"github.com/duetapp/duet-rtc/internal/protocol"
)

type inboundEnvelope struct {
	client *Client
	env    protocol.Envelope
}

// Hub owns all room membership state. A single goroutine serializes joins,
// departures, and message routing, so rooms and clients need no locks.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEnvelope
	done       chan struct{}
	stopped    chan struct{}

	// Owned by run().
	rooms   map[string]*room
	clients map[*Client]struct{}
}

func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:        log,
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundEnvelope, 64),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		rooms:      make(map[string]*room),
		clients:    make(map[*Client]struct{}),
	}
}

// Run processes hub events until Close is called. It must run on its own
// goroutine before any connection is accepted.
func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			h.drop(c)
		case in := <-h.inbound:
			h.route(in.client, in.env)
		case <-h.done:
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

// Close shuts the hub down and disconnects every client. Safe to call once.
func (h *Hub) Close() {
	close(h.done)
	<-h.stopped
}

func (h *Hub) route(c *Client, env protocol.Envelope) {
	if _, registered := h.clients[c]; !registered {
		// A message raced its own connection's teardown.
		return
	}
	switch env.Type {
	case protocol.KindJoinRoom:
		h.join(c, env.RoomID, env.UserID)
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate:
		h.forward(c, env)
	case protocol.KindBroadcast:
		h.broadcast(c, env)
	}
}

// join places c into the room named roomID as userID. Joining twice with the
// same identity is a no-op; joining as a user id that already has a live
// connection replaces that connection, which covers a page reload racing its
// own socket teardown.
func (h *Hub) join(c *Client, roomID, userID string) {
	if c.roomID != "" {
		if c.roomID == roomID && c.userID == userID {
			return
		}
		h.evict(c, "already_joined", "connection is already in a room")
		return
	}

	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom(roomID)
		h.rooms[roomID] = r
		h.metrics.Inc(metrics.RoomsCreated)
		h.log.Info("room created", "room_id", roomID)
	}

	if !r.hasVacancyFor(userID) {
		h.evict(c, "room_full", "room already has two participants")
		return
	}

	c.roomID = roomID
	c.userID = userID
	if stale := r.add(c); stale != nil {
		// Detach the stale connection before dropping it so its departure
		// cannot evict the replacement or fire a partner-left.
		stale.roomID = ""
		stale.userID = ""
		h.drop(stale)
		h.log.Info("stale connection replaced", "room_id", roomID, "user_id", userID)
	}
	h.metrics.Inc(metrics.RoomJoins)
	h.log.Info("user joined room", "room_id", roomID, "user_id", userID, "occupancy", len(r.members))

	// On the transition to a full room, both sides learn about each other.
	// The existing flag tells the newcomer it should initiate.
	if other := r.other(userID); other != nil {
		h.deliver(other, protocol.PartnerJoined(userID, false))
		h.deliver(c, protocol.PartnerJoined(other.userID, true))
		h.metrics.Inc(metrics.PartnerJoined)
	}
}

// forward relays a signal verbatim to its target, retagged with the sender's
// identity. Absent targets are dropped silently; signaling races against
// departures are normal, not errors.
func (h *Hub) forward(c *Client, env protocol.Envelope) {
	r := h.roomOf(c)
	if r == nil {
		h.metrics.Inc(metrics.DropReasonNotInRoom)
		return
	}
	target, ok := r.member(env.TargetUserID)
	if !ok || target == c {
		h.metrics.Inc(metrics.DropReasonTargetAbsent)
		h.log.Debug("signal target absent", "room_id", r.id, "from", c.userID, "to", env.TargetUserID, "type", env.Type)
		return
	}
	h.deliver(target, env.Forwarded(c.userID))
	h.metrics.Inc(metrics.SignalsRelayed)
}

// broadcast fans an application payload out to everyone else in the room.
func (h *Hub) broadcast(c *Client, env protocol.Envelope) {
	r := h.roomOf(c)
	if r == nil {
		h.metrics.Inc(metrics.DropReasonNotInRoom)
		return
	}
	out := env.Forwarded(c.userID)
	for _, other := range r.others(c.userID) {
		h.deliver(other, out)
	}
}

func (h *Hub) roomOf(c *Client) *room {
	if c.roomID == "" {
		return nil
	}
	return h.rooms[c.roomID]
}

// drop removes a disconnected client from its room and notifies the
// remaining member.
func (h *Hub) drop(c *Client) {
	if _, registered := h.clients[c]; !registered {
		return
	}
	delete(h.clients, c)
	c.closeSend()

	r := h.roomOf(c)
	if r == nil || !r.remove(c) {
		return
	}
	h.log.Info("user left room", "room_id", r.id, "user_id", c.userID)
	if other := r.other(c.userID); other != nil {
		h.deliver(other, protocol.PartnerLeft(c.userID))
		h.metrics.Inc(metrics.PartnerLeft)
	}
	if r.empty() {
		h.destroyRoom(r)
	}
}

func (h *Hub) destroyRoom(r *room) {
	if _, ok := h.rooms[r.id]; !ok {
		// Already destroyed by a cascading drop of the other member.
		return
	}
	delete(h.rooms, r.id)
	h.metrics.Inc(metrics.RoomsDestroyed)
	h.log.Info("room destroyed", "room_id", r.id)
}

// deliver enqueues env for c, evicting c if its send queue is full.
func (h *Hub) deliver(c *Client, env protocol.Envelope) {
	if !c.enqueue(env) {
		h.log.Warn("send queue full, disconnecting", "user_id", c.userID, "conn_id", c.connID)
		h.drop(c)
	}
}

// evict sends an error to the client and tears the connection down. The
// error rides the send queue ahead of the close that drop triggers.
func (h *Hub) evict(c *Client, code, message string) {
	c.enqueue(protocol.Error(code, message))
	h.drop(c)
}
