package metrics

import "sync"

// Counter names. Names are intentionally simple; a follow-up metrics task can
// standardize and export these via a richer backend.
const (
	RoomsCreated   = "rooms_created"
	RoomsDestroyed = "rooms_destroyed"
	RoomJoins      = "room_joins"
	PartnerJoined  = "partner_joined_sent"
	PartnerLeft    = "partner_left_sent"
	SignalsRelayed = "signals_relayed"

	DropReasonTargetAbsent = "drop_target_absent"
	DropReasonNotInRoom    = "drop_not_in_room"
	DropReasonRateLimited  = "drop_rate_limited"
	DropReasonBadMessage   = "drop_bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production relay is expected to plug into a real metrics backend; this
// type exists to keep the hub's accounting testable and to provide drop
// counters for the signaling path.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
