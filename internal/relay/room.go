package relay

// maxRoomMembers caps occupancy. Calls are strictly one to one.
const maxRoomMembers = 2

// room tracks the currently connected members of one couple's room.
//
// Rooms are created implicitly on first join and garbage-collected by the hub
// when the last member leaves. Membership is purely in-memory: it reflects
// open connections only and does not survive a relay restart.
//
// All access happens on the hub goroutine; no locking here.
type room struct {
	id      string
	members map[string]*Client // user id -> connection
}

func newRoom(id string) *room {
	return &room{
		id:      id,
		members: make(map[string]*Client),
	}
}

func (r *room) empty() bool { return len(r.members) == 0 }

// member returns the connection currently registered for userID, if any.
func (r *room) member(userID string) (*Client, bool) {
	c, ok := r.members[userID]
	return c, ok
}

// others returns all members except userID. With the two-party rooms this
// application uses that is at most one client, but the room model itself does
// not enforce a cap.
func (r *room) others(userID string) []*Client {
	out := make([]*Client, 0, len(r.members))
	for id, c := range r.members {
		if id != userID {
			out = append(out, c)
		}
	}
	return out
}

// other returns the one member that is not userID, or nil if the user is
// alone in the room.
func (r *room) other(userID string) *Client {
	for id, c := range r.members {
		if id != userID {
			return c
		}
	}
	return nil
}

// hasVacancyFor reports whether userID may join: a seat is free, or userID
// already holds one and the new connection will replace the old.
func (r *room) hasVacancyFor(userID string) bool {
	if _, ok := r.members[userID]; ok {
		return true
	}
	return len(r.members) < maxRoomMembers
}

// add registers c as the connection for its user id, returning the replaced
// stale connection when the same user id was already present.
func (r *room) add(c *Client) (replaced *Client) {
	prev := r.members[c.userID]
	r.members[c.userID] = c
	if prev != nil && prev != c {
		replaced = prev
	}
	return replaced
}

// remove deletes c's membership. It is identity-checked: a stale connection
// that was already replaced by a newer one for the same user id must not
// evict its replacement.
func (r *room) remove(c *Client) bool {
	cur, ok := r.members[c.userID]
	if !ok || cur != c {
		return false
	}
	delete(r.members, c.userID)
	return true
}
