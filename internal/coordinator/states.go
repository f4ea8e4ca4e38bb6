package coordinator

import "github.com/pion/webrtc/v4"

// State is the coordinator's call lifecycle state. Ended is transient: the
// coordinator announces it and immediately settles back to Idle, ready for
// the next call.
type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring_media"
	StateOffering       State = "offering"
	StateAnswering      State = "answering"
	StateNegotiating    State = "negotiating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateEnded          State = "ended"
)

// active reports whether a peer session exists or is being set up.
func (s State) active() bool {
	return s != StateIdle && s != StateEnded
}

// Role distinguishes the two sides of a negotiation. The later joiner of a
// room always initiates toward the settled member.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// EventKind tags events delivered to the UI adapter.
type EventKind string

const (
	// EventStateChanged carries the new State.
	EventStateChanged EventKind = "state_changed"

	// EventRemoteTrack carries a newly arrived remote media track.
	EventRemoteTrack EventKind = "remote_track"

	// EventMediaError reports a failed local media acquisition. The
	// coordinator stays in Idle; the UI decides how to prompt the user.
	EventMediaError EventKind = "media_error"

	// EventCallEnded reports why a call ended alongside the Ended state
	// transition.
	EventCallEnded EventKind = "call_ended"
)

// EndReason explains an EventCallEnded.
type EndReason string

const (
	EndReasonHangup        EndReason = "hangup"
	EndReasonPartnerLeft   EndReason = "partner_left"
	EndReasonConnFailed    EndReason = "connectivity_failed"
	EndReasonSignalingLost EndReason = "signaling_lost"
	EndReasonReplaced      EndReason = "replaced"
)

// Event is what the coordinator exposes to its UI adapter.
type Event struct {
	Kind   EventKind
	State  State
	Track  *webrtc.TrackRemote
	Reason EndReason
	Err    error
}
