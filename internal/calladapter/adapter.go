// Package calladapter translates coordinator state into user-facing call
// controls: status display, mute and camera toggles, speaker, and the visual
// filter shared with the partner.
package calladapter

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/duetapp/duet-rtc/internal/coordinator"
	"github.com/duetapp/duet-rtc/internal/protocol"
)

// Status is what the call screen renders. It is a flattened view of the
// coordinator's states.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRequestingMedia Status = "requesting_media"
	StatusCalling         Status = "calling"
	StatusInCall          Status = "in_call"
	StatusReconnecting    Status = "reconnecting"
	StatusEnded           Status = "ended"
	StatusMediaDenied     Status = "media_denied"
)

// CallController is the slice of the coordinator the adapter drives.
type CallController interface {
	StartCall()
	Hangup()
	Events() <-chan coordinator.Event
}

// RoomSignaler carries the non-negotiation room traffic: toggle and filter
// sync with the partner.
type RoomSignaler interface {
	Broadcast(payload any) error
	Subscribe(kinds ...protocol.Kind) (<-chan protocol.Envelope, func())
}

// roomMessage is the broadcast payload shared between the two call screens.
type roomMessage struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
	On    bool   `json:"on"`
}

const (
	msgFilter = "filter"
	msgMic    = "mic"
	msgCamera = "camera"
)

// Snapshot is the adapter's full view of the call, delivered to the change
// callback after every update.
type Snapshot struct {
	Status       Status
	MicOn        bool
	CameraOn     bool
	SpeakerOn    bool
	Filter       string
	PartnerState PartnerState
	RemoteTracks []*webrtc.TrackRemote
}

// PartnerState mirrors what the partner broadcast about their own controls.
type PartnerState struct {
	MicOn    bool
	CameraOn bool
	Filter   string
}

type Options struct {
	Logger *slog.Logger

	// OnChange is invoked after every snapshot update. Optional; callers
	// may poll Snapshot instead.
	OnChange func(Snapshot)
}

type Adapter struct {
	ctrl CallController
	sig  RoomSignaler
	log  *slog.Logger

	onChange func(Snapshot)

	cancelSub func()
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	snap Snapshot
}

func New(ctrl CallController, sig RoomSignaler, opts Options) *Adapter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		ctrl:     ctrl,
		sig:      sig,
		log:      log,
		onChange: opts.OnChange,
		done:     make(chan struct{}),
		snap: Snapshot{
			Status:    StatusIdle,
			MicOn:     true,
			CameraOn:  true,
			SpeakerOn: true,
			PartnerState: PartnerState{
				MicOn:    true,
				CameraOn: true,
			},
		},
	}

	broadcasts, cancel := sig.Subscribe(protocol.KindBroadcast)
	a.cancelSub = cancel
	go a.consume(broadcasts)
	return a
}

// StartCall asks the coordinator to begin a call as soon as the partner is
// available.
func (a *Adapter) StartCall() { a.ctrl.StartCall() }

// EndCall hangs up. Valid at any time; redundant calls are harmless.
func (a *Adapter) EndCall() { a.ctrl.Hangup() }

// Snapshot returns the current call view.
func (a *Adapter) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// ToggleMic flips the microphone flag, tells the partner, and returns the
// new value.
func (a *Adapter) ToggleMic() bool {
	return a.toggle(msgMic, func(s *Snapshot) *bool { return &s.MicOn })
}

// ToggleCamera flips the camera flag, tells the partner, and returns the new
// value.
func (a *Adapter) ToggleCamera() bool {
	return a.toggle(msgCamera, func(s *Snapshot) *bool { return &s.CameraOn })
}

// ToggleSpeaker flips audio output locally. The partner does not need to
// know.
func (a *Adapter) ToggleSpeaker() bool {
	a.mu.Lock()
	a.snap.SpeakerOn = !a.snap.SpeakerOn
	on := a.snap.SpeakerOn
	snap := a.snap
	a.mu.Unlock()
	a.notify(snap)
	return on
}

// SetFilter applies a named visual filter and syncs it to the partner so
// both screens render the same effect.
func (a *Adapter) SetFilter(name string) {
	a.mu.Lock()
	a.snap.Filter = name
	snap := a.snap
	a.mu.Unlock()
	a.notify(snap)

	if err := a.sig.Broadcast(roomMessage{Kind: msgFilter, Value: name, On: true}); err != nil {
		a.log.Warn("broadcast filter", "err", err)
	}
}

func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.cancelSub()
		close(a.done)
	})
}

func (a *Adapter) toggle(kind string, field func(*Snapshot) *bool) bool {
	a.mu.Lock()
	f := field(&a.snap)
	*f = !*f
	on := *f
	snap := a.snap
	a.mu.Unlock()
	a.notify(snap)

	if err := a.sig.Broadcast(roomMessage{Kind: kind, On: on}); err != nil {
		a.log.Warn("broadcast toggle", "kind", kind, "err", err)
	}
	return on
}

// consume merges coordinator events and partner broadcasts into the
// snapshot.
func (a *Adapter) consume(broadcasts <-chan protocol.Envelope) {
	events := a.ctrl.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				if broadcasts == nil {
					return
				}
				continue
			}
			a.onEvent(ev)
		case env, ok := <-broadcasts:
			if !ok {
				broadcasts = nil
				if events == nil {
					return
				}
				continue
			}
			a.onBroadcast(env)
		case <-a.done:
			return
		}
	}
}

func (a *Adapter) onEvent(ev coordinator.Event) {
	a.mu.Lock()
	switch ev.Kind {
	case coordinator.EventStateChanged:
		a.snap.Status = statusFor(ev.State)
		if ev.State == coordinator.StateIdle {
			a.snap.RemoteTracks = nil
		}
	case coordinator.EventRemoteTrack:
		a.snap.RemoteTracks = append(a.snap.RemoteTracks, ev.Track)
	case coordinator.EventMediaError:
		a.snap.Status = StatusMediaDenied
	case coordinator.EventCallEnded:
		a.snap.Status = StatusEnded
	}
	snap := a.snap
	a.mu.Unlock()
	a.notify(snap)
}

func (a *Adapter) onBroadcast(env protocol.Envelope) {
	var msg roomMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		a.log.Warn("malformed room broadcast", "from", env.SenderID, "err", err)
		return
	}
	a.mu.Lock()
	switch msg.Kind {
	case msgFilter:
		a.snap.PartnerState.Filter = msg.Value
	case msgMic:
		a.snap.PartnerState.MicOn = msg.On
	case msgCamera:
		a.snap.PartnerState.CameraOn = msg.On
	default:
		a.mu.Unlock()
		return
	}
	snap := a.snap
	a.mu.Unlock()
	a.notify(snap)
}

func (a *Adapter) notify(snap Snapshot) {
	if a.onChange != nil {
		a.onChange(snap)
	}
}

func statusFor(s coordinator.State) Status {
	switch s {
	case coordinator.StateIdle:
		return StatusIdle
	case coordinator.StateAcquiringMedia:
		return StatusRequestingMedia
	case coordinator.StateOffering, coordinator.StateAnswering, coordinator.StateNegotiating:
		return StatusCalling
	case coordinator.StateConnected:
		return StatusInCall
	case coordinator.StateReconnecting:
		return StatusReconnecting
	case coordinator.StateEnded:
		return StatusEnded
	default:
		return StatusIdle
	}
}
