// Package coordinator owns the client-side call state machine: it decides
// when to originate or answer a session, drives the peer connection through
// negotiation, and reacts to connectivity changes. At most one peer session
// is active per coordinator; starting a new one always tears down the
// previous one first.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duetapp/duet-rtc/internal/protocol"
)

// Signaler is the only surface the coordinator needs from the realtime
// layer. signalclient.Client satisfies it; tests use an in-memory pair.
type Signaler interface {
	JoinRoom(roomID, userID string) error
	SendOffer(targetUserID string, sdp webrtc.SessionDescription) error
	SendAnswer(targetUserID string, sdp webrtc.SessionDescription) error
	SendCandidate(targetUserID string, candidate webrtc.ICECandidateInit) error
	Subscribe(kinds ...protocol.Kind) (<-chan protocol.Envelope, func())
}

const (
	// DefaultPartnerLeftGrace keeps a connected call alive briefly after a
	// partner-left notification, since a page reload rejoins within seconds.
	DefaultPartnerLeftGrace = 10 * time.Second

	// DefaultRestartTimeout bounds how long a failed session may spend in
	// ICE-restart recovery before the call ends.
	DefaultRestartTimeout = 15 * time.Second

	maxICERestarts = 1
)

type Config struct {
	RoomID string
	UserID string

	Signals Signaler
	API     *webrtc.API
	WebRTC  webrtc.Configuration
	Media   MediaSource
	Logger  *slog.Logger

	// PartnerLeftGrace overrides DefaultPartnerLeftGrace. Negative means end
	// the call immediately on partner-left.
	PartnerLeftGrace time.Duration

	// RestartTimeout overrides DefaultRestartTimeout.
	RestartTimeout time.Duration
}

// Coordinator runs a single event loop; all state lives on that loop. Public
// methods are safe from any goroutine.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	cmds   chan func()
	events chan Event
	stop   chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	stateMu     sync.Mutex
	publicState State

	// Everything below is owned by the event loop.
	state   State
	session *peerSession
	partner string
	tracks  *TrackSet

	acquiring     bool
	acquireGen    int
	acquireCancel context.CancelFunc
	pending       pendingTrigger

	graceGen   int
	restartGen int

	signalingLost bool
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingInitiate
	pendingAnswer
)

// pendingTrigger records the call trigger that arrived while media
// acquisition was still in flight, so one acquisition serves whichever
// trigger came last.
type pendingTrigger struct {
	kind   pendingKind
	sender string
	offer  webrtc.SessionDescription
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.RoomID == "" || cfg.UserID == "" {
		return nil, errors.New("coordinator: room id and user id are required")
	}
	if cfg.Signals == nil || cfg.API == nil || cfg.Media == nil {
		return nil, errors.New("coordinator: signals, api, and media are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PartnerLeftGrace == 0 {
		cfg.PartnerLeftGrace = DefaultPartnerLeftGrace
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = DefaultRestartTimeout
	}

	return &Coordinator{
		cfg:         cfg,
		log:         cfg.Logger.With("room_id", cfg.RoomID, "user_id", cfg.UserID),
		cmds:        make(chan func(), 64),
		events:      make(chan Event, 64),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateIdle,
		publicState: StateIdle,
	}, nil
}

// Start joins the room and begins processing events. Call once.
func (c *Coordinator) Start() error {
	sub, cancel := c.cfg.Signals.Subscribe(
		protocol.KindPartnerJoined,
		protocol.KindPartnerLeft,
		protocol.KindOffer,
		protocol.KindAnswer,
		protocol.KindCandidate,
		protocol.KindError,
	)
	if err := c.cfg.Signals.JoinRoom(c.cfg.RoomID, c.cfg.UserID); err != nil {
		cancel()
		return fmt.Errorf("join room: %w", err)
	}
	go c.run(sub, cancel)
	return nil
}

// Events delivers state changes, remote tracks, and errors to the UI
// adapter. The channel closes when the coordinator shuts down.
func (c *Coordinator) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.publicState
}

// StartCall begins media acquisition so a session can start as soon as a
// partner is available. No-op outside Idle.
func (c *Coordinator) StartCall() {
	c.post(func() {
		if c.state != StateIdle {
			return
		}
		c.setState(StateAcquiringMedia)
		c.ensureMedia()
	})
}

// Hangup ends any active call and releases the local media tracks. Safe to
// call from any state.
func (c *Coordinator) Hangup() {
	c.post(func() { c.hangupLocked() })
}

// Close shuts the coordinator down, releasing the session, the media
// tracks, and the signaling subscription.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

func (c *Coordinator) run(sub <-chan protocol.Envelope, cancel func()) {
	defer func() {
		cancel()
		c.teardownSession()
		c.cancelAcquire()
		c.tracks.Stop()
		c.tracks = nil
		close(c.done)
		close(c.events)
	}()

	for {
		select {
		case env, ok := <-sub:
			if !ok {
				c.onSignalingLost()
				sub = nil
				continue
			}
			c.handleEnvelope(env)
		case fn := <-c.cmds:
			fn()
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.KindPartnerJoined:
		c.onPartnerJoined(env.UserID, env.Existing)
	case protocol.KindPartnerLeft:
		c.onPartnerLeft(env.UserID)
	case protocol.KindOffer:
		c.onOffer(env)
	case protocol.KindAnswer:
		c.onAnswer(env)
	case protocol.KindCandidate:
		c.onCandidate(env)
	case protocol.KindError:
		c.log.Warn("relay error", "code", env.Code, "message", env.Message)
	}
}

// onPartnerJoined decides the negotiation role. The existing flag is set
// when the counterpart was already settled in the room, which makes this
// side the initiator. A rejoin while a session is live replaces that
// session.
func (c *Coordinator) onPartnerJoined(userID string, existing bool) {
	c.graceGen++ // a rejoin cancels any partner-left grace period
	c.partner = userID

	if c.session != nil {
		// The partner rejoined mid-call, typically a page reload. The old
		// session is dead weight; the fresh join renegotiates from scratch.
		c.teardownSession()
		c.emit(Event{Kind: EventCallEnded, State: c.state, Reason: EndReasonReplaced})
	}

	if existing {
		c.startInitiator()
		return
	}
	// The counterpart initiates; acquire media now so answering does not
	// stall on a permission prompt.
	if c.state == StateIdle || c.state == StateReconnecting || c.state == StateConnected || c.state == StateNegotiating {
		c.setState(StateAcquiringMedia)
	}
	c.ensureMedia()
}

func (c *Coordinator) onPartnerLeft(userID string) {
	if userID != c.partner || !c.state.active() {
		return
	}
	if c.state == StateConnected && c.cfg.PartnerLeftGrace > 0 {
		// The media path may well still be alive; give the partner a moment
		// to rejoin before ending the call.
		c.setState(StateReconnecting)
		c.graceGen++
		gen := c.graceGen
		time.AfterFunc(c.cfg.PartnerLeftGrace, func() {
			c.post(func() {
				if gen == c.graceGen && c.state == StateReconnecting {
					c.endSession(EndReasonPartnerLeft)
				}
			})
		})
		return
	}
	c.endSession(EndReasonPartnerLeft)
}

func (c *Coordinator) onOffer(env protocol.Envelope) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(env.Signal(), &offer); err != nil {
		c.log.Warn("malformed offer", "from", env.SenderID, "err", err)
		return
	}
	sender := env.SenderID

	if c.session != nil && c.session.partner == sender {
		switch c.session.role {
		case RoleResponder:
			// Renegotiation on the live session, typically an ICE restart.
			c.answerOnSession(c.session, offer)
			return
		case RoleInitiator:
			// Glare: both sides sent offers. The lexically smaller user id
			// yields and answers; the other ignores the competing offer.
			if c.cfg.UserID < sender {
				c.log.Info("offer glare, yielding", "to", sender)
				c.teardownSession()
				c.startResponder(sender, offer)
			} else {
				c.log.Info("offer glare, ignoring competing offer", "from", sender)
			}
			return
		}
	}
	if c.session != nil {
		// Offer from someone who is not the current counterpart replaces
		// the session; rooms only ever hold one partner.
		c.teardownSession()
		c.emit(Event{Kind: EventCallEnded, State: c.state, Reason: EndReasonReplaced})
	}
	c.startResponder(sender, offer)
}

func (c *Coordinator) onAnswer(env protocol.Envelope) {
	if c.session == nil || c.session.role != RoleInitiator || c.session.partner != env.SenderID {
		c.log.Debug("dropping unexpected answer", "from", env.SenderID)
		return
	}
	if c.session.answered {
		// Stale duplicate; the outstanding offer was already answered and
		// reapplying would corrupt the session.
		c.log.Debug("dropping stale answer", "from", env.SenderID)
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(env.Signal(), &answer); err != nil {
		c.log.Warn("malformed answer", "from", env.SenderID, "err", err)
		return
	}
	if err := c.session.applyRemoteAnswer(answer); err != nil {
		c.log.Error("apply answer", "err", err)
		c.endSession(EndReasonConnFailed)
	}
}

func (c *Coordinator) onCandidate(env protocol.Envelope) {
	if c.session == nil || c.session.partner != env.SenderID {
		// Candidates outside a live negotiation are meaningless.
		return
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Signal(), &candidate); err != nil {
		c.log.Warn("malformed candidate", "from", env.SenderID, "err", err)
		return
	}
	if err := c.session.addRemoteCandidate(candidate); err != nil {
		c.log.Warn("apply candidate", "err", err)
	}
}

// startInitiator drives toward Offering, acquiring media first if needed.
func (c *Coordinator) startInitiator() {
	if c.tracks != nil {
		c.beginOffer()
		return
	}
	c.setState(StateAcquiringMedia)
	c.pending = pendingTrigger{kind: pendingInitiate}
	c.ensureMedia()
}

// startResponder drives toward Answering for the given offer.
func (c *Coordinator) startResponder(sender string, offer webrtc.SessionDescription) {
	c.partner = sender
	if c.tracks != nil {
		c.beginAnswer(sender, offer)
		return
	}
	c.setState(StateAcquiringMedia)
	c.pending = pendingTrigger{kind: pendingAnswer, sender: sender, offer: offer}
	c.ensureMedia()
}

// ensureMedia starts one asynchronous acquisition at most. A trigger that
// lands while one is in flight reuses the pending result rather than
// prompting again.
func (c *Coordinator) ensureMedia() {
	if c.tracks != nil || c.acquiring {
		return
	}
	c.acquiring = true
	c.acquireGen++
	gen := c.acquireGen
	ctx, cancel := context.WithCancel(context.Background())
	c.acquireCancel = cancel
	go func() {
		ts, err := c.cfg.Media.Acquire(ctx)
		c.post(func() { c.onMediaAcquired(gen, ts, err) })
	}()
}

func (c *Coordinator) onMediaAcquired(gen int, ts *TrackSet, err error) {
	if gen != c.acquireGen {
		// A cancelled acquisition that completed anyway. A newer acquisition
		// may already be in flight; these tracks belong to nobody.
		ts.Stop()
		return
	}
	c.acquiring = false
	c.acquireCancel = nil

	if err != nil {
		c.pending = pendingTrigger{}
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Warn("media acquisition failed", "err", err)
		c.emit(Event{Kind: EventMediaError, State: StateIdle, Err: err})
		c.setState(StateIdle)
		return
	}

	if c.state == StateIdle {
		// Hangup raced the acquisition; nothing left to attach these to and
		// holding the devices open would leave the light on.
		ts.Stop()
		return
	}
	c.tracks = ts

	trigger := c.pending
	c.pending = pendingTrigger{}
	switch trigger.kind {
	case pendingInitiate:
		c.beginOffer()
	case pendingAnswer:
		c.beginAnswer(trigger.sender, trigger.offer)
	default:
		// Media ready, waiting for a partner or an incoming offer.
	}
}

func (c *Coordinator) beginOffer() {
	c.teardownSession()

	s, err := newPeerSession(c.cfg.API, c.cfg.WebRTC, RoleInitiator, c.partner, c.tracks)
	if err != nil {
		c.log.Error("create session", "err", err)
		c.endSession(EndReasonConnFailed)
		return
	}
	c.session = s
	c.wireSession(s)
	c.setState(StateOffering)

	offer, err := s.createOffer(false)
	if err != nil {
		c.log.Error("create offer", "err", err)
		c.endSession(EndReasonConnFailed)
		return
	}
	if err := c.cfg.Signals.SendOffer(s.partner, offer); err != nil {
		c.log.Error("send offer", "err", err)
		c.endSession(EndReasonSignalingLost)
		return
	}
	c.setState(StateNegotiating)
}

func (c *Coordinator) beginAnswer(sender string, offer webrtc.SessionDescription) {
	c.teardownSession()

	s, err := newPeerSession(c.cfg.API, c.cfg.WebRTC, RoleResponder, sender, c.tracks)
	if err != nil {
		c.log.Error("create session", "err", err)
		c.endSession(EndReasonConnFailed)
		return
	}
	c.session = s
	c.wireSession(s)
	c.setState(StateAnswering)
	c.answerOnSession(s, offer)
}

// answerOnSession applies an offer to an existing responder session and
// replies. Used both for the initial answer and renegotiation offers.
func (c *Coordinator) answerOnSession(s *peerSession, offer webrtc.SessionDescription) {
	answer, err := s.applyRemoteOffer(offer)
	if err != nil {
		c.log.Error("answer offer", "err", err)
		c.endSession(EndReasonConnFailed)
		return
	}
	if err := c.cfg.Signals.SendAnswer(s.partner, answer); err != nil {
		c.log.Error("send answer", "err", err)
		c.endSession(EndReasonSignalingLost)
		return
	}
	if c.state == StateAnswering {
		c.setState(StateNegotiating)
	}
}

// wireSession routes pion callbacks onto the event loop. Every callback
// checks that its session is still current, so nothing mutates coordinator
// state after a teardown.
func (c *Coordinator) wireSession(s *peerSession) {
	s.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		c.post(func() {
			if c.session != s {
				return
			}
			if err := c.cfg.Signals.SendCandidate(s.partner, init); err != nil {
				c.log.Warn("send candidate", "err", err)
			}
		})
	})

	s.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		c.post(func() {
			if c.session != s {
				return
			}
			c.onICEStateChange(s, st)
		})
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.post(func() {
			if c.session != s {
				return
			}
			c.emit(Event{Kind: EventRemoteTrack, State: c.state, Track: track})
		})
	})
}

// onICEStateChange is the authoritative connectivity signal: an applied
// answer means negotiation can proceed, only ICE says the call is up.
func (c *Coordinator) onICEStateChange(s *peerSession, st webrtc.ICEConnectionState) {
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.restartGen++
		c.setState(StateConnected)
	case webrtc.ICEConnectionStateDisconnected:
		// Transient; built-in connectivity checks usually recover this.
		if c.state == StateConnected {
			c.setState(StateReconnecting)
		}
	case webrtc.ICEConnectionStateFailed:
		c.attemptRestart(s)
	}
}

// attemptRestart tries one ICE restart before giving the call up. Only the
// initiator can send the restart offer; the responder waits for it.
func (c *Coordinator) attemptRestart(s *peerSession) {
	if c.signalingLost || s.restarts >= maxICERestarts {
		c.endSession(EndReasonConnFailed)
		return
	}
	s.restarts++
	c.setState(StateReconnecting)

	c.restartGen++
	gen := c.restartGen
	time.AfterFunc(c.cfg.RestartTimeout, func() {
		c.post(func() {
			if gen == c.restartGen && c.session == s && c.state != StateConnected {
				c.endSession(EndReasonConnFailed)
			}
		})
	})

	if s.role != RoleInitiator {
		return
	}
	offer, err := s.createOffer(true)
	if err != nil {
		c.log.Error("create restart offer", "err", err)
		c.endSession(EndReasonConnFailed)
		return
	}
	if err := c.cfg.Signals.SendOffer(s.partner, offer); err != nil {
		c.endSession(EndReasonSignalingLost)
	}
}

// onSignalingLost handles the relay connection dropping. A connected call
// keeps its media path; it just cannot renegotiate anymore. Anything not yet
// connected cannot complete and ends.
func (c *Coordinator) onSignalingLost() {
	c.signalingLost = true
	c.log.Warn("signaling connection lost")
	if c.state == StateConnected {
		return
	}
	if c.state.active() {
		c.endSession(EndReasonSignalingLost)
	}
}

func (c *Coordinator) hangupLocked() {
	c.cancelAcquire()
	if c.state.active() {
		c.endSession(EndReasonHangup)
	}
	c.tracks.Stop()
	c.tracks = nil
}

// endSession tears the session down, announces Ended with its reason, and
// settles back to Idle. Local tracks are retained for a quick redial; only
// hangup or teardown releases them.
func (c *Coordinator) endSession(reason EndReason) {
	c.teardownSession()
	c.pending = pendingTrigger{}
	c.cancelAcquire()
	c.emit(Event{Kind: EventCallEnded, State: StateEnded, Reason: reason})
	c.setState(StateEnded)
}

func (c *Coordinator) teardownSession() {
	if c.session == nil {
		return
	}
	c.session.close()
	c.session = nil
}

func (c *Coordinator) cancelAcquire() {
	c.acquireGen++
	if c.acquireCancel != nil {
		c.acquireCancel()
		c.acquireCancel = nil
	}
	c.acquiring = false
	c.pending = pendingTrigger{}
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.stateMu.Lock()
	c.publicState = s
	c.stateMu.Unlock()
	c.emit(Event{Kind: EventStateChanged, State: s})

	// Ended is announced, never dwelled in.
	if s == StateEnded {
		c.setState(StateIdle)
	}
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event queue full, dropping", "kind", ev.Kind)
	}
}
