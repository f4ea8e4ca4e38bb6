package calladapter

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/duetapp/duet-rtc/internal/coordinator"
	"github.com/duetapp/duet-rtc/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubController struct {
	events chan coordinator.Event

	mu      sync.Mutex
	started int
	hangups int
}

func newStubController() *stubController {
	return &stubController{events: make(chan coordinator.Event, 16)}
}

func (s *stubController) StartCall() {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

func (s *stubController) Hangup() {
	s.mu.Lock()
	s.hangups++
	s.mu.Unlock()
}

func (s *stubController) Events() <-chan coordinator.Event { return s.events }

func (s *stubController) counts() (started, hangups int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.hangups
}

type stubSignaler struct {
	mu        sync.Mutex
	sent      []roomMessage
	inbound   chan protocol.Envelope
	cancelled bool
}

func newStubSignaler() *stubSignaler {
	return &stubSignaler{inbound: make(chan protocol.Envelope, 16)}
}

func (s *stubSignaler) Broadcast(payload any) error {
	msg, ok := payload.(roomMessage)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *stubSignaler) Subscribe(kinds ...protocol.Kind) (<-chan protocol.Envelope, func()) {
	return s.inbound, func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
	}
}

func (s *stubSignaler) broadcasts() []roomMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]roomMessage(nil), s.sent...)
}

func (s *stubSignaler) deliver(t *testing.T, from string, msg roomMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal broadcast: %v", err)
	}
	s.inbound <- protocol.Envelope{
		Type:     protocol.KindBroadcast,
		SenderID: from,
		Payload:  raw,
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *stubController, *stubSignaler, func() Snapshot) {
	t.Helper()
	ctrl := newStubController()
	sig := newStubSignaler()

	var mu sync.Mutex
	var last Snapshot
	a := New(ctrl, sig, Options{
		Logger: testLogger(),
		OnChange: func(s Snapshot) {
			mu.Lock()
			last = s
			mu.Unlock()
		},
	})
	t.Cleanup(a.Close)
	return a, ctrl, sig, func() Snapshot {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func waitStatus(t *testing.T, a *Adapter, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Snapshot().Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status %q not reached, stuck at %q", want, a.Snapshot().Status)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartAndEndCallDelegate(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter(t)

	a.StartCall()
	a.EndCall()

	started, hangups := ctrl.counts()
	if started != 1 || hangups != 1 {
		t.Fatalf("got %d starts and %d hangups, want 1 and 1", started, hangups)
	}
}

func TestStatusFollowsCoordinatorStates(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter(t)

	steps := []struct {
		state coordinator.State
		want  Status
	}{
		{coordinator.StateAcquiringMedia, StatusRequestingMedia},
		{coordinator.StateOffering, StatusCalling},
		{coordinator.StateNegotiating, StatusCalling},
		{coordinator.StateConnected, StatusInCall},
		{coordinator.StateReconnecting, StatusReconnecting},
		{coordinator.StateIdle, StatusIdle},
	}
	for _, step := range steps {
		ctrl.events <- coordinator.Event{Kind: coordinator.EventStateChanged, State: step.state}
		waitStatus(t, a, step.want)
	}
}

func TestTogglesBroadcastAndFlip(t *testing.T) {
	a, _, sig, _ := newTestAdapter(t)

	if on := a.ToggleMic(); on {
		t.Fatal("mic should be off after first toggle")
	}
	if on := a.ToggleMic(); !on {
		t.Fatal("mic should be on after second toggle")
	}
	if on := a.ToggleCamera(); on {
		t.Fatal("camera should be off after first toggle")
	}

	sent := sig.broadcasts()
	if len(sent) != 3 {
		t.Fatalf("got %d broadcasts, want 3", len(sent))
	}
	if sent[0].Kind != msgMic || sent[0].On {
		t.Fatalf("first broadcast = %+v, want mic off", sent[0])
	}
	if sent[1].Kind != msgMic || !sent[1].On {
		t.Fatalf("second broadcast = %+v, want mic on", sent[1])
	}
	if sent[2].Kind != msgCamera || sent[2].On {
		t.Fatalf("third broadcast = %+v, want camera off", sent[2])
	}
}

func TestSpeakerToggleStaysLocal(t *testing.T) {
	a, _, sig, _ := newTestAdapter(t)

	if on := a.ToggleSpeaker(); on {
		t.Fatal("speaker should be off after toggle")
	}
	if got := sig.broadcasts(); len(got) != 0 {
		t.Fatalf("speaker toggle broadcast %+v, want nothing", got)
	}
}

func TestFilterSyncsBothWays(t *testing.T) {
	a, _, sig, lastChange := newTestAdapter(t)

	a.SetFilter("sepia")
	if got := a.Snapshot().Filter; got != "sepia" {
		t.Fatalf("local filter = %q, want sepia", got)
	}
	if got := lastChange().Filter; got != "sepia" {
		t.Fatalf("change callback saw filter %q, want sepia", got)
	}
	sent := sig.broadcasts()
	if len(sent) != 1 || sent[0].Kind != msgFilter || sent[0].Value != "sepia" {
		t.Fatalf("broadcast = %+v, want filter sepia", sent)
	}

	sig.deliver(t, "partner", roomMessage{Kind: msgFilter, Value: "noir", On: true})
	waitFor(t, func() bool {
		return a.Snapshot().PartnerState.Filter == "noir"
	}, "partner filter")
}

func TestPartnerToggleUpdatesPartnerState(t *testing.T) {
	a, _, sig, _ := newTestAdapter(t)

	sig.deliver(t, "partner", roomMessage{Kind: msgMic, On: false})
	waitFor(t, func() bool {
		return !a.Snapshot().PartnerState.MicOn
	}, "partner mic off")

	if !a.Snapshot().PartnerState.CameraOn {
		t.Fatal("partner camera should still be on")
	}
}

func TestMediaErrorShowsDenied(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter(t)

	ctrl.events <- coordinator.Event{Kind: coordinator.EventMediaError}
	waitStatus(t, a, StatusMediaDenied)
}

func TestCallEndedThenIdleResetsTracks(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter(t)

	ctrl.events <- coordinator.Event{Kind: coordinator.EventCallEnded, Reason: coordinator.EndReasonPartnerLeft}
	waitStatus(t, a, StatusEnded)

	ctrl.events <- coordinator.Event{Kind: coordinator.EventStateChanged, State: coordinator.StateIdle}
	waitStatus(t, a, StatusIdle)
	if tracks := a.Snapshot().RemoteTracks; len(tracks) != 0 {
		t.Fatalf("remote tracks not cleared, got %d", len(tracks))
	}
}

func TestCloseCancelsSubscription(t *testing.T) {
	a, _, sig, _ := newTestAdapter(t)

	a.Close()
	waitFor(t, func() bool {
		sig.mu.Lock()
		defer sig.mu.Unlock()
		return sig.cancelled
	}, "subscription cancel")
}
