package signalclient_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duetapp/duet-rtc/internal/metrics"
	"github.com/duetapp/duet-rtc/internal/protocol"
	"github.com/duetapp/duet-rtc/internal/relay"
	"github.com/duetapp/duet-rtc/internal/signalclient"
)

func startRelay(t *testing.T) string {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relay.NewHub(log, metrics.New())
	go hub.Run()
	t.Cleanup(hub.Close)

	ts := httptest.NewServer(relay.NewServer(relay.ServerConfig{Hub: hub, Logger: log}).Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/rtc/signal"
}

func connect(t *testing.T, url, roomID, userID string) *signalclient.Client {
	t.Helper()
	c := signalclient.New(url, signalclient.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.JoinRoom(roomID, userID); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	return c
}

func recv(t *testing.T, ch <-chan protocol.Envelope) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for envelope")
	}
	panic("unreachable")
}

func TestConnectIsIdempotent(t *testing.T) {
	url := startRelay(t)
	c := signalclient.New(url, signalclient.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	_ = c.Close()
	if err := c.Connect(ctx); err != signalclient.ErrClosed {
		t.Fatalf("connect after close = %v, want ErrClosed", err)
	}
}

func TestOfferRoundTripThroughRelay(t *testing.T) {
	url := startRelay(t)

	alice := connect(t, url, "couple-1", "alice")
	joined, cancelJoined := alice.Subscribe(protocol.KindPartnerJoined)
	defer cancelJoined()

	bob := connect(t, url, "couple-1", "bob")
	offers, cancelOffers := bob.Subscribe(protocol.KindOffer)
	defer cancelOffers()

	env := recv(t, joined)
	if env.UserID != "bob" {
		t.Fatalf("partner-joined userId = %q, want bob", env.UserID)
	}

	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	if err := alice.SendOffer("bob", sdp); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	env = recv(t, offers)
	if env.SenderID != "alice" {
		t.Fatalf("senderId = %q, want alice", env.SenderID)
	}
	var got webrtc.SessionDescription
	if err := json.Unmarshal(env.Offer, &got); err != nil {
		t.Fatalf("unmarshal offer: %v", err)
	}
	if got.Type != webrtc.SDPTypeOffer || got.SDP != sdp.SDP {
		t.Fatalf("offer = %+v, want %+v", got, sdp)
	}
}

func TestSubscriptionFiltersKinds(t *testing.T) {
	url := startRelay(t)

	alice := connect(t, url, "couple-1", "alice")
	candidates, cancelCand := alice.Subscribe(protocol.KindCandidate)
	defer cancelCand()
	all, cancelAll := alice.Subscribe()
	defer cancelAll()

	connect(t, url, "couple-1", "bob")

	// The unfiltered subscription sees the partner-joined notification; the
	// candidate subscription must not.
	env := recv(t, all)
	if env.Type != protocol.KindPartnerJoined {
		t.Fatalf("type = %q, want partner-joined", env.Type)
	}
	select {
	case env := <-candidates:
		t.Fatalf("candidate subscription received %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	url := startRelay(t)

	alice := connect(t, url, "couple-1", "alice")
	joined, cancel := alice.Subscribe(protocol.KindPartnerJoined)
	cancel()
	cancel() // idempotent

	if _, ok := <-joined; ok {
		t.Fatalf("expected canceled subscription channel to be closed")
	}
}

func TestDoneClosesOnConnectionLoss(t *testing.T) {
	url := startRelay(t)

	alice := connect(t, url, "couple-1", "alice")
	subs, cancelSubs := alice.Subscribe()
	defer cancelSubs()

	// A protocol violation makes the relay drop the connection.
	if err := alice.JoinRoom("couple-2", "alice"); err != nil {
		t.Fatalf("send second join: %v", err)
	}

	env := recv(t, subs)
	if env.Type != protocol.KindError || env.Code != "already_joined" {
		t.Fatalf("envelope = %+v, want already_joined error", env)
	}

	select {
	case <-alice.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Done did not close after relay dropped the connection")
	}
	if alice.Err() == nil {
		t.Fatalf("Err must be non-nil after connection loss")
	}
}
