package coordinator

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// peerSession wraps one attempt to establish a direct media path with the
// partner. All methods run on the coordinator's event loop; only close is
// safe from anywhere.
type peerSession struct {
	role    Role
	partner string
	pc      *webrtc.PeerConnection

	// Trickled candidates can outrun the description that makes them
	// applicable; they are held here until the remote description lands.
	pendingRemote []webrtc.ICECandidateInit
	remoteSet     bool

	// answered marks that the initiator has applied an answer, which makes
	// any further answer for this session stale.
	answered bool

	restarts int

	closeOnce sync.Once
}

func newPeerSession(api *webrtc.API, cfg webrtc.Configuration, role Role, partner string, tracks *TrackSet) (*peerSession, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	for _, track := range tracks.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}
	return &peerSession{role: role, partner: partner, pc: pc}, nil
}

// createOffer produces and installs a local offer. With trickle ICE the
// offer is sent immediately; candidates follow one by one.
func (s *peerSession) createOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	// Each outstanding offer expects exactly one answer.
	s.answered = false
	return offer, nil
}

// applyRemoteOffer installs the counterpart's offer and produces the answer.
// Also used for renegotiation offers (ICE restart) on an existing session.
func (s *peerSession) applyRemoteOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	if err := s.flushPendingCandidates(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (s *peerSession) applyRemoteAnswer(answer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.answered = true
	return s.flushPendingCandidates()
}

// addRemoteCandidate applies a trickled candidate, buffering it when the
// remote description has not arrived yet.
func (s *peerSession) addRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, candidate)
		return nil
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

func (s *peerSession) flushPendingCandidates() error {
	s.remoteSet = true
	for _, candidate := range s.pendingRemote {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("apply buffered candidate: %w", err)
		}
	}
	s.pendingRemote = nil
	return nil
}

// close releases the peer connection. Closing discards pending operations on
// the connection, which is what makes hangup deterministic.
func (s *peerSession) close() {
	s.closeOnce.Do(func() {
		_ = s.pc.Close()
	})
}
