// Package protocol defines the wire schema for the duet signaling channel.
//
// We intentionally avoid depending on any WebRTC library type here; this
// package models the protocol surface, not the implementation. Session
// descriptions and connectivity candidates are opaque payloads owned by the
// media-negotiation layer and are relayed verbatim.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Kind string

const (
	// Client -> relay.
	KindJoinRoom Kind = "join-room"

	// Relay -> client room membership notifications.
	KindPartnerJoined Kind = "partner-joined"
	KindPartnerLeft   Kind = "partner-left"

	// Signaling payloads, relayed client -> relay -> client.
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"

	// Room-wide opaque fan-out (game moves, location pings). No negotiation
	// semantics; the relay never inspects the payload.
	KindBroadcast Kind = "broadcast"

	// Relay -> client protocol failure report, sent before closing.
	KindError Kind = "error"
)

// Envelope is the single message shape carried over the signaling channel.
// Which fields must be set depends on Type; see Validate.
type Envelope struct {
	Type Kind `json:"type"`

	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId,omitempty"`

	// TargetUserID addresses an envelope on the way in (client -> relay).
	// SenderID tags it on the way out (relay -> client).
	TargetUserID string `json:"targetUserId,omitempty"`
	SenderID     string `json:"senderId,omitempty"`

	// Existing is set on partner-joined: true means the named counterpart was
	// already in the room when the recipient joined, which makes the recipient
	// the initiator. Role determination is explicit on the wire rather than
	// inferred from event arrival order.
	Existing bool `json:"existing,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates a single envelope. Unknown fields and trailing
// data are rejected so schema drift between client and relay fails loudly.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case KindJoinRoom:
		if e.RoomID == "" {
			return fmt.Errorf("join-room missing roomId")
		}
		if e.UserID == "" {
			return fmt.Errorf("join-room missing userId")
		}
		if e.TargetUserID != "" || e.SenderID != "" || e.Existing || e.hasPayloadFields() || e.hasErrorFields() {
			return fmt.Errorf("join-room has unexpected fields")
		}
	case KindPartnerJoined, KindPartnerLeft:
		if e.UserID == "" {
			return fmt.Errorf("%s missing userId", e.Type)
		}
		if e.RoomID != "" || e.TargetUserID != "" || e.SenderID != "" || e.hasPayloadFields() || e.hasErrorFields() {
			return fmt.Errorf("%s has unexpected fields", e.Type)
		}
		if e.Type == KindPartnerLeft && e.Existing {
			return fmt.Errorf("partner-left has unexpected fields")
		}
	case KindOffer:
		return e.validateSignal(len(e.Offer) > 0, "offer", e.Answer, e.Candidate, e.Payload)
	case KindAnswer:
		return e.validateSignal(len(e.Answer) > 0, "answer", e.Offer, e.Candidate, e.Payload)
	case KindCandidate:
		return e.validateSignal(len(e.Candidate) > 0, "candidate", e.Offer, e.Answer, e.Payload)
	case KindBroadcast:
		if len(e.Payload) == 0 {
			return fmt.Errorf("broadcast missing payload")
		}
		if e.RoomID != "" || e.UserID != "" || e.TargetUserID != "" || e.Existing || e.hasErrorFields() {
			return fmt.Errorf("broadcast has unexpected fields")
		}
		if len(e.Offer) > 0 || len(e.Answer) > 0 || len(e.Candidate) > 0 {
			return fmt.Errorf("broadcast has unexpected fields")
		}
	case KindError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("error missing code/message")
		}
		if e.RoomID != "" || e.UserID != "" || e.TargetUserID != "" || e.SenderID != "" || e.Existing || e.hasPayloadFields() {
			return fmt.Errorf("error has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}

// validateSignal checks the common addressing rules for offer/answer/candidate:
// exactly one of TargetUserID (inbound) or SenderID (outbound) must be set,
// the kind's own payload must be present, and all other payloads absent.
func (e Envelope) validateSignal(hasOwn bool, name string, others ...json.RawMessage) error {
	if !hasOwn {
		return fmt.Errorf("%s message missing %s", name, name)
	}
	for _, o := range others {
		if len(o) > 0 {
			return fmt.Errorf("%s message has unexpected fields", name)
		}
	}
	if e.RoomID != "" || e.UserID != "" || e.Existing || e.hasErrorFields() {
		return fmt.Errorf("%s message has unexpected fields", name)
	}
	if (e.TargetUserID == "") == (e.SenderID == "") {
		return fmt.Errorf("%s message must set exactly one of targetUserId/senderId", name)
	}
	return nil
}

func (e Envelope) hasPayloadFields() bool {
	return len(e.Offer) > 0 || len(e.Answer) > 0 || len(e.Candidate) > 0 || len(e.Payload) > 0
}

func (e Envelope) hasErrorFields() bool {
	return e.Code != "" || e.Message != ""
}

// Signal returns the opaque payload carried by an offer/answer/candidate
// envelope, or nil for other kinds.
func (e Envelope) Signal() json.RawMessage {
	switch e.Type {
	case KindOffer:
		return e.Offer
	case KindAnswer:
		return e.Answer
	case KindCandidate:
		return e.Candidate
	default:
		return nil
	}
}

// Forwarded rewrites an inbound addressed envelope into its outbound form:
// the relay strips the target and tags the sender. Panics are avoided; the
// caller is expected to have validated the envelope.
func (e Envelope) Forwarded(senderID string) Envelope {
	out := e
	out.TargetUserID = ""
	out.SenderID = senderID
	return out
}

// PartnerJoined builds the membership notification sent when a room reaches
// two members. existing reports whether the named counterpart was already
// present when the recipient joined; the recipient initiates iff it is true.
func PartnerJoined(userID string, existing bool) Envelope {
	return Envelope{Type: KindPartnerJoined, UserID: userID, Existing: existing}
}

func PartnerLeft(userID string) Envelope {
	return Envelope{Type: KindPartnerLeft, UserID: userID}
}

func JoinRoom(roomID, userID string) Envelope {
	return Envelope{Type: KindJoinRoom, RoomID: roomID, UserID: userID}
}

func Error(code, message string) Envelope {
	return Envelope{Type: KindError, Code: code, Message: message}
}
