package protocol

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestParse_JoinRoom(t *testing.T) {
	env, err := Parse([]byte(`{"type":"join-room","roomId":"couple-1","userId":"alice"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Type != KindJoinRoom || env.RoomID != "couple-1" || env.UserID != "alice" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParse_OfferInbound(t *testing.T) {
	env, err := Parse([]byte(`{"type":"offer","offer":{"type":"offer","sdp":"v=0"},"targetUserId":"bob"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.TargetUserID != "bob" {
		t.Fatalf("unexpected target: %q", env.TargetUserID)
	}
	if len(env.Signal()) == 0 {
		t.Fatalf("expected opaque offer payload")
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"type":"join-room","roomId":"r","userId":"u","extra":1}`))
	if err == nil {
		t.Fatalf("expected unknown-field rejection")
	}
}

func TestParse_RejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"type":"join-room","roomId":"r","userId":"u"}{}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing-data rejection, got %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"nonsense"}`},
		{"join-room missing userId", `{"type":"join-room","roomId":"r"}`},
		{"offer missing payload", `{"type":"offer","targetUserId":"bob"}`},
		{"offer missing addressing", `{"type":"offer","offer":{}}`},
		{"offer with both addresses", `{"type":"offer","offer":{},"targetUserId":"bob","senderId":"alice"}`},
		{"answer carrying offer", `{"type":"answer","answer":{},"offer":{},"targetUserId":"bob"}`},
		{"candidate with room", `{"type":"candidate","candidate":{},"targetUserId":"bob","roomId":"r"}`},
		{"partner-joined missing userId", `{"type":"partner-joined"}`},
		{"error missing code", `{"type":"error","message":"boom"}`},
		{"broadcast missing payload", `{"type":"broadcast","senderId":"alice"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); err == nil {
				t.Fatalf("expected validation failure for %s", tc.raw)
			}
		})
	}
}

func TestForwarded_RetagsSender(t *testing.T) {
	in, err := Parse([]byte(`{"type":"candidate","candidate":{"candidate":"foo"},"targetUserId":"bob"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	out := in.Forwarded("alice")
	if err := out.Validate(); err != nil {
		t.Fatalf("forwarded envelope invalid: %v", err)
	}
	if out.TargetUserID != "" || out.SenderID != "alice" {
		t.Fatalf("unexpected addressing: %+v", out)
	}
	if string(out.Candidate) != string(in.Candidate) {
		t.Fatalf("payload must be forwarded verbatim")
	}
}

func TestEnvelope_RoundTripsOutboundForms(t *testing.T) {
	for _, env := range []Envelope{
		PartnerJoined("alice", true),
		PartnerJoined("alice", false),
		PartnerLeft("bob"),
		Error("rate_limited", "rate limit exceeded"),
	} {
		data, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		got, err := Parse(data)
		if err != nil {
			t.Fatalf("parse %s: %v", data, err)
		}
		if !reflect.DeepEqual(got, env) {
			t.Fatalf("round trip mismatch: %+v != %+v", got, env)
		}
	}
}
