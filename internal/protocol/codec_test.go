package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/routerd/internal/protocol/frame"
	"github.com/danmuck/routerd/internal/protocol/schema"
	"github.com/danmuck/routerd/internal/testutil/testlog"
)

func TestCallRoundTripPreservesArgs(t *testing.T) {
	testlog.Start(t)
	in := &Call{Request: 9, Procedure: "com.example.add", Args: Args{33, 66}}
	b, err := Marshal(in, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, ok := msg.(*Call)
	if !ok {
		t.Fatalf("unexpected message %T", msg)
	}
	if out.Request != 9 || out.Procedure != "com.example.add" {
		t.Fatalf("unexpected call: %+v", out)
	}
	a, ok := out.Args.Int64(0)
	b2, ok2 := out.Args.Int64(1)
	if !ok || !ok2 || a != 33 || b2 != 66 {
		t.Fatalf("unexpected args: %#v", out.Args)
	}
	if _, isNumber := out.Args[0].(json.Number); !isNumber {
		t.Fatalf("expected json.Number after decode, got %T", out.Args[0])
	}
}

func TestFrameHeaderCarriesRequestID(t *testing.T) {
	testlog.Start(t)
	f, err := ToFrame(&Registered{Request: 77, Registration: 5})
	if err != nil {
		t.Fatalf("to frame: %v", err)
	}
	if f.Header.MessageID != 77 || f.Header.MessageType != schema.MsgRegistered {
		t.Fatalf("unexpected header: %+v", f.Header)
	}
	if f.Header.Flags&frame.FlagIsResponse == 0 {
		t.Fatalf("expected response flag")
	}
}

func TestRoundTripEveryMessageType(t *testing.T) {
	testlog.Start(t)
	msgs := []Message{
		&Hello{Realm: "realm1", Agent: "routerd-test"},
		&Welcome{SessionID: 3},
		&Abort{Reason: URINoSuchRealm, Message: "realm1 missing"},
		&Goodbye{Reason: URICloseNormal},
		&Error{RequestType: schema.MsgCall, Request: 4, URI: URIInvalidArgument, Args: Args{"bad"}},
		&Publish{Request: 5, Topic: "test.event", Args: Args{"Hello 0"}, Acknowledge: true, ExcludeMe: true},
		&Published{Request: 5, Publication: 11},
		&Subscribe{Request: 6, Topic: "test.event"},
		&Subscribed{Request: 6, Subscription: 12},
		&Unsubscribe{Request: 7, Subscription: 12},
		&Unsubscribed{Request: 7},
		&Event{Subscription: 12, Publication: 11, Topic: "test.event", Args: Args{"Hello 0"}},
		&Call{Request: 8, Procedure: "com.example.add", KwArgs: map[string]any{"a": 1}},
		&Result{Request: 8, Args: Args{99}},
		&Register{Request: 9, Procedure: "com.example.add"},
		&Registered{Request: 9, Registration: 13},
		&Unregister{Request: 10, Registration: 13},
		&Unregistered{Request: 10},
		&Invocation{Request: 14, Registration: 13, Procedure: "com.example.add", Args: Args{1, 2}},
		&Yield{Request: 14, Args: Args{3}},
	}
	for _, in := range msgs {
		b, err := Marshal(in, frame.DefaultLimits())
		if err != nil {
			t.Fatalf("marshal %s: %v", TypeName(in.Type()), err)
		}
		out, err := Unmarshal(b, frame.DefaultLimits())
		if err != nil {
			t.Fatalf("unmarshal %s: %v", TypeName(in.Type()), err)
		}
		if out.Type() != in.Type() {
			t.Fatalf("type mismatch: got=%s want=%s", TypeName(out.Type()), TypeName(in.Type()))
		}
	}
}

func TestPublishOptionsSurviveCodec(t *testing.T) {
	testlog.Start(t)
	msg, err := FromFrame(mustFrame(t, &Publish{Request: 1, Topic: "t", Acknowledge: true}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := msg.(*Publish)
	if !p.Acknowledge || p.ExcludeMe {
		t.Fatalf("unexpected options: %+v", p)
	}
}

func TestFromFrameRejectsUnknownType(t *testing.T) {
	testlog.Start(t)
	_, err := FromFrame(frame.Frame{Header: frame.Header{MessageType: 999}})
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestFromFrameRejectsMissingFields(t *testing.T) {
	testlog.Start(t)
	_, err := FromFrame(frame.Frame{Header: frame.Header{MessageType: schema.MsgCall}})
	var ve schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected schema.ValidationError, got %v", err)
	}
}

func TestMarshalRespectsFrameLimit(t *testing.T) {
	testlog.Start(t)
	big := make([]byte, 128)
	for i := range big {
		big[i] = 'x'
	}
	_, err := Marshal(&Publish{Request: 1, Topic: "t", Args: Args{string(big)}}, frame.LimitsFor(64))
	if !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected frame.ErrPayloadTooLarge, got %v", err)
	}
}

func mustFrame(t *testing.T, msg Message) frame.Frame {
	t.Helper()
	f, err := ToFrame(msg)
	if err != nil {
		t.Fatalf("to frame: %v", err)
	}
	return f
}

func TestPayloadSizeMatchesMarshalLimit(t *testing.T) {
	testlog.Start(t)
	msg := &Event{Subscription: 1, Publication: 2, Topic: "t", Args: Args{"hello"}}
	n, err := PayloadSize(msg)
	if err != nil {
		t.Fatalf("payload size: %v", err)
	}
	if _, err := Marshal(msg, frame.LimitsFor(n)); err != nil {
		t.Fatalf("expected %d-byte limit to fit: %v", n, err)
	}
	if _, err := Marshal(msg, frame.LimitsFor(n-1)); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge one byte under, got %v", err)
	}
	wide, err := PayloadSize(&Event{Subscription: 1 << 60, Publication: 1 << 61, Topic: "t", Args: Args{"hello"}})
	if err != nil || wide != n {
		t.Fatalf("ids are fixed width: %d vs %d (%v)", wide, n, err)
	}
}
