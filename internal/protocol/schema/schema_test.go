package schema

import (
	"testing"

	"github.com/danmuck/routerd/internal/protocol/tlv"
	"github.com/danmuck/routerd/internal/testutil/testlog"
)

func TestValidateCallRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U64(FieldRequestID, 1),
		tlv.String(FieldProcedure, "com.example.add"),
	}
	if err := Validate(MsgCall, fields); err != nil {
		t.Fatalf("validate call: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U64(FieldRequestID, 1),
		tlv.String(FieldTopic, "test.event"),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgSubscribe, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U64(FieldRequestID, 1)}
	err := Validate(MsgRegister, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldProcedure || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldRequestID, "1"),
		tlv.String(FieldProcedure, "com.example.add"),
	}
	err := Validate(MsgCall, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if ve.FieldID != FieldRequestID || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	if Known(9999) {
		t.Fatalf("9999 should be unknown")
	}
	if err := Validate(9999, nil); err == nil {
		t.Fatalf("expected unknown message_type error")
	}
}
