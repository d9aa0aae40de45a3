package schema

import (
	"fmt"

	"github.com/danmuck/routerd/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs. Values follow the WAMP message codes.
const (
	MsgHello        uint32 = 1
	MsgWelcome      uint32 = 2
	MsgAbort        uint32 = 3
	MsgGoodbye      uint32 = 6
	MsgError        uint32 = 8
	MsgPublish      uint32 = 16
	MsgPublished    uint32 = 17
	MsgSubscribe    uint32 = 32
	MsgSubscribed   uint32 = 33
	MsgUnsubscribe  uint32 = 34
	MsgUnsubscribed uint32 = 35
	MsgEvent        uint32 = 36
	MsgCall         uint32 = 48
	MsgResult       uint32 = 50
	MsgRegister     uint32 = 64
	MsgRegistered   uint32 = 65
	MsgUnregister   uint32 = 66
	MsgUnregistered uint32 = 67
	MsgInvocation   uint32 = 68
	MsgYield        uint32 = 70
)

// Field IDs.
const (
	FieldRealm     uint16 = 1
	FieldAgent     uint16 = 2
	FieldSessionID uint16 = 3
	FieldReason    uint16 = 4
	FieldMessage   uint16 = 5

	FieldRequestID      uint16 = 100
	FieldRequestType    uint16 = 101
	FieldRegistrationID uint16 = 102
	FieldSubscriptionID uint16 = 103
	FieldPublicationID  uint16 = 104

	FieldProcedure uint16 = 200
	FieldTopic     uint16 = 201

	FieldArgs   uint16 = 300
	FieldKwArgs uint16 = 301

	FieldErrorURI uint16 = 400

	FieldAcknowledge uint16 = 500
	FieldExcludeMe   uint16 = 501
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello: {
		{FieldRealm, tlv.TypeString},
	},
	MsgWelcome: {
		{FieldSessionID, tlv.TypeU64},
	},
	MsgAbort: {
		{FieldReason, tlv.TypeString},
	},
	MsgGoodbye: {
		{FieldReason, tlv.TypeString},
	},
	MsgError: {
		{FieldRequestType, tlv.TypeU32},
		{FieldRequestID, tlv.TypeU64},
		{FieldErrorURI, tlv.TypeString},
	},
	MsgPublish: {
		{FieldRequestID, tlv.TypeU64},
		{FieldTopic, tlv.TypeString},
	},
	MsgPublished: {
		{FieldRequestID, tlv.TypeU64},
		{FieldPublicationID, tlv.TypeU64},
	},
	MsgSubscribe: {
		{FieldRequestID, tlv.TypeU64},
		{FieldTopic, tlv.TypeString},
	},
	MsgSubscribed: {
		{FieldRequestID, tlv.TypeU64},
		{FieldSubscriptionID, tlv.TypeU64},
	},
	MsgUnsubscribe: {
		{FieldRequestID, tlv.TypeU64},
		{FieldSubscriptionID, tlv.TypeU64},
	},
	MsgUnsubscribed: {
		{FieldRequestID, tlv.TypeU64},
	},
	MsgEvent: {
		{FieldSubscriptionID, tlv.TypeU64},
		{FieldPublicationID, tlv.TypeU64},
	},
	MsgCall: {
		{FieldRequestID, tlv.TypeU64},
		{FieldProcedure, tlv.TypeString},
	},
	MsgResult: {
		{FieldRequestID, tlv.TypeU64},
	},
	MsgRegister: {
		{FieldRequestID, tlv.TypeU64},
		{FieldProcedure, tlv.TypeString},
	},
	MsgRegistered: {
		{FieldRequestID, tlv.TypeU64},
		{FieldRegistrationID, tlv.TypeU64},
	},
	MsgUnregister: {
		{FieldRequestID, tlv.TypeU64},
		{FieldRegistrationID, tlv.TypeU64},
	},
	MsgUnregistered: {
		{FieldRequestID, tlv.TypeU64},
	},
	MsgInvocation: {
		{FieldRequestID, tlv.TypeU64},
		{FieldRegistrationID, tlv.TypeU64},
	},
	MsgYield: {
		{FieldRequestID, tlv.TypeU64},
	},
}

// Known reports whether messageType has a schema entry.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Uint32("message_type", messageType).Msg("schema.Validate ok")
	return nil
}
