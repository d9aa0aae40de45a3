package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/danmuck/routerd/internal/protocol/frame"
	"github.com/danmuck/routerd/internal/protocol/schema"
	"github.com/danmuck/routerd/internal/protocol/tlv"
)

// Marshal encodes msg into one wire frame.
func Marshal(msg Message, limits frame.Limits) ([]byte, error) {
	f, err := ToFrame(msg)
	if err != nil {
		return nil, err
	}
	return frame.Marshal(f, limits)
}

// Unmarshal decodes one wire frame into a message.
func Unmarshal(b []byte, limits frame.Limits) (Message, error) {
	f, err := frame.Unmarshal(b, limits)
	if err != nil {
		return nil, err
	}
	return FromFrame(f)
}

// PayloadSize reports the encoded payload length of msg, the quantity a
// channel checks against its frame payload limit.
func PayloadSize(msg Message) (int, error) {
	f, err := ToFrame(msg)
	if err != nil {
		return 0, err
	}
	return len(f.Payload), nil
}

// ToFrame converts msg into its framed TLV representation.
func ToFrame(msg Message) (frame.Frame, error) {
	if msg == nil {
		return frame.Frame{}, ErrNilMessage
	}
	var (
		fields    []tlv.Field
		messageID uint64
		flags     uint32
		err       error
	)
	switch m := msg.(type) {
	case *Hello:
		fields = []tlv.Field{tlv.String(schema.FieldRealm, m.Realm)}
		fields = appendString(fields, schema.FieldAgent, m.Agent)
	case *Welcome:
		fields = []tlv.Field{tlv.U64(schema.FieldSessionID, m.SessionID)}
		fields = appendString(fields, schema.FieldAgent, m.Agent)
		flags = frame.FlagIsResponse
	case *Abort:
		fields = []tlv.Field{tlv.String(schema.FieldReason, m.Reason)}
		fields = appendString(fields, schema.FieldMessage, m.Message)
		flags = frame.FlagIsError
	case *Goodbye:
		fields = []tlv.Field{tlv.String(schema.FieldReason, m.Reason)}
		fields = appendString(fields, schema.FieldMessage, m.Message)
	case *Error:
		messageID = m.Request
		flags = frame.FlagIsResponse | frame.FlagIsError
		fields = []tlv.Field{
			tlv.U32(schema.FieldRequestType, m.RequestType),
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.String(schema.FieldErrorURI, m.URI),
		}
		fields, err = appendPayload(fields, m.Args, m.KwArgs)
	case *Publish:
		messageID = m.Request
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.String(schema.FieldTopic, m.Topic),
		}
		if m.Acknowledge {
			fields = append(fields, tlv.Bool(schema.FieldAcknowledge, true))
		}
		if m.ExcludeMe {
			fields = append(fields, tlv.Bool(schema.FieldExcludeMe, true))
		}
		fields, err = appendPayload(fields, m.Args, m.KwArgs)
	case *Published:
		messageID = m.Request
		flags = frame.FlagIsResponse
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.U64(schema.FieldPublicationID, m.Publication),
		}
	case *Subscribe:
		messageID = m.Request
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.String(schema.FieldTopic, m.Topic),
		}
	case *Subscribed:
		messageID = m.Request
		flags = frame.FlagIsResponse
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.U64(schema.FieldSubscriptionID, m.Subscription),
		}
	case *Unsubscribe:
		messageID = m.Request
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.U64(schema.FieldSubscriptionID, m.Subscription),
		}
	case *Unsubscribed:
		messageID = m.Request
		flags = frame.FlagIsResponse
		fields = []tlv.Field{tlv.U64(schema.FieldRequestID, m.Request)}
	case *Event:
		fields = []tlv.Field{
			tlv.U64(schema.FieldSubscriptionID, m.Subscription),
			tlv.U64(schema.FieldPublicationID, m.Publication),
		}
		fields = appendString(fields, schema.FieldTopic, m.Topic)
		fields, err = appendPayload(fields, m.Args, m.KwArgs)
	case *Call:
		messageID = m.Request
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.String(schema.FieldProcedure, m.Procedure),
		}
		fields, err = appendPayload(fields, m.Args, m.KwArgs)
	case *Result:
		messageID = m.Request
		flags = frame.FlagIsResponse
		fields = []tlv.Field{tlv.U64(schema.FieldRequestID, m.Request)}
		fields, err = appendPayload(fields, m.Args, m.KwArgs)
	case *Register:
		messageID = m.Request
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.String(schema.FieldProcedure, m.Procedure),
		}
	case *Registered:
		messageID = m.Request
		flags = frame.FlagIsResponse
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.U64(schema.FieldRegistrationID, m.Registration),
		}
	case *Unregister:
		messageID = m.Request
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.U64(schema.FieldRegistrationID, m.Registration),
		}
	case *Unregistered:
		messageID = m.Request
		flags = frame.FlagIsResponse
		fields = []tlv.Field{tlv.U64(schema.FieldRequestID, m.Request)}
	case *Invocation:
		messageID = m.Request
		fields = []tlv.Field{
			tlv.U64(schema.FieldRequestID, m.Request),
			tlv.U64(schema.FieldRegistrationID, m.Registration),
		}
		fields = appendString(fields, schema.FieldProcedure, m.Procedure)
		fields, err = appendPayload(fields, m.Args, m.KwArgs)
	case *Yield:
		messageID = m.Request
		flags = frame.FlagIsResponse
		fields = []tlv.Field{tlv.U64(schema.FieldRequestID, m.Request)}
		fields, err = appendPayload(fields, m.Args, m.KwArgs)
	default:
		return frame.Frame{}, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	if err != nil {
		return frame.Frame{}, err
	}
	if err := schema.Validate(msg.Type(), fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: msg.Type(),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// FromFrame decodes a framed TLV payload into its typed message.
func FromFrame(f frame.Frame) (Message, error) {
	mt := f.Header.MessageType
	if !schema.Known(mt) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, mt)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(mt, fields); err != nil {
		return nil, err
	}
	d := decoder{fields: fields}
	var msg Message
	switch mt {
	case schema.MsgHello:
		msg = &Hello{Realm: d.str(schema.FieldRealm), Agent: d.str(schema.FieldAgent)}
	case schema.MsgWelcome:
		msg = &Welcome{SessionID: d.u64(schema.FieldSessionID), Agent: d.str(schema.FieldAgent)}
	case schema.MsgAbort:
		msg = &Abort{Reason: d.str(schema.FieldReason), Message: d.str(schema.FieldMessage)}
	case schema.MsgGoodbye:
		msg = &Goodbye{Reason: d.str(schema.FieldReason), Message: d.str(schema.FieldMessage)}
	case schema.MsgError:
		m := &Error{
			RequestType: d.u32(schema.FieldRequestType),
			Request:     d.u64(schema.FieldRequestID),
			URI:         d.str(schema.FieldErrorURI),
		}
		m.Args, m.KwArgs = d.payload()
		msg = m
	case schema.MsgPublish:
		m := &Publish{
			Request:     d.u64(schema.FieldRequestID),
			Topic:       d.str(schema.FieldTopic),
			Acknowledge: d.boolean(schema.FieldAcknowledge),
			ExcludeMe:   d.boolean(schema.FieldExcludeMe),
		}
		m.Args, m.KwArgs = d.payload()
		msg = m
	case schema.MsgPublished:
		msg = &Published{Request: d.u64(schema.FieldRequestID), Publication: d.u64(schema.FieldPublicationID)}
	case schema.MsgSubscribe:
		msg = &Subscribe{Request: d.u64(schema.FieldRequestID), Topic: d.str(schema.FieldTopic)}
	case schema.MsgSubscribed:
		msg = &Subscribed{Request: d.u64(schema.FieldRequestID), Subscription: d.u64(schema.FieldSubscriptionID)}
	case schema.MsgUnsubscribe:
		msg = &Unsubscribe{Request: d.u64(schema.FieldRequestID), Subscription: d.u64(schema.FieldSubscriptionID)}
	case schema.MsgUnsubscribed:
		msg = &Unsubscribed{Request: d.u64(schema.FieldRequestID)}
	case schema.MsgEvent:
		m := &Event{
			Subscription: d.u64(schema.FieldSubscriptionID),
			Publication:  d.u64(schema.FieldPublicationID),
			Topic:        d.str(schema.FieldTopic),
		}
		m.Args, m.KwArgs = d.payload()
		msg = m
	case schema.MsgCall:
		m := &Call{Request: d.u64(schema.FieldRequestID), Procedure: d.str(schema.FieldProcedure)}
		m.Args, m.KwArgs = d.payload()
		msg = m
	case schema.MsgResult:
		m := &Result{Request: d.u64(schema.FieldRequestID)}
		m.Args, m.KwArgs = d.payload()
		msg = m
	case schema.MsgRegister:
		msg = &Register{Request: d.u64(schema.FieldRequestID), Procedure: d.str(schema.FieldProcedure)}
	case schema.MsgRegistered:
		msg = &Registered{Request: d.u64(schema.FieldRequestID), Registration: d.u64(schema.FieldRegistrationID)}
	case schema.MsgUnregister:
		msg = &Unregister{Request: d.u64(schema.FieldRequestID), Registration: d.u64(schema.FieldRegistrationID)}
	case schema.MsgUnregistered:
		msg = &Unregistered{Request: d.u64(schema.FieldRequestID)}
	case schema.MsgInvocation:
		m := &Invocation{
			Request:      d.u64(schema.FieldRequestID),
			Registration: d.u64(schema.FieldRegistrationID),
			Procedure:    d.str(schema.FieldProcedure),
		}
		m.Args, m.KwArgs = d.payload()
		msg = m
	case schema.MsgYield:
		m := &Yield{Request: d.u64(schema.FieldRequestID)}
		m.Args, m.KwArgs = d.payload()
		msg = m
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, mt)
	}
	if d.err != nil {
		return nil, d.err
	}
	return msg, nil
}

func appendString(fields []tlv.Field, id uint16, v string) []tlv.Field {
	if v == "" {
		return fields
	}
	return append(fields, tlv.String(id, v))
}

func appendPayload(fields []tlv.Field, args Args, kwargs map[string]any) ([]tlv.Field, error) {
	if len(args) > 0 {
		raw, err := json.Marshal([]any(args))
		if err != nil {
			return nil, fmt.Errorf("protocol: encode args: %w", err)
		}
		fields = append(fields, tlv.Bytes(schema.FieldArgs, raw))
	}
	if len(kwargs) > 0 {
		raw, err := json.Marshal(kwargs)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode kwargs: %w", err)
		}
		fields = append(fields, tlv.Bytes(schema.FieldKwArgs, raw))
	}
	return fields, nil
}

// decoder reads typed fields and keeps the first error.
type decoder struct {
	fields []tlv.Field
	err    error
}

func (d *decoder) str(id uint16) string {
	v, err := tlv.GetString(d.fields, id)
	d.keep(err)
	return v
}

func (d *decoder) u64(id uint16) uint64 {
	v, err := tlv.GetU64(d.fields, id)
	d.keep(err)
	return v
}

func (d *decoder) u32(id uint16) uint32 {
	v, err := tlv.GetU32(d.fields, id)
	d.keep(err)
	return v
}

func (d *decoder) boolean(id uint16) bool {
	v, err := tlv.GetBool(d.fields, id)
	d.keep(err)
	return v
}

func (d *decoder) payload() (Args, map[string]any) {
	var (
		args   Args
		kwargs map[string]any
	)
	if raw, err := tlv.GetBytes(d.fields, schema.FieldArgs); err != nil {
		d.keep(err)
	} else if len(raw) > 0 {
		var list []any
		d.keep(decodeJSON(raw, &list))
		args = Args(list)
	}
	if raw, err := tlv.GetBytes(d.fields, schema.FieldKwArgs); err != nil {
		d.keep(err)
	} else if len(raw) > 0 {
		d.keep(decodeJSON(raw, &kwargs))
	}
	return args, kwargs
}

func (d *decoder) keep(err error) {
	if err != nil && d.err == nil {
		d.err = err
	}
}

func decodeJSON(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	return nil
}
