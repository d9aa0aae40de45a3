package protocol

import "github.com/danmuck/routerd/internal/protocol/schema"

// Message is any routed protocol message.
type Message interface {
	Type() uint32
}

// Response is a router->client message answering one request id.
type Response interface {
	Message
	RequestID() uint64
}

type Hello struct {
	Realm string
	Agent string
}

type Welcome struct {
	SessionID uint64
	Agent     string
}

type Abort struct {
	Reason  string
	Message string
}

type Goodbye struct {
	Reason  string
	Message string
}

// Error answers a failed request of RequestType.
type Error struct {
	RequestType uint32
	Request     uint64
	URI         string
	Args        Args
	KwArgs      map[string]any
}

type Publish struct {
	Request     uint64
	Topic       string
	Args        Args
	KwArgs      map[string]any
	Acknowledge bool
	ExcludeMe   bool
}

type Published struct {
	Request     uint64
	Publication uint64
}

type Subscribe struct {
	Request uint64
	Topic   string
}

type Subscribed struct {
	Request      uint64
	Subscription uint64
}

type Unsubscribe struct {
	Request      uint64
	Subscription uint64
}

type Unsubscribed struct {
	Request uint64
}

type Event struct {
	Subscription uint64
	Publication  uint64
	Topic        string
	Args         Args
	KwArgs       map[string]any
}

type Call struct {
	Request   uint64
	Procedure string
	Args      Args
	KwArgs    map[string]any
}

type Result struct {
	Request uint64
	Args    Args
	KwArgs  map[string]any
}

type Register struct {
	Request   uint64
	Procedure string
}

type Registered struct {
	Request      uint64
	Registration uint64
}

type Unregister struct {
	Request      uint64
	Registration uint64
}

type Unregistered struct {
	Request uint64
}

// Invocation is the router->callee leg of a Call; Request is router-assigned.
type Invocation struct {
	Request      uint64
	Registration uint64
	Procedure    string
	Args         Args
	KwArgs       map[string]any
}

// Yield is the callee's successful reply to an Invocation.
type Yield struct {
	Request uint64
	Args    Args
	KwArgs  map[string]any
}

func (*Hello) Type() uint32        { return schema.MsgHello }
func (*Welcome) Type() uint32      { return schema.MsgWelcome }
func (*Abort) Type() uint32        { return schema.MsgAbort }
func (*Goodbye) Type() uint32      { return schema.MsgGoodbye }
func (*Error) Type() uint32        { return schema.MsgError }
func (*Publish) Type() uint32      { return schema.MsgPublish }
func (*Published) Type() uint32    { return schema.MsgPublished }
func (*Subscribe) Type() uint32    { return schema.MsgSubscribe }
func (*Subscribed) Type() uint32   { return schema.MsgSubscribed }
func (*Unsubscribe) Type() uint32  { return schema.MsgUnsubscribe }
func (*Unsubscribed) Type() uint32 { return schema.MsgUnsubscribed }
func (*Event) Type() uint32        { return schema.MsgEvent }
func (*Call) Type() uint32         { return schema.MsgCall }
func (*Result) Type() uint32       { return schema.MsgResult }
func (*Register) Type() uint32     { return schema.MsgRegister }
func (*Registered) Type() uint32   { return schema.MsgRegistered }
func (*Unregister) Type() uint32   { return schema.MsgUnregister }
func (*Unregistered) Type() uint32 { return schema.MsgUnregistered }
func (*Invocation) Type() uint32   { return schema.MsgInvocation }
func (*Yield) Type() uint32        { return schema.MsgYield }

func (m *Error) RequestID() uint64        { return m.Request }
func (m *Published) RequestID() uint64    { return m.Request }
func (m *Subscribed) RequestID() uint64   { return m.Request }
func (m *Unsubscribed) RequestID() uint64 { return m.Request }
func (m *Result) RequestID() uint64       { return m.Request }
func (m *Registered) RequestID() uint64   { return m.Request }
func (m *Unregistered) RequestID() uint64 { return m.Request }

// TypeName returns a log-friendly message name.
func TypeName(messageType uint32) string {
	switch messageType {
	case schema.MsgHello:
		return "HELLO"
	case schema.MsgWelcome:
		return "WELCOME"
	case schema.MsgAbort:
		return "ABORT"
	case schema.MsgGoodbye:
		return "GOODBYE"
	case schema.MsgError:
		return "ERROR"
	case schema.MsgPublish:
		return "PUBLISH"
	case schema.MsgPublished:
		return "PUBLISHED"
	case schema.MsgSubscribe:
		return "SUBSCRIBE"
	case schema.MsgSubscribed:
		return "SUBSCRIBED"
	case schema.MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case schema.MsgUnsubscribed:
		return "UNSUBSCRIBED"
	case schema.MsgEvent:
		return "EVENT"
	case schema.MsgCall:
		return "CALL"
	case schema.MsgResult:
		return "RESULT"
	case schema.MsgRegister:
		return "REGISTER"
	case schema.MsgRegistered:
		return "REGISTERED"
	case schema.MsgUnregister:
		return "UNREGISTER"
	case schema.MsgUnregistered:
		return "UNREGISTERED"
	case schema.MsgInvocation:
		return "INVOCATION"
	case schema.MsgYield:
		return "YIELD"
	default:
		return "UNKNOWN"
	}
}
