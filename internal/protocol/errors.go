package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Router-reserved error and close URIs.
const (
	URIProcedureAlreadyExists = "wamp.error.procedure_already_exists"
	URINoSuchProcedure        = "wamp.error.no_such_procedure"
	URINoSuchRegistration     = "wamp.error.no_such_registration"
	URINoSuchSubscription     = "wamp.error.no_such_subscription"
	URISessionGone            = "wamp.error.session_gone"
	URINoSuchRealm            = "wamp.error.no_such_realm"
	URIProtocolViolation      = "wamp.error.protocol_violation"
	URIPayloadSizeExceeded    = "wamp.error.payload_size_exceeded"
	URISystemShutdown         = "wamp.close.system_shutdown"
	URICloseRealm             = "wamp.close.close_realm"
	URICloseNormal            = "wamp.close.normal"
	URIGoodbyeAndOut          = "wamp.close.goodbye_and_out"
)

// Application-level URIs used by handlers.
const (
	URIInvalidArgument = "wamp.error.invalid_argument"
	URIRuntimeError    = "wamp.error.runtime_error"
)

var (
	ErrUnknownMessage = errors.New("protocol: unknown message type")
	ErrNilMessage     = errors.New("protocol: nil message")
)

var reservedURIs = map[string]struct{}{
	URIProcedureAlreadyExists: {},
	URINoSuchProcedure:        {},
	URINoSuchRegistration:     {},
	URINoSuchSubscription:     {},
	URISessionGone:            {},
	URINoSuchRealm:            {},
	URIProtocolViolation:      {},
	URIPayloadSizeExceeded:    {},
	URISystemShutdown:         {},
	URICloseRealm:             {},
}

// RPCError is the error outcome of a remote request. Two RPCErrors match
// under errors.Is when their URIs are equal.
type RPCError struct {
	URI    string
	Args   Args
	KwArgs map[string]any
}

var (
	ErrProcedureAlreadyExists = &RPCError{URI: URIProcedureAlreadyExists}
	ErrNoSuchProcedure        = &RPCError{URI: URINoSuchProcedure}
	ErrNoSuchRegistration     = &RPCError{URI: URINoSuchRegistration}
	ErrNoSuchSubscription     = &RPCError{URI: URINoSuchSubscription}
	ErrSessionGone            = &RPCError{URI: URISessionGone}
	ErrNoSuchRealm            = &RPCError{URI: URINoSuchRealm}
	ErrProtocolViolation      = &RPCError{URI: URIProtocolViolation}
	ErrPayloadSizeExceeded    = &RPCError{URI: URIPayloadSizeExceeded}
	ErrSystemShutdown         = &RPCError{URI: URISystemShutdown}
	ErrInvalidArgument        = &RPCError{URI: URIInvalidArgument}
)

// NewApplicationError builds a handler-reported error.
func NewApplicationError(uri string, args ...any) *RPCError {
	return &RPCError{URI: uri, Args: Args(args)}
}

func (e *RPCError) Error() string {
	if len(e.Args) == 0 {
		return fmt.Sprintf("rpc error: %s", e.URI)
	}
	parts := make([]string, 0, len(e.Args))
	for _, a := range e.Args {
		parts = append(parts, fmt.Sprint(a))
	}
	return fmt.Sprintf("rpc error: %s: %s", e.URI, strings.Join(parts, ", "))
}

func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	if !ok {
		return false
	}
	return t.URI == e.URI
}

// IsApplication reports whether the error was raised by a handler rather
// than by the router itself.
func (e *RPCError) IsApplication() bool {
	_, reserved := reservedURIs[e.URI]
	return !reserved
}

// AsRPCError converts any handler error into an RPCError.
func AsRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{URI: URIRuntimeError, Args: Args{err.Error()}}
}

// ErrorFromMessage lifts an Error message into an RPCError.
func ErrorFromMessage(m *Error) *RPCError {
	return &RPCError{URI: m.URI, Args: m.Args, KwArgs: m.KwArgs}
}
