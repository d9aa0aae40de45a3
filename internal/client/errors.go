package client

import "errors"

var (
	ErrConnectionLost       = errors.New("client: connection lost")
	ErrConnectionClosing    = errors.New("client: connection closing")
	ErrConnectionClosed     = errors.New("client: connection closed")
	ErrNotConnected         = errors.New("client: not connected")
	ErrAlreadyOpen          = errors.New("client: already open")
	ErrJoinRejected         = errors.New("client: join rejected")
	ErrInvalidConfiguration = errors.New("client: invalid configuration")
	ErrPending              = errors.New("client: result pending")
	ErrUnexpectedReply      = errors.New("client: unexpected reply")
)
