// Package transport is the boundary between the router/client core and the
// bytes on the wire.
//
// A Channel is one bidirectional message pipe. Providers:
//   - tcp:// and tls://  framed stream over net.Conn
//   - ws:// and wss://   one frame per binary websocket message
//   - Pipe              in-memory pair, no encoding
//
// Keep-alive pings, frame limits and TLS are configured through Config,
// which is validated once at construction.
package transport
