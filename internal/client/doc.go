// Package client is the connection state machine a process uses to join a
// realm and issue register, call, publish and subscribe requests.
//
// A Client moves through Disconnected, Connecting, Connected, Reconnecting,
// Disconnecting and Closed. Every request issued while Connected is tracked
// in a per-session pending table; leaving Connected fails each entry exactly
// once. Registrations and subscriptions are not replayed after a reconnect:
// watch for the next Connected transition and redo them.
package client
