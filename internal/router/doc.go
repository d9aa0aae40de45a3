// Package router hosts realms and routes calls and events between the
// sessions attached to them.
//
// A Router owns a realm registry. Each Realm keeps its own procedure,
// subscription and invocation tables behind its own lock, so traffic in one
// realm never contends with another. Sessions arrive either from a
// transport.Listener (Serve) or through the in-process path (InProcess),
// which skips the transport and the join handshake.
package router
