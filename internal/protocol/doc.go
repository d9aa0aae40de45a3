// Package protocol owns the message contract shared by router and client.
//
// Ownership boundary:
// - typed messages (hello/welcome, rpc, pubsub, errors)
// - message <-> frame codec over frame/tlv/schema primitives
// - error URIs and the RPCError type carried by Error messages
//
// Messages travel by value through the in-process path and through the
// codec on network transports; both paths see the same structs.
package protocol
