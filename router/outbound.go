// Package router composes egress decisions into a tree of Outbound nodes
// and dials the one the tree selects for a given connection request.
// Direct, Protocol (tunnel), IPDivert, SiteDivert, and ResolvingIP are all
// Outbound implementations, matching the transport package's interface-
// based composition style (StreamDialer, StreamEndpoint) rather than
// generics: the tree's node types are heterogeneous and its shape is read
// from configuration at startup, not fixed at compile time.
package router

import (
	"context"
	"net"

	"github.com/camotunnel/camotunnel/transport"
)

// Host identifies a connection's destination either by domain name alone
// or, once a resolver has run, by domain plus its resolved IPv4 address.
// A nil IP means "not yet resolved" or "resolution failed"; downstream
// divert rules must treat that as "unknown", never as a match.
type Host struct {
	Domain string
	IP     net.IP
}

// String renders the host the way it should appear in logs and in the
// Host header the Direct outbound may need to preserve.
func (h Host) String() string {
	return h.Domain
}

// Resolved reports whether an IPv4 address is attached to this Host.
func (h Host) Resolved() bool {
	return h.IP != nil
}

// OutboundRequest is the uniform contract between the router and every
// Outbound: a destination, whether the caller wants the outbound to speak
// TLS to it, and any bytes already read from the inbound side that should
// be replayed to the destination before the splice begins.
type OutboundRequest struct {
	Host             Host
	Port             uint16
	TLS              bool
	InitialPlaintext []byte
}

// Outbound is one node of the routing tree. Send must return a connection
// the caller can read and write full-duplex; Send may rewrite req.Host
// (Direct replaces a domain with its dialed IP literal) but must never
// alter Port, TLS, or InitialPlaintext before passing them to a delegate.
type Outbound interface {
	Send(ctx context.Context, req OutboundRequest) (transport.StreamConn, error)
}
