package router

import (
	"context"

	"github.com/camotunnel/camotunnel/transport"
)

// IPDivert examines the request's resolved IPv4 address, if any, and
// routes to A when Predicate(ip) holds, otherwise to B. An unresolved host
// (nil IP) is treated as "unknown" and always falls through to B, never A.
type IPDivert struct {
	A         Outbound // optional; nil means "always B"
	B         Outbound
	Predicate func(ip Host) bool
}

var _ Outbound = (*IPDivert)(nil)

func (d *IPDivert) Send(ctx context.Context, req OutboundRequest) (transport.StreamConn, error) {
	if d.A != nil && req.Host.Resolved() && d.Predicate(req.Host) {
		return d.A.Send(ctx, req)
	}
	return d.B.Send(ctx, req)
}

// SiteDivert examines the request's domain name and routes to A when
// Predicate(domain) holds, otherwise to B.
type SiteDivert struct {
	A         Outbound // optional; nil means "always B"
	B         Outbound
	Predicate func(domain string) bool
}

var _ Outbound = (*SiteDivert)(nil)

func (d *SiteDivert) Send(ctx context.Context, req OutboundRequest) (transport.StreamConn, error) {
	if d.A != nil && d.Predicate(req.Host.Domain) {
		return d.A.Send(ctx, req)
	}
	return d.B.Send(ctx, req)
}
