package router

import (
	"context"
	"log/slog"
	"net"

	"github.com/camotunnel/camotunnel/transport"
)

// Resolver looks up the first IPv4 address for domain. It follows the
// teacher's single-method function-type resolver pattern (dns.Resolver)
// rather than an interface, since the only behavior callers vary is the
// lookup strategy itself.
type Resolver func(ctx context.Context, domain string) (net.IP, error)

// DefaultResolver looks up domain with the standard library resolver and
// returns the first IPv4 address in the answer.
func DefaultResolver(ctx context.Context, domain string) (net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", domain)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, nil
}

// ResolvingIP wraps an inner Outbound, pre-resolving a domain-only Host to
// its IPv4 address before delegating. A resolution failure is logged and
// swallowed, not propagated: the request proceeds with an unresolved Host,
// and any IPDivert further down the tree treats that as "unknown".
type ResolvingIP struct {
	Inner    Outbound
	Resolver Resolver
	Logger   *slog.Logger
}

var _ Outbound = (*ResolvingIP)(nil)

func (r *ResolvingIP) Send(ctx context.Context, req OutboundRequest) (transport.StreamConn, error) {
	if !req.Host.Resolved() && req.Host.Domain != "" {
		ip, err := r.Resolver(ctx, req.Host.Domain)
		if err != nil {
			r.logger().Warn("resolving host failed", "host", req.Host.Domain, "error", err)
		} else if ip != nil {
			req.Host.IP = ip
		}
	}
	return r.Inner.Send(ctx, req)
}

func (r *ResolvingIP) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
