// Package dnsdivert answers A-record queries on behalf of clients that
// cannot be trusted to use their own system resolver: a lookup whose
// result already lands in the embedded GeoIP table's CN ranges is
// returned as-is, while anything else is re-resolved against a
// caller-configured upstream known not to tamper with foreign answers.
// It shares the GeoIP table and the Resolver type with package router so
// the two components never disagree about what counts as domestic.
package dnsdivert

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/camotunnel/camotunnel/geoip"
	"github.com/camotunnel/camotunnel/router"
)

// DefaultQueryTimeout bounds both the system-resolver lookup and the
// trusted-upstream exchange used to answer one incoming query.
const DefaultQueryTimeout = 5 * time.Second

// Server is a miekg/dns handler answering A queries by consulting a
// GeoIP table and, when the system resolver's answer isn't already
// Chinese-range, a trusted non-CN upstream instead.
type Server struct {
	// Table classifies resolved IPv4 addresses as CN or not.
	Table *geoip.Table
	// Resolve looks up the system resolver's own answer for a domain.
	// Defaults to router.DefaultResolver.
	Resolve router.Resolver
	// TrustedUpstream is a DNS server address (host:port) queried for
	// the final answer whenever the system resolver's address isn't in
	// a CN range. Optional: if empty, the system resolver's own answer
	// is returned as-is regardless of its range.
	TrustedUpstream string
	// Net selects "udp" or "tcp" for the TrustedUpstream exchange.
	// Defaults to "udp".
	Net string

	Logger *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) resolver() router.Resolver {
	if s.Resolve != nil {
		return s.Resolve
	}
	return router.DefaultResolver
}

// ListenAndServe runs UDP and TCP listeners on addr until ctx is
// canceled, following the miekg/dns convention of one *dns.Server per
// network. Either listener failing to start is a fatal error; once both
// are up, it blocks until ctx is done and then shuts both down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	udp := &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	tcp := &dns.Server{Addr: addr, Net: "tcp", Handler: mux}

	errCh := make(chan error, 2)
	go func() { errCh <- udp.ListenAndServe() }()
	go func() { errCh <- tcp.ListenAndServe() }()

	select {
	case <-ctx.Done():
		udp.Shutdown()
		tcp.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		udp.Shutdown()
		tcp.Shutdown()
		return err
	}
}

// handleQuery answers one incoming DNS message. Only single-question,
// A-record queries are divert-aware; everything else (AAAA, MX, multi-
// question messages, ...) gets a plain NOTIMP, since this server exists
// solely to steer A-record resolution around the firewall, not to act
// as a general resolver.
func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	defer w.Close()

	if len(r.Question) != 1 || r.Question[0].Qtype != dns.TypeA {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeNotImplemented)
		w.WriteMsg(msg)
		return
	}

	domain := r.Question[0].Name
	ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
	defer cancel()

	ip, err := s.answer(ctx, domain)
	msg := new(dns.Msg)
	msg.SetReply(r)
	if err != nil || ip == nil {
		s.logger().Warn("dnsdivert: resolution failed", "domain", domain, "err", err)
		msg.Rcode = dns.RcodeServerFailure
		w.WriteMsg(msg)
		return
	}

	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: domain, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   ip,
	})
	w.WriteMsg(msg)
}

// answer decides which IPv4 address to hand back for domain: the system
// resolver's own answer if it already falls in a CN range, otherwise
// whatever the trusted upstream returns.
func (s *Server) answer(ctx context.Context, domain string) (net.IP, error) {
	systemIP, err := s.resolver()(ctx, domain)
	if err != nil {
		return nil, err
	}
	if systemIP != nil && s.Table != nil {
		if cc, lookupErr := s.Table.Lookup(ipToUint32(systemIP)); lookupErr == nil && cc == "CN" {
			return systemIP, nil
		}
	}
	if s.TrustedUpstream == "" {
		// No trusted fallback configured: hand back the system answer
		// as-is rather than failing the query outright.
		return systemIP, nil
	}
	return s.queryTrustedUpstream(ctx, domain)
}

// queryTrustedUpstream resolves domain against TrustedUpstream directly,
// bypassing the system resolver entirely so a poisoned local path can't
// taint the fallback answer either.
func (s *Server) queryTrustedUpstream(ctx context.Context, domain string) (net.IP, error) {
	client := &dns.Client{Net: s.net(), Timeout: DefaultQueryTimeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	resp, _, err := client.ExchangeContext(ctx, msg, s.TrustedUpstream)
	if err != nil {
		return nil, err
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, nil
}

func (s *Server) net() string {
	if s.Net != "" {
		return s.Net
	}
	return "udp"
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}
