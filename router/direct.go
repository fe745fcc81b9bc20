package router

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/camotunnel/camotunnel/transport"
)

// DefaultDirectTimeout bounds the TCP connect (and, if requested, TLS
// handshake) step of a Direct dial.
const DefaultDirectTimeout = 10 * time.Second

// Direct dials straight to the destination named in the request, with no
// tunnel involved. It is the innermost leaf of the standard CN-client tree,
// reached for private, loopback, link-local, and CN-geoip addresses.
type Direct struct {
	Dialer  net.Dialer
	Timeout time.Duration
}

var _ Outbound = (*Direct)(nil)

func (d *Direct) Send(ctx context.Context, req OutboundRequest) (transport.StreamConn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDirectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := req.Host.Domain
	if req.Host.Resolved() {
		target = req.Host.IP.String()
	}
	addr := net.JoinHostPort(target, fmt.Sprintf("%d", req.Port))

	conn, err := d.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("router: direct dial %s: %w", addr, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("router: direct dial %s: not a TCP connection", addr)
	}

	var sc transport.StreamConn = tcpConn
	if req.TLS {
		tlsConn := tls.Client(tcpConn, &tls.Config{ServerName: req.Host.Domain})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("router: direct TLS handshake with %s: %w", addr, err)
		}
		sc = transport.WrapConn(tcpConn, tlsConn, tlsConn)
	}

	if len(req.InitialPlaintext) > 0 {
		if _, err := sc.Write(req.InitialPlaintext); err != nil {
			sc.Close()
			return nil, fmt.Errorf("router: direct writing initial plaintext to %s: %w", addr, err)
		}
	}

	return sc, nil
}
