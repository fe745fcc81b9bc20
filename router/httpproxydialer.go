package router

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/camotunnel/camotunnel/transport"
)

// DefaultHTTPProxyTimeout bounds connecting to the upstream HTTP proxy and
// receiving its response to the CONNECT request.
const DefaultHTTPProxyTimeout = 10 * time.Second

// HTTPProxyDialer is an alternate transport for reaching the tunnel
// server: instead of dialing it directly, it connects to an intermediate
// HTTP proxy and issues a CONNECT for the tunnel server's host:port,
// handing the resulting connection to Protocol as if it were a direct
// dial. This lets an operator run the tunnel client from behind a
// corporate HTTP proxy that otherwise blocks raw outbound TCP.
type HTTPProxyDialer struct {
	ProxyHost string
	ProxyPort uint16
	Dialer    net.Dialer
}

var _ transport.StreamDialer = (*HTTPProxyDialer)(nil)

// Dial connects to the configured upstream proxy and CONNECTs to raddr,
// returning the tunneled connection once the proxy answers 200.
func (d *HTTPProxyDialer) Dial(ctx context.Context, raddr string) (transport.StreamConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultHTTPProxyTimeout)
	defer cancel()

	proxyAddr := net.JoinHostPort(d.ProxyHost, fmt.Sprintf("%d", d.ProxyPort))
	conn, err := d.Dialer.DialContext(dialCtx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("router: dialing upstream HTTP proxy %s: %w", proxyAddr, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("router: dialing upstream HTTP proxy %s: not a TCP connection", proxyAddr)
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		tcpConn.SetDeadline(deadline)
	}

	fmt.Fprintf(tcpConn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", raddr, raddr)

	reader := bufio.NewReader(tcpConn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("router: reading CONNECT response from %s: %w", proxyAddr, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		tcpConn.Close()
		return nil, fmt.Errorf("router: CONNECT to %s via %s failed: %s", raddr, proxyAddr, resp.Status)
	}
	if reader.Buffered() > 0 {
		tcpConn.Close()
		return nil, fmt.Errorf("router: CONNECT to %s via %s: unexpected data buffered after response", raddr, proxyAddr)
	}

	tcpConn.SetDeadline(time.Time{})
	return tcpConn, nil
}
