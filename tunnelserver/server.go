// Package tunnelserver implements the remote endpoint of the camouflaged
// tunnel: it accepts disguised HTTP connections, opens the sealed inner
// request, dials the real upstream on the caller's behalf, and splices the
// two streams together under the negotiated per-direction ciphers.
package tunnelserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/camotunnel/camotunnel/camo"
	"github.com/camotunnel/camotunnel/cipher"
	"github.com/camotunnel/camotunnel/innerproto"
	"github.com/camotunnel/camotunnel/transport"
)

// DefaultUpstreamDialTimeout bounds the TCP connect (and TLS handshake, if
// requested) to the real destination named in the sealed request.
const DefaultUpstreamDialTimeout = 10 * time.Second

// initialResponseCaptureTimeout and initialResponseCaptureMax bound the
// opportunistic read of the upstream's own first bytes (e.g. a TLS
// ServerHello), so the client can be handed a zero-RTT echo of it instead
// of waiting for its own round trip once the tunnel is spliced.
const (
	initialResponseCaptureTimeout = 500 * time.Millisecond
	initialResponseCaptureMax     = 4096
)

// notFoundResponse is sent whenever the incoming connection doesn't parse
// as a valid disguised request, denying a fingerprinting probe any reply
// distinguishable from a plain HTTP server's 404.
const notFoundResponse = "HTTP/1.1 404 Not Found\r\n\r\n"

// Server runs the tunnel-server side of one or more connections sharing a
// single pre-shared key.
type Server struct {
	Key    [32]byte
	Dialer net.Dialer
	Logger *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// HandleConnection runs one accepted connection to completion. It always
// closes conn before returning.
func (s *Server) HandleConnection(ctx context.Context, conn transport.StreamConn) {
	defer conn.Close()

	req, remnant, err := camo.ParseRequest(conn, s.Key)
	if err != nil {
		s.logger().Debug("rejecting connection with malformed handshake", "err", err)
		conn.Write([]byte(notFoundResponse))
		return
	}

	spliced := conn
	if len(remnant) > 0 {
		spliced = transport.WrapConn(conn, io.MultiReader(bytes.NewReader(remnant), conn), conn)
	}

	upstream, initialResponse, err := s.dialUpstream(ctx, req.Inner)
	if err != nil {
		s.logger().Warn("upstream dial failed", "host", req.Inner.Host, "port", req.Inner.Port, "err", err)
		s.respondError(spliced, req, err)
		return
	}
	defer upstream.Close()

	resp := camo.Response{
		Inner:        innerproto.SuccessResponse(initialResponse, uint64(time.Now().Unix())),
		WebSocketKey: req.WebSocketKey,
	}
	wire, err := camo.EncodeResponse(resp, s.Key)
	if err != nil {
		s.logger().Error("encoding success response", "err", err)
		return
	}
	if _, err := spliced.Write(wire); err != nil {
		s.logger().Debug("writing success response", "err", err)
		return
	}

	// The server's write side encrypts with server_send_cipher, and its
	// read side decrypts with client_send_cipher: the inverse pairing of
	// the client's own cipher.New call in router.Protocol.
	cipherStream, err := cipher.New(spliced, req.Inner.ServerToClient, req.Inner.ClientToServer)
	if err != nil {
		s.logger().Error("wrapping tunnel stream in cipher", "err", err)
		return
	}
	tunnelConn := transport.WrapConn(spliced, cipherStream, cipherStream)

	splice(tunnelConn, upstream)
}

// dialUpstream connects to the destination named in req, optionally over
// TLS, writes any initial_plaintext captured from the client, and attempts
// a short opportunistic read of the upstream's own first reply bytes.
func (s *Server) dialUpstream(ctx context.Context, req innerproto.Request) (transport.StreamConn, []byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultUpstreamDialTimeout)
	defer cancel()

	addr := net.JoinHostPort(req.Host, fmt.Sprintf("%d", req.Port))
	conn, err := s.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("tunnelserver: dialing upstream %s: %w", addr, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, nil, fmt.Errorf("tunnelserver: dialing upstream %s: not a TCP connection", addr)
	}

	var sc transport.StreamConn = tcpConn
	if req.TLS {
		tlsConn := tls.Client(tcpConn, &tls.Config{ServerName: req.Host})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			tcpConn.Close()
			return nil, nil, fmt.Errorf("tunnelserver: TLS handshake with upstream %s: %w", addr, err)
		}
		sc = transport.WrapConn(tcpConn, tlsConn, tlsConn)
	}

	if len(req.InitialPlaintext) > 0 {
		if _, err := sc.Write(req.InitialPlaintext); err != nil {
			sc.Close()
			return nil, nil, fmt.Errorf("tunnelserver: writing initial plaintext to upstream %s: %w", addr, err)
		}
	}

	return sc, captureInitialResponse(sc), nil
}

// captureInitialResponse attempts a single bounded read from upstream,
// returning whatever bytes (possibly none) arrived before the deadline.
// A timeout or any other read error is not propagated: an empty capture is
// a valid outcome, not a failure of the tunnel.
func captureInitialResponse(sc transport.StreamConn) []byte {
	buf := make([]byte, initialResponseCaptureMax)
	sc.SetReadDeadline(time.Now().Add(initialResponseCaptureTimeout))
	n, _ := sc.Read(buf)
	sc.SetReadDeadline(time.Time{})
	if n <= 0 {
		return nil
	}
	return append([]byte(nil), buf[:n]...)
}

// respondError seals an Error response naming cause and sends it; the
// caller closes conn afterward regardless of whether this write succeeds.
func (s *Server) respondError(conn transport.StreamConn, req camo.Request, cause error) {
	resp := camo.Response{
		Inner:        innerproto.ErrorResponse(cause.Error(), uint64(time.Now().Unix())),
		WebSocketKey: req.WebSocketKey,
	}
	wire, err := camo.EncodeResponse(resp, s.Key)
	if err != nil {
		s.logger().Error("encoding error response", "err", err)
		return
	}
	conn.Write(wire)
}

// splice copies bytes in both directions until either side reaches EOF,
// propagating the resulting half-close instead of closing the whole
// connection. Mirrors the splice step in package relay, grounded on the
// same bidirectional-copy idiom.
func splice(a, b transport.StreamConn) {
	done := make(chan struct{})
	go func() {
		io.Copy(b, a)
		b.CloseWrite()
		a.CloseRead()
		close(done)
	}()
	io.Copy(a, b)
	a.CloseWrite()
	b.CloseRead()
	<-done
}
