// Package relay implements the per-connection state machine shared by
// every inbound protocol: accept a Request, then either acknowledge the
// client, capture a bounded initial payload and dial the chosen Outbound
// (CONNECT/SOCKS5), or dial first and then acknowledge or reject the client
// (plain HTTP), and splice the two streams until either side ends.
package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/camotunnel/camotunnel/inbound"
	"github.com/camotunnel/camotunnel/router"
	"github.com/camotunnel/camotunnel/transport"
)

// initialReadMax and initialReadTimeout bound the optional bounded read of
// the client's own first payload (e.g. a TLS ClientHello) performed right
// after acknowledging a CONNECT/SOCKS5 request, so the tunnel server can
// forward it to the real upstream before any bytes are spliced.
const (
	initialReadMax      = 4096
	initialReadTimeout  = 200 * time.Millisecond
	outboundDialTimeout = 50 * time.Second
)

// Responder acknowledges or rejects an accepted inbound request. Both
// inbound.HTTPResponder and inbound.SOCKS5Responder satisfy this.
type Responder interface {
	RespondOK() (transport.StreamConn, error)
	RespondErr(msg string) error
}

// Acceptor runs one inbound protocol's handshake over conn.
type Acceptor func(conn transport.StreamConn) (inbound.Request, Responder, error)

// Serve runs the full relay state machine for one accepted connection:
// accept; then acknowledge, bounded initial read, dial for a tunnel
// request, or dial, acknowledge for a plain HTTP request; then splice.
// It always closes conn before returning.
func Serve(ctx context.Context, conn transport.StreamConn, accept Acceptor, outbound router.Outbound) error {
	defer conn.Close()

	req, responder, err := accept(conn)
	if err != nil {
		return fmt.Errorf("relay: accepting inbound request: %w", err)
	}

	outReq := router.OutboundRequest{
		Host:             router.Host{Domain: req.Host},
		Port:             req.Port,
		TLS:              req.TLS,
		InitialPlaintext: req.Payload,
	}

	var clientConn, upstream transport.StreamConn
	if req.Tunnel {
		clientConn, upstream, err = serveTunnel(ctx, conn, responder, outReq, outbound)
	} else {
		clientConn, upstream, err = serveHTTP(ctx, responder, outReq, outbound)
	}
	if err != nil {
		return err
	}
	defer upstream.Close()

	splice(clientConn, upstream)
	return nil
}

// serveTunnel implements step 2 of the state machine: for a CONNECT/SOCKS5
// request, acknowledge the client first, then attempt the bounded initial
// read, then dial with the captured bytes folded into InitialPlaintext.
// The client's own first payload (commonly a TLS ClientHello) carries the
// SNI the tunnel server may need, so capturing it before dialing lets the
// server present it to the real upstream and echo back a 0-RTT reply.
func serveTunnel(ctx context.Context, conn transport.StreamConn, responder Responder, outReq router.OutboundRequest, outbound router.Outbound) (transport.StreamConn, transport.StreamConn, error) {
	acked, err := responder.RespondOK()
	if err != nil {
		return nil, nil, fmt.Errorf("relay: acknowledging tunnel request: %w", err)
	}

	buf := make([]byte, initialReadMax)
	acked.SetReadDeadline(time.Now().Add(initialReadTimeout))
	n, rerr := acked.Read(buf)
	acked.SetReadDeadline(time.Time{})
	if n > 0 {
		outReq.InitialPlaintext = append(append([]byte(nil), outReq.InitialPlaintext...), buf[:n]...)
	} else if rerr != nil && !isTimeout(rerr) && rerr != io.EOF {
		return nil, nil, fmt.Errorf("relay: reading initial payload: %w", rerr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, outboundDialTimeout)
	defer cancel()
	upstream, err := outbound.Send(dialCtx, outReq)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: dialing outbound: %w", err)
	}
	return acked, upstream, nil
}

// serveHTTP implements step 3: for an in-band HTTP request the payload was
// already reconstructed at accept time, so the outbound is dialed first;
// only a successful dial is acknowledged, and a failed one gets an error
// response before the connection is abandoned.
func serveHTTP(ctx context.Context, responder Responder, outReq router.OutboundRequest, outbound router.Outbound) (transport.StreamConn, transport.StreamConn, error) {
	upstream, err := outbound.Send(ctx, outReq)
	if err != nil {
		if rerr := responder.RespondErr(err.Error()); rerr != nil {
			return nil, nil, fmt.Errorf("relay: dialing outbound: %w (and responding error: %v)", err, rerr)
		}
		return nil, nil, fmt.Errorf("relay: dialing outbound: %w", err)
	}
	acked, err := responder.RespondOK()
	if err != nil {
		upstream.Close()
		return nil, nil, fmt.Errorf("relay: acknowledging HTTP request: %w", err)
	}
	return acked, upstream, nil
}

// splice copies bytes in both directions until either side reaches EOF,
// propagating the resulting half-close instead of closing the whole
// connection, so a still-draining direction isn't cut short.
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

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
