package router

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/camotunnel/camotunnel/camo"
	"github.com/camotunnel/camotunnel/cipher"
	"github.com/camotunnel/camotunnel/innerproto"
	"github.com/camotunnel/camotunnel/transport"
)

// ServerConfig names a tunnel server this client can reach: its own
// address, whether to speak TLS to it, and the pre-shared key derived for
// that server.
type ServerConfig struct {
	Host string
	Port uint16
	TLS  bool
	Key  [32]byte
}

// DefaultProtocolTimeout bounds dialing and handshaking with the tunnel
// server, before the caller's own per-request timeouts take over.
const DefaultProtocolTimeout = 10 * time.Second

// Protocol is the tunnel-client Outbound: it dials a fixed tunnel server,
// runs the disguised camo handshake carrying the real destination, and
// returns the resulting connection wrapped in the negotiated cipher
// stream. A StreamDialer is used to reach the server itself, so an
// HTTPProxyDialer can be substituted for a raw TCP dial transparently.
type Protocol struct {
	Server ServerConfig
	Dialer transport.StreamDialer
}

var _ Outbound = (*Protocol)(nil)

func (p *Protocol) Send(ctx context.Context, req OutboundRequest) (transport.StreamConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultProtocolTimeout)
	defer cancel()

	dialer := p.Dialer
	if dialer == nil {
		dialer = &transport.TCPStreamDialer{}
	}
	addr := net.JoinHostPort(p.Server.Host, fmt.Sprintf("%d", p.Server.Port))
	conn, err := dialer.Dial(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("router: dialing tunnel server %s: %w", addr, err)
	}

	var sc transport.StreamConn = conn
	if p.Server.TLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: p.Server.Host})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("router: TLS handshake with tunnel server %s: %w", addr, err)
		}
		sc = transport.WrapConn(conn, tlsConn, tlsConn)
	}

	clientToServer, serverToClient, err := cipher.ChooseForPort(req.Port)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("router: choosing cipher specs: %w", err)
	}

	inner := innerproto.Request{
		Host:             req.Host.Domain,
		Port:             req.Port,
		TLS:              req.TLS,
		ClientToServer:   clientToServer,
		ServerToClient:   serverToClient,
		InitialPlaintext: req.InitialPlaintext,
		TimestampUnix:    uint64(time.Now().Unix()),
	}
	camoReq, err := camo.NewRequest(inner, p.Server.Host)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("router: building camo request: %w", err)
	}
	wire, err := camo.EncodeRequest(camoReq, p.Server.Key)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("router: encoding camo request: %w", err)
	}
	if _, err := sc.Write(wire); err != nil {
		sc.Close()
		return nil, fmt.Errorf("router: sending camo request: %w", err)
	}

	resp, remnant, err := camo.ParseResponse(sc, p.Server.Key)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("router: parsing camo response: %w", err)
	}
	if !resp.Inner.Success {
		sc.Close()
		return nil, fmt.Errorf("router: tunnel server rejected request: %s", resp.Inner.ErrorMessage)
	}

	// remnant is ciphertext already pulled off sc while parsing the
	// disguised response head; splice it back in front of sc's remaining
	// bytes before the cipher stream's decrypt side sees any of it.
	withRemnant := transport.WrapConn(sc, io.MultiReader(bytes.NewReader(remnant), sc), sc)
	cipherStream, err := cipher.New(withRemnant, clientToServer, serverToClient)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("router: wrapping tunnel stream in cipher: %w", err)
	}

	var r io.Reader = cipherStream
	if len(resp.Inner.InitialResponse) > 0 {
		r = io.MultiReader(bytes.NewReader(resp.Inner.InitialResponse), cipherStream)
	}
	return transport.WrapConn(sc, r, cipherStream), nil
}
