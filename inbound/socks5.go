package inbound

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/camotunnel/camotunnel/transport"
)

// socks5Version is the only version this listener speaks.
const socks5Version = 5

// connectCommand is the only SOCKS5 command this listener supports.
const connectCommand = 1

const (
	addrIPv4   = 1
	addrDomain = 3
	addrIPv6   = 4
)

// SOCKS5Responder acknowledges or rejects a request accepted by
// AcceptSOCKS5.
type SOCKS5Responder struct {
	conn transport.StreamConn
}

// RespondOK writes the fixed success reply. The bound-address fields are
// hardcoded to 0.0.0.0:0: SOCKS5 clients in practice only use these to
// decide whether to open a second connection for UDP ASSOCIATE / BIND,
// neither of which this listener implements, so no real bound address is
// ever meaningful here.
func (r *SOCKS5Responder) RespondOK() (transport.StreamConn, error) {
	if _, err := r.conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
		return nil, fmt.Errorf("inbound: writing SOCKS5 success reply: %w", err)
	}
	return r.conn, nil
}

// RespondErr does not send a reply: SOCKS5 clients (unlike HTTP ones)
// treat an unceremonious close as connection refusal, and this listener
// does not attempt to distinguish failure reasons on the wire.
func (r *SOCKS5Responder) RespondErr(msg string) error {
	return nil
}

// AcceptSOCKS5 runs the SOCKS5 greeting and CONNECT request over conn,
// buffered so the multi-byte reads below don't each round-trip to the
// kernel, and returns the requested destination.
func AcceptSOCKS5(conn transport.StreamConn) (Request, *SOCKS5Responder, error) {
	br := bufio.NewReader(conn)

	if err := expectByte(br, socks5Version, "version (greeting)"); err != nil {
		return Request{}, nil, err
	}
	nMethods, err := br.ReadByte()
	if err != nil {
		return Request{}, nil, fmt.Errorf("inbound: reading SOCKS5 method count: %w", err)
	}
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(br, methods); err != nil {
		return Request{}, nil, fmt.Errorf("inbound: reading SOCKS5 methods: %w", err)
	}
	if !containsByte(methods, 0) {
		return Request{}, nil, fmt.Errorf("inbound: client offers no supported SOCKS5 auth method")
	}
	if _, err := conn.Write([]byte{socks5Version, 0}); err != nil {
		return Request{}, nil, fmt.Errorf("inbound: writing SOCKS5 method selection: %w", err)
	}

	if err := expectByte(br, socks5Version, "version (request)"); err != nil {
		return Request{}, nil, err
	}
	if err := expectByte(br, connectCommand, "command (only CONNECT is supported)"); err != nil {
		return Request{}, nil, err
	}
	if err := expectByte(br, 0, "reserved byte"); err != nil {
		return Request{}, nil, err
	}
	addrType, err := br.ReadByte()
	if err != nil {
		return Request{}, nil, fmt.Errorf("inbound: reading SOCKS5 address type: %w", err)
	}

	var host string
	switch addrType {
	case addrIPv4:
		raw := make([]byte, 4)
		if _, err := io.ReadFull(br, raw); err != nil {
			return Request{}, nil, fmt.Errorf("inbound: reading SOCKS5 IPv4 address: %w", err)
		}
		host = net.IP(raw).String()
	case addrIPv6:
		raw := make([]byte, 16)
		if _, err := io.ReadFull(br, raw); err != nil {
			return Request{}, nil, fmt.Errorf("inbound: reading SOCKS5 IPv6 address: %w", err)
		}
		host = net.IP(raw).String()
	case addrDomain:
		length, err := br.ReadByte()
		if err != nil {
			return Request{}, nil, fmt.Errorf("inbound: reading SOCKS5 domain length: %w", err)
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(br, raw); err != nil {
			return Request{}, nil, fmt.Errorf("inbound: reading SOCKS5 domain: %w", err)
		}
		host = string(raw)
	default:
		return Request{}, nil, fmt.Errorf("inbound: unsupported SOCKS5 address type %d", addrType)
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(br, portBytes); err != nil {
		return Request{}, nil, fmt.Errorf("inbound: reading SOCKS5 port: %w", err)
	}
	port := uint16(portBytes[0])<<8 | uint16(portBytes[1])

	buffered := transport.WrapConn(conn, br, conn)
	return Request{Tunnel: true, Host: host, Port: port}, &SOCKS5Responder{conn: buffered}, nil
}

func expectByte(br *bufio.Reader, want byte, what string) error {
	got, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("inbound: reading SOCKS5 %s: %w", what, err)
	}
	if got != want {
		return fmt.Errorf("inbound: unexpected SOCKS5 %s: got %d, want %d", what, got, want)
	}
	return nil
}

func containsByte(b []byte, v byte) bool {
	for _, x := range b {
		if x == v {
			return true
		}
	}
	return false
}
