package inbound

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/camotunnel/camotunnel/httphead"
	"github.com/camotunnel/camotunnel/transport"
)

// HTTPResponder acknowledges or rejects a request accepted by
// AcceptHTTPProxy.
type HTTPResponder struct {
	conn   transport.StreamConn
	tunnel bool
}

// RespondOK completes the handshake and returns the connection ready for
// the relay splice. A CONNECT request gets the usual "200 Connection
// Established" preamble; a plain-HTTP request gets none — its own
// reconstructed request line was already captured as Request.Payload, and
// the upstream's reply is forwarded to the caller untouched.
func (r *HTTPResponder) RespondOK() (transport.StreamConn, error) {
	if r.tunnel {
		if _, err := r.conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			return nil, fmt.Errorf("inbound: writing CONNECT acknowledgement: %w", err)
		}
	}
	return r.conn, nil
}

// RespondErr writes a minimal error response and does not return the
// connection; the caller should close it afterward.
func (r *HTTPResponder) RespondErr(msg string) error {
	body := msg
	resp := fmt.Sprintf("HTTP/1.1 500 Internal Error\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body)
	_, err := r.conn.Write([]byte(resp))
	return err
}

// AcceptHTTPProxy reads one HTTP-CONNECT or plain-HTTP proxy request from
// conn. A CONNECT request yields a Tunnel Request naming just the
// destination; any other method is parsed as an absolute-form proxy
// request (GET http://host/path HTTP/1.1) and yields a Request whose
// Payload is the origin-form request reconstructed for direct replay to
// the destination, followed by any body bytes already buffered past the
// header block.
func AcceptHTTPProxy(conn transport.StreamConn) (Request, *HTTPResponder, error) {
	head, remnant, err := httphead.ReadHead(conn)
	if err != nil {
		return Request{}, nil, err
	}
	parsed, err := httphead.ParseRequestHead(head)
	if err != nil {
		return Request{}, nil, err
	}

	// Splice any bytes already read past the header block back in front
	// of the connection before the caller does anything else with it.
	spliced := conn
	if len(remnant) > 0 {
		spliced = transport.WrapConn(conn, io.MultiReader(bytes.NewReader(remnant), conn), conn)
	}

	if strings.EqualFold(parsed.Method, "CONNECT") {
		host, portStr, err := net.SplitHostPort(parsed.Target)
		if err != nil {
			return Request{}, nil, fmt.Errorf("inbound: malformed CONNECT target %q: %w", parsed.Target, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Request{}, nil, fmt.Errorf("inbound: malformed CONNECT port %q: %w", portStr, err)
		}
		return Request{Tunnel: true, Host: host, Port: uint16(port)},
			&HTTPResponder{conn: spliced, tunnel: true}, nil
	}

	u, err := url.Parse(parsed.Target)
	if err != nil {
		return Request{}, nil, fmt.Errorf("inbound: parsing proxy request URL %q: %w", parsed.Target, err)
	}
	tls := strings.EqualFold(u.Scheme, "https")
	if !tls && !strings.EqualFold(u.Scheme, "http") {
		return Request{}, nil, fmt.Errorf("inbound: unsupported URL scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Request{}, nil, fmt.Errorf("inbound: proxy request URL %q has no host", parsed.Target)
	}
	port, err := defaultPortFor(u, tls)
	if err != nil {
		return Request{}, nil, err
	}

	var buf bytes.Buffer
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	fmt.Fprintf(&buf, "%s %s %s\r\n", parsed.Method, path, parsed.Proto)
	for name, values := range parsed.Headers {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(remnant)

	return Request{Host: host, Port: port, TLS: tls, Payload: buf.Bytes()},
		&HTTPResponder{conn: conn, tunnel: false}, nil
}

func defaultPortFor(u *url.URL, tls bool) (uint16, error) {
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("inbound: malformed URL port %q: %w", p, err)
		}
		return uint16(port), nil
	}
	if tls {
		return 443, nil
	}
	return 80, nil
}
