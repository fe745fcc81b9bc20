package camo

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	mrand "math/rand"
	"strings"

	"github.com/camotunnel/camotunnel/innerproto"
)

// requestOverflowHeader carries whatever bytes of the sealed, slash-
// injected request didn't fit in the first 25 characters of the path.
const requestOverflowHeader = "Authorization"

// pathPrefixLen is the number of characters of the disguised payload kept
// in the URL path; the rest spills into the overflow header.
const pathPrefixLen = 25

var allMethods = []string{"GET", "POST", "PATCH", "PUT"}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:141.0) Gecko/20100101 Firefox/141.0",
}

// Request is the client-side view of the disguised handshake: the inner
// connection request plus the WebSocket-flavored trimmings needed to send
// and later verify the exchange.
type Request struct {
	Inner        innerproto.Request
	WebSocketKey []byte
	// Host is the value sent in the disguise's Host header (the tunnel
	// server's own host, not the proxied destination).
	Host string
}

// NewRequest builds a Request with a fresh random Sec-WebSocket-Key.
func NewRequest(inner innerproto.Request, host string) (Request, error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return Request{}, fmt.Errorf("camo: generating websocket key: %w", err)
	}
	return Request{Inner: inner, WebSocketKey: key, Host: host}, nil
}

// EncodeRequest seals req.Inner under key and renders the full disguised
// HTTP/1.1 request line, headers, and blank line.
func EncodeRequest(req Request, key [32]byte) ([]byte, error) {
	sealed, err := innerproto.SealRequest(key, req.Inner)
	if err != nil {
		return nil, fmt.Errorf("camo: sealing request: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(sealed)
	disguised := injectSlashes(encoded)

	splitAt := len(disguised)
	if splitAt > pathPrefixLen {
		splitAt = pathPrefixLen
	}
	path, overflow := disguised[:splitAt], disguised[splitAt:]

	var buf bytes.Buffer
	method := allMethods[mrand.Intn(len(allMethods))]
	fmt.Fprintf(&buf, "%s /%s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&buf, "Host: %s\r\n", req.Host)
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Version: 14\r\n")
	fmt.Fprintf(&buf, "Sec-WebSocket-Key: %s\r\n", base64.RawURLEncoding.EncodeToString(req.WebSocketKey))
	if len(overflow) > 0 {
		fmt.Fprintf(&buf, "%s: %s\r\n", requestOverflowHeader, overflow)
	}
	fmt.Fprintf(&buf, "User-Agent: %s\r\n", userAgents[mrand.Intn(len(userAgents))])
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// ParseRequest reads a disguised HTTP request head from r, opens the
// sealed inner request under key, and returns the decoded Request
// together with any bytes already read past the head (the parse-remnant,
// which belongs to the streaming phase).
func ParseRequest(r io.Reader, key [32]byte) (Request, []byte, error) {
	head, remnant, err := readHead(r)
	if err != nil {
		return Request{}, nil, err
	}

	parsed, err := parseRequestHead(head)
	if err != nil {
		return Request{}, nil, err
	}

	if parsed.Target == "" {
		return Request{}, nil, fmt.Errorf("camo: request has no path")
	}
	path := strings.TrimPrefix(parsed.Target, "/")
	overflow := parsed.Headers.Get(requestOverflowHeader)
	disguised := path + overflow

	encoded := removeSlashes(disguised)
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Request{}, nil, fmt.Errorf("camo: base64 decoding disguised request: %w", err)
	}

	inner, err := innerproto.OpenRequest(key, sealed)
	if err != nil {
		return Request{}, nil, err
	}

	upgrade := parsed.Headers.Get("Upgrade")
	if !strings.EqualFold(upgrade, "websocket") {
		return Request{}, nil, fmt.Errorf("camo: missing or unexpected Upgrade header %q", upgrade)
	}

	wsKeyB64 := parsed.Headers.Get("Sec-WebSocket-Key")
	wsKey, err := base64.RawURLEncoding.DecodeString(wsKeyB64)
	if err != nil {
		return Request{}, nil, fmt.Errorf("camo: decoding Sec-WebSocket-Key: %w", err)
	}

	host := parsed.Headers.Get("Host")

	return Request{Inner: inner, WebSocketKey: wsKey, Host: host}, remnant, nil
}
