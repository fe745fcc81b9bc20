package camo

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"

	"github.com/camotunnel/camotunnel/innerproto"
)

// protocolResponseHeader carries the sealed, base64url-encoded
// innerproto.Response.
const protocolResponseHeader = "X-Cache-Result"

// Response is the server-side view of the disguised handshake reply.
type Response struct {
	Inner        innerproto.Response
	WebSocketKey []byte
}

// EncodeResponse seals resp.Inner under key and renders the full
// "101 Switching Protocols" disguised response.
func EncodeResponse(resp Response, key [32]byte) ([]byte, error) {
	sealed, err := innerproto.SealResponse(key, resp.Inner)
	if err != nil {
		return nil, fmt.Errorf("camo: sealing response: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(sealed)
	acceptKey := base64.RawURLEncoding.EncodeToString(computeAcceptKey(resp.WebSocketKey))

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&buf, "Sec-WebSocket-Accept: %s\r\n", acceptKey)
	fmt.Fprintf(&buf, "%s: %s\r\n", protocolResponseHeader, encoded)
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// ParseResponse reads a disguised HTTP response head from r, opens the
// sealed inner response under key, and returns the decoded Response
// together with the parse-remnant.
func ParseResponse(r io.Reader, key [32]byte) (Response, []byte, error) {
	head, remnant, err := readHead(r)
	if err != nil {
		return Response{}, nil, err
	}

	parsed, err := parseResponseHead(head)
	if err != nil {
		return Response{}, nil, err
	}

	if code, err := strconv.Atoi(parsed.StatusCode); err != nil || code != 101 {
		return Response{}, nil, fmt.Errorf("camo: unexpected status %q", parsed.StatusCode)
	}

	encoded := parsed.Headers.Get(protocolResponseHeader)
	if encoded == "" {
		return Response{}, nil, fmt.Errorf("camo: missing %s header", protocolResponseHeader)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Response{}, nil, fmt.Errorf("camo: base64 decoding %s header: %w", protocolResponseHeader, err)
	}

	acceptB64 := parsed.Headers.Get("Sec-WebSocket-Accept")
	if acceptB64 == "" {
		return Response{}, nil, fmt.Errorf("camo: missing Sec-WebSocket-Accept header")
	}
	acceptKey, err := base64.RawURLEncoding.DecodeString(acceptB64)
	if err != nil {
		return Response{}, nil, fmt.Errorf("camo: decoding Sec-WebSocket-Accept: %w", err)
	}

	inner, err := innerproto.OpenResponse(key, sealed)
	if err != nil {
		return Response{}, nil, err
	}

	return Response{Inner: inner, WebSocketKey: acceptKey}, remnant, nil
}
