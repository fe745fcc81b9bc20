// Package camo implements the HTTP-Camo handshake codec: a single HTTP/1.1
// request/response pair, styled as a WebSocket upgrade, that carries a
// sealed innerproto.Request or innerproto.Response disguised as an
// ordinary URL path and a custom response header.
package camo

import (
	"io"

	"github.com/camotunnel/camotunnel/httphead"
)

// ErrHeadTooLarge is returned when no HTTP head terminator is found within
// maxHeadSize bytes.
var ErrHeadTooLarge = httphead.ErrHeadTooLarge

// maxHeadSize bounds how much of the disguised request/response head this
// codec will buffer while searching for the blank-line terminator,
// matching the documented 64 KiB ceiling.
const maxHeadSize = httphead.MaxSize

// readHead reads from r in doubling-size chunks until it observes
// "\r\n\r\n" (or exceeds maxHeadSize), then returns the head (including
// the terminator) and any bytes already read past it: the parse-remnant
// that belongs to the body/streaming phase and must be replayed to the
// caller verbatim. A raw growing buffer is used instead of net/http's own
// request/response readers because those readers may begin lazily
// consuming the body through the same buffered reader, making it
// impossible to recover the exact remnant bytes independent of body
// framing (chunked encoding, Content-Length) that this disguised
// handshake does not use.
func readHead(r io.Reader) ([]byte, []byte, error) {
	return httphead.ReadHead(r)
}

type parsedRequestHead = httphead.RequestHead

func parseRequestHead(head []byte) (parsedRequestHead, error) {
	return httphead.ParseRequestHead(head)
}

type parsedResponseHead = httphead.ResponseHead

func parseResponseHead(head []byte) (parsedResponseHead, error) {
	return httphead.ParseResponseHead(head)
}
