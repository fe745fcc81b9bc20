package innerproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/camotunnel/camotunnel/cipher"
)

// maxInitialPlaintext is the largest length-prefixed field (host, initial
// payload, captured response, error message) the codec accepts; a longer
// field fails to encode. The relay's bounded capture for CONNECT/SOCKS5
// stays within 4096 bytes, but a plain-HTTP request's reconstructed head is
// passed through at its full size.
const maxInitialPlaintext = 8192

// Request is the sealed handshake payload a Protocol Outbound sends and a
// Tunnel Server receives: the destination, the two per-direction cipher
// choices, and whatever the client already read from its own caller
// before dialing.
type Request struct {
	Host             string
	Port             uint16
	TLS              bool
	ClientToServer   cipher.Spec
	ServerToClient   cipher.Spec
	InitialPlaintext []byte
	TimestampUnix    uint64
}

// Marshal encodes r into the stable binary layout sealed on the wire. The
// format is hand-rolled (length-prefixed fields in a fixed order) rather
// than a zero-copy archival format, since this module's dependency pack
// carries no archival/zero-copy serialization library; see DESIGN.md.
func (r Request) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, r.Host); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.Port); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(boolByte(r.TLS)); err != nil {
		return nil, err
	}
	if err := writeSpec(&buf, r.ClientToServer); err != nil {
		return nil, err
	}
	if err := writeSpec(&buf, r.ServerToClient); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, r.InitialPlaintext); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.TimestampUnix); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalRequest decodes a Request previously produced by Marshal.
func UnmarshalRequest(data []byte) (Request, error) {
	r := bytes.NewReader(data)
	var req Request
	var err error
	if req.Host, err = readString(r); err != nil {
		return Request{}, err
	}
	if err = binary.Read(r, binary.BigEndian, &req.Port); err != nil {
		return Request{}, fmt.Errorf("innerproto: reading port: %w", err)
	}
	tlsByte, err := readByte(r)
	if err != nil {
		return Request{}, err
	}
	req.TLS = tlsByte != 0
	if req.ClientToServer, err = readSpec(r); err != nil {
		return Request{}, err
	}
	if req.ServerToClient, err = readSpec(r); err != nil {
		return Request{}, err
	}
	if req.InitialPlaintext, err = readBytes(r); err != nil {
		return Request{}, err
	}
	if err = binary.Read(r, binary.BigEndian, &req.TimestampUnix); err != nil {
		return Request{}, fmt.Errorf("innerproto: reading timestamp: %w", err)
	}
	if r.Len() != 0 {
		return Request{}, fmt.Errorf("innerproto: %d trailing bytes after request", r.Len())
	}
	return req, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeString(buf *bytes.Buffer, s string) error {
	return writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > maxInitialPlaintext {
		return fmt.Errorf("innerproto: field of %d bytes exceeds %d byte limit", len(b), maxInitialPlaintext)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(b))); err != nil {
		return fmt.Errorf("innerproto: writing length prefix: %w", err)
	}
	if _, err := buf.Write(b); err != nil {
		return fmt.Errorf("innerproto: writing bytes: %w", err)
	}
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("innerproto: reading length prefix: %w", err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("innerproto: reading %d bytes: %w", n, err)
	}
	return b, nil
}

func readByte(r *bytes.Reader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("innerproto: reading byte: %w", err)
	}
	return b, nil
}

func writeSpec(buf *bytes.Buffer, s cipher.Spec) error {
	if err := buf.WriteByte(byte(s.Kind)); err != nil {
		return fmt.Errorf("innerproto: writing spec kind: %w", err)
	}
	if s.Kind == cipher.Plaintext {
		return nil
	}
	if _, err := buf.Write(s.Key[:]); err != nil {
		return fmt.Errorf("innerproto: writing spec key: %w", err)
	}
	if _, err := buf.Write(s.Nonce[:]); err != nil {
		return fmt.Errorf("innerproto: writing spec nonce: %w", err)
	}
	if s.Kind == cipher.Prefix {
		if err := binary.Write(buf, binary.BigEndian, uint32(s.N)); err != nil {
			return fmt.Errorf("innerproto: writing spec prefix length: %w", err)
		}
	}
	return nil
}

func readSpec(r *bytes.Reader) (cipher.Spec, error) {
	kindByte, err := readByte(r)
	if err != nil {
		return cipher.Spec{}, err
	}
	kind := cipher.Kind(kindByte)
	s := cipher.Spec{Kind: kind}
	if kind == cipher.Plaintext {
		return s, nil
	}
	if kind != cipher.Prefix && kind != cipher.Full {
		return cipher.Spec{}, fmt.Errorf("innerproto: unknown cipher spec kind %d", kindByte)
	}
	if _, err := io.ReadFull(r, s.Key[:]); err != nil {
		return cipher.Spec{}, fmt.Errorf("innerproto: reading spec key: %w", err)
	}
	if _, err := io.ReadFull(r, s.Nonce[:]); err != nil {
		return cipher.Spec{}, fmt.Errorf("innerproto: reading spec nonce: %w", err)
	}
	if kind == cipher.Prefix {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return cipher.Spec{}, fmt.Errorf("innerproto: reading spec prefix length: %w", err)
		}
		s.N = int(n)
	}
	return s, nil
}
