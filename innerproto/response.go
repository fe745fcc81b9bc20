package innerproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	responseTagSuccess byte = 0
	responseTagError   byte = 1
)

// Response is the tagged union a Tunnel Server seals back to the
// Protocol Outbound: either the upstream's captured initial bytes, or an
// error message explaining why the upstream dial failed.
type Response struct {
	// Success is true for the Success variant, false for Error.
	Success bool
	// InitialResponse holds the bytes the server captured from upstream
	// (Success only; may be empty if the capture window timed out).
	InitialResponse []byte
	// ErrorMessage holds the failure text (Error only).
	ErrorMessage  string
	TimestampUnix uint64
}

// SuccessResponse builds a Success Response.
func SuccessResponse(initialResponse []byte, timestampUnix uint64) Response {
	return Response{Success: true, InitialResponse: initialResponse, TimestampUnix: timestampUnix}
}

// ErrorResponse builds an Error Response.
func ErrorResponse(msg string, timestampUnix uint64) Response {
	return Response{Success: false, ErrorMessage: msg, TimestampUnix: timestampUnix}
}

// Marshal encodes r into its stable binary layout.
func (r Response) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if r.Success {
		if err := buf.WriteByte(responseTagSuccess); err != nil {
			return nil, fmt.Errorf("innerproto: writing response tag: %w", err)
		}
		if err := writeBytes(&buf, r.InitialResponse); err != nil {
			return nil, err
		}
	} else {
		if err := buf.WriteByte(responseTagError); err != nil {
			return nil, fmt.Errorf("innerproto: writing response tag: %w", err)
		}
		if err := writeString(&buf, r.ErrorMessage); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, r.TimestampUnix); err != nil {
		return nil, fmt.Errorf("innerproto: writing response timestamp: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalResponse decodes a Response previously produced by Marshal.
func UnmarshalResponse(data []byte) (Response, error) {
	r := bytes.NewReader(data)
	tag, err := r.ReadByte()
	if err != nil {
		return Response{}, fmt.Errorf("innerproto: reading response tag: %w", err)
	}

	var resp Response
	switch tag {
	case responseTagSuccess:
		resp.Success = true
		if resp.InitialResponse, err = readBytes(r); err != nil {
			return Response{}, err
		}
	case responseTagError:
		resp.Success = false
		if resp.ErrorMessage, err = readString(r); err != nil {
			return Response{}, err
		}
	default:
		return Response{}, fmt.Errorf("innerproto: unknown response tag %d", tag)
	}

	if err := binary.Read(r, binary.BigEndian, &resp.TimestampUnix); err != nil {
		return Response{}, fmt.Errorf("innerproto: reading response timestamp: %w", err)
	}
	if r.Len() != 0 {
		return Response{}, fmt.Errorf("innerproto: %d trailing bytes after response", r.Len())
	}
	return resp, nil
}
