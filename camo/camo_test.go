package camo

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camotunnel/camotunnel/cipher"
	"github.com/camotunnel/camotunnel/innerproto"
)

func testKey() [32]byte {
	return innerproto.DeriveKey("test-pre-shared-key")
}

func sampleInner(t *testing.T) innerproto.Request {
	t.Helper()
	c2s, err := cipher.RandomPrefixSpec(32)
	require.NoError(t, err)
	s2c, err := cipher.RandomFullSpec()
	require.NoError(t, err)
	return innerproto.Request{
		Host:             "www.example.com",
		Port:             443,
		TLS:              false,
		ClientToServer:   c2s,
		ServerToClient:   s2c,
		InitialPlaintext: []byte("ClientHello bytes would go here"),
		TimestampUnix:    1732900000,
	}
}

func TestRequestEncodeParseRoundTrip(t *testing.T) {
	key := testKey()
	req, err := NewRequest(sampleInner(t), "server.example.net")
	require.NoError(t, err)

	wire, err := EncodeRequest(req, key)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(wire), "\r\n\r\n"))

	got, remnant, err := ParseRequest(bytes.NewReader(wire), key)
	require.NoError(t, err)
	assert.Empty(t, remnant)
	assert.Equal(t, req.Inner, got.Inner)
	assert.Equal(t, req.WebSocketKey, got.WebSocketKey)
}

func TestResponseEncodeParseRoundTrip(t *testing.T) {
	key := testKey()
	req, err := NewRequest(sampleInner(t), "server.example.net")
	require.NoError(t, err)

	resp := Response{
		Inner:        innerproto.SuccessResponse([]byte("captured upstream bytes"), 1732900001),
		WebSocketKey: req.WebSocketKey,
	}
	wire, err := EncodeResponse(resp, key)
	require.NoError(t, err)
	assert.Contains(t, string(wire), "101 Switching Protocols")

	got, remnant, err := ParseResponse(bytes.NewReader(wire), key)
	require.NoError(t, err)
	assert.Empty(t, remnant)
	assert.Equal(t, resp.Inner, got.Inner)
}

func TestParseRequestRecoversParseRemnant(t *testing.T) {
	key := testKey()
	req, err := NewRequest(sampleInner(t), "server.example.net")
	require.NoError(t, err)

	wire, err := EncodeRequest(req, key)
	require.NoError(t, err)

	streamedBody := []byte("this is the start of the tunneled stream")
	full := append(append([]byte(nil), wire...), streamedBody...)

	got, remnant, err := ParseRequest(bytes.NewReader(full), key)
	require.NoError(t, err)
	assert.Equal(t, req.Inner, got.Inner)
	assert.Equal(t, streamedBody, remnant)
}

func TestParseResponseRecoversParseRemnant(t *testing.T) {
	key := testKey()
	resp := Response{
		Inner:        innerproto.SuccessResponse(nil, 1),
		WebSocketKey: []byte("0123456789abcdef"),
	}
	wire, err := EncodeResponse(resp, key)
	require.NoError(t, err)

	streamedBody := []byte("server-to-client bytes start here")
	full := append(append([]byte(nil), wire...), streamedBody...)

	_, remnant, err := ParseResponse(bytes.NewReader(full), key)
	require.NoError(t, err)
	assert.Equal(t, streamedBody, remnant)
}

func TestSlashInjectionInverseRecoversOriginal(t *testing.T) {
	original := "QWJjZGVmZ2hpamtsbW5vcHFyc3R1dnd4eXowMTIzNDU2Nzg5"
	for i := 0; i < 50; i++ {
		injected := injectSlashes(original)
		assert.Equal(t, original, removeSlashes(injected))
	}
}

func TestParseRequestFailsOnCorruptedOverflow(t *testing.T) {
	key := testKey()
	req, err := NewRequest(sampleInner(t), "server.example.net")
	require.NoError(t, err)

	wire, err := EncodeRequest(req, key)
	require.NoError(t, err)

	corrupted := bytes.Replace(wire, []byte("Authorization: "), []byte("Authorization: X"), 1)
	if bytes.Equal(corrupted, wire) {
		t.Skip("request had no overflow header to corrupt")
	}

	_, _, err = ParseRequest(bytes.NewReader(corrupted), key)
	assert.Error(t, err)
}

func TestReadHeadTooLarge(t *testing.T) {
	junk := bytes.Repeat([]byte("x"), maxHeadSize+1)
	_, _, err := readHead(bytes.NewReader(junk))
	assert.ErrorIs(t, err, ErrHeadTooLarge)
}

func TestReadHeadClosedBeforeTerminator(t *testing.T) {
	_, _, err := readHead(io.LimitReader(strings.NewReader("GET / HTTP/1.1\r\n"), 16))
	assert.Error(t, err)
}
