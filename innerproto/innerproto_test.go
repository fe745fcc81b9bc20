package innerproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camotunnel/camotunnel/cipher"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a := DeriveKey("hunter2")
	b := DeriveKey("hunter2")
	c := DeriveKey("different")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := DeriveKey("pre-shared-secret")
	plaintext := []byte("hello, tunnel")

	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealOpenRejectsTampering(t *testing.T) {
	key := DeriveKey("pre-shared-secret")
	sealed, err := Seal(key, []byte("hello, tunnel"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = Open(key, tampered)
	assert.ErrorIs(t, err, ErrSealFailed)
}

func TestSealOpenWrongKeyFails(t *testing.T) {
	sealed, err := Seal(DeriveKey("one"), []byte("hello"))
	require.NoError(t, err)

	_, err = Open(DeriveKey("two"), sealed)
	assert.ErrorIs(t, err, ErrSealFailed)
}

func TestRequestMarshalUnmarshalRoundTrip(t *testing.T) {
	c2s, err := cipher.RandomPrefixSpec(32)
	require.NoError(t, err)
	s2c, err := cipher.RandomFullSpec()
	require.NoError(t, err)

	req := Request{
		Host:             "example.com",
		Port:             8443,
		TLS:              true,
		ClientToServer:   c2s,
		ServerToClient:   s2c,
		InitialPlaintext: []byte("hello world"),
		TimestampUnix:    1732900000,
	}

	data, err := req.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestRequestSealOpenRoundTrip(t *testing.T) {
	key := DeriveKey("deployment-secret")
	c2s, err := cipher.RandomFullSpec()
	require.NoError(t, err)
	s2c, err := cipher.RandomFullSpec()
	require.NoError(t, err)

	req := Request{
		Host:             "www.example.com",
		Port:             443,
		TLS:              false,
		ClientToServer:   c2s,
		ServerToClient:   s2c,
		InitialPlaintext: bytesN(128),
		TimestampUnix:    42,
	}

	sealed, err := SealRequest(key, req)
	require.NoError(t, err)

	got, err := OpenRequest(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestResponseSealOpenRoundTripSuccess(t *testing.T) {
	key := DeriveKey("deployment-secret")
	resp := SuccessResponse([]byte("server hello bytes"), 99)

	sealed, err := SealResponse(key, resp)
	require.NoError(t, err)

	got, err := OpenResponse(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestResponseSealOpenRoundTripError(t *testing.T) {
	key := DeriveKey("deployment-secret")
	resp := ErrorResponse("upstream dial failed: connection refused", 7)

	sealed, err := SealResponse(key, resp)
	require.NoError(t, err)

	got, err := OpenResponse(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func bytesN(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
