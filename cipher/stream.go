package cipher

import (
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

// keystream is a ChaCha20 keystream with a tracked byte position, so a
// partial underlying write can be rewound to the exact offset the peer
// actually received.
type keystream struct {
	key   [32]byte
	nonce [12]byte
	pos   uint64
	c     *chacha20.Cipher
}

func newKeystream(key [32]byte, nonce [12]byte) (*keystream, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: initializing keystream: %w", err)
	}
	return &keystream{key: key, nonce: nonce, c: c}, nil
}

func (k *keystream) apply(dst, src []byte) {
	k.c.XORKeyStream(dst, src)
	k.pos += uint64(len(src))
}

// rewind moves the keystream position back by n bytes, recreating the
// underlying cipher at the corresponding block and discarding the
// in-block offset. ChaCha20's keystream is a pure function of (key,
// nonce, byte offset), so this reproduces exactly the bytes that would
// have been produced had apply never advanced past the new position.
func (k *keystream) rewind(n int) error {
	if n <= 0 {
		return nil
	}
	if uint64(n) > k.pos {
		return fmt.Errorf("cipher: rewind %d exceeds position %d", n, k.pos)
	}
	k.pos -= uint64(n)
	const blockSize = 64
	block := k.pos / blockSize
	offset := k.pos % blockSize
	c, err := chacha20.NewUnauthenticatedCipher(k.key[:], k.nonce[:])
	if err != nil {
		return fmt.Errorf("cipher: re-initializing keystream for rewind: %w", err)
	}
	c.SetCounter(uint32(block))
	if offset > 0 {
		discard := make([]byte, offset)
		c.XORKeyStream(discard, discard)
	}
	k.c = c
	return nil
}

// direction holds the mutable per-direction cipher state: None once a
// Prefix's remaining count has reached zero, or for a Plaintext spec from
// the start.
type direction struct {
	kind      Kind
	ks        *keystream
	remaining int // only meaningful while kind == Prefix
}

func newDirection(spec Spec) (*direction, error) {
	switch spec.Kind {
	case Plaintext:
		return &direction{kind: Plaintext}, nil
	case Full:
		ks, err := newKeystream(spec.Key, spec.Nonce)
		if err != nil {
			return nil, err
		}
		return &direction{kind: Full, ks: ks}, nil
	case Prefix:
		ks, err := newKeystream(spec.Key, spec.Nonce)
		if err != nil {
			return nil, err
		}
		return &direction{kind: Prefix, ks: ks, remaining: spec.N}, nil
	default:
		return nil, fmt.Errorf("cipher: unknown spec kind %v", spec.Kind)
	}
}

// transformRead applies this direction's transform in place to b, the
// bytes just filled by a Read from the underlying stream. After consuming
// a Prefix's remaining count, the direction becomes None for the rest of
// the connection.
func (d *direction) transformRead(b []byte) {
	switch d.kind {
	case Plaintext:
		return
	case Full:
		d.ks.apply(b, b)
	case Prefix:
		n := d.remaining
		if n > len(b) {
			n = len(b)
		}
		d.ks.apply(b[:n], b[:n])
		d.remaining -= n
		if d.remaining == 0 {
			d.kind = Plaintext
			d.ks = nil
		}
	}
}

// Stream wraps an io.ReadWriter with independent encrypt (write) and
// decrypt (read) directions. It is not an AEAD: the handshake already
// authenticates the connection parameters, and this layer exists purely
// to obscure payload bytes from passive inspection.
type Stream struct {
	rw      io.ReadWriter
	encrypt *direction // write side, local→peer
	decrypt *direction // read side, peer→local
}

// New wraps rw, encrypting writes per writeSpec and decrypting reads per
// readSpec.
func New(rw io.ReadWriter, writeSpec, readSpec Spec) (*Stream, error) {
	enc, err := newDirection(writeSpec)
	if err != nil {
		return nil, err
	}
	dec, err := newDirection(readSpec)
	if err != nil {
		return nil, err
	}
	return &Stream{rw: rw, encrypt: enc, decrypt: dec}, nil
}

// Read reads from the underlying stream and decrypts the bytes filled,
// per the read-side CipherSpec.
func (s *Stream) Read(b []byte) (int, error) {
	n, err := s.rw.Read(b)
	if n > 0 {
		s.decrypt.transformRead(b[:n])
	}
	return n, err
}

// Write encrypts b per the write-side CipherSpec and writes it to the
// underlying stream, looping over partial underlying writes (including
// across a Prefix-to-Plaintext transition within a single call) so that
// Write either returns n == len(b) or a non-nil error, per io.Writer.
func (s *Stream) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		switch s.encrypt.kind {
		case Plaintext:
			n, err := s.rw.Write(b)
			total += n
			if err != nil {
				return total, err
			}
			b = b[n:]

		case Full:
			buf := make([]byte, len(b))
			s.encrypt.ks.apply(buf, b)
			n, err := s.rw.Write(buf)
			if n < len(buf) {
				if rerr := s.encrypt.ks.rewind(len(buf) - n); rerr != nil {
					return total + n, rerr
				}
			}
			total += n
			b = b[n:]
			if err != nil {
				return total, err
			}
			if n == 0 {
				return total, io.ErrShortWrite
			}

		case Prefix:
			encLen := s.encrypt.remaining
			if encLen > len(b) {
				encLen = len(b)
			}
			buf := make([]byte, encLen)
			s.encrypt.ks.apply(buf, b[:encLen])
			n, err := s.rw.Write(buf)
			if n < encLen {
				if rerr := s.encrypt.ks.rewind(encLen - n); rerr != nil {
					return total + n, rerr
				}
			}
			s.encrypt.remaining -= n
			if s.encrypt.remaining == 0 {
				s.encrypt.kind = Plaintext
				s.encrypt.ks = nil
			}
			total += n
			b = b[n:]
			if err != nil {
				return total, err
			}
			if n == 0 {
				return total, io.ErrShortWrite
			}
		}
	}
	return total, nil
}
