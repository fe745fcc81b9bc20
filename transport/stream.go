// Copyright 2019 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport provides the stream-connection abstractions shared by
// every outbound and inbound component: half-closable TCP-like connections,
// a dialer-by-address interface, and an endpoint bound to a fixed
// destination. Direct dialing, tunnel dialing, and the relay splice are all
// built on these types so that none of them need to know whether they are
// holding a real *net.TCPConn or a cipher-wrapped stream.
package transport

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// StreamConn is a net.Conn that allows closing only the read or write half,
// so a relay can propagate EOF/FIN on one direction while the other
// direction is still draining.
type StreamConn interface {
	net.Conn
	// CloseRead closes the read side. No more reads should happen.
	CloseRead() error
	// CloseWrite closes the write side, sending EOF/FIN downstream.
	CloseWrite() error
}

// duplexConnAdaptor lets a StreamConn's Read/Write be served by a different
// io.Reader/io.Writer while keeping the original's Close{Read,Write}. The
// callers of the camo codec use this to splice the parse-remnant bytes it
// returns (captured while reading the disguised HTTP head) back in front of
// the raw connection, and to put a cipher stream over a connection.
type duplexConnAdaptor struct {
	StreamConn
	r io.Reader
	w io.Writer
}

var _ StreamConn = (*duplexConnAdaptor)(nil)

func (dc *duplexConnAdaptor) Read(b []byte) (int, error) {
	return dc.r.Read(b)
}
func (dc *duplexConnAdaptor) WriteTo(w io.Writer) (int64, error) {
	return io.Copy(w, dc.r)
}
func (dc *duplexConnAdaptor) CloseRead() error {
	return dc.StreamConn.CloseRead()
}
func (dc *duplexConnAdaptor) Write(b []byte) (int, error) {
	return dc.w.Write(b)
}
func (dc *duplexConnAdaptor) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(dc.w, r)
}
func (dc *duplexConnAdaptor) CloseWrite() error {
	return dc.StreamConn.CloseWrite()
}

// WrapConn returns a StreamConn that reads from r and writes to w, while
// preserving c's CloseRead/CloseWrite. Repeated wrapping collapses to a
// single adaptor layer.
func WrapConn(c StreamConn, r io.Reader, w io.Writer) StreamConn {
	conn := c
	if a, ok := c.(*duplexConnAdaptor); ok {
		conn = a.StreamConn
	}
	return &duplexConnAdaptor{StreamConn: conn, r: r, w: w}
}

// StreamEndpoint is bound to one fixed destination (a tunnel server, an
// already-resolved upstream) and yields a ready StreamConn on Connect.
type StreamEndpoint interface {
	Connect(ctx context.Context) (StreamConn, error)
}

// TCPEndpoint connects to a fixed host:port over TCP.
type TCPEndpoint struct {
	Dialer net.Dialer
	// Address is host:port. Pre-resolve domains here to skip a DNS round trip.
	Address string
}

var _ StreamEndpoint = (*TCPEndpoint)(nil)

func (e *TCPEndpoint) Connect(ctx context.Context) (StreamConn, error) {
	conn, err := e.Dialer.DialContext(ctx, "tcp", e.Address)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// StreamDialer dials an arbitrary host:port address, chosen per call.
// Outbound nodes (Direct, Protocol) implement or wrap this to reach their
// destination; the relay only ever sees the resulting StreamConn.
type StreamDialer interface {
	Dial(ctx context.Context, raddr string) (StreamConn, error)
}

// TCPStreamDialer is a StreamDialer backed by a plain net.Dialer.
type TCPStreamDialer struct {
	Dialer net.Dialer
}

var _ StreamDialer = (*TCPStreamDialer)(nil)

func (d *TCPStreamDialer) Dial(ctx context.Context, addr string) (StreamConn, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// pipeStreamConn is an in-memory StreamConn backed by an io.Pipe, used by
// tests to exercise cipher and relay code without opening real sockets.
type pipeStreamConn struct {
	Reader     *io.PipeReader
	Writer     *io.PipeWriter
	localAddr  net.Addr
	remoteAddr net.Addr
	timerMu    sync.Mutex
	readTimer  *time.Timer
	writeTimer *time.Timer
}

var _ StreamConn = (*pipeStreamConn)(nil)

func (c *pipeStreamConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *pipeStreamConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *pipeStreamConn) Read(b []byte) (int, error) {
	n, err := c.Reader.Read(b)
	if err == io.ErrClosedPipe {
		err = net.ErrClosed
	}
	return n, err
}

func (c *pipeStreamConn) CloseRead() error {
	return c.Reader.Close()
}

func (c *pipeStreamConn) Write(b []byte) (int, error) {
	n, err := c.Writer.Write(b)
	if err == io.ErrClosedPipe {
		err = net.ErrClosed
	}
	return n, err
}

func (c *pipeStreamConn) CloseWrite() error {
	return c.Writer.Close()
}

func (c *pipeStreamConn) Close() error {
	c.Reader.Close()
	c.Writer.Close()
	return nil
}

func (c *pipeStreamConn) SetReadDeadline(t time.Time) error {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if t.IsZero() {
		return nil
	}
	c.readTimer = time.AfterFunc(time.Until(t), func() { c.Reader.CloseWithError(os.ErrDeadlineExceeded) })
	return nil
}

func (c *pipeStreamConn) SetWriteDeadline(t time.Time) error {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
	if t.IsZero() {
		return nil
	}
	c.writeTimer = time.AfterFunc(time.Until(t), func() { c.Writer.CloseWithError(os.ErrDeadlineExceeded) })
	return nil
}

func (c *pipeStreamConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

// NewPipeStreamConns returns a pair of connected in-memory StreamConns,
// each one's writes delivered to the other's reads. Used by tests.
func NewPipeStreamConns() (a, b StreamConn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	aAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	bAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}
	a = &pipeStreamConn{Reader: ar, Writer: aw, localAddr: aAddr, remoteAddr: bAddr}
	b = &pipeStreamConn{Reader: br, Writer: bw, localAddr: bAddr, remoteAddr: aAddr}
	return a, b
}
