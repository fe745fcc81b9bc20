package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camotunnel/camotunnel/inbound"
	"github.com/camotunnel/camotunnel/router"
	"github.com/camotunnel/camotunnel/transport"
)

// fakeResponder records whether it was acked or rejected.
type fakeResponder struct {
	conn       transport.StreamConn
	okCalled   bool
	errCalled  bool
	errMessage string
}

func (f *fakeResponder) RespondOK() (transport.StreamConn, error) {
	f.okCalled = true
	f.conn.Write([]byte("ACK"))
	return f.conn, nil
}

func (f *fakeResponder) RespondErr(msg string) error {
	f.errCalled = true
	f.errMessage = msg
	return nil
}

// fakeOutbound returns a fixed pipe connection, or fails, and records the
// OutboundRequest it was given.
type fakeOutbound struct {
	conn    transport.StreamConn
	err     error
	lastReq router.OutboundRequest
}

func (f *fakeOutbound) Send(ctx context.Context, req router.OutboundRequest) (transport.StreamConn, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

func TestServeTunnelAcksBeforeDialingAndCapturesInitialRead(t *testing.T) {
	client, server := transport.NewPipeStreamConns()
	upstreamA, upstreamB := transport.NewPipeStreamConns()
	defer upstreamB.Close()

	responder := &fakeResponder{conn: server}
	out := &fakeOutbound{conn: upstreamA}

	acceptor := func(conn transport.StreamConn) (inbound.Request, Responder, error) {
		return inbound.Request{Tunnel: true, Host: "example.com", Port: 443}, responder, nil
	}

	ackCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		ackCh <- buf[:n]
		// Send the initial payload only after the ack has been observed,
		// proving the server acknowledged before attempting to read it.
		client.Write([]byte("hello-initial"))
	}()

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), server, acceptor, out)
	}()

	<-ackCh
	assert.True(t, responder.okCalled)

	// Give the bounded initial read a moment to capture the payload, then
	// tear down both ends so the splice's io.Copy loops unblock.
	time.Sleep(20 * time.Millisecond)
	client.Close()
	upstreamB.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.Equal(t, []byte("hello-initial"), out.lastReq.InitialPlaintext)
}

func TestServeTunnelInitialReadTimesOutWithoutError(t *testing.T) {
	client, server := transport.NewPipeStreamConns()
	upstreamA, upstreamB := transport.NewPipeStreamConns()
	defer upstreamB.Close()

	responder := &fakeResponder{conn: server}
	out := &fakeOutbound{conn: upstreamA}
	acceptor := func(conn transport.StreamConn) (inbound.Request, Responder, error) {
		return inbound.Request{Tunnel: true, Host: "example.com", Port: 443}, responder, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), server, acceptor, out)
	}()

	// Consume the ack but never write anything: the bounded initial read
	// must time out rather than block Serve forever.
	buf := make([]byte, 64)
	client.Read(buf)

	time.Sleep(initialReadTimeout + 50*time.Millisecond)
	client.Close()
	upstreamB.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after initial-read timeout")
	}
	assert.Empty(t, out.lastReq.InitialPlaintext)
}

func TestServeHTTPDialsBeforeAcking(t *testing.T) {
	client, server := transport.NewPipeStreamConns()
	upstreamA, upstreamB := transport.NewPipeStreamConns()
	defer upstreamB.Close()

	responder := &fakeResponder{conn: server}
	out := &fakeOutbound{conn: upstreamA}
	acceptor := func(conn transport.StreamConn) (inbound.Request, Responder, error) {
		return inbound.Request{Host: "example.com", Port: 80, Payload: []byte("GET / HTTP/1.1\r\n\r\n")}, responder, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), server, acceptor, out)
	}()

	// Give Serve time to ack before tearing the connection down.
	time.Sleep(20 * time.Millisecond)
	client.Close()
	upstreamB.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.True(t, responder.okCalled)
	assert.False(t, responder.errCalled)
	assert.Equal(t, []byte("GET / HTTP/1.1\r\n\r\n"), out.lastReq.InitialPlaintext)
}

func TestServeHTTPRejectsOnDialFailure(t *testing.T) {
	_, server := transport.NewPipeStreamConns()
	responder := &fakeResponder{conn: server}
	out := &fakeOutbound{err: fmt.Errorf("connection refused")}
	acceptor := func(conn transport.StreamConn) (inbound.Request, Responder, error) {
		return inbound.Request{Host: "example.com", Port: 80}, responder, nil
	}

	err := Serve(context.Background(), server, acceptor, out)
	require.Error(t, err)
	assert.True(t, responder.errCalled)
	assert.False(t, responder.okCalled)
	assert.Contains(t, responder.errMessage, "connection refused")
}

func TestServeSplicesBothDirections(t *testing.T) {
	client, server := transport.NewPipeStreamConns()
	upstreamA, upstreamB := transport.NewPipeStreamConns()

	responder := &fakeResponder{conn: server}
	out := &fakeOutbound{conn: upstreamA}
	acceptor := func(conn transport.StreamConn) (inbound.Request, Responder, error) {
		return inbound.Request{Tunnel: true, Host: "example.com", Port: 443}, responder, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), server, acceptor, out)
	}()

	// Drain the ack.
	ackBuf := make([]byte, 64)
	client.Read(ackBuf)

	// Upstream writes, client should receive it through the splice.
	go upstreamB.Write([]byte("server-says-hi"))
	got := make([]byte, 64)
	n, err := client.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "server-says-hi", string(got[:n]))

	// Client writes, upstream should receive it.
	go client.Write([]byte("client-says-hi"))
	got2 := make([]byte, 64)
	n2, err := upstreamB.Read(got2)
	require.NoError(t, err)
	assert.Equal(t, "client-says-hi", string(got2[:n2]))

	client.Close()
	upstreamB.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after splice completion")
	}
}
