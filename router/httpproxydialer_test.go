package router

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveOneConnect runs a minimal CONNECT-accepting proxy for exactly one
// connection: it reads the CONNECT request, answers 200, then echoes
// whatever it receives afterward back to the caller.
func serveOneConnect(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	require.NoError(t, err)
	require.Equal(t, http.MethodConnect, req.Method)

	_, err = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 11)
	n, _ := conn.Read(buf)
	conn.Write(buf[:n])
}

func TestHTTPProxyDialerConnectsThroughProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go serveOneConnect(t, ln)

	addr := ln.Addr().(*net.TCPAddr)
	d := &HTTPProxyDialer{ProxyHost: "127.0.0.1", ProxyPort: uint16(addr.Port)}

	conn, err := d.Dial(context.Background(), "tunnel.example.net:443")
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write([]byte("hello proxy"))
	require.NoError(t, err)

	buf := make([]byte, 11)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello proxy", string(buf[:n]))
}

func TestHTTPProxyDialerFailsOnNonOKStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	d := &HTTPProxyDialer{ProxyHost: "127.0.0.1", ProxyPort: uint16(addr.Port)}

	_, err = d.Dial(context.Background(), "tunnel.example.net:443")
	assert.Error(t, err)
}
