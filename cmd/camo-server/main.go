// Command camo-server runs the remote tunnel endpoint: it accepts
// disguised connections carrying a pre-shared key, opens the sealed
// inner request, and relays traffic to whatever real destination the
// client named.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/camotunnel/camotunnel/config"
	"github.com/camotunnel/camotunnel/innerproto"
	"github.com/camotunnel/camotunnel/transport"
	"github.com/camotunnel/camotunnel/tunnelserver"
)

func main() {
	config.LoadEnv(".env")

	listenAddr := flag.String("listen", config.FlagDefault("LISTEN", ":8443"), "Listen address for disguised tunnel connections")
	psk := flag.String("psk", config.FlagDefault("PSK", ""), "Pre-shared secret shared with clients")
	tlsCert := flag.String("tls-cert", config.FlagDefault("TLS_CERT", ""), "Optional TLS certificate file; enables TLS on the listener")
	tlsKey := flag.String("tls-key", config.FlagDefault("TLS_KEY", ""), "Optional TLS key file; required if -tls-cert is set")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		NoColor: !term.IsTerminal(int(os.Stderr.Fd())),
		Level:   level,
	})))

	if *psk == "" {
		slog.Error("-psk is required")
		os.Exit(1)
	}

	var tlsConfig *tls.Config
	if *tlsCert != "" {
		if *tlsKey == "" {
			slog.Error("-tls-key is required when -tls-cert is set")
			os.Exit(1)
		}
		cert, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
		if err != nil {
			slog.Error("loading TLS certificate", "error", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv := &tunnelserver.Server{Key: innerproto.DeriveKey(*psk)}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		slog.Error("listen failed", "addr", *listenAddr, "error", err)
		os.Exit(1)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("camo-server started", "addr", *listenAddr, "tls", tlsConfig != nil)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				slog.Info("shutting down")
				return
			default:
				slog.Warn("accept failed", "error", err)
				time.Sleep(time.Second)
				continue
			}
		}
		sc := streamConn(conn)
		if sc == nil {
			conn.Close()
			continue
		}
		go srv.HandleConnection(ctx, sc)
	}
}

// streamConn adapts an accepted net.Conn to transport.StreamConn. A plain
// TCP connection already satisfies it; a TLS connection is wrapped so its
// CloseRead/CloseWrite propagate through to the underlying TCP socket.
func streamConn(conn net.Conn) transport.StreamConn {
	switch c := conn.(type) {
	case *net.TCPConn:
		return c
	case *tls.Conn:
		tcpConn, ok := c.NetConn().(*net.TCPConn)
		if !ok {
			return nil
		}
		return transport.WrapConn(tcpConn, c, c)
	default:
		return nil
	}
}
