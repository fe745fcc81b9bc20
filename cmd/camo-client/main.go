// Command camo-client runs the local entry point: it accepts plain HTTP
// and SOCKS5 proxy connections from applications on this machine, routes
// each one through the CN/direct/tunnel decision tree, and disguises
// anything sent to the main tunnel server as an ordinary WebSocket
// upgrade.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/camotunnel/camotunnel/config"
	"github.com/camotunnel/camotunnel/dnsdivert"
	"github.com/camotunnel/camotunnel/geoip"
	"github.com/camotunnel/camotunnel/inbound"
	"github.com/camotunnel/camotunnel/relay"
	"github.com/camotunnel/camotunnel/router"
	"github.com/camotunnel/camotunnel/statsbus"
	"github.com/camotunnel/camotunnel/transport"
)

func main() {
	// An .env file is consulted before flag defaults are computed, so
	// its values only take effect where neither a real environment
	// variable nor an explicit flag overrides them.
	config.LoadEnv(".env")

	serverURL := flag.String("server", config.FlagDefault("SERVER", ""), "Primary tunnel server, http(s)://:<psk>@host:port")
	aiServerURL := flag.String("ai-server", config.FlagDefault("AI_SERVER", ""), "Optional dedicated tunnel server for AI-provider domains")
	tailscaleServerURL := flag.String("tailscale-server", config.FlagDefault("TAILSCALE_SERVER", ""), "Optional dedicated tunnel server for Tailscale CGNAT destinations")
	httpListen := flag.String("http-proxy-listen", config.FlagDefault("HTTP_PROXY_LISTEN", ""), "HTTP/CONNECT proxy listen address (empty disables it)")
	socks5Listen := flag.String("socks5-proxy-listen", config.FlagDefault("SOCKS5_PROXY_LISTEN", ""), "SOCKS5 proxy listen address (empty disables it)")
	dnsListen := flag.String("dns-listen", config.FlagDefault("DNS_LISTEN", ""), "DNS-divert server listen address (empty disables it)")
	dnsTrustedUpstream := flag.String("dns-trusted-upstream", config.FlagDefault("DNS_TRUSTED_UPSTREAM", ""), "Trusted non-CN DNS server (host:port) for the DNS-divert fallback answer")
	statsListen := flag.String("stats-listen", config.FlagDefault("STATS_LISTEN", ""), "Statistics WebSocket listen address (empty disables it)")
	upstreamHTTPProxy := flag.String("upstream-http-proxy", config.FlagDefault("UPSTREAM_HTTP_PROXY", ""), "Optional HTTP CONNECT proxy (host:port) to reach the tunnel server through")
	geoipPath := flag.String("geoip-path", config.FlagDefault("GEOIP_PATH", ""), "Path to a packed GeoIP table file")
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

	if *serverURL == "" {
		slog.Error("-server is required")
		os.Exit(1)
	}
	mainServer, err := config.ParseServerURL(*serverURL)
	if err != nil {
		slog.Error("parsing -server", "error", err)
		os.Exit(1)
	}

	var geoipTable *geoip.Table
	if *geoipPath != "" {
		data, err := os.ReadFile(*geoipPath)
		if err != nil {
			slog.Error("reading -geoip-path", "error", err)
			os.Exit(1)
		}
		geoipTable, err = geoip.Parse(data)
		if err != nil {
			slog.Error("parsing -geoip-path", "error", err)
			os.Exit(1)
		}
		slog.Info("loaded GeoIP table", "ranges", geoipTable.Len())
	}

	treeCfg := router.TreeConfig{
		MainServer: mainServer,
		Resolver:   router.DefaultResolver,
		GeoIP:      geoipTable,
	}

	if *upstreamHTTPProxy != "" {
		dialer, err := upstreamProxyDialer(*upstreamHTTPProxy)
		if err != nil {
			slog.Error("parsing -upstream-http-proxy", "error", err)
			os.Exit(1)
		}
		treeCfg.MainServerDialer = dialer
	}

	if *aiServerURL != "" {
		aiServer, err := config.ParseServerURL(*aiServerURL)
		if err != nil {
			slog.Error("parsing -ai-server", "error", err)
			os.Exit(1)
		}
		treeCfg.AIServer = &aiServer
	}
	if *tailscaleServerURL != "" {
		tsServer, err := config.ParseServerURL(*tailscaleServerURL)
		if err != nil {
			slog.Error("parsing -tailscale-server", "error", err)
			os.Exit(1)
		}
		treeCfg.TailscaleServer = &tsServer
	}

	var bus *statsbus.Bus
	if *statsListen != "" {
		bus = statsbus.NewBus()
		defer bus.Close()
		treeCfg.Bus = bus
	}

	outbound := router.NewCNClientTree(treeCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	if bus != nil {
		statsSrv := &statsbus.Server{Bus: bus}
		mux := http.NewServeMux()
		mux.Handle("/stats", statsSrv.Handler())
		srv := &http.Server{Addr: *statsListen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("stats server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		slog.Info("stats server listening", "addr", *statsListen)
	}

	if *dnsListen != "" {
		dnsSrv := &dnsdivert.Server{
			Table:           geoipTable,
			Resolve:         router.DefaultResolver,
			TrustedUpstream: *dnsTrustedUpstream,
		}
		go func() {
			if err := dnsSrv.ListenAndServe(ctx, *dnsListen); err != nil && ctx.Err() == nil {
				slog.Error("dns-divert server failed", "error", err)
			}
		}()
		slog.Info("dns-divert server listening", "addr", *dnsListen)
	}

	if *httpListen != "" {
		go runListener(ctx, "http", *httpListen, httpAcceptor, outbound)
	}
	if *socks5Listen != "" {
		go runListener(ctx, "socks5", *socks5Listen, socks5Acceptor, outbound)
	}

	slog.Info("camo-client started", "http-proxy-listen", *httpListen, "socks5-proxy-listen", *socks5Listen)
	<-ctx.Done()
	slog.Info("shutting down")
}

// upstreamProxyDialer builds a router.HTTPProxyDialer for host:port.
func upstreamProxyDialer(hostport string) (*router.HTTPProxyDialer, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	return &router.HTTPProxyDialer{ProxyHost: host, ProxyPort: uint16(port)}, nil
}

func httpAcceptor(conn transport.StreamConn) (inbound.Request, relay.Responder, error) {
	req, responder, err := inbound.AcceptHTTPProxy(conn)
	return req, responder, err
}

func socks5Acceptor(conn transport.StreamConn) (inbound.Request, relay.Responder, error) {
	req, responder, err := inbound.AcceptSOCKS5(conn)
	return req, responder, err
}

// runListener accepts connections on addr until ctx is canceled, handing
// each one to relay.Serve in its own goroutine.
func runListener(ctx context.Context, name, addr string, accept relay.Acceptor, outbound router.Outbound) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("listen failed", "listener", name, "addr", addr, "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("accept failed", "listener", name, "error", err)
				time.Sleep(time.Second)
				continue
			}
		}
		sc, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		go func() {
			if err := relay.Serve(ctx, sc, accept, outbound); err != nil {
				slog.Debug("connection ended", "listener", name, "error", err)
			}
		}()
	}
}
