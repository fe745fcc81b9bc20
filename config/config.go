// Package config parses the two process entrypoints' command-line and
// environment configuration: an .env file (github.com/joho/godotenv) for
// secrets that shouldn't live in shell history or process listings, and
// the "http(s)://:<psk>@host:port" server-URL form used to name a tunnel
// server, following the teacher's own flag + url.Parse scheme-switch
// convention for access-key-style configuration strings.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/camotunnel/camotunnel/innerproto"
	"github.com/camotunnel/camotunnel/router"
)

// LoadEnv loads an .env file into the process environment. Per
// godotenv's documented behavior, it only sets variables not already
// present, so real environment variables always win over the file. A
// missing file is not an error: an operator may configure everything via
// real environment variables or flags instead.
func LoadEnv(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		return nil
	}
	return nil
}

// FlagDefault returns the environment variable envKey's value if set
// (populated either by the real environment or by LoadEnv's .env file),
// otherwise fallback. Call it to compute each flag.String/... default
// before flag.Parse, so the precedence ends up flags > environment >
// .env, per the documented rule that explicit flags always win.
func FlagDefault(envKey, fallback string) string {
	if v, ok := os.LookupEnv(envKey); ok {
		return v
	}
	return fallback
}

// ParseServerURL parses a server access string of the form
// "http(s)://:<psk>@host:port": the scheme picks whether the client
// speaks TLS to the tunnel server, and the URL's password field (no
// username) carries the pre-shared key, run through innerproto.DeriveKey
// to produce the shared key. This mirrors the teacher's own url.Parse
// scheme-switch access-key parser (makeStreamDialer's "ss://"/
// "socks5://" switch), adapted to a password-carried secret instead of a
// query parameter since the scheme itself already carries the sole
// on/off choice (TLS) this format needs.
func ParseServerURL(raw string) (router.ServerConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return router.ServerConfig{}, fmt.Errorf("config: parsing server URL: %w", err)
	}

	var useTLS bool
	switch u.Scheme {
	case "http":
		useTLS = false
	case "https":
		useTLS = true
	default:
		return router.ServerConfig{}, fmt.Errorf("config: server URL scheme %q is not supported", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return router.ServerConfig{}, fmt.Errorf("config: server URL %q has no host", raw)
	}

	portStr := u.Port()
	if portStr == "" {
		if useTLS {
			portStr = "443"
		} else {
			portStr = "80"
		}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return router.ServerConfig{}, fmt.Errorf("config: invalid port in server URL %q: %w", raw, err)
	}

	psk, hasPSK := u.User.Password()
	if !hasPSK || psk == "" {
		return router.ServerConfig{}, fmt.Errorf("config: server URL %q is missing the pre-shared key password", raw)
	}

	return router.ServerConfig{
		Host: host,
		Port: uint16(port),
		TLS:  useTLS,
		Key:  innerproto.DeriveKey(psk),
	}, nil
}
