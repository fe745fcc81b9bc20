package router

import (
	"net"
	"strings"

	"github.com/camotunnel/camotunnel/geoip"
	"github.com/camotunnel/camotunnel/statsbus"
	"github.com/camotunnel/camotunnel/transport"
)

// tailscaleNetwork is the CGNAT range Tailscale assigns its mesh
// addresses from; any destination resolving into it is reached directly,
// bypassing every other rule, since it is already a private overlay link.
var tailscaleNetwork = &net.IPNet{
	IP:   net.IPv4(100, 64, 0, 0),
	Mask: net.CIDRMask(10, 32),
}

// aiDomainSuffixes are destinations routed to a dedicated AI-server tunnel
// (if one is configured) ahead of the general CN/direct split, since these
// providers are latency-sensitive and frequently blocked independently of
// general internet censorship.
var aiDomainSuffixes = []string{
	"anthropic.com",
	"openai.com",
	"chatgpt.com",
	"googleapis.com",
	"google.com",
	"googleusercontent.com",
	"gstatic.com",
}

// TreeConfig names the servers available to assemble the standard
// CN-client routing tree. MainServer is required; AIServer and
// TailscaleServer are optional shortcuts.
type TreeConfig struct {
	MainServer ServerConfig
	// MainServerDialer, if set, reaches MainServer through an alternate
	// transport (e.g. HTTPProxyDialer) instead of dialing it directly.
	MainServerDialer transport.StreamDialer
	AIServer         *ServerConfig
	TailscaleServer  *ServerConfig
	GeoIP            *geoip.Table
	Resolver         Resolver
	Bus              *statsbus.Bus
}

// NewCNClientTree assembles the standard routing tree:
//
//	ResolvingIP
//	└─ IPDivert(is_tailscale) → tailscale_outbound
//	   └─ SiteDivert(ends_with aiDomainSuffixes) → ai_outbound
//	      └─ IPDivert(is_private | loopback | link-local | CN-geoip) → direct
//	         └─ global tunnel
//
// Any absent optional server simply falls through to the next rule. When
// cfg.Bus is set, every leaf is wrapped in StatReporting so the stats bus
// observes every branch; otherwise the leaves are used unwrapped.
func NewCNClientTree(cfg TreeConfig) Outbound {
	wrap := func(name string, o Outbound) Outbound {
		if cfg.Bus == nil {
			return o
		}
		return &StatReporting{Name: name, Inner: o, Bus: cfg.Bus}
	}

	global := wrap("protocol", &Protocol{Server: cfg.MainServer, Dialer: cfg.MainServerDialer})
	direct := wrap("direct", &Direct{})

	innerIPDivert := &IPDivert{
		A:         direct,
		B:         global,
		Predicate: ipShouldRouteDirect(cfg.GeoIP),
	}

	var aiOutbound Outbound
	if cfg.AIServer != nil {
		aiOutbound = wrap("ai", &Protocol{Server: *cfg.AIServer})
	}
	siteDivert := &SiteDivert{
		A:         aiOutbound,
		B:         innerIPDivert,
		Predicate: siteShouldRouteAI,
	}

	var tailscaleOutbound Outbound
	if cfg.TailscaleServer != nil {
		tailscaleOutbound = wrap("tailscale", &Protocol{Server: *cfg.TailscaleServer})
	}
	outerIPDivert := &IPDivert{
		A:         tailscaleOutbound,
		B:         siteDivert,
		Predicate: ipShouldRouteTailscale,
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = DefaultResolver
	}
	return &ResolvingIP{Inner: outerIPDivert, Resolver: resolver}
}

// ipShouldRouteDirect routes private, loopback, link-local, Tailscale, and
// CN-geoip addresses straight to their destination instead of the global
// tunnel.
func ipShouldRouteDirect(table *geoip.Table) func(Host) bool {
	return func(h Host) bool {
		ip := h.IP
		if ip == nil {
			return false
		}
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || tailscaleNetwork.Contains(ip) {
			return true
		}
		if table == nil {
			return false
		}
		v4 := ip.To4()
		if v4 == nil {
			return false
		}
		addr := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
		cc, err := table.Lookup(addr)
		return err == nil && cc == "CN"
	}
}

func ipShouldRouteTailscale(h Host) bool {
	return h.IP != nil && tailscaleNetwork.Contains(h.IP)
}

func siteShouldRouteAI(domain string) bool {
	lower := strings.ToLower(domain)
	for _, suffix := range aiDomainSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
