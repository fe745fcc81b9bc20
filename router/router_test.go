package router

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camotunnel/camotunnel/geoip"
	"github.com/camotunnel/camotunnel/transport"
)

// fakeOutbound records the request it received and returns a fixed
// StreamConn pair, letting divert-node tests assert which branch fired
// without dialing anything real.
type fakeOutbound struct {
	called bool
	req    OutboundRequest
	err    error
}

func (f *fakeOutbound) Send(ctx context.Context, req OutboundRequest) (transport.StreamConn, error) {
	f.called = true
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	a, _ := transport.NewPipeStreamConns()
	return a, nil
}

func TestIPDivertRoutesToAWhenPredicateMatchesResolvedHost(t *testing.T) {
	a, b := &fakeOutbound{}, &fakeOutbound{}
	d := &IPDivert{A: a, B: b, Predicate: func(h Host) bool { return true }}

	_, err := d.Send(context.Background(), OutboundRequest{Host: Host{Domain: "x", IP: net.IPv4(1, 2, 3, 4)}})
	require.NoError(t, err)
	assert.True(t, a.called)
	assert.False(t, b.called)
}

func TestIPDivertFallsThroughToBWhenUnresolved(t *testing.T) {
	a, b := &fakeOutbound{}, &fakeOutbound{}
	d := &IPDivert{A: a, B: b, Predicate: func(h Host) bool { return true }}

	_, err := d.Send(context.Background(), OutboundRequest{Host: Host{Domain: "x"}})
	require.NoError(t, err)
	assert.False(t, a.called)
	assert.True(t, b.called)
}

func TestIPDivertFallsThroughWhenAAbsent(t *testing.T) {
	b := &fakeOutbound{}
	d := &IPDivert{A: nil, B: b, Predicate: func(h Host) bool { return true }}

	_, err := d.Send(context.Background(), OutboundRequest{Host: Host{Domain: "x", IP: net.IPv4(1, 2, 3, 4)}})
	require.NoError(t, err)
	assert.True(t, b.called)
}

func TestSiteDivertRoutesOnHostSuffix(t *testing.T) {
	a, b := &fakeOutbound{}, &fakeOutbound{}
	d := &SiteDivert{A: a, B: b, Predicate: siteShouldRouteAI}

	_, err := d.Send(context.Background(), OutboundRequest{Host: Host{Domain: "api.openai.com"}})
	require.NoError(t, err)
	assert.True(t, a.called)

	_, err = d.Send(context.Background(), OutboundRequest{Host: Host{Domain: "example.com"}})
	require.NoError(t, err)
	assert.True(t, b.called)
}

func TestResolvingIPPopulatesHostIP(t *testing.T) {
	inner := &fakeOutbound{}
	resolver := func(ctx context.Context, domain string) (net.IP, error) {
		return net.IPv4(93, 184, 216, 34), nil
	}
	r := &ResolvingIP{Inner: inner, Resolver: resolver}

	_, err := r.Send(context.Background(), OutboundRequest{Host: Host{Domain: "example.com"}})
	require.NoError(t, err)
	require.True(t, inner.called)
	assert.True(t, inner.req.Host.Resolved())
	assert.Equal(t, "93.184.216.34", inner.req.Host.IP.String())
}

func TestResolvingIPSwallowsResolutionFailure(t *testing.T) {
	inner := &fakeOutbound{}
	resolver := func(ctx context.Context, domain string) (net.IP, error) {
		return nil, assertErr
	}
	r := &ResolvingIP{Inner: inner, Resolver: resolver}

	_, err := r.Send(context.Background(), OutboundRequest{Host: Host{Domain: "example.com"}})
	require.NoError(t, err)
	assert.False(t, inner.req.Host.Resolved())
}

func TestResolvingIPSkipsAlreadyResolvedHost(t *testing.T) {
	inner := &fakeOutbound{}
	called := false
	resolver := func(ctx context.Context, domain string) (net.IP, error) {
		called = true
		return nil, nil
	}
	r := &ResolvingIP{Inner: inner, Resolver: resolver}

	_, err := r.Send(context.Background(), OutboundRequest{Host: Host{Domain: "example.com", IP: net.IPv4(1, 1, 1, 1)}})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestIPShouldRouteDirectPrivateAndCNRanges(t *testing.T) {
	table := geoip.NewTable([]geoip.Entry{
		{From: ipToUint32(net.IPv4(1, 0, 0, 0)), To: ipToUint32(net.IPv4(1, 255, 255, 255)), Country: [2]byte{'C', 'N'}},
	})
	pred := ipShouldRouteDirect(table)

	assert.True(t, pred(Host{IP: net.IPv4(192, 168, 1, 1)}))
	assert.True(t, pred(Host{IP: net.IPv4(127, 0, 0, 1)}))
	assert.True(t, pred(Host{IP: net.IPv4(1, 2, 3, 4)}))
	assert.False(t, pred(Host{IP: net.IPv4(8, 8, 8, 8)}))
	assert.False(t, pred(Host{}))
}

func TestIPShouldRouteTailscale(t *testing.T) {
	assert.True(t, ipShouldRouteTailscale(Host{IP: net.IPv4(100, 64, 0, 5)}))
	assert.False(t, ipShouldRouteTailscale(Host{IP: net.IPv4(100, 63, 0, 5)}))
}

func TestSiteShouldRouteAICaseInsensitive(t *testing.T) {
	assert.True(t, siteShouldRouteAI("API.OpenAI.COM"))
	assert.False(t, siteShouldRouteAI("notopenai.example"))
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

var assertErr = &net.DNSError{Err: "no such host", Name: "example.com"}
