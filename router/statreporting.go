package router

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/camotunnel/camotunnel/statsbus"
	"github.com/camotunnel/camotunnel/transport"
)

// StatReporting wraps an inner Outbound, publishing one lifecycle Event to
// a Bus when the returned stream's dial completes and another byte-count
// update when the stream closes. Publishing never blocks the proxied
// connection: Bus.Publish itself is non-blocking, per statsbus.
type StatReporting struct {
	Name  string
	Inner Outbound
	Bus   *statsbus.Bus
}

var _ Outbound = (*StatReporting)(nil)

func (s *StatReporting) Send(ctx context.Context, req OutboundRequest) (transport.StreamConn, error) {
	start := time.Now()
	requestTime := start.Unix()

	conn, err := s.Inner.Send(ctx, req)
	delay := time.Since(start).Milliseconds()

	if err != nil {
		s.Bus.Publish(statsbus.Event{
			Outbound:        s.Name,
			Host:            req.Host.Domain,
			Port:            req.Port,
			Success:         false,
			Error:           err.Error(),
			RequestTimeUnix: requestTime,
			DurationMillis:  delay,
		})
		return nil, err
	}

	counted := &countingStreamConn{StreamConn: conn}
	s.Bus.Publish(statsbus.Event{
		Outbound:        s.Name,
		Host:            req.Host.Domain,
		Port:            req.Port,
		Success:         true,
		RequestTimeUnix: requestTime,
		DurationMillis:  delay,
	})
	counted.onClose = func() {
		s.Bus.Publish(statsbus.Event{
			Outbound:        s.Name,
			Host:            req.Host.Domain,
			Port:            req.Port,
			Success:         true,
			BytesSent:       atomic.LoadInt64(&counted.sent),
			BytesReceived:   atomic.LoadInt64(&counted.received),
			RequestTimeUnix: requestTime,
			DurationMillis:  time.Since(start).Milliseconds(),
		})
	}
	return counted, nil
}

// countingStreamConn tracks bytes moved in each direction and fires
// onClose exactly once, on the first Close call.
type countingStreamConn struct {
	transport.StreamConn
	sent, received int64
	closed         int32
	onClose        func()
}

func (c *countingStreamConn) Read(b []byte) (int, error) {
	n, err := c.StreamConn.Read(b)
	atomic.AddInt64(&c.received, int64(n))
	return n, err
}

func (c *countingStreamConn) Write(b []byte) (int, error) {
	n, err := c.StreamConn.Write(b)
	atomic.AddInt64(&c.sent, int64(n))
	return n, err
}

func (c *countingStreamConn) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) && c.onClose != nil {
		c.onClose()
	}
	return c.StreamConn.Close()
}
