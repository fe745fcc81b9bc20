// Package statsbus implements the connection-lifecycle statistics surface:
// a bounded, drop-on-overflow event bus fed by the router's stat-reporting
// outbound wrapper, and a WebSocket server (github.com/gorilla/websocket,
// grounded on the teacher's x/websocket package) that broadcasts those
// events to any attached operator dashboard.
package statsbus

// Event describes one connection's outcome. One is published when the
// connection's outbound dial completes (successfully or not), and a
// successful connection publishes a second one carrying its byte counts
// when it closes.
type Event struct {
	Outbound        string `json:"outbound"`
	Host            string `json:"host"`
	Port            uint16 `json:"port"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	BytesSent       int64  `json:"bytes_sent"`
	BytesReceived   int64  `json:"bytes_received"`
	RequestTimeUnix int64  `json:"request_time_unix"`
	DurationMillis  int64  `json:"duration_ms"`
}

// defaultCapacity bounds the bus so a stalled publisher never blocks the
// proxied connection whose lifecycle it is reporting.
const defaultCapacity = 256

// Bus is a fan-out event channel: Publish never blocks, and every
// subscriber added with Subscribe gets its own bounded channel that drops
// events if the subscriber falls behind.
type Bus struct {
	capacity    int
	subscribe   chan chan Event
	unsubscribe chan chan Event
	publish     chan Event
	done        chan struct{}
}

// NewBus starts a Bus's dispatch goroutine and returns it. Call Close to
// stop the goroutine.
func NewBus() *Bus {
	b := &Bus{
		capacity:    defaultCapacity,
		subscribe:   make(chan chan Event),
		unsubscribe: make(chan chan Event),
		publish:     make(chan Event, defaultCapacity),
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues an event for dispatch. It never blocks: if the bus's
// internal queue is full, the event is dropped.
func (b *Bus) Publish(e Event) {
	select {
	case b.publish <- e:
	default:
	}
}

// Subscribe registers a new subscriber channel that receives every event
// published from this point on, dropping events if this subscriber's own
// buffer fills up. Call Unsubscribe when done.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.capacity)
	select {
	case b.subscribe <- ch:
	case <-b.done:
	}
	return ch
}

// Unsubscribe removes a subscriber registered with Subscribe.
func (b *Bus) Unsubscribe(ch chan Event) {
	select {
	case b.unsubscribe <- ch:
	case <-b.done:
	}
}

// Close stops the bus's dispatch goroutine.
func (b *Bus) Close() {
	close(b.done)
}

func (b *Bus) run() {
	subscribers := make(map[chan Event]bool)
	for {
		select {
		case ch := <-b.subscribe:
			subscribers[ch] = true
		case ch := <-b.unsubscribe:
			delete(subscribers, ch)
		case e := <-b.publish:
			for ch := range subscribers {
				select {
				case ch <- e:
				default:
					// slow subscriber: drop this event for it only.
				}
			}
		case <-b.done:
			return
		}
	}
}
