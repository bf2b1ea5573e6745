package courier

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-mq/courier/internal/wire"
)

// testBroker is a minimal in-process broker speaking just enough of the
// protocol for the client: it greets with INFO, answers PING, tracks
// subscriptions per connection and routes PUB to matching subscribers.
type testBroker struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	info    wire.ServerInfo
	clients []*brokerClient
	frames  []wire.Frame // every frame received, in arrival order
	closed  bool

	// authErr, when set, rejects every CONNECT with this -ERR text.
	authErr string
	// noPong suppresses PONG replies after the handshake, simulating a
	// wedged broker.
	noPong bool
}

type brokerClient struct {
	b    *testBroker
	conn net.Conn

	wmu sync.Mutex
	mu  sync.Mutex
	// sid -> subscription; remaining < 0 means uncapped
	subs  map[uint64]*brokerSub
	pings int
}

type brokerSub struct {
	subject   string
	queue     string
	remaining int
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return startTestBroker(t, ln)
}

// newTestBrokerOn starts a broker on a specific address, for tests that
// reserve an address before the broker exists.
func newTestBrokerOn(t *testing.T, addr string) *testBroker {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	return startTestBroker(t, ln)
}

func startTestBroker(t *testing.T, ln net.Listener) *testBroker {
	b := &testBroker{
		t:  t,
		ln: ln,
		info: wire.ServerInfo{
			ServerID:   "test-broker",
			Version:    "0.0.0",
			Headers:    true,
			MaxPayload: 1 << 20,
		},
	}
	go b.acceptLoop()
	t.Cleanup(b.close)
	return b
}

func (b *testBroker) url() string {
	return "cmq://" + b.ln.Addr().String()
}

func (b *testBroker) addr() string {
	return b.ln.Addr().String()
}

func (b *testBroker) setMaxPayload(n int64) {
	b.mu.Lock()
	b.info.MaxPayload = n
	b.mu.Unlock()
}

func (b *testBroker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		c := &brokerClient{b: b, conn: conn, subs: make(map[uint64]*brokerSub)}
		b.mu.Lock()
		b.clients = append(b.clients, c)
		b.mu.Unlock()
		go c.serve()
	}
}

func (c *brokerClient) serve() {
	c.b.mu.Lock()
	info := c.b.info
	c.b.mu.Unlock()
	c.write(&wire.InfoFrame{Info: info})

	r := wire.NewReader(c.conn, 0)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			c.conn.Close()
			return
		}

		c.b.mu.Lock()
		c.b.frames = append(c.b.frames, f)
		c.b.mu.Unlock()

		switch f := f.(type) {
		case *wire.ConnectFrame:
			c.b.mu.Lock()
			authErr := c.b.authErr
			c.b.mu.Unlock()
			if authErr != "" {
				c.write(&wire.ErrFrame{Text: authErr})
				c.conn.Close()
				return
			}
		case *wire.PingFrame:
			c.pings++
			c.b.mu.Lock()
			noPong := c.b.noPong
			c.b.mu.Unlock()
			if noPong && c.pings > 1 {
				// Handshake PING already answered; go silent.
				continue
			}
			c.write(&wire.PongFrame{})
		case *wire.SubFrame:
			c.mu.Lock()
			c.subs[f.Sid] = &brokerSub{subject: f.Subject, queue: f.Queue, remaining: -1}
			c.mu.Unlock()
		case *wire.UnsubFrame:
			c.mu.Lock()
			if s, ok := c.subs[f.Sid]; ok {
				if f.Max > 0 {
					s.remaining = f.Max
				} else {
					delete(c.subs, f.Sid)
				}
			}
			c.mu.Unlock()
		case *wire.PubFrame:
			c.b.route(f.Subject, f.Reply, f.Header, f.Payload)
		}
	}
}

func (c *brokerClient) write(f wire.Frame) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _ = f.WriteTo(c.conn)
}

func (c *brokerClient) writeRaw(s string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _ = c.conn.Write([]byte(s))
}

// route delivers a message to every matching subscription on every client.
func (b *testBroker) route(subject, reply string, hdr wire.Header, payload []byte) {
	b.mu.Lock()
	clients := append([]*brokerClient(nil), b.clients...)
	b.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		var targets []uint64
		for sid, s := range c.subs {
			if !subjectMatches(s.subject, subject) {
				continue
			}
			if s.remaining == 0 {
				continue
			}
			if s.remaining > 0 {
				s.remaining--
				if s.remaining == 0 {
					delete(c.subs, sid)
				}
			}
			targets = append(targets, sid)
		}
		c.mu.Unlock()

		for _, sid := range targets {
			c.write(&wire.MsgFrame{
				Subject: subject,
				Sid:     sid,
				Reply:   reply,
				Header:  hdr,
				Payload: payload,
			})
		}
	}
}

// publish injects a broker-originated message.
func (b *testBroker) publish(subject string, payload []byte) {
	b.route(subject, "", nil, payload)
}

// lastClient returns the most recently accepted connection.
func (b *testBroker) lastClient() *brokerClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(b.t, b.clients)
	return b.clients[len(b.clients)-1]
}

// dropClients closes every accepted connection, simulating a transport
// failure. The listener keeps accepting.
func (b *testBroker) dropClients() {
	b.mu.Lock()
	clients := b.clients
	b.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (b *testBroker) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.ln.Close()
	b.dropClients()
}

// framesOfKind returns all recorded frames of one kind.
func (b *testBroker) framesOfKind(k wire.Kind) []wire.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []wire.Frame
	for _, f := range b.frames {
		if f.Kind() == k {
			out = append(out, f)
		}
	}
	return out
}

// subFramesFor returns every SUB frame received for the given sid, across
// all connections and reconnects.
func (b *testBroker) subFramesFor(sid uint64) []*wire.SubFrame {
	var out []*wire.SubFrame
	for _, f := range b.framesOfKind(wire.SUB) {
		if sf := f.(*wire.SubFrame); sf.Sid == sid {
			out = append(out, sf)
		}
	}
	return out
}

// pubFramesFor returns every PUB frame received for the given subject.
func (b *testBroker) pubFramesFor(subject string) []*wire.PubFrame {
	var out []*wire.PubFrame
	for _, f := range b.framesOfKind(wire.PUB) {
		if pf := f.(*wire.PubFrame); pf.Subject == subject {
			out = append(out, pf)
		}
	}
	return out
}

// subjectMatches implements token wildcard matching: "*" matches one token,
// ">" matches the rest.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// connectTest establishes a connection to the broker with fast test timings.
func connectTest(t *testing.T, b *testBroker, opts ...Option) *Conn {
	t.Helper()
	base := []Option{
		WithConnectTimeout(2 * time.Second),
		WithReconnectWait(10 * time.Millisecond),
	}
	conn, err := Connect(b.url(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

// nextEventOfKind consumes events from the watcher until one of the wanted
// kind arrives or the timeout expires.
func nextEventOfKind(t *testing.T, w *EventWatcher, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(t, remaining, "timed out waiting for %s event", kind)
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		ev, err := w.Next(ctx)
		cancel()
		require.NoError(t, err, "timed out waiting for %s event", kind)
		if ev.Kind == kind {
			return ev
		}
	}
}
