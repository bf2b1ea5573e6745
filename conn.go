package courier

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/courier-mq/courier/internal/wire"
)

// Version is the client library version reported in CONNECT.
const Version = "1.0.0"

// langName is reported in CONNECT.
const langName = "go"

// clientProtocol is the protocol revision this client speaks.
const clientProtocol = 1

// server is one pool entry. A server marked failed (e.g. the broker rejected
// our credentials with no-retry semantics) is skipped by server selection
// for the rest of the connection's life.
type server struct {
	url        *url.URL
	raw        string
	failed     bool
	discovered bool // learned from an INFO connect_urls update
}

// Conn is a single logical connection to a broker: it multiplexes many
// independent subscriptions over one transport and survives transport
// failures by reconnecting and replaying the subscription registry.
type Conn struct {
	opts *connOptions
	log  *slog.Logger

	// mu is the session lock. It guards state, the subscription registry,
	// the outbound staging buffer, the pong waiter queue and the server
	// pool. All session mutations are serialized through it.
	mu            sync.Mutex
	state         State
	conn          net.Conn
	outgoing      chan wire.Frame // scoped to the current connection epoch
	epochDone     chan struct{}   // closed when the current transport dies
	staged        []wire.Frame    // data frames staged before the first handshake
	everConnected bool
	subs          map[uint64]*Subscription
	ssid          uint64
	pongs         []chan error
	pingsOut      int
	pool          []*server
	poolIdx       int
	attempts      int
	info          wire.ServerInfo
	lastErr       error

	incoming     chan inboundFrame
	disconnected chan struct{}
	stop         chan struct{}
	wg           sync.WaitGroup

	events  *eventLog
	metrics *connMetrics

	// Stats (atomic)
	inMsgs     atomic.Uint64
	outMsgs    atomic.Uint64
	inBytes    atomic.Uint64
	outBytes   atomic.Uint64
	reconnects atomic.Uint64
}

// pingPacket is a PING queued on the outbound channel, optionally carrying
// a Flush waiter. The write loop registers the waiter at the moment the
// frame is written, so the waiter queue matches wire order exactly.
type pingPacket struct {
	ch chan error // nil for keepalive probes
}

func (p *pingPacket) Kind() wire.Kind { return wire.PING }

func (p *pingPacket) WriteTo(w io.Writer) (int64, error) {
	return (&wire.PingFrame{}).WriteTo(w)
}

// Statistics is a point-in-time snapshot of connection counters.
type Statistics struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// Connect establishes a connection to a broker and returns a Conn.
//
// The url parameter may name several candidate servers separated by commas;
// more can be added with WithServers. Servers are tried in order for the
// initial connection and round-robin afterwards.
//
// Example:
//
//	conn, err := courier.Connect("cmq://localhost:4747",
//	    courier.WithName("worker-7"),
//	    courier.WithReconnectWait(time.Second))
func Connect(rawurl string, opts ...Option) (*Conn, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
	defer cancel()

	return connect(ctx, rawurl, options)
}

// ConnectContext is like Connect but the context bounds the initial dial and
// handshake. Once established, the context has no effect on the connection.
func ConnectContext(ctx context.Context, rawurl string, opts ...Option) (*Conn, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return connect(ctx, rawurl, options)
}

func connect(ctx context.Context, rawurl string, options *connOptions) (*Conn, error) {
	options.Logger = options.Logger.With("lib", "courier")

	c := &Conn{
		opts:         options,
		log:          options.Logger,
		state:        Connecting,
		subs:         make(map[uint64]*Subscription),
		incoming:     make(chan inboundFrame, 128),
		disconnected: make(chan struct{}, 1),
		stop:         make(chan struct{}),
		events:       newEventLog(),
	}

	m, err := newConnMetrics(options.Metrics)
	if err != nil {
		return nil, err
	}
	c.metrics = m

	urls := splitServers(rawurl)
	urls = append(urls, options.Servers...)
	for _, raw := range urls {
		srv, err := parseServer(raw)
		if err != nil {
			return nil, err
		}
		c.pool = append(c.pool, srv)
	}
	if len(c.pool) == 0 {
		return nil, ErrNoServers
	}

	// Initial connect: one pass over the pool, in order.
	var lastErr error
	connected := false
	for i := range c.pool {
		srv := c.pool[i]
		if srv.failed {
			continue
		}
		if err := c.connectToServer(ctx, srv); err != nil {
			c.log.Debug("connect attempt failed", "server", srv.raw, "error", err)
			lastErr = err
			continue
		}
		c.poolIdx = i
		connected = true
		break
	}
	canReconnect := options.AllowReconnect && options.MaxReconnects != 0

	if !connected {
		if lastErr == nil {
			lastErr = ErrNoServers
		}
		if !options.RetryOnFailedConnect || !canReconnect {
			return nil, lastErr
		}
		// Stay in Connecting and keep trying in the background. Publishes
		// are staged until the first handshake completes.
		c.lastErr = lastErr
		c.disconnected <- struct{}{}
	}

	c.wg.Add(1)
	go c.dispatchLoop()

	if canReconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}

	return c, nil
}

func splitServers(rawurl string) []string {
	var out []string
	for _, s := range strings.Split(rawurl, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseServer(raw string) (*server, error) {
	s := raw
	if !strings.Contains(s, "://") {
		s = "cmq://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("courier: invalid server URL %q: %w", raw, err)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
	}
	return &server{url: u, raw: raw}, nil
}

// dialServer opens the transport to one server.
func (c *Conn) dialServer(ctx context.Context, srv *server) (net.Conn, error) {
	// A custom dialer is trusted to interpret the scheme and address, which
	// allows transports such as websockets.
	if c.opts.Dialer != nil {
		return c.opts.Dialer.DialContext(ctx, srv.url.Scheme, srv.raw)
	}

	useTLS := c.opts.TLSConfig != nil
	switch srv.url.Scheme {
	case "cmq", "tcp", "":
	case "tls", "cmqs":
		useTLS = true
	default:
		return nil, fmt.Errorf("courier: unsupported scheme %q (supported: cmq, tcp, tls, cmqs)", srv.url.Scheme)
	}

	if useTLS {
		cfg := c.opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		d := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}
		return d.DialContext(ctx, "tcp", srv.url.Host)
	}

	var d net.Dialer
	return d.DialContext(ctx, "tcp", srv.url.Host)
}

// connectToServer runs one full connection attempt: dial, handshake, replay,
// loop startup. On success the connection is Connected when it returns.
func (c *Conn) connectToServer(ctx context.Context, srv *server) error {
	c.log.Debug("connecting", "server", srv.raw)

	conn, err := c.dialServer(ctx, srv)
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.ConnectTimeout)
	}
	_ = conn.SetDeadline(deadline)

	cr := &countingReader{Reader: conn, c: c}
	cw := &countingWriter{Writer: conn, c: c}
	r := wire.NewReader(cr, 0)

	info, err := c.handshake(r, cw)
	if err != nil {
		conn.Close()
		var se *ServerError
		if errors.As(err, &se) && se.Fatal {
			// No point retrying a server that rejected our credentials.
			c.mu.Lock()
			srv.failed = true
			c.mu.Unlock()
		}
		return err
	}

	_ = conn.SetDeadline(time.Time{})
	r.SetMaxPayload(info.MaxPayload)

	return c.finalizeConnect(conn, r, info)
}

// handshake reads the broker INFO, sends CONNECT followed by PING, and
// waits for the confirming PONG.
func (c *Conn) handshake(r *wire.Reader, w io.Writer) (wire.ServerInfo, error) {
	f, err := r.ReadFrame()
	if err != nil {
		return wire.ServerInfo{}, fmt.Errorf("courier: reading INFO: %w", err)
	}
	infoFrame, ok := f.(*wire.InfoFrame)
	if !ok {
		return wire.ServerInfo{}, fmt.Errorf("%w: expected INFO, got %s", wire.ErrProtocol, wire.KindNames[f.Kind()])
	}
	info := infoFrame.Info

	bw := bufio.NewWriter(w)
	connectFrame := &wire.ConnectFrame{Options: wire.ConnectOptions{
		Verbose:  c.opts.Verbose,
		Pedantic: c.opts.Pedantic,
		User:     c.opts.User,
		Password: c.opts.Password,
		Token:    c.opts.Token,
		Name:     c.opts.Name,
		Lang:     langName,
		Version:  Version,
		Protocol: clientProtocol,
		Headers:  true,
		NoEcho:   c.opts.NoEcho,
	}}
	if _, err := connectFrame.WriteTo(bw); err != nil {
		return info, fmt.Errorf("courier: sending CONNECT: %w", err)
	}
	// The broker acknowledges CONNECT only in verbose mode, so a PING/PONG
	// round trip confirms the handshake either way.
	if _, err := (&wire.PingFrame{}).WriteTo(bw); err != nil {
		return info, fmt.Errorf("courier: sending PING: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return info, fmt.Errorf("courier: flushing handshake: %w", err)
	}

	for {
		f, err := r.ReadFrame()
		if err != nil {
			return info, fmt.Errorf("courier: awaiting handshake confirmation: %w", err)
		}
		switch f := f.(type) {
		case *wire.PongFrame:
			return info, nil
		case *wire.OKFrame:
			// verbose ack, keep waiting for the PONG
		case *wire.InfoFrame:
			info = f.Info
		case *wire.ErrFrame:
			return info, classifyServerError(f.Text)
		default:
			return info, fmt.Errorf("%w: unexpected %s during handshake", wire.ErrProtocol, wire.KindNames[f.Kind()])
		}
	}
}

// finalizeConnect installs the new transport: replays the subscription
// registry, flushes first-connect staged data writes, discards the rest of
// the staging buffer, emits the lifecycle event and starts the epoch's I/O
// loops. Events are emitted only after the state change has taken effect.
func (c *Conn) finalizeConnect(conn net.Conn, r *wire.Reader, info wire.ServerInfo) error {
	c.mu.Lock()

	if c.state == Closed {
		c.mu.Unlock()
		conn.Close()
		return ErrConnectionClosed
	}

	// The registry, not the staging buffer, is authoritative for
	// subscription state: exactly one SUB per active subscription.
	bw := bufio.NewWriter(&countingWriter{Writer: conn, c: c})
	if err := c.replaySubscriptionsLocked(bw); err != nil {
		c.mu.Unlock()
		conn.Close()
		return err
	}
	if !c.everConnected {
		for _, f := range c.staged {
			if _, err := f.WriteTo(bw); err != nil {
				c.mu.Unlock()
				conn.Close()
				return err
			}
		}
	}
	if err := bw.Flush(); err != nil {
		c.mu.Unlock()
		conn.Close()
		return err
	}
	c.staged = nil

	reconnected := c.everConnected
	c.conn = conn
	c.info = info
	c.setStateLocked(Connected)
	c.everConnected = true
	c.attempts = 0
	c.pingsOut = 0

	out := make(chan wire.Frame, 1024)
	done := make(chan struct{})
	c.outgoing = out
	c.epochDone = done

	if reconnected {
		c.reconnects.Add(1)
		c.metrics.incReconnects()
		c.events.push(EventReconnect, nil)
	} else {
		c.events.push(EventConnect, nil)
	}

	c.wg.Add(2)
	go c.readLoop(r, done)
	go c.writeLoop(conn, out, done)

	c.mu.Unlock()

	c.log.Debug("connection established", "server", conn.RemoteAddr(), "reconnect", reconnected)

	if reconnected {
		if h := c.opts.ReconnectHandler; h != nil {
			go h(c)
		}
	} else if h := c.opts.ConnectHandler; h != nil {
		go h(c)
	}
	return nil
}

// replaySubscriptionsLocked writes one SUB frame per active subscription,
// in sid order. Subscriptions with a delivery cap also get an UNSUB with
// the remaining allowance so the broker stops at the right count.
func (c *Conn) replaySubscriptionsLocked(w io.Writer) error {
	if len(c.subs) == 0 {
		return nil
	}

	sids := make([]uint64, 0, len(c.subs))
	for sid := range c.subs {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	c.log.Debug("replaying subscriptions", "count", len(sids))

	for _, sid := range sids {
		s := c.subs[sid]
		if s.closed {
			continue
		}
		sub := &wire.SubFrame{Subject: s.Subject, Queue: s.Queue, Sid: s.sid}
		if _, err := sub.WriteTo(w); err != nil {
			return err
		}
		if s.max > 0 {
			remaining := int(s.max - s.delivered)
			unsub := &wire.UnsubFrame{Sid: s.sid, Max: remaining}
			if _, err := unsub.WriteTo(w); err != nil {
				return err
			}
		}
	}
	return nil
}

// readLoop feeds parsed frames from one transport epoch into the dispatcher.
func (c *Conn) readLoop(r *wire.Reader, done chan struct{}) {
	defer c.wg.Done()

	for {
		f, err := r.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrProtocol) {
				// The codec cannot resynchronize; surface and drop the link.
				c.log.Warn("protocol violation from broker", "error", err)
				c.notifyError(nil, err)
			} else {
				c.log.Debug("read error", "error", err)
			}
			c.handleDisconnect(done, err)
			return
		}

		c.log.Debug("received frame", "kind", wire.KindNames[f.Kind()])

		select {
		case c.incoming <- inboundFrame{f: f, epoch: done}:
		case <-c.stop:
			return
		}
	}
}

// inboundFrame carries a parsed frame together with the transport epoch it
// was read from, so the dispatcher can tell stale frames from live ones
// after the transport has been replaced.
type inboundFrame struct {
	f     wire.Frame
	epoch chan struct{}
}

// writeLoop drains the epoch's outbound queue and runs keepalive probing.
func (c *Conn) writeLoop(conn net.Conn, out chan wire.Frame, done chan struct{}) {
	defer c.wg.Done()

	var tickerCh <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tickerCh = ticker.C
	}

	bw := bufio.NewWriter(&countingWriter{Writer: conn, c: c})

	writeFrame := func(f wire.Frame) error {
		if p, ok := f.(*pingPacket); ok {
			c.mu.Lock()
			c.pongs = append(c.pongs, p.ch)
			c.mu.Unlock()
		}
		_, err := f.WriteTo(bw)
		return err
	}

	for {
		select {
		case f := <-out:
			if err := writeFrame(f); err != nil {
				c.handleDisconnect(done, err)
				return
			}
			// Batching: drain whatever else is queued before flushing.
			n := len(out)
			for i := 0; i < n; i++ {
				if err := writeFrame(<-out); err != nil {
					c.handleDisconnect(done, err)
					return
				}
			}
			if err := bw.Flush(); err != nil {
				c.handleDisconnect(done, err)
				return
			}

		case <-tickerCh:
			c.mu.Lock()
			if c.pingsOut >= c.opts.MaxPingsOut {
				c.mu.Unlock()
				c.log.Warn("stale connection, pings unanswered", "outstanding", c.opts.MaxPingsOut)
				c.handleDisconnect(done, ErrStaleConnection)
				return
			}
			c.pingsOut++
			c.mu.Unlock()

			if err := writeFrame(&pingPacket{}); err != nil {
				c.handleDisconnect(done, err)
				return
			}
			if err := bw.Flush(); err != nil {
				c.handleDisconnect(done, err)
				return
			}

		case <-done:
			return
		case <-c.stop:
			return
		}
	}
}

// reconnectLoop drives reconnection after a transport failure. Attempts are
// strictly sequential: one server at a time, with jittered exponential
// backoff between attempts.
func (c *Conn) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.disconnected:
			c.runReconnect()
			if c.IsClosed() {
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Conn) runReconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectWait
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxInterval = 16 * c.opts.ReconnectWait
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		srv := c.nextServer()
		if srv == nil {
			c.log.Warn("no usable servers remain")
			c.shutdown(ErrNoServers)
			return
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-c.stop:
			return
		}

		c.mu.Lock()
		// Connecting covers the retry-on-failed-connect path, where no
		// handshake has succeeded yet.
		if c.state != Reconnecting && c.state != Connecting {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		ctx, cancel := c.attemptContext()
		err := c.connectToServer(ctx, srv)
		cancel()
		if err == nil {
			return
		}

		c.log.Debug("reconnect attempt failed",
			"server", srv.raw,
			"attempt", attempts,
			"error", err)

		if c.opts.MaxReconnects >= 0 && attempts >= c.opts.MaxReconnects {
			c.log.Warn("reconnect attempts exhausted", "attempts", attempts)
			c.shutdown(ErrMaxReconnects)
			return
		}
	}
}

// attemptContext bounds one reconnect attempt and aborts it if the
// connection is closed mid-attempt.
func (c *Conn) attemptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// nextServer picks the next candidate round-robin, skipping servers marked
// permanently failed. Returns nil when the whole pool is unusable.
func (c *Conn) nextServer() *server {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.pool)
	for i := 1; i <= n; i++ {
		idx := (c.poolIdx + i) % n
		if !c.pool[idx].failed {
			c.poolIdx = idx
			return c.pool[idx]
		}
	}
	return nil
}

// handleDisconnect tears down one transport epoch. The Disconnect event is
// emitted only after the transport is closed and the epoch's staged data
// writes have been dropped. done identifies the epoch, so stale loops from
// an already-replaced transport cannot tear down the new one.
func (c *Conn) handleDisconnect(done chan struct{}, err error) {
	c.mu.Lock()
	if c.state == Closed || c.epochDone != done {
		c.mu.Unlock()
		return
	}
	select {
	case <-done:
		c.mu.Unlock()
		return
	default:
	}
	close(done)

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.outgoing = nil
	c.staged = nil
	c.lastErr = err
	c.flushPongWaitersLocked(ErrNotConnected)

	canReconnect := c.opts.AllowReconnect && c.opts.MaxReconnects != 0
	if canReconnect {
		c.setStateLocked(Reconnecting)
		c.events.push(EventDisconnect, err)
		c.events.push(EventReconnecting, nil)
	} else {
		c.setStateLocked(Disconnected)
		c.events.push(EventDisconnect, err)
	}
	c.mu.Unlock()

	if h := c.opts.DisconnectHandler; h != nil {
		go h(c, err)
	}

	if canReconnect {
		select {
		case c.disconnected <- struct{}{}:
		default:
		}
	} else {
		// Reconnection disabled: any drop is terminal.
		c.shutdown(nil)
	}
}

func (c *Conn) flushPongWaitersLocked(err error) {
	for _, ch := range c.pongs {
		if ch != nil {
			ch <- err
		}
	}
	c.pongs = nil
	c.pingsOut = 0
}

// setStateLocked transitions the state machine and updates the state gauge.
func (c *Conn) setStateLocked(s State) {
	c.state = s
	c.metrics.setState(s)
}

// Flush writes a PING and blocks until the matching PONG is observed or the
// context ends. It guarantees that every previously issued write for the
// current connection epoch has reached the broker.
func (c *Conn) Flush(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrConnectionClosed
	case Connected:
	default:
		c.mu.Unlock()
		return ErrNotConnected
	}
	out := c.outgoing
	done := c.epochDone
	c.mu.Unlock()

	// The waiter is registered by the write loop when the PING is actually
	// written, keeping the waiter queue in wire order.
	ch := make(chan error, 1)

	select {
	case out <- &pingPacket{ch: ch}:
	case <-done:
		return ErrNotConnected
	case <-c.stop:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ch:
		return err
	case <-done:
		// The epoch died. Either the waiter was already resolved (the
		// buffered channel holds the verdict) or it never got written.
		c.removePongWaiter(ch)
		select {
		case err := <-ch:
			return err
		default:
		}
		return ErrNotConnected
	case <-c.stop:
		return ErrConnectionClosed
	case <-ctx.Done():
		// The PING may be on the wire; the waiter's buffered channel
		// absorbs the eventual PONG.
		return ctx.Err()
	}
}

// FlushTimeout is a convenience wrapper around Flush.
func (c *Conn) FlushTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Flush(ctx)
}

func (c *Conn) removePongWaiter(ch chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.pongs {
		if w == ch {
			c.pongs = append(c.pongs[:i], c.pongs[i+1:]...)
			return
		}
	}
}

// Close terminates the connection. It is idempotent: exactly one Closed
// event is emitted, the transport is released, every remaining subscription
// is closed without further delivery, and no in-flight handshake or backoff
// wait resumes afterward.
func (c *Conn) Close() {
	c.shutdown(nil)
	c.wg.Wait()
}

// shutdown moves the connection to the terminal state. A non-nil err is
// recorded and emitted as a terminal Error event before Closed.
func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}

	close(c.stop)

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.epochDone != nil {
		select {
		case <-c.epochDone:
		default:
			close(c.epochDone)
		}
	}
	c.outgoing = nil
	c.staged = nil
	c.flushPongWaitersLocked(ErrConnectionClosed)

	for sid, s := range c.subs {
		s.closed = true
		close(s.done)
		delete(c.subs, sid)
	}
	c.metrics.setSubscriptions(0)

	if err != nil {
		c.lastErr = err
		c.events.push(EventError, err)
	}
	c.setStateLocked(Closed)
	c.events.push(EventClosed, nil)
	c.mu.Unlock()

	c.log.Debug("connection closed", "error", err)

	if h := c.opts.ClosedHandler; h != nil {
		go h(c)
	}
}

// notifyError reports an asynchronous error through the event stream and
// the error handler.
func (c *Conn) notifyError(sub *Subscription, err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.events.push(EventError, err)
	c.metrics.incErrors()
	if h := c.opts.ErrorHandler; h != nil {
		go h(c, sub, err)
	}
}

// sendControl queues a control frame on the given epoch. If the epoch died
// in the meantime the frame is dropped: the registry replay regenerates
// subscription state on the next handshake.
func (c *Conn) sendControl(out chan wire.Frame, done chan struct{}, f wire.Frame) {
	select {
	case out <- f:
	case <-done:
	case <-c.stop:
	}
}

// Status returns the current connection state.
func (c *Conn) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns a new independent watcher over the connection's lifecycle
// event stream, positioned at the first event.
func (c *Conn) Events() *EventWatcher {
	return &EventWatcher{log: c.events}
}

// IsConnected reports whether the connection is currently established.
func (c *Conn) IsConnected() bool {
	return c.Status() == Connected
}

// IsReconnecting reports whether the connection is between transports.
func (c *Conn) IsReconnecting() bool {
	return c.Status() == Reconnecting
}

// IsClosed reports whether the connection reached the terminal state.
func (c *Conn) IsClosed() bool {
	return c.Status() == Closed
}

// LastError returns the most recent connection-level error.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// MaxPayload returns the broker's advertised payload limit, or 0 when
// unknown.
func (c *Conn) MaxPayload() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.MaxPayload
}

// ConnectedServer returns the raw URL of the server the connection is
// currently established to, or "" when disconnected.
func (c *Conn) ConnectedServer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return ""
	}
	return c.pool[c.poolIdx].raw
}

// Servers returns the current pool, including servers discovered through
// INFO updates.
func (c *Conn) Servers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.pool))
	for i, s := range c.pool {
		out[i] = s.raw
	}
	return out
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Statistics {
	return Statistics{
		InMsgs:     c.inMsgs.Load(),
		OutMsgs:    c.outMsgs.Load(),
		InBytes:    c.inBytes.Load(),
		OutBytes:   c.outBytes.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

type countingReader struct {
	io.Reader
	c *Conn
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		r.c.inBytes.Add(uint64(n))
		r.c.metrics.addBytesIn(n)
	}
	return n, err
}

type countingWriter struct {
	io.Writer
	c *Conn
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	if n > 0 {
		w.c.outBytes.Add(uint64(n))
		w.c.metrics.addBytesOut(n)
	}
	return n, err
}
