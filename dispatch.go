package courier

import (
	"github.com/courier-mq/courier/internal/wire"
)

// dispatchLoop routes every inbound frame. It runs for the lifetime of the
// connection, across transport epochs, so ordering per subscription is
// preserved through reconnects.
func (c *Conn) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case in := <-c.incoming:
			c.processFrame(in)
		case <-c.stop:
			return
		}
	}
}

func (c *Conn) processFrame(in inboundFrame) {
	switch f := in.f.(type) {
	case *wire.MsgFrame:
		c.deliverMsg(f)
	case *wire.PingFrame:
		c.processPing(in.epoch)
	case *wire.PongFrame:
		c.processPong(in.epoch)
	case *wire.ErrFrame:
		c.processErr(f.Text, in.epoch)
	case *wire.InfoFrame:
		c.processInfo(f.Info)
	case *wire.OKFrame:
		// verbose ack, nothing to correlate
	default:
		c.log.Warn("unexpected frame from broker", "kind", wire.KindNames[f.Kind()])
	}
}

// deliverMsg hands a broker message to its subscription. A message for an
// unknown sid is dropped without error: interest was withdrawn while the
// message was in flight.
func (c *Conn) deliverMsg(f *wire.MsgFrame) {
	c.mu.Lock()
	s, ok := c.subs[f.Sid]
	if !ok || s.closed {
		c.mu.Unlock()
		c.log.Debug("dropping message for unknown sid", "sid", f.Sid, "subject", f.Subject)
		return
	}

	m := &Msg{
		Subject: f.Subject,
		Reply:   f.Reply,
		Header:  Header(f.Header),
		Data:    f.Payload,
		Sub:     s,
	}

	select {
	case s.mch <- m:
		s.delivered++
		c.inMsgs.Add(1)
		c.metrics.incMsgsIn()
		// The delivery that reaches the cap still goes through; the
		// subscription ends right after it.
		if s.max > 0 && s.delivered >= s.max {
			c.removeSubLocked(s)
		}
		c.mu.Unlock()
	default:
		s.dropped++
		c.mu.Unlock()
		c.metrics.incDropped()
		c.log.Warn("slow consumer, dropping message",
			"sid", f.Sid, "subject", f.Subject)
		c.notifyError(s, ErrSlowConsumer)
	}
}

// processPing answers the broker's liveness probe on the live epoch. A ping
// still buffered from a replaced transport gets no answer.
func (c *Conn) processPing(epoch chan struct{}) {
	c.mu.Lock()
	out := c.outgoing
	live := c.state == Connected && c.epochDone == epoch
	c.mu.Unlock()
	if !live || out == nil {
		return
	}
	select {
	case out <- &wire.PongFrame{}:
	default:
		// Queue full; the broker will probe again.
	}
}

// processPong resets the keepalive debt and releases the oldest Flush
// waiter. Pongs arrive in PING order, so the waiter queue is strictly FIFO;
// nil entries are keepalive pings with nobody waiting. A pong from a
// replaced transport is ignored: its waiters were already flushed on
// disconnect, and popping here would release a waiter of the new epoch.
func (c *Conn) processPong(epoch chan struct{}) {
	c.mu.Lock()
	if c.epochDone != epoch {
		c.mu.Unlock()
		return
	}
	c.pingsOut = 0
	var ch chan error
	if len(c.pongs) > 0 {
		ch = c.pongs[0]
		c.pongs = c.pongs[1:]
	}
	c.mu.Unlock()

	if ch != nil {
		ch <- nil
	}
}

// processErr surfaces a broker -ERR. A fatal rejection marks the current
// server so reconnection skips it and drops the transport immediately; if
// every server ends up failed the connection shuts down with ErrNoServers.
func (c *Conn) processErr(text string, epoch chan struct{}) {
	serr := classifyServerError(text)
	c.log.Warn("broker error", "error", serr.Text, "fatal", serr.Fatal)

	if !serr.Fatal {
		c.notifyError(nil, serr)
		return
	}

	c.mu.Lock()
	if c.epochDone != epoch {
		// The offending transport is already gone.
		c.mu.Unlock()
		return
	}
	if len(c.pool) > 0 {
		c.pool[c.poolIdx].failed = true
	}
	c.mu.Unlock()

	c.notifyError(nil, serr)
	if epoch != nil {
		c.handleDisconnect(epoch, serr)
	}
}

// processInfo absorbs a topology update: newly advertised servers join the
// pool as reconnect candidates.
func (c *Conn) processInfo(info wire.ServerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.info = info

	for _, hostport := range info.ConnectURLs {
		known := false
		for _, srv := range c.pool {
			if srv.url.Host == hostport {
				known = true
				break
			}
		}
		if known {
			continue
		}
		srv, err := parseServer(hostport)
		if err != nil {
			c.log.Debug("ignoring bad connect_urls entry", "url", hostport, "error", err)
			continue
		}
		srv.discovered = true
		c.pool = append(c.pool, srv)
		c.log.Debug("discovered server", "url", srv.raw)
	}
}
