package courier

import (
	"context"

	"github.com/courier-mq/courier/internal/wire"
)

// Subscription is a registered interest in a subject. It survives
// reconnects: the registry, not any in-flight frame, is the source of truth,
// and every new transport replays it before the connection is usable.
type Subscription struct {
	// Subject is the possibly-wildcarded subject the subscription matches.
	Subject string
	// Queue is the queue group name, or "" for a plain subscription.
	Queue string

	conn *Conn
	sid  uint64
	cb   MsgHandler

	// mch buffers deliveries; closed on unsubscribe after the registry
	// entry is gone, so already-queued messages still drain.
	mch chan *Msg
	// done is closed on connection Close: a hard stop, nothing drains.
	done chan struct{}

	// Guarded by conn.mu.
	max       uint64
	delivered uint64
	dropped   uint64
	closed    bool
}

// Subscribe registers an asynchronous subscription. The handler is invoked
// sequentially, in arrival order, on a dedicated goroutine.
//
// Subscribing works in every non-terminal state: while disconnected the
// registration is recorded locally and announced to the broker on the next
// handshake, exactly once.
func (c *Conn) Subscribe(subject string, cb MsgHandler) (*Subscription, error) {
	if cb == nil {
		return nil, ErrBadSubscription
	}
	return c.subscribe(subject, "", cb)
}

// QueueSubscribe registers an asynchronous subscription in a queue group.
// The broker delivers each matching message to one member of the group.
func (c *Conn) QueueSubscribe(subject, queue string, cb MsgHandler) (*Subscription, error) {
	if cb == nil {
		return nil, ErrBadSubscription
	}
	if !validQueueName(queue) {
		return nil, ErrBadQueueName
	}
	return c.subscribe(subject, queue, cb)
}

// SubscribeSync registers a synchronous subscription; messages are consumed
// with NextMsg.
func (c *Conn) SubscribeSync(subject string) (*Subscription, error) {
	return c.subscribe(subject, "", nil)
}

// QueueSubscribeSync registers a synchronous subscription in a queue group.
func (c *Conn) QueueSubscribeSync(subject, queue string) (*Subscription, error) {
	if !validQueueName(queue) {
		return nil, ErrBadQueueName
	}
	return c.subscribe(subject, queue, nil)
}

func (c *Conn) subscribe(subject, queue string, cb MsgHandler) (*Subscription, error) {
	if !validSubject(subject) {
		return nil, ErrBadSubject
	}

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	c.ssid++
	s := &Subscription{
		Subject: subject,
		Queue:   queue,
		conn:    c,
		sid:     c.ssid,
		cb:      cb,
		mch:     make(chan *Msg, c.opts.PendingLimit),
		done:    make(chan struct{}),
	}
	c.subs[s.sid] = s
	c.metrics.setSubscriptions(len(c.subs))

	// Announce on the live epoch only. While connecting or reconnecting
	// nothing is staged: the next handshake's registry replay is the one
	// announcement, keeping it to exactly one SUB per subscription.
	var out chan wire.Frame
	var done chan struct{}
	if c.state == Connected {
		out, done = c.outgoing, c.epochDone
	}
	c.mu.Unlock()

	c.log.Debug("subscribed", "subject", subject, "queue", queue, "sid", s.sid)

	if cb != nil {
		go s.deliverLoop()
	}
	if out != nil {
		c.sendControl(out, done, &wire.SubFrame{Subject: subject, Queue: queue, Sid: s.sid})
	}
	return s, nil
}

// deliverLoop runs the handler for an async subscription. It drains queued
// messages on unsubscribe but stops immediately on connection Close: done
// is re-checked before every handler invocation so a queued message cannot
// race a close through the select.
func (s *Subscription) deliverLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		select {
		case m, ok := <-s.mch:
			if !ok {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.cb(m)
		case <-s.done:
			return
		}
	}
}

// NextMsg returns the next message for a synchronous subscription, blocking
// until one arrives, the subscription ends or the context is done.
func (s *Subscription) NextMsg(ctx context.Context) (*Msg, error) {
	if s.cb != nil {
		return nil, ErrSyncSubRequired
	}

	select {
	case <-s.done:
		return nil, ErrConnectionClosed
	default:
	}

	// Prefer already-queued messages over cancellation.
	select {
	case m, ok := <-s.mch:
		if !ok {
			return nil, ErrBadSubscription
		}
		return m, nil
	default:
	}

	select {
	case m, ok := <-s.mch:
		if !ok {
			return nil, ErrBadSubscription
		}
		return m, nil
	case <-s.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe withdraws the subscription. Messages already queued for a
// synchronous subscription remain readable; nothing new is delivered.
func (s *Subscription) Unsubscribe() error {
	c := s.conn
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if s.closed {
		c.mu.Unlock()
		return ErrBadSubscription
	}
	c.removeSubLocked(s)

	var out chan wire.Frame
	var done chan struct{}
	if c.state == Connected {
		out, done = c.outgoing, c.epochDone
	}
	c.mu.Unlock()

	c.log.Debug("unsubscribed", "subject", s.Subject, "sid", s.sid)

	if out != nil {
		c.sendControl(out, done, &wire.UnsubFrame{Sid: s.sid})
	}
	return nil
}

// AutoUnsubscribe caps the subscription at max total deliveries. Once the
// cap is reached the triggering message is still delivered, then the
// subscription is removed. The cap survives reconnects: the replay adjusts
// the broker-side allowance by what was already delivered.
func (s *Subscription) AutoUnsubscribe(max int) error {
	if max <= 0 {
		return s.Unsubscribe()
	}

	c := s.conn
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if s.closed {
		c.mu.Unlock()
		return ErrBadSubscription
	}

	if s.delivered >= uint64(max) {
		// Cap already satisfied.
		c.removeSubLocked(s)
		var out chan wire.Frame
		var done chan struct{}
		if c.state == Connected {
			out, done = c.outgoing, c.epochDone
		}
		c.mu.Unlock()
		if out != nil {
			c.sendControl(out, done, &wire.UnsubFrame{Sid: s.sid})
		}
		return nil
	}

	s.max = uint64(max)
	remaining := max - int(s.delivered)
	var out chan wire.Frame
	var done chan struct{}
	if c.state == Connected {
		out, done = c.outgoing, c.epochDone
	}
	c.mu.Unlock()

	if out != nil {
		c.sendControl(out, done, &wire.UnsubFrame{Sid: s.sid, Max: remaining})
	}
	return nil
}

// removeSubLocked takes the subscription out of the registry and closes its
// delivery queue. Callers hold c.mu.
func (c *Conn) removeSubLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(c.subs, s.sid)
	c.metrics.setSubscriptions(len(c.subs))
	close(s.mch)
}

// ID returns the subscription id used on the wire.
func (s *Subscription) ID() uint64 { return s.sid }

// IsValid reports whether the subscription is still registered.
func (s *Subscription) IsValid() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return !s.closed
}

// Delivered returns how many messages have been delivered (queued for the
// consumer) on this subscription.
func (s *Subscription) Delivered() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.delivered
}

// Dropped returns how many messages were discarded because the delivery
// queue was full.
func (s *Subscription) Dropped() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.dropped
}

// Pending returns how many delivered messages are queued and not yet
// consumed.
func (s *Subscription) Pending() int {
	return len(s.mch)
}
