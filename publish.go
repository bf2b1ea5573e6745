package courier

import (
	"context"

	"github.com/google/uuid"

	"github.com/courier-mq/courier/internal/wire"
)

// inboxPrefix starts every reply subject generated by NewInbox.
const inboxPrefix = "_INBOX."

// Publish sends data on the subject. Delivery expectations depend on the
// connection state:
//
//   - Connected: the message is queued for the transport.
//   - Connecting, before the first handshake ever completed: the message is
//     staged and flushed right after the handshake, before anything else the
//     application sends.
//   - Reconnecting or Disconnected, after a session existed: the message is
//     silently dropped. An at-most-once transport cannot honor a backlog
//     grown during an outage, so it does not pretend to.
//
// Only Closed yields an error.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.publish(subject, "", nil, data)
}

// PublishMsg publishes a Msg, including its reply subject and headers.
func (c *Conn) PublishMsg(m *Msg) error {
	return c.publish(m.Subject, m.Reply, m.Header, m.Data)
}

// PublishRequest publishes data on the subject with a reply subject attached,
// for manually managed request/reply flows.
func (c *Conn) PublishRequest(subject, reply string, data []byte) error {
	return c.publish(subject, reply, nil, data)
}

func (c *Conn) publish(subject, reply string, hdr Header, data []byte) error {
	if !validLiteralSubject(subject) {
		return ErrBadSubject
	}
	if reply != "" && !validLiteralSubject(reply) {
		return ErrBadSubject
	}

	f := &wire.PubFrame{
		Subject: subject,
		Reply:   reply,
		Header:  wireHeader(hdr),
		Payload: data,
	}

	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrConnectionClosed

	case Connected:
		if mp := c.info.MaxPayload; mp > 0 && int64(len(data)) > mp {
			c.mu.Unlock()
			return ErrMaxPayload
		}
		out := c.outgoing
		c.mu.Unlock()

		select {
		case out <- f:
			c.outMsgs.Add(1)
			c.metrics.incMsgsOut()
			return nil
		default:
			return ErrOutboundOverflow
		}

	default:
		if !c.everConnected {
			c.staged = append(c.staged, f)
			c.outMsgs.Add(1)
			c.metrics.incMsgsOut()
		}
		c.mu.Unlock()
		return nil
	}
}

// Request publishes data with a unique reply inbox attached and waits for
// the first response or the end of the context.
func (c *Conn) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	return c.RequestMsg(ctx, &Msg{Subject: subject, Data: data})
}

// RequestMsg is like Request but carries the message's headers.
func (c *Conn) RequestMsg(ctx context.Context, req *Msg) (*Msg, error) {
	inbox := NewInbox()

	sub, err := c.SubscribeSync(inbox)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe() //nolint:errcheck // already removed once answered

	if err := sub.AutoUnsubscribe(1); err != nil {
		return nil, err
	}

	if err := c.publish(req.Subject, inbox, req.Header, req.Data); err != nil {
		return nil, err
	}

	return sub.NextMsg(ctx)
}

// NewInbox returns a unique subject suitable for request/reply plumbing.
func NewInbox() string {
	return inboxPrefix + uuid.NewString()
}
