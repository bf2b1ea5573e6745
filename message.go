package courier

import (
	"net/textproto"

	"github.com/courier-mq/courier/internal/wire"
)

// Header is the message header block: canonicalized keys mapping to one or
// more values, carried only when the broker advertises header support.
type Header map[string][]string

// Add appends a value to the key.
func (h Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

// Set replaces any existing values for the key.
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Get returns the first value for the key, or "".
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if v := h[textproto.CanonicalMIMEHeaderKey(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Del removes all values for the key.
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Msg is a message as published to or delivered by the broker.
type Msg struct {
	Subject string
	Reply   string
	Header  Header
	Data    []byte

	// Sub is the subscription the message was delivered on; nil for
	// messages constructed by the application.
	Sub *Subscription
}

// MsgHandler is called for each message delivered to an async subscription.
// Handlers for a given subscription run sequentially in arrival order; they
// should not block for long periods.
type MsgHandler func(*Msg)

// Respond publishes data to the message's reply subject over the connection
// the message arrived on.
func (m *Msg) Respond(data []byte) error {
	if m.Sub == nil || m.Reply == "" {
		return ErrMsgNoReply
	}
	return m.Sub.conn.Publish(m.Reply, data)
}

// RespondMsg is like Respond but allows headers on the reply.
func (m *Msg) RespondMsg(reply *Msg) error {
	if m.Sub == nil || m.Reply == "" {
		return ErrMsgNoReply
	}
	return m.Sub.conn.publish(m.Reply, "", reply.Header, reply.Data)
}

func wireHeader(h Header) wire.Header {
	if len(h) == 0 {
		return nil
	}
	return wire.Header(h)
}
