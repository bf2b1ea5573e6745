package courier

import (
	"errors"
	"fmt"
	"strings"
)

// Standard errors returned by the client
var (
	// ErrConnectionClosed is returned when an operation is attempted on a
	// connection that has been closed.
	ErrConnectionClosed = errors.New("courier: connection closed")

	// ErrNotConnected is returned by operations that need a live transport
	// (Flush, Request correlation setup) while the connection is down.
	// Publish deliberately does not return it; see Publish.
	ErrNotConnected = errors.New("courier: not connected")

	// ErrNoServers is returned when every server in the pool has been tried
	// and none accepted a connection.
	ErrNoServers = errors.New("courier: no servers available")

	// ErrMaxReconnects is returned through the event stream when the
	// reconnect attempt budget is exhausted.
	ErrMaxReconnects = errors.New("courier: max reconnect attempts exceeded")

	// ErrStaleConnection indicates the broker stopped answering pings.
	ErrStaleConnection = errors.New("courier: stale connection")

	// ErrBadSubject is returned for empty or malformed subjects.
	ErrBadSubject = errors.New("courier: invalid subject")

	// ErrBadQueueName is returned for malformed queue group names.
	ErrBadQueueName = errors.New("courier: invalid queue group name")

	// ErrBadSubscription is returned when operating on a subscription that
	// has already been closed or drained.
	ErrBadSubscription = errors.New("courier: invalid subscription")

	// ErrSyncSubRequired is returned by NextMsg on a callback subscription.
	ErrSyncSubRequired = errors.New("courier: illegal call on an async subscription")

	// ErrMaxPayload is returned when a publish exceeds the broker's
	// advertised payload limit.
	ErrMaxPayload = errors.New("courier: maximum payload exceeded")

	// ErrSlowConsumer is reported through the error handler and event
	// stream when a subscription's pending queue overflows and a message
	// is dropped.
	ErrSlowConsumer = errors.New("courier: slow consumer, message dropped")

	// ErrMsgNoReply is returned by Msg.Respond when the message carried no
	// reply subject.
	ErrMsgNoReply = errors.New("courier: message has no reply subject")

	// ErrOutboundOverflow is returned when the outbound queue for the
	// current connection is full and a frame cannot be accepted.
	ErrOutboundOverflow = errors.New("courier: outbound queue full")
)

// ServerError wraps an -ERR frame received from the broker. Fatal errors
// (authorization failures, protocol-level rejections) force the connection
// toward Closed; recoverable ones (permissions, slow consumer warnings) are
// only surfaced through the event stream and error handler.
type ServerError struct {
	Text  string
	Fatal bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("courier: server error: %s", e.Text)
}

// classifyServerError turns an -ERR text into a ServerError, marking the
// rejections that retrying against the same server cannot fix.
func classifyServerError(text string) *ServerError {
	t := strings.ToLower(strings.TrimSpace(text))
	fatal := strings.Contains(t, "authorization violation") ||
		strings.Contains(t, "authentication") ||
		strings.Contains(t, "user authentication") ||
		strings.Contains(t, "invalid client protocol")
	return &ServerError{Text: text, Fatal: fatal}
}
