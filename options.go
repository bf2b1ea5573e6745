package courier

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default configuration values.
const (
	// DefaultPort is used when a server URL omits one.
	DefaultPort = "4747"

	// DefaultConnectTimeout bounds a single dial + handshake.
	DefaultConnectTimeout = 2 * time.Second

	// DefaultReconnectWait is the base backoff between reconnect attempts.
	DefaultReconnectWait = 2 * time.Second

	// DefaultMaxReconnects bounds reconnect attempts per outage.
	// -1 retries indefinitely, 0 disables reconnection.
	DefaultMaxReconnects = 60

	// DefaultPingInterval is the keepalive probe interval.
	DefaultPingInterval = 2 * time.Minute

	// DefaultMaxPingsOut is how many unanswered pings mark the connection
	// stale.
	DefaultMaxPingsOut = 2

	// DefaultPendingLimit is the per-subscription delivery queue depth.
	DefaultPendingLimit = 256
)

// ContextDialer is an interface for custom transport dialing logic.
// It matches the signature of net.Dialer.DialContext.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialFunc adapts a function to the ContextDialer interface.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialContext implements ContextDialer.
func (f DialFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// connOptions holds configuration for a connection.
type connOptions struct {
	// Candidate server URLs in pool order.
	Servers []string

	// Connection name reported to the broker.
	Name string

	// Credentials (optional; Token is mutually exclusive in practice,
	// the broker decides which it honors).
	User     string
	Password string
	Token    string

	// Timeout for a single dial + handshake.
	ConnectTimeout time.Duration

	// Reconnection policy.
	AllowReconnect       bool
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect bool

	// Keepalive.
	PingInterval time.Duration
	MaxPingsOut  int

	// Per-subscription delivery queue depth.
	PendingLimit int

	// CONNECT flags.
	Verbose  bool
	Pedantic bool
	NoEcho   bool

	// TLS configuration (optional). Forces a TLS dial regardless of URL
	// scheme.
	TLSConfig *tls.Config

	// Custom dialer (optional). If set, it is used instead of net.Dialer
	// and receives the raw server URL as the address.
	Dialer ContextDialer

	// Logger for connection events (optional, defaults to discarding logs).
	Logger *slog.Logger

	// Metrics registry (optional, nil disables instrumentation).
	Metrics prometheus.Registerer

	// Lifecycle hooks (optional). All run on their own goroutine.
	ConnectHandler    func(*Conn)
	ReconnectHandler  func(*Conn)
	DisconnectHandler func(*Conn, error)
	ClosedHandler     func(*Conn)

	// ErrorHandler receives asynchronous errors: broker -ERR frames that
	// cannot be correlated to a caller, slow-consumer drops, protocol
	// violations. The subscription argument is nil unless the error is
	// subscription-scoped.
	ErrorHandler func(*Conn, *Subscription, error)
}

func defaultOptions() *connOptions {
	return &connOptions{
		ConnectTimeout: DefaultConnectTimeout,
		AllowReconnect: true,
		ReconnectWait:  DefaultReconnectWait,
		MaxReconnects:  DefaultMaxReconnects,
		PingInterval:   DefaultPingInterval,
		MaxPingsOut:    DefaultMaxPingsOut,
		PendingLimit:   DefaultPendingLimit,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option configures a connection.
type Option func(*connOptions)

// WithServers appends additional candidate servers to the pool, tried in
// order after the primary URL.
func WithServers(urls ...string) Option {
	return func(o *connOptions) {
		o.Servers = append(o.Servers, urls...)
	}
}

// WithName sets the connection name reported to the broker.
func WithName(name string) Option {
	return func(o *connOptions) {
		o.Name = name
	}
}

// WithCredentials sets the username and password sent in CONNECT.
func WithCredentials(user, password string) Option {
	return func(o *connOptions) {
		o.User = user
		o.Password = password
	}
}

// WithToken sets the authentication token sent in CONNECT.
func WithToken(token string) Option {
	return func(o *connOptions) {
		o.Token = token
	}
}

// WithConnectTimeout bounds each dial + handshake attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *connOptions) {
		o.ConnectTimeout = d
	}
}

// WithReconnectWait sets the base backoff between reconnect attempts. The
// actual wait grows exponentially with jitter.
func WithReconnectWait(d time.Duration) Option {
	return func(o *connOptions) {
		o.ReconnectWait = d
	}
}

// WithMaxReconnects bounds reconnect attempts per outage. -1 retries
// indefinitely; 0 disables reconnection entirely, making any transport drop
// terminal.
func WithMaxReconnects(n int) Option {
	return func(o *connOptions) {
		o.MaxReconnects = n
	}
}

// WithRetryOnFailedConnect makes Connect succeed even when no server is
// reachable: the connection is returned in the Connecting state and keeps
// trying in the background under the usual reconnection policy. Messages
// published before the first handshake are staged and flushed once it
// completes.
func WithRetryOnFailedConnect() Option {
	return func(o *connOptions) {
		o.RetryOnFailedConnect = true
	}
}

// WithNoReconnect disables reconnection entirely.
func WithNoReconnect() Option {
	return func(o *connOptions) {
		o.AllowReconnect = false
	}
}

// WithPingInterval sets the keepalive probe interval. Zero disables
// client-initiated pings (Flush still works).
func WithPingInterval(d time.Duration) Option {
	return func(o *connOptions) {
		o.PingInterval = d
	}
}

// WithMaxPingsOut sets how many consecutive unanswered pings mark the
// connection stale.
func WithMaxPingsOut(n int) Option {
	return func(o *connOptions) {
		o.MaxPingsOut = n
	}
}

// WithPendingLimit sets the per-subscription delivery queue depth. When the
// queue is full, further messages for that subscription are dropped and a
// slow-consumer error is reported.
func WithPendingLimit(n int) Option {
	return func(o *connOptions) {
		o.PendingLimit = n
	}
}

// WithVerbose requests +OK acknowledgments from the broker.
func WithVerbose() Option {
	return func(o *connOptions) {
		o.Verbose = true
	}
}

// WithPedantic requests strict subject checking on the broker side.
func WithPedantic() Option {
	return func(o *connOptions) {
		o.Pedantic = true
	}
}

// WithNoEcho asks the broker not to deliver this connection's own
// publishes back to its subscriptions.
func WithNoEcho() Option {
	return func(o *connOptions) {
		o.NoEcho = true
	}
}

// WithTLS enables TLS with the given configuration for every server.
func WithTLS(cfg *tls.Config) Option {
	return func(o *connOptions) {
		o.TLSConfig = cfg
	}
}

// WithDialer installs a custom transport dialer. The dialer receives the
// raw server URL, which allows transports such as websockets (see the ws
// subpackage).
func WithDialer(d ContextDialer) Option {
	return func(o *connOptions) {
		o.Dialer = d
	}
}

// WithLogger sets the logger for connection events.
func WithLogger(l *slog.Logger) Option {
	return func(o *connOptions) {
		o.Logger = l
	}
}

// WithMetrics registers prometheus instrumentation (message and byte
// counters, reconnects, connection state) with the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *connOptions) {
		o.Metrics = reg
	}
}

// WithConnectHandler sets a hook invoked after the first successful
// handshake.
func WithConnectHandler(h func(*Conn)) Option {
	return func(o *connOptions) {
		o.ConnectHandler = h
	}
}

// WithReconnectHandler sets a hook invoked after every successful handshake
// that follows an established session.
func WithReconnectHandler(h func(*Conn)) Option {
	return func(o *connOptions) {
		o.ReconnectHandler = h
	}
}

// WithDisconnectHandler sets a hook invoked when the transport drops.
func WithDisconnectHandler(h func(*Conn, error)) Option {
	return func(o *connOptions) {
		o.DisconnectHandler = h
	}
}

// WithClosedHandler sets a hook invoked once when the connection reaches
// the terminal Closed state.
func WithClosedHandler(h func(*Conn)) Option {
	return func(o *connOptions) {
		o.ClosedHandler = h
	}
}

// WithErrorHandler sets the asynchronous error hook.
func WithErrorHandler(h func(*Conn, *Subscription, error)) Option {
	return func(o *connOptions) {
		o.ErrorHandler = h
	}
}
