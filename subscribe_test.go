package courier

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-mq/courier/internal/wire"
)

func TestSubscribeAsync(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)

	received := make(chan *Msg, 1)
	sub, err := conn.Subscribe("greetings.*", func(m *Msg) {
		received <- m
	})
	require.NoError(t, err)
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	require.NoError(t, conn.Publish("greetings.world", []byte("hello")))

	select {
	case m := <-received:
		assert.Equal(t, "greetings.world", m.Subject)
		assert.Equal(t, []byte("hello"), m.Data)
		assert.Same(t, sub, m.Sub)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSubscribeSync(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)

	sub, err := conn.SubscribeSync("jobs.created")
	require.NoError(t, err)
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	require.NoError(t, conn.Publish("jobs.created", []byte("j1")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := sub.NextMsg(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("j1"), m.Data)
	assert.Equal(t, uint64(1), sub.Delivered())
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)

	_, err := conn.Subscribe("", func(*Msg) {})
	assert.ErrorIs(t, err, ErrBadSubject)

	_, err = conn.Subscribe("a..b", func(*Msg) {})
	assert.ErrorIs(t, err, ErrBadSubject)

	_, err = conn.Subscribe("a.>.b", func(*Msg) {})
	assert.ErrorIs(t, err, ErrBadSubject)

	_, err = conn.Subscribe("ok.subject", nil)
	assert.ErrorIs(t, err, ErrBadSubscription)

	_, err = conn.QueueSubscribe("ok.subject", "bad queue", func(*Msg) {})
	assert.ErrorIs(t, err, ErrBadQueueName)
}

func TestQueueSubscribeOnWire(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)

	sub, err := conn.QueueSubscribe("tasks.*", "workers", func(*Msg) {})
	require.NoError(t, err)
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	frames := b.subFramesFor(sub.ID())
	require.Len(t, frames, 1)
	assert.Equal(t, "tasks.*", frames[0].Subject)
	assert.Equal(t, "workers", frames[0].Queue)
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)

	sub, err := conn.SubscribeSync("feed.updates")
	require.NoError(t, err)
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, conn.FlushTimeout(2*time.Second))
	assert.False(t, sub.IsValid())

	// The broker no longer has the registration, and the local registry
	// would drop the sid anyway.
	require.NoError(t, conn.Publish("feed.updates", []byte("x")))
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = sub.NextMsg(ctx)
	require.Error(t, err)

	assert.ErrorIs(t, sub.Unsubscribe(), ErrBadSubscription)
}

func TestAutoUnsubscribe(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)

	var delivered atomic.Int64
	sub, err := conn.Subscribe("metered.data", func(*Msg) {
		delivered.Add(1)
	})
	require.NoError(t, err)
	require.NoError(t, sub.AutoUnsubscribe(3))
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.Publish("metered.data", []byte("m")))
	}
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	require.Eventually(t, func() bool {
		return delivered.Load() == 3
	}, 2*time.Second, 10*time.Millisecond)

	// The delivery that reached the cap closed the subscription.
	assert.False(t, sub.IsValid())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), delivered.Load())
}

func TestNextMsgOnAsyncSubscription(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)

	sub, err := conn.Subscribe("x.y", func(*Msg) {})
	require.NoError(t, err)

	_, err = sub.NextMsg(context.Background())
	assert.ErrorIs(t, err, ErrSyncSubRequired)
}

func TestSlowConsumerDrops(t *testing.T) {
	b := newTestBroker(t)

	errs := make(chan error, 16)
	conn := connectTest(t, b,
		WithPendingLimit(1),
		WithErrorHandler(func(_ *Conn, _ *Subscription, err error) {
			errs <- err
		}))

	sub, err := conn.SubscribeSync("firehose")
	require.NoError(t, err)
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Publish("firehose", []byte("d")))
	}
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrSlowConsumer)
	case <-time.After(2 * time.Second):
		t.Fatal("no slow consumer error reported")
	}
	assert.Equal(t, uint64(2), sub.Dropped())
	assert.Equal(t, 1, sub.Pending())

	// Dropped messages never count as received.
	assert.Equal(t, uint64(1), conn.Stats().InMsgs)
}

func TestAsyncHandlerStopsOnClose(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)

	var calls atomic.Int64
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	_, err := conn.Subscribe("halt.now", func(*Msg) {
		calls.Add(1)
		started <- struct{}{}
		<-release
	})
	require.NoError(t, err)
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	// Two deliveries: the first blocks inside the handler, the second
	// sits queued behind it.
	require.NoError(t, conn.Publish("halt.now", []byte("1")))
	require.NoError(t, conn.Publish("halt.now", []byte("2")))
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	conn.Close()
	close(release)

	// The queued message must not reach the handler once Close returned.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestSubscriptionsStopOnClose(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)

	sub, err := conn.SubscribeSync("will.close")
	require.NoError(t, err)

	conn.Close()

	_, err = sub.NextMsg(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestUnknownSidSilentlyDropped(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)
	w := conn.Events()

	b.lastClient().write(&wire.MsgFrame{Subject: "ghost", Sid: 999, Payload: []byte("boo")})

	// The connection keeps working and no error event is emitted.
	require.NoError(t, conn.FlushTimeout(2*time.Second))
	nextEventOfKind(t, w, EventConnect, time.Second)
	_, ok := w.Poll()
	assert.False(t, ok)
	assert.Zero(t, conn.Stats().InMsgs)
}

func TestBrokerPingAnswered(t *testing.T) {
	b := newTestBroker(t)
	conn := connectTest(t, b)
	defer conn.Close()

	b.lastClient().write(&wire.PingFrame{})

	require.Eventually(t, func() bool {
		return len(b.framesOfKind(wire.PONG)) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
