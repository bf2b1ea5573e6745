package courier

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsDisabledByDefault(t *testing.T) {
	m, err := newConnMetrics(nil)
	require.NoError(t, err)
	require.Nil(t, m)

	// A nil collector set records nothing and panics nowhere.
	m.incMsgsIn()
	m.incMsgsOut()
	m.addBytesIn(1)
	m.addBytesOut(1)
	m.incReconnects()
	m.incErrors()
	m.incDropped()
	m.setState(Connected)
	m.setSubscriptions(1)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()

	b := newTestBroker(t)
	conn := connectTest(t, b, WithMetrics(reg))

	sub, err := conn.SubscribeSync("metrics.probe")
	require.NoError(t, err)
	require.NoError(t, conn.FlushTimeout(2*time.Second))

	require.NoError(t, conn.Publish("metrics.probe", []byte("x")))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = sub.NextMsg(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(conn.metrics.msgsOut))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(conn.metrics.msgsIn))
	assert.Equal(t, float64(Connected),
		testutil.ToFloat64(conn.metrics.state))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(conn.metrics.subscriptions))
	assert.Positive(t, testutil.ToFloat64(conn.metrics.bytesIn))
	assert.Positive(t, testutil.ToFloat64(conn.metrics.bytesOut))

	conn.Close()
	assert.Equal(t, float64(Closed),
		testutil.ToFloat64(conn.metrics.state))
	assert.Zero(t, testutil.ToFloat64(conn.metrics.subscriptions))
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := newConnMetrics(reg)
	require.NoError(t, err)

	// A second connection on the same registry collides.
	_, err = newConnMetrics(reg)
	require.Error(t, err)
}
