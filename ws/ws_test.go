package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades every request and echoes binary messages back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialAndRoundTrip(t *testing.T) {
	srv := echoServer(t)

	conn, err := New().DialContext(context.Background(), "ws", wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	n, err := conn.Write([]byte("PING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	buf := make([]byte, 6)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "PING\r\n", string(buf))
}

func TestReadSpansMessages(t *testing.T) {
	srv := echoServer(t)

	conn, err := New().DialContext(context.Background(), "ws", wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("def"))
	require.NoError(t, err)

	// Message boundaries are invisible: both echoes read as one stream.
	got := make([]byte, 0, 6)
	buf := make([]byte, 2)
	for len(got) < 6 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "abcdef", string(got))
}

func TestDialRejectsBadScheme(t *testing.T) {
	_, err := New().DialContext(context.Background(), "tcp", "cmq://localhost:4747")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")
}

func TestDeadlines(t *testing.T) {
	srv := echoServer(t)

	conn, err := New().DialContext(context.Background(), "ws", wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	require.NoError(t, conn.SetWriteDeadline(time.Time{}))
	assert.NotNil(t, conn.LocalAddr())
	assert.NotNil(t, conn.RemoteAddr())
}
