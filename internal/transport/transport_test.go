package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T, upgrader *Upgrader) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		go conn.ReadLoop(func(data []byte) error {
			return conn.Send(data)
		}, func(error) {})
	}))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := (&websocket.Dialer{HandshakeTimeout: 5 * time.Second}).Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestConn_EchoRoundTrip(t *testing.T) {
	t.Parallel()

	srv := echoServer(t, NewUpgrader(8*time.Second, 20*time.Second))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestConn_CloseStopsReadLoop(t *testing.T) {
	t.Parallel()

	closed := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := NewUpgrader(8*time.Second, 20*time.Second)
		conn, err := upgrader.Upgrade(w, r)
		require.NoError(t, err)
		conn.ReadLoop(func([]byte) error { return nil }, func(err error) {
			closed <- err
		})
	}))
	defer srv.Close()

	conn := dial(t, srv)
	conn.Close()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected ReadLoop to report closure")
	}
}

func TestConn_SendAfterCloseErrors(t *testing.T) {
	t.Parallel()

	serverConns := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := NewUpgrader(8*time.Second, 20*time.Second)
		conn, err := upgrader.Upgrade(w, r)
		require.NoError(t, err)
		serverConns <- conn
		conn.ReadLoop(func([]byte) error { return nil }, func(error) {})
	}))
	defer srv.Close()

	client := dial(t, srv)
	defer client.Close()

	serverConn := <-serverConns
	require.NoError(t, serverConn.Close(websocket.CloseNormalClosure, ""))

	err := serverConn.Send([]byte("too late"))
	assert.ErrorIs(t, err, ErrClosed)
}
