package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades every request and echoes back whatever text frames
// it receives, closing cleanly when the client disconnects.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func dialTest(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	addr := strings.TrimPrefix(srv.URL, "http://")
	conn, err := Dial(context.Background(), addr, "/", TLSConfig{PlainText: true}, nil)
	require.NoError(t, err)
	return conn
}

func TestConnSendAndReceive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn := dialTest(t, srv)

	var mu sync.Mutex
	var got []byte
	received := make(chan struct{}, 1)

	conn.SetHandlers(func(raw []byte) {
		mu.Lock()
		got = raw
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
	}, func(err error) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	require.NoError(t, conn.Send(context.Background(), []byte(`{"hello":"world"}`)))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"hello":"world"}`, string(got))

	stats := conn.Stats()
	assert.Equal(t, int64(1), stats.FramesWritten)
	assert.GreaterOrEqual(t, stats.FramesRead, int64(1))
}

func TestConnFailsOnServerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))

	conn := dialTest(t, srv)

	failed := make(chan error, 1)
	conn.SetHandlers(func([]byte) {}, func(err error) {
		select {
		case failed <- err:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	// httptest.Server.Close leaves hijacked websocket connections open, so
	// the server's end of the socket is closed explicitly as well.
	srv.Close()
	(<-serverConns).Close()

	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}
}
