package blade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalwire/blade-client-go/internal/config"
	"github.com/signalwire/blade-client-go/internal/wire"
)

// fakeUpstream is a minimal Blade upstream: it answers blade.connect with
// a canned reply and otherwise echoes subscription.add netcasts as
// successful acks, enough to exercise the session handshake and one
// helper round trip without a real cluster.
type fakeUpstream struct {
	srv *httptest.Server

	pingReceived    chan wire.Envelope
	netcastReceived chan wire.NetcastRequest
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		pingReceived:    make(chan wire.Envelope, 4),
		netcastReceived: make(chan wire.NetcastRequest, 16),
	}
	upgrader := websocket.Upgrader{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			e, err := wire.Parse(data)
			if err != nil {
				continue
			}

			switch e.Method {
			case wire.MethodConnect:
				reply := wire.ConnectReply{
					SessionID: "sess-1",
					NodeID:    "node-local",
				}
				result, _ := json.Marshal(reply)
				resp := wire.NewResult(e.ID, result)
				raw, _ := resp.Marshal()
				_ = conn.WriteMessage(websocket.TextMessage, raw)

			case wire.MethodNetcast:
				var nc wire.NetcastRequest
				if err := json.Unmarshal(e.Params, &nc); err == nil {
					select {
					case f.netcastReceived <- nc:
					default:
					}
				}
				result, _ := json.Marshal(map[string]bool{"ok": true})
				resp := wire.NewResult(e.ID, result)
				raw, _ := resp.Marshal()
				_ = conn.WriteMessage(websocket.TextMessage, raw)

			case wire.MethodPing:
				select {
				case f.pingReceived <- e:
				default:
				}
				resp := wire.NewResult(e.ID, e.Params)
				raw, _ := resp.Marshal()
				_ = conn.WriteMessage(websocket.TextMessage, raw)
			}
		}
	}))
	return f
}

func (f *fakeUpstream) address() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeUpstream) close() {
	f.srv.Close()
}

func newTestSessionPlainText(t *testing.T, addr string) *Session {
	t.Helper()
	cfg := &config.Config{Address: addr, LogLevel: "error"}
	sess := New(cfg, nil)
	sess.insecureTransport = true
	return sess
}

func TestSessionConnectHandshake(t *testing.T) {
	up := newFakeUpstream(t)
	defer up.close()

	sess := newTestSessionPlainText(t, up.address())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sess.Connect(ctx))
	defer sess.Close()

	assert.Equal(t, "sess-1", sess.SessionID())
	assert.Equal(t, "node-local", sess.NodeID())
	assert.Equal(t, StateOnline, sess.State())
}

func TestSessionSubscriptionAddRoundTrip(t *testing.T) {
	up := newFakeUpstream(t)
	defer up.close()

	sess := newTestSessionPlainText(t, up.address())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sess.Connect(ctx))
	defer sess.Close()

	err := sess.SubscriptionAdd(ctx, "echo", "default")
	require.NoError(t, err)
}

func TestSessionCallBeforeConnectFails(t *testing.T) {
	cfg := &config.Config{Address: "127.0.0.1:0", LogLevel: "error"}
	sess := New(cfg, nil)

	err := sess.SubscriptionAdd(context.Background(), "echo", "default")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	up := newFakeUpstream(t)
	defer up.close()

	sess := newTestSessionPlainText(t, up.address())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
}

func TestRefreshRankMetricsOnlyFiresOnChange(t *testing.T) {
	up := newFakeUpstream(t)
	defer up.close()

	sess := newTestSessionPlainText(t, up.address())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Close()

	rank := 3
	sess.RegisterRankMetric("echo", time.Hour, func() int { return rank })

	sess.metricsMu.Lock()
	sess.rankMetrics[0].nextRun = time.Now().Add(-time.Second)
	sess.metricsMu.Unlock()
	sess.refreshRankMetrics(ctx)

	select {
	case nc := <-up.netcastReceived:
		assert.Equal(t, wire.NetcastProtocolProviderRankUpdate, nc.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a rank update netcast after first due refresh")
	}

	sess.metricsMu.Lock()
	sess.rankMetrics[0].nextRun = time.Now().Add(-time.Second)
	sess.metricsMu.Unlock()
	sess.refreshRankMetrics(ctx)

	select {
	case nc := <-up.netcastReceived:
		t.Fatalf("unexpected second rank update with unchanged rank: %+v", nc)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStateChangeCallbackFiresAcrossConnect(t *testing.T) {
	up := newFakeUpstream(t)
	defer up.close()

	sess := newTestSessionPlainText(t, up.address())
	transitions := make(chan State, 8)
	sess.OnStateChange(func(old, next State) { transitions <- next })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Close()

	select {
	case st := <-transitions:
		assert.Equal(t, StateOnline, st)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a state change callback firing on connect")
	}
}
