package exchange

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"okx-trader/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeVenue is a minimal private-channel server: it acks login (with a
// configurable code), acks subscribes, and lets tests push data frames.
type fakeVenue struct {
	srv         *httptest.Server
	loginCode   string
	answerPings bool
	conns       chan *websocket.Conn
	dials       atomic.Int32
	pings       atomic.Int32
}

func newFakeVenue(t *testing.T, loginCode string) *fakeVenue {
	t.Helper()
	v := &fakeVenue{loginCode: loginCode, answerPings: true, conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}

	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.dials.Add(1)
		v.conns <- conn
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "ping" {
				v.pings.Add(1)
				if v.answerPings {
					conn.WriteMessage(websocket.TextMessage, []byte("pong"))
				}
				continue
			}
			var req struct {
				Op   string `json:"op"`
				Args []struct {
					Channel string `json:"channel"`
				} `json:"args"`
			}
			if json.Unmarshal(msg, &req) != nil {
				continue
			}
			switch req.Op {
			case "login":
				resp := map[string]string{"event": "login", "code": v.loginCode}
				if v.loginCode != "0" {
					resp["msg"] = "Invalid sign"
				}
				conn.WriteJSON(resp)
			case "subscribe":
				for _, a := range req.Args {
					conn.WriteJSON(map[string]any{
						"event": "subscribe",
						"arg":   map[string]string{"channel": a.Channel},
					})
				}
			}
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVenue) url() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func testSession(v *fakeVenue, channels []string) *Session {
	return testSessionWith(v, channels, 20*time.Second, 5*time.Second)
}

func testSessionWith(v *fakeVenue, channels []string, heartbeat, pingTimeout time.Duration) *Session {
	auth := NewAuth(config.ExchangeConfig{APIKey: "k", Secret: "s", Passphrase: "p"})
	return NewSession(SessionConfig{
		URL:               v.url(),
		Channels:          channels,
		InstType:          "SWAP",
		HeartbeatInterval: heartbeat,
		PingTimeout:       pingTimeout,
		ReconnectInterval: 100 * time.Millisecond,
		ConnectTimeout:    5 * time.Second,
		SubscribeTimeout:  5 * time.Second,
		SSLVerify:         true,
	}, auth, testLogger())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestSessionLoginSubscribeReady(t *testing.T) {
	t.Parallel()
	v := newFakeVenue(t, "0")
	s := testSession(v, []string{"orders", "positions"})

	var got atomic.Int32
	s.OnFrame(func(f *Frame) {
		if f.Channel() == "orders" {
			got.Add(1)
		}
	})

	s.Start()
	defer s.Stop()

	if !waitFor(t, 3*time.Second, s.IsReady) {
		t.Fatal("session never became ready")
	}

	conn := <-v.conns
	conn.WriteJSON(map[string]any{
		"arg":  map[string]string{"channel": "orders"},
		"data": []map[string]string{{"ordId": "1", "state": "live", "uTime": "1000"}},
	})

	if !waitFor(t, 3*time.Second, func() bool { return got.Load() == 1 }) {
		t.Fatalf("data frame not delivered, got %d", got.Load())
	}
}

func TestSessionAuthRejectedHalts(t *testing.T) {
	t.Parallel()
	v := newFakeVenue(t, "60009")
	s := testSession(v, []string{"orders"})
	s.OnFrame(func(*Frame) {})

	s.Start()
	defer s.Stop()

	if !waitFor(t, 3*time.Second, func() bool { return !s.Healthy() }) {
		t.Fatal("session should report unhealthy after rejected login")
	}
	if s.IsReady() {
		t.Error("session must not be ready after rejected login")
	}

	// No reconnect after a credential failure.
	time.Sleep(300 * time.Millisecond)
	if n := v.dials.Load(); n != 1 {
		t.Errorf("dial count = %d, want 1 (no retry on auth failure)", n)
	}
}

func TestSessionPingsAfterSilence(t *testing.T) {
	t.Parallel()
	v := newFakeVenue(t, "0")
	// Short silence threshold, generous pong window: the link must be kept
	// alive by ping/pong without ever reconnecting.
	s := testSessionWith(v, []string{"orders"}, 200*time.Millisecond, 10*time.Second)
	s.OnFrame(func(*Frame) {})

	s.Start()
	defer s.Stop()

	if !waitFor(t, 3*time.Second, s.IsReady) {
		t.Fatal("session never became ready")
	}
	if !waitFor(t, 5*time.Second, func() bool { return v.pings.Load() >= 2 }) {
		t.Fatalf("pings = %d, want at least 2", v.pings.Load())
	}
	if n := v.dials.Load(); n != 1 {
		t.Errorf("dial count = %d, want 1 (pongs keep the link alive)", n)
	}
	if !s.IsReady() {
		t.Error("session should stay ready while pongs arrive")
	}
}

func TestSessionPongTimeoutReconnects(t *testing.T) {
	t.Parallel()
	v := newFakeVenue(t, "0")
	v.answerPings = false
	s := testSessionWith(v, []string{"orders"}, 200*time.Millisecond, 500*time.Millisecond)
	s.OnFrame(func(*Frame) {})

	s.Start()
	defer s.Stop()

	if !waitFor(t, 3*time.Second, s.IsReady) {
		t.Fatal("session never became ready")
	}
	if !waitFor(t, 8*time.Second, func() bool { return v.dials.Load() >= 2 }) {
		t.Fatalf("dials = %d, want reconnect after missing pong", v.dials.Load())
	}
	if v.pings.Load() < 1 {
		t.Errorf("pings = %d, want at least one before the timeout", v.pings.Load())
	}
	if !s.Healthy() {
		t.Error("a dead link is transient and must not mark the session unhealthy")
	}
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	t.Parallel()
	v := newFakeVenue(t, "0")
	s := testSession(v, []string{"orders"})
	s.OnFrame(func(*Frame) {})

	s.Start()
	defer s.Stop()

	if !waitFor(t, 3*time.Second, s.IsReady) {
		t.Fatal("session never became ready")
	}

	conn := <-v.conns
	conn.Close()

	if !waitFor(t, 3*time.Second, func() bool { return v.dials.Load() >= 2 }) {
		t.Fatal("session did not reconnect after drop")
	}
	if !waitFor(t, 3*time.Second, s.IsReady) {
		t.Fatal("session not ready after reconnect")
	}
	if !s.Healthy() {
		t.Error("transport drop must not mark the session unhealthy")
	}
}
