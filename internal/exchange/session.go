// session.go implements the authenticated private WebSocket session.
//
// One Session owns one duplex stream: it connects, logs in with an
// HMAC-SHA256 signature, subscribes its channel list, and keeps the link
// alive with the venue's application-level ping/pong. Frames are delivered
// to a single registered handler in receipt order; nothing is replayed
// across reconnects (the venue sends a fresh snapshot after resubscribe, so
// consumers must tolerate a gap).
//
// Reconnection is unconditional with a fixed interval and no attempt cap —
// except after a rejected login, which is a credential problem that no retry
// will fix: the session halts and reports unhealthy instead.
package exchange

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"okx-trader/internal/metrics"
)

const writeTimeout = 10 * time.Second // deadline for outgoing messages

// ErrAuthRejected is returned when the venue rejects the login signature.
// The session does not reconnect after it.
var ErrAuthRejected = errors.New("websocket login rejected")

// FrameHandler consumes data frames. It is invoked from the session's read
// goroutine and must not block for long.
type FrameHandler func(*Frame)

// SessionConfig configures one private streaming session.
type SessionConfig struct {
	URL               string
	Channels          []string // e.g. "orders", "positions"
	InstType          string   // e.g. "SWAP"
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	SubscribeTimeout  time.Duration
	SSLVerify         bool
}

// Session manages a single authenticated WebSocket connection: lifecycle,
// login, subscription tracking, heartbeat, and automatic reconnection.
type Session struct {
	cfg     SessionConfig
	auth    *Auth
	handler FrameHandler
	logger  *slog.Logger

	running    atomic.Bool
	authFailed atomic.Bool
	loggedIn   atomic.Bool

	// connMu protects conn writes and the heartbeat state.
	connMu      sync.Mutex
	conn        *websocket.Conn
	pendingPong bool
	pingSentAt  time.Time

	lastMessageAt atomic.Int64 // unix nano of the last received frame
	connectedAt   atomic.Int64

	subscribedMu sync.Mutex
	subscribed   map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a session for the given channels. Call OnFrame before
// Start.
func NewSession(cfg SessionConfig, auth *Auth, logger *slog.Logger) *Session {
	return &Session{
		cfg:        cfg,
		auth:       auth,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "ws_private"),
	}
}

// OnFrame registers the single frame consumer.
func (s *Session) OnFrame(h FrameHandler) {
	s.handler = h
}

// Start begins the connect loop. Idempotent.
func (s *Session) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop tears the session down. No further frames are delivered after it
// returns.
func (s *Session) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()
	s.wg.Wait()
	s.logger.Info("session stopped")
}

// IsReady reports whether the session is connected, logged in, and has all
// channels subscribed.
func (s *Session) IsReady() bool {
	if !s.running.Load() || s.authFailed.Load() || !s.loggedIn.Load() {
		return false
	}
	s.subscribedMu.Lock()
	defer s.subscribedMu.Unlock()
	for _, ch := range s.cfg.Channels {
		if !s.subscribed[ch] {
			return false
		}
	}
	return true
}

// Healthy is false only after a fatal credential error.
func (s *Session) Healthy() bool {
	return !s.authFailed.Load()
}

// run reconnects until the context is cancelled or login is rejected.
func (s *Session) run(ctx context.Context) {
	for {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			s.logger.Error("login rejected, halting session (check credentials)", "error", err)
			return
		}

		metrics.SessionReconnects.Inc()
		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"wait", s.cfg.ReconnectInterval,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

// connectOnce dials, logs in, subscribes and reads until the connection dies.
func (s *Session) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	if !s.cfg.SSLVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		s.logger.Warn("TLS certificate verification disabled")
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.pendingPong = false
	s.connMu.Unlock()
	s.loggedIn.Store(false)
	s.resetSubscriptions()

	now := time.Now()
	s.lastMessageAt.Store(now.UnixNano())
	s.connectedAt.Store(now.UnixNano())

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
		s.loggedIn.Store(false)
	}()

	if err := s.writeJSON(LoginRequest{Op: "login", Args: []LoginArg{s.auth.LoginArgs()}}); err != nil {
		return fmt.Errorf("send login: %w", err)
	}
	s.logger.Info("websocket connected, login sent", "channels", s.cfg.Channels)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.lastMessageAt.Store(time.Now().UnixNano())

		if msgType == websocket.TextMessage && strings.TrimSpace(string(msg)) == "pong" {
			s.clearPendingPong()
			continue
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.logger.Warn("dropping non-JSON frame", "data", truncate(string(msg), 100))
			continue
		}

		if frame.Event != "" {
			if err := s.handleControl(&frame); err != nil {
				return err
			}
			continue
		}

		if frame.Data != nil && s.handler != nil {
			metrics.FramesReceived.WithLabelValues(frame.Channel()).Inc()
			s.handler(&frame)
		}
	}
}

// handleControl processes login/subscribe acks, errors, and JSON pongs.
func (s *Session) handleControl(f *Frame) error {
	switch f.Event {
	case "login":
		if f.Code != "0" {
			s.authFailed.Store(true)
			return fmt.Errorf("%w: code %s: %s", ErrAuthRejected, f.Code, f.Msg)
		}
		s.logger.Info("login accepted")
		s.loggedIn.Store(true)
		return s.subscribeAll()

	case "subscribe":
		if f.Code != "" && f.Code != "0" {
			return fmt.Errorf("subscribe failed: code %s: %s", f.Code, f.Msg)
		}
		ch := f.Channel()
		s.subscribedMu.Lock()
		s.subscribed[ch] = true
		s.subscribedMu.Unlock()
		s.logger.Info("channel subscribed", "channel", ch)

	case "error":
		return fmt.Errorf("channel error: code %s: %s", f.Code, f.Msg)

	case "pong":
		s.clearPendingPong()

	default:
		s.logger.Debug("ignoring control event", "event", f.Event)
	}
	return nil
}

// subscribeAll sends one subscribe frame per configured channel.
func (s *Session) subscribeAll() error {
	for _, ch := range s.cfg.Channels {
		req := SubscribeRequest{
			Op:   "subscribe",
			Args: []FrameArg{{Channel: ch, InstType: s.cfg.InstType}},
		}
		if err := s.writeJSON(req); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	return nil
}

func (s *Session) resetSubscriptions() {
	s.subscribedMu.Lock()
	s.subscribed = make(map[string]bool)
	s.subscribedMu.Unlock()
}

// heartbeatLoop checks the link once per second. After heartbeatInterval of
// silence it sends the literal "ping" text frame; if no pong arrives within
// pingTimeout the connection is closed so the read loop reconnects. It also
// enforces the subscribe-ack deadline after a fresh connect.
func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.heartbeatTick(conn) {
				return
			}
		}
	}
}

// heartbeatTick returns true when the connection has been declared dead.
func (s *Session) heartbeatTick(conn *websocket.Conn) bool {
	now := time.Now()

	if !s.IsReady() && now.Sub(time.Unix(0, s.connectedAt.Load())) >= s.cfg.SubscribeTimeout {
		s.logger.Warn("subscribe ack timeout, closing connection")
		conn.Close()
		return true
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.pendingPong {
		if now.Sub(s.pingSentAt) >= s.cfg.PingTimeout {
			s.logger.Warn("no pong received, closing connection",
				"timeout", s.cfg.PingTimeout)
			conn.Close()
			return true
		}
		return false
	}

	silence := now.Sub(time.Unix(0, s.lastMessageAt.Load()))
	if silence >= s.cfg.HeartbeatInterval {
		conn.SetWriteDeadline(now.Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
			s.logger.Warn("ping failed, closing connection", "error", err)
			conn.Close()
			return true
		}
		s.pendingPong = true
		s.pingSentAt = now
	}
	return false
}

func (s *Session) clearPendingPong() {
	s.connMu.Lock()
	s.pendingPong = false
	s.connMu.Unlock()
}

func (s *Session) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func truncate(msg string, n int) string {
	if len(msg) <= n {
		return msg
	}
	return msg[:n]
}
