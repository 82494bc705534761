package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"pairchat/cmd/internal/chat"
	v1 "pairchat/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsPresenceTimeout     = 5 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Authenticator resolves a bearer token into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (chat.Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (chat.Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (chat.Principal, error) {
	return f(ctx, token)
}

// PresenceTracker is the presence surface the gateway drives from session
// lifecycle and heartbeats. *chat.Service implements it.
type PresenceTracker interface {
	SetOnline(ctx context.Context, uid int64) (chat.PresenceChanged, error)
	SetOffline(ctx context.Context, uid int64) (chat.PresenceChanged, error)
}

// GatewayConfig holds the websocket knobs.
type GatewayConfig struct {
	// DevInsecure skips websocket.Accept's own origin verification.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// OfflineOnClose marks a user offline when their last session on this
	// instance closes.
	OfflineOnClose bool
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		OfflineOnClose:   true,
	}
}

// GatewayConfigFromEnv reads PAIRCHAT_WS_* over the defaults.
func GatewayConfigFromEnv() GatewayConfig {
	d := DefaultGatewayConfig()
	return GatewayConfig{
		DevInsecure:      envBoolWS("PAIRCHAT_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("PAIRCHAT_WS_ORIGIN_REQUIRED", d.OriginRequired),
		AllowedOrigins:   envCSVWS("PAIRCHAT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:     envDurationWS("PAIRCHAT_WS_WRITE_TIMEOUT", d.WriteTimeout),
		ReadIdleTimeout:  envDurationWS("PAIRCHAT_WS_READ_IDLE_TIMEOUT", d.ReadIdleTimeout),
		SendQueueSize:    envIntWS("PAIRCHAT_WS_SEND_QUEUE", d.SendQueueSize),
		HeartbeatEvery:   envDurationWS("PAIRCHAT_WS_HEARTBEAT_INTERVAL", d.HeartbeatEvery),
		HeartbeatTimeout: envDurationWS("PAIRCHAT_WS_HEARTBEAT_TIMEOUT", d.HeartbeatTimeout),
		RateEvents:       envIntWS("PAIRCHAT_WS_RATE_EVENTS", d.RateEvents),
		RateWindow:       envDurationWS("PAIRCHAT_WS_RATE_WINDOW", d.RateWindow),
		OfflineOnClose:   envBoolWS("PAIRCHAT_WS_OFFLINE_ON_CLOSE", d.OfflineOnClose),
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the websocket entrypoint.
//
// It enforces origin policy, token auth, subprotocol selection, rate limits
// and heartbeats, and maps subscribe frames onto Hub channels after the Gate
// approves them.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	auth     Authenticator
	gate     *chat.Gate
	presence PresenceTracker
	metrics  *Metrics
	cfg      GatewayConfig

	// Accept() authorizes same-host origins by default; cross-origin needs patterns.
	originPatterns []string

	mu      sync.Mutex
	perUser map[int64]int
}

type GatewayOption func(*WSGateway)

func WithPresenceTracker(p PresenceTracker) GatewayOption {
	return func(g *WSGateway) { g.presence = p }
}

func WithGatewayMetrics(m *Metrics) GatewayOption { return func(g *WSGateway) { g.metrics = m } }

func NewWSGateway(log *slog.Logger, hub *Hub, auth Authenticator, gate *chat.Gate, cfg GatewayConfig, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if gate == nil {
		gate = chat.NewGate(false)
	}

	g := &WSGateway{
		log:     log,
		hub:     hub,
		auth:    auth,
		gate:    gate,
		cfg:     cfg.normalized(),
		perUser: make(map[int64]int),
	}
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an authenticated HTTP request to a websocket session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.reject("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.authenticate(r)
	if err != nil {
		g.metrics.reject("auth")
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.reject("subprotocol")
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(principal.UserID, sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.sessionStarted(ctx, client)
	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", principal.UserID)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send; subscriptions
	// are dropped before the client is closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.UnsubscribeAll(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	limiter := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !limiter.Allow() {
			g.metrics.reject("rate")
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeSubscribe:
			if code, err := g.onSubscribe(ctx, client, principal, env); err != nil {
				g.trySendError(ctx, client, code, err.Error())
			}

		case v1.TypeUnsubscribe:
			if err := g.onUnsubscribe(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "unsubscribe_failed", err.Error())
			}

		case v1.TypePresenceHeartbeat:
			if err := g.markOnline(ctx, client.UserID); err != nil {
				g.trySendError(ctx, client, "presence_failed", "presence update failed")
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.sessionEnded(client)
	g.log.Info("ws.session.close", "session_id", sessionID, "user_id", principal.UserID)
}

func (g *WSGateway) authenticate(r *http.Request) (chat.Principal, error) {
	tok := bearerToken(r)
	if tok == "" {
		return chat.Principal{}, errors.New("missing token")
	}
	if g.auth == nil {
		return chat.Principal{}, errors.New("no authenticator configured")
	}
	p, err := g.auth.Authenticate(r.Context(), tok)
	if err != nil {
		return chat.Principal{}, err
	}
	if !p.Authenticated() {
		return chat.Principal{}, errors.New("anonymous principal")
	}
	return p, nil
}

// bearerToken reads the Authorization header, falling back to ?token= since
// browsers cannot set headers on a websocket upgrade.
func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- session lifecycle ----

func (g *WSGateway) sessionStarted(ctx context.Context, client *Client) {
	g.metrics.sessionOpened()

	g.mu.Lock()
	g.perUser[client.UserID]++
	g.mu.Unlock()

	if err := g.markOnline(ctx, client.UserID); err != nil {
		g.log.Warn("ws.presence.online.fail", "user_id", client.UserID, "err", err)
	}
}

func (g *WSGateway) sessionEnded(client *Client) {
	g.metrics.sessionClosed()

	g.mu.Lock()
	g.perUser[client.UserID]--
	last := g.perUser[client.UserID] <= 0
	if last {
		delete(g.perUser, client.UserID)
	}
	g.mu.Unlock()

	if !last || !g.cfg.OfflineOnClose || g.presence == nil {
		return
	}

	// The request context is gone by now.
	ctx, cancel := context.WithTimeout(context.Background(), wsPresenceTimeout)
	defer cancel()
	if _, err := g.presence.SetOffline(ctx, client.UserID); err != nil && !chat.IsDeliveryWarning(err) {
		g.log.Warn("ws.presence.offline.fail", "user_id", client.UserID, "err", err)
	}
}

func (g *WSGateway) markOnline(ctx context.Context, uid int64) error {
	if g.presence == nil {
		return nil
	}
	_, err := g.presence.SetOnline(ctx, uid)
	if chat.IsDeliveryWarning(err) {
		g.log.Warn("ws.presence.delivery.fail", "user_id", uid, "err", err)
		return nil
	}
	return err
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client) error {
	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID, UserID: client.UserID})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, p chat.Principal, env v1.Envelope) (string, error) {
	channel, err := decodeChannel(env)
	if err != nil {
		return "subscribe_failed", err
	}

	if err := g.gate.Authorize(p, channel); err != nil {
		g.log.Info("ws.subscribe.denied", "session_id", client.SessionID, "user_id", p.UserID, "channel", channel, "err", err)
		return "forbidden", err
	}
	if err := g.hub.Subscribe(channel, client); err != nil {
		return "subscribe_failed", err
	}

	ackPayload, _ := json.Marshal(v1.SubscribePayload{Channel: channel})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeSubscribeAck, ackPayload, time.Now().UTC())) {
		g.hub.Unsubscribe(channel, client.SessionID)
		return "subscribe_failed", errors.New("backpressure: subscribe_ack")
	}
	return "", nil
}

func (g *WSGateway) onUnsubscribe(ctx context.Context, client *Client, env v1.Envelope) error {
	channel, err := decodeChannel(env)
	if err != nil {
		return err
	}
	g.hub.Unsubscribe(channel, client.SessionID)

	ackPayload, _ := json.Marshal(v1.SubscribePayload{Channel: channel})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeUnsubscribeAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: unsubscribe_ack")
	}
	return nil
}

func decodeChannel(env v1.Envelope) (string, error) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	channel := strings.TrimSpace(p.Channel)
	if channel == "" {
		return "", errors.New("missing channel")
	}
	return channel, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

// ---- envelope IO ----

var errBadJSON = errors.New("bad json frame")

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores port and scheme.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into the host
// patterns websocket.Accept matches cross-origin requests against, so both
// checks agree.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
