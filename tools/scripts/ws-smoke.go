// Package main is a CI-friendly smoke test for a running pairchat server.
//
// It logs two users in over HTTP, opens a websocket session for each and checks:
//   - handshake, subprotocol selection and hello_ack
//   - private channel subscriptions
//   - a message sent over HTTP reaches the receiver's channel and skips the
//     sender's own session (X-Socket-ID)
//   - typing updates reach only the other party
//   - history pagination over HTTP
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "pairchat/shared/contracts/realtime/v1"
)

const (
	maxReadBytes = 1 << 20 // 1MiB

	presenceChannel  = "online-users"
	eventMessageSent = "MessageSent"
)

func privateChannel(uid int64) string { return "chat." + strconv.FormatInt(uid, 10) }

type smokeClient struct {
	name      string
	userID    int64
	token     string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type smokeConfig struct {
	base    string
	wsURL   string
	origin  string
	timeout time.Duration
	http    *http.Client
}

func main() {
	var (
		base    = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the server")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		aEmail  = flag.String("a-email", "alice@example.com", "Email of user A")
		aPass   = flag.String("a-password", "", "Password of user A")
		bEmail  = flag.String("b-email", "bob@example.com", "Email of user B")
		bPass   = flag.String("b-password", "", "Password of user B")
		text    = flag.String("text", "hello pairchat 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := wsURLFromBase(*base)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateWSURL(wsURL); err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	cfg := smokeConfig{
		base:    strings.TrimRight(*base, "/"),
		wsURL:   wsURL,
		origin:  *origin,
		timeout: *timeout,
		http:    &http.Client{Timeout: *timeout},
	}
	root := context.Background()

	a := mustLogin(root, cfg, "A", *aEmail, *aPass)
	b := mustLogin(root, cfg, "B", *bEmail, *bPass)

	mustConnect(root, cfg, a)
	defer closeWS(a.conn)
	mustConnect(root, cfg, b)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(uid %d) B=%s(uid %d)\n", a.sessionID, a.userID, b.sessionID, b.userID)
	}

	mustSubscribe(root, cfg, a, privateChannel(a.userID))
	mustSubscribe(root, cfg, b, privateChannel(b.userID))

	// A second session of A proves the originator exclusion is per session, not per user.
	a2 := &smokeClient{name: "A2", userID: a.userID, token: a.token}
	mustConnect(root, cfg, a2)
	defer closeWS(a2.conn)
	mustSubscribe(root, cfg, a2, privateChannel(a.userID))

	msgID := mustSendHTTP(root, cfg, a, b.userID, *text)

	mustAssertMessageEvent(root, cfg, b, msgID, *text)
	mustAssertMessageEvent(root, cfg, a2, msgID, *text)
	mustAssertNoEvent(root, a, eventMessageSent, 1200*time.Millisecond)

	mustTypingHTTP(root, cfg, b, a.userID)
	mustAssertTypingEvent(root, cfg, a, b.userID)

	mustHistoryContains(root, cfg, b, a.userID, msgID)

	fmt.Printf("OK: A=%s B=%s message_id=%d\n", a.sessionID, b.sessionID, msgID)
}

func wsURLFromBase(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustLogin(parent context.Context, cfg smokeConfig, name, email, password string) *smokeClient {
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	status := doJSON(parent, cfg, http.MethodPost, "/auth/token", "", "", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if status != http.StatusOK || out.Token == "" || out.User.ID <= 0 {
		fatalf("login %s (%s): status=%d", name, email, status)
	}
	return &smokeClient{name: name, userID: out.User.ID, token: out.Token}
}

func mustConnect(parent context.Context, cfg smokeConfig, c *smokeClient) {
	ctx, cancel := context.WithTimeout(parent, cfg.timeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	if strings.TrimSpace(cfg.origin) != "" {
		h.Set("Origin", cfg.origin)
	}

	conn, resp, err := websocket.Dial(ctx, cfg.wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", c.name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c.conn = conn
	c.inbox = make(chan v1.Envelope, 512)
	c.errCh = make(chan error, 1)
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, envelope(c.name+"-hello", v1.TypeHello, v1.HelloPayload{}), cfg.timeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, cfg.timeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", c.name)
	}
	if p.UserID != c.userID {
		fatalf("hello_ack user mismatch (%s): got=%d want=%d", c.name, p.UserID, c.userID)
	}
	c.sessionID = p.SessionID
}

func envelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustSubscribe(parent context.Context, cfg smokeConfig, c *smokeClient, channel string) {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-sub-"+channel, v1.TypeSubscribe, v1.SubscribePayload{Channel: channel}), cfg.timeout)

	ack := c.mustReadUntilType(parent, v1.TypeSubscribeAck, cfg.timeout, skipEvents)

	var p v1.SubscribePayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal subscribe_ack payload (%s): %v", c.name, err)
	}
	if p.Channel != channel {
		fatalf("subscribe_ack channel mismatch (%s): got=%q want=%q", c.name, p.Channel, channel)
	}
}

var skipEvents = map[string]struct{}{v1.TypeEvent: {}}

func mustSendHTTP(parent context.Context, cfg smokeConfig, from *smokeClient, to int64, text string) int64 {
	var out struct {
		Message struct {
			ID   int64  `json:"id"`
			Body string `json:"body"`
		} `json:"message"`
		Warning string `json:"warning"`
	}
	status := doJSON(parent, cfg, http.MethodPost, "/messages/"+strconv.FormatInt(to, 10), from.token, from.sessionID,
		map[string]any{"message": text}, &out)
	if status != http.StatusCreated {
		fatalf("send (%s): status=%d", from.name, status)
	}
	if out.Warning != "" {
		fatalf("send (%s): delivery warning: %s", from.name, out.Warning)
	}
	if out.Message.ID <= 0 || out.Message.Body != text {
		fatalf("send (%s): unexpected message %+v", from.name, out.Message)
	}
	return out.Message.ID
}

func mustTypingHTTP(parent context.Context, cfg smokeConfig, from *smokeClient, to int64) {
	status := doJSON(parent, cfg, http.MethodPost, "/messages/"+strconv.FormatInt(to, 10)+"/typing", from.token, from.sessionID,
		map[string]any{"is_typing": true}, nil)
	if status != http.StatusOK {
		fatalf("typing (%s): status=%d", from.name, status)
	}
}

func mustHistoryContains(parent context.Context, cfg smokeConfig, c *smokeClient, other, msgID int64) {
	var out struct {
		Messages []struct {
			ID int64 `json:"id"`
		} `json:"messages"`
	}
	status := doJSON(parent, cfg, http.MethodGet, "/messages/"+strconv.FormatInt(other, 10)+"?limit=200", c.token, "", nil, &out)
	if status != http.StatusOK {
		fatalf("history (%s): status=%d", c.name, status)
	}
	for _, m := range out.Messages {
		if m.ID == msgID {
			return
		}
	}
	fatalf("history (%s) missing message %d", c.name, msgID)
}

// nextEvent waits for the next event envelope on c, skipping presence traffic.
func (c *smokeClient) nextEvent(parent context.Context, timeout time.Duration) v1.EventPayload {
	for {
		env := c.mustReadUntilType(parent, v1.TypeEvent, timeout, nil)
		var p v1.EventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal event payload (%s): %v", c.name, err)
		}
		if p.Channel == presenceChannel {
			continue
		}
		return p
	}
}

func mustAssertMessageEvent(parent context.Context, cfg smokeConfig, c *smokeClient, msgID int64, text string) {
	p := c.nextEvent(parent, cfg.timeout)
	if p.Event != eventMessageSent || p.Channel != privateChannel(c.userID) {
		fatalf("unexpected event (%s): %s on %s", c.name, p.Event, p.Channel)
	}
	var data struct {
		Message *struct {
			ID   int64  `json:"id"`
			Body string `json:"body"`
		} `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &data); err != nil {
		fatalf("unmarshal event data (%s): %v", c.name, err)
	}
	if data.Message == nil || data.Message.ID != msgID || data.Message.Body != text {
		fatalf("event message mismatch (%s): %s", c.name, p.Data)
	}
}

func mustAssertTypingEvent(parent context.Context, cfg smokeConfig, c *smokeClient, from int64) {
	p := c.nextEvent(parent, cfg.timeout)
	var data struct {
		IsTypingUpdate bool  `json:"isTypingUpdate"`
		UserID         int64 `json:"userId"`
		IsTyping       bool  `json:"isTyping"`
	}
	if err := json.Unmarshal(p.Data, &data); err != nil {
		fatalf("unmarshal typing data (%s): %v", c.name, err)
	}
	if !data.IsTypingUpdate || data.UserID != from || !data.IsTyping {
		fatalf("typing event mismatch (%s): %s", c.name, p.Data)
	}
}

func mustAssertNoEvent(parent context.Context, c *smokeClient, event string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type != v1.TypeEvent {
				continue
			}
			var p v1.EventPayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.Event == event && p.Channel != presenceChannel {
				fatalf("unexpected %s received (%s): originator exclusion failed", event, c.name)
			}
		}
	}
}

func doJSON(parent context.Context, cfg smokeConfig, method, path, token, socketID string, in, out any) int {
	ctx, cancel := context.WithTimeout(parent, cfg.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		body = bytes.NewReader(mustJSON(in))
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.base+path, body)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if socketID != "" {
		req.Header.Set("X-Socket-ID", socketID)
	}

	res, err := cfg.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()

	if out != nil && res.StatusCode < 300 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
