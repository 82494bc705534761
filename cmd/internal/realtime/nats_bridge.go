package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"pairchat/cmd/internal/chat"
)

// DefaultSubjectPrefix is prepended to the channel name to form the NATS subject.
const DefaultSubjectPrefix = "pairchat.events"

// ConnectNATS dials the NATS server used to relay publications between
// instances. The connection reconnects forever; callers own Close.
func ConnectNATS(log *slog.Logger, url, name string) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats.disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats.reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("realtime: connect nats: %w", err)
	}
	log.Info("nats.connected", "url", nc.ConnectedUrl())
	return nc, nil
}

// relayMessage is the NATS wire form of a chat.Publication.
type relayMessage struct {
	Origin       string          `json:"origin"`
	Channel      string          `json:"channel"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	ExceptSocket string          `json:"except_socket,omitempty"`
}

// NATSBridge is a chat.Publisher that delivers to the local hub and relays
// the publication to every other instance through NATS. Relayed messages
// carry the origin instance id so an instance never re-delivers its own.
type NATSBridge struct {
	log     *slog.Logger
	nc      *nats.Conn
	local   chat.Publisher
	prefix  string
	origin  string
	metrics *Metrics

	sub *nats.Subscription
}

type BridgeOption func(*NATSBridge)

func WithSubjectPrefix(prefix string) BridgeOption {
	return func(b *NATSBridge) {
		if p := strings.Trim(strings.TrimSpace(prefix), "."); p != "" {
			b.prefix = p
		}
	}
}

func WithBridgeMetrics(m *Metrics) BridgeOption { return func(b *NATSBridge) { b.metrics = m } }

func NewNATSBridge(log *slog.Logger, nc *nats.Conn, local chat.Publisher, opts ...BridgeOption) (*NATSBridge, error) {
	if nc == nil {
		return nil, errors.New("realtime: nil nats connection")
	}
	return newNATSBridge(log, nc, local, opts...)
}

func newNATSBridge(log *slog.Logger, nc *nats.Conn, local chat.Publisher, opts ...BridgeOption) (*NATSBridge, error) {
	if log == nil {
		log = slog.Default()
	}
	if local == nil {
		return nil, errors.New("realtime: nil local publisher")
	}
	origin, err := NewSessionID(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	b := &NATSBridge{log: log, nc: nc, local: local, prefix: DefaultSubjectPrefix, origin: origin}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Origin is this instance's relay id.
func (b *NATSBridge) Origin() string { return b.origin }

// Start subscribes to publications relayed by other instances.
func (b *NATSBridge) Start() error {
	sub, err := b.nc.Subscribe(b.prefix+".>", b.onMessage)
	if err != nil {
		return fmt.Errorf("realtime: nats subscribe: %w", err)
	}
	b.sub = sub
	b.log.Info("nats.bridge.start", "subject", b.prefix+".>", "origin", b.origin)
	return nil
}

// Close stops relaying inbound publications. The connection stays open.
func (b *NATSBridge) Close() error {
	if b.sub == nil {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.sub = nil
	return err
}

// Publish delivers locally, then relays. A relay failure is returned after
// local delivery has already happened.
func (b *NATSBridge) Publish(ctx context.Context, p chat.Publication) error {
	localErr := b.local.Publish(ctx, p)
	if b.nc == nil {
		return localErr
	}

	data, err := json.Marshal(relayMessage{
		Origin:       b.origin,
		Channel:      p.Channel,
		Event:        p.Event,
		Payload:      p.Payload,
		ExceptSocket: p.ExceptSocket,
	})
	if err == nil {
		err = b.nc.Publish(b.subject(p.Channel), data)
	}
	if err != nil {
		return errors.Join(localErr, fmt.Errorf("realtime: nats relay: %w", err))
	}
	b.metrics.relay("out")
	return localErr
}

func (b *NATSBridge) subject(channel string) string {
	return b.prefix + "." + channel
}

func (b *NATSBridge) onMessage(m *nats.Msg) {
	var rm relayMessage
	if err := json.Unmarshal(m.Data, &rm); err != nil {
		b.log.Warn("nats.bridge.decode.fail", "subject", m.Subject, "err", err)
		return
	}
	if rm.Origin == b.origin {
		return
	}
	if want := b.subject(rm.Channel); rm.Channel == "" || want != m.Subject {
		b.log.Warn("nats.bridge.subject.mismatch", "subject", m.Subject, "channel", rm.Channel)
		return
	}

	b.metrics.relay("in")
	err := b.local.Publish(context.Background(), chat.Publication{
		Channel:      rm.Channel,
		Event:        rm.Event,
		Payload:      rm.Payload,
		ExceptSocket: rm.ExceptSocket,
	})
	if err != nil {
		b.log.Warn("nats.bridge.deliver.fail", "channel", rm.Channel, "err", err)
	}
}
