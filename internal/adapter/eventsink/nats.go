// Package eventsink forwards gateway events to NATS.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"ocpp-gateway/internal/domain"
)

// DefaultSubjectPrefix is prepended to the event type to build the subject,
// e.g. ocpp.events.chargepoint.connected.
const DefaultSubjectPrefix = "ocpp.events"

// Header names set on every published message.
const (
	HeaderEventType = "Ocpp-Event-Type"
	HeaderIdentity  = "Ocpp-Identity"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Options configures a Sink.
type Options struct {
	SubjectPrefix string
	// Types restricts forwarding to these event types. Empty forwards all.
	Types []domain.EventType
}

// Sink publishes bus events as JSON messages, one subject per event type.
type Sink struct {
	pub    Publisher
	prefix string
	types  []domain.EventType
	logger *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a sink over pub.
func New(pub Publisher, opts Options, logger *slog.Logger) *Sink {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		pub:    pub,
		prefix: strings.TrimSuffix(opts.SubjectPrefix, "."),
		types:  opts.Types,
		logger: logger,
	}
}

// Attach subscribes the sink to every event on bus and returns the
// unsubscribe function.
func (s *Sink) Attach(bus domain.EventBus) func() {
	return bus.SubscribeAll(s.Handle)
}

// Subject returns the subject an event type is published on.
func (s *Sink) Subject(typ domain.EventType) string {
	return s.prefix + "." + string(typ)
}

// Handle publishes one event. It satisfies domain.EventHandler.
func (s *Sink) Handle(_ context.Context, event domain.Event) {
	if len(s.types) > 0 && !slices.Contains(s.types, event.Type) {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("event encode failed", "event", string(event.Type), "error", err)
		return
	}
	msg := nats.NewMsg(s.Subject(event.Type))
	msg.Data = data
	msg.Header.Set(HeaderEventType, string(event.Type))
	if event.Identity != "" {
		msg.Header.Set(HeaderIdentity, event.Identity)
	}
	if err := s.pub.PublishMsg(msg); err != nil {
		s.failed.Add(1)
		s.logger.Warn("event publish failed", "event", string(event.Type), "identity", event.Identity, "error", err)
		return
	}
	s.published.Add(1)
}

// Published returns the number of events forwarded.
func (s *Sink) Published() uint64 { return s.published.Load() }

// Failed returns the number of events that could not be forwarded.
func (s *Sink) Failed() uint64 { return s.failed.Load() }

// ConnConfig holds NATS connection settings.
type ConnConfig struct {
	Servers       []string
	Name          string
	Token         string
	User          string
	Password      string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Connect dials NATS with unlimited reconnects.
func Connect(cfg ConnConfig, logger *slog.Logger) (*nats.Conn, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("eventsink: nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "ocpp-gateway"
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, domain.WrapOp("eventsink.Connect", err)
	}
	return nc, nil
}
