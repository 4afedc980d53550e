package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/events"
)

// NATSBus wraps the in-process bus and mirrors every published message to
// NATS, both on the kind-level subject and on a per-session subject.
// In-process subscribers are unaffected by NATS availability: a failed
// mirror publish is logged, not surfaced.
type NATSBus struct {
	*MemoryBus
	nc  *nats.Conn
	log *logger.Logger
}

// NATSOptions configures the mirror connection.
type NATSOptions struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// NewNATSBus connects to NATS and returns a mirroring bus.
func NewNATSBus(opts NATSOptions, log *logger.Logger) (*NATSBus, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.ClientID),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to nats", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from nats", zap.Error(err))
			}
		}),
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSBus{
		MemoryBus: NewMemoryBus(log),
		nc:        nc,
		log:       log.WithFields(zap.String("component", "nats_bus")),
	}, nil
}

// Publish broadcasts in-process first, then mirrors to NATS.
func (b *NATSBus) Publish(ctx context.Context, msg Message) error {
	if err := b.MemoryBus.Publish(ctx, msg); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("failed to marshal message for nats", zap.Error(err), zap.String("kind", msg.Kind))
		return nil
	}

	subjects := []string{events.Subject(msg.Kind)}
	if sid := msg.sessionID(); sid != "" {
		subjects = append(subjects, events.BuildSessionSubject(msg.Kind, sid))
	}
	for _, subject := range subjects {
		if err := b.nc.Publish(subject, data); err != nil {
			b.log.Warn("failed to mirror message to nats",
				zap.Error(err),
				zap.String("subject", subject))
		}
	}
	return nil
}

func (m Message) sessionID() string {
	switch {
	case m.Session != nil:
		return m.Session.ID
	case m.Event != nil:
		return m.Event.SessionID
	}
	return ""
}

// Close drains the NATS connection and shuts down the in-process bus.
func (b *NATSBus) Close() error {
	err := b.MemoryBus.Close()
	if b.nc != nil && !b.nc.IsClosed() {
		if drainErr := b.nc.Drain(); drainErr != nil && err == nil {
			err = drainErr
		}
	}
	return err
}
