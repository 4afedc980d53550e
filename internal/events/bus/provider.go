package bus

import (
	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
)

// New selects the bus implementation from configuration: in-process only
// when no NATS URL is configured, NATS-mirrored otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(log), nil
	}
	log.Info("mirroring session stream to nats", zap.String("url", cfg.URL))
	return NewNATSBus(NATSOptions{
		URL:           cfg.URL,
		ClientID:      cfg.ClientID,
		MaxReconnects: cfg.MaxReconnects,
	}, log)
}
