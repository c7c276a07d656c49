package events

import (
	"strings"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// Provide builds the event bus and, when a NATS URL is configured, the
// one-way mirror onto NATS subjects. The returned cleanup tears both
// down.
func Provide(cfg *config.Config, log *logger.Logger) (*bus.Bus, func(), error) {
	b := bus.NewBus(cfg.Events.RingSize, cfg.Events.SubscriberQueueSize, log,
		bus.WithLagEviction(cfg.Events.SubscriberWriteTimeoutDuration()))

	if strings.TrimSpace(cfg.NATS.URL) == "" {
		return b, func() { b.Close() }, nil
	}

	forwarder, err := bus.NewNATSForwarder(cfg.NATS, b, log)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	cleanup := func() {
		forwarder.Close()
		b.Close()
	}
	return b, cleanup, nil
}
