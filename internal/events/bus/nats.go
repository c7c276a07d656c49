package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// NATSForwarder mirrors every bus event onto a NATS subject so external
// consumers can tap the stream. The in-process ring stays authoritative
// for ordering and retention; the mirror is one-way and best-effort.
type NATSForwarder struct {
	conn   *nats.Conn
	bus    *Bus
	sub    *Subscriber
	prefix string
	done   chan struct{}
	logger *logger.Logger
}

// NewNATSForwarder connects to NATS with reconnection handling and
// subscribes to the bus.
func NewNATSForwarder(cfg config.NATSConfig, b *Bus, log *logger.Logger) (*NATSForwarder, error) {
	flog := log.WithFields(zap.String("component", "nats_forwarder"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				flog.Warn("NATS disconnected", zap.Error(err))
			} else {
				flog.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			flog.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				flog.Error("NATS connection closed", zap.Error(err))
			} else {
				flog.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "agentmux.events"
	}

	f := &NATSForwarder{
		conn:   conn,
		bus:    b,
		sub:    b.Subscribe(),
		prefix: prefix,
		done:   make(chan struct{}),
		logger: flog,
	}
	go f.run()
	return f, nil
}

func (f *NATSForwarder) run() {
	defer close(f.done)
	for e := range f.sub.Events() {
		data, err := json.Marshal(e)
		if err != nil {
			f.logger.Error("failed to marshal event", zap.Error(err), zap.Int64("event_id", e.ID))
			continue
		}
		subject := fmt.Sprintf("%s.%s", f.prefix, strings.ToLower(e.Type))
		if err := f.conn.Publish(subject, data); err != nil {
			f.logger.Warn("failed to mirror event",
				zap.Error(err),
				zap.String("subject", subject),
				zap.Int64("event_id", e.ID))
		}
	}
}

// Close detaches from the bus, waits for the drain, and closes the
// NATS connection.
func (f *NATSForwarder) Close() {
	f.bus.Unsubscribe(f.sub)
	<-f.done
	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
	}
}
