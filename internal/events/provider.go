package events

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus implementation.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}

// Publisher publishes typed bridge events. A nil bus makes it a no-op so
// components can run without one in tests.
type Publisher struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// NewPublisher creates a publisher stamping events with source.
func NewPublisher(b bus.EventBus, source string, log *logger.Logger) *Publisher {
	return &Publisher{bus: b, source: source, logger: log}
}

// Publish sends one event. Failures are logged, not returned: a lost
// broadcast must not fail the operation that produced it.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any) {
	if p == nil || p.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, p.source, data)
	if err := p.bus.Publish(ctx, Subject(eventType), event); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
