package main

import (
	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events"
	"github.com/kandev/acpbridge/internal/events/bus"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provider.Bus, cleanup, nil
}
