package events

import (
	"fmt"
	"strings"

	"github.com/JoshuaAFerguson/apex/internal/common/config"
	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus implementation.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.Events.NatsURL) != "" {
		natsCfg := bus.NATSConfig{URL: cfg.Events.NatsURL, ClientID: "apex-daemon-" + cfg.Events.Namespace, MaxReconnects: -1}
		natsBus, err := bus.NewNATSEventBus(natsCfg, log)
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
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
