package events

import (
	"fmt"
	"strings"

	"github.com/fueldev/fuel/internal/common/config"
	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/internal/events/bus"
)

// Provide builds the configured event bus implementation: NATS when a URL is
// configured, in-memory otherwise. The returned cleanup closes the bus.
func Provide(cfg config.EventsConfig, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATSURL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}
	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
