package canbus

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Open 按配置创建并打开一个总线后端
func Open(cfg Config, backoffCap time.Duration, logger *zap.Logger) (Bus, error) {
	var bus Bus
	switch cfg.Kind {
	case KindVirtual:
		bus = NewVirtual(cfg.Channel, logger)
	case KindHardware, "":
		bus = NewTCP(cfg.Channel, cfg.Bitrate, backoffCap, logger)
	default:
		return nil, fmt.Errorf("未知的总线后端类型: %q", cfg.Kind)
	}
	if err := bus.Open(); err != nil {
		return nil, err
	}
	bus.SetFilters(cfg.Filters)
	return bus, nil
}
