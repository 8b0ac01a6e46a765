// Package infra Redis 基础设施初始化
package infra

import (
	"fmt"

	"appdeploy/internal/config"
	"appdeploy/internal/shared/eventbus"
	eventbusredis "appdeploy/internal/shared/eventbus/redis"
)

// NewEventBus 配置了 Redis 时使用 Pub/Sub，否则使用进程内 Hub
func NewEventBus(cfg *config.Config) (eventbus.EventBus, error) {
	if cfg.RedisURL == "" {
		return eventbus.NewHub(), nil
	}
	bus, err := eventbusredis.NewBusFromURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis event bus: %w", err)
	}
	return bus, nil
}
