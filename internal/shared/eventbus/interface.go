// Package eventbus 事件总线抽象接口
//
// 提供部署日志与进度事件的发布/订阅能力。单实例使用进程内 Hub，
// 多实例部署时由 Redis Pub/Sub 实现跨进程分发。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// Publisher 事件发布者
//
// 发布为尽力而为：没有订阅者或订阅者消费过慢时事件被丢弃，不返回错误
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Subscriber 事件订阅者
//
// 返回的通道在 ctx 结束或总线关闭时关闭
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (<-chan *Event, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	Publisher
	Subscriber
	Close() error
}
