// Package redis 基于 Redis Pub/Sub 的事件总线
//
// 频道命名：deploy_events:<topic>:<deployment_id>。按部署订阅时使用 SUBSCRIBE，
// 广播模式使用 PSUBSCRIBE 通配符。Pub/Sub 本身不落盘，与事件的尽力而为语义一致。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"appdeploy/internal/shared/eventbus"
)

// Bus Redis 事件总线
type Bus struct {
	client *redis.Client
	owned  bool
}

var _ eventbus.EventBus = (*Bus)(nil)

// NewBusFromURL 从 URL 创建事件总线
func NewBusFromURL(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/EventBus] Connected to %s", opts.Addr)
	return &Bus{client: client, owned: true}, nil
}

// NewBusFromClient 复用现有客户端，Close 时不关闭客户端
func NewBusFromClient(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Channel 返回事件对应的频道名
func Channel(topic eventbus.Topic, deploymentID string) string {
	return fmt.Sprintf("%s%s:%s", eventbus.ChannelPrefix, topic, deploymentID)
}

// Publish 发布事件
func (b *Bus) Publish(ctx context.Context, event *eventbus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(event.Topic, event.DeploymentID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe 订阅事件
func (b *Bus) Subscribe(ctx context.Context, filter eventbus.Filter) (<-chan *eventbus.Event, error) {
	topic := "*"
	if filter.Topic != "" {
		topic = string(filter.Topic)
	}

	var ps *redis.PubSub
	if filter.DeploymentID != "" && filter.Topic != "" {
		ps = b.client.Subscribe(ctx, Channel(filter.Topic, filter.DeploymentID))
	} else {
		deployment := "*"
		if filter.DeploymentID != "" {
			deployment = filter.DeploymentID
		}
		ps = b.client.PSubscribe(ctx, fmt.Sprintf("%s%s:%s", eventbus.ChannelPrefix, topic, deployment))
	}

	// 等待订阅确认，确保返回后发布的事件不会丢失
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := make(chan *eventbus.Event, eventbus.SubscriberBuffer)
	go func() {
		defer close(ch)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event eventbus.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("[Redis/EventBus] Dropping malformed event on %s: %v", msg.Channel, err)
					continue
				}
				if !filter.Match(&event) {
					continue
				}
				select {
				case ch <- &event:
				default:
				}
			}
		}
	}()

	return ch, nil
}

// Close 关闭 Redis 连接
func (b *Bus) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}
