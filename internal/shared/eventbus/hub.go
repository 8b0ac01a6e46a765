package eventbus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 总线已关闭
var ErrClosed = errors.New("eventbus: closed")

// Hub 进程内事件总线
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	filter Filter
	ch     chan *Event
	once   sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

var _ EventBus = (*Hub)(nil)

// NewHub 创建进程内事件总线
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscription]struct{})}
}

// Publish 投递给所有匹配的订阅者，缓冲区满的订阅者直接丢弃该事件
func (h *Hub) Publish(_ context.Context, event *Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	for sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe 注册订阅，ctx 结束时自动注销
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan *Event, error) {
	sub := &subscription{filter: filter, ch: make(chan *Event, SubscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.close()
	}()

	return sub.ch, nil
}

// SubscriberCount 当前订阅者数量
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close 关闭所有订阅
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for sub := range h.subs {
		sub.close()
		delete(h.subs, sub)
	}
	return nil
}
