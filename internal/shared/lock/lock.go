// Package lock 按主机的部署互斥锁
//
// 同一主机同一时刻只允许一个部署运行；不同主机互不影响。
// 单实例使用进程内实现，多实例部署时使用 etcd 分布式锁。
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked 锁已被其他运行持有
var ErrLocked = errors.New("lock: already held")

// Release 释放锁，可重复调用
type Release func()

// Locker 非阻塞互斥锁
type Locker interface {
	// TryLock 立即尝试获取 key 对应的锁，已被持有时返回 ErrLocked
	TryLock(ctx context.Context, key string) (Release, error)
}

// MemoryLocker 进程内实现
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker 创建进程内锁
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
