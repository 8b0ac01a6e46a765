package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdConfig etcd 配置
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	// TTL 会话租约时长，进程崩溃后锁在 TTL 后自动释放
	TTL time.Duration
}

// EtcdLocker 基于 etcd concurrency.Mutex 的分布式锁
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
	ttl    int
}

var _ Locker = (*EtcdLocker)(nil)

// NewEtcdLocker 连接 etcd 并完成健康检查
func NewEtcdLocker(cfg EtcdConfig) (*EtcdLocker, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/appdeploy"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	log.Printf("[etcd] Connected to %v", cfg.Endpoints)
	return &EtcdLocker{
		client: client,
		prefix: cfg.Prefix,
		ttl:    int(cfg.TTL.Seconds()),
	}, nil
}

// TryLock 在独立会话中获取互斥锁，释放时一并关闭会话
func (l *EtcdLocker) TryLock(ctx context.Context, key string) (Release, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl), concurrency.WithContext(context.WithoutCancel(ctx)))
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}

	mu := concurrency.NewMutex(session, path.Join(l.prefix, "locks", key))
	if err := mu.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("etcd lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mu.Unlock(unlockCtx); err != nil {
				log.Printf("[etcd] Failed to unlock %s: %v", key, err)
			}
			session.Close()
		})
	}, nil
}

// Close 关闭连接
func (l *EtcdLocker) Close() error {
	return l.client.Close()
}
