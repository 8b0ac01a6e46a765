// Package infra 基础设施聚合层
//
// 按配置构造部署流水线依赖的基础设施：
//   - Store：检查点存储（SQLite 默认，可选 PostgreSQL / MongoDB / 内存）
//   - EventBus：事件总线（进程内 Hub，配置 Redis 时使用 Pub/Sub）
//   - Locker：按主机的运行锁（进程内，配置 etcd 时使用分布式锁）
//   - Archive：运行记录归档（配置 MinIO 时启用）
package infra

import (
	"context"
	"fmt"
	"io"
	"log"

	"appdeploy/internal/config"
	"appdeploy/internal/shared/eventbus"
	"appdeploy/internal/shared/lock"
	"appdeploy/internal/shared/objstore"
	"appdeploy/internal/shared/storage"
	"appdeploy/internal/shared/storage/memstore"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Store 检查点存储
	Store storage.PersistentStore

	// EventBus 日志与进度事件
	EventBus eventbus.EventBus

	// Locker 按主机互斥
	Locker lock.Locker

	// Archive 运行记录归档，未配置 MinIO 时为 nil
	Archive *objstore.Client

	closers []io.Closer
}

// New 按配置初始化全部基础设施，任一组件失败时释放已创建的部分
func New(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{}

	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	infra.Store = store

	bus, err := NewEventBus(cfg)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.EventBus = bus

	locker, closer, err := NewLocker(cfg)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.Locker = locker
	if closer != nil {
		infra.closers = append(infra.closers, closer)
	}

	archive, err := NewArchive(ctx, cfg)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.Archive = archive

	return infra, nil
}

// NewLocker etcd 配置了 endpoints 时使用分布式锁
func NewLocker(cfg *config.Config) (lock.Locker, io.Closer, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return lock.NewMemoryLocker(), nil, nil
	}
	l, err := lock.NewEtcdLocker(lock.EtcdConfig{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		Prefix:      cfg.Etcd.Prefix,
		TTL:         cfg.Etcd.LockTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init etcd locker: %w", err)
	}
	log.Printf("[Infra] Using etcd run lock at %v", cfg.Etcd.Endpoints)
	return l, l, nil
}

// NewArchive MinIO 未配置时返回 (nil, nil)
func NewArchive(ctx context.Context, cfg *config.Config) (*objstore.Client, error) {
	if cfg.MinIO.Endpoint == "" {
		return nil, nil
	}
	c, err := objstore.NewClient(cfg.MinIO)
	if err != nil {
		return nil, fmt.Errorf("failed to init MinIO client: %w", err)
	}
	if err := c.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", c.Bucket(), err)
	}
	log.Printf("[Infra] Archiving transcripts to %s/%s", cfg.MinIO.Endpoint, c.Bucket())
	return c, nil
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.EventBus != nil {
		if err := i.EventBus.Close(); err != nil {
			lastErr = err
		}
	}

	for _, c := range i.closers {
		if err := c.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Store != nil {
		if err := i.Store.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// NewInMemoryInfrastructure 全部使用进程内实现（用于测试）
func NewInMemoryInfrastructure() *Infrastructure {
	return &Infrastructure{
		Store:    memstore.NewStore(),
		EventBus: eventbus.NewHub(),
		Locker:   lock.NewMemoryLocker(),
	}
}
