// Package memstore 进程内的 PersistentStore 实现
//
// 数据仅保存在内存中，进程退出即丢失。用于测试和 deployctl 的演练模式。
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"appdeploy/internal/shared/model"
	"appdeploy/internal/shared/storage"
)

// Store 内存存储
type Store struct {
	mu      sync.RWMutex
	records map[string]*model.DeploymentRecord
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{records: make(map[string]*model.DeploymentRecord)}
}

// UpsertDeployment 按 host 写入，保留已有 stage 与 created_at
func (s *Store) UpsertDeployment(_ context.Context, rec *model.DeploymentRecord) (*model.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	next := *rec
	next.UpdatedAt = now
	if existing, ok := s.records[rec.Host]; ok {
		next.Stage = existing.Stage
		next.CreatedAt = existing.CreatedAt
	} else {
		next.Stage = 0
		next.CreatedAt = now
	}
	s.records[rec.Host] = &next

	out := next
	return &out, nil
}

// GetDeployment 返回记录副本，不存在时返回 (nil, nil)
func (s *Store) GetDeployment(_ context.Context, host string) (*model.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[host]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

// UpdateDeploymentStage 单调推进检查点
func (s *Store) UpdateDeploymentStage(_ context.Context, host string, stage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[host]
	if !ok {
		return storage.ErrNotFound
	}
	if stage <= r.Stage {
		return fmt.Errorf("stage %d <= current %d: %w", stage, r.Stage, storage.ErrConflict)
	}
	r.Stage = stage
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// ListDeployments 按更新时间倒序返回
func (s *Store) ListDeployments(_ context.Context) ([]*model.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.DeploymentRecord, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Host < out[j].Host
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Close 无资源需要释放
func (s *Store) Close() error {
	return nil
}
