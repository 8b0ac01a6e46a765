// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQLite、PostgreSQL）、mongostore/、memstore/
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"

	"appdeploy/internal/shared/model"
)

// DeploymentStore 部署检查点存储
//
// 以 host 为自然主键。不同主机的并发 upsert 互不影响。
type DeploymentStore interface {
	// UpsertDeployment 按 host 写入配置字段；记录已存在时保留 stage，
	// 新记录 stage 为 0。返回写入后的完整记录。
	UpsertDeployment(ctx context.Context, rec *model.DeploymentRecord) (*model.DeploymentRecord, error)

	// GetDeployment 按 host 读取记录，不存在时返回 (nil, nil)
	GetDeployment(ctx context.Context, host string) (*model.DeploymentRecord, error)

	// UpdateDeploymentStage 推进检查点。stage 只增不减：
	// 记录不存在返回 ErrNotFound，新值不大于当前值返回 ErrConflict。
	UpdateDeploymentStage(ctx context.Context, host string, stage int) error

	// ListDeployments 按更新时间倒序列出全部记录
	ListDeployments(ctx context.Context) ([]*model.DeploymentRecord, error)
}

// PersistentStore 持久化存储（含资源释放）
type PersistentStore interface {
	DeploymentStore
	Close() error
}
