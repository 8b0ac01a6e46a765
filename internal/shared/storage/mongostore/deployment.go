package mongostore

import (
	"context"
	"fmt"
	"time"

	"appdeploy/internal/shared/model"
	"appdeploy/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UpsertDeployment 按 host 写入部署记录
//
// 使用 $set + $setOnInsert 模式：配置字段每次覆盖，stage 与 created_at 只在插入时写入
func (s *Store) UpsertDeployment(ctx context.Context, rec *model.DeploymentRecord) (*model.DeploymentRecord, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	filter := bson.D{{Key: "_id", Value: rec.Host}}
	set := bson.D{
		{Key: "port", Value: rec.Port},
		{Key: "user", Value: rec.User},
		{Key: "password", Value: rec.Password},
		{Key: "main_domain", Value: rec.MainDomain},
		{Key: "admin_domain", Value: rec.AdminDomain},
		{Key: "app_user", Value: rec.AppUser},
		{Key: "app_password", Value: rec.AppPassword},
		{Key: "app_email", Value: rec.AppEmail},
		{Key: "db_host", Value: rec.DBHost},
		{Key: "db_port", Value: rec.DBPort},
		{Key: "db_name", Value: rec.DBName},
		{Key: "db_user", Value: rec.DBUser},
		{Key: "db_password", Value: rec.DBPassword},
		{Key: "br_user", Value: rec.BrokerUser},
		{Key: "br_password", Value: rec.BrokerPassword},
		{Key: "br_vhost", Value: rec.BrokerVHost},
		{Key: "updated_at", Value: now},
	}
	setOnInsert := bson.D{
		{Key: "stage", Value: 0},
		{Key: "created_at", Value: now},
	}
	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: setOnInsert},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var out model.DeploymentRecord
	if err := s.col(ColDeployments).FindOneAndUpdate(ctx, filter, update, opts).Decode(&out); err != nil {
		return nil, fmt.Errorf("upsert deployment %s: %w", rec.Host, wrapError(err))
	}
	return &out, nil
}

// GetDeployment 按 host 获取部署记录
func (s *Store) GetDeployment(ctx context.Context, host string) (*model.DeploymentRecord, error) {
	return findOne[model.DeploymentRecord](ctx, s.col(ColDeployments), bson.D{{Key: "_id", Value: host}})
}

// UpdateDeploymentStage 单调推进检查点（过滤条件 stage < 新值）
func (s *Store) UpdateDeploymentStage(ctx context.Context, host string, stage int) error {
	filter := bson.D{
		{Key: "_id", Value: host},
		{Key: "stage", Value: bson.D{{Key: "$lt", Value: stage}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "stage", Value: stage},
		{Key: "updated_at", Value: time.Now().UTC().Truncate(time.Millisecond)},
	}}}
	res, err := s.col(ColDeployments).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update deployment stage %s: %w", host, wrapError(err))
	}
	if res.MatchedCount > 0 {
		return nil
	}

	existing, err := s.GetDeployment(ctx, host)
	if err != nil {
		return err
	}
	if existing == nil {
		return storage.ErrNotFound
	}
	return fmt.Errorf("stage %d <= current %d: %w", stage, existing.Stage, storage.ErrConflict)
}

// ListDeployments 按更新时间倒序列出部署记录
func (s *Store) ListDeployments(ctx context.Context) ([]*model.DeploymentRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}})
	return findMany[model.DeploymentRecord](ctx, s.col(ColDeployments), bson.D{}, opts)
}
