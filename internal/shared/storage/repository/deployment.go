package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"appdeploy/internal/shared/model"
	"appdeploy/internal/shared/storage"
	"appdeploy/internal/shared/storage/dbutil"
)

const deploymentColumns = `host, port, ssh_user, ssh_password, main_domain, admin_domain,
		app_user, app_password, app_email, db_host, db_port, db_name, db_user, db_password,
		br_user, br_password, br_vhost, stage, created_at, updated_at`

// upsert 时覆盖的列，stage 与 created_at 不在其中
var deploymentMutableColumns = []string{
	"port", "ssh_user", "ssh_password", "main_domain", "admin_domain",
	"app_user", "app_password", "app_email", "db_host", "db_port", "db_name", "db_user", "db_password",
	"br_user", "br_password", "br_vhost", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*model.DeploymentRecord, error) {
	r := &model.DeploymentRecord{}
	err := row.Scan(
		&r.Host, &r.Port, &r.User, &r.Password, &r.MainDomain, &r.AdminDomain,
		&r.AppUser, &r.AppPassword, &r.AppEmail, &r.DBHost, &r.DBPort, &r.DBName, &r.DBUser, &r.DBPassword,
		&r.BrokerUser, &r.BrokerPassword, &r.BrokerVHost, &r.Stage, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpsertDeployment 按 host 写入部署记录，已存在时保留 stage
func (s *Store) UpsertDeployment(ctx context.Context, rec *model.DeploymentRecord) (*model.DeploymentRecord, error) {
	now := s.now()
	query := s.rebind(`
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 0, $18, $19)
		` + s.dialect.UpsertConflict("host", dbutil.ExcludedAssignments(deploymentMutableColumns...)))

	_, err := s.db.ExecContext(ctx, query,
		rec.Host, rec.Port, rec.User, rec.Password, rec.MainDomain, rec.AdminDomain,
		rec.AppUser, rec.AppPassword, rec.AppEmail, rec.DBHost, rec.DBPort, rec.DBName, rec.DBUser, rec.DBPassword,
		rec.BrokerUser, rec.BrokerPassword, rec.BrokerVHost, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert deployment %s: %w", rec.Host, err)
	}

	stored, err := s.GetDeployment(ctx, rec.Host)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("upsert deployment %s: %w", rec.Host, storage.ErrNotFound)
	}
	return stored, nil
}

// GetDeployment 按 host 获取部署记录
func (s *Store) GetDeployment(ctx context.Context, host string) (*model.DeploymentRecord, error) {
	query := s.rebind(`SELECT ` + deploymentColumns + ` FROM deployments WHERE host = $1`)
	r, err := scanDeployment(s.db.QueryRowContext(ctx, query, host))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", host, err)
	}
	return r, nil
}

// UpdateDeploymentStage 单调推进检查点
func (s *Store) UpdateDeploymentStage(ctx context.Context, host string, stage int) error {
	query := s.rebind(`
		UPDATE deployments SET stage = $1, updated_at = $2
		WHERE host = $3 AND stage < $4
	`)
	res, err := s.db.ExecContext(ctx, query, stage, s.now(), host, stage)
	if err != nil {
		return fmt.Errorf("update deployment stage %s: %w", host, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update deployment stage %s: %w", host, err)
	}
	if n > 0 {
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

// ListDeployments 列出所有部署记录
func (s *Store) ListDeployments(ctx context.Context) ([]*model.DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY updated_at DESC, host ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	result := []*model.DeploymentRecord{}
	for rows.Next() {
		r, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
