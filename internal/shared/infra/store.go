package infra

import (
	"fmt"
	"log"

	"appdeploy/internal/config"
	"appdeploy/internal/shared/storage"
	"appdeploy/internal/shared/storage/dbutil"
	"appdeploy/internal/shared/storage/driver/postgres"
	"appdeploy/internal/shared/storage/driver/sqlite"
	"appdeploy/internal/shared/storage/memstore"
	"appdeploy/internal/shared/storage/mongostore"
	"appdeploy/internal/shared/storage/repository"
)

// NewStore 根据 DatabaseDriver 创建检查点存储，SQL 驱动会执行自动迁移
func NewStore(cfg *config.Config) (storage.PersistentStore, error) {
	driver, err := dbutil.ParseDriverType(cfg.DatabaseDriver)
	if err != nil {
		return nil, err
	}

	switch driver {
	case dbutil.DriverMemory:
		log.Printf("[Infra] Using in-memory store (records are lost on exit)")
		return memstore.NewStore(), nil

	case dbutil.DriverMongoDB:
		s, err := mongostore.NewStore(cfg.DatabaseURL, cfg.DatabaseDBName)
		if err != nil {
			return nil, err
		}
		log.Printf("[Infra] Using MongoDB store (db=%s)", cfg.DatabaseDBName)
		return s, nil

	case dbutil.DriverPostgres:
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := postgres.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres auto-migrate: %w", err)
		}
		log.Printf("[Infra] Using PostgreSQL store")
		return repository.NewStore(db, dialect), nil

	default:
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlite.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite auto-migrate: %w", err)
		}
		log.Printf("[Infra] Using SQLite store")
		return repository.NewStore(db, dialect), nil
	}
}
