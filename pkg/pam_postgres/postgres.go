// pkg/pam_postgres/postgres.go
package pam_postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ───────────────────────── Connection helpers ───────────────────────────

// Open connects gorm to Postgres, applies pool settings and verifies
// connectivity with Ping.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.ConnString()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, cerr.Wrap(err, "open postgres")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, cerr.Wrap(err, "postgres pool")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, cerr.Wrap(err, "ping postgres")
	}
	otelzap.Ctx(ctx).Info("Connected to postgres",
		zap.String("host", cfg.Host), zap.String("database", cfg.Name))
	return db, nil
}

// Gorm upgrades an existing *sql.DB, used by tests with go-sqlmock.
func Gorm(db *sql.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
}

// Health pings the database with a short timeout.
func Health(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Close releases the pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a transaction that rolls back on error.
func WithTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}

// AdvisoryXactLock takes a transaction-scoped advisory lock on the pair
// (scope, key), using the two int4 form so neither part needs a separator.
// It is released at commit or rollback.
func AdvisoryXactLock(tx *gorm.DB, scope, key string) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?), hashtext(?))", scope, key).Error
}

// Notify publishes payload on a LISTEN/NOTIFY channel.
func Notify(ctx context.Context, db *gorm.DB, channel, payload string) error {
	return db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, payload).Error
}

// ───────────────────────── Schema ───────────────────────────

const schemaSQL = `
CREATE INDEX IF NOT EXISTS idx_requests_open
  ON requests (requester_entity_id, path)
  WHERE status = 'PENDING';

CREATE INDEX IF NOT EXISTS idx_requests_created_pending
  ON requests (created_at)
  WHERE status = 'PENDING';
`

// Migrate creates or updates the tables and the partial indexes the
// workflow queries rely on.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return cerr.Wrap(err, "auto-migrate")
	}
	if err := db.WithContext(ctx).Exec(schemaSQL).Error; err != nil {
		return cerr.Wrap(err, "deploy indexes")
	}
	return nil
}
