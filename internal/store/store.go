package store

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = gorm.ErrRecordNotFound

// Store is the single source of truth. Every request re-reads current
// state; there is no in-process entity cache.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         glog.Default.LogMode(glog.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return newStore(db, log)
}

// OpenSQLite opens a file or in-memory database. Local development and
// the test suite run on this; production runs on Open.
func OpenSQLite(path string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         glog.Default.LogMode(glog.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	return newStore(db, log)
}

func newStore(db *gorm.DB, log *zap.Logger) (*Store, error) {
	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&Tenant{},
		&PhoneNumber{},
		&Caller{},
		&Call{},
		&Transcript{},
		&Extraction{},
		&AgentConfig{},
		&Recording{},
		&WebhookLog{},
	)
}
