package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrLeaseHeld    = errors.New("lease held")
)

// Store is the relational side of relaystatus: integrations and their
// mirrored provider data, schedules and their runs, generated status updates
// and leases.
type Store struct {
	db *gorm.DB
}

// Open connects to a sqlite:// (or sqlite3://) file, memory://, or
// postgres:// DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty database dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	var dialector gorm.Dialector
	sqliteDialect := false
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "sqlite", "sqlite3", "file":
		path := parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		if parsed.Host != "" {
			path = parsed.Host + path
		}
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite dsn has no path", ErrInvalidInput)
		}
		dialector = sqlite.Open(path + "?_pragma=busy_timeout(5000)")
		sqliteDialect = true
	case "memory", "mem":
		dialector = sqlite.Open(":memory:")
		sqliteDialect = true
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database scheme: %s", parsed.Scheme)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if sqliteDialect {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// A single connection serialises writers and keeps :memory: alive.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn against a Store bound to one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// DB exposes the underlying handle for callers that need ad-hoc queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return err
}
