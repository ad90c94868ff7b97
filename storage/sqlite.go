package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type SQLiteConfig struct {
	Table string `json:"table"`
}

// SQLiteStore keeps values in a single key/value table.
type SQLiteStore struct {
	lifecycle
	db     *sql.DB
	logger types.Logger
	path   string
	table  string
}

func NewSQLiteStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (*SQLiteStore, error) {
	sqliteConfig := &SQLiteConfig{Table: "durable_store"}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite store config")
		}
	}

	path := config.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open sqlite store")
	}

	// a single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`, sqliteConfig.Table)

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to create sqlite store table")
	}

	return &SQLiteStore{
		lifecycle: newLifecycle(),
		db:        db,
		logger:    logger,
		path:      path,
		table:     sqliteConfig.Table,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, types.ErrStoreKeyEmpty
	}

	var value string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %q WHERE key = ?`, s.table), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.WrapError(err, "failed to read sqlite store")
	}

	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}

	query := fmt.Sprintf(`INSERT INTO %q (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, s.table)

	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return types.Errorf(types.ErrStoreWriteFailed, "%q: %v", key, err)
	}

	return nil
}

func (s *SQLiteStore) Start() error {
	if err := s.start(); err != nil {
		return err
	}

	s.logger.Info("SQLite store started", zap.String("path", s.path))
	return nil
}

func (s *SQLiteStore) Stop() error {
	if err := s.stop(); err != nil {
		return err
	}

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close sqlite store")
	}

	s.logger.Info("SQLite store stopped")
	return nil
}

func (s *SQLiteStore) IsRunning() bool {
	return s.running()
}
