// Package gormstore implements the store contracts on Gorm + SQLite.
package gormstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"keel/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type GormStore struct {
	db *gorm.DB

	stocks     *stockRepo
	trades     *tradeRepo
	stopLosses *stopLossRepo
	reconciles *reconcileRepo
}

var (
	_ store.Store    = (*GormStore)(nil)
	_ store.Backuper = (*GormStore)(nil)
)

// New opens (creating if needed) the SQLite database at path and runs
// migrations.
func New(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&stockModel{},
		&tradeModel{},
		&stopLossModel{},
		&reconcileModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for HTTP reads while keeping
	// lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	s := &GormStore{db: db}
	s.stocks = &stockRepo{db: db}
	s.trades = &tradeRepo{db: db}
	s.stopLosses = &stopLossRepo{db: db}
	s.reconciles = &reconcileRepo{db: db}
	return s, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *GormStore) Stocks() store.StockRepository                   { return s.stocks }
func (s *GormStore) Trades() store.TradeRepository                   { return s.trades }
func (s *GormStore) StopLosses() store.StopLossRepository            { return s.stopLosses }
func (s *GormStore) Reconciliations() store.ReconciliationRepository { return s.reconciles }

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Backup writes a consistent online copy of the database to destPath.
func (s *GormStore) Backup(ctx context.Context, destPath string) error {
	destPath = strings.TrimSpace(destPath)
	if destPath == "" {
		return fmt.Errorf("gorm store: backup path cannot be empty")
	}
	if err := ensureDir(destPath); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Exec("VACUUM INTO ?", destPath).Error
}
