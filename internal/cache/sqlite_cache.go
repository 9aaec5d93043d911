package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type entry struct {
	CacheKey  string `gorm:"primaryKey;size:64"`
	Value     []byte
	UpdatedAt time.Time
}

func (entry) TableName() string {
	return "cache_entries"
}

// SQLite stores entries in a single-file database next to the process.
type SQLite struct {
	db *gorm.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var e entry
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e.Value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	e := entry{CacheKey: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&e).Error
}
