// Package localstore is the durable key-value store of a single client device,
// kept in a SQLite file.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const fileName = "device.db"

type entry struct {
	Key       string `gorm:"column:name;primaryKey;type:varchar(128)"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (entry) TableName() string { return "device_kv" }

type Store struct {
	db *gorm.DB
}

// Open creates dir if needed and opens (or initialises) the device database in it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(dir, fileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open device db: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// one writer per device file
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate device db: %w", err)
	}
	return &Store{db: gdb}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var e entry
	err := s.db.WithContext(ctx).Where("name = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Value, true, nil
}

// Set writes value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	e := entry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("name = ?", key).Delete(&entry{}).Error
}

// Take returns and deletes key. Only the caller whose delete removed the row
// gets ok=true.
func (s *Store) Take(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		taken bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e entry
		err := tx.Where("name = ?", key).Take(&e).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res := tx.Where("name = ? AND value = ?", key, e.Value).Delete(&entry{})
		if res.Error != nil {
			return res.Error
		}
		value, taken = e.Value, res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !taken {
		return "", false, nil
	}
	return value, true, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
