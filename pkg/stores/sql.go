package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	cgosqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// KVRecord 键值表
type KVRecord struct {
	Key       string    `gorm:"primaryKey;size:128" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (KVRecord) TableName() string { return "clinic_kv" }

// SQLKV 基于 gorm 的键值存储
type SQLKV struct {
	db *gorm.DB
}

// createDatabaseInstance sqlite 默认走纯 Go 驱动，sqlite3 走 cgo 驱动
func createDatabaseInstance(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch strings.ToLower(driver) {
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "pg", "postgres", "postgresql":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite3":
		return gorm.Open(cgosqlite.Open(dsn), cfg)
	case "", "sqlite":
		if dsn == "" {
			dsn = "file::memory:"
		}
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func NewSQLKV(driver, dsn string) (*SQLKV, error) {
	db, err := createDatabaseInstance(driver, dsn)
	if err != nil {
		return nil, err
	}
	return NewSQLKVFromDB(db)
}

// NewSQLKVFromDB 迁移表结构
func NewSQLKVFromDB(db *gorm.DB) (*SQLKV, error) {
	if err := db.AutoMigrate(&KVRecord{}); err != nil {
		return nil, fmt.Errorf("migrate kv table: %w", err)
	}
	return &SQLKV{db: db}, nil
}

func (s *SQLKV) Get(ctx context.Context, key string) (string, bool, error) {
	var rec KVRecord
	err := s.db.WithContext(ctx).Where(map[string]any{"key": key}).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (s *SQLKV) Set(ctx context.Context, key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}
	rec := KVRecord{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
}

func (s *SQLKV) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where(map[string]any{"key": key}).Delete(&KVRecord{}).Error
}

func (s *SQLKV) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
