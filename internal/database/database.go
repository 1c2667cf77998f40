package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/deskmux/deskmux/internal/config"
)

var DB *gorm.DB

// Init opens the SQLite database at the configured path and runs migrations.
func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}
	return nil
}

// Migrate runs schema migrations on the given handle.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Profile{}, &LaunchGroup{}, &GroupMember{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// ErrSettingNotFound marks a missing settings key.
var ErrSettingNotFound = errors.New("setting not found")

// SettingsAccessor provides key-value setting access over a DB handle.
type SettingsAccessor struct {
	db *gorm.DB
}

// NewSettingsAccessor wraps a DB handle.
func NewSettingsAccessor(db *gorm.DB) *SettingsAccessor {
	return &SettingsAccessor{db: db}
}

// GetSetting returns the value for a key, or ErrSettingNotFound.
func (a *SettingsAccessor) GetSetting(key string) (string, error) {
	var s Setting
	if err := a.db.First(&s, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrSettingNotFound
		}
		return "", err
	}
	return s.Value, nil
}

// SetSetting upserts the value for a key.
func (a *SettingsAccessor) SetSetting(key, value string) error {
	s := Setting{Key: key, Value: value}
	return a.db.Save(&s).Error
}
