package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage handles all database operations using SQLite
type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (or creates) transfer.db inside dataDir
func NewStorage(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	return Open(filepath.Join(dataDir, "transfer.db"))
}

// Open initializes the SQLite database at path. ":memory:" is accepted for tests.
func Open(path string) (*Storage, error) {
	// Glebarez driver is pure Go, no CGO
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path != ":memory:" {
		db.Exec("PRAGMA journal_mode=WAL;")
		db.Exec("PRAGMA synchronous=NORMAL;")
	} else {
		// every pooled connection would otherwise get its own empty in-memory database
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := db.AutoMigrate(&JobRecord{}, &DailyStat{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============= Job History =============

// SaveJob creates or updates a job record (upsert)
func (s *Storage) SaveJob(rec JobRecord) error {
	rec.LastEventAt = time.Now()
	return s.DB.Save(&rec).Error
}

// GetJob retrieves a job record by ID
func (s *Storage) GetJob(id string) (JobRecord, error) {
	var rec JobRecord
	err := s.DB.First(&rec, "id = ?", id).Error
	return rec, err
}

// ListJobs returns job records newest first. limit <= 0 means all.
func (s *Storage) ListJobs(limit int) ([]JobRecord, error) {
	var recs []JobRecord
	query := s.DB.Order("created_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&recs).Error
	return recs, err
}

// ListJobsByStatus returns records in the given status, newest first
func (s *Storage) ListJobsByStatus(status string) ([]JobRecord, error) {
	var recs []JobRecord
	err := s.DB.Where("status = ?", status).Order("created_at desc").Find(&recs).Error
	return recs, err
}

// DeleteJobs removes the given records
func (s *Storage) DeleteJobs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.DB.Delete(&JobRecord{}, "id IN ?", ids).Error
}

// MarkInterrupted flips records left PENDING/RUNNING by a previous process to FAILED
func (s *Storage) MarkInterrupted() (int64, error) {
	res := s.DB.Model(&JobRecord{}).
		Where("status IN ?", []string{"PENDING", "RUNNING"}).
		Updates(map[string]any{"status": "FAILED", "error": "interrupted"})
	return res.RowsAffected, res.Error
}

// ============= Statistics =============

// RecordCompletion adds one finished file of the given size to today's stats
func (s *Storage) RecordCompletion(bytes int64) error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"bytes": gorm.Expr("bytes + ?", bytes),
			"files": gorm.Expr("files + 1"),
		}),
	}).Create(&DailyStat{Date: today, Bytes: bytes, Files: 1}).Error
}

// GetTotals returns all-time bytes and files using SQL SUM
func (s *Storage) GetTotals() (bytes, files int64, err error) {
	err = s.DB.Model(&DailyStat{}).
		Select("IFNULL(SUM(bytes), 0), IFNULL(SUM(files), 0)").
		Row().Scan(&bytes, &files)
	return bytes, files, err
}

// GetDailyHistory returns the last N days of stats, newest first
func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	var stats []DailyStat
	err := s.DB.Order("date desc").Limit(days).Find(&stats).Error
	return stats, err
}

// ============= App Settings =============

// GetString retrieves a string setting by key; a missing key yields "" and no error
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return setting.Value, err
}

// SetString stores a string setting
func (s *Storage) SetString(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&AppSetting{Key: key, Value: value}).Error
}

// GetStringList retrieves a comma-separated list as slice
func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil || val == "" {
		return []string{}, err
	}
	var result []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result, nil
}

// SetStringList stores a slice as comma-separated string
func (s *Storage) SetStringList(key string, list []string) error {
	return s.SetString(key, strings.Join(list, ","))
}
