package storage

import "time"

// JobRecord is the persisted history of one transfer job
type JobRecord struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	Label       string     `json:"label"`
	Status      string     `gorm:"index" json:"status"` // PENDING, RUNNING, SUCCESS, FAILED, CANCELLED
	ResultPath  string     `json:"result_path"`
	Error       string     `json:"error"`
	Percent     float64    `json:"percent"`
	Downloaded  int64      `json:"downloaded"`
	Total       int64      `json:"total"`
	Stage       string     `json:"stage"`
	RetryOf     string     `gorm:"index" json:"retry_of,omitempty"` // ID of the job this one retries
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	LastEventAt time.Time  `json:"last_event_at"`
}

// TableName specifies the table name for JobRecord
func (JobRecord) TableName() string {
	return "job_records"
}

// DailyStat tracks completed transfers per day
type DailyStat struct {
	Date  string `gorm:"primaryKey" json:"date"` // Format: "YYYY-MM-DD"
	Bytes int64  `gorm:"default:0" json:"bytes"`
	Files int64  `gorm:"default:0" json:"files"`
}

// TableName specifies the table name for DailyStat
func (DailyStat) TableName() string {
	return "daily_stats"
}

// AppSetting stores key-value application settings
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for AppSetting
func (AppSetting) TableName() string {
	return "app_settings"
}
