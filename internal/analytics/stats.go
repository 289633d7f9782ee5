// Package analytics provides transfer statistics and disk usage tracking.
package analytics

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	"tachyon-transfer/internal/queue"
	"tachyon-transfer/internal/storage"
	"tachyon-transfer/internal/transfer"
)

// DiskUsageInfo holds disk space information
type DiskUsageInfo struct {
	Path    string  `json:"path"`
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// AnalyticsData holds all analytics information
type AnalyticsData struct {
	TotalDownloaded int64            `json:"total_downloaded"`
	TotalFiles      int64            `json:"total_files"`
	DailyHistory    map[string]int64 `json:"daily_history"`
	DiskUsage       DiskUsageInfo    `json:"disk_usage"`
	CurrentSpeed    float64          `json:"current_speed"`
}

// StatsStore is satisfied by *storage.Storage
type StatsStore interface {
	RecordCompletion(bytes int64) error
	GetTotals() (bytes, files int64, err error)
	GetDailyHistory(days int) ([]storage.DailyStat, error)
}

// StatsManager tracks completed transfers and the aggregate live byte rate
type StatsManager struct {
	store  StatsStore
	outDir string
	logger *slog.Logger

	mu     sync.Mutex
	speeds map[string]float64
}

// NewStatsManager creates a stats manager; outDir selects the volume reported by GetDiskUsage
func NewStatsManager(store StatsStore, outDir string, logger *slog.Logger) *StatsManager {
	return &StatsManager{
		store:  store,
		outDir: outDir,
		logger: logger,
		speeds: make(map[string]float64),
	}
}

// Attach subscribes the manager to m's events
func (sm *StatsManager) Attach(m *queue.Manager) {
	m.OnEvent(sm.Handle)
}

func (sm *StatsManager) Handle(ev queue.Event) {
	id := ev.Job.ID
	switch ev.Type {
	case queue.EventProgress:
		// segment progress counts segments, not bytes
		if p := ev.Job.Progress; p != nil && p.Stage != transfer.StageSegments {
			sm.mu.Lock()
			sm.speeds[id] = p.Speed
			sm.mu.Unlock()
		}
		return
	case queue.EventSuccess:
		sm.forget(id)
		var size int64
		if info, err := os.Stat(ev.Job.ResultPath); err == nil {
			size = info.Size()
		}
		if err := sm.store.RecordCompletion(size); err != nil {
			sm.logger.Warn("Failed to record transfer stats", "id", id, "error", err)
		}
	case queue.EventFailed, queue.EventCancelled:
		sm.forget(id)
	}
}

func (sm *StatsManager) forget(id string) {
	sm.mu.Lock()
	delete(sm.speeds, id)
	sm.mu.Unlock()
}

// GetCurrentSpeed returns the summed byte rate of running transfers
func (sm *StatsManager) GetCurrentSpeed() float64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var total float64
	for _, s := range sm.speeds {
		total += s
	}
	return total
}

// GetDailyStats returns the last N days of bytes, keyed by date
func (sm *StatsManager) GetDailyStats(days int) (map[string]int64, error) {
	stats, err := sm.store.GetDailyHistory(days)
	if err != nil {
		return make(map[string]int64), err
	}
	res := make(map[string]int64)
	for _, stat := range stats {
		res[stat.Date] = stat.Bytes
	}
	return res, nil
}

// GetDiskUsage returns disk space info for the output volume
func (sm *StatsManager) GetDiskUsage() DiskUsageInfo {
	path, err := filepath.Abs(sm.outDir)
	if err != nil {
		return DiskUsageInfo{}
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskUsageInfo{Path: path}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		Path:    path,
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetAnalytics returns comprehensive analytics data
func (sm *StatsManager) GetAnalytics() AnalyticsData {
	bytes, files, err := sm.store.GetTotals()
	if err != nil {
		sm.logger.Warn("Failed to read transfer totals", "error", err)
	}
	daily, _ := sm.GetDailyStats(7)

	return AnalyticsData{
		TotalDownloaded: bytes,
		TotalFiles:      files,
		DailyHistory:    daily,
		DiskUsage:       sm.GetDiskUsage(),
		CurrentSpeed:    sm.GetCurrentSpeed(),
	}
}
