package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "POST /v1/jobs"
	Status    int       `json:"status"`
	Details   string    `json:"details"`
}

// AuditLogger records control API access as JSON lines under <dataDir>/logs/api_access.log.
// With an empty dataDir entries are only kept in memory.
type AuditLogger struct {
	mu      sync.Mutex
	logFile *os.File
	logPath string
	recent  []AccessLogEntry
	logger  *slog.Logger
}

const recentLimit = 200

func NewAuditLogger(dataDir string, logger *slog.Logger) *AuditLogger {
	a := &AuditLogger{logger: logger}
	if dataDir == "" {
		return a
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logger.Error("Failed to create audit log dir", "error", err)
		return a
	}
	a.logPath = filepath.Join(logDir, "api_access.log")
	f, err := os.OpenFile(a.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("Failed to open audit log", "error", err)
		return a
	}
	a.logFile = f
	return a
}

func (a *AuditLogger) Log(sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		jsonBytes, _ := json.Marshal(entry)
		a.logFile.WriteString(string(jsonBytes) + "\n")
	}
	a.recent = append(a.recent, entry)
	if len(a.recent) > recentLimit {
		a.recent = a.recent[len(a.recent)-recentLimit:]
	}
	a.mu.Unlock()

	level := slog.LevelDebug
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "Audit", "action", action, "status", status, "ip", sourceIP)
}

func (a *AuditLogger) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}

// GetRecentLogs returns up to limit entries, newest first.
// Entries written by earlier runs are read back from the log file.
func (a *AuditLogger) GetRecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.logPath == "" {
		var entries []AccessLogEntry
		for i := len(a.recent) - 1; i >= 0 && len(entries) < limit; i-- {
			entries = append(entries, a.recent[i])
		}
		return entries
	}

	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return []AccessLogEntry{}
	}

	lines := strings.Split(string(content), "\n")
	var entries []AccessLogEntry
	for i := len(lines) - 1; i >= 0 && len(entries) < limit; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}
