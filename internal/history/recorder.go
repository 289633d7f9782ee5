// Package history persists job lifecycle events so finished jobs survive a restart
package history

import (
	"log/slog"
	"sync"
	"time"

	"tachyon-transfer/internal/queue"
	"tachyon-transfer/internal/storage"
)

// ProgressInterval bounds how often progress-only events are written per job
const ProgressInterval = 2 * time.Second

// JobStore is satisfied by *storage.Storage
type JobStore interface {
	SaveJob(rec storage.JobRecord) error
}

// Recorder upserts a storage.JobRecord for every lifecycle event
type Recorder struct {
	store  JobStore
	logger *slog.Logger

	mu           sync.Mutex
	lastProgress map[string]time.Time
	now          func() time.Time
}

func NewRecorder(store JobStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:        store,
		logger:       logger,
		lastProgress: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Attach subscribes the recorder to m's events
func (r *Recorder) Attach(m *queue.Manager) {
	m.OnEvent(r.Handle)
}

func (r *Recorder) Handle(ev queue.Event) {
	if ev.Type == queue.EventProgress && !r.progressDue(ev.Job.ID) {
		return
	}
	if ev.Job.Status.Terminal() {
		r.forget(ev.Job.ID)
	}

	if err := r.store.SaveJob(ToRecord(ev.Job)); err != nil {
		r.logger.Error("Failed to persist job", "id", ev.Job.ID, "event", ev.Type, "error", err)
	}
}

func (r *Recorder) progressDue(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if last, ok := r.lastProgress[id]; ok && now.Sub(last) < ProgressInterval {
		return false
	}
	r.lastProgress[id] = now
	return true
}

func (r *Recorder) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastProgress, id)
}

// ToRecord maps a job snapshot to its persisted form
func ToRecord(info queue.JobInfo) storage.JobRecord {
	rec := storage.JobRecord{
		ID:         info.ID,
		Label:      info.Label,
		Status:     string(info.Status),
		ResultPath: info.ResultPath,
		Error:      info.Error,
		RetryOf:    info.RetryOf,
		CreatedAt:  info.CreatedAt,
		StartedAt:  info.StartedAt,
		FinishedAt: info.FinishedAt,
	}
	if p := info.Progress; p != nil {
		rec.Percent = p.Percent
		rec.Downloaded = p.Downloaded
		rec.Total = p.Total
		rec.Stage = p.Stage
	}
	return rec
}
