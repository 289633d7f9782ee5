package transfer

import (
	"log/slog"
	"sync"
	"time"
)

// Stage tags carried by Progress
const (
	StageProbe    = "probe"
	StageStream   = "stream"
	StageRanged   = "ranged"
	StagePlaylist = "playlist"
	StageSegments = "segments"
	StageFinalize = "finalize"
	StageDone     = "done"
)

// ProgressInterval is the minimum gap between unforced emissions
const ProgressInterval = 350 * time.Millisecond

// percentCap holds reported progress below 100 until the output is in place
const percentCap = 99.9

// Progress is one telemetry sample. For segmented transfers Downloaded and Total count segments.
type Progress struct {
	Stage      string        `json:"stage"`
	Downloaded int64         `json:"downloaded"`
	Total      int64         `json:"total"`
	Percent    float64       `json:"percent"`
	Speed      float64       `json:"speed"` // units per second
	ETA        time.Duration `json:"eta"`
	Message    string        `json:"message,omitempty"`
	Time       time.Time     `json:"time"`
}

// Emitter throttles progress samples, enriches them with speed and ETA, and forwards them to a sink.
// It is safe for concurrent use by part workers.
type Emitter struct {
	mu        sync.Mutex
	sink      func(Progress)
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
	start     time.Time
	lastT     time.Time
	lastBytes int64
	counter   int64
	done      bool
}

// NewEmitter returns an Emitter; a nil sink discards everything.
// Panics raised by the sink are recovered and logged to logger.
func NewEmitter(sink func(Progress), logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{sink: sink, logger: logger, interval: ProgressInterval, now: time.Now}
	e.start = e.now()
	return e
}

// Update reports an absolute position, subject to throttling
func (e *Emitter) Update(stage string, downloaded, total int64, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter = downloaded
	e.emitLocked(stage, downloaded, total, message, false, false)
}

// Add advances the internal counter by delta (negative to roll back a failed unit) and reports it
func (e *Emitter) Add(stage string, delta, total int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter += delta
	e.emitLocked(stage, e.counter, total, "", false, false)
}

// Force emits regardless of throttling. Percent stays capped.
func (e *Emitter) Force(stage string, downloaded, total int64, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter = downloaded
	e.emitLocked(stage, downloaded, total, message, true, false)
}

// Complete emits the final 100% sample. Call only once output is durable.
func (e *Emitter) Complete(downloaded, total int64, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter = downloaded
	e.emitLocked(StageDone, downloaded, total, message, true, true)
	e.done = true
}

func (e *Emitter) emitLocked(stage string, downloaded, total int64, message string, force, final bool) {
	if e.sink == nil || e.done {
		return
	}
	now := e.now()
	if !force && !e.lastT.IsZero() && now.Sub(e.lastT) < e.interval {
		return
	}

	p := Progress{
		Stage:      stage,
		Downloaded: downloaded,
		Total:      total,
		Message:    message,
		Time:       now,
	}

	since, base := e.lastT, e.lastBytes
	if since.IsZero() {
		since, base = e.start, 0
	}
	if dt := now.Sub(since).Seconds(); dt > 0 {
		if db := downloaded - base; db >= 0 {
			p.Speed = float64(db) / dt
		}
	}
	if total > 0 && p.Speed > 0 {
		remaining := total - downloaded
		if remaining < 0 {
			remaining = 0
		}
		p.ETA = time.Duration(float64(remaining) / p.Speed * float64(time.Second))
	}

	switch {
	case final:
		p.Percent = 100
	case total > 0:
		p.Percent = float64(downloaded) * 100 / float64(total)
		if p.Percent > percentCap {
			p.Percent = percentCap
		}
	}

	e.deliver(p)
	e.lastT = now
	e.lastBytes = downloaded
}

// deliver isolates the emitter from a panicking sink
func (e *Emitter) deliver(p Progress) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Progress sink panic recovered", "stage", p.Stage, "panic", r)
		}
	}()
	e.sink(p)
}
