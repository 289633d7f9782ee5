// Package queue runs jobs with bounded parallelism and reports their lifecycle
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	MinParallel = 1
	MaxParallel = 10
)

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("manager closed")

// Manager is a FIFO job queue feeding a fixed pool of workers.
// All bookkeeping happens under one mutex; completions are recorded by a coordinator goroutine.
type Manager struct {
	logger      *slog.Logger
	maxParallel int

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    map[string]*Job
	order   []string
	pending pendingQueue
	running map[string]*Job
	closed  bool

	root       context.Context
	rootCancel context.CancelFunc
	dispatch   chan *Job
	done       chan completion
	workers    sync.WaitGroup
	coordDone  chan struct{}

	bus *eventBus
}

type completion struct {
	job  *Job
	path string
	err  error
}

// NewManager starts maxParallel workers (clamped to [1,10]); the count is fixed for the Manager's life
func NewManager(maxParallel int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxParallel < MinParallel {
		maxParallel = MinParallel
	}
	if maxParallel > MaxParallel {
		maxParallel = MaxParallel
	}

	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:      logger,
		maxParallel: maxParallel,
		jobs:        make(map[string]*Job),
		running:     make(map[string]*Job),
		root:        root,
		rootCancel:  cancel,
		dispatch:    make(chan *Job, maxParallel),
		done:        make(chan completion, maxParallel),
		coordDone:   make(chan struct{}),
		bus:         newEventBus(logger),
	}
	m.cond = sync.NewCond(&m.mu)

	for i := 0; i < maxParallel; i++ {
		m.workers.Add(1)
		go m.worker()
	}
	go m.coordinate()
	return m
}

// MaxParallel returns the worker count
func (m *Manager) MaxParallel() int {
	return m.maxParallel
}

// Enqueue appends job to the pending queue and dispatches what capacity allows. It never blocks.
func (m *Manager) Enqueue(job *Job) (string, error) {
	if job == nil || job.runner == nil {
		return "", errors.New("job has no runner")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if _, exists := m.jobs[job.id]; exists {
		return "", fmt.Errorf("job %s already enqueued", job.id)
	}

	m.jobs[job.id] = job
	m.order = append(m.order, job.id)
	m.pending.Push(job)
	m.publishLocked(EventQueued, job)
	m.drainLocked()
	return job.id, nil
}

// Cancel requests cancellation. A pending job is CANCELLED at once and never runs;
// a running job is signalled and finishes cooperatively. Unknown or finished jobs return false.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.status.Terminal() {
		return false
	}

	job.requestCancel()
	if m.pending.Remove(id) {
		m.finishLocked(job, StatusCancelled, "", "")
		m.cond.Broadcast()
		return true
	}
	if job.status == StatusRunning {
		m.publishLocked(EventCancelling, job)
	}
	return true
}

// CancelAll signals every job and clears the pending queue
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAllLocked()
}

func (m *Manager) cancelAllLocked() {
	for _, id := range m.order {
		if job := m.jobs[id]; job != nil && !job.status.Terminal() {
			job.requestCancel()
		}
	}
	m.clearPendingLocked()
	for _, id := range m.order {
		if job := m.running[id]; job != nil {
			m.publishLocked(EventCancelling, job)
		}
	}
}

// ClearPending cancels and removes every job not yet started, returning how many
func (m *Manager) ClearPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearPendingLocked()
}

func (m *Manager) clearPendingLocked() int {
	jobs := m.pending.Drain()
	for _, job := range jobs {
		job.requestCancel()
		m.finishLocked(job, StatusCancelled, "", "")
	}
	if len(jobs) > 0 {
		m.cond.Broadcast()
	}
	return len(jobs)
}

// ClearFinished forgets terminal jobs, returning how many were purged
func (m *Manager) ClearFinished() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	purged := 0
	for _, id := range m.order {
		job := m.jobs[id]
		if _, active := m.running[id]; job.status.Terminal() && !active {
			delete(m.jobs, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return purged
}

// Retry enqueues a fresh job with the original's label and runner. The original is untouched.
func (m *Manager) Retry(id string) (string, bool) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return "", false
	}

	clone := NewJob(job.label, job.runner)
	clone.retryOf = job.id
	newID, err := m.Enqueue(clone)
	if err != nil {
		return "", false
	}
	return newID, true
}

// Prioritize moves a pending job to the head of the queue
func (m *Manager) Prioritize(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.MoveToFirst(id)
}

// Wait blocks until nothing is pending or running
func (m *Manager) Wait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending.Len() > 0 || len(m.running) > 0 {
		m.cond.Wait()
	}
}

func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// ListJobs returns snapshots of every retained job in enqueue order
func (m *Manager) ListJobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]JobInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.jobs[id].infoLocked())
	}
	return out
}

func (m *Manager) GetJob(id string) (JobInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return job.infoLocked(), true
}

// UpdateProgress stores p on a job and publishes a progress event. It reports whether the job exists.
func (m *Manager) UpdateProgress(id string, p Progress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false
	}
	job.progress = &p
	if job.status == StatusRunning {
		m.publishLocked(EventProgress, job)
	}
	return true
}

// Subscribe returns a channel of events and a func to stop receiving them.
// Events are dropped for a subscriber that falls behind buffer.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.bus.subscribe(buffer)
}

// OnEvent registers a callback run on the event dispatcher goroutine. Panics are recovered.
func (m *Manager) OnEvent(fn func(Event)) {
	m.bus.onEvent(fn)
}

// Close cancels every job, waits for the workers to return and closes subscriber channels
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelAllLocked()
	close(m.dispatch)
	m.mu.Unlock()

	m.rootCancel()
	m.workers.Wait()
	close(m.done)
	<-m.coordDone
	m.bus.close()
}

// drainLocked starts pending jobs while there is capacity
func (m *Manager) drainLocked() {
	for !m.closed && m.pending.Len() > 0 && len(m.running) < m.maxParallel {
		job := m.pending.PopFront()
		if job.Cancelled() {
			m.finishLocked(job, StatusCancelled, "", "")
			continue
		}

		ctx, cancel := context.WithCancel(m.root)
		job.ctx = context.WithValue(ctx, ctxKey{}, jobScope{
			id:     job.id,
			report: func(p Progress) { m.UpdateProgress(job.id, p) },
		})
		job.cancel = cancel
		job.status = StatusRunning
		job.startedAt = time.Now()
		m.running[job.id] = job
		m.publishLocked(EventStarted, job)

		// running never exceeds maxParallel, so the buffered send cannot block
		m.dispatch <- job
	}
	m.cond.Broadcast()
}

func (m *Manager) worker() {
	defer m.workers.Done()
	for job := range m.dispatch {
		path, err := m.execute(job)
		m.done <- completion{job: job, path: path, err: err}
	}
}

func (m *Manager) execute(job *Job) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Worker Panic Recovered", "id", job.id, "panic", r)
			path, err = "", fmt.Errorf("internal worker error: %v", r)
		}
	}()

	if job.Cancelled() {
		return "", nil
	}
	// job.ctx was set before the job was sent on dispatch
	return job.runner.Run(job.ctx)
}

func (m *Manager) coordinate() {
	defer close(m.coordDone)
	for c := range m.done {
		m.complete(c)
	}
}

func (m *Manager) complete(c completion) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := c.job
	delete(m.running, job.id)
	if job.cancel != nil {
		job.cancel()
	}

	switch {
	case job.Cancelled():
		m.finishLocked(job, StatusCancelled, "", "")
	case c.err != nil:
		m.finishLocked(job, StatusFailed, "", c.err.Error())
	case c.path == "":
		m.finishLocked(job, StatusFailed, "", "failed")
	default:
		m.finishLocked(job, StatusSuccess, c.path, "")
	}
	m.drainLocked()
}

// finishLocked moves job to a terminal status and publishes the matching event
func (m *Manager) finishLocked(job *Job, status Status, path, errText string) {
	job.status = status
	job.resultPath = path
	job.err = errText
	job.finishedAt = time.Now()

	switch status {
	case StatusSuccess:
		m.logger.Info("Job finished", "id", job.id, "label", job.label, "path", path)
		m.publishLocked(EventSuccess, job)
	case StatusFailed:
		m.logger.Warn("Job failed", "id", job.id, "label", job.label, "error", errText)
		m.publishLocked(EventFailed, job)
	case StatusCancelled:
		m.logger.Info("Job cancelled", "id", job.id, "label", job.label)
		m.publishLocked(EventCancelled, job)
	}
}

func (m *Manager) publishLocked(t EventType, job *Job) {
	m.bus.publish(Event{Type: t, Job: job.infoLocked(), Time: time.Now()})
}
