package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is a job lifecycle state
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Runner performs a job's work. It returns the produced path on success.
// ctx is cancelled when the job is cancelled; runners must observe it cooperatively.
type Runner interface {
	Run(ctx context.Context) (string, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) (string, error)

func (f RunnerFunc) Run(ctx context.Context) (string, error) { return f(ctx) }

// Progress is the structured progress snapshot of a running job
type Progress struct {
	Percent    float64       `json:"percent"`
	Downloaded int64         `json:"downloaded"`
	Total      int64         `json:"total"`
	Speed      float64       `json:"speed"`
	ETA        time.Duration `json:"eta"`
	Stage      string        `json:"stage,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// Job is a unit of work owned by a Manager once enqueued.
// Only the cancellation flag may be read without the Manager's lock.
type Job struct {
	id      string
	label   string
	runner  Runner
	retryOf string

	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	status     Status
	resultPath string
	err        string
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	progress   *Progress
}

// NewJob creates a PENDING job with a fresh id
func NewJob(label string, runner Runner) *Job {
	return &Job{
		id:        uuid.NewString(),
		label:     label,
		runner:    runner,
		status:    StatusPending,
		createdAt: time.Now(),
	}
}

func (j *Job) ID() string    { return j.id }
func (j *Job) Label() string { return j.label }

// Cancelled reports whether cancellation was requested. Once set it is never cleared.
func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// requestCancel sets the flag and cancels the running context, if any. Caller holds the Manager lock.
func (j *Job) requestCancel() {
	j.cancelled.Store(true)
	if j.cancel != nil {
		j.cancel()
	}
}

// JobInfo is an immutable snapshot of a Job
type JobInfo struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	RetryOf    string     `json:"retry_of,omitempty"`
	Status     Status     `json:"status"`
	ResultPath string     `json:"result_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Progress   *Progress  `json:"progress,omitempty"`
	Cancelled  bool       `json:"cancelled"`
}

func (j *Job) infoLocked() JobInfo {
	info := JobInfo{
		ID:         j.id,
		Label:      j.label,
		RetryOf:    j.retryOf,
		Status:     j.status,
		ResultPath: j.resultPath,
		Error:      j.err,
		CreatedAt:  j.createdAt,
		Cancelled:  j.Cancelled(),
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		info.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		info.FinishedAt = &t
	}
	if j.progress != nil {
		p := *j.progress
		info.Progress = &p
	}
	return info
}

type ctxKey struct{}

type jobScope struct {
	id     string
	report func(Progress)
}

// JobID returns the id of the job whose runner received ctx
func JobID(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKey{}).(jobScope)
	return s.id, ok
}

// ReportProgress records p on the job whose runner received ctx. Outside a job it does nothing.
func ReportProgress(ctx context.Context, p Progress) {
	if s, ok := ctx.Value(ctxKey{}).(jobScope); ok && s.report != nil {
		s.report(p)
	}
}
