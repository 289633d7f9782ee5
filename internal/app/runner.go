package app

import (
	"context"

	"tachyon-transfer/internal/queue"
	"tachyon-transfer/internal/transfer"
)

// DownloadRunner is the queue.Runner for one URL
type DownloadRunner struct {
	Engine  *transfer.Engine
	URL     string
	Dest    string
	Options transfer.Options
}

// Run downloads r.URL and returns the path of the produced file
func (r *DownloadRunner) Run(ctx context.Context) (string, error) {
	opts := r.Options
	next := opts.OnProgress
	opts.OnProgress = func(p transfer.Progress) {
		queue.ReportProgress(ctx, queue.Progress{
			Percent:    p.Percent,
			Downloaded: p.Downloaded,
			Total:      p.Total,
			Speed:      p.Speed,
			ETA:        p.ETA,
			Stage:      p.Stage,
			Message:    p.Message,
		})
		if next != nil {
			next(p)
		}
	}

	res, err := r.Engine.Download(ctx, r.URL, r.Dest, opts)
	if err != nil {
		if transfer.IsCancelled(err) {
			return "", err
		}
		return "", &RunError{Text: transfer.Describe(err), Err: err}
	}
	return res.Path, nil
}

// RunError carries the human readable failure text recorded on the job
type RunError struct {
	Text string
	Err  error
}

func (e *RunError) Error() string { return e.Text }

func (e *RunError) Unwrap() error { return e.Err }
