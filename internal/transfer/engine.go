// Package transfer moves a remote resource to a local file using the best strategy the server allows:
// a single stream, concurrent byte ranges, or an HLS segment playlist.
package transfer

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"tachyon-transfer/internal/filesystem"
	"tachyon-transfer/internal/integrity"
)

// Strategy names the path a transfer took
type Strategy string

const (
	StrategyStream    Strategy = "stream"
	StrategyRanged    Strategy = "ranged"
	StrategySegmented Strategy = "segmented"
)

// Options tune a single Download call
type Options struct {
	// Ranged permits the multi-part strategy when the server supports it
	Ranged        bool
	RangedWorkers int
	// ConcurrentSegments fetches playlist segments with a pool instead of one by one
	ConcurrentSegments bool
	SegmentWorkers     int
	// OuterParallel is how many transfers the caller runs at once; inner worker counts shrink accordingly
	OuterParallel int

	Headers    Headers
	Checksum   integrity.Checksum
	OnProgress func(Progress)
}

// Result describes a finished transfer. For segmented transfers Path is the intermediate .ts file.
type Result struct {
	Path     string   `json:"path"`
	Strategy Strategy `json:"strategy"`
	Bytes    int64    `json:"bytes"`
	Segments int      `json:"segments,omitempty"`
}

// Engine runs transfers. One Engine serves any number of concurrent Download calls.
type Engine struct {
	client    *Client
	allocator *filesystem.Allocator
	verifier  *integrity.FileVerifier
	logger    *slog.Logger

	minRangedSize int64
	idleTimeout   time.Duration
	partRetry     retryPolicy
	segmentRetry  retryPolicy
}

func NewEngine(client *Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:        client,
		allocator:     filesystem.NewAllocator(),
		verifier:      integrity.NewFileVerifier(),
		logger:        logger,
		minRangedSize: MinRangedSize,
		idleTimeout:   segmentIdleTimeout,
		partRetry:     retryPolicy{attempts: 3, backoff: 1500 * time.Millisecond},
		segmentRetry:  retryPolicy{attempts: 3, backoff: 2 * time.Second},
	}
}

// Client returns the shared HTTP client
func (e *Engine) Client() *Client {
	return e.client
}

// Download fetches src into dest. A cancelled ctx yields an error matching ErrCancelled
// and leaves no partial output behind; any other failure also removes partial output.
func (e *Engine) Download(ctx context.Context, src, dest string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, cancelled(ctx, err)
	}
	log := e.logger.With("url", src, "dest", dest)
	em := NewEmitter(opts.OnProgress, log)

	if IsPlaylist(src) {
		log.Info("Starting segmented transfer")
		res, err := e.downloadSegmented(ctx, src, dest, opts, em)
		e.logOutcome(log, res, err)
		return res, err
	}

	em.Force(StageProbe, 0, 0, "probe")
	probe := e.client.Probe(ctx, src, opts.Headers)
	if err := ctx.Err(); err != nil {
		return Result{}, cancelled(ctx, err)
	}
	log.Debug("Probe complete", "final_url", probe.FinalURL, "size", probe.Size, "ranges", probe.AcceptRanges)

	if opts.Ranged && probe.AcceptRanges && probe.Size >= e.minRangedSize {
		log.Info("Using multi-part download", "size", probe.Size)
		res, err := e.downloadRanged(ctx, probe, dest, opts, em)
		if err == nil || IsCancelled(err) || errors.Is(err, integrity.ErrMismatch) {
			e.logOutcome(log, res, err)
			return res, err
		}
		log.Warn("Multi-part download failed; falling back to single stream", "error", err)
		em.Force(StageStream, 0, probe.Size, "fallback")
	}

	res, err := e.downloadStream(ctx, probe.FinalURL, dest, probe.Size, opts, em)
	e.logOutcome(log, res, err)
	return res, err
}

func (e *Engine) logOutcome(log *slog.Logger, res Result, err error) {
	switch {
	case err == nil:
		log.Info("Transfer complete", "strategy", res.Strategy, "path", res.Path, "bytes", res.Bytes)
	case IsCancelled(err):
		log.Info("Transfer cancelled")
	default:
		log.Error("Transfer failed", "error", err)
	}
}

// verify checks path against the requested checksum, removing it on mismatch
func (e *Engine) verify(path string, c integrity.Checksum) error {
	if c.IsZero() {
		return nil
	}
	if err := e.verifier.Verify(path, c); err != nil {
		filesystem.RemoveQuietly(path)
		return err
	}
	return nil
}

// IsPlaylist reports whether src points at an HLS playlist
func IsPlaylist(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return strings.Contains(strings.ToLower(src), "m3u8")
	}
	return strings.Contains(strings.ToLower(u.Path), ".m3u8") || strings.Contains(strings.ToLower(u.RawQuery), "m3u8")
}

type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

// do runs fn until it succeeds, fails permanently, or attempts run out.
// The backoff sleep is a cancellation checkpoint.
func (p retryPolicy) do(ctx context.Context, onRetry func(attempt int, err error), fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if ctx.Err() != nil {
			return cancelled(ctx, ctx.Err())
		}
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return cancelled(ctx, err)
		}
		if !IsTransient(err) || attempt == p.attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(p.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cancelled(ctx, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
