package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tachyon-transfer/internal/filesystem"
)

// downloadSegmented assembles every playlist segment, in playlist order, into the .ts intermediate.
// Any segment that exhausts its retries aborts the transfer and no output is kept.
func (e *Engine) downloadSegmented(ctx context.Context, src, dest string, opts Options, em *Emitter) (Result, error) {
	em.Force(StagePlaylist, 0, 0, "playlist")
	set, err := e.fetchSegmentSet(ctx, src, opts.Headers)
	if err != nil {
		return Result{}, cancelled(ctx, err)
	}

	out := filesystem.SegmentedOutputPath(dest)
	if err := filesystem.EnsureParent(out); err != nil {
		return Result{}, &FSError{Op: "mkdir", Path: out, Err: err}
	}

	total := int64(len(set.URLs))
	em.Force(StageSegments, 0, total, fmt.Sprintf("%d segments", total))

	var n int64
	if opts.ConcurrentSegments {
		n, err = e.segmentsConcurrent(ctx, set, out, opts, em)
	} else {
		n, err = e.segmentsSequential(ctx, set, out, opts, em)
	}
	if err != nil {
		filesystem.RemoveQuietly(out)
		return Result{}, cancelled(ctx, err)
	}

	if err := e.verify(out, opts.Checksum); err != nil {
		return Result{}, err
	}

	em.Complete(total, total, "ts_ready")
	return Result{Path: out, Strategy: StrategySegmented, Bytes: n, Segments: len(set.URLs)}, nil
}

// segmentsSequential appends each segment straight to out. A failed attempt is truncated away before retrying.
func (e *Engine) segmentsSequential(ctx context.Context, set SegmentSet, out string, opts Options, em *Emitter) (int64, error) {
	f, err := os.Create(out)
	if err != nil {
		return 0, &FSError{Op: "create", Path: out, Err: err}
	}
	defer f.Close()

	total := int64(len(set.URLs))
	var written int64
	for i, segURL := range set.URLs {
		if ctx.Err() != nil {
			return written, cancelled(ctx, ctx.Err())
		}

		start := written
		err := e.segmentRetry.do(ctx, e.segmentRetryLogger(i), func(attempt int) error {
			if attempt > 1 {
				if err := f.Truncate(start); err != nil {
					return &FSError{Op: "truncate", Path: out, Err: err}
				}
				if _, err := f.Seek(start, io.SeekStart); err != nil {
					return &FSError{Op: "seek", Path: out, Err: err}
				}
			}
			n, err := e.getSegment(ctx, segURL, opts.Headers, f)
			written = start + n
			return err
		})
		if err != nil {
			return written, fmt.Errorf("segment %d: %w", i+1, err)
		}
		em.Update(StageSegments, int64(i+1), total, "")
	}

	if err := f.Sync(); err != nil {
		return written, &FSError{Op: "sync", Path: out, Err: err}
	}
	return written, nil
}

// segmentsConcurrent fetches into memory with a bounded pool, then writes in index order
func (e *Engine) segmentsConcurrent(ctx context.Context, set SegmentSet, out string, opts Options, em *Emitter) (int64, error) {
	workers := InnerWorkers(clamp(opts.SegmentWorkers, MinSegmentWorkers, MaxSegmentWorkers), opts.OuterParallel, MinSegmentWorkers)
	total := int64(len(set.URLs))
	bodies := make([][]byte, len(set.URLs))

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(workers))
	for i, segURL := range set.URLs {
		i, segURL := i, segURL
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			var buf bytes.Buffer
			err := e.segmentRetry.do(gctx, e.segmentRetryLogger(i), func(int) error {
				buf.Reset()
				_, err := e.getSegment(gctx, segURL, opts.Headers, &buf)
				return err
			})
			if err != nil {
				return fmt.Errorf("segment %d: %w", i+1, err)
			}
			bodies[i] = buf.Bytes()
			em.Add(StageSegments, 1, total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, cancelled(ctx, ctx.Err())
	}

	f, err := os.Create(out)
	if err != nil {
		return 0, &FSError{Op: "create", Path: out, Err: err}
	}
	defer f.Close()

	var written int64
	for _, body := range bodies {
		if ctx.Err() != nil {
			return written, cancelled(ctx, ctx.Err())
		}
		n, err := f.Write(body)
		written += int64(n)
		if err != nil {
			return written, &FSError{Op: "write", Path: out, Err: err}
		}
	}
	if err := f.Sync(); err != nil {
		return written, &FSError{Op: "sync", Path: out, Err: err}
	}
	return written, nil
}

// getSegment streams one segment into w. The request fails once headers or body chunks
// stop arriving for segmentIdleTimeout; a slow but live body is read to the end.
func (e *Engine) getSegment(ctx context.Context, segURL string, h Headers, w io.Writer) (int64, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	guard := newIdleGuard(e.idleTimeout, cancel)
	defer guard.stop()

	req, err := e.client.newRequest(reqCtx, http.MethodGet, segURL, h)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.do(req)
	if err != nil {
		return 0, guard.wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, statusError(resp)
	}
	guard.touch()

	return e.client.copyChunks(reqCtx, resp.Body, guard, func(b []byte) error {
		if _, err := w.Write(b); err != nil {
			return &FSError{Op: "write", Path: segURL, Err: err}
		}
		return nil
	})
}

func (e *Engine) segmentRetryLogger(index int) func(int, error) {
	return func(attempt int, err error) {
		e.logger.Warn("Retrying segment", "segment", index+1, "attempt", attempt, "error", err)
	}
}
