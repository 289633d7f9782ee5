package transfer

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tachyon-transfer/internal/filesystem"
)

// downloadRanged fetches the plan's parts concurrently into a preallocated <dest>.part,
// then renames it into place. 100% is reported only after the rename.
func (e *Engine) downloadRanged(ctx context.Context, probe ProbeResult, dest string, opts Options, em *Emitter) (Result, error) {
	plan := BuildPlan(probe.Size, opts.RangedWorkers)
	concurrency := InnerWorkers(clamp(opts.RangedWorkers, MinRangedWorkers, MaxRangedWorkers), opts.OuterParallel, MinRangedWorkers)
	tmp := filesystem.PartPath(dest)

	if err := e.allocator.AllocateFile(tmp, plan.Size); err != nil {
		filesystem.RemoveQuietly(tmp)
		return Result{}, &FSError{Op: "allocate", Path: tmp, Err: err}
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0644)
	if err != nil {
		filesystem.RemoveQuietly(tmp)
		return Result{}, &FSError{Op: "open", Path: tmp, Err: err}
	}

	e.logger.Debug("Ranged plan", "parts", len(plan.Parts), "part_size", plan.PartSize, "concurrency", concurrency)
	em.Force(StageRanged, 0, plan.Size, fmt.Sprintf("%d parts", len(plan.Parts)))

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(concurrency))
	for _, part := range plan.Parts {
		part := part
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return e.fetchPart(gctx, probe.FinalURL, f, part, opts.Headers, plan.Size, em)
		})
	}
	err = g.Wait()
	closeErr := f.Close()

	if ctx.Err() != nil {
		filesystem.RemoveQuietly(tmp)
		return Result{}, cancelled(ctx, ctx.Err())
	}
	if err != nil {
		filesystem.RemoveQuietly(tmp)
		return Result{}, err
	}
	if closeErr != nil {
		filesystem.RemoveQuietly(tmp)
		return Result{}, &FSError{Op: "close", Path: tmp, Err: closeErr}
	}

	if err := e.verify(tmp, opts.Checksum); err != nil {
		return Result{}, err
	}

	em.Force(StageFinalize, plan.Size, plan.Size, "rename")
	if err := os.Rename(tmp, dest); err != nil {
		filesystem.RemoveQuietly(tmp)
		return Result{}, &FSError{Op: "rename", Path: dest, Err: err}
	}
	em.Complete(plan.Size, plan.Size, "ok")

	return Result{Path: dest, Strategy: StrategyRanged, Bytes: plan.Size}, nil
}

// fetchPart downloads one range with retry. Bytes from a failed attempt are rolled back from progress.
func (e *Engine) fetchPart(ctx context.Context, src string, f *os.File, part Part, h Headers, total int64, em *Emitter) error {
	onRetry := func(attempt int, err error) {
		e.logger.Warn("Retrying part", "id", part.ID, "attempt", attempt, "error", err)
	}
	err := e.partRetry.do(ctx, onRetry, func(int) error {
		wrote, err := e.readPart(ctx, src, f, part, h, total, em)
		if err != nil && wrote > 0 {
			em.Add(StageRanged, -wrote, total)
		}
		return err
	})
	if err != nil && !IsCancelled(err) {
		return fmt.Errorf("part %d (%s): %w", part.ID, part.RangeHeader(), err)
	}
	return err
}

func (e *Engine) readPart(ctx context.Context, src string, f *os.File, part Part, h Headers, total int64, em *Emitter) (int64, error) {
	req, err := e.client.newRequest(ctx, http.MethodGet, src, h)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", part.RangeHeader())

	resp, err := e.client.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK {
			return 0, fmt.Errorf("%w: got 200", ErrRangeUnsupported)
		}
		return 0, statusError(resp)
	}

	offset := part.Start
	expected := part.Len()
	n, err := e.client.copyChunks(ctx, resp.Body, nil, func(b []byte) error {
		if offset+int64(len(b)) > part.End+1 {
			return fmt.Errorf("%w: body exceeds range", ErrShortBody)
		}
		if _, werr := f.WriteAt(b, offset); werr != nil {
			return &FSError{Op: "write", Path: f.Name(), Err: werr}
		}
		offset += int64(len(b))
		em.Add(StageRanged, int64(len(b)), total)
		return nil
	})
	if err != nil {
		return n, err
	}
	if n != expected {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, n, expected)
	}
	return n, nil
}
