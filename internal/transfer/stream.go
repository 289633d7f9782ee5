package transfer

import (
	"context"
	"net/http"
	"os"

	"tachyon-transfer/internal/filesystem"
)

// downloadStream writes the whole body sequentially to dest. No retry at this level.
func (e *Engine) downloadStream(ctx context.Context, src, dest string, size int64, opts Options, em *Emitter) (Result, error) {
	req, err := e.client.newRequest(ctx, http.MethodGet, src, opts.Headers)
	if err != nil {
		return Result{}, err
	}
	resp, err := e.client.do(req)
	if err != nil {
		return Result{}, cancelled(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, statusError(resp)
	}

	total := size
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	if err := filesystem.EnsureParent(dest); err != nil {
		return Result{}, &FSError{Op: "mkdir", Path: dest, Err: err}
	}
	f, err := os.Create(dest)
	if err != nil {
		return Result{}, &FSError{Op: "create", Path: dest, Err: err}
	}

	em.Force(StageStream, 0, total, "start")
	n, err := e.client.copyChunks(ctx, resp.Body, nil, func(b []byte) error {
		if _, werr := f.Write(b); werr != nil {
			return &FSError{Op: "write", Path: dest, Err: werr}
		}
		em.Add(StageStream, int64(len(b)), total)
		return nil
	})
	closeErr := f.Close()
	if err != nil {
		filesystem.RemoveQuietly(dest)
		return Result{}, cancelled(ctx, err)
	}
	if closeErr != nil {
		filesystem.RemoveQuietly(dest)
		return Result{}, &FSError{Op: "close", Path: dest, Err: closeErr}
	}

	if err := e.verify(dest, opts.Checksum); err != nil {
		return Result{}, err
	}

	if total <= 0 {
		total = n
	}
	em.Complete(n, total, "ok")
	return Result{Path: dest, Strategy: StrategyStream, Bytes: n}, nil
}
