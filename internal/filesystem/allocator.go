package filesystem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrDiskFull is returned when the destination volume cannot hold the transfer
var ErrDiskFull = errors.New("disk full")

// DefaultReserve is kept free on the volume for system stability
const DefaultReserve = 100 * 1024 * 1024

// Allocator handles file pre-allocation and disk space checks
type Allocator struct {
	Reserve int64
}

func NewAllocator() *Allocator {
	return &Allocator{Reserve: DefaultReserve}
}

// AllocateFile creates path (and its parent directories) truncated to size
func (a *Allocator) AllocateFile(path string, size int64) error {
	if err := EnsureParent(path); err != nil {
		return err
	}

	// 1. Check Disk Space
	if err := a.checkDiskSpace(path, size); err != nil {
		return err
	}

	// 2. Truncate (Pre-allocate)
	// Sparse on some filesystems, allocated on others; either way every worker can WriteAt its own region.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file for allocation: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to pre-allocate space: %w", err)
	}

	return nil
}

func (a *Allocator) checkDiskSpace(path string, required int64) error {
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		// Volume stats are unavailable on some mounts; Truncate will still fail loudly if space runs out
		return nil
	}

	if int64(usage.Free) < required+a.Reserve {
		return fmt.Errorf("%w: required %d bytes, available %d bytes", ErrDiskFull, required, usage.Free)
	}
	return nil
}

// EnsureParent creates the parent directory of path
func EnsureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
