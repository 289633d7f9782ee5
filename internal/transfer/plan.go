package transfer

import "fmt"

const (
	// MinPartSize is the floor for a ranged part
	MinPartSize int64 = 5 * 1024 * 1024
	// MinRangedSize is the smallest body worth splitting
	MinRangedSize int64 = 25 * 1024 * 1024

	MinRangedWorkers  = 2
	MaxRangedWorkers  = 16
	MinSegmentWorkers = 1
	MaxSegmentWorkers = 32
)

// Part is one inclusive byte range of a ranged transfer
type Part struct {
	ID    int
	Start int64 // inclusive
	End   int64 // inclusive
}

func (p Part) Len() int64 { return p.End - p.Start + 1 }

func (p Part) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", p.Start, p.End)
}

// Plan is a contiguous, non-overlapping partition of [0, Size)
type Plan struct {
	Size     int64
	PartSize int64
	Parts    []Part
}

// BuildPlan splits size into at most workers parts of max(MinPartSize, ceil(size/workers)) bytes.
// workers is clamped to [1, MaxRangedWorkers]; a single worker gets a single part.
func BuildPlan(size int64, workers int) Plan {
	workers = clamp(workers, 1, MaxRangedWorkers)
	if size <= 0 {
		return Plan{Size: 0}
	}

	partSize := (size + int64(workers) - 1) / int64(workers)
	if partSize < MinPartSize {
		partSize = MinPartSize
	}

	plan := Plan{Size: size, PartSize: partSize}
	for start, id := int64(0), 0; start < size; id++ {
		end := start + partSize - 1
		if end >= size {
			end = size - 1
		}
		plan.Parts = append(plan.Parts, Part{ID: id, Start: start, End: end})
		start = end + 1
	}
	return plan
}

// InnerWorkers shrinks a per-transfer worker count when several transfers run at once,
// keeping at least floor so total in-flight connections stay bounded.
func InnerWorkers(requested, outer, floor int) int {
	if outer > 1 {
		requested = requested / outer
	}
	if requested < floor {
		return floor
	}
	return requested
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
