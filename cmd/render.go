package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"tachyon-transfer/internal/queue"
	"tachyon-transfer/internal/transfer"
)

// progressEvery limits progress lines per job
const progressEvery = time.Second

// renderer prints one styled line per job event
type renderer struct {
	mu       sync.Mutex
	out      io.Writer
	lastLine map[string]time.Time
	now      func() time.Time
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, lastLine: make(map[string]time.Time), now: time.Now}
}

// Consume renders events until ch is closed
func (r *renderer) Consume(ch <-chan queue.Event) {
	for ev := range ch {
		r.Render(ev)
	}
}

func (r *renderer) Render(ev queue.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if line := r.format(ev); line != "" {
		fmt.Fprintln(r.out, line)
	}
}

func (r *renderer) format(ev queue.Event) string {
	job := ev.Job
	switch ev.Type {
	case queue.EventQueued:
		return pendingStyle.Render(fmt.Sprintf("%s queued  %s", StyleSymbols["pending"], job.Label))
	case queue.EventStarted:
		return infoStyle.Render(fmt.Sprintf("%s started %s", StyleSymbols["arrow"], job.Label))
	case queue.EventProgress:
		if job.Progress == nil || !r.progressDue(job.ID) {
			return ""
		}
		return streamStyle.Render(fmt.Sprintf("  %s %s", job.Label, formatProgress(*job.Progress)))
	case queue.EventCancelling:
		return warningStyle.Render(fmt.Sprintf("%s cancelling %s", StyleSymbols["warning"], job.Label))
	case queue.EventSuccess:
		delete(r.lastLine, job.ID)
		return successStyle.Render(fmt.Sprintf("%s %s %s %s", StyleSymbols["pass"], job.Label, StyleSymbols["arrow"], job.ResultPath))
	case queue.EventFailed:
		delete(r.lastLine, job.ID)
		return errorStyle.Render(fmt.Sprintf("%s %s: %s", StyleSymbols["fail"], job.Label, job.Error))
	case queue.EventCancelled:
		delete(r.lastLine, job.ID)
		return warningStyle.Render(fmt.Sprintf("%s cancelled %s", StyleSymbols["warning"], job.Label))
	}
	return ""
}

func (r *renderer) progressDue(id string) bool {
	now := r.now()
	if last, ok := r.lastLine[id]; ok && now.Sub(last) < progressEvery {
		return false
	}
	r.lastLine[id] = now
	return true
}

func formatProgress(p queue.Progress) string {
	if p.Stage == transfer.StageSegments {
		return fmt.Sprintf("%5.1f%%  segment %d/%d  ETA %s", p.Percent, p.Downloaded, p.Total, FormatETA(p.ETA))
	}
	size := "?"
	if p.Total > 0 {
		size = FormatBytes(p.Total)
	}
	return fmt.Sprintf("%5.1f%%  %s / %s  %s  ETA %s", p.Percent, FormatBytes(p.Downloaded), size, FormatSpeed(p.Speed), FormatETA(p.ETA))
}

// Summary prints the final tally
func (r *renderer) Summary(total, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := fmt.Sprintf("%d/%d transfers completed", total-failed, total)
	if failed > 0 {
		fmt.Fprintln(r.out, errorStyle.Render(line))
		return
	}
	fmt.Fprintln(r.out, successStyle.Render(line))
}
