package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, max int) *Manager {
	t.Helper()
	m := NewManager(max, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	return m
}

// blockingRunner waits for release or cancellation
func blockingRunner(started chan<- string, release <-chan struct{}) RunnerFunc {
	return func(ctx context.Context) (string, error) {
		id, _ := JobID(ctx)
		if started != nil {
			started <- id
		}
		select {
		case <-release:
			return "/tmp/" + id, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewManager_ClampsParallelism(t *testing.T) {
	tests := []struct{ in, want int }{{0, 1}, {-3, 1}, {4, 4}, {50, 10}}
	for _, tt := range tests {
		m := newTestManager(t, tt.in)
		if m.MaxParallel() != tt.want {
			t.Errorf("NewManager(%d).MaxParallel() = %d, want %d", tt.in, m.MaxParallel(), tt.want)
		}
	}
}

func TestManager_RunningNeverExceedsMax(t *testing.T) {
	m := newTestManager(t, 2)

	var current, peak atomic.Int32
	runner := RunnerFunc(func(ctx context.Context) (string, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return "out.mp4", nil
	})

	stop := make(chan struct{})
	var sampled atomic.Int32
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := m.RunningCount(); n > int(sampled.Load()) {
				sampled.Store(int32(n))
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ids := make([]string, 5)
	for i := range ids {
		id, err := m.Enqueue(NewJob(fmt.Sprintf("job-%d", i), runner))
		require.NoError(t, err)
		ids[i] = id
	}
	m.Wait()
	close(stop)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.LessOrEqual(t, sampled.Load(), int32(2))
	assert.Zero(t, m.PendingCount())
	assert.Zero(t, m.RunningCount())
	for _, id := range ids {
		info, ok := m.GetJob(id)
		require.True(t, ok)
		assert.Equal(t, StatusSuccess, info.Status)
		assert.Equal(t, "out.mp4", info.ResultPath)
		assert.NotNil(t, info.StartedAt)
		assert.NotNil(t, info.FinishedAt)
	}
}

func TestManager_FIFODispatch(t *testing.T) {
	m := newTestManager(t, 1)
	release := make(chan struct{})
	defer close(release)

	var mu sync.Mutex
	var order []string
	record := func(label string) RunnerFunc {
		return func(ctx context.Context) (string, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return label, nil
		}
	}

	first, _ := m.Enqueue(NewJob("blocker", blockingRunner(nil, release)))
	m.Enqueue(NewJob("a", record("a")))
	b, _ := m.Enqueue(NewJob("b", record("b")))
	m.Enqueue(NewJob("c", record("c")))
	assert.True(t, m.Prioritize(b))

	release <- struct{}{}
	m.Wait()

	info, _ := m.GetJob(first)
	assert.Equal(t, StatusSuccess, info.Status)
	assert.Equal(t, []string{"b", "a", "c"}, order)
}

func TestManager_CancelPendingNeverRuns(t *testing.T) {
	m := newTestManager(t, 1)
	started := make(chan string, 1)
	release := make(chan struct{})

	m.Enqueue(NewJob("running", blockingRunner(started, release)))
	<-started

	var invoked atomic.Bool
	pendingID, _ := m.Enqueue(NewJob("pending", RunnerFunc(func(ctx context.Context) (string, error) {
		invoked.Store(true)
		return "x", nil
	})))
	require.Equal(t, 1, m.PendingCount())

	assert.True(t, m.Cancel(pendingID))
	info, _ := m.GetJob(pendingID)
	assert.Equal(t, StatusCancelled, info.Status)
	assert.True(t, info.Cancelled)
	assert.Nil(t, info.StartedAt)
	assert.Zero(t, m.PendingCount())

	close(release)
	m.Wait()
	assert.False(t, invoked.Load(), "cancelled pending job must never run")
	assert.False(t, m.Cancel(pendingID), "finished job cannot be cancelled again")
	assert.False(t, m.Cancel("missing"))
}

func TestManager_CancelRunning(t *testing.T) {
	m := newTestManager(t, 2)
	events, unsubscribe := m.Subscribe(32)
	defer unsubscribe()

	started := make(chan string, 1)
	id, _ := m.Enqueue(NewJob("running", blockingRunner(started, nil)))
	<-started

	assert.True(t, m.Cancel(id))
	m.Wait()

	info, _ := m.GetJob(id)
	assert.Equal(t, StatusCancelled, info.Status)
	assert.Empty(t, info.Error)
	assert.Empty(t, info.ResultPath)

	var types []EventType
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == EventCancelled {
			break
		}
	}
	assert.Equal(t, []EventType{EventQueued, EventStarted, EventCancelling, EventCancelled}, types)
}

func TestManager_CancelledJobIgnoringSignalIsCancelled(t *testing.T) {
	m := newTestManager(t, 1)
	started := make(chan struct{})
	proceed := make(chan struct{})

	id, _ := m.Enqueue(NewJob("stubborn", RunnerFunc(func(ctx context.Context) (string, error) {
		close(started)
		<-proceed
		return "/done/anyway.mp4", nil
	})))
	<-started
	m.Cancel(id)
	close(proceed)
	m.Wait()

	info, _ := m.GetJob(id)
	assert.Equal(t, StatusCancelled, info.Status)
	assert.Empty(t, info.ResultPath)
}

func TestManager_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		runner     RunnerFunc
		wantStatus Status
		wantPath   string
		wantErr    string
	}{
		{"success", func(context.Context) (string, error) { return "/out/a.mp4", nil }, StatusSuccess, "/out/a.mp4", ""},
		{"error", func(context.Context) (string, error) { return "", errors.New("File not found on server (404)") }, StatusFailed, "", "File not found on server (404)"},
		{"empty result", func(context.Context) (string, error) { return "", nil }, StatusFailed, "", "failed"},
		{"error with path", func(context.Context) (string, error) { return "/out/partial", errors.New("boom") }, StatusFailed, "", "boom"},
		{"panic", func(context.Context) (string, error) { panic("kaboom") }, StatusFailed, "", "internal worker error: kaboom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, 1)
			id, err := m.Enqueue(NewJob(tt.name, tt.runner))
			require.NoError(t, err)
			m.Wait()

			info, _ := m.GetJob(id)
			assert.Equal(t, tt.wantStatus, info.Status)
			assert.Equal(t, tt.wantPath, info.ResultPath)
			assert.Equal(t, tt.wantErr, info.Error)
		})
	}
}

func TestManager_Retry(t *testing.T) {
	m := newTestManager(t, 1)

	var calls atomic.Int32
	runner := RunnerFunc(func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("transient")
		}
		return "/out/ok.mp4", nil
	})

	id, _ := m.Enqueue(NewJob("episode 1", runner))
	m.Wait()

	newID, ok := m.Retry(id)
	require.True(t, ok)
	assert.NotEqual(t, id, newID)
	m.Wait()

	orig, _ := m.GetJob(id)
	retried, _ := m.GetJob(newID)
	assert.Equal(t, StatusFailed, orig.Status)
	assert.Equal(t, "transient", orig.Error)
	assert.Equal(t, StatusSuccess, retried.Status)
	assert.Equal(t, orig.Label, retried.Label)
	assert.Equal(t, id, retried.RetryOf)
	assert.Equal(t, int32(2), calls.Load())

	_, ok = m.Retry("missing")
	assert.False(t, ok)
}

func TestManager_ClearPendingAndFinished(t *testing.T) {
	m := newTestManager(t, 1)
	started := make(chan string, 1)
	release := make(chan struct{})

	done, _ := m.Enqueue(NewJob("quick", RunnerFunc(func(context.Context) (string, error) { return "q", nil })))
	m.Wait()

	running, _ := m.Enqueue(NewJob("running", blockingRunner(started, release)))
	<-started
	for i := 0; i < 3; i++ {
		m.Enqueue(NewJob(fmt.Sprintf("p%d", i), blockingRunner(nil, release)))
	}

	assert.Equal(t, 3, m.ClearPending())
	assert.Zero(t, m.PendingCount())

	// 1 success + 3 cancelled; the running job stays
	assert.Equal(t, 4, m.ClearFinished())
	_, ok := m.GetJob(done)
	assert.False(t, ok)
	_, ok = m.GetJob(running)
	assert.True(t, ok)
	assert.Len(t, m.ListJobs(), 1)

	close(release)
	m.Wait()
	assert.Equal(t, 1, m.ClearFinished())
	assert.Empty(t, m.ListJobs())
}

func TestManager_CancelAll(t *testing.T) {
	m := newTestManager(t, 2)
	started := make(chan string, 2)

	var ids []string
	for i := 0; i < 5; i++ {
		id, _ := m.Enqueue(NewJob(fmt.Sprintf("j%d", i), blockingRunner(started, nil)))
		ids = append(ids, id)
	}
	<-started
	<-started

	m.CancelAll()
	m.Wait()

	for _, id := range ids {
		info, _ := m.GetJob(id)
		assert.Equal(t, StatusCancelled, info.Status, "job %s", info.Label)
		assert.True(t, info.Cancelled)
	}
}

func TestManager_ProgressFromRunner(t *testing.T) {
	m := newTestManager(t, 1)
	events, unsubscribe := m.Subscribe(0)
	defer unsubscribe()

	var seenID string
	id, _ := m.Enqueue(NewJob("progress", RunnerFunc(func(ctx context.Context) (string, error) {
		seenID, _ = JobID(ctx)
		ReportProgress(ctx, Progress{Percent: 42, Downloaded: 42, Total: 100, Stage: "stream"})
		return "/p", nil
	})))
	m.Wait()

	assert.Equal(t, id, seenID)
	info, _ := m.GetJob(id)
	require.NotNil(t, info.Progress)
	assert.Equal(t, 42.0, info.Progress.Percent)
	assert.Equal(t, "stream", info.Progress.Stage)

	assert.False(t, m.UpdateProgress("missing", Progress{}))
	ReportProgress(context.Background(), Progress{Percent: 1}) // no job in ctx

	var sawProgress bool
	for ev := range events {
		if ev.Type == EventProgress {
			sawProgress = true
			assert.Equal(t, 42.0, ev.Job.Progress.Percent)
		}
		if ev.Type == EventSuccess {
			break
		}
	}
	assert.True(t, sawProgress)
}

func TestManager_OnEventPanicIsContained(t *testing.T) {
	m := newTestManager(t, 1)

	var mu sync.Mutex
	var seen []EventType
	m.OnEvent(func(ev Event) { panic("observer bug") })
	m.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	})

	m.Enqueue(NewJob("a", RunnerFunc(func(context.Context) (string, error) { return "a", nil })))
	m.Wait()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventQueued, EventStarted, EventSuccess}, seen)
}

func TestManager_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := newTestManager(t, 2)
	_, unsubscribe := m.Subscribe(1) // never read
	defer unsubscribe()

	for i := 0; i < 20; i++ {
		m.Enqueue(NewJob(fmt.Sprintf("j%d", i), RunnerFunc(func(context.Context) (string, error) { return "x", nil })))
	}

	finished := make(chan struct{})
	go func() {
		m.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("manager blocked on a slow subscriber")
	}
}

func TestManager_Close(t *testing.T) {
	m := NewManager(1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	events, _ := m.Subscribe(64)
	started := make(chan string, 1)

	running, _ := m.Enqueue(NewJob("running", blockingRunner(started, nil)))
	pending, _ := m.Enqueue(NewJob("pending", blockingRunner(nil, nil)))
	<-started

	m.Close()
	m.Close()

	for _, id := range []string{running, pending} {
		info, _ := m.GetJob(id)
		assert.Equal(t, StatusCancelled, info.Status)
	}
	_, err := m.Enqueue(NewJob("late", blockingRunner(nil, nil)))
	assert.ErrorIs(t, err, ErrClosed)

	// channel is closed once every queued event is delivered
	count := 0
	for range events {
		count++
	}
	assert.Positive(t, count)
}
