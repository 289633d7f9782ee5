package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tachyon-transfer/internal/queue"
)

// logHub fans log entries out to connected event streams without blocking the logger
type logHub struct {
	mu   sync.Mutex
	subs map[chan any]struct{}
}

func newLogHub() *logHub {
	return &logHub{subs: make(map[chan any]struct{})}
}

func (h *logHub) subscribe() (chan any, func()) {
	ch := make(chan any, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *logHub) publish(e any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// handleEvents streams job events as Server-Sent Events.
// ?job=<id> narrows the stream to one job.
func (s *ControlServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := s.svc.Manager().Subscribe(queue.DefaultSubscriberBuffer)
	defer unsubscribe()
	logs, unsubscribeLogs := s.logs.subscribe()
	defer unsubscribeLogs()
	only := r.URL.Query().Get("job")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	m := s.svc.Manager()
	if err := writeSSE(w, "hello", map[string]any{
		"pending": m.PendingCount(),
		"running": m.RunningCount(),
		"time":    time.Now(),
	}); err != nil {
		return
	}
	flusher.Flush()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if only != "" && ev.Job.ID != only {
				continue
			}
			err = writeSSE(w, string(ev.Type), ev)
		case entry := <-logs:
			err = writeSSE(w, "log", entry)
		case t := <-ping.C:
			err = writeSSE(w, "ping", map[string]any{"time": t})
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
