package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon-transfer/internal/analytics"
	"tachyon-transfer/internal/app"
	"tachyon-transfer/internal/queue"
	"tachyon-transfer/internal/security"
)

func newTestServer(t *testing.T, opts ...Option) (*app.App, *httptest.Server) {
	t.Helper()
	a, err := app.New(app.Options{OutDir: t.TempDir(), Console: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cs := NewControlServer(a, security.NewAuditLogger("", logger), logger, opts...)
	srv := httptest.NewServer(cs.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func blockingJob() *queue.Job {
	return queue.NewJob("block", queue.RunnerFunc(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
}

func TestStatus(t *testing.T) {
	_, srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, 2, st.MaxParallel)
}

func TestEnqueueAndGet(t *testing.T) {
	a, srv := newTestServer(t)
	data := bytes.Repeat([]byte("abc"), 10000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer upstream.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", app.DownloadRequest{URL: upstream.URL + "/a.bin", Dest: dest})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created EnqueueResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)
	a.Manager().Wait()

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info queue.JobInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, queue.StatusSuccess, info.Status)
	assert.Equal(t, dest, info.ResultPath)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs?status=SUCCESS", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []queue.JobInfo
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/stats", nil)
		var st analytics.AnalyticsData
		return resp.StatusCode == http.StatusOK && json.Unmarshal(body, &st) == nil && st.TotalFiles == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEnqueue_BadRequests(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/jobs", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tests := []struct {
		name string
		req  app.DownloadRequest
	}{
		{"scheme", app.DownloadRequest{URL: "ftp://example.com/a"}},
		{"relative", app.DownloadRequest{URL: "a.bin"}},
		{"checksum algorithm", app.DownloadRequest{URL: "http://example.com/a", Checksum: "crc32:00"}},
		{"checksum digest", app.DownloadRequest{URL: "http://example.com/a", Checksum: "sha256:xyz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestJobControl(t *testing.T) {
	a, srv := newTestServer(t)
	m := a.Manager()

	running1, _ := m.Enqueue(blockingJob())
	running2, _ := m.Enqueue(blockingJob())
	pending1, _ := m.Enqueue(blockingJob())
	pending2, _ := m.Enqueue(blockingJob())
	require.Equal(t, 2, m.RunningCount())

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/"+pending2+"/prioritize", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/"+running1+"/prioritize", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/"+pending1+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/"+pending1+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := doJSON(t, http.MethodDelete, srv.URL+"/v1/jobs/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var removed CountResponse
	require.NoError(t, json.Unmarshal(body, &removed))
	assert.Equal(t, 1, removed.Removed)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/cancel-all", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	m.Wait()

	for _, id := range []string{running1, running2, pending1, pending2} {
		info, ok := m.GetJob(id)
		require.True(t, ok)
		assert.Equal(t, queue.StatusCancelled, info.Status, id)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/"+running2+"/retry", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var retried EnqueueResponse
	require.NoError(t, json.Unmarshal(body, &retried))
	info, ok := m.GetJob(retried.ID)
	require.True(t, ok)
	assert.Equal(t, running2, info.RetryOf)
	m.CancelAll()
	m.Wait()

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/v1/jobs/finished", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &removed))
	assert.Equal(t, 5, removed.Removed)
}

func TestSetBandwidth(t *testing.T) {
	a, srv := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/v1/settings/bandwidth", BandwidthRequest{BytesPerSec: 2 << 20})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2<<20, a.Settings().BandwidthLimit)

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/v1/settings/bandwidth", BandwidthRequest{BytesPerSec: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenRequired(t *testing.T) {
	_, srv := newTestServer(t, WithPolicy(security.AccessPolicy{Token: "s3cret"}))

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/status", nil)
	req.Header.Set(security.TokenHeader, "s3cret")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/audit", nil)
	req.Header.Set(security.TokenHeader, "s3cret")
	auditResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer auditResp.Body.Close()
	var entries []security.AccessLogEntry
	require.NoError(t, json.NewDecoder(auditResp.Body).Decode(&entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, http.StatusUnauthorized, entries[len(entries)-1].Status)
}

func TestConcurrencyLimit(t *testing.T) {
	_, srv := newTestServer(t, WithMaxConcurrent(1))
	// sequential requests never exceed the limit
	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/status", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body io.Reader, out chan<- sseEvent) {
	t.Helper()
	sc := bufio.NewScanner(body)
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			out <- ev
			ev = sseEvent{}
		}
	}
	close(out)
}

func TestEvents(t *testing.T) {
	a, srv := newTestServer(t, WithPingInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 64)
	go readEvents(t, resp.Body, events)

	next := func() sseEvent {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed")
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for event")
			return sseEvent{}
		}
	}

	require.Equal(t, "hello", next().name)

	id, err := a.Manager().Enqueue(queue.NewJob("quick", queue.RunnerFunc(func(ctx context.Context) (string, error) {
		return "/tmp/quick.bin", nil
	})))
	require.NoError(t, err)

	var seen []string
	sawPing := false
	for len(seen) < 3 || !sawPing {
		ev := next()
		if ev.name == "ping" {
			sawPing = true
			continue
		}
		var payload queue.Event
		require.NoError(t, json.Unmarshal([]byte(ev.data), &payload))
		assert.Equal(t, id, payload.Job.ID)
		seen = append(seen, ev.name)
	}
	assert.Equal(t, []string{"queued", "started", "success"}, seen[:3])
}
