package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tachyon-transfer/internal/network"
)

const (
	// BufferSize is the chunk size for every body read; cancellation and throttling are checked per chunk
	BufferSize       = 1024 * 1024
	GenericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

	probeTimeout          = 15 * time.Second
	responseHeaderTimeout = 60 * time.Second

	// segmentIdleTimeout bounds the wait for headers and for each body chunk of playlists and segments
	segmentIdleTimeout = 10 * time.Second
)

// Client is the pooled HTTP client shared by the prober and every strategy.
// Construct once and inject; it is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	bandwidth  *network.BandwidthManager
	userAgent  string
	bufferPool *sync.Pool
	logger     *slog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient replaces the tuned default client (tests, proxies)
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBandwidth applies a global rate cap to every body read
func WithBandwidth(bm *network.BandwidthManager) ClientOption {
	return func(c *Client) { c.bandwidth = bm }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

func NewClient(logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	// Custom Transport for Connection Reuse
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true, // We want raw bytes
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   0, // request contexts handle deadlines
		},
		userAgent: GenericUserAgent,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				b := make([]byte, BufferSize)
				return &b
			},
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bandwidth returns the rate limiter, or nil when none is attached
func (c *Client) Bandwidth() *network.BandwidthManager {
	return c.bandwidth
}

// newRequest creates an HTTP request with browser-like headers plus the per-transfer extras
func (c *Client) newRequest(ctx context.Context, method, urlStr string, h Headers) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "video/webm,video/mp4,video/*;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if h.Referer != "" {
		req.Header.Set("Referer", h.Referer)
	}
	for k, v := range h.Extra {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// copyChunks reads r in BufferSize chunks, passing each to write.
// ctx is checked before every read and the bandwidth limiter is charged after it.
// A non-nil guard is re-armed after every chunk and paused while the limiter waits.
func (c *Client) copyChunks(ctx context.Context, r io.Reader, guard *idleGuard, write func([]byte) error) (int64, error) {
	bufPtr := c.bufferPool.Get().(*[]byte)
	defer c.bufferPool.Put(bufPtr)
	buf := *bufPtr

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, guard.wrap(err)
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if c.bandwidth != nil {
				guard.pause()
				if err := c.bandwidth.Wait(ctx, n); err != nil {
					return total, guard.wrap(err)
				}
			}
			guard.touch()
			if err := write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, guard.wrap(readErr)
		}
	}
}

// idleGuard cancels a request once it has gone timeout without receiving data.
// A nil guard is a no-op.
type idleGuard struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleGuard(timeout time.Duration, cancel context.CancelFunc) *idleGuard {
	g := &idleGuard{timeout: timeout}
	g.timer = time.AfterFunc(timeout, func() {
		g.fired.Store(true)
		cancel()
	})
	return g
}

func (g *idleGuard) touch() {
	if g != nil && !g.fired.Load() {
		g.timer.Reset(g.timeout)
	}
}

func (g *idleGuard) pause() {
	if g != nil {
		g.timer.Stop()
	}
}

func (g *idleGuard) stop() { g.pause() }

// wrap reports ErrStalled for failures caused by the guard firing
func (g *idleGuard) wrap(err error) error {
	if g != nil && err != nil && g.fired.Load() {
		return fmt.Errorf("%w after %s", ErrStalled, g.timeout)
	}
	return err
}

// Headers are the per-transfer request extras
type Headers struct {
	Referer string
	Extra   map[string]string
}
