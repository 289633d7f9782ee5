// Package app wires storage, settings, the transfer engine and the job queue into one service.
// The CLI and the control API both drive an App.
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"tachyon-transfer/internal/analytics"
	"tachyon-transfer/internal/config"
	"tachyon-transfer/internal/filesystem"
	"tachyon-transfer/internal/history"
	"tachyon-transfer/internal/integrity"
	"tachyon-transfer/internal/logger"
	"tachyon-transfer/internal/network"
	"tachyon-transfer/internal/queue"
	"tachyon-transfer/internal/storage"
	"tachyon-transfer/internal/transfer"
)

var (
	ErrInvalidURL  = errors.New("url must be absolute http or https")
	ErrBlockedHost = errors.New("host is blocked")
)

// Options configure New
type Options struct {
	// DataDir holds the database and logs; empty keeps everything in memory
	DataDir string
	// OutDir is where downloads without an explicit destination land
	OutDir string
	// ConfigFile optionally seeds the stored settings from YAML
	ConfigFile string
	Debug      bool
	Console    io.Writer
}

// App struct is the assembled service.
type App struct {
	logger    *slog.Logger
	events    *logger.EventHandler
	storage   *storage.Storage
	cfg       *config.ConfigManager
	bandwidth *network.BandwidthManager
	engine    *transfer.Engine
	manager   *queue.Manager
	recorder  *history.Recorder
	stats     *analytics.StatsManager
	outDir    string
}

// New builds an App with all dependencies wired.
func New(opts Options) (*App, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	log, events, err := logger.New(console, opts.DataDir, opts.Debug)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	var store *storage.Storage
	if opts.DataDir != "" {
		store, err = storage.NewStorage(opts.DataDir)
	} else {
		store, err = storage.Open(":memory:")
	}
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if n, err := store.MarkInterrupted(); err != nil {
		log.Warn("Failed to mark interrupted jobs", "error", err)
	} else if n > 0 {
		log.Info("Marked jobs from a previous run as interrupted", "count", n)
	}

	cfg := config.NewConfigManager(store)
	if opts.ConfigFile != "" {
		seed, err := config.LoadFile(opts.ConfigFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Save(seed); err != nil {
			store.Close()
			return nil, fmt.Errorf("save config: %w", err)
		}
	}
	settings := cfg.Load()

	outDir := opts.OutDir
	if outDir == "" {
		outDir = "."
	}

	bw := network.NewBandwidthManager()
	bw.SetLimit(settings.BandwidthLimit)

	client := transfer.NewClient(log,
		transfer.WithBandwidth(bw),
		transfer.WithUserAgent(settings.UserAgent),
	)
	engine := transfer.NewEngine(client, log)

	manager := queue.NewManager(settings.MaxParallel, log)
	recorder := history.NewRecorder(store, log)
	recorder.Attach(manager)
	stats := analytics.NewStatsManager(store, outDir, log)
	stats.Attach(manager)

	log.Info("Service ready",
		"max_parallel", manager.MaxParallel(),
		"ranged", settings.RangedEnabled,
		"segmented_concurrent", settings.SegmentedConcurrent,
		"out_dir", outDir,
	)

	return &App{
		logger:    log,
		events:    events,
		storage:   store,
		cfg:       cfg,
		bandwidth: bw,
		engine:    engine,
		manager:   manager,
		recorder:  recorder,
		stats:     stats,
		outDir:    outDir,
	}, nil
}

func (a *App) Logger() *slog.Logger { return a.logger }
func (a *App) LogEvents() *logger.EventHandler { return a.events }
func (a *App) Manager() *queue.Manager { return a.manager }
func (a *App) Engine() *transfer.Engine { return a.engine }
func (a *App) Settings() config.Settings { return a.cfg.Load() }

// Stats returns lifetime totals, the last week and the live aggregate speed
func (a *App) Stats() analytics.AnalyticsData { return a.stats.GetAnalytics() }

// SetBandwidthLimit persists and applies a new global cap. 0 removes it.
func (a *App) SetBandwidthLimit(bytesPerSec int) error {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	if err := a.cfg.SetBandwidthLimit(bytesPerSec); err != nil {
		return err
	}
	a.bandwidth.SetLimit(bytesPerSec)
	return nil
}

// DownloadRequest describes one download to enqueue
type DownloadRequest struct {
	URL string `json:"url" yaml:"link"`
	// Dest is the full output path; it wins over Filename
	Dest     string            `json:"dest,omitempty" yaml:"dest,omitempty"`
	Filename string            `json:"filename,omitempty" yaml:"filename,omitempty"`
	Label    string            `json:"label,omitempty" yaml:"label,omitempty"`
	Referer  string            `json:"referer,omitempty" yaml:"referer,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// Checksum is "sha256:<hex>", "md5:<hex>" or a bare sha256 hex digest
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// AddDownload validates req and enqueues it. It returns the new job id.
func (a *App) AddDownload(req DownloadRequest) (string, error) {
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}
	src := u.String()
	if isBlocked(u.Hostname(), a.cfg.GetBlockedHosts()) {
		return "", fmt.Errorf("%w: %s", ErrBlockedHost, u.Hostname())
	}

	sum, err := integrity.ParseChecksum(req.Checksum)
	if err != nil {
		return "", err
	}

	dest := a.resolveDest(src, req)
	label := req.Label
	if label == "" {
		label = filepath.Base(dest)
	}

	opts := a.transferOptions()
	opts.Headers = transfer.Headers{Referer: req.Referer, Extra: req.Headers}
	opts.Checksum = sum

	runner := &DownloadRunner{Engine: a.engine, URL: src, Dest: dest, Options: opts}
	id, err := a.manager.Enqueue(queue.NewJob(label, runner))
	if err != nil {
		return "", err
	}
	a.logger.Info("Download queued", "id", id, "url", src, "dest", dest)
	return id, nil
}

// History returns persisted job records, newest first
func (a *App) History(limit int) ([]storage.JobRecord, error) {
	return a.storage.ListJobs(limit)
}

// Shutdown cancels all work and closes storage
func (a *App) Shutdown() error {
	a.manager.Close()
	a.logger.Info("Service stopped")
	return a.storage.Close()
}

func (a *App) resolveDest(src string, req DownloadRequest) string {
	if req.Dest != "" {
		return req.Dest
	}
	name := req.Filename
	if name == "" {
		name = filesystem.FilenameFromURL(src)
	} else {
		name = filesystem.SanitizeFilename(name)
	}
	return filesystem.FindAvailablePath(filepath.Join(a.outDir, name))
}

func (a *App) transferOptions() transfer.Options {
	s := a.cfg.Load()
	return transfer.Options{
		Ranged:             s.RangedEnabled,
		RangedWorkers:      s.RangedWorkers,
		ConcurrentSegments: s.SegmentedConcurrent,
		SegmentWorkers:     s.SegmentWorkers,
		OuterParallel:      a.manager.MaxParallel(),
	}
}

// isBlocked matches host against blocked entries and their subdomains
func isBlocked(host string, blocked []string) bool {
	host = strings.ToLower(host)
	for _, b := range blocked {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}
