package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tachyon-transfer/internal/app"
	"tachyon-transfer/internal/queue"
)

var (
	configFile string
	dataDir    string
	outDir     string
	debug      bool
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "tachyon-transfer",
	Short:         "Concurrent HTTP and HLS transfer queue",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML settings file to seed stored settings")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for the database and logs (empty = in memory)")
	rootCmd.PersistentFlags().StringVarP(&outDir, "out", "o", ".", "Output directory for downloads")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHistoryCmd())
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		PrintError(err.Error())
		os.Exit(1)
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tachyon-transfer")
}

func newApp() (*app.App, error) {
	a, err := app.New(app.Options{
		DataDir:    dataDir,
		OutDir:     outDir,
		ConfigFile: configFile,
		Debug:      debug,
		Console:    os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("start service: %w", err)
	}
	return a, nil
}

// runJobs enqueues reqs, renders events until every job finishes, and reports failures.
// Ctrl+C cancels all jobs. It shuts a down before returning.
func runJobs(a *app.App, reqs []app.DownloadRequest) error {
	m := a.Manager()
	events, unsubscribe := m.Subscribe(256)
	defer unsubscribe()

	renderDone := make(chan struct{})
	r := newRenderer(os.Stdout)
	go func() {
		defer close(renderDone)
		r.Consume(events)
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	app.WaitForSignals(ctx, func() {
		if ctx.Err() == nil {
			PrintWarning("Interrupted, cancelling transfers")
			m.CancelAll()
		}
	})

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := a.AddDownload(req)
		if err != nil {
			PrintError(fmt.Sprintf("%s %s: %v", StyleSymbols["fail"], req.URL, err))
			continue
		}
		ids = append(ids, id)
	}

	m.Wait()
	stop()

	failed := 0
	for _, id := range ids {
		if info, ok := m.GetJob(id); ok && info.Status != queue.StatusSuccess {
			failed++
		}
	}

	// closing the manager flushes the remaining events and ends the renderer
	if err := a.Shutdown(); err != nil {
		PrintWarning(fmt.Sprintf("Shutdown: %v", err))
	}
	<-renderDone
	r.Summary(len(ids), failed)
	if failed > 0 || len(ids) < len(reqs) {
		return fmt.Errorf("%d of %d transfers did not complete", failed+len(reqs)-len(ids), len(reqs))
	}
	return nil
}
