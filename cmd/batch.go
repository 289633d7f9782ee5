package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tachyon-transfer/internal/app"
)

type BatchEntry struct {
	OutputPath string            `yaml:"op,omitempty"`
	Link       string            `yaml:"link"`
	Referer    string            `yaml:"referer,omitempty"`
	Checksum   string            `yaml:"checksum,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
}

// BatchFile groups entries by type, e.g. "http:" or "m3u8:"
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading YAML file: %w", err)
			}
			var batchFile BatchFile
			if err := yaml.Unmarshal(data, &batchFile); err != nil {
				return fmt.Errorf("parsing YAML file: %w", err)
			}
			reqs, warnings := buildRequestsFromBatch(batchFile)
			for _, w := range warnings {
				PrintWarning(w)
			}
			if len(reqs) == 0 {
				return errors.New("no valid jobs found in the batch file")
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			return runJobs(a, reqs)
		},
	}
}

func buildRequestsFromBatch(batchFile BatchFile) ([]app.DownloadRequest, []string) {
	var (
		reqs     []app.DownloadRequest
		warnings []string
	)
	// sections in name order
	types := make([]string, 0, len(batchFile))
	for t := range batchFile {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, jobType := range types {
		if normalizeJobType(jobType) == "" {
			warnings = append(warnings, fmt.Sprintf("Unknown job type '%s', skipping", jobType))
			continue
		}
		for _, entry := range batchFile[jobType] {
			if entry.Link == "" {
				warnings = append(warnings, fmt.Sprintf("Empty link found in %s section, skipping", jobType))
				continue
			}
			reqs = append(reqs, app.DownloadRequest{
				URL:      entry.Link,
				Dest:     entry.OutputPath,
				Referer:  entry.Referer,
				Headers:  entry.Headers,
				Checksum: entry.Checksum,
			})
		}
	}
	return reqs, warnings
}

// normalizeJobType maps section names to the transfer kinds the engine handles.
// The engine picks the strategy itself; the section only documents intent.
func normalizeJobType(jobType string) string {
	switch strings.ToLower(jobType) {
	case "http", "https", "direct":
		return "http"
	case "m3u8", "hls", "live-stream":
		return "hls"
	}
	return ""
}
