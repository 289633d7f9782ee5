package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"tachyon-transfer/internal/app"
)

func newGetCmd() *cobra.Command {
	var (
		filename string
		referer  string
		checksum string
		headers  []string
	)
	cmd := &cobra.Command{
		Use:   "get [URL...] [OPTIONS]",
		Short: "Download one or more URLs through the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if filename != "" && len(args) > 1 {
				return errors.New("--name can only be used with a single URL")
			}
			extra := ParseHeaderArgs(headers)
			reqs := make([]app.DownloadRequest, 0, len(args))
			for _, u := range args {
				reqs = append(reqs, app.DownloadRequest{
					URL:      u,
					Filename: filename,
					Referer:  referer,
					Headers:  extra,
					Checksum: checksum,
				})
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			return runJobs(a, reqs)
		},
	}
	cmd.Flags().StringVarP(&filename, "name", "n", "", "Output file name (single URL only)")
	cmd.Flags().StringVar(&referer, "referer", "", "Referer header sent with every request")
	cmd.Flags().StringVar(&checksum, "checksum", "", "Expected digest, e.g. sha256:<hex>")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra request header 'Key: Value' (repeatable)")
	return cmd
}

// ParseHeaderArgs turns "Key: Value" flags into a map; malformed entries are ignored
func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if key != "" {
				result[key] = value
			}
		}
	}
	return result
}
