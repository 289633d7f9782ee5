package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Shutdown()

			recs, err := a.History(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				PrintInfo("No transfers recorded")
				return nil
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%s %-9s %s", rec.CreatedAt.Format("2006-01-02 15:04"), rec.Status, rec.Label)
				switch rec.Status {
				case "SUCCESS":
					PrintSuccess(line + " " + StyleSymbols["arrow"] + " " + rec.ResultPath)
				case "FAILED":
					PrintError(line + ": " + rec.Error)
				default:
					PrintInfo(line)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum records to show")
	return cmd
}
