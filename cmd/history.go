package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/observability"
	"github.com/xkilldash9x/harvestbot/internal/store"
)

const historyTimeLayout = "02-01-2006 15:04:05"

func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List a user's recent jobs from the job history database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("job history is disabled (set DATABASE_URL)")
			}
			userID, _ := cmd.Flags().GetInt64("user")
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}

			s, closeDB, err := store.Open(cmd.Context(), cfg.Database.URL, observability.GetLogger())
			if err != nil {
				return err
			}
			defer closeDB()

			records, err := s.RecentJobs(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), records)
		},
	}
	historyCmd.Flags().Int64P("user", "u", 0, "Telegram user id")
	historyCmd.Flags().IntP("limit", "n", 10, "Maximum number of jobs to list")
	_ = historyCmd.MarkFlagRequired("user")
	return historyCmd
}

func printHistory(out io.Writer, records []schemas.JobRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No jobs recorded.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tMODULE\tOUTCOME\tTARGETS\tDURATION\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.FinishedAt.Format(historyTimeLayout),
			r.Module,
			r.Outcome,
			r.Report.Succeeded, r.Report.Attempted,
			r.Duration().Round(time.Second),
			r.Error,
		)
	}
	return w.Flush()
}
