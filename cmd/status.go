package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/store"
)

var (
	statusJobID    string
	statusFilter   string
	statusLimit    int
	statusFailures string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show batch progress for a job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if statusJobID == "" && statusFailures == "" {
			return eris.New("--job or --failures is required")
		}
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if statusFailures != "" {
			failures, err := st.ListFailures(ctx, statusFailures)
			if err != nil {
				return eris.Wrap(err, "status failures")
			}
			formatFailures(os.Stdout, failures)
			return nil
		}
		return printJobStatus(ctx, os.Stdout, st, statusJobID, model.BatchStatus(statusFilter), statusLimit)
	},
}

type statusStore interface {
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]model.BatchProgress, error)
	CountBatches(ctx context.Context, jobID string) (map[model.BatchStatus]int, error)
}

func printJobStatus(ctx context.Context, w io.Writer, st statusStore, jobID string, status model.BatchStatus, limit int) error {
	if status != "" && !status.IsValid() {
		return eris.Errorf("unknown status %q", status)
	}
	counts, err := st.CountBatches(ctx, jobID)
	if err != nil {
		return eris.Wrap(err, "status counts")
	}
	batches, err := st.ListBatches(ctx, store.BatchFilter{JobID: jobID, Status: status, Limit: limit})
	if err != nil {
		return eris.Wrap(err, "status list")
	}

	_, _ = fmt.Fprintf(w, "job %s: %s\n\n", jobID, formatCounts(counts))
	if len(batches) == 0 {
		_, _ = fmt.Fprintln(w, "No batches found.")
		return nil
	}
	formatBatches(w, batches)
	return nil
}

func formatCounts(counts map[model.BatchStatus]int) string {
	order := []model.BatchStatus{
		model.BatchStatusPending,
		model.BatchStatusProcessing,
		model.BatchStatusCompleted,
		model.BatchStatusFailed,
	}
	out := ""
	total := 0
	for _, s := range order {
		total += counts[s]
		out += fmt.Sprintf("%s=%d ", s, counts[s])
	}
	return out + fmt.Sprintf("total=%d", total)
}

// formatBatches writes a tabular list of batches ordered by number.
func formatBatches(out io.Writer, batches []model.BatchProgress) {
	sort.Slice(batches, func(i, j int) bool { return batches[i].BatchNumber < batches[j].BatchNumber })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BATCH\tID\tSTATUS\tPROCESSED\tFAILED\tSKIPPED\tNEW\tCHECKPOINT\tHEARTBEAT\tERROR")
	for _, b := range batches {
		checkpoint := "-"
		if b.LastCheckpoint != nil {
			checkpoint = fmt.Sprintf("%s (%d)", b.LastCheckpoint.ItemID, b.LastCheckpoint.Count)
		}
		heartbeat := "-"
		if b.HeartbeatAt != nil {
			heartbeat = time.Since(*b.HeartbeatAt).Round(time.Second).String() + " ago"
		}
		errMsg := "-"
		if b.Data.Error != nil {
			errMsg = truncate(b.Data.Error.Type+": "+b.Data.Error.Message, 60)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			b.BatchNumber, b.ID, b.Status,
			b.Data.Processed, b.Data.Failed, b.Data.Skipped, b.Data.New,
			checkpoint, heartbeat, errMsg,
		)
	}
	_ = w.Flush()
}

func formatFailures(out io.Writer, failures []model.FailedItem) {
	if len(failures) == 0 {
		_, _ = fmt.Fprintln(out, "No failed items.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITEM\tTYPE\tATTEMPTS\tAT\tERROR")
	for _, f := range failures {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			f.SourceItemID, f.ErrorType, f.Attempts,
			f.CreatedAt.Format(time.RFC3339), truncate(f.Error, 80),
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	statusCmd.Flags().StringVar(&statusJobID, "job", "", "job id")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only batches in this status (pending, processing, completed, failed)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 0, "max batches to list (default 100)")
	statusCmd.Flags().StringVar(&statusFailures, "failures", "", "list failed items of this batch id instead")
	rootCmd.AddCommand(statusCmd)
}
