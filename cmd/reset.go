package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/store"
)

var (
	resetBatchIDs []string
	resetJobID    string
)

type resetStore interface {
	ResetBatch(ctx context.Context, batchID string) error
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]model.BatchProgress, error)
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return failed or stuck batches to pending",
	Long: `Reset moves a failed or processing batch back to pending so the next
worker resumes it from its last checkpoint. This is the only way a batch
leaves the failed state; use it for stale batches reported by the monitor
once their worker is known to be gone.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if len(resetBatchIDs) == 0 && resetJobID == "" {
			return eris.New("--batch or --failed-of is required")
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

		n, err := resetBatches(ctx, os.Stdout, st, resetBatchIDs, resetJobID)
		zap.L().Info("reset complete", zap.Int("reset", n))
		return err
	},
}

// resetBatches resets the given batches plus, when jobID is set, every
// failed batch of that job. It keeps going past batches that cannot be
// reset and returns the first such error.
func resetBatches(ctx context.Context, w io.Writer, st resetStore, ids []string, jobID string) (int, error) {
	if jobID != "" {
		failed, err := st.ListBatches(ctx, store.BatchFilter{JobID: jobID, Status: model.BatchStatusFailed})
		if err != nil {
			return 0, eris.Wrap(err, "reset: list failed batches")
		}
		for _, b := range failed {
			ids = append(ids, b.ID)
		}
	}

	var firstErr error
	n := 0
	for _, id := range ids {
		err := st.ResetBatch(ctx, id)
		switch {
		case err == nil:
			n++
			_, _ = fmt.Fprintf(w, "%s: reset to pending\n", id)
		case errors.Is(err, store.ErrNotFound):
			_, _ = fmt.Fprintf(w, "%s: not found\n", id)
		case errors.Is(err, store.ErrNotResettable):
			_, _ = fmt.Fprintf(w, "%s: not failed or processing, left as is\n", id)
		default:
			_, _ = fmt.Fprintf(w, "%s: %v\n", id, err)
		}
		if err != nil && firstErr == nil {
			firstErr = eris.Wrapf(err, "reset %s", id)
		}
	}
	return n, firstErr
}

func init() {
	resetCmd.Flags().StringSliceVar(&resetBatchIDs, "batch", nil, "batch id(s) to reset")
	resetCmd.Flags().StringVar(&resetJobID, "failed-of", "", "reset every failed batch of this job")
	rootCmd.AddCommand(resetCmd)
}
