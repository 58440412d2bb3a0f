package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/corpus-enricher/internal/dispatch"
	"github.com/sells-group/corpus-enricher/internal/model"
)

var (
	planJobID     string
	planName      string
	planTotal     int
	planBatchSize int
	planItemIDs   []string
)

// planStore is the store surface used by plan.
type planStore interface {
	EnsureJob(ctx context.Context, job *model.BatchJob) error
	PlanBatches(ctx context.Context, jobID string, total, batchSize int) (int, error)
}

type planRequest struct {
	JobID     string
	Name      string
	Total     int
	BatchSize int
	ItemIDs   []string
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create a job and all of its pending batch rows",
	Long: `Plan records a job and one pending batch row per window of
--batch-size items. With --items the job is scoped to that list and the
total defaults to its length; otherwise --total items of the global
source table are covered. Workers then claim the batches in order.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

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

		req := planRequest{
			JobID:     planJobID,
			Name:      planName,
			Total:     planTotal,
			BatchSize: planBatchSize,
			ItemIDs:   planItemIDs,
		}
		jobID, created, err := planJob(ctx, st, &req)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "job %s: %d batch(es) of %d created (%d items)\n",
			jobID, created, req.BatchSize, req.Total)
		return nil
	},
}

// planJob normalizes req, ensures the job and creates its batch rows.
// Rerunning a plan only adds the batches that are missing.
func planJob(ctx context.Context, st planStore, req *planRequest) (string, int, error) {
	if req.BatchSize < 1 || req.BatchSize > dispatch.MaxBatchSize {
		return "", 0, eris.Errorf("batch size must be between 1 and %d", dispatch.MaxBatchSize)
	}
	if len(req.ItemIDs) > 0 && req.Total == 0 {
		req.Total = len(req.ItemIDs)
	}
	if req.Total <= 0 {
		return "", 0, eris.New("total must be > 0 (or pass --items)")
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	if err := st.EnsureJob(ctx, &model.BatchJob{
		ID:       req.JobID,
		Name:     req.Name,
		Metadata: model.JobMetadata{ItemIDs: req.ItemIDs},
	}); err != nil {
		return "", 0, eris.Wrap(err, "plan: ensure job")
	}

	created, err := st.PlanBatches(ctx, req.JobID, req.Total, req.BatchSize)
	if err != nil {
		return "", 0, eris.Wrap(err, "plan: create batches")
	}
	return req.JobID, created, nil
}

func init() {
	planCmd.Flags().StringVar(&planJobID, "job", "", "job id (generated when empty)")
	planCmd.Flags().StringVar(&planName, "name", "", "human readable job name")
	planCmd.Flags().IntVar(&planTotal, "total", 0, "number of items the job covers")
	planCmd.Flags().IntVar(&planBatchSize, "batch-size", 25, "items per batch")
	planCmd.Flags().StringSliceVar(&planItemIDs, "items", nil, "scope the job to these item ids")
	rootCmd.AddCommand(planCmd)
}
