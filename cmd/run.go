package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/dispatch"
	"github.com/sells-group/corpus-enricher/internal/enrich"
	"github.com/sells-group/corpus-enricher/internal/model"
)

var (
	runJobID     string
	runBatchID   string
	runBatchSize int
	runStartFrom int
	runItemIDs   []string
	runDrain     bool
)

// runStore is the store surface run needs besides the runner's own.
type runStore interface {
	EnsureJob(ctx context.Context, job *model.BatchJob) error
	EnsureBatch(ctx context.Context, jobID string, batchNumber int, data model.ProgressData) (*model.BatchProgress, error)
	NextPendingBatch(ctx context.Context, jobID string) (*model.BatchProgress, error)
}

type batchRunner interface {
	Run(ctx context.Context, task enrich.Task) (*enrich.Outcome, error)
}

type runOptions struct {
	JobID     string
	BatchID   string
	Window    *dispatch.Request // run this window, creating its row if needed
	Drain     bool              // keep claiming until nothing is pending
	MaxRounds int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process batches synchronously in this process",
	Long: `Run claims and processes batches without going through the queue.
By default it claims the lowest pending batch of --job. With --batch-size
(and optionally --start-from) it first records that window as a batch.
--drain keeps going until the job has no pending batches left.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runJobID == "" && runBatchID == "" && !cmd.Flags().Changed("batch-size") {
			return eris.New("one of --job, --batch or --batch-size is required")
		}

		env, err := initPipeline(ctx, "run", false)
		if err != nil {
			return err
		}
		defer env.Close() //nolint:errcheck

		opts := runOptions{JobID: runJobID, BatchID: runBatchID, Drain: runDrain}
		if cmd.Flags().Changed("batch-size") {
			opts.Window = &dispatch.Request{
				JobID:     runJobID,
				BatchSize: runBatchSize,
				StartFrom: runStartFrom,
				ItemIDs:   runItemIDs,
			}
		}

		outcomes, err := runBatches(ctx, env.Store, env.Runner, opts)
		if werr := writeOutcomes(os.Stdout, outcomes); werr != nil {
			zap.L().Warn("write outcomes", zap.Error(werr))
		}
		return err
	},
}

// runBatches runs one batch, or with Drain every pending batch of the job
// in order. It stops at the first batch that fails.
func runBatches(ctx context.Context, st runStore, r batchRunner, opts runOptions) ([]*enrich.Outcome, error) {
	task := enrich.Task{JobID: opts.JobID, BatchID: opts.BatchID}

	if opts.Window != nil {
		req := *opts.Window
		if err := req.Validate(); err != nil {
			return nil, err
		}
		if err := st.EnsureJob(ctx, &model.BatchJob{ID: req.JobID}); err != nil {
			return nil, eris.Wrap(err, "run: ensure job")
		}
		b, err := st.EnsureBatch(ctx, req.JobID, req.BatchNumber(), model.ProgressData{
			BatchSize: req.BatchSize,
			StartFrom: req.StartFrom,
			ItemIDs:   req.ItemIDs,
		})
		if err != nil {
			return nil, eris.Wrap(err, "run: ensure batch")
		}
		task = enrich.Task{JobID: req.JobID, BatchID: b.ID}
	}

	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 100000
	}

	var outcomes []*enrich.Outcome
	for round := 0; round < maxRounds; round++ {
		out, err := r.Run(ctx, task)
		if out != nil {
			outcomes = append(outcomes, out)
		}
		if err != nil {
			return outcomes, err
		}
		if !opts.Drain || ctx.Err() != nil {
			return outcomes, nil
		}
		jobID := out.JobID
		if jobID == "" {
			jobID = task.JobID
		}
		if !out.Claimed {
			// A lost claim only means another worker took that batch.
			next, err := st.NextPendingBatch(ctx, jobID)
			if err != nil {
				return outcomes, eris.Wrap(err, "run: find pending batch")
			}
			if next == nil {
				return outcomes, nil
			}
		}
		// Subsequent rounds pick the next pending batch of the same job.
		task = enrich.Task{JobID: jobID}
	}
	return outcomes, nil
}

type outcomeView struct {
	JobID       string             `json:"jobId"`
	BatchID     string             `json:"batchId,omitempty"`
	BatchNumber int                `json:"batchNumber"`
	Claimed     bool               `json:"claimed"`
	Status      model.BatchStatus  `json:"status,omitempty"`
	Mode        enrich.FetchMode   `json:"mode,omitempty"`
	Total       int                `json:"total"`
	ResumeIndex int                `json:"resumeIndex"`
	Data        model.ProgressData `json:"data"`
}

func writeOutcomes(w io.Writer, outcomes []*enrich.Outcome) error {
	views := make([]outcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		views = append(views, outcomeView{
			JobID:       o.JobID,
			BatchID:     o.BatchID,
			BatchNumber: o.BatchNumber,
			Claimed:     o.Claimed,
			Status:      o.Status,
			Mode:        o.Mode,
			Total:       o.Total,
			ResumeIndex: o.ResumeIndex,
			Data:        o.Data,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func init() {
	runCmd.Flags().StringVar(&runJobID, "job", "", "job whose lowest pending batch is claimed")
	runCmd.Flags().StringVar(&runBatchID, "batch", "", "claim this batch id")
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 25, "record and run the window of this size")
	runCmd.Flags().IntVar(&runStartFrom, "start-from", 0, "offset of the window's first item")
	runCmd.Flags().StringSliceVar(&runItemIDs, "items", nil, "explicit item ids for the window")
	runCmd.Flags().BoolVar(&runDrain, "drain", false, "keep running until no batch is pending")
	rootCmd.AddCommand(runCmd)
}
