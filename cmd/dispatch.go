package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/corpus-enricher/internal/dispatch"
)

var (
	dispatchJobID     string
	dispatchBatchSize int
	dispatchStartFrom int
	dispatchItemIDs   []string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Enqueue one batch of a job for the workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("dispatch"); err != nil {
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

		q, err := initQueue(ctx, st)
		if err != nil {
			return err
		}
		defer q.Close() //nolint:errcheck

		ack, err := dispatch.New(st, q).Dispatch(ctx, dispatch.Request{
			JobID:     dispatchJobID,
			BatchSize: dispatchBatchSize,
			StartFrom: dispatchStartFrom,
			ItemIDs:   dispatchItemIDs,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ack)
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchJobID, "job", "", "job id (generated when empty)")
	dispatchCmd.Flags().IntVar(&dispatchBatchSize, "batch-size", 25, "items per batch")
	dispatchCmd.Flags().IntVar(&dispatchStartFrom, "start-from", 0, "offset of the first item")
	dispatchCmd.Flags().StringSliceVar(&dispatchItemIDs, "items", nil, "explicit item ids for this batch")
	rootCmd.AddCommand(dispatchCmd)
}
