package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/lossprevention/lp-vlm/internal/bestframe"
)

var bestFrameBucket string

// bestFrameCmd scores a burst of stored frames
var bestFrameCmd = &cobra.Command{
	Use:   "best-frame [object...]",
	Short: "Pick the most stable frame of a burst stored in MinIO",
	Long: `Scores consecutive frame pairs by SSIM and optical flow and prints the
winning object and its score as JSON. At least two frames are needed.

Example:
  lpctl best-frame --bucket frames 1712-4821/frame__000010.jpg 1712-4821/frame__000011.jpg`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := objectStore()
		if err != nil {
			return err
		}
		bucket := bestFrameBucket
		if bucket == "" {
			bucket = store.DefaultBucket()
		}

		selector := bestframe.NewSelector(store, bestframe.NewScorer(cfg.BestFrameResize), cfg.BestFrameAlpha, logger)
		best, err := selector.Select(cmd.Context(), bucket, args)
		if err != nil {
			return err
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(best)
	},
}

func init() {
	bestFrameCmd.Flags().StringVar(&bestFrameBucket, "bucket", "", "bucket holding the frames (default MINIO_BUCKET)")
}
