package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/detection"
	"github.com/lossprevention/lp-vlm/internal/queue"
)

var (
	replayMetadata string
	replayFrames   string
	replaySendEnd  bool
)

// sendEndCmd tells a waiting pipeline that the stream is over
var sendEndCmd = &cobra.Command{
	Use:   "send-end",
	Short: "Publish STREAM_END to the object detection queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := queue.Dial(ctx, cfg.RabbitMQURL(), logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		pub, err := queue.NewPublisher(conn, cfg.RabbitMQQueue, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		return pub.PublishStreamEnd(ctx)
	},
}

// replayCmd feeds a recorded detection run through the frame publisher
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Upload recorded frames and publish their detections",
	Long: `Reads a metadata JSONL file written by the detection publisher, uploads the
matching frames from --frames to MinIO under a fresh run id and publishes
FRAME_DATA messages once a label reaches DETECTION_THRESHOLD frames.

Example:
  lpctl replay --metadata results/rs-1_20250301123000123456.jsonl --frames frames/ --send-end`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := objectStore()
		if err != nil {
			return err
		}

		conn, err := queue.Dial(ctx, cfg.RabbitMQURL(), logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		sender, err := queue.NewPublisher(conn, cfg.RabbitMQQueue, logger)
		if err != nil {
			return err
		}
		defer sender.Close()

		pub, err := detection.NewPublisher(detection.PublisherConfig{
			MetadataDir: cfg.MetadataDir,
			Bucket:      cfg.Bucket,
			Threshold:   cfg.DetectionThreshold,
		}, store, sender, logger)
		if err != nil {
			return err
		}
		defer pub.Close()

		n, err := detection.Replay(ctx, pub, replayMetadata, replayFrames, logger)
		if err != nil {
			return err
		}
		logger.Info("replay finished", zap.Int("frames", n), zap.String("run_id", pub.RunID()))
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", pub.RunID(), n)

		if replaySendEnd {
			return sender.PublishStreamEnd(ctx)
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayMetadata, "metadata", "", "metadata JSONL file to replay")
	replayCmd.Flags().StringVar(&replayFrames, "frames", "", "directory holding the frame JPEGs")
	replayCmd.Flags().BoolVar(&replaySendEnd, "send-end", false, "publish STREAM_END after the last frame")
	_ = replayCmd.MarkFlagRequired("metadata")
	_ = replayCmd.MarkFlagRequired("frames")
}
