package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/config"
	"github.com/lossprevention/lp-vlm/internal/logging"
	"github.com/lossprevention/lp-vlm/internal/storage"
)

var (
	// Global flags
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lpctl",
	Short: "Operator tooling for the loss prevention VLM pipeline",
	Long: `lpctl inspects camera workloads, feeds recorded detections back into the
object detection queue and scores frame bursts offline.

Settings come from the same environment variables (and .env file) as the worker.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(logging.Config{Level: level})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(workloadCmd, sendEndCmd, replayCmd, bestFrameCmd, verifyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func objectStore() (*storage.ObjectStore, error) {
	return storage.NewObjectStore(storage.ObjectStoreConfig{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		Secure:        cfg.MinIOSecure,
		DefaultBucket: cfg.Bucket,
		PresignExpiry: cfg.PresignExpiry,
	}, logger)
}
