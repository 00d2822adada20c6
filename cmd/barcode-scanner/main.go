package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/config"
	"github.com/lossprevention/lp-vlm/internal/devices/barcode"
	"github.com/lossprevention/lp-vlm/internal/devices/barcode/hidusb"
	"github.com/lossprevention/lp-vlm/internal/logging"
	"github.com/lossprevention/lp-vlm/internal/mqttpub"
)

func main() {
	cfg, err := config.LoadDevice("localhost", "barcode")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var vid, pid string
	rootCmd := &cobra.Command{
		Use:          "barcode-scanner",
		Short:        "Publish USB HID barcode scans to MQTT",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Config{Level: cfg.LogLevel})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()
			return run(cfg, vid, pid, logger)
		},
	}
	rootCmd.Flags().StringVar(&vid, "vid", fmt.Sprintf("0x%04x", cfg.VendorID), "vendor ID of the barcode scanner")
	rootCmd.Flags().StringVar(&pid, "pid", fmt.Sprintf("0x%04x", cfg.ProductID), "product ID of the barcode scanner")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.DeviceConfig, vidFlag, pidFlag string, logger *zap.Logger) error {
	vid, err := strconv.ParseUint(vidFlag, 0, 16)
	if err != nil {
		return fmt.Errorf("invalid vendor id %q: %w", vidFlag, err)
	}
	pid, err := strconv.ParseUint(pidFlag, 0, 16)
	if err != nil {
		return fmt.Errorf("invalid product id %q: %w", pidFlag, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := mqttpub.NewClient(mqttpub.Config{
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		AuthFile: cfg.AuthFile,
		RootCA:   cfg.RootCA,
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	logger.Info("connected to MQTT", zap.String("topic", cfg.MQTTTopic))

	src, err := hidusb.Open(uint16(vid), uint16(pid), logger)
	if err != nil {
		return err
	}
	defer src.Close()

	scanner := barcode.NewScanner(src, client, cfg.MQTTTopic, mqttpub.TopicID(cfg.MQTTTopic), int(pid), logger)
	err = scanner.Run(ctx)
	logger.Info("stopping barcode scanner")
	if err != nil {
		logger.Error("barcode scanner stopped", zap.Error(err))
	}
	return err
}
