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
	"github.com/lossprevention/lp-vlm/internal/devices/scale"
	"github.com/lossprevention/lp-vlm/internal/logging"
	"github.com/lossprevention/lp-vlm/internal/mqttpub"
)

func main() {
	cfg, err := config.LoadDevice("127.0.0.1", "event/scale")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var port string
	rootCmd := &cobra.Command{
		Use:          "weight-scale",
		Short:        "Poll a CAS PD-II scale and publish readings to MQTT",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Config{Level: cfg.LogLevel})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg, port, logger)
		},
	}
	rootCmd.Flags().StringVar(&port, "port", cfg.SerialPort, "serial device of the scale")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.DeviceConfig, port string, logger *zap.Logger) error {
	client, err := mqttpub.NewClient(mqttpub.Config{
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		AuthFile: cfg.AuthFile,
		RootCA:   cfg.RootCA,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to MQTT", zap.Error(err))
		return err
	}
	defer client.Close()
	logger.Info("connected to MQTT", zap.String("topic", cfg.MQTTTopic))

	poller := scale.NewPoller(scale.SerialOpener(port), client, cfg.MQTTTopic,
		mqttpub.TopicID(cfg.MQTTTopic), cfg.PollInterval, logger)
	err = poller.Run(ctx)
	logger.Info("stopping weight scale")
	return err
}
