package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lossprevention/lp-vlm/internal/workload"
)

var (
	cameraConfig string
	skipProbe    bool
)

// workloadCmd groups the camera workload lookups
var workloadCmd = &cobra.Command{
	Use:   "workload",
	Short: "Inspect the camera-to-workload mapping",
	Long: `Reads the camera workload file (--camera-config, else CAMERA_STREAM, else
../../configs/camera_to_workload.json) and resolves the lp_vlm camera.`,
}

var hasLPVLMCmd = &cobra.Command{
	Use:   "has-lp-vlm",
	Short: "Print 1 if any camera runs lp_vlm, else 0",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := workload.HasLPVLMWorkload(workload.ConfigPath(cameraConfig))
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintln(cmd.OutOrStdout(), "1")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "0")
		}
		return nil
	},
}

var getVideoCmd = &cobra.Command{
	Use:   "get-video",
	Short: "Print stream name, URI and ROI of the lp_vlm camera as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := resolveStream(cmd)
		if err != nil {
			return err
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
	},
}

var getStreamURICmd = &cobra.Command{
	Use:   "get-stream-uri",
	Short: "Print the RTSP URI of the lp_vlm camera",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := resolveStream(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.URI)
		return nil
	},
}

var getVideoNameCmd = &cobra.Command{
	Use:   "get-video-name",
	Short: "Print the stream name of the lp_vlm camera",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := resolveStream(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.Name)
		return nil
	},
}

func init() {
	workloadCmd.PersistentFlags().StringVar(&cameraConfig, "camera-config", "", "camera workload mapping JSON path")
	workloadCmd.PersistentFlags().BoolVar(&skipProbe, "no-probe", false, "skip the RTSP availability check")
	workloadCmd.AddCommand(hasLPVLMCmd, getVideoCmd, getStreamURICmd, getVideoNameCmd)
}

func resolveStream(cmd *cobra.Command) (workload.StreamInfo, error) {
	var prober workload.Prober
	if !skipProbe {
		prober = newProber()
	}
	ep := workload.Endpoint{Host: cfg.RTSPStreamHost, Port: cfg.RTSPStreamPort}
	info, err := workload.Resolve(cmd.Context(), workload.ConfigPath(cameraConfig), ep, prober)
	if err != nil {
		return workload.StreamInfo{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return info, nil
}
