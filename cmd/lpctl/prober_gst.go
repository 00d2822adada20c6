//go:build gst

package main

import "github.com/lossprevention/lp-vlm/internal/workload"

func newProber() workload.Prober {
	return workload.NewPipelineProber(logger)
}
