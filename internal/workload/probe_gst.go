//go:build gst

package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"go.uber.org/zap"
)

// PipelineProber opens the stream in-process with GStreamer instead of
// shelling out to gst-launch-1.0
type PipelineProber struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewPipelineProber initializes GStreamer
func NewPipelineProber(logger *zap.Logger) *PipelineProber {
	gst.Init(nil)
	return &PipelineProber{Timeout: ProbeTimeout, Logger: logger}
}

// Available pauses an rtspsrc ! fakesink pipeline and watches the bus until
// it prerolls, errors or the timeout passes
func (p *PipelineProber) Available(ctx context.Context, uri string) bool {
	pipeline, err := gst.NewPipelineFromString(fmt.Sprintf(
		"rtspsrc location=%s protocols=tcp latency=200 timeout=2000000 ! fakesink", uri))
	if err != nil {
		p.Logger.Warn("could not check RTSP stream", zap.String("uri", uri), zap.Error(err))
		return true
	}
	defer pipeline.SetState(gst.StateNull)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		p.Logger.Warn("could not start probe pipeline", zap.String("uri", uri), zap.Error(err))
		return true
	}

	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(p.Timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return true
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			text := gerr.Error() + " " + gerr.DebugString()
			if notFound(text) {
				p.Logger.Warn("RTSP stream not found", zap.String("uri", uri))
				return false
			}
			p.Logger.Debug("probe pipeline error", zap.String("error", text))
			return true
		case gst.MessageAsyncDone, gst.MessageStreamStart:
			return true
		}
	}
	return true
}
