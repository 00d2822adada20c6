package workload

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProbeTimeout bounds one availability check
const ProbeTimeout = 5 * time.Second

// GstProber runs gst-launch-1.0 against the stream. A run that is still
// connected when the timeout fires counts as available.
type GstProber struct {
	Binary  string
	Timeout time.Duration
	Logger  *zap.Logger

	run func(ctx context.Context, name string, args ...string) (stderr string, err error)
}

// NewGstProber returns a prober using gst-launch-1.0 from PATH
func NewGstProber(logger *zap.Logger) *GstProber {
	return &GstProber{Binary: "gst-launch-1.0", Timeout: ProbeTimeout, Logger: logger}
}

// Available reports false only when the server answered Not Found
func (p *GstProber) Available(ctx context.Context, uri string) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = ProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := p.run
	if run == nil {
		run = runCommand
	}
	stderr, err := run(ctx, p.Binary,
		"rtspsrc", "location="+uri, "protocols=tcp", "latency=200", "timeout=2000000",
		"!", "fakesink")

	if notFound(stderr) {
		p.logger().Warn("RTSP stream not found", zap.String("uri", uri))
		return false
	}
	if err != nil && ctx.Err() == nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.logger().Warn("could not check RTSP stream", zap.String("uri", uri), zap.Error(err))
		}
	}
	return true
}

func (p *GstProber) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func notFound(stderr string) bool {
	return strings.Contains(stderr, "Not Found") ||
		strings.Contains(stderr, "Not found") ||
		strings.Contains(stderr, "404")
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}
