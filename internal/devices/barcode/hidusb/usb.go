// Package hidusb reads barcode scanner reports from a USB HID device through
// libusb. It needs cgo and libusb-1.0 at build time.
package hidusb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/devices/barcode"
)

const (
	DefaultVendorID  = 0x05e0
	DefaultProductID = 0x1200

	readWindow = 250 * time.Millisecond
	readSize   = 1000
)

var _ barcode.Source = (*Source)(nil)

// Source reads the first IN endpoint of the scanner's default interface
type Source struct {
	usb    *gousb.Context
	dev    *gousb.Device
	ep     *gousb.InEndpoint
	done   func()
	buf    []byte
	logger *zap.Logger
}

// Open opens vid:pid and detaches the kernel keyboard driver
func Open(vid, pid uint16, logger *zap.Logger) (*Source, error) {
	usb := gousb.NewContext()
	dev, err := usb.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		usb.Close()
		return nil, fmt.Errorf("failed to open USB device: %w", err)
	}
	if dev == nil {
		usb.Close()
		return nil, fmt.Errorf("USB device %04x:%04x not found", vid, pid)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		usb.Close()
		return nil, fmt.Errorf("failed to detach kernel driver: %w", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		usb.Close()
		return nil, fmt.Errorf("failed to claim interface: %w", err)
	}

	var ep *gousb.InEndpoint
	for _, desc := range intf.Setting.Endpoints {
		if desc.Direction != gousb.EndpointDirectionIn {
			continue
		}
		if ep, err = intf.InEndpoint(desc.Number); err == nil {
			break
		}
	}
	if ep == nil {
		done()
		dev.Close()
		usb.Close()
		return nil, errors.New("endpoint for USB device not found")
	}

	logger.Info("barcode scanner opened",
		zap.String("vid", fmt.Sprintf("%04x", vid)),
		zap.String("pid", fmt.Sprintf("%04x", pid)),
		zap.String("endpoint", ep.Desc.String()))
	return &Source{usb: usb, dev: dev, ep: ep, done: done, buf: make([]byte, readSize), logger: logger}, nil
}

// Read waits up to 250ms for data and returns barcode.ErrIdle when none arrived
func (s *Source) Read(ctx context.Context) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, readWindow)
	defer cancel()

	n, err := s.ep.ReadContext(readCtx, s.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, s.buf[:n])
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil || errors.Is(err, gousb.TransferTimedOut) || errors.Is(readCtx.Err(), context.DeadlineExceeded) {
		return nil, barcode.ErrIdle
	}
	return nil, err
}

// Close resets the device and releases the interface
func (s *Source) Close() error {
	s.done()
	if err := s.dev.Reset(); err != nil {
		s.logger.Warn("failed to reset USB device", zap.Error(err))
	}
	err := s.dev.Close()
	s.usb.Close()
	return err
}
