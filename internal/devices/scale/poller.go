package scale

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// TimestampFormat matches the millisecond UTC stamps of the other services
const TimestampFormat = "2006-01-02T15:04:05.000"

const (
	responseDelay = 128 * time.Millisecond
	responseSize  = 16
	retryDelay    = time.Second
)

var weightRequest = []byte{'W', '\r'}

// Port is an open serial line
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the scale port
type Opener func() (Port, error)

// Publisher sends weight events
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Event is published for every successful reading
type Event struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Value     string `json:"value"`
}

// Poller requests a weight, parses it and publishes it, over and over
type Poller struct {
	open      Opener
	publisher Publisher
	topic     string
	id        string
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPoller polls every interval; zero polls back to back
func NewPoller(open Opener, pub Publisher, topic, id string, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		open:      open,
		publisher: pub,
		topic:     topic,
		id:        id,
		interval:  interval,
		logger:    logger.Named("scale"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Run polls until ctx is done. Port failures close the port and reopen it.
func (p *Poller) Run(ctx context.Context) error {
	var port Port
	defer func() {
		if port != nil {
			port.Close()
		}
	}()

	for ctx.Err() == nil {
		if port == nil {
			var err error
			if port, err = p.open(); err != nil {
				p.logger.Error("error connecting to the port", zap.Error(err))
				port = nil
				if p.sleep(ctx, retryDelay) != nil {
					break
				}
				continue
			}
			p.logger.Info("connected to CAS PD-II scale")
		}

		reading, err := p.Poll(ctx, port)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("scale read failed", zap.Error(err))
			port.Close()
			port = nil
			continue
		}
		p.logger.Info(reading.String())

		if p.interval > 0 && p.sleep(ctx, p.interval) != nil {
			break
		}
	}
	return nil
}

// Poll performs one request/response exchange and publishes the result.
// Responses without a status are logged and not published.
func (p *Poller) Poll(ctx context.Context, port Port) (Reading, error) {
	if _, err := port.Write(weightRequest); err != nil {
		return Reading{}, fmt.Errorf("failed to request weight: %w", err)
	}
	if err := p.sleep(ctx, responseDelay); err != nil {
		return Reading{}, err
	}
	raw, err := readUpTo(port, responseSize)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read response: %w", err)
	}
	p.logger.Debug("received data", zap.String("hex", fmt.Sprintf("%X", raw)))
	if !wellFormed(raw) {
		p.logger.Debug("invalid start index or data too long")
	}

	reading, err := Parse(raw)
	if err != nil {
		p.logger.Warn("unusable scale response", zap.Error(err))
		return Reading{Status: "N/A"}, nil
	}

	event := Event{
		ID:        p.id,
		Timestamp: p.now().UTC().Format(TimestampFormat),
		Value:     reading.Weight(),
	}
	if err := p.publisher.PublishJSON(p.topic, event); err != nil {
		p.logger.Error("failed to publish weight", zap.Error(err))
	}
	return reading, nil
}

// readUpTo reads until n bytes arrived or a read returns nothing, which is
// how a serial port reports its read timeout
func readUpTo(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		k, err := r.Read(buf[got:])
		got += k
		if err == io.EOF {
			break
		}
		if err != nil {
			return buf[:got], err
		}
		if k == 0 {
			break
		}
	}
	return buf[:got], nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SerialOpener opens name as 9600 baud 7E1 with a one second read timeout
func SerialOpener(name string) Opener {
	return func() (Port, error) {
		port, err := serial.Open(name, &serial.Mode{
			BaudRate: 9600,
			DataBits: 7,
			Parity:   serial.EvenParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		if err := port.SetReadTimeout(time.Second); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
		}
		return port, nil
	}
}
