package barcode

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TimestampFormat matches the millisecond UTC stamps of the other services
const TimestampFormat = "2006-01-02T15:04:05.000"

// ErrIdle is returned by a Source when no data arrived within its read window
var ErrIdle = errors.New("no data")

// Source yields raw HID data, possibly several reports per read
type Source interface {
	Read(ctx context.Context) ([]byte, error)
}

// Publisher sends scan events
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Scan is one completed barcode line
type Scan struct {
	ID        string `json:"id"`
	ProductID int    `json:"product_id"`
	Timestamp string `json:"timestamp"`
	Value     string `json:"value"`
}

// Scanner assembles reports into lines and publishes a Scan once the
// source goes idle
type Scanner struct {
	source    Source
	publisher Publisher
	topic     string
	id        string
	productID int
	logger    *zap.Logger
	now       func() time.Time
}

// NewScanner publishes scans from src to topic; the event id is the last topic segment
func NewScanner(src Source, pub Publisher, topic, id string, productID int, logger *zap.Logger) *Scanner {
	return &Scanner{
		source:    src,
		publisher: pub,
		topic:     topic,
		id:        id,
		productID: productID,
		logger:    logger.Named("barcode"),
		now:       time.Now,
	}
}

// Run reads until ctx is done or the source fails
func (s *Scanner) Run(ctx context.Context) error {
	var line strings.Builder
	var scannedAt time.Time

	for {
		data, err := s.source.Read(ctx)
		switch {
		case errors.Is(err, ErrIdle):
			if line.Len() > 0 {
				s.emit(line.String(), scannedAt)
				line.Reset()
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		scannedAt = s.now()
		for i := 0; i < len(data); i += ReportSize {
			end := min(i+ReportSize, len(data))
			ch, ok, err := Decode(data[i:end])
			if err != nil {
				s.logger.Warn("dropping partial report", zap.Binary("report", data[i:end]))
				continue
			}
			if !ok {
				s.logger.Warn("data not in conversion table", zap.Uint8("code", data[i+2]))
				continue
			}
			line.WriteString(ch)
		}
	}
}

func (s *Scanner) emit(value string, at time.Time) {
	scan := Scan{
		ID:        s.id,
		ProductID: s.productID,
		Timestamp: at.UTC().Format(TimestampFormat),
		Value:     value,
	}
	s.logger.Info("scanned", zap.String("value", value), zap.String("timestamp", scan.Timestamp))
	if err := s.publisher.PublishJSON(s.topic, scan); err != nil {
		s.logger.Error("failed to publish scan", zap.Error(err))
	}
}
