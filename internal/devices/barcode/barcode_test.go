package barcode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func report(mod, code byte) []byte {
	return []byte{mod, 0, code, 0, 0, 0, 0, 0}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		report []byte
		want   string
		ok     bool
	}{
		{"lower", report(0, 11), "h", true},
		{"left shift", report(leftShift, 51), ":", true},
		{"right shift", report(rightShift, 4), "A", true},
		{"digit", report(0, 39), "0", true},
		{"empty key", report(0, 0), "", true},
		{"unknown", report(0, 200), "", false},
		{"long report", append(report(0, 23), 9, 9), "t", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Decode(tt.report)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, _, err := Decode([]byte{0, 0, 4})
	require.ErrorIs(t, err, ErrShortReport)
}

type scriptedSource struct {
	reads [][]byte // nil entries mean idle
	err   error
}

func (s *scriptedSource) Read(ctx context.Context) ([]byte, error) {
	if len(s.reads) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := s.reads[0]
	s.reads = s.reads[1:]
	if next == nil {
		return nil, ErrIdle
	}
	return next, nil
}

type memPublisher struct {
	mu     sync.Mutex
	topics []string
	scans  []Scan
}

func (m *memPublisher) PublishJSON(topic string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	m.scans = append(m.scans, v.(Scan))
	return nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestScannerEmitsLineOnIdle(t *testing.T) {
	src := &scriptedSource{
		reads: [][]byte{
			concat(report(0, 11), report(0, 23), report(0, 0)),
			concat(report(0, 23), report(0, 19), report(leftShift, 51)),
			nil,
			nil,
			concat(report(0, 30), report(0, 200), []byte{1, 2}),
			nil,
		},
		err: errors.New("device unplugged"),
	}
	pub := &memPublisher{}
	s := NewScanner(src, pub, "lp/barcode", "barcode", 0x1200, zaptest.NewLogger(t))
	s.now = func() time.Time { return time.Date(2025, 5, 1, 8, 0, 0, 123456789, time.UTC) }

	err := s.Run(context.Background())
	require.ErrorContains(t, err, "device unplugged")

	require.Len(t, pub.scans, 2)
	assert.Equal(t, Scan{ID: "barcode", ProductID: 0x1200, Timestamp: "2025-05-01T08:00:00.123", Value: "http:"}, pub.scans[0])
	assert.Equal(t, "1", pub.scans[1].Value)
	assert.Equal(t, []string{"lp/barcode", "lp/barcode"}, pub.topics)
}

func TestScannerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScanner(&scriptedSource{}, &memPublisher{}, "barcode", "barcode", 1, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}
