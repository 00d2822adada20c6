package scale

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// "\n01.234LB\r\n" weight frame followed by "S00\r\x03" status frame
var okResponse = []byte{0x0a, '0', '1', '.', '2', '3', '4', 'L', 'B', 0x0d, 0x0a, 'S', '0', '0', 0x0d, 0x03}

func TestParse(t *testing.T) {
	r, err := Parse(okResponse)
	require.NoError(t, err)
	assert.Equal(t, Reading{Status: "OK", Value: "01.234", Unit: "LB"}, r)
	assert.Equal(t, "01.234 LB", r.Weight())
	assert.Equal(t, "Status: OK, 01.234 LB", r.String())
	assert.True(t, wellFormed(okResponse[:15]))
}

func TestParseStatuses(t *testing.T) {
	tests := map[string]string{
		"10": "Motion",
		"20": "Scale at Zero",
		"01": "Under Capacity",
		"02": "Over Capacity",
		"99": "N/A",
	}
	for code, want := range tests {
		t.Run(code, func(t *testing.T) {
			raw := append([]byte{'S'}, code...)
			raw = append(raw, 0x0d, 0x03)
			r, err := Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, want, r.Status)
			assert.Empty(t, r.Value)
		})
	}
}

func TestParseMisplacedPeriod(t *testing.T) {
	raw := []byte{0x0a, '1', '2', '3', '.', '4', 'L', 'B', 'x', 0x0d, 0x0a, 'S', '2', '0', 0x0d, 0x03}
	r, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Scale at Zero", r.Status)
	assert.Empty(t, r.Value)
	assert.Equal(t, "Status: Scale at Zero", r.String())
}

func TestParseNoStatus(t *testing.T) {
	_, err := Parse([]byte{0x0a, '0', '1', '.', '2', 0x0d, 0x0a})
	require.ErrorIs(t, err, ErrNoStatus)
}

type fakePort struct {
	written bytes.Buffer
	reply   []byte
	chunk   int
	readErr error
	closed  bool
}

func (f *fakePort) Write(b []byte) (int, error) { return f.written.Write(b) }

func (f *fakePort) Read(b []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	n := min(len(b), len(f.reply), f.chunk)
	copy(b, f.reply[:n])
	f.reply = f.reply[n:]
	return n, nil
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

type memPublisher struct {
	topics []string
	events []Event
}

func (m *memPublisher) PublishJSON(topic string, v any) error {
	m.topics = append(m.topics, topic)
	m.events = append(m.events, v.(Event))
	return nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestPoll(t *testing.T) {
	port := &fakePort{reply: append([]byte(nil), okResponse...), chunk: 5}
	pub := &memPublisher{}
	p := NewPoller(nil, pub, "event/scale", "scale", 0, zaptest.NewLogger(t))
	p.sleep = noSleep
	p.now = func() time.Time { return time.Date(2025, 6, 2, 9, 15, 0, 987654321, time.UTC) }

	r, err := p.Poll(context.Background(), port)
	require.NoError(t, err)
	assert.Equal(t, "OK", r.Status)
	assert.Equal(t, "W\r", port.written.String())
	require.Len(t, pub.events, 1)
	assert.Equal(t, Event{ID: "scale", Timestamp: "2025-06-02T09:15:00.987", Value: "01.234 LB"}, pub.events[0])
	assert.Equal(t, []string{"event/scale"}, pub.topics)
}

func TestPollSkipsResponseWithoutStatus(t *testing.T) {
	port := &fakePort{reply: []byte("garbage"), chunk: 16}
	pub := &memPublisher{}
	p := NewPoller(nil, pub, "event/scale", "scale", 0, zaptest.NewLogger(t))
	p.sleep = noSleep

	r, err := p.Poll(context.Background(), port)
	require.NoError(t, err)
	assert.Equal(t, "N/A", r.Status)
	assert.Empty(t, pub.events)
}

func TestRunReopensAfterPortError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broken := &fakePort{readErr: errors.New("i/o error")}
	opens := 0
	var ports []*fakePort
	open := func() (Port, error) {
		opens++
		switch opens {
		case 1:
			return nil, errors.New("no such device")
		case 2:
			return broken, nil
		}
		fp := &fakePort{reply: append([]byte(nil), okResponse...), chunk: 16}
		ports = append(ports, fp)
		return fp, nil
	}

	pub := &memPublisher{}
	p := NewPoller(open, pub, "event/scale", "scale", time.Millisecond, zaptest.NewLogger(t))
	p.sleep = func(ctx context.Context, d time.Duration) error {
		if len(pub.events) >= 1 && d == time.Millisecond {
			cancel()
		}
		return ctx.Err()
	}

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, 3, opens)
	assert.True(t, broken.closed)
	require.Len(t, ports, 1)
	assert.True(t, ports[0].closed)
	assert.Len(t, pub.events, 1)
}

func TestReadUpTo(t *testing.T) {
	got, err := readUpTo(&fakePort{reply: []byte("0123456789"), chunk: 3}, 16)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))

	got, err = readUpTo(&fakePort{reply: bytes.Repeat([]byte{'x'}, 20), chunk: 7}, 16)
	require.NoError(t, err)
	assert.Len(t, got, 16)
}
