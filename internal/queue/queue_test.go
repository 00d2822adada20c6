package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/lossprevention/lp-vlm/internal/models"
)

func TestDecodeDetection(t *testing.T) {
	msg, err := DecodeDetection([]byte(`{"msg_type":"FRAME_DATA","status":"PROCESSING","timestamp":"2025-01-01T10:00:00.000000",
		"data":{"item_name":"apple","frames":["r/frame__000001.jpg","r/frame__000002.jpg"],"bucket":"frames"}}`))
	require.NoError(t, err)
	require.True(t, msg.HasData())
	require.Equal(t, "apple", msg.Data.ItemName)
	require.Len(t, msg.Data.Frames, 2)

	msg, err = DecodeDetection([]byte(`{"msg_type":"STREAM_END","status":"COMPLETED","data":{}}`))
	require.NoError(t, err)
	require.True(t, msg.IsStreamEnd())
	require.False(t, msg.HasData())

	_, err = DecodeDetection([]byte(`not json`))
	require.Error(t, err)
	_, err = DecodeDetection([]byte(`{"status":"PROCESSING"}`))
	require.ErrorContains(t, err, "missing msg_type")
}

func TestForwardDeliveriesDropsBadMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- amqp.Delivery{Body: []byte(`{"msg_type":"FRAME_DATA","data":{"item_name":"apple"}}`)}
	deliveries <- amqp.Delivery{Body: []byte(`{{{`)}
	deliveries <- amqp.Delivery{Body: []byte(`{"msg_type":"STREAM_END","data":{}}`)}
	close(deliveries)

	out := make(chan models.DetectionMessage, 3)
	forwardDeliveries(context.Background(), deliveries, out, zaptest.NewLogger(t))

	var got []string
	for msg := range out {
		got = append(got, msg.MsgType)
	}
	require.Equal(t, []string{models.MsgTypeFrameData, models.MsgTypeStreamEnd}, got)
}

func TestForwardDeliveriesStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	deliveries := make(chan amqp.Delivery)
	out := make(chan models.DetectionMessage)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		forwardDeliveries(ctx, deliveries, out, zaptest.NewLogger(t))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
	_, open := <-out
	require.False(t, open)
}

func TestRetry(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("connection refused")
	})
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retry(ctx, 5, time.Hour, func() error { return errors.New("down") })
	require.ErrorIs(t, err, context.Canceled)
}

type recordingChannel struct {
	key  string
	msgs []amqp.Publishing
}

func (r *recordingChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	r.key = key
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingChannel) Close() error { return nil }

func TestPublisherStreamEnd(t *testing.T) {
	ch := &recordingChannel{}
	p := newPublisher(ch, "object_detection", zaptest.NewLogger(t))
	p.now = func() time.Time { return time.Date(2025, 3, 1, 12, 30, 0, 123456000, time.UTC) }

	require.NoError(t, p.PublishStreamEnd(context.Background()))
	require.Equal(t, "object_detection", ch.key)
	require.Len(t, ch.msgs, 1)
	require.Equal(t, amqp.Persistent, ch.msgs[0].DeliveryMode)
	require.JSONEq(t,
		`{"msg_type":"STREAM_END","status":"COMPLETED","timestamp":"2025-03-01T12:30:00.123456","data":{}}`,
		string(ch.msgs[0].Body))
}

type saverFunc func(ctx context.Context, run *models.RunResult) error

func (f saverFunc) SaveRun(ctx context.Context, run *models.RunResult) error { return f(ctx, run) }

func TestPersistTaskRoundTrip(t *testing.T) {
	run := models.NewRunResult("video.mp4", "apple_color")
	run.ODResults = []models.ODItem{{ItemName: "apple", Match: true}}

	task, err := NewPersistTask(run)
	require.NoError(t, err)
	require.Equal(t, TypePersistRun, task.Type())

	var saved *models.RunResult
	ts := &TaskServer{
		saver: saverFunc(func(_ context.Context, r *models.RunResult) error {
			saved = r
			return nil
		}),
		logger: zaptest.NewLogger(t),
	}
	require.NoError(t, ts.handlePersistRun(context.Background(), task))
	require.Equal(t, run.RunID, saved.RunID)
	require.Equal(t, run.ODResults, saved.ODResults)
}

func TestPersistTaskBadPayloadSkipsRetry(t *testing.T) {
	ts := &TaskServer{logger: zaptest.NewLogger(t)}

	err := ts.handlePersistRun(context.Background(), asynq.NewTask(TypePersistRun, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	payload, _ := json.Marshal(map[string]string{"video_name": "x"})
	err = ts.handlePersistRun(context.Background(), asynq.NewTask(TypePersistRun, payload))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPersistTaskSaverErrorRetries(t *testing.T) {
	boom := errors.New("db down")
	ts := &TaskServer{
		saver:  saverFunc(func(context.Context, *models.RunResult) error { return boom }),
		logger: zaptest.NewLogger(t),
	}
	task, err := NewPersistTask(models.NewRunResult("v.mp4", ""))
	require.NoError(t, err)
	require.ErrorIs(t, ts.handlePersistRun(context.Background(), task), boom)
}

func TestRetryDelay(t *testing.T) {
	require.Equal(t, time.Minute, retryDelay(0, nil, nil))
	require.Equal(t, 4*time.Minute, retryDelay(2, nil, nil))
}
