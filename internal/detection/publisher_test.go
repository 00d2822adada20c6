package detection

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lossprevention/lp-vlm/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	buckets []string
	objects map[string][]byte
	putErr  error
}

func (m *memStore) EnsureBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = append(m.buckets, bucket)
	return nil
}

func (m *memStore) PutImage(_ context.Context, bucket, object string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[bucket+"/"+object] = data
	return nil
}

type memSender struct {
	msgs []models.DetectionMessage
	err  error
}

func (m *memSender) Publish(_ context.Context, msg models.DetectionMessage) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

func solid(c color.Color) image.Image {
	return imaging.New(8, 6, c)
}

func message(labels ...string) string {
	objects := make([]map[string]any, 0, len(labels))
	for _, l := range labels {
		objects = append(objects, map[string]any{"detection": map[string]any{"label": l, "confidence": 0.9}})
	}
	b, _ := json.Marshal(map[string]any{"objects": objects, "resolution": map[string]int{"width": 8, "height": 6}})
	return string(b)
}

func newTestPublisher(t *testing.T, threshold int) (*Publisher, *memStore, *memSender) {
	t.Helper()
	store, sender := &memStore{}, &memSender{}
	p, err := NewPublisher(PublisherConfig{
		MetadataDir: t.TempDir(),
		Bucket:      "frames",
		Threshold:   threshold,
	}, store, sender, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, store, sender
}

func TestPublisherReportsLabelOnceAtThreshold(t *testing.T) {
	p, store, sender := newTestPublisher(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Process(ctx, Frame{Image: solid(color.White), Format: "RGB", Messages: []string{message("apple", "person")}}))
	}

	require.Len(t, sender.msgs, 1)
	msg := sender.msgs[0]
	assert.Equal(t, models.MsgTypeFrameData, msg.MsgType)
	assert.Equal(t, "apple", msg.Data.ItemName)
	assert.Equal(t, "frames", msg.Data.Bucket)
	run := p.RunID()
	assert.Equal(t, []string{run + "/frame__000000.jpg", run + "/frame__000001.jpg", run + "/frame__000002.jpg"}, msg.Data.Frames)

	assert.Equal(t, 5, p.FrameCount())
	assert.Len(t, store.objects, 5)
	assert.Contains(t, store.objects, "frames/"+run+"/frame__000004.jpg")
	assert.Equal(t, []string{"frames"}, store.buckets)
}

func TestPublisherIgnoresFramesWithoutMessages(t *testing.T) {
	p, store, sender := newTestPublisher(t, 1)

	require.NoError(t, p.Process(context.Background(), Frame{Image: solid(color.Black)}))
	assert.Zero(t, p.FrameCount())
	assert.Empty(t, store.objects)
	assert.Empty(t, sender.msgs)
}

func TestPublisherNeverReportsPerson(t *testing.T) {
	p, _, sender := newTestPublisher(t, 1)

	require.NoError(t, p.Process(context.Background(), Frame{Image: solid(color.Black), Messages: []string{message("person")}}))
	require.NoError(t, p.Process(context.Background(), Frame{Image: solid(color.Black), Messages: []string{message("banana")}}))
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, "banana", sender.msgs[0].Data.ItemName)
	assert.Equal(t, []string{p.RunID() + "/frame__000001.jpg"}, sender.msgs[0].Data.Frames)
}

func TestPublisherWritesMetadataLines(t *testing.T) {
	p, _, _ := newTestPublisher(t, 16)

	require.NoError(t, p.Process(context.Background(), Frame{Image: solid(color.White), Format: "BGR", Messages: []string{message("apple")}}))
	require.NoError(t, p.Process(context.Background(), Frame{Image: solid(color.White), Messages: []string{message()}}))
	require.NoError(t, p.Close())

	name := filepath.Base(p.MetadataPath())
	assert.True(t, strings.HasPrefix(name, "rs-1_"), name)
	assert.True(t, strings.HasSuffix(name, ".jsonl"), name)
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(name, "rs-1_"), ".jsonl"), 20)

	f, err := os.Open(p.MetadataPath())
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "frame__000000.jpg", lines[0]["frame_id"])
	assert.Equal(t, "BGR", lines[0]["img_format"])
	assert.Contains(t, lines[0], "objects")
	assert.NotContains(t, lines[1], "img_format")
}

func TestPublisherRejectsBadMessage(t *testing.T) {
	p, store, _ := newTestPublisher(t, 1)

	err := p.Process(context.Background(), Frame{Image: solid(color.White), Messages: []string{"{not json"}})
	require.ErrorContains(t, err, "invalid inference message")
	assert.Empty(t, store.objects)
	assert.Zero(t, p.FrameCount())
}

func TestPublisherUploadFailure(t *testing.T) {
	p, store, sender := newTestPublisher(t, 1)
	store.putErr = errors.New("minio unavailable")

	err := p.Process(context.Background(), Frame{Image: solid(color.White), Messages: []string{message("apple")}})
	require.ErrorContains(t, err, "minio unavailable")
	assert.Empty(t, sender.msgs)

	store.putErr = nil
	require.NoError(t, p.Process(context.Background(), Frame{Image: solid(color.White), Messages: []string{message("apple")}}))
	assert.Equal(t, 2, p.FrameCount())
	assert.Contains(t, store.objects, "frames/"+p.RunID()+"/frame__000001.jpg")
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, []string{p.RunID() + "/frame__000001.jpg"}, sender.msgs[0].Data.Frames)
}

func TestPublisherRetriesNotifyWithoutDuplicates(t *testing.T) {
	p, store, sender := newTestPublisher(t, 2)
	ctx := context.Background()
	frame := Frame{Image: solid(color.White), Messages: []string{message("apple", "pear")}}

	require.NoError(t, p.Process(ctx, frame))
	sender.err = errors.New("channel closed")
	require.ErrorContains(t, p.Process(ctx, frame), "channel closed")
	assert.Equal(t, 2, p.FrameCount())

	sender.err = nil
	require.NoError(t, p.Process(ctx, frame))

	run := p.RunID()
	want := []string{run + "/frame__000000.jpg", run + "/frame__000001.jpg", run + "/frame__000002.jpg"}
	require.Len(t, sender.msgs, 2)
	for _, msg := range sender.msgs {
		assert.Equal(t, want, msg.Data.Frames, msg.Data.ItemName)
	}
	assert.Len(t, store.objects, 3)

	require.NoError(t, p.Process(ctx, frame))
	assert.Len(t, sender.msgs, 2)
}

func TestPublisherCleansOutput(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "rs-1_old.jsonl")
	require.NoError(t, os.WriteFile(stale, []byte("{}\n"), 0o644))

	p, err := NewPublisher(PublisherConfig{MetadataDir: dir, CleanOutput: true, Bucket: "frames"},
		&memStore{}, &memSender{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.Regexp(t, `^\d+-\d{4}$`, p.RunID())
}

func TestImageFromRaw(t *testing.T) {
	bgr := []byte{10, 20, 30, 40, 50, 60}
	img, err := ImageFromRaw(bgr, 2, 1, "BGR")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 30, G: 20, B: 10, A: 255}, img.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 60, G: 50, B: 40, A: 255}, img.NRGBAAt(1, 0))

	bgra := []byte{1, 2, 3, 128}
	img, err = ImageFromRaw(bgra, 1, 1, "BGRA")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 3, G: 2, B: 1, A: 128}, img.NRGBAAt(0, 0))

	rgbx := []byte{1, 2, 3, 0}
	img, err = ImageFromRaw(rgbx, 1, 1, "RGBx")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 1, G: 2, B: 3, A: 255}, img.NRGBAAt(0, 0))

	_, err = ImageFromRaw(bgr, 2, 2, "BGR")
	require.ErrorContains(t, err, "too short")
	_, err = ImageFromRaw(bgr, 2, 1, "NV12")
	require.ErrorContains(t, err, "unsupported")
}

func TestReplay(t *testing.T) {
	framesDir := t.TempDir()
	var meta bytes.Buffer
	for i, label := range []string{"apple", "apple", "missing"} {
		id := "frame__00000" + string(rune('0'+i)) + ".jpg"
		if label != "missing" {
			require.NoError(t, imaging.Save(solid(color.White), filepath.Join(framesDir, id)))
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(message(label)), &m))
		m["frame_id"] = id
		m["img_format"] = "BGR"
		line, _ := json.Marshal(m)
		meta.Write(append(line, '\n'))
	}
	meta.WriteString("garbage\n")
	metaPath := filepath.Join(t.TempDir(), "rs-1_replay.jsonl")
	require.NoError(t, os.WriteFile(metaPath, meta.Bytes(), 0o644))

	p, _, sender := newTestPublisher(t, 2)
	n, err := Replay(context.Background(), p, metaPath, framesDir, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, "apple", sender.msgs[0].Data.ItemName)
}

func TestReplayCancelled(t *testing.T) {
	metaPath := filepath.Join(t.TempDir(), "m.jsonl")
	require.NoError(t, os.WriteFile(metaPath, []byte(`{"frame_id":"frame__000000.jpg"}`+"\n"), 0o644))

	p, _, _ := newTestPublisher(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := Replay(ctx, p, metaPath, t.TempDir(), zaptest.NewLogger(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
