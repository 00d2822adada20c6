// Package detection turns annotated video frames into stored JPEGs and
// FRAME_DATA messages on the object detection queue.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/models"
)

// ignoredLabel is never reported as an item
const ignoredLabel = "person"

// FrameStore uploads encoded frames
type FrameStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutImage(ctx context.Context, bucket, object string, jpeg []byte) error
}

// MessageSender publishes detection messages
type MessageSender interface {
	Publish(ctx context.Context, msg models.DetectionMessage) error
}

// PublisherConfig configures a Publisher
type PublisherConfig struct {
	MetadataDir string
	CleanOutput bool // empty MetadataDir before the first frame
	Bucket      string
	Threshold   int // frames a label must appear in before it is reported
	Quality     int // JPEG quality, default 85
}

// Frame is one decoded video frame with its inference messages
type Frame struct {
	Image    image.Image
	Format   string   // source pixel format, e.g. BGR or RGBA
	Messages []string // JSON inference results attached to the frame
}

// Publisher tracks labels across frames and reports each label once
type Publisher struct {
	cfg    PublisherConfig
	store  FrameStore
	sender MessageSender
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	runID    string
	counter  int
	labels   map[string][]string
	sent     map[string]bool
	file     *os.File
	path     string
	bucketOK bool
}

// detectionMeta is the part of an inference message the publisher reads
type detectionMeta struct {
	Objects []struct {
		Detection struct {
			Label string `json:"label"`
		} `json:"detection"`
	} `json:"objects"`
}

// NewPublisher opens the metadata file and assigns a run ID
func NewPublisher(cfg PublisherConfig, store FrameStore, sender MessageSender, logger *zap.Logger) (*Publisher, error) {
	if cfg.Threshold < 1 {
		cfg.Threshold = 16
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		cfg.Quality = 85
	}

	p := &Publisher{
		cfg:    cfg,
		store:  store,
		sender: sender,
		logger: logger.Named("publisher"),
		now:    time.Now,
		labels: make(map[string][]string),
		sent:   make(map[string]bool),
	}
	now := p.now()
	p.runID = fmt.Sprintf("%d-%d", now.Unix(), 1000+rand.Intn(9000))

	if cfg.CleanOutput {
		if err := cleanDirectory(cfg.MetadataDir); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(cfg.MetadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("error setting up directories: %w", err)
	}

	stamp := now.Format("20060102150405") + fmt.Sprintf("%06d", now.Nanosecond()/1000)
	p.path = filepath.Join(cfg.MetadataDir, "rs-1_"+stamp+".jsonl")
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error setting up JSONL file: %w", err)
	}
	p.file = f

	p.logger.Info("publisher initialized", zap.String("run_id", p.runID), zap.String("metadata", p.path))
	return p, nil
}

// RunID identifies this publisher's frames in the bucket
func (p *Publisher) RunID() string {
	return p.runID
}

// MetadataPath is the JSONL file frame metadata is appended to
func (p *Publisher) MetadataPath() string {
	return p.path
}

// FrameCount is the number of frame ids handed out, including frames whose
// upload failed
func (p *Publisher) FrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counter
}

// Process stores a frame that carries inference messages and reports labels
// that just reached the threshold. Frames without messages are ignored.
func (p *Publisher) Process(ctx context.Context, f Frame) error {
	if len(f.Messages) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	frameID := fmt.Sprintf("frame__%06d.jpg", p.counter)

	metadata := map[string]any{}
	if err := json.Unmarshal([]byte(f.Messages[0]), &metadata); err != nil {
		return fmt.Errorf("invalid inference message for %s: %w", frameID, err)
	}
	var meta detectionMeta
	if err := json.Unmarshal([]byte(f.Messages[0]), &meta); err != nil {
		return fmt.Errorf("invalid inference message for %s: %w", frameID, err)
	}
	metadata["frame_id"] = frameID
	if f.Format != "" {
		metadata["img_format"] = f.Format
	}
	if err := p.writeMetadata(metadata); err != nil {
		return err
	}
	// the id is taken once its metadata line exists
	p.counter++

	framePath := path.Join(p.runID, frameID)
	if err := p.saveImage(ctx, f.Image, framePath); err != nil {
		return err
	}
	p.logger.Debug("image saved", zap.String("frame", framePath))

	var notifyErr error
	for _, obj := range meta.Objects {
		label := obj.Detection.Label
		if label == "" || label == ignoredLabel {
			continue
		}
		p.labels[label] = append(p.labels[label], framePath)
		if len(p.labels[label]) < p.cfg.Threshold || p.sent[label] {
			continue
		}
		if err := p.notify(ctx, label); err != nil {
			notifyErr = errors.Join(notifyErr, err)
			continue
		}
		p.sent[label] = true
	}
	return notifyErr
}

func (p *Publisher) notify(ctx context.Context, label string) error {
	frames := append([]string(nil), p.labels[label]...)
	msg := models.NewFrameDataMessage(label, frames, p.cfg.Bucket, p.now())
	if err := p.sender.Publish(ctx, msg); err != nil {
		return fmt.Errorf("error sending detection notification for %s: %w", label, err)
	}
	p.logger.Info("sent detection", zap.String("item", label), zap.Int("frames", len(frames)))
	return nil
}

func (p *Publisher) writeMetadata(metadata map[string]any) error {
	line, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("error saving metadata: %w", err)
	}
	line = append(line, '\n')
	if _, err := p.file.Write(line); err != nil {
		return fmt.Errorf("error saving metadata to %s: %w", p.path, err)
	}
	return nil
}

func (p *Publisher) saveImage(ctx context.Context, img image.Image, object string) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.cfg.Quality)); err != nil {
		return fmt.Errorf("error encoding %s: %w", object, err)
	}
	if !p.bucketOK {
		if err := p.store.EnsureBucket(ctx, p.cfg.Bucket); err != nil {
			return err
		}
		p.bucketOK = true
	}
	if err := p.store.PutImage(ctx, p.cfg.Bucket, object, buf.Bytes()); err != nil {
		return fmt.Errorf("error saving to MinIO: %w", err)
	}
	return nil
}

// Close closes the metadata file. Nothing is sent to the queue.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	p.logger.Info("publisher file handle closed")
	return err
}

// cleanDirectory empties dir without removing it
func cleanDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error cleaning output directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to delete %s: %w", e.Name(), err)
		}
	}
	return nil
}
