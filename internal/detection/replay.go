package detection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Replay feeds a recorded metadata JSONL file and its frame directory back
// through p. Each line is one frame's inference message plus frame_id; lines
// whose image is missing are skipped. It returns the number of frames processed.
func Replay(ctx context.Context, p *Publisher, metadataPath, framesDir string, logger *zap.Logger) (int, error) {
	f, err := os.Open(metadataPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open metadata: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	processed := 0
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var meta map[string]any
		if err := json.Unmarshal(raw, &meta); err != nil {
			logger.Warn("skipping malformed metadata line", zap.Int("line", line), zap.Error(err))
			continue
		}
		frameID, _ := meta["frame_id"].(string)
		format, _ := meta["img_format"].(string)
		if frameID == "" {
			logger.Warn("skipping metadata line without frame_id", zap.Int("line", line))
			continue
		}

		img, err := imaging.Open(filepath.Join(framesDir, frameID))
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("frame missing, skipping", zap.String("frame_id", frameID))
			continue
		}
		if err != nil {
			return processed, fmt.Errorf("failed to read %s: %w", frameID, err)
		}

		delete(meta, "frame_id")
		delete(meta, "img_format")
		msg, err := json.Marshal(meta)
		if err != nil {
			return processed, err
		}
		if err := p.Process(ctx, Frame{Image: img, Format: format, Messages: []string{string(msg)}}); err != nil {
			return processed, err
		}
		processed++
	}
	if err := scanner.Err(); err != nil {
		return processed, fmt.Errorf("failed to read metadata: %w", err)
	}
	return processed, nil
}
