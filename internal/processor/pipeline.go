// Package processor runs the loss prevention pipeline: object detection
// messages feed best frame selection, selected frames are described by the
// VLM, and the decision agent validates the findings against the inventory.
package processor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lossprevention/lp-vlm/internal/agent"
	"github.com/lossprevention/lp-vlm/internal/bestframe"
	"github.com/lossprevention/lp-vlm/internal/inventory"
	"github.com/lossprevention/lp-vlm/internal/models"
)

// MsgNoVideo is the object detection failure reported when no video is named
const MsgNoVideo = "No video uploaded"

// ErrStreamClosed is returned by Run when the detection channel closes before
// STREAM_END, usually because the broker connection went away
var ErrStreamClosed = errors.New("detection stream closed without STREAM_END")

// FrameSelector picks the steadiest frame of a burst
type FrameSelector interface {
	Select(ctx context.Context, bucket string, frames []string) (models.BestFrame, error)
}

// URLSigner creates URLs the VLM server can fetch frames from
type URLSigner interface {
	PresignedURL(ctx context.Context, bucket, object string) (string, error)
}

// VLM describes frames and validates item lists
type VLM interface {
	DescribeFrame(ctx context.Context, presignedURL string) ([]models.ItemResult, error)
	ValidateItems(ctx context.Context, names []string) ([]models.ItemResult, error)
}

// Catalog answers inventory membership
type Catalog interface {
	Contains(name string) bool
}

// ResultsWriter appends stage results to the local results log
type ResultsWriter interface {
	Append(v any) error
}

// Deps are the collaborators of a pipeline
type Deps struct {
	Selector  FrameSelector
	Signer    URLSigner
	VLM       VLM
	Inventory Catalog
	Results   ResultsWriter // optional
	Progress  []Reporter    // optional
	Sinks     []Sink        // optional
}

// Options tune the pipeline
type Options struct {
	Workers   int // concurrent VLM calls; default 1
	QueueSize int // buffered enhancement requests; default 64
}

// Stats tracks pipeline counters across runs
type Stats struct {
	Runs             int64
	Detections       int64
	InventoryHits    int64
	FramesSelected   int64
	SelectionErrors  int64
	VLMCalls         int64
	VLMFailures      int64
	AverageVLMMs     float64
	TotalVLMMs       int64
	InventoryReloads int64
	LastRunAt        time.Time
}

// Pipeline is a reusable runner; runs must not overlap
type Pipeline struct {
	deps    Deps
	opts    Options
	agent   *agent.Validator
	tracker *Tracker
	logger  *zap.Logger

	stats      Stats
	statsMutex sync.RWMutex
}

// enhanceJob is one selected frame waiting for the VLM
type enhanceJob struct {
	item  string
	url   string
	score float64
}

// enhanceResult is the VLM answer for one job
type enhanceResult struct {
	item  string
	items []models.ItemResult
	err   error
}

// NewPipeline wires a pipeline
func NewPipeline(deps Deps, opts Options, logger *zap.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	return &Pipeline{
		deps:    deps,
		opts:    opts,
		agent:   agent.NewValidator(deps.Inventory, deps.VLM, logger),
		tracker: NewTracker(),
		logger:  logger.Named("pipeline"),
	}
}

// Tracker exposes the live run state
func (p *Pipeline) Tracker() *Tracker {
	return p.tracker
}

// Snapshot is a copy of the current or last run, nil before the first one
func (p *Pipeline) Snapshot() *models.RunResult {
	return p.tracker.Snapshot()
}

// GetStats returns current counters
func (p *Pipeline) GetStats() Stats {
	p.statsMutex.RLock()
	defer p.statsMutex.RUnlock()
	return p.stats
}

// InventoryReloaded counts a hot reload of the inventory file. It has the
// signature of inventory.Watcher callbacks.
func (p *Pipeline) InventoryReloaded(_, _ []string) {
	p.count(func(s *Stats) { s.InventoryReloads++ })
}

func (p *Pipeline) count(fn func(s *Stats)) {
	p.statsMutex.Lock()
	fn(&p.stats)
	p.statsMutex.Unlock()
}

// UseCase derives the use case name from a video file name
func UseCase(videoName string) string {
	base := filepath.Base(videoName)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

// Run processes detections until STREAM_END and then finishes the VLM and
// agent stages. When ctx is cancelled the partial result is returned together
// with ctx.Err(). When the channel closes first, object detection fails, the
// later stages are skipped and ErrStreamClosed is returned; nothing is written
// to the results log or the sinks.
func (p *Pipeline) Run(ctx context.Context, videoName string, detections <-chan models.DetectionMessage) (*models.RunResult, error) {
	run := models.NewRunResult(videoName, UseCase(videoName))
	if videoName == "" {
		run.UseCase = ""
	}
	p.tracker.start(run)
	p.count(func(s *Stats) { s.Runs++; s.LastRunAt = time.Now() })

	logger := p.logger.With(zap.String("run_id", run.RunID), zap.String("use_case", run.UseCase))
	logger.Info("================ START OF PIPELINE RUN =================", zap.String("video", videoName))

	if videoName == "" {
		logger.Error("no video file provided for processing")
		p.transition(ctx, models.StageObjectDetection, models.StateFailed, MsgNoVideo)
		p.transition(ctx, models.StageVLMEnhancement, models.StateSkipped, "")
		p.transition(ctx, models.StageAgent, models.StateSkipped, "")
		return p.finish(ctx, logger), nil
	}

	p.transition(ctx, models.StageObjectDetection, models.StateRunning, "")

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan enhanceJob, p.opts.QueueSize)
	results := make(chan enhanceResult, p.opts.QueueSize)

	g.Go(func() error {
		defer close(jobs)
		return p.detect(gctx, logger, detections, jobs)
	})

	var workers sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			return p.enhance(gctx, logger, jobs, results)
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(results)
		return nil
	})

	var vlmResults []models.ItemResult
	var vlmErr error
	g.Go(func() error {
		vlmResults, vlmErr = p.collect(gctx, logger, results)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, ErrStreamClosed) && ctx.Err() == nil {
		logger.Error("pipeline aborted", zap.Error(err))
		p.transition(ctx, models.StageVLMEnhancement, models.StateSkipped, "")
		p.transition(ctx, models.StageAgent, models.StateSkipped, "")
		now := time.Now().UTC()
		return p.tracker.update(func(r *models.RunResult) { r.CompletedAt = &now }), err
	}
	if err != nil || ctx.Err() != nil {
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = ctx.Err()
		}
		logger.Warn("pipeline interrupted", zap.Error(err))
		return p.tracker.Snapshot(), err
	}

	p.appendResults(logger, map[string]any{"vlm_results": nonNil(vlmResults)})
	if vlmErr != nil {
		p.transition(ctx, models.StageAgent, models.StateSkipped, "")
		return p.finish(ctx, logger), nil
	}
	p.transition(ctx, models.StageVLMEnhancement, models.StateCompleted, "")

	p.transition(ctx, models.StageAgent, models.StateRunning, "")
	status, agentResults := p.agent.Validate(ctx, vlmResults)
	p.tracker.update(func(r *models.RunResult) { r.AgentResults = agentResults })
	p.appendResults(logger, map[string]any{"agent_results": nonNil(agentResults)})
	p.transition(ctx, models.StageAgent, status.State, status.Message)

	return p.finish(ctx, logger), nil
}

// detect is the object detection stage
func (p *Pipeline) detect(ctx context.Context, logger *zap.Logger, detections <-chan models.DetectionMessage, jobs chan<- enhanceJob) error {
	seen := make(map[string]bool)
	var odItems []models.ODItem

loop:
	for {
		var msg models.DetectionMessage
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok = <-detections:
		}
		if !ok {
			p.transition(ctx, models.StageObjectDetection, models.StateFailed, "Detection stream closed")
			return ErrStreamClosed
		}
		if msg.IsStreamEnd() {
			logger.Info("object detection stream ended")
			break loop
		}
		if !msg.HasData() {
			continue
		}
		p.count(func(s *Stats) { s.Detections++ })

		item, job, ok := p.handleDetection(ctx, logger, msg.Data, seen)
		if !ok {
			continue
		}
		odItems = append(odItems, item)
		p.tracker.update(func(r *models.RunResult) { r.ODResults = append(r.ODResults, item) })
		if job == nil {
			continue
		}

		select {
		case jobs <- *job:
			logger.Info("sent to VLM queue", zap.String("item", job.item))
		case <-ctx.Done():
			return ctx.Err()
		}
		p.transitionFrom(ctx, models.StageVLMEnhancement, models.StatePending, models.StateRunning)
	}

	p.appendResults(logger, map[string]any{"od_results": nonNil(odItems)})
	p.transition(ctx, models.StageObjectDetection, models.StateCompleted, "")
	p.transitionFrom(ctx, models.StageVLMEnhancement, models.StatePending, models.StateRunning)
	return nil
}

// handleDetection decides what to do with one detected item. ok is false when
// the item produces nothing; a nil job means no VLM call is needed.
func (p *Pipeline) handleDetection(ctx context.Context, logger *zap.Logger, data *models.FrameData, seen map[string]bool) (models.ODItem, *enhanceJob, bool) {
	item := data.ItemName
	key := inventory.Normalize(item)
	if seen[key] {
		return models.ODItem{}, nil, false
	}

	if p.deps.Inventory.Contains(item) {
		logger.Info("✅ item found in inventory, skipping VLM call and best frame selection", zap.String("item", item))
		p.count(func(s *Stats) { s.InventoryHits++ })
		seen[key] = true
		return models.ODItem{ItemName: item, Match: true}, nil, true
	}

	start := time.Now()
	best, err := p.deps.Selector.Select(ctx, data.Bucket, data.Frames)
	if err != nil {
		if errors.Is(err, bestframe.ErrNoFrameSelected) {
			logger.Warn("no usable frame for item", zap.String("item", item), zap.Int("frames", len(data.Frames)))
		} else {
			logger.Error("error processing OD payload", zap.String("item", item), zap.Error(err))
		}
		p.count(func(s *Stats) { s.SelectionErrors++ })
		return models.ODItem{}, nil, false
	}
	p.count(func(s *Stats) { s.FramesSelected++ })
	logger.Info("🏆 best frame selected",
		zap.String("item", item),
		zap.String("frame", filepath.Base(best.Object)),
		zap.Float64("stability_score", best.Score),
		zap.Duration("elapsed", time.Since(start)))

	url, err := p.deps.Signer.PresignedURL(ctx, data.Bucket, best.Object)
	if err != nil {
		logger.Warn("could not generate presigned URL for frame", zap.String("frame", best.Object), zap.Error(err))
		return models.ODItem{}, nil, false
	}

	seen[key] = true
	return models.ODItem{ItemName: item, Match: false}, &enhanceJob{item: item, url: url, score: best.Score}, true
}

// enhance is one VLM worker
func (p *Pipeline) enhance(ctx context.Context, logger *zap.Logger, jobs <-chan enhanceJob, results chan<- enhanceResult) error {
	for job := range jobs {
		start := time.Now()
		logger.Info("⏳ waiting for VLM call to finish", zap.String("item", job.item))
		items, err := p.deps.VLM.DescribeFrame(ctx, job.url)
		elapsed := time.Since(start)

		p.count(func(s *Stats) {
			s.VLMCalls++
			if err != nil {
				s.VLMFailures++
			}
			s.TotalVLMMs += elapsed.Milliseconds()
			s.AverageVLMMs = float64(s.TotalVLMMs) / float64(s.VLMCalls)
		})
		if err != nil {
			logger.Error("VLM call failed", zap.String("item", job.item), zap.Error(err))
		} else {
			logger.Info("VLM result", zap.String("item", job.item), zap.Int("items", len(items)), zap.Duration("elapsed", elapsed))
		}

		select {
		case results <- enhanceResult{item: job.item, items: items, err: err}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// collect is the result stage. The first error fails the VLM stage; later
// results are drained and dropped.
func (p *Pipeline) collect(ctx context.Context, logger *zap.Logger, results <-chan enhanceResult) ([]models.ItemResult, error) {
	var (
		all    []models.ItemResult
		failed error
	)
	for res := range results {
		if failed != nil {
			continue
		}
		if res.err != nil {
			failed = res.err
			logger.Error("VLM enhancement error", zap.String("item", res.item), zap.Error(res.err))
			p.transition(ctx, models.StageVLMEnhancement, models.StateFailed, res.err.Error())
			continue
		}
		for i := range res.items {
			res.items[i].Match = p.deps.Inventory.Contains(res.items[i].ItemName)
		}
		all = append(all, res.items...)
		unique := DedupeByName(all)
		p.tracker.update(func(r *models.RunResult) { r.VLMResults = unique })
	}
	if failed != nil {
		return nil, failed
	}
	return DedupeByName(all), nil
}

// DedupeByName keeps one entry per item name: the position of the first
// occurrence and the value of the last one.
func DedupeByName(items []models.ItemResult) []models.ItemResult {
	index := make(map[string]int, len(items))
	out := make([]models.ItemResult, 0, len(items))
	for _, it := range items {
		if i, ok := index[it.ItemName]; ok {
			out[i] = it
			continue
		}
		index[it.ItemName] = len(out)
		out = append(out, it)
	}
	return out
}

// transition records a stage change and reports it
func (p *Pipeline) transition(ctx context.Context, stage models.Stage, state models.State, msg string) {
	p.apply(ctx, models.StageStatus{Stage: stage, State: state, Message: msg}, nil)
}

// transitionFrom changes stage to state only while it is still in from
func (p *Pipeline) transitionFrom(ctx context.Context, stage models.Stage, from, to models.State) {
	p.apply(ctx, models.StageStatus{Stage: stage, State: to}, func(current models.State) bool {
		return current == from
	})
}

func (p *Pipeline) apply(ctx context.Context, st models.StageStatus, allow func(current models.State) bool) {
	var (
		runID   string
		changed bool
	)
	p.tracker.update(func(r *models.RunResult) {
		runID = r.RunID
		var target *models.StageStatus
		switch st.Stage {
		case models.StageObjectDetection:
			target = &r.OD
		case models.StageVLMEnhancement:
			target = &r.VLM
		case models.StageAgent:
			target = &r.Agent
		default:
			return
		}
		if allow != nil && !allow(target.State) {
			return
		}
		*target = st
		changed = true
	})
	if changed {
		p.report(ctx, models.ProgressUpdate{RunID: runID, Stage: st.Stage, State: st.State, Message: st.Message, Timestamp: time.Now().UTC()})
	}
}

func (p *Pipeline) report(ctx context.Context, u models.ProgressUpdate) {
	for _, r := range p.deps.Progress {
		if err := r.Report(ctx, u); err != nil {
			p.logger.Warn("failed to report progress", zap.String("stage", string(u.Stage)), zap.Error(err))
		}
	}
}

func (p *Pipeline) appendResults(logger *zap.Logger, record map[string]any) {
	if p.deps.Results == nil {
		return
	}
	if err := p.deps.Results.Append(record); err != nil {
		logger.Error("error writing results", zap.Error(err))
	}
}

// finish stamps the run and hands it to the sinks
func (p *Pipeline) finish(ctx context.Context, logger *zap.Logger) *models.RunResult {
	now := time.Now().UTC()
	run := p.tracker.update(func(r *models.RunResult) { r.CompletedAt = &now })

	for _, sink := range p.deps.Sinks {
		if err := sink.Persist(ctx, run); err != nil {
			logger.Warn("failed to persist run", zap.Error(err))
		}
	}
	logger.Info("=== END OF PIPELINE RUN ===", zap.Bool("succeeded", run.Succeeded()))
	return run
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
