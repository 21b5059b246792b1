// Package pipeline drives the periodic frame cycle: sample a frame, detect faces,
// match and analyse each face, and hand the results to a presenter.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/facegate/internal/embedding"
	"github.com/MrCodeEU/facegate/internal/liveness"
	"github.com/MrCodeEU/facegate/internal/metrics"
	"github.com/MrCodeEU/facegate/pkg/models"
	"github.com/MrCodeEU/facegate/pkg/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Defaults of the cycle timing
const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultCycleTimeout = 2 * time.Second
	DefaultWorkers      = 4
)

// FrameSource provides the most recent video frame
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
}

// LivenessAnalyzer classifies a cropped face region
type LivenessAnalyzer interface {
	Analyze(region image.Image) liveness.Verdict
}

// FrameUnavailableError is returned when a cycle has to be skipped
type FrameUnavailableError struct {
	Stage string // "frame", "detect" or "analyse"
	Err   error
}

func (e *FrameUnavailableError) Error() string {
	return fmt.Sprintf("frame unavailable (%s): %v", e.Stage, e.Err)
}

func (e *FrameUnavailableError) Unwrap() error {
	return e.Err
}

// Config wires a Controller to its collaborators
type Config struct {
	Frames    FrameSource
	Source    models.DescriptorSource
	Templates *embedding.Templates
	Matcher   *embedding.Matcher
	Analyzer  LivenessAnalyzer // nil disables liveness analysis
	Presenter Presenter

	Metrics *metrics.Manager
	Logger  *logrus.Logger

	TickInterval time.Duration
	CycleTimeout time.Duration
	Workers      int
}

// Stats counts what the controller has done so far
type Stats struct {
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Controller runs at most one frame cycle at a time. Ticks arriving while a cycle is
// in flight are dropped.
type Controller struct {
	cfg Config

	busy atomic.Bool
	wg   sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewController validates the configuration and creates a controller
func NewController(cfg Config) (*Controller, error) {
	if cfg.Frames == nil {
		return nil, errors.New("frame source is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("descriptor source is required")
	}
	if cfg.Templates.Len() == 0 {
		return nil, embedding.ErrEmptyRoster
	}
	if cfg.Matcher == nil {
		cfg.Matcher = embedding.NewMatcher(embedding.DefaultMatchThreshold)
	}
	if cfg.Presenter == nil {
		cfg.Presenter = PresenterFunc(func(*CycleReport) {})
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	return &Controller{cfg: cfg}, nil
}

// Run ticks until ctx is cancelled, then waits for the in-flight cycle to hand off
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.cfg.Logger.WithFields(logrus.Fields{
		"interval":   c.cfg.TickInterval,
		"timeout":    c.cfg.CycleTimeout,
		"identities": c.cfg.Templates.Len(),
	}).Info("Frame cycle started")

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			c.cfg.Logger.WithFields(logrus.Fields{
				"completed": c.completed.Load(),
				"failed":    c.failed.Load(),
				"dropped":   c.dropped.Load(),
			}).Info("Frame cycle stopped")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			c.Tick(ctx)
		}
	}
}

// Tick starts a cycle in the background unless one is already in flight.
// It reports whether a cycle was started.
func (c *Controller) Tick(ctx context.Context) bool {
	if !c.busy.CompareAndSwap(false, true) {
		c.dropped.Add(1)
		c.cfg.Metrics.TickDropped()
		c.cfg.Logger.Debug("Tick dropped, cycle still in flight")
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Store(false)
		_, _ = c.RunCycle(ctx)
	}()

	return true
}

// Busy reports whether a cycle is in flight
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Wait blocks until the in-flight cycle, if any, has handed off
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Stats returns the controller counters
func (c *Controller) Stats() Stats {
	return Stats{
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// RunCycle performs one cycle synchronously. Cancelling ctx does not interrupt the cycle;
// only the cycle timeout does. Failures are logged, counted and returned; the presenter
// is only called for successful cycles.
func (c *Controller) RunCycle(ctx context.Context) (report *CycleReport, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CycleTimeout)
	defer cancel()

	id := uuid.NewString()
	start := time.Now()
	logger := c.cfg.Logger.WithField("cycle", id)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			report = nil
			c.failed.Add(1)
			c.cfg.Metrics.CycleFailed(metrics.ReasonPanic)
			logger.WithField("stack", string(debug.Stack())).WithError(err).Error("Frame cycle panicked")
		}
	}()

	frame, err := c.cfg.Frames.Frame(ctx)
	if err != nil {
		return nil, c.skip(logger, &FrameUnavailableError{Stage: "frame", Err: err}, metrics.ReasonFrame)
	}

	detections, err := c.detect(ctx, frame)
	if err != nil {
		reason := metrics.ReasonDetect
		if errors.Is(err, context.DeadlineExceeded) {
			reason = metrics.ReasonTimeout
		}
		return nil, c.skip(logger, &FrameUnavailableError{Stage: "detect", Err: err}, reason)
	}

	results, err := c.analyse(frame, detections)
	if err != nil {
		return nil, c.skip(logger, &FrameUnavailableError{Stage: "analyse", Err: err}, metrics.ReasonPanic)
	}

	bounds := frame.Bounds()
	report = &CycleReport{
		ID:          id,
		StartedAt:   start,
		Duration:    time.Since(start),
		FrameWidth:  bounds.Dx(),
		FrameHeight: bounds.Dy(),
		Results:     results,
	}

	c.cfg.Presenter.Present(report)

	c.completed.Add(1)
	c.cfg.Metrics.CycleCompleted(report.Duration, len(results))
	logger.WithFields(logrus.Fields{
		"faces":    len(results),
		"duration": report.Duration,
	}).Debug("Frame cycle completed")

	return report, nil
}

// detect calls the descriptor source and abandons the wait when the cycle times out
func (c *Controller) detect(ctx context.Context, frame image.Image) ([]models.Detection, error) {
	type outcome struct {
		detections []models.Detection
		err        error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("descriptor source panicked: %v", r)}
			}
		}()
		d, err := c.cfg.Source.Detect(ctx, frame)
		done <- outcome{detections: d, err: err}
	}()

	select {
	case out := <-done:
		return out.detections, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// analyse matches and checks every detection independently, keeping detection order.
// A panic on a worker fails the whole cycle.
func (c *Controller) analyse(frame image.Image, detections []models.Detection) ([]FaceResult, error) {
	results := make([]FaceResult, len(detections))

	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)

	for i, d := range detections {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("face %d analysis panicked: %v", i, r)
				}
			}()
			results[i] = c.analyseFace(frame, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (c *Controller) analyseFace(frame image.Image, d models.Detection) FaceResult {
	match := c.cfg.Matcher.Match(d.Descriptor, c.cfg.Templates)

	var verdict liveness.Verdict
	if c.cfg.Analyzer != nil {
		verdict = c.cfg.Analyzer.Analyze(utils.CropImage(frame, d.Box.Rect()))
	}

	c.cfg.Metrics.FaceAnalysed(match.Known(), verdict.IsSpoofed, verdict.Degraded,
		match.Distance, verdict.FocusScore, verdict.TextureScore)

	return NewFaceResult(d, match, verdict)
}

func (c *Controller) skip(logger *logrus.Entry, err error, reason string) error {
	c.failed.Add(1)
	c.cfg.Metrics.CycleFailed(reason)
	logger.WithError(err).Warn("Frame cycle skipped")
	return err
}
