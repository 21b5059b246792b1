// Package daemon wires the recognition pipeline together and runs it until shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCodeEU/facegate/internal/camera"
	"github.com/MrCodeEU/facegate/internal/config"
	"github.com/MrCodeEU/facegate/internal/embedding"
	"github.com/MrCodeEU/facegate/internal/liveness"
	"github.com/MrCodeEU/facegate/internal/metrics"
	"github.com/MrCodeEU/facegate/internal/overlay"
	"github.com/MrCodeEU/facegate/internal/pipeline"
	"github.com/MrCodeEU/facegate/internal/server"
	"github.com/MrCodeEU/facegate/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Daemon owns every long-lived component of a recognition session
type Daemon struct {
	cfg        *config.Config
	configPath string
	logger     *logrus.Logger

	source models.DescriptorSource
	frames pipeline.FrameSource

	client *models.InferenceClient
	camera *camera.Camera
	cache  *embedding.Store

	metrics    *metrics.Manager
	templates  *embedding.Templates
	matcher    *embedding.Matcher
	analyzer   *liveness.Analyzer
	hub        *overlay.Hub
	latest     *overlay.Latest
	controller *pipeline.Controller
	server     *server.Server
}

// Option overrides a collaborator the daemon would otherwise build from configuration
type Option func(*Daemon)

// WithDescriptorSource replaces the gRPC inference client
func WithDescriptorSource(source models.DescriptorSource) Option {
	return func(d *Daemon) {
		d.source = source
	}
}

// WithFrameSource replaces the configured camera or still directory
func WithFrameSource(frames pipeline.FrameSource) Option {
	return func(d *Daemon) {
		d.frames = frames
	}
}

// WithMetrics uses m instead of a fresh metrics manager
func WithMetrics(m *metrics.Manager) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

// New connects to the inference service, enrolls the roster and prepares the pipeline.
// configPath is re-read on SIGHUP.
func New(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger, opts ...Option) (d *Daemon, err error) {
	d = &Daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.NewManager(metrics.WithNamespace(cfg.Server.MetricsNamespace))
	}

	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.source == nil {
		logger.WithField("address", cfg.Inference.Address).Info("Connecting to inference service...")
		d.client, err = models.NewInferenceClient(ctx, cfg.Inference.Address,
			models.WithTimeout(cfg.InferenceTimeout()),
			models.WithMinScore(cfg.Inference.MinScore),
			models.WithDescriptorSize(cfg.Recognition.DescriptorSize),
			models.WithJPEGQuality(cfg.Inference.JPEGQuality),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to inference service: %w", err)
		}
		d.source = d.client
	}

	if cfg.Storage.DatabasePath != "" {
		d.cache, err = embedding.NewStore(cfg.Storage.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open descriptor cache: %w", err)
		}
	}

	d.templates, err = Enroll(ctx, cfg, d.source, d.cache, logger, nil)
	if err != nil {
		return nil, err
	}
	d.metrics.SetEnrolled(d.templates.Len())

	if d.frames == nil {
		if err := d.openFrames(ctx); err != nil {
			return nil, err
		}
	}

	d.matcher = embedding.NewMatcher(cfg.Recognition.MatchRejectionThreshold)
	d.latest = &overlay.Latest{}
	d.hub = overlay.NewHub(logger, d.metrics)

	pcfg := pipeline.Config{
		Frames:    d.frames,
		Source:    d.source,
		Templates: d.templates,
		Matcher:   d.matcher,
		Presenter: overlay.Fanout{
			overlay.NewLogPresenter(logger),
			d.latest,
			d.hub,
		},
		Metrics:      d.metrics,
		Logger:       logger,
		TickInterval: cfg.TickInterval(),
		CycleTimeout: cfg.CycleTimeout(),
		Workers:      cfg.Cycle.Workers,
	}
	if cfg.Liveness.Enabled {
		d.analyzer = liveness.NewAnalyzer(thresholds(cfg), logger)
		pcfg.Analyzer = d.analyzer
	} else {
		logger.Warn("Liveness analysis disabled")
	}

	d.controller, err = pipeline.NewController(pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	if cfg.Server.Enabled {
		d.server = server.New(server.Options{
			Latest:    d.latest,
			Templates: d.templates,
			Metrics:   d.metrics.Handler(),
			Overlay:   d.hub,
			Logger:    logger,
		})
	}

	return d, nil
}

func (d *Daemon) openFrames(ctx context.Context) error {
	if dir := d.cfg.Camera.StillDir; dir != "" {
		still, err := camera.NewStillSource(dir)
		if err != nil {
			return err
		}
		d.logger.WithFields(logrus.Fields{"dir": dir, "images": still.Len()}).Info("Using still images")
		d.frames = still
		return nil
	}

	cam, err := camera.NewCamera(d.cfg.Camera, d.logger)
	if err != nil {
		return err
	}
	d.camera = cam
	if err := cam.Start(ctx); err != nil {
		return err
	}
	d.frames = cam
	return nil
}

// Run drives the controller and the HTTP server until ctx is cancelled or one of them fails
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.WithFields(logrus.Fields{
		"identities": d.templates.Len(),
		"tick":       d.cfg.TickInterval(),
		"timeout":    d.cfg.CycleTimeout(),
	}).Info("Starting FaceGate daemon...")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.controller.Run(ctx)
	})

	if d.server != nil {
		g.Go(func() error {
			return d.server.ListenAndServe(ctx, d.cfg.Server.Address)
		})
	}

	g.Go(func() error {
		d.watchReload(ctx)
		return nil
	})

	err := g.Wait()
	d.hub.Close()

	stats := d.controller.Stats()
	d.logger.WithFields(logrus.Fields{
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"dropped":   stats.Dropped,
	}).Info("Daemon shutting down...")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) watchReload(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigChan:
			d.logger.Info("Received reload signal (SIGHUP)")
			if err := d.Reload(); err != nil {
				d.logger.WithError(err).Error("Failed to reload config")
			}
		}
	}
}

// Reload re-reads the configuration file and applies the match and liveness thresholds.
// Every other setting needs a restart.
func (d *Daemon) Reload() error {
	newCfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration on reload: %w", err)
	}

	d.matcher.SetThreshold(newCfg.Recognition.MatchRejectionThreshold)
	if d.analyzer != nil {
		d.analyzer.SetThresholds(thresholds(newCfg))
	}

	d.logger.WithFields(logrus.Fields{
		"match_threshold":    d.matcher.Threshold(),
		"focus_threshold":    newCfg.Liveness.FocusThreshold,
		"gradient_threshold": newCfg.Liveness.GradientThreshold,
	}).Info("Configuration reloaded successfully")
	return nil
}

// Latest returns the most recent cycle report
func (d *Daemon) Latest() *pipeline.CycleReport {
	return d.latest.Report()
}

// Server returns the HTTP surface, or nil when it is disabled
func (d *Daemon) Server() *server.Server {
	return d.server
}

// Close releases the camera, cache and inference connection
func (d *Daemon) Close() error {
	var errs []error
	if d.camera != nil {
		errs = append(errs, d.camera.Close())
	}
	if d.cache != nil {
		errs = append(errs, d.cache.Close())
	}
	if d.client != nil {
		errs = append(errs, d.client.Close())
	}
	return errors.Join(errs...)
}

func thresholds(cfg *config.Config) liveness.Thresholds {
	return liveness.Thresholds{
		Focus:    cfg.Liveness.FocusThreshold,
		Gradient: cfg.Liveness.GradientThreshold,
	}
}
