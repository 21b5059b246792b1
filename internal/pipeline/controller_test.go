package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrCodeEU/facegate/internal/embedding"
	"github.com/MrCodeEU/facegate/internal/liveness"
	"github.com/MrCodeEU/facegate/pkg/models"
	"github.com/MrCodeEU/facegate/pkg/utils"
	"github.com/sirupsen/logrus"
	. "github.com/smartystreets/goconvey/convey"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func noiseFrame(w, h int, seed uint64) *image.RGBA {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		v := uint8(rng.IntN(256))
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img
}

// staticFrames returns the same frame forever
type staticFrames struct{ img image.Image }

func (s staticFrames) Frame(context.Context) (image.Image, error) { return s.img, nil }

// queuedFrames returns frames in order and then fails
type queuedFrames struct {
	mu     sync.Mutex
	frames []image.Image
}

func (q *queuedFrames) Frame(context.Context) (image.Image, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, errors.New("no more frames")
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, nil
}

// keyedSource returns the detections registered for a frame
type keyedSource map[image.Image][]models.Detection

func (k keyedSource) Detect(_ context.Context, img image.Image) ([]models.Detection, error) {
	return k[img], nil
}

func enrolledA(t *testing.T) *embedding.Templates {
	t.Helper()
	set, err := embedding.NewTemplates([]embedding.Template{
		{Label: "A", Descriptors: []models.Descriptor{{0, 0, 0, 0}, {0.1, 0, 0, 0}}},
		{Label: "B", Descriptors: []models.Descriptor{{1, 1, 1, 1}}},
	})
	if err != nil {
		t.Fatalf("Failed to build templates: %v", err)
	}
	return set
}

func newAnalyzer() *liveness.Analyzer {
	return liveness.NewAnalyzer(liveness.Thresholds{
		Focus:    liveness.DefaultFocusThreshold,
		Gradient: liveness.DefaultGradientThreshold,
	}, quietLogger())
}

func TestEndToEnd(t *testing.T) {
	Convey("Given A enrolled with two references", t, func() {
		sharp := noiseFrame(96, 96, 1)
		blurred := utils.BoxBlur(sharp, 7, 2)
		stranger := noiseFrame(96, 96, 2)
		face := models.Box{X: 16, Y: 16, Width: 64, Height: 64}

		source := keyedSource{
			blurred:  {{Box: face, Score: 0.9, Descriptor: models.Descriptor{0.05, 0, 0, 0}}},
			sharp:    {{Box: face, Score: 0.9, Descriptor: models.Descriptor{0.12, 0, 0, 0}}},
			stranger: {{Box: face, Score: 0.9, Descriptor: models.Descriptor{5, 5, 5, 5}}},
		}

		var reports []*CycleReport
		c, err := NewController(Config{
			Frames:    &queuedFrames{frames: []image.Image{blurred, sharp, stranger}},
			Source:    source,
			Templates: enrolledA(t),
			Matcher:   embedding.NewMatcher(0.6),
			Analyzer:  newAnalyzer(),
			Presenter: PresenterFunc(func(r *CycleReport) { reports = append(reports, r) }),
			Logger:    quietLogger(),
		})
		So(err, ShouldBeNil)

		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := c.RunCycle(ctx)
			So(err, ShouldBeNil)
		}
		So(reports, ShouldHaveLength, 3)

		Convey("Then the blurred probe is A but spoofed", func() {
			r := reports[0].Results[0]
			So(r.Match.Label, ShouldEqual, "A")
			So(r.Liveness.IsSpoofed, ShouldBeTrue)
			So(r.Colour, ShouldEqual, ColourSpoofed)
			So(r.Caption, ShouldEqual, "A (0.05) (Spoofed!)")
		})

		Convey("Then the sharp probe is A and live", func() {
			r := reports[1].Results[0]
			So(r.Match.Label, ShouldEqual, "A")
			So(r.Liveness.IsSpoofed, ShouldBeFalse)
			So(r.Colour, ShouldEqual, ColourLive)
			So(r.Caption, ShouldEqual, "A (0.02)")
		})

		Convey("Then the unenrolled face is unknown", func() {
			r := reports[2].Results[0]
			So(r.Match.Label, ShouldEqual, embedding.UnknownLabel)
			So(r.Match.Distance, ShouldEqual, 8)
		})

		Convey("Then reports carry frame metadata", func() {
			So(reports[0].ID, ShouldNotBeEmpty)
			So(reports[0].FrameWidth, ShouldEqual, 96)
			So(reports[0].FrameHeight, ShouldEqual, 96)
			So(reports[0].ID, ShouldNotEqual, reports[1].ID)
		})
	})
}

func TestResultsKeepDetectionOrder(t *testing.T) {
	Convey("Given a frame with many faces", t, func() {
		frame := noiseFrame(64, 64, 3)
		var detections []models.Detection
		for i := 0; i < 12; i++ {
			detections = append(detections, models.Detection{
				Box:        models.Box{X: float64(i), Y: 0, Width: 16, Height: 16},
				Descriptor: models.Descriptor{float32(i) * 0.01, 0, 0, 0},
			})
		}

		c, err := NewController(Config{
			Frames:    staticFrames{frame},
			Source:    keyedSource{frame: detections},
			Templates: enrolledA(t),
			Analyzer:  newAnalyzer(),
			Logger:    quietLogger(),
			Workers:   3,
		})
		So(err, ShouldBeNil)

		report, err := c.RunCycle(context.Background())
		So(err, ShouldBeNil)

		Convey("Then there is one result per detection in the same order", func() {
			So(report.Results, ShouldHaveLength, len(detections))
			for i, r := range report.Results {
				So(r.Box.X, ShouldEqual, float64(i))
			}
		})
	})
}

// blockingSource counts concurrent calls and blocks until released
type blockingSource struct {
	release chan struct{}
	active  atomic.Int32
	max     atomic.Int32
	calls   atomic.Int32
}

func (b *blockingSource) Detect(ctx context.Context, _ image.Image) ([]models.Detection, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	b.calls.Add(1)
	for {
		cur := b.max.Load()
		if n <= cur || b.max.CompareAndSwap(cur, n) {
			break
		}
	}
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSingleCycleInFlight(t *testing.T) {
	Convey("Given a slow descriptor source", t, func() {
		source := &blockingSource{release: make(chan struct{})}
		var presented atomic.Int32

		c, err := NewController(Config{
			Frames:    staticFrames{noiseFrame(8, 8, 1)},
			Source:    source,
			Templates: enrolledA(t),
			Presenter: PresenterFunc(func(*CycleReport) { presented.Add(1) }),
			Logger:    quietLogger(),
		})
		So(err, ShouldBeNil)

		Convey("When ticks are injected rapidly", func() {
			ctx := context.Background()
			started := 0
			for i := 0; i < 50; i++ {
				if c.Tick(ctx) {
					started++
				}
			}

			So(started, ShouldEqual, 1)
			So(c.Busy(), ShouldBeTrue)

			close(source.release)
			c.Wait()

			for i := 0; i < 20; i++ {
				c.Tick(ctx)
				c.Wait()
			}

			Convey("Then at most one cycle was ever active", func() {
				So(source.max.Load(), ShouldEqual, 1)
				So(c.Stats().Dropped, ShouldEqual, 49)
				So(presented.Load(), ShouldEqual, 21)
				So(c.Busy(), ShouldBeFalse)
			})
		})
	})
}

func TestFailedCyclesAreSkipped(t *testing.T) {
	Convey("Given a frame source that fails once", t, func() {
		frame := noiseFrame(32, 32, 5)
		frames := &queuedFrames{}
		var presented int

		c, err := NewController(Config{
			Frames:    frames,
			Source:    keyedSource{frame: {{Box: models.Box{Width: 32, Height: 32}, Descriptor: models.Descriptor{0, 0, 0, 0}}}},
			Templates: enrolledA(t),
			Presenter: PresenterFunc(func(*CycleReport) { presented++ }),
			Logger:    quietLogger(),
		})
		So(err, ShouldBeNil)

		_, err = c.RunCycle(context.Background())

		Convey("Then the cycle reports FrameUnavailableError and presents nothing", func() {
			var frameErr *FrameUnavailableError
			So(errors.As(err, &frameErr), ShouldBeTrue)
			So(frameErr.Stage, ShouldEqual, "frame")
			So(presented, ShouldEqual, 0)
			So(c.Stats().Failed, ShouldEqual, 1)
		})

		Convey("Then the next cycle proceeds normally", func() {
			frames.frames = []image.Image{frame}
			report, err := c.RunCycle(context.Background())
			So(err, ShouldBeNil)
			So(report.Results, ShouldHaveLength, 1)
			So(presented, ShouldEqual, 1)
		})
	})

	Convey("Given a descriptor source that never answers", t, func() {
		source := &blockingSource{release: make(chan struct{})}
		c, err := NewController(Config{
			Frames:       staticFrames{noiseFrame(8, 8, 1)},
			Source:       source,
			Templates:    enrolledA(t),
			Logger:       quietLogger(),
			CycleTimeout: 50 * time.Millisecond,
		})
		So(err, ShouldBeNil)

		start := time.Now()
		_, err = c.RunCycle(context.Background())

		Convey("Then the cycle is abandoned at the timeout", func() {
			var frameErr *FrameUnavailableError
			So(errors.As(err, &frameErr), ShouldBeTrue)
			So(frameErr.Stage, ShouldEqual, "detect")
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			So(time.Since(start), ShouldBeLessThan, time.Second)
		})
	})

	Convey("Given a descriptor source that panics", t, func() {
		c, err := NewController(Config{
			Frames: staticFrames{noiseFrame(8, 8, 1)},
			Source: models.DescriptorSourceFunc(func(context.Context, image.Image) ([]models.Detection, error) {
				panic("model crashed")
			}),
			Templates: enrolledA(t),
			Logger:    quietLogger(),
		})
		So(err, ShouldBeNil)

		Convey("Then the panic becomes a skipped cycle", func() {
			So(func() { _, err = c.RunCycle(context.Background()) }, ShouldNotPanic)
			So(err, ShouldNotBeNil)
			So(c.Stats().Failed, ShouldEqual, 1)
		})
	})
}

// panickingAnalyzer fails on every region
type panickingAnalyzer struct{}

func (panickingAnalyzer) Analyze(image.Image) liveness.Verdict {
	panic("analyzer crashed")
}

func TestAnalyzerPanicSkipsCycle(t *testing.T) {
	Convey("Given an analyzer that panics on a worker", t, func() {
		frame := noiseFrame(32, 32, 9)
		var presented int

		c, err := NewController(Config{
			Frames: staticFrames{frame},
			Source: keyedSource{frame: {
				{Box: models.Box{Width: 16, Height: 16}, Descriptor: models.Descriptor{0, 0, 0, 0}},
				{Box: models.Box{X: 16, Width: 16, Height: 16}, Descriptor: models.Descriptor{1, 1, 1, 1}},
			}},
			Templates: enrolledA(t),
			Analyzer:  panickingAnalyzer{},
			Presenter: PresenterFunc(func(*CycleReport) { presented++ }),
			Logger:    quietLogger(),
		})
		So(err, ShouldBeNil)

		var report *CycleReport
		So(func() { report, err = c.RunCycle(context.Background()) }, ShouldNotPanic)

		Convey("Then the cycle is skipped and nothing is presented", func() {
			var frameErr *FrameUnavailableError
			So(errors.As(err, &frameErr), ShouldBeTrue)
			So(frameErr.Stage, ShouldEqual, "analyse")
			So(report, ShouldBeNil)
			So(presented, ShouldEqual, 0)
			So(c.Stats().Failed, ShouldEqual, 1)
			So(c.Stats().Completed, ShouldEqual, 0)
		})
	})
}

func TestRunStartsNoCycleAfterCancel(t *testing.T) {
	Convey("Given a controller whose context is already cancelled", t, func() {
		source := &blockingSource{release: make(chan struct{})}
		close(source.release)

		c, err := NewController(Config{
			Frames:       staticFrames{noiseFrame(8, 8, 1)},
			Source:       source,
			Templates:    enrolledA(t),
			Logger:       quietLogger(),
			TickInterval: time.Millisecond,
		})
		So(err, ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		So(c.Run(ctx), ShouldBeNil)

		Convey("Then no cycle ran", func() {
			So(source.calls.Load(), ShouldEqual, 0)
			So(c.Stats().Completed, ShouldEqual, 0)
			So(c.Busy(), ShouldBeFalse)
		})
	})
}

func TestRunFinishesInFlightCycle(t *testing.T) {
	Convey("Given a running controller with a cycle in flight", t, func() {
		source := &blockingSource{release: make(chan struct{})}
		var presented atomic.Int32

		c, err := NewController(Config{
			Frames:       staticFrames{noiseFrame(8, 8, 1)},
			Source:       source,
			Templates:    enrolledA(t),
			Presenter:    PresenterFunc(func(*CycleReport) { presented.Add(1) }),
			Logger:       quietLogger(),
			TickInterval: 5 * time.Millisecond,
		})
		So(err, ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()

		for source.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}

		Convey("When the controller is stopped", func() {
			cancel()
			time.Sleep(20 * time.Millisecond)

			returnedEarly := false
			select {
			case <-done:
				returnedEarly = true
			default:
			}
			So(returnedEarly, ShouldBeFalse)

			close(source.release)
			So(<-done, ShouldBeNil)

			Convey("Then the in-flight cycle was presented", func() {
				So(presented.Load(), ShouldEqual, 1)
				So(c.Busy(), ShouldBeFalse)
			})
		})
	})
}

func TestLivenessDisabled(t *testing.T) {
	Convey("Given no analyzer", t, func() {
		frame := image.NewRGBA(image.Rect(0, 0, 16, 16))
		c, err := NewController(Config{
			Frames:    staticFrames{frame},
			Source:    keyedSource{frame: {{Box: models.Box{Width: 16, Height: 16}, Descriptor: models.Descriptor{0, 0, 0, 0}}}},
			Templates: enrolledA(t),
			Logger:    quietLogger(),
		})
		So(err, ShouldBeNil)

		report, err := c.RunCycle(context.Background())
		So(err, ShouldBeNil)

		Convey("Then a flat face is reported live", func() {
			So(report.Results[0].Liveness.IsSpoofed, ShouldBeFalse)
			So(report.Results[0].Caption, ShouldEqual, "A (0.00)")
		})
	})
}

func TestNewControllerValidation(t *testing.T) {
	Convey("Given incomplete configurations", t, func() {
		frames := staticFrames{noiseFrame(4, 4, 1)}
		source := keyedSource{}

		_, err := NewController(Config{Source: source, Templates: enrolledA(t)})
		So(err, ShouldNotBeNil)

		_, err = NewController(Config{Frames: frames, Templates: enrolledA(t)})
		So(err, ShouldNotBeNil)

		_, err = NewController(Config{Frames: frames, Source: source})
		So(errors.Is(err, embedding.ErrEmptyRoster), ShouldBeTrue)
	})
}
