// Package liveness classifies face regions as live or spoofed from focus and texture statistics
package liveness

import (
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrCodeEU/facegate/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Default thresholds for a live face region
const (
	DefaultFocusThreshold    = 85.0
	DefaultGradientThreshold = 20.0
)

// Verdict is the outcome of analysing one face region
type Verdict struct {
	IsSpoofed    bool    `json:"is_spoofed"`
	FocusScore   float64 `json:"focus_score"`
	TextureScore float64 `json:"texture_score"`
	// Degraded is set when analysis failed and the region was assumed live
	Degraded bool `json:"degraded,omitempty"`
}

// AnalysisError describes a failed analysis. It never leaves the analyzer.
type AnalysisError struct {
	Stage string
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("liveness analysis failed during %s: %v", e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Thresholds holds the minimum scores of a live region
type Thresholds struct {
	Focus    float64
	Gradient float64
}

// Analyzer computes liveness verdicts. It is safe for concurrent use.
type Analyzer struct {
	thresholds atomic.Pointer[Thresholds]
	logger     *logrus.Logger
}

// NewAnalyzer creates an analyzer with the given thresholds
func NewAnalyzer(thresholds Thresholds, logger *logrus.Logger) *Analyzer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &Analyzer{logger: logger}
	a.SetThresholds(thresholds)
	return a
}

// Thresholds returns the thresholds currently in effect
func (a *Analyzer) Thresholds() Thresholds {
	return *a.thresholds.Load()
}

// SetThresholds replaces the thresholds; in-flight analyses keep the old values
func (a *Analyzer) SetThresholds(t Thresholds) {
	a.thresholds.Store(&t)
}

// Analyze classifies a region. Failures are logged and yield a live, degraded verdict.
func (a *Analyzer) Analyze(region image.Image) (verdict Verdict) {
	th := a.Thresholds()

	defer func() {
		if r := recover(); r != nil {
			verdict = a.degraded(&AnalysisError{Stage: "image processing", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	focus, texture, err := Scores(region)
	if err != nil {
		return a.degraded(err)
	}

	return Verdict{
		IsSpoofed:    focus < th.Focus || texture < th.Gradient,
		FocusScore:   focus,
		TextureScore: texture,
	}
}

func (a *Analyzer) degraded(err error) Verdict {
	a.logger.WithError(err).Warn("Liveness analysis failed, assuming live")
	return Verdict{Degraded: true}
}

// Scores returns the focus score (variance of the Laplacian) and the texture score
// (mean Sobel gradient magnitude) of a region's luminance
func Scores(region image.Image) (focus, texture float64, err error) {
	if region == nil {
		return 0, 0, &AnalysisError{Stage: "input", Err: fmt.Errorf("nil region")}
	}

	bounds := region.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return 0, 0, &AnalysisError{Stage: "input", Err: fmt.Errorf("empty region %v", bounds)}
	}

	gray := acquirePlane(w, h)
	defer releasePlane(gray)
	lap := acquirePlane(w, h)
	defer releasePlane(lap)
	gx := acquirePlane(w, h)
	defer releasePlane(gx)
	gy := acquirePlane(w, h)
	defer releasePlane(gy)
	mag := acquirePlane(w, h)
	defer releasePlane(mag)

	luminance(region, gray)
	laplacian(gray, lap)
	sobel(gray, gx, gy)
	magnitude(gx, gy, mag)

	_, variance := meanVariance(lap.pix)
	texture, _ = meanVariance(mag.pix)

	if math.IsNaN(variance) || math.IsInf(variance, 0) || math.IsNaN(texture) || math.IsInf(texture, 0) {
		return 0, 0, &AnalysisError{Stage: "statistics", Err: fmt.Errorf("non-finite score")}
	}

	return variance, texture, nil
}

// plane is a single-channel float image
type plane struct {
	w, h int
	pix  []float64
}

func (p *plane) at(x, y int) float64 {
	return p.pix[reflect101(y, p.h)*p.w+reflect101(x, p.w)]
}

var planePool = sync.Pool{
	New: func() any { return new(plane) },
}

func acquirePlane(w, h int) *plane {
	p := planePool.Get().(*plane)
	n := w * h
	if cap(p.pix) < n {
		p.pix = make([]float64, n)
	}
	p.pix = p.pix[:n]
	p.w, p.h = w, h
	return p
}

func releasePlane(p *plane) {
	planePool.Put(p)
}

// reflect101 mirrors an out-of-range index without repeating the edge pixel (dcb|abcd|cba)
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func luminance(img image.Image, dst *plane) {
	b := img.Bounds()
	for y := 0; y < dst.h; y++ {
		row := dst.pix[y*dst.w : (y+1)*dst.w]
		for x := range row {
			row[x] = float64(utils.Luma(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
}

// laplacian applies the 4-neighbour kernel 0,1,0 / 1,-4,1 / 0,1,0
func laplacian(src, dst *plane) {
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			dst.pix[y*dst.w+x] = src.at(x, y-1) + src.at(x-1, y) + src.at(x+1, y) + src.at(x, y+1) -
				4*src.pix[y*src.w+x]
		}
	}
}

// sobel computes the 3x3 first derivatives in x and y
func sobel(src, gx, gy *plane) {
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			tl, tc, tr := src.at(x-1, y-1), src.at(x, y-1), src.at(x+1, y-1)
			ml, mr := src.at(x-1, y), src.at(x+1, y)
			bl, bc, br := src.at(x-1, y+1), src.at(x, y+1), src.at(x+1, y+1)

			i := y*src.w + x
			gx.pix[i] = (tr + 2*mr + br) - (tl + 2*ml + bl)
			gy.pix[i] = (bl + 2*bc + br) - (tl + 2*tc + tr)
		}
	}
}

func magnitude(gx, gy, dst *plane) {
	for i := range dst.pix {
		dst.pix[i] = math.Hypot(gx.pix[i], gy.pix[i])
	}
}

// meanVariance returns the mean and population variance of values
func meanVariance(values []float64) (mean, variance float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}

	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))

	return mean, variance
}
