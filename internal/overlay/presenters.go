// Package overlay provides the presenters that consume frame cycle reports
package overlay

import (
	"math"
	"sync/atomic"

	"github.com/MrCodeEU/facegate/internal/pipeline"
	"github.com/sirupsen/logrus"
)

// LogPresenter writes one log line per detected face
type LogPresenter struct {
	logger *logrus.Logger
}

// NewLogPresenter creates a presenter that logs at info level
func NewLogPresenter(logger *logrus.Logger) *LogPresenter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogPresenter{logger: logger}
}

// Present logs the results of a cycle
func (p *LogPresenter) Present(report *pipeline.CycleReport) {
	for i, r := range report.Results {
		fields := logrus.Fields{
			"cycle":    report.ID,
			"face":     i,
			"label":    r.Match.Label,
			"spoofed":  r.Liveness.IsSpoofed,
			"focus":    r.Liveness.FocusScore,
			"texture":  r.Liveness.TextureScore,
			"degraded": r.Liveness.Degraded,
			"box":      r.Box,
		}
		// JSON cannot encode Inf, which marks an unmatched face
		if d := r.Match.Distance; !math.IsInf(d, 0) && !math.IsNaN(d) {
			fields["distance"] = d
		}
		p.logger.WithFields(fields).Info(r.Caption)
	}
}

// Latest keeps the most recent report for polling clients
type Latest struct {
	report atomic.Pointer[pipeline.CycleReport]
}

// Present stores the report
func (l *Latest) Present(report *pipeline.CycleReport) {
	l.report.Store(report)
}

// Report returns the most recent report, or nil before the first cycle
func (l *Latest) Report() *pipeline.CycleReport {
	return l.report.Load()
}

// Fanout hands every report to several presenters in order
type Fanout []pipeline.Presenter

// Present calls every presenter
func (f Fanout) Present(report *pipeline.CycleReport) {
	for _, p := range f {
		if p != nil {
			p.Present(report)
		}
	}
}
