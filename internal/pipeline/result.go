package pipeline

import (
	"fmt"
	"time"

	"github.com/MrCodeEU/facegate/internal/embedding"
	"github.com/MrCodeEU/facegate/internal/liveness"
	"github.com/MrCodeEU/facegate/pkg/models"
)

// Box colours used by overlays
const (
	ColourLive    = "green"
	ColourSpoofed = "red"
)

// FaceResult is the outcome for one detected face
type FaceResult struct {
	Box      models.Box            `json:"box"`
	Score    float32               `json:"score"`
	Match    embedding.MatchResult `json:"match"`
	Liveness liveness.Verdict      `json:"liveness"`
	Caption  string                `json:"caption"`
	Colour   string                `json:"colour"`
}

// NewFaceResult combines a match and a liveness verdict and derives the caption
func NewFaceResult(d models.Detection, match embedding.MatchResult, verdict liveness.Verdict) FaceResult {
	return FaceResult{
		Box:      d.Box,
		Score:    d.Score,
		Match:    match,
		Liveness: verdict,
		Caption:  Caption(match, verdict),
		Colour:   Colour(verdict),
	}
}

// Caption renders "<label> (<distance>)", marking spoofed faces
func Caption(match embedding.MatchResult, verdict liveness.Verdict) string {
	caption := fmt.Sprintf("%s (%.2f)", match.Label, match.Distance)
	if verdict.IsSpoofed {
		caption += " (Spoofed!)"
	}
	return caption
}

// Colour returns the box colour for a verdict
func Colour(verdict liveness.Verdict) string {
	if verdict.IsSpoofed {
		return ColourSpoofed
	}
	return ColourLive
}

// CycleReport is everything one frame cycle produced, in detection order
type CycleReport struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	FrameWidth  int           `json:"frame_width"`
	FrameHeight int           `json:"frame_height"`
	Results     []FaceResult  `json:"results"`
}

// Presenter consumes cycle reports. Present must not block the cycle.
type Presenter interface {
	Present(report *CycleReport)
}

// PresenterFunc adapts a function to Presenter
type PresenterFunc func(report *CycleReport)

// Present calls f(report)
func (f PresenterFunc) Present(report *CycleReport) {
	f(report)
}
