package embedding

import (
	"encoding/json"
	"math"
	"sync/atomic"

	"github.com/MrCodeEU/facegate/pkg/models"
)

// DefaultMatchThreshold is the maximum Euclidean distance accepted as a match
const DefaultMatchThreshold = 0.6

// MatchResult is the outcome of matching one probe descriptor
type MatchResult struct {
	Label    string  `json:"label"`
	Distance float64 `json:"distance"`
}

// Known reports whether the probe was attributed to an enrolled identity
func (m MatchResult) Known() bool {
	return m.Label != UnknownLabel
}

// MarshalJSON encodes a non-finite distance as null
func (m MatchResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Label    string   `json:"label"`
		Distance *float64 `json:"distance"`
	}{Label: m.Label}
	if !math.IsInf(m.Distance, 0) && !math.IsNaN(m.Distance) {
		out.Distance = &m.Distance
	}
	return json.Marshal(out)
}

// Matcher finds the nearest enrolled identity of a probe descriptor.
// It is safe for concurrent use; the threshold may be swapped at runtime.
type Matcher struct {
	threshold atomic.Uint64 // math.Float64bits
}

// NewMatcher creates a matcher with the given rejection threshold
func NewMatcher(threshold float64) *Matcher {
	m := &Matcher{}
	m.SetThreshold(threshold)
	return m
}

// Threshold returns the current rejection threshold
func (m *Matcher) Threshold() float64 {
	return math.Float64frombits(m.threshold.Load())
}

// SetThreshold replaces the rejection threshold
func (m *Matcher) SetThreshold(threshold float64) {
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultMatchThreshold
	}
	m.threshold.Store(math.Float64bits(threshold))
}

// Match compares the probe against every reference descriptor. Each identity scores its
// closest reference; the identity with the smallest score wins, ties going to the first in
// roster order. A winner farther than the threshold is reported as unknown with its distance.
func (m *Matcher) Match(probe models.Descriptor, templates *Templates) MatchResult {
	best := MatchResult{Label: UnknownLabel, Distance: math.Inf(1)}
	if templates.Len() == 0 || len(probe) != templates.Dimension() {
		return best
	}

	for _, tpl := range templates.templates {
		for _, ref := range tpl.Descriptors {
			d, err := models.EuclideanDistance(probe, ref)
			if err != nil || math.IsNaN(d) {
				continue
			}
			if d < best.Distance {
				best = MatchResult{Label: tpl.Label, Distance: d}
			}
		}
	}

	if best.Distance > m.Threshold() {
		best.Label = UnknownLabel
	}

	return best
}
