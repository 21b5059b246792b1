package embedding

import (
	"errors"
	"math"
	"testing"

	"github.com/MrCodeEU/facegate/pkg/models"
)

func mustTemplates(t *testing.T, templates ...Template) *Templates {
	t.Helper()
	set, err := NewTemplates(templates)
	if err != nil {
		t.Fatalf("Failed to build templates: %v", err)
	}
	return set
}

func TestMatch(t *testing.T) {
	set := mustTemplates(t,
		Template{Label: "alice", Descriptors: []models.Descriptor{{0, 0, 0}, {1, 0, 0}}},
		Template{Label: "bob", Descriptors: []models.Descriptor{{0, 1, 0}}},
	)
	m := NewMatcher(0.6)

	tests := []struct {
		name      string
		probe     models.Descriptor
		wantLabel string
		wantDist  float64
	}{
		{"exact first reference", models.Descriptor{0, 0, 0}, "alice", 0},
		{"closest to second reference", models.Descriptor{0.9, 0, 0}, "alice", 0.1},
		{"bob", models.Descriptor{0, 1.2, 0}, "bob", 0.2},
		{"too far from everyone", models.Descriptor{0, 0, 5}, UnknownLabel, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.probe, set)
			if got.Label != tt.wantLabel {
				t.Errorf("Expected label %q, got %q", tt.wantLabel, got.Label)
			}
			if math.Abs(got.Distance-tt.wantDist) > 1e-6 {
				t.Errorf("Expected distance %.3f, got %.3f", tt.wantDist, got.Distance)
			}
		})
	}
}

func TestMatchTieKeepsRosterOrder(t *testing.T) {
	set := mustTemplates(t,
		Template{Label: "first", Descriptors: []models.Descriptor{{1, 0}}},
		Template{Label: "second", Descriptors: []models.Descriptor{{-1, 0}}},
	)

	got := NewMatcher(2).Match(models.Descriptor{0, 0}, set)
	if got.Label != "first" {
		t.Errorf("Expected tie to go to %q, got %q", "first", got.Label)
	}
}

func TestMatchDeterministic(t *testing.T) {
	set := mustTemplates(t,
		Template{Label: "a", Descriptors: []models.Descriptor{{0.1, 0.2}, {0.3, 0.1}}},
		Template{Label: "b", Descriptors: []models.Descriptor{{0.5, 0.5}}},
	)
	m := NewMatcher(0.6)
	probe := models.Descriptor{0.25, 0.3}

	first := m.Match(probe, set)
	for i := 0; i < 100; i++ {
		if got := m.Match(probe, set); got != first {
			t.Fatalf("Match not deterministic: %+v vs %+v", got, first)
		}
	}

	labels := map[string]bool{"a": true, "b": true, UnknownLabel: true}
	if !labels[first.Label] {
		t.Errorf("Match returned label outside the roster: %q", first.Label)
	}
}

func TestMatchDimensionMismatch(t *testing.T) {
	set := mustTemplates(t, Template{Label: "a", Descriptors: []models.Descriptor{{0, 0, 0}}})

	got := NewMatcher(0.6).Match(models.Descriptor{0, 0}, set)
	if got.Label != UnknownLabel || !math.IsInf(got.Distance, 1) {
		t.Errorf("Expected unknown with +Inf, got %+v", got)
	}

	got = NewMatcher(0.6).Match(models.Descriptor{0, 0}, nil)
	if got.Label != UnknownLabel || !math.IsInf(got.Distance, 1) {
		t.Errorf("Expected unknown with +Inf for empty set, got %+v", got)
	}
}

func TestMatcherThresholdSwap(t *testing.T) {
	set := mustTemplates(t, Template{Label: "a", Descriptors: []models.Descriptor{{0, 0}}})
	m := NewMatcher(0.6)
	probe := models.Descriptor{0.5, 0}

	if got := m.Match(probe, set); got.Label != "a" {
		t.Fatalf("Expected match under 0.6, got %+v", got)
	}

	m.SetThreshold(0.4)
	if got := m.Match(probe, set); got.Label != UnknownLabel || got.Distance != 0.5 {
		t.Errorf("Expected unknown at distance 0.5 after tightening, got %+v", got)
	}

	m.SetThreshold(-1)
	if m.Threshold() != DefaultMatchThreshold {
		t.Errorf("Expected invalid threshold to fall back to default, got %v", m.Threshold())
	}
}

func TestNewTemplates(t *testing.T) {
	tests := []struct {
		name      string
		templates []Template
		wantErr   error
	}{
		{"empty", nil, ErrEmptyRoster},
		{"dimension mismatch", []Template{
			{Label: "a", Descriptors: []models.Descriptor{{1, 2}}},
			{Label: "b", Descriptors: []models.Descriptor{{1, 2, 3}}},
		}, models.ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTemplates(tt.templates); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	invalid := map[string][]Template{
		"duplicate label": {
			{Label: "a", Descriptors: []models.Descriptor{{1}}},
			{Label: "a", Descriptors: []models.Descriptor{{2}}},
		},
		"empty label":    {{Descriptors: []models.Descriptor{{1}}}},
		"reserved label": {{Label: UnknownLabel, Descriptors: []models.Descriptor{{1}}}},
		"no descriptors": {{Label: "a"}},
	}
	for name, templates := range invalid {
		t.Run(name, func(t *testing.T) {
			var enrollErr *EnrollmentError
			if _, err := NewTemplates(templates); !errors.As(err, &enrollErr) {
				t.Errorf("Expected EnrollmentError, got %v", err)
			}
		})
	}
}

func TestTemplatesAreCopied(t *testing.T) {
	d := models.Descriptor{1, 2}
	set := mustTemplates(t, Template{Label: "a", Descriptors: []models.Descriptor{d}})
	d[0] = 100

	got := NewMatcher(0.6).Match(models.Descriptor{1, 2}, set)
	if got.Label != "a" || got.Distance != 0 {
		t.Errorf("Template should not observe caller mutations, got %+v", got)
	}
}
