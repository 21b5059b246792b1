// Package embedding builds the enrolled identity templates and matches probe descriptors against them
package embedding

import (
	"errors"
	"fmt"

	"github.com/MrCodeEU/facegate/pkg/models"
)

// UnknownLabel is reported for probes that match no enrolled identity
const UnknownLabel = "unknown"

var (
	// ErrNoFace is returned when a reference image contains no face
	ErrNoFace = errors.New("no face found in reference image")
	// ErrMultipleFaces is returned when a reference image contains more than one face
	ErrMultipleFaces = errors.New("more than one face found in reference image")
	// ErrEmptyRoster is returned when there is nothing to enroll
	ErrEmptyRoster = errors.New("enrollment roster is empty")
)

// RosterEntry lists the reference images of one identity
type RosterEntry struct {
	Label  string   `yaml:"label" json:"label"`
	Images []string `yaml:"images" json:"images"`
}

// EnrollmentError reports why an identity could not be enrolled
type EnrollmentError struct {
	Label string
	Index int    // position of the image within the label, -1 when not image specific
	Path  string // reference image path, empty when not image specific
	Err   error
}

func (e *EnrollmentError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("enrollment of %q failed: %v", e.Label, e.Err)
	}
	return fmt.Sprintf("enrollment of %q failed at image %d (%s): %v", e.Label, e.Index, e.Path, e.Err)
}

func (e *EnrollmentError) Unwrap() error {
	return e.Err
}

// Template holds the reference descriptors of one enrolled identity
type Template struct {
	Label       string              `json:"label"`
	Descriptors []models.Descriptor `json:"-"`
}

// Templates is the immutable set of enrolled identities in roster order
type Templates struct {
	templates []Template
	dimension int
}

// NewTemplates validates and copies a template set.
// Labels must be unique and non-empty, every template needs at least one descriptor
// and all descriptors must share one dimension.
func NewTemplates(templates []Template) (*Templates, error) {
	if len(templates) == 0 {
		return nil, ErrEmptyRoster
	}

	seen := make(map[string]struct{}, len(templates))
	out := make([]Template, 0, len(templates))
	dimension := 0

	for _, t := range templates {
		if t.Label == "" {
			return nil, &EnrollmentError{Index: -1, Err: errors.New("empty label")}
		}
		if t.Label == UnknownLabel {
			return nil, &EnrollmentError{Label: t.Label, Index: -1, Err: errors.New("label is reserved")}
		}
		if _, dup := seen[t.Label]; dup {
			return nil, &EnrollmentError{Label: t.Label, Index: -1, Err: errors.New("duplicate label")}
		}
		seen[t.Label] = struct{}{}

		if len(t.Descriptors) == 0 {
			return nil, &EnrollmentError{Label: t.Label, Index: -1, Err: errors.New("no reference descriptors")}
		}

		descriptors := make([]models.Descriptor, len(t.Descriptors))
		for i, d := range t.Descriptors {
			if len(d) == 0 {
				return nil, &EnrollmentError{Label: t.Label, Index: i, Err: errors.New("empty descriptor")}
			}
			if dimension == 0 {
				dimension = len(d)
			}
			if len(d) != dimension {
				return nil, &EnrollmentError{Label: t.Label, Index: i,
					Err: fmt.Errorf("%w: got %d, want %d", models.ErrDimensionMismatch, len(d), dimension)}
			}
			descriptors[i] = d.Clone()
		}

		out = append(out, Template{Label: t.Label, Descriptors: descriptors})
	}

	return &Templates{templates: out, dimension: dimension}, nil
}

// Len returns the number of enrolled identities
func (t *Templates) Len() int {
	if t == nil {
		return 0
	}
	return len(t.templates)
}

// Dimension returns the shared descriptor dimension
func (t *Templates) Dimension() int {
	if t == nil {
		return 0
	}
	return t.dimension
}

// Labels returns the enrolled labels in roster order
func (t *Templates) Labels() []string {
	if t == nil {
		return nil
	}
	labels := make([]string, len(t.templates))
	for i, tpl := range t.templates {
		labels[i] = tpl.Label
	}
	return labels
}

// Summary describes one enrolled identity without exposing its descriptors
type Summary struct {
	Label      string `json:"label"`
	References int    `json:"references"`
}

// Summaries returns the label and reference count of every identity in roster order
func (t *Templates) Summaries() []Summary {
	if t == nil {
		return nil
	}
	out := make([]Summary, len(t.templates))
	for i, tpl := range t.templates {
		out[i] = Summary{Label: tpl.Label, References: len(tpl.Descriptors)}
	}
	return out
}
