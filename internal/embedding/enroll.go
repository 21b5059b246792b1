package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MrCodeEU/facegate/pkg/models"
	"github.com/MrCodeEU/facegate/pkg/utils"
	"github.com/sirupsen/logrus"
)

// maxReferenceSize bounds the size of a single reference image
const maxReferenceSize = 32 << 20

// ImageFetcher loads the raw bytes of a reference image
type ImageFetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// SourceFetcher reads local files and http(s) URLs
type SourceFetcher struct {
	Client *http.Client
}

// NewSourceFetcher creates a fetcher whose HTTP requests time out after timeout
func NewSourceFetcher(timeout time.Duration) *SourceFetcher {
	return &SourceFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch returns the bytes behind path
func (f *SourceFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read reference image: %w", err)
		}
		return data, nil
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid reference URL: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download reference image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download reference image: status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceSize))
	if err != nil {
		return nil, fmt.Errorf("failed to download reference image: %w", err)
	}
	return data, nil
}

// Enroller turns a roster into Templates using a DescriptorSource
type Enroller struct {
	source    models.DescriptorSource
	fetcher   ImageFetcher
	cache     DescriptorCache
	logger    *logrus.Logger
	progress  func(done, total int)
	dimension int
}

// EnrollOption configures an Enroller
type EnrollOption func(*Enroller)

// WithCache looks descriptors up in cache before calling the source
func WithCache(cache DescriptorCache) EnrollOption {
	return func(e *Enroller) {
		e.cache = cache
	}
}

// WithLogger sets the logger used for enrollment progress and cache problems
func WithLogger(logger *logrus.Logger) EnrollOption {
	return func(e *Enroller) {
		e.logger = logger
	}
}

// WithProgress is called after every processed reference image
func WithProgress(fn func(done, total int)) EnrollOption {
	return func(e *Enroller) {
		e.progress = fn
	}
}

// WithDimension discards cached descriptors whose length is not n
func WithDimension(n int) EnrollOption {
	return func(e *Enroller) {
		e.dimension = n
	}
}

// NewEnroller creates an enroller
func NewEnroller(source models.DescriptorSource, fetcher ImageFetcher, opts ...EnrollOption) *Enroller {
	e := &Enroller{
		source:  source,
		fetcher: fetcher,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Build enrolls every identity of the roster, sequentially and in order.
// Any unreadable image, or an image without exactly one face, aborts with an *EnrollmentError.
func Build(ctx context.Context, roster []RosterEntry, fetcher ImageFetcher, source models.DescriptorSource, opts ...EnrollOption) (*Templates, error) {
	return NewEnroller(source, fetcher, opts...).Build(ctx, roster)
}

// Build enrolls every identity of the roster
func (e *Enroller) Build(ctx context.Context, roster []RosterEntry) (*Templates, error) {
	if len(roster) == 0 {
		return nil, ErrEmptyRoster
	}

	total := 0
	for _, entry := range roster {
		if len(entry.Images) == 0 {
			return nil, &EnrollmentError{Label: entry.Label, Index: -1, Err: fmt.Errorf("no reference images")}
		}
		total += len(entry.Images)
	}

	templates := make([]Template, 0, len(roster))
	done := 0

	for _, entry := range roster {
		tpl := Template{Label: entry.Label}

		for i, path := range entry.Images {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			d, err := e.describe(ctx, entry.Label, path)
			if err != nil {
				return nil, &EnrollmentError{Label: entry.Label, Index: i, Path: path, Err: err}
			}
			tpl.Descriptors = append(tpl.Descriptors, d)

			done++
			if e.progress != nil {
				e.progress(done, total)
			}
		}

		e.logger.WithFields(logrus.Fields{
			"label":      entry.Label,
			"references": len(tpl.Descriptors),
		}).Info("Identity enrolled")

		templates = append(templates, tpl)
	}

	return NewTemplates(templates)
}

// describe extracts the single descriptor of a reference image
func (e *Enroller) describe(ctx context.Context, label, path string) (models.Descriptor, error) {
	data, err := e.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var digest string
	if e.cache != nil {
		digest = Digest(data)
		d, found, err := e.cache.Get(ctx, label, path, digest)
		if err != nil {
			e.logger.WithError(err).WithField("path", path).Warn("Descriptor cache lookup failed")
		} else if found && e.dimension > 0 && len(d) != e.dimension {
			e.logger.WithFields(logrus.Fields{
				"path":     path,
				"cached":   len(d),
				"expected": e.dimension,
			}).Info("Cached descriptor has a different dimension, recomputing")
		} else if found {
			e.logger.WithField("path", path).Debug("Using cached descriptor")
			return d, nil
		}
	}

	img, _, err := utils.DecodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	detections, err := e.source.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	switch {
	case len(detections) == 0:
		return nil, ErrNoFace
	case len(detections) > 1:
		return nil, fmt.Errorf("%w (%d faces)", ErrMultipleFaces, len(detections))
	}

	d := detections[0].Descriptor.Clone()

	if e.cache != nil {
		if err := e.cache.Put(ctx, label, path, digest, d); err != nil {
			e.logger.WithError(err).WithField("path", path).Warn("Failed to cache descriptor")
		}
	}

	return d, nil
}
