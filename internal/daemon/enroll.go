package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/MrCodeEU/facegate/internal/config"
	"github.com/MrCodeEU/facegate/internal/embedding"
	"github.com/MrCodeEU/facegate/pkg/models"
	"github.com/sirupsen/logrus"
)

// referenceFetchTimeout bounds a single reference image download
const referenceFetchTimeout = 30 * time.Second

// Roster merges the inline roster, the manifest and the roster directory, in that order
func Roster(cfg *config.Config) ([]embedding.RosterEntry, error) {
	inline := make([]embedding.RosterEntry, len(cfg.Enrollment.Roster))
	for i, entry := range cfg.Enrollment.Roster {
		inline[i] = embedding.RosterEntry{Label: entry.Label, Images: append([]string(nil), entry.Images...)}
	}

	var manifest, dir []embedding.RosterEntry
	var err error

	if cfg.Enrollment.Manifest != "" {
		manifest, err = embedding.LoadManifest(cfg.Enrollment.Manifest)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Enrollment.RosterDir != "" {
		dir, err = embedding.LoadRosterDir(cfg.Enrollment.RosterDir)
		if err != nil {
			return nil, err
		}
	}

	return embedding.MergeRosters(inline, manifest, dir)
}

// Enroll builds the templates of the configured roster. cache may be nil.
func Enroll(ctx context.Context, cfg *config.Config, source models.DescriptorSource, cache *embedding.Store, logger *logrus.Logger, progress func(done, total int)) (*embedding.Templates, error) {
	roster, err := Roster(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}

	opts := []embedding.EnrollOption{
		embedding.WithLogger(logger),
		embedding.WithDimension(cfg.Recognition.DescriptorSize),
	}
	if cache != nil {
		opts = append(opts, embedding.WithCache(cache))
	}
	if progress != nil {
		opts = append(opts, embedding.WithProgress(progress))
	}

	fetcher := embedding.NewSourceFetcher(referenceFetchTimeout)

	logger.WithField("identities", len(roster)).Info("Enrolling roster...")
	templates, err := embedding.Build(ctx, roster, fetcher, source, opts...)
	if err != nil {
		return nil, fmt.Errorf("enrollment failed: %w", err)
	}
	return templates, nil
}
