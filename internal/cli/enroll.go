package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MrCodeEU/facegate/internal/daemon"
	"github.com/MrCodeEU/facegate/internal/embedding"
	"github.com/MrCodeEU/facegate/pkg/models"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type enrollOptions struct {
	list  bool
	prune bool
}

func newEnrollCommand(a *app) *cobra.Command {
	opts := &enrollOptions{}

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll the configured roster and warm the descriptor cache",
		Example: `  facegate enroll                # Enroll every identity of the roster
  facegate enroll --list         # List cached reference descriptors
  facegate enroll --prune        # Enroll, then drop cached labels no longer in the roster`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.list {
				return a.listCached(cmd)
			}
			return a.enroll(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.list, "list", false, "List cached reference descriptors")
	cmd.Flags().BoolVar(&opts.prune, "prune", false, "Remove cached descriptors of labels no longer enrolled")
	return cmd
}

func (a *app) openCache() (*embedding.Store, error) {
	if a.cfg.Storage.DatabasePath == "" {
		return nil, nil
	}
	store, err := embedding.NewStore(a.cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

func (a *app) enroll(cmd *cobra.Command, opts *enrollOptions) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Fprintln(out, "FaceGate Enrollment")
	fmt.Fprintln(out, "===================")

	client, err := models.NewInferenceClient(ctx, a.cfg.Inference.Address,
		models.WithTimeout(a.cfg.InferenceTimeout()),
		models.WithMinScore(a.cfg.Inference.MinScore),
		models.WithDescriptorSize(a.cfg.Recognition.DescriptorSize),
		models.WithJPEGQuality(a.cfg.Inference.JPEGQuality),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to inference service: %w", err)
	}
	defer func() { _ = client.Close() }()

	cache, err := a.openCache()
	if err != nil {
		return err
	}
	if cache != nil {
		defer func() { _ = cache.Close() }()
	}

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Enrolling"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
			)
		}
		_ = bar.Set(done)
	}

	templates, err := daemon.Enroll(ctx, a.cfg, client, cache, a.logger, progress)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		var enrollErr *embedding.EnrollmentError
		if errors.As(err, &enrollErr) && enrollErr.Path != "" {
			fmt.Fprintf(out, "Failed reference: %s (%s #%d)\n", enrollErr.Path, enrollErr.Label, enrollErr.Index)
		}
		return err
	}

	printSummaries(out, templates)

	if opts.prune && cache != nil {
		removed, err := cache.Prune(ctx, templates.Labels())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Pruned %d cached descriptor(s)\n", removed)
	}

	return nil
}

func printSummaries(out io.Writer, templates *embedding.Templates) {
	fmt.Fprintf(out, "%-24s %-10s\n", "Label", "References")
	fmt.Fprintln(out, strings.Repeat("-", 35))
	for _, s := range templates.Summaries() {
		fmt.Fprintf(out, "%-24s %-10d\n", s.Label, s.References)
	}
	fmt.Fprintf(out, "\nTotal: %d identit(ies), %d-dimensional descriptors\n", templates.Len(), templates.Dimension())
}

func (a *app) listCached(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	cache, err := a.openCache()
	if err != nil {
		return err
	}
	if cache == nil {
		return errors.New("descriptor cache is disabled (storage.database_path is empty)")
	}
	defer func() { _ = cache.Close() }()

	entries, err := cache.List(cmd.Context())
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No cached descriptors found.")
		return nil
	}

	fmt.Fprintln(out, "Cached Descriptors")
	fmt.Fprintln(out, "==================")
	fmt.Fprintf(out, "%-20s %-14s %-20s %s\n", "Label", "Digest", "Cached", "Path")
	fmt.Fprintln(out, strings.Repeat("-", 80))

	for _, e := range entries {
		fmt.Fprintf(out, "%-20s %-14s %-20s %s\n",
			e.Label, e.Digest[:min(12, len(e.Digest))], e.CreatedAt.Format("2006-01-02 15:04:05"), e.Path)
	}

	fmt.Fprintf(out, "\nTotal: %d descriptor(s)\n", len(entries))
	return nil
}
