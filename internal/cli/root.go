// Package cli provides the facegate command-line interface
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCodeEU/facegate/internal/config"
	"github.com/MrCodeEU/facegate/internal/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is the application version
const Version = "0.3.0"

// app carries the state shared by every subcommand
type app struct {
	configPath string
	verbose    bool

	cfg       *config.Config
	logger    *logrus.Logger
	logCloser io.Closer
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "facegate",
		Short:         "Live face recognition with liveness checks",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(
		newRunCommand(a),
		newEnrollCommand(a),
		newAnalyzeCommand(a),
		newConfigCommand(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closer, err := daemon.NewLogger(cfg.Logging, a.verbose)
	if err != nil {
		return err
	}
	a.logger = logger
	a.logCloser = closer
	return nil
}

// Execute runs the root command until it finishes or the process is interrupted
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
