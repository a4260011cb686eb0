package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabnet-cells/internal/app"
	"github.com/JakeFAU/tabnet-cells/internal/config"
	"github.com/JakeFAU/tabnet-cells/internal/logging"
)

// runHarvest runs one harvest. Tests replace it.
var runHarvest = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.Summary, error) {
	a, err := app.New(cfg, app.Options{Logger: logger})
	if err != nil {
		return app.Summary{}, err
	}
	return a.Run(ctx)
}

type rootFlags struct {
	configPath string
	rootURL    string
	dev        bool
}

// outputDirArg accepts exactly one non-blank positional argument.
func outputDirArg(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one output directory, got %d arguments", len(args))
	}
	if strings.TrimSpace(args[0]) == "" {
		return errors.New("output directory must not be blank")
	}
	return nil
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "tabnetcells [flags] <output-dir>",
		Short: "Harvest TabNet tables into one HTML file per data cell.",
		Long: `tabnetcells walks a TabNet site from its matrix page, expands every filter
form into concrete queries, parses each CSV export and writes one HTML
artifact per data point under <output-dir>/<edition>/<record>/.`,
		Args:          outputDirArg,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Arguments are valid from here on; usage no longer helps.
			cmd.SilenceUsage = true
			return runRoot(cmd, flags, strings.TrimSpace(args[0]))
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "config file (yaml, json or toml)")
	cmd.Flags().StringVar(&flags.rootURL, "root-url", "", "matrix page to start from (overrides crawler.root_url)")
	cmd.Flags().BoolVar(&flags.dev, "dev", false, "human-friendly development logging")
	return cmd
}

func runRoot(cmd *cobra.Command, flags *rootFlags, outputDir string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	cfg.Output.Dir = outputDir
	if flags.rootURL != "" {
		cfg.Crawler.RootURL = flags.rootURL
	}
	if flags.dev {
		cfg.Logging.Development = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
	}()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	summary, err := runHarvest(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d cells from %d reports (%d failed) written to %s\n",
		len(summary.Paths), summary.Reports, summary.Failures, summary.OutputDir)
	return nil
}

// execute runs the root command with args and returns the process exit code.
func execute(ctx context.Context, args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tabnetcells:", err)
		return 1
	}
	return 0
}
