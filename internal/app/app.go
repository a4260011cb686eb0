// Package app wires the harvester's collaborators from configuration and
// runs one harvest end to end.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabnet-cells/internal/api"
	"github.com/JakeFAU/tabnet-cells/internal/cells"
	"github.com/JakeFAU/tabnet-cells/internal/clock/system"
	"github.com/JakeFAU/tabnet-cells/internal/config"
	"github.com/JakeFAU/tabnet-cells/internal/crawler"
	"github.com/JakeFAU/tabnet-cells/internal/discovery"
	"github.com/JakeFAU/tabnet-cells/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/tabnet-cells/internal/fetcher/colly"
	"github.com/JakeFAU/tabnet-cells/internal/form"
	"github.com/JakeFAU/tabnet-cells/internal/id/uuid"
	"github.com/JakeFAU/tabnet-cells/internal/index"
	"github.com/JakeFAU/tabnet-cells/internal/logging"
	"github.com/JakeFAU/tabnet-cells/internal/progress"
	"github.com/JakeFAU/tabnet-cells/internal/progress/sinks"
	"github.com/JakeFAU/tabnet-cells/internal/render"
	"github.com/JakeFAU/tabnet-cells/internal/storage/local"
	"github.com/JakeFAU/tabnet-cells/internal/table"
	"github.com/JakeFAU/tabnet-cells/internal/timefmt"
)

// ErrIndex marks a run whose artifacts were written but whose listing was not.
var ErrIndex = errors.New("index write failed")

// RunIDSource produces run identifiers.
type RunIDSource interface {
	NewRunID() (uuid.RunID, error)
}

// Options overrides collaborators. Every field is optional.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the progress collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
	// Fetcher replaces the colly transport.
	Fetcher crawler.Fetcher
	Clock   crawler.Clock
	IDs     RunIDSource
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	RootURL     string
	OutputDir   string
	Paths       []string
	IndexFiles  []string
	Reports     int
	Failures    int
	Diagnostics []discovery.Diagnostic
	Elapsed     time.Duration
}

// App runs harvests for one configuration.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger
	prom   *sinks.PrometheusSink
}

// New validates cfg and registers the run collectors.
func New(cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	prom, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, opts: opts, logger: opts.Logger, prom: prom}, nil
}

// Run harvests from the configured root into the output directory. It
// returns an error when the root page cannot be fetched, the run is
// canceled, or the index cannot be written; per-page failures only show up
// in the Summary counters.
func (a *App) Run(ctx context.Context) (Summary, error) {
	start := a.opts.Clock.Now()
	runID, err := a.opts.IDs.NewRunID()
	if err != nil {
		return Summary{}, err
	}
	logger := logging.ForRun(a.logger, runID.Text, a.cfg.Crawler.RootURL)
	summary := Summary{RunID: runID.Text, RootURL: a.cfg.Crawler.RootURL, OutputDir: a.cfg.Output.Dir}

	store, err := local.New(local.Config{BaseDir: a.cfg.Output.Dir, Logger: logger.Named("store")})
	if err != nil {
		return summary, fmt.Errorf("open output dir: %w", err)
	}
	renderer, err := render.New(render.Options{TemplatePath: a.cfg.Output.TemplatePath})
	if err != nil {
		return summary, err
	}
	fetcher := a.opts.Fetcher
	if fetcher == nil {
		fetcher, err = collyfetcher.New(collyfetcher.Config{
			UserAgent:    a.cfg.Crawler.UserAgent,
			IgnoreRobots: a.cfg.Crawler.IgnoreRobots,
			Timeout:      a.cfg.Timeout(),
			Delay:        a.cfg.Delay(),
			Parallelism:  a.cfg.Crawler.Parallelism,
			Encoding:     a.cfg.HTTP.Encoding,
		})
		if err != nil {
			return summary, fmt.Errorf("build fetcher: %w", err)
		}
	}

	stats := sinks.NewStatsSink()
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")), a.prom, stats)
	defer func() {
		if err := hub.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
		if n := hub.Dropped(); n > 0 {
			logger.Warn("progress events lost during run", zap.Int64("dropped", n))
		}
	}()

	if addr := a.cfg.Server.Addr; addr != "" {
		srv := api.NewServer(stats, logger.Named("api"))
		if err := srv.Start(addr); err != nil {
			return summary, err
		}
		defer func() {
			if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("status server shutdown failed", zap.Error(err))
			}
		}()
	}

	emit := func(evt progress.Event) {
		evt.RunID = runID.Bytes
		evt.TS = a.opts.Clock.Now()
		hub.Emit(evt)
	}
	emit(progress.Event{Stage: progress.StageRunStart, URL: a.cfg.Crawler.RootURL})
	fail := func(err error) (Summary, error) {
		summary.Elapsed = a.opts.Clock.Now().Sub(start)
		emit(progress.Event{Stage: progress.StageRunError, URL: a.cfg.Crawler.RootURL, Dur: summary.Elapsed, Note: err.Error()})
		logger.Error("harvest failed", zap.String("elapsed", timefmt.Elapsed(summary.Elapsed)), zap.Error(err))
		return summary, err
	}

	discoverer, err := discovery.New(discovery.Config{
		MaxLevel:          a.cfg.Crawler.MaxLevel,
		QualificationText: a.cfg.Crawler.QualificationText,
		RunID:             runID.Bytes,
	}, discovery.Deps{
		Fetcher:      fetcher,
		Forms:        form.New(form.Config{TimeFilterK: a.cfg.Crawler.TimeFilterK}),
		Parser:       table.NewParser(a.cfg.ParserOptions()),
		Materializer: cells.New(renderer, store, logger.Named("cells")),
		Dispatcher:   dispatcher.New(dispatcher.Config{BatchSize: a.cfg.Crawler.BatchSize}, logger.Named("dispatcher")),
		Emitter:      hub,
		Clock:        a.opts.Clock,
		Logger:       logger.Named("discovery"),
	})
	if err != nil {
		return fail(err)
	}

	logger.Info("harvest started", zap.String("output_dir", store.BaseDir()), zap.Int("max_level", a.cfg.Crawler.MaxLevel))
	result, err := discoverer.Discover(ctx, a.cfg.Crawler.RootURL)
	summary.Paths = result.Paths
	summary.Reports = result.Reports
	summary.Failures = result.Failures
	summary.Diagnostics = result.Diagnostics
	if err != nil {
		return fail(err)
	}

	if a.cfg.Output.WriteIndex {
		files, err := a.writeIndex(ctx, store, summary, start)
		summary.IndexFiles = files
		if err != nil {
			return fail(fmt.Errorf("%w: %v", ErrIndex, err))
		}
	}

	summary.Elapsed = a.opts.Clock.Now().Sub(start)
	emit(progress.Event{Stage: progress.StageRunDone, URL: a.cfg.Crawler.RootURL, Dur: summary.Elapsed, Count: int64(len(summary.Paths))})
	logger.Info("harvest finished",
		zap.Int("cells", len(summary.Paths)),
		zap.Int("reports", summary.Reports),
		zap.Int("failed_reports", summary.Failures),
		zap.Int("diagnostics", len(summary.Diagnostics)),
		zap.String("elapsed", timefmt.Elapsed(summary.Elapsed)),
	)
	return summary, nil
}

func (a *App) writeIndex(ctx context.Context, store *local.Store, summary Summary, start time.Time) ([]string, error) {
	diags := make([]index.Diagnostic, 0, len(summary.Diagnostics))
	for _, d := range summary.Diagnostics {
		diags = append(diags, index.Diagnostic{URL: d.URL, Body: d.Body, Heading: d.Heading, Reason: d.Reason})
	}
	now := a.opts.Clock.Now()
	return index.New(store).Write(ctx, index.Listing{
		RunID:       summary.RunID,
		Root:        summary.RootURL,
		GeneratedAt: now,
		Elapsed:     timefmt.Elapsed(now.Sub(start)),
		Reports:     summary.Reports,
		Failures:    summary.Failures,
		Paths:       summary.Paths,
		Diagnostics: diags,
	})
}
