package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/tabnet-cells/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runRuntime    *prometheus.HistogramVec

	pages       *prometheus.CounterVec
	forms       prometheus.Counter
	descriptors prometheus.Counter
	reports     *prometheus.CounterVec
	cells       prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabnet_runs_started_total",
			Help: "Total harvest runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabnet_runs_completed_total",
			Help: "Total harvest runs completed partitioned by result.",
		}, []string{"result"}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabnet_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabnet_pages_fetched_total",
			Help: "Pages fetched partitioned by method and status class.",
		}, []string{"method", "status_class"}),
		forms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabnet_forms_expanded_total",
			Help: "Filter forms expanded into request descriptors.",
		}),
		descriptors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabnet_form_descriptors_total",
			Help: "Request descriptors produced by form expansion.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabnet_progress_reports_total",
			Help: "Reports handled partitioned by result.",
		}, []string{"result"}),
		cells: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabnet_progress_cells_total",
			Help: "Cell artifacts written.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runRuntime,
		s.pages,
		s.forms,
		s.descriptors,
		s.reports,
		s.cells,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone:
		s.completeRun(evt, "success")
	case progress.StageRunError:
		s.completeRun(evt, "error")
	case progress.StagePageFetched:
		statusClass := string(evt.StatusClass)
		if statusClass == "" {
			statusClass = string(progress.StatusOther)
		}
		s.pages.WithLabelValues(evt.Method, statusClass).Inc()
	case progress.StageFormExpanded:
		s.forms.Inc()
		s.descriptors.Add(float64(evt.Count))
	case progress.StageReportParsed:
		s.reports.WithLabelValues("parsed").Inc()
	case progress.StageReportFailed:
		s.reports.WithLabelValues("failed").Inc()
	case progress.StageCellsWritten:
		s.cells.Add(float64(evt.Count))
	}
}

func (s *PrometheusSink) completeRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
