package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/tabnet-cells/internal/progress"
)

// Run states reported by StatsSink.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
	StateError   = "error"
)

// Snapshot is a point-in-time copy of run counters.
type Snapshot struct {
	RunID         string    `json:"run_id,omitempty"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
	Pages         int64     `json:"pages"`
	Bytes         int64     `json:"bytes"`
	Forms         int64     `json:"forms"`
	Descriptors   int64     `json:"descriptors"`
	ReportsParsed int64     `json:"reports_parsed"`
	ReportsFailed int64     `json:"reports_failed"`
	Cells         int64     `json:"cells"`
	LastError     string    `json:"last_error,omitempty"`
}

// StatsSink folds events into a Snapshot for the status endpoint.
type StatsSink struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStatsSink returns an idle StatsSink.
func NewStatsSink() *StatsSink {
	return &StatsSink{snap: Snapshot{State: StateIdle}}
}

// Consume applies the batch.
func (s *StatsSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.snap = Snapshot{
				RunID:     evt.RunUUID().String(),
				State:     StateRunning,
				StartedAt: evt.TS,
			}
		case progress.StagePageFetched:
			s.snap.Pages++
			s.snap.Bytes += evt.Bytes
		case progress.StageFormExpanded:
			s.snap.Forms++
			s.snap.Descriptors += evt.Count
		case progress.StageReportParsed:
			s.snap.ReportsParsed++
		case progress.StageReportFailed:
			s.snap.ReportsFailed++
			s.snap.LastError = evt.Note
		case progress.StageCellsWritten:
			s.snap.Cells += evt.Count
		case progress.StageRunDone:
			s.snap.State = StateDone
			s.snap.FinishedAt = evt.TS
		case progress.StageRunError:
			s.snap.State = StateError
			s.snap.FinishedAt = evt.TS
			s.snap.LastError = evt.Note
		}
	}
	return nil
}

// Snapshot returns a copy of the current counters.
func (s *StatsSink) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Close implements the Sink interface; it performs no action.
func (s *StatsSink) Close(context.Context) error {
	return nil
}
