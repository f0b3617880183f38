// Package runlog keeps the history of archival runs, one entry per provider
// batch.
package runlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
)

// Entry is one provider batch of one run.
type Entry struct {
	RunID       string            `json:"run_id"`
	Provider    archive.Provider  `json:"provider"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Range       archive.DateRange `json:"range"`
	Requested   int               `json:"requested"`
	Fetched     int               `json:"fetched"`
	Failed      int               `json:"failed"`
	Unavailable int               `json:"unavailable"`
	Error       string            `json:"error,omitempty"`
}

// Recorder stores run reports and lists recent entries.
type Recorder interface {
	Record(ctx context.Context, report archive.Report) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Entries flattens a report into per-provider entries in provider order.
func Entries(report archive.Report) []Entry {
	out := make([]Entry, 0, len(report.Outcomes))
	for _, p := range report.Providers() {
		o := report.Outcomes[p]
		out = append(out, Entry{
			RunID:       report.RunID,
			Provider:    p,
			StartedAt:   report.StartedAt,
			FinishedAt:  report.FinishedAt,
			Range:       report.Range,
			Requested:   o.Requested,
			Fetched:     o.Fetched,
			Failed:      o.Failed,
			Unavailable: o.Unavailable,
			Error:       o.ErrMessage(),
		})
	}
	return out
}

// Memory keeps entries in process memory.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends the report's entries.
func (m *Memory) Record(_ context.Context, report archive.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entries(report)...)
	return nil
}

// Recent returns up to limit entries, newest run first.
func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	out := append([]Entry(nil), m.entries...)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].Provider < out[j].Provider
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NoOp discards everything.
type NoOp struct{}

// Record does nothing.
func (NoOp) Record(context.Context, archive.Report) error { return nil }

// Recent returns nothing.
func (NoOp) Recent(context.Context, int) ([]Entry, error) { return nil, nil }
