package memory

import (
	"context"
	"sync"

	"quiztime-live/internal/domain"
)

// SnapshotRecorder keeps session snapshots in memory. Used when no database is configured.
type SnapshotRecorder struct {
	mu      sync.Mutex
	starts  []domain.SessionStart
	results []domain.SessionResults
}

func NewSnapshotRecorder() *SnapshotRecorder {
	return &SnapshotRecorder{}
}

func (r *SnapshotRecorder) RecordSessionStart(_ context.Context, start domain.SessionStart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, start)
	return nil
}

func (r *SnapshotRecorder) RecordSessionResults(_ context.Context, results domain.SessionResults) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results)
	return nil
}

// Starts returns the recorded session starts.
func (r *SnapshotRecorder) Starts() []domain.SessionStart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SessionStart(nil), r.starts...)
}

// Results returns the recorded final snapshots.
func (r *SnapshotRecorder) Results() []domain.SessionResults {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SessionResults(nil), r.results...)
}
