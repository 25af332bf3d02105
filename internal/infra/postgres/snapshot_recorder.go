package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"quiztime-live/internal/domain"
)

type hostedServer struct {
	bun.BaseModel `bun:"table:hosted_servers"`

	ID            int64     `bun:"id,pk,autoincrement"`
	ServerID      int64     `bun:"server_id,notnull"`
	HostID        int64     `bun:"host_id,notnull"`
	HostedQuizID  int64     `bun:"hosted_quiz_id,notnull"`
	JoinedUserIDs []int64   `bun:"joined_user_ids,type:jsonb"`
	Status        string    `bun:"status,notnull"`
	StartedAt     time.Time `bun:"started_at,notnull"`
}

type sessionResult struct {
	bun.BaseModel `bun:"table:session_results"`

	ID         int64                 `bun:"id,pk,autoincrement"`
	ServerID   int64                 `bun:"server_id,notnull"`
	QuizID     int64                 `bun:"quiz_id,notnull"`
	HostID     int64                 `bun:"host_id,notnull"`
	Results    []domain.ResultEntry  `bun:"results,type:jsonb"`
	Answers    []domain.AnswerRecord `bun:"answers,type:jsonb"`
	FinishedAt time.Time             `bun:"finished_at,notnull"`
}

// SnapshotRecorder writes session start and final snapshots with bun.
type SnapshotRecorder struct {
	db *bun.DB
}

func NewSnapshotRecorder(db *bun.DB) *SnapshotRecorder {
	return &SnapshotRecorder{db: db}
}

func (r *SnapshotRecorder) RecordSessionStart(ctx context.Context, start domain.SessionStart) error {
	row := &hostedServer{
		ServerID:      start.SessionID,
		HostID:        start.HostID,
		HostedQuizID:  start.QuizID,
		JoinedUserIDs: start.ParticipantIDs,
		Status:        start.Status,
		StartedAt:     start.StartedAt,
	}
	if row.JoinedUserIDs == nil {
		row.JoinedUserIDs = []int64{}
	}
	if _, err := r.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert hosted server: %w", err)
	}
	return nil
}

func (r *SnapshotRecorder) RecordSessionResults(ctx context.Context, results domain.SessionResults) error {
	row := &sessionResult{
		ServerID:   results.SessionID,
		QuizID:     results.QuizID,
		HostID:     results.HostID,
		Results:    results.Results,
		Answers:    results.Answers,
		FinishedAt: results.FinishedAt,
	}
	if _, err := r.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert session results: %w", err)
	}
	return nil
}
