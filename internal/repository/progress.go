package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/veriloop/internal/model"
	"github.com/connexus-ai/veriloop/internal/service"
)

// ProgressRepo mirrors Progress Channel writes into Postgres, giving a
// session's progress a durable record that survives the Orchestrator's
// in-process goroutine exiting (a crash, a redeploy) independent of whether
// a Redis mirror is also configured.
type ProgressRepo struct {
	pool *pgxpool.Pool
}

// NewProgressRepo creates a ProgressRepo.
func NewProgressRepo(pool *pgxpool.Pool) *ProgressRepo {
	return &ProgressRepo{pool: pool}
}

var _ service.ProgressMirror = (*ProgressRepo)(nil)

// Set upserts the current progress record for a session.
func (r *ProgressRepo) Set(ctx context.Context, sessionID string, record *model.ProgressRecord) error {
	const q = `
		INSERT INTO progress_records (session_id, phase, status, details, streamed_content, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (session_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			status = EXCLUDED.status,
			details = EXCLUDED.details,
			streamed_content = EXCLUDED.streamed_content,
			updated_at = now()`

	if _, err := r.pool.Exec(ctx, q, sessionID, record.Phase, record.Status, record.Details, record.StreamedContent); err != nil {
		return fmt.Errorf("repository.ProgressRepo.Set: %w", err)
	}
	return nil
}

// Get reads the last durable progress record for a session, used to
// rehydrate GetProgress after a process restart before the Orchestrator's
// in-memory record exists again.
func (r *ProgressRepo) Get(ctx context.Context, sessionID string) (*model.ProgressRecord, error) {
	const q = `
		SELECT session_id, phase, status, details, streamed_content
		FROM progress_records WHERE session_id = $1`

	var rec model.ProgressRecord
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(
		&rec.SessionID, &rec.Phase, &rec.Status, &rec.Details, &rec.StreamedContent)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("repository.ProgressRepo.Get: %w", service.ErrNotFound)
		}
		return nil, fmt.Errorf("repository.ProgressRepo.Get: %w", err)
	}
	return &rec, nil
}
