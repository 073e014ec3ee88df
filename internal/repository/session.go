package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/veriloop/internal/model"
	"github.com/connexus-ai/veriloop/internal/service"
)

// SessionRepo persists Session rows in Postgres.
type SessionRepo struct {
	pool *pgxpool.Pool
}

// NewSessionRepo creates a SessionRepo.
func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

var _ service.SessionRepository = (*SessionRepo)(nil)

// Create inserts a new session row and returns its ID.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	const q = `
		INSERT INTO sessions (id, workspace_id, user_id, query, mode, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, q, s.ID, s.WorkspaceID, s.UserID, s.Query, s.Mode, s.Status, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository.SessionRepo.Create: %w", err)
	}
	return nil
}

// Get returns a session by ID.
func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	const q = `
		SELECT id, workspace_id, user_id, query, mode, status, response,
		       evidence_coverage, unsupported_claim_count, revision_cycles,
		       processing_time_ms, error_message, created_at, completed_at
		FROM sessions WHERE id = $1`

	row := r.pool.QueryRow(ctx, q, sessionID)

	var s model.Session
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.UserID, &s.Query, &s.Mode, &s.Status, &s.Response,
		&s.EvidenceCoverage, &s.UnsupportedClaimCount, &s.RevisionCycles,
		&s.ProcessingTimeMs, &s.ErrorMessage, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("repository.SessionRepo.Get: %w", service.ErrNotFound)
		}
		return nil, fmt.Errorf("repository.SessionRepo.Get: %w", err)
	}
	return &s, nil
}

// Patch applies a partial update to a session's mutable fields. Only
// non-nil fields in the patch are written.
func (r *SessionRepo) Patch(ctx context.Context, sessionID string, patch service.SessionPatch) error {
	const q = `
		UPDATE sessions SET
			status                  = COALESCE($2, status),
			response                = COALESCE($3, response),
			evidence_coverage       = COALESCE($4, evidence_coverage),
			unsupported_claim_count = COALESCE($5, unsupported_claim_count),
			revision_cycles         = COALESCE($6, revision_cycles),
			processing_time_ms      = COALESCE($7, processing_time_ms),
			error_message           = COALESCE($8, error_message),
			completed_at            = COALESCE($9, completed_at)
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, q, sessionID,
		patch.Status, patch.Response, patch.EvidenceCoverage, patch.UnsupportedClaimCount,
		patch.RevisionCycles, patch.ProcessingTimeMs, patch.ErrorMessage, patch.CompletedAt)
	if err != nil {
		return fmt.Errorf("repository.SessionRepo.Patch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository.SessionRepo.Patch: %w", service.ErrNotFound)
	}
	return nil
}
