package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/veriloop/internal/model"
	"github.com/connexus-ai/veriloop/internal/service"
)

// ClaimRepo persists Claim rows, versioned by revision cycle.
type ClaimRepo struct {
	pool *pgxpool.Pool
}

// NewClaimRepo creates a ClaimRepo.
func NewClaimRepo(pool *pgxpool.Pool) *ClaimRepo {
	return &ClaimRepo{pool: pool}
}

var _ service.ClaimRepository = (*ClaimRepo)(nil)

// InsertCycle writes the claim set for a session's revision cycle. Prior
// cycles are left intact (insert, not delete) so they remain inspectable;
// LatestForSession always returns only the highest cycle.
func (r *ClaimRepo) InsertCycle(ctx context.Context, sessionID string, cycle int, claims []model.Claim) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository.ClaimRepo.InsertCycle: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO claims (claim_id, session_id, claim_text, claim_type, importance, requires_citation, revision_cycle)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	batch := &pgx.Batch{}
	for _, c := range claims {
		batch.Queue(q, c.ClaimID, sessionID, c.ClaimText, c.ClaimType, c.Importance, c.RequiresCitation, cycle)
	}
	br := tx.SendBatch(ctx, batch)
	for range claims {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("repository.ClaimRepo.InsertCycle: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("repository.ClaimRepo.InsertCycle: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository.ClaimRepo.InsertCycle: commit: %w", err)
	}
	return nil
}

// LatestForSession returns the claims from the highest revision cycle on record.
func (r *ClaimRepo) LatestForSession(ctx context.Context, sessionID string) ([]model.Claim, error) {
	const q = `
		SELECT claim_id, session_id, claim_text, claim_type, importance, requires_citation, revision_cycle
		FROM claims
		WHERE session_id = $1 AND revision_cycle = (
			SELECT COALESCE(MAX(revision_cycle), 0) FROM claims WHERE session_id = $1
		)`

	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository.ClaimRepo.LatestForSession: %w", err)
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		var c model.Claim
		if err := rows.Scan(&c.ClaimID, &c.SessionID, &c.ClaimText, &c.ClaimType, &c.Importance, &c.RequiresCitation, &c.RevisionCycle); err != nil {
			return nil, fmt.Errorf("repository.ClaimRepo.LatestForSession: scan: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.ClaimRepo.LatestForSession: %w", err)
	}
	return claims, nil
}
