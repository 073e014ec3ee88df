package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/veriloop/internal/model"
	"github.com/connexus-ai/veriloop/internal/service"
)

// ConflictRepo persists Conflict and ExpertAddition rows, the two auxiliary
// ledger records the Judge can surface alongside claims and evidence.
type ConflictRepo struct {
	pool *pgxpool.Pool
}

// NewConflictRepo creates a ConflictRepo.
func NewConflictRepo(pool *pgxpool.Pool) *ConflictRepo {
	return &ConflictRepo{pool: pool}
}

var _ service.ConflictRepository = (*ConflictRepo)(nil)

// InsertConflicts writes the conflict records for a session's revision cycle.
func (r *ConflictRepo) InsertConflicts(ctx context.Context, sessionID string, cycle int, conflicts []model.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository.ConflictRepo.InsertConflicts: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO conflicts (session_id, claim_id, domain_label, document_view, established_view, revision_cycle)
		VALUES ($1, $2, $3, $4, $5, $6)`

	batch := &pgx.Batch{}
	for _, c := range conflicts {
		batch.Queue(q, sessionID, c.ClaimID, c.DomainLabel, c.DocumentView, c.EstablishedView, cycle)
	}
	br := tx.SendBatch(ctx, batch)
	for range conflicts {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("repository.ConflictRepo.InsertConflicts: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("repository.ConflictRepo.InsertConflicts: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository.ConflictRepo.InsertConflicts: commit: %w", err)
	}
	return nil
}

// InsertExpertAdditions writes the expert-addition records for a session's revision cycle.
func (r *ConflictRepo) InsertExpertAdditions(ctx context.Context, sessionID string, cycle int, additions []model.ExpertAddition) error {
	if len(additions) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository.ConflictRepo.InsertExpertAdditions: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO expert_additions (session_id, claim_id, addition_text, revision_cycle)
		VALUES ($1, $2, $3, $4)`

	batch := &pgx.Batch{}
	for _, a := range additions {
		batch.Queue(q, sessionID, a.ClaimID, a.Text, cycle)
	}
	br := tx.SendBatch(ctx, batch)
	for range additions {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("repository.ConflictRepo.InsertExpertAdditions: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("repository.ConflictRepo.InsertExpertAdditions: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository.ConflictRepo.InsertExpertAdditions: commit: %w", err)
	}
	return nil
}

// ConflictsForSession returns the conflict records from the highest revision cycle on record.
func (r *ConflictRepo) ConflictsForSession(ctx context.Context, sessionID string) ([]model.Conflict, error) {
	const q = `
		SELECT session_id, claim_id, domain_label, document_view, established_view, revision_cycle
		FROM conflicts
		WHERE session_id = $1 AND revision_cycle = (
			SELECT COALESCE(MAX(revision_cycle), 0) FROM conflicts WHERE session_id = $1
		)`

	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository.ConflictRepo.ConflictsForSession: %w", err)
	}
	defer rows.Close()

	var conflicts []model.Conflict
	for rows.Next() {
		var c model.Conflict
		if err := rows.Scan(&c.SessionID, &c.ClaimID, &c.DomainLabel, &c.DocumentView, &c.EstablishedView, &c.RevisionCycle); err != nil {
			return nil, fmt.Errorf("repository.ConflictRepo.ConflictsForSession: scan: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.ConflictRepo.ConflictsForSession: %w", err)
	}
	return conflicts, nil
}

// ExpertAdditionsForSession returns the expert additions from the highest revision cycle on record.
func (r *ConflictRepo) ExpertAdditionsForSession(ctx context.Context, sessionID string) ([]model.ExpertAddition, error) {
	const q = `
		SELECT session_id, claim_id, addition_text, revision_cycle
		FROM expert_additions
		WHERE session_id = $1 AND revision_cycle = (
			SELECT COALESCE(MAX(revision_cycle), 0) FROM expert_additions WHERE session_id = $1
		)`

	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository.ConflictRepo.ExpertAdditionsForSession: %w", err)
	}
	defer rows.Close()

	var additions []model.ExpertAddition
	for rows.Next() {
		var a model.ExpertAddition
		if err := rows.Scan(&a.SessionID, &a.ClaimID, &a.Text, &a.RevisionCycle); err != nil {
			return nil, fmt.Errorf("repository.ConflictRepo.ExpertAdditionsForSession: scan: %w", err)
		}
		additions = append(additions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.ConflictRepo.ExpertAdditionsForSession: %w", err)
	}
	return additions, nil
}
