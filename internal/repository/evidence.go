package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/veriloop/internal/model"
	"github.com/connexus-ai/veriloop/internal/service"
)

// EvidenceRepo persists EvidenceEntry rows, versioned by revision cycle.
type EvidenceRepo struct {
	pool *pgxpool.Pool
}

// NewEvidenceRepo creates an EvidenceRepo.
func NewEvidenceRepo(pool *pgxpool.Pool) *EvidenceRepo {
	return &EvidenceRepo{pool: pool}
}

var _ service.EvidenceRepository = (*EvidenceRepo)(nil)

// InsertCycle writes the evidence ledger for a session's revision cycle.
func (r *EvidenceRepo) InsertCycle(ctx context.Context, sessionID string, cycle int, entries []model.EvidenceEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository.EvidenceRepo.InsertCycle: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO evidence_entries
			(claim_id, session_id, source_tag, verdict, confidence_score, chunk_ids,
			 evidence_snippet, expert_assessment, notes, revision_cycle)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(q, e.ClaimID, sessionID, e.SourceTag, e.Verdict, e.ConfidenceScore,
			strings.Join(e.ChunkIDs, ","), e.EvidenceSnippet, e.ExpertAssessment, e.Notes, cycle)
	}
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("repository.EvidenceRepo.InsertCycle: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("repository.EvidenceRepo.InsertCycle: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository.EvidenceRepo.InsertCycle: commit: %w", err)
	}
	return nil
}

// LatestForSession returns the evidence from the highest revision cycle on record.
func (r *EvidenceRepo) LatestForSession(ctx context.Context, sessionID string) ([]model.EvidenceEntry, error) {
	const q = `
		SELECT claim_id, session_id, source_tag, verdict, confidence_score, chunk_ids,
		       evidence_snippet, expert_assessment, notes, revision_cycle
		FROM evidence_entries
		WHERE session_id = $1 AND revision_cycle = (
			SELECT COALESCE(MAX(revision_cycle), 0) FROM evidence_entries WHERE session_id = $1
		)`

	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository.EvidenceRepo.LatestForSession: %w", err)
	}
	defer rows.Close()

	var entries []model.EvidenceEntry
	for rows.Next() {
		var e model.EvidenceEntry
		var chunkIDs string
		if err := rows.Scan(&e.ClaimID, &e.SessionID, &e.SourceTag, &e.Verdict, &e.ConfidenceScore, &chunkIDs,
			&e.EvidenceSnippet, &e.ExpertAssessment, &e.Notes, &e.RevisionCycle); err != nil {
			return nil, fmt.Errorf("repository.EvidenceRepo.LatestForSession: scan: %w", err)
		}
		if chunkIDs != "" {
			e.ChunkIDs = strings.Split(chunkIDs, ",")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.EvidenceRepo.LatestForSession: %w", err)
	}
	return entries, nil
}
