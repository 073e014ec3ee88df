package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/veriloop/internal/model"
)

// SessionPatch carries a partial update to a session. Nil fields are left
// unchanged by the repository implementation.
type SessionPatch struct {
	Status                *model.SessionStatus
	Response              *string
	EvidenceCoverage      *float64
	UnsupportedClaimCount *int
	RevisionCycles        *int
	ProcessingTimeMs      *int64
	ErrorMessage          *string
	CompletedAt           *time.Time
}

// SessionRepository is the Session Store's durable-state contract (C5).
type SessionRepository interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	Patch(ctx context.Context, sessionID string, patch SessionPatch) error
}

// ClaimRepository persists the per-cycle claim set for a session. Claims are
// versioned by revisionCycle rather than appended and replaced in place, so
// historical cycles remain inspectable even though the external interface
// only returns the latest (Design Note §9(d)).
type ClaimRepository interface {
	InsertCycle(ctx context.Context, sessionID string, cycle int, claims []model.Claim) error
	LatestForSession(ctx context.Context, sessionID string) ([]model.Claim, error)
}

// EvidenceRepository persists the per-cycle evidence ledger for a session.
type EvidenceRepository interface {
	InsertCycle(ctx context.Context, sessionID string, cycle int, entries []model.EvidenceEntry) error
	LatestForSession(ctx context.Context, sessionID string) ([]model.EvidenceEntry, error)
}

// ConflictRepository persists the auxiliary Conflict and ExpertAddition
// records the Judge surfaces alongside claims and evidence.
type ConflictRepository interface {
	InsertConflicts(ctx context.Context, sessionID string, cycle int, conflicts []model.Conflict) error
	InsertExpertAdditions(ctx context.Context, sessionID string, cycle int, additions []model.ExpertAddition) error
	ConflictsForSession(ctx context.Context, sessionID string) ([]model.Conflict, error)
	ExpertAdditionsForSession(ctx context.Context, sessionID string) ([]model.ExpertAddition, error)
}

// MembershipFunc is the injected authorization predicate. The core never
// performs authentication itself; it consumes this as an external
// collaborator per spec §1.
type MembershipFunc func(ctx context.Context, userID, workspaceID string) (bool, error)

// SessionService is the Session Store facade. CreateSession, GetSession and
// GetLedger enforce workspace membership before touching the repository
// (P8); PatchSession and the Insert* methods take no user and do not.
type SessionService struct {
	sessions  SessionRepository
	claims    ClaimRepository
	evidence  EvidenceRepository
	conflicts ConflictRepository
	isMember  MembershipFunc
}

// NewSessionService wires the Session Store facade.
func NewSessionService(sessions SessionRepository, claims ClaimRepository, evidence EvidenceRepository, conflicts ConflictRepository, isMember MembershipFunc) *SessionService {
	return &SessionService{sessions: sessions, claims: claims, evidence: evidence, conflicts: conflicts, isMember: isMember}
}

func (s *SessionService) checkMembership(ctx context.Context, userID, workspaceID string) error {
	ok, err := s.isMember(ctx, userID, workspaceID)
	if err != nil {
		return fmt.Errorf("service.SessionService: membership check: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// CreateSession creates a new session after verifying workspace membership.
func (s *SessionService) CreateSession(ctx context.Context, workspaceID, userID, query string, mode model.SessionMode) (string, error) {
	if err := s.checkMembership(ctx, userID, workspaceID); err != nil {
		return "", err
	}

	session := &model.Session{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		UserID:      userID,
		Query:       query,
		Mode:        mode,
		Status:      model.SessionProcessing,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return "", fmt.Errorf("service.SessionService.CreateSession: %w", err)
	}
	return session.ID, nil
}

// GetSession returns a session for an authorized caller.
func (s *SessionService) GetSession(ctx context.Context, userID, workspaceID, sessionID string) (*model.Session, error) {
	if err := s.checkMembership(ctx, userID, workspaceID); err != nil {
		return nil, err
	}
	return s.sessions.Get(ctx, sessionID)
}

// PatchSession applies a partial update. Called only by the Orchestrator,
// which already owns the session (no membership re-check on the hot path).
func (s *SessionService) PatchSession(ctx context.Context, sessionID string, patch SessionPatch) error {
	if err := s.sessions.Patch(ctx, sessionID, patch); err != nil {
		return fmt.Errorf("service.SessionService.PatchSession: %w", err)
	}
	return nil
}

// InsertClaims replaces the claim set for a session's revision cycle.
func (s *SessionService) InsertClaims(ctx context.Context, sessionID string, cycle int, claims []model.Claim) error {
	if err := s.claims.InsertCycle(ctx, sessionID, cycle, claims); err != nil {
		return fmt.Errorf("service.SessionService.InsertClaims: %w", err)
	}
	return nil
}

// InsertEvidence replaces the evidence ledger for a session's revision cycle.
func (s *SessionService) InsertEvidence(ctx context.Context, sessionID string, cycle int, entries []model.EvidenceEntry) error {
	if err := s.evidence.InsertCycle(ctx, sessionID, cycle, entries); err != nil {
		return fmt.Errorf("service.SessionService.InsertEvidence: %w", err)
	}
	return nil
}

// InsertConflicts replaces the conflict records for a session's revision cycle.
func (s *SessionService) InsertConflicts(ctx context.Context, sessionID string, cycle int, conflicts []model.Conflict) error {
	if err := s.conflicts.InsertConflicts(ctx, sessionID, cycle, conflicts); err != nil {
		return fmt.Errorf("service.SessionService.InsertConflicts: %w", err)
	}
	return nil
}

// InsertExpertAdditions replaces the expert-addition records for a session's revision cycle.
func (s *SessionService) InsertExpertAdditions(ctx context.Context, sessionID string, cycle int, additions []model.ExpertAddition) error {
	if err := s.conflicts.InsertExpertAdditions(ctx, sessionID, cycle, additions); err != nil {
		return fmt.Errorf("service.SessionService.InsertExpertAdditions: %w", err)
	}
	return nil
}

// GetLedger returns the latest-cycle claims, evidence, conflicts and expert
// additions for an authorized caller.
func (s *SessionService) GetLedger(ctx context.Context, userID, workspaceID, sessionID string) ([]model.Claim, []model.EvidenceEntry, []model.Conflict, []model.ExpertAddition, error) {
	if err := s.checkMembership(ctx, userID, workspaceID); err != nil {
		return nil, nil, nil, nil, err
	}
	claims, err := s.claims.LatestForSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("service.SessionService.GetLedger: claims: %w", err)
	}
	evidence, err := s.evidence.LatestForSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("service.SessionService.GetLedger: evidence: %w", err)
	}
	conflicts, err := s.conflicts.ConflictsForSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("service.SessionService.GetLedger: conflicts: %w", err)
	}
	expertAdditions, err := s.conflicts.ExpertAdditionsForSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("service.SessionService.GetLedger: expert additions: %w", err)
	}
	return claims, evidence, conflicts, expertAdditions, nil
}
