package model

// Phase is a step in the Orchestrator's state machine.
type Phase string

const (
	PhaseRetrieval Phase = "retrieval"
	PhaseWriter    Phase = "writer"
	PhaseSkeptic   Phase = "skeptic"
	PhaseJudge     Phase = "judge"
	PhaseRevision  Phase = "revision"
)

// phaseOrder gives every phase a rank so progress observations can be
// checked against the expected forward-only ordering (P7). Revision shares
// the writer's rank since it re-runs the Writer.
var phaseOrder = map[Phase]int{
	PhaseRetrieval: 0,
	PhaseWriter:    1,
	PhaseSkeptic:   2,
	PhaseJudge:     3,
	PhaseRevision:  1,
}

// PhaseRank returns the ordering rank of a phase, or -1 if unknown.
func PhaseRank(p Phase) int {
	r, ok := phaseOrder[p]
	if !ok {
		return -1
	}
	return r
}

// PhaseStatus is the status of a single phase within a session.
type PhaseStatus string

const (
	StatusPending    PhaseStatus = "pending"
	StatusInProgress PhaseStatus = "in_progress"
	StatusCompleted  PhaseStatus = "completed"
	StatusError      PhaseStatus = "error"
)

// ProgressRecord is the single current-state row observers poll per session.
// Cycle identifies which revision cycle a phase observation belongs to, so
// the Progress Channel can enforce forward-only ordering within a cycle
// while still accepting the next cycle's lower-rank phases (revision,
// skeptic) after a prior cycle's judge phase committed.
type ProgressRecord struct {
	SessionID       string      `json:"sessionId"`
	Phase           Phase       `json:"phase"`
	Status          PhaseStatus `json:"status"`
	Details         string      `json:"details,omitempty"`
	StreamedContent string      `json:"streamedContent,omitempty"`
	Cycle           int         `json:"cycle,omitempty"`
	Seq             int64       `json:"-"`
}
