package model

import "time"

// SessionStatus is the lifecycle state of a verification session.
type SessionStatus string

const (
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
)

// SessionMode selects how the Writer is instructed to answer.
type SessionMode string

const (
	ModeAnswer SessionMode = "answer"
	ModeDraft  SessionMode = "draft"
)

// MaxRevisionCycles is the hard ceiling on the Orchestrator's revision loop.
const MaxRevisionCycles = 2

// Session represents a single query execution end to end.
type Session struct {
	ID                    string        `json:"id"`
	WorkspaceID           string        `json:"workspaceId"`
	UserID                string        `json:"userId"`
	Query                 string        `json:"query"`
	Mode                  SessionMode   `json:"mode"`
	Status                SessionStatus `json:"status"`
	Response              string        `json:"response,omitempty"`
	EvidenceCoverage      float64       `json:"evidenceCoverage"`
	UnsupportedClaimCount int           `json:"unsupportedClaimCount"`
	RevisionCycles        int           `json:"revisionCycles"`
	ProcessingTimeMs      int64         `json:"processingTimeMs,omitempty"`
	ErrorMessage          string        `json:"errorMessage,omitempty"`
	CreatedAt             time.Time     `json:"createdAt"`
	CompletedAt           *time.Time    `json:"completedAt,omitempty"`
}

// ConversationTurn is one message in the optional history passed to the Writer.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryMessageCap is the default cap on conversation history handed to the
// Writer, used when a caller doesn't have a configured value (e.g. a cap of
// 0 reaching CapHistory).
const HistoryMessageCap = 12

// CapHistory returns the last cap turns, preserving order. A cap of 0 falls
// back to HistoryMessageCap.
func CapHistory(turns []ConversationTurn, cap int) []ConversationTurn {
	if cap == 0 {
		cap = HistoryMessageCap
	}
	if len(turns) <= cap {
		return turns
	}
	return turns[len(turns)-cap:]
}
