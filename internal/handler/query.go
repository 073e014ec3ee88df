package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/veriloop/internal/middleware"
	"github.com/connexus-ai/veriloop/internal/model"
	"github.com/connexus-ai/veriloop/internal/service"
)

// QuerySessionService is the subset of the Session Store facade the Query
// API needs. Narrowed here so handler tests can fake it without the full
// repository surface.
type QuerySessionService interface {
	CreateSession(ctx context.Context, workspaceID, userID, query string, mode model.SessionMode) (string, error)
	GetSession(ctx context.Context, userID, workspaceID, sessionID string) (*model.Session, error)
	GetLedger(ctx context.Context, userID, workspaceID, sessionID string) ([]model.Claim, []model.EvidenceEntry, []model.Conflict, []model.ExpertAddition, error)
}

// QueryOrchestrator launches a session's verification pipeline. Run is
// expected to be dispatched with `go` by the caller; it never returns an
// error directly, funnelling every outcome into a PatchSession write.
type QueryOrchestrator interface {
	Run(ctx context.Context, in service.RunInput)
}

// QueryProgress is the subset of the Progress Channel the Query API needs:
// Get for polling, Set so StartQuery can seed a retrieval/pending record before the
// Orchestrator goroutine takes over.
type QueryProgress interface {
	Get(ctx context.Context, sessionID string) *model.ProgressRecord
	Set(ctx context.Context, record *model.ProgressRecord) error
}

// QueryDeps bundles everything the Query API handlers need.
type QueryDeps struct {
	Sessions          QuerySessionService
	Orchestrator      QueryOrchestrator
	Progress          QueryProgress
	RunTimeout        time.Duration
	HistoryMessageCap int
}

// StartQueryRequest is the body of POST /v1/queries.
type StartQueryRequest struct {
	WorkspaceID   string                    `json:"workspaceId"`
	Query         string                    `json:"query"`
	Mode          model.SessionMode         `json:"mode,omitempty"`
	History       []model.ConversationTurn `json:"history,omitempty"`
	ModelOverride *ModelOverride            `json:"modelOverride,omitempty"`
}

// ModelOverride lets a caller swap the model serving a single query,
// matching the teacher's per-request BYOLLM fields.
type ModelOverride struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

// StartQueryResponse is returned immediately; the pipeline keeps running
// in the background and is polled via GetSession/GetProgress/GetLedger.
type StartQueryResponse struct {
	SessionID string `json:"sessionId"`
}

const defaultRunTimeout = 5 * time.Minute
const maxQueryLength = 10000

// StartQuery handles POST /v1/queries: validates membership via
// CreateSession, then launches the Orchestrator in a goroutine and returns
// the session ID without waiting for the pipeline to finish — the same
// fire-and-forget dispatch the teacher uses for document ingestion.
func StartQuery(deps QueryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		var req StartQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}

		if req.WorkspaceID == "" || req.Query == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "workspaceId and query are required"})
			return
		}
		if len(req.Query) > maxQueryLength {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "query exceeds 10000 character limit"})
			return
		}

		mode := req.Mode
		if mode == "" {
			mode = model.ModeAnswer
		}
		if mode != model.ModeAnswer && mode != model.ModeDraft {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "mode must be one of: answer, draft"})
			return
		}

		sessionID, err := deps.Sessions.CreateSession(r.Context(), req.WorkspaceID, userID, req.Query, mode)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if err := deps.Progress.Set(r.Context(), &model.ProgressRecord{
			SessionID: sessionID,
			Phase:     model.PhaseRetrieval,
			Status:    model.StatusPending,
		}); err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "failed to seed progress"})
			return
		}

		runTimeout := deps.RunTimeout
		if runTimeout == 0 {
			runTimeout = defaultRunTimeout
		}

		var modelOverride *service.ModelOverride
		if req.ModelOverride != nil && req.ModelOverride.APIKey != "" {
			modelOverride = &service.ModelOverride{
				Provider: req.ModelOverride.Provider,
				Model:    req.ModelOverride.Model,
				APIKey:   req.ModelOverride.APIKey,
				BaseURL:  req.ModelOverride.BaseURL,
			}
		}

		history := model.CapHistory(req.History, deps.HistoryMessageCap)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
			defer cancel()
			deps.Orchestrator.Run(ctx, service.RunInput{
				SessionID:     sessionID,
				WorkspaceID:   req.WorkspaceID,
				Query:         req.Query,
				Mode:          mode,
				History:       history,
				ModelOverride: modelOverride,
			})
		}()

		respondJSON(w, http.StatusAccepted, envelope{Success: true, Data: StartQueryResponse{SessionID: sessionID}})
	}
}

// GetSession handles GET /v1/queries/{id}: returns the session's current
// durable state (status, response, coverage) for an authorized caller.
func GetSession(deps QueryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		sessionID := chi.URLParam(r, "id")
		workspaceID := r.URL.Query().Get("workspaceId")
		if workspaceID == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "workspaceId query parameter is required"})
			return
		}

		session, err := deps.Sessions.GetSession(r.Context(), userID, workspaceID, sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: session})
	}
}

// GetProgress handles GET /v1/queries/{id}/progress: returns the Progress
// Channel's current record for a session — a pure in-memory (or
// Redis-mirrored) read, with no membership check of its own since the
// session ID alone carries no sensitive content beyond what GetSession
// already requires membership for.
func GetProgress(deps QueryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")

		record := deps.Progress.Get(r.Context(), sessionID)
		if record == nil {
			respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "no progress recorded for this session"})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: record})
	}
}

// LedgerResponse is the body of GET /v1/queries/{id}/ledger.
type LedgerResponse struct {
	Claims          []model.Claim          `json:"claims"`
	Evidence        []model.EvidenceEntry  `json:"evidence"`
	Conflicts       []model.Conflict       `json:"conflicts"`
	ExpertAdditions []model.ExpertAddition `json:"expertAdditions"`
}

// GetLedger handles GET /v1/queries/{id}/ledger: returns the latest
// revision cycle's claims, evidence, conflicts and expert additions for an
// authorized caller.
func GetLedger(deps QueryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		sessionID := chi.URLParam(r, "id")
		workspaceID := r.URL.Query().Get("workspaceId")
		if workspaceID == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "workspaceId query parameter is required"})
			return
		}

		claims, evidence, conflicts, expertAdditions, err := deps.Sessions.GetLedger(r.Context(), userID, workspaceID, sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: LedgerResponse{
			Claims: claims, Evidence: evidence, Conflicts: conflicts, ExpertAdditions: expertAdditions,
		}})
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		respondJSON(w, http.StatusForbidden, envelope{Success: false, Error: "forbidden"})
	case errors.Is(err, service.ErrNotFound):
		respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "not found"})
	default:
		respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: err.Error()})
	}
}
