package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/veriloop/internal/middleware"
	"github.com/connexus-ai/veriloop/internal/model"
	"github.com/connexus-ai/veriloop/internal/modelclient"
)

// SessionStore is the narrow subset of the Session Store the Orchestrator
// needs to drive a session to completion.
type SessionStore interface {
	PatchSession(ctx context.Context, sessionID string, patch SessionPatch) error
	InsertClaims(ctx context.Context, sessionID string, cycle int, claims []model.Claim) error
	InsertEvidence(ctx context.Context, sessionID string, cycle int, entries []model.EvidenceEntry) error
	InsertConflicts(ctx context.Context, sessionID string, cycle int, conflicts []model.Conflict) error
	InsertExpertAdditions(ctx context.Context, sessionID string, cycle int, additions []model.ExpertAddition) error
}

// ModelCompleter is the narrow streaming contract the Orchestrator needs
// from a model client.
type ModelCompleter interface {
	CompleteStream(ctx context.Context, opts modelclient.CompleteOpts) (<-chan string, <-chan error)
}

// OrchestratorConfig names which model serves each agent role and carries
// the operator-tunable thresholds loaded by config.Config, so setting e.g.
// MAX_REVISION_CYCLES or COVERAGE_TARGET_DEFAULT in the environment actually
// changes pipeline behavior rather than being silently ignored. Writer and
// Revision share WriterModel since a revision is just the Writer re-run
// with the Judge's verdict appended to its prompt. Zero-valued threshold
// fields fall back to the spec.md §6 defaults (see applyDefaults; a zero
// Temperature or SilenceFloor is kept as zero), so
// existing callers that only set the model names keep working.
type OrchestratorConfig struct {
	WriterModel  string
	SkepticModel string
	JudgeModel   string
	Temperature  float64

	MaxRevisionCycles     int
	CoverageTargetDefault float64
	CoverageTargetRelaxed float64
	StreamUpdateEvery     int
	RetrievalThreshold    float64
	RetrievalLimit        int
	HistoryMessageCap     int

	// SilenceFloor is the evidence-coverage floor below which a completed
	// session is tagged "silence" on its final judge progress record (§11
	// of SPEC_FULL.md). 0 disables the tag.
	SilenceFloor float64

	// RefererURL and AppTitle are forwarded to any per-request model
	// override client (see resolveModel), matching the attribution headers
	// the process-wide client sends.
	RefererURL string
	AppTitle   string
}

// applyDefaults fills any zero-valued threshold with the spec.md §6 default,
// mirroring config.go's envInt/envFloat fallback pattern.
func (c OrchestratorConfig) applyDefaults() OrchestratorConfig {
	if c.MaxRevisionCycles == 0 {
		c.MaxRevisionCycles = model.MaxRevisionCycles
	}
	if c.CoverageTargetDefault == 0 {
		c.CoverageTargetDefault = DefaultGateConfig().CoverageTargetDefault
	}
	if c.CoverageTargetRelaxed == 0 {
		c.CoverageTargetRelaxed = DefaultGateConfig().CoverageTargetRelaxed
	}
	if c.StreamUpdateEvery == 0 {
		c.StreamUpdateEvery = 10
	}
	if c.RetrievalThreshold == 0 {
		c.RetrievalThreshold = DefaultRetrievalThreshold
	}
	if c.RetrievalLimit == 0 {
		c.RetrievalLimit = DefaultRetrievalLimit
	}
	if c.HistoryMessageCap == 0 {
		c.HistoryMessageCap = model.HistoryMessageCap
	}
	return c
}

// gateConfig narrows an OrchestratorConfig down to the fields EvaluateGate needs.
func (c OrchestratorConfig) gateConfig() GateConfig {
	return GateConfig{
		CoverageTargetDefault: c.CoverageTargetDefault,
		CoverageTargetRelaxed: c.CoverageTargetRelaxed,
		MaxRevisionCycles:     c.MaxRevisionCycles,
	}
}

// Orchestrator drives a single session through
// created → retrieval → writer → skeptic → judge → [revision → judge]* → complete | error
// exactly per the component's transition rules. One Orchestrator instance is
// shared across sessions; each Run call owns only its own session's state.
type Orchestrator struct {
	sessions  SessionStore
	progress  *ProgressChannel
	retriever Retriever
	model     ModelCompleter
	cfg       OrchestratorConfig
	metrics   *middleware.Metrics
}

// NewOrchestrator wires an Orchestrator. metrics may be nil, in which case
// no counters are recorded.
func NewOrchestrator(sessions SessionStore, progress *ProgressChannel, retriever Retriever, model ModelCompleter, cfg OrchestratorConfig, metrics *middleware.Metrics) *Orchestrator {
	return &Orchestrator{sessions: sessions, progress: progress, retriever: retriever, model: model, cfg: cfg.applyDefaults(), metrics: metrics}
}

// RunInput carries everything the Orchestrator needs that isn't already in
// the Session Store, handed over by the Query API at session creation time.
type RunInput struct {
	SessionID     string
	WorkspaceID   string
	Query         string
	Mode          model.SessionMode
	History       []model.ConversationTurn
	ModelOverride *ModelOverride
}

// ModelOverride lets a single query swap the model client serving every
// agent role, matching the teacher's per-request BYOLLM fields (§11 of
// SPEC_FULL.md). A zero APIKey is treated as "no override".
type ModelOverride struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// fallbackModel wraps a per-request override client with the process-wide
// client as a fallback: if the override fails before producing any output,
// the call is retried against the default model instead of failing the
// session outright.
type fallbackModel struct {
	primary  ModelCompleter
	fallback ModelCompleter
}

func (f *fallbackModel) CompleteStream(ctx context.Context, opts modelclient.CompleteOpts) (<-chan string, <-chan error) {
	outText := make(chan string, 64)
	outErr := make(chan error, 1)

	go func() {
		defer close(outText)
		defer close(outErr)

		textCh, errCh := f.primary.CompleteStream(ctx, opts)
		var sb strings.Builder
		for delta := range textCh {
			sb.WriteString(delta)
			outText <- delta
		}
		err := <-errCh
		if err == nil {
			return
		}
		if sb.Len() > 0 {
			// the override already produced output; falling back now would
			// duplicate or splice content, so surface the error as-is.
			outErr <- err
			return
		}

		slog.Warn("model override failed before producing output, falling back to the default model", "error", err)
		fbText, fbErr := f.fallback.CompleteStream(ctx, opts)
		for delta := range fbText {
			outText <- delta
		}
		outErr <- <-fbErr
	}()

	return outText, outErr
}

// Run executes a session end to end. It is meant to be launched with `go`
// immediately after session creation; all outcomes — success, silence, or
// failure — are funnelled into a PatchSession call rather than returned, so
// the caller never blocks on pipeline completion.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) {
	start := time.Now()

	o.setProgress(ctx, in.SessionID, model.PhaseRetrieval, model.StatusInProgress, "", "", 0)
	chunks, err := o.retriever.Search(ctx, in.WorkspaceID, in.Query, o.cfg.RetrievalThreshold, o.cfg.RetrievalLimit)
	if err != nil {
		o.fail(ctx, in.SessionID, model.PhaseRetrieval, 0, fmt.Errorf("retrieval: %w", err))
		return
	}

	if len(chunks) == 0 {
		o.setProgress(ctx, in.SessionID, model.PhaseRetrieval, model.StatusCompleted, "no relevant documents", "", 0)
		o.finish(ctx, in.SessionID, NoRelevantDocumentsResponse, 0, 0, 0, start)
		return
	}

	chunks = AssignContextIndices(chunks)
	contextBlock := BuildContextBlock(chunks)
	o.setProgress(ctx, in.SessionID, model.PhaseRetrieval, model.StatusCompleted, "", "", 0)

	activeModel := o.resolveModel(in.ModelOverride)

	writerSys, writerUser := BuildWriterPrompt(in.Query, contextBlock, in.Mode, in.History, o.cfg.HistoryMessageCap)
	writerResp, err := o.runAgent(ctx, activeModel, in.SessionID, model.PhaseWriter, 0, writerSys, writerUser, o.modelName(in.ModelOverride, o.cfg.WriterModel), false)
	if err != nil {
		o.fail(ctx, in.SessionID, model.PhaseWriter, 0, fmt.Errorf("writer: %w", err))
		return
	}

	var ledger *JudgeResult
	var decision GateDecision
	cycle := 0

	for {
		skepticSys, skepticUser := BuildSkepticPrompt(contextBlock, writerResp)
		skepticResp, err := o.runAgent(ctx, activeModel, in.SessionID, model.PhaseSkeptic, cycle, skepticSys, skepticUser, o.modelName(in.ModelOverride, o.cfg.SkepticModel), false)
		if err != nil {
			o.fail(ctx, in.SessionID, model.PhaseSkeptic, cycle, fmt.Errorf("skeptic: %w", err))
			return
		}

		judgeSys, judgeUser := BuildJudgePrompt(contextBlock, writerResp, skepticResp, cycle)
		judgeRaw, err := o.runAgent(ctx, activeModel, in.SessionID, model.PhaseJudge, cycle, judgeSys, judgeUser, o.modelName(in.ModelOverride, o.cfg.JudgeModel), true)
		if err != nil {
			o.fail(ctx, in.SessionID, model.PhaseJudge, cycle, fmt.Errorf("judge: %w", err))
			return
		}

		ledger = ParseLedger(judgeRaw, in.SessionID, cycle)
		if o.metrics != nil && hasParseErrorFlag(ledger.RiskFlags) {
			o.metrics.IncrementParseError()
		}
		// Claims, evidence, conflicts and expert additions are independent
		// writes against separate tables — run them concurrently rather
		// than serialize four round trips per revision cycle.
		var g errgroup.Group
		g.Go(func() error {
			if err := o.sessions.InsertClaims(ctx, in.SessionID, cycle, ledger.Claims); err != nil {
				return fmt.Errorf("insert claims: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			if err := o.sessions.InsertEvidence(ctx, in.SessionID, cycle, ledger.Evidence); err != nil {
				return fmt.Errorf("insert evidence: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			if err := o.sessions.InsertConflicts(ctx, in.SessionID, cycle, ledger.Conflicts); err != nil {
				return fmt.Errorf("insert conflicts: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			if err := o.sessions.InsertExpertAdditions(ctx, in.SessionID, cycle, ledger.ExpertAdditions); err != nil {
				return fmt.Errorf("insert expert additions: %w", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			slog.Warn("orchestrator: ledger persistence failed", "session_id", in.SessionID, "cycle", cycle, "error", err)
		}

		decision = EvaluateGate(ledger, cycle, o.cfg.gateConfig())
		if ledger.VerifiedResponse != "" {
			writerResp = ledger.VerifiedResponse
		}

		if decision.Pass || cycle >= o.cfg.MaxRevisionCycles {
			break
		}

		cycle++
		if o.metrics != nil {
			o.metrics.IncrementRevisionCycle()
		}
		judgeJSON, _ := json.Marshal(ledger)
		revSys, revUser := BuildRevisionPrompt(contextBlock, writerResp, string(judgeJSON))
		revised, err := o.runAgent(ctx, activeModel, in.SessionID, model.PhaseRevision, cycle, revSys, revUser, o.modelName(in.ModelOverride, o.cfg.WriterModel), false)
		if err != nil {
			o.fail(ctx, in.SessionID, model.PhaseRevision, cycle, fmt.Errorf("revision: %w", err))
			return
		}
		writerResp = revised
	}

	if o.metrics != nil && !decision.Pass {
		o.metrics.IncrementGateFailure()
	}
	if o.cfg.SilenceFloor > 0 && decision.EvidenceCoverage < o.cfg.SilenceFloor {
		o.setProgress(ctx, in.SessionID, model.PhaseJudge, model.StatusCompleted, "silence: evidence coverage below floor", "", cycle)
	}
	o.finish(ctx, in.SessionID, writerResp, decision.EvidenceCoverage, unsupportedCount(ledger), cycle, start)
}

func hasParseErrorFlag(flags []model.RiskFlag) bool {
	for _, f := range flags {
		if f.Type == "parse_error" {
			return true
		}
	}
	return false
}

// runAgent drives one streaming model call, mirroring streamed deltas into
// the Progress Channel as they arrive and folding any transport partial
// text back in on failure so observers never see a phase regress silently.
func (o *Orchestrator) runAgent(ctx context.Context, m ModelCompleter, sessionID string, phase model.Phase, cycle int, systemPrompt, userPrompt, modelName string, jsonMode bool) (string, error) {
	opts := modelclient.CompleteOpts{
		Model: modelName,
		Messages: []modelclient.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: o.cfg.Temperature,
		JSONMode:    jsonMode,
	}

	o.setProgress(ctx, sessionID, phase, model.StatusInProgress, "", "", cycle)

	textCh, errCh := m.CompleteStream(ctx, opts)

	var sb strings.Builder
	count := 0
	for delta := range textCh {
		sb.WriteString(delta)
		count++
		if count%o.cfg.StreamUpdateEvery == 0 {
			o.setProgress(ctx, sessionID, phase, model.StatusInProgress, "", sb.String(), cycle)
		}
	}

	if err := <-errCh; err != nil {
		var mte *modelclient.ModelTransportError
		if errors.As(err, &mte) && mte.Partial != "" {
			sb.Reset()
			sb.WriteString(mte.Partial)
		}
		o.setProgress(ctx, sessionID, phase, model.StatusError, err.Error(), sb.String(), cycle)
		return sb.String(), err
	}

	o.setProgress(ctx, sessionID, phase, model.StatusCompleted, "", sb.String(), cycle)
	return sb.String(), nil
}

func (o *Orchestrator) setProgress(ctx context.Context, sessionID string, phase model.Phase, status model.PhaseStatus, details, streamed string, cycle int) {
	rec := &model.ProgressRecord{SessionID: sessionID, Phase: phase, Status: status, Details: details, StreamedContent: streamed, Cycle: cycle}
	if err := o.progress.Set(ctx, rec); err != nil {
		slog.Warn("orchestrator: progress write rejected", "session_id", sessionID, "phase", phase, "error", err)
	}
}

// resolveModel picks the ModelCompleter a session's agents should call.
// A per-request override wraps the process-wide client as a fallback, per
// SPEC_FULL.md §11: a bad or unreachable override provider degrades to the
// default model rather than failing the whole session.
func (o *Orchestrator) resolveModel(override *ModelOverride) ModelCompleter {
	if override == nil || override.APIKey == "" {
		return o.model
	}
	client := modelclient.New(modelclient.Config{
		APIKey:     override.APIKey,
		BaseURL:    override.BaseURL,
		RefererURL: o.cfg.RefererURL,
		AppTitle:   o.cfg.AppTitle,
	})
	return &fallbackModel{primary: client, fallback: o.model}
}

// modelName picks the model string an agent call should request: the
// override's model name if the caller supplied both an override and a
// model, otherwise the role's configured default.
func (o *Orchestrator) modelName(override *ModelOverride, roleDefault string) string {
	if override != nil && override.Model != "" {
		return override.Model
	}
	return roleDefault
}

func (o *Orchestrator) finish(ctx context.Context, sessionID, response string, coverage float64, unsupported, cycles int, start time.Time) {
	status := model.SessionCompleted
	now := time.Now().UTC()
	elapsed := time.Since(start).Milliseconds()
	patch := SessionPatch{
		Status:                &status,
		Response:              &response,
		EvidenceCoverage:      &coverage,
		UnsupportedClaimCount: &unsupported,
		RevisionCycles:        &cycles,
		ProcessingTimeMs:      &elapsed,
		CompletedAt:           &now,
	}
	if err := o.sessions.PatchSession(ctx, sessionID, patch); err != nil {
		slog.Error("orchestrator: finish patch failed", "session_id", sessionID, "error", err)
	}
	o.progress.Forget(sessionID)
}

func (o *Orchestrator) fail(ctx context.Context, sessionID string, phase model.Phase, cycle int, cause error) {
	status := model.SessionError
	msg := cause.Error()
	now := time.Now().UTC()
	patch := SessionPatch{
		Status:       &status,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}
	if err := o.sessions.PatchSession(ctx, sessionID, patch); err != nil {
		slog.Error("orchestrator: fail patch failed", "session_id", sessionID, "error", err)
	}
	o.setProgress(ctx, sessionID, phase, model.StatusError, msg, "", cycle)
	o.progress.Forget(sessionID)
}

// unsupportedCount is the number of citation-requiring claims whose verdict
// is not_found or missing entirely (the rule unsupportedClaimRate uses), surfaced on
// the Session record for observers who don't need the full ledger.
func unsupportedCount(ledger *JudgeResult) int {
	byClaim := verdictsByClaim(ledger.Evidence)
	count := 0
	for _, c := range ledger.Claims {
		if !c.RequiresCitation {
			continue
		}
		v, ok := byClaim[c.ClaimID]
		if !ok || v == model.VerdictNotFound {
			count++
		}
	}
	return count
}
