package service

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/connexus-ai/veriloop/internal/model"
)

// JudgeResult is the typed, validated output of a Judge pass — the result
// of running the Judge's raw text through ParseLedger.
type JudgeResult struct {
	Claims           []model.Claim          `json:"claims"`
	Evidence         []model.EvidenceEntry  `json:"evidence"`
	Conflicts        []model.Conflict       `json:"conflicts"`
	ExpertAdditions  []model.ExpertAddition `json:"expertAdditions"`
	RiskFlags        []model.RiskFlag       `json:"riskFlags"`
	RevisionNeeded   bool                   `json:"revisionNeeded"`
	EvidenceCoverage float64                `json:"evidenceCoverage"`
	VerifiedResponse string                 `json:"verifiedResponse"`
}

// rawJudgeJSON mirrors the Judge's documented schema loosely enough to
// accept both camelCase and snake_case keys; fields are decoded into
// generic maps first so unknown/malformed entries can be dropped rather
// than rejecting the entire payload.
type rawJudgeJSON struct {
	Claims    []map[string]any `json:"claims"`
	ClaimsSnk []map[string]any `json:"claims_list"` // tolerate an alternate key, never emitted but defensively accepted
	Evidence  []map[string]any `json:"evidence"`
	Conflicts []map[string]any `json:"conflicts"`
	ExpertAdd []map[string]any `json:"expertAdditions"`
	ExpertAdd2 []map[string]any `json:"expert_additions"`
	RiskFlags []map[string]any `json:"riskFlags"`
	RiskFlagsSnk []map[string]any `json:"risk_flags"`

	RevisionNeeded  *bool   `json:"revisionNeeded"`
	RevisionNeeded2 *bool   `json:"revision_needed"`
	Coverage        *float64 `json:"evidenceCoverage"`
	Coverage2       *float64 `json:"evidence_coverage"`
	Verified        *string `json:"verifiedResponse"`
	Verified2       *string `json:"verified_response"`
}

// ParseLedger extracts a typed JudgeResult from the Judge's raw output.
// It never throws (P6): on any parse failure it returns an empty ledger
// plus a high-severity parse_error risk flag, and the caller (Orchestrator)
// continues the pipeline rather than failing the session.
func ParseLedger(raw string, sessionID string, revisionCycle int) *JudgeResult {
	cleaned := stripFences(raw)

	var parsed rawJudgeJSON
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return &JudgeResult{
			RiskFlags: []model.RiskFlag{{Type: "parse_error", Severity: "high", Detail: err.Error()}},
		}
	}

	result := &JudgeResult{
		Claims:          parseClaims(coalesce(parsed.Claims, parsed.ClaimsSnk), sessionID, revisionCycle),
		Evidence:        parseEvidence(parsed.Evidence, sessionID, revisionCycle),
		Conflicts:       parseConflicts(parsed.Conflicts, sessionID, revisionCycle),
		ExpertAdditions: parseExpertAdditions(coalesce(parsed.ExpertAdd, parsed.ExpertAdd2), sessionID, revisionCycle),
		RiskFlags:       parseRiskFlags(coalesce(parsed.RiskFlags, parsed.RiskFlagsSnk)),
		RevisionNeeded:  firstBool(parsed.RevisionNeeded, parsed.RevisionNeeded2),
		EvidenceCoverage: model.ClampConfidence(firstFloat(parsed.Coverage, parsed.Coverage2)),
		VerifiedResponse: firstString(parsed.Verified, parsed.Verified2),
	}

	return result
}

func stripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	if len(lines) < 3 {
		return cleaned
	}
	return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
}

func parseClaims(raw []map[string]any, sessionID string, cycle int) []model.Claim {
	claims := make([]model.Claim, 0, len(raw))
	for _, m := range raw {
		claimID := str(m, "claimId", "claim_id")
		claimText := str(m, "claimText", "claim_text")
		if claimID == "" || claimText == "" {
			continue // malformed entry, dropped not guessed
		}
		claims = append(claims, model.Claim{
			ClaimID:          claimID,
			SessionID:        sessionID,
			ClaimText:        claimText,
			ClaimType:        coerceClaimType(str(m, "claimType", "claim_type")),
			Importance:       coerceImportance(str(m, "importance", "")),
			RequiresCitation: true,
			RevisionCycle:    cycle,
		})
	}
	return claims
}

func parseEvidence(raw []map[string]any, sessionID string, cycle int) []model.EvidenceEntry {
	entries := make([]model.EvidenceEntry, 0, len(raw))
	for _, m := range raw {
		claimID := str(m, "claimId", "claim_id")
		if claimID == "" {
			continue
		}
		sourceTag := str(m, "sourceTag", "source_tag")
		if sourceTag == "" {
			sourceTag = string(model.SourceMissing)
		}
		entries = append(entries, model.EvidenceEntry{
			ClaimID:          claimID,
			SessionID:        sessionID,
			SourceTag:        sourceTag,
			Verdict:          coerceVerdict(str(m, "verdict", "")),
			ConfidenceScore:  model.ClampConfidence(num(m, "confidenceScore", "confidence_score")),
			ChunkIDs:         strSlice(m, "chunkIds", "chunk_ids"),
			EvidenceSnippet:  str(m, "evidenceSnippet", "evidence_snippet"),
			ExpertAssessment: str(m, "expertAssessment", "expert_assessment"),
			Notes:            str(m, "notes", "notes"),
			RevisionCycle:    cycle,
		})
	}
	return entries
}

func parseConflicts(raw []map[string]any, sessionID string, cycle int) []model.Conflict {
	conflicts := make([]model.Conflict, 0, len(raw))
	for _, m := range raw {
		claimID := str(m, "claimId", "claim_id")
		if claimID == "" {
			continue
		}
		conflicts = append(conflicts, model.Conflict{
			SessionID:       sessionID,
			ClaimID:         claimID,
			DomainLabel:     str(m, "domainLabel", "domain_label"),
			DocumentView:    str(m, "documentView", "document_view"),
			EstablishedView: str(m, "establishedView", "established_view"),
			RevisionCycle:   cycle,
		})
	}
	return conflicts
}

func parseExpertAdditions(raw []map[string]any, sessionID string, cycle int) []model.ExpertAddition {
	additions := make([]model.ExpertAddition, 0, len(raw))
	for _, m := range raw {
		claimID := str(m, "claimId", "claim_id")
		text := str(m, "text", "")
		if claimID == "" || text == "" {
			continue
		}
		additions = append(additions, model.ExpertAddition{
			SessionID:     sessionID,
			ClaimID:       claimID,
			Text:          text,
			RevisionCycle: cycle,
		})
	}
	return additions
}

func parseRiskFlags(raw []map[string]any) []model.RiskFlag {
	flags := make([]model.RiskFlag, 0, len(raw))
	for _, m := range raw {
		t := str(m, "type", "")
		if t == "" {
			continue
		}
		severity := str(m, "severity", "")
		if severity == "" {
			severity = "low"
		}
		flags = append(flags, model.RiskFlag{Type: t, Severity: severity, Detail: str(m, "detail", "")})
	}
	return flags
}

func coerceClaimType(v string) model.ClaimType {
	ct := model.ClaimType(v)
	if model.ValidClaimTypes[ct] {
		return ct
	}
	return model.ClaimFact
}

func coerceImportance(v string) model.ClaimImportance {
	imp := model.ClaimImportance(v)
	if model.ValidImportances[imp] {
		return imp
	}
	return model.ImportanceMaterial
}

func coerceVerdict(v string) model.Verdict {
	vd := model.Verdict(v)
	if model.ValidVerdicts[vd] {
		return vd
	}
	return model.VerdictNotFound
}

// ── generic map helpers: accept camelCase, fall back to snake_case ──

func str(m map[string]any, camel, snake string) string {
	if v, ok := m[camel]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if snake != "" {
		if v, ok := m[snake]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func num(m map[string]any, camel, snake string) float64 {
	if v, ok := m[camel]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	if v, ok := m[snake]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

func strSlice(m map[string]any, camel, snake string) []string {
	v, ok := m[camel]
	if !ok {
		v, ok = m[snake]
	}
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch t := item.(type) {
		case string:
			out = append(out, t)
		case float64:
			out = append(out, trimFloatString(t))
		}
	}
	return out
}

func trimFloatString(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return ""
}

func coalesce[T any](a, b []T) []T {
	if len(a) > 0 {
		return a
	}
	return b
}

func firstBool(vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return false
}

func firstFloat(vals ...*float64) float64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func firstString(vals ...*string) string {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return ""
}
