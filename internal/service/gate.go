package service

import "github.com/connexus-ai/veriloop/internal/model"

// GateDecision is the pure output of EvaluateGate: whether the Judge result
// clears the quality bar, and if not, which rule fired and in what order a
// revision should address them.
type GateDecision struct {
	Pass             bool
	EvidenceCoverage float64
	Reasons          []GateReason
}

// GateReason names one failing rule, ordered by the tie-break priority
// critical contradiction > low coverage > conflict presentation.
type GateReason struct {
	Rule   string
	Detail string
}

const unsupportedRateCeiling = 0.05

// GateConfig carries the operator-tunable thresholds EvaluateGate checks
// against, threaded from config.Config through OrchestratorConfig rather
// than read from package constants, so COVERAGE_TARGET_DEFAULT and friends
// actually take effect.
type GateConfig struct {
	CoverageTargetDefault float64
	CoverageTargetRelaxed float64
	MaxRevisionCycles     int
}

// DefaultGateConfig returns the spec.md §6 defaults, used when a caller
// (tests, or an OrchestratorConfig left zero-valued) doesn't set these.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		CoverageTargetDefault: 0.85,
		CoverageTargetRelaxed: 0.70,
		MaxRevisionCycles:     model.MaxRevisionCycles,
	}
}

// EvaluateGate decides whether a JudgeResult clears the quality bar for the
// given revision cycle (P3, P4). It is a pure function of its inputs: the
// same ledger, cycle and config always produce the same decision.
func EvaluateGate(ledger *JudgeResult, revisionCycle int, cfg GateConfig) GateDecision {
	if cfg.CoverageTargetDefault == 0 {
		cfg.CoverageTargetDefault = DefaultGateConfig().CoverageTargetDefault
	}
	if cfg.CoverageTargetRelaxed == 0 {
		cfg.CoverageTargetRelaxed = DefaultGateConfig().CoverageTargetRelaxed
	}
	if cfg.MaxRevisionCycles == 0 {
		cfg.MaxRevisionCycles = DefaultGateConfig().MaxRevisionCycles
	}

	coverage := evidenceCoverage(ledger.Claims, ledger.Evidence)

	var reasons []GateReason

	if crit := criticalContradiction(ledger.Claims, ledger.Evidence); crit != "" {
		reasons = append(reasons, GateReason{Rule: "critical_contradiction", Detail: crit})
	}

	target := cfg.CoverageTargetDefault
	if revisionCycle >= cfg.MaxRevisionCycles {
		target = cfg.CoverageTargetRelaxed
	}
	if coverage < target {
		reasons = append(reasons, GateReason{Rule: "low_coverage", Detail: "below target"})
	}

	if rate := unsupportedClaimRate(ledger.Claims, ledger.Evidence); rate > unsupportedRateCeiling {
		reasons = append(reasons, GateReason{Rule: "unsupported_rate", Detail: "exceeds ceiling"})
	}

	if claimID := unpresentedConflict(ledger.Claims, ledger.Evidence); claimID != "" {
		reasons = append(reasons, GateReason{Rule: "conflict_not_presented", Detail: claimID})
	}

	return GateDecision{
		Pass:             len(reasons) == 0,
		EvidenceCoverage: coverage,
		Reasons:          reasons,
	}
}

// evidenceCoverage implements the arithmetic from the quality gate: the
// fraction of critical/material claims (excluding conflict-flagged ones)
// that landed a supported, weak, or expert_verified verdict.
func evidenceCoverage(claims []model.Claim, evidence []model.EvidenceEntry) float64 {
	byClaim := verdictsByClaim(evidence)

	total := 0
	good := 0
	conflictFlagged := 0
	for _, c := range claims {
		if c.Importance != model.ImportanceCritical && c.Importance != model.ImportanceMaterial {
			continue
		}
		v, ok := byClaim[c.ClaimID]
		if ok && v == model.VerdictConflictFlag {
			conflictFlagged++
			continue
		}
		total++
		if ok && (v == model.VerdictSupported || v == model.VerdictWeak || v == model.VerdictExpertVerified) {
			good++
		}
	}

	denom := total
	if denom < 1 {
		denom = 1
	}
	return model.ClampConfidence(float64(good) / float64(denom))
}

// criticalContradiction returns the first critical claim the Judge marked
// contradicted, or "" if none.
func criticalContradiction(claims []model.Claim, evidence []model.EvidenceEntry) string {
	byClaim := verdictsByClaim(evidence)
	for _, c := range claims {
		if c.Importance != model.ImportanceCritical {
			continue
		}
		if v, ok := byClaim[c.ClaimID]; ok && v == model.VerdictContradicted {
			return c.ClaimID
		}
	}
	return ""
}

// unsupportedClaimRate is the fraction of claims requiring citation whose
// verdict is not_found or missing entirely.
func unsupportedClaimRate(claims []model.Claim, evidence []model.EvidenceEntry) float64 {
	byClaim := verdictsByClaim(evidence)

	needingCitation := 0
	unsupported := 0
	for _, c := range claims {
		if !c.RequiresCitation {
			continue
		}
		needingCitation++
		v, ok := byClaim[c.ClaimID]
		if !ok || v == model.VerdictNotFound {
			unsupported++
		}
	}
	if needingCitation == 0 {
		return 0
	}
	return float64(unsupported) / float64(needingCitation)
}

// unpresentedConflict returns the claim ID of the first conflict-flagged
// claim whose evidence snippet doesn't present both views, or "".
func unpresentedConflict(claims []model.Claim, evidence []model.EvidenceEntry) string {
	for _, e := range evidence {
		if e.Verdict != model.VerdictConflictFlag {
			continue
		}
		if e.EvidenceSnippet == "" {
			return e.ClaimID
		}
	}
	return ""
}

func verdictsByClaim(evidence []model.EvidenceEntry) map[string]model.Verdict {
	m := make(map[string]model.Verdict, len(evidence))
	for _, e := range evidence {
		m[e.ClaimID] = e.Verdict
	}
	return m
}
