package service

import (
	"testing"

	"github.com/connexus-ai/veriloop/internal/model"
)

func claim(id string, importance model.ClaimImportance, requiresCitation bool) model.Claim {
	return model.Claim{ClaimID: id, ClaimText: id, ClaimType: model.ClaimFact, Importance: importance, RequiresCitation: requiresCitation}
}

func evidence(claimID string, verdict model.Verdict, snippet string) model.EvidenceEntry {
	return model.EvidenceEntry{ClaimID: claimID, Verdict: verdict, EvidenceSnippet: snippet}
}

func TestEvaluateGate_AllSupported_Passes(t *testing.T) {
	ledger := &JudgeResult{
		Claims: []model.Claim{
			claim("c1", model.ImportanceCritical, true),
			claim("c2", model.ImportanceMaterial, true),
		},
		Evidence: []model.EvidenceEntry{
			evidence("c1", model.VerdictSupported, ""),
			evidence("c2", model.VerdictSupported, ""),
		},
	}

	decision := EvaluateGate(ledger, 0, DefaultGateConfig())

	if !decision.Pass {
		t.Fatalf("expected gate to pass, reasons: %+v", decision.Reasons)
	}
	if decision.EvidenceCoverage != 1.0 {
		t.Fatalf("expected coverage 1.0, got %f", decision.EvidenceCoverage)
	}
}

func TestEvaluateGate_CriticalContradiction_Fails(t *testing.T) {
	ledger := &JudgeResult{
		Claims: []model.Claim{claim("c1", model.ImportanceCritical, true)},
		Evidence: []model.EvidenceEntry{
			evidence("c1", model.VerdictContradicted, ""),
		},
	}

	decision := EvaluateGate(ledger, 0, DefaultGateConfig())

	if decision.Pass {
		t.Fatal("expected gate to fail on a critical contradiction")
	}
	if !hasReason(decision, "critical_contradiction") {
		t.Fatalf("expected critical_contradiction reason, got %+v", decision.Reasons)
	}
}

func TestEvaluateGate_LowCoverage_Fails(t *testing.T) {
	claims := []model.Claim{}
	evidenceEntries := []model.EvidenceEntry{}
	for i := 0; i < 10; i++ {
		id := "c" + string(rune('a'+i))
		claims = append(claims, claim(id, model.ImportanceMaterial, true))
		verdict := model.VerdictNotFound
		if i < 5 { // 50% coverage, below the 0.85 default target
			verdict = model.VerdictSupported
		}
		evidenceEntries = append(evidenceEntries, evidence(id, verdict, ""))
	}
	ledger := &JudgeResult{Claims: claims, Evidence: evidenceEntries}

	decision := EvaluateGate(ledger, 0, DefaultGateConfig())

	if decision.Pass {
		t.Fatal("expected gate to fail on low coverage")
	}
	if !hasReason(decision, "low_coverage") {
		t.Fatalf("expected low_coverage reason, got %+v", decision.Reasons)
	}
}

func TestEvaluateGate_RelaxedCeilingOnFinalCycle(t *testing.T) {
	// 75% coverage: fails the 0.85 default target but clears the 0.70
	// relaxed ceiling that applies only once the revision budget is spent.
	claims := []model.Claim{
		claim("c1", model.ImportanceMaterial, false),
		claim("c2", model.ImportanceMaterial, false),
		claim("c3", model.ImportanceMaterial, false),
		claim("c4", model.ImportanceMaterial, false),
	}
	evidenceEntries := []model.EvidenceEntry{
		evidence("c1", model.VerdictSupported, ""),
		evidence("c2", model.VerdictSupported, ""),
		evidence("c3", model.VerdictSupported, ""),
		evidence("c4", model.VerdictNotFound, ""),
	}
	ledger := &JudgeResult{Claims: claims, Evidence: evidenceEntries}

	midCycle := EvaluateGate(ledger, 0, DefaultGateConfig())
	if midCycle.Pass {
		t.Fatal("expected gate to fail against the default target at cycle 0")
	}

	finalCycle := EvaluateGate(ledger, model.MaxRevisionCycles, DefaultGateConfig())
	if !finalCycle.Pass {
		t.Fatalf("expected gate to pass against the relaxed ceiling at the final cycle, reasons: %+v", finalCycle.Reasons)
	}
}

func TestEvaluateGate_ConflictWithoutBothViews_Fails(t *testing.T) {
	ledger := &JudgeResult{
		Claims: []model.Claim{claim("c1", model.ImportanceMinor, false)},
		Evidence: []model.EvidenceEntry{
			evidence("c1", model.VerdictConflictFlag, ""),
		},
	}

	decision := EvaluateGate(ledger, 0, DefaultGateConfig())

	if decision.Pass {
		t.Fatal("expected gate to fail when a conflict lacks both-view presentation")
	}
	if !hasReason(decision, "conflict_not_presented") {
		t.Fatalf("expected conflict_not_presented reason, got %+v", decision.Reasons)
	}
}

func TestEvaluateGate_ConflictWithBothViews_ExcludedFromCoverageDenominator(t *testing.T) {
	ledger := &JudgeResult{
		Claims: []model.Claim{
			claim("c1", model.ImportanceCritical, false),
			claim("c2", model.ImportanceCritical, false),
		},
		Evidence: []model.EvidenceEntry{
			evidence("c1", model.VerdictConflictFlag, "document says X; established source says Y"),
			evidence("c2", model.VerdictSupported, ""),
		},
	}

	decision := EvaluateGate(ledger, 0, DefaultGateConfig())

	if !decision.Pass {
		t.Fatalf("expected a properly presented conflict alongside a supported claim to pass, reasons: %+v", decision.Reasons)
	}
	if decision.EvidenceCoverage != 1.0 {
		t.Fatalf("conflict-flagged claims are excluded from the coverage denominator, got %f", decision.EvidenceCoverage)
	}
}

func TestEvaluateGate_UnsupportedClaimRate_Fails(t *testing.T) {
	claims := make([]model.Claim, 0, 20)
	evidenceEntries := make([]model.EvidenceEntry, 0, 20)
	for i := 0; i < 20; i++ {
		id := "c" + string(rune('a'+i))
		claims = append(claims, claim(id, model.ImportanceMinor, true))
		verdict := model.VerdictSupported
		if i < 3 { // 15% unsupported, over the 5% ceiling
			verdict = model.VerdictNotFound
		}
		evidenceEntries = append(evidenceEntries, evidence(id, verdict, ""))
	}
	ledger := &JudgeResult{Claims: claims, Evidence: evidenceEntries}

	decision := EvaluateGate(ledger, 0, DefaultGateConfig())

	if !hasReason(decision, "unsupported_rate") {
		t.Fatalf("expected unsupported_rate reason, got %+v", decision.Reasons)
	}
}

func TestEvaluateGate_Idempotent(t *testing.T) {
	ledger := &JudgeResult{
		Claims:   []model.Claim{claim("c1", model.ImportanceCritical, true)},
		Evidence: []model.EvidenceEntry{evidence("c1", model.VerdictSupported, "")},
	}

	first := EvaluateGate(ledger, 1, DefaultGateConfig())
	second := EvaluateGate(ledger, 1, DefaultGateConfig())

	if first.Pass != second.Pass || first.EvidenceCoverage != second.EvidenceCoverage || len(first.Reasons) != len(second.Reasons) {
		t.Fatal("EvaluateGate must be a pure function of (ledger, revisionCycle)")
	}
}

func TestEvaluateGate_NoMaterialOrCriticalClaims_CoverageIsZero(t *testing.T) {
	// The coverage formula restricts its numerator and denominator to
	// critical/material claims; with none present the denominator floors
	// at 1 and the numerator stays 0, so coverage is 0 rather than vacuously 1.
	ledger := &JudgeResult{
		Claims: []model.Claim{claim("c1", model.ImportanceMinor, false)},
		Evidence: []model.EvidenceEntry{
			evidence("c1", model.VerdictNotFound, ""),
		},
	}

	decision := EvaluateGate(ledger, 0, DefaultGateConfig())

	if decision.EvidenceCoverage != 0.0 {
		t.Fatalf("expected coverage 0.0 when no critical/material claims exist, got %f", decision.EvidenceCoverage)
	}
}

func TestEvaluateGate_HonorsConfiguredCoverageTarget(t *testing.T) {
	// One of two critical claims is supported: 50% coverage.
	ledger := &JudgeResult{
		Claims: []model.Claim{
			claim("c1", model.ImportanceCritical, true),
			claim("c2", model.ImportanceCritical, true),
		},
		Evidence: []model.EvidenceEntry{
			evidence("c1", model.VerdictSupported, "supports c1"),
			evidence("c2", model.VerdictNotFound, ""),
		},
	}

	strict := EvaluateGate(ledger, 0, GateConfig{CoverageTargetDefault: 0.9, CoverageTargetRelaxed: 0.7, MaxRevisionCycles: 2})
	if strict.Pass {
		t.Fatal("expected gate to fail 50% coverage against a configured 0.9 target")
	}

	lenient := EvaluateGate(ledger, 0, GateConfig{CoverageTargetDefault: 0.4, CoverageTargetRelaxed: 0.3, MaxRevisionCycles: 2})
	for _, r := range lenient.Reasons {
		if r.Rule == "low_coverage" {
			t.Fatal("expected 50% coverage to clear a configured 0.4 target")
		}
	}
}

func TestEvaluateGate_HonorsConfiguredMaxRevisionCycles(t *testing.T) {
	// One of two critical claims is supported: 50% coverage, between the
	// relaxed 0.1 and strict 0.99 targets. No claim requires a citation, so
	// only the coverage rule can fire.
	ledger := &JudgeResult{
		Claims: []model.Claim{
			claim("c1", model.ImportanceCritical, false),
			claim("c2", model.ImportanceCritical, false),
		},
		Evidence: []model.EvidenceEntry{
			evidence("c1", model.VerdictSupported, "supports c1"),
			evidence("c2", model.VerdictNotFound, ""),
		},
	}

	// cycle 1 is below a configured ceiling of 3, so the strict target applies.
	belowCeiling := EvaluateGate(ledger, 1, GateConfig{CoverageTargetDefault: 0.99, CoverageTargetRelaxed: 0.1, MaxRevisionCycles: 3})
	if belowCeiling.Pass {
		t.Fatal("expected the strict target to still apply below a configured cycle ceiling")
	}

	// cycle 1 at-or-above a configured ceiling of 1 relaxes the target.
	atCeiling := EvaluateGate(ledger, 1, GateConfig{CoverageTargetDefault: 0.99, CoverageTargetRelaxed: 0.1, MaxRevisionCycles: 1})
	if !atCeiling.Pass {
		t.Fatal("expected the relaxed target to apply at a configured cycle ceiling")
	}
}

func hasReason(d GateDecision, rule string) bool {
	for _, r := range d.Reasons {
		if r.Rule == rule {
			return true
		}
	}
	return false
}
