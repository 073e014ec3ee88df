package service

import (
	"fmt"
	"strings"

	"github.com/connexus-ai/veriloop/internal/model"
)

// Each builder below is a pure function of its inputs and must produce
// byte-identical output for identical inputs — determinism here is what
// makes the gate (gate.go) and parser (ledger.go) independently testable.

const writerSystemPrompt = `You are the Writer in a verification pipeline. Goals, in order:
1. Answer the query appropriately for the requested mode using only the provided context.
2. Cite every factual claim as [cite:N] where N is the bracketed context index it came from.
3. For information not present in the context, use your own knowledge but tag it [llm:writer].
4. If a document appears to contradict an established fact, do not silently pick one: present
   an inline comparison of the document's claim and the established fact, tagging each accordingly.
Multiple citations may be concatenated, e.g. [cite:1][cite:3].`

// BuildWriterPrompt assembles the Writer's system+user prompt pair.
// historyCap of 0 falls back to model.HistoryMessageCap.
func BuildWriterPrompt(query string, contextBlock string, mode model.SessionMode, history []model.ConversationTurn, historyCap int) (system, user string) {
	var sb strings.Builder
	sb.WriteString(writerSystemPrompt)

	capped := model.CapHistory(history, historyCap)
	if len(capped) > 0 {
		sb.WriteString("\n\n=== CONVERSATION HISTORY ===\n")
		for _, t := range capped {
			sb.WriteString(fmt.Sprintf("%s: %s\n", t.Role, t.Content))
		}
	}

	var ub strings.Builder
	ub.WriteString("=== CONTEXT ===\n")
	ub.WriteString(contextBlock)
	ub.WriteString("\n\n=== QUERY ===\n")
	ub.WriteString(query)
	ub.WriteString("\n\n=== MODE ===\n")
	if mode == model.ModeDraft {
		ub.WriteString("draft: produce a working draft, flagging open gaps rather than forcing a complete answer.\n")
	} else {
		ub.WriteString("answer: produce a final, directly usable answer.\n")
	}

	return sb.String(), ub.String()
}

const skepticSystemPrompt = `You are the Skeptic in a verification pipeline. You receive the retrieved
context and the Writer's response. Produce a free-form critique identifying:
- likely hallucinations (claims not actually supported by the cited context),
- uncited factual claims,
- contradictions between the response and the documents.
Be specific: quote the claim and say what is wrong with its support. Do not rewrite the answer.`

// BuildSkepticPrompt assembles the Skeptic's system+user prompt pair.
func BuildSkepticPrompt(contextBlock, writerResponse string) (system, user string) {
	var ub strings.Builder
	ub.WriteString("=== CONTEXT ===\n")
	ub.WriteString(contextBlock)
	ub.WriteString("\n\n=== WRITER RESPONSE ===\n")
	ub.WriteString(writerResponse)
	return skepticSystemPrompt, ub.String()
}

const judgeSystemPromptTemplate = `You are the Judge in a verification pipeline. You receive the retrieved
context, the Writer's response, the Skeptic's critique, and the current revision cycle (%d).
Documents and established facts have equal weight; when they conflict, flag the conflict rather
than resolving it in either direction.

For every atomic factual claim in the Writer's response, decide:
- claimType: one of fact, policy, numeric, definition, scientific, historical, legal
- importance: one of critical, material, minor
- verdict: one of supported, weak, contradicted, not_found, expert_verified, conflict_flagged
- sourceTag: "cite:N" (N = context index), "llm:writer", "llm:skeptic", "llm:judge", or "missing"
- confidenceScore: 0.0 to 1.0
- chunkIds: the context indices (as strings) that back this verdict, in order

You MUST respond with strictly valid JSON, no prose, matching this schema:
{
  "claims": [{"claimId": "...", "claimText": "...", "claimType": "...", "importance": "...", "requiresCitation": true}],
  "evidence": [{"claimId": "...", "sourceTag": "...", "verdict": "...", "confidenceScore": 0.0, "chunkIds": ["1"], "evidenceSnippet": "...", "notes": "..."}],
  "conflicts": [{"claimId": "...", "domainLabel": "...", "documentView": "...", "establishedView": "..."}],
  "expertAdditions": [{"claimId": "...", "text": "..."}],
  "riskFlags": [{"type": "...", "severity": "...", "detail": "..."}],
  "revisionNeeded": false,
  "evidenceCoverage": 0.0,
  "verifiedResponse": "the response text, unchanged unless you are correcting citations"
}`

// BuildJudgePrompt assembles the Judge's system+user prompt pair.
func BuildJudgePrompt(contextBlock, writerResponse, skepticReport string, revisionCycle int) (system, user string) {
	system = fmt.Sprintf(judgeSystemPromptTemplate, revisionCycle)

	var ub strings.Builder
	ub.WriteString("=== CONTEXT ===\n")
	ub.WriteString(contextBlock)
	ub.WriteString("\n\n=== WRITER RESPONSE ===\n")
	ub.WriteString(writerResponse)
	ub.WriteString("\n\n=== SKEPTIC CRITIQUE ===\n")
	ub.WriteString(skepticReport)
	return system, ub.String()
}

const revisionSystemPrompt = `You are the Writer revising a prior response based on a Judge verdict.
Instructions:
- Remove any claim the Judge marked contradicted.
- Add citations for any claim the Judge marked not_found or missing sourceTag, if the context supports one.
- Align every numeric claim exactly to what the cited source states.
- Preserve the structure and tone of the prior response; do not rewrite from scratch.
- Keep conflict-flagged claims presented with both views; do not resolve them.`

// BuildRevisionPrompt assembles the Revision Writer's system+user prompt pair.
func BuildRevisionPrompt(contextBlock, previousResponse string, judgeResultJSON string) (system, user string) {
	var ub strings.Builder
	ub.WriteString("=== CONTEXT ===\n")
	ub.WriteString(contextBlock)
	ub.WriteString("\n\n=== PREVIOUS RESPONSE ===\n")
	ub.WriteString(previousResponse)
	ub.WriteString("\n\n=== JUDGE RESULT ===\n")
	ub.WriteString(judgeResultJSON)
	return revisionSystemPrompt, ub.String()
}
