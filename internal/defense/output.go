package defense

import (
	"strings"

	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// OutputResult is the outcome of checking one candidate model reply
type OutputResult struct {
	Verdict  models.Verdict
	Rule     string
	Findings []Finding
}

// scopeAnchors are terms a requirements-gathering reply is expected to touch.
// A long reply mentioning none of them is treated as scope drift.
var scopeAnchors = []string{
	"agent", "requirement", "task", "tool", "workflow", "integration",
	"tier", "constraint", "safety", "purpose", "domain", "build",
	"question", "detail", "describe",
}

// scopeDriftMinLength is the reply length below which the drift heuristic
// stays quiet; short acknowledgements rarely carry enough signal.
const scopeDriftMinLength = 400

// OutputInspector runs after the model produces a candidate reply, before
// it reaches the user. It checks for leakage of operating instructions,
// adoption of a disallowed persona, and drift outside requirements-gathering.
type OutputInspector struct {
	rules     []Rule
	fragments []string // known system-instruction fragments, lowercased
}

// NewOutputInspector creates an inspector with the stock rule corpus and the
// given instruction fragments to match leakage against.
func NewOutputInspector(instructionFragments []string) *OutputInspector {
	fragments := make([]string, 0, len(instructionFragments))
	for _, f := range instructionFragments {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			fragments = append(fragments, f)
		}
	}
	return &OutputInspector{rules: defaultOutputRules, fragments: fragments}
}

// Inspect evaluates a candidate reply. Any finding rejects the reply; the
// conversation machine substitutes a fixed redirect and records the failure.
func (o *OutputInspector) Inspect(reply string) OutputResult {
	result := OutputResult{Verdict: models.VerdictAllow}
	lower := strings.ToLower(reply)

	for _, fragment := range o.fragments {
		if strings.Contains(lower, fragment) {
			result.Findings = append(result.Findings, Finding{
				Rule:     "instruction-leakage",
				Category: CategoryLeakage,
				Severity: SeverityHigh,
			})
			break
		}
	}

	for _, rule := range o.rules {
		if rule.Pattern.MatchString(reply) {
			result.Findings = append(result.Findings, Finding{
				Rule:     rule.Name,
				Category: rule.Category,
				Severity: rule.Severity,
			})
		}
	}

	if len(result.Findings) == 0 && o.drifted(lower) {
		result.Findings = append(result.Findings, Finding{
			Rule:     "scope-drift",
			Category: CategoryScope,
			Severity: SeverityMedium,
		})
	}

	if len(result.Findings) > 0 {
		result.Verdict = models.VerdictReject
		result.Rule = result.Findings[0].Rule
	}
	return result
}

// drifted reports whether a long reply mentions none of the intake scope
// anchors. Terminal payloads are JSON and always carry anchor terms, so
// they pass untouched.
func (o *OutputInspector) drifted(lowerReply string) bool {
	if len(lowerReply) < scopeDriftMinLength {
		return false
	}
	for _, anchor := range scopeAnchors {
		if strings.Contains(lowerReply, anchor) {
			return false
		}
	}
	return true
}
