package defense

import (
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// InputResult is the outcome of running the full input rule set on one turn
type InputResult struct {
	Verdict   models.Verdict
	Sanitized string // text forwarded to the model (equal to input on allow)
	Rule      string // name of the highest-severity rule that matched
	Findings  []Finding
}

// InputInspector is the synchronous, stateless pre-model filter. It runs in
// time linear in the input size regardless of content.
type InputInspector struct {
	rules []Rule
}

// NewInputInspector creates an inspector with the stock rule corpus
func NewInputInspector() *InputInspector {
	return &InputInspector{rules: defaultInputRules}
}

// NewInputInspectorWithRules creates an inspector with a custom rule corpus
func NewInputInspectorWithRules(rules []Rule) *InputInspector {
	return &InputInspector{rules: rules}
}

// Inspect evaluates the ordered rule set against one user turn. The highest
// severity wins: HIGH blocks the turn, MEDIUM forwards a sanitized rewrite
// (the original is retained in the turn record for audit), anything else
// allows the input through unchanged.
func (i *InputInspector) Inspect(input string) InputResult {
	result := InputResult{
		Verdict:   models.VerdictAllow,
		Sanitized: input,
	}

	max := SeverityNone
	for _, rule := range i.rules {
		if !rule.Pattern.MatchString(input) {
			continue
		}
		result.Findings = append(result.Findings, Finding{
			Rule:     rule.Name,
			Category: rule.Category,
			Severity: rule.Severity,
		})
		if rule.Severity > max {
			max = rule.Severity
			result.Rule = rule.Name
		}
	}

	switch {
	case max >= SeverityHigh:
		result.Verdict = models.VerdictBlock
		result.Sanitized = ""
	case max == SeverityMedium:
		result.Verdict = models.VerdictSanitize
		result.Sanitized = i.sanitize(input)
	}

	return result
}

// sanitize rewrites the input by applying every medium-severity rule's
// replacement. Sanitizing already-clean text returns it unchanged, so the
// operation is idempotent.
func (i *InputInspector) sanitize(input string) string {
	out := input
	for _, rule := range i.rules {
		if rule.Severity != SeverityMedium {
			continue
		}
		out = rule.Pattern.ReplaceAllString(out, rule.Replacement)
	}
	return out
}
