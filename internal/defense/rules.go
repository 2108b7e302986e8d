// Package defense implements the stateless input and output defense layers
// that wrap every model exchange. Checks are data-described rules (pattern,
// severity, category) loaded into the inspectors, so the rule corpus is
// testable and extensible without touching the conversation machine.
package defense

import "regexp"

// Severity grades a rule finding. The highest severity across all findings
// decides the verdict for the turn.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

// String returns the severity name for logging and audit records
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "none"
	}
}

// Category groups rules by the attack class they detect
type Category string

const (
	CategoryOverride  Category = "instruction_override"
	CategoryPersona   Category = "persona_assumption"
	CategoryEncoding  Category = "encoded_payload"
	CategoryUnicode   Category = "unicode_control"
	CategoryPolyglot  Category = "cross_language"
	CategoryLeakage   Category = "instruction_leakage"
	CategoryScope     Category = "scope_drift"
)

// Rule is one data-described defense check. Patterns must be linear-time
// safe: bounded repetitions only, no nested quantifiers, because the rule
// set runs on every turn of every session.
type Rule struct {
	Name        string
	Category    Category
	Severity    Severity
	Pattern     *regexp.Regexp
	Replacement string // applied when the verdict is sanitize
}

// Finding records one rule that matched an input or output
type Finding struct {
	Rule     string   `json:"rule"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
}

// defaultInputRules is the stock input-side rule corpus. Order matters only
// for which rule name is reported; the verdict is severity-max across all.
var defaultInputRules = []Rule{
	{
		Name:     "instruction-override",
		Category: CategoryOverride,
		Severity: SeverityHigh,
		Pattern:  regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\b.{0,40}\b(previous|prior|above|earlier|all|your)\b.{0,40}\b(instructions?|prompts?|rules?|directives?)\b`),
	},
	{
		Name:     "prompt-extraction",
		Category: CategoryOverride,
		Severity: SeverityHigh,
		Pattern:  regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|display|output)\b.{0,40}\b(system prompt|hidden instructions|initial instructions|your instructions|your prompt)\b`),
	},
	{
		Name:     "persona-jailbreak",
		Category: CategoryPersona,
		Severity: SeverityHigh,
		Pattern:  regexp.MustCompile(`(?i)\b(pretend|act as|you are now|roleplay|role-play|simulate)\b.{0,60}\b(unrestricted|no (?:rules|filters|limits)|jailbroken|dan|developer mode|evil)\b`),
	},
	{
		Name:     "persona-shift",
		Category: CategoryPersona,
		Severity: SeverityMedium,
		Pattern:  regexp.MustCompile(`(?i)\b(from now on you (?:are|will be)|new persona|forget who you are)\b`),
	},
	{
		Name:        "base64-payload",
		Category:    CategoryEncoding,
		Severity:    SeverityMedium,
		Pattern:     regexp.MustCompile(`[A-Za-z0-9+/]{64,}={0,2}`),
		Replacement: "[encoded content removed]",
	},
	{
		Name:     "char-split-override",
		Category: CategoryEncoding,
		Severity: SeverityHigh,
		Pattern:  regexp.MustCompile(`(?i)\bi[\s._-]+g[\s._-]+n[\s._-]+o[\s._-]+r[\s._-]+e\b`),
	},
	{
		Name:        "invisible-unicode",
		Category:    CategoryUnicode,
		Severity:    SeverityMedium,
		Pattern:     regexp.MustCompile(`[\x{200B}\x{200C}\x{200D}\x{200E}\x{200F}\x{202A}-\x{202E}\x{2060}\x{2066}-\x{2069}\x{FEFF}]+`),
		Replacement: "",
	},
	{
		Name:     "cross-language-override",
		Category: CategoryPolyglot,
		Severity: SeverityHigh,
		Pattern:  regexp.MustCompile(`(?i)(ignorier\w* (?:alle|die) (?:anweisungen|regeln)|ignore[rz] toutes les instructions|игнорируй все инструкции|忽略之前的指令|以前の指示を無視)`),
	},
}

// defaultOutputRules is the stock output-side rule corpus. Instruction
// leakage fragments are configured separately on the inspector because
// they depend on the deployed system prompt.
var defaultOutputRules = []Rule{
	{
		Name:     "persona-adopted",
		Category: CategoryPersona,
		Severity: SeverityHigh,
		Pattern:  regexp.MustCompile(`(?i)\b(as an unrestricted ai|i am dan\b|i have no (?:rules|restrictions|guidelines)|developer mode enabled|jailbroken)\b`),
	},
	{
		Name:     "refusal-bypass-offer",
		Category: CategoryScope,
		Severity: SeverityHigh,
		Pattern:  regexp.MustCompile(`(?i)\b(here is how to bypass|i can ignore my guidelines)\b`),
	},
}
