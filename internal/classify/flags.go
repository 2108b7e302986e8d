package classify

import (
	"regexp"
	"strings"

	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// Flag trigger patterns over raw user turns. Like classification these are
// data-described and pure; routing decides what a flag costs the customer.
var (
	hostileLanguage = regexp.MustCompile(`(?i)\b(you (?:stupid|useless|worthless)|shut up|i(?:'ll| will) (?:sue|report|destroy) you|f[u*]ck)\b`)

	harmfulCapability = regexp.MustCompile(`(?i)\b(scrape personal data|mass[- ]?(?:dm|message|email) strangers|fake reviews|impersonat\w+ (?:a|another) (?:person|human)|bypass (?:filters|moderation)|harass\w*|spam\w*)\b`)

	dependenceLanguage = regexp.MustCompile(`(?i)\b(be my (?:best )?friend|i love you|only one who understands me|never leave me|my (?:therapist|soulmate)|i need you emotionally|talk to me every day)\b`)

	safetyRejection = regexp.MustCompile(`(?i)\b(stop asking about safety|skip the safety (?:stuff|questions)|i don'?t (?:need|want) (?:boundaries|guardrails|safety)|why do you care about safety|no limits for my agent)\b`)

	expansionLanguage = regexp.MustCompile(`(?i)\b(while you'?re at it|one more thing|also make it|can it also|add another|and another thing it should)\b`)

	unrealisticLanguage = regexp.MustCompile(`(?i)\b(100% accura\w+|never makes? (?:a )?mistakes?|guarantee\w* perfect|fully replace my (?:team|staff|employees)|perfect every time)\b`)

	incoherentPurpose = regexp.MustCompile(`(?i)\b(i don'?t (?:really )?know|not sure what|whatever you think|you decide|anything really)\b`)
)

// Flag aggregation thresholds. Documented so the aggregation is testable
// rather than a judgment call.
const (
	// blockRecurrenceThreshold: a defense block must repeat before it is a
	// hostile-interaction signal; a single block is redirected silently.
	blockRecurrenceThreshold = 2
	// driftRecurrenceThreshold: output rejections for scope drift within
	// the recurrence window before scope_creep is raised.
	driftRecurrenceThreshold = 2
	// recurrenceWindow is the number of recent turns inspected for
	// defense-failure recurrence.
	recurrenceWindow = 5
	// probeTurnThreshold: turns elapsed before an unstated purpose counts
	// as unclear rather than merely not-yet-gathered.
	probeTurnThreshold = 6
)

// AggregateFlags scans all turn records and the document for trigger
// patterns and returns the union of raised flags. Pure: same inputs, same
// flags. Callers union the result onto the session, which keeps the flag
// set monotonic across turns.
func AggregateFlags(turns []models.TurnRecord, doc *models.RequirementsDocument) []models.Flag {
	set := make(map[models.Flag]bool)

	blocks := 0
	for _, turn := range turns {
		if turn.InputVerdict == models.VerdictBlock {
			blocks++
		}
		if hostileLanguage.MatchString(turn.UserInput) {
			set[models.FlagHostileInteraction] = true
		}
		if harmfulCapability.MatchString(turn.UserInput) {
			set[models.FlagHostileInteraction] = true
		}
		if dependenceLanguage.MatchString(turn.UserInput) {
			set[models.FlagAIRelationshipConcern] = true
		}
		if safetyRejection.MatchString(turn.UserInput) {
			set[models.FlagSafetyResistance] = true
		}
		if unrealisticLanguage.MatchString(turn.UserInput) {
			set[models.FlagUnrealisticExpectations] = true
		}
	}
	if blocks >= blockRecurrenceThreshold {
		set[models.FlagHostileInteraction] = true
	}

	if expansionCount(turns) >= 3 || recentDriftRejections(turns) >= driftRecurrenceThreshold {
		set[models.FlagScopeCreep] = true
	}

	if len(turns) >= probeTurnThreshold && strings.TrimSpace(doc.AgentPurpose) == "" {
		set[models.FlagUnclearPurpose] = true
	}
	if incoherentPurpose.MatchString(doc.AgentPurpose) {
		set[models.FlagUnclearPurpose] = true
	}

	// Deterministic order for audit output
	var flags []models.Flag
	for _, flag := range models.ValidFlags {
		if set[flag] {
			flags = append(flags, flag)
		}
	}
	return flags
}

// expansionCount counts turns where the user widened the requested scope
func expansionCount(turns []models.TurnRecord) int {
	count := 0
	for _, turn := range turns {
		if expansionLanguage.MatchString(turn.UserInput) {
			count++
		}
	}
	return count
}

// recentDriftRejections counts output-defense rejections inside the
// recurrence window at the tail of the session.
func recentDriftRejections(turns []models.TurnRecord) int {
	start := len(turns) - recurrenceWindow
	if start < 0 {
		start = 0
	}
	count := 0
	for _, turn := range turns[start:] {
		if turn.OutputVerdict == models.VerdictReject {
			count++
		}
	}
	return count
}

// RiskScore computes the per-turn risk contribution used by the anomaly
// monitor: a simple monotonic function of defense triggers and flags.
func RiskScore(turn models.TurnRecord, flagsRaisedAtTurn int) int {
	score := 0
	if turn.InputVerdict == models.VerdictBlock {
		score += 3
	}
	if turn.OutputVerdict == models.VerdictReject {
		score += 2
	}
	score += flagsRaisedAtTurn
	return score
}
