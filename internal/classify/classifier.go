// Package classify holds the deterministic validation, complexity
// classification, and flag aggregation logic. Every function here is pure
// so results can be re-run identically for audit or dispute resolution.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// IncompleteError reports a document that failed validation at forced
// completion. It is surfaced to routing, not swallowed.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("requirements document incomplete: missing %s", strings.Join(e.Missing, ", "))
}

// Validate checks that every required scalar field is non-empty after
// trimming and every required list has at least one element. The estimated
// complexity is derived, never user-supplied, so it is not checked here.
func Validate(doc *models.RequirementsDocument) error {
	if missing := doc.MissingFields(); len(missing) > 0 {
		return &IncompleteError{Missing: missing}
	}
	return nil
}

// builtinTools are stock capabilities that do not count as custom
// integrations for classification.
var builtinTools = map[string]bool{
	"email":      true,
	"calendar":   true,
	"web search": true,
	"websearch":  true,
	"browser":    true,
	"none":       true,
}

var (
	enterprisePopulation = regexp.MustCompile(`(?i)\b(organization[- ]wide|entire (?:company|organization|org)|all (?:employees|staff|departments)|company[- ]wide)\b`)
	complianceLanguage   = regexp.MustCompile(`(?i)\b(hipaa|gdpr|sox|pci[- ]dss|ferpa|finra|compliance|regulated industry|regulatory)\b`)
	multiAgentLanguage   = regexp.MustCompile(`(?i)\b(multi[- ]agent|agents? coordinat\w*|team of agents|agent swarm|orchestrat\w* agents?)\b`)
	adversarialLanguage  = regexp.MustCompile(`(?i)\b(red[- ]team\w*|penetration test\w*|adversarial|jailbreak test\w*|attack simulation|security testing)\b`)
	persistenceLanguage  = regexp.MustCompile(`(?i)\b(remember|memory|persist\w*|long[- ]term (?:state|history)|conversation history)\b`)
)

// Classify derives the tier assignment from the document's shape. Ordered
// rules, first match wins; running it twice on the same document yields the
// same tier.
func Classify(doc *models.RequirementsDocument) models.Tier {
	blob := docText(doc)

	if enterprisePopulation.MatchString(doc.UserContext) ||
		complianceLanguage.MatchString(doc.Domain) ||
		complianceLanguage.MatchString(strings.Join(doc.Constraints, "\n")) ||
		multiAgentLanguage.MatchString(blob) {
		return models.TierEnterprise
	}

	integrations := customIntegrationCount(doc.ToolsNeeded)
	if len(doc.PrimaryTasks) >= 4 ||
		integrations >= 2 ||
		adversarialLanguage.MatchString(blob) ||
		persistenceLanguage.MatchString(blob) {
		return models.TierProfessional
	}

	if len(doc.PrimaryTasks) >= 2 || integrations == 1 {
		return models.TierStandard
	}

	return models.TierBasic
}

// customIntegrationCount counts distinct requested tools that are not
// stock capabilities.
func customIntegrationCount(tools []string) int {
	seen := make(map[string]bool)
	for _, tool := range tools {
		normalized := strings.ToLower(strings.TrimSpace(tool))
		if normalized == "" || builtinTools[normalized] {
			continue
		}
		seen[normalized] = true
	}
	return len(seen)
}

// docText flattens the fields the pattern rules scan
func docText(doc *models.RequirementsDocument) string {
	parts := []string{doc.AgentPurpose, doc.Domain, doc.ToneStyle, doc.UserContext}
	parts = append(parts, doc.PrimaryTasks...)
	parts = append(parts, doc.Constraints...)
	parts = append(parts, doc.SafetyBoundaries...)
	return strings.Join(parts, "\n")
}
