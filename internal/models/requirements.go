package models

import "strings"

// RequirementsDocument is the structured artifact the conversation aims to
// produce. Created incrementally across turns, frozen once the session
// reaches complete.
type RequirementsDocument struct {
	AgentPurpose     string   `json:"agent_purpose"`
	Domain           string   `json:"domain"`
	PrimaryTasks     []string `json:"primary_tasks"`
	ToolsNeeded      []string `json:"tools_needed"`
	ToneStyle        string   `json:"tone_style"`
	Constraints      []string `json:"constraints"`
	SafetyBoundaries []string `json:"safety_boundaries"`
	UserContext      string   `json:"user_context"`
}

// SafetySignals captures the customer's stated posture on four safety axes.
// Free text, recorded verbatim for the classifier and the review queue.
type SafetySignals struct {
	WorkflowIntegration    string `json:"workflow_integration"`
	BoundaryAwareness      string `json:"boundary_awareness"`
	ErrorHandlingApproach  string `json:"error_handling_approach"`
	AIResponsibilityStance string `json:"ai_responsibility_stance"`
}

// MissingFields returns the names of required fields that are still empty.
// A document is complete only when this returns nil.
func (d *RequirementsDocument) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(d.AgentPurpose) == "" {
		missing = append(missing, "agent_purpose")
	}
	if strings.TrimSpace(d.Domain) == "" {
		missing = append(missing, "domain")
	}
	if len(d.PrimaryTasks) == 0 {
		missing = append(missing, "primary_tasks")
	}
	if len(d.ToolsNeeded) == 0 {
		missing = append(missing, "tools_needed")
	}
	if strings.TrimSpace(d.ToneStyle) == "" {
		missing = append(missing, "tone_style")
	}
	if len(d.Constraints) == 0 {
		missing = append(missing, "constraints")
	}
	if len(d.SafetyBoundaries) == 0 {
		missing = append(missing, "safety_boundaries")
	}
	if strings.TrimSpace(d.UserContext) == "" {
		missing = append(missing, "user_context")
	}
	return missing
}

// Complete reports whether every required field is populated
func (d *RequirementsDocument) Complete() bool {
	return len(d.MissingFields()) == 0
}

// Empty reports whether no required field has been populated at all
func (d *RequirementsDocument) Empty() bool {
	var zero RequirementsDocument
	return len(d.MissingFields()) == len(zero.MissingFields())
}

// Merge copies non-empty fields from delta into the document. List fields
// are replaced wholesale when the delta carries a non-empty list, so the
// model can correct earlier answers without the engine diffing them.
func (d *RequirementsDocument) Merge(delta RequirementsDocument) {
	if strings.TrimSpace(delta.AgentPurpose) != "" {
		d.AgentPurpose = strings.TrimSpace(delta.AgentPurpose)
	}
	if strings.TrimSpace(delta.Domain) != "" {
		d.Domain = strings.TrimSpace(delta.Domain)
	}
	if len(delta.PrimaryTasks) > 0 {
		d.PrimaryTasks = delta.PrimaryTasks
	}
	if len(delta.ToolsNeeded) > 0 {
		d.ToolsNeeded = delta.ToolsNeeded
	}
	if strings.TrimSpace(delta.ToneStyle) != "" {
		d.ToneStyle = strings.TrimSpace(delta.ToneStyle)
	}
	if len(delta.Constraints) > 0 {
		d.Constraints = delta.Constraints
	}
	if len(delta.SafetyBoundaries) > 0 {
		d.SafetyBoundaries = delta.SafetyBoundaries
	}
	if strings.TrimSpace(delta.UserContext) != "" {
		d.UserContext = strings.TrimSpace(delta.UserContext)
	}
}

// Merge copies non-empty signal fields from delta
func (s *SafetySignals) Merge(delta SafetySignals) {
	if strings.TrimSpace(delta.WorkflowIntegration) != "" {
		s.WorkflowIntegration = strings.TrimSpace(delta.WorkflowIntegration)
	}
	if strings.TrimSpace(delta.BoundaryAwareness) != "" {
		s.BoundaryAwareness = strings.TrimSpace(delta.BoundaryAwareness)
	}
	if strings.TrimSpace(delta.ErrorHandlingApproach) != "" {
		s.ErrorHandlingApproach = strings.TrimSpace(delta.ErrorHandlingApproach)
	}
	if strings.TrimSpace(delta.AIResponsibilityStance) != "" {
		s.AIResponsibilityStance = strings.TrimSpace(delta.AIResponsibilityStance)
	}
}

// Flag is a persistent, append-only risk annotation on a session
type Flag string

const (
	FlagHostileInteraction      Flag = "hostile_interaction"
	FlagScopeCreep              Flag = "scope_creep"
	FlagUnrealisticExpectations Flag = "unrealistic_expectations"
	FlagAIRelationshipConcern   Flag = "ai_relationship_concern"
	FlagSafetyResistance        Flag = "safety_resistance"
	FlagUnclearPurpose          Flag = "unclear_purpose"
)

// ValidFlags is the fixed flag enumeration
var ValidFlags = []Flag{
	FlagHostileInteraction,
	FlagScopeCreep,
	FlagUnrealisticExpectations,
	FlagAIRelationshipConcern,
	FlagSafetyResistance,
	FlagUnclearPurpose,
}

// TerminalPayload is the wire format of the terminal assistant message of a
// complete session. Field names are part of the protocol with the build
// pipeline and must not change.
type TerminalPayload struct {
	Status              string               `json:"status"`
	Requirements        RequirementsDocument `json:"requirements"`
	SafetySignals       SafetySignals        `json:"safety_signals"`
	EstimatedComplexity Tier                 `json:"estimated_complexity"`
	Flags               []Flag               `json:"flags"`
}
