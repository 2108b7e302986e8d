package helpers

import (
	"encoding/json"
	"fmt"

	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// TestOperator represents a test operator fixture
type TestOperator struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

// Default test fixtures
var (
	DefaultTestOperator = TestOperator{
		Email:    "operator@example.com",
		Password: "operator-password-123",
		Roles:    []string{"operator"},
	}
)

// CompletedRequirements returns a fully populated requirements document of
// the kind a cooperative customer produces over a few turns.
func CompletedRequirements() models.RequirementsDocument {
	return models.RequirementsDocument{
		AgentPurpose:     "Customer support assistant for an online bike shop",
		Domain:           "retail",
		PrimaryTasks:     []string{"answer order status questions", "handle return requests"},
		ToolsNeeded:      []string{"order lookup", "email"},
		ToneStyle:        "friendly and concise",
		Constraints:      []string{"never promise delivery dates"},
		SafetyBoundaries: []string{"escalate refund disputes to a human"},
		UserContext:      "small support team of four",
	}
}

// CooperativeSignals returns safety signals for a low-risk customer
func CooperativeSignals() models.SafetySignals {
	return models.SafetySignals{
		WorkflowIntegration:    "assistant drafts replies, agents approve before sending",
		BoundaryAwareness:      "knows the assistant must not issue refunds",
		ErrorHandlingApproach:  "mistakes get flagged to the support lead",
		AIResponsibilityStance: "humans stay accountable for customer outcomes",
	}
}

// ProgressMarkerReply builds a gathering-phase assistant reply: user-facing
// text plus the machine-readable progress marker line.
func ProgressMarkerReply(text string, doc models.RequirementsDocument, signals models.SafetySignals, ready bool) string {
	marker := map[string]interface{}{
		"requirements":     doc,
		"safety_signals":   signals,
		"ready_to_confirm": ready,
	}
	raw, _ := json.Marshal(marker)
	return fmt.Sprintf("%s\n<!--intake:%s-->", text, string(raw))
}

// TerminalReply builds the final assistant message of a complete session
func TerminalReply(doc models.RequirementsDocument, signals models.SafetySignals, tier models.Tier) string {
	payload := models.TerminalPayload{
		Status:              "complete",
		Requirements:        doc,
		SafetySignals:       signals,
		EstimatedComplexity: tier,
		Flags:               []models.Flag{},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

// CreateSessionRequest builds a session creation payload from a
// pre-screening form submission.
func CreateSessionRequest(name, email string, tier models.Tier) map[string]interface{} {
	return map[string]interface{}{
		"name":              name,
		"email":             email,
		"company":           "Acme Bikes",
		"category":          "customer_support",
		"brief_description": "Support assistant for our web shop",
		"estimated_users":   "500 customers per month",
		"pre_selected_tier": string(tier),
	}
}

// CreateMessageRequest builds one conversation turn payload
func CreateMessageRequest(message string) map[string]interface{} {
	return map[string]interface{}{
		"message": message,
	}
}

// CreateLoginRequest creates a login request payload
func CreateLoginRequest(email, password string) map[string]interface{} {
	return map[string]interface{}{
		"email":    email,
		"password": password,
	}
}

// ToJSON converts a fixture to JSON string
func ToJSON(fixture interface{}) string {
	data, _ := json.Marshal(fixture)
	return string(data)
}

// FromJSON parses JSON string to map
func FromJSON(jsonStr string) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal([]byte(jsonStr), &result)
	return result
}
