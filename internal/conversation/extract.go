package conversation

import (
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// The model is instructed to end every gathering reply with one progress
// marker line carrying the fields captured so far. The marker is stripped
// before the text reaches the user and merged into the working document, so
// document accumulation stays deterministic and auditable.
var progressMarkerPattern = regexp.MustCompile(`(?s)<!--intake:(\{.*?\})-->`)

// terminalHint cheaply detects a candidate terminal payload before paying
// for a full parse. Mirrors the completion check of the conversation
// protocol: a JSON object opening with a complete status.
var terminalHint = regexp.MustCompile(`\{\s*"status"\s*:\s*"complete"`)

// progressDelta is the marker's wire shape
type progressDelta struct {
	Requirements   models.RequirementsDocument `json:"requirements"`
	SafetySignals  models.SafetySignals        `json:"safety_signals"`
	ReadyToConfirm bool                        `json:"ready_to_confirm"`
}

// extractProgress strips the progress marker from a reply and returns the
// cleaned user-facing text plus the parsed delta. A malformed marker is
// dropped silently: the conversation continues and the fields are picked up
// on a later turn.
func extractProgress(reply string) (string, *progressDelta) {
	match := progressMarkerPattern.FindStringSubmatch(reply)
	cleaned := strings.TrimSpace(progressMarkerPattern.ReplaceAllString(reply, ""))
	if match == nil {
		return cleaned, nil
	}

	var delta progressDelta
	if err := json.Unmarshal([]byte(match[1]), &delta); err != nil {
		return cleaned, nil
	}
	return cleaned, &delta
}

// looksTerminal reports whether a reply is a candidate terminal payload
func looksTerminal(reply string) bool {
	return terminalHint.MatchString(reply)
}

// marshalPayload serializes a terminal payload in its wire shape
func marshalPayload(p *models.TerminalPayload) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return `{"status":"complete"}`
	}
	return string(raw)
}

// parseTerminal parses a candidate terminal reply. The terminal assistant
// message of a complete session must be only the serialized payload; any
// trailing non-JSON content is a protocol violation and the session fails
// into aborted rather than guessing at partial JSON.
func parseTerminal(reply string) (*models.TerminalPayload, error) {
	trimmed := strings.TrimSpace(reply)

	// Tolerate a single fenced code block around the payload, nothing else.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	decoder := json.NewDecoder(strings.NewReader(trimmed))
	var payload models.TerminalPayload
	if err := decoder.Decode(&payload); err != nil {
		return nil, ErrProtocolViolation
	}
	// Anything after the JSON object violates the output trigger contract.
	if decoder.More() {
		return nil, ErrProtocolViolation
	}
	if rest, err := io.ReadAll(decoder.Buffered()); err == nil {
		if strings.TrimSpace(string(rest)) != "" {
			return nil, ErrProtocolViolation
		}
	}
	if payload.Status != "complete" {
		return nil, ErrProtocolViolation
	}
	return &payload, nil
}
