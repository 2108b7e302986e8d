// Package conversation drives one intake session through its phases:
// greeting, gathering, confirming, and a terminal complete or aborted. The
// machine owns the turn pipeline (input defense, model call, output defense,
// progress extraction) and is the only code that mutates a session during an
// active turn.
package conversation

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/agent-builder/intake-engine/internal/classify"
	"github.com/bizmatters/agent-builder/intake-engine/internal/defense"
	"github.com/bizmatters/agent-builder/intake-engine/internal/llm"
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

var tracer = otel.Tracer("conversation-machine")

// Turn budget. The warning threshold switches the model into wrap-up mode;
// the hard limit force-completes with whatever has been gathered.
const (
	MaxTurns    = 30
	WarningTurn = 25
)

// maxInputBlocks is the number of blocked inputs a session survives. The
// block that reaches this count terminates the session as rejected.
const maxInputBlocks = 3

// Model call parameters for intake turns. Low temperature keeps the
// progress marker shape stable; the token cap keeps replies conversational.
const (
	turnTemperature = 0.3
	turnMaxTokens   = 200
)

var (
	// ErrSessionTerminal is returned when a turn arrives for a session
	// already in complete or aborted.
	ErrSessionTerminal = errors.New("session is in a terminal phase")
	// ErrProtocolViolation is returned when the model's terminal message
	// carries anything besides the serialized payload.
	ErrProtocolViolation = errors.New("terminal message violates the payload protocol")
)

// phaseTransitions is the legal phase graph. Every phase change goes
// through advance, so an illegal transition is a bug, not a state.
var phaseTransitions = map[models.Phase][]models.Phase{
	models.PhaseGreeting:   {models.PhaseGathering, models.PhaseAborted},
	models.PhaseGathering:  {models.PhaseConfirming, models.PhaseComplete, models.PhaseAborted},
	models.PhaseConfirming: {models.PhaseGathering, models.PhaseComplete, models.PhaseAborted},
	models.PhaseComplete:   {},
	models.PhaseAborted:    {},
}

// terminationCommands end the session on the customer's request
var terminationCommands = map[string]bool{
	"quit": true,
	"exit": true,
}

// Machine runs the per-turn pipeline for intake sessions. Stateless across
// sessions; all mutable state lives on the session passed in.
type Machine struct {
	model       llm.Transducer
	input       *defense.InputInspector
	output      *defense.OutputInspector
	turnTimeout time.Duration
}

// NewMachine creates a machine backed by the given transducer. The per-turn
// model deadline comes from MODEL_TURN_TIMEOUT_SECONDS.
func NewMachine(model llm.Transducer) *Machine {
	timeout := 30 * time.Second
	if raw := os.Getenv("MODEL_TURN_TIMEOUT_SECONDS"); raw != "" {
		if parsed, err := time.ParseDuration(raw + "s"); err == nil && parsed > 0 {
			timeout = parsed
		} else {
			log.Printf("WARN: invalid MODEL_TURN_TIMEOUT_SECONDS %q, defaulting to %s", raw, timeout)
		}
	}
	return &Machine{
		model:       model,
		input:       defense.NewInputInspector(),
		output:      defense.NewOutputInspector(InstructionFragments()),
		turnTimeout: timeout,
	}
}

// advance moves the session to a new phase, enforcing the transition table
func advance(s *models.Session, to models.Phase) error {
	for _, allowed := range phaseTransitions[s.Phase] {
		if allowed == to {
			s.Phase = to
			return nil
		}
	}
	return ErrSessionTerminal
}

// Greet produces the opening assistant message for a freshly created
// session. A model failure degrades to a fixed greeting rather than failing
// session creation; the session is still usable.
func (m *Machine) Greet(ctx context.Context, s *models.Session) string {
	ctx, span := tracer.Start(ctx, "conversation.greet")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID.String()))

	callCtx, cancel := context.WithTimeout(ctx, m.turnTimeout)
	defer cancel()

	reply, err := m.model.Complete(callCtx, llm.CompletionRequest{
		System: buildSystemPrompt(s),
		Messages: []llm.Message{
			{Role: "user", Content: "Hello, I'd like to get started."},
		},
		Tier:        llm.CapabilityMinimal,
		MaxTokens:   turnMaxTokens,
		Temperature: turnTemperature,
	})
	if err != nil {
		log.Printf(`{"event":"greeting_fallback","session_id":"%s","error":"%v"}`, s.ID, err)
		return fallbackGreeting
	}

	cleaned, _ := extractProgress(reply)
	if check := m.output.Inspect(cleaned); check.Verdict == models.VerdictReject {
		return fallbackGreeting
	}
	if cleaned == "" {
		return fallbackGreeting
	}
	return cleaned
}

// Step runs one user turn through the full pipeline and mutates the session
// accordingly. Exactly one of the returned result's terminal markers is set
// when the session ends on this turn.
func (m *Machine) Step(ctx context.Context, s *models.Session, userInput string) (models.TurnResult, error) {
	ctx, span := tracer.Start(ctx, "conversation.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.ID.String()),
		attribute.Int("session.turn", s.TurnCount+1),
	)

	if s.Phase.Terminal() {
		return models.TurnResult{}, ErrSessionTerminal
	}

	userInput = strings.TrimSpace(userInput)

	if terminationCommands[strings.ToLower(userInput)] {
		return m.terminate(s, userInput)
	}

	s.TurnCount++
	if s.Phase == models.PhaseGreeting {
		// The first user turn leaves greeting regardless of its verdict.
		if err := advance(s, models.PhaseGathering); err != nil {
			return models.TurnResult{}, err
		}
	}
	turn := models.TurnRecord{
		Seq:       s.TurnCount,
		UserInput: userInput,
		Timestamp: time.Now().UTC(),
	}

	checked := m.input.Inspect(userInput)
	turn.InputVerdict = checked.Verdict
	turn.InputRule = checked.Rule
	if checked.Verdict == models.VerdictSanitize {
		turn.SanitizedInput = checked.Sanitized
	}
	span.SetAttributes(attribute.String("defense.input_verdict", string(checked.Verdict)))

	if checked.Verdict == models.VerdictBlock {
		result, err := m.handleBlockedInput(s, turn)
		if err != nil || s.Phase.Terminal() {
			return result, err
		}
		if s.TurnCount >= MaxTurns {
			return m.forceComplete(s)
		}
		return result, nil
	}

	reply, err := m.callModel(ctx, s, checked.Sanitized)
	if err != nil {
		if errors.Is(err, llm.ErrTimeout) {
			// The turn still counts against the budget; the requirements
			// document is unchanged and the user retries.
			turn.ModelTimedOut = true
			turn.AssistantText = timeoutRetryMessage
			s.Turns = append(s.Turns, turn)
			if s.TurnCount >= MaxTurns {
				return m.forceComplete(s)
			}
			return m.result(s, timeoutRetryMessage), nil
		}
		// Gateway down: the turn is not consumed and the session stays
		// exactly where it was.
		s.TurnCount--
		return models.TurnResult{}, err
	}

	if looksTerminal(reply) {
		return m.handleTerminal(s, turn, reply)
	}

	cleaned, delta := extractProgress(reply)
	response := cleaned

	if check := m.output.Inspect(cleaned); check.Verdict == models.VerdictReject {
		turn.OutputVerdict = models.VerdictReject
		turn.OutputRule = check.Rule
		response = outputRejectedRedirect
		delta = nil // a rejected reply contributes nothing to the document
		log.Printf(`{"event":"output_rejected","session_id":"%s","rule":"%s","turn":%d}`, s.ID, check.Rule, s.TurnCount)
	} else {
		turn.OutputVerdict = models.VerdictAllow
	}

	turn.AssistantText = response
	s.Turns = append(s.Turns, turn)

	if delta != nil {
		s.Document.Merge(delta.Requirements)
		s.SafetySignals.Merge(delta.SafetySignals)
	}
	m.refreshFlags(s)
	m.refreshPhase(s, delta)

	if s.TurnCount >= MaxTurns {
		return m.forceComplete(s)
	}
	return m.result(s, response), nil
}

// callModel sends the full sanitized conversation history under a per-turn
// deadline. Blocked turns never reached the model and are replayed as their
// fixed redirects, so the model's view matches what the user saw.
func (m *Machine) callModel(ctx context.Context, s *models.Session, currentInput string) (string, error) {
	messages := make([]llm.Message, 0, 2*len(s.Turns)+1)
	for _, past := range s.Turns {
		content := past.UserInput
		if past.SanitizedInput != "" {
			content = past.SanitizedInput
		}
		if past.InputVerdict == models.VerdictBlock {
			content = "[message removed]"
		}
		messages = append(messages, llm.Message{Role: "user", Content: content})
		messages = append(messages, llm.Message{Role: "assistant", Content: past.AssistantText})
	}
	messages = append(messages, llm.Message{Role: "user", Content: currentInput})

	callCtx, cancel := context.WithTimeout(ctx, m.turnTimeout)
	defer cancel()

	return m.model.Complete(callCtx, llm.CompletionRequest{
		System:      buildSystemPrompt(s),
		Messages:    messages,
		Tier:        llm.CapabilityMinimal,
		MaxTokens:   turnMaxTokens,
		Temperature: turnTemperature,
	})
}

// handleBlockedInput records the blocked turn and either redirects or, on
// the final allowed block, rejects the session outright.
func (m *Machine) handleBlockedInput(s *models.Session, turn models.TurnRecord) (models.TurnResult, error) {
	blocks := 1
	for _, past := range s.Turns {
		if past.InputVerdict == models.VerdictBlock {
			blocks++
		}
	}

	if blocks >= maxInputBlocks {
		turn.AssistantText = "This session has ended."
		s.Turns = append(s.Turns, turn)
		m.refreshFlags(s)
		s.RaiseFlag(models.FlagHostileInteraction)
		if err := advance(s, models.PhaseAborted); err != nil {
			return models.TurnResult{}, err
		}
		s.State = models.SessionRejected
		log.Printf(`{"event":"session_rejected","session_id":"%s","reason":"repeated_blocked_input","turn":%d}`, s.ID, s.TurnCount)
		result := m.result(s, turn.AssistantText)
		result.Complete = true
		return result, nil
	}

	turn.AssistantText = inputBlockedRedirect
	s.Turns = append(s.Turns, turn)
	m.refreshFlags(s)
	return m.result(s, inputBlockedRedirect), nil
}

// handleTerminal parses and finalizes a model-emitted terminal payload.
// A malformed terminal message aborts the session rather than guessing.
func (m *Machine) handleTerminal(s *models.Session, turn models.TurnRecord, reply string) (models.TurnResult, error) {
	payload, err := parseTerminal(reply)
	if err != nil {
		turn.OutputVerdict = models.VerdictReject
		turn.OutputRule = "terminal-protocol"
		turn.AssistantText = ""
		s.Turns = append(s.Turns, turn)
		if advErr := advance(s, models.PhaseAborted); advErr != nil {
			return models.TurnResult{}, advErr
		}
		s.State = models.SessionAbandoned
		log.Printf(`{"event":"protocol_violation","session_id":"%s","turn":%d}`, s.ID, s.TurnCount)
		return models.TurnResult{}, err
	}

	s.Document.Merge(payload.Requirements)
	s.SafetySignals.Merge(payload.SafetySignals)

	turn.OutputVerdict = models.VerdictAllow
	s.Turns = append(s.Turns, turn)
	m.refreshFlags(s)

	final := m.finalPayload(s)
	s.Turns[len(s.Turns)-1].AssistantText = final.marshaled

	if err := advance(s, models.PhaseComplete); err != nil {
		return models.TurnResult{}, err
	}
	s.State = models.SessionCompleted

	result := m.result(s, final.marshaled)
	result.Complete = true
	result.Payload = final.payload
	return result, nil
}

// forceComplete ends the session at the hard turn limit with whatever has
// been gathered. A session that gathered nothing at all is abandoned; for a
// partially filled document, validation happens in routing, not here.
func (m *Machine) forceComplete(s *models.Session) (models.TurnResult, error) {
	if s.Document.Empty() {
		if err := advance(s, models.PhaseAborted); err != nil {
			return models.TurnResult{}, err
		}
		s.State = models.SessionAbandoned
		log.Printf(`{"event":"turn_limit_abandoned","session_id":"%s"}`, s.ID)

		response := "We've reached the conversation limit without any requirements gathered, so this session has ended."
		if len(s.Turns) > 0 {
			s.Turns[len(s.Turns)-1].AssistantText = response
		}
		result := m.result(s, response)
		result.Complete = true
		return result, nil
	}

	final := m.finalPayload(s)

	if err := advance(s, models.PhaseComplete); err != nil {
		return models.TurnResult{}, err
	}
	s.State = models.SessionCompleted
	log.Printf(`{"event":"turn_limit_completion","session_id":"%s","missing_fields":%d}`, s.ID, len(s.Document.MissingFields()))

	response := "We've reached the conversation limit, so I've finalized your requirements with everything gathered so far.\n" + final.marshaled
	if len(s.Turns) > 0 {
		s.Turns[len(s.Turns)-1].AssistantText = response
	}

	result := m.result(s, response)
	result.Complete = true
	result.AtLimit = true
	result.Payload = final.payload
	return result, nil
}

// terminate ends the session at the customer's request with a summary of
// what was gathered. No refund judgment happens here.
func (m *Machine) terminate(s *models.Session, command string) (models.TurnResult, error) {
	s.TurnCount++
	summary := gatheredSummary(s)
	s.Turns = append(s.Turns, models.TurnRecord{
		Seq:           s.TurnCount,
		UserInput:     command,
		InputVerdict:  models.VerdictAllow,
		AssistantText: summary,
		Timestamp:     time.Now().UTC(),
	})
	if err := advance(s, models.PhaseAborted); err != nil {
		return models.TurnResult{}, err
	}
	s.State = models.SessionAbandoned

	result := m.result(s, summary)
	result.Complete = true
	return result, nil
}

// finalPayload builds the terminal payload from the engine's own state. The
// complexity tier and flags always come from the deterministic classifier,
// never from the model's own claims.
type builtPayload struct {
	payload   *models.TerminalPayload
	marshaled string
}

func (m *Machine) finalPayload(s *models.Session) builtPayload {
	m.refreshFlags(s)
	payload := &models.TerminalPayload{
		Status:              "complete",
		Requirements:        s.Document,
		SafetySignals:       s.SafetySignals,
		EstimatedComplexity: classify.Classify(&s.Document),
		Flags:               append([]models.Flag{}, s.Flags...),
	}
	return builtPayload{payload: payload, marshaled: marshalPayload(payload)}
}

// refreshFlags unions the aggregated flags onto the session. Flags only
// ever accumulate.
func (m *Machine) refreshFlags(s *models.Session) {
	for _, flag := range classify.AggregateFlags(s.Turns, &s.Document) {
		s.RaiseFlag(flag)
	}
}

// refreshPhase applies the non-terminal transitions: a complete document
// (or the model signaling readiness) enters confirming, and a document
// losing a field drops back to gathering.
func (m *Machine) refreshPhase(s *models.Session, delta *progressDelta) {
	ready := s.Document.Complete() || (delta != nil && delta.ReadyToConfirm)
	switch {
	case s.Phase == models.PhaseGathering && ready:
		_ = advance(s, models.PhaseConfirming)
	case s.Phase == models.PhaseConfirming && !s.Document.Complete():
		_ = advance(s, models.PhaseGathering)
	}
}

// result assembles the per-turn envelope
func (m *Machine) result(s *models.Session, response string) models.TurnResult {
	return models.TurnResult{
		Response:         response,
		Turn:             s.TurnCount,
		Complete:         s.Phase.Terminal(),
		ApproachingLimit: s.TurnCount >= WarningTurn && s.TurnCount < MaxTurns,
		AtLimit:          s.TurnCount >= MaxTurns,
	}
}
