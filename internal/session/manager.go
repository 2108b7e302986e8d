// Package session owns the live session table. One customer session is
// worked on by at most one turn at a time; the manager serializes turns per
// session while letting distinct sessions proceed in parallel.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/agent-builder/intake-engine/internal/anomaly"
	"github.com/bizmatters/agent-builder/intake-engine/internal/conversation"
	"github.com/bizmatters/agent-builder/intake-engine/internal/metrics"
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
	"github.com/bizmatters/agent-builder/intake-engine/internal/routing"
	"github.com/bizmatters/agent-builder/intake-engine/internal/store"
)

var tracer = otel.Tracer("session-manager")

var (
	// ErrNotFound means no live session has the given id
	ErrNotFound = errors.New("session not found")
	// ErrTurnInFlight means another turn for the same session is still
	// being processed; the caller retries after it settles.
	ErrTurnInFlight = errors.New("a turn is already in flight for this session")
	// ErrAlreadyExists means an imported snapshot collides with a live session
	ErrAlreadyExists = errors.New("session already exists")
	// ErrPaymentRequired means conversation was attempted before the
	// deposit was confirmed.
	ErrPaymentRequired = errors.New("deposit not confirmed for this session")
)

// Archive persists terminal sessions and routing decisions and answers
// reads for sessions already pruned from the live table.
type Archive interface {
	SaveSession(ctx context.Context, s *models.Session) error
	SaveDecision(ctx context.Context, d *models.RoutingDecision) error
	GetDecision(ctx context.Context, sessionID uuid.UUID) (*models.RoutingDecision, error)
	GetIdentityHistory(ctx context.Context, identity string) (*store.IdentityHistory, error)
}

// Sink receives routing decisions for downstream delivery
type Sink interface {
	Dispatch(ctx context.Context, d *models.RoutingDecision) error
}

// managedSession wraps one live session with its own turn lock. The lock
// is held for the full duration of a turn; Converse uses TryLock so a
// concurrent turn fails fast instead of queueing behind a model call.
type managedSession struct {
	mu             sync.Mutex
	session        *models.Session
	greeting       string
	collectedCents int64
	decision       *models.RoutingDecision
	lastActivity   time.Time
}

// Manager is the concurrency boundary around all live sessions
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*managedSession

	machine    *conversation.Machine
	monitor    *anomaly.Monitor
	archive    Archive
	sink       Sink
	instrument *metrics.IntakeMetrics
}

// NewManager wires the manager to its collaborators. Archive and sink may
// be nil in tests; persistence and dispatch are then skipped.
func NewManager(machine *conversation.Machine, monitor *anomaly.Monitor, archive Archive, sink Sink, instrument *metrics.IntakeMetrics) *Manager {
	return &Manager{
		sessions:   make(map[uuid.UUID]*managedSession),
		machine:    machine,
		monitor:    monitor,
		archive:    archive,
		sink:       sink,
		instrument: instrument,
	}
}

// CreateResult is returned from Create: the new session plus its greeting
type CreateResult struct {
	Session  *models.Session
	Greeting string
}

// Create opens a session for an identity. The deposit for the pre-selected
// tier is collected up front; a session with no valid pre-selected tier
// starts unpaid and waits for a payment event.
func (m *Manager) Create(ctx context.Context, identity string, prescreen models.PrescreenContext) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "session.create")
	defer span.End()

	if err := m.monitor.AllowSession(identity); err != nil {
		return nil, err
	}

	sess := &models.Session{
		ID:        uuid.New(),
		Identity:  identity,
		CreatedAt: time.Now().UTC(),
		Context:   prescreen,
		Phase:     models.PhaseGreeting,
		State:     models.SessionOpen,
	}
	span.SetAttributes(attribute.String("session.id", sess.ID.String()))

	var collected int64
	if prescreen.PreSelectedTier.Valid() {
		collected = models.DepositCents(prescreen.PreSelectedTier)
		sess.PaymentConfirmed = true
	}

	greeting := m.machine.Greet(ctx, sess)

	managed := &managedSession{
		session:        sess,
		greeting:       greeting,
		collectedCents: collected,
		lastActivity:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = managed
	m.mu.Unlock()

	if m.instrument != nil {
		m.instrument.RecordSessionCreated(ctx, string(prescreen.PreSelectedTier))
	}
	log.Printf(`{"event":"session_created","session_id":"%s","identity":"%s","tier":"%s"}`,
		sess.ID, identity, prescreen.PreSelectedTier)

	return &CreateResult{Session: sess, Greeting: greeting}, nil
}

// Converse runs one user turn. Concurrent turns for the same session fail
// fast with ErrTurnInFlight rather than queueing; the client owns retry.
func (m *Manager) Converse(ctx context.Context, id uuid.UUID, input string) (models.TurnResult, error) {
	ctx, span := tracer.Start(ctx, "session.converse")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id.String()))

	managed, err := m.lookup(id)
	if err != nil {
		return models.TurnResult{}, err
	}

	if !managed.mu.TryLock() {
		return models.TurnResult{}, ErrTurnInFlight
	}
	defer managed.mu.Unlock()
	defer func() { managed.lastActivity = time.Now().UTC() }()

	if !managed.session.PaymentConfirmed {
		return models.TurnResult{}, ErrPaymentRequired
	}

	result, err := m.machine.Step(ctx, managed.session, input)
	if err != nil {
		if errors.Is(err, conversation.ErrProtocolViolation) {
			// The session aborted on the model's malformed terminal
			// message; archive what we have for audit.
			m.finalizeLocked(ctx, managed)
		}
		return models.TurnResult{}, err
	}

	if m.instrument != nil && len(managed.session.Turns) > 0 {
		last := managed.session.Turns[len(managed.session.Turns)-1]
		m.instrument.RecordTurn(ctx, string(last.InputVerdict), string(last.OutputVerdict))
	}

	if managed.session.Phase.Terminal() {
		m.finalizeLocked(ctx, managed)
	}
	return result, nil
}

// finalizeLocked runs the terminal pipeline: record with the anomaly
// monitor, decide routing, persist, dispatch. Caller holds managed.mu.
// Abandoned sessions are archived but produce no routing decision.
func (m *Manager) finalizeLocked(ctx context.Context, managed *managedSession) {
	sess := managed.session
	m.monitor.RecordSession(sess)

	if sess.State == models.SessionCompleted || sess.State == models.SessionRejected {
		verdict := m.monitor.Assess(sess.Identity)
		decision := routing.Decide(routing.Input{
			Session:        sess,
			AnomalyHold:    verdict.Hold,
			AnomalyReason:  verdict.Reason,
			CollectedCents: managed.collectedCents,
		})
		managed.decision = decision

		if m.instrument != nil {
			m.instrument.RecordRoutingOutcome(ctx, string(decision.Outcome), string(decision.AssignedTier))
		}
		if m.archive != nil {
			if err := m.archive.SaveDecision(ctx, decision); err != nil {
				log.Printf(`{"event":"decision_persist_failed","session_id":"%s","error":"%v"}`, sess.ID, err)
			}
		}
		if m.sink != nil {
			if err := m.sink.Dispatch(ctx, decision); err != nil {
				// The decision is persisted; delivery is retried out of band.
				log.Printf(`{"event":"dispatch_failed","session_id":"%s","error":"%v"}`, sess.ID, err)
			}
		}
	}

	if m.archive != nil {
		if err := m.archive.SaveSession(ctx, sess); err != nil {
			log.Printf(`{"event":"session_persist_failed","session_id":"%s","error":"%v"}`, sess.ID, err)
		}
	}
	if m.instrument != nil {
		m.instrument.RecordSessionFinalized(ctx, string(sess.State), sess.TurnCount, time.Since(sess.CreatedAt))
	}
	log.Printf(`{"event":"session_finalized","session_id":"%s","state":"%s","turns":%d}`,
		sess.ID, sess.State, sess.TurnCount)
}

// Get returns the live session by id
func (m *Manager) Get(id uuid.UUID) (*models.Session, error) {
	managed, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()
	return managed.session, nil
}

// Greeting returns the opening assistant message for a session
func (m *Manager) Greeting(id uuid.UUID) (string, error) {
	managed, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return managed.greeting, nil
}

// Decision returns the routing decision of a finalized session. Sessions
// already pruned from the live table are answered from the archive.
func (m *Manager) Decision(ctx context.Context, id uuid.UUID) (*models.RoutingDecision, error) {
	managed, err := m.lookup(id)
	if err == nil {
		managed.mu.Lock()
		defer managed.mu.Unlock()
		if managed.decision == nil {
			return nil, ErrNotFound
		}
		return managed.decision, nil
	}

	if m.archive == nil {
		return nil, ErrNotFound
	}
	decision, err := m.archive.GetDecision(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrDecisionNotFound) {
			log.Printf(`{"event":"decision_archive_lookup_failed","session_id":"%s","error":"%v"}`, id, err)
		}
		return nil, ErrNotFound
	}
	return decision, nil
}

// IdentityHistory summarizes an identity's archived sessions for operators
// investigating anomaly holds.
func (m *Manager) IdentityHistory(ctx context.Context, identity string) (*store.IdentityHistory, error) {
	if m.archive == nil {
		return nil, ErrNotFound
	}
	return m.archive.GetIdentityHistory(ctx, identity)
}

// RecordPayment marks the deposit as collected for a session created
// without a valid pre-selected tier, or tops up an existing deposit.
func (m *Manager) RecordPayment(id uuid.UUID, amountCents int64) error {
	managed, err := m.lookup(id)
	if err != nil {
		return err
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()
	if managed.session.Phase.Terminal() {
		return conversation.ErrSessionTerminal
	}
	managed.collectedCents += amountCents
	managed.session.PaymentConfirmed = true
	return nil
}

// Cancel abandons a live session on the customer's or an operator's behalf
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	managed, err := m.lookup(id)
	if err != nil {
		return err
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()

	if managed.session.Phase.Terminal() {
		return conversation.ErrSessionTerminal
	}
	managed.session.Phase = models.PhaseAborted
	managed.session.State = models.SessionAbandoned
	m.finalizeLocked(ctx, managed)
	return nil
}

// Export serializes a session for transfer. The session may be live or
// terminal; the snapshot carries the full turn history.
func (m *Manager) Export(id uuid.UUID) (*models.SessionSnapshot, error) {
	managed, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()

	copied := *managed.session
	copied.Turns = append([]models.TurnRecord{}, managed.session.Turns...)
	copied.Flags = append([]models.Flag{}, managed.session.Flags...)
	return &models.SessionSnapshot{Session: copied, ExportedAt: time.Now().UTC()}, nil
}

// Import registers a previously exported session. Phase and turn count are
// restored exactly; defense checks recorded in the snapshot are not re-run.
// The deposit for a paid snapshot is assumed collected at the pre-selected
// tier.
func (m *Manager) Import(snapshot *models.SessionSnapshot) (*models.Session, error) {
	if snapshot.Session.ID == uuid.Nil {
		return nil, errors.New("snapshot has no session id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[snapshot.Session.ID]; exists {
		return nil, ErrAlreadyExists
	}

	restored := snapshot.Session
	restored.Turns = append([]models.TurnRecord{}, snapshot.Session.Turns...)
	restored.Flags = append([]models.Flag{}, snapshot.Session.Flags...)

	var collected int64
	if restored.PaymentConfirmed && restored.Context.PreSelectedTier.Valid() {
		collected = models.DepositCents(restored.Context.PreSelectedTier)
	}

	m.sessions[restored.ID] = &managedSession{
		session:        &restored,
		collectedCents: collected,
		lastActivity:   time.Now().UTC(),
	}
	log.Printf(`{"event":"session_imported","session_id":"%s","phase":"%s","turns":%d}`,
		restored.ID, restored.Phase, restored.TurnCount)
	return &restored, nil
}

// Prune drops terminal sessions idle longer than keepTerminal and live
// sessions idle longer than keepIdle. Returns the number removed.
func (m *Manager) Prune(keepIdle, keepTerminal time.Duration) int {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, managed := range m.sessions {
		if !managed.mu.TryLock() {
			continue // a turn is in flight
		}
		idle := now.Sub(managed.lastActivity)
		terminal := managed.session.Phase.Terminal()
		managed.mu.Unlock()

		if (terminal && idle > keepTerminal) || (!terminal && idle > keepIdle) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf(`{"event":"sessions_pruned","removed":%d,"remaining":%d}`, removed, len(m.sessions))
	}
	return removed
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(id uuid.UUID) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	managed, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return managed, nil
}
