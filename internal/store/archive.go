// Package store persists terminal sessions and routing decisions to
// PostgreSQL. Live sessions are never stored; the in-memory session table
// is the source of truth until a session goes terminal.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// ErrDecisionNotFound means no archived routing decision exists for the
// session.
var ErrDecisionNotFound = errors.New("routing decision not found")

// Archive persists terminal intake data
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive creates an archive backed by the given pool
func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// SaveSession archives a terminal session. Upsert keyed on session id so a
// retried finalize is harmless.
func (a *Archive) SaveSession(ctx context.Context, s *models.Session) error {
	turns, err := json.Marshal(s.Turns)
	if err != nil {
		return fmt.Errorf("failed to marshal turns: %w", err)
	}
	document, err := json.Marshal(s.Document)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	signals, err := json.Marshal(s.SafetySignals)
	if err != nil {
		return fmt.Errorf("failed to marshal safety signals: %w", err)
	}
	prescreen, err := json.Marshal(s.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal prescreen context: %w", err)
	}
	flags, err := json.Marshal(s.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	_, err = a.pool.Exec(ctx,
		`INSERT INTO intake_sessions (id, identity, phase, state, turn_count, prescreen, document, safety_signals, flags, turns, created_at, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   phase = EXCLUDED.phase,
		   state = EXCLUDED.state,
		   turn_count = EXCLUDED.turn_count,
		   document = EXCLUDED.document,
		   safety_signals = EXCLUDED.safety_signals,
		   flags = EXCLUDED.flags,
		   turns = EXCLUDED.turns,
		   archived_at = EXCLUDED.archived_at`,
		s.ID, s.Identity, string(s.Phase), string(s.State), s.TurnCount,
		prescreen, document, signals, flags, turns, s.CreatedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	return nil
}

// SaveDecision archives a routing decision
func (a *Archive) SaveDecision(ctx context.Context, d *models.RoutingDecision) error {
	reasons, err := json.Marshal(d.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	requirements, err := json.Marshal(d.Requirements)
	if err != nil {
		return fmt.Errorf("failed to marshal requirements: %w", err)
	}
	signals, err := json.Marshal(d.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal safety signals: %w", err)
	}
	flags, err := json.Marshal(d.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	ledger, err := json.Marshal(d.Ledger)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	_, err = a.pool.Exec(ctx,
		`INSERT INTO routing_decisions (session_id, outcome, reasons, assigned_tier, requirements, safety_signals, flags, ledger, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO UPDATE SET
		   outcome = EXCLUDED.outcome,
		   reasons = EXCLUDED.reasons,
		   assigned_tier = EXCLUDED.assigned_tier,
		   requirements = EXCLUDED.requirements,
		   safety_signals = EXCLUDED.safety_signals,
		   flags = EXCLUDED.flags,
		   ledger = EXCLUDED.ledger,
		   decided_at = EXCLUDED.decided_at`,
		d.SessionID, string(d.Outcome), reasons, string(d.AssignedTier),
		requirements, signals, flags, ledger, d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive routing decision: %w", err)
	}
	return nil
}

// GetDecision retrieves an archived routing decision by session id
func (a *Archive) GetDecision(ctx context.Context, sessionID uuid.UUID) (*models.RoutingDecision, error) {
	var (
		decision     models.RoutingDecision
		outcome      string
		tier         string
		reasons      []byte
		requirements []byte
		signals      []byte
		flags        []byte
		ledger       []byte
	)

	err := a.pool.QueryRow(ctx,
		`SELECT session_id, outcome, reasons, assigned_tier, requirements, safety_signals, flags, ledger, decided_at
		 FROM routing_decisions
		 WHERE session_id = $1`,
		sessionID,
	).Scan(&decision.SessionID, &outcome, &reasons, &tier, &requirements, &signals, &flags, &ledger, &decision.DecidedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDecisionNotFound
		}
		return nil, fmt.Errorf("failed to get routing decision: %w", err)
	}

	decision.Outcome = models.RoutingOutcome(outcome)
	decision.AssignedTier = models.Tier(tier)
	if err := json.Unmarshal(reasons, &decision.Reasons); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reasons: %w", err)
	}
	if err := json.Unmarshal(requirements, &decision.Requirements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}
	if err := json.Unmarshal(signals, &decision.Signals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal safety signals: %w", err)
	}
	if err := json.Unmarshal(flags, &decision.Flags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	if err := json.Unmarshal(ledger, &decision.Ledger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	return &decision, nil
}

// IdentityHistory summarizes an identity's archived sessions, used by
// operators investigating anomaly holds.
type IdentityHistory struct {
	Identity      string    `json:"identity"`
	SessionCount  int       `json:"session_count"`
	RejectedCount int       `json:"rejected_count"`
	LastSessionAt time.Time `json:"last_session_at"`
}

// GetIdentityHistory returns archive counts for one identity
func (a *Archive) GetIdentityHistory(ctx context.Context, identity string) (*IdentityHistory, error) {
	history := IdentityHistory{Identity: identity}

	err := a.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE state = 'rejected'),
		        COALESCE(MAX(archived_at), 'epoch'::timestamptz)
		 FROM intake_sessions
		 WHERE identity = $1`,
		identity,
	).Scan(&history.SessionCount, &history.RejectedCount, &history.LastSessionAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get identity history: %w", err)
	}
	return &history, nil
}
