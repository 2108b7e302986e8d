// Package anomaly watches behavior across sessions of the same identity.
// Single sessions are judged by the conversation machine; this monitor
// catches patterns only visible in aggregate, like an attacker rotating
// through fresh sessions to probe the defenses.
package anomaly

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bizmatters/agent-builder/intake-engine/internal/classify"
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// ErrRateLimited is returned when an identity opens sessions faster than
// the allowed rate.
var ErrRateLimited = errors.New("session creation rate limit exceeded")

// Detection thresholds. Each is intentionally conservative: the monitor's
// only power is to divert a session to human review or slow an identity
// down, never to pass one.
const (
	// escalationWindow and escalationFloor define the risk-escalation
	// signal: strictly increasing risk scores across the window's turns,
	// ending at or above the floor.
	escalationWindow = 3
	escalationFloor  = 4

	// probeAttackMinimum and probeSimilarityFloor define mutation probing:
	// several distinct blocked inputs that are near-rewrites of each other.
	probeAttackMinimum   = 3
	probeSimilarityFloor = 0.5

	// refusalRateFloor: fraction of a session's turns that hit an input
	// block or an output rejection before the session reads as hostile.
	refusalRateFloor = 0.30

	// persistentEarlyBlockSessions: sessions that get blocked within their
	// first two turns before the identity is held for review.
	persistentEarlyBlockSessions = 3
	// persistentSignalSessions: sessions carrying escalation or probing
	// before the identity is held.
	persistentSignalSessions = 2

	earlyBlockTurnWindow = 2
)

// Verdict is the monitor's view of an identity at decision time
type Verdict struct {
	Hold    bool
	Reason  string
	Signals []string
}

// sessionDigest is the retained per-session summary. Raw turns are not
// kept; the digest carries only what the cross-session signals read.
type sessionDigest struct {
	endedAt       time.Time
	earlyBlock    bool
	escalated     bool
	probing       bool
	highRefusal   bool
	blockedInputs []string
}

type identityRecord struct {
	starts   []time.Time
	sessions []sessionDigest
}

// Monitor tracks per-identity behavior. Safe for concurrent use.
type Monitor struct {
	mu         sync.Mutex
	identities map[string]*identityRecord

	sessionLimit int
	rateWindow   time.Duration
	now          func() time.Time
}

// NewMonitor creates a monitor with the session rate limit taken from
// SESSION_RATE_LIMIT_PER_HOUR.
func NewMonitor() *Monitor {
	limit := 5
	if raw := os.Getenv("SESSION_RATE_LIMIT_PER_HOUR"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		} else {
			log.Printf("WARN: invalid SESSION_RATE_LIMIT_PER_HOUR %q, defaulting to %d", raw, limit)
		}
	}
	return &Monitor{
		identities:   make(map[string]*identityRecord),
		sessionLimit: limit,
		rateWindow:   time.Hour,
		now:          time.Now,
	}
}

// AllowSession checks and records a session-creation attempt for the
// identity. Rejected attempts are not recorded against the rate.
func (m *Monitor) AllowSession(identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(identity)
	cutoff := m.now().Add(-m.rateWindow)

	recent := rec.starts[:0]
	for _, start := range rec.starts {
		if start.After(cutoff) {
			recent = append(recent, start)
		}
	}
	rec.starts = recent

	if len(rec.starts) >= m.sessionLimit {
		log.Printf(`{"event":"rate_limited","identity":"%s","recent_sessions":%d}`, identity, len(rec.starts))
		return ErrRateLimited
	}
	rec.starts = append(rec.starts, m.now())
	return nil
}

// RecordSession digests a terminal session into the identity's history
func (m *Monitor) RecordSession(s *models.Session) {
	digest := digestSession(s)

	m.mu.Lock()
	defer m.mu.Unlock()
	digest.endedAt = m.now().UTC()
	rec := m.record(s.Identity)
	rec.sessions = append(rec.sessions, digest)
}

// Prune drops identities with no activity inside the horizon. Digests hold
// raw blocked inputs, so stale identities are not retained indefinitely.
func (m *Monitor) Prune(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	pruned := 0
	for identity, rec := range m.identities {
		if rec.lastActivity().After(cutoff) {
			continue
		}
		delete(m.identities, identity)
		pruned++
	}
	if pruned > 0 {
		log.Printf(`{"event":"anomaly_identities_pruned","count":%d}`, pruned)
	}
	return pruned
}

// Assess evaluates the identity including the session being decided. The
// session must already have been recorded.
func (m *Monitor) Assess(identity string) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.identities[identity]
	if !ok || len(rec.sessions) == 0 {
		return Verdict{}
	}

	var verdict Verdict
	latest := rec.sessions[len(rec.sessions)-1]
	if latest.escalated {
		verdict.Signals = append(verdict.Signals, "risk_escalation")
	}
	if latest.probing {
		verdict.Signals = append(verdict.Signals, "mutation_probing")
	}
	if latest.highRefusal {
		verdict.Signals = append(verdict.Signals, "high_refusal_rate")
	}
	if reason := persistentAttackerReason(rec.sessions); reason != "" {
		verdict.Signals = append(verdict.Signals, reason)
		verdict.Hold = true
		verdict.Reason = reason
	}
	if !verdict.Hold && (latest.escalated || latest.probing || latest.highRefusal) {
		verdict.Hold = true
		verdict.Reason = verdict.Signals[0]
	}
	return verdict
}

// lastActivity is the newest session start or digest time for the identity
func (r *identityRecord) lastActivity() time.Time {
	var last time.Time
	for _, start := range r.starts {
		if start.After(last) {
			last = start
		}
	}
	for _, digest := range r.sessions {
		if digest.endedAt.After(last) {
			last = digest.endedAt
		}
	}
	return last
}

func (m *Monitor) record(identity string) *identityRecord {
	rec, ok := m.identities[identity]
	if !ok {
		rec = &identityRecord{}
		m.identities[identity] = rec
	}
	return rec
}

// persistentAttackerReason fires when the identity keeps coming back with
// the offense already visible in the opening turns, or keeps tripping the
// in-session signals across sessions.
func persistentAttackerReason(sessions []sessionDigest) string {
	earlyBlocks := 0
	signaled := 0
	for _, digest := range sessions {
		if digest.earlyBlock {
			earlyBlocks++
		}
		if digest.escalated || digest.probing {
			signaled++
		}
	}
	if earlyBlocks >= persistentEarlyBlockSessions {
		return "persistent_attacker"
	}
	if signaled >= persistentSignalSessions {
		return "persistent_attacker"
	}
	return ""
}

// digestSession reduces a terminal session to the cross-session signals
func digestSession(s *models.Session) sessionDigest {
	var digest sessionDigest

	var blocked []string
	scores := make([]int, 0, len(s.Turns))
	flagsSoFar := 0
	refused := 0
	seenFlags := make(map[models.Flag]bool)

	for i, turn := range s.Turns {
		if turn.InputVerdict == models.VerdictBlock {
			blocked = append(blocked, turn.UserInput)
			if turn.Seq <= earlyBlockTurnWindow {
				digest.earlyBlock = true
			}
		}
		if turn.InputVerdict == models.VerdictBlock || turn.OutputVerdict == models.VerdictReject {
			refused++
		}
		// Count flags first raised by this turn's aggregation pass.
		newFlags := 0
		for _, flag := range classify.AggregateFlags(s.Turns[:i+1], &s.Document) {
			if !seenFlags[flag] {
				seenFlags[flag] = true
				newFlags++
			}
		}
		flagsSoFar += newFlags
		scores = append(scores, classify.RiskScore(turn, newFlags))
	}

	digest.blockedInputs = blocked
	digest.escalated = escalated(scores)
	digest.probing = mutationProbing(blocked)
	digest.highRefusal = len(s.Turns) > 0 && float64(refused)/float64(len(s.Turns)) > refusalRateFloor
	return digest
}

// escalated reports strictly increasing risk over the last window of turns
// ending at or above the floor.
func escalated(scores []int) bool {
	if len(scores) < escalationWindow {
		return false
	}
	tail := scores[len(scores)-escalationWindow:]
	for i := 1; i < len(tail); i++ {
		if tail[i] <= tail[i-1] {
			return false
		}
	}
	return tail[len(tail)-1] >= escalationFloor
}

// mutationProbing reports several distinct blocked inputs that are token
// rewrites of each other: pairwise Jaccard similarity over lowercased
// tokens at or above the floor.
func mutationProbing(blocked []string) bool {
	distinct := make([]string, 0, len(blocked))
	seen := make(map[string]bool)
	for _, input := range blocked {
		normalized := strings.ToLower(strings.TrimSpace(input))
		if !seen[normalized] {
			seen[normalized] = true
			distinct = append(distinct, normalized)
		}
	}
	if len(distinct) < probeAttackMinimum {
		return false
	}

	similar := 0
	pairs := 0
	for i := 0; i < len(distinct); i++ {
		for j := i + 1; j < len(distinct); j++ {
			pairs++
			if jaccard(tokens(distinct[i]), tokens(distinct[j])) >= probeSimilarityFloor {
				similar++
			}
		}
	}
	return pairs > 0 && similar == pairs
}

func tokens(input string) map[string]bool {
	set := make(map[string]bool)
	for _, field := range strings.Fields(input) {
		set[field] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
