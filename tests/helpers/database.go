package helpers

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// GetTestDatabasePool creates a database connection pool for testing
func GetTestDatabasePool(ctx context.Context) (*pgxpool.Pool, error) {
	databaseURL := BuildDatabaseURL()

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// BuildDatabaseURL constructs the database URL from environment variables
func BuildDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "intake-engine-db-rw.agent-builder.svc"
	}

	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}

	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}

	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "postgres"
	}

	dbname := os.Getenv("POSTGRES_DB")
	if dbname == "" {
		dbname = "agent_builder"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=prefer",
		user, password, host, port, dbname)
}

// TestDatabase provides database utilities for testing
type TestDatabase struct {
	Pool *pgxpool.Pool
	ctx  context.Context
}

// NewTestDatabase creates a new test database instance. Tests that need the
// database are skipped when it is unreachable, so the suite still runs on
// machines without the cluster stack.
func NewTestDatabase(t *testing.T) *TestDatabase {
	ctx := context.Background()

	pool, err := GetTestDatabasePool(ctx)
	if err != nil {
		t.Skipf("Test database unavailable, skipping: %v", err)
	}

	return &TestDatabase{
		Pool: pool,
		ctx:  ctx,
	}
}

// Close closes the database connection
func (db *TestDatabase) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// CreateTestOperator creates a test operator and returns the operator ID
func (db *TestDatabase) CreateTestOperator(t *testing.T, email, password string, roles []string) string {
	hashed, err := db.HashPassword(password)
	if err != nil {
		t.Fatalf("Failed to hash operator password: %v", err)
	}

	var operatorID string
	err = db.Pool.QueryRow(db.ctx, `
		INSERT INTO operators (name, email, hashed_password, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id
	`, "Test Operator", email, hashed, roles).Scan(&operatorID)

	if err != nil {
		t.Fatalf("Failed to create test operator: %v", err)
	}

	return operatorID
}

// DeleteOperator removes a test operator by id
func (db *TestDatabase) DeleteOperator(t *testing.T, operatorID string) {
	if _, err := db.Pool.Exec(db.ctx, `DELETE FROM operators WHERE id = $1`, operatorID); err != nil {
		t.Logf("Warning: Failed to delete test operator %s: %v", operatorID, err)
	}
}

// DeleteSessionRows removes archived session and decision rows for a session
func (db *TestDatabase) DeleteSessionRows(t *testing.T, sessionID string) {
	if _, err := db.Pool.Exec(db.ctx, `DELETE FROM routing_decisions WHERE session_id = $1`, sessionID); err != nil {
		t.Logf("Warning: Failed to delete decision rows for %s: %v", sessionID, err)
	}
	if _, err := db.Pool.Exec(db.ctx, `DELETE FROM intake_sessions WHERE id = $1`, sessionID); err != nil {
		t.Logf("Warning: Failed to delete session rows for %s: %v", sessionID, err)
	}
}

// ArchivedSessionstate returns the persisted state column for a session, or
// an empty string when no row exists.
func (db *TestDatabase) ArchivedSessionState(t *testing.T, sessionID string) string {
	var state string
	err := db.Pool.QueryRow(db.ctx,
		`SELECT state FROM intake_sessions WHERE id = $1`, sessionID).Scan(&state)
	if err != nil {
		return ""
	}
	return state
}

// DecisionOutcome returns the persisted routing outcome for a session, or an
// empty string when no row exists.
func (db *TestDatabase) DecisionOutcome(t *testing.T, sessionID string) string {
	var outcome string
	err := db.Pool.QueryRow(db.ctx,
		`SELECT outcome FROM routing_decisions WHERE session_id = $1`, sessionID).Scan(&outcome)
	if err != nil {
		return ""
	}
	return outcome
}

// HashPassword hashes a password using bcrypt for testing
func (db *TestDatabase) HashPassword(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}
