package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIntakeMetrics(t *testing.T) {
	im, err := NewIntakeMetrics()
	require.NoError(t, err)
	require.NotNil(t, im)

	assert.NotNil(t, im.sessionsCreatedCounter)
	assert.NotNil(t, im.sessionsFinalizedCounter)
	assert.NotNil(t, im.turnsCounter)
	assert.NotNil(t, im.defenseTriggersCounter)
	assert.NotNil(t, im.routingOutcomesCounter)
	assert.NotNil(t, im.sessionDurationHistogram)
	assert.NotNil(t, im.sessionsActiveGauge)
}

func TestRecordingDoesNotPanicWithoutProvider(t *testing.T) {
	im, err := NewIntakeMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	im.RecordSessionCreated(ctx, "standard")
	im.RecordTurn(ctx, "allow", "allow")
	im.RecordTurn(ctx, "block", "reject")
	im.RecordRoutingOutcome(ctx, "auto_build", "standard")
	im.RecordSessionFinalized(ctx, "completed", 4, 90*time.Second)
}
