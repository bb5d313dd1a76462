package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusReconcile.Terminal())
}

func TestStatusCanTransition(t *testing.T) {
	// COMPLETED never regresses.
	assert.False(t, StatusCompleted.CanTransition(StatusPending))
	assert.False(t, StatusCompleted.CanTransition(StatusFailed))
	assert.True(t, StatusCompleted.CanTransition(StatusCompleted))

	// everything else is driven by the providers
	assert.True(t, StatusReconcile.CanTransition(StatusPending))
	assert.True(t, StatusProcessing.CanTransition(StatusCompleted))
	assert.True(t, StatusFailed.CanTransition(StatusProcessing))
}

func TestCallbackLogBounded(t *testing.T) {
	var l CallbackLog
	for i := 0; i < 9; i++ {
		l = l.Append(RawCallback{Source: "payout", Event: "payment.complete"})
	}
	assert.Len(t, l, maxCallbackLog)
}

func TestMetadataMergeAndString(t *testing.T) {
	m := Metadata{"a": "1"}
	m = m.Merge(Metadata{"b": "2", "a": "3"})
	assert.Equal(t, "3", m.String("a"))
	assert.Equal(t, "2", m.String("b"))
	assert.Equal(t, "", m.String("missing"))

	var nilMap Metadata
	merged := nilMap.Merge(Metadata{"x": "y"})
	assert.Equal(t, "y", merged.String("x"))
}
