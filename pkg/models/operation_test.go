package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationKindValid(t *testing.T) {
	for _, kind := range Kinds() {
		assert.Truef(t, kind.Valid(), "kind %s", kind)
	}
	assert.False(t, OperationKind("defragment").Valid())
	assert.False(t, OperationKind("").Valid())
}

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical, PriorityRealTime} {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityRealTime > PriorityCritical)
	assert.True(t, PriorityCritical > PriorityHigh)
	assert.True(t, PriorityHigh > PriorityNormal)
	assert.True(t, PriorityNormal > PriorityLow)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, OperationStatusQueued.Terminal())
	assert.False(t, OperationStatusDispatched.Terminal())
	assert.True(t, OperationStatusCompleted.Terminal())
	assert.True(t, OperationStatusFailed.Terminal())
	assert.True(t, OperationStatusDeadlineDropped.Terminal())
}

func TestResourceTypeBounds(t *testing.T) {
	for _, rt := range BoundedResourceTypes() {
		assert.Truef(t, rt.Bounded(), "resource %s", rt)
	}
	assert.False(t, ResourceNetworkBandwidth.Bounded())
}
