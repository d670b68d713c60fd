package ratelimit

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBurstSucceeds(t *testing.T) {
	l := New(2)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
}

func TestAllowBeyondBurstRejected(t *testing.T) {
	l := New(2)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
}

func TestDistinctKeysHaveIndependentBuckets(t *testing.T) {
	l := New(1)
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("5.6.7.8"))
	assert.False(t, l.Allow("1.2.3.4"))
}

func TestEvictsOldestKeyOnceOverCapacity(t *testing.T) {
	l := New(1)
	for i := 0; i < maxTrackedKeys; i++ {
		l.Allow(strconv.Itoa(i))
	}
	assert.Len(t, l.limiters, maxTrackedKeys)

	l.Allow("overflow")
	assert.Len(t, l.limiters, maxTrackedKeys)
}
