package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenDenied(t *testing.T) {
	l := NewLimiter(100, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("user-1"), "request %d", i)
	}
	assert.False(t, l.Allow("user-1"))
	assert.Equal(t, 0, l.Remaining("user-1"))
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(100, 1)

	assert.True(t, l.Allow("user-1"))
	assert.False(t, l.Allow("user-1"))
	assert.True(t, l.Allow("user-2"))
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := NewLimiter(0, 2)

	assert.False(t, l.Enabled())
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("user-1"))
	}
}
