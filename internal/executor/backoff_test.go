package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoffLinearIsConstant(t *testing.T) {
	for attempt := 0; attempt < 4; attempt++ {
		assert.Equal(t, 2*time.Minute, ComputeBackoff("linear", 2, attempt))
	}
}

func TestComputeBackoffExponentialDoublesPerAttempt(t *testing.T) {
	assert.Equal(t, 2*time.Minute, ComputeBackoff("exponential", 2, 0))
	assert.Equal(t, 4*time.Minute, ComputeBackoff("exponential", 2, 1))
	assert.Equal(t, 8*time.Minute, ComputeBackoff("exponential", 2, 2))
}

func TestComputeBackoffExponentialCapsAtThirtyMinutes(t *testing.T) {
	assert.Equal(t, 30*time.Minute, ComputeBackoff("exponential", 10, 5))
}
