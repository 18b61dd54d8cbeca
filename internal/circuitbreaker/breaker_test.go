package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(timeout time.Duration) *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig(time.Minute))
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		gen, err := cb.Allow()
		require.NoError(t, err)
		cb.Record(gen, false)
	}
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	cb := New(testConfig(time.Minute))

	for i := 0; i < 2; i++ {
		gen, err := cb.Allow()
		require.NoError(t, err)
		cb.Record(gen, false)
	}
	gen, err := cb.Allow()
	require.NoError(t, err)
	cb.Record(gen, true)

	// Two more failures stay under the trip threshold.
	for i := 0; i < 2; i++ {
		gen, err := cb.Allow()
		require.NoError(t, err)
		cb.Record(gen, false)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpensAndRecovers(t *testing.T) {
	cb := New(testConfig(10 * time.Millisecond))

	for i := 0; i < 3; i++ {
		gen, err := cb.Allow()
		require.NoError(t, err)
		cb.Record(gen, false)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// The probe succeeds and the circuit closes again.
	gen, err := cb.Allow()
	require.NoError(t, err)
	cb.Record(gen, true)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig(10 * time.Millisecond))

	for i := 0; i < 3; i++ {
		gen, err := cb.Allow()
		require.NoError(t, err)
		cb.Record(gen, false)
	}
	time.Sleep(20 * time.Millisecond)

	gen, err := cb.Allow()
	require.NoError(t, err)

	// Only one probe is admitted while half-open.
	_, err = cb.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	cb.Record(gen, false)
	assert.Equal(t, StateOpen, cb.State())
}

func TestStaleGenerationIgnored(t *testing.T) {
	cb := New(testConfig(time.Minute))

	gen, err := cb.Allow()
	require.NoError(t, err)

	// Trip the breaker while the first request is in flight.
	for i := 0; i < 3; i++ {
		g, err := cb.Allow()
		require.NoError(t, err)
		cb.Record(g, false)
	}
	require.Equal(t, StateOpen, cb.State())

	// The stale in-flight success must not close the circuit.
	cb.Record(gen, true)
	assert.Equal(t, StateOpen, cb.State())
}
