package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing() (interface{}, error) { return nil, errBoom }
func succeeding() (interface{}, error) { return "ok", nil }

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(EnrichmentConfig("siem", 3, 50*time.Millisecond))

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(failing)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	// While open, calls fail fast without invoking the function.
	_, err := cb.Execute(succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(EnrichmentConfig("siem", 3, time.Second))

	_, _ = cb.Execute(failing)
	_, _ = cb.Execute(failing)
	_, err := cb.Execute(succeeding)
	require.NoError(t, err)
	_, _ = cb.Execute(failing)
	_, _ = cb.Execute(failing)

	assert.Equal(t, StateClosed, cb.State(), "interleaved success keeps the circuit closed")
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := New(EnrichmentConfig("siem", 2, 20*time.Millisecond))

	_, _ = cb.Execute(failing)
	_, _ = cb.Execute(failing)
	require.Equal(t, StateOpen, cb.State())

	// After the cooldown one probe is allowed; success closes the circuit.
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(succeeding)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(EnrichmentConfig("siem", 2, 20*time.Millisecond))

	_, _ = cb.Execute(failing)
	_, _ = cb.Execute(failing)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, _ = cb.Execute(failing)
	assert.Equal(t, StateOpen, cb.State())
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := EnrichmentConfig("siem", 1, time.Second)
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}

	cb := New(cfg)
	_, _ = cb.Execute(failing)

	require.Len(t, transitions, 1)
	assert.Equal(t, "CLOSED>OPEN", transitions[0])
}
