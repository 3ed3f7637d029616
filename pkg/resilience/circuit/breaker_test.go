package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New("graph", Config{FailureThreshold: 3, HalfOpenProbes: 1, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.Record(false)
	}
	require.Equal(t, Closed, b.State())

	require.True(t, b.Allow())
	b.Record(false)
	require.Equal(t, Open, b.State())
}

func TestBreaker_RejectsWhileOpen(t *testing.T) {
	b := New("queue", Config{FailureThreshold: 1, HalfOpenProbes: 1, Cooldown: time.Hour})

	b.Allow()
	b.Record(false)
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := New("relational", Config{FailureThreshold: 1, HalfOpenProbes: 2, Cooldown: 10 * time.Millisecond})

	b.Allow()
	b.Record(false)
	require.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())
}

func TestBreaker_ClosesAfterHalfOpenProbesSucceed(t *testing.T) {
	b := New("llm:anthropic", Config{FailureThreshold: 1, HalfOpenProbes: 2, Cooldown: 10 * time.Millisecond})

	b.Allow()
	b.Record(false)
	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.Record(true)
	require.Equal(t, HalfOpen, b.State())
	b.Record(true)
	require.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("fetch", Config{FailureThreshold: 1, HalfOpenProbes: 2, Cooldown: 10 * time.Millisecond})

	b.Allow()
	b.Record(false)
	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.Record(false)
	require.Equal(t, Open, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("geo", Config{FailureThreshold: 1, HalfOpenProbes: 1, Cooldown: time.Hour})

	b.Allow()
	b.Record(false)
	require.Equal(t, Open, b.State())

	b.Reset()
	require.Equal(t, Closed, b.State())
}

func TestError_Message(t *testing.T) {
	err := &Error{Dependency: "graph", State: Open}
	require.Contains(t, err.Error(), "graph")
	require.Contains(t, err.Error(), "OPEN")
}

func TestRegistry_SharesBreakerPerName(t *testing.T) {
	r := NewRegistry(DefaultConfig)

	a := r.Get("embeddings")
	b := r.Get("embeddings")
	require.Same(t, a, b)

	c := r.Get("fetch")
	require.NotSame(t, a, c)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, HalfOpenProbes: 1, Cooldown: time.Hour})

	br := r.Get("scribe")
	br.Allow()
	br.Record(false)

	snap := r.Snapshot()
	require.Equal(t, Open, snap["scribe"])
}
