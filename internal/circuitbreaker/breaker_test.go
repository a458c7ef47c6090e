package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute, WithClock(clock.now)), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	assert.True(t, b.Allow("history"))

	b.RecordFailure("history")
	b.RecordFailure("history")
	assert.True(t, b.Allow("history"))

	b.RecordFailure("history")
	assert.False(t, b.Allow("history"))
	assert.Equal(t, StateOpen, b.State("history"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.RecordFailure("history")
	assert.False(t, b.Allow("history"))

	clock.advance(time.Minute)
	assert.True(t, b.Allow("history"))
	assert.Equal(t, StateHalfOpen, b.State("history"))
	assert.False(t, b.Allow("history"), "only one probe while half-open")

	b.RecordSuccess("history")
	assert.Equal(t, StateClosed, b.State("history"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.RecordFailure("history")
	clock.advance(time.Minute)
	assert.True(t, b.Allow("history"))

	b.RecordFailure("history")
	assert.Equal(t, StateOpen, b.State("history"))
	assert.False(t, b.Allow("history"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("history")
	assert.False(t, b.Allow("history"))
	assert.True(t, b.Allow("feedback"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2)
	boom := errors.New("boom")
	ctx := context.Background()

	assert.NoError(t, b.Do(ctx, "k", func(context.Context) error { return nil }))
	assert.ErrorIs(t, b.Do(ctx, "k", func(context.Context) error { return boom }), boom)
	assert.ErrorIs(t, b.Do(ctx, "k", func(context.Context) error { return boom }), boom)

	called := false
	err := b.Do(ctx, "k", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_DoIgnoresCallerCancellation(t *testing.T) {
	b, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, "k", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
