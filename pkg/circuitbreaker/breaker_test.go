package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

var errSend = errors.New("smtp: connection refused")

func fail(context.Context) error { return errSend }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	cb := NewCircuitBreaker("smtp", Settings{FailureThreshold: 3, Timeout: time.Minute, Clock: clk})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errSend)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.ErrorIs(t, cb.LastError(), errSend)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	cb := NewCircuitBreaker("sms", Settings{FailureThreshold: 1, Timeout: time.Minute, Clock: clk})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	clk.SetTime(clk.Now().Add(time.Minute))
	assert.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	clk.SetTime(clk.Now().Add(time.Minute))
	assert.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("smtp-reset", Settings{FailureThreshold: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, ok)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())

	req, succ, failures := cb.Counts()
	assert.Equal(t, uint32(3), req)
	assert.Equal(t, uint32(1), succ)
	assert.Equal(t, uint32(2), failures)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}
