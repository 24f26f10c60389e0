package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestLocalSlidingWindow(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Unix(1_000, 0))
	l := NewLocal("test", 2, time.Minute, clk)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "a"))
	clk.SetTime(clk.Now().Add(30 * time.Second))
	assert.True(t, l.Allow(ctx, "a"))
	assert.False(t, l.Allow(ctx, "a"))
	assert.True(t, l.Allow(ctx, "b"), "keys are independent")

	// The first hit leaves the window.
	clk.SetTime(clk.Now().Add(31 * time.Second))
	assert.True(t, l.Allow(ctx, "a"))
	assert.False(t, l.Allow(ctx, "a"))
}

func TestRedisWithoutClientFallsBack(t *testing.T) {
	r := NewRedis(nil, "test", 1, time.Minute, nil)
	ctx := context.Background()
	assert.True(t, r.Allow(ctx, "k"))
	assert.False(t, r.Allow(ctx, "k"))
}
