package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterWait(t *testing.T) {
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "VISA"))

	// 10 RPS means the next token arrives after ~100ms.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "VISA"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// Keys do not share buckets.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "MASTERCARD"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimited(t *testing.T) {
	l := New(Config{})
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "VISA"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterConfigureAndCancel(t *testing.T) {
	l := New(Config{})
	l.Configure("VISA", 0.5, 1)
	require.NoError(t, l.Wait(context.Background(), "VISA"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "VISA"))
}
