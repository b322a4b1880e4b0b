package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestNextTickAligned(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 3, 10, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC), s.nextTick(now))
	edge := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 10, 0, 0, time.UTC), s.nextTick(edge))
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), s.bucketStart(now))
}

func TestNextTickUnaligned(t *testing.T) {
	s, err := New(Options{Interval: time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 12, 3, 10, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), s.nextTick(now))
	assert.Equal(t, now, s.bucketStart(now))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s, err := New(Options{Name: "sweep", Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	ticks := 0
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			mu.Lock()
			defer mu.Unlock()
			ticks++
			if ticks == 3 {
				cancel()
			}
			return errors.New("ignored")
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("调度器未在取消后退出")
	}
	mu.Lock()
	assert.GreaterOrEqual(t, ticks, 3)
	mu.Unlock()
}
