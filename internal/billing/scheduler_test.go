package billing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTickerSchedulerRunsJobs(t *testing.T) {
	s := NewTickerScheduler(zap.NewNop())

	var ticks atomic.Int32
	s.RegisterInterval("test-job", 10*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	assert.Eventually(t, func() bool {
		return ticks.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}

func TestTickerSchedulerRecoversPanics(t *testing.T) {
	s := NewTickerScheduler(zap.NewNop())

	var ticks atomic.Int32
	s.RegisterInterval("panicky", 10*time.Millisecond, func(ctx context.Context) {
		if ticks.Add(1) == 1 {
			panic("boom")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	// The loop survives the first tick's panic and keeps firing.
	assert.Eventually(t, func() bool {
		return ticks.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}

func TestTickerSchedulerStopsOnCancel(t *testing.T) {
	s := NewTickerScheduler(zap.NewNop())
	s.RegisterInterval("idle", time.Hour, func(ctx context.Context) {})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
