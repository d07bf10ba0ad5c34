package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter(int64) int64 { return 0 }

func TestSchedulerBacksOffExponentiallyUpToCeiling(t *testing.T) {
	schedule := newScheduler(ScheduleConfig{Random: noJitter}.withDefaults())
	failed := CycleResult{Err: errors.New("connection refused")}

	var delays []time.Duration
	for range 10 {
		delays = append(delays, schedule.next(failed))
	}
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second,
		160 * time.Second, 320 * time.Second, 10 * time.Minute, 10 * time.Minute, 10 * time.Minute,
	}, delays)

	assert.Equal(t, 60*time.Second, schedule.next(CycleResult{}))
	assert.Equal(t, 5*time.Second, schedule.next(failed), "success resets the backoff")
}

func TestSchedulerUsesActiveIntervalAfterActivity(t *testing.T) {
	schedule := newScheduler(ScheduleConfig{Random: noJitter}.withDefaults())
	assert.Equal(t, 5*time.Second, schedule.next(CycleResult{Pulled: 3, Merged: 3}))
	assert.Equal(t, 5*time.Second, schedule.next(CycleResult{Pushed: 1, Accepted: 1}))
	assert.Equal(t, 5*time.Second, schedule.next(CycleResult{Pushed: 1, Remapped: 1}))
	assert.Equal(t, 60*time.Second, schedule.next(CycleResult{Pushed: 2, Deferred: 2}))
	assert.Equal(t, 60*time.Second, schedule.next(CycleResult{Pulled: 1}))
	assert.Equal(t, 60*time.Second, schedule.next(CycleResult{}))
}

func TestSchedulerAddsBoundedJitter(t *testing.T) {
	var requested []int64
	schedule := newScheduler(ScheduleConfig{Random: func(n int64) int64 {
		requested = append(requested, n)
		return n - 1
	}}.withDefaults())

	delay := schedule.next(CycleResult{})
	assert.Equal(t, 66*time.Second, delay)
	require.Len(t, requested, 1)
	assert.Equal(t, int64(6*time.Second)+1, requested[0])

	failedDelay := schedule.next(CycleResult{Err: errors.New("timeout")})
	assert.Equal(t, 5500*time.Millisecond, failedDelay)
}

func TestRunStopsWhenContextCanceled(t *testing.T) {
	api := &fakeAPI{}
	fixture := newManagerFixture(t, api)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- fixture.manager.Run(ctx) }()

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.pulls) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}
