package client

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultBaseInterval   = 60 * time.Second
	defaultActiveInterval = 5 * time.Second
	defaultBackoffBase    = 5 * time.Second
	defaultBackoffMax     = 10 * time.Minute
	defaultJitterPercent  = 10
)

// ScheduleConfig controls the delay between cycles.
type ScheduleConfig struct {
	// BaseInterval follows a cycle that moved no data.
	BaseInterval time.Duration
	// ActiveInterval follows a cycle that pushed or pulled rows.
	ActiveInterval time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterPercent  int64
	// Random returns a value in [0, n); defaults to math/rand/v2.
	Random func(n int64) int64
}

func (c ScheduleConfig) withDefaults() ScheduleConfig {
	if c.BaseInterval <= 0 {
		c.BaseInterval = defaultBaseInterval
	}
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = defaultActiveInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.JitterPercent <= 0 {
		c.JitterPercent = defaultJitterPercent
	}
	if c.Random == nil {
		c.Random = rand.Int64N
	}
	return c
}

// scheduler turns cycle outcomes into delays. It is used from the Run goroutine only.
type scheduler struct {
	cfg      ScheduleConfig
	failures retry.Backoff
}

func newScheduler(cfg ScheduleConfig) *scheduler {
	s := &scheduler{cfg: cfg}
	s.reset()
	return s
}

func (s *scheduler) reset() {
	s.failures = s.withJitter(retry.WithCappedDuration(s.cfg.BackoffMax, retry.NewExponential(s.cfg.BackoffBase)))
}

// next returns the delay before the cycle following result.
func (s *scheduler) next(result CycleResult) time.Duration {
	if result.Err != nil {
		delay, _ := s.failures.Next()
		return delay
	}
	s.reset()
	if result.Activity() {
		return s.jitter(s.cfg.ActiveInterval)
	}
	return s.jitter(s.cfg.BaseInterval)
}

func (s *scheduler) withJitter(next retry.Backoff) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := next.Next()
		if stop {
			return 0, true
		}
		return s.jitter(delay), false
	})
}

// jitter adds up to JitterPercent of delay.
func (s *scheduler) jitter(delay time.Duration) time.Duration {
	spread := int64(delay) * s.cfg.JitterPercent / 100
	if spread <= 0 {
		return delay
	}
	return delay + time.Duration(s.cfg.Random(spread+1))
}

// Run syncs until ctx is canceled: immediately, then on the adaptive schedule.
func (m *Manager) Run(ctx context.Context) error {
	schedule := newScheduler(m.schedule)
	m.logger.Info("sync manager started",
		zap.String("client_id", m.clientID),
		zap.Duration("base_interval", m.schedule.BaseInterval),
		zap.Duration("active_interval", m.schedule.ActiveInterval),
	)
	for {
		result := m.SyncNow(ctx)
		delay := schedule.next(result)
		if result.Err != nil {
			m.logger.Info("sync retry scheduled", zap.Duration("delay", delay))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("sync manager stopped")
			return nil
		case <-timer.C:
		}
	}
}
