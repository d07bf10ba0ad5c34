package diagnostics

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Snapshotter captures and persists server snapshots.
type Snapshotter interface {
	CaptureServerSnapshot(ctx context.Context) (Snapshot, error)
}

// Scheduler captures a server snapshot immediately and then once per interval.
type Scheduler struct {
	snapshotter Snapshotter
	interval    time.Duration
	logger      *zap.Logger
}

func NewScheduler(snapshotter Snapshotter, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{snapshotter: snapshotter, interval: interval, logger: logger}
}

// Run blocks until ctx is done. Capture failures are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.capture(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.capture(ctx)
		}
	}
}

func (s *Scheduler) capture(ctx context.Context) {
	snapshot, err := s.snapshotter.CaptureServerSnapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("consistency snapshot failed", zap.Error(err))
		}
		return
	}
	s.logger.Debug("consistency snapshot captured",
		zap.String("generated_at", snapshot.GeneratedAt),
		zap.Int64("server_seq", snapshot.ServerSeq),
	)
}
