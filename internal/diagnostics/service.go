// Package diagnostics compares server and client snapshots and reports sync pipeline health.
package diagnostics

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultInterval    = 10 * time.Minute
	defaultParallelism = 4
	pendingItemStatus  = "pending"
	maxLabelLength     = 64
)

// LedgerStats exposes the ledger counters pipeline health compares against.
type LedgerStats interface {
	Stats(ctx context.Context) (ledger.Stats, error)
}

type ServiceConfig struct {
	Database *gorm.DB
	Ledger   LedgerStats
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	// Interval paces the scheduler and the minimum spacing of client reports.
	Interval time.Duration
}

type Service struct {
	db       *gorm.DB
	ledger   LedgerStats
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
	interval time.Duration
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Service{
		db:       cfg.Database,
		ledger:   cfg.Ledger,
		clock:    clock,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
	}, nil
}

// Interval returns the snapshot interval.
func (s *Service) Interval() time.Duration {
	return s.interval
}
