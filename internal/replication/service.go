// Package replication implements the push write path, the pull change feed and ledger replay.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPullLimit      = 5000
	defaultPullMaxLimit   = 20000
	defaultReplayPageSize = 5000
)

// Ledger is the subset of the transaction log used by replication.
type Ledger interface {
	Append(ctx context.Context, txs []ledger.Transaction) (ledger.AppendResult, error)
	Get(ctx context.Context, table, rowID string) (ledger.Record, bool, error)
	Query(ctx context.Context, query ledger.Query) (ledger.Page, error)
}

// IDProvider issues identifiers for incidents.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database       *gorm.DB
	Ledger         Ledger
	Clock          func() time.Time
	IDProvider     IDProvider
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	PullLimit      int
	PullMaxLimit   int
	ReplayPageSize int
}

type Service struct {
	db         *gorm.DB
	ledger     Ledger
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// writeMu serializes projection commits with their ledger append so change-log order
	// and ledger order agree.
	writeMu sync.Mutex

	pullLimit      int
	pullMaxLimit   int
	replayPageSize int
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

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	service := &Service{
		db:             cfg.Database,
		ledger:         cfg.Ledger,
		clock:          clock,
		idProvider:     cfg.IDProvider,
		logger:         logger,
		metrics:        cfg.Metrics,
		pullLimit:      cfg.PullLimit,
		pullMaxLimit:   cfg.PullMaxLimit,
		replayPageSize: cfg.ReplayPageSize,
	}
	if service.pullMaxLimit <= 0 {
		service.pullMaxLimit = defaultPullMaxLimit
	}
	if service.pullLimit <= 0 || service.pullLimit > service.pullMaxLimit {
		service.pullLimit = min(defaultPullLimit, service.pullMaxLimit)
	}
	if service.replayPageSize <= 0 {
		service.replayPageSize = defaultReplayPageSize
	}
	return service, nil
}
