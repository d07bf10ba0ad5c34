// Package client keeps a node's local copy of the replicated tables in step with the sync server.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/replication"
	"go.uber.org/zap"
)

// Manager states.
const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
	StateError   = "error"
)

const (
	defaultMaxPullPages        = 10
	defaultDiagnosticsInterval = 10 * time.Minute
)

// CycleResult summarizes one push/pull cycle.
type CycleResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	// Pushed counts rows sent; Accepted counts rows the server applied or already held.
	Pushed   int
	Accepted int
	Remapped int
	Deferred int
	Rejected int
	Pulled   int
	Merged   int
	Cursor   int64
	Reported bool
	Err      error
}

// Activity reports whether the cycle changed state on either side. Deferred or rejected rows
// and pulled changes that were not merged do not count.
func (r CycleResult) Activity() bool {
	return r.Accepted > 0 || r.Remapped > 0 || r.Merged > 0
}

type ManagerConfig struct {
	Store               *Store
	API                 API
	Endpoints           EndpointSource
	ClientID            string
	Clock               func() time.Time
	Logger              *zap.Logger
	MaxPullPages        int
	PullLimit           int
	DiagnosticsInterval time.Duration
	Schedule            ScheduleConfig
}

// Manager runs sync cycles for one node. At most one cycle is in flight at a time.
type Manager struct {
	store               *Store
	api                 API
	endpoints           EndpointSource
	clientID            string
	clock               func() time.Time
	logger              *zap.Logger
	maxPullPages        int
	pullLimit           int
	diagnosticsInterval time.Duration
	schedule            ScheduleConfig

	running atomic.Bool
	mu      sync.RWMutex
	state   string
	last    CycleResult
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	if cfg.Endpoints == nil {
		return nil, errMissingEndpoints
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, errMissingClientID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxPullPages := cfg.MaxPullPages
	if maxPullPages <= 0 {
		maxPullPages = defaultMaxPullPages
	}
	interval := cfg.DiagnosticsInterval
	if interval == 0 {
		interval = defaultDiagnosticsInterval
	}
	return &Manager{
		store:               cfg.Store,
		api:                 cfg.API,
		endpoints:           cfg.Endpoints,
		clientID:            clientID,
		clock:               clock,
		logger:              logger,
		maxPullPages:        maxPullPages,
		pullLimit:           cfg.PullLimit,
		diagnosticsInterval: interval,
		schedule:            cfg.Schedule.withDefaults(),
		state:               StateIdle,
	}, nil
}

// State returns idle, syncing or error.
func (m *Manager) State() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastResult returns the outcome of the most recent finished cycle.
func (m *Manager) LastResult() CycleResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// SyncNow runs one cycle. When a cycle is already running it returns the last finished result
// without waiting. A started cycle always runs to completion, even when ctx is canceled.
func (m *Manager) SyncNow(ctx context.Context) CycleResult {
	if !m.running.CompareAndSwap(false, true) {
		return m.LastResult()
	}
	defer m.running.Store(false)

	m.mu.Lock()
	m.state = StateSyncing
	m.mu.Unlock()

	result := m.runCycle(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.last = result
	m.state = StateIdle
	if result.Err != nil {
		m.state = StateError
	}
	m.mu.Unlock()
	return result
}

func (m *Manager) runCycle(ctx context.Context) CycleResult {
	result := CycleResult{StartedAt: m.clock()}
	finish := func(err error) CycleResult {
		result.Err = err
		result.FinishedAt = m.clock()
		fields := []zap.Field{
			zap.Int("pushed", result.Pushed),
			zap.Int("accepted", result.Accepted),
			zap.Int("rejected", result.Rejected),
			zap.Int("pulled", result.Pulled),
			zap.Int64("cursor", result.Cursor),
			zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
		}
		if err != nil {
			m.logger.Warn("sync cycle failed", append(fields, zap.Error(err))...)
		} else {
			m.logger.Debug("sync cycle finished", fields...)
		}
		return result
	}

	endpoint, err := m.endpoints.Endpoint(ctx)
	if err != nil {
		return finish(fmt.Errorf("refresh endpoint: %w", err))
	}

	if err := m.push(ctx, endpoint, &result); err != nil {
		return finish(err)
	}
	if err := m.pull(ctx, endpoint, &result); err != nil {
		return finish(err)
	}
	m.report(ctx, endpoint, &result)
	return finish(nil)
}

func (m *Manager) push(ctx context.Context, endpoint Endpoint, result *CycleResult) error {
	packs, err := m.store.PendingPacks(ctx)
	if err != nil {
		return fmt.Errorf("collect pending rows: %w", err)
	}
	if len(packs) == 0 {
		return nil
	}

	pushedAt := make(map[string]int64)
	for _, pack := range packs {
		for _, row := range pack.Rows {
			updatedAt, _ := row.UpdatedAtMillis()
			pushedAt[rowKey(pack.Table, row.ID())] = updatedAt
			result.Pushed++
		}
	}

	pushed, err := m.api.Push(ctx, endpoint, replication.Batch{ClientID: m.clientID, Upserts: packs})
	if err != nil {
		return err
	}

	for _, applied := range pushed.AppliedRows {
		if err := m.store.MarkSynced(ctx, applied.Table, applied.RowID, applied.ServerSeq, pushedAt[rowKey(applied.Table, applied.RowID)]); err != nil {
			return fmt.Errorf("mark %s/%s synced: %w", applied.Table, applied.RowID, err)
		}
		result.Accepted++
	}

	for table, remaps := range pushed.IDRemaps {
		for localID, canonicalID := range remaps {
			rewritten, err := m.store.Remap(ctx, table, localID, canonicalID)
			if err != nil {
				return fmt.Errorf("remap %s/%s: %w", table, localID, err)
			}
			result.Remapped++
			m.logger.Info("local duplicate replaced by canonical row",
				zap.String("table", table),
				zap.String("local_id", localID),
				zap.String("canonical_id", canonicalID),
				zap.Int("references_rewritten", rewritten),
			)
		}
	}

	for _, skipped := range pushed.Skipped {
		switch skipped.Reason {
		case replication.ReasonDuplicateKey:
			if _, remapped := pushed.IDRemaps[skipped.Table][skipped.RowID]; !remapped && skipped.CanonicalID != "" {
				if _, err := m.store.Remap(ctx, skipped.Table, skipped.RowID, skipped.CanonicalID); err != nil {
					return fmt.Errorf("remap %s/%s: %w", skipped.Table, skipped.RowID, err)
				}
				result.Remapped++
			}
		case replication.ReasonDependencyMissing:
			result.Deferred++
		default:
			reason := skipped.Reason
			if skipped.Detail != "" {
				reason += ": " + skipped.Detail
			}
			if err := m.store.MarkError(ctx, skipped.Table, skipped.RowID, reason); err != nil {
				return fmt.Errorf("mark %s/%s failed: %w", skipped.Table, skipped.RowID, err)
			}
			result.Rejected++
			m.logger.Warn("row rejected by server",
				zap.String("table", skipped.Table),
				zap.String("row_id", skipped.RowID),
				zap.String("reason", skipped.Reason),
			)
		}
	}
	return nil
}

func (m *Manager) pull(ctx context.Context, endpoint Endpoint, result *CycleResult) error {
	cursor, err := m.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("read pull cursor: %w", err)
	}
	result.Cursor = cursor

	for range m.maxPullPages {
		page, err := m.api.Pull(ctx, endpoint, cursor, m.pullLimit)
		if err != nil {
			return err
		}
		for _, change := range page.Changes {
			applied, err := m.store.ApplyChange(ctx, change)
			if err != nil {
				return fmt.Errorf("apply change %d: %w", change.ServerSeq, err)
			}
			if applied {
				result.Merged++
			}
		}
		result.Pulled += len(page.Changes)

		if page.ServerCursor > cursor {
			cursor = page.ServerCursor
			if err := m.store.SetCursor(ctx, cursor); err != nil {
				return fmt.Errorf("store pull cursor: %w", err)
			}
			result.Cursor = cursor
		}
		if !page.HasMore {
			break
		}
	}
	return nil
}

// report sends a diagnostics snapshot when the interval elapsed. Failures never fail the cycle.
func (m *Manager) report(ctx context.Context, endpoint Endpoint, result *CycleResult) {
	if m.diagnosticsInterval < 0 {
		return
	}
	now := m.clock().UnixMilli()
	last, err := m.store.LastReportAt(ctx)
	if err != nil {
		m.logger.Warn("read last diagnostics report time failed", zap.Error(err))
		return
	}
	if last > 0 && now-last < m.diagnosticsInterval.Milliseconds() {
		return
	}

	aggregates, err := m.store.Aggregates(ctx)
	if err != nil {
		m.logger.Warn("local snapshot failed", zap.Error(err))
		return
	}
	snapshot := diagnostics.BuildSnapshot(diagnostics.ScopeClient, m.clientID, result.Cursor, now, aggregates)

	_, err = m.api.Report(ctx, endpoint, snapshot)
	switch {
	case errors.Is(err, ErrRateLimited):
		m.logger.Debug("diagnostics report deferred by server", zap.Error(err))
	case err != nil:
		m.logger.Warn("diagnostics report failed", zap.Error(err))
		return
	default:
		result.Reported = true
	}
	if err := m.store.SetLastReportAt(ctx, now); err != nil {
		m.logger.Warn("store last diagnostics report time failed", zap.Error(err))
	}
}

func rowKey(table, id string) string {
	return table + "/" + id
}
