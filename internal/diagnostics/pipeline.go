package diagnostics

import (
	"context"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
)

// Lag thresholds, absolute and relative to the ledger size.
const (
	absoluteWarnLag     = 1
	absoluteCriticalLag = 100
	ratioWarnLag        = 0.01
	ratioCriticalLag    = 0.05
)

var pipelineStatusValue = map[string]int{
	StatusOK:       0,
	StatusWarn:     1,
	StatusCritical: 2,
}

type tableCount struct {
	TableName string
	Total     int64
}

// PipelineHealth compares the ledger, its state index and the projection.
func (s *Service) PipelineHealth(ctx context.Context) (PipelineHealth, error) {
	stats, err := s.ledger.Stats(ctx)
	if err != nil {
		s.logError(opPipeline, "ledger_stats_failed", err)
		return PipelineHealth{}, newServiceError(opPipeline, "ledger_stats_failed", err)
	}

	db := s.db.WithContext(ctx)
	var projectionMaxSeq int64
	if err := db.Model(&projection.Record{}).
		Select("COALESCE(MAX(last_server_seq), 0)").
		Scan(&projectionMaxSeq).Error; err != nil {
		s.logError(opPipeline, "projection_seq_failed", err)
		return PipelineHealth{}, newServiceError(opPipeline, "projection_seq_failed", err)
	}

	var counts []tableCount
	if err := db.Model(&projection.Record{}).
		Select("table_name, COUNT(*) AS total").
		Group("table_name").
		Scan(&counts).Error; err != nil {
		s.logError(opPipeline, "projection_counts_failed", err)
		return PipelineHealth{}, newServiceError(opPipeline, "projection_counts_failed", err)
	}

	var unresolved int64
	if err := db.Model(&projection.Incident{}).
		Where("resolved_at_ms IS NULL").
		Count(&unresolved).Error; err != nil {
		s.logError(opPipeline, "incident_count_failed", err)
		return PipelineHealth{}, newServiceError(opPipeline, "incident_count_failed", err)
	}

	health := evaluatePipeline(stats.LastSeq, stats.IndexedSeq, projectionMaxSeq, stats.TableCounts, counts, unresolved)
	s.metrics.SetPipelineStatus(pipelineStatusValue[health.Status])
	return health, nil
}

func evaluatePipeline(ledgerLastSeq, indexSeq uint64, projectionMaxSeq int64, ledgerCounts map[string]int, projectionCounts []tableCount, unresolved int64) PipelineHealth {
	health := PipelineHealth{
		Status: StatusOK,
		Seq: SeqHealth{
			LedgerLastSeq:    int64(ledgerLastSeq),
			IndexMaxSeq:      int64(indexSeq),
			ProjectionMaxSeq: projectionMaxSeq,
		},
		Tables:              map[string]TableHealth{},
		UnresolvedIncidents: unresolved,
		Reasons:             []string{},
	}
	health.Seq.Lags.LedgerToIndex = max(health.Seq.LedgerLastSeq-health.Seq.IndexMaxSeq, 0)
	health.Seq.Lags.IndexToProjection = max(health.Seq.IndexMaxSeq-health.Seq.ProjectionMaxSeq, 0)

	if status := lagStatus(health.Seq.Lags.LedgerToIndex, health.Seq.LedgerLastSeq); status != StatusOK {
		health.Status = worseHealth(health.Status, status)
		health.Reasons = append(health.Reasons, fmt.Sprintf("index lags ledger by %d", health.Seq.Lags.LedgerToIndex))
	}
	if status := lagStatus(health.Seq.Lags.IndexToProjection, health.Seq.LedgerLastSeq); status != StatusOK {
		health.Status = worseHealth(health.Status, status)
		health.Reasons = append(health.Reasons, fmt.Sprintf("projection lags index by %d", health.Seq.Lags.IndexToProjection))
	}

	names := map[string]struct{}{}
	projected := map[string]int64{}
	for _, count := range projectionCounts {
		projected[count.TableName] = count.Total
		names[count.TableName] = struct{}{}
	}
	for name := range ledgerCounts {
		names[name] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	for _, name := range ordered {
		ledgerCount := int64(ledgerCounts[name])
		projectionCount := projected[name]
		difference := ledgerCount - projectionCount
		if difference < 0 {
			difference = -difference
		}
		status := lagStatus(difference, ledgerCount)
		health.Tables[name] = TableHealth{
			LedgerCount:     ledgerCount,
			ProjectionCount: projectionCount,
			Difference:      difference,
			Status:          status,
		}
		if status != StatusOK {
			health.Status = worseHealth(health.Status, status)
			health.Reasons = append(health.Reasons,
				fmt.Sprintf("%s: ledger has %d rows, projection has %d", name, ledgerCount, projectionCount))
		}
	}

	if unresolved > 0 {
		health.Status = worseHealth(health.Status, StatusWarn)
		health.Reasons = append(health.Reasons, fmt.Sprintf("%d unresolved ledger incidents", unresolved))
	}
	return health
}

// lagStatus grades a lag by the worse of its absolute size and its ratio to total.
func lagStatus(lag, total int64) string {
	if lag <= 0 {
		return StatusOK
	}
	ratio := 1.0
	if total > 0 {
		ratio = float64(lag) / float64(total)
	}
	switch {
	case lag >= absoluteCriticalLag || ratio >= ratioCriticalLag:
		return StatusCritical
	case lag >= absoluteWarnLag || ratio >= ratioWarnLag:
		return StatusWarn
	default:
		return StatusOK
	}
}
