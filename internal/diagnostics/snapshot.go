package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/canonical"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// snapshotRetention bounds how many persisted server snapshots are kept.
const snapshotRetention = 144

var labelFields = []string{"name", "number", "full_name", "title", "body"}

type tableTotals struct {
	Count      int64
	SumUpdated int64
	MaxUpdated int64
}

// ServerSnapshot computes the current server snapshot without persisting it.
func (s *Service) ServerSnapshot(ctx context.Context) (Snapshot, error) {
	generatedAt := s.clock().UTC().UnixMilli()
	aggregates := make([]Aggregate, len(SnapshotTables))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(defaultParallelism)
	for index, table := range SnapshotTables {
		group.Go(func() error {
			aggregate, err := s.tableAggregate(groupCtx, table.String())
			if err != nil {
				return err
			}
			aggregates[index] = aggregate
			return nil
		})
	}

	var serverSeq int64
	group.Go(func() error {
		return s.db.WithContext(groupCtx).Model(&projection.Change{}).
			Select("COALESCE(MAX(server_seq), 0)").
			Scan(&serverSeq).Error
	})

	if err := group.Wait(); err != nil {
		s.logError(opSnapshot, "aggregate_failed", err)
		return Snapshot{}, newServiceError(opSnapshot, "aggregate_failed", err)
	}

	byTable := make(map[string]Aggregate, len(SnapshotTables))
	for index, table := range SnapshotTables {
		byTable[table.String()] = aggregates[index]
	}
	return BuildSnapshot(ScopeServer, "", serverSeq, generatedAt, byTable), nil
}

// CaptureServerSnapshot computes the server snapshot and persists it.
func (s *Service) CaptureServerSnapshot(ctx context.Context) (Snapshot, error) {
	snapshot, err := s.ServerSnapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return Snapshot{}, newServiceError(opSnapshot, "encode_failed", err)
	}
	generatedAt, _ := schema.ParseTimestamp(snapshot.GeneratedAt)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := projection.Snapshot{GeneratedAtMillis: generatedAt, PayloadJSON: string(payload)}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Where("snapshot_id <= ?", record.SnapshotID-snapshotRetention).Delete(&projection.Snapshot{}).Error
	})
	if err != nil {
		s.logError(opSnapshot, "persist_failed", err)
		return Snapshot{}, newServiceError(opSnapshot, "persist_failed", err)
	}
	return snapshot, nil
}

// LatestServerSnapshot returns the most recently persisted server snapshot.
func (s *Service) LatestServerSnapshot(ctx context.Context) (Snapshot, bool, error) {
	var record projection.Snapshot
	err := s.db.WithContext(ctx).Order("snapshot_id DESC").Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		s.logError(opSnapshot, "load_failed", err)
		return Snapshot{}, false, newServiceError(opSnapshot, "load_failed", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(record.PayloadJSON), &snapshot); err != nil {
		return Snapshot{}, false, newServiceError(opSnapshot, "decode_failed", err)
	}
	return snapshot, true, nil
}

func (s *Service) tableAggregate(ctx context.Context, table string) (Aggregate, error) {
	db := s.db.WithContext(ctx)

	var totals tableTotals
	if err := db.Model(&projection.Record{}).
		Select("COUNT(*) AS count, COALESCE(SUM(updated_at_ms), 0) AS sum_updated, COALESCE(MAX(updated_at_ms), 0) AS max_updated").
		Where("table_name = ? AND deleted = ?", table, false).
		Scan(&totals).Error; err != nil {
		return Aggregate{}, err
	}
	aggregate := Aggregate{Count: totals.Count, SumUpdatedAt: totals.SumUpdated, MaxUpdatedAt: totals.MaxUpdated}

	if err := db.Model(&projection.Record{}).
		Where("table_name = ? AND last_server_seq = ?", table, 0).
		Count(&aggregate.Pending).Error; err != nil {
		return Aggregate{}, err
	}
	if aggregate.Pending > 0 {
		var pending []projection.Record
		if err := db.Where("table_name = ? AND last_server_seq = ?", table, 0).
			Order("updated_at_ms ASC").
			Limit(maxPendingItems).
			Find(&pending).Error; err != nil {
			return Aggregate{}, err
		}
		for _, record := range pending {
			aggregate.PendingItems = append(aggregate.PendingItems, PendingItem{
				ID:        record.RowID,
				Label:     rowLabel(record.RowID, record.PayloadJSON),
				Status:    pendingItemStatus,
				UpdatedAt: record.UpdatedAtMillis,
			})
		}
	}

	if err := db.Model(&projection.Incident{}).
		Select("COALESCE(SUM(row_count), 0)").
		Where("table_name = ? AND resolved_at_ms IS NULL", table).
		Scan(&aggregate.Errors).Error; err != nil {
		return Aggregate{}, err
	}
	return aggregate, nil
}

// rowLabel picks a human readable field of a projected row.
func rowLabel(rowID, payload string) string {
	decoded, err := canonical.Decode([]byte(payload))
	if err != nil {
		return rowID
	}
	tree, ok := decoded.(map[string]any)
	if !ok {
		return rowID
	}
	if label := RowLabel(schema.Row(tree)); label != "" {
		return label
	}
	return rowID
}

// RowLabel returns the first human readable field of row, truncated, or its id.
func RowLabel(row schema.Row) string {
	for _, field := range labelFields {
		if label := row.String(field); label != "" {
			if runes := []rune(label); len(runes) > maxLabelLength {
				label = strings.TrimSpace(string(runes[:maxLabelLength]))
			}
			return label
		}
	}
	return row.ID()
}
