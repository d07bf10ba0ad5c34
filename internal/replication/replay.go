package replication

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/canonical"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"go.uber.org/zap"
)

const replayClientID = "ledger-replay"

// Replay rebuilds the projection from ledger state, table by table in dependency order,
// pushing every row (tombstones included) with conflict override. Rows the projection already
// holds are left alone, so replaying a consistent ledger writes nothing. A failing table is
// recorded in Failed and does not stop the others.
func (s *Service) Replay(ctx context.Context, actor ledger.Actor) (ReplayResult, error) {
	if actor.UserID == "" {
		actor = ledger.SystemActor("replay")
	}
	result := ReplayResult{Tables: map[string]TableReplay{}, Failed: map[string]string{}}

	for _, table := range schema.Tables() {
		if err := ctx.Err(); err != nil {
			return result, newServiceError(opReplay, "canceled", err)
		}
		summary, err := s.replayTable(ctx, table, actor)
		result.Tables[table.String()] = summary
		result.Applied += summary.Applied
		if err != nil {
			result.Failed[table.String()] = err.Error()
			s.logError(opReplay, "table_failed", err, zap.String("table", table.String()))
		}
	}

	s.loggerOrDefault().Info("ledger replay finished",
		zap.Int("applied", result.Applied),
		zap.Int("failed_tables", len(result.Failed)),
	)
	return result, nil
}

func (s *Service) replayTable(ctx context.Context, table schema.Table, actor ledger.Actor) (TableReplay, error) {
	var summary TableReplay
	definition, err := schema.Lookup(table.String())
	if err != nil {
		return summary, err
	}

	query := ledger.Query{Table: table.String(), IncludeDeleted: true, Limit: s.replayPageSize}
	for {
		page, err := s.ledger.Query(ctx, query)
		if err != nil {
			return summary, fmt.Errorf("query ledger state: %w", err)
		}
		summary.Scanned += len(page.Records)

		projected, err := s.projectedRecords(ctx, table.String(), page.Records)
		if err != nil {
			return summary, fmt.Errorf("load projected rows: %w", err)
		}

		rows := make([]schema.Row, 0, len(page.Records))
		for _, record := range page.Records {
			row := normalizeReplayRow(record)
			if stored, ok := projected[record.RowID]; ok && holdsLedgerRow(stored, record, row) {
				if err := s.stampReplayed(ctx, stored, record.Seq); err != nil {
					return summary, fmt.Errorf("stamp projected row: %w", err)
				}
				summary.Unchanged++
				continue
			}
			if err := definition.Validate(row); err != nil {
				summary.Dropped++
				continue
			}
			rows = append(rows, row)
		}

		if len(rows) > 0 {
			batch := Batch{ClientID: replayClientID, Upserts: []TablePack{{Table: table.String(), Rows: rows}}}
			pushed, err := s.Push(ctx, batch, actor, Options{AllowSyncConflicts: true})
			if err != nil {
				return summary, err
			}
			summary.Applied += pushed.DBApplied
			summary.Skipped += len(pushed.Skipped)
		}

		if page.Next == nil {
			return summary, nil
		}
		query.After = page.Next
	}
}

func (s *Service) projectedRecords(ctx context.Context, table string, records []ledger.Record) (map[string]projection.Record, error) {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.RowID)
	}
	projected := make(map[string]projection.Record, len(ids))
	if len(ids) == 0 {
		return projected, nil
	}
	var stored []projection.Record
	if err := s.db.WithContext(ctx).Where("table_name = ? AND row_id IN ?", table, ids).Find(&stored).Error; err != nil {
		return nil, err
	}
	for _, record := range stored {
		projected[record.RowID] = record
	}
	return projected, nil
}

// holdsLedgerRow reports whether the projection already carries the ledger row, either as stored
// or in its normalized form.
func holdsLedgerRow(stored projection.Record, record ledger.Record, normalized schema.Row) bool {
	if stored.Deleted != normalized.Deleted() {
		return false
	}
	for _, candidate := range []schema.Row{record.Row, normalized} {
		payload, err := canonical.Marshal(map[string]any(candidate))
		if err == nil && string(payload) == stored.PayloadJSON {
			return true
		}
	}
	return false
}

func (s *Service) stampReplayed(ctx context.Context, stored projection.Record, seq uint64) error {
	if stored.LastServerSeq != 0 || seq == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&projection.Record{}).
		Where("table_name = ? AND row_id = ?", stored.Table, stored.RowID).
		Update("last_server_seq", int64(seq)).Error
}

// normalizeReplayRow fills timestamps a historical row may lack: updated_at falls back to the
// transaction time and created_at to updated_at.
func normalizeReplayRow(record ledger.Record) schema.Row {
	row := record.Row.Clone()
	if row.ID() == "" {
		row[schema.FieldID] = record.RowID
	}
	updatedAt, ok := row.UpdatedAtMillis()
	if !ok {
		updatedAt = record.TS
	}
	row[schema.FieldUpdatedAt] = schema.FormatTimestamp(updatedAt)
	if createdAt, ok := schema.ParseTimestamp(row[schema.FieldCreatedAt]); ok {
		row[schema.FieldCreatedAt] = schema.FormatTimestamp(createdAt)
	} else {
		row[schema.FieldCreatedAt] = row[schema.FieldUpdatedAt]
	}
	return row
}
