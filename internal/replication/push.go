package replication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/canonical"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const outcomeApplied = "applied"
const outcomeUnchanged = "unchanged"

type pendingRow struct {
	table string
	rowID string
	tx    ledger.Transaction
}

// Push validates and applies a batch to the projection in one transaction, then appends the
// accepted rows to the ledger. Per-row rejections are reported in Skipped and never abort
// the batch.
func (s *Service) Push(ctx context.Context, batch Batch, actor ledger.Actor, opts Options) (PushResult, error) {
	if strings.TrimSpace(actor.UserID) == "" {
		s.logError(opPush, "missing_actor", errMissingActor)
		return PushResult{}, newServiceError(opPush, "missing_actor", errMissingActor)
	}

	started := s.clock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := PushResult{
		AppliedRows: []AppliedRow{},
		IDRemaps:    map[string]map[string]string{},
		Skipped:     []SkippedRow{},
	}
	clientID := strings.TrimSpace(batch.ClientID)
	appliedAt := s.clock().UTC()
	var pending []pendingRow

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// live rows accepted earlier in this batch, by table then id
		accepted := map[string]map[string]bool{}

		for _, pack := range batch.Upserts {
			definition, lookupErr := schema.Lookup(pack.Table)
			for _, raw := range pack.Rows {
				rowID := raw.ID()
				if lookupErr != nil {
					result.skip(pack.Table, rowID, ReasonInvalidRow, lookupErr.Error())
					s.metrics.RecordPushRow(pack.Table, ReasonInvalidRow)
					continue
				}
				table := definition.Table.String()

				change, err := prepareRow(table, raw, clientID)
				if err == nil {
					err = definition.Validate(change.Row)
				}
				if err != nil {
					result.skip(table, rowID, ReasonInvalidRow, err.Error())
					s.metrics.RecordPushRow(table, ReasonInvalidRow)
					continue
				}
				rowID = change.Row.ID()
				if key, ok := definition.UniqueKey(change.Row); ok {
					change.UniqueKey = &key
				}

				if !change.Row.Deleted() {
					missing, err := missingDependency(tx, definition, change.Row, accepted)
					if err != nil {
						s.logError(opPush, "dependency_lookup_failed", err, zap.String("table", table), zap.String("row_id", rowID))
						return newServiceError(opPush, "dependency_lookup_failed", err)
					}
					if missing != "" {
						result.skip(table, rowID, ReasonDependencyMissing, missing)
						s.metrics.RecordPushRow(table, ReasonDependencyMissing)
						continue
					}
				}

				var existing projection.Record
				var existingPtr *projection.Record
				err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("table_name = ? AND row_id = ?", table, rowID).
					Take(&existing).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					existingPtr = nil
				} else if err != nil {
					s.logError(opPush, "record_select_failed", err, zap.String("table", table), zap.String("row_id", rowID))
					return newServiceError(opPush, "record_select_failed", err)
				} else {
					existingPtr = &existing
				}

				if !permitted(definition, change.Row, existingPtr, actor) {
					result.skip(table, rowID, ReasonPolicyDenied, "actor may not mutate this row")
					s.metrics.RecordPushRow(table, ReasonPolicyDenied)
					continue
				}

				if existingPtr == nil && change.BaseServerSeq > 0 {
					result.skip(table, rowID, ReasonNotFound, "row no longer exists on the server")
					s.metrics.RecordPushRow(table, ReasonNotFound)
					continue
				}

				if change.UniqueKey != nil && !change.Row.Deleted() {
					var owner projection.Record
					err := tx.Where("table_name = ? AND unique_key = ? AND row_id <> ?", table, *change.UniqueKey, rowID).
						Take(&owner).Error
					if err == nil {
						result.skip(table, rowID, ReasonDuplicateKey, "unique key owned by "+owner.RowID)
						result.Skipped[len(result.Skipped)-1].CanonicalID = owner.RowID
						result.remap(table, rowID, owner.RowID)
						s.metrics.RecordPushRow(table, ReasonDuplicateKey)
						continue
					}
					if !errors.Is(err, gorm.ErrRecordNotFound) {
						s.logError(opPush, "unique_lookup_failed", err, zap.String("table", table), zap.String("row_id", rowID))
						return newServiceError(opPush, "unique_lookup_failed", err)
					}
				}

				if err := stampUpdatedAt(&change, existingPtr, appliedAt); err != nil {
					result.skip(table, rowID, ReasonInvalidRow, err.Error())
					s.metrics.RecordPushRow(table, ReasonInvalidRow)
					continue
				}

				outcome := resolveRow(existingPtr, change, opts, appliedAt)
				if outcome.Conflict {
					result.skip(table, rowID, ReasonSyncConflict,
						fmt.Sprintf("server row changed at %d after base %d", outcome.Updated.ChangeSeq, change.BaseServerSeq))
					s.metrics.RecordPushRow(table, ReasonSyncConflict)
					continue
				}

				if outcome.Unchanged {
					result.AppliedRows = append(result.AppliedRows, AppliedRow{
						Table: table, RowID: rowID, ServerSeq: outcome.Updated.ChangeSeq, Unchanged: true,
					})
					if outcome.Updated.LastServerSeq == 0 {
						pending = append(pending, pendingRow{table: table, rowID: rowID, tx: ledgerTransaction(change, actor, appliedAt)})
					}
					markAccepted(accepted, table, rowID, change.Row)
					s.metrics.RecordPushRow(table, outcomeUnchanged)
					continue
				}

				if err := tx.Create(outcome.Audit).Error; err != nil {
					s.logError(opPush, "change_insert_failed", err, zap.String("table", table), zap.String("row_id", rowID))
					return newServiceError(opPush, "change_insert_failed", err)
				}
				outcome.Updated.ChangeSeq = outcome.Audit.ServerSeq
				if err := tx.Save(outcome.Updated).Error; err != nil {
					s.logError(opPush, "record_save_failed", err, zap.String("table", table), zap.String("row_id", rowID))
					return newServiceError(opPush, "record_save_failed", err)
				}

				result.DBApplied++
				result.AppliedRows = append(result.AppliedRows, AppliedRow{Table: table, RowID: rowID, ServerSeq: outcome.Audit.ServerSeq})
				pending = append(pending, pendingRow{table: table, rowID: rowID, tx: ledgerTransaction(change, actor, appliedAt)})
				markAccepted(accepted, table, rowID, change.Row)
				s.metrics.RecordPushRow(table, outcomeApplied)
			}
		}
		return nil
	})
	if txErr != nil {
		return PushResult{}, txErr
	}

	s.appendToLedger(ctx, clientID, pending, &result)
	s.metrics.RecordPushDuration(s.clock().Sub(started))
	return result, nil
}

// appendToLedger records committed rows in the ledger and stamps their ledger sequence on the
// projection. Failures are persisted as incidents instead of failing the push.
func (s *Service) appendToLedger(ctx context.Context, clientID string, pending []pendingRow, result *PushResult) {
	txs := make([]ledger.Transaction, 0, len(pending))
	for _, row := range pending {
		txs = append(txs, row.tx)
	}

	appendResult, err := s.ledger.Append(ctx, txs)
	if err != nil {
		result.LedgerError = err.Error()
		s.logError(opPush, "ledger_append_failed", err, zap.String("client_id", clientID), zap.Int("rows", len(pending)))
		rowsByTable := map[string]int{}
		for _, row := range pending {
			rowsByTable[row.table]++
		}
		for table, rows := range rowsByTable {
			s.recordIncident(ctx, clientID, table, rows, err)
		}
		return
	}
	result.LedgerApplied = appendResult.Applied
	result.LastSeq = appendResult.LastSeq
	result.BlockHeight = appendResult.BlockHeight
	s.metrics.RecordLedgerAppend(appendResult.Applied, appendResult.LastSeq)

	if len(pending) == 0 {
		return
	}
	stampErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index, row := range pending {
			seq := uint64(0)
			if index < len(appendResult.Seqs) {
				seq = appendResult.Seqs[index]
			}
			if seq == 0 {
				record, found, err := s.ledger.Get(ctx, row.table, row.rowID)
				if err != nil {
					return err
				}
				if !found {
					continue
				}
				seq = record.Seq
			}
			if err := tx.Model(&projection.Record{}).
				Where("table_name = ? AND row_id = ?", row.table, row.rowID).
				Update("last_server_seq", int64(seq)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if stampErr != nil {
		s.logError(opPush, "ledger_stamp_failed", stampErr, zap.String("client_id", clientID))
	}
}

func (s *Service) recordIncident(ctx context.Context, clientID, table string, rows int, cause error) {
	incidentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPush, "id_generation_failed", err)
		return
	}
	incident := projection.Incident{
		IncidentID:      incidentID,
		Kind:            projection.IncidentLedgerAppend,
		Table:           table,
		Detail:          cause.Error(),
		ClientID:        clientID,
		RowCount:        rows,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&incident).Error; err != nil {
		s.logError(opPush, "incident_insert_failed", err, zap.String("incident_id", incidentID))
		return
	}
	s.metrics.RecordLedgerIncident()
}

// prepareRow normalizes a pushed row into a plain JSON tree and strips client bookkeeping.
func prepareRow(table string, raw schema.Row, clientID string) (rowChange, error) {
	normalized, err := canonical.Normalize(map[string]any(raw))
	if err != nil {
		return rowChange{}, fmt.Errorf("%w: %v", schema.ErrInvalidRow, err)
	}
	tree, ok := normalized.(map[string]any)
	if !ok {
		return rowChange{}, fmt.Errorf("%w: row is not an object", schema.ErrInvalidRow)
	}
	row := schema.Row(tree)
	baseSeq := int64Value(row[schema.FieldBaseServerSeq])
	delete(row, schema.FieldBaseServerSeq)

	payload, err := canonical.Marshal(tree)
	if err != nil {
		return rowChange{}, fmt.Errorf("%w: %v", schema.ErrInvalidRow, err)
	}
	return rowChange{
		Table:         table,
		Row:           row,
		PayloadJSON:   string(payload),
		ClientID:      clientID,
		BaseServerSeq: baseSeq,
	}, nil
}

// stampUpdatedAt writes a missing updated_at into the row and payload so pulled changes carry the
// projected time. A resubmitted row that differs from the stored one only by that stamp keeps the
// stored value and stays unchanged.
func stampUpdatedAt(change *rowChange, existing *projection.Record, appliedAt time.Time) error {
	if _, ok := change.Row.UpdatedAtMillis(); ok {
		return nil
	}
	candidates := []any{}
	if existing != nil {
		if stored, ok := decodePayload(existing.PayloadJSON); ok {
			if previous, present := stored[schema.FieldUpdatedAt]; present {
				candidates = append(candidates, previous)
			}
		}
	}
	candidates = append(candidates, schema.FormatTimestamp(appliedAt.UnixMilli()))

	for index, stamp := range candidates {
		change.Row[schema.FieldUpdatedAt] = stamp
		payload, err := canonical.Marshal(map[string]any(change.Row))
		if err != nil {
			return fmt.Errorf("%w: %v", schema.ErrInvalidRow, err)
		}
		if index == len(candidates)-1 || string(payload) == existing.PayloadJSON {
			change.PayloadJSON = string(payload)
			return nil
		}
	}
	return nil
}

func decodePayload(payload string) (schema.Row, bool) {
	decoded, err := canonical.Decode([]byte(payload))
	if err != nil {
		return nil, false
	}
	tree, ok := decoded.(map[string]any)
	return tree, ok
}

// missingDependency returns a description of the first unresolved reference, or "".
func missingDependency(tx *gorm.DB, definition schema.Definition, row schema.Row, accepted map[string]map[string]bool) (string, error) {
	for _, reference := range definition.References {
		target := row.String(reference.Field)
		if target == "" {
			continue
		}
		referenced := reference.Table.String()
		if referenced == definition.Table.String() && target == row.ID() {
			continue
		}
		if accepted[referenced][target] {
			continue
		}
		var count int64
		if err := tx.Model(&projection.Record{}).
			Where("table_name = ? AND row_id = ? AND deleted = ?", referenced, target, false).
			Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return fmt.Sprintf("%s references missing %s %s", reference.Field, referenced, target), nil
		}
	}
	return "", nil
}

// permitted applies table ownership rules; admin and system actors bypass them.
func permitted(definition schema.Definition, row schema.Row, existing *projection.Record, actor ledger.Actor) bool {
	if definition.OwnerField == "" || actor.Privileged() {
		return true
	}
	if definition.Owner(row) != actor.UserID {
		return false
	}
	if existing == nil {
		return true
	}
	tree, ok := decodePayload(existing.PayloadJSON)
	if !ok {
		return false
	}
	return definition.Owner(tree) == actor.UserID
}

func ledgerTransaction(change rowChange, actor ledger.Actor, appliedAt time.Time) ledger.Transaction {
	txType := ledger.TxUpsert
	if change.Row.Deleted() {
		txType = ledger.TxDelete
	}
	return ledger.Transaction{
		Type:  txType,
		Table: change.Table,
		Row:   change.Row,
		RowID: change.Row.ID(),
		Actor: actor,
		TS:    appliedAt.UnixMilli(),
	}
}

func markAccepted(accepted map[string]map[string]bool, table, rowID string, row schema.Row) {
	if row.Deleted() {
		return
	}
	if accepted[table] == nil {
		accepted[table] = map[string]bool{}
	}
	accepted[table][rowID] = true
}

func (r *PushResult) skip(table, rowID, reason, detail string) {
	r.Skipped = append(r.Skipped, SkippedRow{Table: table, RowID: rowID, Reason: reason, Detail: detail})
}

func (r *PushResult) remap(table, localID, canonicalID string) {
	if r.IDRemaps[table] == nil {
		r.IDRemaps[table] = map[string]string{}
	}
	r.IDRemaps[table][localID] = canonicalID
}

func int64Value(value any) int64 {
	switch typed := value.(type) {
	case nil:
		return 0
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		parsed, ok := schema.ParseTimestamp(typed)
		if !ok {
			return 0
		}
		return parsed
	}
}
