package replication

import (
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
)

type rowChange struct {
	Table       string
	Row         schema.Row
	PayloadJSON string
	UniqueKey   *string
	ClientID    string
	// BaseServerSeq is the last change-log sequence the client saw for this row.
	BaseServerSeq int64
}

type rowOutcome struct {
	Accepted  bool
	Unchanged bool
	Conflict  bool
	Updated   *projection.Record
	Audit     *projection.Change
}

// resolveRow decides how an incoming row relates to the projected one. Identical content is a
// no-op. Otherwise the write is accepted when the row is new, the client saw the latest change,
// the client itself was the last writer, or the caller is trusted to overwrite.
func resolveRow(existing *projection.Record, change rowChange, opts Options, appliedAt time.Time) rowOutcome {
	if existing != nil && existing.PayloadJSON == change.PayloadJSON {
		copyStored := *existing
		return rowOutcome{Accepted: true, Unchanged: true, Updated: &copyStored}
	}

	acceptChange := false
	switch {
	case existing == nil:
		acceptChange = true
	case opts.AllowSyncConflicts:
		acceptChange = true
	case change.BaseServerSeq >= existing.ChangeSeq:
		acceptChange = true
	case change.ClientID != "" && change.ClientID == existing.LastWriterClient:
		acceptChange = true
	}

	if !acceptChange {
		copyStored := *existing
		return rowOutcome{Conflict: true, Updated: &copyStored}
	}

	stored := projection.Record{Table: change.Table, RowID: change.Row.ID()}
	if existing != nil {
		stored = *existing
	}

	updated := stored
	updated.PayloadJSON = change.PayloadJSON
	updated.Deleted = change.Row.Deleted()
	updated.UniqueKey = change.UniqueKey
	if updated.Deleted {
		updated.UniqueKey = nil
	}
	if millis, ok := change.Row.UpdatedAtMillis(); ok {
		updated.UpdatedAtMillis = millis
	} else if updated.UpdatedAtMillis == 0 {
		updated.UpdatedAtMillis = appliedAt.UnixMilli()
	}
	updated.LastWriterClient = change.ClientID
	updated.LastServerSeq = 0

	nextVersion := stored.Version + 1
	if nextVersion <= 0 {
		nextVersion = 1
	}
	updated.Version = nextVersion

	op := projection.OpUpsert
	if updated.Deleted {
		op = projection.OpDelete
	}
	audit := &projection.Change{
		Table:           change.Table,
		RowID:           updated.RowID,
		Op:              op,
		PayloadJSON:     change.PayloadJSON,
		ClientID:        change.ClientID,
		CreatedAtMillis: appliedAt.UnixMilli(),
	}

	return rowOutcome{Accepted: true, Updated: &updated, Audit: audit}
}
