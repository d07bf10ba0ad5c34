package replication

import "github.com/MarcoPoloResearchLab/ledgersync/internal/schema"

// Skip reasons reported per row.
const (
	ReasonInvalidRow        = "invalid_row"
	ReasonDependencyMissing = "dependency_missing"
	ReasonPolicyDenied      = "policy_denied"
	ReasonNotFound          = "not_found"
	ReasonDuplicateKey      = "duplicate_key"
	ReasonSyncConflict      = "sync_conflict"
)

// TablePack groups pushed rows of one table.
type TablePack struct {
	Table string       `json:"table"`
	Rows  []schema.Row `json:"rows"`
}

// Batch is one push request.
type Batch struct {
	ClientID string      `json:"client_id"`
	Upserts  []TablePack `json:"upserts"`
}

// Options tunes push behaviour for trusted internal callers.
type Options struct {
	// AllowSyncConflicts lets the incoming row overwrite a newer server row.
	AllowSyncConflicts bool
}

// AppliedRow reports a row accepted by push.
type AppliedRow struct {
	Table     string `json:"table"`
	RowID     string `json:"rowId"`
	ServerSeq int64  `json:"serverSeq"`
	Unchanged bool   `json:"unchanged,omitempty"`
}

// SkippedRow reports a row rejected by push.
type SkippedRow struct {
	Table       string `json:"table"`
	RowID       string `json:"rowId"`
	Reason      string `json:"reason"`
	Detail      string `json:"detail,omitempty"`
	CanonicalID string `json:"canonicalId,omitempty"`
}

// PushResult summarizes one push.
type PushResult struct {
	DBApplied     int                          `json:"dbApplied"`
	LedgerApplied int                          `json:"ledgerApplied"`
	LastSeq       uint64                       `json:"lastSeq"`
	BlockHeight   uint64                       `json:"blockHeight"`
	AppliedRows   []AppliedRow                 `json:"appliedRows"`
	IDRemaps      map[string]map[string]string `json:"idRemaps"`
	Skipped       []SkippedRow                 `json:"skipped"`
	LedgerError   string                       `json:"ledgerError,omitempty"`
}

// ChangeView is one change delivered through pull.
type ChangeView struct {
	Table       string `json:"table"`
	RowID       string `json:"row_id"`
	Op          string `json:"op"`
	PayloadJSON string `json:"payload_json"`
	ServerSeq   int64  `json:"server_seq"`
}

// PullResult is one page of the change feed.
type PullResult struct {
	ServerCursor int64        `json:"server_cursor"`
	HasMore      bool         `json:"has_more"`
	Changes      []ChangeView `json:"changes"`
}

// TableReplay summarizes replay of one table.
type TableReplay struct {
	Scanned   int `json:"scanned"`
	Applied   int `json:"applied"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Dropped   int `json:"dropped"`
}

// ReplayResult summarizes a full replay.
type ReplayResult struct {
	Applied int                    `json:"applied"`
	Tables  map[string]TableReplay `json:"tables"`
	Failed  map[string]string      `json:"failed"`
}
