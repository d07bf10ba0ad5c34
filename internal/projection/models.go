// Package projection declares the relational mirror of ledger content and its replication feed.
package projection

// Change operations recorded in the change log.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Record models the current projected row for one (table, id) pair.
type Record struct {
	Table            string  `gorm:"column:table_name;primaryKey;size:64;not null;uniqueIndex:idx_sync_records_unique,priority:1"`
	RowID            string  `gorm:"column:row_id;primaryKey;size:190;not null"`
	PayloadJSON      string  `gorm:"column:payload_json;type:text;not null"`
	UniqueKey        *string `gorm:"column:unique_key;size:400;uniqueIndex:idx_sync_records_unique,priority:2"`
	UpdatedAtMillis  int64   `gorm:"column:updated_at_ms;not null;default:0"`
	Deleted          bool    `gorm:"column:deleted;not null;default:false"`
	Version          int64   `gorm:"column:version;not null;default:1"`
	ChangeSeq        int64   `gorm:"column:change_seq;not null;default:0"`
	LastServerSeq    int64   `gorm:"column:last_server_seq;not null;default:0;index"`
	LastWriterClient string  `gorm:"column:last_writer_client;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_records"
}

// Change is one entry of the pull feed. ServerSeq is local to the projection.
type Change struct {
	ServerSeq       int64  `gorm:"column:server_seq;primaryKey;autoIncrement"`
	Table           string `gorm:"column:table_name;size:64;not null"`
	RowID           string `gorm:"column:row_id;size:190;not null"`
	Op              string `gorm:"column:op;size:16;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	ClientID        string `gorm:"column:client_id;size:190;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Change) TableName() string {
	return "sync_changes"
}

// Incident records rows of one table whose ledger append failed after the projection committed.
type Incident struct {
	IncidentID       string `gorm:"column:incident_id;primaryKey;size:64;not null"`
	Kind             string `gorm:"column:kind;size:64;not null"`
	Table            string `gorm:"column:table_name;size:64;not null;default:'';index"`
	Detail           string `gorm:"column:detail;type:text;not null"`
	ClientID         string `gorm:"column:client_id;size:190;not null;default:''"`
	RowCount         int    `gorm:"column:row_count;not null;default:0"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
	ResolvedAtMillis *int64 `gorm:"column:resolved_at_ms;index"`
}

// TableName provides the explicit table binding for GORM.
func (Incident) TableName() string {
	return "sync_incidents"
}

// Incident kinds.
const (
	IncidentLedgerAppend = "ledger_append_failed"
)

// Snapshot persists a computed server consistency snapshot.
type Snapshot struct {
	SnapshotID        int64  `gorm:"column:snapshot_id;primaryKey;autoIncrement"`
	GeneratedAtMillis int64  `gorm:"column:generated_at_ms;not null;index"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "consistency_snapshots"
}

// ClientReport stores the latest snapshot reported by one client.
type ClientReport struct {
	ClientID string `gorm:"column:client_id;primaryKey;size:190;not null"`
	// ReporterID is the user that first reported for this client; only it may report again.
	ReporterID       string `gorm:"column:reporter_id;size:190;not null;default:''"`
	ReceivedAtMillis int64  `gorm:"column:received_at_ms;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientReport) TableName() string {
	return "consistency_client_reports"
}

// Models lists every projection model for schema migration.
func Models() []any {
	return []any{&Record{}, &Change{}, &Incident{}, &Snapshot{}, &ClientReport{}}
}
