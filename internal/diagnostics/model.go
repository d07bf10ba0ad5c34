package diagnostics

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
)

// Snapshot scopes.
const (
	ScopeServer = "server"
	ScopeClient = "client"
)

// Diff and health statuses.
const (
	StatusOK       = "ok"
	StatusUnknown  = "unknown"
	StatusWarning  = "warning"
	StatusDrift    = "drift"
	StatusWarn     = "warn"
	StatusCritical = "critical"
)

const maxPendingItems = 10

// SnapshotTables lists the shared tables compared between server and clients. Privacy-scoped
// tables are left out because each client only holds the rows visible to it.
var SnapshotTables = []schema.Table{
	schema.TableWidgets,
	schema.TableEquipment,
	schema.TableParts,
	schema.TableContracts,
	schema.TableEquipmentContracts,
	schema.TableEmployees,
}

// EntityCategory groups tables into one comparable section.
type EntityCategory struct {
	Name   string
	Tables []schema.Table
}

// EntityCategories lists the grouped sections of every snapshot.
var EntityCategories = []EntityCategory{
	{Name: "inventory", Tables: []schema.Table{schema.TableEquipment, schema.TableParts}},
	{Name: "agreements", Tables: []schema.Table{schema.TableContracts, schema.TableEquipmentContracts}},
	{Name: "people", Tables: []schema.Table{schema.TableEmployees}},
}

// PendingItem samples a row that has not reached its final destination yet.
type PendingItem struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Section summarizes the rows of one table or entity category.
type Section struct {
	Count        int64         `json:"count"`
	MaxUpdatedAt int64         `json:"maxUpdatedAt"`
	Checksum     string        `json:"checksum"`
	PendingCount int64         `json:"pendingCount"`
	ErrorCount   int64         `json:"errorCount"`
	PendingItems []PendingItem `json:"pendingItems,omitempty"`
}

// Snapshot is a point-in-time summary produced by the server or reported by a client.
type Snapshot struct {
	GeneratedAt string             `json:"generatedAt"`
	Scope       string             `json:"scope"`
	ClientID    string             `json:"clientId,omitempty"`
	ServerSeq   int64              `json:"serverSeq"`
	Tables      map[string]Section `json:"tables"`
	EntityTypes map[string]Section `json:"entityTypes"`
}

// Aggregate accumulates the values a Section is derived from.
type Aggregate struct {
	Count        int64
	SumUpdatedAt int64
	MaxUpdatedAt int64
	Pending      int64
	Errors       int64
	PendingItems []PendingItem
}

// Observe adds one live row.
func (a *Aggregate) Observe(updatedAtMillis int64) {
	a.Count++
	a.SumUpdatedAt += updatedAtMillis
	if updatedAtMillis > a.MaxUpdatedAt {
		a.MaxUpdatedAt = updatedAtMillis
	}
}

// AddPending records a row awaiting delivery and samples it.
func (a *Aggregate) AddPending(item PendingItem) {
	a.Pending++
	if len(a.PendingItems) < maxPendingItems {
		a.PendingItems = append(a.PendingItems, item)
	}
}

// Merge combines two aggregates, e.g. the tables of one entity category.
func (a Aggregate) Merge(other Aggregate) Aggregate {
	merged := Aggregate{
		Count:        a.Count + other.Count,
		SumUpdatedAt: a.SumUpdatedAt + other.SumUpdatedAt,
		MaxUpdatedAt: max(a.MaxUpdatedAt, other.MaxUpdatedAt),
		Pending:      a.Pending + other.Pending,
		Errors:       a.Errors + other.Errors,
	}
	merged.PendingItems = append(merged.PendingItems, a.PendingItems...)
	merged.PendingItems = append(merged.PendingItems, other.PendingItems...)
	if len(merged.PendingItems) > maxPendingItems {
		merged.PendingItems = merged.PendingItems[:maxPendingItems]
	}
	return merged
}

// Section renders the aggregate.
func (a Aggregate) Section() Section {
	return Section{
		Count:        a.Count,
		MaxUpdatedAt: a.MaxUpdatedAt,
		Checksum:     Checksum(a.Count, a.SumUpdatedAt),
		PendingCount: a.Pending,
		ErrorCount:   a.Errors,
		PendingItems: a.PendingItems,
	}
}

// Checksum hashes a row count and the sum of update times.
func Checksum(count, sumUpdatedAt int64) string {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%d|%d", count, sumUpdatedAt)))
	return hex.EncodeToString(digest[:])
}

// BuildSnapshot renders per-table aggregates into table and entity sections.
func BuildSnapshot(scope, clientID string, serverSeq int64, generatedAtMillis int64, aggregates map[string]Aggregate) Snapshot {
	snapshot := Snapshot{
		GeneratedAt: schema.FormatTimestamp(generatedAtMillis),
		Scope:       scope,
		ClientID:    clientID,
		ServerSeq:   serverSeq,
		Tables:      make(map[string]Section, len(SnapshotTables)),
		EntityTypes: make(map[string]Section, len(EntityCategories)),
	}
	for _, table := range SnapshotTables {
		snapshot.Tables[table.String()] = aggregates[table.String()].Section()
	}
	for _, category := range EntityCategories {
		var combined Aggregate
		for _, table := range category.Tables {
			combined = combined.Merge(aggregates[table.String()])
		}
		snapshot.EntityTypes[category.Name] = combined.Section()
	}
	return snapshot
}

// SectionDiff compares one server section with the client's.
type SectionDiff struct {
	Status string   `json:"status"`
	Server Section  `json:"server"`
	Client *Section `json:"client,omitempty"`
}

// ClientDiff is the comparison of the server snapshot with one client report.
type ClientDiff struct {
	ClientID    string                 `json:"clientId"`
	ReceivedAt  string                 `json:"receivedAt"`
	Status      string                 `json:"status"`
	Snapshot    Snapshot               `json:"snapshot"`
	Tables      map[string]SectionDiff `json:"tables"`
	EntityTypes map[string]SectionDiff `json:"entityTypes"`
}

// ConsistencyReport is the aggregate consistency view.
type ConsistencyReport struct {
	Server  Snapshot     `json:"server"`
	Clients []ClientDiff `json:"clients"`
	Status  string       `json:"status"`
}

// ReportReceipt acknowledges an accepted client snapshot.
type ReportReceipt struct {
	OK         bool   `json:"ok"`
	ClientID   string `json:"clientId"`
	ReceivedAt string `json:"receivedAt"`
}

// SeqLags holds the distances between pipeline stages.
type SeqLags struct {
	LedgerToIndex     int64 `json:"ledgerToIndex"`
	IndexToProjection int64 `json:"indexToProjection"`
}

// SeqHealth compares sequence positions along the pipeline.
type SeqHealth struct {
	LedgerLastSeq    int64   `json:"ledgerLastSeq"`
	IndexMaxSeq      int64   `json:"indexMaxSeq"`
	ProjectionMaxSeq int64   `json:"projectionMaxSeq"`
	Lags             SeqLags `json:"lags"`
}

// TableHealth compares ledger and projection row counts for one table.
type TableHealth struct {
	LedgerCount     int64  `json:"ledgerCount"`
	ProjectionCount int64  `json:"projectionCount"`
	Difference      int64  `json:"difference"`
	Status          string `json:"status"`
}

// PipelineHealth localizes lag between ledger, index and projection.
type PipelineHealth struct {
	Status              string                 `json:"status"`
	Seq                 SeqHealth              `json:"seq"`
	Tables              map[string]TableHealth `json:"tables"`
	UnresolvedIncidents int64                  `json:"unresolvedIncidents"`
	Reasons             []string               `json:"reasons"`
}
