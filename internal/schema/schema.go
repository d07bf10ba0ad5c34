// Package schema declares the replicated tables and validates rows at the sync boundary.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrUnknownTable indicates a table name that is not registered.
	ErrUnknownTable = errors.New("schema: unknown table")
	// ErrInvalidRow indicates a row that violates its table definition.
	ErrInvalidRow = errors.New("schema: invalid row")
)

// Reserved row fields shared by every table.
const (
	FieldID            = "id"
	FieldUpdatedAt     = "updated_at"
	FieldCreatedAt     = "created_at"
	FieldDeletedAt     = "deleted_at"
	FieldBaseServerSeq = "base_server_seq"
)

// Table identifies a replicated table.
type Table string

// Registered tables in dependency order.
const (
	TableWidgets            Table = "widgets"
	TableEquipment          Table = "equipment"
	TableParts              Table = "parts"
	TableContracts          Table = "contracts"
	TableEquipmentContracts Table = "equipment_contracts"
	TableEmployees          Table = "employees"
	TableChatMessages       Table = "chat_messages"
	TableNotes              Table = "notes"
	TableChatReads          Table = "chat_reads"
)

// String returns the table name.
func (t Table) String() string {
	return string(t)
}

// Scope describes who may read rows of a table through pull.
type Scope int

const (
	// ScopeShared rows are visible to every actor.
	ScopeShared Scope = iota
	// ScopeDirectMessage rows are visible to the sender and the recipient.
	ScopeDirectMessage
	// ScopePersonalNote rows are visible to the owner and explicit shares.
	ScopePersonalNote
	// ScopeReadReceipt rows are visible to their owner only.
	ScopeReadReceipt
)

// Reference declares that Field holds the id of a row in Table.
type Reference struct {
	Field    string
	Table    Table
	Optional bool
}

// Definition is the schema of one replicated table.
type Definition struct {
	Table      Table
	Required   []string
	References []Reference
	Unique     []string
	Scope      Scope
	// OwnerField names the column holding the user allowed to mutate the row.
	OwnerField string
}

var registry = []Definition{
	{
		Table:      TableWidgets,
		References: []Reference{{Field: "parent_id", Table: TableWidgets, Optional: true}},
	},
	{
		Table:    TableEquipment,
		Required: []string{"name"},
	},
	{
		Table:      TableParts,
		Required:   []string{"name", "equipment_id"},
		References: []Reference{{Field: "equipment_id", Table: TableEquipment}},
	},
	{
		Table:    TableContracts,
		Required: []string{"number"},
	},
	{
		Table:    TableEquipmentContracts,
		Required: []string{"equipment_id", "contract_id"},
		References: []Reference{
			{Field: "equipment_id", Table: TableEquipment},
			{Field: "contract_id", Table: TableContracts},
		},
		Unique: []string{"equipment_id", "contract_id"},
	},
	{
		Table:    TableEmployees,
		Required: []string{"full_name"},
	},
	{
		Table:      TableChatMessages,
		Required:   []string{"sender_id", "recipient_id", "body"},
		Scope:      ScopeDirectMessage,
		OwnerField: "sender_id",
	},
	{
		Table:      TableNotes,
		Required:   []string{"owner_id", "body"},
		Scope:      ScopePersonalNote,
		OwnerField: "owner_id",
	},
	{
		Table:      TableChatReads,
		Required:   []string{"message_id", "user_id"},
		References: []Reference{{Field: "message_id", Table: TableChatMessages}},
		Unique:     []string{"message_id", "user_id"},
		Scope:      ScopeReadReceipt,
		OwnerField: "user_id",
	},
}

var registryByName = func() map[Table]Definition {
	index := make(map[Table]Definition, len(registry))
	for _, definition := range registry {
		index[definition.Table] = definition
	}
	return index
}()

// Tables returns every registered table in dependency order.
func Tables() []Table {
	tables := make([]Table, 0, len(registry))
	for _, definition := range registry {
		tables = append(tables, definition.Table)
	}
	return tables
}

// Lookup returns the definition for a table name.
func Lookup(name string) (Definition, error) {
	definition, ok := registryByName[Table(strings.TrimSpace(name))]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return definition, nil
}

// Row is a loosely typed JSON object as exchanged on the wire.
type Row map[string]any

// ID returns the row identifier or an empty string.
func (r Row) ID() string {
	return r.String(FieldID)
}

// String returns the trimmed string value of a field.
func (r Row) String(field string) string {
	switch value := r[field].(type) {
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

// Deleted reports whether the row carries a tombstone marker.
func (r Row) Deleted() bool {
	value, ok := r[FieldDeletedAt]
	if !ok || value == nil {
		return false
	}
	if text, isString := value.(string); isString {
		return strings.TrimSpace(text) != ""
	}
	return true
}

// UpdatedAtMillis parses updated_at into unix milliseconds.
func (r Row) UpdatedAtMillis() (int64, bool) {
	return ParseTimestamp(r[FieldUpdatedAt])
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for key, value := range r {
		out[key] = value
	}
	return out
}

// Validate checks the required fields and identifier bounds of a row.
func (d Definition) Validate(row Row) error {
	id := row.ID()
	if id == "" {
		return fmt.Errorf("%w: %s: missing id", ErrInvalidRow, d.Table)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: %s: id exceeds %d characters", ErrInvalidRow, d.Table, maxIdentifierLength)
	}
	for _, field := range d.Required {
		if row.String(field) == "" {
			return fmt.Errorf("%w: %s: missing %s", ErrInvalidRow, d.Table, field)
		}
	}
	for _, reference := range d.References {
		if len(row.String(reference.Field)) > maxIdentifierLength {
			return fmt.Errorf("%w: %s: %s exceeds %d characters", ErrInvalidRow, d.Table, reference.Field, maxIdentifierLength)
		}
	}
	if raw, present := row[FieldUpdatedAt]; present && raw != nil {
		if _, ok := ParseTimestamp(raw); !ok {
			return fmt.Errorf("%w: %s: unparseable updated_at", ErrInvalidRow, d.Table)
		}
	}
	return nil
}

// UniqueKey returns the composite unique key for join tables.
func (d Definition) UniqueKey(row Row) (string, bool) {
	if len(d.Unique) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(d.Unique))
	for _, field := range d.Unique {
		value := row.String(field)
		if value == "" {
			return "", false
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, "\x1f"), true
}

// Owner returns the user that owns the row, if the table is owner-scoped.
func (d Definition) Owner(row Row) string {
	if d.OwnerField == "" {
		return ""
	}
	return row.String(d.OwnerField)
}

// VisibleTo reports whether userID may receive the row through pull.
func (d Definition) VisibleTo(row Row, userID string) bool {
	switch d.Scope {
	case ScopeShared:
		return true
	case ScopeDirectMessage:
		return userID != "" && (row.String("sender_id") == userID || row.String("recipient_id") == userID)
	case ScopePersonalNote:
		if userID == "" {
			return false
		}
		if row.String("owner_id") == userID {
			return true
		}
		return sharedWith(row["shared_with"], userID)
	case ScopeReadReceipt:
		return userID != "" && row.String("user_id") == userID
	default:
		return false
	}
}

func sharedWith(value any, userID string) bool {
	switch shares := value.(type) {
	case []any:
		for _, share := range shares {
			if text, ok := share.(string); ok && strings.TrimSpace(text) == userID {
				return true
			}
		}
	case []string:
		for _, share := range shares {
			if strings.TrimSpace(share) == userID {
				return true
			}
		}
	case string:
		for _, share := range strings.Split(shares, ",") {
			if strings.TrimSpace(share) == userID {
				return true
			}
		}
	}
	return false
}

// ParseTimestamp accepts RFC3339 strings or unix milliseconds and returns unix milliseconds.
func ParseTimestamp(value any) (int64, bool) {
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, false
		}
		if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
			return parsed.UnixMilli(), true
		}
		if millis, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return millis, true
		}
		return 0, false
	case json.Number:
		if millis, err := typed.Int64(); err == nil {
			return millis, true
		}
		if float, err := typed.Float64(); err == nil {
			return int64(float), true
		}
		return 0, false
	case float64:
		return int64(typed), true
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	default:
		return 0, false
	}
}

// FormatTimestamp renders unix milliseconds as RFC3339 with millisecond precision.
func FormatTimestamp(millis int64) string {
	return time.UnixMilli(millis).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
