package ledger

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// Clause requires Field to equal Value, compared by string form.
type Clause struct {
	Field string
	Value any
}

// Match requires Field to contain a substring (case-insensitive) or match a pattern.
type Match struct {
	Field    string
	Contains string
	Pattern  *regexp.Regexp
}

// Range bounds a numeric or timestamp field inclusively.
type Range struct {
	Field string
	From  *int64
	To    *int64
}

// SortOrder orders results; the row id breaks ties.
type SortOrder struct {
	Field string
	Desc  bool
}

// Cursor resumes a query after the given sort value and row id.
type Cursor struct {
	Value string `json:"value"`
	ID    string `json:"id"`
}

// Query selects ledger state rows of one table.
type Query struct {
	Table string
	ID    string
	Where []Clause
	// AnyOf holds groups in which at least one clause must hold.
	AnyOf          [][]Clause
	Match          []Match
	Range          []Range
	IncludeDeleted bool
	Sort           SortOrder
	After          *Cursor
	Limit          int
}

// Page is one query result page.
type Page struct {
	Records []Record
	Next    *Cursor
}

// Get returns the current state row for table/id with sensitive fields opened.
func (l *Ledger) Get(ctx context.Context, table, rowID string) (Record, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return Record{}, false, ErrClosed
	}
	var (
		record Record
		found  bool
	)
	err := l.db.View(func(boltTx *bbolt.Tx) error {
		entry, ok, err := getState(boltTx, table, rowID)
		if err != nil || !ok {
			return err
		}
		row, err := l.openEntry(entry)
		if err != nil {
			return err
		}
		record = Record{Table: table, RowID: rowID, Row: row, Seq: entry.Seq, TS: entry.TS, Deleted: entry.Deleted}
		found = true
		return ctx.Err()
	})
	return record, found, err
}

// Query scans the state of q.Table and returns the matching page.
func (l *Ledger) Query(ctx context.Context, q Query) (Page, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return Page{}, ErrClosed
	}
	if strings.TrimSpace(q.Table) == "" {
		return Page{}, fmt.Errorf("%w: query table is required", ErrInvalidTransaction)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = l.defaultLimit
	}
	if limit > l.maxLimit {
		limit = l.maxLimit
	}
	sortField := strings.TrimSpace(q.Sort.Field)
	if sortField == "" {
		sortField = schema.FieldID
	}

	if q.ID != "" {
		return l.queryByID(q)
	}

	var matches []Record
	err := l.db.View(func(boltTx *bbolt.Tx) error {
		bucket := boltTx.Bucket(bucketState).Bucket([]byte(q.Table))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(key, value []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry stateEntry
			if err := msgpack.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("failed to decode state %s/%s: %w", q.Table, key, err)
			}
			record, err := l.recordFor(q.Table, string(key), entry)
			if err != nil {
				return err
			}
			if q.matches(record) {
				matches = append(matches, record)
			}
			return nil
		})
	})
	if err != nil {
		return Page{}, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return lessRecord(matches[i], matches[j], sortField, q.Sort.Desc)
	})

	if q.After != nil {
		start := sort.Search(len(matches), func(index int) bool {
			return afterCursor(matches[index], *q.After, sortField, q.Sort.Desc)
		})
		matches = matches[start:]
	}

	page := Page{Records: matches}
	if len(matches) > limit {
		page.Records = matches[:limit]
		last := page.Records[limit-1]
		page.Next = &Cursor{Value: fieldString(last.Row[sortField]), ID: last.RowID}
	}
	return page, nil
}

// queryByID looks up one row; only IncludeDeleted applies to an id lookup.
func (l *Ledger) queryByID(q Query) (Page, error) {
	var page Page
	err := l.db.View(func(boltTx *bbolt.Tx) error {
		entry, ok, err := getState(boltTx, q.Table, q.ID)
		if err != nil || !ok {
			return err
		}
		if entry.Deleted && !q.IncludeDeleted {
			return nil
		}
		record, err := l.recordFor(q.Table, q.ID, entry)
		if err != nil {
			return err
		}
		page.Records = []Record{record}
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

func (l *Ledger) recordFor(table, rowID string, entry stateEntry) (Record, error) {
	row, err := l.openEntry(entry)
	if err != nil {
		return Record{}, err
	}
	return Record{Table: table, RowID: rowID, Row: row, Seq: entry.Seq, TS: entry.TS, Deleted: entry.Deleted}, nil
}

func (q Query) matches(record Record) bool {
	if record.Deleted && !q.IncludeDeleted {
		return false
	}
	for _, clause := range q.Where {
		if fieldString(record.Row[clause.Field]) != fieldString(clause.Value) {
			return false
		}
	}
	for _, group := range q.AnyOf {
		if len(group) == 0 {
			continue
		}
		satisfied := false
		for _, clause := range group {
			if fieldString(record.Row[clause.Field]) == fieldString(clause.Value) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	for _, match := range q.Match {
		value := fieldString(record.Row[match.Field])
		if match.Contains != "" && !strings.Contains(strings.ToLower(value), strings.ToLower(match.Contains)) {
			return false
		}
		if match.Pattern != nil && !match.Pattern.MatchString(value) {
			return false
		}
	}
	for _, bounds := range q.Range {
		value, ok := schema.ParseTimestamp(record.Row[bounds.Field])
		if !ok {
			return false
		}
		if bounds.From != nil && value < *bounds.From {
			return false
		}
		if bounds.To != nil && value > *bounds.To {
			return false
		}
	}
	return true
}

func lessRecord(left, right Record, field string, desc bool) bool {
	order := compareValues(fieldString(left.Row[field]), fieldString(right.Row[field]))
	if order == 0 {
		order = strings.Compare(left.RowID, right.RowID)
		return order < 0
	}
	if desc {
		return order > 0
	}
	return order < 0
}

// afterCursor reports whether record sorts strictly after the cursor position.
func afterCursor(record Record, cursor Cursor, field string, desc bool) bool {
	order := compareValues(fieldString(record.Row[field]), cursor.Value)
	if order == 0 {
		return strings.Compare(record.RowID, cursor.ID) > 0
	}
	if desc {
		return order < 0
	}
	return order > 0
}

// Sort values rank empty first, then numbers, then other strings.
const (
	rankEmpty = iota
	rankNumber
	rankText
)

// compareValues orders by rank first and by value within a rank, which keeps the order total.
func compareValues(left, right string) int {
	leftRank, leftNumber := valueRank(left)
	rightRank, rightNumber := valueRank(right)
	if leftRank != rightRank {
		return cmp.Compare(leftRank, rightRank)
	}
	if leftRank == rankNumber {
		return cmp.Compare(leftNumber, rightNumber)
	}
	return strings.Compare(left, right)
}

func valueRank(value string) (int, float64) {
	if value == "" {
		return rankEmpty, 0
	}
	number, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(number) {
		return rankText, 0
	}
	return rankNumber, number
}

func fieldString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	}
}
