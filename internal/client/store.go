package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/replication"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// Local row states.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
	StatusFailed  = "error"
)

const (
	rowsBucketPrefix = "rows:"
	keyPullCursor    = "pull_cursor"
	keyLastReport    = "last_report_ms"
)

var metaBucket = []byte("meta")

// LocalRow is one row of the local store together with its sync bookkeeping.
type LocalRow struct {
	Row           schema.Row `msgpack:"row"`
	Status        string     `msgpack:"status"`
	Reason        string     `msgpack:"reason,omitempty"`
	LastServerSeq int64      `msgpack:"last_server_seq"`
	UpdatedAt     int64      `msgpack:"updated_at"`
}

// Store keeps the node's copy of every replicated table in bbolt.
type Store struct {
	mu    sync.RWMutex
	db    *bbolt.DB
	clock func() time.Time
}

// OpenStore opens (or creates) the local store at path.
func OpenStore(path string, clock func() time.Time) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("client: store path is required")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	store := &Store{db: db, clock: clock}
	if err := store.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize local store: %w", err)
	}
	return store, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		for _, table := range schema.Tables() {
			if _, err := tx.CreateBucketIfNotExists(rowsBucket(table.String())); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the store. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SaveLocal records a local mutation. The row is stamped with the current time and queued for push.
func (s *Store) SaveLocal(ctx context.Context, table string, row schema.Row) error {
	definition, err := schema.Lookup(table)
	if err != nil {
		return err
	}
	row = row.Clone()
	now := s.clock().UnixMilli()
	row[schema.FieldUpdatedAt] = schema.FormatTimestamp(now)
	if _, ok := schema.ParseTimestamp(row[schema.FieldCreatedAt]); !ok {
		row[schema.FieldCreatedAt] = row[schema.FieldUpdatedAt]
	}
	if err := definition.Validate(row); err != nil {
		return err
	}

	return s.update(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rowsBucket(table))
		current, _, err := getRow(bucket, row.ID())
		if err != nil {
			return err
		}
		return putRow(bucket, LocalRow{
			Row:           row,
			Status:        StatusPending,
			LastServerSeq: current.LastServerSeq,
			UpdatedAt:     now,
		})
	})
}

// DeleteLocal tombstones a row locally; the tombstone is pushed like any other mutation.
func (s *Store) DeleteLocal(ctx context.Context, table, id string) error {
	current, err := s.Get(ctx, table, id)
	if err != nil {
		return err
	}
	row := current.Row.Clone()
	row[schema.FieldDeletedAt] = schema.FormatTimestamp(s.clock().UnixMilli())
	return s.SaveLocal(ctx, table, row)
}

// Get returns the local row with the given id.
func (s *Store) Get(ctx context.Context, table, id string) (LocalRow, error) {
	if _, err := schema.Lookup(table); err != nil {
		return LocalRow{}, err
	}
	var row LocalRow
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		found, ok, err := getRow(tx.Bucket(rowsBucket(table)), id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrRowNotFound, table, id)
		}
		row = found
		return nil
	})
	return row, err
}

// PendingPacks collects pending rows into per-table packs in dependency order. Each pushed row carries
// base_server_seq, the last change-log sequence this node saw for it.
func (s *Store) PendingPacks(ctx context.Context) ([]replication.TablePack, error) {
	var packs []replication.TablePack
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		for _, table := range schema.Tables() {
			var rows []schema.Row
			err := forEachRow(tx.Bucket(rowsBucket(table.String())), func(local LocalRow) error {
				if local.Status != StatusPending {
					return nil
				}
				row := local.Row.Clone()
				if local.LastServerSeq > 0 {
					row[schema.FieldBaseServerSeq] = local.LastServerSeq
				}
				rows = append(rows, row)
				return nil
			})
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				packs = append(packs, replication.TablePack{Table: table.String(), Rows: rows})
			}
		}
		return nil
	})
	return packs, err
}

// MarkSynced records the server's acceptance of a pushed row. When the row changed locally after the
// push was assembled it stays pending so the newer content is pushed next cycle.
func (s *Store) MarkSynced(ctx context.Context, table, id string, serverSeq int64, pushedUpdatedAt int64) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rowsBucket(table))
		current, ok, err := getRow(bucket, id)
		if err != nil || !ok {
			return err
		}
		if serverSeq > current.LastServerSeq {
			current.LastServerSeq = serverSeq
		}
		if current.UpdatedAt == pushedUpdatedAt {
			current.Status = StatusSynced
			current.Reason = ""
		}
		return putRow(bucket, current)
	})
}

// MarkError flags a row rejected by the server. It is not pushed again until edited locally.
func (s *Store) MarkError(ctx context.Context, table, id, reason string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rowsBucket(table))
		current, ok, err := getRow(bucket, id)
		if err != nil || !ok {
			return err
		}
		current.Status = StatusFailed
		current.Reason = reason
		return putRow(bucket, current)
	})
}

// Remap drops the local duplicate localID and points every local reference to it at canonicalID.
func (s *Store) Remap(ctx context.Context, table, localID, canonicalID string) (int, error) {
	if localID == canonicalID {
		return 0, nil
	}
	rewritten := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		if err := tx.Bucket(rowsBucket(table)).Delete([]byte(localID)); err != nil {
			return err
		}
		for _, definition := range referencingDefinitions(table) {
			bucket := tx.Bucket(rowsBucket(definition.Table.String()))
			var changed []LocalRow
			err := forEachRow(bucket, func(local LocalRow) error {
				touched := false
				for _, reference := range definition.References {
					if reference.Table.String() == table && local.Row.String(reference.Field) == localID {
						local.Row[reference.Field] = canonicalID
						touched = true
					}
				}
				if touched {
					if local.Status == StatusSynced {
						local.Status = StatusPending
					}
					changed = append(changed, local)
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, local := range changed {
				if err := putRow(bucket, local); err != nil {
					return err
				}
			}
			rewritten += len(changed)
		}
		return nil
	})
	return rewritten, err
}

// ApplyChange stores a pulled change. Rows with unsent or rejected local edits are left untouched.
func (s *Store) ApplyChange(ctx context.Context, change replication.ChangeView) (bool, error) {
	if _, err := schema.Lookup(change.Table); err != nil {
		return false, err
	}
	row := schema.Row{}
	if strings.TrimSpace(change.PayloadJSON) != "" {
		if err := json.Unmarshal([]byte(change.PayloadJSON), &row); err != nil {
			return false, fmt.Errorf("decode change %s/%s: %w", change.Table, change.RowID, err)
		}
	}
	if row.ID() == "" {
		row[schema.FieldID] = change.RowID
	}
	if change.Op == projection.OpDelete && !row.Deleted() {
		row[schema.FieldDeletedAt] = schema.FormatTimestamp(s.clock().UnixMilli())
	}
	updatedAt, _ := row.UpdatedAtMillis()

	applied := false
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rowsBucket(change.Table))
		current, ok, err := getRow(bucket, row.ID())
		if err != nil {
			return err
		}
		if ok && current.Status != StatusSynced {
			return nil
		}
		if ok && current.LastServerSeq >= change.ServerSeq {
			return nil
		}
		applied = true
		return putRow(bucket, LocalRow{
			Row:           row,
			Status:        StatusSynced,
			LastServerSeq: change.ServerSeq,
			UpdatedAt:     updatedAt,
		})
	})
	return applied, err
}

// Cursor returns the pull cursor.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	return s.metaInt(ctx, keyPullCursor)
}

func (s *Store) SetCursor(ctx context.Context, cursor int64) error {
	return s.setMetaInt(ctx, keyPullCursor, cursor)
}

// LastReportAt returns when a diagnostics snapshot was last accepted, in unix milliseconds.
func (s *Store) LastReportAt(ctx context.Context) (int64, error) {
	return s.metaInt(ctx, keyLastReport)
}

func (s *Store) SetLastReportAt(ctx context.Context, millis int64) error {
	return s.setMetaInt(ctx, keyLastReport, millis)
}

// Aggregates summarizes the snapshot tables for a diagnostics report.
func (s *Store) Aggregates(ctx context.Context) (map[string]diagnostics.Aggregate, error) {
	aggregates := make(map[string]diagnostics.Aggregate, len(diagnostics.SnapshotTables))
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		for _, table := range diagnostics.SnapshotTables {
			var aggregate diagnostics.Aggregate
			err := forEachRow(tx.Bucket(rowsBucket(table.String())), func(local LocalRow) error {
				switch local.Status {
				case StatusPending:
					aggregate.AddPending(diagnostics.PendingItem{
						ID:        local.Row.ID(),
						Label:     diagnostics.RowLabel(local.Row),
						Status:    StatusPending,
						UpdatedAt: local.UpdatedAt,
					})
				case StatusFailed:
					aggregate.Errors++
				}
				if !local.Row.Deleted() {
					aggregate.Observe(local.UpdatedAt)
				}
				return nil
			})
			if err != nil {
				return err
			}
			aggregates[table.String()] = aggregate
		}
		return nil
	})
	return aggregates, err
}

func (s *Store) metaInt(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get([]byte(key))
		if len(raw) == 8 {
			value = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return value, err
}

func (s *Store) setMetaInt(ctx context.Context, key string, value int64) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		raw := make([]byte, 8)
		binary.BigEndian.PutUint64(raw, uint64(value))
		return tx.Bucket(metaBucket).Put([]byte(key), raw)
	})
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

func rowsBucket(table string) []byte {
	return []byte(rowsBucketPrefix + table)
}

func getRow(bucket *bbolt.Bucket, id string) (LocalRow, bool, error) {
	raw := bucket.Get([]byte(id))
	if raw == nil {
		return LocalRow{}, false, nil
	}
	var row LocalRow
	if err := msgpack.Unmarshal(raw, &row); err != nil {
		return LocalRow{}, false, fmt.Errorf("decode local row %q: %w", id, err)
	}
	return row, true, nil
}

func putRow(bucket *bbolt.Bucket, row LocalRow) error {
	payload, err := msgpack.Marshal(&row)
	if err != nil {
		return fmt.Errorf("encode local row %q: %w", row.Row.ID(), err)
	}
	return bucket.Put([]byte(row.Row.ID()), payload)
}

func forEachRow(bucket *bbolt.Bucket, fn func(LocalRow) error) error {
	return bucket.ForEach(func(key, raw []byte) error {
		var row LocalRow
		if err := msgpack.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode local row %q: %w", key, err)
		}
		return fn(row)
	})
}

func referencingDefinitions(table string) []schema.Definition {
	var definitions []schema.Definition
	for _, name := range schema.Tables() {
		definition, err := schema.Lookup(name.String())
		if err != nil {
			continue
		}
		for _, reference := range definition.References {
			if reference.Table.String() == table {
				definitions = append(definitions, definition)
				break
			}
		}
	}
	return definitions
}
