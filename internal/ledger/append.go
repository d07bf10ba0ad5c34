package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/canonical"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Append signs the transactions, chains them into blocks and updates ledger state atomically.
// Row-carrying transactions whose plaintext content and tombstone status already match the
// current state are skipped and reported with a zero sequence.
func (l *Ledger) Append(ctx context.Context, txs []Transaction) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return AppendResult{}, ErrClosed
	}
	if l.halted.Load() {
		return AppendResult{}, ErrLedgerHalted
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if len(txs) == 0 {
		return l.counters()
	}

	prepared := make([]Transaction, len(txs))
	for index, tx := range txs {
		normalized, err := normalizeTransaction(tx)
		if err != nil {
			return AppendResult{}, fmt.Errorf("transaction %d: %w", index, err)
		}
		prepared[index] = normalized
	}

	result := AppendResult{Seqs: make([]uint64, len(prepared))}
	err := l.db.Update(func(boltTx *bbolt.Tx) error {
		meta := boltTx.Bucket(bucketMeta)
		lastSeq := getUint(meta, metaLastSeq)
		height := getUint(meta, metaHeight)
		tipHash := string(meta.Get([]byte(metaTipHash)))
		nowMillis := l.clock().UTC().UnixMilli()

		signed := make([]SignedTransaction, 0, len(prepared))
		for index, tx := range prepared {
			if tx.TS == 0 {
				tx.TS = nowMillis
			}
			var entry *stateEntry
			if tx.Type.carriesRow() {
				applied, err := l.stageRow(boltTx, &tx)
				if err != nil {
					return fmt.Errorf("transaction %d: %w", index, err)
				}
				if applied == nil {
					continue
				}
				entry = applied
			}

			lastSeq++
			signedTx, err := l.sign(tx, lastSeq)
			if err != nil {
				return err
			}
			if entry != nil {
				entry.Seq = lastSeq
				entry.TS = tx.TS
				entry.RowJSON, err = json.Marshal(signedTx.Row)
				if err != nil {
					return fmt.Errorf("failed to encode row: %w", err)
				}
				if err := putState(boltTx, tx.Table, tx.RowID, *entry); err != nil {
					return err
				}
			}
			signed = append(signed, signedTx)
			result.Seqs[index] = lastSeq
		}

		for start := 0; start < len(signed); start += l.blockMaxTxs {
			end := min(start+l.blockMaxTxs, len(signed))
			block := Block{
				Height:    height + 1,
				PrevHash:  tipHash,
				CreatedAt: nowMillis,
				Txs:       signed[start:end],
			}
			hash, err := hashBlock(block.PrevHash, block.Txs)
			if err != nil {
				return err
			}
			block.Hash = hash
			if err := putBlock(boltTx, block); err != nil {
				return err
			}
			height = block.Height
			tipHash = hash
		}

		if err := putUint(meta, metaLastSeq, lastSeq); err != nil {
			return err
		}
		if err := putUint(meta, metaIndexedSeq, lastSeq); err != nil {
			return err
		}
		if err := putUint(meta, metaHeight, height); err != nil {
			return err
		}
		if err := meta.Put([]byte(metaTipHash), []byte(tipHash)); err != nil {
			return err
		}

		result.Applied = len(signed)
		result.LastSeq = lastSeq
		result.BlockHeight = height
		return nil
	})
	if err != nil {
		l.logger.Error("ledger append failed", zap.Int("transactions", len(txs)), zap.Error(err))
		return AppendResult{}, err
	}
	if result.Applied > 0 {
		l.logger.Debug("ledger append",
			zap.Int("applied", result.Applied),
			zap.Uint64("last_seq", result.LastSeq),
			zap.Uint64("block_height", result.BlockHeight),
		)
	}
	return result, nil
}

// stageRow resolves the final plaintext row for a row-carrying transaction, seals it into the
// transaction and returns the state entry to persist, or nil when the row is unchanged.
func (l *Ledger) stageRow(boltTx *bbolt.Tx, tx *Transaction) (*stateEntry, error) {
	current, found, err := getState(boltTx, tx.Table, tx.RowID)
	if err != nil {
		return nil, err
	}

	plain := tx.Row
	if tx.Type == TxDelete {
		plain, err = l.tombstone(tx, current, found)
		if err != nil {
			return nil, err
		}
	}

	rowHash, err := hashRow(plain)
	if err != nil {
		return nil, err
	}
	deleted := plain.Deleted()
	if found && current.RowHash == rowHash && current.Deleted == deleted {
		return nil, nil
	}

	sealed, err := l.sealer.EncryptRowSensitive(plain)
	if err != nil {
		return nil, err
	}
	tx.Row = sealed
	return &stateEntry{Deleted: deleted, RowHash: rowHash}, nil
}

func (l *Ledger) tombstone(tx *Transaction, current stateEntry, found bool) (schema.Row, error) {
	if tx.Row != nil {
		row := tx.Row.Clone()
		if !row.Deleted() {
			row[schema.FieldDeletedAt] = schema.FormatTimestamp(tx.TS)
		}
		return row, nil
	}
	row := schema.Row{schema.FieldID: tx.RowID}
	if found {
		existing, err := l.openEntry(current)
		if err != nil {
			return nil, err
		}
		if existing.Deleted() {
			return existing, nil
		}
		row = existing
	}
	stamp := schema.FormatTimestamp(tx.TS)
	row[schema.FieldDeletedAt] = stamp
	row[schema.FieldUpdatedAt] = stamp
	return row, nil
}

func (l *Ledger) sign(tx Transaction, seq uint64) (SignedTransaction, error) {
	payload, err := canonical.Marshal(tx)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return SignedTransaction{
		Transaction: tx,
		Seq:         seq,
		TxID:        newTxID(),
		Signature:   base64.StdEncoding.EncodeToString(ed25519.Sign(l.signingKey, payload)),
		PublicKey:   l.publicKey,
	}, nil
}

func normalizeTransaction(tx Transaction) (Transaction, error) {
	if !tx.Type.valid() {
		return Transaction{}, fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, tx.Type)
	}
	tx.Table = strings.TrimSpace(tx.Table)
	tx.RowID = strings.TrimSpace(tx.RowID)
	if !tx.Type.carriesRow() {
		if tx.Row != nil {
			row, err := normalizeRow(tx.Row)
			if err != nil {
				return Transaction{}, err
			}
			tx.Row = row
		}
		return tx, nil
	}
	if tx.Table == "" {
		return Transaction{}, fmt.Errorf("%w: table is required", ErrInvalidTransaction)
	}
	if tx.Row == nil && tx.Type != TxDelete {
		return Transaction{}, fmt.Errorf("%w: row is required for %s", ErrInvalidTransaction, tx.Type)
	}
	if tx.Row != nil {
		row, err := normalizeRow(tx.Row)
		if err != nil {
			return Transaction{}, err
		}
		tx.Row = row
		if tx.RowID == "" {
			tx.RowID = row.ID()
		}
	}
	if tx.RowID == "" {
		return Transaction{}, fmt.Errorf("%w: row id is required", ErrInvalidTransaction)
	}
	return tx, nil
}

// normalizeRow converts a row to a plain JSON tree and drops transport-only fields.
func normalizeRow(row schema.Row) (schema.Row, error) {
	normalized, err := canonical.Normalize(map[string]any(row))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	tree, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: row is not an object", ErrInvalidTransaction)
	}
	delete(tree, schema.FieldBaseServerSeq)
	return tree, nil
}

func hashRow(row schema.Row) (string, error) {
	payload, err := canonical.Marshal(map[string]any(row))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return encodeHex(sum[:]), nil
}

func hashBlock(prevHash string, txs []SignedTransaction) (string, error) {
	payload, err := canonical.Marshal(txs)
	if err != nil {
		return "", fmt.Errorf("failed to encode block: %w", err)
	}
	digest := sha256.New()
	digest.Write([]byte(prevHash))
	digest.Write(payload)
	return encodeHex(digest.Sum(nil)), nil
}

func putBlock(boltTx *bbolt.Tx, block Block) error {
	if block.Txs == nil {
		block.Txs = []SignedTransaction{}
	}
	payload, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	return boltTx.Bucket(bucketBlocks).Put(heightKey(block.Height), payload)
}

func getBlock(boltTx *bbolt.Tx, height uint64) (Block, error) {
	raw := boltTx.Bucket(bucketBlocks).Get(heightKey(height))
	if raw == nil {
		return Block{}, fmt.Errorf("%w: block %d is missing", ErrLedgerIntegrity, height)
	}
	return decodeBlock(raw)
}

func decodeBlock(raw []byte) (Block, error) {
	var block Block
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&block); err != nil {
		return Block{}, fmt.Errorf("%w: undecodable block: %v", ErrLedgerIntegrity, err)
	}
	return block, nil
}

func putState(boltTx *bbolt.Tx, table, rowID string, entry stateEntry) error {
	bucket, err := boltTx.Bucket(bucketState).CreateBucketIfNotExists([]byte(table))
	if err != nil {
		return fmt.Errorf("failed to create state bucket %s: %w", table, err)
	}
	payload, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return bucket.Put([]byte(rowID), payload)
}

func getState(boltTx *bbolt.Tx, table, rowID string) (stateEntry, bool, error) {
	bucket := boltTx.Bucket(bucketState).Bucket([]byte(table))
	if bucket == nil {
		return stateEntry{}, false, nil
	}
	raw := bucket.Get([]byte(rowID))
	if raw == nil {
		return stateEntry{}, false, nil
	}
	var entry stateEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return stateEntry{}, false, fmt.Errorf("failed to decode state %s/%s: %w", table, rowID, err)
	}
	return entry, true, nil
}

// openEntry decodes a stored row and opens its sealed fields.
func (l *Ledger) openEntry(entry stateEntry) (schema.Row, error) {
	decoded, err := canonical.Decode(entry.RowJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	tree, ok := decoded.(map[string]any)
	if !ok {
		return schema.Row{}, nil
	}
	return l.sealer.DecryptRowSensitive(tree), nil
}

func encodeKey(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

func newTxID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
