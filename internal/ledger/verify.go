package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/canonical"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Verify walks the whole chain checking heights, hash links, sequence contiguity and
// signatures. Any failure halts further appends and wraps ErrLedgerIntegrity.
func (l *Ledger) Verify(ctx context.Context) (VerifyReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return VerifyReport{}, ErrClosed
	}
	var report VerifyReport
	err := l.db.View(func(boltTx *bbolt.Tx) error {
		meta := boltTx.Bucket(bucketMeta)
		tipHeight := getUint(meta, metaHeight)
		prevHash := genesisPrevHash
		var expectedSeq uint64

		for height := uint64(0); height <= tipHeight; height++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			block, err := getBlock(boltTx, height)
			if err != nil {
				return err
			}
			if block.Height != height {
				return fmt.Errorf("%w: block at %d reports height %d", ErrLedgerIntegrity, height, block.Height)
			}
			if block.PrevHash != prevHash {
				return fmt.Errorf("%w: block %d does not link to its predecessor", ErrLedgerIntegrity, height)
			}
			if err := l.checkBlock(block); err != nil {
				return err
			}
			for _, tx := range block.Txs {
				expectedSeq++
				if tx.Seq != expectedSeq {
					return fmt.Errorf("%w: block %d has seq %d, expected %d", ErrLedgerIntegrity, height, tx.Seq, expectedSeq)
				}
			}
			prevHash = block.Hash
			report.Blocks++
			report.Transactions += len(block.Txs)
		}

		if boltTx.Bucket(bucketBlocks).Get(heightKey(tipHeight+1)) != nil {
			return fmt.Errorf("%w: blocks exist beyond recorded tip %d", ErrLedgerIntegrity, tipHeight)
		}
		if last := getUint(meta, metaLastSeq); last != expectedSeq {
			return fmt.Errorf("%w: recorded last seq %d, chain ends at %d", ErrLedgerIntegrity, last, expectedSeq)
		}
		if string(meta.Get([]byte(metaTipHash))) != prevHash {
			return fmt.Errorf("%w: recorded tip hash does not match chain", ErrLedgerIntegrity)
		}
		report.LastSeq = expectedSeq
		report.TipHash = prevHash
		return nil
	})
	if err != nil {
		l.halted.Store(true)
		l.logger.Error("ledger verification failed", zap.Error(err))
		return report, err
	}
	return report, nil
}

// checkBlock recomputes the block hash and verifies every transaction signature.
func (l *Ledger) checkBlock(block Block) error {
	hash, err := hashBlock(block.PrevHash, block.Txs)
	if err != nil {
		return err
	}
	if hash != block.Hash {
		return fmt.Errorf("%w: block %d hash mismatch", ErrLedgerIntegrity, block.Height)
	}
	for _, tx := range block.Txs {
		if err := l.checkSignature(tx); err != nil {
			return fmt.Errorf("block %d seq %d: %w", block.Height, tx.Seq, err)
		}
	}
	return nil
}

func (l *Ledger) checkSignature(tx SignedTransaction) error {
	if tx.PublicKey != l.publicKey {
		return fmt.Errorf("%w: signed by unknown key", ErrLedgerIntegrity)
	}
	publicKey, err := base64.StdEncoding.DecodeString(tx.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed public key", ErrLedgerIntegrity)
	}
	signature, err := base64.StdEncoding.DecodeString(tx.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrLedgerIntegrity)
	}
	payload, err := canonical.Marshal(tx.Unsigned())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerIntegrity, err)
	}
	if !ed25519.Verify(publicKey, payload, signature) {
		return fmt.Errorf("%w: signature mismatch", ErrLedgerIntegrity)
	}
	return nil
}

// Reindex rebuilds the materialized state from the block chain.
func (l *Ledger) Reindex(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	if l.db == nil {
		l.mu.Unlock()
		return Stats{}, ErrClosed
	}
	err := l.db.Update(func(boltTx *bbolt.Tx) error {
		if err := boltTx.DeleteBucket(bucketState); err != nil {
			return fmt.Errorf("failed to drop state: %w", err)
		}
		if _, err := boltTx.CreateBucket(bucketState); err != nil {
			return fmt.Errorf("failed to recreate state: %w", err)
		}
		meta := boltTx.Bucket(bucketMeta)
		tipHeight := getUint(meta, metaHeight)
		var indexed uint64
		for height := uint64(1); height <= tipHeight; height++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			block, err := getBlock(boltTx, height)
			if err != nil {
				return err
			}
			for _, tx := range block.Txs {
				indexed = tx.Seq
				if !tx.Type.carriesRow() || tx.Row == nil {
					continue
				}
				plain := schema.Row(l.sealer.DecryptRowSensitive(tx.Row))
				rowHash, err := hashRow(plain)
				if err != nil {
					return err
				}
				entry := stateEntry{Seq: tx.Seq, TS: tx.TS, Deleted: plain.Deleted(), RowHash: rowHash}
				entry.RowJSON, err = json.Marshal(tx.Row)
				if err != nil {
					return err
				}
				if err := putState(boltTx, tx.Table, tx.RowID, entry); err != nil {
					return err
				}
			}
		}
		return putUint(meta, metaIndexedSeq, indexed)
	})
	l.mu.Unlock()
	if err != nil {
		l.logger.Error("ledger reindex failed", zap.Error(err))
		return Stats{}, err
	}
	return l.Stats(ctx)
}
