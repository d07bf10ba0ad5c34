// Package ledger implements the signed, hash-chained, append-only transaction log and its
// materialized per-table state.
//
// A Ledger is opened once at startup with Open, injected into every component that reads or
// appends, and released with Close. It owns the bbolt handle, the server signing keypair and the
// data key used to seal sensitive fields; nothing is cached at package level.
package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/fieldcrypt"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	defaultBlockMaxTxs       = 256
	defaultQueryLimit        = 5000
	defaultQueryMaxLimit     = 20000
	genesisPrevHash          = "0000000000000000000000000000000000000000000000000000000000000000"
	keySigningSeed           = "signing_seed"
	keyDataKey               = "data_key"
	metaLastSeq              = "last_seq"
	metaIndexedSeq           = "indexed_seq"
	metaHeight               = "height"
	metaTipHash              = "tip_hash"
	defaultFileMode          = 0o600
	defaultOpenTimeoutSecond = 5
)

var (
	bucketBlocks = []byte("blocks")
	bucketMeta   = []byte("meta")
	bucketKeys   = []byte("keys")
	bucketState  = []byte("state")
)

// Config describes how to open a ledger.
type Config struct {
	Path string
	// DataKey optionally supplies the field sealing key (base64 32 bytes or a passphrase).
	// When empty a key is generated once and persisted alongside the ledger.
	DataKey           string
	BlockMaxTxs       int
	QueryDefaultLimit int
	QueryMaxLimit     int
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Ledger is the single-writer transaction log.
type Ledger struct {
	db         *bbolt.DB
	mu         sync.RWMutex
	halted     atomic.Bool
	signingKey ed25519.PrivateKey
	publicKey  string
	sealer     *fieldcrypt.Sealer
	clock      func() time.Time
	logger     *zap.Logger

	blockMaxTxs  int
	defaultLimit int
	maxLimit     int
}

// Open opens or creates the ledger at cfg.Path, provisioning keys and the genesis block on
// first use and verifying the chain tip.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, ErrMissingPath
	}

	db, err := bbolt.Open(cfg.Path, defaultFileMode, &bbolt.Options{Timeout: defaultOpenTimeoutSecond * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	ledger := &Ledger{
		db:           db,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		blockMaxTxs:  cfg.BlockMaxTxs,
		defaultLimit: cfg.QueryDefaultLimit,
		maxLimit:     cfg.QueryMaxLimit,
	}
	if ledger.clock == nil {
		ledger.clock = time.Now
	}
	if ledger.logger == nil {
		ledger.logger = zap.NewNop()
	}
	if ledger.blockMaxTxs <= 0 {
		ledger.blockMaxTxs = defaultBlockMaxTxs
	}
	if ledger.maxLimit <= 0 {
		ledger.maxLimit = defaultQueryMaxLimit
	}
	if ledger.defaultLimit <= 0 || ledger.defaultLimit > ledger.maxLimit {
		ledger.defaultLimit = min(defaultQueryLimit, ledger.maxLimit)
	}

	if err := ledger.initialize(cfg.DataKey); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ledger.verifyTip(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return ledger, nil
}

// Close releases the underlying storage.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// PublicKey returns the base64 ed25519 public key embedded in signed transactions.
func (l *Ledger) PublicKey() string {
	return l.publicKey
}

// Sealer exposes the field sealer bound to the deployment data key.
func (l *Ledger) Sealer() *fieldcrypt.Sealer {
	return l.sealer
}

// Halted reports whether appends are refused after an integrity failure.
func (l *Ledger) Halted() bool {
	return l.halted.Load()
}

func (l *Ledger) initialize(suppliedDataKey string) error {
	var seed, dataKey []byte
	err := l.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketMeta, bucketKeys, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		keys := tx.Bucket(bucketKeys)
		seed = cloneBytes(keys.Get([]byte(keySigningSeed)))
		if seed == nil {
			seed = make([]byte, ed25519.SeedSize)
			if _, err := rand.Read(seed); err != nil {
				return fmt.Errorf("failed to generate signing seed: %w", err)
			}
			if err := keys.Put([]byte(keySigningSeed), seed); err != nil {
				return err
			}
		}

		if strings.TrimSpace(suppliedDataKey) != "" {
			parsed, err := fieldcrypt.ParseKey(suppliedDataKey)
			if err != nil {
				return err
			}
			dataKey = parsed
		} else {
			dataKey = cloneBytes(keys.Get([]byte(keyDataKey)))
			if dataKey == nil {
				generated, err := fieldcrypt.GenerateKey()
				if err != nil {
					return err
				}
				if err := keys.Put([]byte(keyDataKey), generated); err != nil {
					return err
				}
				dataKey = generated
			}
		}

		if first, _ := tx.Bucket(bucketBlocks).Cursor().First(); first == nil {
			return l.writeGenesis(tx)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}

	l.signingKey = ed25519.NewKeyFromSeed(seed)
	l.publicKey = encodeKey(l.signingKey.Public().(ed25519.PublicKey))
	sealer, err := fieldcrypt.NewSealer(dataKey)
	if err != nil {
		return err
	}
	l.sealer = sealer
	return nil
}

func (l *Ledger) writeGenesis(tx *bbolt.Tx) error {
	genesis := Block{
		Height:    0,
		PrevHash:  genesisPrevHash,
		CreatedAt: l.clock().UTC().UnixMilli(),
		Txs:       []SignedTransaction{},
	}
	hash, err := hashBlock(genesis.PrevHash, genesis.Txs)
	if err != nil {
		return err
	}
	genesis.Hash = hash
	if err := putBlock(tx, genesis); err != nil {
		return err
	}
	meta := tx.Bucket(bucketMeta)
	if err := putUint(meta, metaHeight, 0); err != nil {
		return err
	}
	return meta.Put([]byte(metaTipHash), []byte(hash))
}

func (l *Ledger) verifyTip(ctx context.Context) error {
	return l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		height := getUint(meta, metaHeight)
		block, err := getBlock(tx, height)
		if err != nil {
			return err
		}
		if err := l.checkBlock(block); err != nil {
			l.halted.Store(true)
			l.logger.Error("ledger tip verification failed", zap.Uint64("height", height), zap.Error(err))
			return err
		}
		if string(meta.Get([]byte(metaTipHash))) != block.Hash {
			l.halted.Store(true)
			return fmt.Errorf("%w: tip hash does not match block %d", ErrLedgerIntegrity, height)
		}
		return ctx.Err()
	})
}

// Stats returns current counters.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return Stats{}, ErrClosed
	}
	stats := Stats{TableCounts: map[string]int{}}
	err := l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		stats.LastSeq = getUint(meta, metaLastSeq)
		stats.IndexedSeq = getUint(meta, metaIndexedSeq)
		stats.BlockHeight = getUint(meta, metaHeight)
		return tx.Bucket(bucketState).ForEachBucket(func(name []byte) error {
			stats.TableCounts[string(name)] = tx.Bucket(bucketState).Bucket(name).Stats().KeyN
			return ctx.Err()
		})
	})
	return stats, err
}

func (l *Ledger) counters() (AppendResult, error) {
	var result AppendResult
	err := l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		result.LastSeq = getUint(meta, metaLastSeq)
		result.BlockHeight = getUint(meta, metaHeight)
		return nil
	})
	result.Seqs = []uint64{}
	return result, err
}

func putUint(bucket *bbolt.Bucket, key string, value uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return bucket.Put([]byte(key), buf)
}

func getUint(bucket *bbolt.Bucket, key string) uint64 {
	raw := bucket.Get([]byte(key))
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func heightKey(height uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return buf
}

func cloneBytes(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

func encodeHex(raw []byte) string {
	return hex.EncodeToString(raw)
}
