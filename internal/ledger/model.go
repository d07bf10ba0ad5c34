package ledger

import (
	"strings"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
)

// TxType enumerates ledger transaction kinds.
type TxType string

const (
	TxUpsert   TxType = "upsert"
	TxDelete   TxType = "delete"
	TxGrant    TxType = "grant"
	TxRevoke   TxType = "revoke"
	TxPresence TxType = "presence"
	TxChat     TxType = "chat"
)

// carriesRow reports whether the transaction type mutates ledger state.
func (t TxType) carriesRow() bool {
	switch t {
	case TxUpsert, TxDelete, TxChat:
		return true
	default:
		return false
	}
}

func (t TxType) valid() bool {
	switch t {
	case TxUpsert, TxDelete, TxGrant, TxRevoke, TxPresence, TxChat:
		return true
	default:
		return false
	}
}

// Actor identifies who caused a transaction.
type Actor struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Well-known actor roles.
const (
	RoleAdmin  = "admin"
	RoleSystem = "system"
	RoleUser   = "user"
)

// Privileged reports whether the actor bypasses ownership policies.
func (a Actor) Privileged() bool {
	role := strings.ToLower(strings.TrimSpace(a.Role))
	return role == RoleAdmin || role == RoleSystem
}

// SystemActor is used by internal processes such as replay.
func SystemActor(process string) Actor {
	return Actor{UserID: "system:" + process, Username: process, Role: RoleSystem}
}

// Transaction is an unsigned ledger mutation.
type Transaction struct {
	Type  TxType     `json:"type"`
	Table string     `json:"table,omitempty"`
	Row   schema.Row `json:"row,omitempty"`
	RowID string     `json:"row_id,omitempty"`
	Actor Actor      `json:"actor"`
	TS    int64      `json:"ts"`
}

// SignedTransaction is a transaction sealed into the ledger.
type SignedTransaction struct {
	Transaction
	Seq       uint64 `json:"seq"`
	TxID      string `json:"tx_id"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// Unsigned strips the signing envelope.
func (s SignedTransaction) Unsigned() Transaction {
	return s.Transaction
}

// Block is a hash-chained batch of signed transactions.
type Block struct {
	Height    uint64              `json:"height"`
	PrevHash  string              `json:"prev_hash"`
	CreatedAt int64               `json:"created_at"`
	Txs       []SignedTransaction `json:"txs"`
	Hash      string              `json:"hash"`
}

// AppendResult summarizes an append call.
type AppendResult struct {
	Applied     int
	LastSeq     uint64
	BlockHeight uint64
	// Seqs holds the sequence assigned to each submitted transaction, or 0 when it was skipped
	// because the row already matched ledger state.
	Seqs []uint64
}

// Record is a materialized ledger state row.
type Record struct {
	Table   string
	RowID   string
	Row     schema.Row
	Seq     uint64
	TS      int64
	Deleted bool
}

// Stats describes ledger counters used by pipeline health.
type Stats struct {
	LastSeq     uint64
	IndexedSeq  uint64
	BlockHeight uint64
	TableCounts map[string]int
}

// VerifyReport summarizes a full chain verification.
type VerifyReport struct {
	Blocks       int    `json:"blocks"`
	Transactions int    `json:"transactions"`
	LastSeq      uint64 `json:"lastSeq"`
	TipHash      string `json:"tipHash"`
}

// stateEntry is the msgpack-encoded index value stored per row.
type stateEntry struct {
	Seq     uint64 `msgpack:"seq"`
	TS      int64  `msgpack:"ts"`
	Deleted bool   `msgpack:"deleted"`
	RowHash string `msgpack:"row_hash"`
	RowJSON []byte `msgpack:"row"`
}
