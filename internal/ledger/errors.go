package ledger

import "errors"

var (
	// ErrLedgerIntegrity indicates a signature, hash or sequence mismatch in the chain.
	ErrLedgerIntegrity = errors.New("ledger: integrity violation")
	// ErrLedgerHalted indicates appends are refused after an integrity violation.
	ErrLedgerHalted = errors.New("ledger: halted pending operator action")
	// ErrInvalidTransaction indicates a malformed transaction was submitted.
	ErrInvalidTransaction = errors.New("ledger: invalid transaction")
	// ErrClosed indicates the ledger handle has been closed.
	ErrClosed = errors.New("ledger: closed")
	// ErrMissingPath indicates no storage location was configured.
	ErrMissingPath = errors.New("ledger: storage path is required")
)
