package exception

import "github.com/yanun0323/errors"

var (
	ErrLedgerInvalidFill    = errors.New("ledger: invalid fill")
	ErrLedgerDuplicateFill  = errors.New("ledger: duplicate execution")
	ErrLedgerSymbolMismatch = errors.New("ledger: symbol mismatch")
	ErrLedgerCorruptState   = errors.New("ledger: corrupt state file")
)

// Queue errors
var (
	ErrQueueFull   = errors.New("queue: full")
	ErrQueueClosed = errors.New("queue: closed")
)
