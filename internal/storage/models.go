package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Oracle update outcomes as stored in oracle_updates.status.
const (
	OracleConfirmed     = "confirmed"
	OracleFailed        = "failed"
	OracleIndeterminate = "indeterminate"
	OracleAborted       = "aborted"
)

// OracleUpdate records one oracle push run.
type OracleUpdate struct {
	ID         int64
	Bucket     time.Time
	ObservedAt *time.Time
	Ask        decimal.Decimal
	Bid        decimal.Decimal
	Mid        decimal.Decimal
	Sources    int
	Status     string
	Attempts   int
	TxHash     *string
	Reason     *string
	CreatedAt  time.Time
}
