package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Call is one contract write with typed arguments already ABI-encoded.
type Call struct {
	Label          string
	To             common.Address
	Data           []byte
	IdempotencyKey string
}

// Draft is a built but unsigned transaction.
type Draft struct {
	Call      Call
	From      common.Address
	ChainID   *big.Int
	Nonce     uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	Gas       uint64
}

// TxState is what a read path knows about a transaction.
type TxState int

const (
	TxUnknown TxState = iota
	TxSuccess
	TxFailed
)

// TxStatus reports a transaction's state. Reason is set for failures.
type TxStatus struct {
	State  TxState
	Reason string
	Block  uint64
}

// Backend is the chain access used by the Submitter.
type Backend interface {
	// Build fetches a fresh nonce and fee parameters.
	Build(ctx context.Context, call Call) (*Draft, error)
	// Simulate dry-runs the draft and sets its gas limit.
	Simulate(ctx context.Context, draft *Draft) error
	Sign(ctx context.Context, draft *Draft) (*types.Transaction, error)
	// Send broadcasts. A *RejectedError means the node refused it.
	Send(ctx context.Context, tx *types.Transaction) error
	Status(ctx context.Context, hash common.Hash) (TxStatus, error)
}

// Verifier is an independent read path keyed by transaction hash.
type Verifier interface {
	Verify(ctx context.Context, hash common.Hash) (TxStatus, error)
}
