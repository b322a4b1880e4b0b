package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// EthClient is the subset of *ethclient.Client the backend needs.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthOptions tune the backend.
type EthOptions struct {
	// ChainID is checked against the node when non-zero.
	ChainID      int64
	GasBufferPct int
}

// EthBackend builds and signs EIP-1559 transactions with the operator key.
type EthBackend struct {
	client EthClient
	key    *ecdsa.PrivateKey
	from   common.Address
	opts   EthOptions

	mu      sync.Mutex
	chainID *big.Int
}

// NewEthBackend parses the hex operator key and returns a backend.
func NewEthBackend(client EthClient, operatorKey string, opts EthOptions) (*EthBackend, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(operatorKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	if opts.GasBufferPct < 0 {
		opts.GasBufferPct = 0
	}
	return &EthBackend{
		client: client,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		opts:   opts,
	}, nil
}

// Address is the operator account.
func (b *EthBackend) Address() common.Address { return b.from }

func (b *EthBackend) resolveChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chainID != nil {
		return b.chainID, nil
	}
	id, err := b.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if b.opts.ChainID != 0 && id.Int64() != b.opts.ChainID {
		return nil, fmt.Errorf("node reports chain %s, configured %d", id, b.opts.ChainID)
	}
	b.chainID = id
	return id, nil
}

// Build reads a fresh pending nonce on every call.
func (b *EthBackend) Build(ctx context.Context, call Call) (*Draft, error) {
	chainID, err := b.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return &Draft{
		Call:      call,
		From:      b.from,
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
	}, nil
}

// Simulate runs eth_call and eth_estimateGas. A revert becomes *SimulationError.
func (b *EthBackend) Simulate(ctx context.Context, d *Draft) error {
	to := d.Call.To
	msg := ethereum.CallMsg{From: d.From, To: &to, Data: d.Call.Data}

	if _, err := b.client.CallContract(ctx, msg, nil); err != nil {
		if isRevert(err) {
			return &SimulationError{Call: d.Call.Label, Reason: revertReason(err)}
		}
		return err
	}
	gas, err := b.client.EstimateGas(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return &SimulationError{Call: d.Call.Label, Reason: revertReason(err)}
		}
		return fmt.Errorf("estimate gas: %w", err)
	}
	d.Gas = gas + gas*uint64(b.opts.GasBufferPct)/100
	return nil
}

func (b *EthBackend) Sign(_ context.Context, d *Draft) (*types.Transaction, error) {
	if d.Gas == 0 {
		return nil, errors.New("draft has no gas limit; simulate first")
	}
	to := d.Call.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.ChainID,
		Nonce:     d.Nonce,
		GasTipCap: d.GasTipCap,
		GasFeeCap: d.GasFeeCap,
		Gas:       d.Gas,
		To:        &to,
		Data:      d.Call.Data,
	})
	return types.SignTx(tx, types.LatestSignerForChainID(d.ChainID), b.key)
}

var rejectionMarkers = []string{
	"nonce too low",
	"insufficient funds",
	"replacement transaction underpriced",
	"transaction underpriced",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
}

// Send broadcasts the transaction. "already known" counts as accepted.
func (b *EthBackend) Send(ctx context.Context, tx *types.Transaction) error {
	err := b.client.SendTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return nil
	}
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return &RejectedError{Reason: err.Error()}
		}
	}
	return err
}

// Status maps the receipt. No receipt yet is TxUnknown without error.
func (b *EthBackend) Status(ctx context.Context, hash common.Hash) (TxStatus, error) {
	receipt, err := b.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxStatus{State: TxUnknown}, nil
	}
	if err != nil {
		return TxStatus{}, err
	}
	block := receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxStatus{State: TxSuccess, Block: block}, nil
	}
	return TxStatus{State: TxFailed, Block: block, Reason: fmt.Sprintf("reverted in block %d", block)}, nil
}

func isRevert(err error) bool {
	var de rpc.DataError
	if errors.As(err, &de) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func revertReason(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if data, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(data); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

var _ Backend = (*EthBackend)(nil)
