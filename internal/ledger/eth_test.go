package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEthClient struct {
	chainID  int64
	nonce    uint64
	callErr  error
	gas      uint64
	sendErr  error
	receipt  *types.Receipt
	sent     []*types.Transaction
	nonceReq int
}

func (f *fakeEthClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(f.chainID), nil }

func (f *fakeEthClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.nonceReq++
	return f.nonce, nil
}

func (f *fakeEthClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeEthClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10)}, nil
}

func (f *fakeEthClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, nil
}

func (f *fakeEthClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.callErr
}

func (f *fakeEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return f.sendErr
}

func (f *fakeEthClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

type revertError struct{ data string }

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

func newTestBackend(t *testing.T, client *fakeEthClient) *EthBackend {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	b, err := NewEthBackend(client, hexutil.Encode(crypto.FromECDSA(key)), EthOptions{ChainID: client.chainID, GasBufferPct: 20})
	require.NoError(t, err)
	return b
}

func TestEthBackendBuildSimulateSign(t *testing.T) {
	client := &fakeEthClient{chainID: 11155111, nonce: 7, gas: 100000}
	b := newTestBackend(t, client)

	draft, err := b.Build(context.Background(), testCall())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), draft.Nonce)
	assert.Equal(t, int64(22), draft.GasFeeCap.Int64(), "fee cap = 2*base + tip")

	require.NoError(t, b.Simulate(context.Background(), draft))
	assert.Equal(t, uint64(120000), draft.Gas)

	tx, err := b.Sign(context.Background(), draft)
	require.NoError(t, err)
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(11155111)), tx)
	require.NoError(t, err)
	assert.Equal(t, b.Address(), sender)

	// every build asks the node for a fresh nonce
	_, err = b.Build(context.Background(), testCall())
	require.NoError(t, err)
	assert.Equal(t, 2, client.nonceReq)
}

func TestEthBackendChainMismatch(t *testing.T) {
	client := &fakeEthClient{chainID: 1}
	b := newTestBackend(t, client)
	b.opts.ChainID = 5
	_, err := b.Build(context.Background(), testCall())
	assert.Error(t, err)
}

func TestEthBackendSimulateRevert(t *testing.T) {
	// Error(string) "not operator"
	data := "0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"000000000000000000000000000000000000000000000000000000000000000c" +
		"6e6f74206f70657261746f720000000000000000000000000000000000000000"
	client := &fakeEthClient{chainID: 1, callErr: revertError{data: data}}
	b := newTestBackend(t, client)

	draft, err := b.Build(context.Background(), testCall())
	require.NoError(t, err)
	err = b.Simulate(context.Background(), draft)
	var simErr *SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, "not operator", simErr.Reason)

	client.callErr = errors.New("dial tcp: connection refused")
	err = b.Simulate(context.Background(), draft)
	require.Error(t, err)
	assert.False(t, errors.As(err, &simErr))
}

func TestEthBackendSendClassification(t *testing.T) {
	client := &fakeEthClient{chainID: 1}
	b := newTestBackend(t, client)
	tx := types.NewTx(&types.LegacyTx{})

	client.sendErr = errors.New("already known")
	assert.NoError(t, b.Send(context.Background(), tx))

	client.sendErr = errors.New("nonce too low: next nonce 5, tx nonce 4")
	var rejected *RejectedError
	assert.ErrorAs(t, b.Send(context.Background(), tx), &rejected)

	client.sendErr = errors.New("i/o timeout")
	err := b.Send(context.Background(), tx)
	require.Error(t, err)
	assert.False(t, errors.As(err, &rejected))
}

func TestEthBackendStatus(t *testing.T) {
	client := &fakeEthClient{chainID: 1}
	b := newTestBackend(t, client)

	st, err := b.Status(context.Background(), common.Hash{})
	require.NoError(t, err)
	assert.Equal(t, TxUnknown, st.State)

	client.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(12)}
	st, err = b.Status(context.Background(), common.Hash{})
	require.NoError(t, err)
	assert.Equal(t, TxSuccess, st.State)
	assert.Equal(t, uint64(12), st.Block)

	client.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(13)}
	st, err = b.Status(context.Background(), common.Hash{})
	require.NoError(t, err)
	assert.Equal(t, TxFailed, st.State)
}
