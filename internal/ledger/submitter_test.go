package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu sync.Mutex

	simErr   error
	sendErrs []error
	statuses []TxStatus
	statusFn func(n int) (TxStatus, error)

	builds      int
	sends       int
	statusCalls int
	nonce       uint64
}

func (f *fakeBackend) Build(_ context.Context, call Call) (*Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	f.nonce++
	return &Draft{Call: call, ChainID: big.NewInt(1), Nonce: f.nonce, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)}, nil
}

func (f *fakeBackend) Simulate(_ context.Context, d *Draft) error {
	if f.simErr != nil {
		return f.simErr
	}
	d.Gas = 21000
	return nil
}

func (f *fakeBackend) Sign(_ context.Context, d *Draft) (*types.Transaction, error) {
	to := d.Call.To
	return types.NewTx(&types.LegacyTx{Nonce: d.Nonce, To: &to, Gas: d.Gas, GasPrice: big.NewInt(1), Data: d.Call.Data}), nil
}

func (f *fakeBackend) Send(context.Context, *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if len(f.sendErrs) >= f.sends {
		return f.sendErrs[f.sends-1]
	}
	return nil
}

func (f *fakeBackend) Status(context.Context, common.Hash) (TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusFn != nil {
		return f.statusFn(f.statusCalls)
	}
	if len(f.statuses) >= f.statusCalls {
		return f.statuses[f.statusCalls-1], nil
	}
	return TxStatus{State: TxUnknown}, nil
}

type fakeVerifier struct {
	status TxStatus
	err    error
	calls  int
}

func (v *fakeVerifier) Verify(context.Context, common.Hash) (TxStatus, error) {
	v.calls++
	return v.status, v.err
}

func newTestSubmitter(b Backend, v Verifier) *Submitter {
	return NewSubmitter(b, v, Options{PollInterval: time.Millisecond, PollAttempts: 3, CallTimeout: time.Second}, zerolog.Nop())
}

func testCall() Call {
	return Call{Label: "admin_mint", To: common.HexToAddress("0x01"), Data: []byte{1, 2, 3}, IdempotencyKey: "req-1"}
}

func TestSubmitConfirmed(t *testing.T) {
	backend := &fakeBackend{statuses: []TxStatus{{State: TxUnknown}, {State: TxSuccess, Block: 9}}}
	sub := newTestSubmitter(backend, nil)

	var recorded string
	out, err := sub.Submit(context.Background(), testCall(), Hooks{Submitted: func(_ context.Context, hash string) error {
		recorded = hash
		assert.Equal(t, 0, backend.sends, "hash must be recorded before broadcast")
		return nil
	}})
	require.NoError(t, err)
	assert.Equal(t, KindConfirmed, out.Kind)
	assert.Equal(t, recorded, out.TxHash)
	assert.Equal(t, 1, backend.sends)
}

func TestSubmitSimulationFailureBroadcastsNothing(t *testing.T) {
	backend := &fakeBackend{simErr: &SimulationError{Call: "admin_mint", Reason: "not admin"}}
	sub := newTestSubmitter(backend, nil)

	hookCalled := false
	_, err := sub.Submit(context.Background(), testCall(), Hooks{Submitted: func(context.Context, string) error {
		hookCalled = true
		return nil
	}})
	var simErr *SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, "not admin", simErr.Reason)
	assert.False(t, hookCalled)
	assert.Equal(t, 0, backend.sends)
}

func TestSubmitHookErrorAborts(t *testing.T) {
	backend := &fakeBackend{}
	sub := newTestSubmitter(backend, nil)

	_, err := sub.Submit(context.Background(), testCall(), Hooks{Submitted: func(context.Context, string) error {
		return errors.New("db down")
	}})
	require.Error(t, err)
	assert.Equal(t, 0, backend.sends)
}

func TestSubmitRejectedIsFailed(t *testing.T) {
	backend := &fakeBackend{sendErrs: []error{&RejectedError{Reason: "nonce too low"}}}
	sub := newTestSubmitter(backend, nil)

	out, err := sub.Submit(context.Background(), testCall(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, "nonce too low", out.Reason)
	assert.Equal(t, 0, backend.statusCalls)
}

func TestSubmitRevertedOnChain(t *testing.T) {
	backend := &fakeBackend{statuses: []TxStatus{{State: TxFailed, Reason: "reverted in block 4"}}}
	out, err := newTestSubmitter(backend, nil).Submit(context.Background(), testCall(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, "reverted in block 4", out.Reason)
}

func TestSubmitUnknownBroadcastErrorStillPolls(t *testing.T) {
	backend := &fakeBackend{
		sendErrs: []error{errors.New("connection reset")},
		statuses: []TxStatus{{State: TxSuccess}},
	}
	out, err := newTestSubmitter(backend, nil).Submit(context.Background(), testCall(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, KindConfirmed, out.Kind)
}

func TestTimeoutResolvedBySecondary(t *testing.T) {
	backend := &fakeBackend{}
	verifier := &fakeVerifier{status: TxStatus{State: TxSuccess}}
	out, err := newTestSubmitter(backend, verifier).Submit(context.Background(), testCall(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, KindConfirmed, out.Kind)
	assert.Equal(t, 3, backend.statusCalls)
	assert.Equal(t, 1, verifier.calls)
	assert.Equal(t, 1, backend.sends, "timeout must never trigger a second broadcast")
}

func TestTimeoutSecondaryExplicitFailure(t *testing.T) {
	verifier := &fakeVerifier{status: TxStatus{State: TxFailed, Reason: "reverted (explorer)"}}
	out, err := newTestSubmitter(&fakeBackend{}, verifier).Submit(context.Background(), testCall(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, KindFailed, out.Kind)
}

func TestTimeoutIndeterminate(t *testing.T) {
	cases := map[string]Verifier{
		"no verifier":   nil,
		"not found":     &fakeVerifier{status: TxStatus{State: TxUnknown}},
		"verifier down": &fakeVerifier{err: errors.New("503")},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			backend := &fakeBackend{}
			out, err := newTestSubmitter(backend, v).Submit(context.Background(), testCall(), Hooks{})
			require.NoError(t, err)
			assert.Equal(t, KindIndeterminate, out.Kind)
			assert.NotEmpty(t, out.TxHash)
			assert.Equal(t, 1, backend.sends)
		})
	}
}

func TestStatusErrorsAreRetried(t *testing.T) {
	backend := &fakeBackend{statusFn: func(n int) (TxStatus, error) {
		if n < 3 {
			return TxStatus{}, errors.New("rpc timeout")
		}
		return TxStatus{State: TxSuccess}, nil
	}}
	out, err := newTestSubmitter(backend, nil).Submit(context.Background(), testCall(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, KindConfirmed, out.Kind)
}

func TestResumeDoesNotResubmit(t *testing.T) {
	backend := &fakeBackend{statuses: []TxStatus{{State: TxSuccess}}}
	sub := newTestSubmitter(backend, nil)

	hash := common.HexToHash("0xabc").Hex()
	out := sub.Resume(context.Background(), "admin_mint", hash)
	assert.Equal(t, KindConfirmed, out.Kind)
	assert.Equal(t, hash, out.TxHash)
	assert.Equal(t, 0, backend.builds)
	assert.Equal(t, 0, backend.sends)

	bad := sub.Resume(context.Background(), "admin_mint", "tx123")
	assert.Equal(t, KindIndeterminate, bad.Kind)
}

func TestCancelledConfirmationIsIndeterminate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{statusFn: func(int) (TxStatus, error) {
		cancel()
		return TxStatus{State: TxUnknown}, nil
	}}
	out, err := newTestSubmitter(backend, &fakeVerifier{status: TxStatus{State: TxSuccess}}).Submit(ctx, testCall(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, KindIndeterminate, out.Kind)
}

// sequencedChain hands out the pending nonce as the number of accepted
// transactions and refuses a nonce that is already taken.
type sequencedChain struct {
	fakeEthClient

	mu       sync.Mutex
	accepted map[common.Hash]struct{}
	next     uint64
}

func (c *sequencedChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	n := c.next
	c.mu.Unlock()
	// give a concurrent build the chance to read the same nonce
	time.Sleep(5 * time.Millisecond)
	return n, nil
}

func (c *sequencedChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.Nonce() < c.next {
		return errors.New("replacement transaction underpriced")
	}
	c.accepted[tx.Hash()] = struct{}{}
	c.next++
	return nil
}

func (c *sequencedChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accepted[hash]; !ok {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}, nil
}

func TestConcurrentSubmitsUseDistinctNonces(t *testing.T) {
	chain := &sequencedChain{fakeEthClient: fakeEthClient{chainID: 1, gas: 50000}, accepted: make(map[common.Hash]struct{})}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend, err := NewEthBackend(chain, hexutil.Encode(crypto.FromECDSA(key)), EthOptions{ChainID: 1})
	require.NoError(t, err)
	sub := newTestSubmitter(backend, nil)

	const n = 4
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			call := testCall()
			call.IdempotencyKey = fmt.Sprintf("req-%d", i)
			outcomes[i], errs[i] = sub.Submit(context.Background(), call, Hooks{})
		}(i)
	}
	wg.Wait()

	hashes := make(map[string]struct{})
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, KindConfirmed, outcomes[i].Kind, "并发提交 %d 不应复用 nonce: %s", i, outcomes[i].Reason)
		hashes[outcomes[i].TxHash] = struct{}{}
	}
	assert.Len(t, hashes, n)
	assert.Equal(t, uint64(n), chain.next)
}

func TestSubmitWaitingForSenderHonoursContext(t *testing.T) {
	backend := &fakeBackend{}
	sub := newTestSubmitter(backend, nil)
	require.NoError(t, sub.sequence.Acquire(context.Background(), 1))
	defer sub.sequence.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Submit(ctx, testCall(), Hooks{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, backend.builds, "nothing is built while another submission holds the sender")
}
