package txflow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/chain/chaintest"
	"github.com/khipuvault/khipu-client-go/querycache"
	"github.com/khipuvault/khipu-client-go/wallet"
)

const testChainID = 31611

var testContract = common.HexToAddress("0xC2c7c8E1325Ec049302F225c8A0151E561F446Ed")

var testABI = mustABI(`[
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`)

func mustABI(s string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return &parsed
}

type testSigner struct{}

func (testSigner) Address() common.Address {
	return common.HexToAddress("0x1111111111111111111111111111111111111111")
}

func (testSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

func connectedSession(t *testing.T) *wallet.Session {
	t.Helper()
	s := wallet.NewSession(testChainID, nil)
	s.Connect(testSigner{})
	return s
}

func newTestMutator(t *testing.T, backend chain.Backend, cache *querycache.Cache, keys ...querycache.Key) *Mutator {
	t.Helper()
	m, err := NewMutator(MutatorConfig{
		Backend:     backend,
		Session:     connectedSession(t),
		Contract:    testContract,
		ABI:         testABI,
		Cache:       cache,
		Invalidate:  keys,
		SettleDelay: time.Millisecond,
		Product:     "individual",
	})
	require.NoError(t, err)
	return m
}

func TestMutateSuccessInvalidatesCache(t *testing.T) {
	backend := chaintest.New(testChainID)
	cache := querycache.New(time.Minute, nil)

	var fetches atomic.Int64
	key := querycache.NewKey("individual", "position")
	cache.Register(key, func(ctx context.Context) (any, error) {
		fetches.Add(1)
		return "position", nil
	})
	_, err := cache.Get(context.Background(), key)
	require.NoError(t, err)

	m := newTestMutator(t, backend, cache, querycache.NewKey("individual"))
	require.NoError(t, m.Mutate(context.Background(), NewIntent("deposit", big.NewInt(100))))

	snap := m.Snapshot()
	assert.Equal(t, StateSuccess, snap.State)
	assert.NotEqual(t, common.Hash{}, snap.TxHash)

	// The success side effect must have marked the namespace stale.
	_, err = cache.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetches.Load())

	writes := backend.WriteCalls()
	require.Len(t, writes, 1)
	assert.Equal(t, "deposit", writes[0].Method)
	assert.Equal(t, testContract, writes[0].To)
}

func TestMutateRejectsConcurrentInvocation(t *testing.T) {
	backend := &blockingBackend{Backend: chaintest.New(testChainID), gate: make(chan struct{})}
	m := newTestMutator(t, backend, nil)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.Mutate(context.Background(), NewIntent("deposit", big.NewInt(1)))
	}()

	// Wait until the first mutation is parked in WaitMined.
	require.Eventually(t, func() bool {
		return m.State() == StateProcessing
	}, time.Second, time.Millisecond)

	err := m.Mutate(context.Background(), NewIntent("deposit", big.NewInt(2)))
	assert.ErrorIs(t, err, ErrMutationInFlight)
	assert.Equal(t, StateProcessing, m.State(), "rejected call must not disturb the in-flight mutation")
	assert.Len(t, backend.WriteCalls(), 1, "no second transaction may be submitted")

	close(backend.gate)
	require.NoError(t, <-firstDone)
	assert.Equal(t, StateSuccess, m.State())
}

func TestMutateErrorAndReset(t *testing.T) {
	backend := chaintest.New(testChainID)
	backend.FailWrite("withdraw", errors.New("execution reverted: nothing to claim"))

	m := newTestMutator(t, backend, nil)
	err := m.Mutate(context.Background(), NewIntent("withdraw"))
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, MsgNothingToClaim, snap.Message)

	require.NoError(t, m.Reset())
	snap = m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, common.Hash{}, snap.TxHash)
}

func TestMutateRetryAfterError(t *testing.T) {
	backend := chaintest.New(testChainID)
	backend.FailWrite("deposit", errors.New("user rejected the request"))

	m := newTestMutator(t, backend, nil)
	require.Error(t, m.Mutate(context.Background(), NewIntent("deposit", big.NewInt(5))))
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, MsgUserRejected, m.Snapshot().Message)

	// A retry from the terminal state restarts the lifecycle without an
	// explicit Reset.
	backend.FailWrite("deposit", nil)
	require.NoError(t, m.Mutate(context.Background(), NewIntent("deposit", big.NewInt(5))))
	assert.Equal(t, StateSuccess, m.State())
}

func TestMutateChainGuard(t *testing.T) {
	backend := chaintest.New(1) // wrong network, no switcher
	m := newTestMutator(t, backend, nil)

	err := m.Mutate(context.Background(), NewIntent("deposit", big.NewInt(1)))
	require.ErrorIs(t, err, wallet.ErrSwitchUnsupported)
	assert.Equal(t, MsgSwitchUnsupported, m.Snapshot().Message)
	assert.Empty(t, backend.WriteCalls(), "no transaction may be submitted on the wrong chain")
}

func TestMutateReceiptFailure(t *testing.T) {
	backend := &timeoutBackend{Backend: chaintest.New(testChainID)}
	m := newTestMutator(t, backend, nil)

	err := m.Mutate(context.Background(), NewIntent("deposit", big.NewInt(1)))
	require.ErrorIs(t, err, chain.ErrReceiptTimeout)
	assert.Equal(t, MsgReceiptTimeout, m.Snapshot().Message)
}

// blockingBackend parks WaitMined until the gate opens.
type blockingBackend struct {
	*chaintest.Backend
	gate chan struct{}
}

func (b *blockingBackend) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	<-b.gate
	return b.Backend.WaitMined(ctx, hash)
}

// timeoutBackend fails every WaitMined with the receipt timeout.
type timeoutBackend struct {
	*chaintest.Backend
}

func (b *timeoutBackend) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, chain.ErrReceiptTimeout
}
