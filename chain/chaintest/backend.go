// Package chaintest provides a recording, scriptable chain.Backend for
// tests. Reads are stubbed per method name, writes are captured so tests can
// assert exactly which transactions were (or were not) submitted.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/khipuvault/khipu-client-go/chain"
)

// ReadCall records one Call invocation.
type ReadCall struct {
	To     common.Address
	Method string
	Args   []any
}

// WriteCall records one Transact invocation.
type WriteCall struct {
	From   common.Address
	To     common.Address
	Method string
	Args   []any
	Value  *big.Int
	Hash   common.Hash
}

// ReadStub produces the decoded outputs for a stubbed read.
type ReadStub func(to common.Address, args []any) ([]any, error)

// Backend is a fake chain.Backend.
type Backend struct {
	mu sync.Mutex

	chainID     *big.Int
	blockNumber uint64

	readStubs  map[string]ReadStub
	writeErrs  map[string]error       // method -> broadcast/sign failure
	minedErrs  map[common.Hash]error  // hash -> WaitMined failure
	logsFn     func(q ethereum.FilterQuery) ([]types.Log, error)
	nextNonce  uint64

	reads  []ReadCall
	writes []WriteCall

	subs []chan<- types.Log
}

var _ chain.Backend = (*Backend)(nil)

// New returns a Backend reporting the given chain id.
func New(chainID uint64) *Backend {
	return &Backend{
		chainID:   new(big.Int).SetUint64(chainID),
		readStubs: make(map[string]ReadStub),
		writeErrs: make(map[string]error),
		minedErrs: make(map[common.Hash]error),
	}
}

// SetChainID changes the reported chain id, simulating a network switch.
func (b *Backend) SetChainID(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chainID = new(big.Int).SetUint64(id)
}

// SetBlockNumber sets the reported head block.
func (b *Backend) SetBlockNumber(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockNumber = n
}

// StubRead registers outputs for a read-only method.
func (b *Backend) StubRead(method string, stub ReadStub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readStubs[method] = stub
}

// StubReadValues registers fixed outputs for a read-only method.
func (b *Backend) StubReadValues(method string, values ...any) {
	b.StubRead(method, func(common.Address, []any) ([]any, error) {
		return values, nil
	})
}

// FailWrite makes Transact fail for the given method. A nil err clears the
// scripted failure.
func (b *Backend) FailWrite(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.writeErrs, method)
		return
	}
	b.writeErrs[method] = err
}

// FailMined makes WaitMined fail for the given transaction hash.
func (b *Backend) FailMined(hash common.Hash, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minedErrs[hash] = err
}

// SetLogs installs the FilterLogs behavior.
func (b *Backend) SetLogs(fn func(q ethereum.FilterQuery) ([]types.Log, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logsFn = fn
}

// ReadCalls returns every recorded read.
func (b *Backend) ReadCalls() []ReadCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ReadCall, len(b.reads))
	copy(out, b.reads)
	return out
}

// WriteCalls returns every recorded write.
func (b *Backend) WriteCalls() []WriteCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]WriteCall, len(b.writes))
	copy(out, b.writes)
	return out
}

// WriteCount returns how many writes hit the given method.
func (b *Backend) WriteCount(method string) int {
	n := 0
	for _, w := range b.WriteCalls() {
		if w.Method == method {
			n++
		}
	}
	return n
}

// SubscriberCount reports live log subscriptions.
func (b *Backend) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Emit pushes a log to every live subscription.
func (b *Backend) Emit(log types.Log) {
	b.mu.Lock()
	subs := make([]chan<- types.Log, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, ch := range subs {
		ch <- log
	}
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockNumber, nil
}

func (b *Backend) Call(ctx context.Context, to common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error) {
	b.mu.Lock()
	stub, ok := b.readStubs[method]
	b.reads = append(b.reads, ReadCall{To: to, Method: method, Args: args})
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("chaintest: no stub for read %q", method)
	}
	return stub(to, args)
}

func (b *Backend) Transact(ctx context.Context, opts chain.TxOpts, to common.Address, contractABI *abi.ABI, method string, args ...any) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.writeErrs[method]; ok {
		return common.Hash{}, err
	}

	b.nextNonce++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%s/%d", to, method, b.nextNonce)))
	b.writes = append(b.writes, WriteCall{
		From:   opts.From,
		To:     to,
		Method: method,
		Args:   args,
		Value:  opts.Value,
		Hash:   hash,
	})
	return hash, nil
}

func (b *Backend) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	err, failed := b.minedErrs[hash]
	blockNumber := b.blockNumber
	b.mu.Unlock()

	if failed {
		return nil, err
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(blockNumber),
	}, nil
}

func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	fn := b.logsFn
	b.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(q)
}

func (b *Backend) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return newFakeSub(), nil
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{errCh: make(chan error)}
}

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

func (s *fakeSub) Err() <-chan error {
	return s.errCh
}
