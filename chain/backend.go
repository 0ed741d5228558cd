// Package chain defines the boundary between KhipuVault orchestration code
// and the underlying blockchain client. Everything above this package talks
// in terms of contract calls, transactions, receipts and logs; nothing above
// it imports a concrete RPC client.
package chain

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxOpts carries the per-transaction options a caller controls.
type TxOpts struct {
	From  common.Address
	Value *big.Int // native value to send, nil means zero
}

// Signer is the wallet capability needed to authorize a transaction.
// A refusal to sign is returned as an error from SignTx.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Reader is the read-only contract surface.
type Reader interface {
	// Call executes a read-only contract function and returns the decoded
	// outputs in declaration order.
	Call(ctx context.Context, to common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error)
}

// Writer is the state-changing contract surface.
type Writer interface {
	// Transact packs, signs and broadcasts a state-changing call, returning
	// the transaction hash once it has been accepted by the node.
	Transact(ctx context.Context, opts TxOpts, to common.Address, contractABI *abi.ABI, method string, args ...any) (common.Hash, error)

	// WaitMined blocks until the transaction is included or the backend's
	// receipt timeout elapses. A mined-but-reverted transaction is an error.
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// LogSource provides historical and live access to contract events.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Backend is the full client surface the orchestration layer depends on.
type Backend interface {
	Reader
	Writer
	LogSource
	ChainID(ctx context.Context) (*big.Int, error)
}
