package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// DefaultReceiptTimeout bounds how long WaitMined polls for inclusion.
	// A transaction that has not confirmed by then surfaces as an error
	// instead of leaving the caller stuck waiting.
	DefaultReceiptTimeout = 2 * time.Minute

	// DefaultReceiptPollInterval is how often WaitMined asks for the receipt.
	DefaultReceiptPollInterval = 2 * time.Second
)

// ErrReceiptTimeout is returned when a transaction was broadcast but no
// receipt appeared within the configured timeout.
var ErrReceiptTimeout = errors.New("chain: timed out waiting for transaction receipt")

// ErrExecutionReverted is returned when a transaction was mined but the
// contract reverted it.
var ErrExecutionReverted = errors.New("chain: execution reverted")

// EthConfig configures an EthBackend.
type EthConfig struct {
	URL                 string
	Signer              Signer // may be nil for a read-only backend
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

func (c *EthConfig) withDefaults() EthConfig {
	out := *c
	if out.ReceiptTimeout <= 0 {
		out.ReceiptTimeout = DefaultReceiptTimeout
	}
	if out.ReceiptPollInterval <= 0 {
		out.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	return out
}

// EthBackend implements Backend over a go-ethereum JSON-RPC client.
type EthBackend struct {
	ec  *ethclient.Client
	cfg EthConfig
}

var _ Backend = (*EthBackend)(nil)

// DialEth connects to the given RPC endpoint.
func DialEth(ctx context.Context, cfg EthConfig) (*EthBackend, error) {
	if cfg.URL == "" {
		return nil, errors.New("chain: RPC URL is required")
	}
	ec, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.URL, err)
	}
	return &EthBackend{ec: ec, cfg: cfg.withDefaults()}, nil
}

// Close tears down the underlying RPC connection.
func (b *EthBackend) Close() {
	b.ec.Close()
}

func (b *EthBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return b.ec.ChainID(ctx)
}

func (b *EthBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return b.ec.BlockNumber(ctx)
}

func (b *EthBackend) Call(ctx context.Context, to common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := b.ec.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s on %s: %w", method, to, err)
	}
	decoded, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return decoded, nil
}

func (b *EthBackend) Transact(ctx context.Context, opts TxOpts, to common.Address, contractABI *abi.ABI, method string, args ...any) (common.Hash, error) {
	if b.cfg.Signer == nil {
		return common.Hash{}, errors.New("chain: backend has no signer")
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	chainID, err := b.ec.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: chain id: %w", err)
	}
	nonce, err := b.ec.PendingNonceAt(ctx, opts.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pending nonce: %w", err)
	}

	value := opts.Value
	if value == nil {
		value = new(big.Int)
	}

	// Gas estimation doubles as a pre-broadcast simulation: contract
	// reverts surface here with their reason string intact.
	gas, err := b.ec.EstimateGas(ctx, ethereum.CallMsg{
		From:  opts.From,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: estimate gas for %s: %w", method, err)
	}

	tipCap, err := b.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: suggest tip cap: %w", err)
	}
	head, err := b.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: head header: %w", err)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := b.cfg.Signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign %s: %w", method, err)
	}
	if err := b.ec.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: broadcast %s: %w", method, err)
	}
	return signed.Hash(), nil
}

func (b *EthBackend) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(b.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.ec.TransactionReceipt(waitCtx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: tx %s", ErrExecutionReverted, hash)
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: tx %s", ErrReceiptTimeout, hash)
			}
			return nil, fmt.Errorf("chain: receipt for %s: %w", hash, err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: tx %s", ErrReceiptTimeout, hash)
		case <-ticker.C:
		}
	}
}

func (b *EthBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return b.ec.FilterLogs(ctx, q)
}

func (b *EthBackend) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return b.ec.SubscribeFilterLogs(ctx, q, ch)
}
