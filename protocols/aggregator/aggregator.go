// Package aggregator reads the yield aggregator's pause switches and vault
// roster. Deposit flows consult it before submitting anything.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/txflow"
)

// ErrNoActiveVaults means the aggregator has nowhere to route deposits.
var ErrNoActiveVaults = errors.New("aggregator: no active vaults configured")

const abiJSON = `[
	{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"depositsPaused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"activeVaultsList","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]}
]`

var parsedABI = mustParse()

func mustParse() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}

type Client struct {
	reader chain.Reader
	addr   common.Address
}

func New(reader chain.Reader, addr common.Address) *Client {
	return &Client{reader: reader, addr: addr}
}

func (c *Client) Address() common.Address {
	return c.addr
}

func (c *Client) Paused(ctx context.Context) (bool, error) {
	return c.readBool(ctx, "paused")
}

func (c *Client) DepositsPaused(ctx context.Context) (bool, error) {
	return c.readBool(ctx, "depositsPaused")
}

func (c *Client) ActiveVaults(ctx context.Context) ([]common.Address, error) {
	out, err := c.reader.Call(ctx, c.addr, &parsedABI, "activeVaultsList")
	if err != nil {
		return nil, fmt.Errorf("aggregator: activeVaultsList: %w", err)
	}
	vaults, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("aggregator: activeVaultsList: unexpected type %T", out[0])
	}
	return vaults, nil
}

// Health is the aggregate operational state shown on the status screen.
type Health struct {
	Paused         bool
	DepositsPaused bool
	Vaults         []common.Address
	Issues         []string
}

// CanDeposit reports whether a deposit submitted now could succeed.
func (h Health) CanDeposit() bool {
	return len(h.Issues) == 0
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	var err error

	if h.Paused, err = c.Paused(ctx); err != nil {
		return Health{}, err
	}
	if h.DepositsPaused, err = c.DepositsPaused(ctx); err != nil {
		return Health{}, err
	}
	if h.Vaults, err = c.ActiveVaults(ctx); err != nil {
		return Health{}, err
	}

	if h.Paused {
		h.Issues = append(h.Issues, "aggregator is paused")
	}
	if h.DepositsPaused {
		h.Issues = append(h.Issues, "aggregator deposits are paused")
	}
	if len(h.Vaults) == 0 {
		h.Issues = append(h.Issues, "no vaults configured")
	}
	return h, nil
}

// CheckDeposits fails fast when the aggregator cannot accept deposits.
func (c *Client) CheckDeposits(ctx context.Context) error {
	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if h.Paused || h.DepositsPaused {
		return txflow.ErrDepositsPaused
	}
	if len(h.Vaults) == 0 {
		return ErrNoActiveVaults
	}
	return nil
}

func (c *Client) readBool(ctx context.Context, method string) (bool, error) {
	out, err := c.reader.Call(ctx, c.addr, &parsedABI, method)
	if err != nil {
		return false, fmt.Errorf("aggregator: %s: %w", method, err)
	}
	b, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("aggregator: %s: unexpected type %T", method, out[0])
	}
	return b, nil
}
