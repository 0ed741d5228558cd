// Package individual is the client for the individual yield savings pool:
// deposit, withdraw, claim yield, and the cached position reads behind the
// product screen.
package individual

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/protocols/aggregator"
	"github.com/khipuvault/khipu-client-go/protocols/erc20"
	"github.com/khipuvault/khipu-client-go/querycache"
	"github.com/khipuvault/khipu-client-go/streams/events"
	"github.com/khipuvault/khipu-client-go/txflow"
	"github.com/khipuvault/khipu-client-go/wallet"
)

// Namespace prefixes every cache key this product registers.
var Namespace = querycache.NewKey("individual")

const abiJSON = `[
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"claimYield","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"getPosition","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"amount","type":"uint256"},{"name":"shares","type":"uint256"},{"name":"depositTime","type":"uint256"},{"name":"active","type":"bool"},{"name":"yieldClaimed","type":"uint256"}]},
	{"type":"function","name":"pendingYield","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalDeposits","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"minDeposit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"maxDeposit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Deposited","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"shares","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdrawn","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"YieldClaimed","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"YieldCompounded","inputs":[{"name":"totalYield","type":"uint256","indexed":false}]}
]`

var parsedABI = mustParse()

func mustParse() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ABI returns the pool contract ABI.
func ABI() *abi.ABI {
	return &parsedABI
}

// PositionView is a user's stake as read from the contract.
type PositionView struct {
	Amount       *big.Int
	Shares       *big.Int
	DepositTime  time.Time
	Active       bool
	YieldClaimed *big.Int
}

// Bounds are the contract's deposit limits. A zero Max means unbounded.
type Bounds struct {
	Min *big.Int
	Max *big.Int
}

// Config wires the product client.
type Config struct {
	Backend  chain.Backend
	Session  *wallet.Session
	Contract common.Address

	// Token is the deposit asset; deposits spend it via an approval.
	Token *erc20.Token

	// Aggregator, when set, gates deposits on its pause switches.
	Aggregator *aggregator.Client

	Cache *querycache.Cache

	SettleDelay time.Duration
	Product     string
	Logger      *slog.Logger
	Metrics     *txflow.Metrics
}

func (c *Config) validate() error {
	if c.Backend == nil {
		return errors.New("individual: Backend is required")
	}
	if c.Session == nil {
		return errors.New("individual: Session is required")
	}
	if (c.Contract == common.Address{}) {
		return errors.New("individual: Contract is required")
	}
	if c.Token == nil {
		return errors.New("individual: Token is required")
	}
	if c.Cache == nil {
		return errors.New("individual: Cache is required")
	}
	return nil
}

// Client exposes the product's reads and actions.
type Client struct {
	cfg    Config
	logger *slog.Logger

	poolMut    *txflow.Mutator
	approveMut *txflow.Mutator
	composite  *txflow.ApproveThenAct

	// pendingDeposit is the amount the composite's act step submits. It
	// is written only while depositBusy is held.
	pendingDeposit *big.Int
	depositBusy    atomic.Bool
}

func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Product == "" {
		cfg.Product = "individual"
	}
	logger := cfg.Logger.With("component", "individual")

	c := &Client{cfg: cfg, logger: logger}

	var err error
	c.poolMut, err = txflow.NewMutator(txflow.MutatorConfig{
		Backend:     cfg.Backend,
		Session:     cfg.Session,
		Contract:    cfg.Contract,
		ABI:         &parsedABI,
		Cache:       cfg.Cache,
		Invalidate:  []querycache.Key{Namespace},
		SettleDelay: cfg.SettleDelay,
		Product:     cfg.Product,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	c.approveMut, err = txflow.NewMutator(txflow.MutatorConfig{
		Backend:     cfg.Backend,
		Session:     cfg.Session,
		Contract:    cfg.Token.Address(),
		ABI:         erc20.ABI(),
		Cache:       cfg.Cache,
		Invalidate:  []querycache.Key{allowanceKey(cfg.Product)},
		SettleDelay: cfg.SettleDelay,
		Product:     cfg.Product,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	c.composite, err = txflow.NewApproveThenAct(txflow.ApproveThenActConfig{
		Allowance: c.readAllowance,
		Approve:   c.approve,
		Act:       c.act,
		Product:   cfg.Product,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	c.registerReads()
	return c, nil
}

func allowanceKey(product string) querycache.Key {
	return querycache.NewKey("allowance", product)
}

func (c *Client) registerReads() {
	c.cfg.Cache.Register(querycache.NewKey("individual", "totals"), func(ctx context.Context) (any, error) {
		return c.readTotals(ctx)
	})
	c.cfg.Cache.Register(querycache.NewKey("individual", "bounds"), func(ctx context.Context) (any, error) {
		return c.readBounds(ctx)
	})
	c.cfg.Cache.Register(querycache.NewKey("individual", "paused"), func(ctx context.Context) (any, error) {
		return c.readPaused(ctx)
	})
}

// Track registers the per-owner reads so they participate in event-driven
// invalidation. Idempotent.
func (c *Client) Track(owner common.Address) {
	c.cfg.Cache.RegisterIfAbsent(querycache.NewKey("individual", "position", owner.Hex()), func(ctx context.Context) (any, error) {
		return c.readPosition(ctx, owner)
	})
	c.cfg.Cache.RegisterIfAbsent(querycache.NewKey("individual", "yield", owner.Hex()), func(ctx context.Context) (any, error) {
		return c.readPendingYield(ctx, owner)
	})
}

// Position returns the cached position for owner.
func (c *Client) Position(ctx context.Context, owner common.Address) (PositionView, error) {
	c.Track(owner)
	v, err := c.cfg.Cache.Get(ctx, querycache.NewKey("individual", "position", owner.Hex()))
	if err != nil {
		return PositionView{}, err
	}
	return v.(PositionView), nil
}

// PendingYield returns the cached unclaimed yield for owner.
func (c *Client) PendingYield(ctx context.Context, owner common.Address) (*big.Int, error) {
	c.Track(owner)
	v, err := c.cfg.Cache.Get(ctx, querycache.NewKey("individual", "yield", owner.Hex()))
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

// TotalDeposits returns the cached pool principal.
func (c *Client) TotalDeposits(ctx context.Context) (*big.Int, error) {
	v, err := c.cfg.Cache.Get(ctx, querycache.NewKey("individual", "totals"))
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

// DepositBounds returns the cached deposit limits.
func (c *Client) DepositBounds(ctx context.Context) (Bounds, error) {
	v, err := c.cfg.Cache.Get(ctx, querycache.NewKey("individual", "bounds"))
	if err != nil {
		return Bounds{}, err
	}
	return v.(Bounds), nil
}

// Paused returns the cached pool pause switch.
func (c *Client) Paused(ctx context.Context) (bool, error) {
	v, err := c.cfg.Cache.Get(ctx, querycache.NewKey("individual", "paused"))
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Deposit parses the user-entered amount, runs the preflight checks, then
// drives the approval composite. A below-minimum, above-maximum, or
// above-balance amount errors before any transaction is submitted.
func (c *Client) Deposit(ctx context.Context, amount string) error {
	if !c.depositBusy.CompareAndSwap(false, true) {
		return txflow.ErrOperationInProgress
	}
	defer c.depositBusy.Store(false)

	owner, err := c.cfg.Session.Address()
	if err != nil {
		return err
	}

	decimals, err := c.cfg.Token.Decimals(ctx)
	if err != nil {
		return err
	}
	value, err := erc20.ParseAmount(amount, decimals)
	if err != nil {
		return err
	}

	if err := c.preflight(ctx, owner, value); err != nil {
		c.logger.Info("deposit rejected before submission", "amount", amount, "error", err)
		return err
	}

	c.pendingDeposit = value
	return c.composite.Run(ctx, value)
}

func (c *Client) preflight(ctx context.Context, owner common.Address, value *big.Int) error {
	bounds, err := c.DepositBounds(ctx)
	if err != nil {
		return err
	}
	if bounds.Min != nil && value.Cmp(bounds.Min) < 0 {
		return txflow.ErrBelowMinimumDeposit
	}
	if bounds.Max != nil && bounds.Max.Sign() > 0 && value.Cmp(bounds.Max) > 0 {
		return txflow.ErrAboveMaximumDeposit
	}

	balance, err := c.cfg.Token.BalanceOf(ctx, owner)
	if err != nil {
		return err
	}
	if value.Cmp(balance) > 0 {
		return txflow.ErrInsufficientBalance
	}

	paused, err := c.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return txflow.ErrDepositsPaused
	}
	if c.cfg.Aggregator != nil {
		if err := c.cfg.Aggregator.CheckDeposits(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Withdraw exits the position in full.
func (c *Client) Withdraw(ctx context.Context) error {
	return c.poolMut.Mutate(ctx, txflow.NewIntent("withdraw"))
}

// ClaimYield claims the accrued yield without touching principal.
func (c *Client) ClaimYield(ctx context.Context) error {
	return c.poolMut.Mutate(ctx, txflow.NewIntent("claimYield"))
}

// Snapshot exposes the pool mutation lifecycle for display.
func (c *Client) Snapshot() txflow.Snapshot {
	return c.poolMut.Snapshot()
}

// ApproveSnapshot exposes the approval mutation lifecycle.
func (c *Client) ApproveSnapshot() txflow.Snapshot {
	return c.approveMut.Snapshot()
}

// LastStep reports where the composite stopped, for resume display.
func (c *Client) LastStep() txflow.Step {
	return c.composite.LastStep()
}

// Reset returns terminal mutation machines to idle.
func (c *Client) Reset() error {
	if err := c.poolMut.Reset(); err != nil {
		return err
	}
	return c.approveMut.Reset()
}

func (c *Client) readAllowance(ctx context.Context) (*big.Int, error) {
	owner, err := c.cfg.Session.Address()
	if err != nil {
		return nil, err
	}
	return c.cfg.Token.Allowance(ctx, owner, c.cfg.Contract)
}

func (c *Client) approve(ctx context.Context, amount *big.Int) error {
	return c.approveMut.Mutate(ctx, erc20.ApproveIntent(c.cfg.Contract, amount))
}

func (c *Client) act(ctx context.Context) error {
	return c.poolMut.Mutate(ctx, txflow.NewIntent("deposit", c.pendingDeposit))
}

// Rules binds the pool's events to cache invalidation. User-scoped events
// stale the product namespace; a compounding event reprices everything.
func (c *Client) Rules() []events.Rule {
	return []events.Rule{
		{
			Contract: c.cfg.Contract,
			ABI:      &parsedABI,
			Events:   []string{"Deposited", "Withdrawn", "YieldClaimed"},
			Keys:     []querycache.Key{Namespace, allowanceKey(c.cfg.Product)},
		},
		{
			Contract:   c.cfg.Contract,
			ABI:        &parsedABI,
			Events:     []string{"YieldCompounded"},
			Everything: true,
		},
	}
}

func (c *Client) readPosition(ctx context.Context, owner common.Address) (PositionView, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "getPosition", owner)
	if err != nil {
		return PositionView{}, fmt.Errorf("individual: getPosition: %w", err)
	}
	depositTime := out[2].(*big.Int)
	return PositionView{
		Amount:       out[0].(*big.Int),
		Shares:       out[1].(*big.Int),
		DepositTime:  time.Unix(depositTime.Int64(), 0),
		Active:       out[3].(bool),
		YieldClaimed: out[4].(*big.Int),
	}, nil
}

func (c *Client) readPendingYield(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "pendingYield", owner)
	if err != nil {
		return nil, fmt.Errorf("individual: pendingYield: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *Client) readTotals(ctx context.Context) (*big.Int, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "totalDeposits")
	if err != nil {
		return nil, fmt.Errorf("individual: totalDeposits: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *Client) readBounds(ctx context.Context) (Bounds, error) {
	min, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "minDeposit")
	if err != nil {
		return Bounds{}, fmt.Errorf("individual: minDeposit: %w", err)
	}
	max, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "maxDeposit")
	if err != nil {
		return Bounds{}, fmt.Errorf("individual: maxDeposit: %w", err)
	}
	return Bounds{Min: min[0].(*big.Int), Max: max[0].(*big.Int)}, nil
}

func (c *Client) readPaused(ctx context.Context) (bool, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "paused")
	if err != nil {
		return false, fmt.Errorf("individual: paused: %w", err)
	}
	return out[0].(bool), nil
}
