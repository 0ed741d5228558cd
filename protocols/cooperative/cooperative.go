// Package cooperative is the client for the cooperative savings pools:
// shared pools with a member cap and per-pool contribution bounds, yield
// distributed across members.
package cooperative

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
	"github.com/khipuvault/khipu-client-go/protocols/erc20"
	"github.com/khipuvault/khipu-client-go/querycache"
	"github.com/khipuvault/khipu-client-go/streams/events"
	"github.com/khipuvault/khipu-client-go/txflow"
	"github.com/khipuvault/khipu-client-go/wallet"
)

// Namespace prefixes every cache key this product registers.
var Namespace = querycache.NewKey("cooperative")

// ErrPoolNotAccepting means the pool's lifecycle no longer admits members.
var ErrPoolNotAccepting = errors.New("cooperative: pool is not accepting members")

const abiJSON = `[
	{"type":"function","name":"createPool","stateMutability":"nonpayable","inputs":[{"name":"name","type":"string"},{"name":"minContribution","type":"uint256"},{"name":"maxContribution","type":"uint256"},{"name":"memberCap","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"joinPool","stateMutability":"nonpayable","inputs":[{"name":"poolId","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"leavePool","stateMutability":"nonpayable","inputs":[{"name":"poolId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"claimYield","stateMutability":"nonpayable","inputs":[{"name":"poolId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getPool","stateMutability":"view","inputs":[{"name":"poolId","type":"uint256"}],"outputs":[{"name":"id","type":"uint256"},{"name":"name","type":"string"},{"name":"creator","type":"address"},{"name":"memberCount","type":"uint256"},{"name":"memberCap","type":"uint256"},{"name":"minContribution","type":"uint256"},{"name":"maxContribution","type":"uint256"},{"name":"status","type":"uint8"},{"name":"totalPrincipal","type":"uint256"},{"name":"totalYield","type":"uint256"},{"name":"createdAt","type":"uint256"}]},
	{"type":"function","name":"getMember","stateMutability":"view","inputs":[{"name":"poolId","type":"uint256"},{"name":"user","type":"address"}],"outputs":[{"name":"contribution","type":"uint256"},{"name":"shares","type":"uint256"},{"name":"joinedAt","type":"uint256"},{"name":"active","type":"bool"},{"name":"yieldClaimed","type":"uint256"}]},
	{"type":"function","name":"poolCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"PoolCreated","inputs":[{"name":"poolId","type":"uint256","indexed":true},{"name":"creator","type":"address","indexed":true}]},
	{"type":"event","name":"MemberJoined","inputs":[{"name":"poolId","type":"uint256","indexed":true},{"name":"member","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"MemberLeft","inputs":[{"name":"poolId","type":"uint256","indexed":true},{"name":"member","type":"address","indexed":true}]},
	{"type":"event","name":"YieldDistributed","inputs":[{"name":"poolId","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

var parsedABI = mustParse()

func mustParse() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}

func ABI() *abi.ABI {
	return &parsedABI
}

// PoolStatus is the pool lifecycle as stored on chain.
type PoolStatus uint8

const (
	StatusForming PoolStatus = iota
	StatusActive
	StatusCompleted
	StatusCancelled
)

func (s PoolStatus) String() string {
	switch s {
	case StatusForming:
		return "forming"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// PoolView is one pool's summary as read from the contract.
type PoolView struct {
	ID              uint64
	Name            string
	Creator         common.Address
	MemberCount     uint64
	MemberCap       uint64
	MinContribution *big.Int
	MaxContribution *big.Int
	Status          PoolStatus
	TotalPrincipal  *big.Int
	TotalYield      *big.Int
	CreatedAt       time.Time
}

// MemberView is one member's stake in one pool.
type MemberView struct {
	Contribution *big.Int
	Shares       *big.Int
	JoinedAt     time.Time
	Active       bool
	YieldClaimed *big.Int
}

// IndexablePoolSystem provides fast, indexed access to pool data.
type IndexablePoolSystem struct {
	byID map[uint64]PoolView
	all  []PoolView
}

// NewIndexablePoolSystem creates a new indexed pool system from a raw slice.
func NewIndexablePoolSystem(pools []PoolView) *IndexablePoolSystem {
	byID := make(map[uint64]PoolView, len(pools))
	for _, p := range pools {
		byID[p.ID] = p
	}
	return &IndexablePoolSystem{byID: byID, all: pools}
}

// GetByID retrieves a pool by its unique ID.
func (ips *IndexablePoolSystem) GetByID(id uint64) (PoolView, bool) {
	p, ok := ips.byID[id]
	return p, ok
}

// All returns a defensive copy of the slice of all pools in the system.
func (ips *IndexablePoolSystem) All() []PoolView {
	allCopy := make([]PoolView, len(ips.all))
	copy(allCopy, ips.all)
	return allCopy
}

// Config wires the product client.
type Config struct {
	Backend  chain.Backend
	Session  *wallet.Session
	Contract common.Address
	Token    *erc20.Token
	Cache    *querycache.Cache

	SettleDelay time.Duration
	Product     string
	Logger      *slog.Logger
	Metrics     *txflow.Metrics
}

func (c *Config) validate() error {
	if c.Backend == nil {
		return errors.New("cooperative: Backend is required")
	}
	if c.Session == nil {
		return errors.New("cooperative: Session is required")
	}
	if (c.Contract == common.Address{}) {
		return errors.New("cooperative: Contract is required")
	}
	if c.Token == nil {
		return errors.New("cooperative: Token is required")
	}
	if c.Cache == nil {
		return errors.New("cooperative: Cache is required")
	}
	return nil
}

type pendingJoin struct {
	poolID uint64
	amount *big.Int
}

// Client exposes the product's reads and actions.
type Client struct {
	cfg    Config
	logger *slog.Logger

	poolMut    *txflow.Mutator
	approveMut *txflow.Mutator
	composite  *txflow.ApproveThenAct

	// pending is the join the composite's act step submits. Written only
	// while joinBusy is held.
	pending  pendingJoin
	joinBusy atomic.Bool
}

func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Product == "" {
		cfg.Product = "cooperative"
	}

	c := &Client{cfg: cfg, logger: cfg.Logger.With("component", "cooperative")}

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

	cfg.Cache.Register(querycache.NewKey("cooperative", "pools"), func(ctx context.Context) (any, error) {
		return c.readPools(ctx)
	})
	return c, nil
}

// Pools returns the cached indexed view of every pool.
func (c *Client) Pools(ctx context.Context) (*IndexablePoolSystem, error) {
	v, err := c.cfg.Cache.Get(ctx, querycache.NewKey("cooperative", "pools"))
	if err != nil {
		return nil, err
	}
	return v.(*IndexablePoolSystem), nil
}

// Pool returns one pool out of the cached index.
func (c *Client) Pool(ctx context.Context, poolID uint64) (PoolView, error) {
	pools, err := c.Pools(ctx)
	if err != nil {
		return PoolView{}, err
	}
	p, ok := pools.GetByID(poolID)
	if !ok {
		return PoolView{}, fmt.Errorf("cooperative: no pool with id %d", poolID)
	}
	return p, nil
}

// Member returns the cached membership record for owner in a pool.
func (c *Client) Member(ctx context.Context, poolID uint64, owner common.Address) (MemberView, error) {
	key := querycache.NewKey("cooperative", "member", fmt.Sprintf("%d", poolID), owner.Hex())
	c.cfg.Cache.RegisterIfAbsent(key, func(ctx context.Context) (any, error) {
		return c.readMember(ctx, poolID, owner)
	})
	v, err := c.cfg.Cache.Get(ctx, key)
	if err != nil {
		return MemberView{}, err
	}
	return v.(MemberView), nil
}

// CreatePool submits a new pool with the given contribution bounds and cap.
func (c *Client) CreatePool(ctx context.Context, name string, minContribution, maxContribution *big.Int, memberCap uint64) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("cooperative: pool name is required")
	}
	return c.poolMut.Mutate(ctx, txflow.NewIntent("createPool",
		name, minContribution, maxContribution, new(big.Int).SetUint64(memberCap)))
}

// Join parses the contribution, runs the preflight against the pool's
// bounds, cap, and the member's balance, then drives the approval
// composite. Nothing is submitted when a preflight check fails.
func (c *Client) Join(ctx context.Context, poolID uint64, amount string) error {
	if !c.joinBusy.CompareAndSwap(false, true) {
		return txflow.ErrOperationInProgress
	}
	defer c.joinBusy.Store(false)

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

	pool, err := c.Pool(ctx, poolID)
	if err != nil {
		return err
	}
	if err := c.preflight(ctx, owner, pool, value); err != nil {
		c.logger.Info("join rejected before submission", "pool", poolID, "amount", amount, "error", err)
		return err
	}

	c.pending = pendingJoin{poolID: poolID, amount: value}
	return c.composite.Run(ctx, value)
}

func (c *Client) preflight(ctx context.Context, owner common.Address, pool PoolView, value *big.Int) error {
	if pool.Status != StatusForming && pool.Status != StatusActive {
		return ErrPoolNotAccepting
	}
	if pool.MemberCap > 0 && pool.MemberCount >= pool.MemberCap {
		return txflow.ErrPoolFull
	}
	if pool.MinContribution != nil && value.Cmp(pool.MinContribution) < 0 {
		return txflow.ErrBelowMinimumDeposit
	}
	if pool.MaxContribution != nil && pool.MaxContribution.Sign() > 0 && value.Cmp(pool.MaxContribution) > 0 {
		return txflow.ErrAboveMaximumDeposit
	}

	balance, err := c.cfg.Token.BalanceOf(ctx, owner)
	if err != nil {
		return err
	}
	if value.Cmp(balance) > 0 {
		return txflow.ErrInsufficientBalance
	}

	paused, err := c.readPaused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return txflow.ErrDepositsPaused
	}
	return nil
}

// Leave exits the pool and returns the member's contribution.
func (c *Client) Leave(ctx context.Context, poolID uint64) error {
	return c.poolMut.Mutate(ctx, txflow.NewIntent("leavePool", new(big.Int).SetUint64(poolID)))
}

// ClaimYield claims the member's share of distributed yield.
func (c *Client) ClaimYield(ctx context.Context, poolID uint64) error {
	return c.poolMut.Mutate(ctx, txflow.NewIntent("claimYield", new(big.Int).SetUint64(poolID)))
}

// Snapshot exposes the pool mutation lifecycle for display.
func (c *Client) Snapshot() txflow.Snapshot {
	return c.poolMut.Snapshot()
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

// Rules binds the pools' events to cache invalidation.
func (c *Client) Rules() []events.Rule {
	return []events.Rule{{
		Contract: c.cfg.Contract,
		ABI:      &parsedABI,
		Events:   []string{"PoolCreated", "MemberJoined", "MemberLeft", "YieldDistributed"},
		Keys:     []querycache.Key{Namespace},
	}}
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
	return c.poolMut.Mutate(ctx, txflow.NewIntent("joinPool",
		new(big.Int).SetUint64(c.pending.poolID), c.pending.amount))
}

func (c *Client) readPools(ctx context.Context) (*IndexablePoolSystem, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "poolCount")
	if err != nil {
		return nil, fmt.Errorf("cooperative: poolCount: %w", err)
	}
	count := out[0].(*big.Int).Uint64()

	pools := make([]PoolView, 0, count)
	for id := uint64(1); id <= count; id++ {
		p, err := c.readPool(ctx, id)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return NewIndexablePoolSystem(pools), nil
}

func (c *Client) readPool(ctx context.Context, poolID uint64) (PoolView, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "getPool", new(big.Int).SetUint64(poolID))
	if err != nil {
		return PoolView{}, fmt.Errorf("cooperative: getPool(%d): %w", poolID, err)
	}
	return PoolView{
		ID:              out[0].(*big.Int).Uint64(),
		Name:            out[1].(string),
		Creator:         out[2].(common.Address),
		MemberCount:     out[3].(*big.Int).Uint64(),
		MemberCap:       out[4].(*big.Int).Uint64(),
		MinContribution: out[5].(*big.Int),
		MaxContribution: out[6].(*big.Int),
		Status:          PoolStatus(out[7].(uint8)),
		TotalPrincipal:  out[8].(*big.Int),
		TotalYield:      out[9].(*big.Int),
		CreatedAt:       time.Unix(out[10].(*big.Int).Int64(), 0),
	}, nil
}

func (c *Client) readMember(ctx context.Context, poolID uint64, owner common.Address) (MemberView, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "getMember", new(big.Int).SetUint64(poolID), owner)
	if err != nil {
		return MemberView{}, fmt.Errorf("cooperative: getMember: %w", err)
	}
	return MemberView{
		Contribution: out[0].(*big.Int),
		Shares:       out[1].(*big.Int),
		JoinedAt:     time.Unix(out[2].(*big.Int).Int64(), 0),
		Active:       out[3].(bool),
		YieldClaimed: out[4].(*big.Int),
	}, nil
}

func (c *Client) readPaused(ctx context.Context) (bool, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "paused")
	if err != nil {
		return false, fmt.Errorf("cooperative: paused: %w", err)
	}
	return out[0].(bool), nil
}
