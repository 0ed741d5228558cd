// Package rosca is the client for the rotating savings group: members
// contribute a fixed amount each round and take turns receiving the pot.
package rosca

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

var Namespace = querycache.NewKey("rosca")

var (
	// ErrGroupNotAccepting means the group already started rotating.
	ErrGroupNotAccepting = errors.New("rosca: group is not accepting members")

	// ErrRoundOver means the current round's deadline has passed.
	ErrRoundOver = errors.New("rosca: contribution deadline has passed")
)

const abiJSON = `[
	{"type":"function","name":"join","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"contribute","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"claimPot","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"getGroup","stateMutability":"view","inputs":[],"outputs":[{"name":"status","type":"uint8"},{"name":"participantCount","type":"uint256"},{"name":"participantCap","type":"uint256"},{"name":"contributionAmount","type":"uint256"},{"name":"pot","type":"uint256"},{"name":"currentRound","type":"uint256"}]},
	{"type":"function","name":"getRound","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"dueContribution","type":"uint256"},{"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"}]},
	{"type":"event","name":"RoundStarted","inputs":[{"name":"round","type":"uint256","indexed":true},{"name":"recipient","type":"address","indexed":true}]},
	{"type":"event","name":"ContributionMade","inputs":[{"name":"round","type":"uint256","indexed":true},{"name":"member","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"PotClaimed","inputs":[{"name":"round","type":"uint256","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
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

type GroupStatus uint8

const (
	StatusForming GroupStatus = iota
	StatusActive
	StatusCompleted
	StatusCancelled
)

func (s GroupStatus) String() string {
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

// GroupView is the group's state as read from the contract.
type GroupView struct {
	Status           GroupStatus
	ParticipantCount uint64
	ParticipantCap   uint64
	Contribution     *big.Int
	Pot              *big.Int
	CurrentRound     uint64
}

// RoundView is one rotation round.
type RoundView struct {
	Index           uint64
	DueContribution *big.Int
	Recipient       common.Address
	Deadline        time.Time
}

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

	// Now is the clock for deadline checks, defaulting to time.Now.
	Now func() time.Time
}

func (c *Config) validate() error {
	if c.Backend == nil {
		return errors.New("rosca: Backend is required")
	}
	if c.Session == nil {
		return errors.New("rosca: Session is required")
	}
	if (c.Contract == common.Address{}) {
		return errors.New("rosca: Contract is required")
	}
	if c.Token == nil {
		return errors.New("rosca: Token is required")
	}
	if c.Cache == nil {
		return errors.New("rosca: Cache is required")
	}
	return nil
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	groupMut   *txflow.Mutator
	approveMut *txflow.Mutator
	composite  *txflow.ApproveThenAct

	// pendingMethod is the act the composite submits ("join" or
	// "contribute"). Written only while busy is held.
	pendingMethod string
	busy          atomic.Bool
}

func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Product == "" {
		cfg.Product = "rosca"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Client{cfg: cfg, logger: cfg.Logger.With("component", "rosca")}

	var err error
	c.groupMut, err = txflow.NewMutator(txflow.MutatorConfig{
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

	cfg.Cache.Register(querycache.NewKey("rosca", "group"), func(ctx context.Context) (any, error) {
		return c.readGroup(ctx)
	})
	return c, nil
}

// Group returns the cached group state.
func (c *Client) Group(ctx context.Context) (GroupView, error) {
	v, err := c.cfg.Cache.Get(ctx, querycache.NewKey("rosca", "group"))
	if err != nil {
		return GroupView{}, err
	}
	return v.(GroupView), nil
}

// CurrentRound returns the cached view of the round in progress.
func (c *Client) CurrentRound(ctx context.Context) (RoundView, error) {
	group, err := c.Group(ctx)
	if err != nil {
		return RoundView{}, err
	}
	key := querycache.NewKey("rosca", "round", fmt.Sprintf("%d", group.CurrentRound))
	index := group.CurrentRound
	c.cfg.Cache.RegisterIfAbsent(key, func(ctx context.Context) (any, error) {
		return c.readRound(ctx, index)
	})
	v, err := c.cfg.Cache.Get(ctx, key)
	if err != nil {
		return RoundView{}, err
	}
	return v.(RoundView), nil
}

// Join enters the group while it is still forming. The group's fixed
// contribution amount is the required allowance.
func (c *Client) Join(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		return txflow.ErrOperationInProgress
	}
	defer c.busy.Store(false)

	owner, err := c.cfg.Session.Address()
	if err != nil {
		return err
	}
	group, err := c.Group(ctx)
	if err != nil {
		return err
	}

	if group.Status != StatusForming {
		return ErrGroupNotAccepting
	}
	if group.ParticipantCap > 0 && group.ParticipantCount >= group.ParticipantCap {
		return txflow.ErrPoolFull
	}
	if err := c.checkBalance(ctx, owner, group.Contribution); err != nil {
		return err
	}

	c.pendingMethod = "join"
	return c.composite.Run(ctx, group.Contribution)
}

// Contribute pays the current round's due amount.
func (c *Client) Contribute(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		return txflow.ErrOperationInProgress
	}
	defer c.busy.Store(false)

	owner, err := c.cfg.Session.Address()
	if err != nil {
		return err
	}
	group, err := c.Group(ctx)
	if err != nil {
		return err
	}
	if group.Status != StatusActive {
		return ErrGroupNotAccepting
	}

	round, err := c.CurrentRound(ctx)
	if err != nil {
		return err
	}
	if !round.Deadline.IsZero() && c.cfg.Now().After(round.Deadline) {
		return ErrRoundOver
	}
	if err := c.checkBalance(ctx, owner, round.DueContribution); err != nil {
		return err
	}

	c.pendingMethod = "contribute"
	return c.composite.Run(ctx, round.DueContribution)
}

// ClaimPot collects the pot as the current round's recipient.
func (c *Client) ClaimPot(ctx context.Context) error {
	return c.groupMut.Mutate(ctx, txflow.NewIntent("claimPot"))
}

func (c *Client) checkBalance(ctx context.Context, owner common.Address, required *big.Int) error {
	balance, err := c.cfg.Token.BalanceOf(ctx, owner)
	if err != nil {
		return err
	}
	if required != nil && required.Cmp(balance) > 0 {
		return txflow.ErrInsufficientBalance
	}
	return nil
}

func (c *Client) Snapshot() txflow.Snapshot {
	return c.groupMut.Snapshot()
}

func (c *Client) LastStep() txflow.Step {
	return c.composite.LastStep()
}

func (c *Client) Reset() error {
	if err := c.groupMut.Reset(); err != nil {
		return err
	}
	return c.approveMut.Reset()
}

// Rules binds the group's events to cache invalidation.
func (c *Client) Rules() []events.Rule {
	return []events.Rule{{
		Contract: c.cfg.Contract,
		ABI:      &parsedABI,
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
	return c.groupMut.Mutate(ctx, txflow.NewIntent(c.pendingMethod))
}

func (c *Client) readGroup(ctx context.Context) (GroupView, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "getGroup")
	if err != nil {
		return GroupView{}, fmt.Errorf("rosca: getGroup: %w", err)
	}
	return GroupView{
		Status:           GroupStatus(out[0].(uint8)),
		ParticipantCount: out[1].(*big.Int).Uint64(),
		ParticipantCap:   out[2].(*big.Int).Uint64(),
		Contribution:     out[3].(*big.Int),
		Pot:              out[4].(*big.Int),
		CurrentRound:     out[5].(*big.Int).Uint64(),
	}, nil
}

func (c *Client) readRound(ctx context.Context, index uint64) (RoundView, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "getRound", new(big.Int).SetUint64(index))
	if err != nil {
		return RoundView{}, fmt.Errorf("rosca: getRound(%d): %w", index, err)
	}
	return RoundView{
		Index:           index,
		DueContribution: out[0].(*big.Int),
		Recipient:       out[1].(common.Address),
		Deadline:        time.Unix(out[2].(*big.Int).Int64(), 0),
	}, nil
}
