// Package lottery is the client for the no-loss prize pool: deposits buy
// tickets, yield funds the prize, principal is withdrawable at any time.
package lottery

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

var Namespace = querycache.NewKey("lottery")

const abiJSON = `[
	{"type":"function","name":"enter","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"claimPrize","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"currentDraw","stateMutability":"view","inputs":[],"outputs":[{"name":"prize","type":"uint256"},{"name":"drawTime","type":"uint256"},{"name":"participantCount","type":"uint256"}]},
	{"type":"function","name":"ticketsOf","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"tickets","type":"uint256"},{"name":"deposited","type":"uint256"}]},
	{"type":"function","name":"minEntry","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Entered","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"tickets","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdrawn","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"PrizeDrawn","inputs":[{"name":"drawId","type":"uint256","indexed":true},{"name":"winner","type":"address","indexed":true},{"name":"prize","type":"uint256","indexed":false}]}
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

// DrawView is the draw in progress.
type DrawView struct {
	Prize            *big.Int
	DrawTime         time.Time
	ParticipantCount uint64
}

// TicketView is a user's stake in the draw.
type TicketView struct {
	Tickets   *big.Int
	Deposited *big.Int
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
}

func (c *Config) validate() error {
	if c.Backend == nil {
		return errors.New("lottery: Backend is required")
	}
	if c.Session == nil {
		return errors.New("lottery: Session is required")
	}
	if (c.Contract == common.Address{}) {
		return errors.New("lottery: Contract is required")
	}
	if c.Token == nil {
		return errors.New("lottery: Token is required")
	}
	if c.Cache == nil {
		return errors.New("lottery: Cache is required")
	}
	return nil
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	drawMut    *txflow.Mutator
	approveMut *txflow.Mutator
	composite  *txflow.ApproveThenAct

	// pendingEntry is written only while entryBusy is held.
	pendingEntry *big.Int
	entryBusy    atomic.Bool
}

func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Product == "" {
		cfg.Product = "lottery"
	}

	c := &Client{cfg: cfg, logger: cfg.Logger.With("component", "lottery")}

	var err error
	c.drawMut, err = txflow.NewMutator(txflow.MutatorConfig{
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

	cfg.Cache.Register(querycache.NewKey("lottery", "draw"), func(ctx context.Context) (any, error) {
		return c.readDraw(ctx)
	})
	cfg.Cache.Register(querycache.NewKey("lottery", "minEntry"), func(ctx context.Context) (any, error) {
		return c.readMinEntry(ctx)
	})
	return c, nil
}

// Draw returns the cached draw in progress.
func (c *Client) Draw(ctx context.Context) (DrawView, error) {
	v, err := c.cfg.Cache.Get(ctx, querycache.NewKey("lottery", "draw"))
	if err != nil {
		return DrawView{}, err
	}
	return v.(DrawView), nil
}

// Tickets returns the cached ticket count for owner.
func (c *Client) Tickets(ctx context.Context, owner common.Address) (TicketView, error) {
	key := querycache.NewKey("lottery", "tickets", owner.Hex())
	c.cfg.Cache.RegisterIfAbsent(key, func(ctx context.Context) (any, error) {
		return c.readTickets(ctx, owner)
	})
	v, err := c.cfg.Cache.Get(ctx, key)
	if err != nil {
		return TicketView{}, err
	}
	return v.(TicketView), nil
}

// MinEntry returns the cached minimum entry amount.
func (c *Client) MinEntry(ctx context.Context) (*big.Int, error) {
	v, err := c.cfg.Cache.Get(ctx, querycache.NewKey("lottery", "minEntry"))
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

// Enter buys tickets for the draw. A below-minimum or above-balance amount
// errors before anything is submitted.
func (c *Client) Enter(ctx context.Context, amount string) error {
	if !c.entryBusy.CompareAndSwap(false, true) {
		return txflow.ErrOperationInProgress
	}
	defer c.entryBusy.Store(false)

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

	minEntry, err := c.MinEntry(ctx)
	if err != nil {
		return err
	}
	if minEntry != nil && value.Cmp(minEntry) < 0 {
		return txflow.ErrBelowMinimumDeposit
	}
	balance, err := c.cfg.Token.BalanceOf(ctx, owner)
	if err != nil {
		return err
	}
	if value.Cmp(balance) > 0 {
		return txflow.ErrInsufficientBalance
	}

	c.pendingEntry = value
	return c.composite.Run(ctx, value)
}

// Withdraw pulls the principal out; tickets are forfeited, the prize is not.
func (c *Client) Withdraw(ctx context.Context) error {
	return c.drawMut.Mutate(ctx, txflow.NewIntent("withdraw"))
}

// ClaimPrize collects a won prize.
func (c *Client) ClaimPrize(ctx context.Context) error {
	return c.drawMut.Mutate(ctx, txflow.NewIntent("claimPrize"))
}

func (c *Client) Snapshot() txflow.Snapshot {
	return c.drawMut.Snapshot()
}

func (c *Client) LastStep() txflow.Step {
	return c.composite.LastStep()
}

func (c *Client) Reset() error {
	if err := c.drawMut.Reset(); err != nil {
		return err
	}
	return c.approveMut.Reset()
}

// Rules binds the draw's events to cache invalidation. A finished draw
// reprices every product, so PrizeDrawn invalidates everything.
func (c *Client) Rules() []events.Rule {
	return []events.Rule{
		{
			Contract: c.cfg.Contract,
			ABI:      &parsedABI,
			Events:   []string{"Entered", "Withdrawn"},
			Keys:     []querycache.Key{Namespace},
		},
		{
			Contract:   c.cfg.Contract,
			ABI:        &parsedABI,
			Events:     []string{"PrizeDrawn"},
			Everything: true,
		},
	}
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
	return c.drawMut.Mutate(ctx, txflow.NewIntent("enter", c.pendingEntry))
}

func (c *Client) readDraw(ctx context.Context) (DrawView, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "currentDraw")
	if err != nil {
		return DrawView{}, fmt.Errorf("lottery: currentDraw: %w", err)
	}
	return DrawView{
		Prize:            out[0].(*big.Int),
		DrawTime:         time.Unix(out[1].(*big.Int).Int64(), 0),
		ParticipantCount: out[2].(*big.Int).Uint64(),
	}, nil
}

func (c *Client) readTickets(ctx context.Context, owner common.Address) (TicketView, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "ticketsOf", owner)
	if err != nil {
		return TicketView{}, fmt.Errorf("lottery: ticketsOf: %w", err)
	}
	return TicketView{Tickets: out[0].(*big.Int), Deposited: out[1].(*big.Int)}, nil
}

func (c *Client) readMinEntry(ctx context.Context) (*big.Int, error) {
	out, err := c.cfg.Backend.Call(ctx, c.cfg.Contract, &parsedABI, "minEntry")
	if err != nil {
		return nil, fmt.Errorf("lottery: minEntry: %w", err)
	}
	return out[0].(*big.Int), nil
}
