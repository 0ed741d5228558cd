package txflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/internal/clock"
	"github.com/khipuvault/khipu-client-go/querycache"
	"github.com/khipuvault/khipu-client-go/wallet"
)

// DefaultSettleDelay is the pause after confirmation before dependent reads
// are trusted, tolerating brief RPC indexing lag.
const DefaultSettleDelay = 2 * time.Second

// Intent is the ephemeral description of one state-changing call. It is
// constructed immediately before submission and discarded once the mutation
// reaches a terminal state.
type Intent struct {
	ID     uuid.UUID
	Method string
	Args   []any
	Value  *big.Int // native value to send, nil means zero
}

// NewIntent builds an Intent with a fresh identity.
func NewIntent(method string, args ...any) Intent {
	return Intent{ID: uuid.New(), Method: method, Args: args}
}

// WithValue returns a copy of the intent carrying native value.
func (i Intent) WithValue(v *big.Int) Intent {
	i.Value = v
	return i
}

// MutatorConfig wires a Mutator to one contract method family.
type MutatorConfig struct {
	Backend  chain.Backend
	Session  *wallet.Session
	Contract common.Address
	ABI      *abi.ABI

	// Cache and Invalidate configure the success side effect: every key
	// namespace listed is invalidated once the transaction confirms.
	Cache      *querycache.Cache
	Invalidate []querycache.Key

	// SettleDelay overrides DefaultSettleDelay when positive.
	SettleDelay time.Duration

	// Product and metrics/logging are optional.
	Product string
	Metrics *Metrics
	Logger  *slog.Logger
}

func (c *MutatorConfig) validate() error {
	if c.Backend == nil {
		return errors.New("txflow: Backend is required")
	}
	if c.Session == nil {
		return errors.New("txflow: Session is required")
	}
	if c.ABI == nil {
		return errors.New("txflow: ABI is required")
	}
	if (c.Contract == common.Address{}) {
		return errors.New("txflow: Contract is required")
	}
	return nil
}

// Mutator drives a single mutation lifecycle at a time against one contract.
// At most one mutation is in flight per Mutator instance; a concurrent
// Mutate is rejected with ErrMutationInFlight without touching the running
// one.
type Mutator struct {
	cfg     MutatorConfig
	machine Machine
	busy    atomic.Bool
}

// NewMutator validates the config and returns a Mutator in Idle.
func NewMutator(cfg MutatorConfig) (*Mutator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mutator{cfg: cfg}, nil
}

// Snapshot returns the current lifecycle state.
func (m *Mutator) Snapshot() Snapshot {
	return m.machine.Snapshot()
}

// State returns the current lifecycle state.
func (m *Mutator) State() State {
	return m.machine.State()
}

// Reset returns a terminal machine to Idle. It fails while a mutation is in
// flight.
func (m *Mutator) Reset() error {
	if m.busy.Load() {
		return ErrResetWhileBusy
	}
	return m.machine.reset()
}

// Mutate runs the full lifecycle for one intent: chain guard, sign and
// broadcast, wait for the receipt, settle, invalidate caches. The terminal
// error (if any) is returned and also observable via Snapshot.
func (m *Mutator) Mutate(ctx context.Context, intent Intent) error {
	if !m.busy.CompareAndSwap(false, true) {
		return ErrMutationInFlight
	}
	defer m.busy.Store(false)

	// A terminal machine restarts implicitly; retrying after an error is
	// the normal path.
	switch m.machine.State() {
	case StateSuccess, StateError:
		if err := m.machine.reset(); err != nil {
			return err
		}
	}

	start := time.Now()
	err := m.run(ctx, intent)
	result := "success"
	if err != nil {
		result = "error"
	}
	m.cfg.Metrics.observeMutation(m.cfg.Product, intent.Method, result, time.Since(start))
	return err
}

func (m *Mutator) run(ctx context.Context, intent Intent) error {
	logger := m.cfg.Logger.With(
		"intent", intent.ID.String(),
		"method", intent.Method,
		"contract", m.cfg.Contract,
	)

	if err := m.machine.Transition(StateExecuting); err != nil {
		return err
	}

	if err := m.cfg.Session.RequireChain(ctx, m.cfg.Backend); err != nil {
		logger.Warn("chain guard rejected mutation", "error", err)
		return m.failWith(err)
	}
	from, err := m.cfg.Session.Address()
	if err != nil {
		return m.failWith(err)
	}

	hash, err := m.cfg.Backend.Transact(
		ctx,
		chain.TxOpts{From: from, Value: intent.Value},
		m.cfg.Contract,
		m.cfg.ABI,
		intent.Method,
		intent.Args...,
	)
	if err != nil {
		logger.Warn("transaction submission failed", "error", err)
		return m.failWith(err)
	}
	m.machine.setTx(hash)
	logger.Info("transaction submitted", "tx", hash)

	if err := m.machine.Transition(StateProcessing); err != nil {
		return err
	}

	if _, err := m.cfg.Backend.WaitMined(ctx, hash); err != nil {
		logger.Warn("transaction failed", "tx", hash, "error", err)
		return m.failWith(err)
	}

	// Give the RPC provider a beat to index the new state before dependent
	// reads are refetched.
	if err := clock.SleepWithContext(ctx, m.cfg.SettleDelay); err != nil {
		return m.failWith(err)
	}

	if err := m.machine.Transition(StateSuccess); err != nil {
		return err
	}
	m.invalidate()
	logger.Info("transaction confirmed", "tx", hash)
	return nil
}

func (m *Mutator) failWith(err error) error {
	if terr := m.machine.fail(err); terr != nil {
		return terr
	}
	return err
}

func (m *Mutator) invalidate() {
	if m.cfg.Cache == nil {
		return
	}
	for _, key := range m.cfg.Invalidate {
		m.cfg.Cache.Invalidate(key)
	}
}
