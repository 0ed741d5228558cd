package txflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/math"
)

// UnlimitedAllowance is the amount submitted when an approval is needed.
// Approving once for the maximum spares the user a wallet prompt on every
// deposit; the trade-off is inherited from the deployed product unchanged.
var UnlimitedAllowance = new(big.Int).Set(math.MaxBig256)

// Step labels the position of an approve-then-act sequence, so a caller can
// tell "approved but not acted" from "never started" after a failure.
type Step string

const (
	StepIdle           Step = "idle"
	StepCheckAllowance Step = "check-allowance"
	StepApprove        Step = "approve"
	StepVerifyApproval Step = "verify-approval"
	StepAct            Step = "act"
	StepDone           Step = "done"
)

// ApproveThenActConfig wires the composite to a token and a primary action.
// The three funcs are expected to block until their on-chain effect is
// confirmed; mutations built on Mutator already behave that way.
type ApproveThenActConfig struct {
	// Allowance reads the current (owner, spender) allowance.
	Allowance func(ctx context.Context) (*big.Int, error)

	// Approve submits an approval for the given amount and waits for
	// confirmation.
	Approve func(ctx context.Context, amount *big.Int) error

	// Act submits the primary action and waits for confirmation.
	Act func(ctx context.Context) error

	Product string
	Metrics *Metrics
	Logger  *slog.Logger
}

func (c *ApproveThenActConfig) validate() error {
	if c.Allowance == nil {
		return errors.New("txflow: Allowance is required")
	}
	if c.Approve == nil {
		return errors.New("txflow: Approve is required")
	}
	if c.Act == nil {
		return errors.New("txflow: Act is required")
	}
	return nil
}

// ApproveThenAct sequences an ERC20 approval and a primary action as one
// user-perceived operation. A single lock rejects concurrent invocations;
// every failure path releases it so a retry is always possible.
type ApproveThenAct struct {
	cfg  ApproveThenActConfig
	busy atomic.Bool

	mu   sync.Mutex
	step Step
}

// NewApproveThenAct validates the config and returns the composite.
func NewApproveThenAct(cfg ApproveThenActConfig) (*ApproveThenAct, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ApproveThenAct{cfg: cfg, step: StepIdle}, nil
}

// LastStep returns the last step the sequence reached. After a failure this
// tells the caller whether a retry will need to approve again (it will not:
// a confirmed approval makes the next run skip straight to the action).
func (a *ApproveThenAct) LastStep() Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.step
}

func (a *ApproveThenAct) setStep(s Step) {
	a.mu.Lock()
	a.step = s
	a.mu.Unlock()
}

// Run executes the sequence for the required amount:
//
//  1. read the current allowance;
//  2. skip approval entirely when it already covers the amount;
//  3. otherwise approve UnlimitedAllowance, then re-read the allowance and
//     refuse to proceed on a stale read;
//  4. run the primary action.
func (a *ApproveThenAct) Run(ctx context.Context, required *big.Int) error {
	if !a.busy.CompareAndSwap(false, true) {
		return ErrOperationInProgress
	}
	defer a.busy.Store(false)

	a.setStep(StepCheckAllowance)
	current, err := a.cfg.Allowance(ctx)
	if err != nil {
		return fmt.Errorf("txflow: read allowance: %w", err)
	}

	if current.Cmp(required) < 0 {
		a.setStep(StepApprove)
		a.cfg.Logger.Info("submitting approval",
			"product", a.cfg.Product,
			"current_allowance", current,
			"required", required,
		)
		if err := a.cfg.Approve(ctx, UnlimitedAllowance); err != nil {
			return fmt.Errorf("txflow: approve: %w", err)
		}

		a.setStep(StepVerifyApproval)
		verified, err := a.cfg.Allowance(ctx)
		if err != nil {
			return fmt.Errorf("txflow: re-read allowance: %w", err)
		}
		if verified.Cmp(required) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrAllowanceNotEffective, verified, required)
		}
	} else {
		a.cfg.Metrics.observeApprovalSkipped(a.cfg.Product)
	}

	a.setStep(StepAct)
	if err := a.cfg.Act(ctx); err != nil {
		return err
	}

	a.setStep(StepDone)
	return nil
}
