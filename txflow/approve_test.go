package txflow

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type approveHarness struct {
	allowance    *big.Int
	allowanceErr error

	approveCalls atomic.Int64
	approveAmt   *big.Int
	approveErr   error
	// effective is applied to allowance after a successful approval,
	// simulating the confirmed on-chain state. Nil means "approval has no
	// visible effect" (stale read).
	effective *big.Int

	actCalls atomic.Int64
	actErr   error
	actGate  chan struct{}
}

func (h *approveHarness) composite(t *testing.T) *ApproveThenAct {
	t.Helper()
	a, err := NewApproveThenAct(ApproveThenActConfig{
		Allowance: func(ctx context.Context) (*big.Int, error) {
			if h.allowanceErr != nil {
				return nil, h.allowanceErr
			}
			return new(big.Int).Set(h.allowance), nil
		},
		Approve: func(ctx context.Context, amount *big.Int) error {
			h.approveCalls.Add(1)
			h.approveAmt = amount
			if h.approveErr != nil {
				return h.approveErr
			}
			if h.effective != nil {
				h.allowance = h.effective
			}
			return nil
		},
		Act: func(ctx context.Context) error {
			if h.actGate != nil {
				<-h.actGate
			}
			h.actCalls.Add(1)
			return h.actErr
		},
		Product: "cooperative",
	})
	require.NoError(t, err)
	return a
}

func TestApproveSkippedWhenAllowanceSufficient(t *testing.T) {
	h := &approveHarness{allowance: big.NewInt(1000)}
	a := h.composite(t)

	require.NoError(t, a.Run(context.Background(), big.NewInt(100)))
	assert.Equal(t, int64(0), h.approveCalls.Load(), "no approval may be submitted")
	assert.Equal(t, int64(1), h.actCalls.Load())
	assert.Equal(t, StepDone, a.LastStep())
}

func TestApproveThenActOrdering(t *testing.T) {
	h := &approveHarness{
		allowance: big.NewInt(0),
		effective: UnlimitedAllowance,
	}
	a := h.composite(t)

	require.NoError(t, a.Run(context.Background(), big.NewInt(500)))
	assert.Equal(t, int64(1), h.approveCalls.Load(), "exactly one approval")
	assert.Equal(t, int64(1), h.actCalls.Load(), "exactly one primary action")
	assert.Equal(t, 0, h.approveAmt.Cmp(UnlimitedAllowance), "approval must be unlimited")
}

func TestApproveStaleReadBlocksAction(t *testing.T) {
	// Approval confirms but the re-read still reports an insufficient
	// allowance; the primary action must never run.
	h := &approveHarness{allowance: big.NewInt(0), effective: nil}
	a := h.composite(t)

	err := a.Run(context.Background(), big.NewInt(500))
	require.ErrorIs(t, err, ErrAllowanceNotEffective)
	assert.Equal(t, int64(1), h.approveCalls.Load())
	assert.Equal(t, int64(0), h.actCalls.Load())
	assert.Equal(t, StepVerifyApproval, a.LastStep())
}

func TestApproveConcurrentRunRejected(t *testing.T) {
	h := &approveHarness{allowance: big.NewInt(1000), actGate: make(chan struct{})}
	a := h.composite(t)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- a.Run(context.Background(), big.NewInt(10))
	}()

	require.Eventually(t, func() bool {
		return a.LastStep() == StepAct
	}, time.Second, time.Millisecond)

	err := a.Run(context.Background(), big.NewInt(10))
	assert.ErrorIs(t, err, ErrOperationInProgress)
	assert.Equal(t, StepAct, a.LastStep(), "the in-flight run must be untouched")

	close(h.actGate)
	require.NoError(t, <-firstDone)
	assert.Equal(t, int64(1), h.actCalls.Load())
}

func TestApproveRetryResumesAtAction(t *testing.T) {
	// First run: approval confirms, action fails. The retry must find the
	// approved allowance and go straight to the action.
	h := &approveHarness{
		allowance: big.NewInt(0),
		effective: UnlimitedAllowance,
		actErr:    errors.New("execution reverted: pool is full"),
	}
	a := h.composite(t)

	err := a.Run(context.Background(), big.NewInt(200))
	require.Error(t, err)
	assert.Equal(t, StepAct, a.LastStep(), "failure position must be visible")
	require.Equal(t, int64(1), h.approveCalls.Load())

	h.actErr = nil
	require.NoError(t, a.Run(context.Background(), big.NewInt(200)))
	assert.Equal(t, int64(1), h.approveCalls.Load(), "retry must not re-approve")
	assert.Equal(t, int64(2), h.actCalls.Load())
}

func TestApproveAllowanceReadFailure(t *testing.T) {
	h := &approveHarness{allowance: big.NewInt(0), allowanceErr: errors.New("rpc down")}
	a := h.composite(t)

	require.Error(t, a.Run(context.Background(), big.NewInt(1)))
	assert.Equal(t, int64(0), h.approveCalls.Load())
	assert.Equal(t, int64(0), h.actCalls.Load())

	// The lock must be released so a retry is possible.
	h.allowanceErr = nil
	h.allowance = big.NewInt(10)
	require.NoError(t, a.Run(context.Background(), big.NewInt(1)))
}
