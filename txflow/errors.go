package txflow

import (
	"errors"
	"strings"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/wallet"
)

// Sentinel errors for the orchestration layer. Everything a user can hit is
// either one of these or a contract revert mapped by UserMessage below.
var (
	// ErrMutationInFlight is returned when Mutate is called while a
	// mutation is still executing or processing.
	ErrMutationInFlight = errors.New("txflow: mutation already in flight")

	// ErrOperationInProgress is returned when an approve-then-act sequence
	// is started while a previous one has not finished.
	ErrOperationInProgress = errors.New("txflow: operation already in progress")

	// ErrAllowanceNotEffective is returned when the post-approval allowance
	// re-check did not observe a sufficient allowance.
	ErrAllowanceNotEffective = errors.New("txflow: allowance not effective after approval")

	// ErrBelowMinimumDeposit is returned by deposit preflights.
	ErrBelowMinimumDeposit = errors.New("txflow: amount below minimum deposit")

	// ErrAboveMaximumDeposit is returned by deposit preflights.
	ErrAboveMaximumDeposit = errors.New("txflow: amount above maximum deposit")

	// ErrInsufficientBalance is returned when the requested amount exceeds
	// the user's token balance.
	ErrInsufficientBalance = errors.New("txflow: amount exceeds balance")

	// ErrDepositsPaused is returned when the protocol has deposits paused.
	ErrDepositsPaused = errors.New("txflow: deposits are paused")

	// ErrPoolFull is returned by join preflights when the member cap is
	// already reached.
	ErrPoolFull = errors.New("txflow: pool is full")

	// ErrResetWhileBusy is returned by Reset during an in-flight mutation.
	ErrResetWhileBusy = errors.New("txflow: cannot reset while mutation is in flight")
)

// Fixed user-facing messages. Raw provider errors never reach the user.
const (
	MsgWalletNotConnected   = "Connect your wallet first."
	MsgUserRejected         = "You rejected the request in your wallet."
	MsgInsufficientGas      = "You do not have enough BTC to pay for gas."
	MsgNetworkMismatch      = "Wrong network. Please switch your wallet to Mezo and try again."
	MsgSwitchUnsupported    = "Your wallet cannot switch networks automatically. Switch to Mezo manually and retry."
	MsgReceiptTimeout       = "The transaction was not confirmed in time. Check the explorer before retrying."
	MsgAllowanceNotVerified = "The token approval did not take effect. Please retry."
	MsgInProgress           = "An operation is already in progress. Wait for it to finish."
	MsgBelowMinimumDeposit  = "The amount is below the minimum deposit."
	MsgAboveMaximumDeposit  = "The amount is above the maximum deposit."
	MsgInsufficientBalance  = "The amount exceeds your available balance."
	MsgDepositsPaused       = "Deposits are temporarily paused. Try again later."
	MsgPoolFull             = "This pool is already full."
	MsgNotAMember           = "You are not a member of this pool."
	MsgAlreadyAMember       = "You are already a member of this pool."
	MsgNothingToClaim       = "You have nothing to claim yet."
	MsgSameBlockWithdrawal  = "Withdrawing in the same block as a deposit is blocked. Wait a moment and retry."
	MsgUnknown              = "Something went wrong. Please try again."
)

// revertMessages maps known revert-reason substrings to friendly sentences.
// Matching is case-insensitive and ordered, so the more specific reasons sit
// before the generic ones.
var revertMessages = []struct {
	substr  string
	message string
}{
	{"pool is full", MsgPoolFull},
	{"pool full", MsgPoolFull},
	{"already a member", MsgAlreadyAMember},
	{"not a member", MsgNotAMember},
	{"nothing to claim", MsgNothingToClaim},
	{"no yield", MsgNothingToClaim},
	{"same block", MsgSameBlockWithdrawal},
	{"same-block", MsgSameBlockWithdrawal},
	{"below minimum", MsgBelowMinimumDeposit},
	{"above maximum", MsgAboveMaximumDeposit},
	{"deposits paused", MsgDepositsPaused},
	{"paused", MsgDepositsPaused},
}

// UserMessage translates any error from the orchestration layer into one of
// the fixed user-facing strings.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, wallet.ErrNotConnected):
		return MsgWalletNotConnected
	case errors.Is(err, wallet.ErrSwitchUnsupported):
		return MsgSwitchUnsupported
	case errors.Is(err, wallet.ErrSwitchDeclined):
		return MsgNetworkMismatch
	case errors.Is(err, chain.ErrReceiptTimeout):
		return MsgReceiptTimeout
	case errors.Is(err, ErrAllowanceNotEffective):
		return MsgAllowanceNotVerified
	case errors.Is(err, ErrMutationInFlight), errors.Is(err, ErrOperationInProgress):
		return MsgInProgress
	case errors.Is(err, ErrBelowMinimumDeposit):
		return MsgBelowMinimumDeposit
	case errors.Is(err, ErrAboveMaximumDeposit):
		return MsgAboveMaximumDeposit
	case errors.Is(err, ErrInsufficientBalance):
		return MsgInsufficientBalance
	case errors.Is(err, ErrDepositsPaused):
		return MsgDepositsPaused
	case errors.Is(err, ErrPoolFull):
		return MsgPoolFull
	}

	text := strings.ToLower(err.Error())

	if strings.Contains(text, "user denied") ||
		strings.Contains(text, "user rejected") ||
		strings.Contains(text, "rejected by user") ||
		strings.Contains(text, "request rejected") {
		return MsgUserRejected
	}
	if strings.Contains(text, "insufficient funds") {
		return MsgInsufficientGas
	}
	for _, m := range revertMessages {
		if strings.Contains(text, m.substr) {
			return m.message
		}
	}
	return MsgUnknown
}
