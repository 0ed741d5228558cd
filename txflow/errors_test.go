package txflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/wallet"
)

func TestUserMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"Nil", nil, ""},
		{"NotConnected", wallet.ErrNotConnected, MsgWalletNotConnected},
		{"SwitchDeclined", fmt.Errorf("%w: user said no", wallet.ErrSwitchDeclined), MsgNetworkMismatch},
		{"SwitchUnsupported", wallet.ErrSwitchUnsupported, MsgSwitchUnsupported},
		{"ReceiptTimeout", fmt.Errorf("%w: tx 0xabc", chain.ErrReceiptTimeout), MsgReceiptTimeout},
		{"AllowanceNotEffective", ErrAllowanceNotEffective, MsgAllowanceNotVerified},
		{"InFlight", ErrMutationInFlight, MsgInProgress},
		{"InProgress", ErrOperationInProgress, MsgInProgress},
		{"BelowMinimum", ErrBelowMinimumDeposit, MsgBelowMinimumDeposit},
		{"ExceedsBalance", ErrInsufficientBalance, MsgInsufficientBalance},
		{"UserRejected", errors.New("MetaMask Tx Signature: User denied transaction signature"), MsgUserRejected},
		{"InsufficientGas", errors.New("insufficient funds for gas * price + value"), MsgInsufficientGas},
		{"PoolFull", errors.New("execution reverted: pool is full"), MsgPoolFull},
		{"NotAMember", errors.New("execution reverted: caller is not a member"), MsgNotAMember},
		{"AlreadyAMember", errors.New("execution reverted: already a member"), MsgAlreadyAMember},
		{"NothingToClaim", errors.New("execution reverted: nothing to claim"), MsgNothingToClaim},
		{"SameBlock", errors.New("execution reverted: same block withdrawal blocked"), MsgSameBlockWithdrawal},
		{"Paused", errors.New("execution reverted: Pausable: paused"), MsgDepositsPaused},
		{"Unknown", errors.New("some weird provider failure"), MsgUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, UserMessage(tc.err))
		})
	}
}

func TestAlreadyMemberBeatsNotMember(t *testing.T) {
	// "already a member" contains "a member"; ordering in the table must
	// keep the specific match first.
	assert.Equal(t, MsgAlreadyAMember, UserMessage(errors.New("already a member of this pool")))
}
