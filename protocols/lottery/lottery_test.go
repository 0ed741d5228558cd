package lottery

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipuvault/khipu-client-go/chain/chaintest"
	"github.com/khipuvault/khipu-client-go/protocols/erc20"
	"github.com/khipuvault/khipu-client-go/querycache"
	"github.com/khipuvault/khipu-client-go/txflow"
	"github.com/khipuvault/khipu-client-go/wallet"
)

var (
	drawAddr  = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	tokenAddr = common.HexToAddress("0x7b7C000000000000000000000000000000000001")
)

type testSigner struct{}

func (testSigner) Address() common.Address {
	return common.HexToAddress("0x0000000000000000000000000000000000000aa1")
}

func (testSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

func newTestBackend() *chaintest.Backend {
	backend := chaintest.New(31611)
	backend.StubReadValues("decimals", uint8(0))
	backend.StubReadValues("balanceOf", big.NewInt(1000))
	backend.StubReadValues("allowance", big.NewInt(1_000_000))
	backend.StubReadValues("minEntry", big.NewInt(10))
	backend.StubReadValues("currentDraw",
		big.NewInt(750), big.NewInt(1_700_000_000), big.NewInt(42))
	backend.StubReadValues("ticketsOf", big.NewInt(5), big.NewInt(100))
	return backend
}

func newTestClient(t *testing.T, backend *chaintest.Backend) *Client {
	t.Helper()
	session := wallet.NewSession(31611, nil)
	session.Connect(testSigner{})

	client, err := New(Config{
		Backend:     backend,
		Session:     session,
		Contract:    drawAddr,
		Token:       erc20.NewToken(backend, tokenAddr),
		Cache:       querycache.New(time.Hour, nil),
		SettleDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestDrawAndTicketViews(t *testing.T) {
	client := newTestClient(t, newTestBackend())

	draw, err := client.Draw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(750), draw.Prize)
	assert.Equal(t, uint64(42), draw.ParticipantCount)
	assert.Equal(t, int64(1_700_000_000), draw.DrawTime.Unix())

	tickets, err := client.Tickets(context.Background(), testSigner{}.Address())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), tickets.Tickets)
	assert.Equal(t, big.NewInt(100), tickets.Deposited)
}

func TestEnterSubmitsAfterPreflight(t *testing.T) {
	backend := newTestBackend()
	client := newTestClient(t, backend)

	require.NoError(t, client.Enter(context.Background(), "100"))
	require.Equal(t, 1, backend.WriteCount("enter"))
	assert.Equal(t, big.NewInt(100), backend.WriteCalls()[0].Args[0])
	assert.Equal(t, txflow.StateSuccess, client.Snapshot().State)
}

func TestEnterBelowMinimumRejected(t *testing.T) {
	backend := newTestBackend()
	client := newTestClient(t, backend)

	err := client.Enter(context.Background(), "5")
	require.ErrorIs(t, err, txflow.ErrBelowMinimumDeposit)
	assert.Empty(t, backend.WriteCalls())
}

func TestEnterAboveBalanceRejected(t *testing.T) {
	backend := newTestBackend()
	client := newTestClient(t, backend)

	err := client.Enter(context.Background(), "2000")
	require.ErrorIs(t, err, txflow.ErrInsufficientBalance)
	assert.Empty(t, backend.WriteCalls())
}

func TestWithdrawAndClaimPrize(t *testing.T) {
	backend := newTestBackend()
	client := newTestClient(t, backend)

	require.NoError(t, client.Withdraw(context.Background()))
	require.NoError(t, client.Reset())
	require.NoError(t, client.ClaimPrize(context.Background()))

	assert.Equal(t, 1, backend.WriteCount("withdraw"))
	assert.Equal(t, 1, backend.WriteCount("claimPrize"))
}

func TestPrizeDrawnInvalidatesEverything(t *testing.T) {
	client := newTestClient(t, newTestBackend())

	rules := client.Rules()
	require.Len(t, rules, 2)
	assert.ElementsMatch(t, []string{"Entered", "Withdrawn"}, rules[0].Events)
	assert.True(t, rules[1].Everything)
	assert.Equal(t, []string{"PrizeDrawn"}, rules[1].Events)
}
