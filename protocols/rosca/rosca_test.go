package rosca

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
	groupAddr = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	tokenAddr = common.HexToAddress("0x7b7C000000000000000000000000000000000001")
	recipient = common.HexToAddress("0x0000000000000000000000000000000000000bb2")
)

type testSigner struct{}

func (testSigner) Address() common.Address {
	return common.HexToAddress("0x0000000000000000000000000000000000000aa1")
}

func (testSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

func stubGroup(backend *chaintest.Backend, status GroupStatus, count, cap uint64) {
	backend.StubReadValues("getGroup",
		uint8(status),
		new(big.Int).SetUint64(count),
		new(big.Int).SetUint64(cap),
		big.NewInt(50),  // contribution
		big.NewInt(600), // pot
		big.NewInt(3),   // current round
	)
}

func newTestBackend(deadline time.Time) *chaintest.Backend {
	backend := chaintest.New(31611)
	backend.StubReadValues("decimals", uint8(0))
	backend.StubReadValues("balanceOf", big.NewInt(1000))
	backend.StubReadValues("allowance", big.NewInt(1_000_000))
	stubGroup(backend, StatusForming, 4, 12)
	backend.StubReadValues("getRound",
		big.NewInt(50), recipient, big.NewInt(deadline.Unix()))
	return backend
}

func newTestClient(t *testing.T, backend *chaintest.Backend, now time.Time) *Client {
	t.Helper()
	session := wallet.NewSession(31611, nil)
	session.Connect(testSigner{})

	client, err := New(Config{
		Backend:     backend,
		Session:     session,
		Contract:    groupAddr,
		Token:       erc20.NewToken(backend, tokenAddr),
		Cache:       querycache.New(time.Hour, nil),
		SettleDelay: time.Millisecond,
		Now:         func() time.Time { return now },
	})
	require.NoError(t, err)
	return client
}

func TestGroupAndRoundViews(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := newTestBackend(now.Add(time.Hour))
	client := newTestClient(t, backend, now)

	group, err := client.Group(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusForming, group.Status)
	assert.Equal(t, uint64(4), group.ParticipantCount)
	assert.Equal(t, big.NewInt(600), group.Pot)
	assert.Equal(t, uint64(3), group.CurrentRound)

	round, err := client.CurrentRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), round.Index)
	assert.Equal(t, big.NewInt(50), round.DueContribution)
	assert.Equal(t, recipient, round.Recipient)
}

func TestJoinWhileForming(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := newTestBackend(now.Add(time.Hour))
	client := newTestClient(t, backend, now)

	require.NoError(t, client.Join(context.Background()))
	assert.Equal(t, 1, backend.WriteCount("join"))
	assert.Zero(t, backend.WriteCount("approve"))
}

func TestJoinRejectedWhenActive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := newTestBackend(now.Add(time.Hour))
	stubGroup(backend, StatusActive, 4, 12)
	client := newTestClient(t, backend, now)

	err := client.Join(context.Background())
	require.ErrorIs(t, err, ErrGroupNotAccepting)
	assert.Empty(t, backend.WriteCalls())
}

func TestJoinRejectedWhenFull(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := newTestBackend(now.Add(time.Hour))
	stubGroup(backend, StatusForming, 12, 12)
	client := newTestClient(t, backend, now)

	err := client.Join(context.Background())
	require.ErrorIs(t, err, txflow.ErrPoolFull)
	assert.Empty(t, backend.WriteCalls())
}

func TestContributeCurrentRound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := newTestBackend(now.Add(time.Hour))
	stubGroup(backend, StatusActive, 12, 12)
	client := newTestClient(t, backend, now)

	require.NoError(t, client.Contribute(context.Background()))
	assert.Equal(t, 1, backend.WriteCount("contribute"))
	assert.Equal(t, txflow.StepDone, client.LastStep())
}

func TestContributeAfterDeadlineRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := newTestBackend(now.Add(-time.Minute))
	stubGroup(backend, StatusActive, 12, 12)
	client := newTestClient(t, backend, now)

	err := client.Contribute(context.Background())
	require.ErrorIs(t, err, ErrRoundOver)
	assert.Empty(t, backend.WriteCalls())
}

func TestContributeNeedsBalance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := newTestBackend(now.Add(time.Hour))
	stubGroup(backend, StatusActive, 12, 12)
	backend.StubReadValues("balanceOf", big.NewInt(10))
	client := newTestClient(t, backend, now)

	err := client.Contribute(context.Background())
	require.ErrorIs(t, err, txflow.ErrInsufficientBalance)
	assert.Empty(t, backend.WriteCalls())
}

func TestClaimPot(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := newTestBackend(now.Add(time.Hour))
	client := newTestClient(t, backend, now)

	require.NoError(t, client.ClaimPot(context.Background()))
	assert.Equal(t, 1, backend.WriteCount("claimPot"))
}

func TestRulesCoverWholeABI(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	client := newTestClient(t, newTestBackend(now.Add(time.Hour)), now)

	rules := client.Rules()
	require.Len(t, rules, 1)
	assert.Empty(t, rules[0].Events, "empty list binds every event in the ABI")
	assert.Contains(t, rules[0].Keys, Namespace)
}
