package aggregator

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipuvault/khipu-client-go/chain/chaintest"
	"github.com/khipuvault/khipu-client-go/txflow"
)

var aggregatorAddr = common.HexToAddress("0xfB3265402f388d72a9b63353b4a7BeeC4fD9De4c")

func healthyBackend() *chaintest.Backend {
	backend := chaintest.New(31611)
	backend.StubReadValues("paused", false)
	backend.StubReadValues("depositsPaused", false)
	backend.StubReadValues("activeVaultsList", []common.Address{
		common.HexToAddress("0x9AC6249d2f2E3cbAAF34E114EdF1Cb7519AF04C2"),
	})
	return backend
}

func TestHealthAllClear(t *testing.T) {
	client := New(healthyBackend(), aggregatorAddr)

	h, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.CanDeposit())
	assert.Empty(t, h.Issues)
	assert.Len(t, h.Vaults, 1)

	require.NoError(t, client.CheckDeposits(context.Background()))
}

func TestHealthReportsEveryIssue(t *testing.T) {
	backend := chaintest.New(31611)
	backend.StubReadValues("paused", true)
	backend.StubReadValues("depositsPaused", true)
	backend.StubReadValues("activeVaultsList", []common.Address{})

	client := New(backend, aggregatorAddr)
	h, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, h.CanDeposit())
	assert.Len(t, h.Issues, 3)
}

func TestCheckDepositsPaused(t *testing.T) {
	backend := healthyBackend()
	backend.StubReadValues("depositsPaused", true)

	client := New(backend, aggregatorAddr)
	err := client.CheckDeposits(context.Background())
	assert.ErrorIs(t, err, txflow.ErrDepositsPaused)
}

func TestCheckDepositsNoVaults(t *testing.T) {
	backend := healthyBackend()
	backend.StubReadValues("activeVaultsList", []common.Address{})

	client := New(backend, aggregatorAddr)
	err := client.CheckDeposits(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveVaults)
}
