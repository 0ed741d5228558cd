package registry

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProducts() []Product {
	return []Product{
		{Kind: KindIndividual, Name: "Individual Savings", Address: common.HexToAddress("0xC2c7c8E1325Ec049302F225c8A0151E561F446Ed"), DeployBlock: 100},
		{Kind: KindCooperative, Name: "Cooperative Pools", Address: common.HexToAddress("0xDDe8c75271E454075BD2f348213A66B142BB8906"), DeployBlock: 120},
		{Kind: KindAggregator, Name: "Yield Aggregator", Address: common.HexToAddress("0xfB3265402f388d72a9b63353b4a7BeeC4fD9De4c"), DeployBlock: 90},
	}
}

func TestRegistryLookups(t *testing.T) {
	r, err := New(testProducts())
	require.NoError(t, err)

	p, ok := r.ByKind(KindCooperative)
	require.True(t, ok)
	assert.Equal(t, "Cooperative Pools", p.Name)

	p, ok = r.ByAddress(common.HexToAddress("0xC2c7c8E1325Ec049302F225c8A0151E561F446Ed"))
	require.True(t, ok)
	assert.Equal(t, KindIndividual, p.Kind)

	_, ok = r.ByKind(KindLottery)
	assert.False(t, ok)
	_, ok = r.ByAddress(common.HexToAddress("0x01"))
	assert.False(t, ok)
}

func TestRegistryRejectsBadInput(t *testing.T) {
	base := testProducts()

	_, err := New(append(base, Product{Kind: "mystery", Address: common.HexToAddress("0x02")}))
	assert.Error(t, err)

	_, err = New(append(base, Product{Kind: KindLottery}))
	assert.Error(t, err, "zero address must be rejected")

	_, err = New(append(base, base[0]))
	assert.Error(t, err, "duplicate kind must be rejected")

	dup := base[0]
	dup.Kind = KindLottery
	_, err = New(append(base, dup))
	assert.Error(t, err, "duplicate address must be rejected")
}

func TestRegistryAllIsACopy(t *testing.T) {
	r, err := New(testProducts())
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 3)
	all[0].Name = "mutated"

	again := r.All()
	assert.Equal(t, "Individual Savings", again[0].Name)
}
