package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validYAML = `
chain_id: 31611
rpc_url: "https://testnet-rpc.mezo.org"
private_key_env: "KHIPU_PRIVATE_KEY"

token:
  address: "0x1111111111111111111111111111111111111111"
individual_pool:
  address: "0xC2c7c8E1325Ec049302F225c8A0151E561F446Ed"
  deploy_block: 100
cooperative_pool:
  address: "0xDDe8c75271E454075BD2f348213A66B142BB8906"
rosca:
  address: "0x2222222222222222222222222222222222222222"
lottery:
  address: "0x3333333333333333333333333333333333333333"
yield_aggregator:
  address: "0xfB3265402f388d72a9b63353b4a7BeeC4fD9De4c"

cache_stale_after: 30s
scan:
  chunk_size: 5000
  max_retries: 4
  retry_base_delay: 250ms
  retry_max_delay: 4s
  stale_after: 10m
  requests_per_second: 8
  marker_file: "markers.json"
mutation:
  receipt_timeout: 90s
  settle_delay: 3s
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, uint64(31611), cfg.ChainID)
	require.Equal(t, "https://testnet-rpc.mezo.org", cfg.RPCURL)
	require.Equal(t, "KHIPU_PRIVATE_KEY", cfg.PrivateKeyEnv)
	require.Equal(t, "0xC2c7c8E1325Ec049302F225c8A0151E561F446Ed", cfg.Individual.Address)
	require.Equal(t, uint64(100), cfg.Individual.DeployBlock)
	require.Equal(t, 30*time.Second, cfg.CacheStaleAfter.Std())
	require.Equal(t, uint64(5000), cfg.Scan.ChunkSize)
	require.Equal(t, 250*time.Millisecond, cfg.Scan.RetryBaseDelay.Std())
	require.Equal(t, "markers.json", cfg.Scan.MarkerFile)
	require.Equal(t, 90*time.Second, cfg.Mutation.ReceiptTimeout.Std())
	require.Equal(t, 3*time.Second, cfg.Mutation.SettleDelay.Std())
}

func TestLoadConfigDefaults(t *testing.T) {
	minimal := `
chain_id: 31611
rpc_url: "https://testnet-rpc.mezo.org"
token:
  address: "0x1111111111111111111111111111111111111111"
individual_pool:
  address: "0x2222222222222222222222222222222222222222"
cooperative_pool:
  address: "0x3333333333333333333333333333333333333333"
rosca:
  address: "0x4444444444444444444444444444444444444444"
lottery:
  address: "0x5555555555555555555555555555555555555555"
yield_aggregator:
  address: "0x6666666666666666666666666666666666666666"
`
	cfg, err := LoadConfig(writeConfig(t, minimal))
	require.NoError(t, err)

	require.Equal(t, defaultCacheStaleAfter, cfg.CacheStaleAfter)
	require.Equal(t, defaultMarkerFile, cfg.Scan.MarkerFile)
	require.Equal(t, defaultLogFile, cfg.LogFile)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"missing chain id", `rpc_url: "https://testnet-rpc.mezo.org"`},
		{"missing rpc url", `chain_id: 31611`},
		{
			"bad contract address",
			`
chain_id: 31611
rpc_url: "https://testnet-rpc.mezo.org"
token:
  address: "not-an-address"
`,
		},
		{"malformed yaml", `chain_id: [`},
		{
			"bad duration",
			`
chain_id: 31611
rpc_url: "https://testnet-rpc.mezo.org"
cache_stale_after: "soon"
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.contents))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
