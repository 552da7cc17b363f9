package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleNetworks = `
networks:
  - name: ethereum-mainnet
    currency: USDT
    rpc_url: https://eth.example.org
    token_contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
    token_decimals: 6
    required_confirmations: 19
    lookback_blocks: 2000
  - name: base-mainnet
    currency: USDC
    rpc_url: https://base.example.org
    token_contract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    token_decimals: 6
`

func TestLoadNetworks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleNetworks), 0o600))

	networks, err := LoadNetworks(path)
	require.NoError(t, err)
	require.Len(t, networks, 2)

	assert.Equal(t, "ethereum-mainnet", networks[0].Name)
	assert.Equal(t, int32(6), networks[0].TokenDecimals)
	assert.Equal(t, 19, networks[0].RequiredConfirmations)
	assert.Equal(t, uint64(2000), networks[0].LookbackBlocks)
	assert.Zero(t, networks[1].RequiredConfirmations)

	base, err := FindNetwork(networks, "base-mainnet")
	require.NoError(t, err)
	assert.Equal(t, "USDC", base.Currency)

	_, err = FindNetwork(networks, "solana")
	assert.Error(t, err)
}

func TestParseNetworks_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing name":     "networks:\n  - currency: USDT\n",
		"missing contract": "networks:\n  - name: a\n    currency: USDT\n    rpc_url: http://x\n    token_decimals: 6\n",
		"zero decimals":    "networks:\n  - name: a\n    currency: USDT\n    rpc_url: http://x\n    token_contract: \"0x1\"\n",
		"duplicate": "networks:\n  - {name: a, currency: USDT, rpc_url: http://x, token_contract: \"0x1\", token_decimals: 6}\n" +
			"  - {name: a, currency: USDT, rpc_url: http://x, token_contract: \"0x1\", token_decimals: 6}\n",
		"not yaml": "networks: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseNetworks([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadNetworks_MissingFile(t *testing.T) {
	_, err := LoadNetworks(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
