package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testYAML = `
Chains:
  - Id: 1
    RouterAddress: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
    WrappedNativeAddress: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    Tokens:
      - Symbol: ETH
        IsNative: true
      - Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
        Symbol: USDC
        Decimals: 6
    Pools:
      - PairAddress: "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
        Token0: ETH
        Token1: USDC
  - Id: 11155111
    Name: Sepolia
    RouterAddress: "0xeE567Fe1712Faf6149d80dA1E6934E354124CfE3"
    WrappedNativeAddress: "0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"
Session:
  DefaultChainId: 11155111
  MinGasBalance: "0.005"
`

func TestLoadDefaults(t *testing.T) {
	c, err := Load([]byte(testYAML))
	require.NoError(t, err)
	require.Len(t, c.Chains, 2)

	mainnet, ok := c.FindChain(1)
	require.True(t, ok)
	require.Equal(t, "Chain 1", mainnet.Name)
	require.Equal(t, "ETH", mainnet.NativeCurrency.Symbol)
	require.Equal(t, uint8(18), mainnet.NativeCurrency.Decimals)
	require.Equal(t, 30, mainnet.Pools[0].FeeBps)

	require.Equal(t, 30, c.SwapSettings.SlippageBps)
	require.Equal(t, 30, c.SwapSettings.DeadlineMinutes)
	require.Equal(t, 400, c.Quote.DebounceMs)
	require.Equal(t, "400ms", c.Quote.Debounce().String())
	require.Equal(t, "30s", c.Quote.StaleTime().String())
	require.Equal(t, "30s", c.Quote.RefreshInterval().String())
	require.Equal(t, 15, c.Liquidity.StaleSeconds)
	require.Equal(t, int64(11155111), c.Session.DefaultChainId)
	require.Equal(t, 20, c.Session.RecentSwapLimit)
	require.Equal(t, "0.005", c.Session.MinGasBalance.String())
	require.NotEmpty(t, c.Database)

	_, ok = c.FindChain(56)
	require.False(t, ok)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"no chains": `Chains: []`,
		"missing router": `
Chains:
  - Id: 1
    WrappedNativeAddress: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"`,
		"duplicate chain": `
Chains:
  - Id: 1
    RouterAddress: "0x01"
    WrappedNativeAddress: "0x02"
  - Id: 1
    RouterAddress: "0x01"
    WrappedNativeAddress: "0x02"`,
		"bad slippage": `
Chains:
  - Id: 1
    RouterAddress: "0x01"
    WrappedNativeAddress: "0x02"
SwapSettings:
  SlippageBps: 10001`,
		"unknown default chain": `
Chains:
  - Id: 1
    RouterAddress: "0x01"
    WrappedNativeAddress: "0x02"
Session:
  DefaultChainId: 56`,
		"incomplete pool": `
Chains:
  - Id: 1
    RouterAddress: "0x01"
    WrappedNativeAddress: "0x02"
    Pools:
      - Token0: ETH`,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(data))
			require.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(testYAML), 0644))

	c, err := LoadFromFile(filename)
	require.NoError(t, err)
	require.Equal(t, "Sepolia", c.Chains[1].Name)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("SWAPENGINE_PRIVATE_KEY", "0xabc")
	s, err := LoadSecrets()
	require.NoError(t, err)
	require.Equal(t, "0xabc", s.PrivateKey)
}
