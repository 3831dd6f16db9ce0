package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fachebot/evm-swap-engine/internal/config"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	wethHex = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdcHex = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	daiHex  = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
	wbtcHex = "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"
)

func testConfig() *config.Config {
	return &config.Config{
		Chains: []config.Chain{
			{
				Id:                   1,
				Name:                 "Ethereum",
				RouterAddress:        "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
				WrappedNativeAddress: wethHex,
				ExplorerBaseUrl:      "https://etherscan.io/",
				NativeCurrency:       config.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
				Tokens: []config.Token{
					{Address: daiHex, Symbol: "DAI", Decimals: 18, Priority: 3},
					{Symbol: "", IsNative: true, Priority: 1},
					{Address: usdcHex, Symbol: "USDC", Decimals: 6, IsStable: true, Priority: 2},
				},
				Pools: []config.Pool{
					{PairAddress: "0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11", Token0: "ETH", Token1: "dai", Priority: 2},
					{Id: "eth-usdc", PairAddress: "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc", Token0: "ETH", Token1: usdcHex, Priority: 1},
				},
			},
			{
				Id:                   10,
				Name:                 "Optimism",
				RouterAddress:        "0x4A7b5Da61326A6379179b40d00F57E5bbDC962c2",
				WrappedNativeAddress: "0x4200000000000000000000000000000000000006",
				NativeCurrency:       config.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
				Tokens: []config.Token{
					{IsNative: true},
					{Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Symbol: "USDC", Decimals: 6, CanonicalChainId: 1, CanonicalAddress: usdcHex},
				},
			},
		},
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := New(testConfig())
	require.NoError(t, err)

	require.Equal(t, []int64{1, 10}, reg.ListSupportedChains())
	require.True(t, reg.IsSupportedChain(10))
	require.False(t, reg.IsSupportedChain(56))

	chain, ok := reg.GetChainConfig(1)
	require.True(t, ok)
	require.Equal(t, "https://etherscan.io", chain.ExplorerBaseUrl)
	require.Equal(t, common.Address{}, chain.FactoryAddress)

	tokens := reg.ListTokens(1)
	require.Len(t, tokens, 3)
	require.Equal(t, []string{"ETH", "USDC", "DAI"}, []string{tokens[0].Symbol, tokens[1].Symbol, tokens[2].Symbol})

	eth := tokens[0]
	require.True(t, eth.IsNativeAsset())
	require.Equal(t, uint8(18), eth.Decimals)
	require.Equal(t, "Ether", eth.Name)
	require.Equal(t, common.HexToAddress(wethHex), eth.PathAddress())

	usdc, ok := reg.FindToken(1, "usdc")
	require.True(t, ok)
	require.Equal(t, usdc.Address, usdc.PathAddress())
	byAddress, ok := reg.FindToken(1, usdcHex)
	require.True(t, ok)
	require.True(t, usdc.Equal(byAddress))

	_, ok = reg.FindToken(1, "WBTC")
	require.False(t, ok)
	require.True(t, reg.ContainsToken(usdc))
	require.False(t, reg.ContainsToken(Token{ChainId: 1, Address: common.HexToAddress(wbtcHex)}))
}

func TestNewRegistryRejectsInvalidConfig(t *testing.T) {
	c := testConfig()
	c.Chains[0].Tokens = append(c.Chains[0].Tokens, config.Token{Address: usdcHex, Symbol: "USDC2"})
	_, err := New(c)
	require.Error(t, err)

	c = testConfig()
	c.Chains[0].Pools = append(c.Chains[0].Pools, config.Pool{PairAddress: "0x01", Token0: "ETH", Token1: "WBTC"})
	_, err = New(c)
	require.Error(t, err)
}

func TestListPools(t *testing.T) {
	reg, err := New(testConfig())
	require.NoError(t, err)

	pools := reg.ListPools(1)
	require.Len(t, pools, 2)
	require.Equal(t, "eth-usdc", pools[0].Id)
	require.Equal(t, "eth-dai", pools[1].Id)
	require.Equal(t, "DAI", pools[1].Token1.Symbol)
	require.Empty(t, reg.ListPools(10))
}

func TestSetFactoryAddress(t *testing.T) {
	reg, err := New(testConfig())
	require.NoError(t, err)

	factory := common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	reg.SetFactoryAddress(1, factory)
	reg.SetFactoryAddress(56, factory)

	chain, _ := reg.GetChainConfig(1)
	require.Equal(t, factory, chain.FactoryAddress)
	_, ok := reg.GetChainConfig(56)
	require.False(t, ok)
}

func TestAssetIdentity(t *testing.T) {
	reg, err := New(testConfig())
	require.NoError(t, err)

	mainnetUsdc, _ := reg.FindToken(1, "USDC")
	opUsdc, _ := reg.FindToken(10, "USDC")
	mainnetEth, _ := reg.FindToken(1, "ETH")
	opEth, _ := reg.FindToken(10, "ETH")

	require.True(t, IsSameAsset(&mainnetUsdc, &opUsdc))
	require.False(t, IsSameAsset(&mainnetEth, &opEth))
	require.False(t, IsSameAsset(&mainnetEth, nil))

	require.Equal(t, PoolIdentityKey(mainnetEth, mainnetUsdc), PoolIdentityKey(mainnetUsdc, mainnetEth))
	require.Equal(t, PoolIdentityKey(mainnetEth, mainnetUsdc), PoolIdentityKey(mainnetEth, opUsdc))
}

func TestFetchAndMergeTokenList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"name": "Test List",
			"tokens": [
				{"chainId": 1, "address": "` + wbtcHex + `", "symbol": "WBTC", "name": "Wrapped BTC", "decimals": 8},
				{"chainId": 1, "address": "` + usdcHex + `", "symbol": "USDC.e", "decimals": 6},
				{"chainId": 1, "address": "0x6B3595068778DD592e39A122f4f5a5cF09C90fE2", "symbol": "SUSD", "decimals": 18, "tags": ["stablecoin"]},
				{"chainId": 1, "address": "not-an-address", "symbol": "BAD", "decimals": 18},
				{"chainId": 56, "address": "0x55d398326f99059fF775485246999027B3197955", "symbol": "USDT", "decimals": 18}
			]
		}`))
	}))
	defer server.Close()

	list, err := FetchTokenList(context.Background(), server.Client(), server.URL)
	require.NoError(t, err)
	require.Equal(t, "Test List", list.Name)

	entries := list.ForChain(1)
	require.Len(t, entries, 3)
	require.True(t, entries[2].IsStable)

	reg, err := New(testConfig())
	require.NoError(t, err)
	require.Equal(t, 2, reg.MergeTokens(1, entries))
	require.Zero(t, reg.MergeTokens(56, list.ForChain(56)))

	usdc, ok := reg.FindToken(1, usdcHex)
	require.True(t, ok)
	require.Equal(t, "USDC", usdc.Symbol)

	tokens := reg.ListTokens(1)
	require.Len(t, tokens, 5)
	require.Equal(t, "ETH", tokens[0].Symbol)
	require.Equal(t, DefaultPriority, tokens[4].Priority)
}

type fakeMetaLoader struct {
	calls int
	err   error
}

func (l *fakeMetaLoader) GetTokenMeta(_ context.Context, _ int64, _ common.Address) (Metadata, error) {
	l.calls++
	if l.err != nil {
		return Metadata{}, l.err
	}
	return Metadata{Name: "Wrapped BTC", Symbol: "WBTC", Decimals: 8}, nil
}

func TestFillMetadata(t *testing.T) {
	c := testConfig()
	c.Chains[0].Tokens = append(c.Chains[0].Tokens, config.Token{Address: wbtcHex})
	reg, err := New(c)
	require.NoError(t, err)

	loader := &fakeMetaLoader{}
	require.NoError(t, reg.FillMetadata(context.Background(), loader))
	require.Equal(t, 1, loader.calls)

	wbtc, ok := reg.FindToken(1, "WBTC")
	require.True(t, ok)
	require.Equal(t, uint8(8), wbtc.Decimals)
	require.Equal(t, "Wrapped BTC", wbtc.Name)

	c = testConfig()
	c.Chains[0].Tokens = append(c.Chains[0].Tokens, config.Token{Address: wbtcHex})
	reg, err = New(c)
	require.NoError(t, err)
	require.Error(t, reg.FillMetadata(context.Background(), &fakeMetaLoader{err: errors.New("execution reverted")}))
}
