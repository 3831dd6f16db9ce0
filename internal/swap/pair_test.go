package swap

import (
	"testing"

	"github.com/fachebot/evm-swap-engine/internal/registry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaultPair(t *testing.T) {
	reg := testRegistry(t)
	tokens := reg.ListTokens(testChainId)

	from, to := ResolveDefaultPair(tokens, testChainId, "", "")
	require.Equal(t, "ETH", from.Symbol)
	require.Equal(t, "USDC", to.Symbol)

	from, to = ResolveDefaultPair(tokens, testChainId, "dai", "eth")
	require.Equal(t, "DAI", from.Symbol)
	require.Equal(t, "ETH", to.Symbol)

	// 偏好的 to 与 from 相同时回退到稳定币
	from, to = ResolveDefaultPair(tokens, testChainId, "USDC", "USDC")
	require.Equal(t, "USDC", from.Symbol)
	require.Equal(t, "DAI", to.Symbol)

	from, to = ResolveDefaultPair(tokens, 56, "", "")
	require.Nil(t, from)
	require.Nil(t, to)

	from, to = ResolveDefaultPair(tokens[:1], testChainId, "", "")
	require.Equal(t, "ETH", from.Symbol)
	require.Nil(t, to)
}

func TestResolveDefaultPairWithoutNative(t *testing.T) {
	tokens := []registry.Token{
		{ChainId: testChainId, Address: common.HexToAddress("0x01"), Symbol: "B", Priority: 5},
		{ChainId: testChainId, Address: common.HexToAddress("0x02"), Symbol: "A", Priority: 1},
		{ChainId: testChainId, Address: common.HexToAddress("0x03"), Symbol: "C", Priority: 9},
	}

	from, to := ResolveDefaultPair(tokens, testChainId, "", "")
	require.Equal(t, "A", from.Symbol)
	require.Equal(t, "B", to.Symbol)
}

func TestSwitchTokensTwice(t *testing.T) {
	reg := testRegistry(t)
	sel := Selection{
		FromToken:  mustToken(t, reg, "ETH"),
		ToToken:    mustToken(t, reg, "USDC"),
		FromAmount: "1.5",
	}

	sel.switchTokens()
	require.Equal(t, "USDC", sel.FromToken.Symbol)
	require.Equal(t, "ETH", sel.ToToken.Symbol)
	require.Empty(t, sel.FromAmount)

	sel.switchTokens()
	require.Equal(t, "ETH", sel.FromToken.Symbol)
	require.Equal(t, "USDC", sel.ToToken.Symbol)
	require.Empty(t, sel.FromAmount)
}

func TestSelectionReconcile(t *testing.T) {
	reg := testRegistry(t)
	tokens := reg.ListTokens(testChainId)

	sel := Selection{FromToken: mustToken(t, reg, "DAI"), ToToken: mustToken(t, reg, "USDC"), FromAmount: "3"}
	require.False(t, sel.reconcile(tokens, testChainId, "", ""))
	require.Equal(t, "DAI", sel.FromToken.Symbol)

	foreign := registry.Token{ChainId: 56, Address: common.HexToAddress("0x55"), Symbol: "BUSD"}
	sel.ToToken = &foreign
	require.True(t, sel.reconcile(tokens, testChainId, "", ""))
	require.Equal(t, "ETH", sel.FromToken.Symbol)
	require.Equal(t, "USDC", sel.ToToken.Symbol)
	require.Equal(t, "3", sel.FromAmount)
}
