package swap

import (
	"math/big"
	"testing"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func testQuote(t *testing.T, from, to string, amountIn, amountOut *big.Int) *Quote {
	reg := testRegistry(t)
	fromToken, toToken := mustToken(t, reg, from), mustToken(t, reg, to)
	return &Quote{
		Key:       QuoteKey{ChainId: testChainId, From: fromToken.Address, To: toToken.Address, Amount: "1"},
		FromToken: *fromToken,
		ToToken:   *toToken,
		Path:      []common.Address{fromToken.PathAddress(), toToken.PathAddress()},
		AmountIn:  amountIn,
		AmountOut: amountOut,
		FetchedAt: time.Now(),
	}
}

func TestBuildReviewParams(t *testing.T) {
	q := testQuote(t, "ETH", "USDC", bigInt("1000000000000000000"), big.NewInt(3500000000))
	now := time.Unix(1700000000, 0)

	review, err := BuildReviewParams(q, DefaultSettings(), userAddr, now)
	require.NoError(t, err)
	require.Equal(t, "3489500000", review.AmountOutMin.String())
	require.Equal(t, "1", review.FromAmount)
	require.Equal(t, "3500", review.ToAmount)
	require.Equal(t, "3489.5", review.ToAmountMin)
	require.Equal(t, int64(1700000000+30*60), review.Deadline.Int64())
	require.Equal(t, userAddr, review.Recipient)

	_, err = BuildReviewParams(q, Settings{SlippageBps: 10000, DeadlineMinutes: 30}, userAddr, now)
	require.ErrorIs(t, err, ErrQuoteUnusable)

	_, err = BuildReviewParams(nil, DefaultSettings(), userAddr, now)
	require.ErrorIs(t, err, ErrQuoteUnusable)
}

func TestBuildSwapCall(t *testing.T) {
	tests := []struct {
		from, to string
		method   string
		payable  bool
	}{
		{"ETH", "USDC", "swapExactETHForTokens", true},
		{"USDC", "ETH", "swapExactTokensForETH", false},
		{"USDC", "DAI", "swapExactTokensForTokens", false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			q := testQuote(t, tt.from, tt.to, big.NewInt(1000000), big.NewInt(990000))
			review, err := BuildReviewParams(q, DefaultSettings(), userAddr, time.Now())
			require.NoError(t, err)

			call, err := BuildSwapCall(routerAddr, review)
			require.NoError(t, err)
			require.Equal(t, routerAddr, call.To)
			require.Equal(t, userAddr, call.From)

			method, err := evm.UniswapV2RouterABI.MethodById(call.Data[:4])
			require.NoError(t, err)
			require.Equal(t, tt.method, method.Name)

			if tt.payable {
				require.Equal(t, review.AmountIn, call.Value)
			} else {
				require.Nil(t, call.Value)
			}
		})
	}
}
