package swap

import (
	"errors"
	"math/big"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum/common"
)

var ErrQuoteUnusable = errors.New("quote has no usable minimum output")

// ReviewParams 确认兑换前展示并用于构造交易的参数
type ReviewParams struct {
	ChainId         int64
	FromToken       registry.Token
	ToToken         registry.Token
	Path            []common.Address
	AmountIn        *big.Int
	AmountOut       *big.Int
	AmountOutMin    *big.Int
	FromAmount      string
	ToAmount        string
	ToAmountMin     string
	Recipient       common.Address
	SlippageBps     int
	DeadlineMinutes int
	Deadline        *big.Int
	PriceImpact     float64
}

// BuildReviewParams 报价无法使用时返回 ErrQuoteUnusable
func BuildReviewParams(q *Quote, settings Settings, recipient common.Address, now time.Time) (*ReviewParams, error) {
	if q == nil || q.AmountIn == nil || q.AmountIn.Sign() <= 0 {
		return nil, ErrQuoteUnusable
	}

	result := q.Result(settings.SlippageBps)
	if result.AmountOutMin.Sign() <= 0 {
		return nil, ErrQuoteUnusable
	}

	deadline := now.Add(time.Duration(settings.DeadlineMinutes) * time.Minute).Unix()
	return &ReviewParams{
		ChainId:         q.Key.ChainId,
		FromToken:       q.FromToken,
		ToToken:         q.ToToken,
		Path:            q.Path,
		AmountIn:        q.AmountIn,
		AmountOut:       q.AmountOut,
		AmountOutMin:    result.AmountOutMin,
		FromAmount:      evm.FormatAmount(q.AmountIn, q.FromToken.Decimals),
		ToAmount:        result.FormattedAmountOut,
		ToAmountMin:     result.FormattedAmountOutMin,
		Recipient:       recipient,
		SlippageBps:     clampBps(settings.SlippageBps),
		DeadlineMinutes: settings.DeadlineMinutes,
		Deadline:        big.NewInt(deadline),
		PriceImpact:     result.PriceImpact,
	}, nil
}

// BuildSwapCall 根据原生代币的位置选择路由方法
func BuildSwapCall(router common.Address, p *ReviewParams) (eth.Call, error) {
	var (
		data  []byte
		err   error
		value *big.Int
	)

	abi := evm.UniswapV2RouterABI
	switch {
	case p.FromToken.IsNativeAsset():
		value = p.AmountIn
		data, err = abi.Pack("swapExactETHForTokens", p.AmountOutMin, p.Path, p.Recipient, p.Deadline)
	case p.ToToken.IsNativeAsset():
		data, err = abi.Pack("swapExactTokensForETH", p.AmountIn, p.AmountOutMin, p.Path, p.Recipient, p.Deadline)
	default:
		data, err = abi.Pack("swapExactTokensForTokens", p.AmountIn, p.AmountOutMin, p.Path, p.Recipient, p.Deadline)
	}
	if err != nil {
		return eth.Call{}, err
	}

	return eth.Call{From: p.Recipient, To: router, Value: value, Data: data}, nil
}
