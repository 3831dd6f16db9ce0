package swap

import (
	"math/big"
)

const BpsDenominator = 10000

func clampBps(bps int) int {
	if bps < 0 {
		return 0
	}
	if bps > BpsDenominator {
		return BpsDenominator
	}
	return bps
}

// ApplySlippage amountOut * (10000 - bps) / 10000, 向下取整
func ApplySlippage(amountOut *big.Int, slippageBps int) *big.Int {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return big.NewInt(0)
	}

	bps := clampBps(slippageBps)
	v := new(big.Int).Mul(amountOut, big.NewInt(int64(BpsDenominator-bps)))
	return v.Quo(v, big.NewInt(BpsDenominator))
}

// CalcPriceImpact 返回百分比, 输入无效或会耗尽池子时返回0
//
//	priceBefore = reserveOut / reserveIn
//	priceAfter  = (reserveOut - amountOut) / (reserveIn + amountIn)
//	impact      = (priceBefore - priceAfter) / priceBefore * 100
//	            = (amountIn*reserveOut + amountOut*reserveIn) / ((reserveIn+amountIn)*reserveOut) * 100
func CalcPriceImpact(amountIn, amountOut, reserveIn, reserveOut *big.Int) float64 {
	for _, v := range []*big.Int{amountIn, amountOut, reserveIn, reserveOut} {
		if v == nil || v.Sign() <= 0 {
			return 0
		}
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return 0
	}

	num := new(big.Int).Mul(amountIn, reserveOut)
	num.Add(num, new(big.Int).Mul(amountOut, reserveIn))
	num.Mul(num, big.NewInt(100))

	den := new(big.Int).Add(reserveIn, amountIn)
	den.Mul(den, reserveOut)

	impact, _ := new(big.Rat).SetFrac(num, den).Float64()
	return impact
}
