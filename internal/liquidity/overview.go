package liquidity

import (
	"context"
	"math/big"

	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// PoolOverview 池子储备与现价, 储备按配置顺序排列
type PoolOverview struct {
	Pool        registry.Pool
	PairAddress common.Address
	Reserve0    *big.Int
	Reserve1    *big.Int
	TotalSupply *big.Int
	// Price0Per1 以 token1 计价的 token0 价格
	Price0Per1 decimal.Decimal
	Price1Per1 decimal.Decimal
}

func spotPrices(pool registry.Pool, reserve0, reserve1 *big.Int) (price0Per1, price1Per1 decimal.Decimal) {
	amount0 := evm.ParseUnits(reserve0, pool.Token0.Decimals)
	amount1 := evm.ParseUnits(reserve1, pool.Token1.Decimals)
	if amount0.IsZero() || amount1.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return amount1.Div(amount0), amount0.Div(amount1)
}

func (a *Aggregator) Overview(ctx context.Context, chainId int64) ([]PoolOverview, error) {
	states, err := a.readPools(ctx, chainId, nil)
	if err != nil {
		return nil, err
	}

	return lo.Map(states, func(s poolState, _ int) PoolOverview {
		price0Per1, price1Per1 := spotPrices(s.pool, s.reserve0, s.reserve1)
		return PoolOverview{
			Pool:        s.pool,
			PairAddress: s.pair,
			Reserve0:    s.reserve0,
			Reserve1:    s.reserve1,
			TotalSupply: s.totalSupply,
			Price0Per1:  price0Per1,
			Price1Per1:  price1Per1,
		}
	}), nil
}
