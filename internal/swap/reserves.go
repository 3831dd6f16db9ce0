package swap

import (
	"context"
	"math/big"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/registry"

	"github.com/ethereum/go-ethereum/common"
)

// Reserves 按交易方向排列的池子储备
type Reserves struct {
	Pair       common.Address
	ReserveIn  *big.Int
	ReserveOut *big.Int
}

func (e *QuoteEngine) factoryAddress(ctx context.Context, client eth.Reader, chain registry.Chain) (common.Address, error) {
	if chain.FactoryAddress != (common.Address{}) {
		return chain.FactoryAddress, nil
	}

	factory, err := client.Factory(ctx, chain.RouterAddress)
	if err != nil {
		return common.Address{}, err
	}
	e.registry.SetFactoryAddress(chain.Id, factory)
	return factory, nil
}

// pairReserves 交易对不存在时返回 nil, nil
func (e *QuoteEngine) pairReserves(ctx context.Context, client eth.Reader, chain registry.Chain, tokenIn, tokenOut common.Address) (*Reserves, error) {
	factory, err := e.factoryAddress(ctx, client, chain)
	if err != nil {
		return nil, err
	}

	pair, err := client.GetPair(ctx, factory, tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	if pair == (common.Address{}) {
		return nil, nil
	}

	token0, err := client.Token0(ctx, pair)
	if err != nil {
		return nil, err
	}

	reserve0, reserve1, err := client.GetReserves(ctx, pair)
	if err != nil {
		return nil, err
	}

	if token0 == tokenIn {
		return &Reserves{Pair: pair, ReserveIn: reserve0, ReserveOut: reserve1}, nil
	}
	return &Reserves{Pair: pair, ReserveIn: reserve1, ReserveOut: reserve0}, nil
}
