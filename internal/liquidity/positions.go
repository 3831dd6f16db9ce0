package liquidity

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/logger"
	"github.com/fachebot/evm-swap-engine/internal/metrics"
	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const maxConcurrentPools = 4

// shareScale 先放大再相除, 避免小份额被截断为0
var shareScale = big.NewInt(1_000_000_000)

type Position struct {
	Pool          registry.Pool
	PairAddress   common.Address
	LpBalance     *big.Int
	LpTotalSupply *big.Int
	// SharePercent 保留7位小数
	SharePercent decimal.Decimal
	Reserve0     *big.Int
	Reserve1     *big.Int
	Pooled0      *big.Int
	Pooled1      *big.Int
}

func (p Position) PoolId() string {
	return p.Pool.Id
}

func (p Position) FormattedPooled0() string {
	return evm.FormatDisplay(p.Pooled0, p.Pool.Token0.Decimals)
}

func (p Position) FormattedPooled1() string {
	return evm.FormatDisplay(p.Pooled1, p.Pool.Token1.Decimals)
}

// SharePercent lpBalance / totalSupply * 100
func SharePercent(lpBalance, totalSupply *big.Int) decimal.Decimal {
	if lpBalance == nil || totalSupply == nil || lpBalance.Sign() <= 0 || totalSupply.Sign() <= 0 {
		return decimal.Zero
	}
	scaled := new(big.Int).Mul(lpBalance, shareScale)
	scaled.Quo(scaled, totalSupply)
	return decimal.NewFromBigInt(scaled, -7)
}

// PooledAmount floor(reserve * lpBalance / totalSupply)
func PooledAmount(reserve, lpBalance, totalSupply *big.Int) *big.Int {
	if reserve == nil || lpBalance == nil || totalSupply == nil || totalSupply.Sign() <= 0 {
		return big.NewInt(0)
	}
	v := new(big.Int).Mul(reserve, lpBalance)
	return v.Quo(v, totalSupply)
}

type poolState struct {
	pool        registry.Pool
	pair        common.Address
	reserve0    *big.Int
	reserve1    *big.Int
	totalSupply *big.Int
	lpBalance   *big.Int
}

type Aggregator struct {
	registry *registry.Registry
	provider eth.Provider
	cache    *gocache.Cache
	group    singleflight.Group

	mutex     sync.Mutex
	factories map[int64]common.Address
}

func NewAggregator(reg *registry.Registry, provider eth.Provider, staleTime time.Duration) *Aggregator {
	if staleTime <= 0 {
		staleTime = 15 * time.Second
	}
	return &Aggregator{
		registry:  reg,
		provider:  provider,
		cache:     gocache.New(staleTime, 2*staleTime),
		factories: make(map[int64]common.Address),
	}
}

func positionsKey(chainId int64, account common.Address) string {
	return fmt.Sprintf("%d:%s", chainId, account.Hex())
}

// Positions 查询账户在所有已配置池子中的流动性
func (a *Aggregator) Positions(ctx context.Context, chainId int64, account common.Address) ([]Position, error) {
	key := positionsKey(chainId, account)
	if v, ok := a.cache.Get(key); ok {
		return v.([]Position), nil
	}

	v, err, _ := a.group.Do(key, func() (any, error) {
		states, err := a.readPools(ctx, chainId, &account)
		if err != nil {
			return nil, err
		}

		positions := lo.FilterMap(states, func(s poolState, _ int) (Position, bool) {
			if s.lpBalance == nil || s.lpBalance.Sign() <= 0 || s.totalSupply.Sign() <= 0 {
				return Position{}, false
			}
			return Position{
				Pool:          s.pool,
				PairAddress:   s.pair,
				LpBalance:     s.lpBalance,
				LpTotalSupply: s.totalSupply,
				SharePercent:  SharePercent(s.lpBalance, s.totalSupply),
				Reserve0:      s.reserve0,
				Reserve1:      s.reserve1,
				Pooled0:       PooledAmount(s.reserve0, s.lpBalance, s.totalSupply),
				Pooled1:       PooledAmount(s.reserve1, s.lpBalance, s.totalSupply),
			}, true
		})

		metrics.SetLiquidityPositions(chainId, len(positions))
		a.cache.SetDefault(key, positions)
		return positions, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Position), nil
}

func (a *Aggregator) Invalidate(chainId int64, account common.Address) {
	a.cache.Delete(positionsKey(chainId, account))
}

func (a *Aggregator) readPools(ctx context.Context, chainId int64, account *common.Address) ([]poolState, error) {
	chain, ok := a.registry.GetChainConfig(chainId)
	if !ok {
		return nil, registry.ErrUnsupportedChain
	}

	client, err := a.provider.Client(chainId)
	if err != nil {
		return nil, err
	}

	pools := a.registry.ListPools(chainId)
	results := make([]*poolState, len(pools))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPools)
	for idx, pool := range pools {
		g.Go(func() error {
			state, err := a.readPool(gctx, client, chain, pool, account)
			if err != nil {
				logger.Warnf("[Aggregator] 读取池子失败, chainId: %d, pool: %s, %v", chainId, pool.Id, err)
				return nil
			}
			results[idx] = state
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	return lo.FilterMap(results, func(s *poolState, _ int) (poolState, bool) {
		if s == nil {
			return poolState{}, false
		}
		return *s, true
	}), nil
}

func (a *Aggregator) pairAddress(ctx context.Context, client eth.Reader, chain registry.Chain, pool registry.Pool) (common.Address, error) {
	if pool.PairAddress != (common.Address{}) {
		return pool.PairAddress, nil
	}

	a.mutex.Lock()
	factory, ok := a.factories[chain.Id]
	a.mutex.Unlock()
	if !ok {
		factory = chain.FactoryAddress
		if factory == (common.Address{}) {
			var err error
			factory, err = client.Factory(ctx, chain.RouterAddress)
			if err != nil {
				return common.Address{}, err
			}
		}
		a.mutex.Lock()
		a.factories[chain.Id] = factory
		a.mutex.Unlock()
	}

	return client.GetPair(ctx, factory, pool.Token0.PathAddress(), pool.Token1.PathAddress())
}

// readPool 池子不存在或链上代币与配置不符时返回 nil, nil
func (a *Aggregator) readPool(ctx context.Context, client eth.Reader, chain registry.Chain, pool registry.Pool, account *common.Address) (*poolState, error) {
	pair, err := a.pairAddress(ctx, client, chain, pool)
	if err != nil {
		return nil, err
	}
	if pair == (common.Address{}) {
		return nil, nil
	}

	var (
		token0, token1     common.Address
		reserve0, reserve1 *big.Int
		totalSupply        *big.Int
		lpBalance          *big.Int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		reserve0, reserve1, err = client.GetReserves(gctx, pair)
		return err
	})
	g.Go(func() (err error) {
		totalSupply, err = client.TotalSupply(gctx, pair)
		return err
	})
	g.Go(func() (err error) {
		token0, err = client.Token0(gctx, pair)
		return err
	})
	g.Go(func() (err error) {
		token1, err = client.Token1(gctx, pair)
		return err
	})
	if account != nil {
		g.Go(func() (err error) {
			lpBalance, err = client.BalanceOf(gctx, pair, *account)
			return err
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	want0, want1 := pool.Token0.PathAddress(), pool.Token1.PathAddress()
	switch {
	case token0 == want0 && token1 == want1:
	case token0 == want1 && token1 == want0:
		reserve0, reserve1 = reserve1, reserve0
	default:
		logger.Warnf("[Aggregator] 池子代币与配置不符, chainId: %d, pool: %s, pair: %s, token0: %s, token1: %s",
			chain.Id, pool.Id, pair.Hex(), token0.Hex(), token1.Hex())
		return nil, nil
	}

	return &poolState{
		pool:        pool,
		pair:        pair,
		reserve0:    reserve0,
		reserve1:    reserve1,
		totalSupply: totalSupply,
		lpBalance:   lpBalance,
	}, nil
}
