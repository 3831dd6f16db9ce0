package job

import (
	"context"
	"sync"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/liquidity"
	"github.com/fachebot/evm-swap-engine/internal/logger"

	"github.com/ethereum/go-ethereum/common"
)

type PositionSource interface {
	Positions(ctx context.Context, chainId int64, account common.Address) ([]liquidity.Position, error)
	Invalidate(chainId int64, account common.Address)
}

// PositionKeeper 定期刷新账户在各条链上的流动性
type PositionKeeper struct {
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	source   PositionSource
	account  common.Address
	chainIds []int64
	interval time.Duration

	mutex  sync.RWMutex
	latest map[int64][]liquidity.Position
}

func NewPositionKeeper(source PositionSource, account common.Address, chainIds []int64, interval time.Duration) *PositionKeeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PositionKeeper{
		ctx:      ctx,
		cancel:   cancel,
		source:   source,
		account:  account,
		chainIds: chainIds,
		interval: interval,
		latest:   make(map[int64][]liquidity.Position),
	}
}

func (keeper *PositionKeeper) Stop() {
	if keeper.stopChan == nil {
		return
	}

	logger.Infof("[PositionKeeper] 准备停止服务")

	keeper.cancel()

	<-keeper.stopChan
	close(keeper.stopChan)
	keeper.stopChan = nil

	logger.Infof("[PositionKeeper] 服务已经停止")
}

func (keeper *PositionKeeper) Start() {
	if keeper.stopChan != nil {
		return
	}

	keeper.stopChan = make(chan struct{})
	logger.Infof("[PositionKeeper] 开始运行服务, account: %s", keeper.account.Hex())
	go keeper.run()
}

func (keeper *PositionKeeper) run() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			keeper.handlePolling()
			timer.Reset(keeper.interval)
		case <-keeper.ctx.Done():
			keeper.stopChan <- struct{}{}
			return
		}
	}
}

func (keeper *PositionKeeper) Latest(chainId int64) []liquidity.Position {
	keeper.mutex.RLock()
	defer keeper.mutex.RUnlock()
	return keeper.latest[chainId]
}

func (keeper *PositionKeeper) handlePolling() {
	for _, chainId := range keeper.chainIds {
		keeper.source.Invalidate(chainId, keeper.account)
		positions, err := keeper.source.Positions(keeper.ctx, chainId, keeper.account)
		if err != nil {
			logger.Warnf("[PositionKeeper] 查询流动性失败, chainId: %d, account: %s, %v", chainId, keeper.account.Hex(), err)
			continue
		}

		keeper.mutex.Lock()
		keeper.latest[chainId] = positions
		keeper.mutex.Unlock()

		for _, p := range positions {
			logger.Debugf("[PositionKeeper] 流动性, chainId: %d, pool: %s, share: %s%%, pooled: %s / %s",
				chainId, p.PoolId(), p.SharePercent.String(), p.FormattedPooled0(), p.FormattedPooled1())
		}
	}
}
