package job

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/logger"
	"github.com/fachebot/evm-swap-engine/internal/model"
	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

const (
	pendingBatchSize = 50
	receiptTimeout   = 2 * time.Minute
	timeoutRecheck   = time.Minute
)

type Job interface {
	Start()
	Stop()
}

type PendingSwapStore interface {
	FindPending(ctx context.Context, limit int, excludeHashes []string) ([]model.RecentSwap, error)
	UpdateStatus(ctx context.Context, id, status, txHash, toAmount string) error
}

// ReceiptKeeper 跟踪兑换记录中仍处于 pending 的交易, 重启后继续跟踪
type ReceiptKeeper struct {
	ctx        context.Context
	cancel     context.CancelFunc
	stopChan   chan struct{}
	store      PendingSwapStore
	provider   eth.Provider
	registry   *registry.Registry
	interval   time.Duration
	timeoutTxs map[string]*timeoutTx
}

// timeoutTx 打包超时的交易, 按较低频率继续查询
type timeoutTx struct {
	item      model.RecentSwap
	nextCheck time.Time
}

func NewReceiptKeeper(store PendingSwapStore, provider eth.Provider, reg *registry.Registry, interval time.Duration) *ReceiptKeeper {
	if interval <= 0 {
		interval = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ReceiptKeeper{
		ctx:        ctx,
		cancel:     cancel,
		store:      store,
		provider:   provider,
		registry:   reg,
		interval:   interval,
		timeoutTxs: map[string]*timeoutTx{},
	}
}

func (keeper *ReceiptKeeper) Stop() {
	if keeper.stopChan == nil {
		return
	}

	logger.Infof("[ReceiptKeeper] 准备停止服务")

	keeper.cancel()

	<-keeper.stopChan
	close(keeper.stopChan)
	keeper.stopChan = nil

	logger.Infof("[ReceiptKeeper] 服务已经停止")
}

func (keeper *ReceiptKeeper) Start() {
	if keeper.stopChan != nil {
		return
	}

	keeper.stopChan = make(chan struct{})
	logger.Infof("[ReceiptKeeper] 开始运行服务")
	go keeper.run()
}

func (keeper *ReceiptKeeper) run() {
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

func isReceiptNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), "not found")
}

func (keeper *ReceiptKeeper) toAmount(item model.RecentSwap, changes map[common.Address]*big.Int) string {
	token, ok := keeper.registry.FindToken(item.ChainId, item.ToSymbol)
	if !ok || token.IsNativeAsset() {
		return item.ToAmount
	}

	v, ok := changes[token.Address]
	if !ok || v.Sign() <= 0 {
		return item.ToAmount
	}
	return evm.FormatAmount(v, token.Decimals)
}

func (keeper *ReceiptKeeper) handlePolling() {
	excludeHashes := make([]string, 0, len(keeper.timeoutTxs))
	for hash := range keeper.timeoutTxs {
		excludeHashes = append(excludeHashes, hash)
	}

	items, err := keeper.store.FindPending(keeper.ctx, pendingBatchSize, excludeHashes)
	if err != nil {
		logger.Errorf("[ReceiptKeeper] 获取待确认兑换记录失败, %v", err)
		return
	}

	now := time.Now()
	for _, item := range items {
		if keeper.checkReceipt(item) {
			continue
		}

		// 标记超时交易
		if now.Sub(item.CreatedAt) > receiptTimeout {
			keeper.timeoutTxs[item.TxHash] = &timeoutTx{item: item, nextCheck: now.Add(timeoutRecheck)}
			logger.Errorf("[ReceiptKeeper] 交易打包超时, chainId: %d, account: %s, hash: %s, createdAt: %v",
				item.ChainId, item.Account, item.TxHash, item.CreatedAt)
		}
	}

	// 超时交易降低查询频率
	for hash, tx := range keeper.timeoutTxs {
		if now.Before(tx.nextCheck) {
			continue
		}
		tx.nextCheck = now.Add(timeoutRecheck)
		if keeper.checkReceipt(tx.item) {
			delete(keeper.timeoutTxs, hash)
		}
	}
}

// checkReceipt 查询交易收据并更新兑换记录, 返回记录是否已结束跟踪
func (keeper *ReceiptKeeper) checkReceipt(item model.RecentSwap) bool {
	client, err := keeper.provider.Client(item.ChainId)
	if err != nil {
		logger.Warnf("[ReceiptKeeper] 链未配置RPC, chainId: %d, hash: %s, %v", item.ChainId, item.TxHash, err)
		return false
	}

	// 查询交易收据
	receipt, err := client.TransactionReceipt(keeper.ctx, common.HexToHash(item.TxHash))
	if err != nil {
		if !isReceiptNotFound(err) {
			logger.Errorf("[ReceiptKeeper] 查询交易收据失败, chainId: %d, hash: %s, %v", item.ChainId, item.TxHash, err)
		}
		return false
	}

	status := model.RecentSwapStatusSuccess
	toAmount := item.ToAmount
	if receipt.Status == 0 {
		status = model.RecentSwapStatusError
	} else {
		changes := evm.GetTokenBalanceChanges(receipt, common.HexToAddress(item.Account))
		toAmount = keeper.toAmount(item, changes)
	}

	err = keeper.store.UpdateStatus(keeper.ctx, item.Id, status, item.TxHash, toAmount)
	if errors.Is(err, model.ErrRecentSwapNotFound) {
		logger.Warnf("[ReceiptKeeper] 兑换记录已删除, id: %s, hash: %s", item.Id, item.TxHash)
		return true
	}
	if err != nil {
		logger.Errorf("[ReceiptKeeper] 更新兑换记录失败, id: %s, hash: %s, %v", item.Id, item.TxHash, err)
		return false
	}

	logger.Infof("[ReceiptKeeper] 兑换交易已确认, chainId: %d, hash: %s, status: %s, %s %s -> %s %s",
		item.ChainId, item.TxHash, status, item.FromAmount, item.FromSymbol, toAmount, item.ToSymbol)
	return true
}
