package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/logger"
	"github.com/fachebot/evm-swap-engine/internal/metrics"
	"github.com/fachebot/evm-swap-engine/internal/model"
	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type SwapStatus string

const (
	SwapIdle      SwapStatus = "idle"
	SwapPreparing SwapStatus = "preparing"
	SwapPending   SwapStatus = "pending"
	SwapSucceeded SwapStatus = "success"
	SwapFailed    SwapStatus = "error"
)

func (s SwapStatus) InFlight() bool {
	return s == SwapPreparing || s == SwapPending
}

var (
	ErrSwapInFlight  = errors.New("a swap is already in progress")
	ErrPreconditions = errors.New("swap preconditions do not hold")
	ErrPrepareFailed = errors.New("cannot prepare transaction, check network")
)

type SwapState struct {
	Status SwapStatus
	TxHash common.Hash
	// Err 交易失败原因, 仅在 SwapFailed 状态下有值
	Err error
	// LastError 模拟失败等未进入 pending 的错误
	LastError error
	RecentId  string
}

type RecentLog interface {
	Add(ctx context.Context, args model.RecentSwap) (model.RecentSwap, error)
	UpdateStatus(ctx context.Context, id, status, txHash, toAmount string) error
}

type MachineOptions struct {
	// ConfirmTimeout 超过该时间仍未确认时记录警告, 交易保持 pending
	ConfirmTimeout time.Duration
	OnChange       func()
}

// SwapMachine idle -> preparing -> pending -> success | error
type SwapMachine struct {
	registry *registry.Registry
	provider eth.Provider
	recent   RecentLog
	opts     MachineOptions
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mutex sync.Mutex
	state SwapState
}

func NewSwapMachine(reg *registry.Registry, provider eth.Provider, recent RecentLog, opts MachineOptions) *SwapMachine {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SwapMachine{
		registry: reg,
		provider: provider,
		recent:   recent,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		state:    SwapState{Status: SwapIdle},
	}
}

func (m *SwapMachine) notify() {
	if m.opts.OnChange != nil {
		m.opts.OnChange()
	}
}

func (m *SwapMachine) State() SwapState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

func (m *SwapMachine) update(fn func(s *SwapState)) {
	m.mutex.Lock()
	fn(&m.state)
	m.mutex.Unlock()

	m.notify()
}

// ObserveHash 收到交易哈希即视为 pending
func (m *SwapMachine) ObserveHash(hash common.Hash) {
	m.update(func(s *SwapState) {
		s.TxHash = hash
		if s.Status == SwapIdle || s.Status == SwapPreparing {
			s.Status = SwapPending
		}
	})
}

// Reconcile 条件不再满足且没有进行中的交易时回到 idle
func (m *SwapMachine) Reconcile(preconditionsHold bool) {
	m.mutex.Lock()
	if preconditionsHold || m.state.Status.InFlight() || m.state.Status == SwapIdle {
		m.mutex.Unlock()
		return
	}
	m.state = SwapState{Status: SwapIdle}
	m.mutex.Unlock()

	m.notify()
}

// Reset 清除上一次交易的结果
func (m *SwapMachine) Reset() {
	m.mutex.Lock()
	if m.state.Status.InFlight() {
		m.mutex.Unlock()
		return
	}
	m.state = SwapState{Status: SwapIdle}
	m.mutex.Unlock()

	m.notify()
}

func (m *SwapMachine) checkPreconditions(p *ReviewParams) error {
	if p == nil {
		return ErrPreconditions
	}
	if !m.registry.IsSupportedChain(p.ChainId) {
		return fmt.Errorf("%w: %w", ErrPreconditions, registry.ErrUnsupportedChain)
	}
	if p.FromToken.Equal(p.ToToken) {
		return fmt.Errorf("%w: same token", ErrPreconditions)
	}
	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 || p.AmountOutMin == nil || p.AmountOutMin.Sign() <= 0 {
		return fmt.Errorf("%w: amount", ErrPreconditions)
	}
	if p.Recipient == (common.Address{}) {
		return fmt.Errorf("%w: recipient", ErrPreconditions)
	}
	if len(p.Path) != 2 || p.Path[0] == (common.Address{}) || p.Path[1] == (common.Address{}) || p.Path[0] == p.Path[1] {
		return fmt.Errorf("%w: path", ErrPreconditions)
	}
	return nil
}

// PreconditionsHold 能否进入 preparing
func (m *SwapMachine) PreconditionsHold(p *ReviewParams) bool {
	return m.checkPreconditions(p) == nil
}

// Submit 模拟并广播兑换交易, 广播成功后在后台等待确认
func (m *SwapMachine) Submit(ctx context.Context, p *ReviewParams) (common.Hash, error) {
	if err := m.checkPreconditions(p); err != nil {
		return common.Hash{}, err
	}

	chain, _ := m.registry.GetChainConfig(p.ChainId)
	m.mutex.Lock()
	if m.state.Status.InFlight() {
		m.mutex.Unlock()
		return common.Hash{}, ErrSwapInFlight
	}
	m.state = SwapState{Status: SwapPreparing}
	m.mutex.Unlock()
	m.notify()

	fail := func(err error) (common.Hash, error) {
		err = normalizeWalletError(err)
		logger.Warnf("[SwapMachine] 准备兑换交易失败, chainId: %d, %s -> %s, amount: %s, %v",
			p.ChainId, p.FromToken.Symbol, p.ToToken.Symbol, p.FromAmount, err)
		m.update(func(s *SwapState) {
			*s = SwapState{Status: SwapIdle, LastError: err}
		})
		return common.Hash{}, err
	}

	client, err := m.provider.Client(p.ChainId)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPrepareFailed, err))
	}

	call, err := BuildSwapCall(chain.RouterAddress, p)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPrepareFailed, err))
	}

	gasLimit, err := client.Simulate(ctx, call)
	if err != nil {
		return fail(err)
	}

	// 请求签名之后进入 pending
	m.update(func(s *SwapState) { s.Status = SwapPending })

	hash, err := client.Submit(ctx, call, gasLimit)
	if err != nil {
		err = normalizeWalletError(err)
		m.finish(p, "", common.Hash{}, SwapFailed, err)
		return common.Hash{}, err
	}
	m.ObserveHash(hash)

	var recentId string
	if m.recent != nil {
		record, err := m.recent.Add(ctx, model.RecentSwap{
			ChainId:    p.ChainId,
			Account:    p.Recipient.Hex(),
			TxHash:     hash.Hex(),
			FromSymbol: p.FromToken.Symbol,
			ToSymbol:   p.ToToken.Symbol,
			FromAmount: p.FromAmount,
			ToAmount:   p.ToAmount,
			Status:     model.RecentSwapStatusPending,
		})
		if err != nil {
			logger.Errorf("[SwapMachine] 保存兑换记录失败, chainId: %d, hash: %s, %v", p.ChainId, hash.Hex(), err)
		} else {
			recentId = record.Id
			m.update(func(s *SwapState) { s.RecentId = recentId })
		}
	}

	logger.Infof("[SwapMachine] 兑换交易已提交, chainId: %d, %s -> %s, amountIn: %s, minOut: %s, hash: %s",
		p.ChainId, p.FromToken.Symbol, p.ToToken.Symbol, p.FromAmount, p.ToAmountMin, hash.Hex())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.track(client, p, hash, recentId)
	}()

	return hash, nil
}

func (m *SwapMachine) track(client eth.Client, p *ReviewParams, hash common.Hash, recentId string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConfirmTimeout)
	defer cancel()

	receipt, err := client.WaitMined(ctx, hash)
	if err != nil && m.ctx.Err() == nil {
		// 超时不代表失败, 交易仍可能被打包
		logger.Warnf("[SwapMachine] 等待交易确认超时, 继续等待, chainId: %d, hash: %s, timeout: %v",
			p.ChainId, hash.Hex(), m.opts.ConfirmTimeout)
		receipt, err = client.WaitMined(m.ctx, hash)
	}
	if err != nil {
		// 保持 pending, 兑换记录由 ReceiptKeeper 继续跟踪
		logger.Infof("[SwapMachine] 停止等待交易确认, chainId: %d, hash: %s, %v", p.ChainId, hash.Hex(), err)
		return
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		m.finish(p, recentId, hash, SwapFailed, eth.ErrTransactionReverted)
		return
	}

	toAmount := p.ToAmount
	if !p.ToToken.IsNativeAsset() {
		changes := evm.GetTokenBalanceChanges(receipt, p.Recipient)
		if v, ok := changes[p.ToToken.Address]; ok && v.Sign() > 0 {
			toAmount = evm.FormatAmount(v, p.ToToken.Decimals)
		}
	}
	p.ToAmount = toAmount
	m.finish(p, recentId, hash, SwapSucceeded, nil)
}

func (m *SwapMachine) finish(p *ReviewParams, recentId string, hash common.Hash, status SwapStatus, err error) {
	m.update(func(s *SwapState) {
		s.Status = status
		s.Err = err
	})

	metrics.RecordSwap(p.ChainId, p.FromToken.Symbol, p.ToToken.Symbol, string(status))
	if err != nil {
		logger.Errorf("[SwapMachine] 兑换失败, chainId: %d, %s -> %s, amount: %s, %v",
			p.ChainId, p.FromToken.Symbol, p.ToToken.Symbol, p.FromAmount, err)
	} else {
		logger.Infof("[SwapMachine] 兑换成功, chainId: %d, %s -> %s, in: %s, out: %s",
			p.ChainId, p.FromToken.Symbol, p.ToToken.Symbol, p.FromAmount, p.ToAmount)
	}

	if m.recent == nil || recentId == "" {
		return
	}

	recordStatus := model.RecentSwapStatusSuccess
	if status == SwapFailed {
		recordStatus = model.RecentSwapStatusError
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recent.UpdateStatus(ctx, recentId, recordStatus, hash.Hex(), p.ToAmount); err != nil {
		logger.Errorf("[SwapMachine] 更新兑换记录失败, id: %s, %v", recentId, err)
	}
}

// Close 停止等待交易确认, 已广播的交易由 ReceiptKeeper 继续跟踪
func (m *SwapMachine) Close() {
	m.cancel()
	m.wg.Wait()
}
