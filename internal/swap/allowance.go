package swap

import (
	"context"
	"errors"
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
	"github.com/ethereum/go-ethereum/core/types"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

var (
	ErrApprovalInFlight    = errors.New("an approval for this token is already in progress")
	ErrApprovalNotRequired = errors.New("native currency does not require approval")
)

type AllowanceState struct {
	Token    common.Address
	Spender  common.Address
	Current  *big.Int
	Required *big.Int
	Loading  bool
	// Exempt 原生代币无需授权
	Exempt bool
	Err    error
}

// NeedsApproval 授权额度已知且小于所需数量
func (s AllowanceState) NeedsApproval() bool {
	if s.Exempt || s.Loading || s.Current == nil || s.Required == nil {
		return false
	}
	return s.Current.Cmp(s.Required) < 0
}

type TxStatus string

const (
	TxIdle    TxStatus = "idle"
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxError   TxStatus = "error"
)

type ApprovalState struct {
	Status TxStatus
	TxHash common.Hash
	Err    error
}

func (s ApprovalState) IsPending() bool {
	return s.Status == TxPending
}

type AllowanceManager struct {
	registry *registry.Registry
	provider eth.Provider
	cache    *gocache.Cache
	group    singleflight.Group
	onChange func()

	mutex     sync.Mutex
	approvals map[string]ApprovalState
}

func NewAllowanceManager(reg *registry.Registry, provider eth.Provider, ttl time.Duration, onChange func()) *AllowanceManager {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &AllowanceManager{
		registry:  reg,
		provider:  provider,
		cache:     gocache.New(ttl, 2*ttl),
		onChange:  onChange,
		approvals: make(map[string]ApprovalState),
	}
}

func allowanceKey(chainId int64, token, owner common.Address) string {
	return fmt.Sprintf("%d:%s:%s", chainId, token.Hex(), owner.Hex())
}

func (m *AllowanceManager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// Check 查询 owner 对路由合约的授权额度, 查询失败时 Current 为 nil
func (m *AllowanceManager) Check(ctx context.Context, chainId int64, token *registry.Token, owner common.Address, required *big.Int) AllowanceState {
	if token == nil {
		return AllowanceState{Required: required}
	}

	state := AllowanceState{Token: token.Address, Required: required}
	if token.IsNativeAsset() {
		state.Exempt = true
		state.Current = evm.MaxUint256
		return state
	}

	chain, ok := m.registry.GetChainConfig(chainId)
	if !ok {
		state.Err = registry.ErrUnsupportedChain
		return state
	}
	state.Spender = chain.RouterAddress

	key := allowanceKey(chainId, token.Address, owner)
	if v, found := m.cache.Get(key); found {
		state.Current = v.(*big.Int)
		return state
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		client, err := m.provider.Client(chainId)
		if err != nil {
			return nil, err
		}
		allowance, err := client.Allowance(ctx, token.Address, owner, chain.RouterAddress)
		if err != nil {
			return nil, err
		}
		m.cache.SetDefault(key, allowance)
		return allowance, nil
	})
	if err != nil {
		logger.Warnf("[AllowanceManager] 查询授权额度失败, chainId: %d, token: %s, owner: %s, %v",
			chainId, token.Symbol, owner.Hex(), err)
		state.Err = err
		return state
	}

	state.Current = v.(*big.Int)
	return state
}

func (m *AllowanceManager) Invalidate(chainId int64, token, owner common.Address) {
	m.cache.Delete(allowanceKey(chainId, token, owner))
}

func (m *AllowanceManager) Approval(chainId int64, token, owner common.Address) ApprovalState {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	state, ok := m.approvals[allowanceKey(chainId, token, owner)]
	if !ok {
		return ApprovalState{Status: TxIdle}
	}
	return state
}

func (m *AllowanceManager) ResetApproval(chainId int64, token, owner common.Address) {
	m.mutex.Lock()
	key := allowanceKey(chainId, token, owner)
	if state, ok := m.approvals[key]; ok && state.IsPending() {
		m.mutex.Unlock()
		return
	}
	delete(m.approvals, key)
	m.mutex.Unlock()

	m.notify()
}

func (m *AllowanceManager) setApproval(key string, state ApprovalState) {
	m.mutex.Lock()
	m.approvals[key] = state
	m.mutex.Unlock()

	m.notify()
}

// Approve 授权路由合约无限额度, 等待交易确认后刷新额度
func (m *AllowanceManager) Approve(ctx context.Context, chainId int64, token *registry.Token, owner common.Address) (common.Hash, error) {
	if token == nil {
		return common.Hash{}, errors.New("token is required")
	}
	if token.IsNativeAsset() {
		return common.Hash{}, ErrApprovalNotRequired
	}

	chain, ok := m.registry.GetChainConfig(chainId)
	if !ok {
		return common.Hash{}, registry.ErrUnsupportedChain
	}

	key := allowanceKey(chainId, token.Address, owner)
	m.mutex.Lock()
	if m.approvals[key].IsPending() {
		m.mutex.Unlock()
		return common.Hash{}, ErrApprovalInFlight
	}
	m.approvals[key] = ApprovalState{Status: TxPending}
	m.mutex.Unlock()
	m.notify()

	hash, err := m.approve(ctx, chain, token, owner, key)
	if err != nil {
		err = normalizeWalletError(err)
		metrics.RecordApproval(chainId, string(TxError))
		logger.Errorf("[AllowanceManager] 授权失败, chainId: %d, token: %s, owner: %s, hash: %s, %v",
			chainId, token.Symbol, owner.Hex(), hash.Hex(), err)
		m.setApproval(key, ApprovalState{Status: TxError, TxHash: hash, Err: err})
		return hash, err
	}

	metrics.RecordApproval(chainId, string(TxSuccess))
	logger.Infof("[AllowanceManager] 授权成功, chainId: %d, token: %s, owner: %s, hash: %s",
		chainId, token.Symbol, owner.Hex(), hash.Hex())

	m.Invalidate(chainId, token.Address, owner)
	m.Check(ctx, chainId, token, owner, nil)
	m.setApproval(key, ApprovalState{Status: TxSuccess, TxHash: hash})
	return hash, nil
}

func (m *AllowanceManager) approve(ctx context.Context, chain registry.Chain, token *registry.Token, owner common.Address, key string) (common.Hash, error) {
	client, err := m.provider.Client(chain.Id)
	if err != nil {
		return common.Hash{}, err
	}

	data, err := evm.EncodeERC20ApproveInput(chain.RouterAddress, evm.MaxUint256)
	if err != nil {
		return common.Hash{}, err
	}

	call := eth.Call{From: owner, To: token.Address, Data: data}
	gasLimit, err := client.Simulate(ctx, call)
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := client.Submit(ctx, call, gasLimit)
	if err != nil {
		return common.Hash{}, err
	}
	m.setApproval(key, ApprovalState{Status: TxPending, TxHash: hash})

	receipt, err := client.WaitMined(ctx, hash)
	if err != nil {
		return hash, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, eth.ErrTransactionReverted
	}
	return hash, nil
}
