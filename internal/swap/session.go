package swap

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/logger"
	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrTokenNotFound      = errors.New("token is not listed on the active chain")
	ErrNothingToExecute   = errors.New("no action is available")
	ErrReviewRequired     = errors.New("swap parameters must be reviewed before submitting")
	ErrWalletDisconnected = errors.New("wallet is not connected")
)

type Options struct {
	Registry *registry.Registry
	Provider eth.Provider
	Wallet   eth.Wallet
	Recent   RecentLog
	Settings Settings
	Quote    QuoteOptions

	AllowanceTTL   time.Duration
	BalanceTTL     time.Duration
	ConfirmTimeout time.Duration
	DefaultChainId int64
	PreferredFrom  string
	PreferredTo    string
}

// View 会话状态快照, 错误与主操作每次重新计算
type View struct {
	SessionId    string
	ChainId      int64
	Account      common.Address
	Connected    bool
	Supported    bool
	Selection    Selection
	Settings     Settings
	Quote        *QuoteResult
	QuoteLoading bool
	QuoteErr     error
	Balance      *big.Int
	Allowance    AllowanceState
	Approval     ApprovalState
	Swap         SwapState
	Review       *ReviewParams
	Error        SwapError
	Action       PrimaryAction
}

type balanceEntry struct {
	chainId int64
	token   common.Address
	account common.Address
	value   *big.Int
}

type Session struct {
	id         string
	opts       Options
	quotes     *QuoteEngine
	allowances *AllowanceManager
	balances   *BalanceTracker
	machine    *SwapMachine
	changes    chan struct{}

	mutex      sync.Mutex
	settings   Settings
	chainId    int64
	synced     bool
	selections map[int64]*Selection
	balance    *balanceEntry
	allowance  AllowanceState
	refreshSeq uint64
}

func NewSession(opts Options) (*Session, error) {
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:         uuid.NewString(),
		opts:       opts,
		settings:   opts.Settings,
		selections: make(map[int64]*Selection),
		changes:    make(chan struct{}, 1),
	}

	quoteOpts := opts.Quote
	quoteOpts.OnChange = s.signal
	s.quotes = NewQuoteEngine(opts.Registry, opts.Provider, quoteOpts)
	s.allowances = NewAllowanceManager(opts.Registry, opts.Provider, opts.AllowanceTTL, s.signal)
	s.balances = NewBalanceTracker(opts.Provider, opts.BalanceTTL)
	s.machine = NewSwapMachine(opts.Registry, opts.Provider, opts.Recent, MachineOptions{
		ConfirmTimeout: opts.ConfirmTimeout,
		OnChange:       s.onSwapChange,
	})

	s.Sync()
	return s, nil
}

func (s *Session) Id() string {
	return s.id
}

// Changes 状态变化通知, 多次变化可能合并为一次
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

func (s *Session) signal() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) onSwapChange() {
	if s.machine != nil && s.machine.State().Status == SwapSucceeded {
		s.balances.Flush()
		s.mutex.Lock()
		s.balance = nil
		s.mutex.Unlock()
	}
	s.signal()
}

func (s *Session) selectionLocked(chainId int64) *Selection {
	sel, ok := s.selections[chainId]
	if !ok {
		sel = &Selection{}
		s.selections[chainId] = sel
	}
	return sel
}

// Sync 读取钱包当前的链, 切换链时清空两条链上待输入的数量
func (s *Session) Sync() {
	s.mutex.Lock()
	chainId := s.opts.Wallet.ChainID()
	if s.synced && chainId != s.chainId {
		s.selectionLocked(s.chainId).FromAmount = ""
		s.selectionLocked(chainId).FromAmount = ""
		logger.Debugf("[Session] 切换链, session: %s, %d -> %d", s.id, s.chainId, chainId)
	}
	s.chainId = chainId
	s.synced = true

	sel := s.selectionLocked(chainId)
	tokens := s.opts.Registry.ListTokens(chainId)
	sel.reconcile(tokens, chainId, s.opts.PreferredFrom, s.opts.PreferredTo)
	s.afterInputLocked()
	s.mutex.Unlock()

	s.signal()
}

// afterInputLocked 输入变化后更新报价, 并在条件不满足时重置交易状态
func (s *Session) afterInputLocked() {
	sel := s.selectionLocked(s.chainId)
	s.quotes.Update(QuoteRequest{
		ChainId:   s.chainId,
		FromToken: sel.FromToken,
		ToToken:   sel.ToToken,
		Amount:    sel.FromAmount,
	})
	s.machine.Reconcile(s.reviewLocked() != nil)
}

func (s *Session) mutate(fn func(sel *Selection) error) error {
	s.mutex.Lock()
	sel := s.selectionLocked(s.chainId)
	if err := fn(sel); err != nil {
		s.mutex.Unlock()
		return err
	}
	s.afterInputLocked()
	s.mutex.Unlock()

	s.signal()
	return nil
}

func (s *Session) findToken(symbolOrAddress string) (*registry.Token, error) {
	token, ok := s.opts.Registry.FindToken(s.chainId, strings.TrimSpace(symbolOrAddress))
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &token, nil
}

// SetFromToken 选择与 to 相同的代币时交换方向
func (s *Session) SetFromToken(symbolOrAddress string) error {
	return s.mutate(func(sel *Selection) error {
		token, err := s.findToken(symbolOrAddress)
		if err != nil {
			return err
		}
		if sameToken(token, sel.ToToken) {
			sel.ToToken = sel.FromToken
		}
		sel.FromToken = token
		return nil
	})
}

func (s *Session) SetToToken(symbolOrAddress string) error {
	return s.mutate(func(sel *Selection) error {
		token, err := s.findToken(symbolOrAddress)
		if err != nil {
			return err
		}
		if sameToken(token, sel.FromToken) {
			sel.FromToken = sel.ToToken
		}
		sel.ToToken = token
		return nil
	})
}

func (s *Session) SetFromAmount(amount string) {
	_ = s.mutate(func(sel *Selection) error {
		sel.FromAmount = strings.TrimSpace(amount)
		return nil
	})
}

func (s *Session) SwitchTokens() {
	_ = s.mutate(func(sel *Selection) error {
		sel.switchTokens()
		return nil
	})
}

func (s *Session) updateSettings(fn func(settings *Settings)) error {
	s.mutex.Lock()
	next := s.settings
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mutex.Unlock()
		return err
	}
	s.settings = next
	s.machine.Reconcile(s.reviewLocked() != nil)
	s.mutex.Unlock()

	s.signal()
	return nil
}

func (s *Session) SetSlippageBps(bps int) error {
	return s.updateSettings(func(settings *Settings) { settings.SlippageBps = bps })
}

func (s *Session) SetDeadlineMinutes(minutes int) error {
	return s.updateSettings(func(settings *Settings) { settings.DeadlineMinutes = minutes })
}

func (s *Session) SetOneClick(enabled bool) error {
	return s.updateSettings(func(settings *Settings) { settings.OneClickEnabled = enabled })
}

func (s *Session) Settings() Settings {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.settings
}

// Refresh 并发查询余额与授权额度
func (s *Session) Refresh(ctx context.Context) error {
	if !s.opts.Wallet.IsConnected() {
		return nil
	}
	account := s.opts.Wallet.Account()

	s.mutex.Lock()
	chainId := s.chainId
	sel := s.selectionLocked(chainId).clone()
	if sel.FromToken == nil || !s.opts.Registry.IsSupportedChain(chainId) {
		s.mutex.Unlock()
		return nil
	}
	s.refreshSeq++
	seq := s.refreshSeq
	amountIn, _ := evm.ParseAmount(sel.FromAmount, sel.FromToken.Decimals)
	if !sel.FromToken.IsNativeAsset() {
		s.allowance = AllowanceState{Token: sel.FromToken.Address, Required: amountIn, Loading: true}
	}
	s.mutex.Unlock()
	s.signal()

	var balance *big.Int
	var allowance AllowanceState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = s.balances.Balance(gctx, chainId, sel.FromToken, account)
		if err != nil {
			logger.Warnf("[Session] 查询余额失败, chainId: %d, token: %s, account: %s, %v",
				chainId, sel.FromToken.Symbol, account.Hex(), err)
		}
		return nil
	})
	g.Go(func() error {
		allowance = s.allowances.Check(gctx, chainId, sel.FromToken, account, amountIn)
		return nil
	})
	_ = g.Wait()

	s.mutex.Lock()
	if seq == s.refreshSeq {
		if balance != nil {
			s.balance = &balanceEntry{chainId: chainId, token: sel.FromToken.Address, account: account, value: balance}
		}
		s.allowance = allowance
	}
	s.mutex.Unlock()

	s.signal()
	return nil
}

func (s *Session) reviewLocked() *ReviewParams {
	if !s.opts.Wallet.IsConnected() {
		return nil
	}

	state := s.quotes.State()
	if state.Loading || state.Err != nil || state.Quote == nil {
		return nil
	}

	sel := s.selectionLocked(s.chainId)
	q := state.Quote
	if !sameToken(sel.FromToken, &q.FromToken) || !sameToken(sel.ToToken, &q.ToToken) || q.Key.ChainId != s.chainId {
		return nil
	}

	review, err := BuildReviewParams(q, s.settings, s.opts.Wallet.Account(), time.Now())
	if err != nil {
		return nil
	}
	return review
}

func (s *Session) Snapshot() View {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() View {
	wallet := s.opts.Wallet
	sel := s.selectionLocked(s.chainId).clone()
	view := View{
		SessionId: s.id,
		ChainId:   s.chainId,
		Account:   wallet.Account(),
		Connected: wallet.IsConnected(),
		Supported: s.opts.Registry.IsSupportedChain(s.chainId),
		Selection: sel,
		Settings:  s.settings,
		Swap:      s.machine.State(),
	}

	quoteState := s.quotes.State()
	view.QuoteLoading = quoteState.Loading
	view.QuoteErr = quoteState.Err
	if quoteState.Quote != nil && !quoteState.Loading {
		result := quoteState.Quote.Result(s.settings.SlippageBps)
		view.Quote = &result
	}

	var amountIn *big.Int
	if sel.FromToken != nil {
		amountIn, _ = evm.ParseAmount(sel.FromAmount, sel.FromToken.Decimals)

		if b := s.balance; b != nil && b.chainId == s.chainId && b.token == sel.FromToken.Address && b.account == view.Account {
			view.Balance = b.value
		}

		switch {
		case sel.FromToken.IsNativeAsset():
			view.Allowance = AllowanceState{Token: sel.FromToken.Address, Current: evm.MaxUint256, Required: amountIn, Exempt: true}
		case s.allowance.Token == sel.FromToken.Address:
			view.Allowance = s.allowance
			view.Allowance.Required = amountIn
		default:
			view.Allowance = AllowanceState{Token: sel.FromToken.Address, Required: amountIn, Loading: true}
		}
		view.Approval = s.allowances.Approval(s.chainId, sel.FromToken.Address, view.Account)
	}

	view.Review = s.reviewLocked()
	view.Error = Classify(ClassifyInput{
		IsConnected:      view.Connected,
		ChainId:          s.chainId,
		IsSupportedChain: view.Supported,
		FromToken:        sel.FromToken,
		ToToken:          sel.ToToken,
		FromAmount:       sel.FromAmount,
		FromBalance:      view.Balance,
		QuoteLoading:     quoteState.Loading,
		QuoteErr:         quoteState.Err,
		Allowance:        view.Allowance,
		AmountIn:         amountIn,
		SwapStatus:       view.Swap.Status,
		SwapErr:          view.Swap.Err,
	})
	view.Action = ResolvePrimaryAction(ActionInput{
		Error:           view.Error,
		FromToken:       sel.FromToken,
		ApprovalPending: view.Approval.IsPending(),
		CanSubmit:       view.Review != nil && s.machine.PreconditionsHold(view.Review),
		OneClick:        s.settings.OneClickEnabled,
	})
	return view
}

// Execute 执行当前主操作, 需要确认参数时 confirmed 必须为 true
func (s *Session) Execute(ctx context.Context, confirmed bool) (PrimaryAction, common.Hash, error) {
	view := s.Snapshot()
	action := view.Action
	if !action.Enabled {
		return action, common.Hash{}, ErrNothingToExecute
	}

	switch action.Kind {
	case ActionConnectWallet:
		return action, common.Hash{}, ErrWalletDisconnected
	case ActionSwitchNetwork:
		err := s.opts.Wallet.SwitchChain(ctx, s.opts.DefaultChainId)
		if err == nil {
			s.Sync()
		}
		return action, common.Hash{}, err
	case ActionApprove:
		hash, err := s.allowances.Approve(ctx, view.ChainId, view.Selection.FromToken, view.Account)
		if err == nil {
			err = s.Refresh(ctx)
		}
		return action, hash, err
	case ActionSwap:
		if action.RequiresReview && !confirmed {
			return action, common.Hash{}, ErrReviewRequired
		}
		hash, err := s.machine.Submit(ctx, view.Review)
		return action, hash, err
	}

	return action, common.Hash{}, ErrNothingToExecute
}

// Reset 清空所有链上的选择, 进行中的交易不受影响
func (s *Session) Reset() {
	s.mutex.Lock()
	s.selections = make(map[int64]*Selection)
	s.balance = nil
	s.allowance = AllowanceState{}
	s.synced = false
	s.mutex.Unlock()

	s.machine.Reset()
	s.Sync()
}

func (s *Session) Close() {
	s.quotes.Close()
	s.machine.Close()
}
