package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/logger"
	"github.com/fachebot/evm-swap-engine/internal/metrics"
	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInsufficientLiquidity    = errors.New("insufficient liquidity for this trade")
	ErrInsufficientInputAmount  = errors.New("input amount is too small")
	ErrInsufficientOutputAmount = errors.New("output amount is too small")
	ErrPairUnavailable          = errors.New("pair does not exist or has insufficient liquidity")
)

// QuoteError 路由报价失败, Cause 为已识别的原因
type QuoteError struct {
	Cause error
	Err   error
}

func (e *QuoteError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "quote failed: " + e.Err.Error()
}

func (e *QuoteError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func remapQuoteError(err error) error {
	if err == nil || errors.Is(err, ErrInsufficientLiquidity) {
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "INSUFFICIENT_LIQUIDITY"):
		return &QuoteError{Cause: ErrInsufficientLiquidity, Err: err}
	case strings.Contains(msg, "INSUFFICIENT_INPUT_AMOUNT"):
		return &QuoteError{Cause: ErrInsufficientInputAmount, Err: err}
	case strings.Contains(msg, "INSUFFICIENT_OUTPUT_AMOUNT"):
		return &QuoteError{Cause: ErrInsufficientOutputAmount, Err: err}
	case strings.Contains(strings.ToLower(msg), "execution reverted"):
		return &QuoteError{Cause: ErrPairUnavailable, Err: err}
	}
	return &QuoteError{Err: err}
}

type QuoteKey struct {
	ChainId int64
	From    common.Address
	To      common.Address
	Amount  string
}

func (k QuoteKey) String() string {
	return fmt.Sprintf("%d:%s:%s:%s", k.ChainId, k.From.Hex(), k.To.Hex(), k.Amount)
}

type QuoteRequest struct {
	ChainId   int64
	FromToken *registry.Token
	ToToken   *registry.Token
	Amount    string
}

type Quote struct {
	Key       QuoteKey
	FromToken registry.Token
	ToToken   registry.Token
	Path      []common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	Reserves  *Reserves
	FetchedAt time.Time
}

func (q *Quote) PriceImpact() float64 {
	if q.Reserves == nil {
		return 0
	}
	return CalcPriceImpact(q.AmountIn, q.AmountOut, q.Reserves.ReserveIn, q.Reserves.ReserveOut)
}

// QuoteResult 应用滑点后的报价
type QuoteResult struct {
	AmountIn              *big.Int
	AmountOut             *big.Int
	AmountOutMin          *big.Int
	FormattedAmountOut    string
	FormattedAmountOutMin string
	PriceImpact           float64
	Path                  []common.Address
	FetchedAt             time.Time
}

func (q *Quote) Result(slippageBps int) QuoteResult {
	amountOutMin := ApplySlippage(q.AmountOut, slippageBps)
	return QuoteResult{
		AmountIn:              q.AmountIn,
		AmountOut:             q.AmountOut,
		AmountOutMin:          amountOutMin,
		FormattedAmountOut:    evm.FormatAmount(q.AmountOut, q.ToToken.Decimals),
		FormattedAmountOutMin: evm.FormatAmount(amountOutMin, q.ToToken.Decimals),
		PriceImpact:           q.PriceImpact(),
		Path:                  q.Path,
		FetchedAt:             q.FetchedAt,
	}
}

type QuoteState struct {
	Quote *Quote
	Err   error
	// Loading 当前输入还没有可用的报价
	Loading bool
	// Fetching 有请求正在进行, 包括后台刷新
	Fetching bool
}

type QuoteOptions struct {
	Debounce        time.Duration
	StaleTime       time.Duration
	RefreshInterval time.Duration
	OnChange        func()
}

type QuoteEngine struct {
	registry *registry.Registry
	provider eth.Provider
	opts     QuoteOptions
	cache    *gocache.Cache
	group    singleflight.Group
	ctx      context.Context
	cancel   context.CancelFunc

	mutex           sync.Mutex
	closed          bool
	req             QuoteRequest
	debounced       string
	debouncePending bool
	debounceSeq     uint64
	debounceTimer   *time.Timer
	refreshTimer    *time.Timer
	generation      uint64
	state           QuoteState
}

func NewQuoteEngine(reg *registry.Registry, provider eth.Provider, opts QuoteOptions) *QuoteEngine {
	if opts.Debounce <= 0 {
		opts.Debounce = 400 * time.Millisecond
	}
	if opts.StaleTime <= 0 {
		opts.StaleTime = 30 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &QuoteEngine{
		registry: reg,
		provider: provider,
		opts:     opts,
		cache:    gocache.New(opts.StaleTime, 2*opts.StaleTime),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (e *QuoteEngine) notify() {
	if e.opts.OnChange != nil {
		e.opts.OnChange()
	}
}

// prepare 输入无效时返回 false, 不视为错误
func (e *QuoteEngine) prepare(req QuoteRequest) (QuoteKey, *big.Int, bool) {
	if req.FromToken == nil || req.ToToken == nil {
		return QuoteKey{}, nil, false
	}
	if !e.registry.IsSupportedChain(req.ChainId) {
		return QuoteKey{}, nil, false
	}
	if req.FromToken.ChainId != req.ChainId || req.ToToken.ChainId != req.ChainId {
		return QuoteKey{}, nil, false
	}

	amountIn, err := evm.ParseAmount(req.Amount, req.FromToken.Decimals)
	if err != nil {
		return QuoteKey{}, nil, false
	}

	key := QuoteKey{
		ChainId: req.ChainId,
		From:    req.FromToken.Address,
		To:      req.ToToken.Address,
		Amount:  strings.TrimSpace(req.Amount),
	}
	return key, amountIn, true
}

// GetQuote 不经过防抖直接查询报价, 输入无效时返回 nil, nil
func (e *QuoteEngine) GetQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	return e.getQuote(ctx, req, false)
}

func (e *QuoteEngine) getQuote(ctx context.Context, req QuoteRequest, force bool) (*Quote, error) {
	key, amountIn, ok := e.prepare(req)
	if !ok {
		return nil, nil
	}

	if !force {
		if v, found := e.cache.Get(key.String()); found {
			metrics.RecordQuote(key.ChainId, "cached", 0)
			return v.(*Quote), nil
		}
	}

	v, err, _ := e.group.Do(key.String(), func() (any, error) {
		start := time.Now()
		q, err := e.fetch(ctx, key, req, amountIn)
		if err != nil {
			metrics.RecordQuote(key.ChainId, "error", time.Since(start))
			logger.Warnf("[QuoteEngine] 查询报价失败, chainId: %d, from: %s, to: %s, amount: %s, %v",
				key.ChainId, req.FromToken.Symbol, req.ToToken.Symbol, key.Amount, err)
			return nil, err
		}

		metrics.RecordQuote(key.ChainId, "success", time.Since(start))
		e.cache.SetDefault(key.String(), q)
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Quote), nil
}

func (e *QuoteEngine) fetch(ctx context.Context, key QuoteKey, req QuoteRequest, amountIn *big.Int) (*Quote, error) {
	chain, ok := e.registry.GetChainConfig(key.ChainId)
	if !ok {
		return nil, registry.ErrUnsupportedChain
	}

	client, err := e.provider.Client(key.ChainId)
	if err != nil {
		return nil, &QuoteError{Err: err}
	}

	// 路由只支持ERC20, 原生代币替换为包装代币
	path := []common.Address{req.FromToken.PathAddress(), req.ToToken.PathAddress()}

	var amounts []*big.Int
	var reserves *Reserves
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		amounts, err = client.GetAmountsOut(gctx, chain.RouterAddress, amountIn, path)
		return err
	})
	g.Go(func() error {
		var err error
		reserves, err = e.pairReserves(gctx, client, chain, path[0], path[1])
		if err != nil {
			logger.Debugf("[QuoteEngine] 查询池子储备失败, chainId: %d, %s -> %s, %v",
				chain.Id, path[0].Hex(), path[1].Hex(), err)
		}
		return nil
	})
	if err = g.Wait(); err != nil {
		return nil, remapQuoteError(err)
	}

	if len(amounts) < len(path) {
		return nil, ErrInsufficientLiquidity
	}
	amountOut := amounts[len(amounts)-1]
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}

	return &Quote{
		Key:       key,
		FromToken: *req.FromToken,
		ToToken:   *req.ToToken,
		Path:      path,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Reserves:  reserves,
		FetchedAt: time.Now(),
	}, nil
}

// Update 设置最新输入; 数量经过防抖, 代币与链的变化立即生效
func (e *QuoteEngine) Update(req QuoteRequest) {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return
	}

	prev := e.req
	e.req = req
	pairChanged := prev.ChainId != req.ChainId ||
		!sameToken(prev.FromToken, req.FromToken) ||
		!sameToken(prev.ToToken, req.ToToken)

	amount := strings.TrimSpace(req.Amount)
	switch {
	case amount == "":
		e.stopDebounceLocked()
		if e.debounced != "" || pairChanged {
			e.debounced = ""
			e.scheduleLocked()
		}
	case amount != e.debounced:
		if amount != strings.TrimSpace(prev.Amount) || !e.debouncePending {
			e.startDebounceLocked()
		}
		if pairChanged {
			// 等待防抖结束后再查询新的代币对
			e.generation++
			e.stopRefreshLocked()
			e.state = QuoteState{}
		}
	default:
		e.stopDebounceLocked()
		if pairChanged {
			e.scheduleLocked()
		}
	}
	e.mutex.Unlock()

	e.notify()
}

func (e *QuoteEngine) startDebounceLocked() {
	e.stopDebounceLocked()
	e.debouncePending = true
	e.debounceSeq++
	seq := e.debounceSeq
	e.debounceTimer = time.AfterFunc(e.opts.Debounce, func() {
		e.onDebounce(seq)
	})
}

func (e *QuoteEngine) stopDebounceLocked() {
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	e.debouncePending = false
	e.debounceSeq++
}

func (e *QuoteEngine) onDebounce(seq uint64) {
	e.mutex.Lock()
	if e.closed || seq != e.debounceSeq {
		e.mutex.Unlock()
		return
	}
	e.debounceTimer = nil
	e.debouncePending = false
	e.debounced = strings.TrimSpace(e.req.Amount)
	e.scheduleLocked()
	e.mutex.Unlock()

	e.notify()
}

func (e *QuoteEngine) currentRequestLocked() QuoteRequest {
	req := e.req
	req.Amount = e.debounced
	return req
}

// scheduleLocked 新的查询会使之前的请求结果作废
func (e *QuoteEngine) scheduleLocked() {
	e.generation++
	gen := e.generation
	e.stopRefreshLocked()

	req := e.currentRequestLocked()
	key, _, ok := e.prepare(req)
	if !ok {
		e.state = QuoteState{}
		return
	}

	if v, found := e.cache.Get(key.String()); found {
		metrics.RecordQuote(key.ChainId, "cached", 0)
		e.state = QuoteState{Quote: v.(*Quote)}
		e.armRefreshLocked(gen)
		return
	}

	e.state = QuoteState{Loading: true, Fetching: true}
	go e.run(gen, req, false)
}

func (e *QuoteEngine) run(gen uint64, req QuoteRequest, refresh bool) {
	q, err := e.getQuote(e.ctx, req, refresh)

	e.mutex.Lock()
	if e.closed || gen != e.generation {
		e.mutex.Unlock()
		logger.Debugf("[QuoteEngine] 丢弃过期的报价结果, generation: %d", gen)
		return
	}

	switch {
	case err != nil && refresh:
		e.state.Err = err
		e.state.Fetching = false
	case err != nil:
		e.state = QuoteState{Err: err}
	default:
		e.state = QuoteState{Quote: q}
		if q != nil {
			e.armRefreshLocked(gen)
		}
	}
	e.mutex.Unlock()

	e.notify()
}

func (e *QuoteEngine) armRefreshLocked(gen uint64) {
	e.stopRefreshLocked()
	e.refreshTimer = time.AfterFunc(e.opts.RefreshInterval, func() {
		e.onRefresh(gen)
	})
}

func (e *QuoteEngine) stopRefreshLocked() {
	if e.refreshTimer != nil {
		e.refreshTimer.Stop()
		e.refreshTimer = nil
	}
}

func (e *QuoteEngine) onRefresh(gen uint64) {
	e.mutex.Lock()
	if e.closed || gen != e.generation {
		e.mutex.Unlock()
		return
	}
	e.refreshTimer = nil
	e.state.Fetching = true
	req := e.currentRequestLocked()
	e.mutex.Unlock()

	e.notify()
	e.run(gen, req, true)
}

func (e *QuoteEngine) State() QuoteState {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	s := e.state
	if e.debouncePending {
		s.Loading = true
	}
	return s
}

func (e *QuoteEngine) Close() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.closed = true
	e.stopDebounceLocked()
	e.stopRefreshLocked()
	e.cancel()
}
