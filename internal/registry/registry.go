package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/fachebot/evm-swap-engine/internal/config"
	"github.com/fachebot/evm-swap-engine/internal/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

const DefaultPriority = 999

var ErrUnsupportedChain = errors.New("unsupported chain")

type AssetRef struct {
	ChainId int64
	Address common.Address
}

type Token struct {
	ChainId        int64
	Address        common.Address
	Symbol         string
	Name           string
	Decimals       uint8
	IsNative       bool
	WrappedAddress common.Address
	Priority       int
	IsStable       bool
	Canonical      *AssetRef
	Tags           []string
}

func (t Token) IsNativeAsset() bool {
	return t.IsNative || t.Address == (common.Address{})
}

// PathAddress 路由只支持ERC20, 原生代币使用包装代币地址
func (t Token) PathAddress() common.Address {
	if t.IsNativeAsset() {
		return t.WrappedAddress
	}
	return t.Address
}

func (t Token) Equal(o Token) bool {
	return t.ChainId == o.ChainId && t.Address == o.Address
}

type Chain struct {
	Id                   int64
	Name                 string
	RouterAddress        common.Address
	FactoryAddress       common.Address
	WrappedNativeAddress common.Address
	ExplorerBaseUrl      string
	TokenListUrl         string
	NativeCurrency       config.NativeCurrency
}

type Pool struct {
	Id          string
	ChainId     int64
	PairAddress common.Address
	Token0      Token
	Token1      Token
	FeeBps      int
	Priority    int
}

type MetaLoader interface {
	GetTokenMeta(ctx context.Context, chainId int64, token common.Address) (Metadata, error)
}

type Metadata struct {
	Name     string
	Symbol   string
	Decimals uint8
}

type Registry struct {
	mutex     sync.RWMutex
	chainIds  []int64
	chains    map[int64]Chain
	tokens    map[int64][]Token
	poolSpecs map[int64][]config.Pool
}

func New(c *config.Config) (*Registry, error) {
	r := &Registry{
		chains:    make(map[int64]Chain),
		tokens:    make(map[int64][]Token),
		poolSpecs: make(map[int64][]config.Pool),
	}

	for _, item := range c.Chains {
		chain := Chain{
			Id:                   item.Id,
			Name:                 item.Name,
			RouterAddress:        common.HexToAddress(item.RouterAddress),
			WrappedNativeAddress: common.HexToAddress(item.WrappedNativeAddress),
			ExplorerBaseUrl:      strings.TrimRight(item.ExplorerBaseUrl, "/"),
			TokenListUrl:         item.TokenListUrl,
			NativeCurrency:       item.NativeCurrency,
		}
		if item.FactoryAddress != "" {
			chain.FactoryAddress = common.HexToAddress(item.FactoryAddress)
		}

		tokens := make([]Token, 0, len(item.Tokens))
		for _, t := range item.Tokens {
			token := newToken(chain, t)
			if lo.ContainsBy(tokens, func(x Token) bool { return x.Address == token.Address }) {
				return nil, fmt.Errorf("链 %d 代币重复: %s", chain.Id, token.Address.Hex())
			}
			tokens = append(tokens, token)
		}
		sortTokens(tokens)

		r.chainIds = append(r.chainIds, chain.Id)
		r.chains[chain.Id] = chain
		r.tokens[chain.Id] = tokens

		for _, p := range item.Pools {
			if _, ok := findToken(tokens, p.Token0); !ok {
				return nil, fmt.Errorf("链 %d 池子 %s 的 Token0 %s 未配置", chain.Id, p.Id, p.Token0)
			}
			if _, ok := findToken(tokens, p.Token1); !ok {
				return nil, fmt.Errorf("链 %d 池子 %s 的 Token1 %s 未配置", chain.Id, p.Id, p.Token1)
			}
		}
		r.poolSpecs[chain.Id] = item.Pools
	}

	return r, nil
}

func newToken(chain Chain, c config.Token) Token {
	token := Token{
		ChainId:  chain.Id,
		Symbol:   c.Symbol,
		Name:     c.Name,
		Decimals: c.Decimals,
		IsNative: c.IsNative || c.Address == "",
		Priority: c.Priority,
		IsStable: c.IsStable,
		Tags:     c.Tags,
	}
	if token.Priority == 0 {
		token.Priority = DefaultPriority
	}

	if token.IsNative {
		token.WrappedAddress = chain.WrappedNativeAddress
		if c.WrappedAddress != "" {
			token.WrappedAddress = common.HexToAddress(c.WrappedAddress)
		}
		if token.Symbol == "" {
			token.Symbol = chain.NativeCurrency.Symbol
		}
		if token.Name == "" {
			token.Name = chain.NativeCurrency.Name
		}
		if token.Decimals == 0 {
			token.Decimals = chain.NativeCurrency.Decimals
		}
	} else {
		token.Address = common.HexToAddress(c.Address)
	}

	if c.CanonicalAddress != "" {
		token.Canonical = &AssetRef{ChainId: c.CanonicalChainId, Address: common.HexToAddress(c.CanonicalAddress)}
		if token.Canonical.ChainId == 0 {
			token.Canonical.ChainId = chain.Id
		}
	}
	return token
}

func sortTokens(tokens []Token) {
	slices.SortStableFunc(tokens, func(a, b Token) int {
		return a.Priority - b.Priority
	})
}

// findToken 按符号(忽略大小写)或地址查找代币
func findToken(tokens []Token, key string) (Token, bool) {
	if common.IsHexAddress(key) {
		addr := common.HexToAddress(key)
		return lo.Find(tokens, func(t Token) bool { return t.Address == addr })
	}
	return lo.Find(tokens, func(t Token) bool { return strings.EqualFold(t.Symbol, key) })
}

func (r *Registry) ListSupportedChains() []int64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return slices.Clone(r.chainIds)
}

func (r *Registry) IsSupportedChain(chainId int64) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.chains[chainId]
	return ok
}

func (r *Registry) GetChainConfig(chainId int64) (Chain, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	chain, ok := r.chains[chainId]
	return chain, ok
}

func (r *Registry) SetFactoryAddress(chainId int64, factory common.Address) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if chain, ok := r.chains[chainId]; ok {
		chain.FactoryAddress = factory
		r.chains[chainId] = chain
	}
}

func (r *Registry) ListTokens(chainId int64) []Token {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return slices.Clone(r.tokens[chainId])
}

func (r *Registry) FindToken(chainId int64, symbolOrAddress string) (Token, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return findToken(r.tokens[chainId], symbolOrAddress)
}

func (r *Registry) ContainsToken(token Token) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return lo.ContainsBy(r.tokens[token.ChainId], func(t Token) bool { return t.Equal(token) })
}

func (r *Registry) ListPools(chainId int64) []Pool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	tokens := r.tokens[chainId]
	pools := lo.FilterMap(r.poolSpecs[chainId], func(p config.Pool, _ int) (Pool, bool) {
		token0, ok0 := findToken(tokens, p.Token0)
		token1, ok1 := findToken(tokens, p.Token1)
		if !ok0 || !ok1 {
			return Pool{}, false
		}

		id := p.Id
		if id == "" {
			id = strings.ToLower(token0.Symbol + "-" + token1.Symbol)
		}
		priority := p.Priority
		if priority == 0 {
			priority = DefaultPriority
		}
		return Pool{
			Id:          id,
			ChainId:     chainId,
			PairAddress: common.HexToAddress(p.PairAddress),
			Token0:      token0,
			Token1:      token1,
			FeeBps:      p.FeeBps,
			Priority:    priority,
		}, true
	})

	slices.SortStableFunc(pools, func(a, b Pool) int {
		return a.Priority - b.Priority
	})
	return pools
}

// MergeTokens 合并外部代币, 地址已存在的保留配置中的定义
func (r *Registry) MergeTokens(chainId int64, tokens []Token) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	current, ok := r.tokens[chainId]
	if !ok {
		return 0
	}

	added := 0
	for _, token := range tokens {
		if token.ChainId != chainId || token.IsNativeAsset() {
			continue
		}
		if lo.ContainsBy(current, func(t Token) bool { return t.Address == token.Address }) {
			continue
		}
		if token.Priority == 0 {
			token.Priority = DefaultPriority
		}
		current = append(current, token)
		added++
	}

	sortTokens(current)
	r.tokens[chainId] = current
	return added
}

// FillMetadata 补全配置中缺少符号或精度的代币信息
func (r *Registry) FillMetadata(ctx context.Context, loader MetaLoader) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for chainId, tokens := range r.tokens {
		for idx, token := range tokens {
			if token.IsNativeAsset() || (token.Symbol != "" && token.Decimals != 0) {
				continue
			}

			meta, err := loader.GetTokenMeta(ctx, chainId, token.Address)
			if err != nil {
				return fmt.Errorf("查询代币信息失败, chainId: %d, token: %s: %w", chainId, token.Address.Hex(), err)
			}

			if token.Symbol == "" {
				tokens[idx].Symbol = meta.Symbol
			}
			if token.Name == "" {
				tokens[idx].Name = meta.Name
			}
			if token.Decimals == 0 {
				tokens[idx].Decimals = meta.Decimals
			}
			logger.Debugf("[Registry] 补全代币信息, chainId: %d, token: %s, symbol: %s, decimals: %d",
				chainId, token.Address.Hex(), tokens[idx].Symbol, tokens[idx].Decimals)
		}
	}

	return nil
}
