package swap

import (
	"slices"
	"strings"

	"github.com/fachebot/evm-swap-engine/internal/registry"

	"github.com/samber/lo"
)

// Selection 某条链上的代币与数量选择
type Selection struct {
	FromToken  *registry.Token
	ToToken    *registry.Token
	FromAmount string
}

func (s Selection) clone() Selection {
	ret := Selection{FromAmount: s.FromAmount}
	if s.FromToken != nil {
		t := *s.FromToken
		ret.FromToken = &t
	}
	if s.ToToken != nil {
		t := *s.ToToken
		ret.ToToken = &t
	}
	return ret
}

func sameToken(a, b *registry.Token) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func isMember(tokens []registry.Token, t *registry.Token) bool {
	if t == nil {
		return false
	}
	return lo.ContainsBy(tokens, func(x registry.Token) bool { return x.Equal(*t) })
}

// ResolveDefaultPair 选择默认的兑换代币对
//
// from: 偏好符号 > 原生代币 > priority 最小的代币
// to: 偏好符号 > 稳定币 > 任意其它代币, 均需与 from 不同; 少于两个代币时为 nil
func ResolveDefaultPair(tokens []registry.Token, chainId int64, preferredFrom, preferredTo string) (from, to *registry.Token) {
	candidates := lo.Filter(tokens, func(t registry.Token, _ int) bool { return t.ChainId == chainId })
	if len(candidates) == 0 {
		return nil, nil
	}
	slices.SortStableFunc(candidates, func(a, b registry.Token) int { return a.Priority - b.Priority })

	bySymbol := func(symbol string) (registry.Token, bool) {
		if symbol == "" {
			return registry.Token{}, false
		}
		return lo.Find(candidates, func(t registry.Token) bool { return strings.EqualFold(t.Symbol, symbol) })
	}

	fromToken, ok := bySymbol(preferredFrom)
	if !ok {
		fromToken, ok = lo.Find(candidates, func(t registry.Token) bool { return t.IsNativeAsset() })
	}
	if !ok {
		fromToken = candidates[0]
	}
	from = &fromToken

	distinct := func(t registry.Token) bool { return !t.Equal(fromToken) }
	toToken, ok := bySymbol(preferredTo)
	if !ok || !distinct(toToken) {
		toToken, ok = lo.Find(candidates, func(t registry.Token) bool { return t.IsStable && distinct(t) })
	}
	if !ok {
		toToken, ok = lo.Find(candidates, distinct)
	}
	if ok {
		to = &toToken
	}
	return from, to
}

// reconcile 当前选择不属于代币列表时重新计算默认代币对
func (s *Selection) reconcile(tokens []registry.Token, chainId int64, preferredFrom, preferredTo string) bool {
	if isMember(tokens, s.FromToken) && isMember(tokens, s.ToToken) {
		return false
	}

	from, to := ResolveDefaultPair(tokens, chainId, preferredFrom, preferredTo)
	changed := !sameToken(from, s.FromToken) || !sameToken(to, s.ToToken)
	s.FromToken, s.ToToken = from, to
	return changed
}

// switchTokens 交换方向并清空数量
func (s *Selection) switchTokens() {
	s.FromToken, s.ToToken = s.ToToken, s.FromToken
	s.FromAmount = ""
}
