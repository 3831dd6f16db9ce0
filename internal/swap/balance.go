package swap

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/registry"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
)

// BalanceTracker 代币余额的短期缓存
type BalanceTracker struct {
	provider eth.Provider
	cache    *gocache.Cache
}

func NewBalanceTracker(provider eth.Provider, ttl time.Duration) *BalanceTracker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &BalanceTracker{
		provider: provider,
		cache:    gocache.New(ttl, 2*ttl),
	}
}

func balanceKey(chainId int64, token, account common.Address) string {
	return fmt.Sprintf("%d:%s:%s", chainId, token.Hex(), account.Hex())
}

func (t *BalanceTracker) Balance(ctx context.Context, chainId int64, token *registry.Token, account common.Address) (*big.Int, error) {
	key := balanceKey(chainId, token.Address, account)
	if v, ok := t.cache.Get(key); ok {
		return v.(*big.Int), nil
	}

	client, err := t.provider.Client(chainId)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	if token.IsNativeAsset() {
		balance, err = client.NativeBalance(ctx, account)
	} else {
		balance, err = client.BalanceOf(ctx, token.Address, account)
	}
	if err != nil {
		return nil, err
	}

	t.cache.SetDefault(key, balance)
	return balance, nil
}

func (t *BalanceTracker) Invalidate(chainId int64, token, account common.Address) {
	t.cache.Delete(balanceKey(chainId, token, account))
}

func (t *BalanceTracker) Flush() {
	t.cache.Flush()
}
