package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type CallerProvider interface {
	Caller(chainId int64) (ethereum.ContractCaller, bool)
}

type TokenMetaCache struct {
	provider     CallerProvider
	tokenMetaMap sync.Map
}

func NewTokenMetaCache(provider CallerProvider) *TokenMetaCache {
	return &TokenMetaCache{provider: provider}
}

func (c *TokenMetaCache) GetTokenMeta(ctx context.Context, chainId int64, token common.Address) (registry.Metadata, error) {
	key := fmt.Sprintf("%d:%s", chainId, token.Hex())
	val, ok := c.tokenMetaMap.Load(key)
	if ok {
		return val.(registry.Metadata), nil
	}

	caller, ok := c.provider.Caller(chainId)
	if !ok {
		return registry.Metadata{}, fmt.Errorf("no rpc client for chain %d", chainId)
	}

	tokenmeta, err := evm.GetTokenMeta(ctx, caller, token)
	if err != nil {
		return registry.Metadata{}, err
	}

	ret := registry.Metadata{
		Name:     tokenmeta.Name,
		Symbol:   tokenmeta.Symbol,
		Decimals: tokenmeta.Decimals,
	}
	c.tokenMetaMap.Store(key, ret)

	return ret, nil
}
