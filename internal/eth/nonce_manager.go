package eth

import (
	"context"
	"fmt"
	"sync"

	"github.com/fachebot/evm-swap-engine/internal/logger"

	"github.com/ethereum/go-ethereum/common"
)

type NonceStore interface {
	FindNonce(ctx context.Context, chainId int64, account common.Address) (nonce uint64, found bool, err error)
	SaveNonce(ctx context.Context, chainId int64, account common.Address, nonce uint64) error
}

type PendingNonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type NonceConsumeFunc func(ctx context.Context, nonce uint64) (hash string, err error)

// NonceManager 同一链上同一账户的交易串行分配nonce
type NonceManager struct {
	mutex     sync.Mutex
	userLocks map[string]*sync.Mutex
	store     NonceStore
}

func NewNonceManager(store NonceStore) *NonceManager {
	return &NonceManager{
		store:     store,
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (m *NonceManager) lock(chainId int64, account common.Address) *sync.Mutex {
	key := fmt.Sprintf("%d:%s", chainId, account.Hex())

	m.mutex.Lock()
	defer m.mutex.Unlock()

	userMutex, ok := m.userLocks[key]
	if !ok {
		userMutex = new(sync.Mutex)
		m.userLocks[key] = userMutex
	}
	return userMutex
}

func (m *NonceManager) Request(ctx context.Context, chainId int64, pending PendingNonceReader, account common.Address, consume NonceConsumeFunc) error {
	userMutex := m.lock(chainId, account)
	userMutex.Lock()
	defer userMutex.Unlock()

	nextNonce, err := pending.PendingNonceAt(ctx, account)
	if err != nil {
		return err
	}

	storedNonce, found, err := m.store.FindNonce(ctx, chainId, account)
	if err != nil {
		return err
	}
	if found && storedNonce >= nextNonce {
		nextNonce = storedNonce + 1
	}

	_, err = consume(ctx, nextNonce)
	if err == nil {
		if err2 := m.store.SaveNonce(ctx, chainId, account, nextNonce); err2 != nil {
			logger.Errorf("[NonceManager] 更新账户nonce失败, chainId: %d, account: %s, nonce: %d, %+v",
				chainId, account, nextNonce, err2)
		}
	}

	return err
}
