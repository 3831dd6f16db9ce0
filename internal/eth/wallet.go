package eth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrChainNotConfigured = errors.New("chain is not configured")

type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainId *big.Int) (*types.Transaction, error)
}

// Wallet 钱包连接状态
type Wallet interface {
	Account() common.Address
	IsConnected() bool
	ChainID() int64
	SwitchChain(ctx context.Context, chainId int64) error
}

// LocalWallet 使用本地私钥签名, 未配置私钥时视为未连接
type LocalWallet struct {
	prv       *ecdsa.PrivateKey
	account   common.Address
	chainId   atomic.Int64
	supported func(chainId int64) bool
}

func NewLocalWallet(privateKey string, chainId int64, supported func(chainId int64) bool) (*LocalWallet, error) {
	w := &LocalWallet{supported: supported}
	w.chainId.Store(chainId)

	privateKey = strings.TrimPrefix(strings.TrimSpace(privateKey), "0x")
	if privateKey == "" {
		return w, nil
	}

	prv, err := crypto.HexToECDSA(privateKey)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}

	account, err := evm.GetAddress(prv)
	if err != nil {
		return nil, err
	}

	w.prv = prv
	w.account = account
	return w, nil
}

func (w *LocalWallet) Account() common.Address {
	return w.account
}

func (w *LocalWallet) Address() common.Address {
	return w.account
}

func (w *LocalWallet) IsConnected() bool {
	return w.prv != nil
}

func (w *LocalWallet) ChainID() int64 {
	return w.chainId.Load()
}

func (w *LocalWallet) SwitchChain(ctx context.Context, chainId int64) error {
	if w.supported != nil && !w.supported(chainId) {
		return fmt.Errorf("%w: %d", ErrChainNotConfigured, chainId)
	}
	w.chainId.Store(chainId)
	return nil
}

func (w *LocalWallet) SignTx(ctx context.Context, tx *types.Transaction, chainId *big.Int) (*types.Transaction, error) {
	if w.prv == nil {
		return nil, ErrNoSigner
	}
	return types.SignTx(tx, types.NewLondonSigner(chainId), w.prv)
}
