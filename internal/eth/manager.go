package eth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fachebot/evm-swap-engine/internal/config"
	"github.com/fachebot/evm-swap-engine/internal/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Manager 按链ID管理RPC客户端
type Manager struct {
	clients map[int64]*ChainClient
}

func NewManager(clients ...*ChainClient) *Manager {
	m := &Manager{clients: make(map[int64]*ChainClient)}
	for _, c := range clients {
		m.clients[c.ChainId()] = c
	}
	return m
}

func Dial(ctx context.Context, chains []config.Chain, httpClient *http.Client, signer Signer, nonces *NonceManager) (*Manager, error) {
	m := NewManager()
	for _, chain := range chains {
		if chain.RpcUrl == "" {
			logger.Warnf("[Manager] 链未配置RpcUrl, 跳过, chainId: %d", chain.Id)
			continue
		}

		options := make([]rpc.ClientOption, 0, 1)
		if httpClient != nil {
			options = append(options, rpc.WithHTTPClient(httpClient))
		}

		rpcClient, err := rpc.DialOptions(ctx, chain.RpcUrl, options...)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("创建RPC客户端失败, rpcUrl: %s: %w", chain.RpcUrl, err)
		}

		ethClient := ethclient.NewClient(rpcClient)
		chainId, err := ethClient.ChainID(ctx)
		if err != nil {
			ethClient.Close()
			m.Close()
			return nil, fmt.Errorf("查询链ID失败, rpcUrl: %s: %w", chain.RpcUrl, err)
		}
		if chainId.Int64() != chain.Id {
			ethClient.Close()
			m.Close()
			return nil, fmt.Errorf("链ID与配置不一致, ChainId: %d, got ChainId: %d", chain.Id, chainId)
		}

		m.clients[chain.Id] = NewChainClient(chain.Id, ethClient, signer, nonces)
		logger.Infof("[Manager] 已连接RPC, chainId: %d, name: %s", chain.Id, chain.Name)
	}
	return m, nil
}

func (m *Manager) Has(chainId int64) bool {
	_, ok := m.clients[chainId]
	return ok
}

func (m *Manager) Client(chainId int64) (Client, error) {
	c, ok := m.clients[chainId]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoClient, chainId)
	}
	return c, nil
}

func (m *Manager) Close() {
	for _, c := range m.clients {
		c.rpc.Close()
	}
}

func (m *Manager) Caller(chainId int64) (ethereum.ContractCaller, bool) {
	c, ok := m.clients[chainId]
	if !ok {
		return nil, false
	}
	return c, true
}
