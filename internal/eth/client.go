package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrNoClient            = errors.New("no rpc client for chain")
	ErrNoSigner            = errors.New("no signer available")
	ErrTransactionReverted = errors.New("transaction reverted on chain")
)

type Reader interface {
	GetAmountsOut(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
	Factory(ctx context.Context, router common.Address) (common.Address, error)
	GetPair(ctx context.Context, factory, tokenA, tokenB common.Address) (common.Address, error)
	GetReserves(ctx context.Context, pair common.Address) (reserve0, reserve1 *big.Int, err error)
	Token0(ctx context.Context, pair common.Address) (common.Address, error)
	Token1(ctx context.Context, pair common.Address) (common.Address, error)
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type Call struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Writer 先模拟再提交, 广播前的失败返回 *SubmitError
type Writer interface {
	Simulate(ctx context.Context, call Call) (gasLimit uint64, err error)
	Submit(ctx context.Context, call Call, gasLimit uint64) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type Client interface {
	Reader
	Writer
}

type Provider interface {
	Client(chainId int64) (Client, error)
}

type SubmitStage string

const (
	StageSimulate  SubmitStage = "simulate"
	StageSign      SubmitStage = "sign"
	StageBroadcast SubmitStage = "broadcast"
)

type SubmitError struct {
	Stage SubmitStage
	Err   error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

type ChainClient struct {
	chainId int64
	rpc     *ethclient.Client
	signer  Signer
	nonces  *NonceManager
}

func NewChainClient(chainId int64, rpc *ethclient.Client, signer Signer, nonces *NonceManager) *ChainClient {
	return &ChainClient{
		chainId: chainId,
		rpc:     rpc,
		signer:  signer,
		nonces:  nonces,
	}
}

func (c *ChainClient) ChainId() int64 {
	return c.chainId
}

func (c *ChainClient) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	values, err := contract.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	return values, nil
}

func (c *ChainClient) callBig(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	values, err := c.call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, values[0])
	}
	return v, nil
}

func (c *ChainClient) callAddress(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (common.Address, error) {
	values, err := c.call(ctx, contract, to, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected %s result type %T", method, values[0])
	}
	return v, nil
}

func (c *ChainClient) GetAmountsOut(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	values, err := c.call(ctx, evm.UniswapV2RouterABI, router, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getAmountsOut result type %T", values[0])
	}
	return amounts, nil
}

func (c *ChainClient) Factory(ctx context.Context, router common.Address) (common.Address, error) {
	return c.callAddress(ctx, evm.UniswapV2RouterABI, router, "factory")
}

func (c *ChainClient) GetPair(ctx context.Context, factory, tokenA, tokenB common.Address) (common.Address, error) {
	return c.callAddress(ctx, evm.UniswapV2FactoryABI, factory, "getPair", tokenA, tokenB)
}

func (c *ChainClient) GetReserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error) {
	values, err := c.call(ctx, evm.UniswapV2PairABI, pair, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	if len(values) < 2 {
		return nil, nil, fmt.Errorf("unexpected getReserves result length %d", len(values))
	}

	reserve0, ok0 := values[0].(*big.Int)
	reserve1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, errors.New("unexpected getReserves result type")
	}
	return reserve0, reserve1, nil
}

func (c *ChainClient) Token0(ctx context.Context, pair common.Address) (common.Address, error) {
	return c.callAddress(ctx, evm.UniswapV2PairABI, pair, "token0")
}

func (c *ChainClient) Token1(ctx context.Context, pair common.Address) (common.Address, error) {
	return c.callAddress(ctx, evm.UniswapV2PairABI, pair, "token1")
}

func (c *ChainClient) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	return c.callBig(ctx, evm.ERC20ABI, token, "totalSupply")
}

func (c *ChainClient) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return c.callBig(ctx, evm.ERC20ABI, token, "balanceOf", account)
}

func (c *ChainClient) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.rpc.BalanceAt(ctx, account, nil)
}

func (c *ChainClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callBig(ctx, evm.ERC20ABI, token, "allowance", owner, spender)
}

func (c *ChainClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.rpc.TransactionReceipt(ctx, hash)
}

func (c *ChainClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.rpc.CallContract(ctx, msg, blockNumber)
}
