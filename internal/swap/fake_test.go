package swap

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fachebot/evm-swap-engine/internal/config"
	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/registry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const testChainId = 1

var (
	routerAddr  = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	factoryAddr = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	wethAddr    = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdcAddr    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	daiAddr     = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	pairAddr    = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	userAddr    = common.HexToAddress("0x00000000000000000000000000000000000000AA")
)

func testConfig() *config.Config {
	return &config.Config{
		Chains: []config.Chain{{
			Id:                   testChainId,
			Name:                 "Ethereum",
			RouterAddress:        routerAddr.Hex(),
			FactoryAddress:       factoryAddr.Hex(),
			WrappedNativeAddress: wethAddr.Hex(),
			ExplorerBaseUrl:      "https://etherscan.io",
			NativeCurrency:       config.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
			Tokens: []config.Token{
				{Symbol: "ETH", IsNative: true, Priority: 1},
				{Address: usdcAddr.Hex(), Symbol: "USDC", Name: "USD Coin", Decimals: 6, Priority: 2, IsStable: true},
				{Address: daiAddr.Hex(), Symbol: "DAI", Name: "Dai", Decimals: 18, Priority: 3, IsStable: true},
			},
		}},
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(testConfig())
	require.NoError(t, err)
	return reg
}

func mustToken(t *testing.T, reg *registry.Registry, symbol string) *registry.Token {
	t.Helper()
	token, ok := reg.FindToken(testChainId, symbol)
	require.True(t, ok, symbol)
	return &token
}

func bigInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big int " + s)
	}
	return v
}

type fakeClient struct {
	mutex sync.Mutex

	amountsOut   func(amountIn *big.Int, path []common.Address) ([]*big.Int, error)
	amountsCalls atomic.Int32

	pair     common.Address
	token0   common.Address
	reserve0 *big.Int
	reserve1 *big.Int

	balances   map[common.Address]*big.Int
	native     *big.Int
	allowances map[common.Address]*big.Int

	simulateErr   error
	submitErr     error
	receiptStatus uint64
	// mined 非空时 WaitMined 阻塞直到关闭
	mined     chan struct{}
	submitted []eth.Call
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		balances:      make(map[common.Address]*big.Int),
		allowances:    make(map[common.Address]*big.Int),
		native:        big.NewInt(0),
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (c *fakeClient) Client(chainId int64) (eth.Client, error) {
	if chainId != testChainId {
		return nil, eth.ErrNoClient
	}
	return c, nil
}

func (c *fakeClient) GetAmountsOut(_ context.Context, _ common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	c.amountsCalls.Add(1)
	c.mutex.Lock()
	fn := c.amountsOut
	c.mutex.Unlock()

	if fn == nil {
		return nil, errors.New("no route")
	}
	return fn(amountIn, path)
}

func (c *fakeClient) setAmountsOut(fn func(amountIn *big.Int, path []common.Address) ([]*big.Int, error)) {
	c.mutex.Lock()
	c.amountsOut = fn
	c.mutex.Unlock()
}

// fixedRate 每个输入单位返回固定数量的输出
func fixedRate(out *big.Int, perIn *big.Int) func(*big.Int, []common.Address) ([]*big.Int, error) {
	return func(amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
		v := new(big.Int).Mul(amountIn, out)
		v.Quo(v, perIn)
		return []*big.Int{amountIn, v}, nil
	}
}

func (c *fakeClient) Factory(context.Context, common.Address) (common.Address, error) {
	return factoryAddr, nil
}

func (c *fakeClient) GetPair(context.Context, common.Address, common.Address, common.Address) (common.Address, error) {
	return c.pair, nil
}

func (c *fakeClient) GetReserves(context.Context, common.Address) (*big.Int, *big.Int, error) {
	return c.reserve0, c.reserve1, nil
}

func (c *fakeClient) Token0(context.Context, common.Address) (common.Address, error) {
	return c.token0, nil
}

func (c *fakeClient) Token1(context.Context, common.Address) (common.Address, error) {
	return common.Address{}, nil
}

func (c *fakeClient) TotalSupply(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *fakeClient) BalanceOf(_ context.Context, token, _ common.Address) (*big.Int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.balances[token]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (c *fakeClient) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.native, nil
}

func (c *fakeClient) Allowance(_ context.Context, token, _, _ common.Address) (*big.Int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.allowances[token]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (c *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: c.receiptStatus}, nil
}

func (c *fakeClient) Simulate(_ context.Context, call eth.Call) (uint64, error) {
	if c.simulateErr != nil {
		return 0, &eth.SubmitError{Stage: eth.StageSimulate, Err: c.simulateErr}
	}
	return 150000, nil
}

func (c *fakeClient) Submit(_ context.Context, call eth.Call, _ uint64) (common.Hash, error) {
	if c.submitErr != nil {
		return common.Hash{}, &eth.SubmitError{Stage: eth.StageSign, Err: c.submitErr}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.submitted = append(c.submitted, call)
	return common.BigToHash(big.NewInt(int64(len(c.submitted)))), nil
}

func (c *fakeClient) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if c.mined != nil {
		select {
		case <-c.mined:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.submitted) > 0 {
		call := c.submitted[len(c.submitted)-1]
		if call.To != routerAddr {
			// approve 成功后更新额度
			c.allowances[call.To] = new(big.Int).Lsh(big.NewInt(1), 255)
		}
	}
	return &types.Receipt{Status: c.receiptStatus, TxHash: hash}, nil
}

func (c *fakeClient) Submitted() []eth.Call {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]eth.Call(nil), c.submitted...)
}

type fakeWallet struct {
	account   common.Address
	connected bool
	chainId   atomic.Int64
}

func newFakeWallet(chainId int64, connected bool) *fakeWallet {
	w := &fakeWallet{account: userAddr, connected: connected}
	w.chainId.Store(chainId)
	return w
}

func (w *fakeWallet) Account() common.Address {
	if !w.connected {
		return common.Address{}
	}
	return w.account
}

func (w *fakeWallet) IsConnected() bool {
	return w.connected
}

func (w *fakeWallet) ChainID() int64 {
	return w.chainId.Load()
}

func (w *fakeWallet) SwitchChain(_ context.Context, chainId int64) error {
	if chainId != testChainId {
		return eth.ErrChainNotConfigured
	}
	w.chainId.Store(chainId)
	return nil
}
