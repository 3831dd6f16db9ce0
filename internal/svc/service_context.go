package svc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/cache"
	"github.com/fachebot/evm-swap-engine/internal/config"
	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/liquidity"
	"github.com/fachebot/evm-swap-engine/internal/logger"
	"github.com/fachebot/evm-swap-engine/internal/model"
	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/swap"

	entsql "entgo.io/ent/dialect/sql"
	"golang.org/x/net/proxy"
)

type ServiceContext struct {
	Config          *config.Config
	Registry        *registry.Registry
	DbDriver        *entsql.Driver
	TransportProxy  *http.Transport
	HttpClient      *http.Client
	EthManager      *eth.Manager
	Wallet          *eth.LocalWallet
	NonceManager    *eth.NonceManager
	TokenMetaCache  *cache.TokenMetaCache
	RecentSwapModel *model.RecentSwapModel
	NonceModel      *model.NonceModel
	Aggregator      *liquidity.Aggregator
}

func newTransportProxy(c config.Sock5Proxy) (*http.Transport, error) {
	if !c.Enable {
		return nil, nil
	}

	socks5Proxy := fmt.Sprintf("%s:%d", c.Host, c.Port)
	dialer, err := proxy.SOCKS5("tcp", socks5Proxy, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = contextDialer.DialContext
	} else {
		transport.Dial = dialer.Dial
	}
	return transport, nil
}

func NewServiceContext(ctx context.Context, c *config.Config) *ServiceContext {
	// 创建链注册表
	reg, err := registry.New(c)
	if err != nil {
		logger.Fatalf("创建链注册表失败, %v", err)
	}

	// 创建数据库连接
	drv, err := model.Open(ctx, c.Database)
	if err != nil {
		logger.Fatalf("打开数据库失败, %v", err)
	}

	// 创建SOCKS5代理
	transportProxy, err := newTransportProxy(c.Sock5Proxy)
	if err != nil {
		logger.Fatalf("创建SOCKS5代理失败, %v", err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if transportProxy != nil {
		httpClient.Transport = transportProxy
	}

	// 创建本地钱包
	secrets, err := config.LoadSecrets()
	if err != nil {
		logger.Fatalf("读取私钥失败, %v", err)
	}
	wallet, err := eth.NewLocalWallet(secrets.PrivateKey, c.Session.DefaultChainId, reg.IsSupportedChain)
	if err != nil {
		logger.Fatalf("创建钱包失败, %v", err)
	}
	if !wallet.IsConnected() {
		logger.Warnf("环境变量 SWAPENGINE_PRIVATE_KEY 未设置, 钱包未连接")
	}

	// 连接各链RPC
	nonceModel := model.NewNonceModel(drv)
	nonceManager := eth.NewNonceManager(nonceModel)
	ethManager, err := eth.Dial(ctx, c.Chains, httpClient, wallet, nonceManager)
	if err != nil {
		logger.Fatalf("连接RPC失败, %v", err)
	}

	recentSwapModel, err := model.NewRecentSwapModel(drv, c.Session.RecentSwapLimit)
	if err != nil {
		logger.Fatalf("创建兑换记录模型失败, %v", err)
	}

	staleTime := time.Duration(c.Liquidity.StaleSeconds) * time.Second
	svcCtx := &ServiceContext{
		Config:          c,
		Registry:        reg,
		DbDriver:        drv,
		TransportProxy:  transportProxy,
		HttpClient:      httpClient,
		EthManager:      ethManager,
		Wallet:          wallet,
		NonceManager:    nonceManager,
		TokenMetaCache:  cache.NewTokenMetaCache(ethManager),
		RecentSwapModel: recentSwapModel,
		NonceModel:      nonceModel,
		Aggregator:      liquidity.NewAggregator(reg, ethManager, staleTime),
	}

	return svcCtx
}

// LoadTokenLists 合并各链配置的代币列表并补全缺失的元数据
func (svcCtx *ServiceContext) LoadTokenLists(ctx context.Context) {
	for _, chain := range svcCtx.Config.Chains {
		if chain.TokenListUrl == "" {
			continue
		}

		list, err := registry.FetchTokenList(ctx, svcCtx.HttpClient, chain.TokenListUrl)
		if err != nil {
			logger.Warnf("下载代币列表失败, chainId: %d, url: %s, %v", chain.Id, chain.TokenListUrl, err)
			continue
		}

		added := svcCtx.Registry.MergeTokens(chain.Id, list.ForChain(chain.Id))
		logger.Infof("已合并代币列表, chainId: %d, name: %s, added: %d", chain.Id, list.Name, added)
	}

	if err := svcCtx.Registry.FillMetadata(ctx, svcCtx.TokenMetaCache); err != nil {
		logger.Warnf("补全代币元数据失败, %v", err)
	}
}

func (svcCtx *ServiceContext) NewSession() (*swap.Session, error) {
	c := svcCtx.Config
	return swap.NewSession(swap.Options{
		Registry: svcCtx.Registry,
		Provider: svcCtx.EthManager,
		Wallet:   svcCtx.Wallet,
		Recent:   svcCtx.RecentSwapModel,
		Settings: swap.SettingsFromConfig(c.SwapSettings),
		Quote: swap.QuoteOptions{
			Debounce:        c.Quote.Debounce(),
			StaleTime:       c.Quote.StaleTime(),
			RefreshInterval: c.Quote.RefreshInterval(),
		},
		DefaultChainId: c.Session.DefaultChainId,
		PreferredFrom:  c.Session.PreferredFrom,
		PreferredTo:    c.Session.PreferredTo,
	})
}

func (svcCtx *ServiceContext) Close() {
	svcCtx.EthManager.Close()
	if err := svcCtx.DbDriver.Close(); err != nil {
		logger.Errorf("关闭数据库失败, %v", err)
	}
}
