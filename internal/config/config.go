package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type NativeCurrency struct {
	Name     string `yaml:"Name"`
	Symbol   string `yaml:"Symbol"`
	Decimals uint8  `yaml:"Decimals"`
}

type Token struct {
	Address          string   `yaml:"Address"`
	Symbol           string   `yaml:"Symbol"`
	Name             string   `yaml:"Name"`
	Decimals         uint8    `yaml:"Decimals"`
	IsNative         bool     `yaml:"IsNative"`
	WrappedAddress   string   `yaml:"WrappedAddress"`
	Priority         int      `yaml:"Priority"`
	IsStable         bool     `yaml:"IsStable"`
	CanonicalChainId int64    `yaml:"CanonicalChainId"`
	CanonicalAddress string   `yaml:"CanonicalAddress"`
	Tags             []string `yaml:"Tags"`
}

type Pool struct {
	Id          string `yaml:"Id"`
	PairAddress string `yaml:"PairAddress"`
	Token0      string `yaml:"Token0"`
	Token1      string `yaml:"Token1"`
	FeeBps      int    `yaml:"FeeBps"`
	Priority    int    `yaml:"Priority"`
}

type Chain struct {
	Id                   int64          `yaml:"Id"`
	Name                 string         `yaml:"Name"`
	RpcUrl               string         `yaml:"RpcUrl"`
	RouterAddress        string         `yaml:"RouterAddress"`
	FactoryAddress       string         `yaml:"FactoryAddress"`
	WrappedNativeAddress string         `yaml:"WrappedNativeAddress"`
	ExplorerBaseUrl      string         `yaml:"ExplorerBaseUrl"`
	TokenListUrl         string         `yaml:"TokenListUrl"`
	NativeCurrency       NativeCurrency `yaml:"NativeCurrency"`
	Tokens               []Token        `yaml:"Tokens"`
	Pools                []Pool         `yaml:"Pools"`
}

func (c *Chain) Validate() error {
	if c.Id <= 0 {
		return errors.New("Id 必须大于0")
	}
	if c.RouterAddress == "" {
		return errors.New("RouterAddress 不能为空")
	}
	if c.WrappedNativeAddress == "" {
		return errors.New("WrappedNativeAddress 不能为空")
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf("Chain %d", c.Id)
	}
	if c.NativeCurrency.Symbol == "" {
		c.NativeCurrency.Symbol = "ETH"
	}
	if c.NativeCurrency.Name == "" {
		c.NativeCurrency.Name = "Ether"
	}
	if c.NativeCurrency.Decimals == 0 {
		c.NativeCurrency.Decimals = 18
	}

	for idx, pool := range c.Pools {
		if pool.PairAddress == "" || pool.Token0 == "" || pool.Token1 == "" {
			return fmt.Errorf("Pools[%d] 缺少 PairAddress/Token0/Token1", idx)
		}
		if pool.FeeBps <= 0 {
			c.Pools[idx].FeeBps = 30
		}
	}

	return nil
}

type SwapSettings struct {
	SlippageBps     int  `yaml:"SlippageBps"`
	DeadlineMinutes int  `yaml:"DeadlineMinutes"`
	OneClickEnabled bool `yaml:"OneClickEnabled"`
}

func (c *SwapSettings) Validate() error {
	if c.SlippageBps == 0 {
		c.SlippageBps = 30
	}
	if c.SlippageBps < 0 || c.SlippageBps > 10000 {
		return errors.New("SlippageBps 取值范围: 0-10000")
	}
	if c.DeadlineMinutes <= 0 {
		c.DeadlineMinutes = 30
	}
	return nil
}

type Quote struct {
	DebounceMs     int `yaml:"DebounceMs"`
	StaleSeconds   int `yaml:"StaleSeconds"`
	RefreshSeconds int `yaml:"RefreshSeconds"`
}

func (c *Quote) Validate() error {
	if c.DebounceMs <= 0 {
		c.DebounceMs = 400
	}
	if c.StaleSeconds <= 0 {
		c.StaleSeconds = 30
	}
	if c.RefreshSeconds <= 0 {
		c.RefreshSeconds = 30
	}
	return nil
}

func (c Quote) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c Quote) StaleTime() time.Duration {
	return time.Duration(c.StaleSeconds) * time.Second
}

func (c Quote) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshSeconds) * time.Second
}

type Liquidity struct {
	StaleSeconds   int `yaml:"StaleSeconds"`
	RefreshSeconds int `yaml:"RefreshSeconds"`
}

func (c *Liquidity) Validate() error {
	if c.StaleSeconds <= 0 {
		c.StaleSeconds = 15
	}
	if c.RefreshSeconds <= 0 {
		c.RefreshSeconds = 30
	}
	return nil
}

type Sock5Proxy struct {
	Host   string `yaml:"Host"`
	Port   int32  `yaml:"Port"`
	Enable bool   `yaml:"Enable"`
}

type Log struct {
	Level      string `yaml:"Level"`
	Filename   string `yaml:"Filename"`
	MaxSizeMB  int    `yaml:"MaxSizeMB"`
	MaxBackups int    `yaml:"MaxBackups"`
	MaxAgeDays int    `yaml:"MaxAgeDays"`
}

type Metrics struct {
	Enable bool `yaml:"Enable"`
	Port   int  `yaml:"Port"`
}

type Session struct {
	DefaultChainId  int64  `yaml:"DefaultChainId"`
	PreferredFrom   string `yaml:"PreferredFrom"`
	PreferredTo     string `yaml:"PreferredTo"`
	RecentSwapLimit int    `yaml:"RecentSwapLimit"`
	// MinGasBalance 原生代币余额低于该值时仅记录警告
	MinGasBalance decimal.Decimal `yaml:"MinGasBalance"`
}

type Config struct {
	Chains       []Chain      `yaml:"Chains"`
	SwapSettings SwapSettings `yaml:"SwapSettings"`
	Quote        Quote        `yaml:"Quote"`
	Liquidity    Liquidity    `yaml:"Liquidity"`
	Session      Session      `yaml:"Session"`
	Sock5Proxy   Sock5Proxy   `yaml:"Sock5Proxy"`
	Log          Log          `yaml:"Log"`
	Metrics      Metrics      `yaml:"Metrics"`
	Database     string       `yaml:"Database"`
}

func (c *Config) FindChain(chainId int64) (Chain, bool) {
	for _, chain := range c.Chains {
		if chain.Id == chainId {
			return chain, true
		}
	}
	return Chain{}, false
}

// Secrets 从环境变量读取, 不写入配置文件
type Secrets struct {
	PrivateKey string `envconfig:"PRIVATE_KEY"`
}

func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := envconfig.Process("swapengine", &s); err != nil {
		return Secrets{}, fmt.Errorf("读取环境变量失败: %w", err)
	}
	return s, nil
}

func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

func Load(data []byte) (*Config, error) {
	var c Config
	err := yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, err
	}

	if len(c.Chains) == 0 {
		return nil, errors.New("Chains 不能为空")
	}

	seen := make(map[int64]struct{}, len(c.Chains))
	for idx := range c.Chains {
		if err = c.Chains[idx].Validate(); err != nil {
			return nil, fmt.Errorf("Chains[%d]配置错误: %w", idx, err)
		}
		if _, ok := seen[c.Chains[idx].Id]; ok {
			return nil, fmt.Errorf("Chains[%d]配置错误: 重复的链ID %d", idx, c.Chains[idx].Id)
		}
		seen[c.Chains[idx].Id] = struct{}{}
	}

	if err = c.SwapSettings.Validate(); err != nil {
		return nil, fmt.Errorf("SwapSettings配置错误: %w", err)
	}
	if err = c.Quote.Validate(); err != nil {
		return nil, fmt.Errorf("Quote配置错误: %w", err)
	}
	if err = c.Liquidity.Validate(); err != nil {
		return nil, fmt.Errorf("Liquidity配置错误: %w", err)
	}

	if c.Session.DefaultChainId == 0 {
		c.Session.DefaultChainId = c.Chains[0].Id
	}
	if _, ok := c.FindChain(c.Session.DefaultChainId); !ok {
		return nil, fmt.Errorf("Session.DefaultChainId %d 未配置", c.Session.DefaultChainId)
	}
	if c.Session.RecentSwapLimit <= 0 {
		c.Session.RecentSwapLimit = 20
	}

	if c.Database == "" {
		c.Database = "file:data/sqlite.db?mode=rwc&_journal_mode=WAL&_fk=1"
	}

	return &c, nil
}
