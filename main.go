package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/config"
	"github.com/fachebot/evm-swap-engine/internal/job"
	"github.com/fachebot/evm-swap-engine/internal/logger"
	"github.com/fachebot/evm-swap-engine/internal/metrics"
	"github.com/fachebot/evm-swap-engine/internal/svc"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "显示版本信息")
	configFile  = flag.String("f", "etc/config.yaml", "the config file")

	chainId     = flag.Int64("chain", 0, "链ID, 默认使用配置中的 Session.DefaultChainId")
	fromToken   = flag.String("from", "", "卖出代币, 符号或地址")
	toToken     = flag.String("to", "", "买入代币, 符号或地址")
	amount      = flag.String("amount", "", "卖出数量")
	switchSides = flag.Bool("switch", false, "交换买卖代币方向")
	slippage    = flag.Int("slippage", 0, "滑点, 单位bps")
	execute     = flag.Bool("execute", false, "执行授权与兑换")
	confirmed   = flag.Bool("yes", false, "确认兑换参数, 跳过预览")
	positions   = flag.Bool("positions", false, "查询流动性仓位与池子概览")
	recent      = flag.Bool("recent", false, "查询最近兑换记录")
	watch       = flag.Bool("watch", false, "持续跟踪待确认交易与流动性")
	waitTimeout = flag.Duration("timeout", 30*time.Second, "等待报价的超时时间")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s\n", version)
		return
	}

	// 读取配置文件
	c, err := config.LoadFromFile(*configFile)
	if err != nil {
		logger.Fatalf("读取配置文件失败, %s", err)
	}
	logger.Init(c.Log)

	// 创建数据目录
	if _, err := os.Stat("data"); os.IsNotExist(err) {
		err := os.Mkdir("data", 0755)
		if err != nil {
			logger.Fatalf("创建数据目录失败, %s", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 运行指标服务
	metrics.Register()
	var metricsServer *metrics.Server
	if c.Metrics.Enable {
		metricsServer = metrics.NewServer(c.Metrics.Port)
		metricsServer.Start()
	}

	// 创建服务上下文
	svcCtx := svc.NewServiceContext(ctx, c)
	svcCtx.LoadTokenLists(ctx)

	// 运行收据Keeper
	jobs := []job.Job{
		job.NewReceiptKeeper(svcCtx.RecentSwapModel, svcCtx.EthManager, svcCtx.Registry, 0),
	}
	if *watch && svcCtx.Wallet.IsConnected() {
		interval := time.Duration(c.Liquidity.RefreshSeconds) * time.Second
		jobs = append(jobs, job.NewPositionKeeper(
			svcCtx.Aggregator, svcCtx.Wallet.Account(), svcCtx.Registry.ListSupportedChains(), interval))
	}
	for _, j := range jobs {
		j.Start()
	}

	switch {
	case *positions:
		err = runPositions(ctx, svcCtx)
	case *recent:
		err = runRecent(ctx, svcCtx)
	case *fromToken != "" || *toToken != "":
		err = runSwap(ctx, svcCtx)
	}
	if err != nil {
		logger.Errorf("执行失败, %v", err)
	}

	// 等待程序退出
	if *watch {
		<-ctx.Done()
	}

	for _, j := range jobs {
		j.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Errorf("停止指标服务失败, %v", err)
	}

	svcCtx.Close()
	logger.Infof("服务已停止")

	if err != nil {
		os.Exit(1)
	}
}
