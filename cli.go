package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/logger"
	"github.com/fachebot/evm-swap-engine/internal/registry"
	"github.com/fachebot/evm-swap-engine/internal/svc"
	"github.com/fachebot/evm-swap-engine/internal/swap"
	"github.com/fachebot/evm-swap-engine/internal/utils"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
)

var ErrWaitTimeout = errors.New("wait timeout")

const confirmWaitTimeout = 10 * time.Minute

func waitFor(ctx context.Context, session *swap.Session, timeout time.Duration, cond func(swap.View) bool) (swap.View, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		view := session.Snapshot()
		if cond(view) {
			return view, nil
		}

		select {
		case <-session.Changes():
		case <-timer.C:
			return view, ErrWaitTimeout
		case <-ctx.Done():
			return view, ctx.Err()
		}
	}
}

func quoteSettled(view swap.View) bool {
	return !view.QuoteLoading && !view.Allowance.Loading && view.Error.Code != swap.CodeQuoteLoading
}

func swapSettled(view swap.View) bool {
	return !view.Swap.Status.InFlight()
}

func tokenLink(svcCtx *svc.ServiceContext, token registry.Token) string {
	if token.IsNativeAsset() {
		return ""
	}
	chain, _ := svcCtx.Registry.GetChainConfig(token.ChainId)
	return utils.GetExplorerTokenLink(chain.ExplorerBaseUrl, token.Address.Hex())
}

func txLink(svcCtx *svc.ServiceContext, chainId int64, hash common.Hash) string {
	chain, ok := svcCtx.Registry.GetChainConfig(chainId)
	if !ok || chain.ExplorerBaseUrl == "" {
		return hash.Hex()
	}
	return utils.GetExplorerTxLink(chain.ExplorerBaseUrl, hash.Hex())
}

// warnLowGas 原生代币余额不足以支付手续费时提示, 不阻止兑换
func warnLowGas(ctx context.Context, svcCtx *svc.ServiceContext, chainId int64) {
	minBalance := svcCtx.Config.Session.MinGasBalance
	if minBalance.IsZero() || !svcCtx.Wallet.IsConnected() {
		return
	}

	chain, ok := svcCtx.Registry.GetChainConfig(chainId)
	if !ok {
		return
	}
	client, err := svcCtx.EthManager.Client(chainId)
	if err != nil {
		return
	}

	account := svcCtx.Wallet.Account()
	balance, err := client.NativeBalance(ctx, account)
	if err != nil {
		logger.Warnf("查询原生代币余额失败, chainId: %d, account: %s, %v", chainId, account.Hex(), err)
		return
	}

	value := evm.ParseUnits(balance, chain.NativeCurrency.Decimals)
	if value.LessThan(minBalance) {
		logger.Warnf("原生代币余额过低, chainId: %d, account: %s, balance: %s %s, min: %s",
			chainId, account.Hex(), value.String(), chain.NativeCurrency.Symbol, minBalance.String())
	}
}

func printView(svcCtx *svc.ServiceContext, view swap.View) {
	var sb strings.Builder
	chainName := fmt.Sprintf("%d", view.ChainId)
	if chain, ok := svcCtx.Registry.GetChainConfig(view.ChainId); ok {
		chainName = chain.Name
	}

	sb.WriteString(fmt.Sprintf("链: %s\n", chainName))
	if view.Connected {
		sb.WriteString(fmt.Sprintf("账户: %s\n", utils.ShortAddress(view.Account.Hex())))
	}

	sel := view.Selection
	if sel.FromToken != nil {
		sb.WriteString(fmt.Sprintf("卖出: %s %s\n", sel.FromAmount, sel.FromToken.Symbol))
		if view.Balance != nil {
			sb.WriteString(fmt.Sprintf("余额: %s %s\n", evm.FormatDisplay(view.Balance, sel.FromToken.Decimals), sel.FromToken.Symbol))
		}
	}
	if sel.ToToken != nil && view.Quote != nil {
		sb.WriteString(fmt.Sprintf("买入: %s %s\n", view.Quote.FormattedAmountOut, sel.ToToken.Symbol))
		if link := tokenLink(svcCtx, *sel.ToToken); link != "" {
			sb.WriteString(fmt.Sprintf("代币: %s\n", link))
		}
		sb.WriteString(fmt.Sprintf("最少收到: %s %s (滑点 %s%%)\n",
			view.Quote.FormattedAmountOutMin, sel.ToToken.Symbol, view.Settings.SlippagePercent().String()))
		sb.WriteString(fmt.Sprintf("价格影响: %.2f%%\n", view.Quote.PriceImpact))
		sb.WriteString(fmt.Sprintf("报价时间: %s\n", humanize.Time(view.Quote.FetchedAt)))
	}
	if view.QuoteErr != nil {
		sb.WriteString(fmt.Sprintf("报价失败: %v\n", view.QuoteErr))
	}
	if !view.Error.IsNone() {
		sb.WriteString(fmt.Sprintf("状态: %s, %s\n", view.Error.Code, view.Error.LongMessage))
	}
	sb.WriteString(fmt.Sprintf("操作: %s", view.Action.Label))
	if !view.Action.Enabled {
		sb.WriteString(" (不可用)")
	}

	fmt.Println(sb.String())
}

func printReview(review *swap.ReviewParams) {
	if review == nil {
		return
	}

	fmt.Printf("兑换预览: %s %s -> %s %s, 最少收到 %s %s, 截止时间 %d 分钟, 接收地址 %s\n",
		review.FromAmount, review.FromToken.Symbol,
		review.ToAmount, review.ToToken.Symbol,
		review.ToAmountMin, review.ToToken.Symbol,
		review.DeadlineMinutes, utils.ShortAddress(review.Recipient.Hex()))
}

func runSwap(ctx context.Context, svcCtx *svc.ServiceContext) error {
	if *chainId != 0 {
		if err := svcCtx.Wallet.SwitchChain(ctx, *chainId); err != nil {
			return err
		}
	}

	session, err := svcCtx.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	if *fromToken != "" {
		if err = session.SetFromToken(*fromToken); err != nil {
			return err
		}
	}
	if *toToken != "" {
		if err = session.SetToToken(*toToken); err != nil {
			return err
		}
	}
	if *switchSides {
		session.SwitchTokens()
	}
	if *slippage != 0 {
		if err = session.SetSlippageBps(*slippage); err != nil {
			return err
		}
	}
	session.SetFromAmount(*amount)

	view := session.Snapshot()
	warnLowGas(ctx, svcCtx, view.ChainId)

	if err = session.Refresh(ctx); err != nil {
		return err
	}
	view, err = waitFor(ctx, session, *waitTimeout, quoteSettled)
	printView(svcCtx, view)
	if err != nil || !*execute {
		return err
	}

	return executeActions(ctx, svcCtx, session)
}

// executeActions 依次执行主操作, 授权完成后继续兑换
func executeActions(ctx context.Context, svcCtx *svc.ServiceContext, session *swap.Session) error {
	for step := 0; step < 4; step++ {
		view := session.Snapshot()
		if view.Action.Kind == swap.ActionSwap && view.Action.RequiresReview && !*confirmed {
			printReview(view.Review)
			fmt.Println("使用 -yes 确认兑换")
			return nil
		}

		action, hash, err := session.Execute(ctx, *confirmed)
		if err != nil {
			return fmt.Errorf("%s: %w", action.Label, err)
		}

		switch action.Kind {
		case swap.ActionApprove:
			fmt.Printf("授权成功: %s\n", txLink(svcCtx, view.ChainId, hash))
		case swap.ActionSwitchNetwork:
			fmt.Printf("已切换网络: %d\n", svcCtx.Wallet.ChainID())
		case swap.ActionSwap:
			fmt.Printf("已提交兑换: %s\n", txLink(svcCtx, view.ChainId, hash))
			view, err = waitFor(ctx, session, confirmWaitTimeout, swapSettled)
			if err != nil {
				return err
			}
			if view.Swap.Status == swap.SwapSucceeded {
				fmt.Println("兑换成功")
				return nil
			}
			cause := view.Swap.Err
			if cause == nil {
				cause = view.Swap.LastError
			}
			if cause == nil {
				return errors.New("兑换失败")
			}
			return fmt.Errorf("兑换失败: %w", cause)
		default:
			return nil
		}

		if err = session.Refresh(ctx); err != nil {
			return err
		}
		if _, err = waitFor(ctx, session, *waitTimeout, quoteSettled); err != nil {
			return err
		}
	}
	return nil
}

func runPositions(ctx context.Context, svcCtx *svc.ServiceContext) error {
	chainIds := svcCtx.Registry.ListSupportedChains()
	if *chainId != 0 {
		chainIds = []int64{*chainId}
	}

	for _, id := range chainIds {
		chain, _ := svcCtx.Registry.GetChainConfig(id)
		overview, err := svcCtx.Aggregator.Overview(ctx, id)
		if err != nil {
			return err
		}
		for _, item := range overview {
			pairLink := utils.GetExplorerAddressLink(chain.ExplorerBaseUrl, item.PairAddress.Hex())
			if pairLink == "" {
				pairLink = utils.ShortAddress(item.PairAddress.Hex())
			}
			fmt.Printf("[%d] %s/%s 池子 %s, 1 %s = %s %s\n",
				id, item.Pool.Token0.Symbol, item.Pool.Token1.Symbol, pairLink,
				item.Pool.Token0.Symbol, item.Price0Per1.StringFixed(6), item.Pool.Token1.Symbol)
		}

		if !svcCtx.Wallet.IsConnected() {
			continue
		}
		positions, err := svcCtx.Aggregator.Positions(ctx, id, svcCtx.Wallet.Account())
		if err != nil {
			return err
		}
		for _, p := range positions {
			fmt.Printf("[%d] %s 份额 %s%%, %s %s + %s %s\n",
				id, p.PoolId(), p.SharePercent.String(),
				p.FormattedPooled0(), p.Pool.Token0.Symbol,
				p.FormattedPooled1(), p.Pool.Token1.Symbol)
		}
	}
	return nil
}

func runRecent(ctx context.Context, svcCtx *svc.ServiceContext) error {
	if !svcCtx.Wallet.IsConnected() {
		return swap.ErrWalletDisconnected
	}

	id := *chainId
	if id == 0 {
		id = svcCtx.Wallet.ChainID()
	}

	items, err := svcCtx.RecentSwapModel.ListByAccount(ctx, id, svcCtx.Wallet.Account().Hex())
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Printf("%s  %s %s -> %s %s  %s  %s\n",
			humanize.Time(item.CreatedAt), item.FromAmount, item.FromSymbol,
			item.ToAmount, item.ToSymbol, item.Status,
			txLink(svcCtx, item.ChainId, common.HexToHash(item.TxHash)))
	}
	return nil
}
