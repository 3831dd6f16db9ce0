package swap

import (
	"github.com/fachebot/evm-swap-engine/internal/registry"
)

type ActionKind string

const (
	ActionNone          ActionKind = "none"
	ActionConnectWallet ActionKind = "connect_wallet"
	ActionSwitchNetwork ActionKind = "switch_network"
	ActionApprove       ActionKind = "approve"
	ActionSwap          ActionKind = "swap"
)

// PrimaryAction 当前唯一可执行的主操作
type PrimaryAction struct {
	Kind    ActionKind
	Label   string
	Enabled bool
	// RequiresReview 关闭一键兑换时, 兑换前需要确认参数
	RequiresReview bool
}

type ActionInput struct {
	Error           SwapError
	FromToken       *registry.Token
	ApprovalPending bool
	// CanSubmit 已有可用的兑换参数
	CanSubmit bool
	OneClick  bool
}

func ResolvePrimaryAction(in ActionInput) PrimaryAction {
	switch in.Error.Code {
	case CodeWalletDisconnected:
		return PrimaryAction{Kind: ActionConnectWallet, Label: "Connect wallet", Enabled: true}
	case CodeWrongNetwork:
		return PrimaryAction{Kind: ActionSwitchNetwork, Label: "Switch network", Enabled: true}
	case CodeInsufficientAllowance:
		symbol := ""
		if in.FromToken != nil {
			symbol = in.FromToken.Symbol
		}
		if in.ApprovalPending {
			return PrimaryAction{Kind: ActionApprove, Label: "Approving " + symbol + "…"}
		}
		return PrimaryAction{Kind: ActionApprove, Label: "Approve " + symbol, Enabled: true}
	case CodeSwapFailed:
		return PrimaryAction{
			Kind:           ActionSwap,
			Label:          "Try again",
			Enabled:        in.CanSubmit,
			RequiresReview: !in.OneClick,
		}
	case CodeNone:
		if !in.CanSubmit {
			return PrimaryAction{Kind: ActionNone, Label: "Enter an amount"}
		}
		return PrimaryAction{
			Kind:           ActionSwap,
			Label:          "Swap",
			Enabled:        true,
			RequiresReview: !in.OneClick,
		}
	}

	return PrimaryAction{Kind: ActionNone, Label: in.Error.ShortMessage}
}
