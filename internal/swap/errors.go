package swap

import (
	"errors"
	"math/big"
	"strings"

	"github.com/fachebot/evm-swap-engine/internal/registry"

	"github.com/shopspring/decimal"
)

var ErrUserRejected = errors.New("user rejected the transaction")

// normalizeWalletError 钱包拒绝签名时返回 ErrUserRejected
func normalizeWalletError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rejected") || strings.Contains(msg, "denied") {
		return ErrUserRejected
	}
	return err
}

type ErrorCode int

// 按优先级排列, 越靠前越优先
const (
	CodeWalletDisconnected ErrorCode = iota
	CodeWrongNetwork
	CodeNoTokensSelected
	CodeSameTokens
	CodeInvalidAmount
	CodeInsufficientBalance
	CodeQuoteLoading
	CodeQuoteFailed
	CodeInsufficientAllowance
	CodeSwapPreparing
	CodeSwapPending
	CodeSwapFailed
	CodeNone
)

var codeNames = [...]string{
	CodeWalletDisconnected:    "WALLET_DISCONNECTED",
	CodeWrongNetwork:          "WRONG_NETWORK",
	CodeNoTokensSelected:      "NO_TOKENS_SELECTED",
	CodeSameTokens:            "SAME_TOKENS",
	CodeInvalidAmount:         "INVALID_AMOUNT",
	CodeInsufficientBalance:   "INSUFFICIENT_BALANCE",
	CodeQuoteLoading:          "QUOTE_LOADING",
	CodeQuoteFailed:           "QUOTE_FAILED",
	CodeInsufficientAllowance: "INSUFFICIENT_ALLOWANCE",
	CodeSwapPreparing:         "SWAP_PREPARING",
	CodeSwapPending:           "SWAP_PENDING",
	CodeSwapFailed:            "SWAP_FAILED",
	CodeNone:                  "NONE",
}

func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return "UNKNOWN"
	}
	return codeNames[c]
}

type SwapError struct {
	Code         ErrorCode
	ShortMessage string
	LongMessage  string
}

func (e SwapError) IsNone() bool {
	return e.Code == CodeNone
}

var messages = map[ErrorCode][2]string{
	CodeWalletDisconnected:    {"Connect wallet", "Please connect your wallet to start swapping."},
	CodeWrongNetwork:          {"Wrong network", "Please switch to a supported network to swap tokens."},
	CodeNoTokensSelected:      {"Select a token", "Please select both tokens before swapping."},
	CodeSameTokens:            {"Tokens are the same", "From and To tokens must be different."},
	CodeInvalidAmount:         {"Enter an amount", "Please enter a valid amount greater than zero."},
	CodeInsufficientBalance:   {"Insufficient balance", "You do not have enough balance for this swap."},
	CodeQuoteLoading:          {"Fetching quote…", "Fetching the best route and expected output."},
	CodeQuoteFailed:           {"Quote failed", "Unable to get a quote for this pair. Liquidity may be insufficient."},
	CodeInsufficientAllowance: {"Approve required", "You need to approve this token before swapping."},
	CodeSwapPreparing:         {"Preparing swap…", "Simulating transaction before sending."},
	CodeSwapPending:           {"Swapping…", "Your transaction is pending confirmation."},
	CodeSwapFailed:            {"Swap failed", "The swap transaction failed. Please try again."},
}

func newSwapError(code ErrorCode, cause error) SwapError {
	if code == CodeNone {
		return SwapError{Code: CodeNone}
	}

	m := messages[code]
	ret := SwapError{Code: code, ShortMessage: m[0], LongMessage: m[1]}
	if cause != nil {
		ret.LongMessage += " (" + cause.Error() + ")"
	}
	return ret
}

type ClassifyInput struct {
	IsConnected      bool
	ChainId          int64
	IsSupportedChain bool
	FromToken        *registry.Token
	ToToken          *registry.Token
	FromAmount       string
	// FromBalance 未知时为 nil
	FromBalance  *big.Int
	QuoteLoading bool
	QuoteErr     error
	Allowance    AllowanceState
	// AmountIn 解析后的最小单位数量, 无法解析时为 nil
	AmountIn   *big.Int
	SwapStatus SwapStatus
	SwapErr    error
}

func isValidAmount(raw string, parsed *big.Int) bool {
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsPositive() {
		return false
	}
	return parsed != nil && parsed.Sign() > 0
}

// Classify 按固定优先级返回第一个命中的错误
func Classify(in ClassifyInput) SwapError {
	if !in.IsConnected {
		return newSwapError(CodeWalletDisconnected, nil)
	}

	if !in.IsSupportedChain {
		return newSwapError(CodeWrongNetwork, nil)
	}

	if in.FromToken == nil || in.ToToken == nil {
		return newSwapError(CodeNoTokensSelected, nil)
	}

	if in.FromToken.Address == in.ToToken.Address {
		return newSwapError(CodeSameTokens, nil)
	}

	raw := strings.TrimSpace(in.FromAmount)
	if raw == "" {
		return newSwapError(CodeNone, nil)
	}

	if !isValidAmount(raw, in.AmountIn) {
		return newSwapError(CodeInvalidAmount, nil)
	}

	if in.FromBalance != nil && in.AmountIn.Cmp(in.FromBalance) > 0 {
		return newSwapError(CodeInsufficientBalance, nil)
	}

	if in.QuoteLoading {
		return newSwapError(CodeQuoteLoading, nil)
	}

	if in.QuoteErr != nil {
		return newSwapError(CodeQuoteFailed, in.QuoteErr)
	}

	if !in.FromToken.IsNativeAsset() &&
		!in.Allowance.Loading &&
		in.Allowance.Current != nil &&
		in.Allowance.Current.Cmp(in.AmountIn) < 0 {
		return newSwapError(CodeInsufficientAllowance, nil)
	}

	switch in.SwapStatus {
	case SwapPreparing:
		return newSwapError(CodeSwapPreparing, nil)
	case SwapPending:
		return newSwapError(CodeSwapPending, nil)
	case SwapFailed:
		return newSwapError(CodeSwapFailed, in.SwapErr)
	}

	return newSwapError(CodeNone, nil)
}
