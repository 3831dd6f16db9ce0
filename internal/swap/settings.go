package swap

import (
	"errors"

	"github.com/fachebot/evm-swap-engine/internal/config"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSlippage = errors.New("slippage must be within 0-10000 bps")
	ErrInvalidDeadline = errors.New("deadline must be a positive number of minutes")
)

// Settings 会话内的兑换偏好
type Settings struct {
	SlippageBps     int
	DeadlineMinutes int
	OneClickEnabled bool
}

func DefaultSettings() Settings {
	return Settings{
		SlippageBps:     30,
		DeadlineMinutes: 30,
		OneClickEnabled: false,
	}
}

func SettingsFromConfig(c config.SwapSettings) Settings {
	return Settings{
		SlippageBps:     c.SlippageBps,
		DeadlineMinutes: c.DeadlineMinutes,
		OneClickEnabled: c.OneClickEnabled,
	}
}

func (s Settings) Validate() error {
	if s.SlippageBps < 0 || s.SlippageBps > BpsDenominator {
		return ErrInvalidSlippage
	}
	if s.DeadlineMinutes <= 0 {
		return ErrInvalidDeadline
	}
	return nil
}

// SlippagePercent 30bps 显示为 0.3
func (s Settings) SlippagePercent() decimal.Decimal {
	return decimal.New(int64(s.SlippageBps), -2)
}
