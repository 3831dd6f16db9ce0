package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	// MaxUint256 represents the maximum value for uint256 (2^256 - 1)
	MaxUint256 *big.Int
)

var (
	ErrEmptyAmount   = errors.New("amount is empty")
	ErrInvalidAmount = errors.New("amount must be a number greater than zero")
)

func init() {
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}

func ParseUnits(value *big.Int, decimals uint8) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -int32(decimals))
}

// FormatUnits 将可读数量转换为最小单位, 超出精度的小数部分直接截断
func FormatUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// ParseAmount 解析用户输入的数量, 返回最小单位数值
func ParseAmount(value string, decimals uint8) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrEmptyAmount
	}

	amount, err := decimal.NewFromString(value)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	wei := FormatUnits(amount, decimals)
	if wei.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return wei, nil
}

// FormatAmount 完整精度的可读数量
func FormatAmount(value *big.Int, decimals uint8) string {
	return ParseUnits(value, decimals).String()
}

// FormatDisplay 大于等于1保留4位小数, 否则保留6位, 去掉末尾的0
func FormatDisplay(value *big.Int, decimals uint8) string {
	amount := ParseUnits(value, decimals)
	places := int32(6)
	if amount.Abs().GreaterThanOrEqual(decimal.NewFromInt(1)) {
		places = 4
	}

	s := amount.StringFixed(places)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

func EncodeERC20ApproveInput(spender common.Address, amount *big.Int) ([]byte, error) {
	if spender == (common.Address{}) {
		return nil, errors.New("spender address cannot be empty")
	}
	if amount == nil {
		return nil, errors.New("amount cannot be nil")
	}

	data, err := ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve call: %w", err)
	}

	return data, nil
}

func DecodeERC20ApproveInput(input []byte) (spender common.Address, amount *big.Int, err error) {
	if len(input) < 4 {
		return common.Address{}, nil, errors.New("input data too short")
	}

	approveMethodID := ERC20ABI.Methods["approve"].ID
	if !bytes.Equal(input[:4], approveMethodID) {
		return common.Address{}, nil, errors.New("input data is not for approve function")
	}

	values, err := ERC20ABI.Methods["approve"].Inputs.Unpack(input[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to unpack approve input: %w", err)
	}

	if len(values) != 2 {
		return common.Address{}, nil, fmt.Errorf("expected 2 parameters, got %d", len(values))
	}

	spenderAddr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, errors.New("failed to parse spender address")
	}

	amountValue, ok := values[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, errors.New("failed to parse amount")
	}

	return spenderAddr, amountValue, nil
}

func GetAddress(prv *ecdsa.PrivateKey) (common.Address, error) {
	publicKey := prv.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}, errors.New("cannot assert type: publicKey is not of type *ecdsa.PublicKey")
	}

	address := crypto.PubkeyToAddress(*publicKeyECDSA)
	return address, nil
}

func GetTokenMeta(ctx context.Context, caller ethereum.ContractCaller, token common.Address) (*Metadata, error) {
	call := func(method string, out any) error {
		data, err := ERC20ABI.Pack(method)
		if err != nil {
			return fmt.Errorf("failed to pack %s call: %w", method, err)
		}

		result, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return fmt.Errorf("failed to call %s: %w", method, err)
		}

		if err = ERC20ABI.UnpackIntoInterface(out, method, result); err != nil {
			return fmt.Errorf("failed to unpack %s: %w", method, err)
		}
		return nil
	}

	var meta Metadata

	// 获取代币名称
	if err := call("name", &meta.Name); err != nil {
		return nil, err
	}

	// 获取代币符号
	if err := call("symbol", &meta.Symbol); err != nil {
		return nil, err
	}

	// 获取代币精度
	if err := call("decimals", &meta.Decimals); err != nil {
		return nil, err
	}

	return &meta, nil
}

// GetTokenBalanceChanges 根据交易收据中的 Transfer 事件统计账户的代币余额变化
func GetTokenBalanceChanges(receipt *types.Receipt, owner common.Address) map[common.Address]*big.Int {
	changes := make(map[common.Address]*big.Int)
	for _, log := range receipt.Logs {
		if len(log.Topics) < 3 || log.Topics[0] != TransferEventSig {
			continue
		}

		from := common.BytesToAddress(log.Topics[1].Bytes())
		to := common.BytesToAddress(log.Topics[2].Bytes())

		// 只关心涉及目标地址的转账
		if from != owner && to != owner {
			continue
		}

		change := big.NewInt(0)
		amount := new(big.Int).SetBytes(log.Data)
		if from == owner {
			change.Neg(amount)
		} else {
			change.Set(amount)
		}

		v, ok := changes[log.Address]
		if !ok {
			v = change
		} else {
			v = new(big.Int).Add(v, change)
		}
		changes[log.Address] = v
	}

	return changes
}
