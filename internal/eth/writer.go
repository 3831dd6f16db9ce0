package eth

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/logger"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const receiptPollInterval = 2 * time.Second

func (c *ChainClient) callMsg(call Call) ethereum.CallMsg {
	to := call.To
	return ethereum.CallMsg{
		From:  call.From,
		To:    &to,
		Value: call.Value,
		Data:  call.Data,
	}
}

func (c *ChainClient) Simulate(ctx context.Context, call Call) (uint64, error) {
	msg := c.callMsg(call)

	// 模拟执行
	if _, err := c.rpc.CallContract(ctx, msg, nil); err != nil {
		return 0, &SubmitError{Stage: StageSimulate, Err: err}
	}

	// 估算gas
	gas, err := c.rpc.EstimateGas(ctx, msg)
	if err != nil {
		return 0, &SubmitError{Stage: StageSimulate, Err: err}
	}

	return gas, nil
}

func (c *ChainClient) Submit(ctx context.Context, call Call, gasLimit uint64) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, &SubmitError{Stage: StageSign, Err: ErrNoSigner}
	}
	if call.From != c.signer.Address() {
		return common.Hash{}, &SubmitError{Stage: StageSign, Err: errors.New("call sender does not match signer")}
	}

	header, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, &SubmitError{Stage: StageBroadcast, Err: err}
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}

	// 查询gas价格, 未启用 London 的链使用 legacy 交易
	var newTx func(nonce uint64) *types.Transaction
	to := call.To
	gas := gasLimit * 12 / 10
	if header.BaseFee == nil {
		gasPrice, err := c.rpc.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, &SubmitError{Stage: StageBroadcast, Err: err}
		}
		newTx = func(nonce uint64) *types.Transaction {
			return types.NewTx(&types.LegacyTx{
				Nonce:    nonce,
				GasPrice: gasPrice,
				Gas:      gas,
				To:       &to,
				Value:    value,
				Data:     call.Data,
			})
		}
	} else {
		gasTipCap, err := c.rpc.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, &SubmitError{Stage: StageBroadcast, Err: err}
		}
		gasFeeCap := new(big.Int).Add(gasTipCap, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))
		newTx = func(nonce uint64) *types.Transaction {
			return types.NewTx(&types.DynamicFeeTx{
				ChainID:   big.NewInt(c.chainId),
				Nonce:     nonce,
				GasTipCap: gasTipCap,
				GasFeeCap: gasFeeCap,
				Gas:       gas,
				To:        &to,
				Value:     value,
				Data:      call.Data,
			})
		}
	}

	var txHash common.Hash
	chainId := big.NewInt(c.chainId)
	err = c.nonces.Request(ctx, c.chainId, c.rpc, call.From, func(ctx context.Context, nonce uint64) (string, error) {
		tx := newTx(nonce)

		signedTx, err := c.signer.SignTx(ctx, tx, chainId)
		if err != nil {
			return "", &SubmitError{Stage: StageSign, Err: err}
		}

		if err = c.rpc.SendTransaction(ctx, signedTx); err != nil {
			return "", &SubmitError{Stage: StageBroadcast, Err: err}
		}

		txHash = signedTx.Hash()
		return txHash.Hex(), nil
	})
	if err != nil {
		var submitErr *SubmitError
		if !errors.As(err, &submitErr) {
			err = &SubmitError{Stage: StageBroadcast, Err: err}
		}
		return common.Hash{}, err
	}

	if spender, amount, err := evm.DecodeERC20ApproveInput(call.Data); err == nil {
		logger.Infof("[ChainClient] 授权交易已广播, chainId: %d, token: %s, spender: %s, amount: %s, hash: %s",
			c.chainId, call.To.Hex(), spender.Hex(), amount.String(), txHash.Hex())
		return txHash, nil
	}

	logger.Infof("[ChainClient] 交易已广播, chainId: %d, from: %s, to: %s, hash: %s",
		c.chainId, call.From.Hex(), call.To.Hex(), txHash.Hex())
	return txHash, nil
}

// WaitMined 等待交易上链, 回执状态由调用方判断
func (c *ChainClient) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			logger.Warnf("[ChainClient] 查询交易收据失败, chainId: %d, hash: %s, %v", c.chainId, hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
