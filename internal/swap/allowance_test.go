package swap

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/utils/evm"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestAllowanceCheck(t *testing.T) {
	client := newFakeClient()
	client.allowances[usdcAddr] = big.NewInt(50000000)
	reg := testRegistry(t)
	manager := NewAllowanceManager(reg, client, time.Minute, nil)
	usdc := mustToken(t, reg, "USDC")

	state := manager.Check(context.Background(), testChainId, usdc, userAddr, big.NewInt(100000000))
	require.NoError(t, state.Err)
	require.Equal(t, routerAddr, state.Spender)
	require.Equal(t, "50000000", state.Current.String())
	require.True(t, state.NeedsApproval())

	state = manager.Check(context.Background(), testChainId, usdc, userAddr, big.NewInt(50000000))
	require.False(t, state.NeedsApproval())

	native := manager.Check(context.Background(), testChainId, mustToken(t, reg, "ETH"), userAddr, big.NewInt(1))
	require.True(t, native.Exempt)
	require.Equal(t, evm.MaxUint256, native.Current)
	require.False(t, native.NeedsApproval())
}

func TestAllowanceCheckCachesUntilInvalidated(t *testing.T) {
	client := newFakeClient()
	reg := testRegistry(t)
	manager := NewAllowanceManager(reg, client, time.Minute, nil)
	usdc := mustToken(t, reg, "USDC")

	state := manager.Check(context.Background(), testChainId, usdc, userAddr, nil)
	require.Zero(t, state.Current.Sign())

	client.mutex.Lock()
	client.allowances[usdcAddr] = big.NewInt(7)
	client.mutex.Unlock()

	state = manager.Check(context.Background(), testChainId, usdc, userAddr, nil)
	require.Zero(t, state.Current.Sign())

	manager.Invalidate(testChainId, usdcAddr, userAddr)
	state = manager.Check(context.Background(), testChainId, usdc, userAddr, nil)
	require.Equal(t, "7", state.Current.String())
}

func TestApprove(t *testing.T) {
	client := newFakeClient()
	reg := testRegistry(t)
	manager := NewAllowanceManager(reg, client, time.Minute, nil)
	usdc := mustToken(t, reg, "USDC")

	require.Zero(t, manager.Check(context.Background(), testChainId, usdc, userAddr, nil).Current.Sign())

	hash, err := manager.Approve(context.Background(), testChainId, usdc, userAddr)
	require.NoError(t, err)
	require.Equal(t, TxSuccess, manager.Approval(testChainId, usdcAddr, userAddr).Status)
	require.Equal(t, hash, manager.Approval(testChainId, usdcAddr, userAddr).TxHash)

	calls := client.Submitted()
	require.Len(t, calls, 1)
	require.Equal(t, usdcAddr, calls[0].To)
	spender, amount, err := evm.DecodeERC20ApproveInput(calls[0].Data)
	require.NoError(t, err)
	require.Equal(t, routerAddr, spender)
	require.Equal(t, evm.MaxUint256, amount)

	// 授权成功后重新读取额度
	state := manager.Check(context.Background(), testChainId, usdc, userAddr, big.NewInt(1))
	require.Positive(t, state.Current.Sign())

	_, err = manager.Approve(context.Background(), testChainId, mustToken(t, reg, "ETH"), userAddr)
	require.ErrorIs(t, err, ErrApprovalNotRequired)
}

func TestApproveRejectsConcurrentAttempt(t *testing.T) {
	client := newFakeClient()
	client.mined = make(chan struct{})
	reg := testRegistry(t)
	manager := NewAllowanceManager(reg, client, time.Minute, nil)
	usdc := mustToken(t, reg, "USDC")

	done := make(chan error, 1)
	go func() {
		_, err := manager.Approve(context.Background(), testChainId, usdc, userAddr)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return manager.Approval(testChainId, usdcAddr, userAddr).IsPending()
	}, 2*time.Second, 5*time.Millisecond)

	_, err := manager.Approve(context.Background(), testChainId, usdc, userAddr)
	require.ErrorIs(t, err, ErrApprovalInFlight)

	close(client.mined)
	require.NoError(t, <-done)
}

func TestApproveFailures(t *testing.T) {
	t.Run("user rejected", func(t *testing.T) {
		client := newFakeClient()
		client.submitErr = errors.New("user denied transaction signature")
		reg := testRegistry(t)
		manager := NewAllowanceManager(reg, client, time.Minute, nil)

		_, err := manager.Approve(context.Background(), testChainId, mustToken(t, reg, "USDC"), userAddr)
		require.ErrorIs(t, err, ErrUserRejected)

		state := manager.Approval(testChainId, usdcAddr, userAddr)
		require.Equal(t, TxError, state.Status)
		require.ErrorIs(t, state.Err, ErrUserRejected)

		manager.ResetApproval(testChainId, usdcAddr, userAddr)
		require.Equal(t, TxIdle, manager.Approval(testChainId, usdcAddr, userAddr).Status)
	})

	t.Run("reverted", func(t *testing.T) {
		client := newFakeClient()
		client.receiptStatus = types.ReceiptStatusFailed
		reg := testRegistry(t)
		manager := NewAllowanceManager(reg, client, time.Minute, nil)

		hash, err := manager.Approve(context.Background(), testChainId, mustToken(t, reg, "USDC"), userAddr)
		require.ErrorIs(t, err, eth.ErrTransactionReverted)
		require.NotZero(t, hash)
	})

	t.Run("simulation failed", func(t *testing.T) {
		client := newFakeClient()
		client.simulateErr = errors.New("execution reverted")
		reg := testRegistry(t)
		manager := NewAllowanceManager(reg, client, time.Minute, nil)

		_, err := manager.Approve(context.Background(), testChainId, mustToken(t, reg, "USDC"), userAddr)
		var submitErr *eth.SubmitError
		require.ErrorAs(t, err, &submitErr)
		require.Equal(t, eth.StageSimulate, submitErr.Stage)
		require.Empty(t, client.Submitted())
	})
}
