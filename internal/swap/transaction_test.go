package swap

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/fachebot/evm-swap-engine/internal/eth"
	"github.com/fachebot/evm-swap-engine/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type memoryRecentLog struct {
	mutex   sync.Mutex
	records map[string]model.RecentSwap
}

func newMemoryRecentLog() *memoryRecentLog {
	return &memoryRecentLog{records: make(map[string]model.RecentSwap)}
}

func (l *memoryRecentLog) Add(_ context.Context, args model.RecentSwap) (model.RecentSwap, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	args.Id = args.TxHash
	l.records[args.Id] = args
	return args, nil
}

func (l *memoryRecentLog) UpdateStatus(_ context.Context, id, status, txHash, toAmount string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	record, ok := l.records[id]
	if !ok {
		return model.ErrRecentSwapNotFound
	}
	record.Status, record.TxHash, record.ToAmount = status, txHash, toAmount
	l.records[id] = record
	return nil
}

func (l *memoryRecentLog) Get(id string) model.RecentSwap {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.records[id]
}

func testReview(t *testing.T) *ReviewParams {
	q := testQuote(t, "ETH", "USDC", bigInt("1000000000000000000"), big.NewInt(3500000000))
	review, err := BuildReviewParams(q, DefaultSettings(), userAddr, time.Now())
	require.NoError(t, err)
	return review
}

func newTestMachine(t *testing.T, client *fakeClient, recent RecentLog) *SwapMachine {
	machine := NewSwapMachine(testRegistry(t), client, recent, MachineOptions{ConfirmTimeout: 5 * time.Second})
	t.Cleanup(machine.Close)
	return machine
}

func TestSwapMachineSuccess(t *testing.T) {
	client := newFakeClient()
	client.mined = make(chan struct{})
	recent := newMemoryRecentLog()
	machine := newTestMachine(t, client, recent)
	require.Equal(t, SwapIdle, machine.State().Status)

	hash, err := machine.Submit(context.Background(), testReview(t))
	require.NoError(t, err)

	state := machine.State()
	require.Equal(t, SwapPending, state.Status)
	require.Equal(t, hash, state.TxHash)
	require.Equal(t, hash.Hex(), state.RecentId)
	require.Equal(t, model.RecentSwapStatusPending, recent.Get(state.RecentId).Status)

	_, err = machine.Submit(context.Background(), testReview(t))
	require.ErrorIs(t, err, ErrSwapInFlight)

	close(client.mined)
	require.Eventually(t, func() bool { return machine.State().Status == SwapSucceeded }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return recent.Get(state.RecentId).Status == model.RecentSwapStatusSuccess
	}, 2*time.Second, 5*time.Millisecond)

	calls := client.Submitted()
	require.Len(t, calls, 1)
	require.Equal(t, routerAddr, calls[0].To)
	require.Equal(t, bigInt("1000000000000000000"), calls[0].Value)
}

func TestSwapMachineSimulationFailure(t *testing.T) {
	client := newFakeClient()
	client.simulateErr = errors.New("execution reverted: UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT")
	machine := newTestMachine(t, client, nil)

	_, err := machine.Submit(context.Background(), testReview(t))
	require.Error(t, err)

	state := machine.State()
	require.Equal(t, SwapIdle, state.Status)
	require.Error(t, state.LastError)
	require.NoError(t, state.Err)
	require.Empty(t, client.Submitted())
}

func TestSwapMachineUserRejected(t *testing.T) {
	client := newFakeClient()
	client.submitErr = errors.New("User rejected the request")
	machine := newTestMachine(t, client, nil)

	_, err := machine.Submit(context.Background(), testReview(t))
	require.ErrorIs(t, err, ErrUserRejected)

	state := machine.State()
	require.Equal(t, SwapFailed, state.Status)
	require.ErrorIs(t, state.Err, ErrUserRejected)
}

func TestSwapMachineReverted(t *testing.T) {
	client := newFakeClient()
	client.receiptStatus = types.ReceiptStatusFailed
	recent := newMemoryRecentLog()
	machine := newTestMachine(t, client, recent)

	hash, err := machine.Submit(context.Background(), testReview(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return machine.State().Status == SwapFailed }, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, machine.State().Err, eth.ErrTransactionReverted)
	require.Eventually(t, func() bool {
		return recent.Get(hash.Hex()).Status == model.RecentSwapStatusError
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSwapMachineConfirmTimeoutStaysPending(t *testing.T) {
	client := newFakeClient()
	client.mined = make(chan struct{})
	recent := newMemoryRecentLog()
	machine := NewSwapMachine(testRegistry(t), client, recent, MachineOptions{ConfirmTimeout: 50 * time.Millisecond})
	t.Cleanup(machine.Close)

	hash, err := machine.Submit(context.Background(), testReview(t))
	require.NoError(t, err)

	// 超过确认超时后仍保持 pending
	time.Sleep(300 * time.Millisecond)
	state := machine.State()
	require.Equal(t, SwapPending, state.Status)
	require.NoError(t, state.Err)
	require.Equal(t, model.RecentSwapStatusPending, recent.Get(hash.Hex()).Status)

	_, err = machine.Submit(context.Background(), testReview(t))
	require.ErrorIs(t, err, ErrSwapInFlight)

	close(client.mined)
	require.Eventually(t, func() bool { return machine.State().Status == SwapSucceeded }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return recent.Get(hash.Hex()).Status == model.RecentSwapStatusSuccess
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, hash.Hex(), recent.Get(hash.Hex()).TxHash)
}

func TestSwapMachineCloseLeavesRecordPending(t *testing.T) {
	client := newFakeClient()
	client.mined = make(chan struct{})
	recent := newMemoryRecentLog()
	machine := NewSwapMachine(testRegistry(t), client, recent, MachineOptions{ConfirmTimeout: time.Minute})

	hash, err := machine.Submit(context.Background(), testReview(t))
	require.NoError(t, err)

	machine.Close()
	require.Equal(t, SwapPending, machine.State().Status)
	require.Equal(t, model.RecentSwapStatusPending, recent.Get(hash.Hex()).Status)
}

func TestSwapMachineFinishUsesTrackedHash(t *testing.T) {
	recent := newMemoryRecentLog()
	machine := newTestMachine(t, newFakeClient(), recent)
	review := testReview(t)

	first := common.HexToHash("0x01")
	record, err := recent.Add(context.Background(), model.RecentSwap{TxHash: first.Hex(), Status: model.RecentSwapStatusPending})
	require.NoError(t, err)

	// 新的交易已经写入状态机
	machine.ObserveHash(common.HexToHash("0x02"))
	machine.finish(review, record.Id, first, SwapSucceeded, nil)

	require.Equal(t, first.Hex(), recent.Get(record.Id).TxHash)
	require.Equal(t, model.RecentSwapStatusSuccess, recent.Get(record.Id).Status)
}

func TestSwapMachinePreconditions(t *testing.T) {
	machine := newTestMachine(t, newFakeClient(), nil)

	review := testReview(t)
	require.True(t, machine.PreconditionsHold(review))

	noRecipient := *review
	noRecipient.Recipient = common.Address{}
	require.False(t, machine.PreconditionsHold(&noRecipient))

	zeroMin := *review
	zeroMin.AmountOutMin = big.NewInt(0)
	require.False(t, machine.PreconditionsHold(&zeroMin))

	otherChain := *review
	otherChain.ChainId = 56
	_, err := machine.Submit(context.Background(), &otherChain)
	require.ErrorIs(t, err, ErrPreconditions)
	require.Equal(t, SwapIdle, machine.State().Status)

	require.False(t, machine.PreconditionsHold(nil))
}

func TestSwapMachineObserveHashAndReconcile(t *testing.T) {
	machine := newTestMachine(t, newFakeClient(), nil)
	hash := common.HexToHash("0x01")

	machine.ObserveHash(hash)
	require.Equal(t, SwapPending, machine.State().Status)
	require.Equal(t, hash, machine.State().TxHash)

	// 交易进行中时不回到 idle
	machine.Reconcile(false)
	require.Equal(t, SwapPending, machine.State().Status)

	machine.update(func(s *SwapState) { s.Status = SwapFailed; s.Err = errors.New("boom") })
	machine.Reconcile(true)
	require.Equal(t, SwapFailed, machine.State().Status)

	machine.Reconcile(false)
	require.Equal(t, SwapState{Status: SwapIdle}, machine.State())
}
