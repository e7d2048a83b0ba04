package watcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/cycle-governor/internal/chain/rpc"
	"github.com/emperorhan/cycle-governor/internal/triggerproof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const governorAddr = "0x00000000000000000000000000000000000000aa"

var txHash = "0x" + strings.Repeat("ab", 32)

type fakeRPC struct {
	mu       sync.Mutex
	receipts []*rpc.TransactionReceipt
	errs     []error
	calls    int
	logs     []*rpc.Log
	filters  []rpc.LogFilter
}

func (f *fakeRPC) GetBlockNumber(context.Context) (int64, error) { return 100, nil }

func (f *fakeRPC) GetTransactionReceipt(_ context.Context, _ string) (*rpc.TransactionReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.receipts) {
		return f.receipts[i], nil
	}
	return f.receipts[len(f.receipts)-1], nil
}

func (f *fakeRPC) GetLogs(_ context.Context, filter rpc.LogFilter) ([]*rpc.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return f.logs, nil
}

func word(v uint64) string {
	return fmt.Sprintf("%064x", v)
}

func textWord(s string) string {
	b := make([]byte, 32)
	copy(b, s)
	return hex.EncodeToString(b)
}

func governorLogs() []*rpc.Log {
	return []*rpc.Log{
		{Address: governorAddr, Topics: []string{topicCycleTriggered, "0x" + textWord("c1"), "0x" + word(7)}, Data: "0x", LogIndex: "0x0"},
		{Address: governorAddr, Topics: []string{topicStateTransition}, Data: "0x" + word(0) + word(1), LogIndex: "0x1"},
		{Address: governorAddr, Topics: []string{topicStateTransition}, Data: "0x" + word(1) + word(2), LogIndex: "0x2"},
		{Address: governorAddr, Topics: []string{topicStateTransition}, Data: "0x" + word(2) + word(0), LogIndex: "0x3"},
		{Address: governorAddr, Topics: []string{topicExecutionDecision}, Data: "0x" + word(1) + textWord("executed") + textWord("route-9"), LogIndex: "0x4"},
		{Address: "0xother", Topics: []string{topicStateTransition}, Data: "0x" + word(3) + word(0), LogIndex: "0x5"},
	}
}

func minedReceipt() *rpc.TransactionReceipt {
	return &rpc.TransactionReceipt{
		TransactionHash: txHash,
		BlockNumber:     "0x2a",
		Status:          rpc.ReceiptStatusSuccess,
		To:              governorAddr,
		Logs:            governorLogs(),
	}
}

func newTestWatcher(client rpc.RPCClient) *Watcher {
	return New(client, Config{
		Contract:        strings.ToUpper(governorAddr[:2]) + governorAddr[2:],
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      500 * time.Millisecond,
	}, slog.Default())
}

func TestObserve_DecodesGovernorEvents(t *testing.T) {
	fake := &fakeRPC{receipts: []*rpc.TransactionReceipt{nil, nil, minedReceipt()}}
	w := newTestWatcher(fake)

	obs, err := w.Observe(context.Background(), txHash)
	require.NoError(t, err)

	assert.Equal(t, 3, fake.calls)
	assert.Equal(t, int64(42), obs.BlockNumber)
	assert.Equal(t, "c1", string(obs.Payload.CycleID))
	assert.Equal(t, "7", string(obs.Payload.TransitionID))
	require.Len(t, obs.Transitions, 3)
	assert.Equal(t, "SETTLING->IDLE", obs.Transitions[2].Label())
	require.NotNil(t, obs.Decision)
	assert.True(t, obs.Decision.Executed)
	assert.Equal(t, "route-9", obs.Decision.RouteExecutionID)
	assert.Len(t, obs.Payload.EmittedEvents, 5)

	proof := triggerproof.Parse(obs.Payload)
	require.True(t, proof.Valid)
	require.NotNil(t, proof.StateDelta)
	assert.Equal(t, "IDLE->EXECUTING", proof.StateDelta.Label)
	assert.True(t, triggerproof.EvaluateCycleTransitionEvidence(proof).Verifiable)
}

func TestObserve_RetriesTransientErrors(t *testing.T) {
	fake := &fakeRPC{
		errs:     []error{errors.New("http status 503: busy"), &rpc.RPCError{Code: -32005, Message: "limit"}},
		receipts: []*rpc.TransactionReceipt{nil, nil, minedReceipt()},
	}
	obs, err := newTestWatcher(fake).Observe(context.Background(), txHash)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.calls)
	assert.Equal(t, "c1", string(obs.Payload.CycleID))
}

func TestObserve_TerminalErrorStopsImmediately(t *testing.T) {
	fake := &fakeRPC{
		errs:     []error{&rpc.RPCError{Code: -32602, Message: "invalid params"}},
		receipts: []*rpc.TransactionReceipt{nil},
	}
	_, err := newTestWatcher(fake).Observe(context.Background(), txHash)
	require.Error(t, err)
	assert.Equal(t, 1, fake.calls)
	var rpcErr *rpc.RPCError
	assert.ErrorAs(t, err, &rpcErr)
}

func TestObserve_Reverted(t *testing.T) {
	r := minedReceipt()
	r.Status = rpc.ReceiptStatusFailed
	_, err := newTestWatcher(&fakeRPC{receipts: []*rpc.TransactionReceipt{r}}).Observe(context.Background(), txHash)
	assert.ErrorIs(t, err, ErrTransactionReverted)
}

func TestObserve_PendingUntilDeadline(t *testing.T) {
	fake := &fakeRPC{receipts: []*rpc.TransactionReceipt{nil}}
	_, err := newTestWatcher(fake).Observe(context.Background(), txHash)
	assert.ErrorIs(t, err, ErrReceiptPending)
	assert.Greater(t, fake.calls, 1)
}

func TestObserve_NoTrigger(t *testing.T) {
	r := minedReceipt()
	r.Logs = r.Logs[1:]
	_, err := newTestWatcher(&fakeRPC{receipts: []*rpc.TransactionReceipt{r}}).Observe(context.Background(), txHash)
	assert.ErrorIs(t, err, ErrNoCycleTrigger)
}

func TestObserve_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestWatcher(&fakeRPC{receipts: []*rpc.TransactionReceipt{nil}}).Observe(ctx, txHash)
	assert.Error(t, err)
}

func TestDecodeGovernorLogs_Malformed(t *testing.T) {
	tests := []struct {
		name string
		log  *rpc.Log
	}{
		{"trigger missing topics", &rpc.Log{Topics: []string{topicCycleTriggered, "0x" + textWord("c1")}}},
		{"short transition data", &rpc.Log{Topics: []string{topicStateTransition}, Data: "0x" + word(1)}},
		{"transition out of range", &rpc.Log{Topics: []string{topicStateTransition}, Data: "0x" + word(300) + word(1)}},
		{"decision bad bool", &rpc.Log{Topics: []string{topicExecutionDecision}, Data: "0x" + word(2) + word(0) + word(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeGovernorLogs([]*rpc.Log{tt.log}, "")
			assert.Error(t, err)
		})
	}
}

func TestDecodeGovernorLogs_SkipsRemovedAndForeign(t *testing.T) {
	logs := governorLogs()
	logs[1].Removed = true

	decoded, err := decodeGovernorLogs(logs, governorAddr)
	require.NoError(t, err)
	assert.Len(t, decoded.transitions, 2)

	all, err := decodeGovernorLogs(logs, "")
	require.NoError(t, err)
	assert.Len(t, all.transitions, 3, "foreign log counted without a contract filter")
}

func TestWordString(t *testing.T) {
	s, err := wordString("0x" + textWord("cycle-usdc"))
	require.NoError(t, err)
	assert.Equal(t, "cycle-usdc", s)

	binary := "0x" + strings.Repeat("ff", 32)
	s, err = wordString(binary)
	require.NoError(t, err)
	assert.Equal(t, binary, s)

	s, err = wordString("0x" + word(0))
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = wordString("0xzz")
	assert.Error(t, err)
}

func TestLocate(t *testing.T) {
	fake := &fakeRPC{logs: []*rpc.Log{
		{TransactionHash: "0x01"},
		{TransactionHash: "0x02"},
		{TransactionHash: "0x03", Removed: true},
	}}
	w := newTestWatcher(fake)

	hash, err := w.Locate(context.Background(), 7, 10)
	require.NoError(t, err)
	assert.Equal(t, "0x02", hash)

	require.Len(t, fake.filters, 1)
	f := fake.filters[0]
	assert.Equal(t, "0xa", f.FromBlock)
	require.Len(t, f.Topics, 3)
	assert.Equal(t, topicCycleTriggered, f.Topics[0])
	assert.Nil(t, f.Topics[1])
	assert.Equal(t, "0x"+word(7), f.Topics[2])

	fake.logs = nil
	hash, err = w.Locate(context.Background(), 8, 0)
	require.ErrorIs(t, err, ErrNoCycleTrigger)
	assert.Contains(t, err.Error(), "nonce 8")
	assert.Empty(t, hash)

	fake.logs = []*rpc.Log{{TransactionHash: "0x04", Removed: true}}
	_, err = w.Locate(context.Background(), 9, 0)
	require.ErrorIs(t, err, ErrNoCycleTrigger)
}

