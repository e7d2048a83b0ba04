package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/policy"
	"github.com/emperorhan/cycle-governor/internal/triggerproof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReceipt() *model.Receipt {
	return &model.Receipt{
		TxHash:          "0x" + strings.Repeat("cd", 32),
		BlockNumber:     12,
		GovernorID:      "gov-1",
		CycleID:         "c1",
		TransitionNonce: 3,
		LogEntries: []model.StateTransition{
			{PreviousState: model.CycleStateIdle, NextState: model.CycleStateExecuting},
			{PreviousState: model.CycleStateExecuting, NextState: model.CycleStateSettling},
			{PreviousState: model.CycleStateSettling, NextState: model.CycleStateIdle},
		},
		Decision:   &model.ExecutionDecision{Executed: true, Reason: model.DecisionReasonExecuted, RouteExecutionID: "sim-1"},
		StateDelta: &model.StateTransition{PreviousState: model.CycleStateIdle, NextState: model.CycleStateExecuting},
		FinalState: model.CycleStateIdle,
		Events: []model.Event{
			{Name: model.EventCycleTriggered, Args: map[string]string{"cycleId": "c1"}},
			{Name: model.EventExecutionDecision, Args: map[string]string{"executed": "true"}},
		},
	}
}

func sampleArtifact() Artifact {
	return NewArtifact("", "0xgovernor", sampleReceipt(), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestNewArtifact(t *testing.T) {
	a := sampleArtifact()

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, DefaultSuite, a.Suite)
	assert.Equal(t, "0xgovernor", a.ContractAddress)
	assert.Equal(t, int64(12), a.Cycle.BlockNumber)
	assert.Equal(t, uint64(3), a.Cycle.Nonce)
	assert.Len(t, a.Cycle.EmittedEvents, 2)
	assert.Nil(t, a.Policy)
	assert.Nil(t, a.TransitionEvidence)

	other := NewArtifact("drill", "0xgovernor", nil, time.Now())
	assert.NotEqual(t, a.ID, other.ID)
	assert.Equal(t, "drill", other.Suite)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(sampleArtifact()))

	decision := policy.Evaluate(policy.Env{}, policy.TriggerManual, nil)
	proof := triggerproof.Parse(triggerproof.FromReceipt(sampleReceipt()))
	full := sampleArtifact().
		WithPolicy(decision).
		WithTransitionEvidence(triggerproof.EvaluateCycleTransitionEvidence(proof))
	require.NoError(t, Validate(full))
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{"missing contract", func(a *Artifact) { a.ContractAddress = "" }},
		{"bad tx hash", func(a *Artifact) { a.Cycle.TxHash = "0x1234" }},
		{"empty suite", func(a *Artifact) { a.Suite = "" }},
		{"event without name", func(a *Artifact) { a.Cycle.EmittedEvents = []model.Event{{}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := sampleArtifact()
			tt.mutate(&a)
			assert.Error(t, Validate(a))
		})
	}
}

func TestValidateJSON_Malformed(t *testing.T) {
	assert.Error(t, ValidateJSON([]byte(`{`)))
	assert.Error(t, ValidateJSON([]byte(`{"suite":"x"}`)))
}

func TestFileRecorder_AppendOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "evidence")
	rec, err := NewFileRecorder(dir)
	require.NoError(t, err)

	first := sampleArtifact()
	second := sampleArtifact()
	require.NoError(t, rec.Record(context.Background(), first))
	require.NoError(t, rec.Record(context.Background(), second))

	raw, err := os.ReadFile(rec.Path(DefaultSuite))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))

	all, err := rec.ReadAll(DefaultSuite)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)
	assert.Equal(t, model.CycleStateIdle, all[0].Cycle.FinalState)
}

func TestFileRecorder_RejectsInvalid(t *testing.T) {
	rec, err := NewFileRecorder(t.TempDir())
	require.NoError(t, err)

	bad := sampleArtifact()
	bad.Cycle.TxHash = ""
	require.Error(t, rec.Record(context.Background(), bad))

	all, err := rec.ReadAll(DefaultSuite)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFileRecorder_CanceledContext(t *testing.T) {
	rec, err := NewFileRecorder(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rec.Record(ctx, sampleArtifact()), context.Canceled)
}

type recorderFunc func(context.Context, Artifact) error

func (f recorderFunc) Record(ctx context.Context, a Artifact) error { return f(ctx, a) }

func TestMultiRecorder(t *testing.T) {
	var calls int
	ok := recorderFunc(func(context.Context, Artifact) error { calls++; return nil })
	boom := errors.New("boom")
	failing := recorderFunc(func(context.Context, Artifact) error { calls++; return boom })

	m := MultiRecorder{ok, nil, failing, ok}
	err := m.Record(context.Background(), sampleArtifact())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.NoError(t, MultiRecorder{ok}.Record(context.Background(), sampleArtifact()))
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	l := NewMemoryLocker()
	l.nowFunc = func() time.Time { return now }

	token, err := l.Acquire(ctx, "cycle:gov-1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = l.Acquire(ctx, "cycle:gov-1", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	_, err = l.Acquire(ctx, "cycle:gov-2", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, l.Release(ctx, "cycle:gov-1", "someone-else"))
	_, err = l.Acquire(ctx, "cycle:gov-1", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld, "foreign token must not release")

	require.NoError(t, l.Release(ctx, "cycle:gov-1", token))
	_, err = l.Acquire(ctx, "cycle:gov-1", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	l := NewMemoryLocker()
	l.nowFunc = func() time.Time { return now }

	_, err := l.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)

	now = now.Add(29 * time.Second)
	_, err = l.Acquire(ctx, "k", 30*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	now = now.Add(time.Second)
	_, err = l.Acquire(ctx, "k", 30*time.Second)
	assert.NoError(t, err)

	_, err = l.Acquire(ctx, "k2", 0)
	assert.Error(t, err)
}
