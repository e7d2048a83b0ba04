package governor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/governor/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newMockedMachine(t *testing.T, store StateStore, venue Venue) *Machine {
	t.Helper()
	m, err := New(Config{
		GovernorID:         testGovernorID,
		MaxAmountRaw:       big.NewInt(1_000_000),
		DirectCallers:      []string{operator},
		EmergencyPrincipal: emergency,
	}, store, venue, slog.Default())
	require.NoError(t, err)
	return m
}

// applyTo runs the Update callback against st, mimicking a store that holds one record.
func applyTo(st *model.GovernorState) func(context.Context, string, func(*model.GovernorState) error) error {
	return func(_ context.Context, _ string, fn func(*model.GovernorState) error) error {
		next := *st
		if err := fn(&next); err != nil {
			return err
		}
		*st = next
		return nil
	}
}

func TestRunDeterministicCycle_StoreErrorSkipsVenue(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStateStore(ctrl)
	venue := mocks.NewMockVenue(ctrl)

	storeErr := errors.New("could not serialize access")
	store.EXPECT().Update(gomock.Any(), testGovernorID, gomock.Any()).Return(storeErr)

	m := newMockedMachine(t, store, venue)
	receipt, err := m.RunDeterministicCycle(context.Background(), model.DirectCaller(operator), cycleReq(1, 10))
	require.ErrorIs(t, err, storeErr)
	assert.Nil(t, receipt)
}

func TestRunDeterministicCycle_VenueReceivesRouteExecution(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStateStore(ctrl)
	venue := mocks.NewMockVenue(ctrl)

	st := &model.GovernorState{GovernorID: testGovernorID, LastTransitionNonce: 41}
	store.EXPECT().Update(gomock.Any(), testGovernorID, gomock.Any()).DoAndReturn(applyTo(st))

	req := cycleReq(42, 250)
	venue.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, exec model.RouteExecution) (string, error) {
		assert.Equal(t, testGovernorID, exec.GovernorID)
		assert.Equal(t, uint64(42), exec.TransitionNonce)
		assert.Equal(t, "250", exec.AmountRaw.String())
		assert.Equal(t, model.RouteDataHash(req.RouteData), exec.RouteDataHash)
		return "exec-42", nil
	})

	m := newMockedMachine(t, store, venue)
	receipt, err := m.RunDeterministicCycle(context.Background(), model.DirectCaller(operator), req)
	require.NoError(t, err)
	require.NotNil(t, receipt.Decision)
	assert.Equal(t, "exec-42", receipt.Decision.RouteExecutionID)
	assert.Equal(t, uint64(42), st.LastTransitionNonce)
	assert.Equal(t, model.CycleStateIdle, st.State)
}

func TestRunDeterministicCycle_GuardRejectionLeavesStoredStateAlone(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStateStore(ctrl)
	venue := mocks.NewMockVenue(ctrl)

	st := &model.GovernorState{GovernorID: testGovernorID, LastTransitionNonce: 3}
	store.EXPECT().Update(gomock.Any(), testGovernorID, gomock.Any()).DoAndReturn(applyTo(st))

	m := newMockedMachine(t, store, venue)
	_, err := m.RunDeterministicCycle(context.Background(), model.DirectCaller(operator), cycleReq(9, 10))
	assert.Equal(t, GuardInvalidNonce, GuardCodeOf(err))
	assert.Equal(t, uint64(3), st.LastTransitionNonce)
	assert.Zero(t, st.Height)
}

func TestSnapshot_WrapsLoadError(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStateStore(ctrl)
	store.EXPECT().Load(gomock.Any(), testGovernorID).Return(model.GovernorState{}, errors.New("db down"))

	m := newMockedMachine(t, store, mocks.NewMockVenue(ctrl))
	_, err := m.Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load governor state: db down")
}
