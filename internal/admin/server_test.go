package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/evidence"
	"github.com/emperorhan/cycle-governor/internal/governor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cret"

type fakeOperator struct {
	state      model.GovernorState
	snapErr    error
	recoverErr error
	pauseErr   error

	lastCaller model.Caller
	lastPaused bool
	lastReason string
}

func (f *fakeOperator) GovernorID() string { return "gov-1" }

func (f *fakeOperator) Snapshot(context.Context) (model.GovernorState, error) {
	return f.state, f.snapErr
}

func (f *fakeOperator) Recover(_ context.Context, caller model.Caller) (*model.Receipt, error) {
	f.lastCaller = caller
	if f.recoverErr != nil {
		return nil, f.recoverErr
	}
	return &model.Receipt{TxHash: "0xrecover", FinalState: model.CycleStateIdle, TransitionNonce: 3}, nil
}

func (f *fakeOperator) SetPause(_ context.Context, caller model.Caller, paused bool, reason string) (*model.Receipt, error) {
	f.lastCaller, f.lastPaused, f.lastReason = caller, paused, reason
	if f.pauseErr != nil {
		return nil, f.pauseErr
	}
	return &model.Receipt{TxHash: "0xpause", FinalState: model.CycleStateIdle}, nil
}

type fakeLister struct {
	artifacts []evidence.Artifact
	err       error
	suite     string
	limit     int
}

func (f *fakeLister) ListBySuite(_ context.Context, suite string, limit int) ([]evidence.Artifact, error) {
	f.suite, f.limit = suite, limit
	return f.artifacts, f.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHandler_RequiresToken(t *testing.T) {
	h := NewServer(&fakeOperator{}, testToken, slog.Default()).Handler()

	for _, auth := range []string{"", "Bearer wrong", "Basic " + testToken, testToken} {
		req := httptest.NewRequest(http.MethodGet, "/admin/v1/status", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, auth)
	}
}

func TestHandler_EmptyTokenRejectsEverything(t *testing.T) {
	h := NewServer(&fakeOperator{}, "", slog.Default()).Handler()
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/status", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGetStatus(t *testing.T) {
	op := &fakeOperator{state: model.GovernorState{
		GovernorID:          "gov-1",
		State:               model.CycleStateHalted,
		LastTransitionNonce: 7,
		LastCycleAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Height:              9,
	}}
	rec := do(t, NewServer(op, testToken, slog.Default()).Handler(), http.MethodGet, "/admin/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "HALTED", resp.State)
	assert.Equal(t, uint64(7), resp.LastTransitionNonce)
	require.NotNil(t, resp.LastCycleAt)
	assert.Equal(t, int64(9), resp.Height)
}

func TestHandleGetStatus_StoreError(t *testing.T) {
	op := &fakeOperator{snapErr: errors.New("db down")}
	rec := do(t, NewServer(op, testToken, slog.Default()).Handler(), http.MethodGet, "/admin/v1/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestHandleRecover(t *testing.T) {
	op := &fakeOperator{}
	rec := do(t, NewServer(op, testToken, slog.Default()).Handler(), http.MethodPost, "/admin/v1/recover", `{"caller":"0x9999"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp receiptResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "0xrecover", resp.TxHash)
	assert.Equal(t, "IDLE", resp.FinalState)
	assert.True(t, op.lastCaller.Direct())
	assert.Equal(t, "0x9999", op.lastCaller.Sender)
}

func TestHandleRecover_RelayedCallerPassesOrigin(t *testing.T) {
	op := &fakeOperator{recoverErr: &governor.GuardError{Code: governor.GuardCallerIdentity, Message: "relayed"}}
	rec := do(t, NewServer(op, testToken, slog.Default()).Handler(), http.MethodPost, "/admin/v1/recover",
		`{"caller":"0x4444","origin":"0x9999"}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, op.lastCaller.Direct())
	var resp errorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(governor.GuardCallerIdentity), resp.GuardCode)
}

func TestHandleRecover_NotHaltedIsConflict(t *testing.T) {
	op := &fakeOperator{recoverErr: &governor.GuardError{Code: governor.GuardNotHalted, Message: "governor is IDLE"}}
	rec := do(t, NewServer(op, testToken, slog.Default()).Handler(), http.MethodPost, "/admin/v1/recover", `{"caller":"0x9999"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleRecover_BadRequests(t *testing.T) {
	h := NewServer(&fakeOperator{}, testToken, slog.Default()).Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/admin/v1/recover", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/admin/v1/recover", `{"caller":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/admin/v1/recover", `{"caller":"0x1","extra":1}`).Code)
}

func TestHandlePause(t *testing.T) {
	op := &fakeOperator{}
	h := NewServer(op, testToken, slog.Default()).Handler()

	rec := do(t, h, http.MethodPost, "/admin/v1/pause", `{"caller":"0x9999","paused":true,"reason":"venue incident"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, op.lastPaused)
	assert.Equal(t, "venue incident", op.lastReason)

	rec = do(t, h, http.MethodPost, "/admin/v1/pause", `{"caller":"0x9999","paused":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, op.lastPaused)
}

func TestHandlePause_Validation(t *testing.T) {
	h := NewServer(&fakeOperator{}, testToken, slog.Default()).Handler()

	rec := do(t, h, http.MethodPost, "/admin/v1/pause", `{"caller":"0x9999"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/admin/v1/pause", `{"caller":"0x9999","paused":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "reason")
}

func TestHandlePause_EmergencyRoleRequired(t *testing.T) {
	op := &fakeOperator{pauseErr: &governor.GuardError{Code: governor.GuardEmergencyRole, Message: "no role"}}
	rec := do(t, NewServer(op, testToken, slog.Default()).Handler(), http.MethodPost, "/admin/v1/pause",
		`{"caller":"0x1111","paused":true,"reason":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleListEvidence(t *testing.T) {
	lister := &fakeLister{artifacts: []evidence.Artifact{{ID: "a1", Suite: "nightly"}}}
	h := NewServer(&fakeOperator{}, testToken, slog.Default(), WithEvidenceLister(lister, "nightly")).Handler()

	rec := do(t, h, http.MethodGet, "/admin/v1/evidence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nightly", lister.suite)
	assert.Equal(t, defaultEvidenceLimit, lister.limit)
	var got []evidence.Artifact
	decodeBody(t, rec, &got)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)

	rec = do(t, h, http.MethodGet, "/admin/v1/evidence?suite=other&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "other", lister.suite)
	assert.Equal(t, 5, lister.limit)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/admin/v1/evidence?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/admin/v1/evidence?limit=501", "").Code)
}

func TestHandleListEvidence_EmptyIsArray(t *testing.T) {
	h := NewServer(&fakeOperator{}, testToken, slog.Default(), WithEvidenceLister(&fakeLister{}, "")).Handler()
	rec := do(t, h, http.MethodGet, "/admin/v1/evidence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleListEvidence_WithoutLister(t *testing.T) {
	h := NewServer(&fakeOperator{}, testToken, slog.Default()).Handler()
	assert.Equal(t, http.StatusNotImplemented, do(t, h, http.MethodGet, "/admin/v1/evidence", "").Code)
}
