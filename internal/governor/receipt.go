package governor

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
)

func buildCycleReceipt(
	st *model.GovernorState,
	req model.CycleRequest,
	entries []model.StateTransition,
	decision model.ExecutionDecision,
	now time.Time,
) *model.Receipt {
	routeHash := req.RouteDataHash
	if routeHash == "" {
		routeHash = model.RouteDataHash(req.RouteData)
	}

	events := make([]model.Event, 0, len(entries)+2)
	events = append(events, model.Event{
		Name: model.EventCycleTriggered,
		Args: map[string]string{
			"cycleId":           req.CycleID,
			"transitionNonce":   strconv.FormatUint(req.TransitionNonce, 10),
			"amountRaw":         req.AmountRaw.String(),
			"tokenIn":           req.TokenIn,
			"tokenOut":          req.TokenOut,
			"routeDataHash":     routeHash,
			"emergencyOverride": strconv.FormatBool(req.EmergencyOverride),
		},
	})
	events = append(events, transitionEvents(entries)...)
	events = append(events, model.Event{
		Name: model.EventExecutionDecision,
		Args: map[string]string{
			"executed":         strconv.FormatBool(decision.Executed),
			"reason":           decision.Reason,
			"routeExecutionId": decision.RouteExecutionID,
		},
	})

	d := decision
	r := &model.Receipt{
		TxHash:          receiptHash(st, req.CycleID, req.TransitionNonce, routeHash, now),
		BlockNumber:     st.Height,
		GovernorID:      st.GovernorID,
		CycleID:         req.CycleID,
		TransitionNonce: req.TransitionNonce,
		LogEntries:      entries,
		Decision:        &d,
		FinalState:      st.State,
		Events:          events,
		Timestamp:       now,
	}
	if len(entries) > 0 {
		first := entries[0]
		r.StateDelta = &first
	}
	return r
}

func buildAdminReceipt(st *model.GovernorState, op string, entries []model.StateTransition, extra []model.Event, now time.Time) *model.Receipt {
	events := append(transitionEvents(entries), extra...)
	r := &model.Receipt{
		TxHash:          receiptHash(st, op, st.LastTransitionNonce, "", now),
		BlockNumber:     st.Height,
		GovernorID:      st.GovernorID,
		TransitionNonce: st.LastTransitionNonce,
		LogEntries:      entries,
		FinalState:      st.State,
		Events:          events,
		Timestamp:       now,
	}
	if len(entries) > 0 {
		first := entries[0]
		r.StateDelta = &first
	}
	return r
}

func transitionEvents(entries []model.StateTransition) []model.Event {
	events := make([]model.Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, model.Event{
			Name: model.EventStateTransition,
			Args: map[string]string{
				"previousState": e.PreviousState.String(),
				"nextState":     e.NextState.String(),
			},
		})
	}
	return events
}

// receiptHash derives a 32-byte identifier unique per governor height.
func receiptHash(st *model.GovernorState, label string, nonce uint64, routeHash string, now time.Time) string {
	var height, nonceBuf, ts [8]byte
	binary.BigEndian.PutUint64(height[:], uint64(st.Height))
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))
	return model.Keccak256Hex(
		[]byte(st.GovernorID),
		height[:],
		[]byte(label),
		nonceBuf[:],
		[]byte(routeHash),
		ts[:],
	)
}
