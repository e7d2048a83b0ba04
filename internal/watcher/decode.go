package watcher

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode"

	"github.com/emperorhan/cycle-governor/internal/chain/rpc"
	"github.com/emperorhan/cycle-governor/internal/domain/model"
)

var (
	topicCycleTriggered    = model.EventTopic(model.SigCycleTriggered)
	topicStateTransition   = model.EventTopic(model.SigStateTransition)
	topicExecutionDecision = model.EventTopic(model.SigExecutionDecision)
)

type decodedLogs struct {
	cycleID     string
	nonce       uint64
	haveTrigger bool
	transitions []model.StateTransition
	decision    *model.ExecutionDecision
	events      []model.Event
}

// decodeGovernorLogs decodes the governor events in logs. Logs from other
// addresses are skipped when contract is set; removed logs are always skipped.
func decodeGovernorLogs(logs []*rpc.Log, contract string) (decodedLogs, error) {
	var out decodedLogs
	for _, lg := range logs {
		if lg == nil || lg.Removed || len(lg.Topics) == 0 {
			continue
		}
		if contract != "" && !strings.EqualFold(lg.Address, contract) {
			continue
		}
		switch {
		case model.SameHash(lg.Topics[0], topicCycleTriggered):
			if len(lg.Topics) < 3 {
				return out, fmt.Errorf("CycleTriggered log %s: expected 3 topics, got %d", lg.LogIndex, len(lg.Topics))
			}
			nonce, err := wordUint64(lg.Topics[2])
			if err != nil {
				return out, fmt.Errorf("CycleTriggered nonce: %w", err)
			}
			cycleID, err := wordString(lg.Topics[1])
			if err != nil {
				return out, fmt.Errorf("CycleTriggered cycle id: %w", err)
			}
			out.cycleID, out.nonce, out.haveTrigger = cycleID, nonce, true
			out.events = append(out.events, model.Event{
				Name: model.EventCycleTriggered,
				Args: map[string]string{"cycleId": cycleID, "transitionNonce": strconv.FormatUint(nonce, 10)},
			})

		case model.SameHash(lg.Topics[0], topicStateTransition):
			words, err := dataWords(lg.Data, 2)
			if err != nil {
				return out, fmt.Errorf("StateTransition data: %w", err)
			}
			prev, err1 := wordUint64(words[0])
			next, err2 := wordUint64(words[1])
			if err1 != nil || err2 != nil || prev > 255 || next > 255 {
				return out, fmt.Errorf("StateTransition log %s: state out of range", lg.LogIndex)
			}
			st := model.StateTransition{PreviousState: model.CycleState(prev), NextState: model.CycleState(next)}
			out.transitions = append(out.transitions, st)
			out.events = append(out.events, model.Event{
				Name: model.EventStateTransition,
				Args: map[string]string{"previousState": st.PreviousState.String(), "nextState": st.NextState.String()},
			})

		case model.SameHash(lg.Topics[0], topicExecutionDecision):
			words, err := dataWords(lg.Data, 3)
			if err != nil {
				return out, fmt.Errorf("ExecutionDecision data: %w", err)
			}
			executed, err := wordUint64(words[0])
			if err != nil || executed > 1 {
				return out, fmt.Errorf("ExecutionDecision log %s: invalid bool", lg.LogIndex)
			}
			reason, _ := wordString(words[1])
			execID, _ := wordString(words[2])
			d := &model.ExecutionDecision{Executed: executed == 1, Reason: reason, RouteExecutionID: execID}
			out.decision = d
			out.events = append(out.events, model.Event{
				Name: model.EventExecutionDecision,
				Args: map[string]string{
					"executed":         strconv.FormatBool(d.Executed),
					"reason":           d.Reason,
					"routeExecutionId": d.RouteExecutionID,
				},
			})
		}
	}
	return out, nil
}

func dataWords(data string, n int) ([]string, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(data)), "0x")
	if len(raw) < n*64 {
		return nil, fmt.Errorf("expected %d words, got %d hex chars", n, len(raw))
	}
	words := make([]string, n)
	for i := range words {
		words[i] = raw[i*64 : (i+1)*64]
	}
	return words, nil
}

func wordUint64(word string) (uint64, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(word)), "0x")
	v, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return 0, fmt.Errorf("invalid word %q", word)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("word %q overflows uint64", word)
	}
	return v.Uint64(), nil
}

// wordString decodes a right-padded bytes32 as text when it is printable ASCII,
// and returns the 0x-prefixed word otherwise.
func wordString(word string) (string, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(word)), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid word %q: %w", word, err)
	}
	trimmed := strings.TrimRight(string(b), "\x00")
	if trimmed == "" {
		return "", nil
	}
	for _, r := range trimmed {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return "0x" + raw, nil
		}
	}
	return trimmed, nil
}
