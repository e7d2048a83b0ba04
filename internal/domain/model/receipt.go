package model

import "time"

// Event names emitted by the governor, shared by the in-process machine and the
// on-chain contract.
const (
	EventCycleTriggered    = "CycleTriggered"
	EventStateTransition   = "StateTransition"
	EventExecutionDecision = "ExecutionDecision"
	EventEmergencyPause    = "EmergencyPauseSet"
)

// Solidity signatures for the events above, used to derive log topics.
const (
	SigCycleTriggered    = "CycleTriggered(bytes32,uint256)"
	SigStateTransition   = "StateTransition(uint8,uint8)"
	SigExecutionDecision = "ExecutionDecision(bool,bytes32,bytes32)"
)

type Event struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// Receipt is the structured result of one governor call. LogEntries and Events are
// derived views kept for audit.
type Receipt struct {
	TxHash          string             `json:"txHash"`
	BlockNumber     int64              `json:"blockNumber"`
	GovernorID      string             `json:"governorId"`
	CycleID         string             `json:"cycleId,omitempty"`
	TransitionNonce uint64             `json:"transitionNonce,omitempty"`
	LogEntries      []StateTransition  `json:"logEntries"`
	Decision        *ExecutionDecision `json:"decision,omitempty"`
	StateDelta      *StateTransition   `json:"stateDelta,omitempty"`
	FinalState      CycleState         `json:"finalState"`
	Events          []Event            `json:"events"`
	Timestamp       time.Time          `json:"timestamp"`
}
