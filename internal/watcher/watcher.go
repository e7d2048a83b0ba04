// Package watcher observes governor contract transactions on chain and turns
// their receipts into trigger-proof payloads.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emperorhan/cycle-governor/internal/chain/rpc"
	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/metrics"
	"github.com/emperorhan/cycle-governor/internal/retry"
	"github.com/emperorhan/cycle-governor/internal/triggerproof"
)

var (
	ErrReceiptPending      = errors.New("receipt pending")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrNoCycleTrigger      = errors.New("no CycleTriggered event in receipt")
)

type Config struct {
	Contract        string
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// Observation is a decoded governor transaction.
type Observation struct {
	Payload     triggerproof.Payload
	BlockNumber int64
	Decision    *model.ExecutionDecision
	Transitions []model.StateTransition
}

type Watcher struct {
	client rpc.RPCClient
	cfg    Config
	logger *slog.Logger
}

func New(client rpc.RPCClient, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	return &Watcher{client: client, cfg: cfg, logger: logger.With("component", "watcher")}
}

func (w *Watcher) newBackoff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.InitialInterval
	bo.MaxInterval = w.cfg.MaxInterval
	bo.MaxElapsedTime = w.cfg.MaxElapsed
	return backoff.WithContext(bo, ctx)
}

// Observe waits for txHash to be mined and decodes its governor events.
// Pending receipts and transient RPC errors are retried with exponential
// backoff; a reverted transaction is a permanent failure.
func (w *Watcher) Observe(ctx context.Context, txHash string) (*Observation, error) {
	var receipt *rpc.TransactionReceipt
	op := func() error {
		r, err := w.client.GetTransactionReceipt(ctx, txHash)
		switch {
		case err != nil:
			metrics.ReceiptPollsTotal.WithLabelValues("error").Inc()
			if retry.Classify(err).IsTransient() {
				return err
			}
			return backoff.Permanent(err)
		case r == nil:
			metrics.ReceiptPollsTotal.WithLabelValues("pending").Inc()
			return ErrReceiptPending
		}
		metrics.ReceiptPollsTotal.WithLabelValues("found").Inc()
		receipt = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		w.logger.Debug("receipt not ready", "tx_hash", txHash, "error", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(op, w.newBackoff(ctx), notify); err != nil {
		return nil, fmt.Errorf("observe %s: %w", txHash, err)
	}

	if !receipt.Succeeded() {
		return nil, fmt.Errorf("observe %s: %w (status %s)", txHash, ErrTransactionReverted, receipt.Status)
	}
	return w.decodeReceipt(txHash, receipt)
}

func (w *Watcher) decodeReceipt(txHash string, receipt *rpc.TransactionReceipt) (*Observation, error) {
	decoded, err := decodeGovernorLogs(receipt.Logs, w.cfg.Contract)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", txHash, err)
	}
	if !decoded.haveTrigger {
		return nil, fmt.Errorf("decode %s: %w", txHash, ErrNoCycleTrigger)
	}
	block, err := rpc.ParseHexInt64(receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("decode %s block number: %w", txHash, err)
	}

	hash := receipt.TransactionHash
	if hash == "" {
		hash = txHash
	}
	payload := triggerproof.Payload{
		TxHash:       hash,
		CycleID:      triggerproof.FlexString(decoded.cycleID),
		TransitionID: triggerproof.FlexString(strconv.FormatUint(decoded.nonce, 10)),
		EventName:    model.EventCycleTriggered,
	}
	if len(decoded.transitions) > 0 {
		first := decoded.transitions[0]
		payload.StateDelta = &triggerproof.RawStateDelta{
			PreviousState: first.PreviousState.String(),
			NextState:     first.NextState.String(),
		}
	}
	payload.EmittedEvents = triggerproof.FromReceipt(&model.Receipt{Events: decoded.events}).EmittedEvents

	w.logger.Info("governor transaction observed",
		"tx_hash", hash,
		"block_number", block,
		"cycle_id", decoded.cycleID,
		"transition_nonce", decoded.nonce,
		"transitions", len(decoded.transitions),
	)
	return &Observation{
		Payload:     payload,
		BlockNumber: block,
		Decision:    decoded.decision,
		Transitions: decoded.transitions,
	}, nil
}

// Locate returns the hash of the most recent CycleTriggered transaction for
// nonce at or after fromBlock. It wraps ErrNoCycleTrigger when no live log matches.
func (w *Watcher) Locate(ctx context.Context, nonce uint64, fromBlock int64) (string, error) {
	nonceTopic := fmt.Sprintf("0x%064x", nonce)
	filter := rpc.LogFilter{
		FromBlock: rpc.FormatHexInt64(fromBlock),
		ToBlock:   "latest",
		Address:   w.cfg.Contract,
		Topics:    []any{topicCycleTriggered, nil, nonceTopic},
	}
	var logs []*rpc.Log
	op := func() error {
		var err error
		logs, err = w.client.GetLogs(ctx, filter)
		if err != nil && !retry.Classify(err).IsTransient() {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, w.newBackoff(ctx)); err != nil {
		return "", fmt.Errorf("locate nonce %d: %w", nonce, err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i] != nil && !logs[i].Removed {
			return logs[i].TransactionHash, nil
		}
	}
	return "", fmt.Errorf("no CycleTriggered transaction for nonce %d: %w", nonce, ErrNoCycleTrigger)
}
