package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/emperorhan/cycle-governor/internal/chain/rpc"
	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/triggerproof"
	"github.com/emperorhan/cycle-governor/internal/watcher"
	"github.com/spf13/cobra"
)

type proofOutput struct {
	TxHash      string                   `json:"txHash"`
	BlockNumber int64                    `json:"blockNumber"`
	Decision    *model.ExecutionDecision `json:"decision,omitempty"`
	Payload     triggerproof.Payload     `json:"payload"`
	Evidence    triggerproof.Evidence    `json:"evidence"`
}

var proofCmd = &cobra.Command{
	Use:   "proof",
	Short: "Build a trigger proof from an on-chain governor transaction",
	Long: `Waits for the governor transaction's receipt, decodes its events and evaluates
the resulting trigger proof. Select the transaction with --tx-hash, or with --nonce
to search CycleTriggered logs. --out writes the proof payload for "governor authorize".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Chain.RPCURL == "" {
			return fmt.Errorf("CHAIN_RPC_URL is required")
		}
		if cfg.Governor.ContractAddress == "" {
			return fmt.Errorf("GOVERNOR_CONTRACT_ADDRESS is required")
		}

		client := rpc.NewClient(cfg.Chain.RPCURL, logger, rpc.WithRateLimit(cfg.Chain.RPS, cfg.Chain.Burst))
		w := watcher.New(client, watcher.Config{
			Contract:   cfg.Governor.ContractAddress,
			MaxElapsed: cfg.Chain.PollMaxElapsed,
		}, logger)

		txHash, _ := cmd.Flags().GetString("tx-hash")
		if txHash == "" {
			if !cmd.Flags().Changed("nonce") {
				return fmt.Errorf("one of --tx-hash or --nonce is required")
			}
			nonce, _ := cmd.Flags().GetUint64("nonce")
			fromBlock, _ := cmd.Flags().GetInt64("from-block")
			found, err := w.Locate(ctx, nonce, fromBlock)
			if err != nil {
				return err
			}
			txHash = found
		}

		obs, err := w.Observe(ctx, txHash)
		if err != nil {
			return err
		}
		out := proofOutput{
			TxHash:      txHash,
			BlockNumber: obs.BlockNumber,
			Decision:    obs.Decision,
			Payload:     obs.Payload,
			Evidence:    triggerproof.EvaluateCycleTransitionEvidence(triggerproof.Parse(obs.Payload)),
		}

		if path, _ := cmd.Flags().GetString("out"); path != "" {
			raw, err := json.MarshalIndent(obs.Payload, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal proof payload: %w", err)
			}
			if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
				return fmt.Errorf("write proof payload: %w", err)
			}
			logger.Info("proof payload written", "path", path, "tx_hash", txHash)
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	proofCmd.Flags().String("tx-hash", "", "Governor transaction hash")
	proofCmd.Flags().Uint64("nonce", 0, "Transition nonce to locate via CycleTriggered logs")
	proofCmd.Flags().Int64("from-block", 0, "First block to search when using --nonce")
	proofCmd.Flags().String("out", "", "Write the proof payload JSON to this file")
}
