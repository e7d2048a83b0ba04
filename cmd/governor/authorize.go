package main

import (
	"fmt"
	"os"

	"github.com/emperorhan/cycle-governor/internal/executesafe"
	"github.com/emperorhan/cycle-governor/internal/triggerproof"
	"github.com/spf13/cobra"
)

type authorizeOutput struct {
	executesafe.Authorization
	Evidence triggerproof.Evidence `json:"evidence"`
}

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Decide whether a live action may skip interactive confirmation",
	Long: `Evaluates a trigger proof file. Verifiable on-chain evidence authorizes the action
without confirmation; otherwise --confirm must equal $EXECUTE_CONFIRM_LITERAL.
Exits 1 when the action is not authorized.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("proof-file")
		confirm, _ := cmd.Flags().GetString("confirm")

		ev, err := loadProofEvidence(path)
		if err != nil {
			return err
		}
		auth := executesafe.Authorize(executesafe.Request{
			Evidence:       ev,
			Confirm:        confirm,
			ConfirmLiteral: cfg.Execute.ConfirmLiteral,
		})
		if err := writeJSON(cmd.OutOrStdout(), authorizeOutput{Authorization: auth, Evidence: ev}); err != nil {
			return err
		}
		if !auth.Allowed {
			logger.Warn("live action not authorized", "mode", auth.Mode, "reason", auth.Reason)
			return errReported
		}
		return nil
	},
}

func init() {
	authorizeCmd.Flags().String("proof-file", "", "Trigger proof payload JSON (from \"governor proof --out\")")
	authorizeCmd.Flags().String("confirm", "", "Typed confirmation literal")
}

// loadProofEvidence treats a missing path as an empty proof so the caller falls
// through to manual confirmation.
func loadProofEvidence(path string) (triggerproof.Evidence, error) {
	if path == "" {
		return triggerproof.EvaluateCycleTransitionEvidence(triggerproof.Parse(triggerproof.Payload{})), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return triggerproof.Evidence{}, fmt.Errorf("read proof file: %w", err)
	}
	return triggerproof.EvaluateCycleTransitionEvidence(triggerproof.ParseCycleTriggerProof(raw)), nil
}
