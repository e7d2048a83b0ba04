package main

import (
	"fmt"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/policy"
	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Move a halted governor back to IDLE (emergency principal only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		caller, err := emergencyCaller(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		receipt, err := a.runner.Recover(cmd.Context(), caller)
		return reportReceipt(cmd, receipt, err)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Set or clear the emergency pause (emergency principal only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		caller, err := emergencyCaller(cmd)
		if err != nil {
			return err
		}
		paused, _ := cmd.Flags().GetBool("paused")
		reason, _ := cmd.Flags().GetString("reason")
		if paused && reason == "" {
			return fmt.Errorf("--reason is required when pausing")
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		receipt, err := a.runner.SetPause(cmd.Context(), caller, paused, reason)
		return reportReceipt(cmd, receipt, err)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted governor state and the current policy decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.machine.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		d := policy.Evaluate(cfg.PolicyEnv(), policy.TriggerDeterministicCycle, nil)
		return writeJSON(cmd.OutOrStdout(), newStatusOutput(st, d, a.venue.Breaker().State().String()))
	},
}

func init() {
	for _, c := range []*cobra.Command{recoverCmd, pauseCmd} {
		c.Flags().String("caller", "", "Calling principal (default: $GOVERNOR_EMERGENCY_PRINCIPAL)")
	}
	pauseCmd.Flags().Bool("paused", true, "Pause (true) or resume (false)")
	pauseCmd.Flags().String("reason", "", "Reason recorded with the pause")
}

func emergencyCaller(cmd *cobra.Command) (model.Caller, error) {
	caller, _ := cmd.Flags().GetString("caller")
	if caller == "" {
		caller = cfg.Governor.EmergencyPrincipal
	}
	if caller == "" {
		return model.Caller{}, fmt.Errorf("--caller is required when GOVERNOR_EMERGENCY_PRINCIPAL is unset")
	}
	return model.DirectCaller(caller), nil
}

func reportReceipt(cmd *cobra.Command, receipt *model.Receipt, err error) error {
	if werr := writeJSON(cmd.OutOrStdout(), newReceiptOutput(receipt, err)); werr != nil {
		return werr
	}
	if err != nil {
		return errReported
	}
	return nil
}
