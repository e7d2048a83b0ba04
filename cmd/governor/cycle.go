package main

import (
	"fmt"
	"io"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/policy"
	"github.com/emperorhan/cycle-governor/internal/runner"
	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one deterministic cycle and print its receipt",
	Long: `Runs one cycle through the policy gate, the evidence lock and the governor.

Prints {"ok": true, "txHash", "blockNumber", "stateDelta", "decision", ...} on success
and {"ok": false, "error"} with exit status 1 otherwise. A cycle halted by a venue
failure still succeeds: the receipt records the halt.`,
	Annotations: map[string]string{annotationJSONErrors: "true"},
	RunE:        runCycle,
}

func init() {
	f := cycleCmd.Flags()
	f.String("governor", "", "Governor id (default: $GOVERNOR_ID)")
	f.Uint64("nonce", 0, "Transition nonce (default: last nonce + 1)")
	f.String("amount", "", "Raw amount in base units (default: $AUTONOMOUS_AMOUNT_RAW)")
	f.String("route-data", "", "Route data, e.g. ORCA:USDC->SOL (default: $AUTONOMOUS_ROUTE_DATA)")
	f.String("token-in", "", "Input token (default: $AUTONOMOUS_TOKEN_IN)")
	f.String("token-out", "", "Output token (default: $AUTONOMOUS_TOKEN_OUT)")
	f.String("cycle-id", "", "Cycle id (default: $AUTONOMOUS_CYCLE_ID)")
	f.String("caller", "", "Calling principal (default: $AUTONOMOUS_CALLER)")
	f.String("origin", "", "Originating principal when relayed (default: same as --caller)")
	f.String("trigger", "deterministic_contract_cycle", "Trigger presented to the policy gate: deterministic_contract_cycle, external or manual")
	f.String("require-binding", "", "Override the execute binding requirement (true|false)")
	f.Bool("emergency-override", false, "Run while paused (emergency principal only)")
}

func runCycle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if g, _ := cmd.Flags().GetString("governor"); g != "" {
		cfg.Governor.ID = g
	}

	in, trigger, err := cycleInputFromFlags(cmd)
	if err != nil {
		return reportCycleError(out, err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return reportCycleError(out, err)
	}
	defer a.Close()

	if !cmd.Flags().Changed("nonce") {
		st, err := a.machine.Snapshot(ctx)
		if err != nil {
			return reportCycleError(out, err)
		}
		in.Request.TransitionNonce = st.LastTransitionNonce + 1
	}

	res, runErr := a.runner.RunOnce(ctx, trigger, in)
	if err := writeJSON(out, newCycleOutput(res, runErr)); err != nil {
		return err
	}
	if runErr != nil {
		return errReported
	}
	return nil
}

// reportCycleError prints err as the cycle command's {ok:false} object.
func reportCycleError(out io.Writer, err error) error {
	if werr := writeJSON(out, newCycleOutput(nil, err)); werr != nil {
		return werr
	}
	return errReported
}

func cycleInputFromFlags(cmd *cobra.Command) (runner.Input, policy.Trigger, error) {
	f := cmd.Flags()
	str := func(name, fallback string) string {
		if v, _ := f.GetString(name); v != "" {
			return v
		}
		return fallback
	}

	trigger, err := parseTrigger(str("trigger", ""))
	if err != nil {
		return runner.Input{}, "", err
	}

	amountRaw := cfg.Autonomous.AmountRaw.String()
	if f.Changed("amount") {
		amountRaw, _ = f.GetString("amount")
	}
	amount, err := parseAmountFlag(amountRaw)
	if err != nil {
		return runner.Input{}, "", err
	}

	requireBinding, err := parseOptionalBool("require-binding", str("require-binding", ""))
	if err != nil {
		return runner.Input{}, "", err
	}

	caller := str("caller", cfg.Autonomous.Caller)
	if caller == "" {
		return runner.Input{}, "", fmt.Errorf("--caller is required when AUTONOMOUS_CALLER is unset")
	}
	origin := str("origin", caller)

	nonce, _ := f.GetUint64("nonce")
	override, _ := f.GetBool("emergency-override")
	routeData := []byte(str("route-data", cfg.Autonomous.RouteData))

	return runner.Input{
		Caller: model.Caller{Sender: caller, Origin: origin},
		Request: model.CycleRequest{
			CycleID:           str("cycle-id", cfg.Autonomous.CycleID),
			TransitionNonce:   nonce,
			AmountRaw:         amount,
			TokenIn:           str("token-in", cfg.Autonomous.TokenIn),
			TokenOut:          str("token-out", cfg.Autonomous.TokenOut),
			RouteData:         routeData,
			RouteDataHash:     model.RouteDataHash(routeData),
			EmergencyOverride: override,
		},
		RequireBinding: requireBinding,
	}, trigger, nil
}
