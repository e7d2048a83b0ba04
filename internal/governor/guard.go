package governor

import (
	"errors"
	"fmt"
)

// GuardCode is a stable, machine-checkable reason a governor call was aborted.
type GuardCode string

const (
	GuardCallerIdentity    GuardCode = "manual_override_path_rejected"
	GuardInvalidAmount     GuardCode = "invalid_amount"
	GuardAmountAboveLimit  GuardCode = "amount_above_guard"
	GuardPaused            GuardCode = "emergency_pause_active"
	GuardCooldown          GuardCode = "cooldown_active"
	GuardNotIdle           GuardCode = "cycle_not_idle"
	GuardInvalidNonce      GuardCode = "invalid_transition_nonce"
	GuardRouteHashMismatch GuardCode = "route_data_hash_mismatch"
	GuardEmergencyRole     GuardCode = "emergency_role_required"
	GuardNotHalted         GuardCode = "not_halted"
)

// GuardError aborts a governor call before any state change.
type GuardError struct {
	Code    GuardCode
	Message string
}

func (e *GuardError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func guardErr(code GuardCode, format string, args ...any) *GuardError {
	return &GuardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// GuardCodeOf extracts the guard code from err, or "" if err is not a guard violation.
func GuardCodeOf(err error) GuardCode {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// IsGuard reports whether err is a guard violation with the given code.
func IsGuard(err error, code GuardCode) bool {
	return GuardCodeOf(err) == code
}
