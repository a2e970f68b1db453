package safety

import (
	"fmt"
	"math"
	"time"
)

// Invariants holds the small set of pre-dispatch/pre-actuation
// assertions every fire and every classification must satisfy,
// generalized from the teacher's bounded-parameter checking discipline
// down to the handful of invariants this domain actually needs: no
// cryptographic chaining, no strict-mode panic, just a returned error.
// No other package in the core calls these checks; only this package's
// tests exercise them.
type Invariants struct{}

// CheckFireOrder asserts a computed fire_ts is not before the trigger
// that produced it — a negative travel time indicates a configuration
// or clock error, never a legitimate schedule.
func (Invariants) CheckFireOrder(triggerTS, fireTS time.Duration) error {
	if fireTS < triggerTS {
		return fmt.Errorf("safety: fire_ts (%s) precedes trigger_ts (%s)", fireTS, triggerTS)
	}
	return nil
}

// CheckConfidence asserts a classifier confidence lies in [0,1] and is
// not NaN/Inf.
func (Invariants) CheckConfidence(confidence float64) error {
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		return fmt.Errorf("safety: confidence is NaN or Inf")
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("safety: confidence %f outside [0,1]", confidence)
	}
	return nil
}

// CheckOperationCountMonotonic asserts a diverter's operation counter
// never goes backwards between two observations.
func (Invariants) CheckOperationCountMonotonic(previous, next uint64) error {
	if next < previous {
		return fmt.Errorf("safety: operation_count regressed from %d to %d", previous, next)
	}
	return nil
}
