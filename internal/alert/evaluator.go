// Package alert computes the threshold status of a reading. Evaluation is
// pure: the same value, thresholds and previous status always yield the same
// result, so workers can call it without coordination.
package alert

import (
	"math"

	"codeberg.org/mutker/modmon/internal/device"
)

// Evaluate returns the alert status for value given the configured thresholds
// and the status from the previous reading.
//
// Escalation is immediate: any single reading past a raw critical or warning
// bound moves to that tier. De-escalation is delayed by hysteresis: the value
// must come back inside the tier's exit band (bounds narrowed inward by the
// hysteresis margin) before the status steps down.
func Evaluate(value float64, t device.Thresholds, prev device.AlertStatus) device.AlertStatus {
	if !t.Configured() {
		return device.AlertNormal
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return prev
	}

	raw := rawTier(value, t)
	if raw.Severity() >= prev.Severity() {
		return raw
	}

	// De-escalation: the value must clear the exit band of every tier above
	// the one it would land in, otherwise the previous status holds. A value
	// resting between a tier's raw bound and its exit band never downgrades.
	if prev == device.AlertCritical {
		if !insideExitBand(value, t.CriticalLower, t.CriticalUpper, t.Hysteresis) {
			return device.AlertCritical
		}
		if raw == device.AlertWarning {
			return device.AlertWarning
		}
		if !insideExitBand(value, t.WarningLower, t.WarningUpper, t.Hysteresis) {
			return device.AlertCritical
		}

		return device.AlertNormal
	}

	if !insideExitBand(value, t.WarningLower, t.WarningUpper, t.Hysteresis) {
		return device.AlertWarning
	}

	return device.AlertNormal
}

// rawTier classifies value against the unmodified bounds, critical first
func rawTier(value float64, t device.Thresholds) device.AlertStatus {
	if outsideBounds(value, t.CriticalLower, t.CriticalUpper) {
		return device.AlertCritical
	}
	if outsideBounds(value, t.WarningLower, t.WarningUpper) {
		return device.AlertWarning
	}

	return device.AlertNormal
}

func outsideBounds(value float64, lower, upper *float64) bool {
	if lower != nil && value < *lower {
		return true
	}
	if upper != nil && value > *upper {
		return true
	}

	return false
}

// insideExitBand reports whether value has crossed back past the hysteresis
// margin of a tier. When the margin is wide enough to invert the band, the
// status is sticky: only a value strictly inside the raw bounds clears it.
func insideExitBand(value float64, lower, upper *float64, hysteresis float64) bool {
	if lower != nil && upper != nil && *lower+hysteresis > *upper-hysteresis {
		return value > *lower && value < *upper
	}

	if lower != nil && value < *lower+hysteresis {
		return false
	}
	if upper != nil && value > *upper-hysteresis {
		return false
	}

	return true
}
