package alert_test

import (
	"math"
	"testing"

	"codeberg.org/mutker/modmon/internal/alert"
	"codeberg.org/mutker/modmon/internal/device"
	"github.com/stretchr/testify/assert"
)

func f(v float64) *float64 { return &v }

// warning_upper=30, critical_upper=35, hysteresis=2
func upperThresholds() device.Thresholds {
	return device.Thresholds{
		WarningUpper:  f(30),
		CriticalUpper: f(35),
		Hysteresis:    2,
	}
}

func TestEvaluateNoThresholds(t *testing.T) {
	status := alert.Evaluate(1000, device.Thresholds{}, device.AlertCritical)
	assert.Equal(t, device.AlertNormal, status)
}

func TestEvaluateScenarioSequence(t *testing.T) {
	th := upperThresholds()

	steps := []struct {
		value float64
		want  device.AlertStatus
	}{
		{28, device.AlertNormal},
		{31, device.AlertWarning},
		{36, device.AlertCritical},
		{34, device.AlertCritical}, // inside critical bound but above 35-2=33
		{29, device.AlertCritical}, // warning exit needs <= 30-2=28
		{27, device.AlertNormal},
	}

	status := device.AlertNormal
	for _, step := range steps {
		status = alert.Evaluate(step.value, th, status)
		assert.Equalf(t, step.want, status, "value %v", step.value)
	}
}

func TestEscalationIsImmediate(t *testing.T) {
	th := upperThresholds()

	assert.Equal(t, device.AlertWarning, alert.Evaluate(30.1, th, device.AlertNormal))
	assert.Equal(t, device.AlertCritical, alert.Evaluate(35.1, th, device.AlertNormal))
	assert.Equal(t, device.AlertCritical, alert.Evaluate(35.1, th, device.AlertWarning))
}

func TestDeescalationIsDelayed(t *testing.T) {
	th := upperThresholds()

	// A reading that only reaches warning_upper does not leave Critical.
	assert.Equal(t, device.AlertCritical, alert.Evaluate(30, th, device.AlertCritical))

	// Inside the critical exit band and below the raw warning bound, but not
	// past the warning exit band: still Critical.
	assert.Equal(t, device.AlertCritical, alert.Evaluate(29, th, device.AlertCritical))

	// Past the critical exit band into raw Warning territory.
	assert.Equal(t, device.AlertWarning, alert.Evaluate(32, th, device.AlertCritical))

	// Warning clears only at warning_upper - hysteresis.
	assert.Equal(t, device.AlertWarning, alert.Evaluate(29, th, device.AlertWarning))
	assert.Equal(t, device.AlertNormal, alert.Evaluate(28, th, device.AlertWarning))
}

func TestBoundaryIsStableAcrossRepeatedReadings(t *testing.T) {
	th := upperThresholds()

	// Holding exactly at a boundary must not oscillate.
	for _, value := range []float64{30, 33, 35, 28} {
		status := alert.Evaluate(value, th, device.AlertNormal)
		for i := 0; i < 5; i++ {
			next := alert.Evaluate(value, th, status)
			assert.Equalf(t, status, next, "value %v flapped on iteration %d", value, i)
			status = next
		}
	}
}

func TestLowerBounds(t *testing.T) {
	th := device.Thresholds{
		WarningLower:  f(10),
		CriticalLower: f(5),
		Hysteresis:    1,
	}

	assert.Equal(t, device.AlertWarning, alert.Evaluate(9, th, device.AlertNormal))
	assert.Equal(t, device.AlertCritical, alert.Evaluate(4, th, device.AlertNormal))

	// Leaving critical needs value >= critical_lower + hysteresis.
	assert.Equal(t, device.AlertCritical, alert.Evaluate(5.5, th, device.AlertCritical))
	assert.Equal(t, device.AlertWarning, alert.Evaluate(7, th, device.AlertCritical))

	// Leaving warning needs value >= warning_lower + hysteresis.
	assert.Equal(t, device.AlertWarning, alert.Evaluate(10.5, th, device.AlertWarning))
	assert.Equal(t, device.AlertNormal, alert.Evaluate(11, th, device.AlertWarning))
}

func TestInvertedExitBandIsSticky(t *testing.T) {
	// Hysteresis wider than the band: 10+3 > 12-3 inverts the exit band.
	th := device.Thresholds{
		WarningLower: f(10),
		WarningUpper: f(12),
		Hysteresis:   3,
	}

	// Values at the raw bounds never clear the status.
	assert.Equal(t, device.AlertWarning, alert.Evaluate(10, th, device.AlertWarning))
	assert.Equal(t, device.AlertWarning, alert.Evaluate(12, th, device.AlertWarning))

	// Only a value strictly inside both raw bounds clears it.
	assert.Equal(t, device.AlertNormal, alert.Evaluate(11, th, device.AlertWarning))
}

func TestNonFiniteValuesKeepPreviousStatus(t *testing.T) {
	th := upperThresholds()

	assert.Equal(t, device.AlertWarning, alert.Evaluate(math.NaN(), th, device.AlertWarning))
	assert.Equal(t, device.AlertCritical, alert.Evaluate(math.Inf(1), th, device.AlertCritical))
}
