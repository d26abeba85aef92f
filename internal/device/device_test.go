package device_test

import (
	"testing"

	"codeberg.org/mutker/modmon/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func validConfig() device.Config {
	return device.Config{
		Name:             "boiler-1",
		Host:             "10.0.0.10",
		Port:             502,
		SlaveID:          1,
		Register:         100,
		DataType:         device.TypeFloat32,
		WordOrder:        device.BigEndian,
		Unit:             "°C",
		SamplingInterval: 10,
		WarningUpper:     f(30),
		CriticalUpper:    f(35),
		Hysteresis:       2,
		RetentionDays:    90,
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*device.Config)
	}{
		{"missing name", func(c *device.Config) { c.Name = "" }},
		{"missing host", func(c *device.Config) { c.Host = "" }},
		{"port out of range", func(c *device.Config) { c.Port = 70000 }},
		{"slave id zero", func(c *device.Config) { c.SlaveID = 0 }},
		{"slave id too large", func(c *device.Config) { c.SlaveID = 248 }},
		{"unknown data type", func(c *device.Config) { c.DataType = "int64" }},
		{"unknown word order", func(c *device.Config) { c.WordOrder = "middle" }},
		{"interval too short", func(c *device.Config) { c.SamplingInterval = 0 }},
		{"interval too long", func(c *device.Config) { c.SamplingInterval = 3601 }},
		{"negative hysteresis", func(c *device.Config) { c.Hysteresis = -1 }},
		{"warning bounds inverted", func(c *device.Config) { c.WarningLower = f(40); c.WarningUpper = f(30) }},
		{"critical bounds inverted", func(c *device.Config) { c.CriticalLower = f(50); c.CriticalUpper = f(35) }},
		{"critical lower inside warning", func(c *device.Config) { c.WarningLower = f(5); c.CriticalLower = f(10) }},
		{"critical upper inside warning", func(c *device.Config) { c.WarningUpper = f(30); c.CriticalUpper = f(25) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSameTarget(t *testing.T) {
	a := validConfig()
	b := validConfig()
	assert.True(t, a.SameTarget(b))

	b.SamplingInterval = 60
	b.WarningUpper = f(50)
	assert.True(t, a.SameTarget(b), "threshold and interval changes keep the target")

	b.Host = "10.0.0.11"
	assert.False(t, a.SameTarget(b))
}

func TestDataTypeRegisterCount(t *testing.T) {
	assert.Equal(t, uint16(1), device.TypeInt16.RegisterCount())
	assert.Equal(t, uint16(1), device.TypeUint16.RegisterCount())
	assert.Equal(t, uint16(2), device.TypeInt32.RegisterCount())
	assert.Equal(t, uint16(2), device.TypeUint32.RegisterCount())
	assert.Equal(t, uint16(2), device.TypeFloat32.RegisterCount())
}
