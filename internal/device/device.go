package device

import (
	"fmt"
	"time"

	"codeberg.org/mutker/modmon/internal/errors"
)

// ConnectionStatus tracks the health of the link to a device
type ConnectionStatus string

const (
	StatusOffline ConnectionStatus = "offline"
	StatusOnline  ConnectionStatus = "online"
	StatusError   ConnectionStatus = "error"
)

// AlertStatus is the threshold evaluation result for the latest reading
type AlertStatus string

const (
	AlertNormal   AlertStatus = "normal"
	AlertWarning  AlertStatus = "warning"
	AlertCritical AlertStatus = "critical"
)

// Severity orders alert statuses for escalation checks
func (s AlertStatus) Severity() int {
	switch s {
	case AlertWarning:
		return 1
	case AlertCritical:
		return 2
	default:
		return 0
	}
}

// DataType identifies the register encoding of a device value
type DataType string

const (
	TypeInt16   DataType = "int16"
	TypeUint16  DataType = "uint16"
	TypeInt32   DataType = "int32"
	TypeUint32  DataType = "uint32"
	TypeFloat32 DataType = "float32"
)

// RegisterCount returns how many 16-bit registers the type occupies
func (t DataType) RegisterCount() uint16 {
	switch t {
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	default:
		return 1
	}
}

func (t DataType) IsValid() bool {
	switch t {
	case TypeInt16, TypeUint16, TypeInt32, TypeUint32, TypeFloat32:
		return true
	default:
		return false
	}
}

// WordOrder selects which register carries the high word of 32-bit values
type WordOrder string

const (
	BigEndian    WordOrder = "big"    // high word first
	LittleEndian WordOrder = "little" // low word first
)

func (o WordOrder) IsValid() bool {
	return o == BigEndian || o == LittleEndian
}

// Quality marks whether a reading can be trusted
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// Thresholds holds the alerting bounds for a device. Nil means unset.
type Thresholds struct {
	WarningLower  *float64
	WarningUpper  *float64
	CriticalLower *float64
	CriticalUpper *float64
	Hysteresis    float64
}

// Configured reports whether any bound is set
func (t Thresholds) Configured() bool {
	return t.WarningLower != nil || t.WarningUpper != nil ||
		t.CriticalLower != nil || t.CriticalUpper != nil
}

// Config describes one Modbus TCP device to poll
type Config struct {
	Name             string     `mapstructure:"name"`
	Host             string     `mapstructure:"host"`
	Port             int        `mapstructure:"port"`
	SlaveID          int        `mapstructure:"slave_id"`
	Register         int        `mapstructure:"register"`
	DataType         DataType   `mapstructure:"data_type"`
	WordOrder        WordOrder  `mapstructure:"word_order"`
	Unit             string     `mapstructure:"unit"`
	SamplingInterval int        `mapstructure:"sampling_interval"` // seconds
	WarningLower     *float64   `mapstructure:"warning_lower"`
	WarningUpper     *float64   `mapstructure:"warning_upper"`
	CriticalLower    *float64   `mapstructure:"critical_lower"`
	CriticalUpper    *float64   `mapstructure:"critical_upper"`
	Hysteresis       float64    `mapstructure:"hysteresis"`
	RetentionDays    int        `mapstructure:"retention_days"`
}

// Target is the connection endpoint in host:port form
func (c Config) Target() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Thresholds extracts the alerting bounds from the config
func (c Config) Thresholds() Thresholds {
	return Thresholds{
		WarningLower:  c.WarningLower,
		WarningUpper:  c.WarningUpper,
		CriticalLower: c.CriticalLower,
		CriticalUpper: c.CriticalUpper,
		Hysteresis:    c.Hysteresis,
	}
}

// Interval returns the sampling interval as a duration
func (c Config) Interval() time.Duration {
	return time.Duration(c.SamplingInterval) * time.Second
}

// SameTarget reports whether two configs poll the same endpoint. A worker
// keeps its runtime state across updates only while the target is unchanged.
func (c Config) SameTarget(other Config) bool {
	return c.Host == other.Host && c.Port == other.Port && c.SlaveID == other.SlaveID
}

const (
	minSamplingInterval = 1
	maxSamplingInterval = 3600
	maxSlaveID          = 247
	maxRegister         = 65535
)

// Validate rejects configs that must not reach a poll worker
func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Name == "" {
		return errFactory.WithMessage(ErrInvalidDevice, "device name is required")
	}
	if c.Host == "" {
		return errFactory.WithData(ErrInvalidDevice, validationData{c.Name, "host", "host is required"})
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errFactory.WithData(ErrInvalidDevice, validationData{c.Name, "port", "port must be 1-65535"})
	}
	if c.SlaveID < 1 || c.SlaveID > maxSlaveID {
		return errFactory.WithData(ErrInvalidDevice, validationData{c.Name, "slave_id", "slave id must be 1-247"})
	}
	if c.Register < 0 || c.Register > maxRegister {
		return errFactory.WithData(ErrInvalidDevice, validationData{c.Name, "register", "register out of range"})
	}
	if !c.DataType.IsValid() {
		return errFactory.WithData(ErrInvalidDevice, validationData{c.Name, "data_type", string(c.DataType)})
	}
	if c.WordOrder != "" && !c.WordOrder.IsValid() {
		return errFactory.WithData(ErrInvalidDevice, validationData{c.Name, "word_order", string(c.WordOrder)})
	}
	if c.SamplingInterval < minSamplingInterval || c.SamplingInterval > maxSamplingInterval {
		return errFactory.WithData(ErrInvalidInterval, validationData{c.Name, "sampling_interval", "interval must be 1-3600 seconds"})
	}
	if c.Hysteresis < 0 {
		return errFactory.WithData(ErrInvalidThresholds, validationData{c.Name, "hysteresis", "hysteresis must be >= 0"})
	}

	return c.validateThresholds()
}

func (c Config) validateThresholds() error {
	errFactory := errors.New()

	if c.WarningLower != nil && c.WarningUpper != nil && *c.WarningLower > *c.WarningUpper {
		return errFactory.WithData(ErrInvalidThresholds, validationData{c.Name, "warning", "warning_lower > warning_upper"})
	}
	if c.CriticalLower != nil && c.CriticalUpper != nil && *c.CriticalLower > *c.CriticalUpper {
		return errFactory.WithData(ErrInvalidThresholds, validationData{c.Name, "critical", "critical_lower > critical_upper"})
	}
	if c.CriticalLower != nil && c.WarningLower != nil && *c.CriticalLower > *c.WarningLower {
		return errFactory.WithData(ErrInvalidThresholds, validationData{c.Name, "critical_lower", "critical_lower > warning_lower"})
	}
	if c.CriticalUpper != nil && c.WarningUpper != nil && *c.CriticalUpper < *c.WarningUpper {
		return errFactory.WithData(ErrInvalidThresholds, validationData{c.Name, "critical_upper", "critical_upper < warning_upper"})
	}

	return nil
}

type validationData struct {
	Device string
	Field  string
	Reason string
}

// Reading is one sampled value emitted toward the persistence sink
type Reading struct {
	DeviceName string
	Timestamp  time.Time
	Value      float64
	Quality    Quality
}

// Snapshot is the latest known state of one device, published by its worker
// and read by the fan-out
type Snapshot struct {
	DeviceName string           `json:"device_name"`
	Unit       string           `json:"unit"`
	Timestamp  time.Time        `json:"timestamp"`
	Value      float64          `json:"value"`
	Quality    Quality          `json:"quality"`
	Status     AlertStatus      `json:"status"`
	Connection ConnectionStatus `json:"connection"`
}

// Notification records a device that crossed the consecutive-failure
// threshold. ClearedAt is nil while the notification is active.
type Notification struct {
	ID             string
	DeviceName     string
	FailureCount   int
	FirstFailureAt time.Time
	LastFailureAt  time.Time
	ClearedAt      *time.Time
}
