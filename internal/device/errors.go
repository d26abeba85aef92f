package device

import "codeberg.org/mutker/modmon/internal/errors"

const (
	ErrInvalidDevice     = errors.ErrorCode("device_invalid_config")
	ErrInvalidThresholds = errors.ErrorCode("device_invalid_thresholds")
	ErrInvalidInterval   = errors.ErrorCode("device_invalid_interval")
)
