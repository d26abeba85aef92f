package modbus

import (
	"codeberg.org/mutker/modmon/internal/errors"
)

const (
	// Connection errors: timeout, refused, reset. Recoverable, retried at the
	// device's own cadence.
	ErrConnectionFailed = errors.ErrorCode("modbus_connection_failed")

	// Protocol errors: exception responses and malformed frames. Usually a
	// misconfigured register or slave id rather than network loss.
	ErrProtocolFailure   = errors.ErrorCode("modbus_protocol_failure")
	ErrMalformedResponse = errors.ErrorCode("modbus_malformed_response")

	ErrUnsupportedDataType = errors.ErrorCode("modbus_unsupported_data_type")
)

// IsConnectionFailure reports whether err was classified as a network-level
// failure
func IsConnectionFailure(err error) bool {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		return appErr.Code() == ErrConnectionFailed
	}

	return false
}

// IsProtocolFailure reports whether err was classified as a protocol-level
// failure
func IsProtocolFailure(err error) bool {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		code := appErr.Code()
		return code == ErrProtocolFailure || code == ErrMalformedResponse
	}

	return false
}
