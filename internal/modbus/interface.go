package modbus

import (
	"time"

	"codeberg.org/mutker/modmon/internal/device"
)

// Reader performs a single bounded-timeout value read from one device. A
// Reader serializes access to its socket internally, so it must not be shared
// between devices.
type Reader interface {
	Read() (float64, error)
	Close() error
}

// Dialer builds a Reader for a device config. Poll workers hold a Dialer so
// tests can substitute a stub transport.
type Dialer interface {
	Dial(cfg device.Config, timeout time.Duration) Reader
}

// TCPDialer dials real Modbus TCP connections
type TCPDialer struct{}

func (TCPDialer) Dial(cfg device.Config, timeout time.Duration) Reader {
	return NewClient(cfg, timeout)
}
