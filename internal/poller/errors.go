package poller

import "codeberg.org/mutker/modmon/internal/errors"

const (
	ErrDeviceRejected  = errors.ErrorCode("poller_device_rejected")
	ErrWorkerCrashed   = errors.ErrorCode("poller_worker_crashed")
	ErrShutdownTimeout = errors.ErrorCode("poller_shutdown_timeout")
)
