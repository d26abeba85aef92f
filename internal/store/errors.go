package store

import "codeberg.org/mutker/modmon/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("store_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("store_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("store_schema_validation_failed")
	ErrTransactionFailed      = errors.ErrorCode("store_transaction_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed
	ErrQueryFailed  = errors.ErrorCode("store_query_failed")

	// Record Errors
	ErrInvalidReading      = errors.ErrorCode("store_invalid_reading")
	ErrInvalidNotification = errors.ErrorCode("store_invalid_notification")
	ErrNotificationMissing = errors.ErrorCode("store_notification_not_found")
)
