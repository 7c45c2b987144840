package pitstore

import (
	"errors"
	"fmt"
)

// Common errors returned by the store.
var (
	// ErrInvalidObservation is returned when an observation fails the append
	// contract (empty entity id, empty feature name, or zero ObservedAt).
	ErrInvalidObservation = errors.New("invalid observation")

	// ErrStoreUnavailable is returned when a persistence backend cannot be
	// reached or fails an operation. The store never retries internally;
	// callers decide the retry policy (see Retryer).
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStoreClosed is returned when an operation is attempted on a
	// closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrStoreNotEmpty is returned by Restore when the target store already
	// holds observations.
	ErrStoreNotEmpty = errors.New("store is not empty")

	// ErrNoQualifyingValue reports an absent cell under the fail fill
	// policy. Absence during resolution is not an error; this sentinel only
	// appears in training table cell reports.
	ErrNoQualifyingValue = errors.New("no qualifying value at or before the requested time")

	// ErrCorruptedData is returned when persisted data cannot be decoded.
	ErrCorruptedData = errors.New("corrupted data")

	// ErrUnregisteredFeature is returned in strict registry mode when an
	// observation names a feature without a registered schema.
	ErrUnregisteredFeature = errors.New("feature is not registered")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrWALSync is returned when the write-ahead log fails to sync
	// to disk.
	ErrWALSync = errors.New("WAL sync failed")

	// ErrBackupNotFound is returned when a backup id does not exist.
	ErrBackupNotFound = errors.New("backup not found")
)

// ValidationError describes why an observation was rejected. It unwraps to
// ErrInvalidObservation so callers can match the whole class with errors.Is.
type ValidationError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid observation: %s: %s: %v", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("invalid observation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidObservation
}

func newValidationError(field, message string, cause error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Cause: cause}
}

// BackendErrorType classifies backend failures.
type BackendErrorType int

const (
	// BackendUnavailable covers connectivity and I/O failures.
	BackendUnavailable BackendErrorType = iota
	// BackendCorruption covers undecodable or truncated persisted data.
	BackendCorruption
	// BackendSync covers WAL flush and fsync failures.
	BackendSync
)

// BackendError describes a persistence failure. It unwraps to the matching
// sentinel (ErrStoreUnavailable, ErrCorruptedData, or ErrWALSync).
type BackendError struct {
	Type    BackendErrorType
	Op      string
	Message string
	Cause   error
}

func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

func (e *BackendError) Is(target error) bool {
	switch e.Type {
	case BackendUnavailable:
		return target == ErrStoreUnavailable
	case BackendCorruption:
		return target == ErrCorruptedData
	case BackendSync:
		return target == ErrWALSync
	}
	return false
}

func newBackendError(t BackendErrorType, op, message string, cause error) *BackendError {
	return &BackendError{Type: t, Op: op, Message: message, Cause: cause}
}

// WALSyncError carries the flush and sync failures from one WAL sync cycle.
// It is delivered to the sync error callback and logged.
type WALSyncError struct {
	FlushErr error
	SyncErr  error
}

func (e *WALSyncError) Error() string {
	switch {
	case e.FlushErr != nil && e.SyncErr != nil:
		return fmt.Sprintf("WAL sync: flush failed: %v; sync failed: %v", e.FlushErr, e.SyncErr)
	case e.FlushErr != nil:
		return fmt.Sprintf("WAL sync: flush failed: %v", e.FlushErr)
	case e.SyncErr != nil:
		return fmt.Sprintf("WAL sync: sync failed: %v", e.SyncErr)
	}
	return "WAL sync error"
}

func (e *WALSyncError) Unwrap() error {
	if e.SyncErr != nil {
		return e.SyncErr
	}
	return e.FlushErr
}

func (e *WALSyncError) Is(target error) bool {
	return target == ErrWALSync
}
