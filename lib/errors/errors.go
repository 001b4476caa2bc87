// Package errors provides structured error types for sqlpool.
//
// This package provides:
//   - Sentinel errors for every failure kind the pool and its connections report
//   - Error codes for callers that need a numeric categorization
//   - Error wrapping with context preservation
//
// Callers should check kinds with errors.Is against the sentinels; the
// concrete wrapping chain is not part of the API.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors.
const (
	CodeInternal           = 1000 // Unclassified failure
	CodeConnect            = 1001 // Handshake, auth or dial failure
	CodeAcquisitionTimeout = 1002 // Waiter expired before a connection was free
	CodePoolDraining       = 1003 // Pool is shutting down
	CodeConnectionLost     = 1004 // Transport died
	CodeQuery              = 1005 // Backend rejected a statement
	CodeDoubleRelease      = 1006 // Connection released twice
	CodeWrongPool          = 1007 // Connection released to a foreign pool
	CodeCircuitOpen        = 1008 // Connect circuit breaker is open
	CodeConfiguration      = 1009 // Invalid configuration
	CodeUnknownBackend     = 1010 // No driver registered under that name
)

// Sentinel errors for pool and connection failures.
// Use errors.Is() to check for these conditions.
var (
	// ErrConnect indicates the connect handshake with the backend failed.
	// Only the attempt that produced it is affected.
	ErrConnect = errors.New("connect failed")

	// ErrAcquisitionTimeout indicates a queued acquisition expired.
	ErrAcquisitionTimeout = errors.New("timeout exceeded when trying to acquire a connection")

	// ErrPoolDraining indicates the pool has been ended.
	ErrPoolDraining = errors.New("pool is draining")

	// ErrConnectionLost indicates the transport under a connection failed.
	// The connection must be released with the destroy flag.
	ErrConnectionLost = errors.New("connection lost")

	// ErrQuery indicates the backend rejected a statement. The connection
	// remains usable.
	ErrQuery = errors.New("query failed")

	// ErrDoubleRelease indicates a connection was released while not checked out.
	ErrDoubleRelease = errors.New("connection released more than once")

	// ErrWrongPool indicates a connection was released to a pool that does not own it.
	ErrWrongPool = errors.New("connection does not belong to this pool")

	// ErrCircuitOpen indicates connect attempts are being rejected by the breaker.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnknownBackend indicates no backend is registered for a driver name.
	ErrUnknownBackend = errors.New("unknown backend driver")
)

// Error is a structured error with a code.
// It implements the error interface and unwraps to the underlying error.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a short description
	Message string `json:"message"`
	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Connect wraps a dial or handshake failure so that it matches ErrConnect
// while keeping the driver error reachable through errors.As.
func Connect(err error) error {
	if err == nil || errors.Is(err, ErrConnect) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnect, err)
}

// Query wraps a backend-reported statement failure.
func Query(err error) error {
	if err == nil || errors.Is(err, ErrQuery) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrQuery, err)
}

// Lost wraps a transport failure.
func Lost(err error) error {
	if err == nil || errors.Is(err, ErrConnectionLost) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    CodeOf(err),
		Message: err.Error(),
		Err:     err,
	}
}

// CodeOf maps an error chain to its error code.
func CodeOf(err error) int {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}

	switch {
	case errors.Is(err, ErrConnect):
		return CodeConnect
	case errors.Is(err, ErrAcquisitionTimeout):
		return CodeAcquisitionTimeout
	case errors.Is(err, ErrPoolDraining):
		return CodePoolDraining
	case errors.Is(err, ErrConnectionLost):
		return CodeConnectionLost
	case errors.Is(err, ErrQuery):
		return CodeQuery
	case errors.Is(err, ErrDoubleRelease):
		return CodeDoubleRelease
	case errors.Is(err, ErrWrongPool):
		return CodeWrongPool
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrUnknownBackend):
		return CodeUnknownBackend
	default:
		return CodeInternal
	}
}

// IsConnect returns true if the error is a connect failure.
func IsConnect(err error) bool {
	return errors.Is(err, ErrConnect)
}

// IsTimeout returns true if the error is an acquisition timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrAcquisitionTimeout)
}

// IsDraining returns true if the error was caused by pool shutdown.
func IsDraining(err error) bool {
	return errors.Is(err, ErrPoolDraining)
}

// IsConnectionLost returns true if the error indicates a dead transport.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}

// IsQuery returns true if the error was reported by the backend for a statement.
func IsQuery(err error) bool {
	return errors.Is(err, ErrQuery)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
