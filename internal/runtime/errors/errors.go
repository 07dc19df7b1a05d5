package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrProviderRequired   = sterrors.New("cfxflow: provider is required")
	ErrHandlerRequired    = sterrors.New("cfxflow: handler function is required")
	ErrMethodNameRequired = sterrors.New("cfxflow: method name is required")
	ErrEventNameRequired  = sterrors.New("cfxflow: event name is required")
	ErrTickNameRequired   = sterrors.New("cfxflow: tick name is required")
	ErrInvalidInterval    = sterrors.New("cfxflow: tick interval must be a non-negative duration")
	ErrInvalidSchedule    = sterrors.New("cfxflow: tick schedule is invalid")
	ErrStepRequired       = sterrors.New("cfxflow: once step is required")
	ErrRpcNameRequired    = sterrors.New("cfxflow: rpc name is required")
	ErrModuleRequired     = sterrors.New("cfxflow: module is required")
	ErrModuleNameRequired = sterrors.New("cfxflow: module name is required")
	ErrBusRequired        = sterrors.New("cfxflow: event bus is required")
	ErrSchedulerRequired  = sterrors.New("cfxflow: scheduler is required")
	ErrConfigRequired     = sterrors.New("cfxflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("cfxflow: logger is required")
	ErrTargetRequired     = sterrors.New("cfxflow: rpc calls from the server require a target client")
	ErrServerOnly         = sterrors.New("cfxflow: operation is only available on the server")
	ErrBusClosed          = sterrors.New("cfxflow: event bus is closed")
	ErrListenerNotFound   = sterrors.New("cfxflow: event listener not found")
	ErrTickLoaderShutdown = sterrors.New("cfxflow: tick loader is shutting down, cannot load new ticks")
	ErrAppRunning         = sterrors.New("cfxflow: modules cannot be added while the application is running")
	ErrAppStopped         = sterrors.New("cfxflow: application was stopped while starting")

	ErrTimeout      = sterrors.New("cfxflow: operation timed out")
	ErrValidation   = sterrors.New("cfxflow: validation failed")
	ErrShutdown     = sterrors.New("cfxflow: system is shutting down")
	ErrStepFailed   = sterrors.New("cfxflow: once step completed with errors")
	ErrCyclicImport = sterrors.New("cfxflow: cyclic module import")
)

// RPC error codes carried on the wire.
const (
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeTimeout        = "TIMEOUT"
	CodeValidation     = "VALIDATION_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
	CodeShutdown       = "SYSTEM_SHUTDOWN"
	CodeUnknown        = "UNKNOWN_ERROR"
)

// TimeoutError reports an operation that exceeded its configured timeout.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Name, e.Timeout.Milliseconds())
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RpcError is the structured error propagated between RPC caller and callee.
type RpcError struct {
	Code    string
	Message string
	Details any

	cause error
}

// NewRpcError builds an RpcError without an underlying cause.
func NewRpcError(code, message string, details any) *RpcError {
	return &RpcError{Code: code, Message: message, Details: details}
}

// NewRpcTimeoutError reports a call that received no response in time.
func NewRpcTimeoutError(method string, timeout time.Duration) *RpcError {
	return &RpcError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("RPC call '%s' timed out after %dms", method, timeout.Milliseconds()),
		cause:   &TimeoutError{Name: "rpc " + method, Timeout: timeout},
	}
}

// NewRpcValidationError reports parameters rejected by a method validator.
func NewRpcValidationError(method string, params any) *RpcError {
	return &RpcError{
		Code:    CodeValidation,
		Message: fmt.Sprintf("Validation failed for RPC '%s'", method),
		Details: params,
		cause:   ErrValidation,
	}
}

// NewRpcShutdownError is used to reject calls still pending at unload.
func NewRpcShutdownError() *RpcError {
	return &RpcError{
		Code:    CodeShutdown,
		Message: "RPC system is shutting down",
		cause:   ErrShutdown,
	}
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Code, e.Message)
}

func (e *RpcError) Unwrap() error { return e.cause }

// Is matches sentinel kinds by code so errors decoded from the wire compare
// equal to locally created ones.
func (e *RpcError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Code == CodeTimeout
	case ErrValidation:
		return e.Code == CodeValidation
	case ErrShutdown:
		return e.Code == CodeShutdown
	}
	return false
}

// StepError is returned by a once step in which at least one handler failed.
// The individual failures are kept in the execution history.
type StepError struct {
	Step   string
	Failed int
	Total  int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s completed with %d errors. Check logs for details.", e.Step, e.Failed)
}

func (e *StepError) Is(target error) bool { return target == ErrStepFailed }

// CyclicImportError reports the import path that led back to a module that
// was still loading.
type CyclicImportError struct {
	Path []string
}

func (e *CyclicImportError) Error() string {
	return "cfxflow: cyclic module import: " + strings.Join(e.Path, " -> ")
}

func (e *CyclicImportError) Is(target error) bool { return target == ErrCyclicImport }

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "cfxflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
