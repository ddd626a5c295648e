// Package errors provides the structured error type used across the forwarding layer.
//
// Every error that crosses a package boundary is an *IOFError carrying a code, the
// failure class (local transport, remote, capability ...), the component and
// operation that produced it and, when known, the POSIX errno the caller should see.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// ErrorCode identifies a failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave    ErrorCode = "CONFIG_SAVE"

	// Local transport failures, this node's view of the call
	ErrCodeTransportTimeout     ErrorCode = "TRANSPORT_TIMEOUT"
	ErrCodeTransportUnreachable ErrorCode = "TRANSPORT_UNREACHABLE"
	ErrCodeTransportSend        ErrorCode = "TRANSPORT_SEND_FAILED"
	ErrCodeTransportProtocol    ErrorCode = "TRANSPORT_PROTOCOL"

	// Remote failures, the server's view of the call
	ErrCodeRemoteFailure ErrorCode = "REMOTE_FAILURE"

	// Capability failures
	ErrCodeGAHIntegrity ErrorCode = "GAH_INTEGRITY_MISMATCH"
	ErrCodeGAHVersion   ErrorCode = "GAH_VERSION_MISMATCH"
	ErrCodeGAHRange     ErrorCode = "GAH_OUT_OF_RANGE"
	ErrCodeGAHExpired   ErrorCode = "GAH_EXPIRED"
	ErrCodeGAHInvalid   ErrorCode = "GAH_INVALID"

	// Resources
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeResourceLeaked    ErrorCode = "RESOURCE_LEAKED"

	// State and registration
	ErrCodeInvalidState       ErrorCode = "STATE_INVALID"
	ErrCodeNotInitialized     ErrorCode = "STATE_NOT_INITIALIZED"
	ErrCodeAlreadyStarted     ErrorCode = "STATE_ALREADY_STARTED"
	ErrCodeRegistrationFailed ErrorCode = "REGISTRATION_FAILED"
	ErrCodeProjectionOffline  ErrorCode = "PROJECTION_OFFLINE"
	ErrCodeReadOnly           ErrorCode = "PROJECTION_READ_ONLY"

	// Filesystem front-end
	ErrCodeMountFailed   ErrorCode = "MOUNT_FAILED"
	ErrCodeUnmountFailed ErrorCode = "UNMOUNT_FAILED"

	// Backend storage on the I/O node
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Operations
	ErrCodeOperationFailed ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted  ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInternalError   ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory is the failure class of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryLocal         ErrorCategory = "local_transport"
	CategoryRemote        ErrorCategory = "remote_protocol"
	CategoryCapability    ErrorCategory = "capability"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryStorage       ErrorCategory = "storage"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// IOFError is a structured error with context.
type IOFError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Errno is the POSIX status a filesystem caller receives for this error.
	Errno     syscall.Errno `json:"errno,omitempty"`
	Retryable bool          `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *IOFError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *IOFError) Unwrap() error {
	return e.Cause
}

// Is matches on the error code.
func (e *IOFError) Is(target error) bool {
	if iofErr, ok := target.(*IOFError); ok {
		return e.Code == iofErr.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *IOFError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("Errno=%d", int(e.Errno)))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Context) > 0 {
		ctx, _ := json.Marshal(e.Context)
		parts = append(parts, fmt.Sprintf("Context=%s", ctx))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("IOFError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *IOFError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates an error with the defaults for its code.
func NewError(code ErrorCode, message string) *IOFError {
	return &IOFError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Errno:     DefaultErrno(code),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a format string.
func Newf(code ErrorCode, format string, args ...interface{}) *IOFError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given code around cause. A nil cause yields nil.
func Wrap(cause error, code ErrorCode, message string) *IOFError {
	if cause == nil {
		return nil
	}
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category from the code prefix.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "TRANSPORT_"):
		return CategoryLocal
	case strings.HasPrefix(codeStr, "REMOTE_"):
		return CategoryRemote
	case strings.HasPrefix(codeStr, "GAH_"):
		return CategoryCapability
	case strings.HasPrefix(codeStr, "RESOURCE_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "STATE_") || strings.HasPrefix(codeStr, "REGISTRATION_") ||
		strings.HasPrefix(codeStr, "PROJECTION_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "MOUNT_") || strings.HasPrefix(codeStr, "UNMOUNT_"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "STORAGE_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether the eviction policy may resend on this code.
// Remote and capability failures are never retried automatically.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeTransportTimeout:     true,
		ErrCodeTransportUnreachable: true,
		ErrCodeTransportSend:        true,
	}
	return retryableCodes[code]
}

// DefaultErrno returns the errno a caller sees for code.
func DefaultErrno(code ErrorCode) syscall.Errno {
	errnoMap := map[ErrorCode]syscall.Errno{
		ErrCodeInvalidConfig:        syscall.EINVAL,
		ErrCodeTransportTimeout:     syscall.EAGAIN,
		ErrCodeTransportUnreachable: syscall.EHOSTDOWN,
		ErrCodeTransportSend:        syscall.EIO,
		ErrCodeTransportProtocol:    syscall.EIO,
		ErrCodeRemoteFailure:        syscall.EIO,
		ErrCodeGAHIntegrity:         syscall.EHOSTDOWN,
		ErrCodeGAHVersion:           syscall.EHOSTDOWN,
		ErrCodeGAHRange:             syscall.EHOSTDOWN,
		ErrCodeGAHExpired:           syscall.EHOSTDOWN,
		ErrCodeGAHInvalid:           syscall.EHOSTDOWN,
		ErrCodeResourceExhausted:    syscall.ENOMEM,
		ErrCodeResourceLeaked:       syscall.EBUSY,
		ErrCodeInvalidState:         syscall.EINVAL,
		ErrCodeNotInitialized:       syscall.EINVAL,
		ErrCodeAlreadyStarted:       syscall.EBUSY,
		ErrCodeProjectionOffline:    syscall.EHOSTDOWN,
		ErrCodeReadOnly:             syscall.EROFS,
		ErrCodeRetryExhausted:       syscall.EIO,
	}

	if errno, ok := errnoMap[code]; ok {
		return errno
	}
	return syscall.EIO
}

// Errno extracts the errno for err. A bare syscall.Errno is returned as is; anything
// that is not an *IOFError maps to EIO. A nil error is 0.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	var iofErr *IOFError
	if stderrors.As(err, &iofErr) && iofErr.Errno != 0 {
		return iofErr.Errno
	}
	return syscall.EIO
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var iofErr *IOFError
	if stderrors.As(err, &iofErr) {
		return iofErr.Retryable
	}
	return false
}

// IsCategory reports whether err is an *IOFError of the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var iofErr *IOFError
	if stderrors.As(err, &iofErr) {
		return iofErr.Category == category
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *IOFError) WithContext(key, value string) *IOFError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *IOFError) WithDetail(key string, value interface{}) *IOFError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *IOFError) WithComponent(component string) *IOFError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *IOFError) WithOperation(operation string) *IOFError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *IOFError) WithCause(cause error) *IOFError {
	e.Cause = cause
	return e
}

// WithErrno overrides the errno surfaced to filesystem callers.
func (e *IOFError) WithErrno(errno syscall.Errno) *IOFError {
	e.Errno = errno
	return e
}

// WithRetryable overrides the default retry hint.
func (e *IOFError) WithRetryable(retryable bool) *IOFError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *IOFError) WithStack() *IOFError {
	e.Stack = CaptureStack(2)
	return e
}

// DetailedDiagnostic returns a multi-line diagnostic message.
func (e *IOFError) DetailedDiagnostic() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Error: %s", e.Message))
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))
	parts = append(parts, fmt.Sprintf("Category: %s", e.Category))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component: %s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("Errno: %d (%s)", int(e.Errno), e.Errno.Error()))
	}

	if len(e.Context) > 0 {
		parts = append(parts, "\nContext:")
		for k, v := range e.Context {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, v))
		}
	}

	if len(e.Details) > 0 {
		parts = append(parts, "\nDetails:")
		for k, v := range e.Details {
			parts = append(parts, fmt.Sprintf("  %s: %v", k, v))
		}
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("\nUnderlying cause: %s", e.Cause.Error()))
	}

	return strings.Join(parts, "\n")
}
