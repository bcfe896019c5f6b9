package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jkaninda/hookd/internal/protocol"
)

var (
	ErrUserScript   = errors.New("user script error")
	ErrTimeout      = errors.New("execution timed out")
	ErrTransport    = errors.New("worker transport failure")
	ErrInvalidPath  = errors.New("invalid path")
	ErrNotAFunction = errors.New("not a function")
	ErrPoolClosed   = errors.New("worker pool closed")
)

// ErrorKind classifies a terminal execution failure.
type ErrorKind string

const (
	KindUserScript ErrorKind = "user_script"
	KindTimeout    ErrorKind = "timeout"
	KindTransport  ErrorKind = "transport"
)

// genericFailure is the only message timeout and transport failures expose.
const genericFailure = "execution failed"

// ScriptError is the structured error a capability raises. It crosses the
// process boundary intact so the code can inspect statusCode and details.
type ScriptError struct {
	StatusCode int
	Name       string
	Message    string
	Details    any
}

// NewScriptError returns a ScriptError named after the status text.
func NewScriptError(status int, message string) *ScriptError {
	return &ScriptError{StatusCode: status, Name: errorName(status), Message: message}
}

func (e *ScriptError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Response converts the error to its wire form.
func (e *ScriptError) Response() *protocol.ErrorResponse {
	return &protocol.ErrorResponse{
		Message:    e.Message,
		Name:       e.Name,
		StatusCode: e.StatusCode,
		Details:    e.Details,
	}
}

// AbortError is returned by a capability that wants the whole execution to
// stop now with the wrapped error, instead of handing it back to the code.
type AbortError struct {
	Err *ScriptError
}

// Abort wraps err so the supervisor settles the execution with it.
func Abort(err *ScriptError) *AbortError {
	return &AbortError{Err: err}
}

func (e *AbortError) Error() string { return "execution aborted: " + e.Err.Error() }

func (e *AbortError) Unwrap() error { return e.Err }

// PathError is returned by Resolve. Err is ErrInvalidPath or ErrNotAFunction.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string { return fmt.Sprintf("%v: %q", e.Err, e.Path) }

func (e *PathError) Unwrap() error { return e.Err }

// Response converts the error to its wire form.
func (e *PathError) Response() *protocol.ErrorResponse {
	name := "InvalidPathError"
	if errors.Is(e.Err, ErrNotAFunction) {
		name = "NotAFunctionError"
	}
	return &protocol.ErrorResponse{Message: e.Error(), Name: name, StatusCode: http.StatusInternalServerError}
}

// ExecutionError is the single failure type Execute returns.
type ExecutionError struct {
	Kind ErrorKind

	// User-script fields.
	Message    string
	Name       string
	Stack      string
	StatusCode int
	Details    any
	Aborted    bool

	// Timeout fields.
	Timeout time.Duration
	Code    string

	// Transport fields.
	ExitCode int
	Signal   string
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case KindUserScript:
		if e.Name != "" {
			return fmt.Sprintf("user script error: %s: %s", e.Name, e.Message)
		}
		return "user script error: " + e.Message
	case KindTimeout:
		return fmt.Sprintf("execution timed out after %s", e.Timeout)
	default:
		msg := "worker transport failure"
		if e.Signal != "" {
			msg += " (signal " + e.Signal + ")"
		} else if e.ExitCode != 0 {
			msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
		}
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
}

// Unwrap exposes the kind sentinel and the underlying cause, if any.
func (e *ExecutionError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *ExecutionError) sentinel() error {
	switch e.Kind {
	case KindUserScript:
		return ErrUserScript
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrTransport
	}
}

// PublicError is the shape rendered to HTTP clients.
type PublicError struct {
	Status  int    `json:"status"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Public normalizes the error for clients. Timeout and transport failures
// never expose host internals.
func (e *ExecutionError) Public() PublicError {
	switch e.Kind {
	case KindUserScript:
		status := e.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusInternalServerError
		}
		name := e.Name
		if name == "" {
			name = "Error"
		}
		return PublicError{Status: status, Name: name, Message: e.Message, Details: e.Details}
	case KindTimeout:
		return PublicError{Status: http.StatusGatewayTimeout, Name: "TimeoutError", Message: genericFailure}
	default:
		return PublicError{Status: http.StatusInternalServerError, Name: "ExecutionError", Message: genericFailure}
	}
}

// AsExecutionError unwraps err to an ExecutionError.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// Classify maps any error to an ExecutionError. Errors that are not already
// classified are treated as transport failures.
func Classify(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	if ee, ok := AsExecutionError(err); ok {
		return ee
	}
	var abort *AbortError
	if errors.As(err, &abort) {
		return abortedError(abort.Err)
	}
	return &ExecutionError{Kind: KindTransport, Err: err}
}

func userScriptError(resp protocol.ErrorResponse) *ExecutionError {
	msg := resp.Message
	if msg == "" {
		msg = "script failed"
	}
	return &ExecutionError{
		Kind:       KindUserScript,
		Message:    msg,
		Name:       resp.Name,
		Stack:      resp.Stack,
		StatusCode: resp.StatusCode,
		Details:    resp.Details,
	}
}

func abortedError(se *ScriptError) *ExecutionError {
	ee := userScriptError(*se.Response())
	ee.Aborted = true
	return ee
}

func timeoutError(timeout time.Duration, code string) *ExecutionError {
	return &ExecutionError{Kind: KindTimeout, Timeout: timeout, Code: code}
}

func transportError(err error) *ExecutionError {
	ee := &ExecutionError{Kind: KindTransport, Err: err}
	var exit *ExitError
	if errors.As(err, &exit) {
		ee.ExitCode = exit.Code
		ee.Signal = exit.Signal
		ee.Stderr = exit.Stderr
	}
	return ee
}

// canceledError reports a caller cancellation as a transport failure
// that still matches context.Canceled / context.DeadlineExceeded.
func canceledError(ctx context.Context) *ExecutionError {
	return &ExecutionError{Kind: KindTransport, Err: ctx.Err()}
}

// ExitError describes how a worker process ended.
type ExitError struct {
	Code   int
	Signal string
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return "worker killed by signal " + e.Signal
	}
	return fmt.Sprintf("worker exited with code %d", e.Code)
}

func errorName(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BadRequestError"
	case http.StatusUnauthorized:
		return "UnauthorizedError"
	case http.StatusForbidden:
		return "ForbiddenError"
	case http.StatusNotFound:
		return "NotFoundError"
	case http.StatusConflict:
		return "ConflictError"
	case http.StatusUnprocessableEntity:
		return "ValidationError"
	case http.StatusTooManyRequests:
		return "TooManyRequestsError"
	default:
		return "HttpError"
	}
}
