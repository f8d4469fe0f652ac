package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConnection represents database connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuth represents rejected credentials
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeSQL represents SQL execution errors
	ErrorTypeSQL ErrorType = "sql"
	// ErrorTypeNotFound represents a missing relation, column, database or file
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout and lock wait errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents user interruption
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// SQLSTATE codes the tool reacts to.
const (
	CodeUndefinedTable       = "42P01"
	CodeUndefinedColumn      = "42703"
	CodeInsufficientPriv     = "42501"
	CodeInvalidCatalogName   = "3D000"
	CodeDuplicateDatabase    = "42P04"
	CodeLockNotAvailable     = "55P03"
	CodeQueryCanceled        = "57014"
	CodeObjectInUse          = "55006"
	CodeInvalidPassword      = "28P01"
	CodeInvalidAuthorization = "28000"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	e := NewAppError(errorType, message, cause)
	e.Recoverable = true
	return e
}

// sqlStateRule maps one SQLSTATE, or a whole class by prefix, onto a type
// and the hint shown to the operator.
type sqlStateRule struct {
	code        string
	class       bool
	errType     ErrorType
	message     string
	hint        string
	recoverable bool
}

var sqlStateRules = []sqlStateRule{
	{code: CodeUndefinedTable, errType: ErrorTypeNotFound, message: "Relation does not exist",
		hint: "The table is missing from the target; check that the schema dump was applied"},
	{code: CodeUndefinedColumn, errType: ErrorTypeNotFound, message: "Column does not exist",
		hint: "The column is missing from the target; the dump may come from a different schema version"},
	{code: CodeInvalidCatalogName, errType: ErrorTypeNotFound, message: "Database does not exist",
		hint: "Create the database first or enable create_target_database_if_not_exists"},
	{code: CodeInsufficientPriv, errType: ErrorTypePermission, message: "Permission denied",
		hint: "The connecting role lacks privileges; sequence repair needs UPDATE on every sequence"},
	{code: CodeLockNotAvailable, errType: ErrorTypeTimeout, message: "Lock not available", recoverable: true,
		hint: "Another session holds a conflicting lock; retry when the database is idle"},
	{code: CodeQueryCanceled, errType: ErrorTypeTimeout, message: "Statement was canceled", recoverable: true,
		hint: "A statement timeout or cancellation stopped the query"},
	{code: CodeObjectInUse, errType: ErrorTypeSQL, message: "Database is being accessed by other users", recoverable: true,
		hint: "Close other sessions on the target or enable drop_target_database_if_exists"},
	{code: "08", class: true, errType: ErrorTypeConnection, message: "Cannot reach the PostgreSQL server", recoverable: true,
		hint: "Check the host, port and sslmode in the database URL"},
	{code: "57P", class: true, errType: ErrorTypeConnection, message: "Server is shutting down or restarting", recoverable: true,
		hint: "The server closed the connection; retry once it is back"},
	{code: "28", class: true, errType: ErrorTypeAuth, message: "Authentication failed",
		hint: "Check the user name and password in the database URL"},
	{code: "53", class: true, errType: ErrorTypeConnection, message: "Server is out of resources", recoverable: true,
		hint: "The server ran out of connections, memory or disk"},
}

func (r sqlStateRule) matches(code string) bool {
	if r.class {
		return strings.HasPrefix(code, r.code)
	}
	return code == r.code
}

// SQLState returns the SQLSTATE of a postgres error anywhere in the chain, or
// "" when err did not come from the server.
func SQLState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUndefinedTable reports whether err is SQLSTATE 42P01.
func IsUndefinedTable(err error) bool {
	return SQLState(err) == CodeUndefinedTable
}

// IsUndefinedColumn reports whether err is SQLSTATE 42703.
func IsUndefinedColumn(err error) bool {
	return SQLState(err) == CodeUndefinedColumn
}

// ErrorClassifier maps driver, network, context and filesystem errors onto
// ErrorType.
type ErrorClassifier struct{}

func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError returns err as an AppError. Errors that are already
// AppErrors are returned unchanged.
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	for _, classify := range []func(error) *AppError{
		ec.classifyPostgresError,
		ec.classifyContextError,
		ec.classifyNetworkError,
		ec.classifyFileSystemError,
	} {
		if classified := classify(err); classified != nil {
			return classified
		}
	}
	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

func (ec *ErrorClassifier) classifyPostgresError(err error) *AppError {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		for _, r := range sqlStateRules {
			if !r.matches(code) {
				continue
			}
			e := NewAppError(r.errType, r.message, err)
			e.Recoverable = r.recoverable
			e.UserMessage = r.message + ": " + r.hint
			return e.WithContext("sqlstate", code)
		}
		return NewAppError(ErrorTypeSQL, fmt.Sprintf("PostgreSQL error: %s", pqErr.Message), err).
			WithContext("sqlstate", code)
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return NewAppError(ErrorTypeNotFound, "No rows found", err)
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, pq.ErrSSLNotSupported):
		return NewRecoverableError(ErrorTypeConnection, "Database connection is unavailable", err)
	}
	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewRecoverableError(ErrorTypeConnection, "Connection refused", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection,
				"Network I/O error", err)
		}
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NewAppError(ErrorTypeNotFound, "File or directory not found", err)
	case errors.Is(err, fs.ErrPermission):
		return NewAppError(ErrorTypePermission, "Permission denied", err)
	case errors.Is(err, syscall.ENOSPC):
		return NewAppError(ErrorTypeValidation, "No space left on device", err)
	}
	return nil
}

// RetryConfig controls exponential backoff between attempts.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig suits connection attempts against a server that is
// starting up or briefly out of connections.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// RetryHandler reruns an operation while it fails with a recoverable error.
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
	// Notify, when set, is called before each wait.
	Notify func(attempt int, delay time.Duration, err *AppError)
}

func NewRetryHandler(config RetryConfig) *RetryHandler {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &RetryHandler{config: config, classifier: NewErrorClassifier()}
}

func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry runs operation up to MaxAttempts times. Permanent errors and
// cancellation end the loop at once; the last error is returned classified.
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var last *AppError
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewAppError(ErrorTypeInterruption, "Operation canceled", err)
		}

		err := operation()
		if err == nil {
			return nil
		}
		last = rh.classifier.ClassifyError(err)
		if !last.IsRecoverable() || attempt >= rh.config.MaxAttempts {
			break
		}

		delay := rh.calculateDelay(attempt)
		if rh.Notify != nil {
			rh.Notify(attempt, delay, last)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-timer.C:
		}
	}

	if last.IsRecoverable() {
		last.WithContext("attempts", rh.config.MaxAttempts)
	}
	return last
}

// calculateDelay is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	delay := float64(rh.config.BaseDelay) * math.Pow(rh.config.Multiplier, float64(attempt-1))
	if rh.config.MaxDelay > 0 && delay > float64(rh.config.MaxDelay) {
		return rh.config.MaxDelay
	}
	return time.Duration(delay)
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}
	return err.Error()
}

// WrapError wraps err under message, keeping its classification and
// whether it can be retried.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	classified := NewErrorClassifier().ClassifyError(err)
	wrapped := NewAppError(classified.Type, message, err)
	wrapped.Recoverable = classified.Recoverable
	wrapped.UserMessage = classified.UserMessage
	return wrapped
}
