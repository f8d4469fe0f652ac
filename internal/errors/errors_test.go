package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPostgresErrors(t *testing.T) {
	tests := []struct {
		name        string
		code        pq.ErrorCode
		wantType    ErrorType
		recoverable bool
	}{
		{"undefined table", CodeUndefinedTable, ErrorTypeNotFound, false},
		{"undefined column", CodeUndefinedColumn, ErrorTypeNotFound, false},
		{"missing database", CodeInvalidCatalogName, ErrorTypeNotFound, false},
		{"permission", CodeInsufficientPriv, ErrorTypePermission, false},
		{"lock timeout", CodeLockNotAvailable, ErrorTypeTimeout, true},
		{"bad password", CodeInvalidPassword, ErrorTypeAuth, false},
		{"connection failure class", "08006", ErrorTypeConnection, true},
		{"admin shutdown", "57P01", ErrorTypeConnection, true},
		{"syntax error", "42601", ErrorTypeSQL, false},
	}

	classifier := NewErrorClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("query failed: %w", &pq.Error{Code: tt.code, Message: tt.name})

			appErr := classifier.ClassifyError(err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.wantType, appErr.Type)
			assert.Equal(t, tt.recoverable, appErr.IsRecoverable())
			assert.Equal(t, string(tt.code), appErr.Context["sqlstate"])
		})
	}
}

func TestSQLStateHelpers(t *testing.T) {
	table := fmt.Errorf("wrapped: %w", &pq.Error{Code: CodeUndefinedTable})
	column := &pq.Error{Code: CodeUndefinedColumn}

	assert.True(t, IsUndefinedTable(table))
	assert.False(t, IsUndefinedColumn(table))
	assert.True(t, IsUndefinedColumn(column))
	assert.Equal(t, "", SQLState(errors.New("plain")))
}

func TestClassifyNonDatabaseErrors(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name     string
		err      error
		wantType ErrorType
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"canceled", context.Canceled, ErrorTypeInterruption},
		{"refused", &net.OpError{Op: "dial", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}, ErrorTypeConnection},
		{"missing file", &fs.PathError{Op: "open", Path: "/nope", Err: fs.ErrNotExist}, ErrorTypeNotFound},
		{"denied file", &fs.PathError{Op: "open", Path: "/root", Err: fs.ErrPermission}, ErrorTypePermission},
		{"other", errors.New("strange"), ErrorTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, classifier.ClassifyError(tt.err).Type)
		})
	}

	assert.Nil(t, classifier.ClassifyError(nil))
}

func TestAppErrorUnwrapAndContext(t *testing.T) {
	cause := errors.New("root cause")
	err := NewAppError(ErrorTypeValidation, "bad input", cause).WithContext("field", "schema")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "schema", err.Context["field"])
	assert.Contains(t, err.Error(), "root cause")
	assert.Equal(t, "bad input", FormatUserError(err))

	err.UserMessage = "fix the schema"
	assert.Equal(t, "fix the schema", FormatUserError(err))
}

func TestRetryHandler(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	t.Run("retries recoverable errors until success", func(t *testing.T) {
		calls := 0
		err := NewRetryHandler(fast).Retry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return &pq.Error{Code: "08001"}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		calls := 0
		err := NewRetryHandler(fast).Retry(context.Background(), func() error {
			calls++
			return &pq.Error{Code: CodeInvalidPassword}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, ErrorTypeAuth, GetErrorType(err))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := NewRetryHandler(fast).Retry(context.Background(), func() error {
			calls++
			return context.DeadlineExceeded
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.True(t, IsRecoverableError(err))
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewRetryHandler(fast).Retry(ctx, func() error { return nil })
		assert.Equal(t, ErrorTypeInterruption, GetErrorType(err))
	})
}

func TestCalculateDelayIsCapped(t *testing.T) {
	rh := NewRetryHandler(RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2})

	assert.Equal(t, time.Second, rh.calculateDelay(1))
	assert.Equal(t, 2*time.Second, rh.calculateDelay(2))
	assert.Equal(t, 3*time.Second, rh.calculateDelay(3))
}

func TestWrapErrorKeepsClassification(t *testing.T) {
	err := WrapError(&pq.Error{Code: CodeInsufficientPriv}, "reading sequence")
	assert.Equal(t, ErrorTypePermission, GetErrorType(err))
	assert.Nil(t, WrapError(nil, "x"))
}

func TestRetryHandlerNotifiesBeforeEachWait(t *testing.T) {
	rh := NewRetryHandler(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2})
	var attempts []int
	var delays []time.Duration
	rh.Notify = func(attempt int, delay time.Duration, err *AppError) {
		attempts = append(attempts, attempt)
		delays = append(delays, delay)
		assert.Equal(t, ErrorTypeConnection, err.Type)
	}

	err := rh.Retry(context.Background(), func() error {
		return &pq.Error{Code: "08001"}
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
	assert.Equal(t, 3, err.(*AppError).Context["attempts"])
}

func TestClassifiedPostgresErrorsCarryHints(t *testing.T) {
	appErr := NewErrorClassifier().ClassifyError(&pq.Error{Code: CodeInvalidCatalogName})
	assert.Equal(t, "Database does not exist: Create the database first or enable create_target_database_if_not_exists",
		appErr.GetUserMessage())

	other := NewErrorClassifier().ClassifyError(&pq.Error{Code: "42601", Message: "syntax error at or near \"FROM\""})
	assert.Equal(t, "PostgreSQL error: syntax error at or near \"FROM\"", other.GetUserMessage())
}
