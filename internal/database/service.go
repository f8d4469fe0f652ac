package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/batmantechnologies/databasetool/internal/errors"
	"github.com/batmantechnologies/databasetool/internal/logging"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DriverName is the database/sql driver used for every connection.
const DriverName = "postgres"

// Connector opens a verified connection for a connection URL. Executors only
// depend on this so tests can hand out sqlmock connections.
type Connector interface {
	Connect(ctx context.Context, dsn string) (*sql.DB, error)
}

// Service implements Connector with retry and pool settings suited to a
// short-lived batch tool.
type Service struct {
	connectionTimeout time.Duration
	driverName        string
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
}

// NewService creates a new database service with default settings
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	s := &Service{
		connectionTimeout: 30 * time.Second,
		driverName:        DriverName,
		logger:            logger,
	}
	s.setRetry(errors.DefaultRetryConfig())
	return s
}

// NewServiceWithOptions creates a new database service with custom options
func NewServiceWithOptions(logger *logging.Logger, timeout time.Duration, retry errors.RetryConfig) *Service {
	s := NewService(logger)
	s.connectionTimeout = timeout
	s.setRetry(retry)
	return s
}

func (s *Service) setRetry(cfg errors.RetryConfig) {
	s.retryHandler = errors.NewRetryHandler(cfg)
	s.retryHandler.Notify = func(attempt int, delay time.Duration, err *errors.AppError) {
		s.logger.WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.GetUserMessage(),
		}).Warn("Connection failed, retrying")
	}
}

// Connect establishes a connection with retry logic for transient failures
func (s *Service) Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	var db *sql.DB
	err := s.retryHandler.Retry(ctx, func() error {
		var openErr error
		db, openErr = sql.Open(s.driverName, dsn)
		if openErr != nil {
			return errors.WrapError(openErr, "failed to open database connection")
		}

		// One job talks to one database at a time; keep the pool small.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		if pingErr := s.TestConnection(ctx, db); pingErr != nil {
			db.Close()
			return pingErr
		}
		return nil
	})

	s.logger.LogDatabaseConnection(dsn, err == nil, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// TestConnection verifies that the database connection is working
func (s *Service) TestConnection(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}
	return nil
}

// Close closes db, logging rather than failing when the close itself errors.
func (s *Service) Close(db *sql.DB) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Warn("Failed to close database connection")
	}
}

// GetVersion retrieves the server version string
func (s *Service) GetVersion(ctx context.Context, db *sql.DB) (string, error) {
	var version string
	const query = "SHOW server_version"
	startTime := time.Now()

	err := db.QueryRowContext(ctx, query).Scan(&version)
	s.logger.LogSQLExecution(query, time.Since(startTime), err)
	if err != nil {
		return "", errors.WrapError(err, "failed to get server version")
	}
	return version, nil
}
