package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/batmantechnologies/databasetool/internal/logging"
)

// TargetOptions controls how PrepareTarget treats an existing or missing
// target database.
type TargetOptions struct {
	DropIfExists      bool
	CreateIfNotExists bool
	Owner             string
}

// Admin runs server-level statements on a connection to the maintenance
// database.
type Admin struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewAdmin wraps an open connection to the maintenance database.
func NewAdmin(db *sql.DB, logger *logging.Logger) *Admin {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Admin{db: db, logger: logger}
}

// Exists reports whether a database called name exists on the server.
func (a *Admin) Exists(ctx context.Context, name string) (bool, error) {
	const query = "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)"
	var exists bool
	start := time.Now()
	err := a.db.QueryRowContext(ctx, query, name).Scan(&exists)
	a.logger.LogSQLExecution(query, time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("failed to check whether database %q exists: %w", name, err)
	}
	return exists, nil
}

// Drop terminates other sessions on name and drops it.
func (a *Admin) Drop(ctx context.Context, name string) error {
	if name == AdminDatabase {
		return fmt.Errorf("refusing to drop the %q maintenance database", AdminDatabase)
	}

	const terminate = "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()"
	if _, err := a.db.ExecContext(ctx, terminate, name); err != nil {
		a.logger.WithField("database", name).Warnf("Could not terminate sessions: %v", err)
	}

	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pq.QuoteIdentifier(name))
	start := time.Now()
	_, err := a.db.ExecContext(ctx, stmt)
	a.logger.LogSQLExecution(stmt, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to drop database %q: %w", name, err)
	}
	return nil
}

// Create creates name, owned by owner when owner is non-empty.
func (a *Admin) Create(ctx context.Context, name, owner string) error {
	stmt := "CREATE DATABASE " + pq.QuoteIdentifier(name)
	if owner != "" {
		stmt += " OWNER " + pq.QuoteIdentifier(owner)
	}
	start := time.Now()
	_, err := a.db.ExecContext(ctx, stmt)
	a.logger.LogSQLExecution(stmt, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to create database %q: %w", name, err)
	}
	return nil
}

// ListDatabases returns every database that accepts connections and is not a
// template, ordered by name.
func (a *Admin) ListDatabases(ctx context.Context) ([]string, error) {
	const query = "SELECT datname FROM pg_database WHERE datistemplate = false AND datallowconn = true ORDER BY datname"
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan database name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PrepareTarget makes name ready to receive a restore: dropped and recreated,
// created, or left alone according to opts. It fails when the database is
// missing and creation is not allowed.
func (a *Admin) PrepareTarget(ctx context.Context, name string, opts TargetOptions) error {
	exists, err := a.Exists(ctx, name)
	if err != nil {
		return err
	}

	log := a.logger.WithField("database", name)
	if exists && opts.DropIfExists {
		log.Info("Dropping existing target database")
		if err := a.Drop(ctx, name); err != nil {
			return err
		}
		exists = false
	}

	if exists {
		log.Info("Restoring into existing target database")
		return nil
	}
	if !opts.CreateIfNotExists {
		return fmt.Errorf("target database %q does not exist and create_target_database_if_not_exists is false", name)
	}

	log.Info("Creating target database")
	return a.Create(ctx, name, opts.Owner)
}

// Provisioner opens a short-lived admin connection per call. Executors use
// it so each job owns, and closes, its own maintenance connection.
type Provisioner struct {
	connector Connector
	logger    *logging.Logger
}

func NewProvisioner(connector Connector, logger *logging.Logger) *Provisioner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Provisioner{connector: connector, logger: logger}
}

func (p *Provisioner) withAdmin(ctx context.Context, serverURL string, fn func(*Admin) error) error {
	adminURL, err := AdminURL(serverURL)
	if err != nil {
		return err
	}
	db, err := p.connector.Connect(ctx, adminURL)
	if err != nil {
		return fmt.Errorf("failed to connect to the %q maintenance database: %w", AdminDatabase, err)
	}
	defer db.Close()
	return fn(NewAdmin(db, p.logger))
}

// PrepareTarget runs Admin.PrepareTarget on the server serverURL points at.
// An empty opts.Owner defaults to the login role of serverURL.
func (p *Provisioner) PrepareTarget(ctx context.Context, serverURL, name string, opts TargetOptions) error {
	if opts.Owner == "" {
		opts.Owner = UserName(serverURL)
	}
	return p.withAdmin(ctx, serverURL, func(a *Admin) error {
		return a.PrepareTarget(ctx, name, opts)
	})
}

// ListDatabases runs Admin.ListDatabases on the server serverURL points at.
func (p *Provisioner) ListDatabases(ctx context.Context, serverURL string) ([]string, error) {
	var names []string
	err := p.withAdmin(ctx, serverURL, func(a *Admin) error {
		var err error
		names, err = a.ListDatabases(ctx)
		return err
	})
	return names, err
}
