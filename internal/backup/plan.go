package backup

import (
	"context"
	"fmt"
	"strings"

	"github.com/batmantechnologies/databasetool/internal/config"
	"github.com/batmantechnologies/databasetool/internal/database"
)

// Lister enumerates the connectable databases on a server.
type Lister interface {
	ListDatabases(ctx context.Context, serverURL string) ([]string, error)
}

// Plan is the set of databases a backup batch will dump.
type Plan struct {
	Mapping config.DatabaseMapping
	// Skipped explains every name left out.
	Skipped []string
}

// PlanDatabases decides what to back up. An explicit mapping is used as
// given, minus template databases. An empty mapping means every database
// the server lists, without templates and without the maintenance database.
func PlanDatabases(ctx context.Context, lister Lister, serverURL string, mapping config.DatabaseMapping) (Plan, error) {
	var plan Plan

	names := mapping.Sources()
	discovered := mapping.Empty()
	if discovered {
		listed, err := lister.ListDatabases(ctx, serverURL)
		if err != nil {
			return plan, fmt.Errorf("failed to list databases: %w", err)
		}
		names = listed
	}

	var keep []string
	for _, name := range names {
		switch {
		case strings.HasPrefix(name, "template"):
			plan.Skipped = append(plan.Skipped, name+": template database")
		case discovered && name == database.AdminDatabase:
			plan.Skipped = append(plan.Skipped, name+": maintenance database, list it explicitly to back it up")
		case database.ValidateName(name) != nil:
			plan.Skipped = append(plan.Skipped, name+": unsupported database name")
		default:
			keep = append(keep, name)
		}
	}

	m, err := config.IdentityMapping(keep...)
	if err != nil {
		return plan, err
	}
	plan.Mapping = m
	return plan, nil
}
