// Package di provides dependency injection for database connections.
package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/database"
)

// InitializeDatabases opens both databases and applies their schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. pdt.db - PDT execution records (a lost record could allow a second same-day trade)
	pdtDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "pdt.db"),
		Profile: database.ProfileLedger,
		Name:    "pdt",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pdt database: %w", err)
	}
	container.PDTDB = pdtDB

	// 2. executions.db - Archived execution results
	executionsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "executions.db"),
		Profile: database.ProfileStandard,
		Name:    "executions",
	})
	if err != nil {
		pdtDB.Close()
		return nil, fmt.Errorf("failed to initialize executions database: %w", err)
	}
	container.ExecutionsDB = executionsDB

	// Apply schemas
	for _, db := range []*database.DB{pdtDB, executionsDB} {
		if err := db.Migrate(); err != nil {
			pdtDB.Close()
			executionsDB.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized")
	return container, nil
}

// closeDatabases closes whichever databases were opened
func closeDatabases(container *Container) {
	if container.PDTDB != nil {
		container.PDTDB.Close()
	}
	if container.ExecutionsDB != nil {
		container.ExecutionsDB.Close()
	}
}
