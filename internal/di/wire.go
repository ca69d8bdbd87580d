// Package di provides dependency injection wiring and initialization.
package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/config"
)

// Wire initializes all dependencies and returns a fully configured container
// This is the main entry point for dependency injection
// Order of operations:
// 1. Initialize databases
// 2. Initialize services
// 3. Register jobs
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, *JobInstances, error) {
	// Step 1: Initialize databases
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	// Step 2: Initialize services
	if err := InitializeServices(ctx, container, cfg, log); err != nil {
		// Cleanup databases on error
		closeDatabases(container)
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 3: Register jobs
	jobs, err := RegisterJobs(container, cfg, log)
	if err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	return container, jobs, nil
}

// Close releases broker sessions, Redis and the databases. It is safe to call
// once all producers have stopped.
func (c *Container) Close() {
	if c.BrokerManager != nil {
		c.BrokerManager.CloseAll()
	}
	if c.Redis != nil {
		c.Redis.Close()
	}
	closeDatabases(c)
}
