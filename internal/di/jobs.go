// Package di provides dependency injection for background jobs.
package di

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/database"
	"github.com/aristath/rebalancer/internal/reliability"
	"github.com/aristath/rebalancer/internal/scheduler"
	"github.com/aristath/rebalancer/internal/version"
)

// RegisterJobs creates the scheduler and registers the market-open and
// maintenance jobs.
// The market-open job is always created so the schedule API can manage
// scheduled.json; it is only put on the cron schedule when scheduling is enabled.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	jobs := &JobInstances{
		Scheduler: scheduler.New(container.Calendar.Location(), log),
	}

	jobs.MarketOpen = scheduler.NewMarketOpenJob(
		cfg.ScheduledFile,
		container.Accounts,
		container.Orchestrator,
		container.Calendar,
		cfg.Schedule.Strategies,
		log,
	)
	if err := jobs.MarketOpen.EnsureFile(); err != nil {
		return nil, fmt.Errorf("failed to prepare scheduled accounts file: %w", err)
	}

	if cfg.Schedule.Enabled {
		id, err := jobs.Scheduler.AddJob(cfg.Schedule.Schedule, jobs.MarketOpen)
		if err != nil {
			return nil, fmt.Errorf("failed to register %s job: %w", jobs.MarketOpen.Name(), err)
		}
		jobs.EntryID = id
	} else {
		log.Info().Msg("Market-open scheduler disabled")
	}

	// Daily maintenance: integrity checks, WAL checkpoints and snapshots,
	// shipped to the archive bucket when one is configured
	if cfg.Backup.Enabled {
		var archiver *reliability.Archiver
		if container.S3Uploader != nil {
			archiver = reliability.NewArchiver(container.S3Uploader, cfg.ArchiveS3Bucket, cfg.Backup.Prefix, version.Version, log)
		}
		jobs.Maintenance = reliability.NewMaintenanceJob(
			[]*database.DB{container.PDTDB, container.ExecutionsDB},
			archiver,
			reliability.MaintenanceConfig{
				BackupDir:     filepath.Join(cfg.DataDir, "backups"),
				RetentionDays: cfg.Backup.RetentionDays,
			},
			log,
		)
		if _, err := jobs.Scheduler.AddJob(cfg.Backup.Schedule, jobs.Maintenance); err != nil {
			return nil, fmt.Errorf("failed to register %s job: %w", jobs.Maintenance.Name(), err)
		}
	}

	return jobs, nil
}

// Scheduled reports whether any job is on the cron schedule
func (j *JobInstances) Scheduled() bool {
	return j.EntryID != 0 || j.Maintenance != nil
}

// NextRun returns the next market-open activation, zero when not scheduled
func (j *JobInstances) NextRun() time.Time {
	if j == nil || j.EntryID == 0 {
		return time.Time{}
	}
	return j.Scheduler.Next(j.EntryID)
}
