// Package reliability keeps the local databases healthy and backed up.
package reliability

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/rebalancer/internal/database"
)

const dayLayout = "2006-01-02"

// Disk thresholds in bytes
const (
	criticalFreeBytes = 500 << 20
	lowFreeBytes      = 5 << 30
)

// MaintenanceConfig configures the daily maintenance job
type MaintenanceConfig struct {
	BackupDir     string // Daily snapshots go to {BackupDir}/daily/{yyyy-mm-dd}/
	RetentionDays int    // Local daily snapshots older than this are removed; 0 keeps all
	Timeout       time.Duration
}

// MaintenanceJob checks, checkpoints and snapshots every database once a day.
// A configured Archiver also ships each snapshot off the host.
type MaintenanceJob struct {
	databases []*database.DB
	archiver  *Archiver // nil keeps snapshots local
	cfg       MaintenanceConfig
	now       func() time.Time
	freeSpace func(path string) (uint64, error)
	log       zerolog.Logger
}

// NewMaintenanceJob creates the job. archiver may be nil.
func NewMaintenanceJob(databases []*database.DB, archiver *Archiver, cfg MaintenanceConfig, log zerolog.Logger) *MaintenanceJob {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &MaintenanceJob{
		databases: databases,
		archiver:  archiver,
		cfg:       cfg,
		now:       time.Now,
		freeSpace: freeBytes,
		log:       log.With().Str("job", "daily_maintenance").Logger(),
	}
}

// Name returns the job name for scheduler
func (j *MaintenanceJob) Name() string {
	return "daily_maintenance"
}

// Run executes the daily maintenance job, bounded by the configured timeout
func (j *MaintenanceJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()
	return j.RunContext(ctx)
}

// RunContext runs maintenance with an explicit context
func (j *MaintenanceJob) RunContext(ctx context.Context) error {
	j.log.Info().Msg("Starting daily maintenance")
	startTime := j.now()

	// Step 1: Disk space; a nearly full disk must not receive new snapshots
	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	// Step 2: Integrity check and WAL checkpoint
	for _, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", db.Name()).Msg("CRITICAL: Database integrity check failed")
			return fmt.Errorf("integrity check failed: %w", err)
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}

	// Step 3: Snapshot into today's directory and verify it
	day := j.now().Format(dayLayout)
	dailyDir := filepath.Join(j.cfg.BackupDir, "daily", day)
	files, err := j.snapshot(ctx, dailyDir)
	if err != nil {
		return err
	}

	// Step 4: Ship the snapshot
	if j.archiver != nil {
		if err := j.archiver.Upload(ctx, day, files); err != nil {
			j.log.Error().Err(err).Msg("Failed to upload backup archive")
			return err
		}
	}

	// Step 5: Drop expired local snapshots
	j.rotate()

	j.log.Info().
		Dur("duration_ms", j.now().Sub(startTime)).
		Str("backup_dir", dailyDir).
		Msg("Daily maintenance completed successfully")
	return nil
}

// snapshot writes a consistent copy of every database with VACUUM INTO
func (j *MaintenanceJob) snapshot(ctx context.Context, dir string) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	files := make(map[string]string, len(j.databases))
	for _, db := range j.databases {
		path := filepath.Join(dir, db.Name()+".db")
		// VACUUM INTO refuses to overwrite
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to replace backup %s: %w", path, err)
		}
		if _, err := db.Conn().ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
			return nil, fmt.Errorf("failed to back up %s: %w", db.Name(), err)
		}
		if err := verifyBackup(ctx, path); err != nil {
			return nil, fmt.Errorf("backup of %s is unusable: %w", db.Name(), err)
		}
		j.log.Debug().Str("database", db.Name()).Str("path", path).Msg("Backup verified")
		files[db.Name()] = path
	}
	return files, nil
}

// verifyBackup opens a snapshot and runs an integrity check on it
func verifyBackup(ctx context.Context, path string) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer conn.Close()

	var result string
	if err := conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

// rotate removes daily directories older than the retention window
func (j *MaintenanceJob) rotate() {
	if j.cfg.RetentionDays <= 0 {
		return
	}
	dailyRoot := filepath.Join(j.cfg.BackupDir, "daily")
	entries, err := os.ReadDir(dailyRoot)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to list backups")
		return
	}

	cutoff := j.now().AddDate(0, 0, -j.cfg.RetentionDays)
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.ParseInLocation(dayLayout, e.Name(), j.now().Location())
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dailyRoot, e.Name())); err != nil {
			j.log.Error().Err(err).Str("backup", e.Name()).Msg("Failed to delete old backup")
			continue
		}
		removed = append(removed, e.Name())
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		j.log.Info().Strs("removed", removed).Msg("Rotated local backups")
	}
}

// checkDiskSpace verifies sufficient disk space is available
func (j *MaintenanceJob) checkDiskSpace() error {
	dir := j.cfg.BackupDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	free, err := j.freeSpace(dir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(free) / 1e9
	j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	if free < criticalFreeBytes {
		j.log.Error().Float64("available_gb", availableGB).Msg("CRITICAL: Insufficient disk space - skipping backups")
		return fmt.Errorf("only %.2f GB free on %s", availableGB, dir)
	}
	if free < lowFreeBytes {
		j.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}
	return nil
}

func freeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
