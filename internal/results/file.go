// Package results archives strategy execution results to disk, sqlite and S3.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/orchestrator"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileSink writes each result as {dir}/{strategy}_{timestamp}.json
type FileSink struct {
	dir string
	log zerolog.Logger
}

// NewFileSink creates a sink writing into dir
func NewFileSink(dir string, log zerolog.Logger) *FileSink {
	return &FileSink{
		dir: dir,
		log: log.With().Str("sink", "file").Logger(),
	}
}

// Save writes result atomically
func (s *FileSink) Save(ctx context.Context, result *orchestrator.StrategyExecutionResult) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create results dir: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	path := filepath.Join(s.dir, FileName(result))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move result into place: %w", err)
	}

	s.log.Debug().Str("path", path).Msg("Execution result written")
	return nil
}

// FileName returns the archive file name of result
func FileName(result *orchestrator.StrategyExecutionResult) string {
	name := result.StrategyName
	if name == "" {
		name = result.AccountID
	}
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if name == "" {
		name = "execution"
	}
	ts := strings.ReplaceAll(result.StartedAt.UTC().Format("20060102_150405.000"), ".", "_")
	return name + "_" + ts + ".json"
}
