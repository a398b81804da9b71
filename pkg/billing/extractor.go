package billing

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/finopsctl/billingpipe/pkg/errors"
	"github.com/finopsctl/billingpipe/pkg/logger"
	"github.com/finopsctl/billingpipe/pkg/objectstore"
)

// ExtractStats aggregates one extraction batch. Errors counts per-file
// download failures plus one per partially staged manifest;
// ManifestsStaged counts manifests whose every file is staged.
type ExtractStats struct {
	ManifestsProcessed int
	ManifestsStaged    int
	FilesDownloaded    int
	Errors             int
}

// Extractor stages manifest data files locally under
// stagingDir/{billing_period}/{execution_id}/.
type Extractor struct {
	client     objectstore.Client
	stagingDir string
}

func NewExtractor(client objectstore.Client, stagingDir string) *Extractor {
	return &Extractor{client: client, stagingDir: stagingDir}
}

// ExecutionDir returns the staging directory for one execution.
func (e *Extractor) ExecutionDir(period Period, executionID string) string {
	return filepath.Join(e.stagingDir, period.String(), executionID)
}

// DataFilePaths maps a manifest's declared data files to their staged
// local paths. The paths are not checked for existence.
func (e *Extractor) DataFilePaths(m *Manifest) []string {
	dir := e.ExecutionDir(m.Period, m.ID)
	paths := make([]string, 0, len(m.DataFiles))
	for _, key := range m.DataFiles {
		paths = append(paths, filepath.Join(dir, path.Base(key)))
	}
	return paths
}

// StagedExecutionIDs lists the execution IDs already staged for a period.
func (e *Extractor) StagedExecutionIDs(period Period) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(e.stagingDir, period.String()))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read staging directory").
			WithDetail("period", period.String())
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// Extract downloads every manifest's data files into staging. A manifest
// whose execution directory already exists is skipped. Per-file download
// failures are counted and do not abort sibling manifests; once a
// manifest is fully staged, superseded execution directories for its
// period are removed.
func (e *Extractor) Extract(ctx context.Context, manifests []*Manifest) ExtractStats {
	var stats ExtractStats

	for _, m := range manifests {
		log := logger.With(
			zap.String("period", m.Period.String()),
			zap.String("execution_id", m.ID),
		)

		staged, err := e.StagedExecutionIDs(m.Period)
		if err != nil {
			log.Warn("failed to inspect staging, re-downloading", zap.Error(err))
		}
		if contains(staged, m.ID) {
			log.Info("already staged, skipping")
			stats.ManifestsProcessed++
			stats.ManifestsStaged++
			continue
		}

		dir := e.ExecutionDir(m.Period, m.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("failed to create staging directory", zap.Error(err))
			stats.Errors++
			continue
		}

		downloaded := 0
		for _, key := range m.DataFiles {
			localPath := filepath.Join(dir, path.Base(key))
			if err := e.client.Download(ctx, key, localPath); err != nil {
				log.Error("failed to download data file",
					zap.String("key", key), zap.Error(err))
				stats.Errors++
				continue
			}
			downloaded++
			stats.FilesDownloaded++
		}

		if downloaded == len(m.DataFiles) {
			stats.ManifestsStaged++
			log.Info("all data files staged", zap.Int("files", downloaded))
			if removed, err := e.cleanSuperseded(m.Period, m.ID); err != nil {
				log.Warn("failed to clean superseded executions", zap.Error(err))
			} else if removed > 0 {
				log.Info("removed superseded executions", zap.Int("count", removed))
			}
		} else {
			log.Warn("partial download",
				zap.Int("downloaded", downloaded),
				zap.Int("declared", len(m.DataFiles)))
			stats.Errors++
		}
		stats.ManifestsProcessed++
	}

	return stats
}

// cleanSuperseded removes every execution directory for a period except
// the one to keep.
func (e *Extractor) cleanSuperseded(period Period, keep string) (int, error) {
	ids, err := e.StagedExecutionIDs(period)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if id == keep {
			continue
		}
		if err := os.RemoveAll(e.ExecutionDir(period, id)); err != nil {
			return removed, errors.Wrap(err, errors.ErrorTypeFile, "failed to remove execution directory").
				WithDetail("execution_id", id)
		}
		removed++
	}
	return removed, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
