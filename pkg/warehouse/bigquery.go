// Package warehouse syncs exported Parquet files into BigQuery with the
// same delete-then-append partition-replace discipline the local store
// uses. The remote table is the source of truth for what is loaded;
// skip decisions query it live rather than trusting local state.
package warehouse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/finopsctl/billingpipe/pkg/billing"
	"github.com/finopsctl/billingpipe/pkg/config"
	"github.com/finopsctl/billingpipe/pkg/errors"
	"github.com/finopsctl/billingpipe/pkg/logger"
)

// SyncStatus is the per-item outcome of a sync batch.
type SyncStatus string

const (
	SyncStatusLoaded  SyncStatus = "loaded"
	SyncStatusSkipped SyncStatus = "skipped"
	SyncStatusFailed  SyncStatus = "failed"
)

// Syncer loads exported Parquet files into one BigQuery table.
type Syncer struct {
	client    *bigquery.Client
	datasetID string
	tableID   string
	exportDir string
	vendor    string
}

func NewSyncer(ctx context.Context, cfg *config.BigQueryConfig, exportDir, vendor string) (*Syncer, error) {
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create bigquery client").
			WithDetail("project", cfg.ProjectID)
	}

	return &Syncer{
		client:    client,
		datasetID: cfg.DatasetID,
		tableID:   cfg.TableID,
		exportDir: exportDir,
		vendor:    vendor,
	}, nil
}

func (s *Syncer) Close() error {
	return s.client.Close()
}

func (s *Syncer) table() *bigquery.Table {
	return s.client.Dataset(s.datasetID).Table(s.tableID)
}

func (s *Syncer) tableRef() string {
	return fmt.Sprintf("%s.%s.%s", s.client.Project(), s.datasetID, s.tableID)
}

// LoadedExecutions queries the remote table for the execution id loaded
// per billing period. An absent table yields an empty map.
func (s *Syncer) LoadedExecutions(ctx context.Context) (map[string]string, error) {
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return map[string]string{}, nil
	}

	q := s.client.Query(fmt.Sprintf(`
		SELECT DISTINCT
			FORMAT_TIMESTAMP('%%Y-%%m', %s) AS billing_period,
			%s AS execution_id
		FROM `+"`%s`"+`
		WHERE %s IS NOT NULL
		ORDER BY billing_period DESC`,
		billing.PeriodColumn, billing.ExecutionColumn, s.tableRef(), billing.ExecutionColumn))

	it, err := q.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query loaded executions").
			WithDetail("table", s.tableRef())
	}

	loaded := make(map[string]string)
	for {
		var row struct {
			BillingPeriod string `bigquery:"billing_period"`
			ExecutionID   string `bigquery:"execution_id"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read loaded executions")
		}
		if _, ok := loaded[row.BillingPeriod]; !ok {
			loaded[row.BillingPeriod] = row.ExecutionID
		}
	}
	return loaded, nil
}

// SyncExecutions loads each manifest's export file, skipping any whose
// execution id the remote table already holds for its period. Failures
// are isolated per execution.
func (s *Syncer) SyncExecutions(ctx context.Context, manifests []*billing.Manifest, overwrite bool) map[string]SyncStatus {
	results := make(map[string]SyncStatus, len(manifests))
	if len(manifests) == 0 {
		return results
	}

	if err := s.ensureTable(ctx); err != nil {
		logger.Error("failed to ensure warehouse table", zap.Error(err))
		for _, m := range manifests {
			results[m.Period.String()+":"+m.ID] = SyncStatusFailed
		}
		return results
	}

	loaded, err := s.LoadedExecutions(ctx)
	if err != nil {
		logger.Warn("failed to query loaded executions, loading all", zap.Error(err))
		loaded = map[string]string{}
	}

	for _, m := range manifests {
		key := m.Period.String() + ":" + m.ID
		if !overwrite && loaded[m.Period.String()] == m.ID {
			logger.Info("execution already in warehouse, skipping",
				zap.String("period", m.Period.String()),
				zap.String("execution_id", m.ID))
			results[key] = SyncStatusSkipped
			continue
		}

		file := filepath.Join(s.exportDir, billing.ExecutionFileName(m.Period, m.ID, m.Vendor))
		if err := s.replacePartition(ctx, m.Period, file); err != nil {
			logger.Error("sync failed",
				zap.String("period", m.Period.String()),
				zap.String("execution_id", m.ID),
				zap.Error(err))
			results[key] = SyncStatusFailed
			continue
		}
		results[key] = SyncStatusLoaded
	}
	return results
}

// SyncPeriods loads the per-period export variant for each period.
func (s *Syncer) SyncPeriods(ctx context.Context, periods []billing.Period) map[string]SyncStatus {
	results := make(map[string]SyncStatus, len(periods))
	if len(periods) == 0 {
		return results
	}

	if err := s.ensureTable(ctx); err != nil {
		logger.Error("failed to ensure warehouse table", zap.Error(err))
		for _, p := range periods {
			results[p.String()] = SyncStatusFailed
		}
		return results
	}

	for _, p := range periods {
		file := filepath.Join(s.exportDir, billing.PeriodFileName(p, s.vendor))
		if err := s.replacePartition(ctx, p, file); err != nil {
			logger.Error("sync failed", zap.String("period", p.String()), zap.Error(err))
			results[p.String()] = SyncStatusFailed
			continue
		}
		results[p.String()] = SyncStatusLoaded
	}
	return results
}

// replacePartition deletes the period's remote partition, then appends
// the Parquet file.
func (s *Syncer) replacePartition(ctx context.Context, period billing.Period, file string) error {
	if _, err := os.Stat(file); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNotFound, "export file not found").
			WithDetail("path", file)
	}

	deleted, err := s.deletePartition(ctx, period)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logger.Info("deleted existing warehouse rows",
			zap.String("period", period.String()),
			zap.Int64("rows", deleted))
	}

	rows, err := s.loadFile(ctx, file)
	if err != nil {
		return err
	}
	logger.Info("loaded export into warehouse",
		zap.String("period", period.String()),
		zap.Int64("rows", rows))
	return nil
}

func (s *Syncer) deletePartition(ctx context.Context, period billing.Period) (int64, error) {
	q := s.client.Query(fmt.Sprintf(
		"DELETE FROM `%s` WHERE %s >= @period_start AND %s < @period_end",
		s.tableRef(), billing.PeriodColumn, billing.PeriodColumn))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "period_start", Value: period.Start()},
		{Name: "period_end", Value: period.End()},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to start partition delete").
			WithDetail("period", period.String())
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "partition delete did not complete")
	}
	if err := status.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "partition delete failed").
			WithDetail("period", period.String())
	}

	if stats, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return stats.NumDMLAffectedRows, nil
	}
	return 0, nil
}

func (s *Syncer) loadFile(ctx context.Context, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to open export file").
			WithDetail("path", path)
	}
	defer f.Close()

	source := bigquery.NewReaderSource(f)
	source.SourceFormat = bigquery.Parquet

	loader := s.table().LoaderFrom(source)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.SchemaUpdateOptions = []string{"ALLOW_FIELD_ADDITION"}

	job, err := loader.Run(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to start load job").
			WithDetail("path", path)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "load job did not complete")
	}
	if err := status.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "load job failed").
			WithDetail("path", path)
	}

	if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
		return stats.OutputRows, nil
	}
	return 0, nil
}

func (s *Syncer) tableExists(ctx context.Context) (bool, error) {
	_, err := s.table().Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if gErr, ok := err.(*googleapi.Error); ok && gErr.Code == 404 {
		return false, nil
	}
	return false, errors.Wrap(err, errors.ErrorTypeConnection, "failed to check warehouse table").
		WithDetail("table", s.tableRef())
}

// ensureTable creates the destination table on first use: the first
// available export file is loaded into a scratch table with schema
// autodetection, the inferred schema is copied onto a new table with
// monthly partitioning and clustering, and the scratch table is dropped.
func (s *Syncer) ensureTable(ctx context.Context) error {
	exists, err := s.tableExists(ctx)
	if err != nil || exists {
		return err
	}

	seed, err := s.firstExportFile()
	if err != nil {
		return err
	}
	logger.Info("creating warehouse table",
		zap.String("table", s.tableRef()),
		zap.String("schema_source", seed))

	scratch := s.client.Dataset(s.datasetID).Table(s.tableID + "_schema_probe")
	if err := s.loadScratch(ctx, scratch, seed); err != nil {
		return err
	}
	defer func() {
		if err := scratch.Delete(ctx); err != nil {
			logger.Warn("failed to drop schema probe table", zap.Error(err))
		}
	}()

	meta, err := scratch.Metadata(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read inferred schema")
	}

	err = s.table().Create(ctx, &bigquery.TableMetadata{
		Schema: meta.Schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.MonthPartitioningType,
			Field: billing.PeriodColumn,
		},
		Clustering: &bigquery.Clustering{
			Fields: []string{billing.UsageStartColumn},
		},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create warehouse table").
			WithDetail("table", s.tableRef())
	}
	return nil
}

func (s *Syncer) loadScratch(ctx context.Context, scratch *bigquery.Table, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to open export file").
			WithDetail("path", path)
	}
	defer f.Close()

	source := bigquery.NewReaderSource(f)
	source.SourceFormat = bigquery.Parquet
	source.AutoDetect = true

	loader := scratch.LoaderFrom(source)
	loader.WriteDisposition = bigquery.WriteTruncate

	job, err := loader.Run(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to start schema inference load")
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "schema inference load did not complete")
	}
	if err := status.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "schema inference load failed")
	}
	return nil
}

// firstExportFile picks the lexically first export for this vendor to
// seed schema inference.
func (s *Syncer) firstExportFile() (string, error) {
	entries, err := os.ReadDir(s.exportDir)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to read export directory").
			WithDetail("dir", s.exportDir)
	}

	var names []string
	suffix := "_" + s.vendor + "_billing.parquet"
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", errors.New(errors.ErrorTypeNotFound, "no export files available to infer schema").
			WithDetail("dir", s.exportDir)
	}
	sort.Strings(names)
	return filepath.Join(s.exportDir, names[0]), nil
}
