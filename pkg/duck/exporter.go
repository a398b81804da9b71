package duck

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/finopsctl/billingpipe/pkg/billing"
	"github.com/finopsctl/billingpipe/pkg/errors"
	"github.com/finopsctl/billingpipe/pkg/logger"
)

// ExportStatus is the per-item outcome of an export batch.
type ExportStatus string

const (
	ExportStatusExported ExportStatus = "exported"
	ExportStatusSkipped  ExportStatus = "skipped"
	ExportStatusFailed   ExportStatus = "failed"
)

// sortColumns is the canonical export sort order. The explicit sort
// makes output deterministic and keeps downstream range scans cheap.
// Columns absent from the table (vendor schemas differ) are dropped
// from the ORDER BY.
var sortColumns = []string{
	"line_item_usage_start_date",
	"line_item_usage_account_id",
	"line_item_product_code",
}

// Exporter writes billing partitions out of the local store into sorted
// Parquet files.
type Exporter struct {
	store       *Store
	table       string
	dir         string
	compression string
}

func NewExporter(store *Store, table, dir string) (*Exporter, error) {
	if !ValidIdent(table) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "invalid table name %q", table)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create export directory").
			WithDetail("dir", dir)
	}
	return &Exporter{store: store, table: table, dir: dir, compression: "snappy"}, nil
}

// ExportExecutions exports one Parquet file per manifest, named
// {period}_{execution_id}_{vendor}_billing.parquet. Failures are
// isolated per execution.
func (e *Exporter) ExportExecutions(ctx context.Context, manifests []*billing.Manifest, overwrite bool) map[string]ExportStatus {
	results := make(map[string]ExportStatus, len(manifests))
	for _, m := range manifests {
		key := m.Period.String() + ":" + m.ID
		status, err := e.exportOne(ctx,
			billing.ExecutionFileName(m.Period, m.ID, m.Vendor),
			m.Period, m.ID, overwrite)
		results[key] = status
		if err != nil {
			logger.Error("export failed",
				zap.String("period", m.Period.String()),
				zap.String("execution_id", m.ID),
				zap.Error(err))
		}
	}
	return results
}

// ExportPeriods exports the per-period variant, one file per billing
// period regardless of execution id.
func (e *Exporter) ExportPeriods(ctx context.Context, periods []billing.Period, vendor string, overwrite bool) map[string]ExportStatus {
	results := make(map[string]ExportStatus, len(periods))
	for _, p := range periods {
		status, err := e.exportOne(ctx, billing.PeriodFileName(p, vendor), p, "", overwrite)
		results[p.String()] = status
		if err != nil {
			logger.Error("export failed",
				zap.String("period", p.String()),
				zap.Error(err))
		}
	}
	return results
}

// FilePath returns the output path an export produces or produced.
func (e *Exporter) FilePath(name string) string {
	return filepath.Join(e.dir, name)
}

// exportOne writes a single partition. Skips when the file exists and
// overwrite is off; fails when the partition has no rows.
func (e *Exporter) exportOne(ctx context.Context, filename string, period billing.Period, executionID string, overwrite bool) (ExportStatus, error) {
	outPath := e.FilePath(filename)
	if _, err := os.Stat(outPath); err == nil && !overwrite {
		logger.Info("export exists, skipping", zap.String("file", filename))
		return ExportStatusSkipped, nil
	}

	count, err := e.partitionRows(ctx, period, executionID)
	if err != nil {
		return ExportStatusFailed, err
	}
	if count == 0 {
		return ExportStatusFailed, errors.New(errors.ErrorTypeNotFound, "no rows to export").
			WithDetail("period", period.String()).
			WithDetail("execution_id", executionID)
	}

	if err := e.copyToParquet(ctx, outPath, period, executionID); err != nil {
		return ExportStatusFailed, err
	}
	logger.Info("exported partition",
		zap.String("file", filename),
		zap.Int64("rows", count))
	return ExportStatusExported, nil
}

func (e *Exporter) partitionRows(ctx context.Context, period billing.Period, executionID string) (int64, error) {
	query := "SELECT COUNT(*) FROM " + e.table +
		" WHERE " + PeriodColumn + " >= ? AND " + PeriodColumn + " < ?"
	args := []interface{}{period.Start(), period.End()}
	if executionID != "" {
		query += " AND " + ExecutionColumn + " = ?"
		args = append(args, executionID)
	}

	var count int64
	if err := e.store.DB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count export rows").
			WithDetail("period", period.String())
	}
	return count, nil
}

// copyToParquet runs the COPY statement. DuckDB cannot bind parameters
// inside COPY, so the predicate values are rendered as literals from
// their typed forms.
func (e *Exporter) copyToParquet(ctx context.Context, outPath string, period billing.Period, executionID string) error {
	where := PeriodColumn + " >= TIMESTAMP '" + period.Start().Format("2006-01-02 15:04:05") + "'" +
		" AND " + PeriodColumn + " < TIMESTAMP '" + period.End().Format("2006-01-02 15:04:05") + "'"
	if executionID != "" {
		where += " AND " + ExecutionColumn + " = '" + escapeLiteral(executionID) + "'"
	}

	orderBy, err := e.orderByClause(ctx)
	if err != nil {
		return err
	}

	copySQL := "COPY (SELECT * FROM " + e.table + " WHERE " + where + orderBy +
		") TO '" + escapeLiteral(outPath) + "' (FORMAT PARQUET, COMPRESSION '" + e.compression + "')"

	if _, err := e.store.DB().ExecContext(ctx, copySQL); err != nil {
		os.Remove(outPath)
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to copy partition to parquet").
			WithDetail("path", outPath)
	}
	return nil
}

func (e *Exporter) orderByClause(ctx context.Context) (string, error) {
	columns, err := e.store.TableColumns(ctx, e.table)
	if err != nil {
		return "", err
	}

	var present []string
	for _, col := range sortColumns {
		if _, ok := columns[col]; ok {
			present = append(present, col)
		}
	}
	if len(present) == 0 {
		return "", nil
	}
	return " ORDER BY " + strings.Join(present, ", "), nil
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
