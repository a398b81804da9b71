package duck

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/finopsctl/billingpipe/pkg/billing"
	"github.com/finopsctl/billingpipe/pkg/errors"
	"github.com/finopsctl/billingpipe/pkg/logger"
	"github.com/finopsctl/billingpipe/pkg/schema"
)

// LoadStatus is the outcome of loading one manifest.
type LoadStatus string

const (
	LoadStatusLoaded LoadStatus = "loaded"
	LoadStatusFailed LoadStatus = "failed"
)

// LoadResult reports one manifest's load.
type LoadResult struct {
	ManifestID  string
	Period      billing.Period
	FilesLoaded int
	TotalFiles  int
	RowsLoaded  int64
	Status      LoadStatus
	Err         error
}

// Loader is the incremental load engine. For each manifest it ensures
// the table schema matches (create or append-only alter), deletes the
// manifest's billing-period partition, then bulk-loads the staged data
// files, tagging every row with the manifest's execution id.
type Loader struct {
	store *Store
	table string
}

func NewLoader(store *Store, table string) (*Loader, error) {
	if !ValidIdent(table) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "invalid table name %q", table)
	}
	return &Loader{store: store, table: table}, nil
}

// Load runs the full sequence for one manifest. dataFiles are the
// staged local paths of the manifest's declared files; a missing file is
// a warning, not a failure. knownColumns carries the column lists of
// every known manifest so a brand-new table is pre-populated with all
// columns known across history. A failure aborts the manifest's load
// with the partition's prior rows already deleted; re-running the same
// manifest from scratch is always safe because delete precedes insert.
func (l *Loader) Load(ctx context.Context, m *billing.Manifest, dataFiles []string, knownColumns [][]schema.SourceColumn) LoadResult {
	result := LoadResult{
		ManifestID: m.ID,
		Period:     m.Period,
		TotalFiles: len(dataFiles),
		Status:     LoadStatusFailed,
	}
	log := logger.With(
		zap.String("period", m.Period.String()),
		zap.String("execution_id", m.ID),
		zap.String("table", l.table),
	)

	manifestColumns := m.Columns
	if len(manifestColumns) == 0 {
		// Vendors without declared columns fall back to the first data
		// file's header, typed as strings.
		cols, err := l.columnsFromHeader(dataFiles)
		if err != nil {
			result.Err = err
			return result
		}
		manifestColumns = cols
	}

	mapping, err := l.ensureSchema(ctx, manifestColumns, knownColumns, log)
	if err != nil {
		result.Err = err
		return result
	}

	if err := l.deletePartition(ctx, m.Period, log); err != nil {
		result.Err = err
		return result
	}

	for _, path := range dataFiles {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Warn("data file not found in staging, skipping", zap.String("path", path))
			continue
		}
		rows, err := l.loadFile(ctx, path, m.ID, mapping, manifestColumns)
		if err != nil {
			result.Err = err
			return result
		}
		result.FilesLoaded++
		result.RowsLoaded += rows
	}

	log.Info("manifest loaded",
		zap.Int64("rows", result.RowsLoaded),
		zap.Int("files", result.FilesLoaded))
	result.Status = LoadStatusLoaded
	result.Err = nil
	return result
}

// ensureSchema creates the table if absent, pre-populated from every
// known manifest, then adds any columns this manifest introduces. The
// live column set is fetched fresh before each decision, never cached
// across loads.
func (l *Loader) ensureSchema(ctx context.Context, manifestColumns []schema.SourceColumn, knownColumns [][]schema.SourceColumn, log *zap.Logger) (map[string]string, error) {
	existing, err := l.store.TableColumns(ctx, l.table)
	if err != nil {
		return nil, err
	}

	if len(existing) == 0 {
		all := append([][]schema.SourceColumn{manifestColumns}, knownColumns...)
		unified := schema.Unify(all...)
		createSQL := schema.CreateTableSQL(l.table, unified)
		if _, err := l.store.DB().ExecContext(ctx, createSQL); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to create table").
				WithDetail("table", l.table)
		}
		log.Info("created table", zap.Int("columns", len(unified)))

		existing, err = l.store.TableColumns(ctx, l.table)
		if err != nil {
			return nil, err
		}
	}

	if _, ok := existing[ExecutionColumn]; !ok {
		if _, err := l.store.DB().ExecContext(ctx,
			"ALTER TABLE "+l.table+" ADD COLUMN "+ExecutionColumn+" VARCHAR"); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to add execution id column").
				WithDetail("table", l.table)
		}
		existing[ExecutionColumn] = struct{}{}
	}

	newColumns := schema.Diff(existing, manifestColumns)
	if len(newColumns) > 0 {
		log.Info("evolving table schema", zap.Int("new_columns", len(newColumns)))
		for _, stmt := range schema.AlterTableSQL(l.table, newColumns) {
			if _, err := l.store.DB().ExecContext(ctx, stmt); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to add column").
					WithDetail("table", l.table).
					WithDetail("statement", stmt)
			}
		}
	}

	return schema.ColumnMapping(manifestColumns), nil
}

// deletePartition removes every row in the manifest's billing period,
// regardless of execution id. It runs unconditionally so repeated loads
// of the same manifest produce identical partitions.
func (l *Loader) deletePartition(ctx context.Context, period billing.Period, log *zap.Logger) error {
	columns, err := l.store.TableColumns(ctx, l.table)
	if err != nil {
		return err
	}
	if _, ok := columns[PeriodColumn]; !ok {
		// Without the period column the partition cannot be addressed;
		// the table came from a vendor schema that lacks it entirely, so
		// there is nothing from another execution to replace either.
		log.Warn("table has no billing period column, skipping partition delete")
		return nil
	}

	res, err := l.store.DB().ExecContext(ctx,
		"DELETE FROM "+l.table+
			" WHERE "+PeriodColumn+" >= ? AND "+PeriodColumn+" < ?",
		period.Start(), period.End())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to delete billing period partition").
			WithDetail("table", l.table).
			WithDetail("period", period.String())
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		log.Info("replaced existing partition rows", zap.Int64("deleted", deleted))
	}
	return nil
}

// loadFile bulk-appends one staged CSV into the table. The file's own
// header decides column order; headers are translated through the
// manifest's column mapping and typed from its column declarations.
func (l *Loader) loadFile(ctx context.Context, path, executionID string, mapping map[string]string, manifestColumns []schema.SourceColumn) (int64, error) {
	header, err := readHeader(path)
	if err != nil {
		return 0, err
	}

	types := make(map[string]string, len(manifestColumns))
	for _, col := range manifestColumns {
		types[col.OriginalName()] = schema.StorageType(col.Category, col.Type)
	}

	targets := make([]string, 0, len(header)+1)
	specs := make([]string, 0, len(header))
	for _, original := range header {
		normalized, ok := mapping[original]
		if !ok {
			normalized = schema.Normalize(original)
		}
		storageType, ok := types[original]
		if !ok {
			storageType = "VARCHAR"
		}
		targets = append(targets, normalized)
		specs = append(specs, "'"+normalized+"': '"+storageType+"'")
	}
	targets = append(targets, ExecutionColumn)

	compression := "none"
	if strings.HasSuffix(path, ".gz") {
		compression = "gzip"
	}

	insertSQL := "INSERT INTO " + l.table + " (" + strings.Join(targets, ", ") + ")\n" +
		"SELECT *, ? FROM read_csv(?, columns = {" + strings.Join(specs, ", ") + "}, " +
		"header = true, delim = ',', compression = '" + compression + "')"

	res, err := l.store.DB().ExecContext(ctx, insertSQL, executionID, path)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to load data file").
			WithDetail("path", path)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// columnsFromHeader builds a string-typed column list from the first
// readable data file's header.
func (l *Loader) columnsFromHeader(dataFiles []string) ([]schema.SourceColumn, error) {
	for _, path := range dataFiles {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		header, err := readHeader(path)
		if err != nil {
			return nil, err
		}
		columns := make([]schema.SourceColumn, 0, len(header))
		for _, name := range header {
			columns = append(columns, schema.SourceColumn{Name: name, Type: "String"})
		}
		return columns, nil
	}
	return nil, errors.New(errors.ErrorTypeFile, "no staged data file available to derive columns")
}

// readHeader returns the first CSV record of a possibly gzipped file.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open data file").
			WithDetail("path", path)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open gzip stream").
				WithDetail("path", path)
		}
		defer gz.Close()
		r = gz
	}

	header, err := csv.NewReader(r).Read()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read data file header").
			WithDetail("path", path)
	}
	return header, nil
}
