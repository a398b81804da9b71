// Package duck is the local columnar store: a DuckDB database holding
// billing rows between staging and Parquet export. It owns the
// incremental load engine, the schema-evolution path, and the export
// stage. Callers must not run two pipeline invocations against the same
// database concurrently; no locking is provided.
package duck

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/finopsctl/billingpipe/pkg/billing"
	"github.com/finopsctl/billingpipe/pkg/errors"
)

// Local aliases for the canonical column names shared across stages.
const (
	PeriodColumn    = billing.PeriodColumn
	ExecutionColumn = billing.ExecutionColumn
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether s is safe to interpolate as a SQL
// identifier. Normalized column names satisfy it by construction; table
// names come from configuration and must be checked.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// Store wraps one DuckDB database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) a DuckDB database. ":memory:" or the empty
// string opens an in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == ":memory:" {
		dsn = ""
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open duckdb database").
			WithDetail("path", path)
	}
	// The loader issues schema changes and bulk inserts that must see
	// each other's effects in order.
	db.SetMaxOpenConns(1)

	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for the loader and exporter.
func (s *Store) DB() *sql.DB {
	return s.db
}

// TableColumns returns the live column set of a table, fetched fresh
// from information_schema. An absent table yields an empty set.
func (s *Store) TableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_name = ?`, table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to introspect table columns").
			WithDetail("table", table)
	}
	defer rows.Close()

	columns := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan column name")
		}
		columns[name] = struct{}{}
	}
	return columns, rows.Err()
}

// TableExists reports whether the table has been created.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	columns, err := s.TableColumns(ctx, table)
	if err != nil {
		return false, err
	}
	return len(columns) > 0, nil
}

// RowCount returns the table's total row count.
func (s *Store) RowCount(ctx context.Context, table string) (int64, error) {
	if !ValidIdent(table) {
		return 0, errors.Newf(errors.ErrorTypeValidation, "invalid table name %q", table)
	}
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count rows").
			WithDetail("table", table)
	}
	return count, nil
}

// PeriodRowCount counts the rows in one billing period's partition.
func (s *Store) PeriodRowCount(ctx context.Context, table string, period billing.Period) (int64, error) {
	if !ValidIdent(table) {
		return 0, errors.Newf(errors.ErrorTypeValidation, "invalid table name %q", table)
	}
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+
			" WHERE "+PeriodColumn+" >= ? AND "+PeriodColumn+" < ?",
		period.Start(), period.End()).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count partition rows").
			WithDetail("table", table).
			WithDetail("period", period.String())
	}
	return count, nil
}

// Truncate removes every row from the table, returning the count
// removed. Used by the monthly bounded-memory mode after each export.
func (s *Store) Truncate(ctx context.Context, table string) (int64, error) {
	if !ValidIdent(table) {
		return 0, errors.Newf(errors.ErrorTypeValidation, "invalid table name %q", table)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to truncate table").
			WithDetail("table", table)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TableInfo summarizes the loaded table.
type TableInfo struct {
	Table       string
	ColumnCount int
	RowCount    int64
	MinDate     *time.Time
	MaxDate     *time.Time
}

// Info returns summary statistics for the table, or nil if the table
// does not exist.
func (s *Store) Info(ctx context.Context, table string) (*TableInfo, error) {
	columns, err := s.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, nil
	}

	info := &TableInfo{Table: table, ColumnCount: len(columns)}
	if info.RowCount, err = s.RowCount(ctx, table); err != nil {
		return nil, err
	}

	if _, ok := columns[PeriodColumn]; ok {
		var min, max sql.NullTime
		err := s.db.QueryRowContext(ctx,
			"SELECT MIN("+PeriodColumn+"), MAX("+PeriodColumn+") FROM "+table+
				" WHERE "+PeriodColumn+" IS NOT NULL").Scan(&min, &max)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query date range").
				WithDetail("table", table)
		}
		if min.Valid {
			info.MinDate = &min.Time
		}
		if max.Valid {
			info.MaxDate = &max.Time
		}
	}
	return info, nil
}

// LoadedExecutions maps each billing period to the execution id whose
// rows currently occupy it. Used as the discovery skip predicate when
// no remote warehouse is configured.
func (s *Store) LoadedExecutions(ctx context.Context, table string) (map[string]string, error) {
	columns, err := s.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	loaded := make(map[string]string)
	if _, ok := columns[PeriodColumn]; !ok {
		return loaded, nil
	}
	if _, ok := columns[ExecutionColumn]; !ok {
		return loaded, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT strftime("+PeriodColumn+", '%Y-%m'), "+ExecutionColumn+
			" FROM "+table+" WHERE "+ExecutionColumn+" IS NOT NULL")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query loaded executions").
			WithDetail("table", table)
	}
	defer rows.Close()

	for rows.Next() {
		var period, executionID string
		if err := rows.Scan(&period, &executionID); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan loaded execution")
		}
		if _, ok := loaded[period]; !ok {
			loaded[period] = executionID
		}
	}
	return loaded, rows.Err()
}

// LoadedPeriods lists the billing periods currently materialized in the
// table, newest first.
func (s *Store) LoadedPeriods(ctx context.Context, table string) ([]billing.Period, error) {
	exists, err := s.TableExists(ctx, table)
	if err != nil || !exists {
		return nil, err
	}
	if !ValidIdent(table) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "invalid table name %q", table)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT DATE_TRUNC('month', "+PeriodColumn+") FROM "+table+
			" WHERE "+PeriodColumn+" IS NOT NULL ORDER BY 1 DESC")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list loaded periods").
			WithDetail("table", table)
	}
	defer rows.Close()

	var periods []billing.Period
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan period")
		}
		periods = append(periods, billing.PeriodOf(t.UTC()))
	}
	return periods, rows.Err()
}
