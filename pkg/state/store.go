// Package state persists manifest processing state in a SQLite
// database. It is bookkeeping for the pipeline's resumability; the
// destination stores remain the source of truth for what is loaded.
package state

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/finopsctl/billingpipe/pkg/billing"
	"github.com/finopsctl/billingpipe/pkg/errors"
	"github.com/finopsctl/billingpipe/pkg/schema"
)

// State is a manifest's position in the processing lifecycle.
// Transitions are monotonic except failed, which re-discovery resets,
// and stale, applied when a manifest id disappears from the bucket.
type State string

const (
	StateDiscovered  State = "discovered"
	StateDownloading State = "downloading"
	StateStaged      State = "staged"
	StateLoading     State = "loading"
	StateLoaded      State = "loaded"
	StateFailed      State = "failed"
	StateStale       State = "stale"
)

// Record is one manifest's persisted state row.
type Record struct {
	ManifestID    string
	Vendor        string
	BillingPeriod string
	PeriodStart   string
	PeriodEnd     string
	Format        string
	Bucket        string
	ManifestKey   string
	DataFiles     []string
	Columns       []schema.SourceColumn
	Compression   string
	State         State
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ErrorMessage  string
}

// Manifest reconstructs the billing manifest this record was saved from.
func (r *Record) Manifest() (*billing.Manifest, error) {
	period, err := billing.ParsePeriod(r.BillingPeriod)
	if err != nil {
		return nil, err
	}
	return &billing.Manifest{
		ID:          r.ManifestID,
		Vendor:      r.Vendor,
		Format:      billing.Format(r.Format),
		Period:      period,
		PeriodStart: r.PeriodStart,
		PeriodEnd:   r.PeriodEnd,
		Bucket:      r.Bucket,
		Key:         r.ManifestKey,
		DataFiles:   r.DataFiles,
		Columns:     r.Columns,
		Compression: r.Compression,
	}, nil
}

// Run is one pipeline invocation's summary row.
type Run struct {
	RunID       string
	Vendor      string
	Status      string
	Periods     int
	RowsLoaded  int64
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// Store is a SQLite-backed state database.
type Store struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS manifests (
	manifest_id TEXT PRIMARY KEY,
	vendor TEXT NOT NULL,
	billing_period TEXT NOT NULL,
	billing_period_start TEXT NOT NULL,
	billing_period_end TEXT NOT NULL,
	format TEXT NOT NULL,
	bucket TEXT NOT NULL,
	manifest_key TEXT NOT NULL,
	data_files TEXT NOT NULL,
	columns_schema TEXT NOT NULL,
	compression TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_manifests_state ON manifests(state);
CREATE INDEX IF NOT EXISTS idx_manifests_billing_period ON manifests(billing_period);
CREATE INDEX IF NOT EXISTS idx_manifests_vendor ON manifests(vendor);
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	vendor TEXT NOT NULL,
	status TEXT NOT NULL,
	periods INTEGER NOT NULL DEFAULT 0,
	rows_loaded INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Open creates or opens the state database at path, creating parent
// directories and tables as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create state directory").
			WithDetail("path", path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open state database").
			WithDetail("path", path)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to initialize state schema")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveManifest inserts or replaces a manifest record in the given state.
func (s *Store) SaveManifest(m *billing.Manifest, st State) error {
	files, err := json.Marshal(m.DataFiles)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode data files")
	}
	cols, err := json.Marshal(m.Columns)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode columns")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO manifests (
			manifest_id, vendor, billing_period, billing_period_start,
			billing_period_end, format, bucket, manifest_key,
			data_files, columns_schema, compression, state,
			created_at, updated_at, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		m.ID, m.Vendor, m.Period.String(), m.PeriodStart, m.PeriodEnd,
		string(m.Format), m.Bucket, m.Key, string(files), string(cols),
		m.Compression, string(st), now, now,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to save manifest").
			WithDetail("manifest_id", m.ID)
	}
	return nil
}

// UpdateState moves a manifest to a new state, recording an error
// message for failed transitions.
func (s *Store) UpdateState(manifestID string, st State, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var msg interface{}
	if errMsg != "" {
		msg = errMsg
	}
	_, err := s.db.Exec(`
		UPDATE manifests SET state = ?, updated_at = ?, error_message = ?
		WHERE manifest_id = ?`,
		string(st), now, msg, manifestID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to update manifest state").
			WithDetail("manifest_id", manifestID)
	}
	return nil
}

// ManifestsByState returns a vendor's manifests in one state, newest
// billing period first.
func (s *Store) ManifestsByState(vendor string, st State) ([]Record, error) {
	return s.queryRecords(`
		SELECT manifest_id, vendor, billing_period, billing_period_start,
			billing_period_end, format, bucket, manifest_key, data_files,
			columns_schema, compression, state, created_at, updated_at, error_message
		FROM manifests
		WHERE vendor = ? AND state = ?
		ORDER BY billing_period DESC`,
		vendor, string(st))
}

// ManifestsByPeriod returns every manifest recorded for one billing period.
func (s *Store) ManifestsByPeriod(vendor, period string) ([]Record, error) {
	return s.queryRecords(`
		SELECT manifest_id, vendor, billing_period, billing_period_start,
			billing_period_end, format, bucket, manifest_key, data_files,
			columns_schema, compression, state, created_at, updated_at, error_message
		FROM manifests
		WHERE vendor = ? AND billing_period = ?
		ORDER BY created_at DESC`,
		vendor, period)
}

// ManifestsInRange returns a vendor's manifests in one state filtered by
// an inclusive billing-period range. Zero periods leave that side open.
func (s *Store) ManifestsInRange(vendor string, st State, start, end billing.Period) ([]Record, error) {
	query := `
		SELECT manifest_id, vendor, billing_period, billing_period_start,
			billing_period_end, format, bucket, manifest_key, data_files,
			columns_schema, compression, state, created_at, updated_at, error_message
		FROM manifests
		WHERE vendor = ? AND state = ?`
	args := []interface{}{vendor, string(st)}

	if !start.IsZero() {
		query += " AND billing_period >= ?"
		args = append(args, start.String())
	}
	if !end.IsZero() {
		query += " AND billing_period <= ?"
		args = append(args, end.String())
	}
	query += " ORDER BY billing_period ASC"

	return s.queryRecords(query, args...)
}

// Summary counts a vendor's manifests per state.
func (s *Store) Summary(vendor string) (map[State]int, error) {
	rows, err := s.db.Query(`
		SELECT state, COUNT(*) FROM manifests WHERE vendor = ? GROUP BY state`,
		vendor)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to summarize manifests")
	}
	defer rows.Close()

	summary := make(map[State]int)
	for rows.Next() {
		var st string
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan summary row")
		}
		summary[State(st)] = count
	}
	return summary, rows.Err()
}

// MarkStale flags manifests whose id is no longer published in the
// bucket, given the set of ids seen by the latest discovery. Loaded and
// failed manifests keep their state. Returns the number flagged.
func (s *Store) MarkStale(vendor string, liveIDs map[string]struct{}) (int, error) {
	records, err := s.queryRecords(`
		SELECT manifest_id, vendor, billing_period, billing_period_start,
			billing_period_end, format, bucket, manifest_key, data_files,
			columns_schema, compression, state, created_at, updated_at, error_message
		FROM manifests
		WHERE vendor = ? AND state IN (?, ?, ?)`,
		vendor, string(StateDiscovered), string(StateDownloading), string(StateStaged))
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, r := range records {
		if _, ok := liveIDs[r.ManifestID]; ok {
			continue
		}
		if err := s.UpdateState(r.ManifestID, StateStale, ""); err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// StartRun records the beginning of a pipeline invocation.
func (s *Store) StartRun(runID, vendor string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, vendor, status, started_at)
		VALUES (?, ?, 'running', ?)`,
		runID, vendor, now)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to record run start").
			WithDetail("run_id", runID)
	}
	return nil
}

// FinishRun closes out a run with its final status and totals.
func (s *Store) FinishRun(runID, status string, periods int, rowsLoaded int64, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var msg interface{}
	if errMsg != "" {
		msg = errMsg
	}
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, periods = ?, rows_loaded = ?,
			completed_at = ?, error_message = ?
		WHERE run_id = ?`,
		status, periods, rowsLoaded, now, msg, runID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to record run completion").
			WithDetail("run_id", runID)
	}
	return nil
}

// RecentRuns returns the most recent pipeline runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, vendor, status, periods, rows_loaded,
			started_at, completed_at, error_message
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var completed, errMsg sql.NullString
		if err := rows.Scan(&r.RunID, &r.Vendor, &r.Status, &r.Periods,
			&r.RowsLoaded, &started, &completed, &errMsg); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan run row")
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		if completed.Valid {
			t, err := time.Parse(time.RFC3339, completed.String)
			if err == nil {
				r.CompletedAt = &t
			}
		}
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) queryRecords(query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query manifests")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var files, cols, created, updated string
		var errMsg sql.NullString
		var st string
		if err := rows.Scan(&r.ManifestID, &r.Vendor, &r.BillingPeriod,
			&r.PeriodStart, &r.PeriodEnd, &r.Format, &r.Bucket, &r.ManifestKey,
			&files, &cols, &r.Compression, &st, &created, &updated, &errMsg); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan manifest row")
		}
		if err := json.Unmarshal([]byte(files), &r.DataFiles); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode data files").
				WithDetail("manifest_id", r.ManifestID)
		}
		if err := json.Unmarshal([]byte(cols), &r.Columns); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode columns").
				WithDetail("manifest_id", r.ManifestID)
		}
		r.State = State(st)
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		r.ErrorMessage = errMsg.String
		records = append(records, r)
	}
	return records, rows.Err()
}
