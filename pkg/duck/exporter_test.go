package duck

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finopsctl/billingpipe/pkg/billing"
)

// loadTestPartition loads a small partition and returns the store and
// the manifest it was loaded from.
func loadTestPartition(t *testing.T, s *Store, id string, period billing.Period, rows ...string) *billing.Manifest {
	t.Helper()
	l, err := NewLoader(s, "billing_data")
	require.NoError(t, err)

	file := writeCSV(t, t.TempDir(), id+".csv", rows...)
	m := testLoadManifest(id, period)
	result := l.Load(context.Background(), m, []string{file}, nil)
	require.NoError(t, result.Err)
	return m
}

func parquetRowCount(t *testing.T, s *Store, path string) int64 {
	t.Helper()
	var count int64
	err := s.DB().QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM read_parquet(?)", path).Scan(&count)
	require.NoError(t, err)
	return count
}

func TestExportExecutions(t *testing.T) {
	s := openTestStore(t)
	jan := billing.Period{Year: 2024, Month: time.January}
	m := loadTestPartition(t, s, "exec-A", jan,
		testRow("item-1", jan, "1.00"),
		testRow("item-2", jan, "2.00"),
	)

	dir := t.TempDir()
	e, err := NewExporter(s, "billing_data", dir)
	require.NoError(t, err)

	results := e.ExportExecutions(context.Background(), []*billing.Manifest{m}, false)
	require.Len(t, results, 1)
	assert.Equal(t, ExportStatusExported, results["2024-01:exec-A"])

	outPath := e.FilePath(billing.ExecutionFileName(jan, "exec-A", billing.VendorAWS))
	_, err = os.Stat(outPath)
	require.NoError(t, err)
	assert.Equal(t, int64(2), parquetRowCount(t, s, outPath))
}

func TestExportSkipsExistingFile(t *testing.T) {
	s := openTestStore(t)
	jan := billing.Period{Year: 2024, Month: time.January}
	m := loadTestPartition(t, s, "exec-A", jan, testRow("item-1", jan, "1.00"))

	e, err := NewExporter(s, "billing_data", t.TempDir())
	require.NoError(t, err)

	first := e.ExportExecutions(context.Background(), []*billing.Manifest{m}, false)
	require.Equal(t, ExportStatusExported, first["2024-01:exec-A"])

	second := e.ExportExecutions(context.Background(), []*billing.Manifest{m}, false)
	assert.Equal(t, ExportStatusSkipped, second["2024-01:exec-A"])

	// Overwrite forces the export through.
	third := e.ExportExecutions(context.Background(), []*billing.Manifest{m}, true)
	assert.Equal(t, ExportStatusExported, third["2024-01:exec-A"])
}

func TestExportFailsOnEmptyPartition(t *testing.T) {
	s := openTestStore(t)
	jan := billing.Period{Year: 2024, Month: time.January}
	feb := billing.Period{Year: 2024, Month: time.February}
	loadTestPartition(t, s, "exec-A", jan, testRow("item-1", jan, "1.00"))

	e, err := NewExporter(s, "billing_data", t.TempDir())
	require.NoError(t, err)

	// February was never loaded; exporting it must fail, not produce an
	// empty file.
	m := testLoadManifest("exec-B", feb)
	results := e.ExportExecutions(context.Background(), []*billing.Manifest{m}, false)
	assert.Equal(t, ExportStatusFailed, results["2024-02:exec-B"])

	_, statErr := os.Stat(e.FilePath(billing.ExecutionFileName(feb, "exec-B", billing.VendorAWS)))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExportPeriods(t *testing.T) {
	s := openTestStore(t)
	jan := billing.Period{Year: 2024, Month: time.January}
	loadTestPartition(t, s, "exec-A", jan,
		testRow("item-1", jan, "1.00"),
		testRow("item-2", jan, "2.00"),
	)

	e, err := NewExporter(s, "billing_data", t.TempDir())
	require.NoError(t, err)

	results := e.ExportPeriods(context.Background(), []billing.Period{jan}, billing.VendorAWS, false)
	assert.Equal(t, ExportStatusExported, results["2024-01"])

	outPath := e.FilePath(billing.PeriodFileName(jan, billing.VendorAWS))
	assert.Equal(t, int64(2), parquetRowCount(t, s, outPath))
}

func TestExportOnlySelectedPartition(t *testing.T) {
	s := openTestStore(t)
	jan := billing.Period{Year: 2024, Month: time.January}
	feb := billing.Period{Year: 2024, Month: time.February}
	m := loadTestPartition(t, s, "exec-jan", jan, testRow("item-1", jan, "1.00"))
	loadTestPartition(t, s, "exec-feb", feb,
		testRow("item-2", feb, "2.00"),
		testRow("item-3", feb, "3.00"),
	)

	e, err := NewExporter(s, "billing_data", t.TempDir())
	require.NoError(t, err)

	results := e.ExportExecutions(context.Background(), []*billing.Manifest{m}, false)
	require.Equal(t, ExportStatusExported, results["2024-01:exec-jan"])

	outPath := e.FilePath(billing.ExecutionFileName(jan, "exec-jan", billing.VendorAWS))
	assert.Equal(t, int64(1), parquetRowCount(t, s, outPath))
}

func TestNewExporterRejectsInvalidTable(t *testing.T) {
	s := openTestStore(t)
	_, err := NewExporter(s, "billing data", t.TempDir())
	assert.Error(t, err)
}
