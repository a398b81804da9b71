package duck

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finopsctl/billingpipe/pkg/billing"
	"github.com/finopsctl/billingpipe/pkg/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testColumns = []schema.SourceColumn{
	{Category: "identity", Name: "LineItemId", Type: "String"},
	{Category: "bill", Name: "BillingPeriodStartDate", Type: "DateTime"},
	{Category: "lineItem", Name: "UsageAmount", Type: "BigDecimal"},
}

const testHeader = "identity/LineItemId,bill/BillingPeriodStartDate,lineItem/UsageAmount"

// testRow renders one CSV data row for a period.
func testRow(lineItemID string, period billing.Period, amount string) string {
	return lineItemID + "," + period.Start().Format("2006-01-02 15:04:05") + "," + amount
}

func writeCSV(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := strings.Join(append([]string{testHeader}, lines...), "\n") + "\n"
	if strings.HasSuffix(name, ".gz") {
		f, err := os.Create(path)
		require.NoError(t, err)
		gz := gzip.NewWriter(f)
		_, err = gz.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		require.NoError(t, f.Close())
		return path
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testLoadManifest(id string, period billing.Period) *billing.Manifest {
	return &billing.Manifest{
		ID:      id,
		Vendor:  billing.VendorAWS,
		Format:  billing.FormatCURv1,
		Period:  period,
		Columns: testColumns,
	}
}

func TestLoaderCreatesTableAndLoads(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "billing_data")
	require.NoError(t, err)

	jan := billing.Period{Year: 2024, Month: time.January}
	file := writeCSV(t, t.TempDir(), "jan-1.csv",
		testRow("item-1", jan, "1.50"),
		testRow("item-2", jan, "2.25"),
	)

	result := l.Load(context.Background(), testLoadManifest("exec-A", jan), []string{file}, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, LoadStatusLoaded, result.Status)
	assert.Equal(t, int64(2), result.RowsLoaded)
	assert.Equal(t, 1, result.FilesLoaded)

	ctx := context.Background()
	count, err := s.RowCount(ctx, "billing_data")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	columns, err := s.TableColumns(ctx, "billing_data")
	require.NoError(t, err)
	assert.Contains(t, columns, "identity_line_item_id")
	assert.Contains(t, columns, "bill_billing_period_start_date")
	assert.Contains(t, columns, "line_item_usage_amount")
	assert.Contains(t, columns, ExecutionColumn)

	loaded, err := s.LoadedExecutions(ctx, "billing_data")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"2024-01": "exec-A"}, loaded)
}

func TestLoaderIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "billing_data")
	require.NoError(t, err)

	jan := billing.Period{Year: 2024, Month: time.January}
	file := writeCSV(t, t.TempDir(), "jan-1.csv",
		testRow("item-1", jan, "1.50"),
		testRow("item-2", jan, "2.25"),
	)
	m := testLoadManifest("exec-A", jan)

	for i := 0; i < 3; i++ {
		result := l.Load(context.Background(), m, []string{file}, nil)
		require.NoError(t, result.Err)
	}

	count, err := s.RowCount(context.Background(), "billing_data")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLoaderReplacesPartition(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "billing_data")
	require.NoError(t, err)

	jan := billing.Period{Year: 2024, Month: time.January}
	dir := t.TempDir()

	first := writeCSV(t, dir, "a1.csv",
		testRow("item-1", jan, "1.00"),
		testRow("item-2", jan, "2.00"),
	)
	result := l.Load(context.Background(), testLoadManifest("exec-A1", jan), []string{first}, nil)
	require.NoError(t, result.Err)

	second := writeCSV(t, dir, "a2.csv",
		testRow("item-1", jan, "1.10"),
		testRow("item-2", jan, "2.20"),
		testRow("item-3", jan, "3.30"),
	)
	result = l.Load(context.Background(), testLoadManifest("exec-A2", jan), []string{second}, nil)
	require.NoError(t, result.Err)

	ctx := context.Background()
	count, err := s.PeriodRowCount(ctx, "billing_data", jan)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// The replaced execution leaves no rows behind.
	loaded, err := s.LoadedExecutions(ctx, "billing_data")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"2024-01": "exec-A2"}, loaded)
}

func TestLoaderLeavesOtherPartitionsAlone(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "billing_data")
	require.NoError(t, err)

	jan := billing.Period{Year: 2024, Month: time.January}
	feb := billing.Period{Year: 2024, Month: time.February}
	dir := t.TempDir()

	janFile := writeCSV(t, dir, "jan.csv", testRow("item-1", jan, "1.00"))
	febFile := writeCSV(t, dir, "feb.csv", testRow("item-2", feb, "2.00"))

	require.NoError(t, l.Load(context.Background(), testLoadManifest("exec-jan", jan), []string{janFile}, nil).Err)
	require.NoError(t, l.Load(context.Background(), testLoadManifest("exec-feb", feb), []string{febFile}, nil).Err)

	// Reload January; February must be untouched.
	require.NoError(t, l.Load(context.Background(), testLoadManifest("exec-jan2", jan), []string{janFile}, nil).Err)

	ctx := context.Background()
	febCount, err := s.PeriodRowCount(ctx, "billing_data", feb)
	require.NoError(t, err)
	assert.Equal(t, int64(1), febCount)

	loaded, err := s.LoadedExecutions(ctx, "billing_data")
	require.NoError(t, err)
	assert.Equal(t, "exec-jan2", loaded["2024-01"])
	assert.Equal(t, "exec-feb", loaded["2024-02"])
}

func TestLoaderEvolvesSchema(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "billing_data")
	require.NoError(t, err)

	jan := billing.Period{Year: 2024, Month: time.January}
	feb := billing.Period{Year: 2024, Month: time.February}
	dir := t.TempDir()

	janFile := writeCSV(t, dir, "jan.csv",
		testRow("item-1", jan, "1.00"),
		testRow("item-2", jan, "2.00"),
	)
	require.NoError(t, l.Load(context.Background(), testLoadManifest("exec-jan", jan), []string{janFile}, nil).Err)

	// February's manifest introduces a new column.
	febColumns := append([]schema.SourceColumn{}, testColumns...)
	febColumns = append(febColumns, schema.SourceColumn{
		Category: "savingsPlan", Name: "SavingsPlanARN", Type: "String",
	})
	febHeader := testHeader + ",savingsPlan/SavingsPlanARN"
	febPath := filepath.Join(dir, "feb.csv")
	febContent := febHeader + "\n" +
		testRow("item-3", feb, "3.00") + ",arn:aws:savingsplans::1:plan/x\n"
	require.NoError(t, os.WriteFile(febPath, []byte(febContent), 0o644))

	m := testLoadManifest("exec-feb", feb)
	m.Columns = febColumns
	require.NoError(t, l.Load(context.Background(), m, []string{febPath}, nil).Err)

	ctx := context.Background()
	columns, err := s.TableColumns(ctx, "billing_data")
	require.NoError(t, err)
	assert.Contains(t, columns, "savings_plan_savings_plan_arn")

	// Pre-existing rows read the new column as null.
	var nullCount int64
	err = s.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM billing_data
		WHERE savings_plan_savings_plan_arn IS NULL`).Scan(&nullCount)
	require.NoError(t, err)
	assert.Equal(t, int64(2), nullCount)

	total, err := s.RowCount(ctx, "billing_data")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestLoaderUnifiesKnownColumnsOnCreate(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "billing_data")
	require.NoError(t, err)

	jan := billing.Period{Year: 2024, Month: time.January}
	file := writeCSV(t, t.TempDir(), "jan.csv", testRow("item-1", jan, "1.00"))

	// A column known from another manifest's history lands in the
	// freshly created table even though this manifest lacks it.
	known := [][]schema.SourceColumn{{
		{Category: "reservation", Name: "ReservationARN", Type: "String"},
	}}
	require.NoError(t, l.Load(context.Background(), testLoadManifest("exec-jan", jan), []string{file}, known).Err)

	columns, err := s.TableColumns(context.Background(), "billing_data")
	require.NoError(t, err)
	assert.Contains(t, columns, "reservation_reservation_arn")
}

func TestLoaderHeaderFallback(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "azure_billing")
	require.NoError(t, err)

	jan := billing.Period{Year: 2024, Month: time.January}
	path := filepath.Join(t.TempDir(), "part_0_0001.csv")
	content := "BillingCurrency,CostInBillingCurrency,Date\n" +
		"USD,12.34,2024-01-01\n" +
		"USD,5.67,2024-01-02\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m := &billing.Manifest{
		ID:     "run-42",
		Vendor: billing.VendorAzure,
		Format: billing.FormatAzure,
		Period: jan,
	}
	result := l.Load(context.Background(), m, []string{path}, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, int64(2), result.RowsLoaded)

	columns, err := s.TableColumns(context.Background(), "azure_billing")
	require.NoError(t, err)
	assert.Contains(t, columns, "billing_currency")
	assert.Contains(t, columns, "cost_in_billing_currency")
	assert.Contains(t, columns, "date")
}

func TestLoaderGzippedFile(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "billing_data")
	require.NoError(t, err)

	jan := billing.Period{Year: 2024, Month: time.January}
	file := writeCSV(t, t.TempDir(), "jan-1.csv.gz",
		testRow("item-1", jan, "1.00"),
		testRow("item-2", jan, "2.00"),
	)

	result := l.Load(context.Background(), testLoadManifest("exec-A", jan), []string{file}, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, int64(2), result.RowsLoaded)
}

func TestLoaderSkipsMissingFile(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "billing_data")
	require.NoError(t, err)

	jan := billing.Period{Year: 2024, Month: time.January}
	dir := t.TempDir()
	file := writeCSV(t, dir, "jan-1.csv", testRow("item-1", jan, "1.00"))
	missing := filepath.Join(dir, "jan-2.csv")

	result := l.Load(context.Background(), testLoadManifest("exec-A", jan), []string{file, missing}, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, LoadStatusLoaded, result.Status)
	assert.Equal(t, 1, result.FilesLoaded)
	assert.Equal(t, 2, result.TotalFiles)
	assert.Equal(t, int64(1), result.RowsLoaded)
}

func TestLoaderNoStagedFilesForHeaderFallback(t *testing.T) {
	s := openTestStore(t)
	l, err := NewLoader(s, "azure_billing")
	require.NoError(t, err)

	m := &billing.Manifest{
		ID:     "run-42",
		Vendor: billing.VendorAzure,
		Format: billing.FormatAzure,
		Period: billing.Period{Year: 2024, Month: time.January},
	}
	result := l.Load(context.Background(), m, []string{filepath.Join(t.TempDir(), "nope.csv")}, nil)
	assert.Equal(t, LoadStatusFailed, result.Status)
	assert.Error(t, result.Err)
}

func TestNewLoaderRejectsInvalidTable(t *testing.T) {
	s := openTestStore(t)
	_, err := NewLoader(s, "billing; DROP TABLE x")
	assert.Error(t, err)
}
