package billing

import "fmt"

// Export filenames are a wire format between the Parquet export stage
// and the warehouse sync stage; both sides must agree on them exactly
// for cross-run resumability.

// ExecutionFileName names one execution's Parquet export.
func ExecutionFileName(period Period, executionID, vendor string) string {
	return fmt.Sprintf("%s_%s_%s_billing.parquet", period, executionID, vendor)
}

// PeriodFileName names the per-period Parquet export variant.
func PeriodFileName(period Period, vendor string) string {
	return fmt.Sprintf("%s_%s_billing.parquet", period, vendor)
}
