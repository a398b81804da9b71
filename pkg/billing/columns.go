package billing

// Normalized column names shared by the load, export, and sync stages.
const (
	// PeriodColumn is the canonical partition column. Every
	// billing-period predicate runs against it as a half-open
	// [Period.Start, Period.End) range.
	PeriodColumn = "bill_billing_period_start_date"

	// ExecutionColumn tags every row with the execution id that loaded
	// it.
	ExecutionColumn = "execution_id"

	// UsageStartColumn is the clustering and sort key for exports and
	// the warehouse table.
	UsageStartColumn = "line_item_usage_start_date"
)
