// Package billing models discovered units of billing export data. A
// manifest describes one vendor execution for one billing period; the
// Period type owns the canonical month predicate shared by the load,
// export, and sync stages.
package billing

import (
	"time"

	"github.com/finopsctl/billingpipe/pkg/errors"
)

// Period is one calendar month of billing data, the pipeline's partitioning
// granularity. The zero value is invalid.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses a period in canonical "YYYY-MM" form.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, errors.Wrap(err, errors.ErrorTypeValidation, "invalid billing period, expected YYYY-MM").
			WithDetail("value", s)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the billing period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// String returns the canonical "YYYY-MM" form.
func (p Period) String() string {
	return p.Start().Format("2006-01")
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following period. Together with
// Start it forms the half-open range [Start, End) used as the single
// canonical partition predicate everywhere a billing period is matched.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Next returns the following period.
func (p Period) Next() Period {
	return PeriodOf(p.End())
}

// IsZero reports whether the period is the invalid zero value.
func (p Period) IsZero() bool {
	return p.Year == 0
}

// Before reports whether p is strictly earlier than q.
func (p Period) Before(q Period) bool {
	if p.Year != q.Year {
		return p.Year < q.Year
	}
	return p.Month < q.Month
}

// InRange reports whether p falls within the inclusive [start, end] filter.
// A zero start or end leaves that side unbounded.
func (p Period) InRange(start, end Period) bool {
	if !start.IsZero() && p.Before(start) {
		return false
	}
	if !end.IsZero() && end.Before(p) {
		return false
	}
	return true
}
