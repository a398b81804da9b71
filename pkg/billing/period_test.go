package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Period
		wantErr bool
	}{
		{"valid", "2024-01", Period{Year: 2024, Month: time.January}, false},
		{"december", "2023-12", Period{Year: 2023, Month: time.December}, false},
		{"missing month", "2024", Period{}, true},
		{"month out of range", "2024-13", Period{}, true},
		{"garbage", "jan 2024", Period{}, true},
		{"empty", "", Period{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeriod(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPeriodBounds(t *testing.T) {
	p, err := ParsePeriod("2024-01")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), p.Start())
	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), p.End())
	assert.Equal(t, "2024-01", p.String())

	// December rolls over the year.
	dec, err := ParsePeriod("2023-12")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), dec.End())
	assert.Equal(t, Period{Year: 2024, Month: time.January}, dec.Next())
}

func TestPeriodBefore(t *testing.T) {
	jan := Period{Year: 2024, Month: time.January}
	feb := Period{Year: 2024, Month: time.February}
	dec23 := Period{Year: 2023, Month: time.December}

	assert.True(t, jan.Before(feb))
	assert.True(t, dec23.Before(jan))
	assert.False(t, feb.Before(jan))
	assert.False(t, jan.Before(jan))
}

func TestPeriodInRange(t *testing.T) {
	jan := Period{Year: 2024, Month: time.January}
	feb := Period{Year: 2024, Month: time.February}
	mar := Period{Year: 2024, Month: time.March}

	tests := []struct {
		name       string
		p          Period
		start, end Period
		want       bool
	}{
		{"inside", feb, jan, mar, true},
		{"at start", jan, jan, mar, true},
		{"at end", mar, jan, mar, true},
		{"before start", jan, feb, mar, false},
		{"after end", mar, jan, feb, false},
		{"open start", jan, Period{}, feb, true},
		{"open end", mar, feb, Period{}, true},
		{"fully open", feb, Period{}, Period{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.InRange(tt.start, tt.end))
		})
	}
}

func TestPeriodOf(t *testing.T) {
	ts := time.Date(2024, time.March, 17, 13, 45, 0, 0, time.UTC)
	assert.Equal(t, Period{Year: 2024, Month: time.March}, PeriodOf(ts))
}
