package duck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finopsctl/billingpipe/pkg/billing"
)

func TestValidIdent(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"billing_data", true},
		{"_internal", true},
		{"t1", true},
		{"1table", false},
		{"billing data", false},
		{"billing;drop", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidIdent(tt.input))
		})
	}
}

func TestTableExistsAndColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exists, err := s.TableExists(ctx, "billing_data")
	require.NoError(t, err)
	assert.False(t, exists)

	jan := billing.Period{Year: 2024, Month: time.January}
	loadTestPartition(t, s, "exec-A", jan, testRow("item-1", jan, "1.00"))

	exists, err = s.TableExists(ctx, "billing_data")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestTruncate(t *testing.T) {
	s := openTestStore(t)
	jan := billing.Period{Year: 2024, Month: time.January}
	loadTestPartition(t, s, "exec-A", jan,
		testRow("item-1", jan, "1.00"),
		testRow("item-2", jan, "2.00"),
	)

	ctx := context.Background()
	removed, err := s.Truncate(ctx, "billing_data")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	count, err := s.RowCount(ctx, "billing_data")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// Truncate keeps the schema in place.
	exists, err := s.TableExists(ctx, "billing_data")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInfo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	info, err := s.Info(ctx, "billing_data")
	require.NoError(t, err)
	assert.Nil(t, info)

	jan := billing.Period{Year: 2024, Month: time.January}
	mar := billing.Period{Year: 2024, Month: time.March}
	loadTestPartition(t, s, "exec-jan", jan, testRow("item-1", jan, "1.00"))
	loadTestPartition(t, s, "exec-mar", mar, testRow("item-2", mar, "2.00"))

	info, err = s.Info(ctx, "billing_data")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "billing_data", info.Table)
	assert.Equal(t, int64(2), info.RowCount)
	require.NotNil(t, info.MinDate)
	require.NotNil(t, info.MaxDate)
	assert.Equal(t, jan.Start(), info.MinDate.UTC())
	assert.Equal(t, mar.Start(), info.MaxDate.UTC())
}

func TestLoadedPeriods(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	periods, err := s.LoadedPeriods(ctx, "billing_data")
	require.NoError(t, err)
	assert.Empty(t, periods)

	jan := billing.Period{Year: 2024, Month: time.January}
	mar := billing.Period{Year: 2024, Month: time.March}
	loadTestPartition(t, s, "exec-jan", jan, testRow("item-1", jan, "1.00"))
	loadTestPartition(t, s, "exec-mar", mar, testRow("item-2", mar, "2.00"))

	periods, err = s.LoadedPeriods(ctx, "billing_data")
	require.NoError(t, err)
	// Newest first.
	assert.Equal(t, []billing.Period{mar, jan}, periods)
}

func TestRowCountRejectsInvalidTable(t *testing.T) {
	s := openTestStore(t)
	_, err := s.RowCount(context.Background(), "billing; DROP TABLE x")
	assert.Error(t, err)
}
