package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const curV1Manifest = `{
	"assemblyId": "20240101T000000-abc123",
	"billingPeriod": {
		"start": "20240101T000000.000Z",
		"end": "20240201T000000.000Z"
	},
	"reportKeys": [
		"reports/cur/20240101-20240201/20240101T000000-abc123/cur-00001.csv.gz",
		"reports/cur/20240101-20240201/20240101T000000-abc123/cur-00002.csv.gz"
	],
	"columns": [
		{"category": "identity", "name": "LineItemId", "type": "String"},
		{"category": "lineItem", "name": "UsageAmount", "type": "BigDecimal"}
	],
	"compression": "GZIP"
}`

const curV2Manifest = `{
	"executionId": "exec-7f3a",
	"billingPeriod": {
		"start": "2024-02-01T00:00:00.000Z",
		"end": "2024-03-01T00:00:00.000Z"
	},
	"reportKeys": [
		"exports/cur2/data/BILLING_PERIOD=2024-02/exec-7f3a/cur2-00001.csv.gz"
	],
	"columns": [
		{"category": "lineItem", "name": "UsageStartDate", "type": "DateTime"}
	]
}`

const azureExportManifest = `{
	"runInfo": {
		"runId": "run-42",
		"startDate": "2024-01-01T00:00:00",
		"endDate": "2024-01-31T00:00:00"
	},
	"blobs": [
		{"blobName": "exports/daily/20240101-20240131/part_0_0001.csv.gz"}
	]
}`

func TestParseManifestCURv1(t *testing.T) {
	m, err := ParseManifest([]byte(curV1Manifest), "billing-bucket", "reports/cur/20240101-20240201/cur-Manifest.json", FormatCURv1)
	require.NoError(t, err)

	assert.Equal(t, "20240101T000000-abc123", m.ID)
	assert.Equal(t, VendorAWS, m.Vendor)
	assert.Equal(t, FormatCURv1, m.Format)
	assert.Equal(t, Period{Year: 2024, Month: time.January}, m.Period)
	assert.Equal(t, 2, m.FileCount())
	assert.Equal(t, "GZIP", m.Compression)
	require.Len(t, m.Columns, 2)
	assert.Equal(t, "identity/LineItemId", m.Columns[0].OriginalName())
}

func TestParseManifestCURv2(t *testing.T) {
	m, err := ParseManifest([]byte(curV2Manifest), "billing-bucket", "exports/cur2/metadata/BILLING_PERIOD=2024-02/cur2-Manifest.json", FormatCURv2)
	require.NoError(t, err)

	assert.Equal(t, "exec-7f3a", m.ID)
	assert.Equal(t, Period{Year: 2024, Month: time.February}, m.Period)
	// Compression defaults to GZIP when the manifest omits it.
	assert.Equal(t, "GZIP", m.Compression)
}

func TestParseManifestAzure(t *testing.T) {
	m, err := ParseManifest([]byte(azureExportManifest), "billing-container", "exports/daily/20240101-20240131/manifest.json", FormatAzure)
	require.NoError(t, err)

	assert.Equal(t, "run-42", m.ID)
	assert.Equal(t, VendorAzure, m.Vendor)
	assert.Equal(t, Period{Year: 2024, Month: time.January}, m.Period)
	assert.Equal(t, []string{"exports/daily/20240101-20240131/part_0_0001.csv.gz"}, m.DataFiles)
	assert.Equal(t, "GZIP", m.Compression)
	// Azure manifests carry no column list.
	assert.Empty(t, m.Columns)
}

func TestParseManifestAzureUncompressed(t *testing.T) {
	raw := `{
		"runInfo": {"runId": "run-43", "startDate": "2024-02-01T00:00:00", "endDate": "2024-02-29T00:00:00"},
		"blobs": [{"blobName": "exports/daily/part_0_0001.csv"}]
	}`
	m, err := ParseManifest([]byte(raw), "c", "exports/daily/manifest.json", FormatAzure)
	require.NoError(t, err)
	assert.Equal(t, "NONE", m.Compression)
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"invalid json", `{not json`, FormatCURv1},
		{"v1 missing assemblyId", `{"billingPeriod":{"start":"20240101T000000.000Z"}}`, FormatCURv1},
		{"v2 missing executionId", `{"assemblyId":"a","billingPeriod":{"start":"2024-01-01T00:00:00Z"}}`, FormatCURv2},
		{"missing period", `{"assemblyId":"a"}`, FormatCURv1},
		{"azure missing runId", `{"runInfo":{"startDate":"2024-01-01T00:00:00"}}`, FormatAzure},
		{"unknown format", `{}`, Format("v9")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data), "b", "k", tt.format)
			assert.Error(t, err)
		})
	}
}

func TestDerivePeriod(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Period
		wantErr bool
	}{
		{"compact", "20240101T000000.000Z", Period{Year: 2024, Month: time.January}, false},
		{"compact date only", "20231201", Period{Year: 2023, Month: time.December}, false},
		{"dashed", "2024-03-01T00:00:00.000Z", Period{Year: 2024, Month: time.March}, false},
		{"dashed no time", "2024-03-01", Period{Year: 2024, Month: time.March}, false},
		{"too short", "202401", Period{}, true},
		{"empty", "", Period{}, true},
		{"compact invalid date", "20241301T000000.000Z", Period{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := derivePeriod(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileNames(t *testing.T) {
	p := Period{Year: 2024, Month: time.January}
	assert.Equal(t, "2024-01_exec-7f3a_aws_billing.parquet", ExecutionFileName(p, "exec-7f3a", VendorAWS))
	assert.Equal(t, "2024-01_azure_billing.parquet", PeriodFileName(p, VendorAzure))
}
