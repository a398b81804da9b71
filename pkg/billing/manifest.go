package billing

import (
	"path"
	"time"

	"github.com/goccy/go-json"

	"github.com/finopsctl/billingpipe/pkg/errors"
	"github.com/finopsctl/billingpipe/pkg/schema"
)

// Format identifies the on-wire manifest layout a vendor publishes.
type Format string

const (
	FormatCURv1 Format = "v1"
	FormatCURv2 Format = "v2"
	FormatAzure Format = "azure"
)

// Vendor names used in state records and export filenames.
const (
	VendorAWS   = "aws"
	VendorAzure = "azure"
)

// Manifest is one discovered unit of billing data: a single vendor
// execution covering a single billing period. Immutable once parsed; a
// vendor republishing the same period issues a new manifest with a new
// ID, which supersedes this one rather than mutating it.
type Manifest struct {
	// ID is the vendor-assigned execution identifier: assemblyId for CUR
	// v1, executionId for CUR v2, runId for Azure exports.
	ID          string
	Vendor      string
	Format      Format
	Period      Period
	PeriodStart string
	PeriodEnd   string
	Bucket      string
	Key         string
	DataFiles   []string
	Columns     []schema.SourceColumn
	Compression string
}

// FileCount returns the number of data files the manifest declares.
func (m *Manifest) FileCount() int { return len(m.DataFiles) }

type curBillingPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type curManifest struct {
	AssemblyID    string                `json:"assemblyId"`
	ExecutionID   string                `json:"executionId"`
	BillingPeriod curBillingPeriod      `json:"billingPeriod"`
	ReportKeys    []string              `json:"reportKeys"`
	Columns       []schema.SourceColumn `json:"columns"`
	Compression   string                `json:"compression"`
}

type azureManifest struct {
	RunInfo struct {
		RunID     string `json:"runId"`
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	} `json:"runInfo"`
	Blobs []struct {
		BlobName string `json:"blobName"`
	} `json:"blobs"`
}

// ParseManifest decodes a raw manifest object into the canonical record.
// Format differences between CUR v1, CUR v2, and Azure exports are
// resolved here; the rest of the pipeline only sees Manifest.
func ParseManifest(data []byte, bucket, key string, format Format) (*Manifest, error) {
	switch format {
	case FormatCURv1, FormatCURv2:
		return parseCURManifest(data, bucket, key, format)
	case FormatAzure:
		return parseAzureManifest(data, bucket, key)
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported manifest format %q", format)
	}
}

func parseCURManifest(data []byte, bucket, key string, format Format) (*Manifest, error) {
	var raw curManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode CUR manifest").
			WithDetail("key", key)
	}

	id := raw.AssemblyID
	if format == FormatCURv2 {
		id = raw.ExecutionID
	}
	if id == "" {
		return nil, errors.New(errors.ErrorTypeData, "CUR manifest has no execution identifier").
			WithDetail("key", key).
			WithDetail("format", string(format))
	}

	period, err := derivePeriod(raw.BillingPeriod.Start)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to derive billing period").
			WithDetail("key", key)
	}

	compression := raw.Compression
	if compression == "" {
		compression = "GZIP"
	}

	return &Manifest{
		ID:          id,
		Vendor:      VendorAWS,
		Format:      format,
		Period:      period,
		PeriodStart: raw.BillingPeriod.Start,
		PeriodEnd:   raw.BillingPeriod.End,
		Bucket:      bucket,
		Key:         key,
		DataFiles:   raw.ReportKeys,
		Columns:     raw.Columns,
		Compression: compression,
	}, nil
}

func parseAzureManifest(data []byte, bucket, key string) (*Manifest, error) {
	var raw azureManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode Azure export manifest").
			WithDetail("key", key)
	}
	if raw.RunInfo.RunID == "" {
		return nil, errors.New(errors.ErrorTypeData, "Azure export manifest has no runId").
			WithDetail("key", key)
	}

	period, err := derivePeriod(raw.RunInfo.StartDate)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to derive billing period").
			WithDetail("key", key)
	}

	files := make([]string, 0, len(raw.Blobs))
	for _, b := range raw.Blobs {
		files = append(files, b.BlobName)
	}

	// Azure export manifests do not declare a column list; the loader
	// falls back to the data file headers.
	return &Manifest{
		ID:          raw.RunInfo.RunID,
		Vendor:      VendorAzure,
		Format:      FormatAzure,
		Period:      period,
		PeriodStart: raw.RunInfo.StartDate,
		PeriodEnd:   raw.RunInfo.EndDate,
		Bucket:      bucket,
		Key:         key,
		DataFiles:   files,
		Compression: compressionFromFiles(files),
	}, nil
}

func compressionFromFiles(files []string) string {
	for _, f := range files {
		if path.Ext(f) == ".gz" {
			return "GZIP"
		}
	}
	return "NONE"
}

// derivePeriod extracts the billing period from a manifest period-start
// timestamp. CUR manifests use a compact form ("20240101T000000.000Z"),
// Azure uses dashed ISO dates ("2024-01-01T00:00:00"). The compact form
// is recognized by the absence of a dash at position 4.
func derivePeriod(start string) (Period, error) {
	if len(start) < 7 {
		return Period{}, errors.New(errors.ErrorTypeData, "billing period start missing or too short").
			WithDetail("value", start)
	}
	if start[4] != '-' {
		if len(start) < 8 {
			return Period{}, errors.New(errors.ErrorTypeData, "compact billing period start too short").
				WithDetail("value", start)
		}
		t, err := time.Parse("20060102", start[:8])
		if err != nil {
			return Period{}, errors.Wrap(err, errors.ErrorTypeData, "invalid compact billing period start").
				WithDetail("value", start)
		}
		return PeriodOf(t), nil
	}
	return ParsePeriod(start[:7])
}
