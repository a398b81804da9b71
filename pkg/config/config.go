// Package config loads the TOML pipeline configuration. Cloud
// credentials are not part of the file; the SDK default chains pick
// them up from the environment, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/finopsctl/billingpipe/pkg/errors"
)

// Config is the root pipeline configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	AWS      *AWSConfig     `mapstructure:"aws"`
	Azure    *AzureConfig   `mapstructure:"azure"`
	Database DatabaseConfig `mapstructure:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// AWSConfig holds the AWS CUR source and its destination mapping.
type AWSConfig struct {
	Source      AWSSource   `mapstructure:"source"`
	Destination Destination `mapstructure:"destination"`
}

type AWSSource struct {
	Bucket     string `mapstructure:"bucket"`
	Prefix     string `mapstructure:"prefix"`
	ExportName string `mapstructure:"export_name"`
	Region     string `mapstructure:"region"`
	CURVersion string `mapstructure:"cur_version"`
}

// AzureConfig holds the Azure Cost Management export source and its
// destination mapping.
type AzureConfig struct {
	Source      AzureSource `mapstructure:"source"`
	Destination Destination `mapstructure:"destination"`
}

type AzureSource struct {
	StorageAccount string `mapstructure:"storage_account"`
	AccountKey     string `mapstructure:"account_key"`
	Container      string `mapstructure:"container"`
	Prefix         string `mapstructure:"prefix"`
	ExportName     string `mapstructure:"export_name"`
}

// Destination names the warehouse dataset and table one vendor loads into.
type Destination struct {
	Dataset string `mapstructure:"dataset"`
	Table   string `mapstructure:"table"`
}

type DatabaseConfig struct {
	DuckDB   DuckDBConfig    `mapstructure:"duckdb"`
	BigQuery *BigQueryConfig `mapstructure:"bigquery"`
}

type DuckDBConfig struct {
	Persistent bool `mapstructure:"persistent"`
}

type BigQueryConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsPath string `mapstructure:"credentials_path"`
	DatasetID       string `mapstructure:"dataset_id"`
	TableID         string `mapstructure:"table_id"`
}

// PipelineConfig holds cross-stage knobs.
type PipelineConfig struct {
	// PeriodSource declares which date truth assigns rows to billing
	// periods. Only "manifest" is implemented: the manifest-declared
	// period wins over row-level dates.
	PeriodSource string `mapstructure:"period_source"`
	// LocalTable is the DuckDB table billing rows load into.
	LocalTable string `mapstructure:"local_table"`
}

// Load reads a TOML configuration file. A .env file in the working
// directory is applied first so SDK credential chains see it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load .env file")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("data_dir", "./data")
	v.SetDefault("aws.source.region", "us-east-1")
	v.SetDefault("aws.source.cur_version", "v2")
	v.SetDefault("pipeline.period_source", "manifest")
	v.SetDefault("pipeline.local_table", "billing_data")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read configuration file").
			WithDetail("path", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode configuration").
			WithDetail("path", path)
	}

	if cfg.Pipeline.PeriodSource != "manifest" {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"unsupported pipeline.period_source %q, only \"manifest\" is implemented", cfg.Pipeline.PeriodSource)
	}

	return &cfg, nil
}

// StagingDir is where downloaded data files land.
func (c *Config) StagingDir() string { return filepath.Join(c.DataDir, "staging") }

// ExportDir is where Parquet exports are written.
func (c *Config) ExportDir() string { return filepath.Join(c.DataDir, "exports") }

// StateDBPath is the SQLite manifest state database.
func (c *Config) StateDBPath() string { return filepath.Join(c.DataDir, "state.db") }

// DuckDBPath is the local store location, ":memory:" unless persistence
// is configured.
func (c *Config) DuckDBPath() string {
	if c.Database.DuckDB.Persistent {
		return filepath.Join(c.DataDir, "billing.duckdb")
	}
	return ":memory:"
}

// ValidateAWS checks that every field the AWS stages need is present,
// reporting all missing fields at once.
func (c *Config) ValidateAWS() error {
	if c.AWS == nil {
		return errors.New(errors.ErrorTypeConfig, "aws configuration is not present")
	}

	var missing []string
	if c.AWS.Source.Bucket == "" {
		missing = append(missing, "aws.source.bucket")
	}
	if c.AWS.Source.ExportName == "" {
		missing = append(missing, "aws.source.export_name")
	}
	if v := c.AWS.Source.CURVersion; v != "v1" && v != "v2" {
		missing = append(missing, fmt.Sprintf("aws.source.cur_version (%q, must be v1 or v2)", v))
	}
	return validationError("aws", missing)
}

// ValidateAzure checks the Azure source fields.
func (c *Config) ValidateAzure() error {
	if c.Azure == nil {
		return errors.New(errors.ErrorTypeConfig, "azure configuration is not present")
	}

	var missing []string
	if c.Azure.Source.StorageAccount == "" {
		missing = append(missing, "azure.source.storage_account")
	}
	if c.Azure.Source.Container == "" {
		missing = append(missing, "azure.source.container")
	}
	if c.Azure.Source.ExportName == "" {
		missing = append(missing, "azure.source.export_name")
	}
	return validationError("azure", missing)
}

// BigQueryForVendor resolves the warehouse target for a vendor,
// overlaying the vendor's destination dataset and table on the shared
// project settings.
func (c *Config) BigQueryForVendor(vendor string) (*BigQueryConfig, error) {
	if c.Database.BigQuery == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "database.bigquery configuration is not present")
	}

	bq := *c.Database.BigQuery
	switch vendor {
	case "aws":
		if c.AWS != nil {
			overlayDestination(&bq, c.AWS.Destination)
		}
	case "azure":
		if c.Azure != nil {
			overlayDestination(&bq, c.Azure.Destination)
		}
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown vendor %q", vendor)
	}

	var missing []string
	if bq.ProjectID == "" {
		missing = append(missing, "database.bigquery.project_id")
	}
	if bq.DatasetID == "" {
		missing = append(missing, vendor+".destination.dataset")
	}
	if bq.TableID == "" {
		missing = append(missing, vendor+".destination.table")
	}
	if err := validationError("bigquery", missing); err != nil {
		return nil, err
	}
	return &bq, nil
}

func overlayDestination(bq *BigQueryConfig, dest Destination) {
	if dest.Dataset != "" {
		bq.DatasetID = dest.Dataset
	}
	if dest.Table != "" {
		bq.TableID = dest.Table
	}
}

func validationError(section string, missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return errors.Newf(errors.ErrorTypeConfig, "%s configuration invalid: %s",
		section, strings.Join(missing, ", "))
}
