// Package billingpipe is an incremental cloud billing pipeline. It
// discovers billing export manifests in object storage (AWS CUR v1/v2,
// Azure Cost Management exports), stages their data files locally, loads
// them into a local DuckDB store with idempotent partition replacement
// and append-only schema evolution, exports the result as sorted Parquet,
// and syncs those files into BigQuery.
//
// # Pipeline Stages
//
// Each vendor's data flows through five stages, resumable at any point:
//
//  1. Discover: list manifest objects under the vendor's export prefix,
//     parse them, and skip executions the warehouse already holds.
//  2. Extract: download each manifest's data files into
//     staging/{period}/{execution_id}/, removing superseded executions
//     once a replacement is fully staged.
//  3. Load: for each staged manifest, evolve the table schema
//     (append-only), delete the manifest's billing-period partition, and
//     bulk-load the data files, tagging rows with the execution id.
//     Delete-before-insert makes every load idempotent.
//  4. Export: COPY each partition to a sorted snappy Parquet file.
//  5. Sync: replace the matching BigQuery partition with the exported
//     file, allowing field additions on the warehouse schema.
//
// A monthly mode bounds local storage by loading, exporting, and
// truncating one billing month at a time.
//
// # Key Packages
//
//	pkg/billing       - manifests, billing periods, discovery, extraction
//	pkg/schema        - column normalization and schema evolution
//	pkg/duck          - local DuckDB store, load engine, Parquet export
//	pkg/state         - SQLite manifest and run state
//	pkg/warehouse     - BigQuery partition replacement
//	pkg/objectstore   - S3 and Azure Blob listing and download
//	pkg/config        - TOML configuration
//	internal/pipeline - stage orchestration
//
// # Usage
//
//	billingpipe run --config config.toml --vendor aws --start 2024-01
//
// See cmd/billingpipe for the full command set.
package billingpipe
