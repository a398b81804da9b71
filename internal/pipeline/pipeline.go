// Package pipeline sequences the billing stages: discover manifests,
// stage their data files, load them into the local store, export
// Parquet, and sync to the warehouse. Manifests are processed one at a
// time; per-item failures are aggregated, never raised past the batch.
package pipeline

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finopsctl/billingpipe/pkg/billing"
	"github.com/finopsctl/billingpipe/pkg/config"
	"github.com/finopsctl/billingpipe/pkg/duck"
	"github.com/finopsctl/billingpipe/pkg/errors"
	"github.com/finopsctl/billingpipe/pkg/logger"
	"github.com/finopsctl/billingpipe/pkg/objectstore"
	"github.com/finopsctl/billingpipe/pkg/schema"
	"github.com/finopsctl/billingpipe/pkg/state"
	"github.com/finopsctl/billingpipe/pkg/warehouse"
)

// Options filter and shape one pipeline invocation.
type Options struct {
	Start     billing.Period
	End       billing.Period
	DryRun    bool
	Overwrite bool
	Monthly   bool
}

// LoadSummary aggregates one load batch.
type LoadSummary struct {
	Total      int
	Loaded     int
	Failed     int
	RowsLoaded int64
	Results    []duck.LoadResult
}

// Summary aggregates one full pipeline run.
type Summary struct {
	RunID      string
	Vendor     string
	DryRun     bool
	Discovered int
	Staged     int
	Loaded     int
	Failed     int
	RowsLoaded int64
	Periods    []string
	Exported   int
	Synced     int
	SyncFailed int
}

// Orchestrator wires one vendor's source, state store, local store, and
// warehouse into the staged pipeline.
type Orchestrator struct {
	cfg       *config.Config
	vendor    string
	table     string
	states    *state.Store
	store     *duck.Store
	discovery *billing.Discovery
	extractor *billing.Extractor
	loader    *duck.Loader
	exporter  *duck.Exporter
}

// New builds an orchestrator for one vendor. Configuration errors are
// fatal and surface before any I/O.
func New(ctx context.Context, cfg *config.Config, vendor string) (*Orchestrator, error) {
	client, src, err := buildSource(ctx, cfg, vendor)
	if err != nil {
		return nil, err
	}
	return newOrchestrator(cfg, vendor, client, src)
}

// newOrchestrator wires the stages over an already-built object store
// client so tests can substitute an in-memory one.
func newOrchestrator(cfg *config.Config, vendor string, client objectstore.Client, src billing.Source) (*Orchestrator, error) {
	states, err := state.Open(cfg.StateDBPath())
	if err != nil {
		return nil, err
	}

	store, err := duck.Open(cfg.DuckDBPath())
	if err != nil {
		states.Close()
		return nil, err
	}

	table := cfg.Pipeline.LocalTable
	loader, err := duck.NewLoader(store, table)
	if err != nil {
		states.Close()
		store.Close()
		return nil, err
	}
	exporter, err := duck.NewExporter(store, table, cfg.ExportDir())
	if err != nil {
		states.Close()
		store.Close()
		return nil, err
	}

	return &Orchestrator{
		cfg:       cfg,
		vendor:    vendor,
		table:     table,
		states:    states,
		store:     store,
		discovery: billing.NewDiscovery(client, src),
		extractor: billing.NewExtractor(client, cfg.StagingDir()),
		loader:    loader,
		exporter:  exporter,
	}, nil
}

func buildSource(ctx context.Context, cfg *config.Config, vendor string) (objectstore.Client, billing.Source, error) {
	switch vendor {
	case billing.VendorAWS:
		if err := cfg.ValidateAWS(); err != nil {
			return nil, billing.Source{}, err
		}
		client, err := objectstore.NewS3Client(ctx, cfg.AWS.Source.Bucket, cfg.AWS.Source.Region)
		if err != nil {
			return nil, billing.Source{}, err
		}
		return client, billing.Source{
			Vendor:     billing.VendorAWS,
			Format:     billing.Format(cfg.AWS.Source.CURVersion),
			Bucket:     cfg.AWS.Source.Bucket,
			Prefix:     cfg.AWS.Source.Prefix,
			ExportName: cfg.AWS.Source.ExportName,
		}, nil

	case billing.VendorAzure:
		if err := cfg.ValidateAzure(); err != nil {
			return nil, billing.Source{}, err
		}
		client, err := objectstore.NewAzureClient(
			cfg.Azure.Source.StorageAccount, cfg.Azure.Source.AccountKey, cfg.Azure.Source.Container)
		if err != nil {
			return nil, billing.Source{}, err
		}
		return client, billing.Source{
			Vendor:     billing.VendorAzure,
			Format:     billing.FormatAzure,
			Bucket:     cfg.Azure.Source.Container,
			Prefix:     cfg.Azure.Source.Prefix,
			ExportName: cfg.Azure.Source.ExportName,
		}, nil

	default:
		return nil, billing.Source{}, errors.Newf(errors.ErrorTypeConfig, "unknown vendor %q", vendor)
	}
}

func (o *Orchestrator) Close() error {
	err := o.store.Close()
	if cerr := o.states.Close(); err == nil {
		err = cerr
	}
	return err
}

// Discover lists and parses current manifests, filters out executions
// the destination already holds, persists the remainder as discovered,
// and marks ids that vanished from the bucket as stale.
func (o *Orchestrator) Discover(ctx context.Context) ([]*billing.Manifest, error) {
	loaded := o.loadedExecutions(ctx)

	manifests, err := o.discovery.Discover(ctx, func(period string) (string, bool) {
		id, ok := loaded[period]
		return id, ok
	})
	if err != nil {
		return nil, err
	}

	live := make(map[string]struct{}, len(manifests))
	for _, m := range manifests {
		live[m.ID] = struct{}{}
		if err := o.states.SaveManifest(m, state.StateDiscovered); err != nil {
			return nil, err
		}
	}

	stale, err := o.states.MarkStale(o.vendor, live)
	if err != nil {
		return nil, err
	}
	if stale > 0 {
		logger.Warn("marked manifests stale", zap.Int("count", stale))
	}

	logger.Info("discovery complete",
		zap.String("vendor", o.vendor),
		zap.Int("manifests", len(manifests)))
	return manifests, nil
}

// loadedExecutions resolves the "already loaded" predicate. When a
// warehouse is configured it is the source of truth; otherwise the
// local table answers.
func (o *Orchestrator) loadedExecutions(ctx context.Context) map[string]string {
	if bqCfg, err := o.cfg.BigQueryForVendor(o.vendor); err == nil {
		syncer, err := warehouse.NewSyncer(ctx, bqCfg, o.cfg.ExportDir(), o.vendor)
		if err == nil {
			defer syncer.Close()
			if loaded, err := syncer.LoadedExecutions(ctx); err == nil {
				return loaded
			}
			logger.Warn("failed to query warehouse for loaded executions, falling back to local store")
		}
	}

	loaded, err := o.store.LoadedExecutions(ctx, o.table)
	if err != nil {
		logger.Warn("failed to query local store for loaded executions", zap.Error(err))
		return map[string]string{}
	}
	return loaded
}

// Extract stages data files for discovered manifests in the period
// range. Fully staged manifests move to staged; partial downloads move
// to failed.
func (o *Orchestrator) Extract(ctx context.Context, opts Options) (billing.ExtractStats, error) {
	records, err := o.states.ManifestsInRange(o.vendor, state.StateDiscovered, opts.Start, opts.End)
	if err != nil {
		return billing.ExtractStats{}, err
	}

	var stats billing.ExtractStats
	for _, r := range records {
		m, err := r.Manifest()
		if err != nil {
			logger.Warn("skipping unreadable state record",
				zap.String("manifest_id", r.ManifestID), zap.Error(err))
			stats.ManifestsProcessed++
			stats.Errors++
			continue
		}

		if err := o.states.UpdateState(m.ID, state.StateDownloading, ""); err != nil {
			return stats, err
		}

		s := o.extractor.Extract(ctx, []*billing.Manifest{m})
		stats.ManifestsProcessed += s.ManifestsProcessed
		stats.ManifestsStaged += s.ManifestsStaged
		stats.FilesDownloaded += s.FilesDownloaded
		stats.Errors += s.Errors

		next, errMsg := state.StateStaged, ""
		if s.Errors > 0 {
			next, errMsg = state.StateFailed, "data file download incomplete"
		}
		if err := o.states.UpdateState(m.ID, next, errMsg); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Load runs the incremental load engine over every staged manifest in
// the period range, one execution per period, newest first. One
// manifest's failure does not stop the rest.
func (o *Orchestrator) Load(ctx context.Context, opts Options) (LoadSummary, error) {
	records, err := o.states.ManifestsInRange(o.vendor, state.StateStaged, opts.Start, opts.End)
	if err != nil {
		return LoadSummary{}, err
	}
	records, err = o.collapseStaged(records)
	if err != nil {
		return LoadSummary{}, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].BillingPeriod > records[j].BillingPeriod
	})

	known, err := o.knownColumnSets()
	if err != nil {
		return LoadSummary{}, err
	}

	summary := LoadSummary{Total: len(records)}
	for _, r := range records {
		m, err := r.Manifest()
		if err != nil {
			logger.Warn("skipping unreadable state record",
				zap.String("manifest_id", r.ManifestID), zap.Error(err))
			summary.Failed++
			continue
		}

		if err := o.states.UpdateState(m.ID, state.StateLoading, ""); err != nil {
			return summary, err
		}

		result := o.loader.Load(ctx, m, o.extractor.DataFilePaths(m), known)
		summary.Results = append(summary.Results, result)

		if result.Status == duck.LoadStatusLoaded {
			summary.Loaded++
			summary.RowsLoaded += result.RowsLoaded
			err = o.states.UpdateState(m.ID, state.StateLoaded, "")
		} else {
			summary.Failed++
			msg := "load failed"
			if result.Err != nil {
				msg = result.Err.Error()
			}
			logger.Error("manifest load failed",
				zap.String("manifest_id", m.ID),
				zap.String("period", m.Period.String()),
				zap.Error(result.Err))
			err = o.states.UpdateState(m.ID, state.StateFailed, msg)
		}
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// knownColumnSets gathers every known manifest's column list so a new
// table is created with all columns seen across history.
func (o *Orchestrator) knownColumnSets() ([][]schema.SourceColumn, error) {
	var sets [][]schema.SourceColumn
	for _, st := range []state.State{state.StateLoaded, state.StateStaged, state.StateLoading, state.StateDiscovered} {
		records, err := o.states.ManifestsByState(o.vendor, st)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if len(r.Columns) > 0 {
				sets = append(sets, r.Columns)
			}
		}
	}
	return sets, nil
}

// collapseStaged keeps one staged record per billing period and marks
// the rest stale. Loading a period replaces its whole partition, so
// only one execution per period can survive a batch; loading a
// superseded one would only be undone by the next, and its export
// would find an empty partition.
func (o *Orchestrator) collapseStaged(records []state.Record) ([]state.Record, error) {
	kept, superseded := latestRecordPerPeriod(records)
	for _, r := range superseded {
		logger.Info("skipping superseded execution",
			zap.String("manifest_id", r.ManifestID),
			zap.String("period", r.BillingPeriod))
		if err := o.states.UpdateState(r.ManifestID, state.StateStale, "superseded by a newer execution"); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

// latestRecordPerPeriod splits records into one winner per billing
// period and the rest. The most recently updated record wins, ties
// broken by the greater manifest id.
func latestRecordPerPeriod(records []state.Record) (kept, superseded []state.Record) {
	latest := make(map[string]state.Record, len(records))
	for _, r := range records {
		cur, ok := latest[r.BillingPeriod]
		if !ok {
			latest[r.BillingPeriod] = r
			continue
		}
		if recordNewer(r, cur) {
			superseded = append(superseded, cur)
			latest[r.BillingPeriod] = r
		} else {
			superseded = append(superseded, r)
		}
	}
	for _, r := range records {
		if latest[r.BillingPeriod].ManifestID == r.ManifestID {
			kept = append(kept, r)
		}
	}
	return kept, superseded
}

func recordNewer(a, b state.Record) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ManifestID > b.ManifestID
}

// Export writes loaded manifests in range to per-execution Parquet
// files.
func (o *Orchestrator) Export(ctx context.Context, opts Options) (map[string]duck.ExportStatus, error) {
	manifests, err := o.loadedManifests(opts)
	if err != nil {
		return nil, err
	}
	return o.exporter.ExportExecutions(ctx, manifests, opts.Overwrite), nil
}

// ExportPeriods writes the per-period export variant for the given
// periods, defaulting to every period loaded in the local table.
func (o *Orchestrator) ExportPeriods(ctx context.Context, periods []billing.Period, overwrite bool) (map[string]duck.ExportStatus, error) {
	if len(periods) == 0 {
		var err error
		periods, err = o.store.LoadedPeriods(ctx, o.table)
		if err != nil {
			return nil, err
		}
	}
	return o.exporter.ExportPeriods(ctx, periods, o.vendor, overwrite), nil
}

// Sync loads exported files for loaded manifests in range into the
// warehouse.
func (o *Orchestrator) Sync(ctx context.Context, opts Options) (map[string]warehouse.SyncStatus, error) {
	bqCfg, err := o.cfg.BigQueryForVendor(o.vendor)
	if err != nil {
		return nil, err
	}
	syncer, err := warehouse.NewSyncer(ctx, bqCfg, o.cfg.ExportDir(), o.vendor)
	if err != nil {
		return nil, err
	}
	defer syncer.Close()

	manifests, err := o.loadedManifests(opts)
	if err != nil {
		return nil, err
	}
	return syncer.SyncExecutions(ctx, manifests, opts.Overwrite), nil
}

func (o *Orchestrator) loadedManifests(opts Options) ([]*billing.Manifest, error) {
	records, err := o.states.ManifestsInRange(o.vendor, state.StateLoaded, opts.Start, opts.End)
	if err != nil {
		return nil, err
	}
	// A replaced period can leave its previous execution's record in
	// loaded state; only the latest execution has rows in the partition.
	records, _ = latestRecordPerPeriod(records)

	manifests := make([]*billing.Manifest, 0, len(records))
	for _, r := range records {
		m, err := r.Manifest()
		if err != nil {
			logger.Warn("skipping unreadable state record",
				zap.String("manifest_id", r.ManifestID), zap.Error(err))
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Run chains discover, extract, load, export, and sync, tracking the
// invocation in the runs table. A dry run reports what would be
// processed without touching any store, in monthly mode too.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{
		RunID:  uuid.NewString(),
		Vendor: o.vendor,
		DryRun: opts.DryRun,
	}

	if opts.DryRun {
		return o.dryRun(ctx, opts, summary)
	}
	if opts.Monthly {
		return o.runMonthly(ctx, opts)
	}

	if err := o.states.StartRun(summary.RunID, o.vendor); err != nil {
		return summary, err
	}
	log := logger.With(zap.String("run_id", summary.RunID), zap.String("vendor", o.vendor))
	log.Info("pipeline run started")

	if err := o.runStages(ctx, opts, &summary, log); err != nil {
		o.states.FinishRun(summary.RunID, "failed", len(summary.Periods), summary.RowsLoaded, err.Error())
		return summary, err
	}

	status := "completed"
	if summary.SyncFailed > 0 || summary.Failed > 0 {
		status = "completed_with_failures"
	}
	if err := o.states.FinishRun(summary.RunID, status, len(summary.Periods), summary.RowsLoaded, ""); err != nil {
		return summary, err
	}
	log.Info("pipeline run finished",
		zap.String("status", status),
		zap.Int64("rows_loaded", summary.RowsLoaded),
		zap.Strings("periods", summary.Periods))
	return summary, nil
}

func (o *Orchestrator) runStages(ctx context.Context, opts Options, summary *Summary, log *zap.Logger) error {
	manifests, err := o.Discover(ctx)
	if err != nil {
		return err
	}
	summary.Discovered = len(manifests)
	if len(manifests) == 0 {
		log.Info("no new manifests to process")
		return nil
	}

	extractStats, err := o.Extract(ctx, opts)
	if err != nil {
		return err
	}
	summary.Staged = extractStats.ManifestsStaged

	loadSummary, err := o.Load(ctx, opts)
	if err != nil {
		return err
	}
	summary.Loaded = loadSummary.Loaded
	summary.Failed = loadSummary.Failed
	summary.RowsLoaded = loadSummary.RowsLoaded
	summary.Periods = periodsOf(loadSummary.Results)

	if summary.Loaded == 0 {
		return nil
	}

	exportResults, err := o.Export(ctx, opts)
	if err != nil {
		return err
	}
	for _, status := range exportResults {
		if status == duck.ExportStatusExported {
			summary.Exported++
		}
	}

	if _, err := o.cfg.BigQueryForVendor(o.vendor); err != nil {
		log.Info("warehouse not configured, skipping sync")
		return nil
	}
	syncResults, err := o.Sync(ctx, opts)
	if err != nil {
		return err
	}
	for _, status := range syncResults {
		switch status {
		case warehouse.SyncStatusLoaded:
			summary.Synced++
		case warehouse.SyncStatusFailed:
			summary.SyncFailed++
		}
	}
	return nil
}

func (o *Orchestrator) dryRun(ctx context.Context, opts Options, summary Summary) (Summary, error) {
	loaded := o.loadedExecutions(ctx)
	manifests, err := o.discovery.Discover(ctx, func(period string) (string, bool) {
		id, ok := loaded[period]
		return id, ok
	})
	if err != nil {
		return summary, err
	}

	for _, m := range manifests {
		if !m.Period.InRange(opts.Start, opts.End) {
			continue
		}
		summary.Discovered++
		summary.Periods = append(summary.Periods, m.Period.String())
		logger.Info("would process",
			zap.String("period", m.Period.String()),
			zap.String("execution_id", m.ID),
			zap.Int("files", m.FileCount()))
	}
	return summary, nil
}

// Status summarizes manifest states and recent runs.
type Status struct {
	Manifests map[state.State]int
	Runs      []state.Run
	TableInfo *duck.TableInfo
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	manifests, err := o.states.Summary(o.vendor)
	if err != nil {
		return Status{}, err
	}
	runs, err := o.states.RecentRuns(5)
	if err != nil {
		return Status{}, err
	}
	info, err := o.store.Info(ctx, o.table)
	if err != nil {
		return Status{}, err
	}
	return Status{Manifests: manifests, Runs: runs, TableInfo: info}, nil
}

func periodsOf(results []duck.LoadResult) []string {
	seen := make(map[string]struct{})
	var periods []string
	for _, r := range results {
		if r.Status != duck.LoadStatusLoaded {
			continue
		}
		p := r.Period.String()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		periods = append(periods, p)
	}
	sort.Strings(periods)
	return periods
}
