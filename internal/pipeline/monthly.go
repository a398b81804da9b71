package pipeline

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finopsctl/billingpipe/pkg/billing"
	"github.com/finopsctl/billingpipe/pkg/duck"
	"github.com/finopsctl/billingpipe/pkg/errors"
	"github.com/finopsctl/billingpipe/pkg/logger"
	"github.com/finopsctl/billingpipe/pkg/schema"
	"github.com/finopsctl/billingpipe/pkg/state"
)

// runMonthly processes staged manifests one billing month at a time to
// bound peak memory: load a month, export it, truncate the local table,
// move on. It trades repeated schema-check overhead for a flat memory
// ceiling independent of total history size.
func (o *Orchestrator) runMonthly(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{
		RunID:  uuid.NewString(),
		Vendor: o.vendor,
	}

	if err := o.states.StartRun(summary.RunID, o.vendor); err != nil {
		return summary, err
	}
	log := logger.With(zap.String("run_id", summary.RunID), zap.String("vendor", o.vendor))
	log.Info("monthly pipeline run started")

	manifests, err := o.Discover(ctx)
	if err != nil {
		o.states.FinishRun(summary.RunID, "failed", 0, 0, err.Error())
		return summary, err
	}
	summary.Discovered = len(manifests)

	extractStats, err := o.Extract(ctx, opts)
	if err != nil {
		o.states.FinishRun(summary.RunID, "failed", 0, 0, err.Error())
		return summary, err
	}
	summary.Staged = extractStats.ManifestsStaged

	records, err := o.states.ManifestsInRange(o.vendor, state.StateStaged, opts.Start, opts.End)
	if err != nil {
		o.states.FinishRun(summary.RunID, "failed", 0, 0, err.Error())
		return summary, err
	}
	records, err = o.collapseStaged(records)
	if err != nil {
		o.states.FinishRun(summary.RunID, "failed", 0, 0, err.Error())
		return summary, err
	}

	byMonth := make(map[string][]state.Record)
	for _, r := range records {
		byMonth[r.BillingPeriod] = append(byMonth[r.BillingPeriod], r)
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	known, err := o.knownColumnSets()
	if err != nil {
		o.states.FinishRun(summary.RunID, "failed", 0, 0, err.Error())
		return summary, err
	}

	for _, month := range months {
		monthLog := log.With(zap.String("period", month))
		monthLog.Info("processing month", zap.Int("executions", len(byMonth[month])))

		rows, err := o.processMonth(ctx, byMonth[month], known, opts.Overwrite, monthLog)
		if err != nil {
			monthLog.Error("month failed", zap.Error(err))
			summary.Failed++
			continue
		}
		summary.Loaded += len(byMonth[month])
		summary.RowsLoaded += rows
		summary.Periods = append(summary.Periods, month)
		summary.Exported++
	}

	status := "completed"
	if summary.Failed > 0 {
		status = "completed_with_failures"
	}
	if err := o.states.FinishRun(summary.RunID, status, len(summary.Periods), summary.RowsLoaded, ""); err != nil {
		return summary, err
	}
	log.Info("monthly pipeline run finished",
		zap.String("status", status),
		zap.Int("months", len(summary.Periods)),
		zap.Int64("rows_loaded", summary.RowsLoaded))
	return summary, nil
}

// processMonth loads one month's executions, exports them, and
// truncates the local table. Any load or export failure fails the whole
// month so its partial state never survives the truncate.
func (o *Orchestrator) processMonth(ctx context.Context, records []state.Record, known [][]schema.SourceColumn, overwrite bool, log *zap.Logger) (int64, error) {
	var rows int64
	var manifests []*billing.Manifest

	for _, r := range records {
		m, err := r.Manifest()
		if err != nil {
			return rows, err
		}
		manifests = append(manifests, m)

		if err := o.states.UpdateState(m.ID, state.StateLoading, ""); err != nil {
			return rows, err
		}
		result := o.loader.Load(ctx, m, o.extractor.DataFilePaths(m), known)
		if result.Status != duck.LoadStatusLoaded {
			o.states.UpdateState(m.ID, state.StateFailed, resultError(result))
			loadErr := result.Err
			if loadErr == nil {
				loadErr = errors.New(errors.ErrorTypeData, "execution load failed")
			}
			return rows, errors.Wrap(loadErr, errors.ErrorTypeData, "execution load failed").
				WithDetail("execution_id", m.ID)
		}
		rows += result.RowsLoaded
		if err := o.states.UpdateState(m.ID, state.StateLoaded, ""); err != nil {
			return rows, err
		}
	}

	results := o.exporter.ExportExecutions(ctx, manifests, overwrite)
	for key, status := range results {
		if status == duck.ExportStatusFailed {
			return rows, errors.New(errors.ErrorTypeData, "execution export failed").
				WithDetail("execution", key)
		}
	}

	cleared, err := o.store.Truncate(ctx, o.table)
	if err != nil {
		return rows, err
	}
	log.Info("month complete, local table truncated",
		zap.Int64("rows_loaded", rows),
		zap.Int64("rows_cleared", cleared))
	return rows, nil
}

func resultError(r duck.LoadResult) string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return "load failed"
}
