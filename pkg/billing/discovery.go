package billing

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/finopsctl/billingpipe/pkg/errors"
	"github.com/finopsctl/billingpipe/pkg/logger"
	"github.com/finopsctl/billingpipe/pkg/objectstore"
)

// Source describes where one vendor publishes its billing exports.
type Source struct {
	Vendor     string
	Format     Format
	Bucket     string
	Prefix     string
	ExportName string
}

// LoadedExecutionFunc reports the execution ID currently loaded for a
// billing period, if any. Discovery uses it to skip manifests whose
// data is already in the destination.
type LoadedExecutionFunc func(period string) (executionID string, ok bool)

// Discovery finds billing export manifests in object storage.
type Discovery struct {
	client objectstore.Client
	src    Source
}

func NewDiscovery(client objectstore.Client, src Source) *Discovery {
	return &Discovery{client: client, src: src}
}

// Discover lists manifest objects matching the source's naming pattern,
// parses each into a Manifest, keeps one manifest per billing period,
// and filters out manifests whose execution ID is already loaded for
// their period. Results are sorted newest billing period first. A
// single unparseable manifest is logged and skipped; a listing failure
// aborts discovery.
func (d *Discovery) Discover(ctx context.Context, loaded LoadedExecutionFunc) ([]*Manifest, error) {
	pattern, err := d.manifestPattern()
	if err != nil {
		return nil, err
	}

	keys, err := d.client.List(ctx, d.basePrefix())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "manifest discovery failed").
			WithDetail("vendor", d.src.Vendor).
			WithDetail("bucket", d.src.Bucket)
	}

	var manifests []*Manifest
	for _, key := range keys {
		if !pattern.MatchString(key) {
			continue
		}
		data, err := d.client.Get(ctx, key)
		if err != nil {
			logger.Warn("failed to fetch manifest, skipping",
				zap.String("key", key), zap.Error(err))
			continue
		}
		m, err := ParseManifest(data, d.src.Bucket, key, d.src.Format)
		if err != nil {
			logger.Warn("failed to parse manifest, skipping",
				zap.String("key", key), zap.Error(err))
			continue
		}
		manifests = append(manifests, m)
	}

	manifests = latestPerPeriod(manifests)

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[j].Period.Before(manifests[i].Period)
	})

	if loaded == nil {
		return manifests, nil
	}

	filtered := manifests[:0]
	for _, m := range manifests {
		if id, ok := loaded(m.Period.String()); ok && id == m.ID {
			logger.Info("skipping manifest already loaded",
				zap.String("period", m.Period.String()),
				zap.String("execution_id", m.ID))
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered, nil
}

// latestPerPeriod collapses the listing to one manifest per billing
// period. Azure keeps every export run's manifest in the container, so
// a period can match several; only one execution can occupy a period's
// partition, and the greatest key wins since run paths sort by
// timestamp. CUR manifests are replaced in place, one per period.
func latestPerPeriod(manifests []*Manifest) []*Manifest {
	byPeriod := make(map[string]*Manifest, len(manifests))
	for _, m := range manifests {
		cur, ok := byPeriod[m.Period.String()]
		if ok && cur.Key >= m.Key {
			continue
		}
		if ok {
			logger.Info("superseding older manifest for period",
				zap.String("period", m.Period.String()),
				zap.String("superseded_id", cur.ID),
				zap.String("execution_id", m.ID))
		}
		byPeriod[m.Period.String()] = m
	}

	kept := manifests[:0]
	for _, m := range manifests {
		if byPeriod[m.Period.String()] == m {
			kept = append(kept, m)
		}
	}
	return kept
}

// basePrefix is the listing prefix shared by every manifest version.
func (d *Discovery) basePrefix() string {
	if d.src.Prefix == "" {
		return d.src.ExportName + "/"
	}
	return strings.TrimSuffix(d.src.Prefix, "/") + "/" + d.src.ExportName + "/"
}

func (d *Discovery) manifestPattern() (*regexp.Regexp, error) {
	base := regexp.QuoteMeta(d.basePrefix())
	export := regexp.QuoteMeta(d.src.ExportName)

	var expr string
	switch d.src.Format {
	case FormatCURv1:
		expr = fmt.Sprintf(`^%s\d{8}-\d{8}/%s-Manifest\.json$`, base, export)
	case FormatCURv2:
		expr = fmt.Sprintf(`^%smetadata/BILLING_PERIOD=\d{4}-\d{2}/%s-Manifest\.json$`, base, export)
	case FormatAzure:
		expr = fmt.Sprintf(`^%s.+/manifest\.json$`, base)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported manifest format %q", d.src.Format)
	}
	return regexp.MustCompile(expr), nil
}
