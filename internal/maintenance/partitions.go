package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var validPartitionName = regexp.MustCompile(`^route_events_\d{8}$`)

// summaryViews are refreshed after partition maintenance.
var summaryViews = []string{"route_summary", "adj_rib_summary"}

type PartitionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	timezone      string
	logger        *zap.Logger
	now           func() time.Time
}

func NewPartitionManager(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{
		pool:          pool,
		retentionDays: retentionDays,
		timezone:      timezone,
		logger:        logger,
		now:           time.Now,
	}
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	if err := pm.RefreshSummary(ctx); err != nil {
		return fmt.Errorf("refreshing route summary: %w", err)
	}
	return nil
}

// RunEvery runs maintenance at the given interval until ctx is cancelled.
// Failures are logged and retried on the next tick.
func (pm *PartitionManager) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pm.Run(ctx); err != nil && ctx.Err() == nil {
				pm.logger.Error("periodic maintenance failed", zap.Error(err))
			}
		}
	}
}

// RefreshSummary refreshes the summary materialized views concurrently.
func (pm *PartitionManager) RefreshSummary(ctx context.Context) error {
	for _, view := range summaryViews {
		sql := "REFRESH MATERIALIZED VIEW CONCURRENTLY " + pgx.Identifier{view}.Sanitize()
		if _, err := pm.pool.Exec(ctx, sql); err != nil {
			pm.logger.Warn("failed to refresh summary view (may not exist yet)", zap.String("view", view), zap.Error(err))
		}
	}
	return nil
}

// partition is one daily route_events partition covering [from, to).
type partition struct {
	name     string
	from, to time.Time
}

// upcomingPartitions returns the partitions for the day of now and the day
// after, cut at midnight in loc.
func upcomingPartitions(now time.Time, loc *time.Location) []partition {
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	out := make([]partition, 0, 2)
	for i := 0; i < 2; i++ {
		from := today.AddDate(0, 0, i)
		out = append(out, partition{
			name: "route_events_" + from.Format("20060102"),
			from: from,
			to:   from.AddDate(0, 0, 1),
		})
	}
	return out
}

// expiredPartitions returns the names of partitions whose day is before the
// retention cutoff. Names not of the form route_events_YYYYMMDD are skipped.
func expiredPartitions(names []string, now time.Time, loc *time.Location, retentionDays int, logger *zap.Logger) []string {
	cutoff := now.In(loc).AddDate(0, 0, -retentionDays)
	cutoffDate := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	var out []string
	for _, name := range names {
		if !validPartitionName.MatchString(name) {
			logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}
		partDate, err := time.ParseInLocation("20060102", name[len(name)-8:], loc)
		if err != nil {
			logger.Warn("cannot parse partition date", zap.String("partition", name))
			continue
		}
		if partDate.Before(cutoffDate) {
			out = append(out, name)
		}
	}
	return out
}

// CreatePartitions creates daily partitions for today and tomorrow using the configured timezone.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	for _, p := range upcomingPartitions(pm.now(), loc) {
		if err := pm.createPartition(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PartitionManager) createPartition(ctx context.Context, p partition) error {
	safeName := pgx.Identifier{p.name}.Sanitize()
	fromStr := p.from.UTC().Format("2006-01-02 15:04:05+00")
	toStr := p.to.UTC().Format("2006-01-02 15:04:05+00")

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF route_events FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, fromStr, toStr,
	)

	if _, err := pm.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", p.name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", p.name))

	indexes := []struct{ suffix, columns string }{
		{"prefix_history", "(prefix, router_id, table_name, event_time DESC)"},
		{"router_churn", "(router_id, table_name, afi, event_time DESC)"},
		{"origin_asn", "(origin_asn)"},
	}
	for _, idx := range indexes {
		safeIdx := pgx.Identifier{fmt.Sprintf("idx_%s_%s", p.name, idx.suffix)}.Sanitize()
		sql := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s %s`, safeIdx, safeName, idx.columns)
		if _, err := pm.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("creating %s index on %s: %w", idx.suffix, p.name, err)
		}
	}

	return nil
}

// DropOldPartitions drops partitions older than the configured retention period.
func (pm *PartitionManager) DropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	rows, err := pm.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = 'route_events'::regclass`)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scanning partition names: %w", err)
	}

	for _, name := range expiredPartitions(names, pm.now(), loc, pm.retentionDays, pm.logger) {
		dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
		if _, err := pm.pool.Exec(ctx, dropSQL); err != nil {
			return fmt.Errorf("dropping partition %s: %w", name, err)
		}
		pm.logger.Info("dropped old partition", zap.String("partition", name), zap.Int("retention_days", pm.retentionDays))
	}

	return nil
}
