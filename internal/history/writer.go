package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/metrics"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

const insertEventSQL = `
INSERT INTO route_events (event_id, ingest_time, event_time, router_id, table_name,
	peer_address, peer_as, peer_bgp_id, is_loc_rib, is_post_policy,
	afi, safi, prefix, path_id, rd, labels, action, nexthop, as_path, origin_asn, origin,
	localpref, med, communities_std, communities_ext, communities_large, attrs, raw)
VALUES ($1, date_trunc('day', now()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
	$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
ON CONFLICT (event_id, ingest_time) DO NOTHING`

type Writer struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	storeRawBytes bool
	compressRaw   bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeRawBytes, compressRaw bool) *Writer {
	return &Writer{
		pool:          pool,
		logger:        logger,
		storeRawBytes: storeRawBytes,
		compressRaw:   compressRaw,
	}
}

// HistoryRow represents a single row to insert into route_events.
type HistoryRow struct {
	EventID      []byte // 32-byte SHA256
	EventTime    time.Time
	RouterID     string
	TableName    string
	PeerAddress  string
	PeerAS       uint32
	PeerBGPID    string
	IsLocRIB     bool
	IsPostPolicy bool
	Event        *bgp.RouteEvent
	Raw          []byte // BMP or MRT bytes the event came from
	Source       string // Kafka topic or file name, for dedup metric labeling
}

// FlushBatch inserts a batch of history rows into route_events.
// Returns the number of rows actually inserted (after dedup).
func (w *Writer) FlushBatch(ctx context.Context, rows []*HistoryRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, row := range rows {
		args, err := w.insertArgs(row)
		if err != nil {
			return 0, err
		}
		batch.Queue(insertEventSQL, args...)
	}

	results := tx.SendBatch(ctx, batch)
	var totalInserted int64
	for _, row := range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert route_event: %w", err)
		}
		affected := tag.RowsAffected()
		totalInserted += affected
		if affected == 0 {
			metrics.HistoryDedupConflictsTotal.WithLabelValues(row.Source).Inc()
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("history", "insert").Observe(dur)
	metrics.DBRowsAffectedTotal.WithLabelValues("history", "route_events", "insert").Add(float64(totalInserted))
	metrics.BatchSize.WithLabelValues("history").Observe(float64(len(rows)))

	return totalInserted, nil
}

func (w *Writer) insertArgs(row *HistoryRow) ([]any, error) {
	ev := row.Event

	var attrsJSON []byte
	if len(ev.Attrs) > 0 {
		var err error
		if attrsJSON, err = json.Marshal(ev.Attrs); err != nil {
			return nil, fmt.Errorf("marshal attrs: %w", err)
		}
	}

	var eventTime any
	if !row.EventTime.IsZero() {
		eventTime = row.EventTime
	}

	return []any{
		row.EventID, eventTime, row.RouterID, row.TableName,
		nilIfEmpty(row.PeerAddress), nilIfZero(int64(row.PeerAS)), nilIfEmpty(row.PeerBGPID),
		row.IsLocRIB, row.IsPostPolicy,
		ev.AFI, int16(ev.SAFI), ev.Prefix, nilIfZero(ev.PathID), nilIfEmpty(ev.RD), labels(ev.Labels),
		ev.Action, nilIfEmpty(ev.Nexthop), nilIfEmpty(ev.ASPath), bgp.OriginASN(ev.ASPath),
		nilIfEmpty(ev.Origin), ev.LocalPref, ev.MED,
		ev.CommStd, ev.CommExt, ev.CommLarge,
		attrsJSON, w.rawBytes(row.Raw),
	}, nil
}

func (w *Writer) rawBytes(raw []byte) []byte {
	if !w.storeRawBytes || raw == nil {
		return nil
	}
	if w.compressRaw {
		return zstdEncoder.EncodeAll(raw, nil)
	}
	return raw
}

// DecompressRaw reverses the compression FlushBatch applies to stored raw
// bytes.
func DecompressRaw(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(b, nil)
}

func labels(l []uint32) []int64 {
	if len(l) == 0 {
		return nil
	}
	out := make([]int64, len(l))
	for i, v := range l {
		out[i] = int64(v)
	}
	return out
}

func nilIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
