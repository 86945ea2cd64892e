package history

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/bmp"
	"github.com/route-beacon/rib-decoder/internal/ingest"
	"github.com/route-beacon/rib-decoder/internal/metrics"
)

// FlushWriter persists history rows. *Writer implements it.
type FlushWriter interface {
	FlushBatch(ctx context.Context, rows []*HistoryRow) (int64, error)
}

type Pipeline struct {
	writer        FlushWriter
	pool          *pgxpool.Pool // rib_sync_status updates; nil skips them
	decoder       *ingest.Decoder
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewPipeline(writer FlushWriter, pool *pgxpool.Pool, decoder *ingest.Decoder, batchSize, flushIntervalMs int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		writer:        writer,
		pool:          pool,
		decoder:       decoder,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// Run processes records from the channel until context is cancelled.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	var batch []*HistoryRow
	var batchRecords []*kgo.Record
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batchRecords) > 0 {
				// The consumer context is gone; give the final write its own.
				p.flush(context.WithoutCancel(ctx), batch, batchRecords, flushed)
			}
			return

		case recs, ok := <-records:
			if !ok {
				if len(batchRecords) > 0 {
					p.flush(ctx, batch, batchRecords, flushed)
				}
				return
			}

			for _, rec := range recs {
				batch = append(batch, p.processRecord(rec)...)
				// Undecodable records are tracked too so they cannot stall
				// partition progress.
				batchRecords = append(batchRecords, rec)
			}

			if len(batchRecords) >= p.batchSize {
				if p.flush(ctx, batch, batchRecords, flushed) {
					batch = nil
					batchRecords = nil
				}
			}

			// Cap memory: if repeated flush failures cause the batch to
			// grow beyond 10x the configured size, drop it.
			if len(batchRecords) >= p.batchSize*10 {
				p.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_records", len(batchRecords)),
					zap.Int("dropped_rows", len(batch)),
				)
				batch = nil
				batchRecords = nil
			}

		case <-ticker.C:
			if len(batchRecords) > 0 {
				if p.flush(ctx, batch, batchRecords, flushed) {
					batch = nil
					batchRecords = nil
				}
			}
		}
	}
}

// processRecord turns the route monitoring messages of one record into
// history rows, one per announced or withdrawn prefix.
func (p *Pipeline) processRecord(rec *kgo.Record) []*HistoryRow {
	decoded, ok := p.decoder.Decode(rec)
	if !ok {
		return nil
	}

	var rows []*HistoryRow
	for _, m := range decoded.Messages {
		rm, ok := m.Body.(*bmp.RouteMonitoring)
		if !ok {
			continue
		}
		u, ok := rm.Update()
		if !ok || u.EndOfRIB {
			continue
		}

		events := bgp.Events(u)
		if len(events) == 0 {
			continue
		}

		h := m.Peer
		base := HistoryRow{
			EventTime:    h.Time(),
			RouterID:     decoded.RouterID(h),
			TableName:    ingest.TableName(h, rm),
			IsLocRIB:     h.LocRIB(),
			IsPostPolicy: h.PostPolicy(),
			Raw:          m.Raw,
			Source:       rec.Topic,
		}
		if !h.LocRIB() {
			base.PeerAddress = h.Address.String()
			base.PeerAS = h.AS
			base.PeerBGPID = h.BGPID.String()
		}

		for _, ev := range events {
			metrics.KafkaMessagesTotal.WithLabelValues("history", rec.Topic, strconv.Itoa(ev.AFI), ev.Action).Inc()
			row := base
			row.EventID = ComputeEventID(m.Raw, ev)
			row.Event = ev
			rows = append(rows, &row)
		}
	}
	return rows
}

func (p *Pipeline) flush(ctx context.Context, batch []*HistoryRow, records []*kgo.Record, flushed chan<- []*kgo.Record) bool {
	inserted, err := p.writer.FlushBatch(ctx, batch)
	if err != nil {
		p.logger.Error("history batch flush failed", zap.Error(err))
		return false
	}

	p.logger.Debug("history batch flushed",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted),
		zap.Int64("deduped", int64(len(batch))-inserted),
	)

	p.updateSyncStatus(ctx, batch)

	// Signal successful flush for offset commit.
	select {
	case flushed <- records:
	case <-ctx.Done():
	}

	return true
}

// updateSyncStatus updates last_raw_msg_time for each unique router/table/afi in the batch.
func (p *Pipeline) updateSyncStatus(ctx context.Context, batch []*HistoryRow) {
	type key struct {
		r, t string
		a    int
	}
	seen := make(map[key]bool)

	for _, row := range batch {
		k := key{row.RouterID, row.TableName, row.Event.AFI}
		if seen[k] {
			continue
		}
		seen[k] = true
		metrics.LastMsgTimestamp.WithLabelValues("history", row.RouterID).SetToCurrentTime()

		if p.pool == nil {
			continue
		}
		_, err := p.pool.Exec(ctx, `
			INSERT INTO rib_sync_status (router_id, table_name, afi, last_raw_msg_time, updated_at)
			VALUES ($1, $2, $3, now(), now())
			ON CONFLICT (router_id, table_name, afi)
			DO UPDATE SET last_raw_msg_time = now(), updated_at = now()`,
			row.RouterID, row.TableName, row.Event.AFI,
		)
		if err != nil {
			p.logger.Warn("failed to update sync status for raw msg",
				zap.String("router_id", row.RouterID),
				zap.Error(err),
			)
		}
	}
}
