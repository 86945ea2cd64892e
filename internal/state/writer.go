package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/ingest"
	"github.com/route-beacon/rib-decoder/internal/metrics"
)

// Route is one route event applied to current_routes.
type Route struct {
	RouterID  string
	TableName string
	Event     *bgp.RouteEvent
}

// Peer is a monitored BGP session as reported by peer up and peer down.
type Peer struct {
	RouterID    string
	Key         string // ingest.PeerKey
	Address     string
	RD          string
	Type        uint8
	AS          uint32
	BGPID       string
	LocRIB      bool
	Up          bool
	Time        time.Time
	TableName   string // Loc-RIB VRF/table name from the peer up information TLVs
	LocalAddr   string
	LocalPort   uint16
	RemotePort  uint16
	FourOctetAS bool
	AddPath     bool
	DownReason  string
	DownDetail  string
	Tables      []string // Adj-RIB tables of the peer; nil for Loc-RIB
}

// Router is router metadata from BMP initiation and operator config.
type Router struct {
	ID          string
	IP          string
	Hostname    string
	Description string
	DisplayName string
	Location    string
}

type Writer struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger) *Writer {
	return &Writer{pool: pool, logger: logger}
}

// FlushBatch writes a batch of route events to current_routes within a transaction.
func (w *Writer) FlushBatch(ctx context.Context, routes []*Route) error {
	if len(routes) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var upserted, deleted int64

	for _, r := range routes {
		switch r.Event.Action {
		case bgp.ActionAnnounce:
			n, err := w.upsertRoute(ctx, tx, r)
			if err != nil {
				return fmt.Errorf("upsert route: %w", err)
			}
			upserted += n
		case bgp.ActionWithdraw:
			n, err := w.deleteRoute(ctx, tx, r)
			if err != nil {
				return fmt.Errorf("delete route: %w", err)
			}
			deleted += n
		}

		if err := w.upsertSyncStatus(ctx, tx, r.RouterID, r.TableName, r.Event.AFI); err != nil {
			return fmt.Errorf("upsert sync status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("state", "batch").Observe(dur)
	metrics.DBRowsAffectedTotal.WithLabelValues("state", "current_routes", "upsert").Add(float64(upserted))
	metrics.DBRowsAffectedTotal.WithLabelValues("state", "current_routes", "delete").Add(float64(deleted))
	metrics.BatchSize.WithLabelValues("state").Observe(float64(len(routes)))

	return nil
}

// UpsertRouter inserts or updates router metadata. Empty fields keep the
// stored value.
func (w *Writer) UpsertRouter(ctx context.Context, r *Router) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO routers (router_id, router_ip, hostname, description, display_name, location, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (router_id) DO UPDATE SET
			router_ip    = COALESCE(EXCLUDED.router_ip, routers.router_ip),
			hostname     = COALESCE(EXCLUDED.hostname, routers.hostname),
			description  = COALESCE(EXCLUDED.description, routers.description),
			display_name = COALESCE(EXCLUDED.display_name, routers.display_name),
			location     = COALESCE(EXCLUDED.location, routers.location),
			last_seen    = now()`,
		r.ID, nullableString(r.IP), nullableString(r.Hostname), nullableString(r.Description),
		nullableString(r.DisplayName), nullableString(r.Location),
	)
	return err
}

func (w *Writer) upsertRoute(ctx context.Context, tx pgx.Tx, r *Route) (int64, error) {
	ev := r.Event
	var attrsJSON []byte
	if len(ev.Attrs) > 0 {
		var err error
		attrsJSON, err = json.Marshal(ev.Attrs)
		if err != nil {
			return 0, fmt.Errorf("marshal attrs: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO current_routes (router_id, table_name, afi, safi, rd, prefix, path_id, labels,
			nexthop, as_path, origin, localpref, med, origin_asn,
			communities_std, communities_ext, communities_large, attrs, first_seen, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now(), now())
		ON CONFLICT (router_id, table_name, afi, safi, rd, prefix, path_id)
		DO UPDATE SET
			labels = EXCLUDED.labels,
			nexthop = EXCLUDED.nexthop,
			as_path = EXCLUDED.as_path,
			origin = EXCLUDED.origin,
			localpref = EXCLUDED.localpref,
			med = EXCLUDED.med,
			origin_asn = EXCLUDED.origin_asn,
			communities_std = EXCLUDED.communities_std,
			communities_ext = EXCLUDED.communities_ext,
			communities_large = EXCLUDED.communities_large,
			attrs = EXCLUDED.attrs,
			updated_at = now()`,
		r.RouterID, r.TableName, ev.AFI, int16(ev.SAFI), ev.RD, ev.Prefix, ev.PathID, labels(ev.Labels),
		nullableString(ev.Nexthop), nullableString(ev.ASPath), nullableString(ev.Origin),
		ev.LocalPref, ev.MED, bgp.OriginASN(ev.ASPath),
		ev.CommStd, ev.CommExt, ev.CommLarge, attrsJSON,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (w *Writer) deleteRoute(ctx context.Context, tx pgx.Tx, r *Route) (int64, error) {
	ev := r.Event
	tag, err := tx.Exec(ctx, `
		DELETE FROM current_routes
		WHERE router_id = $1 AND table_name = $2 AND afi = $3 AND safi = $4 AND rd = $5 AND prefix = $6 AND path_id = $7`,
		r.RouterID, r.TableName, ev.AFI, int16(ev.SAFI), ev.RD, ev.Prefix, ev.PathID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (w *Writer) upsertSyncStatus(ctx context.Context, tx pgx.Tx, routerID, tableName string, afi int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rib_sync_status (router_id, table_name, afi, last_parsed_msg_time, session_start_time, eor_seen, updated_at)
		VALUES ($1, $2, $3, now(), now(), false, now())
		ON CONFLICT (router_id, table_name, afi)
		DO UPDATE SET last_parsed_msg_time = now(), updated_at = now()`,
		routerID, tableName, afi,
	)
	return err
}

// HandleEOR updates sync status and purges stale routes after End-of-RIB.
func (w *Writer) HandleEOR(ctx context.Context, routerID, tableName string, afi int) error {
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The row may not exist yet when the table was empty before End-of-RIB.
	var sessionStart *time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO rib_sync_status (router_id, table_name, afi, session_start_time, eor_seen, eor_time, updated_at)
		VALUES ($1, $2, $3, now(), true, now(), now())
		ON CONFLICT (router_id, table_name, afi)
		DO UPDATE SET eor_seen = true, eor_time = now(), updated_at = now()
		RETURNING session_start_time`,
		routerID, tableName, afi,
	).Scan(&sessionStart)
	if err != nil {
		return fmt.Errorf("update eor status: %w", err)
	}

	if sessionStart != nil {
		tag, err := tx.Exec(ctx,
			`DELETE FROM current_routes WHERE router_id = $1 AND table_name = $2 AND afi = $3 AND updated_at < $4`,
			routerID, tableName, afi, *sessionStart,
		)
		if err != nil {
			return fmt.Errorf("purge stale routes: %w", err)
		}
		purged := tag.RowsAffected()
		if purged > 0 {
			metrics.RoutesPurgedTotal.WithLabelValues("eor_stale").Add(float64(purged))
			w.logger.Info("purged stale routes after EOR",
				zap.String("router_id", routerID),
				zap.String("table_name", tableName),
				zap.Int("afi", afi),
				zap.Int64("purged", purged),
			)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit eor tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("state", "eor").Observe(dur)
	metrics.EORSeen.WithLabelValues(routerID, tableName, strconv.Itoa(afi)).Set(1)

	return nil
}

// HandlePeerUp records the session and restarts the sync window of its
// tables, so the next End-of-RIB purges routes the new session did not
// re-announce.
func (w *Writer) HandlePeerUp(ctx context.Context, p *Peer) error {
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := upsertPeer(ctx, tx, p); err != nil {
		return fmt.Errorf("upsert peer %s/%s: %w", p.RouterID, p.Key, err)
	}

	if p.LocRIB {
		_, err = tx.Exec(ctx, `
			UPDATE rib_sync_status SET session_start_time = now(), eor_seen = false, eor_time = NULL, updated_at = now()
			WHERE router_id = $1 AND table_name NOT LIKE $2`,
			p.RouterID, ingest.AdjRIBPrefix+"%",
		)
		if err != nil {
			return fmt.Errorf("reset loc-rib sync status: %w", err)
		}
	} else {
		for _, table := range p.Tables {
			for _, afi := range []int{4, 6} {
				if err := updateSessionStart(ctx, tx, p.RouterID, table, afi); err != nil {
					return fmt.Errorf("reset sync status for %s: %w", table, err)
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit peer up tx: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("state", "peer_up").Observe(time.Since(start).Seconds())
	return nil
}

// HandlePeerDown marks the session down and purges the routes it fed. A
// Loc-RIB peer down purges every Loc-RIB table of the router.
func (w *Writer) HandlePeerDown(ctx context.Context, p *Peer) error {
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := upsertPeer(ctx, tx, p); err != nil {
		return fmt.Errorf("upsert peer %s/%s: %w", p.RouterID, p.Key, err)
	}

	var purged int64
	if p.LocRIB {
		purged, err = purge(ctx, tx, `router_id = $1 AND table_name NOT LIKE $2`, p.RouterID, ingest.AdjRIBPrefix+"%")
	} else {
		purged, err = purge(ctx, tx, `router_id = $1 AND table_name = ANY($2)`, p.RouterID, p.Tables)
	}
	if err != nil {
		return fmt.Errorf("purge routes for peer %s/%s: %w", p.RouterID, p.Key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit peer down tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("state", "peer_down").Observe(time.Since(start).Seconds())
	if purged > 0 {
		metrics.RoutesPurgedTotal.WithLabelValues("peer_down").Add(float64(purged))
	}
	w.logger.Info("purged routes on peer down",
		zap.String("router_id", p.RouterID),
		zap.String("peer", p.Key),
		zap.String("reason", p.DownReason),
		zap.Int64("purged", purged),
	)
	return nil
}

// HandleSessionTermination purges all routes and sync status of a router
// whose BMP session ended, and marks its peers down.
func (w *Writer) HandleSessionTermination(ctx context.Context, routerID, reason string) error {
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	purged, err := purge(ctx, tx, `router_id = $1`, routerID)
	if err != nil {
		return fmt.Errorf("purge routes for router %s: %w", routerID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE bmp_peers SET state = 'down', down_time = now(), down_reason = $2, updated_at = now()
		WHERE router_id = $1 AND state = 'up'`,
		routerID, reason,
	)
	if err != nil {
		return fmt.Errorf("mark peers down for router %s: %w", routerID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit session termination tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("state", "session_termination").Observe(dur)
	if purged > 0 {
		metrics.RoutesPurgedTotal.WithLabelValues("session_down").Add(float64(purged))
	}

	w.logger.Info("purged routes on session termination",
		zap.String("router_id", routerID),
		zap.String("reason", reason),
		zap.Int64("purged", purged),
	)

	return nil
}

// purge deletes the current_routes and rib_sync_status rows matching where.
func purge(ctx context.Context, tx pgx.Tx, where string, args ...any) (int64, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM current_routes WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rib_sync_status WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("delete sync status: %w", err)
	}
	return tag.RowsAffected(), nil
}

func upsertPeer(ctx context.Context, tx pgx.Tx, p *Peer) error {
	state := "down"
	if p.Up {
		state = "up"
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO bmp_peers (router_id, peer_key, peer_address, peer_rd, peer_type, peer_as, peer_bgp_id,
			is_loc_rib, table_name, state, local_address, local_port, remote_port, four_octet_as, add_path,
			up_time, down_time, down_reason, down_detail, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			CASE WHEN $10 = 'up' THEN $16::timestamptz END,
			CASE WHEN $10 = 'down' THEN $16::timestamptz END,
			$17, $18, now())
		ON CONFLICT (router_id, peer_key) DO UPDATE SET
			peer_as       = EXCLUDED.peer_as,
			peer_bgp_id   = EXCLUDED.peer_bgp_id,
			state         = EXCLUDED.state,
			table_name    = COALESCE(EXCLUDED.table_name, bmp_peers.table_name),
			local_address = COALESCE(EXCLUDED.local_address, bmp_peers.local_address),
			local_port    = COALESCE(EXCLUDED.local_port, bmp_peers.local_port),
			remote_port   = COALESCE(EXCLUDED.remote_port, bmp_peers.remote_port),
			four_octet_as = CASE WHEN EXCLUDED.state = 'up' THEN EXCLUDED.four_octet_as ELSE bmp_peers.four_octet_as END,
			add_path      = CASE WHEN EXCLUDED.state = 'up' THEN EXCLUDED.add_path ELSE bmp_peers.add_path END,
			up_time       = COALESCE(EXCLUDED.up_time, bmp_peers.up_time),
			down_time     = CASE WHEN EXCLUDED.state = 'up' THEN NULL ELSE EXCLUDED.down_time END,
			down_reason   = EXCLUDED.down_reason,
			down_detail   = EXCLUDED.down_detail,
			updated_at    = now()`,
		p.RouterID, p.Key, nullableString(p.Address), p.RD, int16(p.Type), int64(p.AS), nullableString(p.BGPID),
		p.LocRIB, nullableString(p.TableName), state, nullableString(p.LocalAddr), nullablePort(p.LocalPort), nullablePort(p.RemotePort),
		p.FourOctetAS, p.AddPath, p.Time, nullableString(p.DownReason), nullableString(p.DownDetail),
	)
	return err
}

func updateSessionStart(ctx context.Context, tx pgx.Tx, routerID, tableName string, afi int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rib_sync_status (router_id, table_name, afi, session_start_time, eor_seen, updated_at)
		VALUES ($1, $2, $3, now(), false, now())
		ON CONFLICT (router_id, table_name, afi)
		DO UPDATE SET session_start_time = now(), eor_seen = false, eor_time = NULL, updated_at = now()`,
		routerID, tableName, afi,
	)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullablePort(p uint16) any {
	if p == 0 {
		return nil
	}
	return int32(p)
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
