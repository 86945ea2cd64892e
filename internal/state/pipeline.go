package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/bmp"
	"github.com/route-beacon/rib-decoder/internal/config"
	"github.com/route-beacon/rib-decoder/internal/ingest"
	"github.com/route-beacon/rib-decoder/internal/metrics"
)

const maxRetryBackoff = 30 * time.Second

// Store applies state changes. *Writer implements it.
type Store interface {
	FlushBatch(ctx context.Context, routes []*Route) error
	HandleEOR(ctx context.Context, routerID, tableName string, afi int) error
	HandlePeerUp(ctx context.Context, p *Peer) error
	HandlePeerDown(ctx context.Context, p *Peer) error
	UpsertRouter(ctx context.Context, r *Router) error
	HandleSessionTermination(ctx context.Context, routerID, reason string) error
}

type Pipeline struct {
	store         Store
	decoder       *ingest.Decoder
	routers       map[string]config.RouterMeta
	batchSize     int
	flushInterval time.Duration
	retryBackoff  time.Duration
	peersUp       map[string]map[string]bool
	logger        *zap.Logger
}

func NewPipeline(store Store, decoder *ingest.Decoder, routers map[string]config.RouterMeta, batchSize, flushIntervalMs int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:         store,
		decoder:       decoder,
		routers:       routers,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		retryBackoff:  500 * time.Millisecond,
		peersUp:       make(map[string]map[string]bool),
		logger:        logger,
	}
}

// Run processes records from the channel until context is cancelled.
// Successfully flushed records are sent on flushed for offset commit.
// Control actions retry until they are applied; if ctx ends first, Run
// returns without committing the control record or anything after it.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	var batch []*Route
	var batchRecords []*kgo.Record
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 || len(batchRecords) > 0 {
				if err := p.flush(context.WithoutCancel(ctx), batch, batchRecords, flushed); err != nil {
					p.logger.Error("final flush failed", zap.Error(err))
				}
			}
			return

		case recs, ok := <-records:
			if !ok {
				if len(batch) > 0 || len(batchRecords) > 0 {
					if err := p.flush(ctx, batch, batchRecords, flushed); err != nil {
						p.logger.Error("final flush failed", zap.Error(err))
					}
				}
				return
			}

			for _, rec := range recs {
				actions := p.processRecord(rec)

				for _, a := range actions {
					if a.kind == actionRoute {
						batch = append(batch, a.route)
						continue
					}
					// Routes before a control message must land first. The
					// control action is never applied over a failed flush.
					if len(batch) > 0 || len(batchRecords) > 0 {
						if err := p.retry(ctx, "flush", func(ctx context.Context) error {
							return p.flush(ctx, batch, batchRecords, flushed)
						}); err != nil {
							p.logger.Warn("stopping before control action", zap.String("action", a.kind.String()), zap.Error(err))
							return
						}
						batch = nil
						batchRecords = nil
					}
					if err := p.retry(ctx, a.kind.String(), func(ctx context.Context) error {
						return p.apply(ctx, a)
					}); err != nil {
						p.logger.Warn("stopping with unapplied control action", zap.String("action", a.kind.String()), zap.Error(err))
						return
					}
				}

				// Always track the record for offset commit, even if decoding
				// failed. This prevents undecodable records from stalling
				// partition progress. A record with control actions joins the
				// batch only once all of them are applied.
				batchRecords = append(batchRecords, rec)
			}

			if len(batchRecords) >= p.batchSize {
				if err := p.flush(ctx, batch, batchRecords, flushed); err != nil {
					p.logger.Error("batch flush failed", zap.Error(err))
				} else {
					batch = nil
					batchRecords = nil
				}
			}

			// Cap memory: if repeated flush failures cause the batch to
			// grow beyond 10x the configured size, drop it.
			if len(batchRecords) >= p.batchSize*10 {
				p.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_records", len(batchRecords)),
					zap.Int("dropped_routes", len(batch)),
				)
				batch = nil
				batchRecords = nil
			}

		case <-ticker.C:
			if len(batch) > 0 || len(batchRecords) > 0 {
				if err := p.flush(ctx, batch, batchRecords, flushed); err != nil {
					p.logger.Error("timer flush failed", zap.Error(err))
				} else {
					batch = nil
					batchRecords = nil
				}
			}
		}
	}
}

type actionKind int

const (
	actionRoute actionKind = iota
	actionEOR
	actionPeerUp
	actionPeerDown
	actionRouter
	actionTermination
)

func (k actionKind) String() string {
	switch k {
	case actionRoute:
		return "route"
	case actionEOR:
		return "eor"
	case actionPeerUp:
		return "peer_up"
	case actionPeerDown:
		return "peer_down"
	case actionRouter:
		return "router"
	case actionTermination:
		return "termination"
	}
	return "unknown"
}

type action struct {
	kind     actionKind
	route    *Route
	peer     *Peer
	router   *Router
	routerID string
	table    string
	afi      int
	reason   string
}

// processRecord maps the BMP messages of one record to state actions, in
// message order.
func (p *Pipeline) processRecord(rec *kgo.Record) []action {
	decoded, ok := p.decoder.Decode(rec)
	if !ok {
		return nil
	}

	var out []action
	for _, m := range decoded.Messages {
		routerID := decoded.RouterID(m.Peer)

		switch b := m.Body.(type) {
		case *bmp.RouteMonitoring:
			u, ok := b.Update()
			if !ok {
				continue
			}
			table := ingest.TableName(m.Peer, b)
			metrics.LastMsgTimestamp.WithLabelValues("state", routerID).SetToCurrentTime()
			if u.EndOfRIB {
				out = append(out, action{kind: actionEOR, routerID: routerID, table: table, afi: u.EndOfRIBFamily.Version()})
				continue
			}
			for _, ev := range bgp.Events(u) {
				metrics.KafkaMessagesTotal.WithLabelValues("state", rec.Topic, strconv.Itoa(ev.AFI), ev.Action).Inc()
				out = append(out, action{kind: actionRoute, route: &Route{RouterID: routerID, TableName: table, Event: ev}})
			}

		case *bmp.PeerUp:
			metrics.KafkaMessagesTotal.WithLabelValues("state", rec.Topic, "", "peer_up").Inc()
			out = append(out, action{kind: actionPeerUp, peer: peerUp(routerID, m.Peer, b)})

		case *bmp.PeerDown:
			metrics.KafkaMessagesTotal.WithLabelValues("state", rec.Topic, "", "peer_down").Inc()
			out = append(out, action{kind: actionPeerDown, peer: peerDown(routerID, m.Peer, b)})

		case *bmp.Initiation:
			out = append(out, action{kind: actionRouter, router: p.router(routerID, decoded, b)})

		case *bmp.Termination:
			reason := "terminated"
			if code, ok := b.Reason(); ok {
				reason = terminationReason(code)
			}
			out = append(out, action{kind: actionTermination, routerID: routerID, reason: reason})
		}
	}
	return out
}

func (p *Pipeline) apply(ctx context.Context, a action) error {
	var err error
	switch a.kind {
	case actionEOR:
		err = p.store.HandleEOR(ctx, a.routerID, a.table, a.afi)
	case actionPeerUp:
		err = p.store.HandlePeerUp(ctx, a.peer)
		if err == nil {
			p.trackPeer(a.peer.RouterID, a.peer.Key, true)
		}
	case actionPeerDown:
		err = p.store.HandlePeerDown(ctx, a.peer)
		if err == nil {
			p.trackPeer(a.peer.RouterID, a.peer.Key, false)
		}
	case actionRouter:
		err = p.store.UpsertRouter(ctx, a.router)
	case actionTermination:
		err = p.store.HandleSessionTermination(ctx, a.routerID, a.reason)
		if err == nil {
			delete(p.peersUp, a.routerID)
			metrics.PeersUp.WithLabelValues(a.routerID).Set(0)
		}
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", a.kind, err)
	}
	return nil
}

// retry runs fn until it succeeds or ctx is cancelled, backing off between
// attempts up to maxRetryBackoff.
func (p *Pipeline) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := p.retryBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		p.logger.Error("state update failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func (p *Pipeline) trackPeer(routerID, key string, up bool) {
	peers := p.peersUp[routerID]
	if peers == nil {
		peers = make(map[string]bool)
		p.peersUp[routerID] = peers
	}
	if up {
		peers[key] = true
	} else {
		delete(peers, key)
	}
	metrics.PeersUp.WithLabelValues(routerID).Set(float64(len(peers)))
}

// router builds router metadata from an initiation message and the
// operator's config for the router.
func (p *Pipeline) router(routerID string, rec *ingest.Record, init *bmp.Initiation) *Router {
	r := &Router{ID: routerID}
	if rec.RouterIP.IsValid() {
		r.IP = rec.RouterIP.String()
	}
	var descr []string
	for _, tlv := range init.TLVs {
		switch tlv.Type {
		case bmp.InfoTypeSysName:
			r.Hostname = tlv.String()
		case bmp.InfoTypeSysDescr:
			descr = append(descr, tlv.String())
		}
	}
	r.Description = strings.Join(descr, "\n")
	if meta, ok := p.routers[routerID]; ok {
		r.DisplayName = meta.Name
		r.Location = meta.Location
	}
	return r
}

func basePeer(routerID string, h *bmp.PeerHeader) *Peer {
	p := &Peer{
		RouterID: routerID,
		Key:      ingest.PeerKey(h),
		Type:     h.Type,
		AS:       h.AS,
		LocRIB:   h.LocRIB(),
		Time:     h.Time(),
		Tables:   ingest.PeerTables(h),
	}
	if h.BGPID.IsValid() {
		p.BGPID = h.BGPID.String()
	}
	if !h.LocRIB() {
		p.Address = h.Address.String()
		if !h.Distinguisher.IsZero() {
			p.RD = h.Distinguisher.String()
		}
	}
	return p
}

func peerUp(routerID string, h *bmp.PeerHeader, up *bmp.PeerUp) *Peer {
	p := basePeer(routerID, h)
	p.Up = true
	if up.LocalAddress.IsValid() && !up.LocalAddress.IsUnspecified() {
		p.LocalAddr = up.LocalAddress.String()
	}
	p.LocalPort = up.LocalPort
	p.RemotePort = up.RemotePort
	if up.SentOpen != nil && up.ReceivedOpen != nil {
		opts := bmp.Negotiated(bgp.Options{}, h, up)
		p.FourOctetAS = opts.FourByteASN
		p.AddPath = opts.AddPath
	}
	for _, tlv := range up.Info {
		if tlv.Type == bmp.InfoTypeVRFName {
			p.TableName = tlv.String()
		}
	}
	return p
}

func peerDown(routerID string, h *bmp.PeerHeader, down *bmp.PeerDown) *Peer {
	p := basePeer(routerID, h)
	p.DownReason = PeerDownReason(down.Reason)
	switch {
	case down.Notification != nil:
		p.DownDetail = down.Notification.String()
	case down.Reason == bmp.PeerDownLocalNoNotification:
		p.DownDetail = "fsm event " + strconv.Itoa(int(down.FSMEvent))
	}
	return p
}

// PeerDownReason names a BMP peer down reason code.
func PeerDownReason(r uint8) string {
	switch r {
	case bmp.PeerDownLocalNotification:
		return "local_notification"
	case bmp.PeerDownLocalNoNotification:
		return "local_no_notification"
	case bmp.PeerDownRemoteNotification:
		return "remote_notification"
	case bmp.PeerDownRemoteNoData:
		return "remote_no_data"
	case bmp.PeerDownDeconfigured:
		return "deconfigured"
	case bmp.PeerDownLocalTLV:
		return "local_system_closed"
	}
	return "reason_" + strconv.Itoa(int(r))
}

func terminationReason(code uint16) string {
	switch code {
	case 0:
		return "admin_close"
	case 1:
		return "unspecified"
	case 2:
		return "out_of_resources"
	case 3:
		return "redundant_connection"
	case 4:
		return "permanently_admin_close"
	}
	return "reason_" + strconv.Itoa(int(code))
}

func (p *Pipeline) flush(ctx context.Context, batch []*Route, records []*kgo.Record, flushed chan<- []*kgo.Record) error {
	if err := p.store.FlushBatch(ctx, batch); err != nil {
		return err
	}

	if len(records) == 0 {
		return nil
	}

	// Signal successful flush for offset commit.
	select {
	case flushed <- records:
	case <-ctx.Done():
	}

	return nil
}
