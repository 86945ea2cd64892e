package history

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/mrt"
)

// Table name prefixes for MRT-sourced events.
const (
	MRTRIBTable     = "mrt-rib/"
	MRTUpdatesTable = "mrt-updates/"
)

// MRTConverter turns MRT records into history rows. RouterID, when set,
// overrides the collector identity found in the records.
type MRTConverter struct {
	RouterID string
	Source   string
}

// Rows converts rec. peers is the latest PEER_INDEX_TABLE, needed for
// TABLE_DUMP_V2 RIB records; entries whose peer it cannot resolve are
// skipped. Records that carry no routes yield nil.
func (c *MRTConverter) Rows(rec *mrt.Record, peers *mrt.PeerIndexTable) []*HistoryRow {
	switch b := rec.Body.(type) {
	case *mrt.RIB:
		if peers == nil {
			return nil
		}
		var rows []*HistoryRow
		for i := range b.Entries {
			e := &b.Entries[i]
			peer, ok := peers.Peer(e.PeerIndex)
			if !ok {
				continue
			}
			base := c.base(rec, peers.CollectorID, peer.Address, peer.AS, MRTRIBTable)
			base.PeerBGPID = peer.BGPID.String()
			rows = append(rows, c.rows(base, e.Time(), b.EntryEvents(i))...)
		}
		return rows

	case *mrt.TableDump:
		base := c.base(rec, netip.Addr{}, b.PeerAddress, b.PeerAS, MRTRIBTable)
		return c.rows(base, time.Unix(int64(b.OriginatedTime), 0).UTC(), b.Events())

	case *mrt.BGP4MPMessage:
		if b.Local || b.BGP == nil {
			return nil
		}
		u, ok := b.BGP.Update()
		if !ok || u.EndOfRIB {
			return nil
		}
		base := c.base(rec, b.LocalAddress, b.PeerAddress, b.PeerAS, MRTUpdatesTable)
		return c.rows(base, rec.Time(), bgp.Events(u))
	}
	return nil
}

func (c *MRTConverter) base(rec *mrt.Record, collector, peer netip.Addr, peerAS uint32, table string) HistoryRow {
	router := c.RouterID
	if router == "" && collector.IsValid() {
		router = collector.String()
	}
	if router == "" {
		router = "mrt"
	}
	return HistoryRow{
		EventTime:   rec.Time(),
		RouterID:    router,
		TableName:   table + peer.String(),
		PeerAddress: peer.String(),
		PeerAS:      peerAS,
		Source:      c.Source,
	}
}

// rows stamps events with IDs built from the record identity, so importing
// the same archive twice deduplicates.
func (c *MRTConverter) rows(base HistoryRow, originated time.Time, events []*bgp.RouteEvent) []*HistoryRow {
	identity := []byte(fmt.Sprintf("mrt|%s|%s|%d|%d", base.RouterID, base.PeerAddress,
		base.EventTime.UnixMicro(), originated.Unix()))
	rows := make([]*HistoryRow, 0, len(events))
	for _, ev := range events {
		row := base
		row.EventID = ComputeEventID(identity, ev)
		row.Event = ev
		rows = append(rows, &row)
	}
	return rows
}
