package ingest

import (
	"strings"

	"github.com/route-beacon/rib-decoder/internal/bmp"
)

// DefaultLocRIBTable names a Loc-RIB that did not send a table name TLV.
const DefaultLocRIBTable = "loc-rib"

// AdjRIBPrefix starts every Adj-RIB table name.
const AdjRIBPrefix = "adj-rib-"

// TableName names the RIB a route monitoring message reports on. Loc-RIB
// uses the router's table name; Adj-RIB tables are per peer and policy side,
// e.g. "adj-rib-in-post/192.0.2.2" or "adj-rib-in-pre/192.0.2.2/65001:1".
func TableName(h *bmp.PeerHeader, rm *bmp.RouteMonitoring) string {
	if h.LocRIB() {
		if rm != nil {
			if name := rm.TableName(); name != "" {
				return name
			}
		}
		return DefaultLocRIBTable
	}
	return adjRIBName(h, h.AdjRIBOut(), h.PostPolicy())
}

// PeerTables lists every Adj-RIB table of the peer in h. It is empty for a
// Loc-RIB peer, whose table names are only known from route monitoring.
func PeerTables(h *bmp.PeerHeader) []string {
	if h.LocRIB() {
		return nil
	}
	return []string{
		adjRIBName(h, false, false),
		adjRIBName(h, false, true),
		adjRIBName(h, true, false),
		adjRIBName(h, true, true),
	}
}

func adjRIBName(h *bmp.PeerHeader, out, post bool) string {
	var sb strings.Builder
	sb.WriteString(AdjRIBPrefix)
	if out {
		sb.WriteString("out-")
	} else {
		sb.WriteString("in-")
	}
	if post {
		sb.WriteString("post/")
	} else {
		sb.WriteString("pre/")
	}
	sb.WriteString(h.Address.String())
	if !h.Distinguisher.IsZero() {
		sb.WriteByte('/')
		sb.WriteString(h.Distinguisher.String())
	}
	return sb.String()
}

// PeerKey renders the identity of a monitored peer within its router.
func PeerKey(h *bmp.PeerHeader) string {
	if h.LocRIB() {
		return DefaultLocRIBTable
	}
	key := h.Address.String()
	if !h.Distinguisher.IsZero() {
		key += "/" + h.Distinguisher.String()
	}
	return key
}
