package bgp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// RouteEvent represents a single route event extracted from a BGP UPDATE or
// an MRT RIB entry.
type RouteEvent struct {
	AFI       int    // 4 or 6
	SAFI      uint8
	Prefix    string // CIDR notation
	PathID    int64  // 0 if no Add-Path
	RD        string // VPN routes only
	Labels    []uint32
	Action    string // "A" or "D"
	Nexthop   string
	ASPath    string
	Origin    string
	LocalPref *uint32
	MED       *uint32
	CommStd   []string
	CommExt   []string
	CommLarge []string
	Attrs     map[string]string // Unknown attributes as hex strings
}

const (
	ActionAnnounce = "A"
	ActionWithdraw = "D"
)

// Events flattens an UPDATE into one event per announced or withdrawn prefix
// of the IPv4 sections and of MP_REACH_NLRI / MP_UNREACH_NLRI. EVPN and
// BGP-LS NLRI are not prefixes and produce no events.
func Events(u *Update) []*RouteEvent {
	var events []*RouteEvent

	for _, p := range u.Withdrawn {
		events = append(events, &RouteEvent{
			AFI:    4,
			SAFI:   SAFIUnicast,
			Prefix: p.Prefix.String(),
			PathID: int64(p.PathID),
			Action: ActionWithdraw,
		})
	}

	pa := summarize(u.Attributes)
	for _, p := range u.NLRI {
		ev := pa.event(FamilyIPv4Unicast)
		ev.Prefix = p.Prefix.String()
		ev.PathID = int64(p.PathID)
		events = append(events, ev)
	}

	if mp := u.MPReach(); mp != nil && mp.NLRI != nil {
		events = append(events, AnnounceEvents(mp.Family, mp.NLRI, u.Attributes)...)
	}
	if mp := u.MPUnreach(); mp != nil && mp.NLRI != nil {
		events = append(events, WithdrawEvents(mp.Family, mp.NLRI)...)
	}
	return events
}

// AnnounceEvents builds announcement events for every prefix in nlri, all
// sharing the path attributes attrs.
func AnnounceEvents(fam Family, nlri NLRI, attrs []Attribute) []*RouteEvent {
	pa := summarize(attrs)
	var events []*RouteEvent
	eachPrefix(fam, nlri, func(ev *RouteEvent) {
		base := pa.event(fam)
		base.Prefix, base.PathID, base.RD, base.Labels = ev.Prefix, ev.PathID, ev.RD, ev.Labels
		events = append(events, base)
	})
	return events
}

// WithdrawEvents builds withdrawal events for every prefix in nlri.
func WithdrawEvents(fam Family, nlri NLRI) []*RouteEvent {
	var events []*RouteEvent
	eachPrefix(fam, nlri, func(ev *RouteEvent) {
		ev.Action = ActionWithdraw
		events = append(events, ev)
	})
	return events
}

func eachPrefix(fam Family, nlri NLRI, fn func(*RouteEvent)) {
	afi := afiToVersion(fam.AFI)
	if afi == 0 {
		return
	}
	switch n := nlri.(type) {
	case UnicastNLRI:
		for _, p := range n {
			fn(&RouteEvent{AFI: afi, SAFI: fam.SAFI, Prefix: p.Prefix.String(), PathID: int64(p.PathID)})
		}
	case LabeledNLRI:
		for _, p := range n {
			fn(&RouteEvent{AFI: afi, SAFI: fam.SAFI, Prefix: p.Prefix.String(), PathID: int64(p.PathID), Labels: p.Labels})
		}
	case VPNNLRI:
		for _, p := range n {
			fn(&RouteEvent{AFI: afi, SAFI: fam.SAFI, Prefix: p.Prefix.String(), PathID: int64(p.PathID), RD: p.RD.String(), Labels: p.Labels})
		}
	}
}

func afiToVersion(afi uint16) int {
	switch afi {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 6
	}
	return 0
}

// pathAttrs is the string rendering of an attribute set shared by all
// announcements of one UPDATE.
type pathAttrs struct {
	nexthop   string
	mpNexthop string
	asPath    string
	origin    string
	localPref *uint32
	med       *uint32
	commStd   []string
	commExt   []string
	commLarge []string
	attrs     map[string]string
}

func summarize(attrs []Attribute) *pathAttrs {
	u := &Update{Attributes: attrs}
	pa := &pathAttrs{attrs: make(map[string]string)}

	if o, ok := u.Origin(); ok {
		pa.origin = o.String()
	}
	pa.asPath = u.EffectiveASPath().String()
	if nh := u.NextHop(); nh != nil {
		pa.nexthop = nh.Addr.String()
	}
	if mp := u.MPReach(); mp != nil && len(mp.NextHops) > 0 {
		pa.mpNexthop = mp.NextHops[0].String()
	}
	if v, ok := u.LocalPref(); ok {
		pa.localPref = &v
	}
	if v, ok := u.MED(); ok {
		pa.med = &v
	}
	pa.commStd = u.Communities().Strings()
	for _, c := range u.ExtCommunities() {
		pa.commExt = append(pa.commExt, c.String())
	}
	for _, c := range u.LargeCommunities() {
		pa.commLarge = append(pa.commLarge, c.String())
	}

	for i := range attrs {
		a := &attrs[i]
		key := strconv.Itoa(int(a.Type))
		switch v := a.Value.(type) {
		case nil:
			if a.Type != AttrTypeMPReachNLRI && a.Type != AttrTypeMPUnreachNLRI {
				pa.attrs[key] = hex.EncodeToString(a.Raw)
			}
		case *Aggregator:
			pa.attrs[key] = fmt.Sprintf("%d %s", v.AS, v.Address)
		case *AS4Aggregator:
			pa.attrs[key] = fmt.Sprintf("%d %s", v.AS, v.Address)
		case *OriginatorID:
			pa.attrs[key] = v.ID.String()
		case ClusterList:
			ids := make([]string, len(v))
			for j, id := range v {
				ids[j] = id.String()
			}
			pa.attrs[key] = strings.Join(ids, " ")
		case AtomicAggregate:
			pa.attrs[key] = ""
		case *AIGP:
			pa.attrs[key] = strconv.FormatUint(v.Metric, 10)
		case IPv6ExtCommunities:
			for _, c := range v {
				pa.commExt = append(pa.commExt, c.String())
			}
		}
	}
	if len(pa.attrs) == 0 {
		pa.attrs = nil
	}
	return pa
}

func (pa *pathAttrs) event(fam Family) *RouteEvent {
	nh := pa.nexthop
	if fam != FamilyIPv4Unicast && pa.mpNexthop != "" {
		nh = pa.mpNexthop
	}
	return &RouteEvent{
		AFI:       afiToVersion(fam.AFI),
		SAFI:      fam.SAFI,
		Action:    ActionAnnounce,
		Nexthop:   nh,
		ASPath:    pa.asPath,
		Origin:    pa.origin,
		LocalPref: pa.localPref,
		MED:       pa.med,
		CommStd:   pa.commStd,
		CommExt:   pa.commExt,
		CommLarge: pa.commLarge,
		Attrs:     pa.attrs,
	}
}

// OriginASN extracts the origin AS number (last ASN) from a space-delimited
// AS path string. Returns nil if the path is empty or ends with an AS_SET
// (e.g. "{64497,64498}") or a confederation segment.
func OriginASN(asPath string) *int {
	fields := strings.Fields(asPath)
	if len(fields) == 0 {
		return nil
	}
	last := fields[len(fields)-1]
	asn, err := strconv.Atoi(last)
	if err != nil {
		return nil
	}
	return &asn
}
