package bgp

import (
	"fmt"

	"github.com/route-beacon/rib-decoder/internal/wire"
)

// Update is a decoded UPDATE message. Withdrawn and NLRI are the IPv4 unicast
// sections of the message body; other families travel in MP_REACH_NLRI and
// MP_UNREACH_NLRI attributes.
type Update struct {
	Withdrawn  []Prefix
	Attributes []Attribute
	NLRI       []Prefix

	// EndOfRIB is set for an UPDATE with no withdrawn routes, no attributes
	// and no NLRI (IPv4 unicast), or whose only content is an empty
	// MP_UNREACH_NLRI (RFC 4724).
	EndOfRIB       bool
	EndOfRIBFamily Family
}

func (*Update) MsgType() uint8 { return MsgTypeUpdate }
func (*Update) isBody()        {}

func decodeUpdate(opts Options, r *wire.Reader) (*Update, error) {
	u := &Update{}

	wlen, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	wr, err := r.Sub(int(wlen))
	if err != nil {
		return nil, fmt.Errorf("bgp: withdrawn routes: %w", err)
	}
	if u.Withdrawn, err = decodePrefixes(wr, AFIIPv4, opts.AddPathFor(FamilyIPv4Unicast)); err != nil {
		return nil, fmt.Errorf("bgp: withdrawn routes: %w", err)
	}

	alen, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	ar, err := r.Sub(int(alen))
	if err != nil {
		return nil, fmt.Errorf("bgp: path attributes: %w", err)
	}
	if u.Attributes, err = decodeAttributes(opts, ar); err != nil {
		return nil, err
	}

	if u.NLRI, err = decodePrefixes(r, AFIIPv4, opts.AddPathFor(FamilyIPv4Unicast)); err != nil {
		return nil, fmt.Errorf("bgp: nlri: %w", err)
	}

	switch {
	case wlen == 0 && alen == 0 && len(u.NLRI) == 0:
		u.EndOfRIB = true
		u.EndOfRIBFamily = FamilyIPv4Unicast
	case len(u.Withdrawn) == 0 && len(u.NLRI) == 0 && len(u.Attributes) == 1:
		if mp, ok := u.Attributes[0].Value.(*MPUnreach); ok && mp.EndOfRIB {
			u.EndOfRIB = true
			u.EndOfRIBFamily = mp.Family
		}
	}
	return u, nil
}

// Attr returns the first attribute of type t, or nil.
func (u *Update) Attr(t uint8) *Attribute {
	for i := range u.Attributes {
		if u.Attributes[i].Type == t {
			return &u.Attributes[i]
		}
	}
	return nil
}

func (u *Update) value(t uint8) AttrValue {
	if a := u.Attr(t); a != nil {
		return a.Value
	}
	return nil
}

func (u *Update) Origin() (Origin, bool) {
	v, ok := u.value(AttrTypeOrigin).(Origin)
	return v, ok
}

func (u *Update) ASPath() *ASPath {
	v, _ := u.value(AttrTypeASPath).(*ASPath)
	return v
}

func (u *Update) NextHop() *NextHop {
	v, _ := u.value(AttrTypeNextHop).(*NextHop)
	return v
}

func (u *Update) MED() (uint32, bool) {
	v, ok := u.value(AttrTypeMED).(MED)
	return uint32(v), ok
}

func (u *Update) LocalPref() (uint32, bool) {
	v, ok := u.value(AttrTypeLocalPref).(LocalPref)
	return uint32(v), ok
}

func (u *Update) Communities() Communities {
	v, _ := u.value(AttrTypeCommunity).(Communities)
	return v
}

func (u *Update) ExtCommunities() ExtCommunities {
	v, _ := u.value(AttrTypeExtCommunity).(ExtCommunities)
	return v
}

func (u *Update) LargeCommunities() LargeCommunities {
	v, _ := u.value(AttrTypeLargeCommunity).(LargeCommunities)
	return v
}

func (u *Update) MPReach() *MPReach {
	v, _ := u.value(AttrTypeMPReachNLRI).(*MPReach)
	return v
}

func (u *Update) MPUnreach() *MPUnreach {
	v, _ := u.value(AttrTypeMPUnreachNLRI).(*MPUnreach)
	return v
}

// EffectiveASPath returns AS_PATH merged with AS4_PATH as in RFC 6793
// section 4.2.3 when the path was decoded with 2-byte AS numbers. Otherwise
// it returns AS_PATH unchanged.
func (u *Update) EffectiveASPath() *ASPath {
	p := u.ASPath()
	if p == nil || p.FourByte {
		return p
	}
	as4, _ := u.value(AttrTypeAS4Path).(*AS4Path)
	if as4 == nil {
		return p
	}
	p4 := &ASPath{FourByte: true, Segments: as4.Segments}
	if p.Len() < p4.Len() {
		return p
	}

	// Keep the leading ASes of AS_PATH that AS4_PATH does not cover.
	keep := p.Len() - p4.Len()
	merged := &ASPath{FourByte: true}
	for _, seg := range p.Segments {
		if keep == 0 {
			break
		}
		switch seg.Type {
		case ASPathSegmentSequence:
			n := min(keep, len(seg.ASNs))
			merged.Segments = append(merged.Segments, ASPathSegment{Type: seg.Type, ASNs: seg.ASNs[:n]})
			keep -= n
		case ASPathSegmentSet:
			merged.Segments = append(merged.Segments, seg)
			keep--
		default:
			merged.Segments = append(merged.Segments, seg)
		}
	}
	merged.Segments = append(merged.Segments, p4.Segments...)
	return merged
}
