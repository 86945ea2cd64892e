package bgp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/route-beacon/rib-decoder/internal/wire"
)

// Attribute is one path attribute. Value holds the variant matching Type, or
// is nil when the attribute is not decoded (unknown type, unsupported AFI/SAFI,
// or a type that is only recognized to be skipped); Raw then holds a copy of
// the value bytes.
type Attribute struct {
	Flags  uint8
	Type   uint8
	Length uint16
	Value  AttrValue
	Raw    []byte
}

func (a *Attribute) Optional() bool       { return a.Flags&AttrFlagOptional != 0 }
func (a *Attribute) Transitive() bool     { return a.Flags&AttrFlagTransitive != 0 }
func (a *Attribute) Partial() bool        { return a.Flags&AttrFlagPartial != 0 }
func (a *Attribute) ExtendedLength() bool { return a.Flags&AttrFlagExtended != 0 }

// WireLen returns the number of bytes the attribute occupied, header included.
func (a *Attribute) WireLen() int {
	if a.ExtendedLength() {
		return 4 + int(a.Length)
	}
	return 3 + int(a.Length)
}

// AttrValue is implemented by every decoded attribute value type.
type AttrValue interface {
	AttrType() uint8
	isAttrValue()
}

// attrDecoder decodes one attribute value. r is bounded to the declared
// attribute length. A nil value with a nil error means the attribute is
// recognized but not decoded.
type attrDecoder func(opts Options, r *wire.Reader) (AttrValue, error)

var attrDecoders = map[uint8]attrDecoder{
	AttrTypeOrigin:          decodeOrigin,
	AttrTypeASPath:          decodeASPathAttr,
	AttrTypeNextHop:         decodeNextHop,
	AttrTypeMED:             decodeMED,
	AttrTypeLocalPref:       decodeLocalPref,
	AttrTypeAtomicAggregate: decodeAtomicAggregate,
	AttrTypeAggregator:      decodeAggregatorAttr,
	AttrTypeCommunity:       decodeCommunities,
	AttrTypeOriginatorID:    decodeOriginatorID,
	AttrTypeClusterList:     decodeClusterList,
	AttrTypeMPReachNLRI:     decodeMPReach,
	AttrTypeMPUnreachNLRI:   decodeMPUnreach,
	AttrTypeExtCommunity:    decodeExtCommunities,
	AttrTypeAS4Path:         decodeAS4Path,
	AttrTypeAS4Aggregator:   decodeAS4Aggregator,
	AttrTypeASPathLimit:     skipAttr,
	AttrTypeIPv6ExtComm:     decodeIPv6ExtCommunities,
	AttrTypeAIGP:            decodeAIGP,
	AttrTypeLinkState:       decodeLinkStateAttribute,
	AttrTypeLargeCommunity:  decodeLargeCommunities,
	AttrTypeLinkStateLegacy: decodeLinkStateAttribute,
	AttrTypeAttrSet:         skipAttr,
}

// DecodePathAttributes decodes a path attribute block. len(b) is the declared
// total attribute length; the loop must end exactly at it.
func DecodePathAttributes(opts Options, b []byte) ([]Attribute, error) {
	return decodeAttributes(opts, wire.NewReader("bgp", b))
}

func decodeAttributes(opts Options, r *wire.Reader) ([]Attribute, error) {
	var attrs []Attribute
	for r.Len() > 0 {
		a, err := decodeAttribute(opts, r)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

func decodeAttribute(opts Options, r *wire.Reader) (Attribute, error) {
	var a Attribute

	hdrLen := 3
	if r.Len() >= 1 {
		if flags, _ := r.Peek(1); flags[0]&AttrFlagExtended != 0 {
			hdrLen = 4
		}
	}
	if r.Len() < hdrLen {
		return a, r.Errorf(wire.ErrProtocolViolation, "attribute block ends inside a %d-byte attribute header", hdrLen)
	}

	a.Flags, _ = r.Uint8()
	a.Type, _ = r.Uint8()
	if a.ExtendedLength() {
		a.Length, _ = r.Uint16()
	} else {
		l, _ := r.Uint8()
		a.Length = uint16(l)
	}

	v, err := r.Sub(int(a.Length))
	if err != nil {
		return a, fmt.Errorf("bgp: attribute type %d: %w", a.Type, err)
	}

	dec, ok := attrDecoders[a.Type]
	if !ok {
		if !a.Optional() {
			return a, v.Errorf(wire.ErrProtocolViolation, "unrecognized well-known attribute type %d", a.Type)
		}
		a.Raw = v.CopyRest()
		return a, nil
	}

	raw, _ := v.Peek(v.Len())
	a.Value, err = dec(opts, v)
	if err != nil {
		return a, fmt.Errorf("bgp: attribute type %d: %w", a.Type, err)
	}
	if a.Value == nil {
		a.Raw = append([]byte(nil), raw...)
		return a, nil
	}
	if v.Len() > 0 {
		if opts.StrictLength {
			return a, v.Errorf(wire.ErrLengthMismatch, "attribute type %d left %d of %d bytes unread", a.Type, v.Len(), a.Length)
		}
		v.SkipRest()
	}
	return a, nil
}

func skipAttr(_ Options, r *wire.Reader) (AttrValue, error) { return nil, nil }

func fixedLen(r *wire.Reader, typ uint8, want ...int) error {
	for _, w := range want {
		if r.Len() == w {
			return nil
		}
	}
	return r.Errorf(wire.ErrProtocolViolation, "attribute type %d has length %d, want %v", typ, r.Len(), want)
}

// Origin is the ORIGIN attribute.
type Origin uint8

func (Origin) AttrType() uint8 { return AttrTypeOrigin }
func (Origin) isAttrValue()    {}

func (o Origin) String() string {
	if v, ok := OriginValues[uint8(o)]; ok {
		return v
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
}

func decodeOrigin(_ Options, r *wire.Reader) (AttrValue, error) {
	if err := fixedLen(r, AttrTypeOrigin, 1); err != nil {
		return nil, err
	}
	v, _ := r.Uint8()
	return Origin(v), nil
}

// ASPathSegment is one AS_PATH segment.
type ASPathSegment struct {
	Type uint8
	ASNs []uint32
}

// ASPath is the AS_PATH attribute. FourByte records the AS number width it
// was decoded with.
type ASPath struct {
	FourByte bool
	Segments []ASPathSegment
}

func (*ASPath) AttrType() uint8 { return AttrTypeASPath }
func (*ASPath) isAttrValue()    {}

// String renders sequences space separated, sets as {a,b} and confederation
// segments as (a b) and [a,b].
func (p *ASPath) String() string {
	if p == nil {
		return ""
	}
	parts := make([]string, 0, len(p.Segments))
	for _, seg := range p.Segments {
		asns := make([]string, len(seg.ASNs))
		for i, a := range seg.ASNs {
			asns[i] = strconv.FormatUint(uint64(a), 10)
		}
		switch seg.Type {
		case ASPathSegmentSequence:
			parts = append(parts, strings.Join(asns, " "))
		case ASPathSegmentSet:
			parts = append(parts, "{"+strings.Join(asns, ",")+"}")
		case ASPathSegmentConfedSequence:
			parts = append(parts, "("+strings.Join(asns, " ")+")")
		case ASPathSegmentConfedSet:
			parts = append(parts, "["+strings.Join(asns, ",")+"]")
		}
	}
	return strings.Join(parts, " ")
}

// Len returns the path length used for best-path comparison: sequences count
// each AS, sets count one, confederation segments count zero.
func (p *ASPath) Len() int {
	n := 0
	for _, seg := range p.Segments {
		switch seg.Type {
		case ASPathSegmentSequence:
			n += len(seg.ASNs)
		case ASPathSegmentSet:
			n++
		}
	}
	return n
}

// OriginAS returns the last AS of the path. It reports false when the path is
// empty or ends with a set.
func (p *ASPath) OriginAS() (uint32, bool) {
	if p == nil || len(p.Segments) == 0 {
		return 0, false
	}
	last := p.Segments[len(p.Segments)-1]
	if last.Type != ASPathSegmentSequence || len(last.ASNs) == 0 {
		return 0, false
	}
	return last.ASNs[len(last.ASNs)-1], true
}

func decodeASPathSegments(r *wire.Reader, fourByte bool) ([]ASPathSegment, error) {
	var segs []ASPathSegment
	for r.Len() > 0 {
		typ, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		switch typ {
		case ASPathSegmentSet, ASPathSegmentSequence, ASPathSegmentConfedSequence, ASPathSegmentConfedSet:
		default:
			return nil, r.Errorf(wire.ErrProtocolViolation, "as path segment type %d", typ)
		}
		count, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		seg := ASPathSegment{Type: typ, ASNs: make([]uint32, 0, count)}
		for i := 0; i < int(count); i++ {
			var asn uint32
			if fourByte {
				asn, err = r.Uint32()
			} else {
				var v uint16
				v, err = r.Uint16()
				asn = uint32(v)
			}
			if err != nil {
				return nil, err
			}
			seg.ASNs = append(seg.ASNs, asn)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func decodeASPathAttr(opts Options, r *wire.Reader) (AttrValue, error) {
	segs, err := decodeASPathSegments(r, opts.FourByteASN)
	if err != nil {
		return nil, err
	}
	return &ASPath{FourByte: opts.FourByteASN, Segments: segs}, nil
}

// AS4Path is the AS4_PATH attribute (RFC 6793); always 4-byte.
type AS4Path struct {
	Segments []ASPathSegment
}

func (*AS4Path) AttrType() uint8 { return AttrTypeAS4Path }
func (*AS4Path) isAttrValue()    {}

func decodeAS4Path(_ Options, r *wire.Reader) (AttrValue, error) {
	segs, err := decodeASPathSegments(r, true)
	if err != nil {
		return nil, err
	}
	return &AS4Path{Segments: segs}, nil
}

// NextHop is the NEXT_HOP attribute.
type NextHop struct {
	Addr netip.Addr
}

func (*NextHop) AttrType() uint8 { return AttrTypeNextHop }
func (*NextHop) isAttrValue()    {}

// decodeNextHop accepts 16 bytes as well as 4, as written by some MRT
// TABLE_DUMP producers for IPv6 entries.
func decodeNextHop(_ Options, r *wire.Reader) (AttrValue, error) {
	if err := fixedLen(r, AttrTypeNextHop, 4, 16); err != nil {
		return nil, err
	}
	a, err := r.Addr(r.Len())
	if err != nil {
		return nil, err
	}
	return &NextHop{Addr: a}, nil
}

type MED uint32

func (MED) AttrType() uint8 { return AttrTypeMED }
func (MED) isAttrValue()    {}

func decodeMED(_ Options, r *wire.Reader) (AttrValue, error) {
	if err := fixedLen(r, AttrTypeMED, 4); err != nil {
		return nil, err
	}
	v, _ := r.Uint32()
	return MED(v), nil
}

type LocalPref uint32

func (LocalPref) AttrType() uint8 { return AttrTypeLocalPref }
func (LocalPref) isAttrValue()    {}

func decodeLocalPref(_ Options, r *wire.Reader) (AttrValue, error) {
	if err := fixedLen(r, AttrTypeLocalPref, 4); err != nil {
		return nil, err
	}
	v, _ := r.Uint32()
	return LocalPref(v), nil
}

type AtomicAggregate struct{}

func (AtomicAggregate) AttrType() uint8 { return AttrTypeAtomicAggregate }
func (AtomicAggregate) isAttrValue()    {}

func decodeAtomicAggregate(_ Options, r *wire.Reader) (AttrValue, error) {
	if err := fixedLen(r, AttrTypeAtomicAggregate, 0); err != nil {
		return nil, err
	}
	return AtomicAggregate{}, nil
}

// Aggregator is the AGGREGATOR attribute.
type Aggregator struct {
	AS      uint32
	Address netip.Addr
}

func (*Aggregator) AttrType() uint8 { return AttrTypeAggregator }
func (*Aggregator) isAttrValue()    {}

// AS4Aggregator is the AS4_AGGREGATOR attribute.
type AS4Aggregator struct {
	AS      uint32
	Address netip.Addr
}

func (*AS4Aggregator) AttrType() uint8 { return AttrTypeAS4Aggregator }
func (*AS4Aggregator) isAttrValue()    {}

func readAggregator(r *wire.Reader, fourByte bool) (uint32, netip.Addr, error) {
	var as uint32
	if fourByte {
		as, _ = r.Uint32()
	} else {
		v, _ := r.Uint16()
		as = uint32(v)
	}
	a, err := r.Addr(4)
	return as, a, err
}

func decodeAggregatorAttr(opts Options, r *wire.Reader) (AttrValue, error) {
	want := 6
	if opts.FourByteASN {
		want = 8
	}
	if err := fixedLen(r, AttrTypeAggregator, want); err != nil {
		return nil, err
	}
	as, addr, err := readAggregator(r, opts.FourByteASN)
	if err != nil {
		return nil, err
	}
	return &Aggregator{AS: as, Address: addr}, nil
}

func decodeAS4Aggregator(_ Options, r *wire.Reader) (AttrValue, error) {
	if err := fixedLen(r, AttrTypeAS4Aggregator, 8); err != nil {
		return nil, err
	}
	as, addr, err := readAggregator(r, true)
	if err != nil {
		return nil, err
	}
	return &AS4Aggregator{AS: as, Address: addr}, nil
}

// Communities is the COMMUNITIES attribute (RFC 1997).
type Communities []uint32

func (Communities) AttrType() uint8 { return AttrTypeCommunity }
func (Communities) isAttrValue()    {}

// Strings renders each community as high:low.
func (c Communities) Strings() []string {
	if len(c) == 0 {
		return nil
	}
	out := make([]string, len(c))
	for i, v := range c {
		out[i] = fmt.Sprintf("%d:%d", v>>16, v&0xFFFF)
	}
	return out
}

func decodeCommunities(_ Options, r *wire.Reader) (AttrValue, error) {
	if r.Len()%4 != 0 {
		return nil, r.Errorf(wire.ErrProtocolViolation, "communities length %d not a multiple of 4", r.Len())
	}
	out := make(Communities, 0, r.Len()/4)
	for r.Len() > 0 {
		v, _ := r.Uint32()
		out = append(out, v)
	}
	return out, nil
}

// OriginatorID is the ORIGINATOR_ID attribute (RFC 4456).
type OriginatorID struct {
	ID netip.Addr
}

func (*OriginatorID) AttrType() uint8 { return AttrTypeOriginatorID }
func (*OriginatorID) isAttrValue()    {}

func decodeOriginatorID(_ Options, r *wire.Reader) (AttrValue, error) {
	if err := fixedLen(r, AttrTypeOriginatorID, 4); err != nil {
		return nil, err
	}
	a, _ := r.Addr(4)
	return &OriginatorID{ID: a}, nil
}

// ClusterList is the CLUSTER_LIST attribute (RFC 4456).
type ClusterList []netip.Addr

func (ClusterList) AttrType() uint8 { return AttrTypeClusterList }
func (ClusterList) isAttrValue()    {}

func decodeClusterList(_ Options, r *wire.Reader) (AttrValue, error) {
	if r.Len()%4 != 0 {
		return nil, r.Errorf(wire.ErrProtocolViolation, "cluster list length %d not a multiple of 4", r.Len())
	}
	out := make(ClusterList, 0, r.Len()/4)
	for r.Len() > 0 {
		a, _ := r.Addr(4)
		out = append(out, a)
	}
	return out, nil
}

// ExtCommunity is one 8-byte extended community (RFC 4360).
type ExtCommunity [8]byte

func (c ExtCommunity) Type() uint8    { return c[0] }
func (c ExtCommunity) Subtype() uint8 { return c[1] }

// String recognises Route Target (subtype 0x02) and Route Origin (subtype
// 0x03) for the 2-octet AS, IPv4 and 4-octet AS types. Anything else is hex.
func (c ExtCommunity) String() string {
	// Mask the transitive bit for matching.
	switch c[0] & 0x3F {
	case 0x00:
		asn := binary.BigEndian.Uint16(c[2:4])
		val := binary.BigEndian.Uint32(c[4:8])
		switch c[1] {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	case 0x01:
		ip := netip.AddrFrom4([4]byte(c[2:6]))
		val := binary.BigEndian.Uint16(c[6:8])
		switch c[1] {
		case 0x02:
			return fmt.Sprintf("RT:%s:%d", ip, val)
		case 0x03:
			return fmt.Sprintf("SOO:%s:%d", ip, val)
		}
	case 0x02:
		asn := binary.BigEndian.Uint32(c[2:6])
		val := binary.BigEndian.Uint16(c[6:8])
		switch c[1] {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	}
	return hex.EncodeToString(c[:])
}

// ExtCommunities is the EXTENDED_COMMUNITIES attribute.
type ExtCommunities []ExtCommunity

func (ExtCommunities) AttrType() uint8 { return AttrTypeExtCommunity }
func (ExtCommunities) isAttrValue()    {}

func decodeExtCommunities(_ Options, r *wire.Reader) (AttrValue, error) {
	if r.Len()%8 != 0 {
		return nil, r.Errorf(wire.ErrProtocolViolation, "extended communities length %d not a multiple of 8", r.Len())
	}
	out := make(ExtCommunities, 0, r.Len()/8)
	for r.Len() > 0 {
		b, _ := r.Next(8)
		out = append(out, ExtCommunity(b))
	}
	return out, nil
}

// IPv6ExtCommunity is one 20-byte IPv6 address specific extended community
// (RFC 5701).
type IPv6ExtCommunity struct {
	Type    uint8
	Subtype uint8
	Global  netip.Addr
	Local   uint16
}

func (c IPv6ExtCommunity) String() string {
	switch c.Subtype {
	case 0x02:
		return fmt.Sprintf("RT:[%s]:%d", c.Global, c.Local)
	case 0x03:
		return fmt.Sprintf("SOO:[%s]:%d", c.Global, c.Local)
	}
	return fmt.Sprintf("%02x%02x:[%s]:%d", c.Type, c.Subtype, c.Global, c.Local)
}

type IPv6ExtCommunities []IPv6ExtCommunity

func (IPv6ExtCommunities) AttrType() uint8 { return AttrTypeIPv6ExtComm }
func (IPv6ExtCommunities) isAttrValue()    {}

func decodeIPv6ExtCommunities(_ Options, r *wire.Reader) (AttrValue, error) {
	if r.Len()%20 != 0 {
		return nil, r.Errorf(wire.ErrProtocolViolation, "ipv6 extended communities length %d not a multiple of 20", r.Len())
	}
	out := make(IPv6ExtCommunities, 0, r.Len()/20)
	for r.Len() > 0 {
		var c IPv6ExtCommunity
		c.Type, _ = r.Uint8()
		c.Subtype, _ = r.Uint8()
		c.Global, _ = r.Addr(16)
		c.Local, _ = r.Uint16()
		out = append(out, c)
	}
	return out, nil
}

// LargeCommunity is one RFC 8092 large community.
type LargeCommunity struct {
	Global uint32
	Local1 uint32
	Local2 uint32
}

func (c LargeCommunity) String() string {
	return fmt.Sprintf("%d:%d:%d", c.Global, c.Local1, c.Local2)
}

type LargeCommunities []LargeCommunity

func (LargeCommunities) AttrType() uint8 { return AttrTypeLargeCommunity }
func (LargeCommunities) isAttrValue()    {}

func decodeLargeCommunities(_ Options, r *wire.Reader) (AttrValue, error) {
	if r.Len()%12 != 0 {
		return nil, r.Errorf(wire.ErrProtocolViolation, "large communities length %d not a multiple of 12", r.Len())
	}
	out := make(LargeCommunities, 0, r.Len()/12)
	for r.Len() > 0 {
		var c LargeCommunity
		c.Global, _ = r.Uint32()
		c.Local1, _ = r.Uint32()
		c.Local2, _ = r.Uint32()
		out = append(out, c)
	}
	return out, nil
}

// AIGP is the accumulated IGP metric attribute (RFC 7311). Only the AIGP TLV
// (type 1) is interpreted. A tail shorter than a TLV header is left unread.
type AIGP struct {
	Metric uint64
}

func (*AIGP) AttrType() uint8 { return AttrTypeAIGP }
func (*AIGP) isAttrValue()    {}

func decodeAIGP(_ Options, r *wire.Reader) (AttrValue, error) {
	out := &AIGP{}
	for r.Len() >= 3 {
		typ, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		l, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		// The length includes the 3-byte TLV header.
		if l < 3 {
			return nil, r.Errorf(wire.ErrProtocolViolation, "aigp tlv length %d", l)
		}
		v, err := r.Sub(int(l) - 3)
		if err != nil {
			return nil, err
		}
		if typ == 1 && v.Len() == 8 {
			out.Metric, _ = v.Uint64()
		}
	}
	return out, nil
}

func (LinkStateAttribute) AttrType() uint8 { return AttrTypeLinkState }
func (LinkStateAttribute) isAttrValue()    {}
