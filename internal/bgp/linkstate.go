package bgp

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"

	"github.com/route-beacon/rib-decoder/internal/wire"
)

// BGP-LS NLRI types (RFC 7752 section 3.2).
const (
	LSNLRINode       uint16 = 1
	LSNLRILink       uint16 = 2
	LSNLRIIPv4Prefix uint16 = 3
	LSNLRIIPv6Prefix uint16 = 4
)

// BGP-LS protocol identifiers.
const (
	LSProtoISISL1 uint8 = 1
	LSProtoISISL2 uint8 = 2
	LSProtoOSPFv2 uint8 = 3
	LSProtoDirect uint8 = 4
	LSProtoStatic uint8 = 5
	LSProtoOSPFv3 uint8 = 6
	LSProtoBGP    uint8 = 7
)

// BGP-LS descriptor TLV codes.
const (
	LSCodeLocalNode     uint16 = 256
	LSCodeRemoteNode    uint16 = 257
	LSCodeLinkIDs       uint16 = 258
	LSCodeIPv4Interface uint16 = 259
	LSCodeIPv4Neighbor  uint16 = 260
	LSCodeIPv6Interface uint16 = 261
	LSCodeIPv6Neighbor  uint16 = 262
	LSCodeMultiTopology uint16 = 263
	LSCodeOSPFRouteType uint16 = 264
	LSCodeIPReachInfo   uint16 = 265

	LSCodeASN         uint16 = 512
	LSCodeBGPLSID     uint16 = 513
	LSCodeOSPFAreaID  uint16 = 514
	LSCodeIGPRouterID uint16 = 515
	LSCodeBGPRouterID uint16 = 516
	LSCodeMemberASN   uint16 = 517
)

// LinkStateNLRIs is the route list of the BGP-LS and BGP-LS-VPN families.
type LinkStateNLRIs []LinkStateNLRI

func (n LinkStateNLRIs) Count() int { return len(n) }
func (LinkStateNLRIs) isNLRI()      {}

// LinkStateNLRI is one BGP-LS NLRI. Body holds the variant matching Type.
type LinkStateNLRI struct {
	PathID     uint32
	Type       uint16
	RD         RouteDistinguisher // BGP-LS-VPN only
	ProtocolID uint8
	Identifier uint64
	Body       LSBody
}

// LSBody is implemented by *LSNode, *LSLink, *LSPrefix and *LSUnknown.
type LSBody interface {
	NLRIType() uint16
	isLSBody()
}

type LSNode struct {
	Local []LSDescriptor
}

type LSLink struct {
	Local  []LSDescriptor
	Remote []LSDescriptor
	Link   []LSDescriptor
}

type LSPrefix struct {
	IPv6   bool
	Local  []LSDescriptor
	Prefix []LSDescriptor
}

// LSUnknown keeps the body of an NLRI type without a decoder, starting after
// the type and length fields.
type LSUnknown struct {
	Type  uint16
	Value []byte
}

func (*LSNode) NLRIType() uint16      { return LSNLRINode }
func (*LSLink) NLRIType() uint16      { return LSNLRILink }
func (u *LSUnknown) NLRIType() uint16 { return u.Type }

func (p *LSPrefix) NLRIType() uint16 {
	if p.IPv6 {
		return LSNLRIIPv6Prefix
	}
	return LSNLRIIPv4Prefix
}

func (*LSNode) isLSBody()    {}
func (*LSLink) isLSBody()    {}
func (*LSPrefix) isLSBody()  {}
func (*LSUnknown) isLSBody() {}

// LSDescriptor is one node, link or prefix descriptor TLV. Descriptors are
// kept in wire order.
type LSDescriptor interface {
	Code() uint16
	isLSDescriptor()
}

type LSASN struct{ ASN uint32 }

type LSBGPLSID struct{ ID uint32 }

type LSOSPFAreaID struct{ ID uint32 }

// LSIGPRouterID is 6 bytes (IS-IS), 7 (IS-IS pseudonode), 4 (OSPF) or
// 8 (OSPF pseudonode).
type LSIGPRouterID struct{ ID []byte }

type LSBGPRouterID struct{ ID netip.Addr }

type LSMemberASN struct{ ASN uint32 }

type LSLinkIDs struct{ Local, Remote uint32 }

// LSAddress covers the interface and neighbor address descriptors; Type tells
// which one.
type LSAddress struct {
	Type uint16
	Addr netip.Addr
}

type LSMultiTopologyID struct{ IDs []uint16 }

type LSOSPFRouteType struct{ Type uint8 }

type LSIPReachability struct{ Prefix netip.Prefix }

// LSUnknownTLV keeps a descriptor or attribute TLV without a decoder.
type LSUnknownTLV struct {
	Type  uint16
	Value []byte
}

func (*LSASN) Code() uint16             { return LSCodeASN }
func (*LSBGPLSID) Code() uint16         { return LSCodeBGPLSID }
func (*LSOSPFAreaID) Code() uint16      { return LSCodeOSPFAreaID }
func (*LSIGPRouterID) Code() uint16     { return LSCodeIGPRouterID }
func (*LSBGPRouterID) Code() uint16     { return LSCodeBGPRouterID }
func (*LSMemberASN) Code() uint16       { return LSCodeMemberASN }
func (*LSLinkIDs) Code() uint16         { return LSCodeLinkIDs }
func (a *LSAddress) Code() uint16       { return a.Type }
func (*LSMultiTopologyID) Code() uint16 { return LSCodeMultiTopology }
func (*LSOSPFRouteType) Code() uint16   { return LSCodeOSPFRouteType }
func (*LSIPReachability) Code() uint16  { return LSCodeIPReachInfo }
func (u *LSUnknownTLV) Code() uint16    { return u.Type }

func (*LSASN) isLSDescriptor()             {}
func (*LSBGPLSID) isLSDescriptor()         {}
func (*LSOSPFAreaID) isLSDescriptor()      {}
func (*LSIGPRouterID) isLSDescriptor()     {}
func (*LSBGPRouterID) isLSDescriptor()     {}
func (*LSMemberASN) isLSDescriptor()       {}
func (*LSLinkIDs) isLSDescriptor()         {}
func (*LSAddress) isLSDescriptor()         {}
func (*LSMultiTopologyID) isLSDescriptor() {}
func (*LSOSPFRouteType) isLSDescriptor()   {}
func (*LSIPReachability) isLSDescriptor()  {}
func (*LSUnknownTLV) isLSDescriptor()      {}

func decodeLinkStateNLRI(r *wire.Reader, fam Family, addPath bool, limit int) (NLRI, error) {
	vpn := fam.SAFI == SAFILinkStateVPN
	var out LinkStateNLRIs
	for r.Len() > 0 && (limit == 0 || len(out) < limit) {
		var n LinkStateNLRI
		var err error
		if n.PathID, err = readPathID(r, addPath); err != nil {
			return nil, err
		}
		if n.Type, err = r.Uint16(); err != nil {
			return nil, err
		}
		l, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		body, err := r.Sub(int(l))
		if err != nil {
			return nil, err
		}
		if err := decodeLinkStateBody(body, &n, vpn); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func decodeLinkStateBody(r *wire.Reader, n *LinkStateNLRI, vpn bool) error {
	if vpn {
		rd, err := readRD(r)
		if err != nil {
			return err
		}
		n.RD = rd
	}

	switch n.Type {
	case LSNLRINode, LSNLRILink, LSNLRIIPv4Prefix, LSNLRIIPv6Prefix:
	default:
		n.Body = &LSUnknown{Type: n.Type, Value: r.CopyRest()}
		return nil
	}

	var err error
	if n.ProtocolID, err = r.Uint8(); err != nil {
		return err
	}
	if n.Identifier, err = r.Uint64(); err != nil {
		return err
	}

	var local, remote, rest []LSDescriptor
	seenLocal := false
	for r.Len() > 0 {
		code, tr, err := readTLV(r)
		if err != nil {
			return err
		}
		switch {
		case code == LSCodeLocalNode && !seenLocal:
			seenLocal = true
			if local, err = decodeLSDescriptors(tr, false); err != nil {
				return err
			}
		case code == LSCodeRemoteNode && n.Type == LSNLRILink:
			if remote, err = decodeLSDescriptors(tr, false); err != nil {
				return err
			}
		default:
			d, err := decodeLSDescriptor(code, tr, n.Type == LSNLRIIPv6Prefix)
			if err != nil {
				return err
			}
			rest = append(rest, d)
		}
	}
	if !seenLocal {
		return r.Errorf(wire.ErrProtocolViolation, "bgp-ls nlri type %d without local node descriptors", n.Type)
	}

	switch n.Type {
	case LSNLRINode:
		if len(rest) > 0 {
			return r.Errorf(wire.ErrProtocolViolation, "bgp-ls node nlri with %d extra tlvs", len(rest))
		}
		n.Body = &LSNode{Local: local}
	case LSNLRILink:
		n.Body = &LSLink{Local: local, Remote: remote, Link: rest}
	default:
		n.Body = &LSPrefix{IPv6: n.Type == LSNLRIIPv6Prefix, Local: local, Prefix: rest}
	}
	return nil
}

// readTLV reads a 2-byte type and 2-byte length and returns a reader bounded
// to the value.
func readTLV(r *wire.Reader) (uint16, *wire.Reader, error) {
	code, err := r.Uint16()
	if err != nil {
		return 0, nil, err
	}
	l, err := r.Uint16()
	if err != nil {
		return 0, nil, err
	}
	v, err := r.Sub(int(l))
	if err != nil {
		return 0, nil, err
	}
	return code, v, nil
}

func decodeLSDescriptors(r *wire.Reader, v6 bool) ([]LSDescriptor, error) {
	var out []LSDescriptor
	for r.Len() > 0 {
		code, tr, err := readTLV(r)
		if err != nil {
			return nil, err
		}
		d, err := decodeLSDescriptor(code, tr, v6)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// decodeLSDescriptor decodes one descriptor TLV value. v6 selects the address
// family of an IP reachability descriptor.
func decodeLSDescriptor(code uint16, r *wire.Reader, v6 bool) (LSDescriptor, error) {
	n := r.Len()
	bad := func() error {
		return r.Errorf(wire.ErrProtocolViolation, "bgp-ls descriptor %d length %d", code, n)
	}

	switch code {
	case LSCodeASN, LSCodeBGPLSID, LSCodeOSPFAreaID, LSCodeMemberASN:
		if n != 4 {
			return nil, bad()
		}
		v, _ := r.Uint32()
		switch code {
		case LSCodeASN:
			return &LSASN{ASN: v}, nil
		case LSCodeBGPLSID:
			return &LSBGPLSID{ID: v}, nil
		case LSCodeOSPFAreaID:
			return &LSOSPFAreaID{ID: v}, nil
		}
		return &LSMemberASN{ASN: v}, nil
	case LSCodeIGPRouterID:
		if n != 4 && n != 6 && n != 7 && n != 8 {
			return nil, bad()
		}
		return &LSIGPRouterID{ID: r.CopyRest()}, nil
	case LSCodeBGPRouterID:
		if n != 4 {
			return nil, bad()
		}
		a, _ := r.Addr(4)
		return &LSBGPRouterID{ID: a}, nil
	case LSCodeLinkIDs:
		if n != 8 {
			return nil, bad()
		}
		l, _ := r.Uint32()
		rm, _ := r.Uint32()
		return &LSLinkIDs{Local: l, Remote: rm}, nil
	case LSCodeIPv4Interface, LSCodeIPv4Neighbor:
		if n != 4 {
			return nil, bad()
		}
		a, _ := r.Addr(4)
		return &LSAddress{Type: code, Addr: a}, nil
	case LSCodeIPv6Interface, LSCodeIPv6Neighbor:
		if n != 16 {
			return nil, bad()
		}
		a, _ := r.Addr(16)
		return &LSAddress{Type: code, Addr: a}, nil
	case LSCodeMultiTopology:
		if n%2 != 0 {
			return nil, bad()
		}
		return &LSMultiTopologyID{IDs: readMultiTopology(r)}, nil
	case LSCodeOSPFRouteType:
		if n != 1 {
			return nil, bad()
		}
		v, _ := r.Uint8()
		return &LSOSPFRouteType{Type: v}, nil
	case LSCodeIPReachInfo:
		bits, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		afi := AFIIPv4
		if v6 {
			afi = AFIIPv6
		}
		p, err := readPrefixBits(r, afi, int(bits))
		if err != nil {
			return nil, err
		}
		if r.Len() != 0 {
			return nil, bad()
		}
		return &LSIPReachability{Prefix: p}, nil
	}
	return &LSUnknownTLV{Type: code, Value: r.CopyRest()}, nil
}

func readMultiTopology(r *wire.Reader) []uint16 {
	var ids []uint16
	for r.Len() >= 2 {
		v, _ := r.Uint16()
		ids = append(ids, v&0x0FFF)
	}
	return ids
}

// BGP-LS attribute TLV codes (RFC 7752 section 3.3, RFC 9085, RFC 9086).
const (
	LSAttrNodeFlags          uint16 = 1024
	LSAttrOpaqueNode         uint16 = 1025
	LSAttrNodeName           uint16 = 1026
	LSAttrISISAreaID         uint16 = 1027
	LSAttrLocalIPv4RouterID  uint16 = 1028
	LSAttrLocalIPv6RouterID  uint16 = 1029
	LSAttrRemoteIPv4RouterID uint16 = 1030
	LSAttrRemoteIPv6RouterID uint16 = 1031
	LSAttrAdminGroup         uint16 = 1088
	LSAttrMaxLinkBW          uint16 = 1089
	LSAttrMaxReservableBW    uint16 = 1090
	LSAttrUnreservedBW       uint16 = 1091
	LSAttrTEDefaultMetric    uint16 = 1092
	LSAttrProtectionType     uint16 = 1093
	LSAttrMPLSProtocolMask   uint16 = 1094
	LSAttrIGPMetric          uint16 = 1095
	LSAttrSRLG               uint16 = 1096
	LSAttrOpaqueLink         uint16 = 1097
	LSAttrLinkName           uint16 = 1098
	LSAttrPeerNodeSID        uint16 = 1101
	LSAttrPeerAdjSID         uint16 = 1102
	LSAttrPeerSetSID         uint16 = 1103
	LSAttrIGPFlags           uint16 = 1152
	LSAttrRouteTag           uint16 = 1153
	LSAttrExtendedRouteTag   uint16 = 1154
	LSAttrPrefixMetric       uint16 = 1155
	LSAttrOSPFForwardingAddr uint16 = 1156
	LSAttrOpaquePrefix       uint16 = 1157
)

// LinkStateAttribute is the BGP-LS attribute (type 29, and the pre-standard
// type 99): node, link and prefix attribute TLVs in wire order.
type LinkStateAttribute []LSAttr

// LSAttr is one BGP-LS attribute TLV. A TLV whose value does not have the
// length its code requires is kept as LSOpaque.
type LSAttr struct {
	Code  uint16
	Value LSAttrValue
}

// LSAttrValue is implemented by the LS* value kinds below.
type LSAttrValue interface {
	isLSAttrValue()
}

type LSString string

type LSAddr struct{ Addr netip.Addr }

type LSUint32 uint32

// LSBandwidth is in bytes per second, IEEE 754 single precision on the wire.
type LSBandwidth float32

type LSBandwidthList []float32

type LSUint32List []uint32

type LSUint64List []uint64

type LSFlags uint8

type LSMultiTopology []uint16

// LSPeerSID is a BGP peering segment SID (RFC 9086). SID is a label when the
// value is 3 bytes, an index when it is 4.
type LSPeerSID struct {
	Flags  uint8
	Weight uint8
	SID    uint32
}

type LSOpaque []byte

func (LSString) isLSAttrValue()        {}
func (LSAddr) isLSAttrValue()          {}
func (LSUint32) isLSAttrValue()        {}
func (LSBandwidth) isLSAttrValue()     {}
func (LSBandwidthList) isLSAttrValue() {}
func (LSUint32List) isLSAttrValue()    {}
func (LSUint64List) isLSAttrValue()    {}
func (LSFlags) isLSAttrValue()         {}
func (LSMultiTopology) isLSAttrValue() {}
func (LSPeerSID) isLSAttrValue()       {}
func (LSOpaque) isLSAttrValue()        {}

func (a LSAddr) String() string { return a.Addr.String() }

func (b LSBandwidth) String() string { return fmt.Sprintf("%.0f", float32(b)) }

// MarshalJSON writes NaN and the infinities as the strings "NaN", "+Inf"
// and "-Inf", which a JSON number cannot hold.
func (b LSBandwidth) MarshalJSON() ([]byte, error) {
	return appendBandwidth(nil, float32(b)), nil
}

func (l LSBandwidthList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("null"), nil
	}
	out := []byte{'['}
	for i, f := range l {
		if i > 0 {
			out = append(out, ',')
		}
		out = appendBandwidth(out, f)
	}
	return append(out, ']'), nil
}

func appendBandwidth(dst []byte, f float32) []byte {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return append(dst, `"NaN"`...)
	case math.IsInf(v, 1):
		return append(dst, `"+Inf"`...)
	case math.IsInf(v, -1):
		return append(dst, `"-Inf"`...)
	}
	format := byte('f')
	if abs := math.Abs(v); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	return strconv.AppendFloat(dst, v, format, -1, 32)
}

type lsAttrDecoder func(r *wire.Reader) (LSAttrValue, bool)

var lsAttrDecoders = map[uint16]lsAttrDecoder{
	LSCodeMultiTopology:      lsMultiTopology,
	LSAttrNodeFlags:          lsFlags,
	LSAttrOpaqueNode:         lsOpaque,
	LSAttrNodeName:           lsString,
	LSAttrISISAreaID:         lsOpaque,
	LSAttrLocalIPv4RouterID:  lsAddr(4),
	LSAttrLocalIPv6RouterID:  lsAddr(16),
	LSAttrRemoteIPv4RouterID: lsAddr(4),
	LSAttrRemoteIPv6RouterID: lsAddr(16),
	LSAttrAdminGroup:         lsUint32,
	LSAttrMaxLinkBW:          lsBandwidth,
	LSAttrMaxReservableBW:    lsBandwidth,
	LSAttrUnreservedBW:       lsBandwidthList,
	LSAttrTEDefaultMetric:    lsVarUint(3, 4),
	LSAttrProtectionType:     lsVarUint(2, 2),
	LSAttrMPLSProtocolMask:   lsFlags,
	LSAttrIGPMetric:          lsVarUint(1, 3),
	LSAttrSRLG:               lsUint32List,
	LSAttrOpaqueLink:         lsOpaque,
	LSAttrLinkName:           lsString,
	LSAttrPeerNodeSID:        lsPeerSID,
	LSAttrPeerAdjSID:         lsPeerSID,
	LSAttrPeerSetSID:         lsPeerSID,
	LSAttrIGPFlags:           lsFlags,
	LSAttrRouteTag:           lsUint32List,
	LSAttrExtendedRouteTag:   lsUint64List,
	LSAttrPrefixMetric:       lsUint32,
	LSAttrOSPFForwardingAddr: lsForwardingAddr,
	LSAttrOpaquePrefix:       lsOpaque,
}

func decodeLinkStateAttribute(_ Options, r *wire.Reader) (AttrValue, error) {
	var out LinkStateAttribute
	for r.Len() > 0 {
		code, tr, err := readTLV(r)
		if err != nil {
			return nil, err
		}
		var v LSAttrValue
		if dec, ok := lsAttrDecoders[code]; ok {
			if dv, ok := dec(tr); ok {
				v = dv
			}
		}
		if v == nil {
			v = LSOpaque(tr.CopyRest())
		}
		out = append(out, LSAttr{Code: code, Value: v})
	}
	return out, nil
}

func lsOpaque(r *wire.Reader) (LSAttrValue, bool) { return LSOpaque(r.CopyRest()), true }

func lsString(r *wire.Reader) (LSAttrValue, bool) {
	b, _ := r.Next(r.Len())
	return LSString(b), true
}

func lsFlags(r *wire.Reader) (LSAttrValue, bool) {
	if r.Len() != 1 {
		return nil, false
	}
	v, _ := r.Uint8()
	return LSFlags(v), true
}

func lsUint32(r *wire.Reader) (LSAttrValue, bool) {
	if r.Len() != 4 {
		return nil, false
	}
	v, _ := r.Uint32()
	return LSUint32(v), true
}

// lsVarUint accepts big-endian unsigned values between lo and hi bytes long.
func lsVarUint(lo, hi int) lsAttrDecoder {
	return func(r *wire.Reader) (LSAttrValue, bool) {
		n := r.Len()
		if n < lo || n > hi {
			return nil, false
		}
		var v uint32
		for i := 0; i < n; i++ {
			b, _ := r.Uint8()
			v = v<<8 | uint32(b)
		}
		return LSUint32(v), true
	}
}

func lsAddr(n int) lsAttrDecoder {
	return func(r *wire.Reader) (LSAttrValue, bool) {
		if r.Len() != n {
			return nil, false
		}
		a, _ := r.Addr(n)
		return LSAddr{Addr: a}, true
	}
}

func lsForwardingAddr(r *wire.Reader) (LSAttrValue, bool) {
	if r.Len() != 4 && r.Len() != 16 {
		return nil, false
	}
	a, _ := r.Addr(r.Len())
	return LSAddr{Addr: a}, true
}

func lsBandwidth(r *wire.Reader) (LSAttrValue, bool) {
	if r.Len() != 4 {
		return nil, false
	}
	v, _ := r.Uint32()
	return LSBandwidth(math.Float32frombits(v)), true
}

func lsBandwidthList(r *wire.Reader) (LSAttrValue, bool) {
	if r.Len() != 32 {
		return nil, false
	}
	out := make(LSBandwidthList, 0, 8)
	for r.Len() > 0 {
		v, _ := r.Uint32()
		out = append(out, math.Float32frombits(v))
	}
	return out, true
}

func lsUint32List(r *wire.Reader) (LSAttrValue, bool) {
	if r.Len()%4 != 0 {
		return nil, false
	}
	var out LSUint32List
	for r.Len() > 0 {
		v, _ := r.Uint32()
		out = append(out, v)
	}
	return out, true
}

func lsUint64List(r *wire.Reader) (LSAttrValue, bool) {
	if r.Len()%8 != 0 {
		return nil, false
	}
	var out LSUint64List
	for r.Len() > 0 {
		v, _ := r.Uint64()
		out = append(out, v)
	}
	return out, true
}

func lsMultiTopology(r *wire.Reader) (LSAttrValue, bool) {
	if r.Len()%2 != 0 {
		return nil, false
	}
	return LSMultiTopology(readMultiTopology(r)), true
}

func lsPeerSID(r *wire.Reader) (LSAttrValue, bool) {
	n := r.Len()
	if n != 7 && n != 8 {
		return nil, false
	}
	var s LSPeerSID
	s.Flags, _ = r.Uint8()
	s.Weight, _ = r.Uint8()
	r.Skip(2)
	if n == 7 {
		v, _ := r.Uint24()
		s.SID = v & 0x0FFFFF
	} else {
		s.SID, _ = r.Uint32()
	}
	return s, true
}
