package mrt

import (
	"fmt"
	"net/netip"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/wire"
)

// Decode decodes one MRT record from the front of b with default BGP options.
// len(b) is the length bound. It returns the record and the number of bytes
// consumed, which is HeaderSize plus the header's length.
func Decode(b []byte) (*Record, int, error) {
	return DecodeWithOptions(bgp.DefaultOptions(), b)
}

// DecodeWithOptions is Decode with base options for the embedded BGP data.
// The AS number width and add-path are always taken from the record type and
// subtype; StrictMarker and StrictLength are honored as given.
func DecodeWithOptions(opts bgp.Options, b []byte) (*Record, int, error) {
	r := wire.NewReader("mrt", b)
	h, err := decodeHeader(r)
	if err != nil {
		return nil, 0, err
	}
	if uint64(h.Length) > uint64(r.Len()) {
		return nil, 0, r.Errorf(wire.ErrTruncated, "record length %d exceeds available %d", h.Length, r.Len())
	}
	body, _ := r.Sub(int(h.Length))

	if h.ExtendedTimestamp() {
		if h.Microseconds, err = body.Uint32(); err != nil {
			return nil, 0, fmt.Errorf("mrt: %s: microseconds: %w", TypeName(h.Type), err)
		}
	}

	rec := &Record{Header: h}
	switch h.Type {
	case TypeTableDump:
		rec.Body, err = decodeTableDump(opts, h.Subtype, body)
	case TypeTableDumpV2:
		rec.Body, err = decodeTableDumpV2(opts, h.Subtype, body)
	case TypeBGP4MP, TypeBGP4MPET:
		rec.Body, err = decodeBGP4MP(opts, h.Subtype, body)
	case TypeOSPFv2, TypeOSPFv3, TypeOSPFv3ET, TypeISIS, TypeISISET:
		rec.Body = &Opaque{Data: body.CopyRest()}
	default:
		return nil, 0, r.Errorf(wire.ErrUnsupportedType, "record type %d", h.Type)
	}
	if err == nil && opts.StrictLength && body.Len() > 0 {
		err = body.Errorf(wire.ErrLengthMismatch, "%d trailing bytes", body.Len())
	}
	if err != nil {
		return nil, 0, fmt.Errorf("mrt: %s subtype %d: %w", TypeName(h.Type), h.Subtype, err)
	}
	return rec, HeaderSize + int(h.Length), nil
}

// DecodeHeader decodes the common header at the front of b. Readers use it to
// learn how many payload bytes follow.
func DecodeHeader(b []byte) (Header, error) {
	return decodeHeader(wire.NewReader("mrt", b))
}

func decodeHeader(r *wire.Reader) (Header, error) {
	hr, err := r.Sub(HeaderSize)
	if err != nil {
		return Header{}, err
	}
	var h Header
	h.Timestamp, _ = hr.Uint32()
	h.Type, _ = hr.Uint16()
	h.Subtype, _ = hr.Uint16()
	h.Length, _ = hr.Uint32()
	return h, nil
}

func addrLen(afi uint16) int {
	switch afi {
	case bgp.AFIIPv4:
		return 4
	case bgp.AFIIPv6:
		return 16
	}
	return 0
}

func readAS(r *wire.Reader, fourByte bool) (uint32, error) {
	if fourByte {
		return r.Uint32()
	}
	v, err := r.Uint16()
	return uint32(v), err
}

// readAttributes reads a 2-byte attribute length and the attribute block.
func readAttributes(opts bgp.Options, r *wire.Reader) ([]bgp.Attribute, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	b, err := r.Next(int(n))
	if err != nil {
		return nil, err
	}
	return bgp.DecodePathAttributes(opts, b)
}

func decodeTableDump(opts bgp.Options, subtype uint16, r *wire.Reader) (*TableDump, error) {
	var afi uint16
	switch subtype {
	case TableDumpAFIIPv4:
		afi = bgp.AFIIPv4
	case TableDumpAFIIPv6:
		afi = bgp.AFIIPv6
	default:
		return nil, r.Errorf(wire.ErrUnsupportedType, "table dump subtype %d", subtype)
	}
	n := addrLen(afi)

	td := &TableDump{}
	var err error
	if td.ViewNumber, err = r.Uint16(); err != nil {
		return nil, err
	}
	if td.Sequence, err = r.Uint16(); err != nil {
		return nil, err
	}
	addr, err := r.Addr(n)
	if err != nil {
		return nil, err
	}
	bits, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if int(bits) > n*8 {
		return nil, r.Errorf(wire.ErrProtocolViolation, "prefix length %d exceeds %d", bits, n*8)
	}
	td.Prefix = netip.PrefixFrom(addr, int(bits)).Masked()
	if td.Status, err = r.Uint8(); err != nil {
		return nil, err
	}
	if td.OriginatedTime, err = r.Uint32(); err != nil {
		return nil, err
	}
	if td.PeerAddress, err = r.Addr(n); err != nil {
		return nil, err
	}
	if td.PeerAS, err = readAS(r, false); err != nil {
		return nil, err
	}

	o := opts
	o.FourByteASN = false
	o.AddPath = false
	if td.Attributes, err = readAttributes(o, r); err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	return td, nil
}

func decodeTableDumpV2(opts bgp.Options, subtype uint16, r *wire.Reader) (Body, error) {
	switch subtype {
	case SubtypePeerIndexTable:
		return decodePeerIndexTable(r)
	case SubtypeRIBIPv4Unicast, SubtypeRIBIPv4Multicast, SubtypeRIBIPv6Unicast, SubtypeRIBIPv6Multicast,
		SubtypeRIBIPv4UnicastAddPath, SubtypeRIBIPv4MulticastAddPath, SubtypeRIBIPv6UnicastAddPath, SubtypeRIBIPv6MulticastAddPath,
		SubtypeRIBGeneric, SubtypeRIBGenericAddPath:
		return decodeRIB(opts, subtype, r)
	case SubtypeGeoPeerTable:
		return &Opaque{Data: r.CopyRest()}, nil
	}
	return nil, r.Errorf(wire.ErrUnsupportedType, "table dump v2 subtype %d", subtype)
}

// peerEntryMin is the smallest peer entry: type, BGP ID, IPv4 address and a
// 2-octet AS.
const peerEntryMin = 1 + 4 + 4 + 2

func decodePeerIndexTable(r *wire.Reader) (*PeerIndexTable, error) {
	t := &PeerIndexTable{}
	var err error
	if t.CollectorID, err = r.Addr(4); err != nil {
		return nil, err
	}
	nameLen, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	name, err := r.Next(int(nameLen))
	if err != nil {
		return nil, err
	}
	t.ViewName = string(name)

	count, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	if int(count)*peerEntryMin > r.Len() {
		return nil, r.Errorf(wire.ErrTruncated, "%d peer entries need at least %d bytes, have %d", count, int(count)*peerEntryMin, r.Len())
	}

	t.Peers = make([]PeerEntry, 0, count)
	for i := 0; i < int(count); i++ {
		var p PeerEntry
		if p.Type, err = r.Uint8(); err != nil {
			return nil, err
		}
		if p.BGPID, err = r.Addr(4); err != nil {
			return nil, err
		}
		n := 4
		if p.IPv6() {
			n = 16
		}
		if p.Address, err = r.Addr(n); err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		if p.AS, err = readAS(r, p.FourByteAS()); err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		t.Peers = append(t.Peers, p)
	}
	return t, nil
}

var ribFamilies = map[uint16]bgp.Family{
	SubtypeRIBIPv4Unicast:          bgp.FamilyIPv4Unicast,
	SubtypeRIBIPv4Multicast:        {AFI: bgp.AFIIPv4, SAFI: bgp.SAFIMulticast},
	SubtypeRIBIPv6Unicast:          bgp.FamilyIPv6Unicast,
	SubtypeRIBIPv6Multicast:        {AFI: bgp.AFIIPv6, SAFI: bgp.SAFIMulticast},
	SubtypeRIBIPv4UnicastAddPath:   bgp.FamilyIPv4Unicast,
	SubtypeRIBIPv4MulticastAddPath: {AFI: bgp.AFIIPv4, SAFI: bgp.SAFIMulticast},
	SubtypeRIBIPv6UnicastAddPath:   bgp.FamilyIPv6Unicast,
	SubtypeRIBIPv6MulticastAddPath: {AFI: bgp.AFIIPv6, SAFI: bgp.SAFIMulticast},
}

// decodeRIB handles the AFI/SAFI-specific and generic RIB subtypes. In the
// add-path subtypes (RFC 8050) the path identifier sits in each entry, not
// in the NLRI.
func decodeRIB(opts bgp.Options, subtype uint16, r *wire.Reader) (*RIB, error) {
	rib := &RIB{AddPath: subtype >= SubtypeRIBIPv4UnicastAddPath}
	var err error
	if rib.Sequence, err = r.Uint32(); err != nil {
		return nil, err
	}

	if fam, ok := ribFamilies[subtype]; ok {
		rib.Family = fam
	} else {
		afi, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		safi, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		rib.Family = bgp.Family{AFI: afi, SAFI: safi}
		if !rib.Family.Supported() {
			r.SkipRest()
			return rib, nil
		}
	}

	rest, _ := r.Peek(r.Len())
	nlri, n, err := bgp.DecodeSingleNLRI(rib.Family, false, rest)
	if err != nil {
		return nil, fmt.Errorf("nlri: %w", err)
	}
	r.Skip(n)
	rib.NLRI = nlri

	count, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	entryMin := 2 + 4 + 2
	if rib.AddPath {
		entryMin += 4
	}
	if int(count)*entryMin > r.Len() {
		return nil, r.Errorf(wire.ErrTruncated, "%d rib entries need at least %d bytes, have %d", count, int(count)*entryMin, r.Len())
	}

	o := opts
	o.FourByteASN = true
	o.AddPath = false
	o.AddPathFamilies = nil
	o.ImpliedFamily = rib.Family

	rib.Entries = make([]RIBEntry, 0, count)
	for i := 0; i < int(count); i++ {
		var e RIBEntry
		if e.PeerIndex, err = r.Uint16(); err != nil {
			return nil, err
		}
		if e.OriginatedTime, err = r.Uint32(); err != nil {
			return nil, err
		}
		if rib.AddPath {
			if e.PathID, err = r.Uint32(); err != nil {
				return nil, err
			}
		}
		if e.Attributes, err = readAttributes(o, r); err != nil {
			return nil, fmt.Errorf("rib entry %d: %w", i, err)
		}
		rib.Entries = append(rib.Entries, e)
	}
	return rib, nil
}

func decodeBGP4MP(opts bgp.Options, subtype uint16, r *wire.Reader) (Body, error) {
	var as4, state, local, addPath bool
	switch subtype {
	case SubtypeStateChange:
		state = true
	case SubtypeStateChangeAS4:
		state, as4 = true, true
	case SubtypeMessage:
	case SubtypeMessageAS4:
		as4 = true
	case SubtypeMessageLocal:
		local = true
	case SubtypeMessageAS4Local:
		as4, local = true, true
	case SubtypeMessageAddPath:
		addPath = true
	case SubtypeMessageAS4AddPath:
		as4, addPath = true, true
	case SubtypeMessageLocalAddPath:
		local, addPath = true, true
	case SubtypeMessageAS4LocalAddPath:
		as4, local, addPath = true, true, true
	default:
		return nil, r.Errorf(wire.ErrUnsupportedType, "bgp4mp subtype %d", subtype)
	}

	h, err := decodeBGP4MPHeader(r, as4)
	if err != nil {
		return nil, err
	}

	if state {
		sc := &StateChange{BGP4MPHeader: h}
		if sc.OldState, err = r.Uint16(); err != nil {
			return nil, err
		}
		if sc.NewState, err = r.Uint16(); err != nil {
			return nil, err
		}
		return sc, nil
	}

	o := opts
	o.FourByteASN = as4
	o.AddPath = addPath
	o.AddPathFamilies = nil
	// The record length bounds the message.
	o.ExtendedMessage = true

	rest, _ := r.Peek(r.Len())
	m, n, err := bgp.DecodeMessage(o, rest)
	if err != nil {
		return nil, fmt.Errorf("bgp message at offset %d: %w", r.Pos(), err)
	}
	raw, _ := r.Copy(n)
	return &BGP4MPMessage{
		BGP4MPHeader: h,
		Local:        local,
		FourByteAS:   as4,
		AddPath:      addPath,
		BGP:          m,
		Raw:          raw,
	}, nil
}

func decodeBGP4MPHeader(r *wire.Reader, as4 bool) (BGP4MPHeader, error) {
	var h BGP4MPHeader
	var err error
	if h.PeerAS, err = readAS(r, as4); err != nil {
		return h, err
	}
	if h.LocalAS, err = readAS(r, as4); err != nil {
		return h, err
	}
	if h.InterfaceIndex, err = r.Uint16(); err != nil {
		return h, err
	}
	if h.AFI, err = r.Uint16(); err != nil {
		return h, err
	}
	n := addrLen(h.AFI)
	if n == 0 {
		return h, r.Errorf(wire.ErrUnsupportedType, "address family %d", h.AFI)
	}
	if h.PeerAddress, err = r.Addr(n); err != nil {
		return h, err
	}
	if h.LocalAddress, err = r.Addr(n); err != nil {
		return h, err
	}
	return h, nil
}
