package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/route-beacon/rib-decoder/internal/wire"
)

// Prefix is an IPv4 or IPv6 NLRI entry. PathID is zero unless add-path is in use.
type Prefix struct {
	PathID uint32
	Prefix netip.Prefix
}

// LabeledPrefix is a labeled-unicast (RFC 8277) or VPN (RFC 4364) entry. RD
// is zero for labeled-unicast.
type LabeledPrefix struct {
	PathID uint32
	Labels []uint32 // 20-bit label values, outermost first
	RD     RouteDistinguisher
	Prefix netip.Prefix
}

// RouteDistinguisher is the 8-byte RD of RFC 4364.
type RouteDistinguisher [8]byte

// Type returns the RD type field.
func (rd RouteDistinguisher) Type() uint16 { return binary.BigEndian.Uint16(rd[0:2]) }

func (rd RouteDistinguisher) IsZero() bool { return rd == RouteDistinguisher{} }

func (rd RouteDistinguisher) String() string {
	switch rd.Type() {
	case 0:
		return fmt.Sprintf("%d:%d", binary.BigEndian.Uint16(rd[2:4]), binary.BigEndian.Uint32(rd[4:8]))
	case 1:
		return fmt.Sprintf("%s:%d", netip.AddrFrom4([4]byte(rd[2:6])), binary.BigEndian.Uint16(rd[6:8]))
	case 2:
		return fmt.Sprintf("%d:%d", binary.BigEndian.Uint32(rd[2:6]), binary.BigEndian.Uint16(rd[6:8]))
	}
	return fmt.Sprintf("%x", rd[:])
}

// NLRI is the route list carried by MP_REACH_NLRI or MP_UNREACH_NLRI. The
// concrete type is selected by AFI/SAFI: UnicastNLRI, LabeledNLRI, VPNNLRI,
// EVPNNLRI or LinkStateNLRIs.
type NLRI interface {
	Count() int
	isNLRI()
}

// UnicastNLRI covers the unicast and multicast SAFIs.
type UnicastNLRI []Prefix

type LabeledNLRI []LabeledPrefix

type VPNNLRI []LabeledPrefix

func (n UnicastNLRI) Count() int { return len(n) }
func (n LabeledNLRI) Count() int { return len(n) }
func (n VPNNLRI) Count() int     { return len(n) }
func (UnicastNLRI) isNLRI()      {}
func (LabeledNLRI) isNLRI()      {}
func (VPNNLRI) isNLRI()          {}

// nlriDecoder decodes entries until r is exhausted, or at most limit entries
// when limit > 0.
type nlriDecoder func(r *wire.Reader, fam Family, addPath bool, limit int) (NLRI, error)

var nlriDecoders = map[Family]nlriDecoder{
	{AFIIPv4, SAFIUnicast}:           decodeUnicastNLRI,
	{AFIIPv4, SAFIMulticast}:         decodeUnicastNLRI,
	{AFIIPv6, SAFIUnicast}:           decodeUnicastNLRI,
	{AFIIPv6, SAFIMulticast}:         decodeUnicastNLRI,
	{AFIIPv4, SAFILabeledUnicast}:    decodeLabeledNLRI,
	{AFIIPv6, SAFILabeledUnicast}:    decodeLabeledNLRI,
	{AFIIPv4, SAFIMPLSVPN}:           decodeVPNNLRI,
	{AFIIPv6, SAFIMPLSVPN}:           decodeVPNNLRI,
	{AFIL2VPN, SAFIEVPN}:             decodeEVPNNLRI,
	{AFILinkState, SAFILinkState}:    decodeLinkStateNLRI,
	{AFILinkState, SAFILinkStateVPN}: decodeLinkStateNLRI,
}

// Supported reports whether NLRI of family f is decoded into structured form.
func (f Family) Supported() bool {
	_, ok := nlriDecoders[f]
	return ok
}

// DecodeSingleNLRI decodes exactly one NLRI entry of family fam from the front
// of b and returns it with the number of bytes consumed. MRT RIB records use
// this for their lone prefix.
func DecodeSingleNLRI(fam Family, addPath bool, b []byte) (NLRI, int, error) {
	dec, ok := nlriDecoders[fam]
	if !ok {
		return nil, 0, &wire.Error{Layer: "bgp", Kind: wire.ErrUnsupportedType, Msg: "nlri family " + fam.String()}
	}
	r := wire.NewReader("bgp", b)
	n, err := dec(r, fam, addPath, 1)
	if err != nil {
		return nil, 0, err
	}
	if n.Count() != 1 {
		return nil, 0, r.Errorf(wire.ErrTruncated, "no %s nlri entry", fam)
	}
	return n, r.Offset(), nil
}

// decodeNLRI returns nil, nil for families without a decoder; the caller
// skips the bytes.
func decodeNLRI(r *wire.Reader, fam Family, addPath bool) (NLRI, error) {
	dec, ok := nlriDecoders[fam]
	if !ok {
		r.SkipRest()
		return nil, nil
	}
	return dec(r, fam, addPath, 0)
}

func readPathID(r *wire.Reader, addPath bool) (uint32, error) {
	if !addPath {
		return 0, nil
	}
	return r.Uint32()
}

// readPrefixBits reads ceil(bits/8) bytes and builds a masked prefix.
func readPrefixBits(r *wire.Reader, afi uint16, bits int) (netip.Prefix, error) {
	var maxBits int
	switch afi {
	case AFIIPv4:
		maxBits = 32
	case AFIIPv6:
		maxBits = 128
	default:
		return netip.Prefix{}, r.Errorf(wire.ErrUnsupportedType, "prefix afi %d", afi)
	}
	if bits > maxBits {
		return netip.Prefix{}, r.Errorf(wire.ErrProtocolViolation, "prefix length %d exceeds %d", bits, maxBits)
	}
	b, err := r.Next((bits + 7) / 8)
	if err != nil {
		return netip.Prefix{}, err
	}
	var raw [16]byte
	copy(raw[:], b)
	var addr netip.Addr
	if afi == AFIIPv4 {
		addr = netip.AddrFrom4([4]byte(raw[:4]))
	} else {
		addr = netip.AddrFrom16(raw)
	}
	return netip.PrefixFrom(addr, bits).Masked(), nil
}

func decodePrefix(r *wire.Reader, afi uint16, addPath bool) (Prefix, error) {
	var p Prefix
	var err error
	if p.PathID, err = readPathID(r, addPath); err != nil {
		return p, err
	}
	bits, err := r.Uint8()
	if err != nil {
		return p, err
	}
	p.Prefix, err = readPrefixBits(r, afi, int(bits))
	return p, err
}

// decodePrefixes decodes the plain prefix lists of the UPDATE body.
func decodePrefixes(r *wire.Reader, afi uint16, addPath bool) ([]Prefix, error) {
	var out []Prefix
	for r.Len() > 0 {
		p, err := decodePrefix(r, afi, addPath)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeUnicastNLRI(r *wire.Reader, fam Family, addPath bool, limit int) (NLRI, error) {
	var out UnicastNLRI
	for r.Len() > 0 && (limit == 0 || len(out) < limit) {
		p, err := decodePrefix(r, fam.AFI, addPath)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// decodeLabeledPrefix reads path id, bit length, label stack, optional RD and
// prefix. Labels are consumed until the bottom-of-stack bit, or the withdrawal
// values 0x800000 and 0x000000 (RFC 8277 section 2.4).
func decodeLabeledPrefix(r *wire.Reader, afi uint16, addPath, vpn bool) (LabeledPrefix, error) {
	var p LabeledPrefix
	var err error
	if p.PathID, err = readPathID(r, addPath); err != nil {
		return p, err
	}
	b, err := r.Uint8()
	if err != nil {
		return p, err
	}
	bits := int(b)

	for {
		if bits < 24 {
			return p, r.Errorf(wire.ErrProtocolViolation, "prefix length %d too short for label", bits)
		}
		v, err := r.Uint24()
		if err != nil {
			return p, err
		}
		bits -= 24
		p.Labels = append(p.Labels, v>>4)
		if v&1 == 1 || v == 0x800000 || v == 0 {
			break
		}
	}

	if vpn {
		if bits < 64 {
			return p, r.Errorf(wire.ErrProtocolViolation, "prefix length %d too short for route distinguisher", bits)
		}
		rd, err := r.Next(8)
		if err != nil {
			return p, err
		}
		p.RD = RouteDistinguisher(rd)
		bits -= 64
	}

	p.Prefix, err = readPrefixBits(r, afi, bits)
	return p, err
}

func decodeLabeledNLRI(r *wire.Reader, fam Family, addPath bool, limit int) (NLRI, error) {
	var out LabeledNLRI
	for r.Len() > 0 && (limit == 0 || len(out) < limit) {
		p, err := decodeLabeledPrefix(r, fam.AFI, addPath, false)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeVPNNLRI(r *wire.Reader, fam Family, addPath bool, limit int) (NLRI, error) {
	var out VPNNLRI
	for r.Len() > 0 && (limit == 0 || len(out) < limit) {
		p, err := decodeLabeledPrefix(r, fam.AFI, addPath, true)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
