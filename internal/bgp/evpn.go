package bgp

import (
	"encoding/hex"
	"net"
	"net/netip"

	"github.com/route-beacon/rib-decoder/internal/wire"
)

// EVPN route types (RFC 7432, RFC 9136).
const (
	EVPNEthernetAD         uint8 = 1
	EVPNMACIPAdvertisement uint8 = 2
	EVPNInclusiveMulticast uint8 = 3
	EVPNEthernetSegment    uint8 = 4
	EVPNIPPrefix           uint8 = 5
)

// ESI is a 10-byte Ethernet Segment Identifier.
type ESI [10]byte

func (e ESI) String() string { return hex.EncodeToString(e[:]) }

// EVPNNLRI is the route list of the L2VPN/EVPN family.
type EVPNNLRI []EVPNEntry

func (n EVPNNLRI) Count() int { return len(n) }
func (EVPNNLRI) isNLRI()      {}

// EVPNEntry is one EVPN NLRI. Route holds the variant matching RouteType.
type EVPNEntry struct {
	PathID    uint32
	RouteType uint8
	Route     EVPNRoute
}

// EVPNRoute is implemented by the EVPN* route types.
type EVPNRoute interface {
	EVPNType() uint8
	isEVPNRoute()
}

type EVPNEthernetADRoute struct {
	RD          RouteDistinguisher
	ESI         ESI
	EthernetTag uint32
	Label       uint32
}

type EVPNMACIPRoute struct {
	RD          RouteDistinguisher
	ESI         ESI
	EthernetTag uint32
	MAC         net.HardwareAddr
	IP          netip.Addr // invalid when absent
	Labels      []uint32   // one or two
}

type EVPNInclusiveMulticastRoute struct {
	RD          RouteDistinguisher
	EthernetTag uint32
	OriginIP    netip.Addr
}

type EVPNEthernetSegmentRoute struct {
	RD       RouteDistinguisher
	ESI      ESI
	OriginIP netip.Addr
}

type EVPNIPPrefixRoute struct {
	RD          RouteDistinguisher
	ESI         ESI
	EthernetTag uint32
	Prefix      netip.Prefix
	Gateway     netip.Addr
	Label       uint32
}

// EVPNUnknownRoute keeps the body of a route type without a decoder.
type EVPNUnknownRoute struct {
	Type  uint8
	Value []byte
}

func (*EVPNEthernetADRoute) EVPNType() uint8         { return EVPNEthernetAD }
func (*EVPNMACIPRoute) EVPNType() uint8              { return EVPNMACIPAdvertisement }
func (*EVPNInclusiveMulticastRoute) EVPNType() uint8 { return EVPNInclusiveMulticast }
func (*EVPNEthernetSegmentRoute) EVPNType() uint8    { return EVPNEthernetSegment }
func (*EVPNIPPrefixRoute) EVPNType() uint8           { return EVPNIPPrefix }
func (r *EVPNUnknownRoute) EVPNType() uint8          { return r.Type }

func (*EVPNEthernetADRoute) isEVPNRoute()         {}
func (*EVPNMACIPRoute) isEVPNRoute()              {}
func (*EVPNInclusiveMulticastRoute) isEVPNRoute() {}
func (*EVPNEthernetSegmentRoute) isEVPNRoute()    {}
func (*EVPNIPPrefixRoute) isEVPNRoute()           {}
func (*EVPNUnknownRoute) isEVPNRoute()            {}

func decodeEVPNNLRI(r *wire.Reader, _ Family, addPath bool, limit int) (NLRI, error) {
	var out EVPNNLRI
	for r.Len() > 0 && (limit == 0 || len(out) < limit) {
		var e EVPNEntry
		var err error
		if e.PathID, err = readPathID(r, addPath); err != nil {
			return nil, err
		}
		if e.RouteType, err = r.Uint8(); err != nil {
			return nil, err
		}
		l, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		body, err := r.Sub(int(l))
		if err != nil {
			return nil, err
		}
		if e.Route, err = decodeEVPNRoute(e.RouteType, body); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEVPNRoute(typ uint8, r *wire.Reader) (EVPNRoute, error) {
	var (
		route EVPNRoute
		err   error
	)
	switch typ {
	case EVPNEthernetAD:
		route, err = decodeEVPNEthernetAD(r)
	case EVPNMACIPAdvertisement:
		route, err = decodeEVPNMACIP(r)
	case EVPNInclusiveMulticast:
		route, err = decodeEVPNInclusiveMulticast(r)
	case EVPNEthernetSegment:
		route, err = decodeEVPNEthernetSegment(r)
	case EVPNIPPrefix:
		route, err = decodeEVPNIPPrefix(r)
	default:
		return &EVPNUnknownRoute{Type: typ, Value: r.CopyRest()}, nil
	}
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, r.Errorf(wire.ErrProtocolViolation, "evpn route type %d has %d trailing bytes", typ, r.Len())
	}
	return route, nil
}

func readRD(r *wire.Reader) (RouteDistinguisher, error) {
	b, err := r.Next(8)
	if err != nil {
		return RouteDistinguisher{}, err
	}
	return RouteDistinguisher(b), nil
}

func readESI(r *wire.Reader) (ESI, error) {
	b, err := r.Next(10)
	if err != nil {
		return ESI{}, err
	}
	return ESI(b), nil
}

func readLabel(r *wire.Reader) (uint32, error) {
	v, err := r.Uint24()
	return v >> 4, err
}

// readLengthAddr reads a bit-length byte followed by an address of 0, 32 or
// 128 bits.
func readLengthAddr(r *wire.Reader) (netip.Addr, error) {
	bits, err := r.Uint8()
	if err != nil {
		return netip.Addr{}, err
	}
	switch bits {
	case 0:
		return netip.Addr{}, nil
	case 32:
		return r.Addr(4)
	case 128:
		return r.Addr(16)
	}
	return netip.Addr{}, r.Errorf(wire.ErrProtocolViolation, "evpn ip length %d", bits)
}

func decodeEVPNEthernetAD(r *wire.Reader) (*EVPNEthernetADRoute, error) {
	var rt EVPNEthernetADRoute
	var err error
	if rt.RD, err = readRD(r); err != nil {
		return nil, err
	}
	if rt.ESI, err = readESI(r); err != nil {
		return nil, err
	}
	if rt.EthernetTag, err = r.Uint32(); err != nil {
		return nil, err
	}
	if rt.Label, err = readLabel(r); err != nil {
		return nil, err
	}
	return &rt, nil
}

func decodeEVPNMACIP(r *wire.Reader) (*EVPNMACIPRoute, error) {
	var rt EVPNMACIPRoute
	var err error
	if rt.RD, err = readRD(r); err != nil {
		return nil, err
	}
	if rt.ESI, err = readESI(r); err != nil {
		return nil, err
	}
	if rt.EthernetTag, err = r.Uint32(); err != nil {
		return nil, err
	}
	macBits, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if macBits != 48 {
		return nil, r.Errorf(wire.ErrProtocolViolation, "evpn mac length %d", macBits)
	}
	if rt.MAC, err = r.Copy(6); err != nil {
		return nil, err
	}
	if rt.IP, err = readLengthAddr(r); err != nil {
		return nil, err
	}
	l1, err := readLabel(r)
	if err != nil {
		return nil, err
	}
	rt.Labels = append(rt.Labels, l1)
	if r.Len() > 0 {
		l2, err := readLabel(r)
		if err != nil {
			return nil, err
		}
		rt.Labels = append(rt.Labels, l2)
	}
	return &rt, nil
}

func decodeEVPNInclusiveMulticast(r *wire.Reader) (*EVPNInclusiveMulticastRoute, error) {
	var rt EVPNInclusiveMulticastRoute
	var err error
	if rt.RD, err = readRD(r); err != nil {
		return nil, err
	}
	if rt.EthernetTag, err = r.Uint32(); err != nil {
		return nil, err
	}
	if rt.OriginIP, err = readLengthAddr(r); err != nil {
		return nil, err
	}
	return &rt, nil
}

func decodeEVPNEthernetSegment(r *wire.Reader) (*EVPNEthernetSegmentRoute, error) {
	var rt EVPNEthernetSegmentRoute
	var err error
	if rt.RD, err = readRD(r); err != nil {
		return nil, err
	}
	if rt.ESI, err = readESI(r); err != nil {
		return nil, err
	}
	if rt.OriginIP, err = readLengthAddr(r); err != nil {
		return nil, err
	}
	return &rt, nil
}

// decodeEVPNIPPrefix handles the fixed 34 (IPv4) and 58 (IPv6) byte bodies
// of RFC 9136.
func decodeEVPNIPPrefix(r *wire.Reader) (*EVPNIPPrefixRoute, error) {
	var addrLen int
	switch r.Len() {
	case 34:
		addrLen = 4
	case 58:
		addrLen = 16
	default:
		return nil, r.Errorf(wire.ErrProtocolViolation, "evpn ip prefix route length %d", r.Len())
	}

	var rt EVPNIPPrefixRoute
	var err error
	if rt.RD, err = readRD(r); err != nil {
		return nil, err
	}
	if rt.ESI, err = readESI(r); err != nil {
		return nil, err
	}
	if rt.EthernetTag, err = r.Uint32(); err != nil {
		return nil, err
	}
	bits, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if int(bits) > addrLen*8 {
		return nil, r.Errorf(wire.ErrProtocolViolation, "evpn prefix length %d", bits)
	}
	addr, err := r.Addr(addrLen)
	if err != nil {
		return nil, err
	}
	rt.Prefix = netip.PrefixFrom(addr, int(bits)).Masked()
	if rt.Gateway, err = r.Addr(addrLen); err != nil {
		return nil, err
	}
	if rt.Label, err = readLabel(r); err != nil {
		return nil, err
	}
	return &rt, nil
}
