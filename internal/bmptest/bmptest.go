// Package bmptest builds BGP, BMP and OpenBMP wire messages for tests of the
// packages that consume decoded BMP.
package bmptest

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/bmp"
)

func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// BGPMessage prefixes body with a BGP header of the given type.
func BGPMessage(typ uint8, body []byte) []byte {
	msg := bytes.Repeat([]byte{0xFF}, 16)
	msg = binary.BigEndian.AppendUint16(msg, uint16(19+len(body)))
	msg = append(msg, typ)
	return append(msg, body...)
}

// Route describes the content of an UPDATE built by Update.
type Route struct {
	Withdrawn []netip.Prefix
	Announced []netip.Prefix
	PathID    uint32 // written before every prefix when AddPath is set
	AddPath   bool
	ASPath    []uint32
	NextHop   string
	LocalPref uint32
}

// Update builds an IPv4 UPDATE with 4-octet AS_PATH. Attributes are only
// added when something is announced.
func Update(r Route) []byte {
	var withdrawn []byte
	for _, p := range r.Withdrawn {
		withdrawn = append(withdrawn, r.prefix(p)...)
	}
	var attrs, nlri []byte
	if len(r.Announced) > 0 {
		asPath := []byte{bgp.ASPathSegmentSequence, byte(len(r.ASPath))}
		for _, as := range r.ASPath {
			asPath = binary.BigEndian.AppendUint32(asPath, as)
		}
		if len(r.ASPath) == 0 {
			asPath = nil
		}
		nh := r.NextHop
		if nh == "" {
			nh = "192.0.2.1"
		}
		attrs = Concat(
			[]byte{0x40, bgp.AttrTypeOrigin, 1, 0},
			[]byte{0x40, bgp.AttrTypeASPath, byte(len(asPath))}, asPath,
			[]byte{0x40, bgp.AttrTypeNextHop, 4}, netip.MustParseAddr(nh).AsSlice(),
		)
		if r.LocalPref != 0 {
			attrs = append(attrs, 0x40, bgp.AttrTypeLocalPref, 4)
			attrs = binary.BigEndian.AppendUint32(attrs, r.LocalPref)
		}
		for _, p := range r.Announced {
			nlri = append(nlri, r.prefix(p)...)
		}
	}
	body := binary.BigEndian.AppendUint16(nil, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	body = append(body, attrs...)
	body = append(body, nlri...)
	return BGPMessage(bgp.MsgTypeUpdate, body)
}

func (r Route) prefix(p netip.Prefix) []byte {
	var b []byte
	if r.AddPath {
		b = binary.BigEndian.AppendUint32(b, r.PathID)
	}
	b = append(b, byte(p.Bits()))
	return append(b, p.Addr().AsSlice()[:(p.Bits()+7)/8]...)
}

// EndOfRIB is the IPv4 unicast End-of-RIB marker.
func EndOfRIB() []byte {
	return BGPMessage(bgp.MsgTypeUpdate, []byte{0, 0, 0, 0})
}

func Open(myAS uint16, id string, caps ...[]byte) []byte {
	body := []byte{4}
	body = binary.BigEndian.AppendUint16(body, myAS)
	body = binary.BigEndian.AppendUint16(body, 90)
	body = append(body, netip.MustParseAddr(id).AsSlice()...)
	c := Concat(caps...)
	if len(c) == 0 {
		body = append(body, 0)
	} else {
		body = append(body, byte(len(c)+2), bgp.OptParamCapabilities, byte(len(c)))
		body = append(body, c...)
	}
	return BGPMessage(bgp.MsgTypeOpen, body)
}

func CapFourOctet(asn uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{bgp.CapCodeFourOctetAS, 4}, asn)
}

func CapAddPath(afi uint16, safi, mode uint8) []byte {
	return []byte{bgp.CapCodeAddPath, 4, byte(afi >> 8), byte(afi), safi, mode}
}

func TLV(typ uint16, value []byte) []byte {
	b := binary.BigEndian.AppendUint16(nil, typ)
	b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	return append(b, value...)
}

// Message builds a version 3 BMP message.
func Message(msgType uint8, body ...[]byte) []byte {
	b := Concat(body...)
	msg := []byte{bmp.Version3}
	msg = binary.BigEndian.AppendUint32(msg, uint32(bmp.CommonHeaderSize+len(b)))
	msg = append(msg, msgType)
	return append(msg, b...)
}

// Peer describes a BMP per-peer header.
type Peer struct {
	Type  uint8
	Flags uint8
	RD    [8]byte
	Addr  string
	AS    uint32
	BGPID string
	Sec   uint32
}

func (p Peer) Header() []byte {
	h := []byte{p.Type, p.Flags}
	h = append(h, p.RD[:]...)
	addr := make([]byte, 16)
	if p.Addr != "" {
		a := netip.MustParseAddr(p.Addr)
		if a.Is4() {
			copy(addr[12:], a.AsSlice())
		} else {
			copy(addr, a.AsSlice())
		}
	}
	h = append(h, addr...)
	h = binary.BigEndian.AppendUint32(h, p.AS)
	id := []byte{0, 0, 0, 0}
	if p.BGPID != "" {
		id = netip.MustParseAddr(p.BGPID).AsSlice()
	}
	h = append(h, id...)
	h = binary.BigEndian.AppendUint32(h, p.Sec)
	return binary.BigEndian.AppendUint32(h, 0)
}

// GlobalPeer is an IPv4 global instance peer, AS 65002.
var GlobalPeer = Peer{Type: bmp.PeerTypeGlobal, Addr: "192.0.2.2", AS: 65002, BGPID: "192.0.2.2", Sec: 1700000000}

// LocRIBPeer is a Loc-RIB instance peer of router 10.0.0.1.
var LocRIBPeer = Peer{Type: bmp.PeerTypeLocRIB, BGPID: "10.0.0.1", Sec: 1700000000}

func RouteMonitoring(p Peer, update []byte, tlvs ...[]byte) []byte {
	return Message(bmp.MsgTypeRouteMonitoring, p.Header(), update, Concat(tlvs...))
}

// PeerUp builds a peer up from local 192.0.2.1:50000 to port 179 with the
// two OPEN messages.
func PeerUp(p Peer, sent, received []byte, tlvs ...[]byte) []byte {
	local := make([]byte, 16)
	copy(local[12:], []byte{192, 0, 2, 1})
	ports := []byte{0xC3, 0x50, 0x00, 0xB3}
	return Message(bmp.MsgTypePeerUp, p.Header(), local, ports, sent, received, Concat(tlvs...))
}

// AddPathPeerUp is a peer up where both sides negotiated 4-octet AS and
// IPv4 unicast add-path in both directions.
func AddPathPeerUp(p Peer) []byte {
	both := CapAddPath(bgp.AFIIPv4, bgp.SAFIUnicast, bgp.AddPathBoth)
	return PeerUp(p,
		Open(65001, "192.0.2.1", CapFourOctet(65001), both),
		Open(uint16(p.AS), p.BGPID, CapFourOctet(p.AS), both),
	)
}

func PeerDown(p Peer, reason uint8, data ...byte) []byte {
	return Message(bmp.MsgTypePeerDown, p.Header(), []byte{reason}, data)
}

func Initiation(sysName, sysDescr string) []byte {
	return Message(bmp.MsgTypeInitiation,
		TLV(bmp.InfoTypeSysName, []byte(sysName)),
		TLV(bmp.InfoTypeSysDescr, []byte(sysDescr)),
	)
}

func Termination(reason uint16) []byte {
	return Message(bmp.MsgTypeTermination, TLV(bmp.TermTypeReason, binary.BigEndian.AppendUint16(nil, reason)))
}

// RawV2 wraps BMP bytes in a legacy OpenBMP RAW v2 frame.
func RawV2(collectorHash uint32, payload ...[]byte) []byte {
	p := Concat(payload...)
	frame := binary.BigEndian.AppendUint16(nil, 2)
	frame = binary.BigEndian.AppendUint32(frame, collectorHash)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(p)))
	return append(frame, p...)
}

// OBMPv17 wraps BMP bytes in an OBMP v1.7 frame for the given router.
func OBMPv17(routerIP string, payload ...[]byte) []byte {
	p := Concat(payload...)
	const headerLen = 40 + 16 + 16 + 2 + 4
	frame := make([]byte, headerLen, headerLen+len(p))
	binary.BigEndian.PutUint32(frame[0:4], 0x4F424D50)
	frame[4], frame[5] = 1, 7
	binary.BigEndian.PutUint16(frame[6:8], headerLen)
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(p)))
	frame[12] = 0x80
	frame[13] = 12
	ip := netip.MustParseAddr(routerIP)
	for i := 0; i < 16; i++ {
		frame[40+i] = ip.AsSlice()[i%len(ip.AsSlice())] ^ byte(i)
	}
	copy(frame[56:], ip.AsSlice())
	binary.BigEndian.PutUint32(frame[74:78], 1)
	return append(frame, p...)
}
