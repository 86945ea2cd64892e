package bmp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/wire"
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// buildBMPMessage builds a version 3 message: common header plus body.
func buildBMPMessage(msgType uint8, body ...[]byte) []byte {
	b := concat(body...)
	msg := make([]byte, CommonHeaderSize, CommonHeaderSize+len(b))
	msg[0] = Version3
	binary.BigEndian.PutUint32(msg[1:5], uint32(CommonHeaderSize+len(b)))
	msg[5] = msgType
	return append(msg, b...)
}

type peer struct {
	typ   uint8
	flags uint8
	addr  string
	as    uint32
	bgpID string
	sec   uint32
}

func (p peer) header() []byte {
	h := []byte{p.typ, p.flags}
	h = append(h, 0, 0, 0xFD, 0xE9, 0, 0, 0, 1) // distinguisher 65001:1
	addr := make([]byte, 16)
	if p.addr != "" {
		a := netip.MustParseAddr(p.addr)
		if a.Is4() {
			copy(addr[12:], a.AsSlice())
		} else {
			copy(addr, a.AsSlice())
		}
	}
	h = append(h, addr...)
	h = binary.BigEndian.AppendUint32(h, p.as)
	id := []byte{0, 0, 0, 0}
	if p.bgpID != "" {
		id = netip.MustParseAddr(p.bgpID).AsSlice()
	}
	h = append(h, id...)
	h = binary.BigEndian.AppendUint32(h, p.sec)
	return binary.BigEndian.AppendUint32(h, 250000)
}

var testPeer = peer{typ: PeerTypeGlobal, addr: "192.0.2.2", as: 65002, bgpID: "192.0.2.2", sec: 1700000000}

func buildBGPMessage(typ uint8, body []byte) []byte {
	msg := bytes.Repeat([]byte{0xFF}, 16)
	msg = binary.BigEndian.AppendUint16(msg, uint16(19+len(body)))
	msg = append(msg, typ)
	return append(msg, body...)
}

// buildBGPUpdate builds an UPDATE announcing 10.0.0.0/8 with ORIGIN, a
// one-AS AS_PATH of the given width and NEXT_HOP 192.0.2.1.
func buildBGPUpdate(asn uint32, fourByte bool) []byte {
	asPath := []byte{bgp.ASPathSegmentSequence, 1}
	if fourByte {
		asPath = binary.BigEndian.AppendUint32(asPath, asn)
	} else {
		asPath = binary.BigEndian.AppendUint16(asPath, uint16(asn))
	}
	attrs := concat(
		[]byte{0x40, bgp.AttrTypeOrigin, 1, 0},
		[]byte{0x40, bgp.AttrTypeASPath, byte(len(asPath))}, asPath,
		[]byte{0x40, bgp.AttrTypeNextHop, 4, 192, 0, 2, 1},
	)
	body := []byte{0, 0}
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	body = append(body, attrs...)
	body = append(body, 8, 10)
	return buildBGPMessage(bgp.MsgTypeUpdate, body)
}

func buildBGPOpen(myAS uint16, id string, caps ...[]byte) []byte {
	body := []byte{4}
	body = binary.BigEndian.AppendUint16(body, myAS)
	body = binary.BigEndian.AppendUint16(body, 90)
	body = append(body, netip.MustParseAddr(id).AsSlice()...)
	c := concat(caps...)
	if len(c) == 0 {
		body = append(body, 0)
	} else {
		body = append(body, byte(len(c)+2), bgp.OptParamCapabilities, byte(len(c)))
		body = append(body, c...)
	}
	return buildBGPMessage(bgp.MsgTypeOpen, body)
}

func capFourOctet(asn uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{bgp.CapCodeFourOctetAS, 4}, asn)
}

func capAddPath(afi uint16, safi, mode uint8) []byte {
	return []byte{bgp.CapCodeAddPath, 4, byte(afi >> 8), byte(afi), safi, mode}
}

func buildTLV(typ uint16, value []byte) []byte {
	b := binary.BigEndian.AppendUint16(nil, typ)
	b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	return append(b, value...)
}

func decodeOK(t *testing.T, msg []byte) *Message {
	t.Helper()
	m, n, err := Decode(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("expected %d bytes consumed, got %d", len(msg), n)
	}
	return m
}

func TestDecode_RouteMonitoring(t *testing.T) {
	update := buildBGPUpdate(4200000001, true)
	m := decodeOK(t, buildBMPMessage(MsgTypeRouteMonitoring, testPeer.header(), update))

	if m.Version != 3 || m.Type != MsgTypeRouteMonitoring {
		t.Errorf("unexpected header %d/%d", m.Version, m.Type)
	}
	h := m.Peer
	if h.Address != netip.MustParseAddr("192.0.2.2") {
		t.Errorf("expected peer 192.0.2.2, got %s", h.Address)
	}
	if h.AS != 65002 || h.Distinguisher.String() != "65001:1" {
		t.Errorf("unexpected peer AS %d or distinguisher %s", h.AS, h.Distinguisher)
	}
	if h.Time().Unix() != 1700000000 || h.Time().Nanosecond() != 250000000 {
		t.Errorf("unexpected timestamp %s", h.Time())
	}
	if h.IPv6() || h.PostPolicy() || h.TwoByteAS() || h.AdjRIBOut() || h.LocRIB() {
		t.Errorf("expected no flags, got 0x%02x", h.Flags)
	}

	rm, ok := m.Body.(*RouteMonitoring)
	if !ok {
		t.Fatalf("expected *RouteMonitoring, got %T", m.Body)
	}
	if !bytes.Equal(rm.Raw, update) {
		t.Errorf("expected raw BGP bytes to match")
	}
	u, ok := rm.Update()
	if !ok {
		t.Fatalf("expected an UPDATE")
	}
	if got := u.ASPath().String(); got != "4200000001" {
		t.Errorf("expected AS path 4200000001, got %s", got)
	}
	if len(u.NLRI) != 1 || u.NLRI[0].Prefix != netip.MustParsePrefix("10.0.0.0/8") {
		t.Errorf("unexpected NLRI %v", u.NLRI)
	}
	if rm.TableName() != "" {
		t.Errorf("expected no table name, got %q", rm.TableName())
	}
}

func TestDecode_RouteMonitoringIPv6Peer(t *testing.T) {
	p := peer{typ: PeerTypeRD, flags: PeerFlagIPv6 | PeerFlagPostPolicy | PeerFlagAdjRIBOut, addr: "2001:db8::2", as: 65002}
	m := decodeOK(t, buildBMPMessage(MsgTypeRouteMonitoring, p.header(), buildBGPUpdate(65010, true)))
	if m.Peer.Address != netip.MustParseAddr("2001:db8::2") {
		t.Errorf("expected peer 2001:db8::2, got %s", m.Peer.Address)
	}
	if !m.Peer.IPv6() || !m.Peer.PostPolicy() || !m.Peer.AdjRIBOut() {
		t.Errorf("expected V, L and O flags, got 0x%02x", m.Peer.Flags)
	}
	if !m.Peer.Time().IsZero() {
		t.Errorf("expected zero time for zero timestamp, got %s", m.Peer.Time())
	}
}

func TestDecode_LocRIBTableName(t *testing.T) {
	p := peer{typ: PeerTypeLocRIB, flags: PeerFlagFiltered, bgpID: "10.0.0.1"}
	msg := buildBMPMessage(MsgTypeRouteMonitoring, p.header(), buildBGPUpdate(65010, true), buildTLV(TLVTypeTableName, []byte("inet.0")))
	m := decodeOK(t, msg)

	if !m.Peer.LocRIB() || !m.Peer.Filtered() {
		t.Errorf("expected a filtered Loc-RIB peer")
	}
	if m.Peer.IPv6() {
		t.Error("expected the F flag not to read as V")
	}
	if m.Peer.RouterID() != "10.0.0.1" {
		t.Errorf("expected router id from BGP ID, got %q", m.Peer.RouterID())
	}
	if name := m.Body.(*RouteMonitoring).TableName(); name != "inet.0" {
		t.Errorf("expected table name inet.0, got %q", name)
	}
}

func TestDecode_TwoByteASFlag(t *testing.T) {
	p := testPeer
	p.flags = PeerFlagTwoByteAS
	m := decodeOK(t, buildBMPMessage(MsgTypeRouteMonitoring, p.header(), buildBGPUpdate(65010, false)))
	u, _ := m.Body.(*RouteMonitoring).Update()
	if got := u.ASPath().String(); got != "65010" {
		t.Errorf("expected AS path 65010, got %s", got)
	}
	if u.ASPath().FourByte {
		t.Error("expected a 2-octet AS path")
	}
}

func TestDecode_StatsReport(t *testing.T) {
	body := binary.BigEndian.AppendUint32(nil, 4)
	body = append(body, buildTLV(0, []byte{0, 0, 0, 7})...)
	body = append(body, buildTLV(7, binary.BigEndian.AppendUint64(nil, 1<<40))...)
	family := concat([]byte{0, 2, 1}, binary.BigEndian.AppendUint64(nil, 900))
	body = append(body, buildTLV(9, family)...)
	body = append(body, buildTLV(200, []byte{1, 2, 3})...)

	m := decodeOK(t, buildBMPMessage(MsgTypeStatisticsReport, testPeer.header(), body))
	s, ok := m.Body.(*StatsReport)
	if !ok {
		t.Fatalf("expected *StatsReport, got %T", m.Body)
	}
	if len(s.Stats) != 4 {
		t.Fatalf("expected 4 stats, got %d", len(s.Stats))
	}
	if v, ok := s.Stats[0].Value.(StatCounter); !ok || v != 7 {
		t.Errorf("expected counter 7, got %#v", s.Stats[0].Value)
	}
	if v, ok := s.Stats[1].Value.(StatGauge); !ok || v != 1<<40 {
		t.Errorf("expected gauge 2^40, got %#v", s.Stats[1].Value)
	}
	if v, ok := s.Stats[2].Value.(StatFamilyGauge); !ok || v.Family != bgp.FamilyIPv6Unicast || v.Value != 900 {
		t.Errorf("expected ipv6 gauge 900, got %#v", s.Stats[2].Value)
	}
	if s.Stats[3].Value != nil || !bytes.Equal(s.Stats[3].Raw, []byte{1, 2, 3}) {
		t.Errorf("expected an opaque stat, got %#v", s.Stats[3])
	}
}

func TestDecode_StatsReportCountOverrun(t *testing.T) {
	body := binary.BigEndian.AppendUint32(nil, 1000)
	_, _, err := Decode(buildBMPMessage(MsgTypeStatisticsReport, testPeer.header(), body, buildTLV(0, []byte{0, 0, 0, 1})))
	if !errors.Is(err, wire.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecode_PeerDown(t *testing.T) {
	notification := buildBGPMessage(bgp.MsgTypeNotification, []byte{bgp.NotifCease, bgp.CeaseAdminShutdown, 0})

	tests := []struct {
		name  string
		body  []byte
		check func(t *testing.T, pd *PeerDown)
	}{
		{
			name: "local notification",
			body: concat([]byte{PeerDownLocalNotification}, notification),
			check: func(t *testing.T, pd *PeerDown) {
				if pd.Notification == nil || pd.Notification.Code != bgp.NotifCease {
					t.Errorf("expected a Cease notification, got %+v", pd.Notification)
				}
			},
		},
		{
			name: "fsm event",
			body: []byte{PeerDownLocalNoNotification, 0, 9},
			check: func(t *testing.T, pd *PeerDown) {
				if pd.FSMEvent != 9 {
					t.Errorf("expected FSM event 9, got %d", pd.FSMEvent)
				}
			},
		},
		{
			name: "remote notification",
			body: concat([]byte{PeerDownRemoteNotification}, notification),
			check: func(t *testing.T, pd *PeerDown) {
				if pd.Notification == nil || pd.Notification.Subcode != bgp.CeaseAdminShutdown {
					t.Errorf("expected admin shutdown, got %+v", pd.Notification)
				}
			},
		},
		{
			name: "remote no data",
			body: []byte{PeerDownRemoteNoData},
			check: func(t *testing.T, pd *PeerDown) {
				if pd.Notification != nil || pd.Data != nil {
					t.Errorf("expected no payload, got %+v", pd)
				}
			},
		},
		{
			name: "loc-rib tlvs",
			body: concat([]byte{PeerDownLocalTLV}, buildTLV(0, []byte("vrf-red"))),
			check: func(t *testing.T, pd *PeerDown) {
				if len(pd.TLVs) != 1 || pd.TLVs[0].String() != "vrf-red" {
					t.Errorf("expected one TLV, got %+v", pd.TLVs)
				}
			},
		},
		{
			name: "unknown reason",
			body: []byte{42, 1, 2},
			check: func(t *testing.T, pd *PeerDown) {
				if !bytes.Equal(pd.Data, []byte{1, 2}) {
					t.Errorf("expected opaque data, got %x", pd.Data)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := decodeOK(t, buildBMPMessage(MsgTypePeerDown, testPeer.header(), tt.body))
			pd, ok := m.Body.(*PeerDown)
			if !ok {
				t.Fatalf("expected *PeerDown, got %T", m.Body)
			}
			tt.check(t, pd)
		})
	}
}

func TestDecode_PeerDownWrongMessage(t *testing.T) {
	keepalive := buildBGPMessage(bgp.MsgTypeKeepalive, nil)
	_, _, err := Decode(buildBMPMessage(MsgTypePeerDown, testPeer.header(), []byte{PeerDownLocalNotification}, keepalive))
	if !errors.Is(err, wire.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func peerUpBody(sent, received []byte, tlvs ...[]byte) []byte {
	local := make([]byte, 16)
	copy(local[12:], []byte{192, 0, 2, 1})
	ports := []byte{0x00, 0xB3, 0xC3, 0x50} // 179, 50000
	return concat(local, ports, sent, received, concat(tlvs...))
}

func TestDecode_PeerUp(t *testing.T) {
	sent := buildBGPOpen(65001, "192.0.2.1", capFourOctet(65001))
	received := buildBGPOpen(bgp.ASTrans, "192.0.2.2", capFourOctet(4200000002))
	msg := buildBMPMessage(MsgTypePeerUp, testPeer.header(), peerUpBody(sent, received, buildTLV(InfoTypeString, []byte("hello"))))

	m := decodeOK(t, msg)
	pu, ok := m.Body.(*PeerUp)
	if !ok {
		t.Fatalf("expected *PeerUp, got %T", m.Body)
	}
	if pu.LocalAddress != netip.MustParseAddr("192.0.2.1") || pu.LocalPort != 179 || pu.RemotePort != 50000 {
		t.Errorf("unexpected local endpoint %s:%d remote port %d", pu.LocalAddress, pu.LocalPort, pu.RemotePort)
	}
	if pu.SentOpen.ASN() != 65001 {
		t.Errorf("expected sent ASN 65001, got %d", pu.SentOpen.ASN())
	}
	if pu.ReceivedOpen.ASN() != 4200000002 {
		t.Errorf("expected received ASN 4200000002, got %d", pu.ReceivedOpen.ASN())
	}
	if len(pu.Info) != 1 || pu.Info[0].String() != "hello" {
		t.Errorf("unexpected info TLVs %+v", pu.Info)
	}
}

func TestDecode_PeerUpSecondNotOpen(t *testing.T) {
	sent := buildBGPOpen(65001, "192.0.2.1")
	keepalive := buildBGPMessage(bgp.MsgTypeKeepalive, nil)
	_, _, err := Decode(buildBMPMessage(MsgTypePeerUp, testPeer.header(), peerUpBody(sent, keepalive)))
	if !errors.Is(err, wire.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestDecode_PeerUpLocRIBWithoutOpens(t *testing.T) {
	p := peer{typ: PeerTypeLocRIB, bgpID: "10.0.0.1"}
	msg := buildBMPMessage(MsgTypePeerUp, p.header(), buildTLV(InfoTypeVRFName, []byte("global")))
	m := decodeOK(t, msg)
	pu := m.Body.(*PeerUp)
	if pu.SentOpen != nil || pu.ReceivedOpen != nil {
		t.Errorf("expected no OPEN messages")
	}
	if len(pu.Info) != 1 || pu.Info[0].Type != InfoTypeVRFName || pu.Info[0].String() != "global" {
		t.Errorf("unexpected info TLVs %+v", pu.Info)
	}
}

func TestDecode_InitiationTermination(t *testing.T) {
	m := decodeOK(t, buildBMPMessage(MsgTypeInitiation,
		buildTLV(InfoTypeSysName, []byte("router1")),
		buildTLV(InfoTypeSysDescr, bytes.Repeat([]byte("x"), 600)),
	))
	if m.Peer != nil {
		t.Error("expected no peer header on initiation")
	}
	ini, ok := m.Body.(*Initiation)
	if !ok || len(ini.TLVs) != 2 {
		t.Fatalf("expected 2 initiation TLVs, got %#v", m.Body)
	}
	if ini.TLVs[0].String() != "router1" || len(ini.TLVs[1].Value) != 600 {
		t.Errorf("unexpected initiation TLVs %+v", ini.TLVs)
	}

	m = decodeOK(t, buildBMPMessage(MsgTypeTermination, buildTLV(TermTypeReason, []byte{0, 1})))
	reason, ok := m.Body.(*Termination).Reason()
	if !ok || reason != 1 {
		t.Errorf("expected reason 1, got %d", reason)
	}
}

func TestDecode_RouteMirroring(t *testing.T) {
	update := buildBGPUpdate(65010, true)
	msg := buildBMPMessage(MsgTypeRouteMirroring, testPeer.header(),
		buildTLV(MirrorTypeBGPMessage, update),
		buildTLV(MirrorTypeInformation, []byte{0, 1}),
		buildTLV(MirrorTypeBGPMessage, []byte{1, 2, 3}),
	)
	m := decodeOK(t, msg)
	rm, ok := m.Body.(*RouteMirroring)
	if !ok || len(rm.TLVs) != 3 {
		t.Fatalf("expected 3 mirroring TLVs, got %#v", m.Body)
	}
	if rm.TLVs[0].BGP == nil || rm.TLVs[0].BGP.Header.Type != bgp.MsgTypeUpdate {
		t.Errorf("expected a mirrored UPDATE")
	}
	if rm.TLVs[1].Info != 1 {
		t.Errorf("expected information code 1, got %d", rm.TLVs[1].Info)
	}
	if rm.TLVs[2].BGP != nil || len(rm.TLVs[2].Value) != 3 {
		t.Errorf("expected an undecodable PDU kept as bytes")
	}
}

func buildLegacy(version, msgType uint8, body ...[]byte) []byte {
	return concat([]byte{version, msgType}, testPeer.header(), concat(body...))
}

func TestDecode_Legacy(t *testing.T) {
	update := buildBGPUpdate(65010, true)
	trailing := []byte{0xDE, 0xAD}

	msg := buildLegacy(1, MsgTypeRouteMonitoring, update, trailing)
	m, n, err := Decode(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != LegacyHeaderSize+len(update) || int(m.Length) != n {
		t.Errorf("expected %d bytes consumed, got %d", LegacyHeaderSize+len(update), n)
	}
	if _, ok := m.Body.(*RouteMonitoring).Update(); !ok {
		t.Error("expected an UPDATE")
	}

	m, n, err = Decode(buildLegacy(2, MsgTypePeerDown, []byte{PeerDownLocalNoNotification, 0, 3}, trailing))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Version != 2 || n != LegacyHeaderSize+3 || m.Body.(*PeerDown).FSMEvent != 3 {
		t.Errorf("unexpected legacy peer down %+v (%d bytes)", m.Body, n)
	}

	m, n, err = Decode(buildLegacy(1, MsgTypePeerDown, []byte{PeerDownRemoteNoData}, trailing))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != LegacyHeaderSize+1 || m.Body.(*PeerDown).Data != nil {
		t.Errorf("expected the reason byte only, got %d bytes", n)
	}

	stats := concat(binary.BigEndian.AppendUint32(nil, 1), buildTLV(0, []byte{0, 0, 0, 5}))
	m, n, err = Decode(buildLegacy(1, MsgTypeStatisticsReport, stats, trailing))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != LegacyHeaderSize+len(stats) || len(m.Body.(*StatsReport).Stats) != 1 {
		t.Errorf("unexpected legacy stats report (%d bytes)", n)
	}
}

func TestDecode_Errors(t *testing.T) {
	shortLen := buildBMPMessage(MsgTypeInitiation)
	binary.BigEndian.PutUint32(shortLen[1:5], 5)
	longLen := buildBMPMessage(MsgTypeInitiation, buildTLV(0, []byte("x")))
	binary.BigEndian.PutUint32(longLen[1:5], 100)

	tests := []struct {
		name string
		msg  []byte
		kind error
	}{
		{"empty", nil, wire.ErrTruncated},
		{"version 4", []byte{4, 0, 0, 0, 6, 4}, wire.ErrUnsupportedVersion},
		{"version 0", []byte{0}, wire.ErrUnsupportedVersion},
		{"short common header", []byte{3, 0, 0}, wire.ErrTruncated},
		{"length below header", shortLen, wire.ErrProtocolViolation},
		{"length beyond buffer", longLen, wire.ErrTruncated},
		{"unknown type", buildBMPMessage(9), wire.ErrUnsupportedType},
		{"short peer header", buildBMPMessage(MsgTypeRouteMonitoring, make([]byte, 20)), wire.ErrTruncated},
		{"legacy peer up", buildLegacy(2, MsgTypePeerUp), wire.ErrUnsupportedType},
		{"legacy peer up v1", buildLegacy(1, MsgTypePeerUp), wire.ErrUnsupportedType},
		{"legacy initiation", []byte{1, MsgTypeInitiation}, wire.ErrUnsupportedType},
		{"legacy short header", []byte{1, 0, 0, 0}, wire.ErrTruncated},
		{"tlv overrun", buildBMPMessage(MsgTypeInitiation, []byte{0, 1, 0, 9, 'a'}), wire.ErrTruncated},
		{"no bgp message", buildBMPMessage(MsgTypeRouteMonitoring, testPeer.header()), wire.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, n, err := Decode(tt.msg)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
			if m != nil || n != 0 {
				t.Errorf("expected no partial result, got %d bytes", n)
			}
		})
	}
}

// TestDecode_TruncationSweep cuts a peer up at every length, keeping the
// common header length consistent with the cut. Decoding must never panic
// and failures must carry a wire error kind.
func TestDecode_TruncationSweep(t *testing.T) {
	sent := buildBGPOpen(65001, "192.0.2.1", capFourOctet(65001), capAddPath(1, 1, 3))
	received := buildBGPOpen(65002, "192.0.2.2", capFourOctet(65002))
	full := buildBMPMessage(MsgTypePeerUp, testPeer.header(), peerUpBody(sent, received, buildTLV(0, []byte("info"))))

	for cut := 0; cut < len(full); cut++ {
		b := append([]byte(nil), full[:cut]...)
		if cut >= CommonHeaderSize {
			binary.BigEndian.PutUint32(b[1:5], uint32(cut))
		}
		m, n, err := Decode(b)
		if err == nil {
			if n != cut {
				t.Fatalf("cut %d: expected %d bytes consumed, got %d", cut, cut, n)
			}
			if pu := m.Body.(*PeerUp); pu.ReceivedOpen == nil {
				t.Fatalf("cut %d: accepted a peer up without its OPEN messages", cut)
			}
			continue
		}
		if wire.KindOf(err) == "other" {
			t.Fatalf("cut %d: untyped error %v", cut, err)
		}
	}
}
