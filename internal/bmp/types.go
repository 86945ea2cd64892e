package bmp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/rib-decoder/internal/bgp"
)

// BMP message type codes (RFC 7854).
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// BMP peer types.
const (
	PeerTypeGlobal uint8 = 0
	PeerTypeRD     uint8 = 1
	PeerTypeLocal  uint8 = 2
	PeerTypeLocRIB uint8 = 3 // RFC 9069
)

// Per-peer header flag bits (RFC 7854 section 4.2, RFC 8671, RFC 9069).
const (
	PeerFlagIPv6       uint8 = 0x80 // V
	PeerFlagPostPolicy uint8 = 0x40 // L
	PeerFlagTwoByteAS  uint8 = 0x20 // A
	PeerFlagAdjRIBOut  uint8 = 0x10 // O
	PeerFlagFiltered   uint8 = 0x80 // F, Loc-RIB peers only
)

// Header sizes.
const (
	CommonHeaderSize  = 6  // version(1) + msg_length(4) + msg_type(1)
	LegacyHeaderSize  = 44 // version(1) + msg_type(1) + per-peer header(42)
	PerPeerHeaderSize = 42 // peer_type(1) + flags(1) + distinguisher(8) + addr(16) + AS(4) + BGPID(4) + ts_sec(4) + ts_usec(4)
)

// Version3 is the current BMP version. Versions 1 and 2 use the legacy header.
const Version3 uint8 = 3

// Initiation and termination TLV types.
const (
	InfoTypeString   uint16 = 0
	InfoTypeSysDescr uint16 = 1
	InfoTypeSysName  uint16 = 2
	InfoTypeVRFName  uint16 = 3 // RFC 9069, peer up

	TermTypeString uint16 = 0
	TermTypeReason uint16 = 1
)

// TLVTypeTableName is the route monitoring and peer up table name TLV
// (RFC 9069).
const TLVTypeTableName uint16 = 0

// Peer down reason codes.
const (
	PeerDownLocalNotification   uint8 = 1
	PeerDownLocalNoNotification uint8 = 2
	PeerDownRemoteNotification  uint8 = 3
	PeerDownRemoteNoData        uint8 = 4
	PeerDownDeconfigured        uint8 = 5
	PeerDownLocalTLV            uint8 = 6 // RFC 9069
)

// Route mirroring TLV types.
const (
	MirrorTypeBGPMessage  uint16 = 0
	MirrorTypeInformation uint16 = 1
)

// PeerHeader is the per-peer header shared by route monitoring, statistics,
// peer up/down and route mirroring messages.
type PeerHeader struct {
	Type          uint8
	Flags         uint8
	Distinguisher bgp.RouteDistinguisher
	Address       netip.Addr
	AS            uint32
	BGPID         netip.Addr
	Seconds       uint32
	Micros        uint32
}

// IPv6 reports the V flag. For Loc-RIB peers the bit means F instead.
func (h *PeerHeader) IPv6() bool { return !h.LocRIB() && h.Flags&PeerFlagIPv6 != 0 }

func (h *PeerHeader) PostPolicy() bool { return !h.LocRIB() && h.Flags&PeerFlagPostPolicy != 0 }

// TwoByteAS reports the A flag: the peer uses the legacy 2-octet AS_PATH
// format.
func (h *PeerHeader) TwoByteAS() bool { return !h.LocRIB() && h.Flags&PeerFlagTwoByteAS != 0 }

func (h *PeerHeader) AdjRIBOut() bool { return !h.LocRIB() && h.Flags&PeerFlagAdjRIBOut != 0 }

func (h *PeerHeader) LocRIB() bool { return h.Type == PeerTypeLocRIB }

// Filtered reports the Loc-RIB F flag.
func (h *PeerHeader) Filtered() bool { return h.LocRIB() && h.Flags&PeerFlagFiltered != 0 }

// Time returns the header timestamp. It is the zero time when the router did
// not set one.
func (h *PeerHeader) Time() time.Time {
	if h.Seconds == 0 && h.Micros == 0 {
		return time.Time{}
	}
	return time.Unix(int64(h.Seconds), int64(h.Micros)*1000).UTC()
}

// RouterID identifies the monitored router from the peer header: the peer
// address, or for Loc-RIB (which zeroes the address) the BGP identifier.
func (h *PeerHeader) RouterID() string {
	if h.Address.IsValid() && !h.Address.IsUnspecified() {
		return h.Address.String()
	}
	if h.BGPID.IsValid() && !h.BGPID.IsUnspecified() {
		return h.BGPID.String()
	}
	return ""
}

// PeerKey identifies one monitored peer of one router.
type PeerKey struct {
	Type          uint8
	Distinguisher bgp.RouteDistinguisher
	Address       netip.Addr
}

func (h *PeerHeader) Key() PeerKey {
	return PeerKey{Type: h.Type, Distinguisher: h.Distinguisher, Address: h.Address}
}

// Message is one decoded BMP message. Peer is nil for initiation and
// termination. Length is the number of bytes the message occupied.
type Message struct {
	Version uint8
	Type    uint8
	Length  uint32
	Peer    *PeerHeader
	Body    Body
}

// Body is implemented by *RouteMonitoring, *StatsReport, *PeerDown, *PeerUp,
// *Initiation, *Termination and *RouteMirroring.
type Body interface {
	MsgType() uint8
	isBody()
}

// TLV is a generic BMP information TLV. Value is a copy of the wire bytes.
type TLV struct {
	Type  uint16
	Value []byte
}

func (t TLV) String() string { return string(t.Value) }

// RouteMonitoring carries one BGP message, usually an UPDATE. Raw is a copy of
// the BGP message bytes. TLVs holds anything that follows the BGP message,
// such as the RFC 9069 table name.
type RouteMonitoring struct {
	BGP  *bgp.Message
	Raw  []byte
	TLVs []TLV
}

// Update returns the embedded UPDATE, if that is what the message carries.
func (m *RouteMonitoring) Update() (*bgp.Update, bool) {
	if m.BGP == nil {
		return nil, false
	}
	return m.BGP.Update()
}

// TableName returns the table name TLV, or "" when absent.
func (m *RouteMonitoring) TableName() string {
	for _, t := range m.TLVs {
		if t.Type == TLVTypeTableName {
			return string(t.Value)
		}
	}
	return ""
}

// Stat is one statistics report entry. Value is nil when the length matches
// no known counter or gauge layout; Raw then keeps the bytes.
type Stat struct {
	Type  uint16
	Value StatValue
	Raw   []byte
}

// StatValue is implemented by StatCounter, StatGauge and StatFamilyGauge.
type StatValue interface {
	isStatValue()
}

// StatCounter is a 32-bit counter.
type StatCounter uint32

// StatGauge is a 64-bit gauge.
type StatGauge uint64

// StatFamilyGauge is a per AFI/SAFI 64-bit gauge (stat types 9 and 10).
type StatFamilyGauge struct {
	Family bgp.Family
	Value  uint64
}

func (StatCounter) isStatValue()     {}
func (StatGauge) isStatValue()       {}
func (StatFamilyGauge) isStatValue() {}

type StatsReport struct {
	Stats []Stat
}

// PeerDown reports a session going down. Notification is set for reasons 1
// and 3, FSMEvent for reason 2 and TLVs for reason 6. Data keeps any bytes an
// unknown reason carried.
type PeerDown struct {
	Reason       uint8
	Notification *bgp.Notification
	FSMEvent     uint16
	TLVs         []TLV
	Data         []byte
}

// PeerUp reports a session coming up with the two OPEN messages exchanged.
type PeerUp struct {
	LocalAddress netip.Addr
	LocalPort    uint16
	RemotePort   uint16
	SentOpen     *bgp.Open
	ReceivedOpen *bgp.Open
	Info         []TLV
}

type Initiation struct {
	TLVs []TLV
}

type Termination struct {
	TLVs []TLV
}

// Reason returns the termination reason code, if present.
func (t *Termination) Reason() (uint16, bool) {
	for _, tlv := range t.TLVs {
		if tlv.Type == TermTypeReason && len(tlv.Value) == 2 {
			return uint16(tlv.Value[0])<<8 | uint16(tlv.Value[1]), true
		}
	}
	return 0, false
}

// MirrorTLV is one route mirroring TLV. BGP is set for type 0, Info for
// type 1.
type MirrorTLV struct {
	Type  uint16
	BGP   *bgp.Message
	Info  uint16
	Value []byte
}

type RouteMirroring struct {
	TLVs []MirrorTLV
}

func (*RouteMonitoring) MsgType() uint8 { return MsgTypeRouteMonitoring }
func (*StatsReport) MsgType() uint8     { return MsgTypeStatisticsReport }
func (*PeerDown) MsgType() uint8        { return MsgTypePeerDown }
func (*PeerUp) MsgType() uint8          { return MsgTypePeerUp }
func (*Initiation) MsgType() uint8      { return MsgTypeInitiation }
func (*Termination) MsgType() uint8     { return MsgTypeTermination }
func (*RouteMirroring) MsgType() uint8  { return MsgTypeRouteMirroring }

func (*RouteMonitoring) isBody() {}
func (*StatsReport) isBody()     {}
func (*PeerDown) isBody()        {}
func (*PeerUp) isBody()          {}
func (*Initiation) isBody()      {}
func (*Termination) isBody()     {}
func (*RouteMirroring) isBody()  {}

var msgTypeNames = map[uint8]string{
	MsgTypeRouteMonitoring:  "route_monitoring",
	MsgTypeStatisticsReport: "stats_report",
	MsgTypePeerDown:         "peer_down",
	MsgTypePeerUp:           "peer_up",
	MsgTypeInitiation:       "initiation",
	MsgTypeTermination:      "termination",
	MsgTypeRouteMirroring:   "route_mirroring",
}

// TypeName returns a short name for a BMP message type.
func TypeName(t uint8) string {
	if n, ok := msgTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type_%d", t)
}
