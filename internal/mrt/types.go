package mrt

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/rib-decoder/internal/bgp"
)

// HeaderSize is the MRT common header: timestamp(4) + type(2) + subtype(2) +
// length(4).
const HeaderSize = 12

// Record types (RFC 6396 section 4).
const (
	TypeOSPFv2      uint16 = 11
	TypeTableDump   uint16 = 12
	TypeTableDumpV2 uint16 = 13
	TypeBGP4MP      uint16 = 16
	TypeBGP4MPET    uint16 = 17
	TypeISIS        uint16 = 32
	TypeISISET      uint16 = 33
	TypeOSPFv3      uint16 = 48
	TypeOSPFv3ET    uint16 = 49
)

// TABLE_DUMP subtypes.
const (
	TableDumpAFIIPv4 uint16 = 1
	TableDumpAFIIPv6 uint16 = 2
)

// TABLE_DUMP_V2 subtypes, including the RFC 8050 add-path variants.
const (
	SubtypePeerIndexTable          uint16 = 1
	SubtypeRIBIPv4Unicast          uint16 = 2
	SubtypeRIBIPv4Multicast        uint16 = 3
	SubtypeRIBIPv6Unicast          uint16 = 4
	SubtypeRIBIPv6Multicast        uint16 = 5
	SubtypeRIBGeneric              uint16 = 6
	SubtypeGeoPeerTable            uint16 = 7
	SubtypeRIBIPv4UnicastAddPath   uint16 = 8
	SubtypeRIBIPv4MulticastAddPath uint16 = 9
	SubtypeRIBIPv6UnicastAddPath   uint16 = 10
	SubtypeRIBIPv6MulticastAddPath uint16 = 11
	SubtypeRIBGenericAddPath       uint16 = 12
)

// BGP4MP and BGP4MP_ET subtypes.
const (
	SubtypeStateChange            uint16 = 0
	SubtypeMessage                uint16 = 1
	SubtypeMessageAS4             uint16 = 4
	SubtypeStateChangeAS4         uint16 = 5
	SubtypeMessageLocal           uint16 = 6
	SubtypeMessageAS4Local        uint16 = 7
	SubtypeMessageAddPath         uint16 = 8
	SubtypeMessageAS4AddPath      uint16 = 9
	SubtypeMessageLocalAddPath    uint16 = 10
	SubtypeMessageAS4LocalAddPath uint16 = 11
)

// BGP FSM states carried by BGP4MP state changes.
const (
	StateIdle        uint16 = 1
	StateConnect     uint16 = 2
	StateActive      uint16 = 3
	StateOpenSent    uint16 = 4
	StateOpenConfirm uint16 = 5
	StateEstablished uint16 = 6
)

var stateNames = map[uint16]string{
	StateIdle:        "Idle",
	StateConnect:     "Connect",
	StateActive:      "Active",
	StateOpenSent:    "OpenSent",
	StateOpenConfirm: "OpenConfirm",
	StateEstablished: "Established",
}

// StateName returns the FSM state name, or the number if it is not known.
func StateName(s uint16) string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("%d", s)
}

var typeNames = map[uint16]string{
	TypeOSPFv2:      "ospfv2",
	TypeTableDump:   "table_dump",
	TypeTableDumpV2: "table_dump_v2",
	TypeBGP4MP:      "bgp4mp",
	TypeBGP4MPET:    "bgp4mp_et",
	TypeISIS:        "isis",
	TypeISISET:      "isis_et",
	TypeOSPFv3:      "ospfv3",
	TypeOSPFv3ET:    "ospfv3_et",
}

// TypeName returns a short name for the record type.
func TypeName(t uint16) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type_%d", t)
}

// Header is the MRT common header. Microseconds is read from the start of the
// payload of the _ET types and is counted in Length.
type Header struct {
	Timestamp    uint32
	Type         uint16
	Subtype      uint16
	Length       uint32
	Microseconds uint32
}

// ExtendedTimestamp reports whether the payload starts with a microseconds
// field.
func (h Header) ExtendedTimestamp() bool {
	switch h.Type {
	case TypeBGP4MPET, TypeISISET, TypeOSPFv3ET:
		return true
	}
	return false
}

func (h Header) Time() time.Time {
	return time.Unix(int64(h.Timestamp), int64(h.Microseconds)*1000).UTC()
}

// Record is one decoded MRT record.
type Record struct {
	Header
	Body Body
}

// Body is the type-specific part of a record: *TableDump, *PeerIndexTable,
// *RIB, *StateChange, *BGP4MPMessage or *Opaque.
type Body interface {
	isBody()
}

func (r *Record) PeerIndexTable() (*PeerIndexTable, bool) {
	t, ok := r.Body.(*PeerIndexTable)
	return t, ok
}

func (r *Record) RIB() (*RIB, bool) {
	rib, ok := r.Body.(*RIB)
	return rib, ok
}

func (r *Record) Message() (*BGP4MPMessage, bool) {
	m, ok := r.Body.(*BGP4MPMessage)
	return m, ok
}

// TableDump is a legacy TABLE_DUMP record: one route of one peer. Peer AS
// numbers and the attributes use 2-octet AS numbers.
type TableDump struct {
	ViewNumber     uint16
	Sequence       uint16
	Prefix         netip.Prefix
	Status         uint8
	OriginatedTime uint32
	PeerAddress    netip.Addr
	PeerAS         uint32
	Attributes     []bgp.Attribute
}

// Events returns the announcement of the record's prefix.
func (t *TableDump) Events() []*bgp.RouteEvent {
	fam := bgp.FamilyIPv4Unicast
	if t.Prefix.Addr().Is6() {
		fam = bgp.FamilyIPv6Unicast
	}
	return bgp.AnnounceEvents(fam, bgp.UnicastNLRI{{Prefix: t.Prefix}}, t.Attributes)
}

// Peer entry type bits.
const (
	PeerTypeIPv6 uint8 = 0x01
	PeerTypeAS4  uint8 = 0x02
)

// PeerIndexTable lists the peers that RIB records of the same dump refer to
// by index.
type PeerIndexTable struct {
	CollectorID netip.Addr
	ViewName    string
	Peers       []PeerEntry
}

// Peer returns the entry at index i.
func (t *PeerIndexTable) Peer(i uint16) (PeerEntry, bool) {
	if int(i) >= len(t.Peers) {
		return PeerEntry{}, false
	}
	return t.Peers[i], true
}

type PeerEntry struct {
	Type    uint8
	BGPID   netip.Addr
	Address netip.Addr
	AS      uint32
}

func (p PeerEntry) IPv6() bool       { return p.Type&PeerTypeIPv6 != 0 }
func (p PeerEntry) FourByteAS() bool { return p.Type&PeerTypeAS4 != 0 }

// RIB is an AFI/SAFI-specific or generic TABLE_DUMP_V2 RIB record: one NLRI
// and the paths every peer holds for it. NLRI is nil when the family has no
// decoder; the entries are then not decoded either.
type RIB struct {
	Family   bgp.Family
	Sequence uint32
	AddPath  bool
	NLRI     bgp.NLRI
	Entries  []RIBEntry
}

// Prefix returns the IP prefix of a unicast, multicast, labeled or VPN RIB.
func (r *RIB) Prefix() (netip.Prefix, bool) {
	switch n := r.NLRI.(type) {
	case bgp.UnicastNLRI:
		if len(n) == 1 {
			return n[0].Prefix, true
		}
	case bgp.LabeledNLRI:
		if len(n) == 1 {
			return n[0].Prefix, true
		}
	case bgp.VPNNLRI:
		if len(n) == 1 {
			return n[0].Prefix, true
		}
	}
	return netip.Prefix{}, false
}

// EntryEvents returns the announcement events of entry i. The path
// identifier of an add-path entry is carried into every event.
func (r *RIB) EntryEvents(i int) []*bgp.RouteEvent {
	if i < 0 || i >= len(r.Entries) || r.NLRI == nil {
		return nil
	}
	e := &r.Entries[i]
	events := bgp.AnnounceEvents(r.Family, r.NLRI, e.Attributes)
	for _, ev := range events {
		ev.PathID = int64(e.PathID)
	}
	return events
}

type RIBEntry struct {
	PeerIndex      uint16
	OriginatedTime uint32
	PathID         uint32 // add-path subtypes only
	Attributes     []bgp.Attribute
}

func (e *RIBEntry) Time() time.Time { return time.Unix(int64(e.OriginatedTime), 0).UTC() }

// BGP4MPHeader identifies the session a BGP4MP record belongs to.
type BGP4MPHeader struct {
	PeerAS         uint32
	LocalAS        uint32
	InterfaceIndex uint16
	AFI            uint16
	PeerAddress    netip.Addr
	LocalAddress   netip.Addr
}

type StateChange struct {
	BGP4MPHeader
	OldState uint16
	NewState uint16
}

// BGP4MPMessage carries one BGP message of a session. Local is set for the
// _LOCAL subtypes, which record messages sent by the local speaker. Raw is a
// copy of the BGP message bytes.
type BGP4MPMessage struct {
	BGP4MPHeader
	Local      bool
	FourByteAS bool
	AddPath    bool
	BGP        *bgp.Message
	Raw        []byte
}

// Opaque is a recognized record that is not decoded (OSPF, IS-IS, geo peer
// tables). Data excludes the _ET microseconds.
type Opaque struct {
	Data []byte
}

func (*TableDump) isBody()      {}
func (*PeerIndexTable) isBody() {}
func (*RIB) isBody()            {}
func (*StateChange) isBody()    {}
func (*BGP4MPMessage) isBody()  {}
func (*Opaque) isBody()         {}
