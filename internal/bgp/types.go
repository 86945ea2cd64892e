package bgp

import "fmt"

// BGP message types.
const (
	MsgTypeOpen         uint8 = 1
	MsgTypeUpdate       uint8 = 2
	MsgTypeNotification uint8 = 3
	MsgTypeKeepalive    uint8 = 4
	MsgTypeRouteRefresh uint8 = 5
)

// Header sizes and limits (RFC 4271, RFC 8654).
const (
	MarkerSize         = 16
	HeaderSize         = 19 // marker(16) + length(2) + type(1)
	MaxMessageSize     = 4096
	MaxExtendedMsgSize = 65535
	minOpenSize        = 29
	minUpdateSize      = 23
	minNotificationLen = 21
	routeRefreshSize   = 23
)

// BGP path attribute type codes.
const (
	AttrTypeOrigin          uint8 = 1
	AttrTypeASPath          uint8 = 2
	AttrTypeNextHop         uint8 = 3
	AttrTypeMED             uint8 = 4
	AttrTypeLocalPref       uint8 = 5
	AttrTypeAtomicAggregate uint8 = 6
	AttrTypeAggregator      uint8 = 7
	AttrTypeCommunity       uint8 = 8
	AttrTypeOriginatorID    uint8 = 9
	AttrTypeClusterList     uint8 = 10
	AttrTypeMPReachNLRI     uint8 = 14
	AttrTypeMPUnreachNLRI   uint8 = 15
	AttrTypeExtCommunity    uint8 = 16
	AttrTypeAS4Path         uint8 = 17
	AttrTypeAS4Aggregator   uint8 = 18
	AttrTypeASPathLimit     uint8 = 21 // deprecated, skipped
	AttrTypeIPv6ExtComm     uint8 = 25
	AttrTypeAIGP            uint8 = 26
	AttrTypeLinkState       uint8 = 29
	AttrTypeLargeCommunity  uint8 = 32
	AttrTypeLinkStateLegacy uint8 = 99 // pre-RFC 7752 code point
	AttrTypeAttrSet         uint8 = 128
)

// Path attribute flag bits.
const (
	AttrFlagOptional   uint8 = 0x80
	AttrFlagTransitive uint8 = 0x40
	AttrFlagPartial    uint8 = 0x20
	AttrFlagExtended   uint8 = 0x10
)

// AFI codes.
const (
	AFIIPv4      uint16 = 1
	AFIIPv6      uint16 = 2
	AFIL2VPN     uint16 = 25
	AFILinkState uint16 = 16388
)

// SAFI codes.
const (
	SAFIUnicast        uint8 = 1
	SAFIMulticast      uint8 = 2
	SAFILabeledUnicast uint8 = 4
	SAFIEVPN           uint8 = 70
	SAFILinkState      uint8 = 71
	SAFILinkStateVPN   uint8 = 72
	SAFIMPLSVPN        uint8 = 128
)

// AS_PATH segment types.
const (
	ASPathSegmentSet            uint8 = 1
	ASPathSegmentSequence       uint8 = 2
	ASPathSegmentConfedSequence uint8 = 3
	ASPathSegmentConfedSet      uint8 = 4
)

// ASTrans is the 2-octet placeholder for a 4-octet AS (RFC 6793).
const ASTrans uint16 = 23456

// Origin values.
var OriginValues = map[uint8]string{
	0: "IGP",
	1: "EGP",
	2: "INCOMPLETE",
}

// Family is an AFI/SAFI pair.
type Family struct {
	AFI  uint16
	SAFI uint8
}

var (
	FamilyIPv4Unicast = Family{AFIIPv4, SAFIUnicast}
	FamilyIPv6Unicast = Family{AFIIPv6, SAFIUnicast}
)

func (f Family) IsZero() bool { return f.AFI == 0 && f.SAFI == 0 }

// Version returns 4 or 6 for the IP families and 0 otherwise.
func (f Family) Version() int { return afiToVersion(f.AFI) }

func (f Family) String() string {
	return fmt.Sprintf("%s/%s", afiName(f.AFI), safiName(f.SAFI))
}

// addrLen returns the address length for the family's AFI, or 0.
func (f Family) addrLen() int {
	switch f.AFI {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 16
	}
	return 0
}

func afiName(afi uint16) string {
	switch afi {
	case AFIIPv4:
		return "ipv4"
	case AFIIPv6:
		return "ipv6"
	case AFIL2VPN:
		return "l2vpn"
	case AFILinkState:
		return "ls"
	}
	return fmt.Sprintf("afi(%d)", afi)
}

func safiName(safi uint8) string {
	switch safi {
	case SAFIUnicast:
		return "unicast"
	case SAFIMulticast:
		return "multicast"
	case SAFILabeledUnicast:
		return "labeled-unicast"
	case SAFIEVPN:
		return "evpn"
	case SAFILinkState:
		return "ls"
	case SAFILinkStateVPN:
		return "ls-vpn"
	case SAFIMPLSVPN:
		return "vpn"
	}
	return fmt.Sprintf("safi(%d)", safi)
}

// Options selects decoding behavior that depends on session negotiation or on
// the enclosing envelope.
type Options struct {
	// FourByteASN decodes AS_PATH and AGGREGATOR with 4-octet AS numbers.
	FourByteASN bool
	// AddPath expects a 4-byte path identifier before every NLRI entry.
	AddPath bool
	// AddPathFamilies, when non-empty, limits AddPath to the listed families.
	// A BMP or BGP session negotiates add-path per AFI/SAFI.
	AddPathFamilies []Family
	// StrictMarker rejects messages whose 16-byte marker is not all ones.
	StrictMarker bool
	// ExtendedMessage raises the message size limit to 65535 (RFC 8654).
	ExtendedMessage bool
	// StrictLength reports an attribute whose decoder leaves bytes unread as
	// ErrLengthMismatch instead of skipping the remainder.
	StrictLength bool
	// ImpliedFamily is the AFI/SAFI of an MRT RIB record. When set,
	// MP_REACH_NLRI is read in the abbreviated next-hop-only form of RFC 6396
	// section 4.3.4 and attributed to this family. Leave it zero everywhere
	// else.
	ImpliedFamily Family
}

// DefaultOptions returns options for a modern session: 4-octet AS numbers,
// strict marker, 4096-byte messages.
func DefaultOptions() Options {
	return Options{FourByteASN: true, StrictMarker: true}
}

// AddPathFor reports whether NLRI of family f carries path identifiers.
func (o Options) AddPathFor(f Family) bool {
	if !o.AddPath {
		return false
	}
	if len(o.AddPathFamilies) == 0 {
		return true
	}
	for _, af := range o.AddPathFamilies {
		if af == f {
			return true
		}
	}
	return false
}

func (o Options) maxMessageSize() int {
	if o.ExtendedMessage {
		return MaxExtendedMsgSize
	}
	return MaxMessageSize
}
