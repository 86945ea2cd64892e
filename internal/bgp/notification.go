package bgp

import (
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"github.com/route-beacon/rib-decoder/internal/wire"
)

// NOTIFICATION error codes.
const (
	NotifMessageHeaderError uint8 = 1
	NotifOpenMessageError   uint8 = 2
	NotifUpdateMessageError uint8 = 3
	NotifHoldTimerExpired   uint8 = 4
	NotifFSMError           uint8 = 5
	NotifCease              uint8 = 6
	NotifRouteRefreshError  uint8 = 7
)

// Cease subcodes that may carry a shutdown communication (RFC 8203).
const (
	CeaseAdminShutdown uint8 = 2
	CeaseAdminReset    uint8 = 4
)

// Notification is a decoded NOTIFICATION message. Data is opaque and is not
// required to be valid text.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (*Notification) MsgType() uint8 { return MsgTypeNotification }
func (*Notification) isBody()        {}

var notifCodeNames = map[uint8]string{
	NotifMessageHeaderError: "Message Header Error",
	NotifOpenMessageError:   "OPEN Message Error",
	NotifUpdateMessageError: "UPDATE Message Error",
	NotifHoldTimerExpired:   "Hold Timer Expired",
	NotifFSMError:           "Finite State Machine Error",
	NotifCease:              "Cease",
	NotifRouteRefreshError:  "ROUTE-REFRESH Message Error",
}

var notifSubcodeNames = map[uint8]map[uint8]string{
	NotifMessageHeaderError: {
		1: "Connection Not Synchronized",
		2: "Bad Message Length",
		3: "Bad Message Type",
	},
	NotifOpenMessageError: {
		1:  "Unsupported Version Number",
		2:  "Bad Peer AS",
		3:  "Bad BGP Identifier",
		4:  "Unsupported Optional Parameter",
		6:  "Unacceptable Hold Time",
		7:  "Unsupported Capability",
		11: "Role Mismatch",
	},
	NotifUpdateMessageError: {
		1:  "Malformed Attribute List",
		2:  "Unrecognized Well-known Attribute",
		3:  "Missing Well-known Attribute",
		4:  "Attribute Flags Error",
		5:  "Attribute Length Error",
		6:  "Invalid ORIGIN Attribute",
		8:  "Invalid NEXT_HOP Attribute",
		9:  "Optional Attribute Error",
		10: "Invalid Network Field",
		11: "Malformed AS_PATH",
	},
	NotifFSMError: {
		1: "Unexpected Message in OpenSent State",
		2: "Unexpected Message in OpenConfirm State",
		3: "Unexpected Message in Established State",
	},
	NotifCease: {
		1:  "Maximum Number of Prefixes Reached",
		2:  "Administrative Shutdown",
		3:  "Peer De-configured",
		4:  "Administrative Reset",
		5:  "Connection Rejected",
		6:  "Other Configuration Change",
		7:  "Connection Collision Resolution",
		8:  "Out of Resources",
		9:  "Hard Reset",
		10: "BFD Down",
	},
	NotifRouteRefreshError: {
		1: "Invalid Message Length",
	},
}

// CodeName returns the name of the error code.
func (n *Notification) CodeName() string {
	if s, ok := notifCodeNames[n.Code]; ok {
		return s
	}
	return fmt.Sprintf("Unknown(%d)", n.Code)
}

// SubcodeName returns the name of the subcode, or the number if it is not known.
func (n *Notification) SubcodeName() string {
	if s, ok := notifSubcodeNames[n.Code][n.Subcode]; ok {
		return s
	}
	return fmt.Sprintf("%d", n.Subcode)
}

// ShutdownMessage returns the shutdown communication of an administrative
// shutdown or reset (RFC 8203), if one is present and well formed.
func (n *Notification) ShutdownMessage() (string, bool) {
	if n.Code != NotifCease || (n.Subcode != CeaseAdminShutdown && n.Subcode != CeaseAdminReset) {
		return "", false
	}
	if len(n.Data) < 1 {
		return "", false
	}
	l := int(n.Data[0])
	if l == 0 || l+1 > len(n.Data) {
		return "", false
	}
	msg := n.Data[1 : 1+l]
	if !utf8.Valid(msg) {
		return "", false
	}
	return string(msg), true
}

// String is a best-effort display form: names, then the shutdown text or the
// data as hex.
func (n *Notification) String() string {
	s := fmt.Sprintf("%s / %s", n.CodeName(), n.SubcodeName())
	if msg, ok := n.ShutdownMessage(); ok {
		return fmt.Sprintf("%s: %q", s, msg)
	}
	if len(n.Data) > 0 {
		return s + ": " + hex.EncodeToString(n.Data)
	}
	return s
}

func decodeNotification(r *wire.Reader) (*Notification, error) {
	code, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	sub, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	return &Notification{Code: code, Subcode: sub, Data: r.CopyRest()}, nil
}
