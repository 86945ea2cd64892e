package bgp

import (
	"github.com/route-beacon/rib-decoder/internal/wire"
)

// Header is the BGP common header. The marker is validated, not kept.
type Header struct {
	Length uint16
	Type   uint8
}

// Message is a decoded BGP message. Body is always the variant that matches
// Header.Type.
type Message struct {
	Header Header
	Body   Body
}

// Body is implemented by *Open, *Update, *Notification, *Keepalive and
// *RouteRefresh.
type Body interface {
	MsgType() uint8
	isBody()
}

// Keepalive has no body.
type Keepalive struct{}

// RouteRefresh asks the peer to resend its routes for one family (RFC 2918,
// RFC 7313).
type RouteRefresh struct {
	Family  Family
	Subtype uint8 // 0 normal, 1 begin-of-RR, 2 end-of-RR
}

func (*Keepalive) MsgType() uint8    { return MsgTypeKeepalive }
func (*RouteRefresh) MsgType() uint8 { return MsgTypeRouteRefresh }
func (*Keepalive) isBody()           {}
func (*RouteRefresh) isBody()        {}

// Update returns the body as an UPDATE, if it is one.
func (m *Message) Update() (*Update, bool) {
	u, ok := m.Body.(*Update)
	return u, ok
}

// Open returns the body as an OPEN, if it is one.
func (m *Message) Open() (*Open, bool) {
	o, ok := m.Body.(*Open)
	return o, ok
}

// Notification returns the body as a NOTIFICATION, if it is one.
func (m *Message) Notification() (*Notification, bool) {
	n, ok := m.Body.(*Notification)
	return n, ok
}

// DecodeMessage decodes one BGP message from the front of b. len(b) is the
// length bound. It returns the message and the number of bytes consumed,
// which is the length declared in the header.
func DecodeMessage(opts Options, b []byte) (*Message, int, error) {
	r := wire.NewReader("bgp", b)

	hdr, err := decodeHeader(opts, r)
	if err != nil {
		return nil, 0, err
	}

	body, err := r.Sub(int(hdr.Length) - HeaderSize)
	if err != nil {
		return nil, 0, err
	}

	msg := &Message{Header: hdr}
	switch hdr.Type {
	case MsgTypeOpen:
		msg.Body, err = decodeOpen(body)
	case MsgTypeUpdate:
		msg.Body, err = decodeUpdate(opts, body)
	case MsgTypeNotification:
		msg.Body, err = decodeNotification(body)
	case MsgTypeKeepalive:
		msg.Body = &Keepalive{}
	case MsgTypeRouteRefresh:
		msg.Body, err = decodeRouteRefresh(body)
	}
	if err != nil {
		return nil, 0, err
	}
	return msg, int(hdr.Length), nil
}

func decodeHeader(opts Options, r *wire.Reader) (Header, error) {
	var hdr Header

	marker, err := r.Next(MarkerSize)
	if err != nil {
		return hdr, err
	}
	if opts.StrictMarker {
		for i, c := range marker {
			if c != 0xFF {
				return hdr, r.Errorf(wire.ErrProtocolViolation, "marker byte %d is 0x%02x", i, c)
			}
		}
	}

	if hdr.Length, err = r.Uint16(); err != nil {
		return hdr, err
	}
	if hdr.Type, err = r.Uint8(); err != nil {
		return hdr, err
	}

	length := int(hdr.Length)
	if length < HeaderSize {
		return hdr, r.Errorf(wire.ErrProtocolViolation, "message length %d below header size", length)
	}
	if length > opts.maxMessageSize() {
		return hdr, r.Errorf(wire.ErrProtocolViolation, "message length %d exceeds maximum %d", length, opts.maxMessageSize())
	}
	if length-HeaderSize > r.Len() {
		return hdr, r.Errorf(wire.ErrTruncated, "message length %d exceeds available %d", length, r.Len()+HeaderSize)
	}

	var minLen int
	switch hdr.Type {
	case MsgTypeOpen:
		minLen = minOpenSize
	case MsgTypeUpdate:
		minLen = minUpdateSize
	case MsgTypeNotification:
		minLen = minNotificationLen
	case MsgTypeKeepalive:
		if length != HeaderSize {
			return hdr, r.Errorf(wire.ErrProtocolViolation, "keepalive length %d", length)
		}
	case MsgTypeRouteRefresh:
		if length != routeRefreshSize {
			return hdr, r.Errorf(wire.ErrProtocolViolation, "route refresh length %d", length)
		}
	default:
		return hdr, r.Errorf(wire.ErrUnsupportedType, "message type %d", hdr.Type)
	}
	if length < minLen {
		return hdr, r.Errorf(wire.ErrProtocolViolation, "message type %d length %d below minimum %d", hdr.Type, length, minLen)
	}
	return hdr, nil
}

func decodeRouteRefresh(r *wire.Reader) (*RouteRefresh, error) {
	afi, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	sub, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	safi, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	return &RouteRefresh{Family: Family{AFI: afi, SAFI: safi}, Subtype: sub}, nil
}
