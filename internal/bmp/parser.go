package bmp

import (
	"fmt"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/wire"
)

// optionsFunc returns the BGP decode options for messages of one peer.
type optionsFunc func(h *PeerHeader) bgp.Options

// Decode decodes one BMP message from the front of b with default BGP
// options. len(b) is the length bound. It returns the message and the number
// of bytes consumed.
func Decode(b []byte) (*Message, int, error) {
	return DecodeWithOptions(bgp.DefaultOptions(), b)
}

// DecodeWithOptions is Decode with explicit options for the embedded BGP
// messages. A peer header with the A flag set forces 2-octet AS decoding.
func DecodeWithOptions(opts bgp.Options, b []byte) (*Message, int, error) {
	return decode(b, func(*PeerHeader) bgp.Options { return opts })
}

func decode(b []byte, optsFor optionsFunc) (*Message, int, error) {
	r := wire.NewReader("bmp", b)

	version, err := r.Uint8()
	if err != nil {
		return nil, 0, err
	}

	var msg *Message
	switch version {
	case 1, 2:
		msg, err = decodeLegacy(version, r, optsFor)
	case Version3:
		msg, err = decodeV3(r, optsFor)
	default:
		return nil, 0, r.Errorf(wire.ErrUnsupportedVersion, "version %d", version)
	}
	if err != nil {
		return nil, 0, err
	}
	return msg, int(msg.Length), nil
}

func decodeV3(r *wire.Reader, optsFor optionsFunc) (*Message, error) {
	length, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	typ, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if length < CommonHeaderSize {
		return nil, r.Errorf(wire.ErrProtocolViolation, "message length %d below header size", length)
	}
	if uint64(length)-CommonHeaderSize > uint64(r.Len()) {
		return nil, r.Errorf(wire.ErrTruncated, "message length %d exceeds available %d", length, r.Len()+CommonHeaderSize)
	}
	body, _ := r.Sub(int(length) - CommonHeaderSize)

	msg := &Message{Version: Version3, Type: typ, Length: length}

	switch typ {
	case MsgTypeInitiation:
		tlvs, err := decodeTLVs(body)
		if err != nil {
			return nil, fmt.Errorf("bmp: initiation: %w", err)
		}
		msg.Body = &Initiation{TLVs: tlvs}
		return msg, nil
	case MsgTypeTermination:
		tlvs, err := decodeTLVs(body)
		if err != nil {
			return nil, fmt.Errorf("bmp: termination: %w", err)
		}
		msg.Body = &Termination{TLVs: tlvs}
		return msg, nil
	case MsgTypeRouteMonitoring, MsgTypeStatisticsReport, MsgTypePeerDown, MsgTypePeerUp, MsgTypeRouteMirroring:
	default:
		return nil, r.Errorf(wire.ErrUnsupportedType, "message type %d", typ)
	}

	if msg.Peer, err = decodePeerHeader(body); err != nil {
		return nil, fmt.Errorf("bmp: %s: peer header: %w", TypeName(typ), err)
	}
	opts := peerOptions(optsFor, msg.Peer)

	switch typ {
	case MsgTypeRouteMonitoring:
		msg.Body, err = decodeRouteMonitoring(opts, body, true)
	case MsgTypeStatisticsReport:
		msg.Body, err = decodeStatsReport(body)
	case MsgTypePeerDown:
		msg.Body, err = decodePeerDown(opts, body, false)
	case MsgTypePeerUp:
		msg.Body, err = decodePeerUp(opts, msg.Peer, body)
	case MsgTypeRouteMirroring:
		msg.Body, err = decodeRouteMirroring(opts, body)
	}
	if err != nil {
		return nil, fmt.Errorf("bmp: %s: %w", TypeName(typ), err)
	}
	return msg, nil
}

// decodeLegacy handles versions 1 and 2 (draft-ietf-grow-bmp-01/-02). The
// header has no length field, so each body consumes only what it parses and
// the message length is the number of bytes read.
func decodeLegacy(version uint8, r *wire.Reader, optsFor optionsFunc) (*Message, error) {
	typ, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	msg := &Message{Version: version, Type: typ}

	switch typ {
	case MsgTypeRouteMonitoring, MsgTypeStatisticsReport, MsgTypePeerDown:
	case MsgTypePeerUp:
		return nil, r.Errorf(wire.ErrUnsupportedType, "peer up requires version 3, got version %d", version)
	default:
		return nil, r.Errorf(wire.ErrUnsupportedType, "message type %d in version %d", typ, version)
	}

	if msg.Peer, err = decodePeerHeader(r); err != nil {
		return nil, fmt.Errorf("bmp: %s: peer header: %w", TypeName(typ), err)
	}
	opts := peerOptions(optsFor, msg.Peer)

	switch typ {
	case MsgTypeRouteMonitoring:
		msg.Body, err = decodeRouteMonitoring(opts, r, false)
	case MsgTypeStatisticsReport:
		msg.Body, err = decodeStatsReport(r)
	case MsgTypePeerDown:
		msg.Body, err = decodePeerDown(opts, r, true)
	}
	if err != nil {
		return nil, fmt.Errorf("bmp: %s: %w", TypeName(typ), err)
	}
	msg.Length = uint32(r.Offset())
	return msg, nil
}

func peerOptions(optsFor optionsFunc, h *PeerHeader) bgp.Options {
	opts := optsFor(h)
	if h.TwoByteAS() {
		opts.FourByteASN = false
	}
	return opts
}

func decodePeerHeader(r *wire.Reader) (*PeerHeader, error) {
	pr, err := r.Sub(PerPeerHeaderSize)
	if err != nil {
		return nil, err
	}
	h := &PeerHeader{}
	h.Type, _ = pr.Uint8()
	h.Flags, _ = pr.Uint8()
	rd, _ := pr.Next(8)
	copy(h.Distinguisher[:], rd)
	h.Address, _ = pr.MappedAddr(h.IPv6())
	h.AS, _ = pr.Uint32()
	h.BGPID, _ = pr.Addr(4)
	h.Seconds, _ = pr.Uint32()
	h.Micros, _ = pr.Uint32()
	return h, nil
}

// decodeBGP decodes the embedded BGP message at the cursor. The BGP header's
// own length decides how much is consumed.
func decodeBGP(opts bgp.Options, r *wire.Reader) (*bgp.Message, []byte, error) {
	rest, _ := r.Peek(r.Len())
	m, n, err := bgp.DecodeMessage(opts, rest)
	if err != nil {
		return nil, nil, fmt.Errorf("bgp message at offset %d: %w", r.Pos(), err)
	}
	raw, _ := r.Copy(n)
	return m, raw, nil
}

func decodeRouteMonitoring(opts bgp.Options, r *wire.Reader, trailing bool) (*RouteMonitoring, error) {
	m, raw, err := decodeBGP(opts, r)
	if err != nil {
		return nil, err
	}
	rm := &RouteMonitoring{BGP: m, Raw: raw}
	if trailing {
		if rm.TLVs, err = decodeTLVs(r); err != nil {
			return nil, fmt.Errorf("trailing tlvs: %w", err)
		}
	}
	return rm, nil
}

func decodeStatsReport(r *wire.Reader) (*StatsReport, error) {
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	// Each entry needs at least its 4-byte type and length.
	if uint64(count)*4 > uint64(r.Len()) {
		return nil, r.Errorf(wire.ErrTruncated, "%d stats need at least %d bytes, have %d", count, uint64(count)*4, r.Len())
	}

	s := &StatsReport{Stats: make([]Stat, 0, count)}
	for i := uint32(0); i < count; i++ {
		typ, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		n, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		vr, err := r.Sub(int(n))
		if err != nil {
			return nil, fmt.Errorf("stat %d: %w", typ, err)
		}

		st := Stat{Type: typ}
		switch {
		case n == 4:
			v, _ := vr.Uint32()
			st.Value = StatCounter(v)
		case n == 8:
			v, _ := vr.Uint64()
			st.Value = StatGauge(v)
		case n == 11:
			afi, _ := vr.Uint16()
			safi, _ := vr.Uint8()
			v, _ := vr.Uint64()
			st.Value = StatFamilyGauge{Family: bgp.Family{AFI: afi, SAFI: safi}, Value: v}
		default:
			st.Raw = vr.CopyRest()
		}
		s.Stats = append(s.Stats, st)
	}
	return s, nil
}

// decodePeerDown follows RFC 7854 section 4.9. Legacy messages have no length
// to bound an unknown reason's data, so nothing past the reason is read.
func decodePeerDown(opts bgp.Options, r *wire.Reader, legacy bool) (*PeerDown, error) {
	reason, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	pd := &PeerDown{Reason: reason}

	switch reason {
	case PeerDownLocalNotification, PeerDownRemoteNotification:
		m, _, err := decodeBGP(opts, r)
		if err != nil {
			return nil, err
		}
		n, ok := m.Notification()
		if !ok {
			return nil, r.Errorf(wire.ErrProtocolViolation, "reason %d carries BGP message type %d, want NOTIFICATION", reason, m.Header.Type)
		}
		pd.Notification = n
	case PeerDownLocalNoNotification:
		if pd.FSMEvent, err = r.Uint16(); err != nil {
			return nil, err
		}
	case PeerDownLocalTLV:
		if legacy {
			break
		}
		if pd.TLVs, err = decodeTLVs(r); err != nil {
			return nil, err
		}
	default:
		if !legacy {
			pd.Data = r.CopyRest()
		}
	}
	return pd, nil
}

func decodePeerUp(opts bgp.Options, h *PeerHeader, r *wire.Reader) (*PeerUp, error) {
	pu := &PeerUp{}
	var err error

	// Some Loc-RIB implementations omit the addresses and OPEN messages and
	// go straight to the information TLVs.
	if h.LocRIB() && !hasOpenMessages(r) {
		if pu.Info, err = decodeTLVs(r); err != nil {
			return nil, fmt.Errorf("information tlvs: %w", err)
		}
		return pu, nil
	}

	if pu.LocalAddress, err = r.MappedAddr(h.IPv6()); err != nil {
		return nil, err
	}
	if pu.LocalPort, err = r.Uint16(); err != nil {
		return nil, err
	}
	if pu.RemotePort, err = r.Uint16(); err != nil {
		return nil, err
	}
	if pu.SentOpen, err = decodeOpen(opts, r, "sent"); err != nil {
		return nil, err
	}
	if pu.ReceivedOpen, err = decodeOpen(opts, r, "received"); err != nil {
		return nil, err
	}
	if pu.Info, err = decodeTLVs(r); err != nil {
		return nil, fmt.Errorf("information tlvs: %w", err)
	}
	return pu, nil
}

func hasOpenMessages(r *wire.Reader) bool {
	b, err := r.Peek(20 + bgp.MarkerSize)
	if err != nil {
		return false
	}
	for _, c := range b[20:] {
		if c != 0xFF {
			return false
		}
	}
	return true
}

func decodeOpen(opts bgp.Options, r *wire.Reader, which string) (*bgp.Open, error) {
	m, _, err := decodeBGP(opts, r)
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", which, err)
	}
	o, ok := m.Open()
	if !ok {
		return nil, r.Errorf(wire.ErrProtocolViolation, "%s message is BGP type %d, want OPEN", which, m.Header.Type)
	}
	return o, nil
}

func decodeRouteMirroring(opts bgp.Options, r *wire.Reader) (*RouteMirroring, error) {
	tlvs, err := decodeTLVs(r)
	if err != nil {
		return nil, err
	}
	rm := &RouteMirroring{TLVs: make([]MirrorTLV, 0, len(tlvs))}
	for _, t := range tlvs {
		mt := MirrorTLV{Type: t.Type, Value: t.Value}
		switch t.Type {
		case MirrorTypeBGPMessage:
			// Mirrored PDUs may be the malformed ones; keep the bytes when
			// they do not decode.
			if m, _, err := bgp.DecodeMessage(opts, t.Value); err == nil {
				mt.BGP = m
			}
		case MirrorTypeInformation:
			if len(t.Value) == 2 {
				mt.Info = uint16(t.Value[0])<<8 | uint16(t.Value[1])
			}
		}
		rm.TLVs = append(rm.TLVs, mt)
	}
	return rm, nil
}

// decodeTLVs reads type(2) length(2) value TLVs until r is exhausted.
func decodeTLVs(r *wire.Reader) ([]TLV, error) {
	var tlvs []TLV
	for r.Len() > 0 {
		typ, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		n, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		v, err := r.Copy(int(n))
		if err != nil {
			return nil, err
		}
		tlvs = append(tlvs, TLV{Type: typ, Value: v})
	}
	return tlvs, nil
}
