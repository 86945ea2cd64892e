package bmp

import (
	"encoding/hex"
	"net/netip"

	"github.com/route-beacon/rib-decoder/internal/wire"
)

const (
	// OBMP v1.7 format (used by goBMP).
	obmpMagic        uint32 = 0x4F424D50 // "OBMP"
	obmpMinHeaderLen        = 12         // enough to read header_length and msg_length

	// Legacy RAW v2 format.
	OpenBMPHeaderSize      = 10 // version(2) + collector_hash(4) + msg_len(4)
	openBMPVersionExpected = 2
)

// Frame is a decoded OpenBMP RAW frame.
type Frame struct {
	BMP        []byte     // BMP message bytes; aliases the input
	RouterIP   netip.Addr // v1.7 only
	RouterHash string     // v1.7 only, hex
}

// DecodeOpenBMPFrame extracts the BMP payload of an OpenBMP frame. Both the
// v1.7 header written by goBMP and the legacy RAW v2 header are accepted. A
// payload above maxPayloadBytes (when positive) is rejected.
func DecodeOpenBMPFrame(data []byte, maxPayloadBytes int) (Frame, error) {
	r := wire.NewReader("openbmp", data)
	magic, err := r.Uint32()
	if err != nil {
		return Frame{}, err
	}
	if magic == obmpMagic {
		return decodeOBMPv17(data, maxPayloadBytes)
	}
	return decodeRawV2(data, maxPayloadBytes)
}

// decodeOBMPv17 parses the OBMP v1.7 header.
//
//	 0-3:  Magic "OBMP"
//	 4-5:  Version major, minor
//	 6-7:  Header length
//	 8-11: BMP message length
//	12:    Flags
//	13:    Message type
//	14-21: Timestamp seconds, microseconds
//	22-37: Collector hash
//	38-39: Collector admin ID length N
//	40..:  Collector admin ID, router hash (16), router IP (16), ...
func decodeOBMPv17(data []byte, maxPayloadBytes int) (Frame, error) {
	r := wire.NewReader("openbmp", data)
	if err := r.Skip(6); err != nil {
		return Frame{}, err
	}
	headerLen, err := r.Uint16()
	if err != nil {
		return Frame{}, err
	}
	msgLen, err := r.Uint32()
	if err != nil {
		return Frame{}, err
	}

	if headerLen < obmpMinHeaderLen {
		return Frame{}, r.Errorf(wire.ErrProtocolViolation, "header_length %d too small", headerLen)
	}
	if int(headerLen) > len(data) {
		return Frame{}, r.Errorf(wire.ErrTruncated, "header_length %d exceeds frame (%d bytes)", headerLen, len(data))
	}
	if err := checkPayloadLen(r, msgLen, maxPayloadBytes); err != nil {
		return Frame{}, err
	}
	total := uint64(headerLen) + uint64(msgLen)
	if uint64(len(data)) < total {
		return Frame{}, r.Errorf(wire.ErrTruncated, "frame truncated (have %d, need %d)", len(data), total)
	}

	f := Frame{BMP: data[headerLen:total]}

	// Router identity sits after the variable-length collector admin ID.
	hdr := wire.NewReader("openbmp", data[:headerLen])
	if hdr.Skip(38) != nil {
		return f, nil
	}
	idLen, err := hdr.Uint16()
	if err != nil || hdr.Skip(int(idLen)) != nil {
		return f, nil
	}
	hash, err := hdr.Next(16)
	if err != nil {
		return f, nil
	}
	ip, err := hdr.Next(16)
	if err != nil {
		return f, nil
	}
	f.RouterHash = hex.EncodeToString(hash)
	f.RouterIP = parseOBMPRouterIP(ip)
	return f, nil
}

func decodeRawV2(data []byte, maxPayloadBytes int) (Frame, error) {
	r := wire.NewReader("openbmp", data)
	if r.Len() < OpenBMPHeaderSize {
		return Frame{}, r.Errorf(wire.ErrTruncated, "frame too short (%d bytes, need %d)", r.Len(), OpenBMPHeaderSize)
	}
	version, _ := r.Uint16()
	if version != openBMPVersionExpected {
		return Frame{}, r.Errorf(wire.ErrUnsupportedVersion, "no OBMP magic and version %d", version)
	}
	r.Skip(4) // collector hash
	msgLen, _ := r.Uint32()

	if err := checkPayloadLen(r, msgLen, maxPayloadBytes); err != nil {
		return Frame{}, err
	}
	b, err := r.Next(int(msgLen))
	if err != nil {
		return Frame{}, err
	}
	return Frame{BMP: b}, nil
}

func checkPayloadLen(r *wire.Reader, msgLen uint32, maxPayloadBytes int) error {
	if msgLen == 0 {
		return r.Errorf(wire.ErrProtocolViolation, "msg_len is 0")
	}
	if maxPayloadBytes > 0 && uint64(msgLen) > uint64(maxPayloadBytes) {
		return r.Errorf(wire.ErrProtocolViolation, "msg_len %d exceeds limit %d", msgLen, maxPayloadBytes)
	}
	return nil
}

// parseOBMPRouterIP accepts IPv4 in the first four bytes (goBMP), IPv4 in the
// last four bytes (BMP peer header style), IPv4-mapped IPv6 and plain IPv6.
func parseOBMPRouterIP(b []byte) netip.Addr {
	a := netip.AddrFrom16([16]byte(b))
	if a.Is4In6() {
		return a.Unmap()
	}
	if isZero(b[4:]) && !isZero(b[:4]) {
		return netip.AddrFrom4([4]byte(b[:4]))
	}
	if isZero(b[:12]) && !isZero(b[12:]) {
		return netip.AddrFrom4([4]byte(b[12:]))
	}
	if a.IsUnspecified() {
		return netip.Addr{}
	}
	return a
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
