package bmp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/route-beacon/rib-decoder/internal/bgp"
)

// Stream decodes the messages of one BMP session in order. It remembers what
// each peer negotiated in its peer up and decodes that peer's route
// monitoring accordingly. A Stream is not safe for concurrent use.
type Stream struct {
	base  bgp.Options
	peers map[PeerKey]bgp.Options
}

// NewStream returns a Stream that uses base for peers it has not seen come up.
func NewStream(base bgp.Options) *Stream {
	return &Stream{base: base, peers: make(map[PeerKey]bgp.Options)}
}

// Decode decodes one message from the front of b, like Decode.
func (s *Stream) Decode(b []byte) (*Message, int, error) {
	m, n, err := decode(b, s.options)
	if err != nil {
		return nil, 0, err
	}
	s.observe(m)
	return m, n, nil
}

// DecodeAll decodes back-to-back messages, as collectors bundle several per
// Kafka record. A message that fails to decode is skipped when its version 3
// length is readable; otherwise decoding stops. The error joins every failure.
func (s *Stream) DecodeAll(b []byte) ([]*Message, error) {
	var (
		msgs []*Message
		errs []error
	)
	off := 0
	for off < len(b) {
		m, n, err := s.Decode(b[off:])
		if err == nil {
			msgs = append(msgs, m)
			off += n
			continue
		}
		errs = append(errs, fmt.Errorf("message at offset %d: %w", off, err))
		skip := FrameLength(b[off:])
		if skip == 0 {
			break
		}
		off += skip
	}
	return msgs, errors.Join(errs...)
}

// FrameLength returns the declared length of the version 3 message at the
// front of b, or 0 when it cannot be trusted. It lets a caller step over a
// message that failed to decode.
func FrameLength(b []byte) int {
	if len(b) < CommonHeaderSize || b[0] != Version3 {
		return 0
	}
	n := binary.BigEndian.Uint32(b[1:5])
	if n < CommonHeaderSize || uint64(n) > uint64(len(b)) {
		return 0
	}
	return int(n)
}

// Peers returns the number of peers with negotiated options on record.
func (s *Stream) Peers() int { return len(s.peers) }

func (s *Stream) options(h *PeerHeader) bgp.Options {
	if o, ok := s.peers[h.Key()]; ok {
		return o
	}
	return s.base
}

func (s *Stream) observe(m *Message) {
	switch b := m.Body.(type) {
	case *PeerUp:
		if b.SentOpen != nil && b.ReceivedOpen != nil {
			s.peers[m.Peer.Key()] = Negotiated(s.base, m.Peer, b)
		}
	case *PeerDown:
		delete(s.peers, m.Peer.Key())
	case *Termination:
		clear(s.peers)
	}
}

// Negotiated derives the decode options for a peer's route monitoring from
// the OPEN messages of its peer up. For Adj-RIB-Out the monitored router is
// the sender, so the roles of the two OPENs swap.
func Negotiated(base bgp.Options, h *PeerHeader, up *PeerUp) bgp.Options {
	local, remote := up.SentOpen, up.ReceivedOpen
	if h.AdjRIBOut() {
		local, remote = remote, local
	}

	opts := base
	opts.FourByteASN = local.FourOctetAS() && remote.FourOctetAS()
	opts.ExtendedMessage = base.ExtendedMessage || (local.ExtendedMessage() && remote.ExtendedMessage())
	opts.AddPathFamilies = bgp.ReceiveAddPath(local, remote)
	opts.AddPath = len(opts.AddPathFamilies) > 0
	return opts
}
