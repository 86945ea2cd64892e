package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/mrt"
	"github.com/route-beacon/rib-decoder/internal/wire"
)

// DefaultMaxRecordSize bounds the payload of a single record. Full-table RIB
// records of large collectors stay well below it.
const DefaultMaxRecordSize = 16 << 20

// RecordError reports a record that was read completely but failed to
// decode. The reader is positioned at the next record, so the caller may log
// it and continue.
type RecordError struct {
	Offset int64
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record at offset %d: %v", e.Offset, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// MRTReader reads MRT records from a byte stream. It keeps the most recent
// PEER_INDEX_TABLE so RIB entry peer indexes can be resolved.
type MRTReader struct {
	r       *bufio.Reader
	opts    bgp.Options
	maxSize int
	off     int64
	buf     []byte
	peers   *mrt.PeerIndexTable
}

func NewMRTReader(r io.Reader, opts bgp.Options) *MRTReader {
	return &MRTReader{
		r:       bufio.NewReaderSize(r, 256*1024),
		opts:    opts,
		maxSize: DefaultMaxRecordSize,
	}
}

// SetMaxRecordSize overrides DefaultMaxRecordSize.
func (m *MRTReader) SetMaxRecordSize(n int) { m.maxSize = n }

// Offset returns the stream offset of the next record.
func (m *MRTReader) Offset() int64 { return m.off }

// Next returns the next record. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream ends inside a record. A record that
// does not decode is returned as a *RecordError.
func (m *MRTReader) Next() (*mrt.Record, error) {
	var hdr [mrt.HeaderSize]byte
	if _, err := io.ReadFull(m.r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := mrt.DecodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if m.maxSize > 0 && uint64(h.Length) > uint64(m.maxSize) {
		return nil, &wire.Error{Layer: "mrt", Offset: int(m.off), Kind: wire.ErrProtocolViolation,
			Msg: fmt.Sprintf("record length %d exceeds limit %d", h.Length, m.maxSize)}
	}

	n := mrt.HeaderSize + int(h.Length)
	if cap(m.buf) < n {
		m.buf = make([]byte, n)
	}
	b := m.buf[:n]
	copy(b, hdr[:])
	if _, err := io.ReadFull(m.r, b[mrt.HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	start := m.off
	m.off += int64(n)
	rec, _, err := mrt.DecodeWithOptions(m.opts, b)
	if err != nil {
		return nil, &RecordError{Offset: start, Err: err}
	}
	if t, ok := rec.PeerIndexTable(); ok {
		m.peers = t
	}
	return rec, nil
}

// PeerIndexTable returns the most recent peer index table, or nil.
func (m *MRTReader) PeerIndexTable() *mrt.PeerIndexTable { return m.peers }

// Peer resolves a RIB entry peer index against the most recent peer index
// table.
func (m *MRTReader) Peer(index uint16) (mrt.PeerEntry, bool) {
	if m.peers == nil {
		return mrt.PeerEntry{}, false
	}
	return m.peers.Peer(index)
}
