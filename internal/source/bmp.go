package source

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/bmp"
	"github.com/route-beacon/rib-decoder/internal/wire"
)

// BMPReader reads a captured BMP session: version 3 messages back to back,
// framed by their common header length. Messages are decoded through a
// bmp.Stream so per-peer negotiated options apply.
type BMPReader struct {
	r       *bufio.Reader
	stream  *bmp.Stream
	maxSize int
	off     int64
	buf     []byte
}

func NewBMPReader(r io.Reader, opts bgp.Options) *BMPReader {
	return &BMPReader{
		r:       bufio.NewReaderSize(r, 256*1024),
		stream:  bmp.NewStream(opts),
		maxSize: DefaultMaxRecordSize,
	}
}

// Offset returns the stream offset of the next message.
func (b *BMPReader) Offset() int64 { return b.off }

// Next returns the next message, with the same error conventions as
// MRTReader.Next. A stream that is not version 3 cannot be framed and ends
// with a *wire.Error.
func (b *BMPReader) Next() (*bmp.Message, error) {
	var hdr [bmp.CommonHeaderSize]byte
	if _, err := io.ReadFull(b.r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != bmp.Version3 {
		return nil, &wire.Error{Layer: "bmp", Offset: int(b.off), Kind: wire.ErrUnsupportedVersion,
			Msg: fmt.Sprintf("cannot frame version %d stream", hdr[0])}
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	if n < bmp.CommonHeaderSize || (b.maxSize > 0 && uint64(n) > uint64(b.maxSize)) {
		return nil, &wire.Error{Layer: "bmp", Offset: int(b.off), Kind: wire.ErrProtocolViolation,
			Msg: fmt.Sprintf("message length %d out of range", n)}
	}

	if cap(b.buf) < int(n) {
		b.buf = make([]byte, n)
	}
	msg := b.buf[:n]
	copy(msg, hdr[:])
	if _, err := io.ReadFull(b.r, msg[bmp.CommonHeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	start := b.off
	b.off += int64(n)
	m, _, err := b.stream.Decode(msg)
	if err != nil {
		return nil, &RecordError{Offset: start, Err: err}
	}
	return m, nil
}
