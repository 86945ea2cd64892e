package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Reader is a bounded cursor over a byte slice. No method reads past the end
// of the slice it was created with; a short read returns ErrTruncated and
// leaves the cursor where it was.
//
// Multi-byte integers are always read big-endian, once, through this type.
type Reader struct {
	layer string
	buf   []byte
	off   int
	base  int // offset of buf[0] within the layer's outermost buffer
}

// NewReader returns a cursor over b. layer names the protocol in errors.
func NewReader(layer string, b []byte) *Reader {
	return &Reader{layer: layer, buf: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int { return r.off }

// Pos returns the absolute position within the layer's outermost buffer.
func (r *Reader) Pos() int { return r.base + r.off }

// Layer returns the layer name used in errors.
func (r *Reader) Layer() string { return r.layer }

// Errorf builds an *Error at the current position.
func (r *Reader) Errorf(kind error, format string, args ...any) error {
	return &Error{
		Layer:  r.layer,
		Offset: r.Pos(),
		Kind:   kind,
		Msg:    fmt.Sprintf(format, args...),
	}
}

func (r *Reader) need(n int, what string) error {
	if n < 0 {
		return r.Errorf(ErrProtocolViolation, "negative length %d for %s", n, what)
	}
	if n > r.Len() {
		return r.Errorf(ErrTruncated, "%s needs %d bytes, have %d", what, n, r.Len())
	}
	return nil
}

// Peek returns the next n bytes without consuming them. The result aliases
// the input buffer.
func (r *Reader) Peek(n int) ([]byte, error) {
	if err := r.need(n, "peek"); err != nil {
		return nil, err
	}
	return r.buf[r.off : r.off+n], nil
}

// Next consumes n bytes and returns them. The result aliases the input buffer
// and must not be retained in decoded output; use Copy for that.
func (r *Reader) Next(n int) ([]byte, error) {
	if err := r.need(n, "field"); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Copy consumes n bytes and returns a copy owned by the caller.
func (r *Reader) Copy(n int) ([]byte, error) {
	b, err := r.Next(n)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// CopyRest consumes and copies everything that is left.
func (r *Reader) CopyRest() []byte {
	b, _ := r.Copy(r.Len())
	return b
}

// Skip consumes n bytes.
func (r *Reader) Skip(n int) error {
	if err := r.need(n, "skip"); err != nil {
		return err
	}
	r.off += n
	return nil
}

// SkipRest consumes everything that is left and returns how many bytes that was.
func (r *Reader) SkipRest() int {
	n := r.Len()
	r.off = len(r.buf)
	return n
}

// Sub consumes n bytes and returns a new cursor bounded to exactly those bytes.
// Errors produced by the sub-reader carry absolute positions.
func (r *Reader) Sub(n int) (*Reader, error) {
	if err := r.need(n, "sub-block"); err != nil {
		return nil, err
	}
	s := &Reader{
		layer: r.layer,
		buf:   r.buf[r.off : r.off+n],
		base:  r.base + r.off,
	}
	r.off += n
	return s, nil
}

func (r *Reader) Uint8() (uint8, error) {
	if err := r.need(1, "uint8"); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2, "uint16"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// Uint24 reads a 3-byte big-endian value, as used by MPLS label fields.
func (r *Reader) Uint24() (uint32, error) {
	if err := r.need(3, "uint24"); err != nil {
		return 0, err
	}
	b := r.buf[r.off:]
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	r.off += 3
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4, "uint32"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8, "uint64"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// Addr reads an IPv4 (n=4) or IPv6 (n=16) address.
func (r *Reader) Addr(n int) (netip.Addr, error) {
	if n != 4 && n != 16 {
		return netip.Addr{}, r.Errorf(ErrProtocolViolation, "invalid address length %d", n)
	}
	b, err := r.Next(n)
	if err != nil {
		return netip.Addr{}, err
	}
	addr, _ := netip.AddrFromSlice(b)
	return addr, nil
}

// MappedAddr reads a 16-byte address field that carries IPv4 in its last four
// bytes when v6 is false (BMP and MRT peer address convention).
func (r *Reader) MappedAddr(v6 bool) (netip.Addr, error) {
	b, err := r.Next(16)
	if err != nil {
		return netip.Addr{}, err
	}
	if v6 {
		return netip.AddrFrom16([16]byte(b)), nil
	}
	return netip.AddrFrom4([4]byte(b[12:16])), nil
}
