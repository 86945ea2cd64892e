package history

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/route-beacon/rib-decoder/internal/bgp"
)

// ComputeEventID hashes the raw message an event came from together with
// the event's identity (prefix, path ID, route distinguisher, action). The
// same message relayed by two collectors yields the same IDs, while the
// prefixes of one UPDATE stay distinct. Returns a 32-byte SHA256 digest.
func ComputeEventID(raw []byte, ev *bgp.RouteEvent) []byte {
	h := sha256.New()
	h.Write(raw)
	h.Write([]byte{0})
	h.Write([]byte(ev.Prefix))
	h.Write([]byte{0})
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(ev.PathID)))
	h.Write([]byte(ev.RD))
	h.Write([]byte{0})
	h.Write([]byte(ev.Action))
	return h.Sum(nil)
}
