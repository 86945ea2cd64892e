// Package ingest holds the decode step shared by the Kafka pipelines: OpenBMP
// frame, then the BMP messages inside it, decoded with per-router session
// state.
package ingest

import (
	"net/netip"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/bmp"
	"github.com/route-beacon/rib-decoder/internal/metrics"
	"github.com/route-beacon/rib-decoder/internal/wire"
)

// Message is one decoded BMP message and the bytes it was decoded from. Raw
// aliases the Kafka record value.
type Message struct {
	*bmp.Message
	Raw []byte
}

// Record is the decoded content of one Kafka record.
type Record struct {
	Topic    string
	Session  string     // key of the per-router decode state
	RouterIP netip.Addr // from the OpenBMP header, when present
	Messages []Message
}

// RouterID names the monitored router a message belongs to: the collector's
// router address, then the Loc-RIB BGP identifier, then the session key.
func (r *Record) RouterID(h *bmp.PeerHeader) string {
	if r.RouterIP.IsValid() {
		return r.RouterIP.String()
	}
	if h != nil && h.LocRIB() {
		if id := h.RouterID(); id != "" {
			return id
		}
	}
	return r.Session
}

// Decoder decodes Kafka records for one pipeline. It is not safe for
// concurrent use; each pipeline goroutine owns one.
type Decoder struct {
	pipeline        string
	base            bgp.Options
	maxPayloadBytes int
	streams         map[string]*bmp.Stream
	logger          *zap.Logger
}

func NewDecoder(pipeline string, base bgp.Options, maxPayloadBytes int, logger *zap.Logger) *Decoder {
	return &Decoder{
		pipeline:        pipeline,
		base:            base,
		maxPayloadBytes: maxPayloadBytes,
		streams:         make(map[string]*bmp.Stream),
		logger:          logger,
	}
}

// Sessions returns the number of routers with decode state.
func (d *Decoder) Sessions() int { return len(d.streams) }

// Decode returns the messages of rec. Undecodable frames and messages are
// logged and counted, then skipped; a message that fails does not stop the
// ones after it when its length can be read. ok is false when the frame
// itself could not be decoded.
func (d *Decoder) Decode(rec *kgo.Record) (*Record, bool) {
	frame, err := bmp.DecodeOpenBMPFrame(rec.Value, d.maxPayloadBytes)
	if err != nil {
		d.fail("openbmp", rec, 0, err)
		return nil, false
	}

	out := &Record{
		Topic:    rec.Topic,
		Session:  sessionKey(frame, rec),
		RouterIP: frame.RouterIP,
	}
	stream := d.stream(out.Session)

	b := frame.BMP
	for off := 0; off < len(b); {
		m, n, err := stream.Decode(b[off:])
		if err != nil {
			d.fail("bmp", rec, off, err)
			skip := bmp.FrameLength(b[off:])
			if skip == 0 {
				break
			}
			off += skip
			continue
		}
		metrics.DecodedMessagesTotal.WithLabelValues("bmp", bmp.TypeName(m.Type)).Inc()
		out.Messages = append(out.Messages, Message{Message: m, Raw: b[off : off+n]})
		off += n
	}

	// A terminated session starts from the configured options next time.
	for _, m := range out.Messages {
		if m.Type == bmp.MsgTypeTermination {
			delete(d.streams, out.Session)
			break
		}
	}
	return out, true
}

func (d *Decoder) stream(key string) *bmp.Stream {
	s, ok := d.streams[key]
	if !ok {
		s = bmp.NewStream(d.base)
		d.streams[key] = s
	}
	return s
}

func (d *Decoder) fail(envelope string, rec *kgo.Record, off int, err error) {
	metrics.DecodeErrorsTotal.WithLabelValues(envelope, wire.KindOf(err)).Inc()
	d.logger.Warn("decode failed",
		zap.String("pipeline", d.pipeline),
		zap.String("envelope", envelope),
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.Int("message_offset", off),
		zap.Error(err),
	)
}

func sessionKey(f bmp.Frame, rec *kgo.Record) string {
	switch {
	case f.RouterHash != "":
		return f.RouterHash
	case f.RouterIP.IsValid():
		return f.RouterIP.String()
	case len(rec.Key) > 0:
		return string(rec.Key)
	}
	return "unknown"
}
