package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/bmp"
	"github.com/route-beacon/rib-decoder/internal/history"
	"github.com/route-beacon/rib-decoder/internal/ingest"
	"github.com/route-beacon/rib-decoder/internal/maintenance"
	"github.com/route-beacon/rib-decoder/internal/mrt"
	"github.com/route-beacon/rib-decoder/internal/source"
	"github.com/route-beacon/rib-decoder/internal/wire"
)

// eventView is the JSON rendering of one route event.
type eventView struct {
	Time      *time.Time        `json:"time,omitempty"`
	Router    string            `json:"router_id,omitempty"`
	Table     string            `json:"table_name,omitempty"`
	Peer      string            `json:"peer_address,omitempty"`
	PeerAS    uint32            `json:"peer_as,omitempty"`
	Action    string            `json:"action"`
	AFI       int               `json:"afi"`
	SAFI      uint8             `json:"safi"`
	Prefix    string            `json:"prefix"`
	PathID    int64             `json:"path_id,omitempty"`
	RD        string            `json:"rd,omitempty"`
	Labels    []uint32          `json:"labels,omitempty"`
	Nexthop   string            `json:"nexthop,omitempty"`
	ASPath    string            `json:"as_path,omitempty"`
	OriginASN *int              `json:"origin_asn,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	LocalPref *uint32           `json:"local_pref,omitempty"`
	MED       *uint32           `json:"med,omitempty"`
	CommStd   []string          `json:"communities,omitempty"`
	CommExt   []string          `json:"ext_communities,omitempty"`
	CommLarge []string          `json:"large_communities,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

func newEventView(ev *bgp.RouteEvent) eventView {
	return eventView{
		Action:    ev.Action,
		AFI:       ev.AFI,
		SAFI:      ev.SAFI,
		Prefix:    ev.Prefix,
		PathID:    ev.PathID,
		RD:        ev.RD,
		Labels:    ev.Labels,
		Nexthop:   ev.Nexthop,
		ASPath:    ev.ASPath,
		OriginASN: bgp.OriginASN(ev.ASPath),
		Origin:    ev.Origin,
		LocalPref: ev.LocalPref,
		MED:       ev.MED,
		CommStd:   ev.CommStd,
		CommExt:   ev.CommExt,
		CommLarge: ev.CommLarge,
		Attrs:     ev.Attrs,
	}
}

func rowView(row *history.HistoryRow) eventView {
	v := newEventView(row.Event)
	t := row.EventTime
	v.Time = &t
	v.Router = row.RouterID
	v.Table = row.TableName
	v.Peer = row.PeerAddress
	v.PeerAS = row.PeerAS
	return v
}

type mrtRecordView struct {
	Offset  int64     `json:"offset"`
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Subtype uint16    `json:"subtype"`
	Body    mrt.Body  `json:"body"`
}

type peerView struct {
	Type       uint8      `json:"type"`
	Address    string     `json:"address,omitempty"`
	AS         uint32     `json:"as"`
	BGPID      string     `json:"bgp_id,omitempty"`
	RD         string     `json:"rd,omitempty"`
	PostPolicy bool       `json:"post_policy,omitempty"`
	AdjRIBOut  bool       `json:"adj_rib_out,omitempty"`
	Time       *time.Time `json:"time,omitempty"`
}

func newPeerView(h *bmp.PeerHeader) *peerView {
	if h == nil {
		return nil
	}
	v := &peerView{
		Type:       h.Type,
		AS:         h.AS,
		PostPolicy: h.PostPolicy(),
		AdjRIBOut:  h.AdjRIBOut(),
	}
	if h.Address.IsValid() && !h.Address.IsUnspecified() {
		v.Address = h.Address.String()
	}
	if h.BGPID.IsValid() {
		v.BGPID = h.BGPID.String()
	}
	if !h.Distinguisher.IsZero() {
		v.RD = h.Distinguisher.String()
	}
	if t := h.Time(); !t.IsZero() {
		v.Time = &t
	}
	return v
}

type bmpMessageView struct {
	Offset  int64     `json:"offset"`
	Version uint8     `json:"version"`
	Type    string    `json:"type"`
	Peer    *peerView `json:"peer,omitempty"`
	Table   string    `json:"table_name,omitempty"`
	Body    bmp.Body  `json:"body"`
}

type bgpMessageView struct {
	Type   string      `json:"type"`
	Length uint16      `json:"length"`
	Body   bgp.Body    `json:"body"`
	Events []eventView `json:"events,omitempty"`
	Text   string      `json:"text,omitempty"`
}

var bgpTypeNames = map[uint8]string{
	bgp.MsgTypeOpen:         "open",
	bgp.MsgTypeUpdate:       "update",
	bgp.MsgTypeNotification: "notification",
	bgp.MsgTypeKeepalive:    "keepalive",
	bgp.MsgTypeRouteRefresh: "route_refresh",
}

func bgpTypeName(t uint8) string {
	if n, ok := bgpTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type_%d", t)
}

// skippable reports whether err concerns a single record and the stream can
// continue after it.
func skippable(err error) bool {
	var re *source.RecordError
	return errors.As(err, &re)
}

// openInput opens path, or stdin for "-".
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return source.NewReader(os.Stdin)
	}
	return source.Open(path)
}

func runMRT(args []string) error {
	f := parseFlags(args)
	if len(f.args) != 1 {
		return fmt.Errorf("usage: rib-decoder mrt <file> [--events]")
	}
	cfg, logger := loadConfig(f)
	defer logger.Sync()

	rc, err := openInput(f.args[0])
	if err != nil {
		return err
	}
	defer rc.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	n, err := dumpMRT(out, rc, cfg.Decode.Options(), f.events, filepath.Base(f.args[0]), logger)
	logger.Info("mrt decode finished", zap.String("file", f.args[0]), zap.Int("records", n))
	return err
}

// dumpMRT writes one JSON line per record, or per route event when events is
// set. Records that fail to decode are logged and skipped. It returns the
// number of records decoded.
func dumpMRT(w io.Writer, r io.Reader, opts bgp.Options, events bool, name string, logger *zap.Logger) (int, error) {
	reader := source.NewMRTReader(r, opts)
	conv := &history.MRTConverter{Source: name}
	enc := json.NewEncoder(w)

	n := 0
	for {
		off := reader.Offset()
		rec, err := reader.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			if skippable(err) {
				logger.Warn("skipping undecodable MRT record",
					zap.String("file", name), zap.Int64("offset", off),
					zap.String("kind", wire.KindOf(err)), zap.Error(err))
				continue
			}
			return n, fmt.Errorf("reading %s at offset %d: %w", name, off, err)
		}
		n++

		if !events {
			if err := enc.Encode(mrtRecordView{
				Offset:  off,
				Time:    rec.Time(),
				Type:    mrt.TypeName(rec.Type),
				Subtype: rec.Subtype,
				Body:    rec.Body,
			}); err != nil {
				return n, err
			}
			continue
		}
		for _, row := range conv.Rows(rec, reader.PeerIndexTable()) {
			if err := enc.Encode(rowView(row)); err != nil {
				return n, err
			}
		}
	}
}

func runBMP(args []string) error {
	f := parseFlags(args)
	if len(f.args) != 1 {
		return fmt.Errorf("usage: rib-decoder bmp <file> [--events]")
	}
	cfg, logger := loadConfig(f)
	defer logger.Sync()

	rc, err := openInput(f.args[0])
	if err != nil {
		return err
	}
	defer rc.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	n, err := dumpBMP(out, rc, cfg.Decode.Options(), f.events, filepath.Base(f.args[0]), logger)
	logger.Info("bmp decode finished", zap.String("file", f.args[0]), zap.Int("messages", n))
	return err
}

// dumpBMP is the BMP counterpart of dumpMRT. Events come from route
// monitoring only.
func dumpBMP(w io.Writer, r io.Reader, opts bgp.Options, events bool, name string, logger *zap.Logger) (int, error) {
	reader := source.NewBMPReader(r, opts)
	enc := json.NewEncoder(w)

	n := 0
	for {
		off := reader.Offset()
		m, err := reader.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			if skippable(err) {
				logger.Warn("skipping undecodable BMP message",
					zap.String("file", name), zap.Int64("offset", off),
					zap.String("kind", wire.KindOf(err)), zap.Error(err))
				continue
			}
			return n, fmt.Errorf("reading %s at offset %d: %w", name, off, err)
		}
		n++

		rm, isRM := m.Body.(*bmp.RouteMonitoring)
		var table string
		if m.Peer != nil {
			table = ingest.TableName(m.Peer, rm)
		}

		if !events {
			if err := enc.Encode(bmpMessageView{
				Offset:  off,
				Version: m.Version,
				Type:    bmp.TypeName(m.Type),
				Peer:    newPeerView(m.Peer),
				Table:   table,
				Body:    m.Body,
			}); err != nil {
				return n, err
			}
			continue
		}
		if !isRM {
			continue
		}
		u, ok := rm.Update()
		if !ok || u.EndOfRIB {
			continue
		}
		t := m.Peer.Time()
		for _, ev := range bgp.Events(u) {
			v := newEventView(ev)
			if !t.IsZero() {
				v.Time = &t
			}
			v.Router = m.Peer.RouterID()
			v.Table = table
			if !m.Peer.LocRIB() {
				v.Peer = m.Peer.Address.String()
				v.PeerAS = m.Peer.AS
			}
			if err := enc.Encode(v); err != nil {
				return n, err
			}
		}
	}
}

func runBGP(args []string) error {
	f := parseFlags(args)
	if len(f.args) != 1 {
		return fmt.Errorf("usage: rib-decoder bgp <hex> [--add-path] [--two-byte-as]")
	}
	cfg, logger := loadConfig(f)
	defer logger.Sync()

	opts := cfg.Decode.Options()
	if f.addPath {
		opts.AddPath = true
	}
	if f.twoByteAS {
		opts.FourByteASN = false
	}
	return dumpBGP(os.Stdout, f.args[0], opts)
}

// dumpBGP decodes one hex-encoded BGP message. Whitespace and colons in the
// input are ignored so tcpdump and Wireshark output can be pasted.
func dumpBGP(w io.Writer, input string, opts bgp.Options) error {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, strings.TrimPrefix(input, "0x"))

	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return fmt.Errorf("invalid hex input: %w", err)
	}
	msg, n, err := bgp.DecodeMessage(opts, b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("%d trailing bytes after a %d byte message", len(b)-n, n)
	}

	v := bgpMessageView{
		Type:   bgpTypeName(msg.Header.Type),
		Length: msg.Header.Length,
		Body:   msg.Body,
	}
	if u, ok := msg.Update(); ok {
		for _, ev := range bgp.Events(u) {
			v.Events = append(v.Events, newEventView(ev))
		}
	}
	if notif, ok := msg.Notification(); ok {
		v.Text = notif.String()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runImport(args []string) error {
	f := parseFlags(args)
	if len(f.args) != 1 {
		return fmt.Errorf("usage: rib-decoder import <file> [--router-id <id>]")
	}
	cfg, logger := loadConfig(f)
	defer logger.Sync()

	if err := cfg.ValidateStore(); err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
	if err := pm.CreatePartitions(ctx); err != nil {
		return err
	}

	rc, err := openInput(f.args[0])
	if err != nil {
		return err
	}
	defer rc.Close()

	writer := history.NewWriter(pool, logger.Named("history.writer"),
		cfg.Ingest.StoreRawBytes, cfg.Ingest.StoreRawBytesCompress)
	name := filepath.Base(f.args[0])
	conv := &history.MRTConverter{RouterID: f.routerID, Source: name}

	start := time.Now()
	stats, err := importMRT(ctx, rc, cfg.Decode.Options(), conv, writer, cfg.Ingest.BatchSize, logger)
	logger.Info("mrt import finished",
		zap.String("file", f.args[0]),
		zap.Int("records", stats.records),
		zap.Int("skipped", stats.skipped),
		zap.Int("events", stats.events),
		zap.Int64("inserted", stats.inserted),
		zap.Duration("elapsed", time.Since(start)),
	)
	return err
}

type importStats struct {
	records  int
	skipped  int
	events   int
	inserted int64
}

// importMRT converts every record of r into history rows and flushes them in
// batches of batchSize.
func importMRT(ctx context.Context, r io.Reader, opts bgp.Options, conv *history.MRTConverter,
	writer history.FlushWriter, batchSize int, logger *zap.Logger) (importStats, error) {
	var stats importStats
	reader := source.NewMRTReader(r, opts)
	batch := make([]*history.HistoryRow, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := writer.FlushBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("writing %d rows: %w", len(batch), err)
		}
		stats.inserted += n
		batch = batch[:0]
		return nil
	}

	for {
		off := reader.Offset()
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if skippable(err) {
				stats.skipped++
				logger.Warn("skipping undecodable MRT record",
					zap.String("file", conv.Source), zap.Int64("offset", off),
					zap.String("kind", wire.KindOf(err)), zap.Error(err))
				continue
			}
			return stats, fmt.Errorf("reading %s at offset %d: %w", conv.Source, off, err)
		}
		stats.records++

		for _, row := range conv.Rows(rec, reader.PeerIndexTable()) {
			batch = append(batch, row)
			stats.events++
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		}
	}
	return stats, flush()
}
