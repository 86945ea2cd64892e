package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/bmp"
	"github.com/route-beacon/rib-decoder/internal/ingest"
)

const maxPayloadBytes = 16 * 1024 * 1024

func main() {
	broker := "localhost:29092"
	topic := "openbmp.bmp_raw"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("debug-raw-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// One stream per router so peer up options carry over to later records.
	streams := make(map[string]*bmp.Stream)

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== Kafka msg %d (partition=%d offset=%d, %d bytes) ===\n",
				msgNum, rec.Partition, rec.Offset, len(rec.Value))

			analyzeMessage(streams, rec.Value)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total Kafka messages: %d\n", msgNum)
}

func analyzeMessage(streams map[string]*bmp.Stream, data []byte) {
	frame, err := bmp.DecodeOpenBMPFrame(data, maxPayloadBytes)
	if err != nil {
		fmt.Printf("  DecodeOpenBMPFrame error: %v\n", err)
		return
	}
	fmt.Printf("  BMP payload: %d bytes\n", len(frame.BMP))
	fmt.Printf("  OpenBMP router IP: %s hash: %s\n", frame.RouterIP, frame.RouterHash)

	key := frame.RouterHash
	if frame.RouterIP.IsValid() {
		key = frame.RouterIP.String()
	}
	stream, ok := streams[key]
	if !ok {
		stream = bmp.NewStream(bgp.DefaultOptions())
		streams[key] = stream
	}

	msgs, err := stream.DecodeAll(frame.BMP)
	if err != nil {
		fmt.Printf("  decode errors: %v\n", err)
		if len(frame.BMP) > 0 {
			fmt.Printf("  payload head hex: %s\n", hex.EncodeToString(frame.BMP[:min(48, len(frame.BMP))]))
		}
	}
	fmt.Printf("  BMP messages in payload: %d\n", len(msgs))

	for i, m := range msgs {
		fmt.Printf("\n  --- BMP msg %d (%d bytes) ---\n", i, m.Length)
		fmt.Printf("    MsgType:    %d (%s)\n", m.Type, bmp.TypeName(m.Type))
		if m.Peer == nil {
			printInfo(m)
			continue
		}
		fmt.Printf("    PeerType:   %d (LocRIB=%v)\n", m.Peer.Type, m.Peer.LocRIB())
		fmt.Printf("    PeerFlags:  0x%02x (PostPolicy=%v AdjRIBOut=%v)\n", m.Peer.Flags, m.Peer.PostPolicy(), m.Peer.AdjRIBOut())
		fmt.Printf("    Peer:       %s AS%d bgp-id=%s\n", m.Peer.Address, m.Peer.AS, m.Peer.BGPID)
		fmt.Printf("    RouterID (peer hdr): %q\n", m.Peer.RouterID())

		switch b := m.Body.(type) {
		case *bmp.PeerUp:
			opts := bmp.Negotiated(bgp.DefaultOptions(), m.Peer, b)
			fmt.Printf("    PeerUp:     local=%s:%d remote-port=%d 4-octet-AS=%v add-path=%v\n",
				b.LocalAddress, b.LocalPort, b.RemotePort, opts.FourByteASN, opts.AddPath)
		case *bmp.PeerDown:
			fmt.Printf("    PeerDown:   reason=%d", b.Reason)
			if b.Notification != nil {
				fmt.Printf(" notification=%q", b.Notification.String())
			}
			fmt.Println()
		case *bmp.RouteMonitoring:
			printRouteMonitoring(m.Peer, b)
		}
	}
}

func printInfo(m *bmp.Message) {
	var tlvs []bmp.TLV
	switch b := m.Body.(type) {
	case *bmp.Initiation:
		tlvs = b.TLVs
	case *bmp.Termination:
		tlvs = b.TLVs
	}
	for _, tlv := range tlvs {
		fmt.Printf("    TLV %d: %q\n", tlv.Type, tlv.Value)
	}
}

func printRouteMonitoring(h *bmp.PeerHeader, rm *bmp.RouteMonitoring) {
	fmt.Printf("    TableName:  %q\n", ingest.TableName(h, rm))
	if len(rm.Raw) >= 19 {
		fmt.Printf("    BGP header hex: %s\n", hex.EncodeToString(rm.Raw[:19]))
	}

	u, ok := rm.Update()
	if !ok {
		return
	}
	if u.EndOfRIB {
		fmt.Printf("    EOR (%s)\n", u.EndOfRIBFamily)
		return
	}

	events := bgp.Events(u)
	fmt.Printf("    Routes: %d\n", len(events))
	for j, ev := range events {
		if j < 5 || j == len(events)-1 {
			fmt.Printf("      [%d] AFI=%d %s %s nexthop=%s as=%s pathID=%d\n",
				j, ev.AFI, ev.Action, ev.Prefix, ev.Nexthop, ev.ASPath, ev.PathID)
		} else if j == 5 {
			fmt.Printf("      ... (%d more) ...\n", len(events)-6)
		}
	}
}
