package state

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/bmp"
	"github.com/route-beacon/rib-decoder/internal/bmptest"
	"github.com/route-beacon/rib-decoder/internal/config"
	"github.com/route-beacon/rib-decoder/internal/ingest"
)

// fakeStore records every state change in call order.
type fakeStore struct {
	calls   []string
	routes  []*Route
	peers   []*Peer
	routers []*Router
	eors    []string
	err     error

	// eorFailures makes that many HandleEOR calls fail before one succeeds.
	eorFailures int
}

func (f *fakeStore) FlushBatch(_ context.Context, routes []*Route) error {
	if f.err != nil {
		return f.err
	}
	if len(routes) > 0 {
		f.calls = append(f.calls, "flush")
		f.routes = append(f.routes, routes...)
	}
	return nil
}

func (f *fakeStore) HandleEOR(_ context.Context, routerID, tableName string, afi int) error {
	if f.eorFailures > 0 {
		f.eorFailures--
		f.calls = append(f.calls, "eor-failed")
		return errors.New("eor purge failed")
	}
	f.calls = append(f.calls, "eor")
	f.eors = append(f.eors, routerID+"|"+tableName+"|"+strconv.Itoa(afi))
	return nil
}

func (f *fakeStore) HandlePeerUp(_ context.Context, p *Peer) error {
	f.calls = append(f.calls, "peer_up")
	f.peers = append(f.peers, p)
	return nil
}

func (f *fakeStore) HandlePeerDown(_ context.Context, p *Peer) error {
	f.calls = append(f.calls, "peer_down")
	f.peers = append(f.peers, p)
	return nil
}

func (f *fakeStore) UpsertRouter(_ context.Context, r *Router) error {
	f.calls = append(f.calls, "router")
	f.routers = append(f.routers, r)
	return nil
}

func (f *fakeStore) HandleSessionTermination(_ context.Context, routerID, reason string) error {
	f.calls = append(f.calls, "termination:"+routerID+":"+reason)
	return nil
}

func newTestPipeline(store Store) *Pipeline {
	dec := ingest.NewDecoder("state", bgp.DefaultOptions(), 16*1024*1024, zap.NewNop())
	routers := map[string]config.RouterMeta{"10.0.0.2": {Name: "edge-1", Location: "fra1"}}
	return NewPipeline(store, dec, routers, 1000, 200, zap.NewNop())
}

func prefixes(s ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(s))
	for i, p := range s {
		out[i] = netip.MustParsePrefix(p)
	}
	return out
}

func obmp(payload ...[]byte) *kgo.Record {
	return &kgo.Record{Value: bmptest.OBMPv17("10.0.0.2", payload...), Topic: "openbmp.bmp_raw"}
}

// run feeds one batch of records through Run and waits for it to return.
func run(t *testing.T, p *Pipeline, recs ...*kgo.Record) [][]*kgo.Record {
	t.Helper()
	return runFor(t, p, 5*time.Second, recs...)
}

// runFor is run with a deadline after which Run gives up retrying.
func runFor(t *testing.T, p *Pipeline, timeout time.Duration, recs ...*kgo.Record) [][]*kgo.Record {
	t.Helper()
	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 16)
	records <- recs
	close(records)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	p.Run(ctx, records, flushed)
	close(flushed)

	var out [][]*kgo.Record
	for f := range flushed {
		out = append(out, f)
	}
	return out
}

func TestProcessRecord_LocRIBAnnouncement(t *testing.T) {
	p := newTestPipeline(nil)
	update := bmptest.Update(bmptest.Route{
		Announced: prefixes("10.0.0.0/24"),
		ASPath:    []uint32{65001, 65002},
		NextHop:   "192.168.1.1",
	})
	rec := &kgo.Record{Value: bmptest.RawV2(1, bmptest.RouteMonitoring(bmptest.LocRIBPeer, update))}

	actions := p.processRecord(rec)
	if len(actions) != 1 || actions[0].kind != actionRoute {
		t.Fatalf("expected 1 route action, got %v", actions)
	}
	r := actions[0].route
	if r.RouterID != "10.0.0.1" {
		t.Errorf("expected router_id '10.0.0.1' from the Loc-RIB BGP ID, got '%s'", r.RouterID)
	}
	if r.TableName != ingest.DefaultLocRIBTable {
		t.Errorf("expected default Loc-RIB table, got '%s'", r.TableName)
	}
	if r.Event.Prefix != "10.0.0.0/24" || r.Event.Action != bgp.ActionAnnounce {
		t.Errorf("unexpected event %+v", r.Event)
	}
}

func TestProcessRecord_WithdrawalAndAnnouncement(t *testing.T) {
	p := newTestPipeline(nil)
	update := bmptest.Update(bmptest.Route{
		Withdrawn: prefixes("172.16.0.0/12"),
		Announced: prefixes("10.0.0.0/24", "10.0.1.0/24"),
		ASPath:    []uint32{65001},
	})
	actions := p.processRecord(obmp(bmptest.RouteMonitoring(bmptest.LocRIBPeer, update, bmptest.TLV(bmp.TLVTypeTableName, []byte("vrf-red")))))

	if len(actions) != 3 {
		t.Fatalf("expected 3 route actions, got %d", len(actions))
	}
	if actions[0].route.Event.Action != bgp.ActionWithdraw {
		t.Errorf("expected the withdrawal first, got %s", actions[0].route.Event.Action)
	}
	for _, a := range actions {
		if a.route.TableName != "vrf-red" {
			t.Errorf("expected table from the TLV, got %q", a.route.TableName)
		}
		if a.route.RouterID != "10.0.0.2" {
			t.Errorf("expected router from the OpenBMP header, got %q", a.route.RouterID)
		}
	}
}

func TestProcessRecord_AdjRIBIn(t *testing.T) {
	p := newTestPipeline(nil)
	peer := bmptest.GlobalPeer
	peer.RD = [8]byte{0, 0, 0xfd, 0xe9, 0, 0, 0, 1}
	update := bmptest.Update(bmptest.Route{Announced: prefixes("10.0.0.0/24"), ASPath: []uint32{65002}})

	actions := p.processRecord(obmp(bmptest.RouteMonitoring(peer, update)))
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if got := actions[0].route.TableName; got != "adj-rib-in-pre/192.0.2.2/65001:1" {
		t.Errorf("expected per-peer Adj-RIB-In table, got %q", got)
	}
}

func TestProcessRecord_EOR(t *testing.T) {
	p := newTestPipeline(nil)
	actions := p.processRecord(obmp(bmptest.RouteMonitoring(bmptest.LocRIBPeer, bmptest.EndOfRIB())))

	if len(actions) != 1 || actions[0].kind != actionEOR {
		t.Fatalf("expected an EOR action, got %v", actions)
	}
	if actions[0].afi != 4 || actions[0].table != ingest.DefaultLocRIBTable {
		t.Errorf("expected IPv4 loc-rib EOR, got afi %d table %q", actions[0].afi, actions[0].table)
	}
}

func TestProcessRecord_PeerUp(t *testing.T) {
	p := newTestPipeline(nil)
	actions := p.processRecord(obmp(bmptest.AddPathPeerUp(bmptest.GlobalPeer)))

	if len(actions) != 1 || actions[0].kind != actionPeerUp {
		t.Fatalf("expected a peer up action, got %v", actions)
	}
	peer := actions[0].peer
	if !peer.Up || peer.RouterID != "10.0.0.2" || peer.Key != "192.0.2.2" {
		t.Errorf("unexpected peer %+v", peer)
	}
	if peer.LocalAddr != "192.0.2.1" || peer.LocalPort != 50000 || peer.RemotePort != 179 {
		t.Errorf("unexpected session endpoints %s:%d -> %d", peer.LocalAddr, peer.LocalPort, peer.RemotePort)
	}
	if !peer.FourOctetAS || !peer.AddPath {
		t.Errorf("expected negotiated 4-octet AS and add-path, got %v %v", peer.FourOctetAS, peer.AddPath)
	}
	if len(peer.Tables) != 4 {
		t.Errorf("expected the 4 Adj-RIB tables of the peer, got %v", peer.Tables)
	}
}

func TestProcessRecord_PeerDownNotification(t *testing.T) {
	p := newTestPipeline(nil)
	notif := bmptest.BGPMessage(bgp.MsgTypeNotification, []byte{bgp.NotifCease, 2})
	actions := p.processRecord(obmp(bmptest.PeerDown(bmptest.GlobalPeer, bmp.PeerDownRemoteNotification, notif...)))

	if len(actions) != 1 || actions[0].kind != actionPeerDown {
		t.Fatalf("expected a peer down action, got %v", actions)
	}
	peer := actions[0].peer
	if peer.Up || peer.DownReason != "remote_notification" {
		t.Errorf("unexpected peer state %v reason %q", peer.Up, peer.DownReason)
	}
	if peer.DownDetail != "Cease / Administrative Shutdown" {
		t.Errorf("unexpected detail %q", peer.DownDetail)
	}
}

func TestProcessRecord_LocRIBPeerDown(t *testing.T) {
	p := newTestPipeline(nil)
	actions := p.processRecord(obmp(bmptest.PeerDown(bmptest.LocRIBPeer, bmp.PeerDownLocalNoNotification, 0, 7)))

	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	peer := actions[0].peer
	if !peer.LocRIB || peer.Tables != nil || peer.Key != ingest.DefaultLocRIBTable {
		t.Errorf("expected a Loc-RIB peer without Adj-RIB tables, got %+v", peer)
	}
	if peer.DownDetail != "fsm event 7" {
		t.Errorf("unexpected detail %q", peer.DownDetail)
	}
}

func TestProcessRecord_InitiationAndTermination(t *testing.T) {
	p := newTestPipeline(nil)
	actions := p.processRecord(obmp(bmptest.Initiation("edge1.example.net", "Router OS 1.2"), bmptest.Termination(2)))

	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	r := actions[0].router
	if r.ID != "10.0.0.2" || r.IP != "10.0.0.2" || r.Hostname != "edge1.example.net" || r.Description != "Router OS 1.2" {
		t.Errorf("unexpected router %+v", r)
	}
	if r.DisplayName != "edge-1" || r.Location != "fra1" {
		t.Errorf("expected configured metadata, got %q %q", r.DisplayName, r.Location)
	}
	if actions[1].kind != actionTermination || actions[1].reason != "out_of_resources" {
		t.Errorf("unexpected termination action %+v", actions[1])
	}
}

func TestProcessRecord_MalformedFrame(t *testing.T) {
	p := newTestPipeline(nil)
	if actions := p.processRecord(&kgo.Record{Value: []byte{0, 1, 2}}); actions != nil {
		t.Fatalf("expected no actions, got %v", actions)
	}
}

func TestPipeline_RunOrdersControlMessages(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	update := bmptest.Update(bmptest.Route{Announced: prefixes("10.0.0.0/24"), ASPath: []uint32{65001}})
	first := obmp(
		bmptest.RouteMonitoring(bmptest.LocRIBPeer, update),
		bmptest.RouteMonitoring(bmptest.LocRIBPeer, bmptest.EndOfRIB()),
	)
	second := obmp(bmptest.PeerDown(bmptest.GlobalPeer, bmp.PeerDownDeconfigured))

	flushed := run(t, p, first, second)

	want := []string{"flush", "eor", "peer_down"}
	if len(store.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, store.calls)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], store.calls[i])
		}
	}
	if store.eors[0] != "10.0.0.2|loc-rib|4" {
		t.Errorf("unexpected EOR %q", store.eors[0])
	}

	var committed int
	for _, f := range flushed {
		committed += len(f)
	}
	if committed != 2 {
		t.Errorf("expected both records committed, got %d", committed)
	}
}

func TestPipeline_TerminationClearsPeers(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	run(t, p,
		obmp(bmptest.AddPathPeerUp(bmptest.GlobalPeer)),
		obmp(bmptest.Termination(0)),
	)

	if len(store.calls) != 2 || store.calls[1] != "termination:10.0.0.2:admin_close" {
		t.Fatalf("unexpected calls %v", store.calls)
	}
	if _, ok := p.peersUp["10.0.0.2"]; ok {
		t.Error("expected termination to clear the router's tracked peers")
	}
}

func TestPipeline_FlushFailureWithholdsCommit(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	p := newTestPipeline(store)
	p.batchSize = 1

	update := bmptest.Update(bmptest.Route{Announced: prefixes("10.0.0.0/24"), ASPath: []uint32{65001}})
	if flushed := run(t, p, obmp(bmptest.RouteMonitoring(bmptest.LocRIBPeer, update))); len(flushed) != 0 {
		t.Fatalf("expected no commit after a failed flush, got %d", len(flushed))
	}
}

func committedRecords(flushed [][]*kgo.Record) []*kgo.Record {
	var out []*kgo.Record
	for _, f := range flushed {
		out = append(out, f...)
	}
	return out
}

func TestPipeline_FailedEORWithholdsCommit(t *testing.T) {
	store := &fakeStore{eorFailures: 1 << 30}
	p := newTestPipeline(store)
	p.retryBackoff = time.Millisecond

	update := bmptest.Update(bmptest.Route{Announced: prefixes("10.0.0.0/24"), ASPath: []uint32{65001}})
	rec := obmp(
		bmptest.RouteMonitoring(bmptest.LocRIBPeer, update),
		bmptest.RouteMonitoring(bmptest.LocRIBPeer, bmptest.EndOfRIB()),
	)
	after := obmp(bmptest.PeerDown(bmptest.GlobalPeer, bmp.PeerDownDeconfigured))

	flushed := runFor(t, p, 100*time.Millisecond, rec, after)

	if len(store.calls) < 2 || store.calls[0] != "flush" || store.calls[1] != "eor-failed" {
		t.Fatalf("expected flush then failed eor, got %v", store.calls)
	}
	for _, c := range store.calls[1:] {
		if c != "eor-failed" {
			t.Fatalf("expected only eor retries after the failure, got %v", store.calls)
		}
	}
	if got := committedRecords(flushed); len(got) != 0 {
		t.Errorf("expected no commit while the EOR is unapplied, got %d records", len(got))
	}
}

func TestPipeline_EORRetriedBeforeCommit(t *testing.T) {
	store := &fakeStore{eorFailures: 2}
	p := newTestPipeline(store)
	p.retryBackoff = time.Millisecond

	rec := obmp(bmptest.RouteMonitoring(bmptest.LocRIBPeer, bmptest.EndOfRIB()))
	flushed := run(t, p, rec)

	want := []string{"eor-failed", "eor-failed", "eor"}
	if len(store.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, store.calls)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], store.calls[i])
		}
	}
	if got := committedRecords(flushed); len(got) != 1 || got[0] != rec {
		t.Errorf("expected the EOR record committed once applied, got %d records", len(got))
	}
}

func TestPipeline_FailedFlushBlocksControlAction(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	p := newTestPipeline(store)
	p.retryBackoff = time.Millisecond

	update := bmptest.Update(bmptest.Route{Announced: prefixes("10.0.0.0/24"), ASPath: []uint32{65001}})
	rec := obmp(
		bmptest.RouteMonitoring(bmptest.LocRIBPeer, update),
		bmptest.RouteMonitoring(bmptest.LocRIBPeer, bmptest.EndOfRIB()),
	)

	flushed := runFor(t, p, 100*time.Millisecond, rec)

	if len(store.calls) != 0 {
		t.Errorf("expected no EOR over a failed flush, got %v", store.calls)
	}
	if got := committedRecords(flushed); len(got) != 0 {
		t.Errorf("expected no commit after a failed flush, got %d records", len(got))
	}
}

func TestPeerDownReason(t *testing.T) {
	tests := []struct {
		code uint8
		want string
	}{
		{bmp.PeerDownLocalNotification, "local_notification"},
		{bmp.PeerDownRemoteNoData, "remote_no_data"},
		{bmp.PeerDownLocalTLV, "local_system_closed"},
		{42, "reason_42"},
	}
	for _, tt := range tests {
		if got := PeerDownReason(tt.code); got != tt.want {
			t.Errorf("PeerDownReason(%d): expected %q, got %q", tt.code, tt.want, got)
		}
	}
}
