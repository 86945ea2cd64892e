package history

import (
	"bytes"
	"testing"

	"github.com/route-beacon/rib-decoder/internal/bgp"
	"github.com/route-beacon/rib-decoder/internal/bmp"
	"github.com/route-beacon/rib-decoder/internal/bmptest"
)

var testEvent = &bgp.RouteEvent{AFI: 4, Prefix: "10.0.0.0/8", Action: bgp.ActionAnnounce}

func TestCrossCollectorDedup_SameBMPPayload(t *testing.T) {
	// Same BMP payload wrapped by two collectors.
	payload := bmptest.Initiation("r1", "test")

	frameA, err := bmp.DecodeOpenBMPFrame(bmptest.RawV2(0xAAAAAAAA, payload), 16*1024*1024)
	if err != nil {
		t.Fatalf("collector A decode: %v", err)
	}
	frameB, err := bmp.DecodeOpenBMPFrame(bmptest.RawV2(0xBBBBBBBB, payload), 16*1024*1024)
	if err != nil {
		t.Fatalf("collector B decode: %v", err)
	}

	hashA := ComputeEventID(frameA.BMP, testEvent)
	hashB := ComputeEventID(frameB.BMP, testEvent)
	if !bytes.Equal(hashA, hashB) {
		t.Fatalf("event_id differs across collectors: %x vs %x", hashA, hashB)
	}
}

func TestComputeEventID_Deterministic(t *testing.T) {
	data := []byte("test BMP message payload")
	h1 := ComputeEventID(data, testEvent)
	h2 := ComputeEventID(data, testEvent)

	if len(h1) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(h1))
	}
	if !bytes.Equal(h1, h2) {
		t.Fatal("hashes differ for same input")
	}
}

func TestComputeEventID_DistinguishesEvents(t *testing.T) {
	raw := []byte("one UPDATE")
	base := ComputeEventID(raw, testEvent)

	variants := []*bgp.RouteEvent{
		{AFI: 4, Prefix: "10.0.0.0/9", Action: bgp.ActionAnnounce},
		{AFI: 4, Prefix: "10.0.0.0/8", PathID: 2, Action: bgp.ActionAnnounce},
		{AFI: 4, Prefix: "10.0.0.0/8", RD: "65001:1", Action: bgp.ActionAnnounce},
		{AFI: 4, Prefix: "10.0.0.0/8", Action: bgp.ActionWithdraw},
	}
	for _, ev := range variants {
		if bytes.Equal(base, ComputeEventID(raw, ev)) {
			t.Errorf("expected a distinct ID for %+v", ev)
		}
	}
	if bytes.Equal(base, ComputeEventID([]byte("another UPDATE"), testEvent)) {
		t.Error("expected a distinct ID for different message bytes")
	}
}
