package peers

import (
	"encoding/hex"
	"testing"

	"github.com/styrene-lab/styrene-meshd/internal/store"
)

func TestAcceptAnnounceUpsertsPeerAndNormalizesCapabilities(t *testing.T) {
	s := store.NewMemory()
	r := New(s)

	ann, err := r.AcceptAnnounceWithMetadata(AnnounceInput{
		Peer:         "peer-1",
		Name:         "Node One",
		Capabilities: []string{" Topics ", "TOPICS", "markers", ""},
	})
	if err != nil {
		t.Fatalf("AcceptAnnounceWithMetadata: %v", err)
	}

	if len(ann.Capabilities) != 2 || ann.Capabilities[0] != "topics" || ann.Capabilities[1] != "markers" {
		t.Errorf("Capabilities = %v, want [topics markers]", ann.Capabilities)
	}

	if ann.SeenCount != 1 {
		t.Errorf("SeenCount = %d, want 1", ann.SeenCount)
	}

	ann2, err := r.AcceptAnnounceWithMetadata(AnnounceInput{Peer: "peer-1", Name: "Node One"})
	if err != nil {
		t.Fatalf("AcceptAnnounceWithMetadata (2nd): %v", err)
	}

	if ann2.SeenCount != 2 {
		t.Errorf("SeenCount on 2nd announce = %d, want 2", ann2.SeenCount)
	}

	if ann2.FirstSeenMS != ann.FirstSeenMS {
		t.Errorf("FirstSeenMS changed across announces: %d != %d", ann2.FirstSeenMS, ann.FirstSeenMS)
	}
}

func TestAcceptAnnounceParsesAppDataHex(t *testing.T) {
	s := store.NewMemory()
	r := New(s)

	payload := hex.EncodeToString([]byte("capabilities=propagation,topics;stamp_cost_flexibility=1.5;peering_cost=2.25"))

	ann, err := r.AcceptAnnounceWithMetadata(AnnounceInput{Peer: "peer-2", AppDataHex: payload})
	if err != nil {
		t.Fatalf("AcceptAnnounceWithMetadata: %v", err)
	}

	if len(ann.Capabilities) != 2 || ann.Capabilities[0] != "propagation" {
		t.Errorf("Capabilities = %v", ann.Capabilities)
	}

	if ann.StampCostFlexibility == nil || *ann.StampCostFlexibility != 1.5 {
		t.Errorf("StampCostFlexibility = %v, want 1.5", ann.StampCostFlexibility)
	}

	if ann.PeeringCost == nil || *ann.PeeringCost != 2.25 {
		t.Errorf("PeeringCost = %v, want 2.25", ann.PeeringCost)
	}
}

func TestPropagationCapablePeers(t *testing.T) {
	s := store.NewMemory()
	r := New(s)

	if _, err := r.AcceptAnnounceWithMetadata(AnnounceInput{Peer: "p1", Capabilities: []string{"propagation"}}); err != nil {
		t.Fatalf("AcceptAnnounceWithMetadata: %v", err)
	}

	if _, err := r.AcceptAnnounceWithMetadata(AnnounceInput{Peer: "p2", Capabilities: []string{"topics"}}); err != nil {
		t.Fatalf("AcceptAnnounceWithMetadata: %v", err)
	}

	peers, err := r.PropagationCapablePeers(10)
	if err != nil {
		t.Fatalf("PropagationCapablePeers: %v", err)
	}

	if len(peers) != 1 || peers[0] != "p1" {
		t.Errorf("peers = %v, want [p1]", peers)
	}
}

func TestAcceptAnnounceRejectsMissingPeer(t *testing.T) {
	r := New(store.NewMemory())

	if _, err := r.AcceptAnnounceWithMetadata(AnnounceInput{}); err == nil {
		t.Fatal("expected missing peer to be rejected")
	}
}
