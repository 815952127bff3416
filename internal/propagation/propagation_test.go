package propagation

import "testing"

func TestIngestComputesIDWhenMissing(t *testing.T) {
	e := New(nil)

	id, err := e.Ingest("deadbeef", "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if id == "" {
		t.Fatal("expected a computed transient id")
	}

	payload, ok := e.Fetch(id)
	if !ok || payload != "deadbeef" {
		t.Errorf("Fetch = %q, %v, want deadbeef, true", payload, ok)
	}

	status := e.Status()
	if status.TotalIngested != 1 || status.LastIngestCount != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestIngestUsesProvidedTransientID(t *testing.T) {
	e := New(nil)

	id, err := e.Ingest("cafebabe", "my-id")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if id != "my-id" {
		t.Errorf("id = %q, want my-id", id)
	}
}

func TestIngestRejectsInvalidHex(t *testing.T) {
	e := New(nil)

	if _, err := e.Ingest("not-hex!!", ""); err == nil {
		t.Fatal("expected invalid hex payload to be rejected")
	}
}

func TestListPropagationNodesDelegates(t *testing.T) {
	e := New(func(lookback int) ([]string, error) { return []string{"peer-a"}, nil })

	nodes, err := e.ListPropagationNodes(5)
	if err != nil {
		t.Fatalf("ListPropagationNodes: %v", err)
	}

	if len(nodes) != 1 || nodes[0] != "peer-a" {
		t.Errorf("nodes = %v", nodes)
	}
}

func TestEnableUpdatesStatus(t *testing.T) {
	e := New(nil)

	cost := 1.5
	e.Enable(true, "/var/mesh/store", &cost)

	status := e.Status()
	if !status.Enabled || status.StoreRoot != "/var/mesh/store" || status.TargetCost == nil || *status.TargetCost != 1.5 {
		t.Errorf("status = %+v", status)
	}
}
