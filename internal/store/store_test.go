package store

import (
	"path/filepath"
	"testing"
)

func implementations(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}

	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"bolt":   bolt,
		"memory": NewMemory(),
	}
}

func TestInsertAndGetMessage(t *testing.T) {
	for name, s := range implementations(t) {
		name, s := name, s

		t.Run(name, func(t *testing.T) {
			msg := &Message{ID: "m1", Source: "alice", Destination: "bob", Content: "hi", TimestampMS: 1000}

			if err := s.InsertMessage(msg); err != nil {
				t.Fatalf("InsertMessage: %v", err)
			}

			got, ok, err := s.GetMessage("m1")
			if err != nil {
				t.Fatalf("GetMessage: %v", err)
			}

			if !ok {
				t.Fatalf("expected message to be found")
			}

			if got.Content != "hi" {
				t.Errorf("Content = %q, want %q", got.Content, "hi")
			}

			if _, ok, err := s.GetMessage("missing"); err != nil || ok {
				t.Errorf("GetMessage(missing) = (_, %v, %v), want (_, false, nil)", ok, err)
			}
		})
	}
}

func TestListMessagesOrderAndLimit(t *testing.T) {
	for name, s := range implementations(t) {
		name, s := name, s

		t.Run(name, func(t *testing.T) {
			for i, ts := range []int64{100, 300, 200} {
				m := &Message{ID: string(rune('a' + i)), TimestampMS: ts}
				if err := s.InsertMessage(m); err != nil {
					t.Fatalf("InsertMessage: %v", err)
				}
			}

			all, err := s.ListMessages(0, 0)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}

			if len(all) != 3 {
				t.Fatalf("len(all) = %d, want 3", len(all))
			}

			for i := 1; i < len(all); i++ {
				if all[i-1].TimestampMS < all[i].TimestampMS {
					t.Fatalf("messages not in descending timestamp order: %+v", all)
				}
			}

			limited, err := s.ListMessages(2, 0)
			if err != nil {
				t.Fatalf("ListMessages with limit: %v", err)
			}

			if len(limited) != 2 {
				t.Fatalf("len(limited) = %d, want 2", len(limited))
			}
		})
	}
}

func TestUpdateReceiptStatusUnknownMessage(t *testing.T) {
	for name, s := range implementations(t) {
		name, s := name, s

		t.Run(name, func(t *testing.T) {
			if err := s.UpdateReceiptStatus("nope", "delivered"); err == nil {
				t.Fatalf("expected error updating receipt status for unknown message")
			}
		})
	}
}

func TestCountMessageBuckets(t *testing.T) {
	for name, s := range implementations(t) {
		name, s := name, s

		t.Run(name, func(t *testing.T) {
			msgs := []*Message{
				{ID: "m1", ReceiptStatus: ""},
				{ID: "m2", ReceiptStatus: "delivered"},
				{ID: "m3", ReceiptStatus: "failed_no_route"},
				{ID: "m4", ReceiptStatus: "cancelled"},
				{ID: "m5", ReceiptStatus: "queued"},
			}

			for _, m := range msgs {
				if err := s.InsertMessage(m); err != nil {
					t.Fatalf("InsertMessage: %v", err)
				}
			}

			counts, err := s.CountMessageBuckets()
			if err != nil {
				t.Fatalf("CountMessageBuckets: %v", err)
			}

			want := map[string]int{"unsent": 1, "delivered": 1, "failed": 1, "terminal_other": 1, "pending": 1}

			for k, v := range want {
				if counts[k] != v {
					t.Errorf("counts[%q] = %d, want %d", k, counts[k], v)
				}
			}
		})
	}
}

func TestListAnnouncesOrderAndCursor(t *testing.T) {
	for name, s := range implementations(t) {
		name, s := name, s

		t.Run(name, func(t *testing.T) {
			entries := []Announce{
				{ID: "p1", Peer: "peer-1", TimestampMS: 100},
				{ID: "p2", Peer: "peer-2", TimestampMS: 300},
				{ID: "p3", Peer: "peer-3", TimestampMS: 300},
				{ID: "p4", Peer: "peer-4", TimestampMS: 200},
			}

			for i := range entries {
				if err := s.InsertAnnounce(&entries[i]); err != nil {
					t.Fatalf("InsertAnnounce: %v", err)
				}
			}

			all, err := s.ListAnnounces(0, 0, "")
			if err != nil {
				t.Fatalf("ListAnnounces: %v", err)
			}

			if len(all) != 4 {
				t.Fatalf("len(all) = %d, want 4", len(all))
			}

			if all[0].TimestampMS != 300 || all[0].ID != "p3" {
				t.Errorf("first entry = %+v, want ts=300 id=p3 (timestamp desc, id desc tiebreak)", all[0])
			}

			page, err := s.ListAnnounces(2, all[1].TimestampMS, all[1].ID)
			if err != nil {
				t.Fatalf("ListAnnounces with cursor: %v", err)
			}

			for _, a := range page {
				if a.ID == all[0].ID || a.ID == all[1].ID {
					t.Errorf("cursor page leaked already-seen announce %q", a.ID)
				}
			}
		})
	}
}
