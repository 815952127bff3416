package messages

import (
	"testing"

	"github.com/styrene-lab/styrene-meshd/internal/store"
)

func TestSendAssignsIDAndPersists(t *testing.T) {
	s := store.NewMemory()
	svc := New(s, nil)

	id, err := svc.Send(SendRequest{Source: "alice", Destination: "bob", Content: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if id == "" {
		t.Fatal("expected a generated message id")
	}

	msg, found, err := s.GetMessage(id)
	if err != nil || !found {
		t.Fatalf("GetMessage: found=%v err=%v", found, err)
	}

	if msg.Direction != "out" {
		t.Errorf("Direction = %q, want out", msg.Direction)
	}
}

func TestSendRejectsMissingDestination(t *testing.T) {
	svc := New(store.NewMemory(), nil)

	if _, err := svc.Send(SendRequest{Content: "hi"}); err == nil {
		t.Fatal("expected missing destination to be rejected")
	}
}

func TestRecordReceiptUnknownMessage(t *testing.T) {
	svc := New(store.NewMemory(), nil)

	result, err := svc.RecordReceipt("missing", "delivered")
	if err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	if result.Updated || result.Status != "delivered" {
		t.Errorf("result = %+v, want {false, delivered}", result)
	}
}

func TestRecordReceiptTerminalSticks(t *testing.T) {
	s := store.NewMemory()
	svc := New(s, nil)

	id, _ := svc.Send(SendRequest{Destination: "bob", Content: "hi"})

	if _, err := svc.RecordReceipt(id, "delivered"); err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	result, err := svc.RecordReceipt(id, "failed: timeout")
	if err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	if result.Updated || result.Status != "delivered" {
		t.Errorf("result = %+v, want {false, delivered} (terminal status sticks)", result)
	}

	trace := svc.Trace(id)
	if len(trace) != 1 {
		t.Fatalf("len(trace) = %d, want 1 (no entry for dropped transition)", len(trace))
	}
}

func TestRecordReceiptPublishesEvent(t *testing.T) {
	s := store.NewMemory()
	svc := New(s, nil)

	var published map[string]interface{}
	svc.PublishEvent = func(eventType string, payload map[string]interface{}) { published = payload }

	id, _ := svc.Send(SendRequest{Destination: "bob", Content: "hi"})

	if _, err := svc.RecordReceipt(id, "delivered"); err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	if published["message_id"] != id || published["status"] != "delivered" {
		t.Errorf("published = %+v", published)
	}
}

func TestCancelTriState(t *testing.T) {
	s := store.NewMemory()
	svc := New(s, nil)

	outcome, err := svc.Cancel("missing")
	if err != nil || outcome != CancelNotFound {
		t.Fatalf("Cancel(missing) = %v, %v, want NotFound", outcome, err)
	}

	id, _ := svc.Send(SendRequest{Destination: "bob", Content: "hi"})

	outcome, err = svc.Cancel(id)
	if err != nil || outcome != CancelAccepted {
		t.Fatalf("Cancel(queued) = %v, %v, want Accepted", outcome, err)
	}

	outcome, err = svc.Cancel(id)
	if err != nil || outcome != CancelAlreadyTerminal {
		t.Fatalf("Cancel(cancelled) = %v, %v, want AlreadyTerminal", outcome, err)
	}
}

func TestCancelTooLateAfterSent(t *testing.T) {
	s := store.NewMemory()
	svc := New(s, nil)

	id, _ := svc.Send(SendRequest{Destination: "bob", Content: "hi"})

	if _, err := svc.RecordReceipt(id, "sent: direct"); err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	outcome, err := svc.Cancel(id)
	if err != nil || outcome != CancelTooLate {
		t.Fatalf("Cancel(sent) = %v, %v, want TooLateToCancel", outcome, err)
	}
}
