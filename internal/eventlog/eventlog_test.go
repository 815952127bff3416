package eventlog

import "testing"

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	l := New("rt-1", "stream-1", 10, 10, OverflowReject, OverflowReject, 0)

	e1 := l.Publish("sdk_send", nil)
	e2 := l.Publish("sdk_send", nil)

	if e1.SeqNo != 1 || e2.SeqNo != 2 {
		t.Fatalf("seq numbers = %d, %d, want 1, 2", e1.SeqNo, e2.SeqNo)
	}
}

func TestOverflowDropOldest(t *testing.T) {
	l := New("rt-1", "stream-1", 2, 2, OverflowReject, OverflowDropOldest, 0)

	l.Publish("a", nil)
	l.Publish("b", nil)
	l.Publish("c", nil)

	result, err := l.Poll(0, false, 10, 0, 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(result.Events) != 2 || result.Events[0].EventType != "b" || result.Events[1].EventType != "c" {
		t.Fatalf("events = %+v, want [b, c]", result.Events)
	}

	if result.DroppedCount != 1 {
		t.Errorf("DroppedCount = %d, want 1", result.DroppedCount)
	}
}

func TestOverflowReject(t *testing.T) {
	l := New("rt-1", "stream-1", 2, 2, OverflowReject, OverflowReject, 0)

	l.Publish("a", nil)
	l.Publish("b", nil)
	l.Publish("c", nil)

	result, err := l.Poll(0, false, 10, 0, 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(result.Events) != 2 || result.Events[0].EventType != "a" || result.Events[1].EventType != "b" {
		t.Fatalf("events = %+v, want [a, b]", result.Events)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	l := New("rt-1", "stream-1", 10, 10, OverflowReject, OverflowReject, 0)

	l.Publish("a", nil)
	l.Publish("b", nil)

	result, err := l.Poll(0, false, 10, 0, 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	seq, _, err := DecodeCursor(result.NextCursor, "rt-1", "stream-1")
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}

	if seq != 2 {
		t.Errorf("seq = %d, want 2", seq)
	}

	if _, _, err := DecodeCursor(result.NextCursor, "rt-2", "stream-1"); err == nil {
		t.Error("expected cursor for a different runtime to be rejected")
	}
}

func TestDecodeCursorEmptyMeansHead(t *testing.T) {
	seq, resetHead, err := DecodeCursor("", "rt-1", "stream-1")
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}

	if !resetHead || seq != 0 {
		t.Errorf("seq=%d resetHead=%v, want seq=0 resetHead=true", seq, resetHead)
	}
}

func TestStreamDegradesOnExpiredCursorThenResets(t *testing.T) {
	l := New("rt-1", "stream-1", 10, 1, OverflowReject, OverflowDropOldest, 0)

	l.Publish("a", nil)
	l.Publish("b", nil)
	l.Publish("c", nil) // evicts "a" and "b", oldest retained seq_no is now 3

	_, err := l.Poll(1, false, 10, 0, 0, 0, nil, nil)
	if !ErrCursorExpired(err) {
		t.Fatalf("err = %v, want cursor expired", err)
	}

	if !l.Degraded() {
		t.Fatal("expected stream to be marked degraded")
	}

	_, err = l.Poll(5, false, 10, 0, 0, 0, nil, nil)
	if !ErrStreamDegraded(err) {
		t.Fatalf("err = %v, want stream degraded", err)
	}

	result, err := l.Poll(0, true, 10, 0, 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("Poll with reset: %v", err)
	}

	if l.Degraded() {
		t.Error("expected degraded flag to clear after a null-cursor reset")
	}

	if len(result.Events) != 0 {
		t.Errorf("len(result.Events) = %d, want 0 (reset resumes from head)", len(result.Events))
	}
}

func TestPollEventTooLarge(t *testing.T) {
	l := New("rt-1", "stream-1", 10, 10, OverflowReject, OverflowReject, 0)

	l.Publish("a", map[string]interface{}{"big": "xxxxxxxxxxxxxxxxxxxxxxxxxx"})

	_, err := l.Poll(0, false, 10, 5, 1000, 0, func(Event) int { return 100 }, nil)
	if !ErrEventTooLarge(err) {
		t.Fatalf("err = %v, want event too large", err)
	}
}

func TestPollLegacyQueue(t *testing.T) {
	l := New("rt-1", "stream-1", 10, 10, OverflowReject, OverflowReject, 0)

	l.Publish("a", nil)
	l.Publish("b", nil)

	ev, ok := l.PopLegacy()
	if !ok || ev.EventType != "a" {
		t.Fatalf("PopLegacy = %+v, %v, want a, true", ev, ok)
	}

	ev, ok = l.PopLegacy()
	if !ok || ev.EventType != "b" {
		t.Fatalf("PopLegacy = %+v, %v, want b, true", ev, ok)
	}

	if _, ok := l.PopLegacy(); ok {
		t.Error("expected legacy queue to be empty")
	}
}

func TestRedact(t *testing.T) {
	cfg := RedactionConfig{Enabled: true, Mode: "redact"}

	out := Redact(map[string]interface{}{"token": "abc123", "safe": "value"}, cfg)

	if out["token"] != "[redacted]" {
		t.Errorf("token = %v, want [redacted]", out["token"])
	}

	if out["safe"] != "value" {
		t.Errorf("safe = %v, want unchanged", out["safe"])
	}
}

func TestRedactDisabledIsNoOp(t *testing.T) {
	payload := map[string]interface{}{"token": "abc123"}

	out := Redact(payload, RedactionConfig{Enabled: false})
	if out["token"] != "abc123" {
		t.Errorf("token = %v, want unchanged when redaction disabled", out["token"])
	}
}
