package configcas

import (
	"testing"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

func TestEffectiveCapabilitiesUnionsRequired(t *testing.T) {
	p, ok := Lookup(ProfileDesktopFull)
	if !ok {
		t.Fatal("expected desktop-full profile to exist")
	}

	eff := p.EffectiveCapabilities([]string{CapTopics})

	if !HasCapability(eff, CapTopics) {
		t.Error("expected requested+supported capability to be present")
	}

	if !HasCapability(eff, CapCursorReplay) {
		t.Error("expected required capability to be present even when not requested")
	}

	if HasCapability(eff, CapVoiceSignaling) {
		t.Error("expected unrequested, non-required capability to be absent")
	}
}

func TestEmbeddedAllocRejectsUnsupportedCapability(t *testing.T) {
	p, _ := Lookup(ProfileEmbeddedAlloc)

	if p.Allows(CapAsyncEvents) {
		t.Error("expected embedded-alloc to not support async-events capability")
	}
}

func TestNegotiateVersionPicksHighest(t *testing.T) {
	v, ok := NegotiateVersion([]int{1, 2, 3})
	if !ok || v != 2 {
		t.Fatalf("NegotiateVersion = %d, %v, want 2, true", v, ok)
	}

	_, ok = NegotiateVersion([]int{99})
	if ok {
		t.Error("expected no overlap to fail negotiation")
	}
}

func TestCapabilityForMethod(t *testing.T) {
	cap, ok := CapabilityForMethod("sdk_topic_create")
	if !ok || cap != CapTopics {
		t.Errorf("CapabilityForMethod = %q, %v, want %q, true", cap, ok, CapTopics)
	}

	_, ok = CapabilityForMethod("sdk_negotiate_v2")
	if ok {
		t.Error("expected negotiate to have no gating capability")
	}
}

func TestValidateRejectsMTLSOnEmbeddedAlloc(t *testing.T) {
	cfg := RuntimeConfig{Profile: ProfileEmbeddedAlloc, BindMode: "local_only", AuthMode: "mtls"}

	if err := Validate(cfg); err == nil {
		t.Fatal("expected embedded-alloc + mtls to be rejected")
	}
}

func TestValidateRequiresRedactionWhenSinkEnabled(t *testing.T) {
	cfg := RuntimeConfig{
		Profile:  ProfileDesktopFull,
		BindMode: "local_only",
		AuthMode: "local_trusted",
		EventSink: map[string]interface{}{
			"enabled":         true,
			"max_event_bytes": 1024,
			"allow_kinds":     []interface{}{"webhook"},
		},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected missing redaction to be rejected")
	}

	rerr, ok := err.(*rpcerr.Error)
	if !ok || rerr.Code != rpcerr.CodeRedactionRequired {
		t.Errorf("error = %v, want code %s", err, rpcerr.CodeRedactionRequired)
	}
}

func TestPatchCASRevisionMismatch(t *testing.T) {
	s := NewStore(RuntimeConfig{Profile: ProfileDesktopFull, BindMode: "local_only", AuthMode: "local_trusted"})

	_, _, err := s.Patch(1, map[string]interface{}{"idempotency_ttl_ms": 5000}, nil)
	if err == nil {
		t.Fatal("expected revision mismatch to be rejected")
	}

	rerr, ok := err.(*rpcerr.Error)
	if !ok || rerr.Code != rpcerr.CodeConfigConflict {
		t.Errorf("error = %v, want code %s", err, rpcerr.CodeConfigConflict)
	}
}

func TestPatchRejectsUnknownKey(t *testing.T) {
	s := NewStore(RuntimeConfig{Profile: ProfileDesktopFull, BindMode: "local_only", AuthMode: "local_trusted"})

	_, _, err := s.Patch(0, map[string]interface{}{"not_a_real_key": true}, nil)
	if err == nil {
		t.Fatal("expected unknown patch key to be rejected")
	}

	rerr, ok := err.(*rpcerr.Error)
	if !ok || rerr.Code != rpcerr.CodeConfigUnknownKey {
		t.Errorf("error = %v, want code %s", err, rpcerr.CodeConfigUnknownKey)
	}
}

func TestPatchCommitsAndIncrementsRevision(t *testing.T) {
	s := NewStore(RuntimeConfig{Profile: ProfileDesktopFull, BindMode: "local_only", AuthMode: "local_trusted"})

	var gotRevision int64
	var gotPatch map[string]interface{}

	cfg, rev, err := s.Patch(0, map[string]interface{}{"idempotency_ttl_ms": int64(9000)}, func(revision int64, patch map[string]interface{}) {
		gotRevision = revision
		gotPatch = patch
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if rev != 1 {
		t.Errorf("rev = %d, want 1", rev)
	}

	if cfg.IdempotencyTTLMS != 9000 {
		t.Errorf("IdempotencyTTLMS = %d, want 9000", cfg.IdempotencyTTLMS)
	}

	if gotRevision != 1 || gotPatch["idempotency_ttl_ms"] != int64(9000) {
		t.Errorf("onCommit called with revision=%d patch=%v", gotRevision, gotPatch)
	}

	_, _, err = s.Patch(0, map[string]interface{}{"idempotency_ttl_ms": int64(1000)}, nil)
	if err == nil {
		t.Fatal("expected stale expected_revision to now be rejected")
	}
}
