package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fixedNow(ms int64) func() int64 {
	return func() int64 { return ms }
}

func newTestDomains(t *testing.T) *Domains {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "domain-state.json"), fixedNow(1000))
}

func asRPCErr(t *testing.T, err error) *rpcerr.Error {
	t.Helper()
	rerr, ok := err.(*rpcerr.Error)
	if !ok {
		t.Fatalf("error %v is not *rpcerr.Error", err)
	}
	return rerr
}

func TestCreateTopicAndList(t *testing.T) {
	d := newTestDomains(t)

	if _, err := d.CreateTopic("t1", "Ops"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if _, err := d.CreateTopic("t2", "Relief"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	page, next, err := d.ListTopics("", 1)
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}

	if len(page) != 1 || page[0].ID != "t1" {
		t.Fatalf("page = %+v", page)
	}
	if next == "" {
		t.Fatal("expected a next cursor")
	}

	page2, next2, err := d.ListTopics(next, 1)
	if err != nil {
		t.Fatalf("ListTopics page2: %v", err)
	}
	if len(page2) != 1 || page2[0].ID != "t2" {
		t.Fatalf("page2 = %+v", page2)
	}
	if next2 != "" {
		t.Fatalf("expected no further cursor, got %q", next2)
	}
}

func TestListPastEndCursorIsInvalid(t *testing.T) {
	d := newTestDomains(t)

	if _, err := d.CreateTopic("t1", "Ops"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	_, _, err := d.ListTopics("topic:50", 10)
	if err == nil {
		t.Fatal("expected past-end cursor to be rejected")
	}
	if asRPCErr(t, err).Code != rpcerr.CodeInvalidCursor {
		t.Errorf("code = %s, want %s", asRPCErr(t, err).Code, rpcerr.CodeInvalidCursor)
	}
}

func TestCreateMarkerValidatesBounds(t *testing.T) {
	d := newTestDomains(t)

	if _, err := d.CreateMarker("m1", "", 95, 0, ""); err == nil {
		t.Fatal("expected out-of-range lat to be rejected")
	}

	if _, err := d.CreateMarker("m1", "", 0, -200, ""); err == nil {
		t.Fatal("expected out-of-range lon to be rejected")
	}
}

func TestCreateMarkerRequiresExistingTopic(t *testing.T) {
	d := newTestDomains(t)

	_, err := d.CreateMarker("m1", "missing-topic", 1, 2, "")
	if err == nil {
		t.Fatal("expected missing topic to be rejected")
	}
	if asRPCErr(t, err).Code != rpcerr.CodeNotFound {
		t.Errorf("code = %s, want %s", asRPCErr(t, err).Code, rpcerr.CodeNotFound)
	}
}

func TestMarkerRevisionMonotonicityAndConflict(t *testing.T) {
	d := newTestDomains(t)

	m, err := d.CreateMarker("m1", "", 1, 2, "first")
	if err != nil {
		t.Fatalf("CreateMarker: %v", err)
	}
	if m.Revision != 1 {
		t.Fatalf("initial revision = %d, want 1", m.Revision)
	}

	label := "second"
	m2, err := d.UpdateMarker("m1", 1, nil, nil, &label)
	if err != nil {
		t.Fatalf("UpdateMarker: %v", err)
	}
	if m2.Revision != 2 || m2.Label != "second" {
		t.Fatalf("m2 = %+v", m2)
	}

	_, err = d.UpdateMarker("m1", 1, nil, nil, &label)
	if err == nil {
		t.Fatal("expected stale expected_revision to be rejected")
	}

	rerr := asRPCErr(t, err)
	if rerr.Code != rpcerr.CodeConflict {
		t.Errorf("code = %s, want %s", rerr.Code, rpcerr.CodeConflict)
	}
	if rerr.Details["observed_revision"] != int64(2) {
		t.Errorf("details = %+v", rerr.Details)
	}
}

func TestDeleteMarkerRequiresCurrentRevision(t *testing.T) {
	d := newTestDomains(t)

	m, err := d.CreateMarker("m1", "", 1, 2, "")
	if err != nil {
		t.Fatalf("CreateMarker: %v", err)
	}

	if err := d.DeleteMarker("m1", m.Revision); err != nil {
		t.Fatalf("DeleteMarker: %v", err)
	}

	page, _, err := d.ListMarkers("", 10)
	if err != nil {
		t.Fatalf("ListMarkers: %v", err)
	}
	if len(page) != 1 || !page[0].Deleted {
		t.Fatalf("page = %+v", page)
	}
}

func TestIdentityImportAndActivate(t *testing.T) {
	d := newTestDomains(t)

	ident, err := d.ImportIdentity("id-1", "Alice", "pub-key")
	if err != nil {
		t.Fatalf("ImportIdentity: %v", err)
	}
	if ident.Active {
		t.Fatal("new identity should not be active")
	}

	activated, err := d.ActivateIdentity("id-1")
	if err != nil {
		t.Fatalf("ActivateIdentity: %v", err)
	}
	if !activated.Active {
		t.Fatal("expected identity to be active")
	}
}

func TestContactUpsertUpdatesExisting(t *testing.T) {
	d := newTestDomains(t)

	if _, err := d.UpsertContact("id-1", "Alice"); err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}

	c, err := d.UpsertContact("id-1", "Alice B.")
	if err != nil {
		t.Fatalf("UpsertContact (2nd): %v", err)
	}
	if c.DisplayName != "Alice B." {
		t.Fatalf("c = %+v", c)
	}

	page, _, err := d.ListContacts("", 10)
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected a single upserted contact, got %d", len(page))
	}
}

func TestVoiceSessionLifecycle(t *testing.T) {
	d := newTestDomains(t)

	v, err := d.OpenVoiceSession("v1", "peer-a")
	if err != nil {
		t.Fatalf("OpenVoiceSession: %v", err)
	}
	if v.State != "open" {
		t.Fatalf("state = %s, want open", v.State)
	}

	v, err = d.UpdateVoiceSessionState("v1", "ringing")
	if err != nil {
		t.Fatalf("UpdateVoiceSessionState: %v", err)
	}
	if v.State != "ringing" {
		t.Fatalf("state = %s, want ringing", v.State)
	}

	v, err = d.CloseVoiceSession("v1")
	if err != nil {
		t.Fatalf("CloseVoiceSession: %v", err)
	}
	if v.State != "closed" || v.ClosedAtMS == 0 {
		t.Fatalf("v = %+v", v)
	}

	if _, err := d.UpdateVoiceSessionState("v1", "ringing"); err == nil {
		t.Fatal("expected update on closed session to be rejected")
	}
}

func TestAttachmentUploadLifecycle(t *testing.T) {
	d := newTestDomains(t)

	payload := []byte("hello mesh world")
	sum := sha256Hex(payload)

	if _, err := d.StartUpload("u1", "a1", int64(len(payload)), sum, nil); err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	if _, err := d.AppendChunk("u1", 0, payload[:5]); err != nil {
		t.Fatalf("AppendChunk 1: %v", err)
	}
	if _, err := d.AppendChunk("u1", 5, payload[5:]); err != nil {
		t.Fatalf("AppendChunk 2: %v", err)
	}

	if _, err := d.AppendChunk("u1", 0, payload[:1]); err == nil {
		t.Fatal("expected out-of-order chunk offset to be rejected")
	}

	a, err := d.CommitUpload("u1")
	if err != nil {
		t.Fatalf("CommitUpload: %v", err)
	}
	if a.ID != "a1" || a.ChecksumSHA256 != sum || a.TotalSize != int64(len(payload)) {
		t.Fatalf("a = %+v", a)
	}

	if _, err := d.CommitUpload("u1"); err == nil {
		t.Fatal("expected committing twice to be rejected")
	}
}

func TestAttachmentUploadChecksumMismatch(t *testing.T) {
	d := newTestDomains(t)

	if _, err := d.StartUpload("u1", "a1", 5, "deadbeef", nil); err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	if _, err := d.AppendChunk("u1", 0, []byte("hello")); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	_, err := d.CommitUpload("u1")
	if err == nil {
		t.Fatal("expected checksum mismatch to be rejected")
	}
	if asRPCErr(t, err).Code != rpcerr.CodeChecksumMismatch {
		t.Errorf("code = %s, want %s", asRPCErr(t, err).Code, rpcerr.CodeChecksumMismatch)
	}
}

func TestSnapshotPersistsAcrossRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domain-state.json")

	d1 := New(path, fixedNow(1000))
	if _, err := d1.CreateTopic("t1", "Ops"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	d2 := New(path, fixedNow(2000))

	page, _, err := d2.ListTopics("", 10)
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if len(page) != 1 || page[0].ID != "t1" {
		t.Fatalf("restored page = %+v", page)
	}
}
