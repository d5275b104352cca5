package idempotency

import (
	"path/filepath"
	"testing"
	"time"
)

func TestIsDuplicate_RejectedWithinTTLAfterMark(t *testing.T) {
	tr := New(5*time.Minute, "")
	start := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)

	if tr.IsDuplicate("abc123", start) {
		t.Fatalf("unseen id should not be a duplicate")
	}
	tr.MarkSubmitted("abc123", start)
	if !tr.IsDuplicate("abc123", start.Add(time.Minute)) {
		t.Fatalf("duplicate within TTL should be rejected")
	}
}

func TestIsDuplicate_AllowedAfterTTLExpires(t *testing.T) {
	tr := New(5*time.Minute, "")
	start := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)

	tr.MarkSubmitted("abc123", start)
	if tr.IsDuplicate("abc123", start.Add(6*time.Minute)) {
		t.Fatalf("resubmission after TTL elapses should not be a duplicate")
	}
}

func TestMarkSubmitted_OnlyRecordedOnceBrokerAccepts(t *testing.T) {
	tr := New(5*time.Minute, "")
	start := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)

	// A rejected or failed submission must never mark the id, or a
	// legitimate retry would be silently dropped for the rest of the TTL.
	if tr.IsDuplicate("xyz", start) {
		t.Fatalf("unseen id should not be a duplicate")
	}
	if tr.IsDuplicate("xyz", start.Add(time.Second)) {
		t.Fatalf("id should remain unseen until MarkSubmitted is called")
	}
	tr.MarkSubmitted("xyz", start.Add(time.Second))
	if !tr.IsDuplicate("xyz", start.Add(2*time.Second)) {
		t.Fatalf("id should be a duplicate once marked")
	}
}

func TestPurge_DropsExpiredEntries(t *testing.T) {
	tr := New(time.Minute, "")
	start := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)
	tr.MarkSubmitted("a", start)
	tr.MarkSubmitted("b", start.Add(30*time.Second))
	if got := tr.Len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	tr.IsDuplicate("c", start.Add(75*time.Second))
	if got := tr.Len(); got != 1 {
		t.Fatalf("expected stale entries purged, len = %d, want 1", got)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idempotency.tsv")

	tr := New(10*time.Minute, path)
	start := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)
	tr.MarkSubmitted("order-1", start)
	tr.MarkSubmitted("order-2", start.Add(time.Minute))

	if err := tr.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := New(10*time.Minute, path)
	if err := restored.Load(start.Add(2 * time.Minute)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !restored.IsDuplicate("order-1", start.Add(2*time.Minute)) {
		t.Fatalf("order-1 should still be a duplicate after restore")
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	tr := New(time.Minute, "/nonexistent/path/does-not-exist.tsv")
	if err := tr.Load(time.Now().UTC()); err != nil {
		t.Fatalf("missing persistence file should not error: %v", err)
	}
}
