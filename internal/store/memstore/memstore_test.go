package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mailtide/jmap-api/internal/store"
)

func TestStateAdvancesPerWrite(t *testing.T) {
	ctx := context.Background()
	s := New()

	rec, err := s.Create(ctx, "user-1", store.KindMailbox, "m1", map[string]any{"name": "Inbox"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.ModSeq != 1 || rec.Created != 1 {
		t.Errorf("first create modseq/created = %d/%d, want 1/1", rec.ModSeq, rec.Created)
	}

	if _, err := s.Update(ctx, "user-1", store.KindMailbox, "m1", map[string]any{"name": "In"}, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	state, err := s.State(ctx, "user-1", store.KindMailbox)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state != 2 {
		t.Errorf("state = %d, want 2", state)
	}

	if err := s.Destroy(ctx, "user-1", store.KindMailbox, "m1"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	state, _ = s.State(ctx, "user-1", store.KindMailbox)
	if state != 3 {
		t.Errorf("state after destroy = %d, want 3", state)
	}

	rec, err = s.GetOne(ctx, "user-1", store.KindMailbox, "m1")
	if err != nil {
		t.Fatalf("GetOne after destroy failed: %v", err)
	}
	if rec.Active {
		t.Error("destroyed record should be inactive, not gone")
	}
}

func TestCountsOnlyUpdateTracksSeparately(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Create(ctx, "user-1", store.KindMailbox, "m1", map[string]any{"name": "Inbox"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	rec, err := s.Update(ctx, "user-1", store.KindMailbox, "m1", map[string]any{"totalEmails": 5.0}, true)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if rec.ModSeq != 1 {
		t.Errorf("ModSeq = %d, want unchanged 1", rec.ModSeq)
	}
	if rec.CountsModSeq != 2 {
		t.Errorf("CountsModSeq = %d, want 2", rec.CountsModSeq)
	}
	if rec.Changed() != 2 {
		t.Errorf("Changed() = %d, want 2", rec.Changed())
	}
}

func TestGetSinceFiltersByModSeq(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Create(ctx, "user-1", store.KindEmail, "e1", nil)
	s.Create(ctx, "user-1", store.KindEmail, "e2", nil)
	s.Update(ctx, "user-1", store.KindEmail, "e1", map[string]any{"subject": "hi"}, false)

	changed, err := s.GetSince(ctx, "user-1", store.KindEmail, 2)
	if err != nil {
		t.Fatalf("GetSince failed: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != "e1" {
		t.Errorf("GetSince(2) = %v, want just e1", changed)
	}
}

func TestRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Create(ctx, "user-1", store.KindMailbox, "m1", map[string]any{"name": "Inbox"})
	rec, _ := s.GetOne(ctx, "user-1", store.KindMailbox, "m1")
	rec.Properties["name"] = "mutated"

	again, _ := s.GetOne(ctx, "user-1", store.KindMailbox, "m1")
	if again.String("name") != "Inbox" {
		t.Error("mutating a returned record leaked into the store")
	}
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Create(ctx, "user-1", store.KindMailbox, "m1", map[string]any{"name": "Inbox"})

	if err := s.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	s.Create(ctx, "user-1", store.KindMailbox, "m2", map[string]any{"name": "Drafts"})
	if err := s.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if _, err := s.GetOne(ctx, "user-1", store.KindMailbox, "m2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("m2 should be gone after rollback, got err=%v", err)
	}
	if _, err := s.GetOne(ctx, "user-1", store.KindMailbox, "m1"); err != nil {
		t.Errorf("m1 should survive rollback, got err=%v", err)
	}

	state, _ := s.State(ctx, "user-1", store.KindMailbox)
	if state != 1 {
		t.Errorf("state = %d, want 1 after rollback", state)
	}
}

func TestSuperlockSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := New()

	release, err := s.BeginSuperlock(ctx, "user-1", store.KindEmail)
	if err != nil {
		t.Fatalf("BeginSuperlock failed: %v", err)
	}

	// A second writer for the same type must block until release.
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := s.BeginSuperlock(blocked, "user-1", store.KindEmail); err == nil {
		t.Fatal("second superlock acquisition should have blocked")
	}

	// A different type is independent.
	other, err := s.BeginSuperlock(ctx, "user-1", store.KindMailbox)
	if err != nil {
		t.Fatalf("superlock on a different kind should not block: %v", err)
	}
	other()

	release()
	release() // releasing twice is safe

	again, err := s.BeginSuperlock(ctx, "user-1", store.KindEmail)
	if err != nil {
		t.Fatalf("superlock after release failed: %v", err)
	}
	again()
}

func TestDefaultSearchMailScansEmailRows(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Create(ctx, "user-1", store.KindEmail, "e1", map[string]any{"subject": "Quarterly report"})
	s.Create(ctx, "user-1", store.KindEmail, "e2", map[string]any{"subject": "Lunch"})

	ids, err := s.SearchMail(ctx, "user-1", "subject", "report")
	if err != nil {
		t.Fatalf("SearchMail failed: %v", err)
	}
	if !ids["e1"] || ids["e2"] {
		t.Errorf("ids = %v, want only e1", ids)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.PutBlob("user-1", "b1", []byte("raw message"))
	data, err := s.GetBlob(ctx, "user-1", "b1")
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if string(data) != "raw message" {
		t.Errorf("blob = %q, want %q", data, "raw message")
	}

	if _, err := s.GetBlob(ctx, "user-1", "missing"); !errors.Is(err, store.ErrBlobNotFound) {
		t.Errorf("missing blob err = %v, want ErrBlobNotFound", err)
	}
}
