package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loadzone/loadzone/internal/clock"
	"github.com/loadzone/loadzone/internal/models"
)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := New(filepath.Join(t.TempDir(), "test.db"), WithClock(clk))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func mustCreate(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, err := s.CreateResource(context.Background(), id, nil, "", ""); err != nil {
		t.Fatalf("CreateResource(%s) failed: %v", id, err)
	}
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestResourceCRUD(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "node-1")

	if _, err := s.CreateResource(ctx, "node-1", nil, "", ""); !errors.Is(err, ErrResourceExists) {
		t.Errorf("duplicate create: expected ErrResourceExists, got %v", err)
	}

	got, err := s.GetResource(ctx, "node-1")
	if err != nil {
		t.Fatalf("GetResource failed: %v", err)
	}
	if got.Leased() {
		t.Error("new resource should be free")
	}
	if got.ExpiresAt != "" {
		t.Errorf("free resource has expiry %q", got.ExpiresAt)
	}

	if _, err := s.GetResource(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	mustCreate(t, s, "node-2")
	all, err := s.ListResources(ctx)
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 resources, got %d", len(all))
	}
}

func TestBookSetsOwnerAndExpiryTogether(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "node-1")

	res, err := s.Book(ctx, "node-1", "a@example.com", 2)
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if res.BookedBy != "a@example.com" {
		t.Errorf("owner = %q, want a@example.com", res.BookedBy)
	}
	expiry, ok := res.Expiry()
	if !ok {
		t.Fatalf("expiry %q did not parse", res.ExpiresAt)
	}
	if want := clk.Now().Add(2 * time.Hour); !expiry.Equal(want) {
		t.Errorf("expiry = %v, want %v", expiry, want)
	}

	// owner != "" <=> expiry != "" after every operation
	if res.Leased() != (res.ExpiresAt != "") {
		t.Error("owner/expiry invariant violated after Book")
	}

	if _, err := s.Book(ctx, "node-1", "b@example.com", 1); !errors.Is(err, ErrAlreadyLeased) {
		t.Errorf("second book: expected ErrAlreadyLeased, got %v", err)
	}
	if _, err := s.Book(ctx, "missing", "a@example.com", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("book missing: expected ErrNotFound, got %v", err)
	}
}

func TestRenewIsAdditiveOnStoredExpiry(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "node-1")

	booked, err := s.Book(ctx, "node-1", "a@example.com", 1)
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	bookedExpiry, _ := booked.Expiry()

	// Let wall time drift; the renewed expiry must extend the stored
	// window, not restart from now.
	clk.Advance(30 * time.Minute)

	renewed, err := s.Renew(ctx, "node-1", "a@example.com", 1)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	renewedExpiry, _ := renewed.Expiry()
	if want := bookedExpiry.Add(time.Hour); !renewedExpiry.Equal(want) {
		t.Errorf("renewed expiry = %v, want %v", renewedExpiry, want)
	}

	if _, err := s.Renew(ctx, "node-1", "b@example.com", 1); !errors.Is(err, ErrNotOwner) {
		t.Errorf("renew by non-owner: expected ErrNotOwner, got %v", err)
	}
}

func TestCancelClearsLease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "node-1")

	if _, err := s.Book(ctx, "node-1", "a@example.com", 1); err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if err := s.Cancel(ctx, "node-1", "b@example.com"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("cancel by non-owner: expected ErrNotOwner, got %v", err)
	}
	if err := s.Cancel(ctx, "node-1", "a@example.com"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := s.GetResource(ctx, "node-1")
	if got.Leased() || got.ExpiresAt != "" {
		t.Errorf("lease not cleared: owner=%q expiry=%q", got.BookedBy, got.ExpiresAt)
	}
}

func TestReleaseClearsLeaseAndPopsWaitlist(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "node-1")

	if err := s.EnsureRequester(ctx, "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Book(ctx, "node-1", "a@example.com", 1); err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	for _, waiter := range []string{"b@example.com", "c@example.com"} {
		if _, err := s.Join(ctx, "node-1", waiter); err != nil {
			t.Fatalf("Join(%s) failed: %v", waiter, err)
		}
	}

	result, err := s.Release(ctx, "node-1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !result.Released {
		t.Fatal("Release reported no-op on existing resource")
	}
	if result.Owner != "a@example.com" {
		t.Errorf("released owner = %q, want a@example.com", result.Owner)
	}
	if result.Next != "b@example.com" {
		t.Errorf("popped entry = %q, want b@example.com", result.Next)
	}

	got, _ := s.GetResource(ctx, "node-1")
	if got.Leased() || got.ExpiresAt != "" {
		t.Error("lease not cleared by Release")
	}
	if len(got.Queue) != 1 || got.Queue[0] != "c@example.com" {
		t.Errorf("queue after release = %v, want [c@example.com]", got.Queue)
	}

	// Vanished resource: no-op, no error.
	gone, err := s.Release(ctx, "missing")
	if err != nil {
		t.Fatalf("Release on missing resource errored: %v", err)
	}
	if gone.Released {
		t.Error("Release on missing resource reported success")
	}
}

func TestDeleteRecordsOwnerAndPurges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "node-1")

	if _, err := s.Book(ctx, "node-1", "a@example.com", 1); err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if _, err := s.Join(ctx, "node-1", "b@example.com"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	owner, err := s.Delete(ctx, "node-1")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if owner != "a@example.com" {
		t.Errorf("deleted owner = %q, want a@example.com", owner)
	}
	if _, err := s.GetResource(ctx, "node-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("resource still present after delete: %v", err)
	}
	queue, err := s.Queue(ctx, "node-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 0 {
		t.Errorf("waitlist not purged: %v", queue)
	}

	records, err := s.HistoryFor(ctx, "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	var sawDeleted bool
	for _, rec := range records {
		if rec.Action == models.ActionDeleted && rec.ResourceID == "node-1" {
			sawDeleted = true
		}
	}
	if !sawDeleted {
		t.Error("no deleted history record for prior owner")
	}
}

func TestConcurrentBookExactlyOneWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "node-1")

	errs := make(chan error, 2)
	for _, email := range []string{"a@example.com", "b@example.com"} {
		go func(email string) {
			_, err := s.Book(ctx, "node-1", email, 1)
			errs <- err
		}(email)
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyLeased):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Errorf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}
}

func TestHistoryRewriteIsAtomicReplacement(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	now := clk.Now()
	for i := 0; i < 3; i++ {
		if err := s.AppendHistory(ctx, "a@example.com", "", now, "", models.ActionLogin); err != nil {
			t.Fatal(err)
		}
	}
	records, err := s.AllHistory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	if err := s.RewriteHistory(ctx, records[:1]); err != nil {
		t.Fatalf("RewriteHistory failed: %v", err)
	}
	after, _ := s.AllHistory(ctx)
	if len(after) != 1 {
		t.Errorf("expected 1 surviving record, got %d", len(after))
	}
	if after[0].ID != records[0].ID {
		t.Error("survivor identity changed across rewrite")
	}
}

func TestEnsureRequesterIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.EnsureRequester(ctx, "a@example.com"); err != nil {
			t.Fatalf("EnsureRequester failed: %v", err)
		}
	}
	exists, err := s.RequesterExists(ctx, "a@example.com")
	if err != nil || !exists {
		t.Errorf("exists=%v err=%v, want true, nil", exists, err)
	}
	exists, _ = s.RequesterExists(ctx, "nobody@example.com")
	if exists {
		t.Error("unknown requester reported as existing")
	}
}

func TestGroups(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "node-1")
	mustCreate(t, s, "node-2")

	group, err := s.CreateGroup(ctx, "lab", []string{"node-1", "missing"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if len(group.ResourceIDs) != 1 || group.ResourceIDs[0] != "node-1" {
		t.Errorf("attached = %v, want [node-1]", group.ResourceIDs)
	}
	if _, err := s.CreateGroup(ctx, "LAB", nil); !errors.Is(err, ErrGroupExists) {
		t.Errorf("case-insensitive duplicate: expected ErrGroupExists, got %v", err)
	}

	if err := s.AssignToGroup(ctx, group.ID, "node-2"); err != nil {
		t.Fatalf("AssignToGroup failed: %v", err)
	}
	groups, _ := s.ListGroups(ctx)
	if len(groups) != 1 || len(groups[0].ResourceIDs) != 2 {
		t.Errorf("groups = %+v, want one group with two members", groups)
	}

	if err := s.DeleteGroup(ctx, group.ID); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	// Resources survive group deletion, detached.
	res, err := s.GetResource(ctx, "node-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.GroupID != nil {
		t.Error("resource still attached to deleted group")
	}
}
