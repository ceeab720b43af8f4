package approval

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"cumulus/app/core/storage/db"
)

func newTestStore(t *testing.T) (*Store, *MemoryBroadcaster) {
	t.Helper()
	database, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("init sqlite failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	broadcaster := NewMemoryBroadcaster()
	return NewStore(database, broadcaster), broadcaster
}

func pendingRecord(id, userID string) Record {
	return Record{
		ID:         id,
		UserID:     userID,
		ToolName:   "delete_file",
		Args:       json.RawMessage(`{"target":"/docs/old.txt"}`),
		Reason:     "delete old.txt",
		TTLSeconds: 300,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := pendingRecord("ap-1", "u-1")
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := store.Get(ctx, "ap-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != rec.ID || got.UserID != rec.UserID || got.ToolName != rec.ToolName {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", got.Status)
	}
	if got.CreatedAt == 0 {
		t.Fatal("expected server-assigned created_at")
	}
	if string(got.Args) != string(rec.Args) {
		t.Fatalf("unexpected args: %s", got.Args)
	}
}

func TestPutIdempotentRetry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, pendingRecord("ap-1", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	retry := pendingRecord("ap-1", "u-1")
	retry.Reason = "changed on retry"
	if err := store.Put(ctx, retry); err != nil {
		t.Fatalf("retry put failed: %v", err)
	}

	got, err := store.Get(ctx, "ap-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Reason != "delete old.txt" {
		t.Fatalf("retry overwrote the record: %s", got.Reason)
	}
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPendingIsolation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, pendingRecord("ap-1", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, pendingRecord("ap-2", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, pendingRecord("ap-other", "u-2")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := store.Resolve(ctx, "ap-2", "u-1", false, nil); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	records, err := store.ListPending(ctx, "u-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 pending record, got %d", len(records))
	}
	if records[0].ID != "ap-1" {
		t.Fatalf("unexpected record: %s", records[0].ID)
	}
	for _, rec := range records {
		if rec.UserID != "u-1" {
			t.Fatalf("leaked another user's record: %+v", rec)
		}
		if rec.Status != StatusPending {
			t.Fatalf("non-pending record listed: %+v", rec)
		}
	}
}

func TestResolveOnceOnly(t *testing.T) {
	store, broadcaster := newTestStore(t)
	ctx := context.Background()

	broadcasts := 0
	cancel := broadcaster.Subscribe(func(Resolution) { broadcasts++ })
	defer cancel()

	if err := store.Put(ctx, pendingRecord("ap-1", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	rec, err := store.Resolve(ctx, "ap-1", "u-1", true, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rec.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", rec.Status)
	}
	if rec.ResolvedAt == 0 {
		t.Fatal("expected resolved_at to be stamped")
	}

	if _, err := store.Resolve(ctx, "ap-1", "u-1", false, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second resolve, got %v", err)
	}
	if broadcasts != 1 {
		t.Fatalf("expected exactly 1 broadcast, got %d", broadcasts)
	}
}

func TestResolveWrongUser(t *testing.T) {
	store, broadcaster := newTestStore(t)
	ctx := context.Background()

	broadcasts := 0
	cancel := broadcaster.Subscribe(func(Resolution) { broadcasts++ })
	defer cancel()

	if err := store.Put(ctx, pendingRecord("ap-1", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := store.Resolve(ctx, "ap-1", "intruder", true, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for non-owner, got %v", err)
	}
	if broadcasts != 0 {
		t.Fatalf("unauthorized resolve broadcast %d times", broadcasts)
	}

	got, err := store.Get(ctx, "ap-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("record mutated by unauthorized resolve: %s", got.Status)
	}
}

func TestResolveExpiredFailsClosed(t *testing.T) {
	store, broadcaster := newTestStore(t)
	ctx := context.Background()

	var published []Resolution
	cancel := broadcaster.Subscribe(func(res Resolution) { published = append(published, res) })
	defer cancel()

	if err := store.Put(ctx, pendingRecord("ap-1", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// Advance the store clock past the TTL; the row-level expires_at filter is
	// bypassed because Resolve reads without it.
	store.now = func() time.Time { return time.Now().Add(301 * time.Second) }

	rec, err := store.Resolve(ctx, "ap-1", "u-1", true, nil)
	if err != nil {
		t.Fatalf("resolve on expired record should not error: %v", err)
	}
	if rec.Status != StatusExpired {
		t.Fatalf("expected expired status, got %s", rec.Status)
	}
	if len(published) != 1 || published[0].Approved {
		t.Fatalf("expected exactly one rejection broadcast, got %+v", published)
	}
}

func TestResolveKeepsOriginalDeadline(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, pendingRecord("ap-1", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := store.Resolve(ctx, "ap-1", "u-1", true, nil); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	// Past the original TTL a resolved-but-unconsumed record is gone.
	store.now = func() time.Time { return time.Now().Add(301 * time.Second) }
	if _, err := store.Get(ctx, "ap-1"); err != ErrNotFound {
		t.Fatalf("resolved record outlived its deadline: %v", err)
	}
}

func TestConsume(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, pendingRecord("ap-1", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	modified := json.RawMessage(`{"target":"/docs/renamed.txt"}`)
	if _, err := store.Resolve(ctx, "ap-1", "u-1", true, modified); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	rec, err := store.Consume(ctx, "ap-1")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if string(rec.ModifiedArgs) != string(modified) {
		t.Fatalf("unexpected modified args: %s", rec.ModifiedArgs)
	}

	if _, err := store.Consume(ctx, "ap-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}
	if _, err := store.Get(ctx, "ap-1"); err != ErrNotFound {
		t.Fatalf("consumed record still readable: %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, pendingRecord("ap-1", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, pendingRecord("ap-2", "u-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	store.now = func() time.Time { return time.Now().Add(301 * time.Second) }
	removed, err := store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed records, got %d", removed)
	}
}
