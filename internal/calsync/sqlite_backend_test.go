package calsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStateBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaycal.db")
	backend, err := BuildStateBackendFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("build sqlite backend: %v", err)
	}
	lite, ok := backend.(*SQLiteStateBackend)
	if !ok {
		t.Fatalf("expected *SQLiteStateBackend, got %T", backend)
	}
	t.Cleanup(func() { _ = lite.Close() })

	if snapshot, err := backend.Load(); err != nil || snapshot != nil {
		t.Fatalf("expected empty database, got %+v err=%v", snapshot, err)
	}

	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend, DeviceID: "dev_sqlite"})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	_, synced, err := store.ApplyRemote(testRemote("caldav", "a.ics", "Synced", 1, testNow), false)
	if err != nil {
		t.Fatalf("apply remote failed: %v", err)
	}
	_, dirty, err := store.ApplyRemote(testRemote("caldav", "b.ics", "Dirty", 1, testNow), false)
	if err != nil {
		t.Fatalf("apply remote failed: %v", err)
	}
	edit := testMutation(dirty, "Dirty (edited)", 2, testNow.Add(time.Minute))
	if err := store.ApplyLocal(edit); err != nil {
		t.Fatalf("apply local failed: %v", err)
	}
	if _, err := store.RecordDelivery("caldav", "dlv-1", "a.ics"); err != nil {
		t.Fatalf("record delivery failed: %v", err)
	}
	if err := store.SaveConflict(ConflictRecord{EventID: dirty, Provider: "caldav", ProviderEventID: "b.ics", Type: ConflictContent}); err != nil {
		t.Fatalf("save conflict failed: %v", err)
	}

	var flag bool
	ctx := context.Background()
	if err := lite.db.QueryRowContext(ctx, "SELECT synced FROM events WHERE id = ?", synced).Scan(&flag); err != nil || !flag {
		t.Fatalf("expected synced flag on %s, got %v err=%v", synced, flag, err)
	}
	if err := lite.db.QueryRowContext(ctx, "SELECT synced FROM events WHERE id = ?", dirty).Scan(&flag); err != nil || flag {
		t.Fatalf("expected unsynced flag on %s, got %v err=%v", dirty, flag, err)
	}

	reopened, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.DeviceID() != "dev_sqlite" {
		t.Fatalf("expected persisted device id, got %q", reopened.DeviceID())
	}
	if ev, ok := reopened.Event(dirty); !ok || ev.Title != "Dirty (edited)" || ev.Version != 2 {
		t.Fatalf("unexpected reloaded event %+v", ev)
	}
	if m, ok := reopened.MappingForEvent("caldav", dirty); !ok || m.Status != MappingConflict {
		t.Fatalf("expected conflict mapping after reload, got %+v", m)
	}
	if _, ok := reopened.Conflict(dirty); !ok {
		t.Fatalf("expected conflict record after reload")
	}
	if !reopened.HasDelivery("caldav", "dlv-1") {
		t.Fatalf("expected delivery id after reload")
	}
}
