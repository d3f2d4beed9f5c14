package calsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("relaycal_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend, DeviceID: "dev_pg"})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	_, localID, err := store.ApplyRemote(testRemote("gcal", "r1", "Stored in postgres", 1, testNow), false)
	if err != nil {
		t.Fatalf("apply remote failed: %v", err)
	}
	if _, err := store.RecordSync(testNow, 9); err != nil {
		t.Fatalf("record sync failed: %v", err)
	}

	reopened, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	ev, ok := reopened.Event(localID)
	if !ok || ev.Title != "Stored in postgres" {
		t.Fatalf("expected event after reload, got %+v ok=%v", ev, ok)
	}
	if reopened.DeviceID() != "dev_pg" || reopened.ClockCounter() != 9 || !reopened.LastSync().Equal(testNow) {
		t.Fatalf("unexpected metadata after reload: device=%s clock=%d last=%s", reopened.DeviceID(), reopened.ClockCounter(), reopened.LastSync())
	}
}

func TestPostgresIntegrationMutationLogFIFO(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()

	log, err := NewPostgresMutationLog(dsn)
	if err != nil {
		t.Fatalf("new postgres mutation log: %v", err)
	}
	pg, ok := log.(*PostgresMutationLog)
	if !ok {
		t.Fatalf("expected *PostgresMutationLog, got %T", log)
	}
	pg.tableName = postgresIntegrationTableName("relaycal_mut_it")
	pg.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = log.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	q := newTestQueue(t, log)
	a, err := q.Enqueue(ctx, testEvent("evt_a", "A"), OpCreate)
	if err != nil {
		t.Fatalf("enqueue a failed: %v", err)
	}
	b, err := q.Enqueue(ctx, testEvent("evt_b", "B"), OpCreate)
	if err != nil {
		t.Fatalf("enqueue b failed: %v", err)
	}
	if err := q.MarkConflicted(ctx, "evt_b", true); err != nil {
		t.Fatalf("mark conflicted failed: %v", err)
	}

	items, err := log.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != a.ID || items[1].ID != b.ID || !items[1].Conflicted {
		t.Fatalf("unexpected log content: %+v", items)
	}
	if err := q.Ack(ctx, a.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	items, _ = log.List(ctx)
	if len(items) != 1 || items[0].ID != b.ID {
		t.Fatalf("expected only b after ack, got %+v", items)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYCAL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYCAL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
