package calsync

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestQueue(t *testing.T, log MutationLog) *MutationQueue {
	t.Helper()
	q, err := NewMutationQueue(context.Background(), MutationQueueOptions{Log: log, DeviceID: "dev_test"})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	return q
}

func TestEnqueueAssignsVersionsAndTicksClock(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)

	first, err := q.Enqueue(ctx, testEvent("evt_1", "Draft"), OpCreate)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	second, err := q.Enqueue(ctx, testEvent("evt_1", "Final"), OpUpdate)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("expected versions 1 and 2, got %d and %d", first.Version, second.Version)
	}
	if second.Clock.Compare(first.Clock) <= 0 {
		t.Fatalf("expected clock to advance: %+v then %+v", first.Clock, second.Clock)
	}
	if first.DeviceID != "dev_test" || first.ID == second.ID {
		t.Fatalf("unexpected mutation identity: %+v %+v", first, second)
	}
	if _, err := q.Enqueue(ctx, testEvent("", "x"), OpCreate); err == nil {
		t.Fatalf("expected missing event id to fail")
	}
}

func TestDrainDoesNotRemoveAndAckDoes(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)
	a, _ := q.Enqueue(ctx, testEvent("evt_a", "A"), OpCreate)
	b, _ := q.Enqueue(ctx, testEvent("evt_b", "B"), OpCreate)

	for i := 0; i < 2; i++ {
		items, err := q.DrainPending(ctx)
		if err != nil {
			t.Fatalf("drain failed: %v", err)
		}
		if len(items) != 2 || items[0].ID != a.ID || items[1].ID != b.ID {
			t.Fatalf("expected FIFO drain of both entries, got %+v", items)
		}
	}
	if err := q.Ack(ctx, a.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if q.HasPending("evt_a") || !q.HasPending("evt_b") || q.Depth() != 1 {
		t.Fatalf("expected only evt_b pending, depth=%d", q.Depth())
	}
}

func TestSupersedeReplacesPendingEntries(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)
	q.Enqueue(ctx, testEvent("evt_1", "one"), OpUpdate)
	q.Enqueue(ctx, testEvent("evt_1", "two"), OpUpdate)

	m, err := q.Supersede(ctx, testEvent("evt_1", "merged"), OpUpdate, 2)
	if err != nil {
		t.Fatalf("supersede failed: %v", err)
	}
	if m.Version != 3 {
		t.Fatalf("expected version bumped past queued entries, got %d", m.Version)
	}
	items, _ := q.DrainPending(ctx)
	if len(items) != 1 || items[0].Event.Title != "merged" {
		t.Fatalf("expected single merged entry, got %+v", items)
	}
	if q.Pending("evt_1") != 1 {
		t.Fatalf("expected one pending entry, got %d", q.Pending("evt_1"))
	}
}

func TestFileMutationLogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")
	log, err := NewFileMutationLog(path)
	if err != nil {
		t.Fatalf("open log failed: %v", err)
	}
	q := newTestQueue(t, log)
	first, _ := q.Enqueue(ctx, testEvent("evt_1", "first"), OpCreate)
	q.Enqueue(ctx, testEvent("evt_2", "second"), OpCreate)
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopenedLog, err := NewFileMutationLog(path)
	if err != nil {
		t.Fatalf("reopen log failed: %v", err)
	}
	reopened := newTestQueue(t, reopenedLog)
	items, err := reopened.DrainPending(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != first.ID || items[1].EventID != "evt_2" {
		t.Fatalf("expected persisted FIFO entries, got %+v", items)
	}
	next, err := reopened.Enqueue(ctx, testEvent("evt_1", "third"), OpUpdate)
	if err != nil {
		t.Fatalf("enqueue after reopen failed: %v", err)
	}
	if next.Version != 2 {
		t.Fatalf("expected version to continue at 2, got %d", next.Version)
	}
	if next.Clock.Counter <= items[1].Clock.Counter {
		t.Fatalf("expected clock to continue past %d, got %d", items[1].Clock.Counter, next.Clock.Counter)
	}
}

func TestCoalesceFoldsPerEvent(t *testing.T) {
	create := testMutation("evt_new", "n", 1, testNow)
	create.ID, create.Op = "m1", OpCreate
	drop := testMutation("evt_new", "n", 2, testNow)
	drop.ID, drop.Op = "m2", OpDelete

	created := testMutation("evt_c", "draft", 1, testNow)
	created.ID, created.Op = "m3", OpCreate
	edited := testMutation("evt_c", "final", 2, testNow)
	edited.ID = "m4"

	base := testEvent("evt_u", "base")
	u1 := testMutation("evt_u", "u1", 4, testNow)
	u1.ID, u1.Base = "m5", &base
	u2 := testMutation("evt_u", "u2", 5, testNow)
	u2.ID, u2.Conflicted = "m6", true

	changes := Coalesce([]Mutation{create, created, u1, drop, edited, u2})
	if len(changes) != 3 {
		t.Fatalf("expected three net changes, got %d", len(changes))
	}
	if !changes[0].Noop || len(changes[0].MutationIDs) != 2 {
		t.Fatalf("expected create then delete to cancel out, got %+v", changes[0])
	}
	if changes[1].Op != OpCreate || changes[1].Mutation.Event.Title != "final" || changes[1].Mutation.Version != 2 {
		t.Fatalf("expected create carrying latest content, got %+v", changes[1])
	}
	u := changes[2]
	if u.Op != OpUpdate || u.Mutation.Event.Title != "u2" || u.Mutation.Base == nil || u.Mutation.Base.Title != "base" || !u.Mutation.Conflicted {
		t.Fatalf("expected update with first base and conflict flag, got %+v", u)
	}
}
