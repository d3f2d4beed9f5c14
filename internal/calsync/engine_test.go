package calsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakeProvider struct {
	mu        sync.Mutex
	name      string
	direction Direction
	changes   []RemoteEvent
	fetchErr  error
	failBatch int
	batches   [][]OutboundChange
	sinces    []time.Time
	started   chan struct{}
	block     chan struct{}
	onFetch   func()
	etagSeq   int
}

func (p *fakeProvider) Name() string         { return p.name }
func (p *fakeProvider) Direction() Direction { return p.direction }

func (p *fakeProvider) FetchChanges(ctx context.Context, since time.Time) (*ChangeSet, error) {
	p.mu.Lock()
	p.sinces = append(p.sinces, since)
	started, block, onFetch := p.started, p.block, p.onFetch
	p.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if onFetch != nil {
		onFetch()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	changes := p.changes
	p.changes = nil
	return &ChangeSet{Changes: changes}, nil
}

func (p *fakeProvider) PushBatch(ctx context.Context, changes []OutboundChange) ([]PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]OutboundChange(nil), changes...))
	if len(p.batches) == p.failBatch {
		return nil, &url.Error{Op: "Put", URL: "https://cal.example.com/", Err: errors.New("connection reset by peer")}
	}
	results := make([]PushResult, 0, len(changes))
	for _, c := range changes {
		p.etagSeq++
		peid := "remote-" + c.EventID
		if c.Mapping != nil && c.Mapping.ProviderEventID != "" {
			peid = c.Mapping.ProviderEventID
		}
		results = append(results, PushResult{
			EventID:         c.EventID,
			ProviderEventID: peid,
			ETag:            fmt.Sprintf("etag-%d", p.etagSeq),
		})
	}
	return results, nil
}

func newTestEngine(t *testing.T, strategy Strategy, providers ...RemoteProvider) (*Engine, *Store, *MutationQueue) {
	t.Helper()
	clock := &stepClock{t: testNow}
	store, err := NewStoreWithOptions(StoreOptions{DeviceID: "dev_test", Now: clock.Now})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	queue, err := NewMutationQueue(context.Background(), MutationQueueOptions{
		DeviceID: store.DeviceID(),
		Bases:    store.BaseSnapshot,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	engine, err := NewEngine(EngineOptions{
		Store:     store,
		Queue:     queue,
		Providers: providers,
		Strategy:  strategy,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	return engine, store, queue
}

func seedMapped(t *testing.T, store *Store, provider, providerEventID, title string) string {
	t.Helper()
	_, localID, err := store.ApplyRemote(RemoteEvent{
		Provider:        provider,
		ProviderEventID: providerEventID,
		ETag:            "v1",
		Event:           testEvent("", title),
		Version:         1,
		LastModified:    testNow,
	}, false)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return localID
}

func TestSyncIsolatesFailedBatch(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "caldav", direction: DirectionTwoWay, failBatch: 2}
	engine, _, queue := newTestEngine(t, nil, provider)

	var ids []string
	for i := 0; i < 120; i++ {
		m, err := engine.EnqueueLocalChange(ctx, testEvent("", fmt.Sprintf("event %d", i)), OpCreate)
		if err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
		ids = append(ids, m.EventID)
	}

	res := engine.Sync(ctx)
	if len(provider.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(provider.batches))
	}
	if res.ErrorCount != 50 || res.SyncedCount != 70 {
		t.Fatalf("expected 50 errors and 70 synced, got %d and %d", res.ErrorCount, res.SyncedCount)
	}
	if res.Success {
		t.Fatalf("expected partial failure to be reported")
	}
	failed := map[string]bool{}
	for _, se := range res.Errors {
		if se.Type != ErrorNetwork || !se.Retryable {
			t.Fatalf("expected retryable network error, got %+v", se)
		}
		failed[se.EventID] = true
	}
	for i, id := range ids {
		inSecond := i >= 50 && i < 100
		if failed[id] != inSecond {
			t.Fatalf("event %d: failed=%v, expected %v", i, failed[id], inSecond)
		}
	}
	if queue.Depth() != 50 {
		t.Fatalf("expected the failed batch to stay queued, got depth %d", queue.Depth())
	}

	provider.failBatch = 0
	res = engine.Sync(ctx)
	if !res.Success || res.SyncedCount != 50 || queue.Depth() != 0 {
		t.Fatalf("expected retry to drain the queue, got %+v depth=%d", res, queue.Depth())
	}
	for _, c := range provider.batches[3] {
		if c.Op != OpCreate {
			t.Fatalf("expected retried entries to stay creates, got %s", c.Op)
		}
	}
}

func TestSyncWatermarkAndLastSyncAreMonotonic(t *testing.T) {
	ctx := context.Background()
	remote := testRemote("caldav", "r9", "Imported", 1, testNow)
	provider := &fakeProvider{name: "caldav", direction: DirectionTwoWay, changes: []RemoteEvent{remote}}
	engine, store, _ := newTestEngine(t, nil, provider)

	var kinds []SyncEventKind
	cancel := engine.Subscribe(func(ev SyncEvent) { kinds = append(kinds, ev.Kind) })
	defer cancel()

	first := engine.Sync(ctx)
	if !first.Success || first.SyncedCount != 1 {
		t.Fatalf("expected one imported event, got %+v", first)
	}
	if len(store.Events()) != 1 {
		t.Fatalf("expected imported event in store")
	}
	t1 := store.Watermark("caldav")
	last1 := store.LastSync()
	if t1.IsZero() || last1.IsZero() {
		t.Fatalf("expected watermark and last sync to be set")
	}

	provider.fetchErr = &url.Error{Op: "Get", URL: "https://cal.example.com/", Err: errors.New("no route to host")}
	second := engine.Sync(ctx)
	if second.Success || second.ErrorCount != 1 || second.Errors[0].Type != ErrorNetwork || !second.Errors[0].Retryable {
		t.Fatalf("expected one retryable network error, got %+v", second)
	}
	if !provider.sinces[1].Equal(t1) {
		t.Fatalf("expected fetch since %s, got %s", t1, provider.sinces[1])
	}
	if store.LastSync().Before(last1) || !store.Watermark("caldav").Equal(t1) {
		t.Fatalf("expected failed run to leave watermarks in place")
	}

	provider.fetchErr = nil
	third := engine.Sync(ctx)
	if !third.Success {
		t.Fatalf("expected recovery, got %+v", third)
	}
	if !store.LastSync().After(last1) || !store.Watermark("caldav").After(t1) {
		t.Fatalf("expected watermarks to advance after recovery")
	}
	if len(kinds) != 3 || kinds[0] != SyncEventComplete {
		t.Fatalf("expected one completion event per run, got %v", kinds)
	}
}

func TestSyncSkipsWhileRunInProgress(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{
		name:      "caldav",
		direction: DirectionTwoWay,
		started:   make(chan struct{}, 1),
		block:     make(chan struct{}),
	}
	engine, _, _ := newTestEngine(t, nil, provider)

	done := make(chan SyncResult, 1)
	go func() { done <- engine.Sync(ctx) }()
	<-provider.started

	if !engine.Status().InProgress {
		t.Fatalf("expected status to report a run in progress")
	}
	if res := engine.Sync(ctx); !res.Skipped {
		t.Fatalf("expected concurrent run to be skipped, got %+v", res)
	}
	if _, err := engine.ForceSync(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	close(provider.block)
	if res := <-done; res.Skipped || !res.Success {
		t.Fatalf("expected first run to complete, got %+v", res)
	}
	if engine.Status().InProgress {
		t.Fatalf("expected guard released after the run")
	}
}

func TestSyncResolvesConflictBeforePush(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "caldav", direction: DirectionTwoWay}
	engine, store, queue := newTestEngine(t, LocalWins{}, provider)
	localID := seedMapped(t, store, "caldav", "r1", "Original")

	ev, _ := store.Event(localID)
	ev.Title = "Local"
	if _, err := engine.EnqueueLocalChange(ctx, ev, OpUpdate); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	remote := testRemote("caldav", "r1", "Remote", 3, testNow.Add(10*time.Minute))
	remote.ETag = "v2"
	provider.changes = []RemoteEvent{remote}

	var notified []ConflictRecord
	engine.onConflicts = func(recs []ConflictRecord) { notified = recs }

	res := engine.Sync(ctx)
	if !res.Success || res.ConflictCount != 1 {
		t.Fatalf("expected one resolved conflict, got %+v", res)
	}
	if len(notified) != 1 || notified[0].Type != ConflictTimestamp {
		t.Fatalf("expected conflict notification, got %+v", notified)
	}
	if len(provider.batches) != 1 || len(provider.batches[0]) != 1 {
		t.Fatalf("expected resolved event pushed in the same run, got %+v", provider.batches)
	}
	pushed := provider.batches[0][0]
	if pushed.Event.Title != "Local" || pushed.Version != 4 || pushed.Op != OpUpdate {
		t.Fatalf("unexpected pushed change %+v", pushed)
	}
	if pushed.Mapping == nil || pushed.Mapping.ETag != "v2" {
		t.Fatalf("expected push against the latest remote etag, got %+v", pushed.Mapping)
	}
	if queue.Depth() != 0 {
		t.Fatalf("expected queue drained, got %d", queue.Depth())
	}
	current, _ := store.Event(localID)
	if current.Title != "Local" || current.Version != 4 {
		t.Fatalf("unexpected canonical event %+v", current)
	}
	if m, _ := store.Mapping("caldav", "r1"); m.Status != MappingSynced {
		t.Fatalf("expected synced mapping, got %s", m.Status)
	}
	if len(engine.PendingConflicts()) != 0 {
		t.Fatalf("expected no open conflicts")
	}
}

func TestManualStrategyBlocksUntilResolved(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "caldav", direction: DirectionTwoWay}
	engine, store, queue := newTestEngine(t, Manual{}, provider)
	localID := seedMapped(t, store, "caldav", "r1", "Original")

	ev, _ := store.Event(localID)
	ev.Title = "Local"
	if _, err := engine.EnqueueLocalChange(ctx, ev, OpUpdate); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	remote := testRemote("caldav", "r1", "Remote", 3, testNow.Add(10*time.Minute))
	remote.ETag = "v2"
	provider.changes = []RemoteEvent{remote}

	res := engine.Sync(ctx)
	if res.ConflictCount != 1 || len(res.Conflicts) != 1 || !res.Conflicts[0].Blocked {
		t.Fatalf("expected a blocked conflict, got %+v", res)
	}
	if len(provider.batches) != 0 {
		t.Fatalf("expected nothing pushed while blocked, got %+v", provider.batches)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected local edit to stay queued, got %d", queue.Depth())
	}
	if m, _ := store.Mapping("caldav", "r1"); m.Status != MappingConflict {
		t.Fatalf("expected conflict mapping, got %s", m.Status)
	}

	if _, err := engine.ResolveConflictManually(ctx, localID, ManualResolution{Strategy: Manual{}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected manual to be rejected as a decision, got %v", err)
	}
	out, err := engine.ResolveConflictManually(ctx, localID, ManualResolution{Strategy: RemoteWins{}})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if out.Event.Title != "Remote" || out.Version != 4 {
		t.Fatalf("unexpected resolution %+v", out)
	}
	if queue.Depth() != 0 {
		t.Fatalf("expected queued edit discarded, got %d", queue.Depth())
	}
	if m, _ := store.Mapping("caldav", "r1"); m.Status != MappingSynced || m.ETag != "v2" {
		t.Fatalf("expected synced mapping at v2, got %+v", m)
	}
	if _, err := engine.ResolveConflictManually(ctx, localID, ManualResolution{Strategy: RemoteWins{}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected resolved conflict to be gone, got %v", err)
	}

	res = engine.Sync(ctx)
	if !res.Success || len(provider.batches) != 0 {
		t.Fatalf("expected quiet follow-up run, got %+v", res)
	}
}

func TestSyncRemoteDeletionDropsPendingEdit(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "caldav", direction: DirectionTwoWay}
	engine, store, queue := newTestEngine(t, nil, provider)
	localID := seedMapped(t, store, "caldav", "r1", "Original")

	ev, _ := store.Event(localID)
	ev.Title = "edited"
	if _, err := engine.EnqueueLocalChange(ctx, ev, OpUpdate); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	provider.changes = []RemoteEvent{{ProviderEventID: "r1", Deleted: true}}

	res := engine.Sync(ctx)
	if !res.Success || res.SyncedCount != 1 {
		t.Fatalf("expected deletion applied, got %+v", res)
	}
	if _, ok := store.Event(localID); ok {
		t.Fatalf("expected event removed")
	}
	if queue.Depth() != 0 || len(provider.batches) != 0 {
		t.Fatalf("expected pending edit dropped without push, depth=%d batches=%d", queue.Depth(), len(provider.batches))
	}
}

func TestEnqueueLocalChangeValidates(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t, nil)

	if _, err := engine.EnqueueLocalChange(ctx, testEvent("missing", "x"), OpUpdate); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown event, got %v", err)
	}
	bad := testEvent("", "backwards")
	bad.End = bad.Start.Add(-time.Minute)
	if _, err := engine.EnqueueLocalChange(ctx, bad, OpCreate); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	m, err := engine.EnqueueLocalChange(ctx, testEvent("", "ok"), OpCreate)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := engine.EnqueueLocalChange(ctx, testEvent(m.EventID, "dup"), OpCreate); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected duplicate create to fail, got %v", err)
	}
	if st := engine.Status(); st.PendingMutations != 1 || st.DeviceID != "dev_test" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestNewEngineRejectsDuplicateProviders(t *testing.T) {
	store := NewStore()
	queue := newTestQueue(t, nil)
	_, err := NewEngine(EngineOptions{
		Store: store,
		Queue: queue,
		Providers: []RemoteProvider{
			&fakeProvider{name: "caldav"},
			&fakeProvider{name: "CalDAV"},
		},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected duplicate provider error, got %v", err)
	}
}

func TestManualBlockHoldsPushToEveryProvider(t *testing.T) {
	ctx := context.Background()
	a := &fakeProvider{name: "a", direction: DirectionTwoWay}
	b := &fakeProvider{name: "b", direction: DirectionTwoWay}
	engine, store, queue := newTestEngine(t, Manual{}, a, b)
	localID := seedMapped(t, store, "a", "ra", "Original")
	ev, _ := store.Event(localID)
	if err := store.MarkPushed(PushAck{
		Provider:        "b",
		EventID:         localID,
		Op:              OpUpdate,
		ProviderEventID: "rb",
		ETag:            "b1",
		Version:         1,
		Event:           ev,
		LastModified:    testNow,
	}); err != nil {
		t.Fatalf("map to b failed: %v", err)
	}

	ev.Title = "Local"
	if _, err := engine.EnqueueLocalChange(ctx, ev, OpUpdate); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	remote := testRemote("a", "ra", "Remote", 3, testNow.Add(10*time.Minute))
	remote.ETag = "v2"
	a.changes = []RemoteEvent{remote}

	for run := 1; run <= 2; run++ {
		res := engine.Sync(ctx)
		if run == 1 && (len(res.Conflicts) != 1 || !res.Conflicts[0].Blocked) {
			t.Fatalf("expected a blocked conflict, got %+v", res)
		}
		if len(a.batches) != 0 || len(b.batches) != 0 {
			t.Fatalf("run %d: expected no pushes while blocked, got a=%d b=%d", run, len(a.batches), len(b.batches))
		}
		if queue.Depth() != 1 {
			t.Fatalf("run %d: expected local edit to stay queued, got %d", run, queue.Depth())
		}
	}

	if _, err := engine.ResolveConflictManually(ctx, localID, ManualResolution{Strategy: LocalWins{}}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	engine.Sync(ctx)
	if len(a.batches) != 1 || len(b.batches) != 1 {
		t.Fatalf("expected one push per provider after resolution, got a=%d b=%d", len(a.batches), len(b.batches))
	}
	if got := b.batches[0][0].Event.Title; got != "Local" {
		t.Fatalf("expected resolved content pushed to b, got %q", got)
	}
	if queue.Depth() != 0 {
		t.Fatalf("expected queue drained after both providers confirmed, got %d", queue.Depth())
	}
}

func TestLocalEditDuringRunIsRecordedAsConflict(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "caldav", direction: DirectionTwoWay}
	engine, store, queue := newTestEngine(t, Manual{}, provider)
	localID := seedMapped(t, store, "caldav", "r1", "Original")

	remote := testRemote("caldav", "r1", "Remote edit", 2, testNow.Add(time.Minute))
	remote.ETag = "v2"
	provider.changes = []RemoteEvent{remote}
	var enqueueErr error
	provider.onFetch = func() {
		ev, _ := store.Event(localID)
		ev.Title = "Local edit"
		_, enqueueErr = engine.EnqueueLocalChange(ctx, ev, OpUpdate)
	}

	res := engine.Sync(ctx)
	if enqueueErr != nil {
		t.Fatalf("enqueue during run failed: %v", enqueueErr)
	}
	if res.ConflictCount != 1 {
		t.Fatalf("expected the collision to be counted, got %+v", res)
	}
	rec, ok := store.Conflict(localID)
	if !ok || rec.Remote.Event.Title != "Remote edit" || rec.Local.Event.Title != "Local edit" {
		t.Fatalf("expected conflict record with both sides, got %+v ok=%v", rec, ok)
	}
	if m, _ := store.Mapping("caldav", "r1"); m.Status != MappingConflict {
		t.Fatalf("expected conflict mapping, got %s", m.Status)
	}

	provider.onFetch = nil
	res = engine.Sync(ctx)
	if len(provider.batches) != 0 {
		t.Fatalf("expected local edit held back, got %+v", provider.batches)
	}
	if rec, _ := store.Conflict(localID); !rec.Blocked {
		t.Fatalf("expected conflict to await a manual decision, got %+v", rec)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected local edit to stay queued, got %d", queue.Depth())
	}
}

func TestConflictMappingWithoutRecordIsNotPushed(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{name: "caldav", direction: DirectionTwoWay}
	engine, store, queue := newTestEngine(t, Manual{}, provider)
	localID := seedMapped(t, store, "caldav", "r1", "Original")

	ev, _ := store.Event(localID)
	ev.Title = "Local edit"
	if _, err := engine.EnqueueLocalChange(ctx, ev, OpUpdate); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	remote := testRemote("caldav", "r1", "Remote edit", 2, testNow.Add(time.Minute))
	remote.ETag = "v2"
	if outcome, _, err := store.ApplyRemote(remote, true); err != nil || outcome != ApplyConflict {
		t.Fatalf("expected conflict outcome, got %s %v", outcome, err)
	}
	if _, ok := store.Conflict(localID); ok {
		t.Fatalf("expected no conflict record yet")
	}

	res := engine.Sync(ctx)
	if len(provider.batches) != 0 {
		t.Fatalf("expected nothing pushed over the diverged remote, got %+v", provider.batches)
	}
	if res.ConflictCount != 1 {
		t.Fatalf("expected recovered conflict to be counted, got %+v", res)
	}
	rec, ok := store.Conflict(localID)
	if !ok || !rec.Blocked || rec.Remote.Event.Title != "Remote edit" {
		t.Fatalf("expected blocked conflict carrying the remote edit, got %+v ok=%v", rec, ok)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected local edit to stay queued, got %d", queue.Depth())
	}
}

func TestParallelProvidersSyncDisjointEvents(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{t: testNow}
	store, err := NewStoreWithOptions(StoreOptions{DeviceID: "dev_test", Now: clock.Now})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	queue, err := NewMutationQueue(ctx, MutationQueueOptions{DeviceID: store.DeviceID(), Bases: store.BaseSnapshot, Now: clock.Now})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	a := &fakeProvider{name: "a", direction: DirectionTwoWay}
	b := &fakeProvider{name: "b", direction: DirectionTwoWay}
	engine, err := NewEngine(EngineOptions{
		Store:             store,
		Queue:             queue,
		Providers:         []RemoteProvider{a, b},
		Strategy:          LocalWins{},
		ParallelProviders: true,
		Now:               clock.Now,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}

	onA := seedMapped(t, store, "a", "ra", "On A")
	onB := seedMapped(t, store, "b", "rb", "On B")
	for _, id := range []string{onA, onB} {
		ev, _ := store.Event(id)
		ev.Title += " (edited)"
		if _, err := engine.EnqueueLocalChange(ctx, ev, OpUpdate); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	incoming := testRemote("b", "rb-new", "New on B", 1, testNow)
	b.changes = []RemoteEvent{incoming}

	res := engine.Sync(ctx)
	if !res.Success || res.ErrorCount != 0 {
		t.Fatalf("expected clean parallel run, got %+v", res)
	}
	if res.SyncedCount != 3 {
		t.Fatalf("expected two pushes and one apply, got %d", res.SyncedCount)
	}
	if len(a.batches) != 1 || len(a.batches[0]) != 1 || a.batches[0][0].EventID != onA {
		t.Fatalf("expected only the a-mapped event pushed to a, got %+v", a.batches)
	}
	if len(b.batches) != 1 || len(b.batches[0]) != 1 || b.batches[0][0].EventID != onB {
		t.Fatalf("expected only the b-mapped event pushed to b, got %+v", b.batches)
	}
	if queue.Depth() != 0 {
		t.Fatalf("expected both edits acknowledged, got depth %d", queue.Depth())
	}
	if _, ok := store.Mapping("b", "rb-new"); !ok {
		t.Fatalf("expected incoming event mapped to b")
	}
	if _, ok := store.Mapping("a", "rb-new"); ok {
		t.Fatalf("expected b's change to stay off a")
	}
	for _, name := range []string{"a", "b"} {
		if store.Watermark(name).IsZero() {
			t.Fatalf("expected watermark for %s", name)
		}
	}
}
