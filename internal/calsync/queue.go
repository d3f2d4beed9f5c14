package calsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MutationLog is the durable storage behind a MutationQueue. Entries are kept
// in append order.
type MutationLog interface {
	Append(ctx context.Context, m Mutation) error
	List(ctx context.Context) ([]Mutation, error)
	Update(ctx context.Context, m Mutation) error
	Remove(ctx context.Context, ids []string) error
	Close() error
}

type inMemoryMutationLog struct {
	mu    sync.Mutex
	items []Mutation
}

func NewInMemoryMutationLog() MutationLog {
	return &inMemoryMutationLog{}
}

func (l *inMemoryMutationLog) Append(_ context.Context, m Mutation) error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, m)
	return nil
}

func (l *inMemoryMutationLog) List(_ context.Context) ([]Mutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Mutation(nil), l.items...), nil
}

func (l *inMemoryMutationLog) Update(_ context.Context, m Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == m.ID {
			l.items[i] = m
			return nil
		}
	}
	return ErrNotFound
}

func (l *inMemoryMutationLog) Remove(_ context.Context, ids []string) error {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.items[:0]
	for _, m := range l.items {
		if _, ok := drop[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	l.items = kept
	return nil
}

func (l *inMemoryMutationLog) Close() error {
	return nil
}

type MutationQueueOptions struct {
	Log      MutationLog
	DeviceID string
	// ClockCounter seeds the logical clock, normally from the persisted
	// sync metadata.
	ClockCounter uint64
	// Bases supplies the last synced content of an event so each entry can
	// carry its merge base.
	Bases  func(eventID string) *Event
	Logger *slog.Logger
	Now    func() time.Time
}

// MutationQueue is the durable FIFO of local edits awaiting acknowledgment by
// the remote providers. Entries leave the queue only through Ack or Discard.
type MutationQueue struct {
	mu       sync.Mutex
	log      MutationLog
	clock    *LogicalClock
	versions map[string]int64
	pending  map[string]int
	bases    func(string) *Event
	logger   *slog.Logger
	now      func() time.Time
}

func NewMutationQueue(ctx context.Context, opts MutationQueueOptions) (*MutationQueue, error) {
	log := opts.Log
	if log == nil {
		log = NewInMemoryMutationLog()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	q := &MutationQueue{
		log:      log,
		clock:    NewLogicalClock(opts.DeviceID, opts.ClockCounter),
		versions: map[string]int64{},
		pending:  map[string]int{},
		bases:    opts.Bases,
		logger:   logger,
		now:      now,
	}
	items, err := log.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "load queue", Err: err}
	}
	for _, m := range items {
		q.clock.Observe(m.Clock)
		if m.Version > q.versions[m.EventID] {
			q.versions[m.EventID] = m.Version
		}
		if !m.Synced {
			q.pending[m.EventID]++
		}
	}
	return q, nil
}

func (q *MutationQueue) Close() error {
	return q.log.Close()
}

// Clock returns the current logical clock of this device.
func (q *MutationQueue) Clock() Clock {
	return q.clock.Current()
}

// Stamp ticks the clock without enqueuing anything. Remote changes are
// stamped on arrival so they order against local edits.
func (q *MutationQueue) Stamp() Clock {
	return q.clock.Tick()
}

// Observe merges a clock seen from another device.
func (q *MutationQueue) Observe(c Clock) {
	q.clock.Observe(c)
}

// Enqueue records a local edit. The entry version is one above both the last
// queued version of the event and the version carried by ev.
func (q *MutationQueue) Enqueue(ctx context.Context, ev Event, op Operation) (Mutation, error) {
	if !op.Valid() {
		return Mutation{}, fmt.Errorf("%w: operation %q", ErrInvalidInput, op)
	}
	if strings.TrimSpace(ev.ID) == "" {
		return Mutation{}, fmt.Errorf("%w: event id required", ErrInvalidInput)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	version := max(q.versions[ev.ID], ev.Version) + 1
	return q.appendLocked(ctx, ev, op, version)
}

// Supersede replaces every pending entry of an event with one entry carrying
// the given content and version. It is used once a conflict resolution has
// produced the content to push.
func (q *MutationQueue) Supersede(ctx context.Context, ev Event, op Operation, version int64) (Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.discardLocked(ctx, ev.ID); err != nil {
		return Mutation{}, err
	}
	if version <= q.versions[ev.ID] {
		version = q.versions[ev.ID] + 1
	}
	return q.appendLocked(ctx, ev, op, version)
}

func (q *MutationQueue) appendLocked(ctx context.Context, ev Event, op Operation, version int64) (Mutation, error) {
	now := q.now()
	ev = ev.Clone()
	ev.Version = version
	ev.UpdatedAt = now
	m := Mutation{
		ID:           "mut_" + uuid.NewString(),
		EventID:      ev.ID,
		Op:           op,
		Event:        ev,
		Version:      version,
		Clock:        q.clock.Tick(),
		DeviceID:     q.clock.DeviceID(),
		LastModified: now,
		EnqueuedAt:   now,
	}
	if q.bases != nil {
		m.Base = q.bases(ev.ID)
	}
	if err := q.log.Append(ctx, m); err != nil {
		return Mutation{}, &StorageError{Op: "enqueue", Err: err}
	}
	q.versions[ev.ID] = version
	q.pending[ev.ID]++
	q.logger.Debug("mutation enqueued", "event_id", ev.ID, "op", op, "version", version, "clock", m.Clock.Counter)
	return m, nil
}

// DrainPending returns all unacknowledged entries in enqueue order. Nothing
// is removed.
func (q *MutationQueue) DrainPending(ctx context.Context) ([]Mutation, error) {
	items, err := q.log.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "drain queue", Err: err}
	}
	out := items[:0]
	for _, m := range items {
		if !m.Synced {
			out = append(out, m)
		}
	}
	return out, nil
}

// Ack removes acknowledged entries.
func (q *MutationQueue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.log.List(ctx)
	if err != nil {
		return &StorageError{Op: "ack", Err: err}
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	if err := q.log.Remove(ctx, ids); err != nil {
		return &StorageError{Op: "ack", Err: err}
	}
	for _, m := range items {
		if _, ok := want[m.ID]; ok && !m.Synced {
			q.decPendingLocked(m.EventID)
		}
	}
	return nil
}

func (q *MutationQueue) MarkConflicted(ctx context.Context, eventID string, conflicted bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.log.List(ctx)
	if err != nil {
		return &StorageError{Op: "mark conflicted", Err: err}
	}
	for _, m := range items {
		if m.EventID != eventID || m.Conflicted == conflicted {
			continue
		}
		m.Conflicted = conflicted
		if err := q.log.Update(ctx, m); err != nil {
			return &StorageError{Op: "mark conflicted", Err: err}
		}
	}
	return nil
}

func (q *MutationQueue) HasPending(eventID string) bool {
	return q.Pending(eventID) > 0
}

// Pending returns the number of unacknowledged entries for an event.
func (q *MutationQueue) Pending(eventID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[eventID]
}

// Discard drops every pending entry of an event, for example after the event
// was deleted remotely.
func (q *MutationQueue) Discard(ctx context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discardLocked(ctx, eventID)
}

func (q *MutationQueue) discardLocked(ctx context.Context, eventID string) error {
	if q.pending[eventID] == 0 {
		return nil
	}
	items, err := q.log.List(ctx)
	if err != nil {
		return &StorageError{Op: "discard", Err: err}
	}
	var ids []string
	for _, m := range items {
		if m.EventID == eventID {
			ids = append(ids, m.ID)
		}
	}
	if err := q.log.Remove(ctx, ids); err != nil {
		return &StorageError{Op: "discard", Err: err}
	}
	delete(q.pending, eventID)
	return nil
}

func (q *MutationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, n := range q.pending {
		total += n
	}
	return total
}

func (q *MutationQueue) decPendingLocked(eventID string) {
	q.pending[eventID]--
	if q.pending[eventID] <= 0 {
		delete(q.pending, eventID)
	}
}

// PendingFor returns the net pending local change of one event.
func (q *MutationQueue) PendingFor(ctx context.Context, eventID string) (Mutation, bool, error) {
	pending, err := q.DrainPending(ctx)
	if err != nil {
		return Mutation{}, false, err
	}
	var own []Mutation
	for _, m := range pending {
		if m.EventID == eventID {
			own = append(own, m)
		}
	}
	changes := Coalesce(own)
	if len(changes) == 0 {
		return Mutation{}, false, nil
	}
	return changes[0].Mutation, true, nil
}

// PendingChange is the net effect of one event's queued entries.
type PendingChange struct {
	EventID     string
	Op          Operation
	Mutation    Mutation
	MutationIDs []string
	// Noop is set when the entries cancel out, e.g. a create followed by a
	// delete before anything was pushed.
	Noop bool
}

// Coalesce folds queued entries per event, keeping first-seen event order.
// The net mutation carries the latest content and version and the base of the
// earliest entry.
func Coalesce(items []Mutation) []PendingChange {
	index := map[string]int{}
	var out []PendingChange
	firstOp := map[string]Operation{}
	for _, m := range items {
		i, ok := index[m.EventID]
		if !ok {
			index[m.EventID] = len(out)
			firstOp[m.EventID] = m.Op
			out = append(out, PendingChange{EventID: m.EventID, Op: m.Op, Mutation: m, MutationIDs: []string{m.ID}})
			continue
		}
		pc := &out[i]
		base := pc.Mutation.Base
		conflicted := pc.Mutation.Conflicted || m.Conflicted
		pc.Mutation = m
		pc.Mutation.Base = base
		pc.Mutation.Conflicted = conflicted
		pc.MutationIDs = append(pc.MutationIDs, m.ID)
		switch {
		case firstOp[m.EventID] == OpCreate && m.Op == OpDelete:
			pc.Noop = true
			pc.Op = OpDelete
		case firstOp[m.EventID] == OpCreate:
			pc.Noop = false
			pc.Op = OpCreate
		default:
			pc.Noop = false
			pc.Op = m.Op
		}
		pc.Mutation.Op = pc.Op
	}
	return out
}
