package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBatchSize    = 50
	DefaultBatchTimeout = 30 * time.Second
)

// RemoteProvider is one calendar source the engine synchronizes with.
type RemoteProvider interface {
	Name() string
	Direction() Direction
	// FetchChanges returns remote changes since the given watermark. Cursor
	// updates are deferred to ChangeSet.Commit.
	FetchChanges(ctx context.Context, since time.Time) (*ChangeSet, error)
	// PushBatch writes local changes and reports one result per change.
	PushBatch(ctx context.Context, changes []OutboundChange) ([]PushResult, error)
}

type ChangeSet struct {
	Changes []RemoteEvent
	// Errors are per-object failures that did not stop the fetch.
	Errors []SyncError
	// Commit persists provider cursors once the changes were applied.
	Commit func(ctx context.Context) error
}

type OutboundChange struct {
	EventID  string
	Op       Operation
	Event    Event
	Version  int64
	Mapping  *SyncMapping
	Calendar string
}

type PushResult struct {
	EventID         string
	ProviderEventID string
	CalendarID      string
	Href            string
	ETag            string
	LastModified    time.Time
	Err             error
}

type SyncResult struct {
	Success       bool             `json:"success"`
	Skipped       bool             `json:"skipped,omitempty"`
	SyncedCount   int              `json:"syncedCount"`
	ConflictCount int              `json:"conflictCount"`
	ErrorCount    int              `json:"errorCount"`
	Conflicts     []ConflictRecord `json:"conflicts,omitempty"`
	Errors        []SyncError      `json:"errors,omitempty"`
	Duration      time.Duration    `json:"duration"`
	StartedAt     time.Time        `json:"startedAt"`
}

type SyncStatus struct {
	InProgress       bool      `json:"inProgress"`
	LastSync         time.Time `json:"lastSync"`
	DeviceID         string    `json:"deviceId"`
	PendingMutations int       `json:"pendingMutations"`
	OpenConflicts    int       `json:"openConflicts"`
}

type SyncEventKind string

const (
	SyncEventComplete  SyncEventKind = "sync_complete"
	SyncEventConflicts SyncEventKind = "conflicts_detected"
)

// SyncEvent is delivered to subscribers after each run.
type SyncEvent struct {
	Kind      SyncEventKind    `json:"kind"`
	Result    *SyncResult      `json:"result,omitempty"`
	Conflicts []ConflictRecord `json:"conflicts,omitempty"`
}

type EngineOptions struct {
	Store             *Store
	Queue             *MutationQueue
	Providers         []RemoteProvider
	Strategy          Strategy
	BatchSize         int
	BatchTimeout      time.Duration
	ConflictWindow    time.Duration
	ParallelProviders bool
	Logger            *slog.Logger
	Now               func() time.Time

	OnSyncComplete      func(SyncResult)
	OnConflictsDetected func([]ConflictRecord)
}

// ManualResolution is the user's decision for an open conflict. Event, when
// set, is pushed as edited content and takes precedence over Strategy.
type ManualResolution struct {
	Strategy Strategy
	Event    *Event
}

type Engine struct {
	store          *Store
	queue          *MutationQueue
	providers      []RemoteProvider
	batchSize      int
	batchTimeout   time.Duration
	conflictWindow time.Duration
	parallel       bool
	logger         *slog.Logger
	now            func() time.Time

	running atomic.Bool

	mu          sync.RWMutex
	strategy    Strategy
	subscribers map[int]func(SyncEvent)
	nextSubID   int
	onComplete  func(SyncResult)
	onConflicts func([]ConflictRecord)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, fmt.Errorf("%w: store and queue are required", ErrInvalidInput)
	}
	seen := map[string]struct{}{}
	for _, p := range opts.Providers {
		name := normalizeProvider(p.Name())
		if name == "" {
			return nil, fmt.Errorf("%w: provider without name", ErrInvalidInput)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate provider %s", ErrInvalidInput, name)
		}
		seen[name] = struct{}{}
	}
	e := &Engine{
		store:          opts.Store,
		queue:          opts.Queue,
		providers:      append([]RemoteProvider(nil), opts.Providers...),
		batchSize:      opts.BatchSize,
		batchTimeout:   opts.BatchTimeout,
		conflictWindow: opts.ConflictWindow,
		parallel:       opts.ParallelProviders,
		logger:         opts.Logger,
		now:            opts.Now,
		strategy:       opts.Strategy,
		subscribers:    map[int]func(SyncEvent){},
		onComplete:     opts.OnSyncComplete,
		onConflicts:    opts.OnConflictsDetected,
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.batchTimeout <= 0 {
		e.batchTimeout = DefaultBatchTimeout
	}
	if e.conflictWindow <= 0 {
		e.conflictWindow = DefaultConflictWindow
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.strategy == nil {
		e.strategy = LocalWins{}
	}
	return e, nil
}

func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) Strategy() Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategy
}

// SetStrategy swaps the default resolution strategy for subsequent runs.
func (e *Engine) SetStrategy(s Strategy) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()
	e.logger.Info("resolution strategy updated", "strategy", s.Name())
}

// Subscribe registers fn for run notifications and returns its cancel func.
func (e *Engine) Subscribe(fn func(SyncEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) Status() SyncStatus {
	return SyncStatus{
		InProgress:       e.running.Load(),
		LastSync:         e.store.LastSync(),
		DeviceID:         e.store.DeviceID(),
		PendingMutations: e.queue.Depth(),
		OpenConflicts:    len(e.store.Conflicts()),
	}
}

func (e *Engine) PendingConflicts() []ConflictRecord {
	return e.store.Conflicts()
}

func (e *Engine) Event(id string) (Event, bool) {
	return e.store.Event(strings.TrimSpace(id))
}

func (e *Engine) Events() []Event {
	return e.store.Events()
}

// EnqueueLocalChange is the entry point for edits made on this device. The
// canonical store reflects the edit immediately; providers see it on the next
// run.
func (e *Engine) EnqueueLocalChange(ctx context.Context, ev Event, op Operation) (Mutation, error) {
	if !op.Valid() {
		return Mutation{}, fmt.Errorf("%w: operation %q", ErrInvalidInput, op)
	}
	ev.ID = strings.TrimSpace(ev.ID)
	switch op {
	case OpCreate:
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		} else if _, exists := e.store.Event(ev.ID); exists {
			return Mutation{}, fmt.Errorf("%w: event %s already exists", ErrInvalidInput, ev.ID)
		}
		ev.Version = 0
	case OpUpdate:
		existing, ok := e.store.Event(ev.ID)
		if !ok {
			return Mutation{}, fmt.Errorf("%w: event %s", ErrNotFound, ev.ID)
		}
		ev.Version = existing.Version
		ev.CreatedAt = existing.CreatedAt
		if ev.OwnerID == "" {
			ev.OwnerID = existing.OwnerID
		}
	case OpDelete:
		existing, ok := e.store.Event(ev.ID)
		if !ok {
			return Mutation{}, fmt.Errorf("%w: event %s", ErrNotFound, ev.ID)
		}
		ev = existing
	}
	if op != OpDelete {
		if ev.Start.IsZero() || ev.End.IsZero() {
			return Mutation{}, fmt.Errorf("%w: start and end are required", ErrInvalidInput)
		}
		if ev.End.Before(ev.Start) {
			return Mutation{}, fmt.Errorf("%w: end before start", ErrInvalidInput)
		}
		ev.Tags = normalizeStringSlice(ev.Tags)
	}
	m, err := e.queue.Enqueue(ctx, ev, op)
	if err != nil {
		return Mutation{}, err
	}
	if err := e.store.ApplyLocal(m); err != nil {
		return m, err
	}
	return m, nil
}

// ResolveConflictManually applies the user's decision to an open conflict,
// unblocking the event for the next push.
func (e *Engine) ResolveConflictManually(ctx context.Context, eventID string, decision ManualResolution) (Resolution, error) {
	rec, ok := e.store.Conflict(eventID)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: no open conflict for event %s", ErrNotFound, eventID)
	}
	strategy := decision.Strategy
	if decision.Event != nil {
		edited := decision.Event.Clone()
		edited.ID = rec.EventID
		if edited.End.Before(edited.Start) {
			return Resolution{}, fmt.Errorf("%w: end before start", ErrInvalidInput)
		}
		rec.Local.Event = edited
		rec.Local.Op = OpUpdate
		rec.Local.LastModified = e.now()
		strategy = LocalWins{}
	}
	if strategy == nil {
		return Resolution{}, fmt.Errorf("%w: strategy or edited event required", ErrInvalidInput)
	}
	if _, manual := strategy.(Manual); manual {
		return Resolution{}, fmt.Errorf("%w: manual is not a resolution", ErrInvalidInput)
	}
	res := Resolve(rec, strategy, e.now())
	if decision.Event != nil {
		res.ID = res.ID + "_" + shortHash(fmt.Sprintf("%+v", res.Event))
	}
	applied, _, err := e.applyResolution(ctx, rec, res)
	if err != nil {
		return Resolution{}, err
	}
	e.logger.Info("conflict resolved manually", "event_id", eventID, "strategy", applied.Strategy, "version", applied.Version)
	return applied, nil
}

// applyResolution records res and queues whatever must still reach the
// provider. A remote-wins resolution is already the provider's content, so
// nothing is pushed for it.
func (e *Engine) applyResolution(ctx context.Context, rec ConflictRecord, res Resolution) (Resolution, Mutation, error) {
	stored, already, err := e.store.ApplyResolution(rec, res)
	if err != nil {
		return Resolution{}, Mutation{}, err
	}
	if already || stored.Blocked {
		return stored, Mutation{}, nil
	}
	if stored.Strategy == StrategyRemote {
		if err := e.queue.Discard(ctx, rec.EventID); err != nil {
			return stored, Mutation{}, err
		}
		err := e.store.MarkPushed(PushAck{
			Provider:        rec.Provider,
			EventID:         rec.EventID,
			Op:              OpUpdate,
			ProviderEventID: rec.ProviderEventID,
			CalendarID:      rec.Remote.CalendarID,
			Href:            rec.Remote.Href,
			ETag:            rec.Remote.ETag,
			Version:         stored.Version,
			Event:           stored.Event,
			LastModified:    rec.Remote.LastModified,
		})
		return stored, Mutation{}, err
	}
	m, err := e.queue.Supersede(ctx, stored.Event, stored.Op, stored.Version)
	if err != nil {
		return stored, Mutation{}, err
	}
	return stored, m, nil
}

// ForceSync runs a sync now. It fails with ErrSyncInProgress when a run is
// already active.
func (e *Engine) ForceSync(ctx context.Context) (SyncResult, error) {
	res := e.Sync(ctx)
	if res.Skipped {
		return res, ErrSyncInProgress
	}
	return res, nil
}

// runState collects the outcome of one run across providers.
type runState struct {
	mu         sync.Mutex
	result     SyncResult
	fatal      bool
	confirmed  map[string]map[string]bool
	dropped    map[string]bool
	drained    map[string]int
	superseded map[string]string
}

func (r *runState) addError(se SyncError) {
	r.mu.Lock()
	r.result.Errors = append(r.result.Errors, se)
	r.mu.Unlock()
}

func (r *runState) addSynced(n int) {
	r.mu.Lock()
	r.result.SyncedCount += n
	r.mu.Unlock()
}

func (r *runState) addConflict(rec ConflictRecord) {
	r.mu.Lock()
	r.result.Conflicts = append(r.result.Conflicts, rec)
	r.mu.Unlock()
}

func (r *runState) confirm(provider, eventID string) {
	r.mu.Lock()
	if r.confirmed[eventID] == nil {
		r.confirmed[eventID] = map[string]bool{}
	}
	r.confirmed[eventID][provider] = true
	r.mu.Unlock()
}

func (r *runState) drop(eventID string) {
	r.mu.Lock()
	r.dropped[eventID] = true
	r.mu.Unlock()
}

func (r *runState) supersede(eventID, mutationID string) {
	r.mu.Lock()
	r.superseded[eventID] = mutationID
	r.mu.Unlock()
}

func (r *runState) takeSuperseded(eventID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.superseded[eventID]
	delete(r.superseded, eventID)
	return id, ok
}

func (r *runState) setFatal() {
	r.mu.Lock()
	r.fatal = true
	r.mu.Unlock()
}

// Sync runs one reconciliation pass. A call made while another run is active
// returns immediately with Skipped set.
func (e *Engine) Sync(ctx context.Context) SyncResult {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("sync skipped, run in progress")
		return SyncResult{Skipped: true}
	}
	defer e.running.Store(false)

	start := e.now()
	state := &runState{
		result:     SyncResult{StartedAt: start},
		confirmed:  map[string]map[string]bool{},
		dropped:    map[string]bool{},
		drained:    map[string]int{},
		superseded: map[string]string{},
	}
	e.logger.Info("sync started", "providers", len(e.providers))

	pending, err := e.queue.DrainPending(ctx)
	if err != nil {
		state.addError(newSyncError("", "", err))
		state.fatal = true
		return e.finish(state, start)
	}
	changes := e.coalesce(ctx, pending, state)
	for _, pc := range changes {
		state.drained[pc.EventID] = len(pc.MutationIDs)
	}
	targets := e.pushTargets(changes)

	run := func(p RemoteProvider) {
		e.syncProvider(ctx, p, changes, targets, state)
	}
	if e.parallel && len(e.providers) > 1 {
		var wg sync.WaitGroup
		for _, p := range e.providers {
			wg.Add(1)
			go func(p RemoteProvider) {
				defer wg.Done()
				run(p)
			}(p)
		}
		wg.Wait()
	} else {
		for _, p := range e.providers {
			if ctx.Err() != nil {
				state.addError(newSyncError(p.Name(), "", ctx.Err()))
				state.fatal = true
				break
			}
			run(p)
		}
	}

	for _, pc := range changes {
		names, ok := targets[pc.EventID]
		if !ok || state.dropped[pc.EventID] {
			continue
		}
		done := true
		for _, provider := range names {
			if !state.confirmed[pc.EventID][provider] {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		if err := e.queue.Ack(ctx, pc.MutationIDs...); err != nil {
			state.addError(newSyncError("", pc.EventID, err))
		}
	}

	if !state.fatal {
		if _, err := e.store.RecordSync(start, e.queue.Clock().Counter); err != nil {
			state.addError(newSyncError("", "", err))
		}
	}
	return e.finish(state, start)
}

// coalesce folds the drained entries and settles those that cancel out.
func (e *Engine) coalesce(ctx context.Context, pending []Mutation, state *runState) []PendingChange {
	var out []PendingChange
	for _, pc := range Coalesce(pending) {
		if !pc.Noop {
			out = append(out, pc)
			continue
		}
		if err := e.queue.Ack(ctx, pc.MutationIDs...); err != nil {
			state.addError(newSyncError("", pc.EventID, err))
		}
	}
	return out
}

// pushTargets lists, per event, the push-capable providers that must confirm
// the change before its queue entries are acknowledged. Events without any
// mapping go to the first push-capable provider.
func (e *Engine) pushTargets(changes []PendingChange) map[string][]string {
	var fallback string
	for _, p := range e.providers {
		if p.Direction().CanPush() {
			fallback = normalizeProvider(p.Name())
			break
		}
	}
	targets := make(map[string][]string, len(changes))
	for _, pc := range changes {
		var names []string
		mapped := false
		for _, m := range e.store.MappingsForEvent(pc.EventID) {
			mapped = true
			if p := e.provider(m.Provider); p != nil && p.Direction().CanPush() {
				names = append(names, m.Provider)
			}
		}
		if !mapped && pc.Op != OpDelete {
			if fallback == "" {
				// stays queued until a push-capable provider is configured
				continue
			}
			names = append(names, fallback)
		}
		targets[pc.EventID] = names
	}
	return targets
}

func (e *Engine) provider(name string) RemoteProvider {
	name = normalizeProvider(name)
	for _, p := range e.providers {
		if normalizeProvider(p.Name()) == name {
			return p
		}
	}
	return nil
}

func (e *Engine) syncProvider(ctx context.Context, p RemoteProvider, changes []PendingChange, targets map[string][]string, state *runState) {
	name := normalizeProvider(p.Name())
	logger := e.logger.With("provider", name)
	fetchStart := e.now()

	var cs *ChangeSet
	if p.Direction().CanPull() {
		var err error
		cs, err = p.FetchChanges(ctx, e.store.Watermark(name))
		if err != nil {
			logger.Error("fetch failed", "err", err)
			state.addError(newSyncError(name, "", err))
			state.setFatal()
			return
		}
	}
	if cs == nil {
		cs = &ChangeSet{}
	}
	for _, se := range cs.Errors {
		se.Provider = name
		state.addError(se)
	}

	remotes := make(map[string]RemoteEvent, len(cs.Changes))
	order := make([]string, 0, len(cs.Changes))
	for _, r := range cs.Changes {
		r.Provider = name
		r.Clock = e.queue.Stamp()
		if _, dup := remotes[r.ProviderEventID]; !dup {
			order = append(order, r.ProviderEventID)
		}
		remotes[r.ProviderEventID] = r
	}
	consumed := map[string]bool{}
	var outbound []OutboundChange
	var detected []ConflictRecord
	strategy := e.Strategy()

	for _, pc := range changes {
		mapping, mapped := e.store.MappingForEvent(name, pc.EventID)
		isTarget := containsString(targets[pc.EventID], name)
		if !mapped && !isTarget {
			continue
		}
		var remote *RemoteEvent
		if mapped {
			if r, ok := remotes[mapping.ProviderEventID]; ok {
				remote = &r
				consumed[r.ProviderEventID] = true
			}
		} else if r, ok := remotes[pc.EventID]; ok {
			remote = &r
			consumed[r.ProviderEventID] = true
		}

		if remote != nil && remote.Deleted {
			e.applyRemoteDelete(ctx, name, remote.ProviderEventID, state, logger)
			continue
		}

		rec, open := e.store.Conflict(pc.EventID)
		if open && rec.Blocked && rec.Provider != name {
			// awaiting a manual decision raised by another provider
			logger.Debug("event blocked by open conflict", "event_id", pc.EventID, "conflict_provider", rec.Provider)
			continue
		}
		if !open && mapped && mapping.Status == MappingConflict {
			recovered, ok := e.recoverConflict(ctx, pc, mapping, remote, state, logger)
			if !ok {
				continue
			}
			rec, open = recovered, true
		}
		if open && rec.Provider == name {
			if remote != nil {
				rec.Remote = *remote
				if mapped {
					if _, _, err := e.store.ApplyRemote(*remote, true); err != nil {
						state.addError(newSyncError(name, pc.EventID, err))
					}
				}
			}
			if rec.Blocked {
				continue
			}
			if !mapped {
				mapping = SyncMapping{Provider: name, ProviderEventID: rec.ProviderEventID, LocalEventID: pc.EventID}
			}
			rec.Local = pc.Mutation
			change, ok := e.resolve(ctx, rec, strategy, mapping, state, logger)
			if ok && isTarget {
				outbound = append(outbound, change)
			}
			detected = append(detected, rec)
			continue
		}

		det := Detect(pc.Mutation, remote, e.conflictWindow)
		switch {
		case det.Conflict:
			rec := ConflictRecord{
				ID:              "cfl_" + uuid.NewString(),
				EventID:         pc.EventID,
				Provider:        name,
				ProviderEventID: remote.ProviderEventID,
				Type:            det.Type,
				Local:           pc.Mutation,
				Remote:          *remote,
				Suggested:       det.Suggested,
				DetectedAt:      e.now(),
			}
			logger.Warn("conflict detected", "event_id", pc.EventID, "type", det.Type, "reason", det.Reason)
			if err := e.store.SaveConflict(rec); err != nil {
				state.addError(newSyncError(name, pc.EventID, err))
				continue
			}
			if err := e.queue.MarkConflicted(ctx, pc.EventID, true); err != nil {
				state.addError(newSyncError(name, pc.EventID, err))
			}
			if !mapped {
				mapping = SyncMapping{Provider: name, ProviderEventID: remote.ProviderEventID, LocalEventID: pc.EventID}
			}
			change, ok := e.resolve(ctx, rec, strategy, mapping, state, logger)
			if ok && isTarget {
				outbound = append(outbound, change)
			}
			detected = append(detected, rec)
		case remote != nil && det.Winner == SideRemote:
			var err error
			if mapped {
				_, _, err = e.store.ApplyRemote(*remote, false)
			} else {
				// the remote already holds this identity; link instead of inserting a copy
				err = e.store.MarkPushed(PushAck{
					Provider:        name,
					EventID:         pc.EventID,
					Op:              OpUpdate,
					ProviderEventID: remote.ProviderEventID,
					CalendarID:      remote.CalendarID,
					Href:            remote.Href,
					ETag:            remote.ETag,
					Version:         remote.Version,
					Event:           remote.Event,
					LastModified:    remote.LastModified,
				})
			}
			if err != nil {
				state.addError(newSyncError(name, pc.EventID, err))
				continue
			}
			state.confirm(name, pc.EventID)
			state.addSynced(1)
		default:
			if !isTarget {
				continue
			}
			change := OutboundChange{
				EventID:  pc.EventID,
				Op:       pc.Op,
				Event:    pc.Mutation.Event,
				Version:  pc.Mutation.Version,
				Calendar: pc.Mutation.Calendar,
			}
			if mapped {
				m := mapping
				if remote != nil {
					m.ETag = remote.ETag
					if remote.Href != "" {
						m.Href = remote.Href
					}
				}
				change.Mapping = &m
			}
			if pc.Op == OpDelete && !mapped {
				state.confirm(name, pc.EventID)
				continue
			}
			if pc.Op != OpDelete && mapped && mapping.Status == MappingLocal {
				change.Op = OpCreate
			}
			outbound = append(outbound, change)
		}
	}

	if p.Direction().CanPush() && len(outbound) > 0 {
		e.pushBatches(ctx, p, name, outbound, state, logger)
	}

	applied := 0
	for _, id := range order {
		if consumed[id] {
			continue
		}
		r := remotes[id]
		if r.Deleted {
			e.applyRemoteDelete(ctx, name, r.ProviderEventID, state, logger)
			continue
		}
		pendingLocal := false
		if m, ok := e.store.Mapping(name, r.ProviderEventID); ok {
			pendingLocal = e.queue.HasPending(m.LocalEventID)
		}
		outcome, localID, err := e.store.ApplyRemote(r, pendingLocal)
		if err != nil {
			logger.Error("apply remote change failed", "provider_event_id", r.ProviderEventID, "err", err)
			state.addError(newSyncError(name, localID, err))
			continue
		}
		switch outcome {
		case ApplyInserted, ApplyUpdated:
			applied++
		case ApplyConflict:
			// a local edit was queued after this run drained the queue
			if _, open := e.store.Conflict(localID); open || !pendingLocal {
				continue
			}
			rec, err := recordPendingConflict(ctx, e.store, e.queue, localID, r, e.conflictWindow, e.now())
			if err != nil {
				state.addError(newSyncError(name, localID, err))
				continue
			}
			logger.Warn("remote change conflicts with pending local edit", "event_id", localID, "type", rec.Type)
			state.addConflict(rec)
			detected = append(detected, rec)
		}
	}
	state.addSynced(applied)
	if len(detected) > 0 {
		state.mu.Lock()
		state.result.ConflictCount += len(detected)
		state.mu.Unlock()
	}

	if cs.Commit != nil {
		if err := cs.Commit(ctx); err != nil {
			logger.Error("cursor commit failed", "err", err)
			state.addError(newSyncError(name, "", err))
			return
		}
	}
	if p.Direction().CanPull() {
		if _, err := e.store.AdvanceWatermark(name, fetchStart); err != nil {
			state.addError(newSyncError(name, "", err))
		}
	}
	logger.Info("provider synced", "pushed", len(outbound), "applied", applied, "conflicts", len(detected))
}

// recoverConflict rebuilds the record of a mapping left in conflict without
// one, so the local edit is resolved instead of pushed over the remote side.
func (e *Engine) recoverConflict(ctx context.Context, pc PendingChange, mapping SyncMapping, remote *RemoteEvent, state *runState, logger *slog.Logger) (ConflictRecord, bool) {
	var snapshot RemoteEvent
	switch {
	case remote != nil:
		snapshot = *remote
	case mapping.ConflictData != nil:
		snapshot = mapping.ConflictData.Remote
	default:
		logger.Warn("conflict mapping has no remote snapshot, holding push", "event_id", pc.EventID)
		return ConflictRecord{}, false
	}
	snapshot.Provider = mapping.Provider
	snapshot.ProviderEventID = mapping.ProviderEventID
	rec := newConflictRecord(pc.EventID, pc.Mutation, snapshot, e.conflictWindow, e.now())
	if err := e.store.SaveConflict(rec); err != nil {
		state.addError(newSyncError(mapping.Provider, pc.EventID, err))
		return ConflictRecord{}, false
	}
	if err := e.queue.MarkConflicted(ctx, pc.EventID, true); err != nil {
		state.addError(newSyncError(mapping.Provider, pc.EventID, err))
	}
	logger.Warn("recovered conflict without record", "event_id", pc.EventID, "type", rec.Type)
	return rec, true
}

// resolve applies the engine strategy to a conflict. It returns the change to
// push when the resolution produced local content the provider lacks.
func (e *Engine) resolve(ctx context.Context, rec ConflictRecord, strategy Strategy, mapping SyncMapping, state *runState, logger *slog.Logger) (OutboundChange, bool) {
	res := Resolve(rec, strategy, e.now())
	stored, superseding, err := e.applyResolution(ctx, rec, res)
	if err != nil {
		logger.Error("apply resolution failed", "event_id", rec.EventID, "err", err)
		state.addError(newSyncError(rec.Provider, rec.EventID, err))
		return OutboundChange{}, false
	}
	if stored.Blocked {
		blocked := rec
		blocked.Blocked = true
		state.addConflict(blocked)
		logger.Info("conflict awaiting manual resolution", "event_id", rec.EventID)
		return OutboundChange{}, false
	}
	state.addConflict(rec)
	if stored.Strategy == StrategyRemote {
		state.confirm(rec.Provider, rec.EventID)
		state.drop(rec.EventID)
		state.addSynced(1)
		return OutboundChange{}, false
	}
	state.drop(rec.EventID)
	if superseding.ID != "" {
		state.supersede(rec.EventID, superseding.ID)
	}
	m := mapping
	m.ETag = rec.Remote.ETag
	if rec.Remote.Href != "" {
		m.Href = rec.Remote.Href
	}
	if rec.Remote.CalendarID != "" {
		m.CalendarID = rec.Remote.CalendarID
	}
	op := stored.Op
	if op == OpCreate {
		op = OpUpdate
	}
	return OutboundChange{
		EventID:  rec.EventID,
		Op:       op,
		Event:    stored.Event,
		Version:  stored.Version,
		Mapping:  &m,
		Calendar: m.CalendarID,
	}, true
}

func (e *Engine) applyRemoteDelete(ctx context.Context, provider, providerEventID string, state *runState, logger *slog.Logger) {
	localID, found, err := e.store.DeleteRemote(provider, providerEventID)
	if err != nil {
		state.addError(newSyncError(provider, localID, err))
		return
	}
	if !found {
		return
	}
	if err := e.queue.Discard(ctx, localID); err != nil {
		state.addError(newSyncError(provider, localID, err))
	}
	state.drop(localID)
	state.addSynced(1)
	logger.Info("remote deletion applied", "event_id", localID, "provider_event_id", providerEventID)
}

func (e *Engine) pushBatches(ctx context.Context, p RemoteProvider, name string, outbound []OutboundChange, state *runState, logger *slog.Logger) {
	for _, change := range outbound {
		if change.Mapping == nil && change.Op == OpCreate {
			if err := e.store.ReserveMapping(name, change.EventID, change.EventID, change.Calendar); err != nil {
				logger.Warn("reserve mapping failed", "event_id", change.EventID, "err", err)
			}
		}
	}
	for i := 0; i < len(outbound); i += e.batchSize {
		end := min(i+e.batchSize, len(outbound))
		batch := outbound[i:end]
		batchNo := i/e.batchSize + 1

		bctx, cancel := context.WithTimeout(ctx, e.batchTimeout)
		results, err := p.PushBatch(bctx, batch)
		cancel()
		if err != nil {
			logger.Error("push batch failed", "batch", batchNo, "size", len(batch), "err", err)
			for _, change := range batch {
				state.addError(SyncError{
					Type:      ErrorNetwork,
					Provider:  name,
					EventID:   change.EventID,
					Message:   err.Error(),
					Retryable: true,
				})
			}
			continue
		}
		byEvent := make(map[string]PushResult, len(results))
		for _, r := range results {
			byEvent[r.EventID] = r
		}
		pushed := 0
		for _, change := range batch {
			r, ok := byEvent[change.EventID]
			if !ok {
				state.addError(SyncError{
					Type:      ErrorNetwork,
					Provider:  name,
					EventID:   change.EventID,
					Message:   "no acknowledgment received",
					Retryable: true,
				})
				continue
			}
			if r.Err != nil {
				if errors.Is(r.Err, ErrNotFound) && change.Op == OpDelete {
					r.Err = nil
				} else {
					state.addError(newSyncError(name, change.EventID, r.Err))
					continue
				}
			}
			lastModified := r.LastModified
			if lastModified.IsZero() {
				lastModified = e.now()
			}
			providerEventID := r.ProviderEventID
			if providerEventID == "" && change.Mapping != nil {
				providerEventID = change.Mapping.ProviderEventID
			}
			if providerEventID == "" {
				providerEventID = change.EventID
			}
			ack := PushAck{
				Provider:        name,
				EventID:         change.EventID,
				Op:              change.Op,
				ProviderEventID: providerEventID,
				CalendarID:      r.CalendarID,
				Href:            r.Href,
				ETag:            r.ETag,
				Version:         change.Version,
				Event:           change.Event,
				LastModified:    lastModified,
				StillPending:    e.queue.Pending(change.EventID) > pendingFor(change, state),
			}
			if err := e.store.MarkPushed(ack); err != nil {
				state.addError(SyncError{
					Type:      ErrorStorage,
					Provider:  name,
					EventID:   change.EventID,
					Message:   err.Error(),
					Retryable: false,
				})
				continue
			}
			state.confirm(name, change.EventID)
			if id, ok := state.takeSuperseded(change.EventID); ok {
				if err := e.queue.Ack(ctx, id); err != nil {
					state.addError(newSyncError(name, change.EventID, err))
				}
			}
			pushed++
		}
		state.addSynced(pushed)
		logger.Debug("push batch done", "batch", batchNo, "size", len(batch), "pushed", pushed)
	}
}

// pendingFor is the number of queue entries a push covers: one superseding
// entry for resolved events, otherwise the whole drained run.
func pendingFor(change OutboundChange, state *runState) int {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.dropped[change.EventID] {
		return 1
	}
	return state.drainedCount(change.EventID)
}

func (r *runState) drainedCount(eventID string) int {
	if r.drained == nil {
		return 0
	}
	return r.drained[eventID]
}

func (e *Engine) finish(state *runState, start time.Time) SyncResult {
	result := state.result
	result.ErrorCount = len(result.Errors)
	result.Success = !state.fatal && result.ErrorCount == 0
	result.Duration = e.now().Sub(start)
	e.logger.Info("sync finished",
		"success", result.Success,
		"synced", result.SyncedCount,
		"conflicts", result.ConflictCount,
		"errors", result.ErrorCount,
		"duration", result.Duration,
	)
	e.notify(result)
	return result
}

func (e *Engine) notify(result SyncResult) {
	e.mu.RLock()
	onComplete := e.onComplete
	onConflicts := e.onConflicts
	subs := make([]func(SyncEvent), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		subs = append(subs, fn)
	}
	e.mu.RUnlock()

	if len(result.Conflicts) > 0 {
		if onConflicts != nil {
			onConflicts(result.Conflicts)
		}
		for _, fn := range subs {
			fn(SyncEvent{Kind: SyncEventConflicts, Conflicts: result.Conflicts})
		}
	}
	if onComplete != nil {
		onComplete(result)
	}
	for _, fn := range subs {
		r := result
		fn(SyncEvent{Kind: SyncEventComplete, Result: &r})
	}
}

func containsString(items []string, value string) bool {
	for _, item := range items {
		if item == value {
			return true
		}
	}
	return false
}
