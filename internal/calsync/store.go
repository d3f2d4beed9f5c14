package calsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ApplyOutcome string

const (
	ApplyInserted  ApplyOutcome = "inserted"
	ApplyUpdated   ApplyOutcome = "updated"
	ApplyUnchanged ApplyOutcome = "unchanged"
	ApplyConflict  ApplyOutcome = "conflict"
	ApplyDeleted   ApplyOutcome = "deleted"
	ApplyIgnored   ApplyOutcome = "ignored"
)

// SyncMetadata is the single sync-metadata record.
type SyncMetadata struct {
	DeviceID     string               `json:"deviceId"`
	LastSync     time.Time            `json:"lastSync"`
	ClockCounter uint64               `json:"clockCounter"`
	Watermarks   map[string]time.Time `json:"watermarks,omitempty"`
}

type persistedState struct {
	Events      map[string]Event          `json:"events"`
	Mappings    map[string]SyncMapping    `json:"mappings"`
	Conflicts   map[string]ConflictRecord `json:"conflicts"`
	Resolutions map[string]Resolution     `json:"resolutions"`
	Deliveries  map[string]string         `json:"deliveries"`
	Calendars   map[string]CalendarState  `json:"calendars"`
	Meta        SyncMetadata              `json:"meta"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type StoreOptions struct {
	StateBackend StateBackend
	OwnerID      string
	DeviceID     string
	Logger       *slog.Logger
	Now          func() time.Time
}

// Store holds the canonical events, the sync mapping table, open conflicts and
// the sync-metadata record. Every mutation is persisted before it returns; a
// mutation whose save fails is rolled back to the last persisted state.
type Store struct {
	mu          sync.RWMutex
	events      map[string]Event
	mappings    map[string]SyncMapping
	localIndex  map[string]string
	conflicts   map[string]ConflictRecord
	resolutions map[string]Resolution
	deliveries  map[string]string
	calendars   map[string]CalendarState
	meta        SyncMetadata
	ownerID     string
	backend     StateBackend
	durable     persistedState
	logger      *slog.Logger
	now         func() time.Time
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		events:      map[string]Event{},
		mappings:    map[string]SyncMapping{},
		localIndex:  map[string]string{},
		conflicts:   map[string]ConflictRecord{},
		resolutions: map[string]Resolution{},
		deliveries:  map[string]string{},
		calendars:   map[string]CalendarState{},
		meta:        SyncMetadata{Watermarks: map[string]time.Time{}},
		ownerID:     strings.TrimSpace(opts.OwnerID),
		backend:     opts.StateBackend,
		logger:      logger,
		now:         now,
	}
	if err := s.load(); err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	if deviceID := strings.TrimSpace(opts.DeviceID); deviceID != "" && s.meta.DeviceID != deviceID {
		if s.meta.DeviceID != "" {
			logger.Warn("device id changed for existing state", "previous", s.meta.DeviceID, "device_id", deviceID)
		}
		s.meta.DeviceID = deviceID
	}
	if s.meta.DeviceID == "" {
		s.meta.DeviceID = "dev_" + uuid.NewString()
	}
	s.durable = s.snapshotLocked()
	return s, nil
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.DeviceID
}

func (s *Store) ClockCounter() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.ClockCounter
}

func (s *Store) Event(id string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return Event{}, false
	}
	return ev.Clone(), true
}

// Events returns all canonical events ordered by start time.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func (s *Store) Mapping(provider, providerEventID string) (SyncMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[providerObjectKey(provider, providerEventID)]
	return m, ok
}

func (s *Store) MappingForEvent(provider, localEventID string) (SyncMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mappingForEventLocked(provider, localEventID)
}

func (s *Store) mappingForEventLocked(provider, localEventID string) (SyncMapping, bool) {
	key, ok := s.localIndex[providerObjectKey(provider, localEventID)]
	if !ok {
		return SyncMapping{}, false
	}
	m, ok := s.mappings[key]
	return m, ok
}

// MappingsForEvent returns every provider mapping of a canonical event.
func (s *Store) MappingsForEvent(localEventID string) []SyncMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mappingsForEventLocked(localEventID)
}

func (s *Store) mappingsForEventLocked(localEventID string) []SyncMapping {
	var out []SyncMapping
	for _, m := range s.mappings {
		if m.LocalEventID == localEventID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (s *Store) Mappings(provider string) []SyncMapping {
	provider = normalizeProvider(provider)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SyncMapping
	for _, m := range s.mappings {
		if provider == "" || m.Provider == provider {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider == out[j].Provider {
			return out[i].ProviderEventID < out[j].ProviderEventID
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// BaseSnapshot returns the last synced content of an event, if any provider
// has recorded one.
func (s *Store) BaseSnapshot(localEventID string) *Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappingsForEventLocked(localEventID) {
		if m.Base != nil {
			base := m.Base.Clone()
			return &base
		}
	}
	return nil
}

// ApplyLocal records a queued local edit in the canonical store. Mappings of
// the event move to pending_remote unless they are in conflict.
func (s *Store) ApplyLocal(m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	switch m.Op {
	case OpDelete:
		delete(s.events, m.EventID)
	default:
		ev := m.Event.Clone()
		ev.ID = m.EventID
		ev.Version = m.Version
		if ev.OwnerID == "" {
			ev.OwnerID = s.ownerID
		}
		if existing, ok := s.events[m.EventID]; ok && !existing.CreatedAt.IsZero() {
			ev.CreatedAt = existing.CreatedAt
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		ev.UpdatedAt = m.LastModified
		s.events[m.EventID] = ev
	}
	for key, mapping := range s.mappings {
		if mapping.LocalEventID != m.EventID || mapping.Status == MappingConflict {
			continue
		}
		mapping.Status = MappingPendingRemote
		mapping.LastModifiedLocal = m.LastModified
		s.mappings[key] = mapping
	}
	if m.Clock.Counter > s.meta.ClockCounter {
		s.meta.ClockCounter = m.Clock.Counter
	}
	return s.saveLocked("apply local")
}

// ReserveMapping claims the provider identity of a purely local event before
// its first push. The mapping stays in the local state until acknowledged.
func (s *Store) ReserveMapping(provider, providerEventID, localEventID, calendarID string) error {
	provider = normalizeProvider(provider)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := providerObjectKey(provider, providerEventID)
	if existing, ok := s.mappings[key]; ok {
		if existing.LocalEventID != localEventID {
			return fmt.Errorf("%w: provider identity %s already mapped", ErrInvalidInput, key)
		}
		return nil
	}
	s.mappings[key] = SyncMapping{
		Provider:          provider,
		ProviderEventID:   providerEventID,
		LocalEventID:      localEventID,
		CalendarID:        calendarID,
		Status:            MappingLocal,
		LastModifiedLocal: s.now(),
	}
	s.localIndex[providerObjectKey(provider, localEventID)] = key
	return s.saveLocked("reserve mapping")
}

// PushAck is a provider's confirmation of one written event.
type PushAck struct {
	Provider        string
	EventID         string
	Op              Operation
	ProviderEventID string
	CalendarID      string
	Href            string
	ETag            string
	Version         int64
	Event           Event
	LastModified    time.Time
	// StillPending is set when newer local edits remain queued.
	StillPending bool
}

// MarkPushed records a confirmed remote write. Deletions drop the mapping.
func (s *Store) MarkPushed(ack PushAck) error {
	provider := normalizeProvider(ack.Provider)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ack.Op == OpDelete {
		if key, ok := s.localIndex[providerObjectKey(provider, ack.EventID)]; ok {
			delete(s.mappings, key)
			delete(s.localIndex, providerObjectKey(provider, ack.EventID))
		}
		return s.saveLocked("mark pushed")
	}
	key := providerObjectKey(provider, ack.ProviderEventID)
	mapping, ok := s.mappings[key]
	if !ok {
		if oldKey, found := s.localIndex[providerObjectKey(provider, ack.EventID)]; found {
			mapping = s.mappings[oldKey]
			delete(s.mappings, oldKey)
		}
	}
	mapping.Provider = provider
	mapping.ProviderEventID = ack.ProviderEventID
	mapping.LocalEventID = ack.EventID
	if ack.CalendarID != "" {
		mapping.CalendarID = ack.CalendarID
	}
	if ack.Href != "" {
		mapping.Href = ack.Href
	}
	mapping.ETag = ack.ETag
	mapping.RemoteVersion = ack.Version
	mapping.LastModifiedLocal = ack.LastModified
	mapping.LastModifiedRemote = ack.LastModified
	mapping.ConflictData = nil
	base := ack.Event.Clone()
	base.Version = ack.Version
	mapping.Base = &base
	mapping.Status = MappingSynced
	if ack.StillPending {
		mapping.Status = MappingPendingRemote
	}
	s.mappings[key] = mapping
	s.localIndex[providerObjectKey(provider, ack.EventID)] = key
	return s.saveLocked("mark pushed")
}

// ApplyRemote upserts a provider snapshot. When pendingLocal is set and the
// remote changed, the mapping moves to conflict and the canonical content is
// left untouched.
func (s *Store) ApplyRemote(remote RemoteEvent, pendingLocal bool) (ApplyOutcome, string, error) {
	provider := normalizeProvider(remote.Provider)
	remote.ProviderEventID = strings.TrimSpace(remote.ProviderEventID)
	if provider == "" || remote.ProviderEventID == "" {
		return ApplyIgnored, "", ErrInvalidInput
	}
	remote.Provider = provider
	s.mu.Lock()
	defer s.mu.Unlock()
	key := providerObjectKey(provider, remote.ProviderEventID)
	mapping, exists := s.mappings[key]
	if !exists {
		localID := uuid.NewString()
		if _, taken := s.events[remote.ProviderEventID]; !taken && isUUID(remote.ProviderEventID) {
			localID = remote.ProviderEventID
		}
		ev := s.canonicalFromRemoteLocked(localID, remote, Event{})
		s.events[localID] = ev
		base := ev.Clone()
		s.mappings[key] = SyncMapping{
			Provider:           provider,
			ProviderEventID:    remote.ProviderEventID,
			LocalEventID:       localID,
			CalendarID:         remote.CalendarID,
			Href:               remote.Href,
			ETag:               remote.ETag,
			LastModifiedLocal:  s.now(),
			LastModifiedRemote: remote.LastModified,
			RemoteVersion:      remote.Version,
			Status:             MappingSynced,
			Base:               &base,
		}
		s.localIndex[providerObjectKey(provider, localID)] = key
		if err := s.saveLocked("apply remote"); err != nil {
			return ApplyIgnored, localID, err
		}
		return ApplyInserted, localID, nil
	}

	localID := mapping.LocalEventID
	if !remoteChanged(mapping, remote) {
		return ApplyUnchanged, localID, nil
	}
	current, hasEvent := s.events[localID]

	if mapping.Status == MappingLocal && hasEvent && sameContent(current, remote.Event) {
		// echo of our own first push arriving before its acknowledgment
		s.refreshMappingLocked(key, mapping, remote, current)
		if err := s.saveLocked("apply remote"); err != nil {
			return ApplyIgnored, localID, err
		}
		return ApplyUnchanged, localID, nil
	}

	if pendingLocal || mapping.Status == MappingConflict {
		mapping.Status = MappingConflict
		mapping.ConflictData = &ConflictData{Local: current.Clone(), Remote: remote}
		mapping.ETag = remote.ETag
		mapping.LastModifiedRemote = remote.LastModified
		mapping.RemoteVersion = remote.Version
		if remote.Href != "" {
			mapping.Href = remote.Href
		}
		s.mappings[key] = mapping
		if rec, ok := s.conflicts[localID]; ok {
			rec.Remote = remote
			s.conflicts[localID] = rec
		}
		if err := s.saveLocked("apply remote"); err != nil {
			return ApplyIgnored, localID, err
		}
		return ApplyConflict, localID, nil
	}

	ev := s.canonicalFromRemoteLocked(localID, remote, current)
	s.events[localID] = ev
	s.refreshMappingLocked(key, mapping, remote, ev)
	if err := s.saveLocked("apply remote"); err != nil {
		return ApplyIgnored, localID, err
	}
	if hasEvent && sameContent(current, ev) {
		return ApplyUnchanged, localID, nil
	}
	return ApplyUpdated, localID, nil
}

func (s *Store) refreshMappingLocked(key string, mapping SyncMapping, remote RemoteEvent, ev Event) {
	mapping.ETag = remote.ETag
	mapping.LastModifiedRemote = remote.LastModified
	mapping.RemoteVersion = remote.Version
	if remote.Href != "" {
		mapping.Href = remote.Href
	}
	if remote.CalendarID != "" {
		mapping.CalendarID = remote.CalendarID
	}
	mapping.Status = MappingSynced
	mapping.ConflictData = nil
	base := ev.Clone()
	mapping.Base = &base
	s.mappings[key] = mapping
}

func (s *Store) canonicalFromRemoteLocked(localID string, remote RemoteEvent, existing Event) Event {
	ev := remote.Event.Clone()
	ev.ID = localID
	ev.Version = remote.Version
	ev.OwnerID = existing.OwnerID
	if ev.OwnerID == "" {
		ev.OwnerID = s.ownerID
	}
	ev.CreatedAt = existing.CreatedAt
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	ev.UpdatedAt = remote.LastModified
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = s.now()
	}
	return ev
}

func remoteChanged(mapping SyncMapping, remote RemoteEvent) bool {
	if remote.ETag != "" || mapping.ETag != "" {
		return remote.ETag != mapping.ETag
	}
	return !remote.LastModified.Equal(mapping.LastModifiedRemote)
}

// DeleteRemote removes the canonical event behind a provider identity together
// with all of its mappings and any open conflict. Remote deletion is
// authoritative.
func (s *Store) DeleteRemote(provider, providerEventID string) (string, bool, error) {
	provider = normalizeProvider(provider)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := providerObjectKey(provider, providerEventID)
	mapping, ok := s.mappings[key]
	if !ok {
		return "", false, nil
	}
	localID := mapping.LocalEventID
	delete(s.events, localID)
	for k, m := range s.mappings {
		if m.LocalEventID == localID {
			delete(s.mappings, k)
			delete(s.localIndex, providerObjectKey(m.Provider, localID))
		}
	}
	delete(s.conflicts, localID)
	if err := s.saveLocked("delete remote"); err != nil {
		return localID, true, err
	}
	return localID, true, nil
}

func (s *Store) SaveConflict(rec ConflictRecord) error {
	if strings.TrimSpace(rec.EventID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = "cfl_" + uuid.NewString()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = s.now()
	}
	s.conflicts[rec.EventID] = rec
	if key, ok := s.localIndex[providerObjectKey(rec.Provider, rec.EventID)]; ok {
		mapping := s.mappings[key]
		mapping.Status = MappingConflict
		if mapping.ConflictData == nil {
			mapping.ConflictData = &ConflictData{Local: rec.Local.Event.Clone(), Remote: rec.Remote}
		}
		s.mappings[key] = mapping
	}
	return s.saveLocked("save conflict")
}

func (s *Store) Conflict(eventID string) (ConflictRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conflicts[eventID]
	return rec, ok
}

// Conflicts lists open conflicts, oldest first.
func (s *Store) Conflicts() []ConflictRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConflictRecord, 0, len(s.conflicts))
	for _, rec := range s.conflicts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Resolution returns a previously applied resolution by id.
func (s *Store) Resolution(id string) (Resolution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resolutions[id]
	return res, ok
}

// ApplyResolution writes a resolution into the canonical store. Applying the
// same resolution id twice returns the recorded result and changes nothing.
// A blocked (manual) resolution keeps the local working copy and the
// conflict record; the mapping stays in conflict.
func (s *Store) ApplyResolution(rec ConflictRecord, res Resolution) (Resolution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.resolutions[res.ID]; ok {
		return prior, true, nil
	}
	provider := normalizeProvider(rec.Provider)
	mapKey, hasMapping := s.localIndex[providerObjectKey(provider, rec.EventID)]

	if res.Blocked {
		rec.Blocked = true
		s.conflicts[rec.EventID] = rec
		if hasMapping {
			mapping := s.mappings[mapKey]
			mapping.Status = MappingConflict
			mapping.ConflictData = &ConflictData{Local: rec.Local.Event.Clone(), Remote: rec.Remote}
			s.mappings[mapKey] = mapping
		}
		s.resolutions[res.ID] = res
		return res, false, s.saveLocked("apply resolution")
	}

	ev := res.Event.Clone()
	ev.ID = rec.EventID
	if existing, ok := s.events[rec.EventID]; ok {
		ev.CreatedAt = existing.CreatedAt
		if ev.OwnerID == "" {
			ev.OwnerID = existing.OwnerID
		}
	}
	if ev.OwnerID == "" {
		ev.OwnerID = s.ownerID
	}
	if res.Op == OpDelete {
		delete(s.events, rec.EventID)
	} else {
		s.events[rec.EventID] = ev
	}
	if hasMapping {
		mapping := s.mappings[mapKey]
		mapping.Status = MappingPendingRemote
		mapping.ConflictData = nil
		if rec.Remote.ETag != "" {
			mapping.ETag = rec.Remote.ETag
		}
		if rec.Remote.Href != "" {
			mapping.Href = rec.Remote.Href
		}
		mapping.RemoteVersion = rec.Remote.Version
		mapping.LastModifiedRemote = rec.Remote.LastModified
		mapping.LastModifiedLocal = res.ResolvedAt
		s.mappings[mapKey] = mapping
	}
	delete(s.conflicts, rec.EventID)
	s.resolutions[res.ID] = res
	return res, false, s.saveLocked("apply resolution")
}

// Watermark returns the last fetch watermark for a sync context.
func (s *Store) Watermark(key string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Watermarks[key]
}

// AdvanceWatermark moves a watermark forward; it never moves backwards.
func (s *Store) AdvanceWatermark(key string, t time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.Watermarks == nil {
		s.meta.Watermarks = map[string]time.Time{}
	}
	current := s.meta.Watermarks[key]
	if !t.After(current) {
		return current, nil
	}
	s.meta.Watermarks[key] = t
	return t, s.saveLocked("advance watermark")
}

func (s *Store) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.LastSync
}

// RecordSync advances the last-sync time monotonically and returns the
// resulting value.
func (s *Store) RecordSync(t time.Time, clockCounter uint64) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clockCounter > s.meta.ClockCounter {
		s.meta.ClockCounter = clockCounter
	}
	if t.After(s.meta.LastSync) {
		s.meta.LastSync = t
	}
	return s.meta.LastSync, s.saveLocked("record sync")
}

func (s *Store) CalendarState(provider, calendarID string) (CalendarState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.calendars[providerObjectKey(provider, calendarID)]
	if !ok {
		return CalendarState{}, false
	}
	return st.Clone(), true
}

func (s *Store) PutCalendarState(st CalendarState) error {
	st.Provider = normalizeProvider(st.Provider)
	if st.Provider == "" || strings.TrimSpace(st.CalendarID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	s.calendars[providerObjectKey(st.Provider, st.CalendarID)] = st.Clone()
	return s.saveLocked("put calendar state")
}

func (s *Store) HasDelivery(provider, deliveryID string) bool {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, seen := s.deliveries[providerObjectKey(provider, deliveryID)]
	return seen
}

// RecordDelivery remembers a webhook delivery id. It reports false when the
// delivery was already seen.
func (s *Store) RecordDelivery(provider, deliveryID, providerEventID string) (bool, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := providerObjectKey(provider, deliveryID)
	if _, seen := s.deliveries[key]; seen {
		return false, nil
	}
	s.deliveries[key] = providerEventID
	return true, s.saveLocked("record delivery")
}

func (s *Store) load() error {
	if s.backend == nil {
		return nil
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.Events != nil {
		s.events = snapshot.Events
	}
	if snapshot.Mappings != nil {
		s.mappings = snapshot.Mappings
	}
	if snapshot.Conflicts != nil {
		s.conflicts = snapshot.Conflicts
	}
	if snapshot.Resolutions != nil {
		s.resolutions = snapshot.Resolutions
	}
	if snapshot.Deliveries != nil {
		s.deliveries = snapshot.Deliveries
	}
	if snapshot.Calendars != nil {
		s.calendars = snapshot.Calendars
	}
	s.meta = snapshot.Meta
	if s.meta.Watermarks == nil {
		s.meta.Watermarks = map[string]time.Time{}
	}
	for key, m := range s.mappings {
		s.localIndex[providerObjectKey(m.Provider, m.LocalEventID)] = key
	}
	return nil
}

func (s *Store) saveLocked(op string) error {
	if s.backend == nil {
		return nil
	}
	snapshot := s.snapshotLocked()
	if err := s.backend.Save(&snapshot); err != nil {
		s.logger.Error("state save failed, rolling back", "op", op, "err", err)
		s.restoreLocked(s.durable)
		return &StorageError{Op: op, Err: err}
	}
	s.durable = snapshot
	return nil
}

// snapshotLocked copies the top-level maps. Values are replaced, never
// mutated in place, so a shallow copy is a stable snapshot.
func (s *Store) snapshotLocked() persistedState {
	meta := s.meta
	meta.Watermarks = maps.Clone(s.meta.Watermarks)
	return persistedState{
		Events:      maps.Clone(s.events),
		Mappings:    maps.Clone(s.mappings),
		Conflicts:   maps.Clone(s.conflicts),
		Resolutions: maps.Clone(s.resolutions),
		Deliveries:  maps.Clone(s.deliveries),
		Calendars:   maps.Clone(s.calendars),
		Meta:        meta,
	}
}

func (s *Store) restoreLocked(state persistedState) {
	s.events = orEmpty(maps.Clone(state.Events))
	s.mappings = orEmpty(maps.Clone(state.Mappings))
	s.conflicts = orEmpty(maps.Clone(state.Conflicts))
	s.resolutions = orEmpty(maps.Clone(state.Resolutions))
	s.deliveries = orEmpty(maps.Clone(state.Deliveries))
	s.calendars = orEmpty(maps.Clone(state.Calendars))
	s.meta = state.Meta
	s.meta.Watermarks = orEmpty(maps.Clone(state.Meta.Watermarks))
	s.localIndex = make(map[string]string, len(s.mappings))
	for key, m := range s.mappings {
		s.localIndex[providerObjectKey(m.Provider, m.LocalEventID)] = key
	}
}

func orEmpty[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
